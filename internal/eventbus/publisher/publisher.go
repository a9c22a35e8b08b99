// Package publisher publishes CloudEvents onto an exchange through the
// Connection Manager. It is used both by the producer stub binaries and by
// the Interop Layer's "queue" route destination (republish).
package publisher

import (
	"context"
	"fmt"

	amqp "github.com/streadway/amqp"

	"github.com/smile-health/interop-pipeline/internal/cloudevent"
	"github.com/smile-health/interop-pipeline/internal/eventbus/connection"
)

// Publisher publishes CloudEvents through a Connection Manager's channel
// pool, borrowing a channel per publish and releasing it immediately after.
type Publisher struct {
	manager *connection.Manager
}

// New constructs a Publisher bound to manager.
func New(manager *connection.Manager) *Publisher {
	return &Publisher{manager: manager}
}

// Publish marshals event as structured-mode JSON and publishes it to
// exchange with routingKey, as a persistent message.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, event *cloudevent.Event) error {
	body, err := event.ToJSON()
	if err != nil {
		return fmt.Errorf("publisher: marshal event: %w", err)
	}

	id, ch, err := p.manager.GetChannel()
	if err != nil {
		return fmt.Errorf("publisher: get channel: %w", err)
	}
	defer p.manager.ReleaseChannel(id)

	publishing := amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		MessageId:    event.ID,
		Body:         body,
	}

	if err := ch.Publish(exchange, routingKey, false, false, publishing); err != nil {
		return fmt.Errorf("publisher: publish to %s/%s: %w", exchange, routingKey, err)
	}
	return nil
}
