package fanout

import (
	"context"
	"sync"
	"time"

	"github.com/smile-health/interop-pipeline/internal/cloudevent"
	"github.com/smile-health/interop-pipeline/internal/transform"
)

// TransformObserver receives the outcome of every transformation rule
// applied during fan-out. The telemetry monitor implements it; nil disables
// reporting.
type TransformObserver interface {
	RecordTransform(rule string, success bool, errorKind string, duration time.Duration)
}

// AggregateResult is the outcome of fanning one event out to all its
// subscribed clients.
type AggregateResult struct {
	EventID   string
	Total     int
	Succeeded int
	Failed    int
	Results   []DeliveryResult
}

// Dispatcher ties the client Registry, the transformation engine, and
// Delivery together: one event in, one delivery attempt per subscribed
// client out.
type Dispatcher struct {
	registry  *Registry
	transform *transform.Engine
	delivery  *Delivery
	breakers  *BreakerPool
	observer  TransformObserver

	continueOnTransformError bool
}

// NewDispatcher constructs a Dispatcher. observer may be nil.
func NewDispatcher(registry *Registry, transformEngine *transform.Engine, delivery *Delivery, breakers *BreakerPool, observer TransformObserver) *Dispatcher {
	return &Dispatcher{registry: registry, transform: transformEngine, delivery: delivery, breakers: breakers, observer: observer}
}

// Dispatch fans event out to every enabled, non-circuit-open client
// subscribed to its type, running each client's transformation chain and
// delivering the result in parallel. Per-client failures don't abort the
// others; the aggregate carries every individual DeliveryResult.
func (d *Dispatcher) Dispatch(ctx context.Context, event *cloudevent.Event) AggregateResult {
	subscribers := d.registry.Subscribers(event.Type)

	eligible := make([]*Client, 0, len(subscribers))
	for _, c := range subscribers {
		if d.breakers.IsOpen(c) {
			continue
		}
		eligible = append(eligible, c)
	}

	results := make([]DeliveryResult, len(eligible))
	var wg sync.WaitGroup
	for i, client := range eligible {
		wg.Add(1)
		go func(i int, client *Client) {
			defer wg.Done()
			results[i] = d.deliverToClient(ctx, client, event)
		}(i, client)
	}
	wg.Wait()

	agg := AggregateResult{EventID: event.ID, Total: len(results), Results: results}
	for _, r := range results {
		if r.Success {
			agg.Succeeded++
		} else {
			agg.Failed++
		}
	}
	return agg
}

// deliverToClient runs client's transformation chain, then delivers the
// resulting payload.
func (d *Dispatcher) deliverToClient(ctx context.Context, client *Client, event *cloudevent.Event) DeliveryResult {
	payload, err := d.runTransformChain(client, event)
	if err != nil {
		return DeliveryResult{ClientID: client.ID, Success: false, Error: err.Error()}
	}
	return d.delivery.Deliver(ctx, client, event, payload)
}

// runTransformChain sequentially applies each rule named in
// client.TransformationRules; the last rule's output is the delivered
// payload. A client with no configured rules delivers the raw CloudEvent.
func (d *Dispatcher) runTransformChain(client *Client, event *cloudevent.Event) (interface{}, error) {
	if len(client.TransformationRules) == 0 {
		return event.AsMap(), nil
	}

	var payload interface{} = event.AsMap()
	for _, ruleName := range client.TransformationRules {
		rule, err := d.transform.RuleByName(ruleName)
		if err != nil {
			d.observeTransform(ruleName, false, "lookup", 0)
			return nil, err
		}
		start := time.Now()
		result := d.transform.Apply(rule, event, d.continueOnTransformError)
		if !result.Success {
			kind := "mapping"
			if result.Metadata.ValidationRun && !result.Metadata.ValidationPassed {
				kind = "validation"
			}
			d.observeTransform(ruleName, false, kind, time.Since(start))
			return nil, transformChainError{client: client.ID, rule: ruleName, errs: result.Errors}
		}
		d.observeTransform(ruleName, true, "", time.Since(start))
		payload = result.Data
	}
	return payload, nil
}

func (d *Dispatcher) observeTransform(rule string, success bool, errorKind string, duration time.Duration) {
	if d.observer != nil {
		d.observer.RecordTransform(rule, success, errorKind, duration)
	}
}

type transformChainError struct {
	client string
	rule   string
	errs   []transform.MappingError
}

func (e transformChainError) Error() string {
	return "fanout: client " + e.client + " transformation rule " + e.rule + " failed"
}
