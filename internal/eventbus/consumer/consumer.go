// Package consumer implements the Event Consumer: a decode -> validate ->
// dedup -> dispatch -> ack/nack pipeline over a single AMQP queue, built on
// top of connection.Manager. It is grounded on the RabbitMQ driver's
// SubscribeWithGroup consume loop, generalized to CloudEvents decoding and
// the deduplication window the interop pipeline requires.
package consumer

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/streadway/amqp"

	"github.com/smile-health/interop-pipeline/internal/cloudevent"
	"github.com/smile-health/interop-pipeline/internal/eventbus/connection"
	"github.com/smile-health/interop-pipeline/internal/logging"
)

// Handler processes a decoded, validated, de-duplicated CloudEvent. The
// processing context (queue, consumer tag, received timestamp, resolved
// correlationId) for the current delivery is reachable via
// ProcessingContextFrom(ctx). An error return causes the message to be
// nacked (and, depending on configuration, routed to the dead-letter queue);
// nil acks it.
type Handler func(ctx context.Context, event *cloudevent.Event) error

// Observer receives per-message consumption outcomes. The telemetry
// monitor implements it; a nil Observer disables reporting.
type Observer interface {
	RecordConsumerReceived(queue string)
	RecordConsumerOutcome(queue, outcome, reason string)
}

// ProcessingContext is the per-delivery metadata available alongside the
// decoded event: which queue/consumer received it, when, and its resolved
// correlation identifier.
type ProcessingContext struct {
	Queue         string
	ConsumerTag   string
	ReceivedAt    time.Time
	CorrelationID string
}

type ctxKey struct{}

func withProcessingContext(ctx context.Context, pctx ProcessingContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, pctx)
}

// ProcessingContextFrom extracts the ProcessingContext a Handler was
// invoked with, if any.
func ProcessingContextFrom(ctx context.Context) (ProcessingContext, bool) {
	pctx, ok := ctx.Value(ctxKey{}).(ProcessingContext)
	return pctx, ok
}

// Config configures a Consumer's queue topology, failure handling, dedup
// window, and handler concurrency.
type Config struct {
	Exchange     string
	ExchangeType string // defaults to "topic"
	Queue        string
	RoutingKeys  []string
	Durable      bool
	AutoDelete   bool

	DeadLetter           string // exchange name; messages nacked without requeue route here if bound
	DeadLetterRoutingKey string
	MessageTTL           time.Duration // 0 means no x-message-ttl on the queue
	MaxLength            int           // 0 means no x-max-length on the queue

	// RequeueOnFailure makes handler errors nack with requeue instead of
	// dead-lettering. Decode/validation failures always nack without
	// requeue regardless.
	RequeueOnFailure bool

	// MaxParallel > 1 allows that many handler invocations in flight at
	// once for this queue, bounded below the broker prefetch. 0 or 1 keeps
	// the strictly sequential single-writer loop.
	MaxParallel int

	DedupWindow     time.Duration // 0 disables deduplication
	DedupSweepEvery time.Duration

	// Observer, if set, is notified of every delivery and its outcome.
	Observer Observer
}

// Stats is a point-in-time snapshot of consumer activity. Safe to copy.
type Stats struct {
	Received     uint64
	Decoded      uint64
	DecodeErrors uint64
	Validated    uint64
	InvalidCount uint64
	Duplicates   uint64
	Processed    uint64
	Failed       uint64
}

// Consumer decodes CloudEvents off an AMQP queue and dispatches them to a
// Handler, tracking a deduplication window keyed on event ID.
type Consumer struct {
	cfg     Config
	manager *connection.Manager
	log     *logging.Logger
	handler Handler

	chanID string
	ch     *amqp.Channel

	statsMu sync.RWMutex // written by in-flight handlers, read by Stats()
	stats   Stats

	dedupMu   sync.Mutex
	seen      map[string]time.Time
	stopSweep chan struct{}
	stopOnce  sync.Once

	activeMu sync.Mutex
	active   bool
}

// New constructs a Consumer. Call Start to begin consuming.
func New(cfg Config, manager *connection.Manager, log *logging.Logger, handler Handler) *Consumer {
	if cfg.ExchangeType == "" {
		cfg.ExchangeType = "topic"
	}
	return &Consumer{
		cfg:       cfg,
		manager:   manager,
		log:       log,
		handler:   handler,
		seen:      make(map[string]time.Time),
		stopSweep: make(chan struct{}),
	}
}

// Start declares the exchange and queue, binds routing keys, applies
// prefetch (via the channel obtained from the connection manager), and
// begins consuming in a background goroutine. The start sequence is
// channel (prefetch applied) -> exchange declare -> queue declare -> bind
// -> consume.
func (c *Consumer) Start(ctx context.Context) error {
	c.activeMu.Lock()
	if c.active {
		c.activeMu.Unlock()
		return fmt.Errorf("consumer: %s is already active", c.cfg.Queue)
	}
	c.active = true
	c.activeMu.Unlock()

	if err := c.start(ctx); err != nil {
		c.activeMu.Lock()
		c.active = false
		c.activeMu.Unlock()
		return err
	}
	return nil
}

func (c *Consumer) start(ctx context.Context) error {
	id, ch, err := c.manager.GetChannel()
	if err != nil {
		return err
	}
	c.chanID = id
	c.ch = ch

	if err := ch.ExchangeDeclare(c.cfg.Exchange, c.cfg.ExchangeType, c.cfg.Durable, c.cfg.AutoDelete, false, false, nil); err != nil {
		return err
	}

	args := amqp.Table{}
	if c.cfg.DeadLetter != "" {
		args["x-dead-letter-exchange"] = c.cfg.DeadLetter
	}
	if c.cfg.DeadLetterRoutingKey != "" {
		args["x-dead-letter-routing-key"] = c.cfg.DeadLetterRoutingKey
	}
	if c.cfg.MessageTTL > 0 {
		args["x-message-ttl"] = c.cfg.MessageTTL.Milliseconds()
	}
	if c.cfg.MaxLength > 0 {
		args["x-max-length"] = int64(c.cfg.MaxLength)
	}
	if _, err := ch.QueueDeclare(c.cfg.Queue, c.cfg.Durable, c.cfg.AutoDelete, false, false, args); err != nil {
		return err
	}

	routingKeys := c.cfg.RoutingKeys
	if len(routingKeys) == 0 {
		routingKeys = []string{"#"}
	}
	for _, key := range routingKeys {
		if err := ch.QueueBind(c.cfg.Queue, key, c.cfg.Exchange, false, nil); err != nil {
			return err
		}
	}

	deliveries, err := ch.Consume(c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	if c.cfg.DedupWindow > 0 {
		sweep := c.cfg.DedupSweepEvery
		if sweep == 0 {
			sweep = c.cfg.DedupWindow
		}
		go c.sweepLoop(sweep)
	}

	go c.consumeLoop(ctx, deliveries)
	return nil
}

// consumeLoop drains deliveries until the channel closes or ctx is
// cancelled. With MaxParallel > 1 a semaphore bounds the number of in-flight
// handlers; otherwise each message is handled before the next is read.
func (c *Consumer) consumeLoop(ctx context.Context, deliveries <-chan amqp.Delivery) {
	var sem chan struct{}
	if c.cfg.MaxParallel > 1 {
		sem = make(chan struct{}, c.cfg.MaxParallel)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			if sem == nil {
				c.handleDelivery(ctx, d)
				continue
			}
			sem <- struct{}{}
			go func(d amqp.Delivery) {
				defer func() { <-sem }()
				c.handleDelivery(ctx, d)
			}(d)
		}
	}
}

// handleDelivery runs the decode -> validate -> dedup -> dispatch -> ack
// pipeline for a single message.
func (c *Consumer) handleDelivery(ctx context.Context, d amqp.Delivery) {
	c.incr(func(s *Stats) { s.Received++ })
	c.observeReceived()

	event, err := cloudevent.ParseJSON(d.Body)
	if err != nil {
		c.incr(func(s *Stats) { s.DecodeErrors++ })
		c.observeOutcome("failed", "decode")
		c.log.Warn("consumer: malformed cloudevent, dropping", "error", err.Error())
		d.Nack(false, false) // malformed message is permanent failure, never requeue
		return
	}
	c.incr(func(s *Stats) { s.Decoded++ })

	if err := event.Validate(); err != nil {
		c.incr(func(s *Stats) { s.InvalidCount++ })
		c.observeOutcome("failed", "invalid")
		c.log.Warn("consumer: invalid cloudevent, dropping", "error", err.Error())
		d.Nack(false, false)
		return
	}
	c.incr(func(s *Stats) { s.Validated++ })

	if c.cfg.DedupWindow > 0 && c.isDuplicate(event.ID) {
		c.incr(func(s *Stats) { s.Duplicates++ })
		c.observeOutcome("duplicate", "")
		d.Ack(false)
		return
	}

	pctx := ProcessingContext{
		Queue:         c.cfg.Queue,
		ConsumerTag:   d.ConsumerTag,
		ReceivedAt:    time.Now(),
		CorrelationID: correlationID(event, d),
	}
	ctx = withProcessingContext(ctx, pctx)

	if err := c.handler(ctx, event); err != nil {
		c.incr(func(s *Stats) { s.Failed++ })
		c.observeOutcome("failed", "handler")
		d.Nack(false, c.cfg.RequeueOnFailure)
		return
	}

	c.incr(func(s *Stats) { s.Processed++ })
	c.observeOutcome("processed", "")
	d.Ack(false)
}

func (c *Consumer) observeReceived() {
	if c.cfg.Observer != nil {
		c.cfg.Observer.RecordConsumerReceived(c.cfg.Queue)
	}
}

func (c *Consumer) observeOutcome(outcome, reason string) {
	if c.cfg.Observer != nil {
		c.cfg.Observer.RecordConsumerOutcome(c.cfg.Queue, outcome, reason)
	}
}

// correlationID resolves the correlation identifier for a delivery, in
// precedence order: event.data.metadata.correlationId, then the
// "correlationid" extension attribute, then the AMQP properties
// correlationId, then the AMQP properties messageId, then the delivery tag,
// then finally event.id.
func correlationID(event *cloudevent.Event, d amqp.Delivery) string {
	if metadata, ok := event.Data["metadata"].(map[string]interface{}); ok {
		if v, ok := metadata["correlationId"].(string); ok && v != "" {
			return v
		}
	}
	if v, ok := event.Extension("correlationid"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if d.CorrelationId != "" {
		return d.CorrelationId
	}
	if d.MessageId != "" {
		return d.MessageId
	}
	if d.DeliveryTag != 0 {
		return strconv.FormatUint(d.DeliveryTag, 10)
	}
	return event.ID
}

func (c *Consumer) isDuplicate(id string) bool {
	c.dedupMu.Lock()
	defer c.dedupMu.Unlock()
	if _, ok := c.seen[id]; ok {
		return true
	}
	c.seen[id] = time.Now()
	return false
}

func (c *Consumer) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopSweep:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Consumer) sweep() {
	cutoff := time.Now().Add(-c.cfg.DedupWindow)
	c.dedupMu.Lock()
	defer c.dedupMu.Unlock()
	for id, seenAt := range c.seen {
		if seenAt.Before(cutoff) {
			delete(c.seen, id)
		}
	}
}

func (c *Consumer) incr(mutate func(*Stats)) {
	c.statsMu.Lock()
	mutate(&c.stats)
	c.statsMu.Unlock()
}

// Stats returns a snapshot of current consumer counters.
func (c *Consumer) Stats() Stats {
	c.statsMu.RLock()
	defer c.statsMu.RUnlock()
	return c.stats
}

// IsActive reports whether the consumer has been successfully started and
// not yet stopped. The health endpoint folds this into its status.
func (c *Consumer) IsActive() bool {
	c.activeMu.Lock()
	defer c.activeMu.Unlock()
	return c.active
}

// Stop halts the sweep goroutine and releases the consumer's channel. It
// does not cancel in-flight deliveries; callers should cancel the context
// passed to Start for that. Safe to call more than once.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopSweep)
		if c.chanID != "" {
			c.manager.ReleaseChannel(c.chanID)
		}
	})
	c.activeMu.Lock()
	c.active = false
	c.activeMu.Unlock()
}
