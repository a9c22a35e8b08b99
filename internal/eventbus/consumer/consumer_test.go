package consumer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/streadway/amqp"

	"github.com/smile-health/interop-pipeline/internal/cloudevent"
	"github.com/smile-health/interop-pipeline/internal/logging"
)

// fakeAcknowledger records Ack/Nack calls so handleDelivery can be tested
// without a live broker connection.
type fakeAcknowledger struct {
	mu      sync.Mutex
	acked   bool
	nacked  bool
	requeue bool
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = true
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacked = true
	f.requeue = requeue
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return f.Nack(0, false, requeue)
}

func delivery(body []byte, ack *fakeAcknowledger) amqp.Delivery {
	return amqp.Delivery{Body: body, Acknowledger: ack}
}

func newTestConsumer(handler Handler) *Consumer {
	log := logging.New(logging.Config{Output: "stdout"})
	return New(Config{Exchange: "health.events", Queue: "interop.health.queue", DedupWindow: time.Minute}, nil, log, handler)
}

func TestHandleDeliveryMalformedJSONIsNackedWithoutRequeue(t *testing.T) {
	c := newTestConsumer(func(ctx context.Context, e *cloudevent.Event) error { return nil })
	ack := &fakeAcknowledger{}
	c.handleDelivery(context.Background(), delivery([]byte("not json"), ack))

	if !ack.nacked || ack.requeue {
		t.Fatalf("expected nack without requeue, got nacked=%v requeue=%v", ack.nacked, ack.requeue)
	}
	if c.Stats().DecodeErrors != 1 {
		t.Errorf("DecodeErrors = %d, want 1", c.Stats().DecodeErrors)
	}
}

func TestHandleDeliveryInvalidEventIsNacked(t *testing.T) {
	c := newTestConsumer(func(ctx context.Context, e *cloudevent.Event) error { return nil })
	ack := &fakeAcknowledger{}
	body := []byte(`{"specversion":"1.0","type":"","source":"smile.health-service","id":"1"}`)
	c.handleDelivery(context.Background(), delivery(body, ack))

	if !ack.nacked {
		t.Fatal("expected invalid event to be nacked")
	}
	if c.Stats().InvalidCount != 1 {
		t.Errorf("InvalidCount = %d, want 1", c.Stats().InvalidCount)
	}
}

func TestHandleDeliveryValidEventIsAckedAndDispatched(t *testing.T) {
	var dispatched *cloudevent.Event
	c := newTestConsumer(func(ctx context.Context, e *cloudevent.Event) error {
		dispatched = e
		return nil
	})
	ack := &fakeAcknowledger{}
	body := []byte(`{"specversion":"1.0","type":"health.patient.registered","source":"smile.health-service","id":"evt-1"}`)
	c.handleDelivery(context.Background(), delivery(body, ack))

	if !ack.acked {
		t.Fatal("expected valid event to be acked")
	}
	if dispatched == nil || dispatched.ID != "evt-1" {
		t.Fatalf("expected handler to receive decoded event, got %#v", dispatched)
	}
	if c.Stats().Processed != 1 {
		t.Errorf("Processed = %d, want 1", c.Stats().Processed)
	}
}

func TestHandleDeliveryHandlerErrorIsNacked(t *testing.T) {
	c := newTestConsumer(func(ctx context.Context, e *cloudevent.Event) error {
		return context.DeadlineExceeded
	})
	ack := &fakeAcknowledger{}
	body := []byte(`{"specversion":"1.0","type":"orders.created","source":"smile.orders-service","id":"evt-2"}`)
	c.handleDelivery(context.Background(), delivery(body, ack))

	if !ack.nacked {
		t.Fatal("expected handler error to be nacked")
	}
	if c.Stats().Failed != 1 {
		t.Errorf("Failed = %d, want 1", c.Stats().Failed)
	}
}

func TestHandleDeliveryHandlerErrorRequeuesWhenConfigured(t *testing.T) {
	c := newTestConsumer(func(ctx context.Context, e *cloudevent.Event) error {
		return context.DeadlineExceeded
	})
	c.cfg.RequeueOnFailure = true
	ack := &fakeAcknowledger{}
	body := []byte(`{"specversion":"1.0","type":"orders.created","source":"smile.orders-service","id":"evt-3"}`)
	c.handleDelivery(context.Background(), delivery(body, ack))

	if !ack.nacked || !ack.requeue {
		t.Fatalf("expected nack with requeue, got nacked=%v requeue=%v", ack.nacked, ack.requeue)
	}
}

func TestHandleDeliveryDeduplicatesRepeatedID(t *testing.T) {
	calls := 0
	c := newTestConsumer(func(ctx context.Context, e *cloudevent.Event) error {
		calls++
		return nil
	})
	body := []byte(`{"specversion":"1.0","type":"orders.created","source":"smile.orders-service","id":"dup-1"}`)

	ack1 := &fakeAcknowledger{}
	c.handleDelivery(context.Background(), delivery(body, ack1))
	ack2 := &fakeAcknowledger{}
	c.handleDelivery(context.Background(), delivery(body, ack2))

	if calls != 1 {
		t.Fatalf("expected handler to run once for duplicate IDs, ran %d times", calls)
	}
	if !ack2.acked {
		t.Fatal("expected duplicate delivery to still be acked (so it isn't redelivered)")
	}
	if c.Stats().Duplicates != 1 {
		t.Errorf("Duplicates = %d, want 1", c.Stats().Duplicates)
	}
}

type fakeObserver struct {
	received int
	outcomes []string
}

func (f *fakeObserver) RecordConsumerReceived(queue string) { f.received++ }

func (f *fakeObserver) RecordConsumerOutcome(queue, outcome, reason string) {
	f.outcomes = append(f.outcomes, outcome)
}

func TestHandleDeliveryReportsOutcomesToObserver(t *testing.T) {
	obs := &fakeObserver{}
	c := newTestConsumer(func(ctx context.Context, e *cloudevent.Event) error { return nil })
	c.cfg.Observer = obs

	ack := &fakeAcknowledger{}
	c.handleDelivery(context.Background(), delivery([]byte("not json"), ack))

	ack2 := &fakeAcknowledger{}
	body := []byte(`{"specversion":"1.0","type":"orders.created","source":"smile.orders-service","id":"obs-1"}`)
	c.handleDelivery(context.Background(), delivery(body, ack2))

	if obs.received != 2 {
		t.Errorf("observer received = %d, want 2", obs.received)
	}
	want := []string{"failed", "processed"}
	if len(obs.outcomes) != 2 || obs.outcomes[0] != want[0] || obs.outcomes[1] != want[1] {
		t.Errorf("observer outcomes = %v, want %v", obs.outcomes, want)
	}
}

func TestCorrelationIDPrecedence(t *testing.T) {
	e := cloudevent.New("orders.created", "smile.orders-service", nil)
	e.ID = "fallback-id"
	d := amqp.Delivery{}

	if got := correlationID(e, d); got != "fallback-id" {
		t.Errorf("with nothing else set, correlationID = %q, want event ID", got)
	}

	d.DeliveryTag = 7
	if got := correlationID(e, d); got != "7" {
		t.Errorf("with delivery tag set, correlationID = %q, want delivery tag", got)
	}

	d.MessageId = "msg-1"
	if got := correlationID(e, d); got != "msg-1" {
		t.Errorf("with properties.messageId set, correlationID = %q, want messageId", got)
	}

	d.CorrelationId = "props-corr-1"
	if got := correlationID(e, d); got != "props-corr-1" {
		t.Errorf("with properties.correlationId set, correlationID = %q, want properties correlationId", got)
	}

	e.Extensions = map[string]interface{}{"correlationid": "ext-corr-1"}
	if got := correlationID(e, d); got != "ext-corr-1" {
		t.Errorf("with correlationid extension set, correlationID = %q, want extension value", got)
	}

	e.Data = map[string]interface{}{"metadata": map[string]interface{}{"correlationId": "data-corr-1"}}
	if got := correlationID(e, d); got != "data-corr-1" {
		t.Errorf("with data.metadata.correlationId set, correlationID = %q, want data metadata value", got)
	}
}

func TestStartGuardsAgainstDoubleStart(t *testing.T) {
	c := newTestConsumer(func(ctx context.Context, e *cloudevent.Event) error { return nil })
	c.activeMu.Lock()
	c.active = true
	c.activeMu.Unlock()

	if err := c.Start(context.Background()); err == nil {
		t.Fatal("expected Start to reject a second start while already active")
	}
}

func TestStopIsSafeToCallTwice(t *testing.T) {
	c := newTestConsumer(func(ctx context.Context, e *cloudevent.Event) error { return nil })
	c.Stop()
	c.Stop()
}

func TestSweepRemovesExpiredEntries(t *testing.T) {
	c := newTestConsumer(func(ctx context.Context, e *cloudevent.Event) error { return nil })
	c.cfg.DedupWindow = time.Millisecond
	c.seen["old"] = time.Now().Add(-time.Hour)
	c.seen["fresh"] = time.Now()

	c.sweep()

	c.dedupMu.Lock()
	defer c.dedupMu.Unlock()
	if _, ok := c.seen["old"]; ok {
		t.Error("expected expired entry to be swept")
	}
}
