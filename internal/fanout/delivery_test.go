package fanout

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smile-health/interop-pipeline/internal/cloudevent"
)

func testClient(endpoint string) *Client {
	return &Client{
		ID:            "c1",
		Endpoint:      endpoint,
		Timeout:       2 * time.Second,
		RetryAttempts: 2,
		RetryDelay:    10 * time.Millisecond,
		EventTypes:    []string{"orders.created"},
	}
}

func TestDeliverySucceedsOnFirstAttempt(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.Header.Get("X-Event-Id") == "" {
			t.Error("expected X-Event-Id header to be set")
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDelivery(nil, NewBreakerPool(BreakerSettings{Enabled: true}))
	event := cloudevent.New("orders.created", "smile.orders-service", nil)
	result := d.Deliver(context.Background(), testClient(srv.URL), event, map[string]interface{}{"a": 1})

	if !result.Success || result.Attempts != 1 {
		t.Fatalf("expected success on first attempt, got %#v", result)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("expected 1 HTTP call, got %d", calls)
	}
}

func TestDeliveryRetriesOn5xxThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDelivery(nil, NewBreakerPool(BreakerSettings{Enabled: true}))
	event := cloudevent.New("orders.created", "smile.orders-service", nil)
	result := d.Deliver(context.Background(), testClient(srv.URL), event, map[string]interface{}{"a": 1})

	if !result.Success {
		t.Fatalf("expected eventual success, got %#v", result)
	}
	if result.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", result.Attempts)
	}
}

func TestDeliveryDoesNotRetryOn4xx(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	d := NewDelivery(nil, NewBreakerPool(BreakerSettings{Enabled: true}))
	event := cloudevent.New("orders.created", "smile.orders-service", nil)
	result := d.Deliver(context.Background(), testClient(srv.URL), event, map[string]interface{}{"a": 1})

	if result.Success {
		t.Fatal("expected 4xx to be a permanent failure")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("expected exactly 1 call (no retry on 4xx), got %d", calls)
	}
}

func TestDeliverySendsHL7AsTextPlain(t *testing.T) {
	var gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDelivery(nil, NewBreakerPool(BreakerSettings{Enabled: true}))
	event := cloudevent.New("orders.created", "smile.orders-service", nil)
	d.Deliver(context.Background(), testClient(srv.URL), event, "MSH|^~\\&|A|B|C|D|20260101120000||ADT^A01|1|P|2.5")

	if gotContentType != "text/plain" {
		t.Errorf("Content-Type = %q, want text/plain", gotContentType)
	}
}
