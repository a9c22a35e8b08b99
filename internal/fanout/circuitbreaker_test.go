package fanout

import (
	"errors"
	"testing"
)

func TestBreakerPoolOpensAfterThreshold(t *testing.T) {
	pool := NewBreakerPool(BreakerSettings{Enabled: true, Threshold: 3})
	client := &Client{ID: "c1"}

	for i := 0; i < 3; i++ {
		pool.Execute(client, func() (any, error) { return nil, errors.New("boom") })
	}

	if !pool.IsOpen(client) {
		t.Fatal("expected breaker to open after reaching the consecutive-failure threshold")
	}
}

func TestBreakerPoolStaysClosedOnSuccess(t *testing.T) {
	pool := NewBreakerPool(BreakerSettings{Enabled: true, Threshold: 2})
	client := &Client{ID: "c2"}

	pool.Execute(client, func() (any, error) { return nil, errors.New("boom") })
	pool.Execute(client, func() (any, error) { return "ok", nil })

	if pool.IsOpen(client) {
		t.Fatal("expected breaker to stay closed after a success resets the consecutive-failure count")
	}
}

func TestBreakerPoolIsOpenFalseForUnknownClient(t *testing.T) {
	pool := NewBreakerPool(BreakerSettings{Enabled: true})
	if pool.IsOpen(&Client{ID: "never-seen"}) {
		t.Fatal("expected unknown client to report closed")
	}
}

func TestBreakerPoolDisabledNeverOpens(t *testing.T) {
	pool := NewBreakerPool(BreakerSettings{Enabled: false, Threshold: 1})
	client := &Client{ID: "c3"}

	for i := 0; i < 5; i++ {
		pool.Execute(client, func() (any, error) { return nil, errors.New("boom") })
	}

	if pool.IsOpen(client) {
		t.Fatal("expected disabled breaker pool to never report open")
	}
}

func TestBreakerPoolNotifiesStateChange(t *testing.T) {
	var gotClient string
	var gotState int
	pool := NewBreakerPool(BreakerSettings{
		Enabled: true, Threshold: 1,
		OnStateChange: func(client string, state int) { gotClient, gotState = client, state },
	})
	client := &Client{ID: "c-notify"}

	pool.Execute(client, func() (any, error) { return nil, errors.New("boom") })

	if gotClient != "c-notify" || gotState != BreakerOpen {
		t.Fatalf("expected open notification for c-notify, got client=%q state=%d", gotClient, gotState)
	}
}

func TestBreakerPoolOpensAfterRepeatedTerminalFailures(t *testing.T) {
	pool := NewBreakerPool(BreakerSettings{Enabled: true, Threshold: 2})
	client := &Client{ID: "c4", RetryAttempts: 0}

	for i := 0; i < 2; i++ {
		pool.Execute(client, func() (any, error) { return nil, errors.New("fanout: client c4 responded 500") })
	}

	if !pool.IsOpen(client) {
		t.Fatal("expected breaker to open after repeated terminal delivery failures")
	}
}
