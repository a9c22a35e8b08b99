package fanout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/smile-health/interop-pipeline/internal/cloudevent"
)

// DeliveryResult is the outcome of delivering one payload to one client.
type DeliveryResult struct {
	ClientID   string
	Success    bool
	StatusCode int
	Attempts   int
	Error      string
	DurationMs int64
}

// Delivery performs authenticated, retried HTTP delivery to a single
// client, plus an optional per-client rate limiter.
type Delivery struct {
	httpClient *http.Client
	breakers   *BreakerPool

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter
}

// NewDelivery constructs a Delivery using httpClient (nil selects a default
// client with no shared timeout; per-request timeouts come from each
// client's configured Timeout via context).
func NewDelivery(httpClient *http.Client, breakers *BreakerPool) *Delivery {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Delivery{httpClient: httpClient, breakers: breakers, limiters: make(map[string]*rate.Limiter)}
}

func (d *Delivery) limiterFor(client *Client) *rate.Limiter {
	if !client.RateLimit.Enabled {
		return nil
	}
	d.limitersMu.Lock()
	defer d.limitersMu.Unlock()
	if l, ok := d.limiters[client.ID]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(client.RateLimit.RequestsPerSecond), client.RateLimit.Burst)
	d.limiters[client.ID] = l
	return l
}

// Deliver builds the request for payload and sends it to client: up to
// retryAttempts+1 total attempts, no retry on 4xx, linear
// retryDelay*attemptNumber backoff between attempts. The entire retry
// chain for this event runs inside a single circuit-breaker Execute call,
// so the breaker sees exactly one outcome (success or failure) per event,
// not one per attempt, and a non-2xx terminal status counts as a failure.
func (d *Delivery) Deliver(ctx context.Context, client *Client, event *cloudevent.Event, payload interface{}) DeliveryResult {
	start := time.Now()
	result := DeliveryResult{ClientID: client.ID}

	if limiter := d.limiterFor(client); limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			result.Error = err.Error()
			return result
		}
	}

	outcome, err := d.breakers.Execute(client, func() (any, error) {
		return d.deliverWithRetry(ctx, client, event, payload)
	})

	result.DurationMs = time.Since(start).Milliseconds()
	if resp, ok := outcome.(*sendOutcome); ok && resp != nil {
		result.StatusCode = resp.statusCode
		result.Attempts = resp.attempts
	}
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Success = true
	return result
}

// deliverWithRetry runs the attempt loop against client's endpoint and
// returns a non-nil error iff the final attempt did not yield a 2xx
// response. That error is what the caller's circuit breaker sees, so a
// permanent 4xx and an exhausted-retry 5xx both record as one breaker
// failure.
func (d *Delivery) deliverWithRetry(ctx context.Context, client *Client, event *cloudevent.Event, payload interface{}) (*sendOutcome, error) {
	maxAttempts := client.RetryAttempts + 1
	var lastErr error
	var lastOutcome *sendOutcome

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		outcome, err := d.send(ctx, client, event, payload)
		if err == nil {
			outcome.attempts = attempt
			lastOutcome = outcome
			if outcome.statusCode >= 200 && outcome.statusCode < 300 {
				return outcome, nil
			}
			lastErr = fmt.Errorf("fanout: client %s responded %d", client.ID, outcome.statusCode)
			if outcome.statusCode >= 400 && outcome.statusCode < 500 {
				return outcome, lastErr // permanent client error, do not retry
			}
		} else {
			lastErr = err
		}

		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				return lastOutcome, lastErr
			case <-time.After(client.RetryDelay * time.Duration(attempt)):
			}
		}
	}

	return lastOutcome, lastErr
}

type sendOutcome struct {
	statusCode int
	body       []byte
	attempts   int
}

func (d *Delivery) send(ctx context.Context, client *Client, event *cloudevent.Event, payload interface{}) (*sendOutcome, error) {
	body, contentType, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, client.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Event-Id", event.ID)
	req.Header.Set("X-Event-Type", event.Type)
	req.Header.Set("X-Event-Source", event.Source)
	req.Header.Set("X-Client-Id", client.ID)

	if err := ApplyAuth(reqCtx, req, client); err != nil {
		return nil, err
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	return &sendOutcome{statusCode: resp.StatusCode, body: respBody}, nil
}

func encodePayload(payload interface{}) ([]byte, string, error) {
	contentType := ContentType(payload)
	if s, ok := payload.(string); ok {
		return []byte(s), contentType, nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("fanout: encode payload: %w", err)
	}
	return body, contentType, nil
}
