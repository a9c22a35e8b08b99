// Package openhim implements the shared bridge mode: a single
// HTTP endpoint selected by event source, used as an alternative to the
// full multi-client fan-out when only one downstream integration engine is
// configured.
package openhim

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/smile-health/interop-pipeline/internal/cloudevent"
)

const (
	sourceHealthService = "smile.health-service"
	sourceOrdersService = "smile.orders-service"
)

// EndpointConfig is a single routable HTTP destination with basic auth and
// retry settings.
type EndpointConfig struct {
	URL           string        `yaml:"url" validate:"required,url"`
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	Timeout       time.Duration `yaml:"timeout"`
	RetryAttempts int           `yaml:"retryAttempts"`
	InitialDelay  time.Duration `yaml:"initialDelay"`
	MaxDelay      time.Duration `yaml:"maxDelay"`
}

// Config selects an EndpointConfig by CloudEvent source.
type Config struct {
	Health  EndpointConfig `yaml:"health"`
	Orders  EndpointConfig `yaml:"orders"`
	Default EndpointConfig `yaml:"default"`
}

// Stats are the bridge's cumulative request counters.
type Stats struct {
	TotalRequests         int64
	Successful            int64
	Failed                int64
	AverageResponseTimeMs float64
}

// Bridge routes CloudEvents to a single downstream endpoint chosen by
// event source, retrying with exponential backoff on failure.
type Bridge struct {
	cfg        Config
	httpClient *http.Client

	mu    sync.Mutex
	stats Stats
}

// New constructs a Bridge. Endpoints with a zero Timeout default to 10s;
// zero RetryAttempts default to 3; zero InitialDelay/MaxDelay default to
// 1s/30s, mirroring the Connection Manager's backoff defaults.
func New(cfg Config) *Bridge {
	cfg.Health = withDefaults(cfg.Health)
	cfg.Orders = withDefaults(cfg.Orders)
	cfg.Default = withDefaults(cfg.Default)
	return &Bridge{cfg: cfg, httpClient: &http.Client{}}
}

func withDefaults(e EndpointConfig) EndpointConfig {
	if e.Timeout == 0 {
		e.Timeout = 10 * time.Second
	}
	if e.RetryAttempts == 0 {
		e.RetryAttempts = 3
	}
	if e.InitialDelay == 0 {
		e.InitialDelay = time.Second
	}
	if e.MaxDelay == 0 {
		e.MaxDelay = 30 * time.Second
	}
	return e
}

// endpointFor selects the destination by event source.
func (b *Bridge) endpointFor(source string) EndpointConfig {
	switch source {
	case sourceHealthService:
		return b.cfg.Health
	case sourceOrdersService:
		return b.cfg.Orders
	default:
		return b.cfg.Default
	}
}

// Send delivers event to the endpoint selected by its source, retrying
// with exponential backoff on non-2xx responses or transport errors.
func (b *Bridge) Send(ctx context.Context, event *cloudevent.Event) error {
	endpoint := b.endpointFor(event.Source)
	if endpoint.URL == "" {
		return fmt.Errorf("openhim: no endpoint configured for source %q", event.Source)
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("openhim: marshal event: %w", err)
	}

	start := time.Now()
	var lastErr error
	maxAttempts := endpoint.RetryAttempts + 1
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = b.attempt(ctx, endpoint, body)
		if lastErr == nil {
			b.recordResult(true, time.Since(start))
			return nil
		}
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			b.recordResult(false, time.Since(start))
			return ctx.Err()
		case <-time.After(backoffDelay(endpoint, attempt)):
		}
	}

	b.recordResult(false, time.Since(start))
	return fmt.Errorf("openhim: delivery failed after %d attempts: %w", maxAttempts, lastErr)
}

func (b *Bridge) attempt(ctx context.Context, endpoint EndpointConfig, body []byte) error {
	reqCtx, cancel := context.WithTimeout(ctx, endpoint.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if endpoint.Username != "" {
		req.SetBasicAuth(endpoint.Username, endpoint.Password)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// backoffDelay grows geometrically from InitialDelay, doubling per
// attempt and capped at MaxDelay, with up to 20% jitter.
func backoffDelay(endpoint EndpointConfig, attempt int) time.Duration {
	delay := float64(endpoint.InitialDelay) * math.Pow(2, float64(attempt-1))
	if max := float64(endpoint.MaxDelay); delay > max {
		delay = max
	}
	jitter := delay * 0.2 * (rand.Float64()*2 - 1)
	delay += jitter
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

func (b *Bridge) recordResult(success bool, latency time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stats.TotalRequests++
	if success {
		b.stats.Successful++
	} else {
		b.stats.Failed++
	}
	n := float64(b.stats.TotalRequests)
	b.stats.AverageResponseTimeMs = (b.stats.AverageResponseTimeMs*(n-1) + float64(latency.Milliseconds())) / n
}

// GetStats returns a snapshot of the bridge's cumulative counters.
func (b *Bridge) GetStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}
