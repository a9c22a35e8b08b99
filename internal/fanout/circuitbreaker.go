package fanout

import (
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

// Circuit breaker states as reported to OnStateChange.
const (
	BreakerClosed   = 0
	BreakerHalfOpen = 1
	BreakerOpen     = 2
)

// BreakerSettings are the clients-file globalSettings fields that govern
// circuit breaker behavior across all clients: the threshold, cooldown,
// and enable toggle are global, not per-client. OnStateChange, if set, is
// called on every breaker transition with the client ID and the new state
// (BreakerClosed/BreakerHalfOpen/BreakerOpen).
type BreakerSettings struct {
	Enabled   bool
	Threshold int
	Timeout   time.Duration

	OnStateChange func(client string, state int)
}

// BreakerPool owns one circuit breaker per client, opening a client's
// breaker after Threshold consecutive failures and half-opening it again
// after Timeout. All breakers share the same globalSettings-derived
// Threshold/Timeout; Enabled=false makes Execute bypass the breaker
// entirely.
type BreakerPool struct {
	mu       sync.Mutex
	settings BreakerSettings
	breakers map[string]*gobreaker.CircuitBreaker[any]
}

// NewBreakerPool constructs a pool governed by settings; breakers are
// created lazily per client on first use. Zero Threshold/Timeout fall back
// to 5 failures / 30s, matching the clients-file defaults.
func NewBreakerPool(settings BreakerSettings) *BreakerPool {
	if settings.Threshold <= 0 {
		settings.Threshold = 5
	}
	if settings.Timeout <= 0 {
		settings.Timeout = 30 * time.Second
	}
	return &BreakerPool{settings: settings, breakers: make(map[string]*gobreaker.CircuitBreaker[any])}
}

func (p *BreakerPool) breakerFor(client *Client) *gobreaker.CircuitBreaker[any] {
	p.mu.Lock()
	defer p.mu.Unlock()

	if b, ok := p.breakers[client.ID]; ok {
		return b
	}

	threshold := uint32(p.settings.Threshold)
	settings := gobreaker.Settings{
		Name:    client.ID,
		Timeout: p.settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
	}
	if notify := p.settings.OnStateChange; notify != nil {
		settings.OnStateChange = func(name string, _, to gobreaker.State) {
			notify(name, breakerStateCode(to))
		}
	}
	b := gobreaker.NewCircuitBreaker[any](settings)
	p.breakers[client.ID] = b
	return b
}

// Execute runs fn through client's breaker, or runs it directly when
// circuit breakers are disabled globally (globalSettings.enableCircuitBreaker).
func (p *BreakerPool) Execute(client *Client, fn func() (any, error)) (any, error) {
	if !p.settings.Enabled {
		return fn()
	}
	return p.breakerFor(client).Execute(fn)
}

func breakerStateCode(s gobreaker.State) int {
	switch s {
	case gobreaker.StateOpen:
		return BreakerOpen
	case gobreaker.StateHalfOpen:
		return BreakerHalfOpen
	default:
		return BreakerClosed
	}
}

// IsOpen reports whether client's breaker is currently open (i.e. the
// client should be excluded from selection), without the cooldown-driven
// half-open probe Execute would trigger. Always false when circuit
// breakers are disabled globally.
func (p *BreakerPool) IsOpen(client *Client) bool {
	if !p.settings.Enabled {
		return false
	}
	p.mu.Lock()
	b, ok := p.breakers[client.ID]
	p.mu.Unlock()
	if !ok {
		return false
	}
	return b.State() == gobreaker.StateOpen
}
