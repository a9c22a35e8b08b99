// Package connection manages the single AMQP 0-9-1 connection the pipeline
// shares across its consumers and publishers: dial, reconnect with backoff,
// and a registry of channels handed out to callers. It is grounded on the
// reconnect-on-NotifyClose pattern in the RabbitMQ message broker driver
// this module was adapted from, generalized to the exponential-backoff
// schedule and event-emitter API the interop pipeline needs.
package connection

import (
	"context"
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/streadway/amqp"

	"github.com/smile-health/interop-pipeline/internal/logging"
)

// State names a point in the connection lifecycle.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateError        State = "error"
	StateClosing      State = "closing"
	StateClosed       State = "closed"
)

// Health is a point-in-time snapshot of the connection's state.
type Health struct {
	State           State
	LastError       string
	ReconnectCount  int
	ConnectedSince  *time.Time
	ActiveChannels  int
}

// Config configures the Manager's dial target and reconnect schedule.
type Config struct {
	URL               string
	HeartbeatInterval time.Duration
	ConnectionTimeout time.Duration
	PrefetchCount     int

	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFactor float64
	MaxAttempts  int // 0 means unlimited
}

// EventHandler receives Manager lifecycle events: connected, disconnected,
// reconnecting, reconnect_failed, error, channel_created, channel_closed.
// payload varies by event name.
type EventHandler func(payload interface{})

// Manager owns the AMQP connection and the channels handed out from it. It
// is safe for concurrent use.
type Manager struct {
	cfg    Config
	log    *logging.Logger
	mu     sync.RWMutex
	conn   *amqp.Connection
	health Health

	channels    map[string]*amqp.Channel
	channelSeq  int
	closing     chan struct{}
	closed      bool

	handlersMu sync.RWMutex
	handlers   map[string][]EventHandler
}

// New constructs a Manager. Call Connect to dial.
func New(cfg Config, log *logging.Logger) *Manager {
	if cfg.InitialDelay == 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.Multiplier == 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.JitterFactor == 0 {
		cfg.JitterFactor = 0.1
	}
	return &Manager{
		cfg:      cfg,
		log:      log,
		health:   Health{State: StateDisconnected},
		channels: make(map[string]*amqp.Channel),
		closing:  make(chan struct{}),
		handlers: make(map[string][]EventHandler),
	}
}

// On registers handler for the named event. Handlers are invoked
// synchronously from the Manager's internal goroutines; they must not
// block or call back into the Manager.
func (m *Manager) On(event string, handler EventHandler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.handlers[event] = append(m.handlers[event], handler)
}

// Off removes all handlers registered for event.
func (m *Manager) Off(event string) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	delete(m.handlers, event)
}

func (m *Manager) emit(event string, payload interface{}) {
	m.handlersMu.RLock()
	handlers := append([]EventHandler(nil), m.handlers[event]...)
	m.handlersMu.RUnlock()
	for _, h := range handlers {
		h(payload)
	}
}

// Connect dials the broker and, on success, starts the watchdog goroutine
// that triggers reconnect on connection loss. It is idempotent: calling it
// while already connected or mid-connect is a no-op.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.health.State {
	case StateConnected, StateConnecting:
		m.mu.Unlock()
		return nil
	}
	m.health.State = StateConnecting
	m.mu.Unlock()

	conn, err := m.dial()
	if err != nil {
		m.setStateWithError(StateDisconnected, err)
		m.emit("error", err)
		return err
	}

	m.mu.Lock()
	m.conn = conn
	now := time.Now()
	m.health.ConnectedSince = &now
	m.health.ReconnectCount = 0
	m.mu.Unlock()

	m.setState(StateConnected)
	m.emit("connected", nil)

	go m.watch(ctx)
	return nil
}

func (m *Manager) dial() (*amqp.Connection, error) {
	return amqp.DialConfig(m.cfg.URL, amqp.Config{
		Heartbeat: m.cfg.HeartbeatInterval,
		Dial:      amqp.DefaultDial(m.cfg.ConnectionTimeout),
	})
}

// watch blocks on the connection's NotifyClose channel and drives
// reconnection with exponential backoff plus jitter:
//
//	delay = min(initialDelay * multiplier^(attempt-1), maxDelay) * (1 ± jitterFactor)
func (m *Manager) watch(ctx context.Context) {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()
	if conn == nil {
		return
	}

	closeCh := make(chan *amqp.Error, 1)
	conn.NotifyClose(closeCh)

	select {
	case <-ctx.Done():
		return
	case <-m.closing:
		return
	case err := <-closeCh:
		if err == nil {
			return
		}
		m.log.Warn("amqp connection lost", "error", err.Error())
		m.setStateWithError(StateReconnecting, err)
		m.emit("disconnected", false)
		m.emit("error", err)
		m.reconnectLoop(ctx)
	}
}

func (m *Manager) reconnectLoop(ctx context.Context) {
	attempt := 0
	var lastErr error
	for {
		attempt++
		if m.cfg.MaxAttempts > 0 && attempt > m.cfg.MaxAttempts {
			m.setStateWithError(StateError, lastErr)
			m.emit("reconnect_failed", map[string]interface{}{"attempts": attempt - 1, "lastError": lastErr})
			return
		}

		delay := m.backoffDelay(attempt)
		m.emit("reconnecting", map[string]interface{}{"attempt": attempt, "delay": delay})

		select {
		case <-ctx.Done():
			return
		case <-m.closing:
			return
		case <-time.After(delay):
		}

		conn, err := m.dial()
		if err != nil {
			lastErr = err
			m.log.Warn("amqp reconnect attempt failed", "attempt", attempt, "error", err.Error())
			m.emit("error", err)
			continue
		}

		m.mu.Lock()
		m.conn = conn
		now := time.Now()
		m.health.ConnectedSince = &now
		m.health.ReconnectCount = attempt
		// stale channels from the previous connection are invalid; drop them.
		m.channels = make(map[string]*amqp.Channel)
		m.mu.Unlock()

		m.setState(StateConnected)
		m.emit("connected", map[string]interface{}{"attempt": attempt})
		go m.watch(ctx)
		return
	}
}

func (m *Manager) backoffDelay(attempt int) time.Duration {
	base := float64(m.cfg.InitialDelay) * pow(m.cfg.Multiplier, attempt-1)
	if max := float64(m.cfg.MaxDelay); base > max {
		base = max
	}
	jitter := base * m.cfg.JitterFactor * (rand.Float64()*2 - 1)
	d := time.Duration(base + jitter)
	if d < 0 {
		d = 0
	}
	return d
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

// GetChannel returns a new, uniquely-keyed AMQP channel with this Manager's
// configured prefetch applied. Callers release it with ReleaseChannel when
// done; the Manager tracks it for health reporting and for invalidation on
// reconnect.
func (m *Manager) GetChannel() (id string, ch *amqp.Channel, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == nil || m.conn.IsClosed() {
		return "", nil, fmt.Errorf("connection: not connected")
	}

	ch, err = m.conn.Channel()
	if err != nil {
		return "", nil, fmt.Errorf("connection: open channel: %w", err)
	}
	if m.cfg.PrefetchCount > 0 {
		if err := ch.Qos(m.cfg.PrefetchCount, 0, false); err != nil {
			ch.Close()
			return "", nil, fmt.Errorf("connection: set qos: %w", err)
		}
	}

	m.channelSeq++
	id = fmt.Sprintf("ch-%d", m.channelSeq)
	m.channels[id] = ch
	m.emit("channel_created", id)
	return id, ch, nil
}

// GetConfirmChannel is GetChannel plus publisher-confirm mode, for callers
// that need delivery acknowledgement from the broker.
func (m *Manager) GetConfirmChannel() (id string, ch *amqp.Channel, err error) {
	id, ch, err = m.GetChannel()
	if err != nil {
		return "", nil, err
	}
	if err := ch.Confirm(false); err != nil {
		m.ReleaseChannel(id)
		return "", nil, fmt.Errorf("connection: enable confirm mode: %w", err)
	}
	return id, ch, nil
}

// ReleaseChannel closes and forgets the channel with the given id.
func (m *Manager) ReleaseChannel(id string) {
	m.mu.Lock()
	ch, ok := m.channels[id]
	if ok {
		delete(m.channels, id)
	}
	m.mu.Unlock()

	if ok {
		ch.Close()
		m.emit("channel_closed", id)
	}
}

// GetHealth returns a snapshot of the connection's current state.
func (m *Manager) GetHealth() Health {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h := m.health
	h.ActiveChannels = len(m.channels)
	return h
}

// IsHealthy reports whether the connection is currently usable.
func (m *Manager) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.health.State == StateConnected && m.conn != nil && !m.conn.IsClosed()
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.health.State = s
	m.mu.Unlock()
}

func (m *Manager) setStateWithError(s State, err error) {
	m.mu.Lock()
	m.health.State = s
	if err != nil {
		m.health.LastError = err.Error()
	}
	m.mu.Unlock()
}

// Close tears down the connection and all open channels. Safe to call once.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.closing)
	m.health.State = StateClosing
	for id, ch := range m.channels {
		ch.Close()
		delete(m.channels, id)
	}
	conn := m.conn
	m.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}

	m.setState(StateClosed)
	m.emit("disconnected", true)
	return err
}

// SanitizeURL strips credentials from an AMQP URL before it's logged.
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid-url"
	}
	if u.User != nil {
		userinfo := url.User(u.User.Username()).String()
		if _, hasPassword := u.User.Password(); hasPassword {
			userinfo += ":****"
		}
		u.User = nil
		return strings.Replace(u.String(), "://", "://"+userinfo+"@", 1)
	}
	return u.String()
}
