// Package fanout implements the multi-client fan-out: client selection,
// per-client transformation chains, authenticated HTTP delivery with
// circuit breaking and retries, and parallel dispatch with partial-failure
// aggregation. Each delivery executes through the client's circuit breaker
// first and the retry loop inside it, so the breaker sees one outcome per
// event rather than one per attempt.
package fanout

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// AuthType names how a client authenticates outbound requests.
type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthBasic  AuthType = "basic"
	AuthBearer AuthType = "bearer"
	AuthAPIKey AuthType = "api-key"
	AuthOAuth2 AuthType = "oauth2"
)

// AuthConfig holds the credentials for whichever AuthType a client uses;
// unused fields for a given type are simply left zero.
type AuthConfig struct {
	Username     string   `json:"username,omitempty"`
	Password     string   `json:"password,omitempty"`
	Token        string   `json:"token,omitempty"`
	HeaderName   string   `json:"headerName,omitempty"`
	APIKey       string   `json:"apiKey,omitempty"`
	ClientID     string   `json:"clientId,omitempty"`
	ClientSecret string   `json:"clientSecret,omitempty"`
	TokenURL     string   `json:"tokenUrl,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
}

// RateLimit configures an optional per-client token-bucket limiter.
type RateLimit struct {
	Enabled           bool    `json:"enabled"`
	RequestsPerSecond float64 `json:"requestsPerSecond"`
	Burst             int     `json:"burst"`
}

// Client is one downstream consumer's declarative configuration. Circuit
// breaker tuning (threshold/timeout/enable) is a globalSettings concern,
// not a per-client one; see GlobalSettings.
type Client struct {
	ID                  string            `json:"id" validate:"required"`
	Name                string            `json:"name" validate:"required"`
	Enabled             bool              `json:"enabled"`
	Endpoint            string            `json:"endpoint" validate:"required,url"`
	AuthType            AuthType          `json:"authType"`
	AuthConfig          AuthConfig        `json:"authConfig"`
	Timeout             time.Duration     `json:"-"`
	RetryAttempts       int               `json:"retryAttempts"`
	RetryDelay          time.Duration     `json:"-"`
	TransformationRules []string          `json:"transformationRules,omitempty"`
	EventTypes          []string          `json:"eventTypes" validate:"required,min=1"`
	Metadata            map[string]string `json:"metadata,omitempty"`
	RateLimit           RateLimit         `json:"rateLimit,omitempty"`
}

// clientAlias mirrors Client for JSON decoding, with durations as raw
// strings so they can be parsed with time.ParseDuration.
type clientAlias struct {
	ID                  string            `json:"id"`
	Name                string            `json:"name"`
	Enabled             bool              `json:"enabled"`
	Endpoint            string            `json:"endpoint"`
	AuthType            AuthType          `json:"authType"`
	AuthConfig          AuthConfig        `json:"authConfig"`
	Timeout             string            `json:"timeout"`
	RetryAttempts       int               `json:"retryAttempts"`
	RetryDelay          string            `json:"retryDelay"`
	TransformationRules []string          `json:"transformationRules"`
	EventTypes          []string          `json:"eventTypes"`
	Metadata            map[string]string `json:"metadata"`
	RateLimit           RateLimit         `json:"rateLimit"`
}

func (c *Client) UnmarshalJSON(data []byte) error {
	var a clientAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*c = Client{
		ID: a.ID, Name: a.Name, Enabled: a.Enabled, Endpoint: a.Endpoint,
		AuthType: a.AuthType, AuthConfig: a.AuthConfig, RetryAttempts: a.RetryAttempts,
		TransformationRules: a.TransformationRules, EventTypes: a.EventTypes,
		Metadata: a.Metadata, RateLimit: a.RateLimit,
	}
	var err error
	if c.Timeout, err = parseDurationOrDefault(a.Timeout, 0); err != nil {
		return fmt.Errorf("client %s: timeout: %w", a.ID, err)
	}
	if c.RetryDelay, err = parseDurationOrDefault(a.RetryDelay, 0); err != nil {
		return fmt.Errorf("client %s: retryDelay: %w", a.ID, err)
	}
	return nil
}

func parseDurationOrDefault(raw string, def time.Duration) (time.Duration, error) {
	if raw == "" {
		return def, nil
	}
	return time.ParseDuration(raw)
}

// Subscribes reports whether c is subscribed to eventType. Membership is
// exact; no wildcard expansion happens here.
func (c *Client) Subscribes(eventType string) bool {
	for _, t := range c.EventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// GlobalSettings are the clients-file-wide defaults and toggles: circuit
// breaker tuning and the enable switch live here, applied to every client
// uniformly, plus the per-client defaults (timeout, retry attempts/delay)
// a client may leave unset.
type GlobalSettings struct {
	EnableCircuitBreaker    bool          `json:"enableCircuitBreaker"`
	CircuitBreakerThreshold int           `json:"circuitBreakerThreshold"`
	CircuitBreakerTimeout   time.Duration `json:"-"`
	EnableMetrics           bool          `json:"enableMetrics"`
	EnableAuditLogging      bool          `json:"enableAuditLogging"`
	LogLevel                string        `json:"logLevel,omitempty"`
	DefaultTimeout          time.Duration `json:"-"`
	DefaultRetryAttempts    int           `json:"defaultRetryAttempts"`
	DefaultRetryDelay       time.Duration `json:"-"`
}

type globalSettingsAlias struct {
	EnableCircuitBreaker    bool   `json:"enableCircuitBreaker"`
	CircuitBreakerThreshold int    `json:"circuitBreakerThreshold"`
	CircuitBreakerTimeout   string `json:"circuitBreakerTimeout"`
	EnableMetrics           bool   `json:"enableMetrics"`
	EnableAuditLogging      bool   `json:"enableAuditLogging"`
	LogLevel                string `json:"logLevel"`
	DefaultTimeout          string `json:"defaultTimeout"`
	DefaultRetryAttempts    int    `json:"defaultRetryAttempts"`
	DefaultRetryDelay       string `json:"defaultRetryDelay"`
}

func (g *GlobalSettings) UnmarshalJSON(data []byte) error {
	var a globalSettingsAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*g = GlobalSettings{
		EnableCircuitBreaker:    a.EnableCircuitBreaker,
		CircuitBreakerThreshold: a.CircuitBreakerThreshold,
		EnableMetrics:           a.EnableMetrics,
		EnableAuditLogging:      a.EnableAuditLogging,
		LogLevel:                a.LogLevel,
		DefaultRetryAttempts:    a.DefaultRetryAttempts,
	}
	var err error
	if g.CircuitBreakerTimeout, err = parseDurationOrDefault(a.CircuitBreakerTimeout, 30*time.Second); err != nil {
		return fmt.Errorf("globalSettings: circuitBreakerTimeout: %w", err)
	}
	if g.DefaultTimeout, err = parseDurationOrDefault(a.DefaultTimeout, 10*time.Second); err != nil {
		return fmt.Errorf("globalSettings: defaultTimeout: %w", err)
	}
	if g.DefaultRetryDelay, err = parseDurationOrDefault(a.DefaultRetryDelay, time.Second); err != nil {
		return fmt.Errorf("globalSettings: defaultRetryDelay: %w", err)
	}
	if g.CircuitBreakerThreshold <= 0 {
		g.CircuitBreakerThreshold = 5
	}
	return nil
}

// ClientsFileConfig is the on-disk shape of a client registry file:
// { version, lastUpdated, clients, globalSettings }.
type ClientsFileConfig struct {
	Version        string         `json:"version"`
	LastUpdated    string         `json:"lastUpdated"`
	Clients        []*Client      `json:"clients" validate:"required,min=1,dive"`
	GlobalSettings GlobalSettings `json:"globalSettings"`
}

type clientsFileAlias struct {
	Version        string         `json:"version"`
	LastUpdated    string         `json:"lastUpdated"`
	Clients        []*Client      `json:"clients"`
	GlobalSettings GlobalSettings `json:"globalSettings"`
}

func (cfg *ClientsFileConfig) UnmarshalJSON(data []byte) error {
	var a clientsFileAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*cfg = ClientsFileConfig{
		Version: a.Version, LastUpdated: a.LastUpdated,
		Clients: a.Clients, GlobalSettings: a.GlobalSettings,
	}
	for _, cl := range cfg.Clients {
		if cl.Timeout == 0 {
			cl.Timeout = cfg.GlobalSettings.DefaultTimeout
		}
		if cl.RetryDelay == 0 {
			cl.RetryDelay = cfg.GlobalSettings.DefaultRetryDelay
		}
		if cl.RetryAttempts == 0 {
			cl.RetryAttempts = cfg.GlobalSettings.DefaultRetryAttempts
		}
	}
	return nil
}

var validate = validator.New()

// Validate enforces unique client IDs and the struct-tag invariants
// (non-empty endpoint, at least one event type).
func (c *ClientsFileConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("client config: %w", err)
	}
	seen := make(map[string]bool, len(c.Clients))
	for _, cl := range c.Clients {
		if seen[cl.ID] {
			return fmt.Errorf("client config: duplicate client id %q", cl.ID)
		}
		seen[cl.ID] = true
	}
	return nil
}

// LoadClientsFileConfig reads and validates a client registry JSON file.
func LoadClientsFileConfig(path string) (*ClientsFileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("client config: read %s: %w", path, err)
	}
	var cfg ClientsFileConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("client config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Registry holds the active client set, indexed for fan-out lookup.
type Registry struct {
	mu      sync.RWMutex
	clients []*Client
}

// NewRegistry builds a Registry from clients.
func NewRegistry(clients []*Client) *Registry {
	return &Registry{clients: clients}
}

// Replace swaps in a new client set.
func (r *Registry) Replace(clients []*Client) {
	r.mu.Lock()
	r.clients = clients
	r.mu.Unlock()
}

// Subscribers returns the enabled clients subscribed to eventType.
// Circuit-breaker state is applied by the caller, since that's owned by
// the Dispatcher's breaker pool, not the registry.
func (r *Registry) Subscribers(eventType string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Client
	for _, c := range r.clients {
		if c.Enabled && c.Subscribes(eventType) {
			out = append(out, c)
		}
	}
	return out
}
