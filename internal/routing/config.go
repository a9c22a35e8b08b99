package routing

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Metadata describes a route file's provenance. It is informational but
// required: a config missing any
// of these fields is rejected at load time.
type Metadata struct {
	Version     string `yaml:"version" validate:"required"`
	LastUpdated string `yaml:"lastUpdated" validate:"required"`
	Description string `yaml:"description" validate:"required"`
}

// Settings holds the hot-reload knobs and the route-not-found policy for a
// routing configuration file. FallbackBehavior selects
// what happens to an event no route matches: "fallback" relies on a
// catch-all route in the file to pick it up, and an event that still
// matches nothing is acked without a route delivery, as with "drop";
// "error" fails the delivery so the message is nacked.
type Settings struct {
	DynamicReload    bool          `yaml:"dynamicReload"`
	ReloadInterval   time.Duration `yaml:"-"`
	FallbackBehavior string        `yaml:"fallbackBehavior" validate:"required,oneof=fallback drop error"`
	ValidateOnLoad   bool          `yaml:"validateOnLoad"`
	EnableMetrics    bool          `yaml:"enableMetrics"`
}

// settingsAlias mirrors Settings but with reloadInterval typed as the raw
// YAML string (e.g. "30s"), so UnmarshalYAML can parse it with
// time.ParseDuration.
type settingsAlias struct {
	DynamicReload    bool   `yaml:"dynamicReload"`
	ReloadInterval   string `yaml:"reloadInterval"`
	FallbackBehavior string `yaml:"fallbackBehavior"`
	ValidateOnLoad   bool   `yaml:"validateOnLoad"`
	EnableMetrics    bool   `yaml:"enableMetrics"`
}

func (s *Settings) UnmarshalYAML(value *yaml.Node) error {
	var alias settingsAlias
	if err := value.Decode(&alias); err != nil {
		return err
	}
	s.DynamicReload = alias.DynamicReload
	s.FallbackBehavior = alias.FallbackBehavior
	s.ValidateOnLoad = alias.ValidateOnLoad
	s.EnableMetrics = alias.EnableMetrics
	if alias.ReloadInterval == "" {
		return nil
	}
	d, err := time.ParseDuration(alias.ReloadInterval)
	if err != nil {
		return fmt.Errorf("settings.reloadInterval: %w", err)
	}
	s.ReloadInterval = d
	return nil
}

// FileConfig is the top-level shape of a routing YAML file.
type FileConfig struct {
	Metadata Metadata `yaml:"metadata" validate:"required"`
	Settings Settings `yaml:"settings"`
	Routes   []*Route `yaml:"routes" validate:"required,min=1,dive"`
}

var validate = validator.New()

// Validate checks the structural invariants struct tags can't express:
// unique route names, priority range, and destination-type-specific
// required fields.
func (c *FileConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("routing config: %w", err)
	}

	seen := make(map[string]bool, len(c.Routes))
	enabled := 0
	for _, r := range c.Routes {
		if r.Name == "" {
			return fmt.Errorf("routing config: route with empty name")
		}
		if seen[r.Name] {
			return fmt.Errorf("routing config: duplicate route name %q", r.Name)
		}
		seen[r.Name] = true
		if r.Enabled {
			enabled++
		}

		if r.Priority < 0 || r.Priority > 10 {
			return fmt.Errorf("routing config: route %q priority %d out of range [0,10]", r.Name, r.Priority)
		}

		switch r.Destination.Type {
		case "http", "gateway":
			if r.Destination.Endpoint == "" {
				return fmt.Errorf("routing config: route %q destination type %q requires endpoint", r.Name, r.Destination.Type)
			}
		case "queue":
			if r.Destination.Queue == "" {
				return fmt.Errorf("routing config: route %q destination type queue requires queue", r.Name)
			}
		default:
			return fmt.Errorf("routing config: route %q has unknown destination type %q", r.Name, r.Destination.Type)
		}
	}
	if enabled == 0 {
		return fmt.Errorf("routing config: no enabled routes")
	}
	return nil
}

// LoadFileConfig reads and validates a routing YAML file.
func LoadFileConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("routing config: read %s: %w", path, err)
	}

	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("routing config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Watcher reloads a routing config file into an Engine whenever it changes
// on disk, and also on a fixed interval as a fallback for filesystems where
// fsnotify events are unreliable (network mounts, some container overlays).
type Watcher struct {
	path     string
	engine   *Engine
	interval time.Duration
	onReload func(*FileConfig, error)

	mu     sync.Mutex
	timer  *time.Timer
	stopCh chan struct{}
}

// NewWatcher constructs a Watcher. onReload, if non-nil, is called after
// every reload attempt (successful or not) so callers can log or count it.
func NewWatcher(path string, engine *Engine, interval time.Duration, onReload func(*FileConfig, error)) *Watcher {
	return &Watcher{
		path:     path,
		engine:   engine,
		interval: interval,
		onReload: onReload,
		stopCh:   make(chan struct{}),
	}
}

// Start watches w.path for changes (debounced) and polls every w.interval,
// reloading the engine's route set on each trigger. It returns once the
// fsnotify watcher is established; reload work continues in background
// goroutines until Stop is called.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("routing watcher: %w", err)
	}

	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return fmt.Errorf("routing watcher: watch %s: %w", dir, err)
	}

	go w.loop(fsw)

	if w.interval > 0 {
		go w.pollLoop()
	}
	return nil
}

func (w *Watcher) loop(fsw *fsnotify.Watcher) {
	defer fsw.Close()
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.debouncedReload()
			}
		case _, ok := <-fsw.Errors:
			if !ok {
				return
			}
		}
	}
}

// debouncedReload coalesces rapid successive writes (editors often save in
// two steps) into a single reload 250ms after the last event.
func (w *Watcher) debouncedReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(250*time.Millisecond, w.reload)
}

func (w *Watcher) pollLoop() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadFileConfig(w.path)
	if err == nil {
		w.engine.Replace(cfg.Routes)
	}
	if w.onReload != nil {
		w.onReload(cfg, err)
	}
}

// Reload forces an immediate reload, bypassing the debounce window. Used
// by the admin API's POST /admin/routes/reload.
func (w *Watcher) Reload() error {
	cfg, err := LoadFileConfig(w.path)
	if err != nil {
		if w.onReload != nil {
			w.onReload(nil, err)
		}
		return err
	}
	w.engine.Replace(cfg.Routes)
	if w.onReload != nil {
		w.onReload(cfg, nil)
	}
	return nil
}

// Stop halts the watch and poll loops. Safe to call once.
func (w *Watcher) Stop() {
	close(w.stopCh)
}
