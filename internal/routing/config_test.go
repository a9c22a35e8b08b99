package routing

import (
	"os"
	"path/filepath"
	"testing"
)

func validConfig() *FileConfig {
	return &FileConfig{
		Metadata: Metadata{Version: "1.0.0", LastUpdated: "2026-01-01", Description: "test routes"},
		Settings: Settings{DynamicReload: false, FallbackBehavior: "fallback"},
		Routes: []*Route{
			{Name: "r1", Enabled: true, Source: "*", Type: "health.*", Priority: 5,
				Destination: Destination{Type: "queue", Queue: "interop.health.queue"}},
		},
	}
}

func TestFileConfigValidateAccepts(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("expected valid config to pass, got %v", err)
	}
}

func TestFileConfigValidateRejectsDuplicateNames(t *testing.T) {
	cfg := validConfig()
	cfg.Routes = append(cfg.Routes, &Route{
		Name: "r1", Enabled: true, Source: "*", Type: "*", Priority: 1,
		Destination: Destination{Type: "queue", Queue: "interop.dlq"},
	})
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected duplicate route name to be rejected")
	}
}

func TestFileConfigValidateRejectsPriorityOutOfRange(t *testing.T) {
	cfg := validConfig()
	cfg.Routes[0].Priority = 11
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected priority > 10 to be rejected")
	}
}

func TestFileConfigValidateRejectsHTTPWithoutEndpoint(t *testing.T) {
	cfg := validConfig()
	cfg.Routes[0].Destination = Destination{Type: "http"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected http destination without endpoint to be rejected")
	}
}

func TestFileConfigValidateRejectsQueueWithoutQueue(t *testing.T) {
	cfg := validConfig()
	cfg.Routes[0].Destination = Destination{Type: "queue"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected queue destination without queue name to be rejected")
	}
}

func TestFileConfigValidateRejectsAllRoutesDisabled(t *testing.T) {
	cfg := validConfig()
	cfg.Routes[0].Enabled = false
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected a config with every route disabled to be rejected")
	}
}

func TestFileConfigValidateRejectsEmptyRoutes(t *testing.T) {
	cfg := validConfig()
	cfg.Routes = nil
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected empty routes slice to be rejected")
	}
}

func TestLoadFileConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "routes.yaml")
	doc := `
metadata:
  version: "1.0.0"
  lastUpdated: "2026-01-01"
  description: "smoke test routes"
settings:
  dynamicReload: true
  reloadInterval: 30s
  fallbackBehavior: fallback
routes:
  - name: health-default
    enabled: true
    source: "smile.health-service"
    type: "health.*"
    strategy: type
    priority: 5
    destination:
      type: queue
      queue: interop.health.queue
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFileConfig(path)
	if err != nil {
		t.Fatalf("LoadFileConfig: %v", err)
	}
	if len(cfg.Routes) != 1 || cfg.Routes[0].Name != "health-default" {
		t.Fatalf("unexpected routes: %#v", cfg.Routes)
	}
	if cfg.Settings.ReloadInterval.String() != "30s" {
		t.Errorf("reloadInterval = %v, want 30s", cfg.Settings.ReloadInterval)
	}
}

func TestLoadFileConfigRejectsMissingFile(t *testing.T) {
	if _, err := LoadFileConfig("/nonexistent/routes.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestFileConfigValidateRejectsMissingFallbackBehavior(t *testing.T) {
	cfg := validConfig()
	cfg.Settings.FallbackBehavior = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected missing settings.fallbackBehavior to be rejected")
	}
}

func TestFileConfigValidateRejectsUnknownFallbackBehavior(t *testing.T) {
	cfg := validConfig()
	cfg.Settings.FallbackBehavior = "retry"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected unknown fallbackBehavior value to be rejected")
	}
}
