package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/subkeeper/internal/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load missing: %v", err)
	}
	r := cfg.Resolve("")
	if r.SpawnTTL != 5*time.Minute {
		t.Fatalf("expected default TTL 5m, got %v", r.SpawnTTL)
	}
	if r.TokenThreshold != 30000 {
		t.Fatalf("expected default threshold 30000, got %d", r.TokenThreshold)
	}
	if r.KeepRecent != 100 {
		t.Fatalf("expected default keep 100, got %d", r.KeepRecent)
	}
	if r.LogLevel != "info" {
		t.Fatalf("expected default log level info, got %q", r.LogLevel)
	}
	if r.DisableMatching {
		t.Fatalf("matching must default to enabled")
	}
}

func TestLoad_MalformedFileFails(t *testing.T) {
	path := writeConfig(t, "spawn_ttl_minutes: [not a number\n")
	if _, err := config.Load(path); err == nil {
		t.Fatalf("expected parse error for malformed YAML")
	}
}

func TestResolve_FileLayer(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
spawn_ttl_minutes: 10
token_threshold: 50000
keep_recent: 25
`)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	r := cfg.Resolve("")
	if r.SpawnTTL != 10*time.Minute || r.TokenThreshold != 50000 || r.KeepRecent != 25 || r.LogLevel != "debug" {
		t.Fatalf("file layer not applied: %+v", r)
	}
}

func TestResolve_PerAgentTypeOverridesFile(t *testing.T) {
	path := writeConfig(t, `
spawn_ttl_minutes: 10
agent_types:
  explorer:
    spawn_ttl_minutes: 2
    disable_matching: true
`)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	r := cfg.Resolve("explorer")
	if r.SpawnTTL != 2*time.Minute {
		t.Fatalf("per-type TTL not applied: %v", r.SpawnTTL)
	}
	if !r.DisableMatching {
		t.Fatalf("per-type disable_matching not applied")
	}

	// Other agent types keep the file layer.
	r = cfg.Resolve("general")
	if r.SpawnTTL != 10*time.Minute || r.DisableMatching {
		t.Fatalf("unknown type must fall back to file layer: %+v", r)
	}
}

func TestResolve_EnvOverridesEverything(t *testing.T) {
	path := writeConfig(t, `
spawn_ttl_minutes: 10
token_threshold: 50000
agent_types:
  explorer:
    spawn_ttl_minutes: 2
`)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	t.Setenv("SUBKEEPER_SPAWN_TTL_MINUTES", "7")
	t.Setenv("SUBKEEPER_TOKEN_THRESHOLD", "12345")

	r := cfg.Resolve("explorer")
	if r.SpawnTTL != 7*time.Minute {
		t.Fatalf("env TTL must win over per-type, got %v", r.SpawnTTL)
	}
	if r.TokenThreshold != 12345 {
		t.Fatalf("env threshold must win, got %d", r.TokenThreshold)
	}
}

func TestResolve_IgnoresInvalidEnv(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	t.Setenv("SUBKEEPER_SPAWN_TTL_MINUTES", "not-a-number")
	t.Setenv("SUBKEEPER_TOKEN_THRESHOLD", "-3")

	r := cfg.Resolve("")
	if r.SpawnTTL != 5*time.Minute || r.TokenThreshold != 30000 {
		t.Fatalf("invalid env values must be ignored: %+v", r)
	}
}
