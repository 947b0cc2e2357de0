package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigOptionalMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfigOptional(filepath.Join(t.TempDir(), "missing.yaml"), true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.Bridge.RequestTimeoutDuration() != 5*time.Second {
		t.Fatalf("expected 5s request timeout, got %v", cfg.Bridge.RequestTimeoutDuration())
	}
	if cfg.Bridge.ConnectionTimeoutDuration() != time.Minute {
		t.Fatalf("expected 60s connection timeout, got %v", cfg.Bridge.ConnectionTimeoutDuration())
	}
	if cfg.Bridge.Separator != DefaultSeparator {
		t.Fatalf("expected default separator, got %q", cfg.Bridge.Separator)
	}
	if !cfg.Bridge.ForceSync() {
		t.Fatalf("expected force-sync-calls to default to true")
	}
	if cfg.Mirror.Debounce() != 100*time.Millisecond {
		t.Fatalf("expected 100ms debounce, got %v", cfg.Mirror.Debounce())
	}
}

func TestLoadConfigRequiredMissingFileFails(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing required config")
	}
}

func TestLoadConfigParsesKebabKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
port: 9000
debug: true
frame-log: true
bridge:
  script-path: bridge.js
  socket-path: /ws/
  request-timeout: 2
  framing: length-prefix
  force-sync-calls: false
  max-concurrent-handlers: -1
mirror:
  debounce-ms: 40
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != 9000 || !cfg.Debug || !cfg.FrameLog {
		t.Fatalf("top-level keys not parsed: %+v", cfg)
	}
	if cfg.Bridge.ScriptPath != "/bridge.js" {
		t.Fatalf("expected leading slash added, got %q", cfg.Bridge.ScriptPath)
	}
	if cfg.Bridge.SocketPath != "/ws" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.Bridge.SocketPath)
	}
	if cfg.Bridge.RequestTimeout != 2 {
		t.Fatalf("expected request-timeout 2, got %d", cfg.Bridge.RequestTimeout)
	}
	if cfg.Bridge.Framing != FramingLengthPrefix {
		t.Fatalf("expected length-prefix framing, got %q", cfg.Bridge.Framing)
	}
	if cfg.Bridge.ForceSync() {
		t.Fatalf("expected force-sync-calls false")
	}
	if cfg.Bridge.MaxConcurrentHandlers != -1 {
		t.Fatalf("expected unlimited handlers to be preserved, got %d", cfg.Bridge.MaxConcurrentHandlers)
	}
	if cfg.Mirror.DebounceMS != 40 {
		t.Fatalf("expected debounce 40, got %d", cfg.Mirror.DebounceMS)
	}
}

func TestLoadConfigRejectsUnknownFraming(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("bridge:\n  framing: carrier-pigeon\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected framing validation error")
	}
}
