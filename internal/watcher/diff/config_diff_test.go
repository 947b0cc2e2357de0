package diff

import (
	"testing"

	"github.com/router-for-me/DOMBridge/internal/config"
)

func TestBuildConfigChangeDetails(t *testing.T) {
	oldCfg := config.Default()
	newCfg := config.Default()
	newCfg.Port = 9090
	newCfg.Debug = true
	newCfg.Bridge.RequestTimeout = 12
	newCfg.Bridge.ClientScriptFile = "/tmp/bridge.js"
	newCfg.Mirror.DebounceMS = 250

	details := BuildConfigChangeDetails(oldCfg, newCfg)
	expectContains(t, details, "port: 8080 -> 9090")
	expectContains(t, details, "debug: false -> true")
	expectContains(t, details, "bridge.request-timeout: 5 -> 12")
	expectContains(t, details, "bridge.client-script-file: updated")
	expectContains(t, details, "mirror.debounce-ms: 100 -> 250")
	if len(details) != 5 {
		t.Fatalf("expected 5 change entries, got %v", details)
	}
}

func TestBuildConfigChangeDetails_NoChanges(t *testing.T) {
	cfg := config.Default()
	if details := BuildConfigChangeDetails(cfg, cfg); len(details) != 0 {
		t.Fatalf("expected no change entries, got %v", details)
	}
}

func TestRequiresRestart(t *testing.T) {
	base := config.Default()
	cases := []struct {
		name   string
		modify func(*config.Config)
		want   bool
	}{
		{"timeouts are live", func(c *config.Config) { c.Bridge.RequestTimeout = 30 }, false},
		{"debug is live", func(c *config.Config) { c.Debug = true }, false},
		{"port", func(c *config.Config) { c.Port = 1 }, true},
		{"socket path", func(c *config.Config) { c.Bridge.SocketPath = "/ws" }, true},
		{"framing", func(c *config.Config) { c.Bridge.Framing = config.FramingLengthPrefix }, true},
	}
	for _, tc := range cases {
		next := config.Default()
		tc.modify(next)
		if got := RequiresRestart(base, next); got != tc.want {
			t.Fatalf("%s: RequiresRestart = %t, want %t", tc.name, got, tc.want)
		}
	}
}

func expectContains(t *testing.T, list []string, target string) {
	t.Helper()
	for _, entry := range list {
		if entry == target {
			return
		}
	}
	t.Fatalf("expected list to contain %q, got %#v", target, list)
}
