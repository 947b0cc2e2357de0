// Package config provides configuration management for the DOM bridge server.
// It handles loading and parsing YAML configuration files and exposes structured
// access to the HTTP listener, logging, bridge protocol, and mutation mirror settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultScriptPath is the URL the bridge client script is served from.
	DefaultScriptPath = "/__web_route_js__"
	// DefaultSocketPath is the URL prefix of the per-connection websocket route.
	DefaultSocketPath = "/__web_route_ws__"
	// DefaultSeparator splits several logical messages carried in one frame.
	DefaultSeparator = ";[::];"

	FramingSeparator    = "separator"
	FramingLengthPrefix = "length-prefix"
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// Host is the network interface the HTTP server binds to. Empty binds all interfaces.
	Host string `yaml:"host" json:"host"`

	// Port is the TCP port the HTTP server listens on.
	Port int `yaml:"port" json:"port"`

	// Debug enables debug-level logging.
	Debug bool `yaml:"debug" json:"debug"`

	// LoggingToFile switches the main log output from stdout to a rotating file under logs/.
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file"`

	// LogsMaxTotalSizeMB caps the total size of the logs directory. <= 0 disables the cap.
	LogsMaxTotalSizeMB int `yaml:"logs-max-total-size-mb" json:"logs-max-total-size-mb"`

	// FrameLog records every inbound and outbound frame per connection under logs/frames.
	FrameLog bool `yaml:"frame-log" json:"frame-log"`

	// Bridge holds the remote-object protocol settings.
	Bridge BridgeConfig `yaml:"bridge" json:"bridge"`

	// Mirror holds the mutation mirror settings.
	Mirror MirrorConfig `yaml:"mirror" json:"mirror"`
}

// BridgeConfig configures the protocol layer and its HTTP endpoints.
type BridgeConfig struct {
	// ScriptPath is the URL of the client script injected into every page.
	ScriptPath string `yaml:"script-path" json:"script-path"`

	// SocketPath is the URL prefix of the websocket route; the connection id is appended.
	SocketPath string `yaml:"socket-path" json:"socket-path"`

	// ClientScriptFile overrides the bundled client script with a file on disk.
	ClientScriptFile string `yaml:"client-script-file,omitempty" json:"client-script-file,omitempty"`

	// RequestTimeout bounds every correlated request, in seconds.
	RequestTimeout int `yaml:"request-timeout" json:"request-timeout"`

	// ConnectionTimeout bounds how long a page waits for its websocket, in seconds.
	ConnectionTimeout int `yaml:"connection-timeout" json:"connection-timeout"`

	// Framing selects how several messages share one frame: "separator" or "length-prefix".
	Framing string `yaml:"framing" json:"framing"`

	// Separator is the token placed between messages in separator framing.
	Separator string `yaml:"separator,omitempty" json:"separator,omitempty"`

	// MaxConcurrentHandlers bounds concurrently running inbound commands per connection.
	// <= 0 means unlimited.
	MaxConcurrentHandlers int `yaml:"max-concurrent-handlers" json:"max-concurrent-handlers"`

	// ForceSyncCalls waits for futures returned by exposed callables before responding.
	ForceSyncCalls *bool `yaml:"force-sync-calls,omitempty" json:"force-sync-calls,omitempty"`

	// HeartbeatInterval controls websocket ping frequency, in seconds.
	HeartbeatInterval int `yaml:"heartbeat-interval" json:"heartbeat-interval"`

	// MaxMessageBytes limits a single inbound websocket frame.
	MaxMessageBytes int64 `yaml:"max-message-bytes" json:"max-message-bytes"`
}

// MirrorConfig configures the mutation mirror.
type MirrorConfig struct {
	// DebounceMS is the batching window for local tree mutations, in milliseconds.
	DebounceMS int `yaml:"debounce-ms" json:"debounce-ms"`
}

// Default returns a configuration populated with the built-in defaults.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// LoadConfig reads and parses the YAML configuration file at configFile.
func LoadConfig(configFile string) (*Config, error) {
	return LoadConfigOptional(configFile, false)
}

// LoadConfigOptional reads the configuration file. When optional is true a missing
// or empty file yields the defaults instead of an error.
func LoadConfigOptional(configFile string, optional bool) (*Config, error) {
	cfg := &Config{}
	if strings.TrimSpace(configFile) == "" {
		if optional {
			cfg.applyDefaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("config: no configuration file specified")
	}

	data, errRead := os.ReadFile(configFile)
	if errRead != nil {
		if optional && errors.Is(errRead, os.ErrNotExist) {
			cfg.applyDefaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("config: failed to read %s: %w", configFile, errRead)
	}
	if len(strings.TrimSpace(string(data))) == 0 && optional {
		cfg.applyDefaults()
		return cfg, nil
	}

	if errParse := yaml.Unmarshal(data, cfg); errParse != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", configFile, errParse)
	}
	cfg.applyDefaults()
	if errValidate := cfg.Validate(); errValidate != nil {
		return nil, errValidate
	}
	return cfg, nil
}

// Validate reports settings that cannot be honoured.
func (c *Config) Validate() error {
	switch c.Bridge.Framing {
	case FramingSeparator, FramingLengthPrefix:
	default:
		return fmt.Errorf("config: unknown bridge.framing %q", c.Bridge.Framing)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 8080
	}
	b := &c.Bridge
	if strings.TrimSpace(b.ScriptPath) == "" {
		b.ScriptPath = DefaultScriptPath
	}
	if strings.TrimSpace(b.SocketPath) == "" {
		b.SocketPath = DefaultSocketPath
	}
	b.ScriptPath = ensureLeadingSlash(b.ScriptPath)
	b.SocketPath = strings.TrimRight(ensureLeadingSlash(b.SocketPath), "/")
	if b.RequestTimeout <= 0 {
		b.RequestTimeout = 5
	}
	if b.ConnectionTimeout <= 0 {
		b.ConnectionTimeout = 60
	}
	b.Framing = strings.ToLower(strings.TrimSpace(b.Framing))
	if b.Framing == "" {
		b.Framing = FramingSeparator
	}
	if b.Separator == "" {
		b.Separator = DefaultSeparator
	}
	if b.MaxConcurrentHandlers == 0 {
		b.MaxConcurrentHandlers = 256
	}
	if b.ForceSyncCalls == nil {
		enabled := true
		b.ForceSyncCalls = &enabled
	}
	if b.HeartbeatInterval <= 0 {
		b.HeartbeatInterval = 30
	}
	if b.MaxMessageBytes <= 0 {
		b.MaxMessageBytes = 64 << 20
	}
	if c.Mirror.DebounceMS <= 0 {
		c.Mirror.DebounceMS = 100
	}
}

// RequestTimeoutDuration returns the request timeout as a duration.
func (b BridgeConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(b.RequestTimeout) * time.Second
}

// ConnectionTimeoutDuration returns the connection wait ceiling as a duration.
func (b BridgeConfig) ConnectionTimeoutDuration() time.Duration {
	return time.Duration(b.ConnectionTimeout) * time.Second
}

// HeartbeatDuration returns the websocket ping interval.
func (b BridgeConfig) HeartbeatDuration() time.Duration {
	return time.Duration(b.HeartbeatInterval) * time.Second
}

// ForceSync reports whether futures returned by callables are awaited before responding.
func (b BridgeConfig) ForceSync() bool {
	return b.ForceSyncCalls == nil || *b.ForceSyncCalls
}

// Debounce returns the mirror batching window.
func (m MirrorConfig) Debounce() time.Duration {
	return time.Duration(m.DebounceMS) * time.Millisecond
}

func ensureLeadingSlash(path string) string {
	path = strings.TrimSpace(path)
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path
}
