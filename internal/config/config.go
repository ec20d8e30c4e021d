// Package config loads and validates the controller daemon's configuration:
// engine selection, the port range, timeouts, and the local-process
// fallback runner's options.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the full controller configuration, TOML-decoded then
// env-overridden then validated.
type Config struct {
	Engine     EngineConfig     `toml:"engine"`
	Ports      PortConfig       `toml:"ports"`
	Container  ContainerConfig  `toml:"container"`
	Lifecycle  LifecycleConfig  `toml:"lifecycle"`
	Reconciler ReconcilerConfig `toml:"reconciler"`
	Fallback   FallbackConfig   `toml:"fallback"`
	Logging    LoggingConfig    `toml:"logging"`
	HTTP       HTTPConfig       `toml:"http"`
	Events     EventsConfig     `toml:"events"`
}

// EngineConfig selects and configures the container engine driver.
type EngineConfig struct {
	// Name selects the CLI binary: "docker" or "podman".
	Name string `toml:"name"`
	// ContainerizationEnabled, when false, switches the composition root
	// to NullController: no engine process is ever spawned.
	ContainerizationEnabled bool `toml:"containerization_enabled"`
	// UseSDK selects the Docker Engine API adapter instead of the CLI
	// subprocess adapter. Only valid when Name == "docker".
	UseSDK bool `toml:"use_sdk"`
}

// PortConfig is the dense host port range owned by the Port Registry.
type PortConfig struct {
	BasePort int `toml:"base_port"`
	MaxPort  int `toml:"max_port"`
}

// ContainerConfig controls how per-app containers are built and run.
type ContainerConfig struct {
	AppPortInside          int    `toml:"app_port_inside"`
	NodeImage              string `toml:"node_image"`
	DefaultPackageManager  string `toml:"default_package_manager"`
	ReadinessTokensCSV     string `toml:"readiness_tokens"`
}

// LifecycleConfig controls the state machine's timeouts and thresholds.
type LifecycleConfig struct {
	IdleTimeoutMs            int64 `toml:"idle_timeout_ms"`
	StartupTimeoutMs         int64 `toml:"startup_timeout_ms"`
	NetIODeltaThresholdBytes int64 `toml:"net_io_delta_threshold_bytes"`

	IdleTimeout    time.Duration `toml:"-"`
	StartupTimeout time.Duration `toml:"-"`
}

// ReconcilerConfig controls the periodic bootstrap/reconcile loop.
type ReconcilerConfig struct {
	IntervalMs int64 `toml:"interval_ms"`
	Interval   time.Duration `toml:"-"`
}

// FallbackConfig controls the local-process fallback runner, which the
// serve command's --fallback flag selects in place of a container
// engine. (With containerization disabled, Build wires NullController
// instead.)
type FallbackConfig struct {
	AutoKillPort bool `toml:"auto_kill_port"`
	MaxLogLines  int  `toml:"max_log_lines"`
}

// LoggingConfig mirrors internal/logx.Config for TOML decoding.
type LoggingConfig struct {
	Level     string `toml:"level"`
	Format    string `toml:"format"`
	File      string `toml:"file"`
	AddSource bool   `toml:"add_source"`
}

// HTTPConfig controls the thin HTTP surface over the Controller API.
type HTTPConfig struct {
	ListenAddr string `toml:"listen_addr"`
}

// EventsConfig controls the optional persistent audit log of lifecycle
// transition events (internal/eventbus.PersistentEventBus /
// SQLiteEventStore). The bus itself is always non-authoritative; when
// persistence is disabled the daemon falls back to an in-memory-only
// bus and the events endpoint has no history across restarts.
type EventsConfig struct {
	PersistEnabled bool   `toml:"persist_enabled"`
	DBPath         string `toml:"db_path"`
}

// ReadinessTokens splits the configured CSV into a slice, defaulting to
// the conventional Vite/Next/CRA-style lines when unset.
func (c ContainerConfig) ReadinessTokens() []string {
	if c.ReadinessTokensCSV == "" {
		return []string{"Local:", "ready in", "Server running"}
	}
	var out []string
	for _, tok := range strings.Split(c.ReadinessTokensCSV, ",") {
		tok = strings.TrimSpace(tok)
		if tok != "" {
			out = append(out, tok)
		}
	}
	return out
}

// Default returns the spec-mandated defaults.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			Name:                    "docker",
			ContainerizationEnabled: true,
			UseSDK:                  false,
		},
		Ports: PortConfig{
			BasePort: 32100,
			MaxPort:  32200,
		},
		Container: ContainerConfig{
			AppPortInside:         32100,
			NodeImage:             "node:22-alpine",
			DefaultPackageManager: "npm",
		},
		Lifecycle: LifecycleConfig{
			IdleTimeoutMs:            600000,
			StartupTimeoutMs:         180000,
			NetIODeltaThresholdBytes: 51200,
		},
		Reconciler: ReconcilerConfig{
			IntervalMs: 120000,
		},
		Fallback: FallbackConfig{
			AutoKillPort: true,
			MaxLogLines:  1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		HTTP: HTTPConfig{
			ListenAddr: "127.0.0.1:8089",
		},
		Events: EventsConfig{
			PersistEnabled: true,
			DBPath:         "~/.clc/events.db",
		},
	}
}

// LoadFromFile decodes the TOML file at path over the defaults.
func LoadFromFile(path string) (*Config, error) {
	expanded, err := expandPath(path)
	if err != nil {
		return nil, fmt.Errorf("expand path: %w", err)
	}

	data, err := os.ReadFile(expanded)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("decode TOML: %w", err)
	}

	if err := cfg.postProcess(); err != nil {
		return nil, fmt.Errorf("post process config: %w", err)
	}

	return cfg, nil
}

func (c *Config) postProcess() error {
	c.Lifecycle.IdleTimeout = time.Duration(c.Lifecycle.IdleTimeoutMs) * time.Millisecond
	c.Lifecycle.StartupTimeout = time.Duration(c.Lifecycle.StartupTimeoutMs) * time.Millisecond
	c.Reconciler.Interval = time.Duration(c.Reconciler.IntervalMs) * time.Millisecond

	expanded, err := expandPath(c.Logging.File)
	if err != nil {
		return fmt.Errorf("expand logging.file: %w", err)
	}
	c.Logging.File = expanded

	expandedDB, err := expandPath(c.Events.DBPath)
	if err != nil {
		return fmt.Errorf("expand events.db_path: %w", err)
	}
	c.Events.DBPath = expandedDB

	return nil
}

// Validate rejects configurations the composition root must refuse to
// start with.
func (c *Config) Validate() error {
	if c.Engine.Name != "docker" && c.Engine.Name != "podman" {
		return fmt.Errorf("engine.name must be \"docker\" or \"podman\", got %q", c.Engine.Name)
	}
	if c.Engine.UseSDK && c.Engine.Name != "docker" {
		return fmt.Errorf("engine.use_sdk is only valid with engine.name = \"docker\"")
	}
	if c.Ports.BasePort <= 0 || c.Ports.MaxPort <= 0 {
		return fmt.Errorf("ports.base_port and ports.max_port must be positive")
	}
	if c.Ports.BasePort >= c.Ports.MaxPort {
		return fmt.Errorf("ports.base_port (%d) must be less than ports.max_port (%d)", c.Ports.BasePort, c.Ports.MaxPort)
	}
	if c.Lifecycle.IdleTimeoutMs < 0 {
		return fmt.Errorf("lifecycle.idle_timeout_ms cannot be negative")
	}
	if c.Lifecycle.StartupTimeoutMs <= 0 {
		return fmt.Errorf("lifecycle.startup_timeout_ms must be positive")
	}
	if c.Lifecycle.NetIODeltaThresholdBytes < 0 {
		return fmt.Errorf("lifecycle.net_io_delta_threshold_bytes cannot be negative")
	}
	if c.Reconciler.IntervalMs <= 0 {
		return fmt.Errorf("reconciler.interval_ms must be positive")
	}

	pm := c.Container.DefaultPackageManager
	if pm != "pnpm" && pm != "npm" && pm != "yarn" {
		return fmt.Errorf("container.default_package_manager must be pnpm, npm, or yarn, got %q", pm)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		return fmt.Errorf("invalid logging.format: %s", c.Logging.Format)
	}

	if c.Events.PersistEnabled && c.Events.DBPath == "" {
		return fmt.Errorf("events.db_path must be set when events.persist_enabled is true")
	}

	return nil
}

// ApplyEnvOverrides applies CLC_* environment variables over cfg,
// following the teacher's override convention (env wins over file).
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CLC_ENGINE"); v != "" {
		cfg.Engine.Name = v
	}
	if v := os.Getenv("CLC_CONTAINERIZATION_ENABLED"); v != "" {
		cfg.Engine.ContainerizationEnabled = strings.ToLower(v) == "true" || v == "1"
	}
	if v := os.Getenv("CLC_BASE_PORT"); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Ports.BasePort = n
		}
	}
	if v := os.Getenv("CLC_MAX_PORT"); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Ports.MaxPort = n
		}
	}
	if v := os.Getenv("CLC_NODE_IMAGE"); v != "" {
		cfg.Container.NodeImage = v
	}
	if v := os.Getenv("CLC_IDLE_TIMEOUT_MS"); v != "" {
		if n, err := parseInt64(v); err == nil {
			cfg.Lifecycle.IdleTimeoutMs = n
		}
	}
	if v := os.Getenv("CLC_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CLC_HTTP_LISTEN_ADDR"); v != "" {
		cfg.HTTP.ListenAddr = v
	}
}

func parseInt(s string) (int, error) {
	n, err := parseInt64(s)
	return int(n), err
}

func parseInt64(s string) (int64, error) {
	var n int64
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}

func expandPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get user home directory: %w", err)
		}
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}

// Load ties file-loading, env overrides, post-processing, and
// validation together; it is the single entry point main() calls.
func Load(configPath string) (*Config, error) {
	var cfg *Config
	var err error

	if configPath != "" {
		cfg, err = LoadFromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", configPath, err)
		}
	} else {
		cfg = Default()
	}

	ApplyEnvOverrides(cfg)

	if err := cfg.postProcess(); err != nil {
		return nil, fmt.Errorf("post process config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}
