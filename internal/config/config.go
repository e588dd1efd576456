// ABOUTME: Configuration loading and parsing for navivox-gateway
// ABOUTME: Supports YAML files with environment variable expansion, duration parsing and allowlist merging

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/2389/navivox-gateway/internal/allowlist"
)

const (
	// DefaultAddr is the voice endpoint listen address when none is configured.
	DefaultAddr = "127.0.0.1:8765"

	// DefaultMaxFrameBytes bounds a single WebSocket frame (4 MiB).
	DefaultMaxFrameBytes = 4 * 1024 * 1024

	// DefaultHandshakeTimeout bounds each handshake receive.
	DefaultHandshakeTimeout = 5 * time.Second
)

// Config represents the complete navivox-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Handshake HandshakeConfig `yaml:"handshake"`
	Data      DataConfig      `yaml:"data"`
	Audit     AuditConfig     `yaml:"audit"`
	Allowlist AllowlistConfig `yaml:"allowlist"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds the voice endpoint listener configuration
type ServerConfig struct {
	Addr          string `yaml:"addr"`
	Path          string `yaml:"path"`
	MaxFrameBytes int64  `yaml:"max_frame_bytes"`
}

// HandshakeConfig holds handshake timing configuration
type HandshakeConfig struct {
	Timeout      time.Duration `yaml:"-"`
	SendTimeout  time.Duration `yaml:"-"`
	DrainTimeout time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	TimeoutRaw      string `yaml:"timeout"`
	SendTimeoutRaw  string `yaml:"send_timeout"`
	DrainTimeoutRaw string `yaml:"drain_timeout"`
}

// DataConfig holds the process data directory
type DataConfig struct {
	Dir string `yaml:"dir"`
}

// AuditConfig holds attempt log options
type AuditConfig struct {
	// SQLite mirrors every attempt into <data.dir>/navivox/attempts.db for querying.
	SQLite bool `yaml:"sqlite"`
}

// AllowlistConfig holds the trusted devices
type AllowlistConfig struct {
	File    string            `yaml:"file"`
	Devices []allowlist.Entry `yaml:"devices"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	Port      int    `yaml:"port"` // tailnet port for the voice endpoint, default 8765
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values, defaults are applied,
// and devices from allowlist.file are appended to the inline devices.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.loadAllowlistFile(filepath.Dir(path)); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// ApplyDefaults fills unset fields with their default values.
func (c *Config) ApplyDefaults() {
	if c.Server.Addr == "" && !c.Tailscale.Enabled {
		c.Server.Addr = DefaultAddr
	}
	if c.Server.Path == "" {
		c.Server.Path = "/"
	}
	if c.Server.MaxFrameBytes == 0 {
		c.Server.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if c.Handshake.Timeout == 0 {
		c.Handshake.Timeout = DefaultHandshakeTimeout
	}
	if c.Handshake.SendTimeout == 0 {
		c.Handshake.SendTimeout = c.Handshake.Timeout
	}
	if c.Handshake.DrainTimeout == 0 {
		c.Handshake.DrainTimeout = 2 * c.Handshake.Timeout
	}
	if c.Data.Dir == "" {
		c.Data.Dir = DefaultDataDir()
	}
	if c.Tailscale.Port == 0 {
		c.Tailscale.Port = 8765
	}
}

// loadAllowlistFile appends the entries of allowlist.file, resolved relative to baseDir.
func (c *Config) loadAllowlistFile(baseDir string) error {
	if c.Allowlist.File == "" {
		return nil
	}
	path := c.Allowlist.File
	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}
	entries, err := allowlist.LoadFile(path)
	if err != nil {
		return fmt.Errorf("loading allowlist.file: %w", err)
	}
	c.Allowlist.Devices = append(c.Allowlist.Devices, entries...)
	return nil
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Server.Path == "" || c.Server.Path[0] != '/' {
		return fmt.Errorf("server.path must start with /")
	}

	if c.Server.MaxFrameBytes <= 0 {
		return fmt.Errorf("server.max_frame_bytes must be positive")
	}

	if c.Handshake.Timeout <= 0 || c.Handshake.SendTimeout <= 0 || c.Handshake.DrainTimeout <= 0 {
		return fmt.Errorf("handshake durations must be positive")
	}

	if c.Data.Dir == "" {
		return fmt.Errorf("data.dir is required")
	}

	if err := allowlist.Validate(c.Allowlist.Devices); err != nil {
		return fmt.Errorf("allowlist: %w", err)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"timeout", cfg.Handshake.TimeoutRaw, &cfg.Handshake.Timeout},
		{"send_timeout", cfg.Handshake.SendTimeoutRaw, &cfg.Handshake.SendTimeout},
		{"drain_timeout", cfg.Handshake.DrainTimeoutRaw, &cfg.Handshake.DrainTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}

// DefaultDataDir returns the navivox-gateway data directory.
// Priority: XDG_DATA_HOME/navivox-gateway > ~/.local/share/navivox-gateway
func DefaultDataDir() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "navivox-gateway")
}

// DefaultPath returns the path to the gateway config file.
// Priority: NAVIVOX_CONFIG env var > XDG_CONFIG_HOME/navivox/gateway.yaml > ~/.config/navivox/gateway.yaml
func DefaultPath() string {
	if envPath := os.Getenv("NAVIVOX_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "navivox", "gateway.yaml")
}
