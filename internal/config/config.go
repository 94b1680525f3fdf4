// Package config handles loading, validating, and writing the Tapwire
// proxy configuration from ~/.tapwire/config.yaml.
//
// The config defines:
//   - Server bind address (host:port)
//   - Upstream API URL and timeouts
//   - Capture settings (data directory, request body cap)
//   - Logging verbosity
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Tapwire proxy configuration.
// Loaded from config.yaml with defaults applied for unset fields.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Capture  CaptureConfig  `yaml:"capture"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig defines where the proxy listens.
// Default: 127.0.0.1:3456 (loopback only — never bind to 0.0.0.0).
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// UpstreamConfig defines the single upstream API the proxy forwards to.
//
// ConnectTimeoutMs bounds the TCP+TLS dial; ReadTimeoutMs bounds the whole
// response, which for a long streaming completion can legitimately run for
// minutes. Exceeding either surfaces to the client as a 502.
type UpstreamConfig struct {
	URL              string `yaml:"url"`
	ConnectTimeoutMs int    `yaml:"connectTimeoutMs"`
	ReadTimeoutMs    int    `yaml:"readTimeoutMs"`
}

// CaptureConfig controls the capture log.
// DataDir defaults to the config directory when empty. MaxBodyBytes caps
// the inbound request body read; larger requests are rejected with 413.
type CaptureConfig struct {
	DataDir      string `yaml:"dataDir"`
	MaxBodyBytes int64  `yaml:"maxBodyBytes"`
}

// LogConfig controls operational logging on stderr.
type LogConfig struct {
	Verbose bool `yaml:"verbose"`
}

// Load reads and parses config.yaml from the given path.
// If the file doesn't exist, returns defaults (not an error).
// Invalid YAML or validation failures return an error.
func Load(path string) (*Config, error) {
	cfg := applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No config file — use defaults. Normal on first run.
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// WriteDefault writes a default config.yaml with all fields populated and
// a comment header. Used by `tapwire config generate` when no file exists.
func WriteDefault(path string) error {
	cfg := applyDefaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# Tapwire Proxy Configuration
#
# server:
#   host: Bind address (default: 127.0.0.1, loopback only)
#   port: Listen port (default: 3456)
#
# upstream:
#   url: The API the proxy forwards to (Anthropic by default)
#   connectTimeoutMs: Upstream dial timeout
#   readTimeoutMs: Whole-response deadline (streams can run for minutes)
#
# capture:
#   dataDir: Where messages.jsonl lives (empty = config directory)
#   maxBodyBytes: Inbound request body cap (larger requests get 413)
#
# log:
#   verbose: Enable debug-level stderr logging

`
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

// applyDefaults returns a Config with every field set to its default.
func applyDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 3456,
		},
		Upstream: UpstreamConfig{
			URL:              "https://api.anthropic.com",
			ConnectTimeoutMs: 5000,
			ReadTimeoutMs:    600000,
		},
		Capture: CaptureConfig{
			MaxBodyBytes: 50 * 1024 * 1024,
		},
		Log: LogConfig{
			Verbose: false,
		},
	}
}

// validate checks the config for logical errors after parsing.
func validate(cfg *Config) error {
	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (1-65535)", cfg.Server.Port)
	}
	if cfg.Upstream.URL == "" {
		return fmt.Errorf("upstream.url must not be empty")
	}
	if !strings.HasPrefix(cfg.Upstream.URL, "https://") && !strings.HasPrefix(cfg.Upstream.URL, "http://") {
		return fmt.Errorf("upstream.url %q must be an http(s) URL", cfg.Upstream.URL)
	}
	if cfg.Upstream.ConnectTimeoutMs < 0 || cfg.Upstream.ReadTimeoutMs < 0 {
		return fmt.Errorf("upstream timeouts must be non-negative")
	}
	if cfg.Capture.MaxBodyBytes < 1 {
		return fmt.Errorf("capture.maxBodyBytes must be positive")
	}
	return nil
}
