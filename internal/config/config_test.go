package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatalf("missing config should load defaults: %v", err)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 3456 {
		t.Errorf("server defaults wrong: %+v", cfg.Server)
	}
	if cfg.Upstream.URL != "https://api.anthropic.com" {
		t.Errorf("upstream default wrong: %q", cfg.Upstream.URL)
	}
	if cfg.Upstream.ConnectTimeoutMs != 5000 || cfg.Upstream.ReadTimeoutMs != 600000 {
		t.Errorf("timeout defaults wrong: %+v", cfg.Upstream)
	}
	if cfg.Capture.MaxBodyBytes != 50*1024*1024 {
		t.Errorf("maxBodyBytes default wrong: %d", cfg.Capture.MaxBodyBytes)
	}
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("server:\n  port: 9999\nlog:\n  verbose: true\n"), 0o644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("explicit port not applied: %d", cfg.Server.Port)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("unset host should keep default: %q", cfg.Server.Host)
	}
	if !cfg.Log.Verbose {
		t.Error("verbose not applied")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("server: [not a map"), 0o644)
	if _, err := Load(path); err == nil {
		t.Error("invalid YAML should error")
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"bad port", "server:\n  port: 99999\n"},
		{"bad url", "upstream:\n  url: ftp://example.com\n"},
		{"negative timeout", "upstream:\n  connectTimeoutMs: -1\n"},
		{"zero body cap", "capture:\n  maxBodyBytes: 0\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			os.WriteFile(path, []byte(tc.yaml), 0o644)
			if _, err := Load(path); err == nil {
				t.Errorf("%s should fail validation", tc.name)
			}
		})
	}
}

func TestWriteDefault_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("write default: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("generated config should load cleanly: %v", err)
	}
	if cfg.Server.Port != 3456 || cfg.Upstream.URL != "https://api.anthropic.com" {
		t.Errorf("generated config lost defaults: %+v", cfg)
	}
}
