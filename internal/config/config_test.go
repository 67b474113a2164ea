package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	path := writeConfig(t, "server:\n    listen_port: 9999\n")

	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	cfg := m.Get()
	if cfg.Server.ListenPort != 9999 {
		t.Errorf("listen_port = %d, want 9999", cfg.Server.ListenPort)
	}
	if cfg.Trading.Capital != 100_000 {
		t.Errorf("capital default = %d, want 100000", cfg.Trading.Capital)
	}
	if cfg.Storage.SQLitePath == "" {
		t.Errorf("sqlite_path default missing")
	}
	if m.GetPingInterval().Milliseconds() != 30000 {
		t.Errorf("ping interval = %v, want 30s", m.GetPingInterval())
	}
}

func TestCapitalFallbackOnInvalid(t *testing.T) {
	path := writeConfig(t, "trading:\n    capital: -5\n")

	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	if m.GetCapital() != 100_000 {
		t.Errorf("capital = %d, want fallback 100000", m.GetCapital())
	}
}
