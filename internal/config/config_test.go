package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("listener:\n  addr: \":9999\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Listener.Addr != ":9999" {
		t.Fatalf("expected YAML value to survive, got %q", cfg.Listener.Addr)
	}
	if cfg.Dispatcher.Mode != "hybrid" {
		t.Fatalf("expected default dispatcher mode, got %q", cfg.Dispatcher.Mode)
	}
	if cfg.Worker.MaxWorkers != 8 {
		t.Fatalf("expected default max workers, got %d", cfg.Worker.MaxWorkers)
	}
}

func TestLoadConfigEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("listener:\n  addr: \":9999\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("PROXYFABRIC_LISTENER_ADDR", ":1234")
	t.Setenv("PROXYFABRIC_MAX_WORKERS", "16")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Listener.Addr != ":1234" {
		t.Fatalf("expected env override to win, got %q", cfg.Listener.Addr)
	}
	if cfg.Worker.MaxWorkers != 16 {
		t.Fatalf("expected env override on worker count, got %d", cfg.Worker.MaxWorkers)
	}
}

func TestDurationHelpers(t *testing.T) {
	c := RendezvousConfig{MessageTimeoutSec: 5, ConnWaitTimeoutSec: 7}
	if c.MessageTimeout().Seconds() != 5 {
		t.Fatalf("unexpected message timeout: %v", c.MessageTimeout())
	}
	if c.ConnWaitTimeout().Seconds() != 7 {
		t.Fatalf("unexpected conn wait timeout: %v", c.ConnWaitTimeout())
	}
}
