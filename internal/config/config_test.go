package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.ListenAddr != ":7090" {
		t.Errorf("unexpected listen addr %q", cfg.ListenAddr)
	}
	if cfg.IdleTimeout != 30*time.Minute {
		t.Errorf("unexpected idle timeout %s", cfg.IdleTimeout)
	}
	if cfg.MaxSessions != 20 {
		t.Errorf("unexpected max sessions %d", cfg.MaxSessions)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PORTSIDE_ADDR", ":9999")
	t.Setenv("PORTSIDE_IDLE_TIMEOUT", "5m")
	t.Setenv("PORTSIDE_MAX_SESSIONS", "3")
	t.Setenv("PORTSIDE_FORCE_BACKEND", "process")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.ListenAddr != ":9999" {
		t.Errorf("env override not applied: %q", cfg.ListenAddr)
	}
	if cfg.IdleTimeout != 5*time.Minute {
		t.Errorf("duration override not applied: %s", cfg.IdleTimeout)
	}
	if cfg.MaxSessions != 3 {
		t.Errorf("int override not applied: %d", cfg.MaxSessions)
	}
	if cfg.ForceBackend != "process" {
		t.Errorf("backend override not applied: %q", cfg.ForceBackend)
	}
}

func TestYAMLFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portside.yaml")
	content := "listen_addr: \":8001\"\nmax_sessions: 7\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PORTSIDE_CONFIG", path)
	t.Setenv("PORTSIDE_ADDR", ":8002")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	// Environment wins over the file.
	if cfg.ListenAddr != ":8002" {
		t.Errorf("expected env to win, got %q", cfg.ListenAddr)
	}
	if cfg.MaxSessions != 7 {
		t.Errorf("file value not applied: %d", cfg.MaxSessions)
	}
}

func TestValidate(t *testing.T) {
	t.Setenv("PORTSIDE_SIGNING_SECRET", "")
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err == nil {
		t.Error("expected missing signing secret to fail validation")
	}

	cfg.SigningSecret = "s"
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected validation error: %v", err)
	}

	cfg.ForceBackend = "vm"
	if err := cfg.Validate(); err == nil {
		t.Error("expected unknown backend to fail validation")
	}
}
