// Package config provides configuration for the portside orchestrator.
//
// Values are resolved in order: environment variable > config file > default.
// The config file is optional YAML, pointed at by PORTSIDE_CONFIG.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all settings for one orchestrator instance.
type Config struct {
	// ListenAddr is the address the HTTP server listens on (e.g., ":7090").
	ListenAddr string `yaml:"listen_addr"`

	// WorkspaceRoot is the directory under which per-session workspaces
	// are created.
	WorkspaceRoot string `yaml:"workspace_root"`

	// DataDir is the directory for the session audit database. Empty
	// disables audit logging.
	DataDir string `yaml:"data_dir"`

	// SandboxImage is the container image used by the container backend.
	SandboxImage string `yaml:"sandbox_image"`

	// SandboxNetwork is the container network sandboxes are attached to.
	SandboxNetwork string `yaml:"sandbox_network"`

	// SandboxCPUs limits CPU share per sandbox container.
	SandboxCPUs int `yaml:"sandbox_cpus"`

	// SandboxMemoryMB limits memory per sandbox container, in megabytes.
	SandboxMemoryMB int `yaml:"sandbox_memory_mb"`

	// IdleTimeout is how long a session survives with no inbound traffic.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// MaxSessions caps concurrently active sessions (admission control).
	MaxSessions int `yaml:"max_sessions"`

	// SigningSecret signs and verifies bearer credentials. Required.
	SigningSecret string `yaml:"signing_secret"`

	// PreviewHost is the public hostname preview URLs are built from.
	PreviewHost string `yaml:"preview_host"`

	// ForceBackend skips runtime probing when set ("container" or "process").
	ForceBackend string `yaml:"force_backend"`
}

// Load builds a Config from the optional YAML file and the environment.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:      ":7090",
		WorkspaceRoot:   "/var/lib/portside/workspaces",
		SandboxImage:    "portside-sandbox",
		SandboxNetwork:  "portside-net",
		SandboxCPUs:     2,
		SandboxMemoryMB: 2048,
		IdleTimeout:     30 * time.Minute,
		MaxSessions:     20,
		PreviewHost:     "localhost",
	}

	if path := os.Getenv("PORTSIDE_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.ListenAddr = envOr("PORTSIDE_ADDR", cfg.ListenAddr)
	cfg.WorkspaceRoot = envOr("PORTSIDE_WORKSPACE_ROOT", cfg.WorkspaceRoot)
	cfg.DataDir = envOr("PORTSIDE_DATA_DIR", cfg.DataDir)
	cfg.SandboxImage = envOr("PORTSIDE_SANDBOX_IMAGE", cfg.SandboxImage)
	cfg.SandboxNetwork = envOr("PORTSIDE_SANDBOX_NETWORK", cfg.SandboxNetwork)
	cfg.SandboxCPUs = envOrInt("PORTSIDE_SANDBOX_CPUS", cfg.SandboxCPUs)
	cfg.SandboxMemoryMB = envOrInt("PORTSIDE_SANDBOX_MEMORY_MB", cfg.SandboxMemoryMB)
	cfg.IdleTimeout = envOrDuration("PORTSIDE_IDLE_TIMEOUT", cfg.IdleTimeout)
	cfg.MaxSessions = envOrInt("PORTSIDE_MAX_SESSIONS", cfg.MaxSessions)
	cfg.SigningSecret = envOr("PORTSIDE_SIGNING_SECRET", cfg.SigningSecret)
	cfg.PreviewHost = envOr("PORTSIDE_PREVIEW_HOST", cfg.PreviewHost)
	cfg.ForceBackend = envOr("PORTSIDE_FORCE_BACKEND", cfg.ForceBackend)

	return cfg, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.SigningSecret == "" {
		return fmt.Errorf("PORTSIDE_SIGNING_SECRET is required")
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("PORTSIDE_MAX_SESSIONS must be positive")
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("PORTSIDE_IDLE_TIMEOUT must be positive")
	}
	switch c.ForceBackend {
	case "", "container", "process":
	default:
		return fmt.Errorf("PORTSIDE_FORCE_BACKEND must be \"container\" or \"process\"")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
