// Command portsided runs the Portside session and sandbox orchestrator.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/portside-dev/portside/internal/audit"
	"github.com/portside-dev/portside/internal/auth"
	"github.com/portside-dev/portside/internal/config"
	"github.com/portside-dev/portside/internal/httpapi"
	"github.com/portside-dev/portside/internal/sandbox"
	"github.com/portside-dev/portside/internal/sessions"
)

func main() {
	root := &cobra.Command{
		Use:          "portsided",
		Short:        "Portside session and sandbox orchestrator",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd(), tokenCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cfg)
		},
	}
}

// tokenCmd mints a bearer token offline, for operators with access to
// the signing secret.
func tokenCmd() *cobra.Command {
	var (
		tier string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "Mint a bearer token for a caller",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.SigningSecret == "" {
				return errors.New("PORTSIDE_SIGNING_SECRET is not set")
			}
			gateway := auth.NewGateway(cfg.SigningSecret)
			token, err := gateway.Sign(args[0], tier, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&tier, "tier", auth.TierStandard, "token tier (standard or elevated)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func serve(cfg *config.Config) error {
	if err := os.MkdirAll(cfg.WorkspaceRoot, 0o755); err != nil {
		return fmt.Errorf("creating workspace root: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	docker := sandbox.NewDockerRuntime(sandbox.DockerOptions{
		Image:    cfg.SandboxImage,
		Network:  cfg.SandboxNetwork,
		CPUs:     cfg.SandboxCPUs,
		MemoryMB: cfg.SandboxMemoryMB,
	})
	launcher, err := sandbox.Select(ctx, cfg.ForceBackend, docker)
	if err != nil {
		return err
	}
	log.Printf("[portsided] sandbox backend: %s", launcher.Backend())
	if launcher.Backend() == sandbox.BackendContainer && cfg.SandboxNetwork != "" {
		if err := docker.EnsureNetwork(ctx); err != nil {
			log.Printf("[portsided] ensuring network %s: %v", cfg.SandboxNetwork, err)
		}
	}

	var recorder sessions.Recorder
	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("creating data dir: %w", err)
		}
		store, err := audit.NewStore(filepath.Join(cfg.DataDir, "audit.db"))
		if err != nil {
			return err
		}
		defer store.Close()
		recorder = store
	}

	manager := sessions.NewManager(sessions.Options{
		WorkspaceRoot: cfg.WorkspaceRoot,
		IdleTimeout:   cfg.IdleTimeout,
		MaxSessions:   cfg.MaxSessions,
		Launcher:      launcher,
		Recorder:      recorder,
	})
	gateway := auth.NewGateway(cfg.SigningSecret)
	api := httpapi.NewServer(manager, gateway, cfg.PreviewHost)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[portsided] listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Printf("[portsided] shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[portsided] http shutdown: %v", err)
	}
	manager.Shutdown()
	return nil
}
