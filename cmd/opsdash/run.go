package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"opsdash/internal/config"
	"opsdash/internal/dashboard"
	"opsdash/internal/domain"

	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Mount the dashboard session and serve it until interrupted",
		Long: `Connects the realtime transport, loads conversations, notifications and
stats, then keeps them reconciled with live changes. The dashboard HTTP and
WebSocket surface is served when dashboard.enabled is set. Edits to
general.role in the config file are applied without a restart.
Press Ctrl+C to stop.`,
		RunE: runDashboard,
	}
}

func runDashboard(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := os.MkdirAll(cfg.General.DataDir, 0o755); err != nil {
		return err
	}

	log, closeLog, err := buildLogger(cfg)
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	defer closeLog.Close()
	logger = log

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts, cleanup, err := mountOptions(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	mountCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	session, err := dashboard.Mount(mountCtx, opts)
	cancel()
	if err != nil {
		return fmt.Errorf("mount: %w", err)
	}
	defer session.Close()
	logger.Info("session mounted", "role", cfg.General.Role, "transport", cfg.Realtime.Transport, "backend", cfg.Backend.Kind)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		role := domain.Role(cfg.General.Role)
		err := config.Watch(ctx, cfgPath, logger.With("component", "config"), func(next *config.Config) {
			newRole := domain.Role(next.General.Role)
			if newRole == role {
				return
			}
			rctx, rcancel := context.WithTimeout(ctx, 30*time.Second)
			defer rcancel()
			if err := session.SetRole(rctx, newRole); err != nil {
				logger.Error("role change failed", "role", newRole, "err", err)
				return
			}
			role = newRole
		})
		if err != nil {
			logger.Warn("config watcher stopped", "err", err)
		}
	}()

	if cfg.Dashboard.Enabled {
		metricsPath := ""
		if cfg.Metrics.Enabled {
			metricsPath = cfg.Metrics.Endpoint
		}
		srv := dashboard.NewServer(session, dashboard.ServerOptions{
			Addr:         cfg.Dashboard.Addr(),
			PushInterval: time.Duration(cfg.Dashboard.PushIntervalMs) * time.Millisecond,
			MetricsPath:  metricsPath,
			Logger:       logger.With("component", "server"),
		})
		if err := srv.Serve(ctx); err != nil {
			stop()
			wg.Wait()
			return fmt.Errorf("dashboard server: %w", err)
		}
	} else {
		<-ctx.Done()
	}

	logger.Info("shutting down")
	done := make(chan struct{})
	go func() {
		wg.Wait()
		session.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		logger.Warn("shutdown timed out", "after", shutdownTimeout)
	}
	return nil
}
