package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"opsdash/internal/config"
	"opsdash/internal/outbox"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

const checkTimeout = 5 * time.Second

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your opsdash installation",
		Long: `Verifies that the configuration, backend, realtime channel, outbox and
dashboard port are usable. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			r := &report{w: os.Stdout}
			runChecks(cmd.Context(), r, resolveConfigPath())
			return r.summary()
		},
	}
}

// report tallies check results as they are printed.
type report struct {
	w                      io.Writer
	passed, failed, warned int
}

var (
	passLabel = color.New(color.FgGreen).Sprint("[PASS]")
	failLabel = color.New(color.FgRed).Sprint("[FAIL]")
	warnLabel = color.New(color.FgYellow).Sprint("[WARN]")
)

func (r *report) pass(check, detail string) {
	r.passed++
	fmt.Fprintf(r.w, "  %s %-20s %s\n", passLabel, check, detail)
}

func (r *report) fail(check, detail string) {
	r.failed++
	fmt.Fprintf(r.w, "  %s %-20s %s\n", failLabel, check, detail)
}

func (r *report) warn(check, detail string) {
	r.warned++
	fmt.Fprintf(r.w, "  %s %-20s %s\n", warnLabel, check, detail)
}

func (r *report) summary() error {
	fmt.Fprintf(r.w, "\nResults: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
	if r.failed > 0 {
		return fmt.Errorf("%d check(s) failed", r.failed)
	}
	return nil
}

func runChecks(ctx context.Context, r *report, cfgPath string) {
	if ctx == nil {
		ctx = context.Background()
	}
	fmt.Fprintf(r.w, "opsdash doctor v%s\n\n", version)

	if _, err := os.Stat(cfgPath); err != nil {
		r.fail("Config file", fmt.Sprintf("not found at %s (run 'opsdash init')", cfgPath))
		return
	}
	r.pass("Config file", cfgPath)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		r.fail("Config validation", err.Error())
		return
	}
	r.pass("Config validation", "valid")

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	be, closeBackend, err := buildBackend(cfg, quiet)
	if err != nil {
		r.fail("Backend", err.Error())
	} else {
		pctx, cancel := context.WithTimeout(ctx, checkTimeout)
		if err := be.Ping(pctx); err != nil {
			r.fail("Backend", fmt.Sprintf("%s unreachable: %v", cfg.Backend.Kind, err))
		} else {
			r.pass("Backend", cfg.Backend.Kind+" reachable")
		}
		cancel()
		closeBackend()
	}

	if transport, err := buildTransport(cfg, quiet); err != nil {
		r.fail("Realtime", err.Error())
	} else {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		if err := transport.Connect(cctx); err != nil {
			r.fail("Realtime", fmt.Sprintf("%s connect failed: %v", cfg.Realtime.Transport, err))
		} else {
			r.pass("Realtime", cfg.Realtime.Transport+" connected")
		}
		cancel()
		transport.Close()
	}

	if _, err := buildRouting(cfg); err != nil {
		r.fail("Routing", err.Error())
	} else if cfg.Notifications.RoutingFile == "" {
		r.pass("Routing", "built-in defaults")
	} else {
		r.pass("Routing", cfg.Notifications.RoutingFile)
	}

	if n, err := checkOutbox(ctx, outboxPath(cfg)); err != nil {
		r.fail("Outbox", err.Error())
	} else if n > 0 {
		r.warn("Outbox", fmt.Sprintf("%d acknowledgement(s) waiting for the backend", n))
	} else {
		r.pass("Outbox", outboxPath(cfg))
	}

	checkAlerts(r, cfg)

	if cfg.Dashboard.Enabled {
		if err := checkPort(cfg.Dashboard.Addr()); err != nil {
			r.warn("Dashboard port", fmt.Sprintf("%s may be in use: %v", cfg.Dashboard.Addr(), err))
		} else {
			r.pass("Dashboard port", cfg.Dashboard.Addr()+" available")
		}
	}

	if cfg.General.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
			r.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
		} else {
			r.pass("Log file", cfg.General.LogFile)
		}
	}
}

func checkAlerts(r *report, cfg *config.Config) {
	p := cfg.Notifications.Prompts
	if !p.Telegram.Enabled && !p.Slack.Enabled && !p.Discord.Enabled {
		r.warn("Prompts", "no prompt channel enabled for high-priority notifications")
	} else if _, err := buildPrompter(cfg); err != nil {
		r.fail("Prompts", err.Error())
	} else {
		r.pass("Prompts", "configured")
	}

	if a := cfg.Notifications.Audio; a.Enabled {
		if path, err := exec.LookPath(a.Command); err != nil {
			r.warn("Audio", fmt.Sprintf("%s not found in PATH", a.Command))
		} else {
			r.pass("Audio", path)
		}
	}
}

// checkOutbox opens (and migrates) the outbox and returns the number of
// journaled acknowledgements.
func checkOutbox(ctx context.Context, path string) (int, error) {
	ob, err := outbox.Open(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		return 0, err
	}
	defer ob.Close()

	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	ids, err := ob.Pending(ctx)
	if err != nil {
		return 0, fmt.Errorf("read outbox: %w", err)
	}
	return len(ids), nil
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}
