package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"opsdash/internal/dashboard"
	"opsdash/internal/domain"
	"opsdash/internal/realtime"

	"github.com/spf13/cobra"
)

const maxReplayLine = 1 << 20

func replayCmd() *cobra.Command {
	var (
		live bool
		role string
	)
	cmd := &cobra.Command{
		Use:   "replay <changes.jsonl>",
		Short: "Feed recorded changes through the reconcilers and print the result",
		Long: `Reads one change frame per line ({"table","type","record","old_record",
"commit_timestamp"}), publishes them through an in-memory transport and prints
the reconciled state as JSON. Blank lines and lines starting with # are skipped.
Initial loads start from an empty backend unless --live is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			changes, err := readChanges(f)
			if err != nil {
				return err
			}

			cfg := quietConfig()
			if role != "" {
				cfg.General.Role = role
			}
			log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

			var be domain.Backend = emptyBackend{}
			if live {
				b, closeBackend, err := buildBackend(cfg, log)
				if err != nil {
					return err
				}
				defer closeBackend()
				be = b
			}
			routing, err := buildRouting(cfg)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			st, err := replay(ctx, changes, dashboard.Options{
				Backend:           be,
				Role:              domain.Role(cfg.General.Role),
				Platform:          domain.Platform(cfg.Conversations.Platform),
				ConversationLimit: cfg.Conversations.Limit,
				StrictVersioning:  cfg.Conversations.StrictVersioning,
				Routing:           routing,
				NotificationLimit: cfg.Notifications.FetchLimit,
				Logger:            log,
			})
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		},
	}
	cmd.Flags().BoolVar(&live, "live", false, "load the initial state from the configured backend")
	cmd.Flags().StringVar(&role, "role", "", "override general.role")
	return cmd
}

// readChanges parses a JSONL stream of change frames.
func readChanges(r io.Reader) ([]domain.RawChange, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxReplayLine)

	var out []domain.RawChange
	line := 0
	for sc.Scan() {
		line++
		text := bytes.TrimSpace(sc.Bytes())
		if len(text) == 0 || text[0] == '#' {
			continue
		}
		c, err := realtime.ParseChange(text)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, c)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read changes: %w", err)
	}
	return out, nil
}

// replay mounts a session on a memory transport, publishes changes in order
// and returns the state once every change has been dispatched. opts.Transport
// is replaced.
func replay(ctx context.Context, changes []domain.RawChange, opts dashboard.Options) (dashboard.State, error) {
	buffer := len(changes) + 1
	mt := realtime.NewMemoryTransport(buffer, opts.Logger)
	opts.Transport = mt

	session, err := dashboard.Mount(ctx, opts)
	if err != nil {
		return dashboard.State{}, err
	}
	defer session.Close()

	// A counting subscriber on every replayed table. The adapter dispatches
	// in order and this handler is registered after the reconcilers', so
	// once it has seen every change the reconcilers have too.
	var seen atomic.Int64
	done := make(chan struct{})
	want := int64(len(changes))
	count := func(domain.RawChange) error {
		if seen.Add(1) == want {
			close(done)
		}
		return nil
	}
	subscribed := make(map[domain.Table]bool)
	for _, c := range changes {
		if subscribed[c.Table] {
			continue
		}
		h, err := session.Adapter.Subscribe(c.Table, realtime.Filter{}, count)
		if err != nil {
			return dashboard.State{}, fmt.Errorf("subscribe %s: %w", c.Table, err)
		}
		defer session.Adapter.Unsubscribe(h)
		subscribed[c.Table] = true
	}

	if want == 0 {
		return session.State(), nil
	}
	for _, c := range changes {
		mt.Publish(c)
	}

	select {
	case <-done:
	case <-ctx.Done():
		return dashboard.State{}, fmt.Errorf("replay: %d of %d changes dispatched: %w", seen.Load(), want, ctx.Err())
	}
	return session.State(), nil
}

// emptyBackend answers every bulk query with nothing and accepts every
// acknowledgement.
type emptyBackend struct{}

func (emptyBackend) ListConversations(ctx context.Context, platform domain.Platform, limit int) ([]domain.ConversationState, error) {
	return nil, nil
}

func (emptyBackend) ConversationStats(ctx context.Context) (domain.ConversationStats, error) {
	return domain.ConversationStats{}, nil
}

func (emptyBackend) CountOrders(ctx context.Context, status string) (int, error) { return 0, nil }

func (emptyBackend) CountUsers(ctx context.Context) (int, error) { return 0, nil }

func (emptyBackend) ListUnread(ctx context.Context, types []domain.NotificationType, limit int) ([]domain.Notification, error) {
	return nil, nil
}

func (emptyBackend) MarkRead(ctx context.Context, id string) error { return nil }

func (emptyBackend) MarkAllRead(ctx context.Context, ids []string) error { return nil }
