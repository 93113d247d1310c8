// Package dashboard mounts one realtime dashboard session (adapter plus the
// three reconcilers) and serves its state over HTTP and WebSocket.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"opsdash/internal/conversation"
	"opsdash/internal/domain"
	"opsdash/internal/notification"
	"opsdash/internal/realtime"
	"opsdash/internal/stats"
)

type Options struct {
	Transport realtime.Transport
	Backend   domain.Backend
	Role      domain.Role

	Platform          domain.Platform
	ConversationLimit int
	StrictVersioning  bool

	Routing           *notification.Routing
	NotificationLimit int
	Outbox            notification.AckQueue
	Prompter          notification.Prompter
	Player            notification.Player
	AlertTimeout      time.Duration

	Logger *slog.Logger
}

// State is the combined read model pushed to view consumers.
type State struct {
	Role          domain.Role           `json:"role"`
	Conversations conversation.Snapshot `json:"conversations"`
	Notifications notification.Snapshot `json:"notifications"`
	Stats         domain.Stats          `json:"stats"`
	Realtime      RealtimeState         `json:"realtime"`
	GeneratedAt   time.Time             `json:"generated_at"`
}

type RealtimeState struct {
	Subscriptions int    `json:"subscriptions"`
	Error         string `json:"error,omitempty"`
}

// Session owns a connected adapter and the reconcilers subscribed to it.
type Session struct {
	Adapter       *realtime.Adapter
	Conversations *conversation.Reconciler
	Notifications *notification.Reconciler
	Stats         *stats.Reconciler

	logger *slog.Logger

	mu        sync.Mutex
	listeners map[int]func()
	nextID    int

	closeOnce sync.Once
}

// Mount connects the transport, subscribes every reconciler and runs the
// initial loads in parallel. A failed load does not fail the mount: it is
// logged and shows up as the reconciler's sticky error.
func Mount(ctx context.Context, opts Options) (*Session, error) {
	if opts.Transport == nil || opts.Backend == nil {
		return nil, errors.New("dashboard: transport and backend are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger

	s := &Session{logger: logger, listeners: make(map[int]func())}
	s.Adapter = realtime.NewAdapter(opts.Transport, logger.With("component", "realtime"))
	if err := s.Adapter.Connect(ctx); err != nil {
		s.Adapter.Close()
		return nil, fmt.Errorf("connect realtime: %w", err)
	}

	s.Conversations = conversation.New(conversation.Options{
		Source:           opts.Backend,
		Platform:         opts.Platform,
		Limit:            opts.ConversationLimit,
		StrictVersioning: opts.StrictVersioning,
		Logger:           logger.With("component", "conversations"),
	})
	notifications, err := notification.New(notification.Options{
		Store:        opts.Backend,
		Role:         opts.Role,
		Routing:      opts.Routing,
		Limit:        opts.NotificationLimit,
		Outbox:       opts.Outbox,
		Prompter:     opts.Prompter,
		Player:       opts.Player,
		AlertTimeout: opts.AlertTimeout,
		Logger:       logger.With("component", "notifications"),
	})
	if err != nil {
		s.Adapter.Close()
		return nil, err
	}
	s.Notifications = notifications
	s.Stats = stats.New(stats.Options{
		Conversations: opts.Backend,
		Orders:        opts.Backend,
		Users:         opts.Backend,
		Role:          opts.Role,
		Logger:        logger.With("component", "stats"),
	})

	s.Conversations.OnChange(s.notify)
	s.Notifications.OnChange(s.notify)
	s.Stats.OnChange(s.notify)

	starts := []struct {
		name  string
		start func(realtime.Subscriber) error
	}{
		{"conversations", s.Conversations.Start},
		{"notifications", s.Notifications.Start},
		{"stats", s.Stats.Start},
	}
	for _, st := range starts {
		if err := st.start(s.Adapter); err != nil {
			s.Close()
			return nil, fmt.Errorf("start %s: %w", st.name, err)
		}
	}

	if err := s.Reload(ctx); err != nil {
		logger.Warn("initial load incomplete", "err", err)
	}
	logger.Info("dashboard session mounted", "role", opts.Role, "subscriptions", s.Adapter.Subscriptions())
	return s, nil
}

// Reload runs the three bulk loads in parallel. Each failure stays local to
// its reconciler; the joined error is returned for logging.
func (s *Session) Reload(ctx context.Context) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	run := func(name string, fn func(context.Context) error) {
		defer wg.Done()
		if err := fn(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			mu.Unlock()
		}
	}
	wg.Add(3)
	go run("conversations", s.Conversations.Load)
	go run("notifications", s.Notifications.FetchUnread)
	go run("stats", s.Stats.FetchInitial)
	wg.Wait()
	return errors.Join(errs...)
}

// SetRole switches the notification filter and the admin-only user count.
func (s *Session) SetRole(ctx context.Context, role domain.Role) error {
	if role == s.Notifications.Role() {
		return nil
	}
	err := errors.Join(
		s.Notifications.SetRole(ctx, role),
		s.Stats.SetRole(ctx, role),
	)
	if err != nil {
		return fmt.Errorf("set role %s: %w", role, err)
	}
	return nil
}

// OnChange registers fn to run after any reconciler mutates. The returned
// func removes it.
func (s *Session) OnChange(fn func()) (remove func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Session) notify() {
	s.mu.Lock()
	fns := make([]func(), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (s *Session) State() State {
	st := State{
		Role:          s.Notifications.Role(),
		Conversations: s.Conversations.Snapshot(),
		Notifications: s.Notifications.Snapshot(),
		Stats:         s.Stats.Snapshot(),
		Realtime:      RealtimeState{Subscriptions: s.Adapter.Subscriptions()},
		GeneratedAt:   time.Now().UTC(),
	}
	if err := s.Adapter.Err(); err != nil {
		st.Realtime.Error = err.Error()
	}
	return st
}

// Close releases every subscription and the transport exactly once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if s.Conversations != nil {
			s.Conversations.Stop()
		}
		if s.Notifications != nil {
			s.Notifications.Close()
		}
		if s.Stats != nil {
			s.Stats.Close()
		}
		if err := s.Adapter.Close(); err != nil {
			s.logger.Warn("realtime close failed", "err", err)
		}
		s.logger.Info("dashboard session closed")
	})
}
