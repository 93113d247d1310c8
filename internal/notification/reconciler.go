// Package notification keeps the unread notification queue for one
// dashboard role. Acknowledgements are applied locally first and persisted
// in the background; failed ones are journaled and retried on the next fetch.
package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"opsdash/internal/domain"
	"opsdash/internal/metrics"
	"opsdash/internal/realtime"
)

const (
	defaultFetchLimit   = 50
	defaultAlertTimeout = 10 * time.Second
	persistTimeout      = 15 * time.Second
)

// AckQueue journals acknowledgements the backend did not accept.
type AckQueue interface {
	Enqueue(ctx context.Context, ids []string) error
	Pending(ctx context.Context) ([]string, error)
	Remove(ctx context.Context, ids []string) error
}

type Options struct {
	Store   domain.NotificationStore
	Role    domain.Role
	Routing *Routing // nil uses DefaultRouting
	Limit   int

	Outbox       AckQueue
	Prompter     Prompter
	Player       Player
	AlertTimeout time.Duration

	Logger *slog.Logger
}

// Snapshot is a copy of the unread working set, newest first.
type Snapshot struct {
	Role          domain.Role           `json:"role"`
	Notifications []domain.Notification `json:"notifications"`
	Unread        int                   `json:"unread"`
	Error         string                `json:"error,omitempty"`
}

type Reconciler struct {
	opts    Options
	routing Routing
	logger  *slog.Logger

	mu       sync.Mutex
	role     domain.Role
	gen      uint64 // bumped on every role change
	types    []domain.NotificationType
	items    []domain.Notification
	unread   int
	err      string
	onChange func()

	subMu  sync.Mutex
	sub    realtime.Subscriber
	handle realtime.Handle

	inflight sync.WaitGroup
}

// New validates the role against the routing table.
func New(opts Options) (*Reconciler, error) {
	if opts.Limit <= 0 {
		opts.Limit = defaultFetchLimit
	}
	if opts.AlertTimeout <= 0 {
		opts.AlertTimeout = defaultAlertTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	routing := DefaultRouting()
	if opts.Routing != nil {
		routing = *opts.Routing
	}
	types, err := routing.TypesFor(opts.Role)
	if err != nil {
		return nil, err
	}
	return &Reconciler{
		opts:    opts,
		routing: routing,
		logger:  opts.Logger,
		role:    opts.Role,
		types:   types,
	}, nil
}

func (r *Reconciler) OnChange(fn func()) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// Start subscribes to notifications of the role's types. The filter is
// evaluated by the adapter; inserts are not re-checked here.
func (r *Reconciler) Start(sub realtime.Subscriber) error {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	if r.sub != nil {
		return errors.New("notification reconciler already started")
	}
	return r.subscribeLocked(sub)
}

func (r *Reconciler) subscribeLocked(sub realtime.Subscriber) error {
	r.mu.Lock()
	values := make([]string, len(r.types))
	for i, t := range r.types {
		values[i] = string(t)
	}
	role := r.role
	r.mu.Unlock()

	h, err := sub.Subscribe(domain.TableNotifications, realtime.In("type", values...),
		realtime.Typed(realtime.DecodeNotification, r.ApplyChange))
	if err != nil {
		if h != "" {
			sub.Unsubscribe(h)
		}
		return fmt.Errorf("subscribe %s: %w", domain.TableNotifications, err)
	}
	r.sub, r.handle = sub, h
	r.logger.Debug("notifications subscribed", "role", role, "types", len(values))
	return nil
}

// Stop releases the subscription. Safe to call more than once.
func (r *Reconciler) Stop() {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	r.stopLocked()
}

func (r *Reconciler) stopLocked() {
	if r.sub == nil {
		return
	}
	r.sub.Unsubscribe(r.handle)
	r.sub, r.handle = nil, ""
}

// SetRole switches the visible notification types: it re-subscribes with
// the new filter and refetches the working set.
func (r *Reconciler) SetRole(ctx context.Context, role domain.Role) error {
	types, err := r.routing.TypesFor(role)
	if err != nil {
		return err
	}

	r.subMu.Lock()
	sub := r.sub
	r.stopLocked()

	r.mu.Lock()
	r.role = role
	r.gen++
	r.types = types
	r.items = nil
	r.unread = 0
	r.publishLocked()
	r.mu.Unlock()

	if sub != nil {
		if err := r.subscribeLocked(sub); err != nil {
			r.subMu.Unlock()
			return err
		}
	}
	r.subMu.Unlock()

	r.logger.Info("notification role changed", "role", role)
	r.changed()
	return r.FetchUnread(ctx)
}

// FetchUnread retries journaled acknowledgements, then replaces the working
// set with the newest unread page. On failure the set is kept.
func (r *Reconciler) FetchUnread(ctx context.Context) error {
	if r.opts.Store == nil {
		return errors.New("notification reconciler has no store")
	}
	pending := r.flushOutbox(ctx)

	r.mu.Lock()
	types := append([]domain.NotificationType(nil), r.types...)
	gen := r.gen
	r.mu.Unlock()

	start := time.Now()
	page, err := r.opts.Store.ListUnread(ctx, types, r.opts.Limit)
	metrics.BulkQueryLatency.Observe(time.Since(start).Seconds())

	r.mu.Lock()
	if r.gen != gen {
		// The role changed mid-fetch; its own fetch owns the working set.
		r.mu.Unlock()
		r.logger.Debug("stale notification fetch discarded")
		return nil
	}
	if err != nil {
		r.err = err.Error()
		r.mu.Unlock()
		r.logger.Error("notification fetch failed", "err", err)
		r.changed()
		return fmt.Errorf("fetch unread notifications: %w", err)
	}
	items := make([]domain.Notification, 0, len(page))
	for _, n := range page {
		if n.ID == "" || n.Read || pending[n.ID] {
			continue
		}
		items = append(items, n)
	}
	r.items = items
	r.unread = len(items)
	r.err = ""
	r.publishLocked()
	r.mu.Unlock()

	r.changed()
	return nil
}

// flushOutbox re-sends journaled acknowledgements and returns the ids that
// are still outstanding.
func (r *Reconciler) flushOutbox(ctx context.Context) map[string]bool {
	if r.opts.Outbox == nil {
		return nil
	}
	ids, err := r.opts.Outbox.Pending(ctx)
	if err != nil {
		r.logger.Warn("read outbox unavailable", "err", err)
		return nil
	}
	if len(ids) == 0 {
		return nil
	}
	if err := r.opts.Store.MarkAllRead(ctx, ids); err != nil {
		r.logger.Warn("journaled acknowledgements still failing", "count", len(ids), "err", err)
		pending := make(map[string]bool, len(ids))
		for _, id := range ids {
			pending[id] = true
		}
		return pending
	}
	if err := r.opts.Outbox.Remove(ctx, ids); err != nil {
		r.logger.Warn("could not clear read outbox", "err", err)
	}
	r.logger.Info("journaled acknowledgements delivered", "count", len(ids))
	return nil
}

// ApplyChange handles one notifications change.
func (r *Reconciler) ApplyChange(c domain.Change[domain.Notification]) {
	switch c.Kind {
	case domain.ChangeInsert:
		if c.New != nil {
			r.OnInsert(*c.New)
		}
	case domain.ChangeUpdate:
		// Acknowledged from another session.
		if c.New != nil && c.New.Read {
			r.removeLocal(c.New.ID)
		}
	case domain.ChangeDelete:
		if c.Old != nil {
			r.removeLocal(c.Old.ID)
		}
	}
}

// OnInsert prepends n to the working set. High-priority notifications also
// raise a prompt and an audio cue in the background.
func (r *Reconciler) OnInsert(n domain.Notification) {
	if n.ID == "" {
		r.logger.Warn("notification without id ignored")
		return
	}
	if n.Read {
		return
	}

	r.mu.Lock()
	if r.indexLocked(n.ID) >= 0 {
		r.mu.Unlock()
		return
	}
	r.items = append([]domain.Notification{n}, r.items...)
	r.unread++
	r.publishLocked()
	r.mu.Unlock()

	r.changed()
	if n.Priority == domain.PriorityHigh {
		r.alert(n)
	}
}

func (r *Reconciler) alert(n domain.Notification) {
	if r.opts.Prompter == nil && r.opts.Player == nil {
		return
	}
	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.AlertTimeout)
		defer cancel()

		if r.opts.Prompter != nil {
			if err := r.opts.Prompter.Prompt(ctx, n); err != nil {
				r.logger.Debug("notification prompt failed", "id", n.ID, "err", err)
			} else {
				metrics.PromptsSent.Inc()
			}
		}
		if r.opts.Player != nil {
			if err := r.opts.Player.Play(ctx, r.routing.Sound(n.Type)); err != nil {
				r.logger.Debug("notification sound failed", "type", n.Type, "err", err)
			}
		}
	}()
}

// MarkAsRead removes id from the working set immediately and persists the
// acknowledgement in the background. Local state is never rolled back.
// It reports whether id was in the working set.
func (r *Reconciler) MarkAsRead(id string) bool {
	if id == "" {
		return false
	}
	removed := r.removeLocal(id)
	r.persist([]string{id})
	return removed
}

// MarkAllAsRead empties the working set and zeroes the counter in one step.
func (r *Reconciler) MarkAllAsRead() {
	r.mu.Lock()
	ids := make([]string, len(r.items))
	for i, n := range r.items {
		ids[i] = n.ID
	}
	r.items = nil
	r.unread = 0
	r.publishLocked()
	r.mu.Unlock()

	r.changed()
	if len(ids) > 0 {
		r.persist(ids)
	}
}

func (r *Reconciler) removeLocal(id string) bool {
	r.mu.Lock()
	i := r.indexLocked(id)
	if i < 0 {
		r.mu.Unlock()
		return false
	}
	r.items = append(r.items[:i:i], r.items[i+1:]...)
	if r.unread > 0 {
		r.unread--
	}
	r.publishLocked()
	r.mu.Unlock()

	r.changed()
	return true
}

func (r *Reconciler) persist(ids []string) {
	if r.opts.Store == nil {
		return
	}
	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()

		var err error
		if len(ids) == 1 {
			err = r.opts.Store.MarkRead(ctx, ids[0])
		} else {
			err = r.opts.Store.MarkAllRead(ctx, ids)
		}
		if err == nil {
			return
		}
		metrics.MarkReadFailures.Inc()
		r.logger.Warn("mark read failed", "count", len(ids), "err", err)
		if r.opts.Outbox == nil {
			return
		}
		// ctx may already be spent by a timed-out call.
		qctx, qcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer qcancel()
		if qerr := r.opts.Outbox.Enqueue(qctx, ids); qerr != nil {
			r.logger.Error("could not journal acknowledgement", "count", len(ids), "err", qerr)
		}
	}()
}

// Close releases the subscription and waits for background acknowledgements
// and alerts to finish.
func (r *Reconciler) Close() {
	r.Stop()
	r.inflight.Wait()
}

func (r *Reconciler) Role() domain.Role {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.role
}

func (r *Reconciler) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		Role:          r.role,
		Notifications: append([]domain.Notification{}, r.items...),
		Unread:        r.unread,
		Error:         r.err,
	}
}

func (r *Reconciler) indexLocked(id string) int {
	for i := range r.items {
		if r.items[i].ID == id {
			return i
		}
	}
	return -1
}

func (r *Reconciler) publishLocked() {
	metrics.UnreadNotifications.Set(int64(r.unread))
}

func (r *Reconciler) changed() {
	r.mu.Lock()
	fn := r.onChange
	r.mu.Unlock()
	if fn != nil {
		fn()
	}
}
