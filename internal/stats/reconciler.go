// Package stats derives the dashboard's aggregate counters from an initial
// bulk fetch plus per-table incremental updates.
package stats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"opsdash/internal/domain"
	"opsdash/internal/metrics"
	"opsdash/internal/realtime"
)

const (
	queryTimeout = 15 * time.Second

	// maxTrackedMessages bounds the per-message status memory.
	maxTrackedMessages = 10_000
)

type metric string

const (
	metricConversations metric = "conversations"
	metricOrders        metric = "orders"
	metricUsers         metric = "users"
)

type Options struct {
	Conversations domain.ConversationSource
	Orders        domain.OrderSource
	Users         domain.UserSource
	Role          domain.Role
	Logger        *slog.Logger
}

type recountState struct {
	running bool
	again   bool
}

// Reconciler owns one Stats value. Queries run outside the lock; each
// writes only its own fields when it completes.
type Reconciler struct {
	opts   Options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	stats    domain.Stats
	role     domain.Role
	errs     map[metric]string
	messages *domain.Ledger[string, domain.MessageStatus]
	recounts map[metric]*recountState
	onChange func()

	subMu      sync.Mutex
	sub        realtime.Subscriber
	handles    []realtime.Handle
	userHandle realtime.Handle
}

func New(opts Options) *Reconciler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		opts:     opts,
		logger:   opts.Logger,
		ctx:      ctx,
		cancel:   cancel,
		stats:    domain.Stats{ByPlatform: map[domain.Platform]int{}},
		role:     opts.Role,
		errs:     make(map[metric]string),
		messages: domain.NewLedger[string, domain.MessageStatus](maxTrackedMessages),
		recounts: map[metric]*recountState{
			metricConversations: {},
			metricOrders:        {},
		},
	}
}

func (r *Reconciler) OnChange(fn func()) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

func (r *Reconciler) admin() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.role == domain.RoleAdmin
}

// FetchInitial runs the conversation, pending-order and (admins only) user
// queries in parallel. A failed query zeroes its own metric and leaves the
// others alone; the returned error joins every failure.
func (r *Reconciler) FetchInitial(ctx context.Context) error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs []error
	run := func(m metric, fn func(context.Context) error) {
		defer wg.Done()
		if err := fn(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("%s: %w", m, err))
			mu.Unlock()
		}
	}

	wg.Add(2)
	go run(metricConversations, r.countConversations)
	go run(metricOrders, r.countOrders)
	if r.admin() {
		wg.Add(1)
		go run(metricUsers, r.countUsers)
	} else {
		r.mu.Lock()
		r.stats.TotalUsers = 0
		delete(r.errs, metricUsers)
		r.mu.Unlock()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Refresh re-runs FetchInitial.
func (r *Reconciler) Refresh(ctx context.Context) error {
	return r.FetchInitial(ctx)
}

func observe(start time.Time) {
	metrics.BulkQueryLatency.Observe(time.Since(start).Seconds())
}

func (r *Reconciler) countConversations(ctx context.Context) error {
	if r.opts.Conversations == nil {
		return errors.New("no conversation source")
	}
	start := time.Now()
	cs, err := r.opts.Conversations.ConversationStats(ctx)
	observe(start)

	r.mu.Lock()
	if err != nil {
		r.stats.TotalConversations = 0
		r.stats.ActiveConversations = 0
		r.stats.UnreadMessages = 0
		r.stats.ByPlatform = map[domain.Platform]int{}
		r.failLocked(metricConversations, err)
	} else {
		r.stats.TotalConversations = cs.Total
		r.stats.ActiveConversations = cs.Active
		r.stats.UnreadMessages = cs.Unread
		r.stats.ByPlatform = copyCounts(cs.ByPlatform)
		r.okLocked(metricConversations)
	}
	r.mu.Unlock()
	r.changed()
	return err
}

// recountConversations refreshes the table-level counts only; the unread
// total belongs to the messages updater.
func (r *Reconciler) recountConversations(ctx context.Context) error {
	if r.opts.Conversations == nil {
		return errors.New("no conversation source")
	}
	start := time.Now()
	cs, err := r.opts.Conversations.ConversationStats(ctx)
	observe(start)
	if err != nil {
		r.mu.Lock()
		r.failLocked(metricConversations, err)
		r.mu.Unlock()
		r.changed()
		return err
	}

	r.mu.Lock()
	r.stats.TotalConversations = cs.Total
	r.stats.ActiveConversations = cs.Active
	r.stats.ByPlatform = copyCounts(cs.ByPlatform)
	r.okLocked(metricConversations)
	r.mu.Unlock()
	r.changed()
	return nil
}

func (r *Reconciler) countOrders(ctx context.Context) error {
	if r.opts.Orders == nil {
		return errors.New("no order source")
	}
	start := time.Now()
	n, err := r.opts.Orders.CountOrders(ctx, domain.OrderStatusPending)
	observe(start)

	r.mu.Lock()
	if err != nil {
		r.stats.PendingOrders = 0
		r.failLocked(metricOrders, err)
	} else {
		r.stats.PendingOrders = n
		r.okLocked(metricOrders)
	}
	r.mu.Unlock()
	r.changed()
	return err
}

func (r *Reconciler) countUsers(ctx context.Context) error {
	if r.opts.Users == nil {
		return errors.New("no user source")
	}
	start := time.Now()
	n, err := r.opts.Users.CountUsers(ctx)
	observe(start)

	r.mu.Lock()
	if err != nil {
		r.stats.TotalUsers = 0
		r.failLocked(metricUsers, err)
	} else {
		r.stats.TotalUsers = n
		r.okLocked(metricUsers)
	}
	r.mu.Unlock()
	r.changed()
	return err
}

func (r *Reconciler) failLocked(m metric, err error) {
	r.logger.Error("stats query failed", "metric", m, "err", err)
	r.errs[m] = err.Error()
	r.stats.Error = r.errorLocked()
	r.stats.UpdatedAt = time.Now()
}

func (r *Reconciler) okLocked(m metric) {
	delete(r.errs, m)
	r.stats.Error = r.errorLocked()
	r.stats.UpdatedAt = time.Now()
}

func (r *Reconciler) errorLocked() string {
	if len(r.errs) == 0 {
		return ""
	}
	parts := make([]string, 0, len(r.errs))
	for m, e := range r.errs {
		parts = append(parts, string(m)+": "+e)
	}
	sort.Strings(parts)
	return strings.Join(parts, "; ")
}

// Start subscribes one updater per watched table. The users table is only
// watched for admins.
func (r *Reconciler) Start(sub realtime.Subscriber) error {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	if r.sub != nil {
		return errors.New("stats reconciler already started")
	}

	subs := []struct {
		table   domain.Table
		handler realtime.Handler
	}{
		{domain.TableConversations, func(domain.RawChange) error {
			r.scheduleRecount(metricConversations)
			return nil
		}},
		{domain.TableMessages, realtime.Typed(realtime.DecodeMessage, r.ApplyMessageChange)},
		{domain.TableOrders, func(domain.RawChange) error {
			r.scheduleRecount(metricOrders)
			return nil
		}},
	}
	var handles []realtime.Handle
	for _, s := range subs {
		h, err := sub.Subscribe(s.table, realtime.Filter{}, s.handler)
		if err != nil {
			if h != "" {
				handles = append(handles, h)
			}
			for _, h := range handles {
				sub.Unsubscribe(h)
			}
			return fmt.Errorf("subscribe %s: %w", s.table, err)
		}
		handles = append(handles, h)
	}
	r.sub, r.handles = sub, handles

	if r.admin() {
		if err := r.subscribeUsersLocked(); err != nil {
			r.stopLocked()
			return err
		}
	}
	return nil
}

func (r *Reconciler) subscribeUsersLocked() error {
	h, err := r.sub.Subscribe(domain.TableUsers, realtime.Filter{},
		realtime.Typed(realtime.DecodeUser, r.ApplyUserChange))
	if err != nil {
		if h != "" {
			r.sub.Unsubscribe(h)
		}
		return fmt.Errorf("subscribe %s: %w", domain.TableUsers, err)
	}
	r.userHandle = h
	return nil
}

// Stop releases every subscription. Safe to call more than once.
func (r *Reconciler) Stop() {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	r.stopLocked()
}

func (r *Reconciler) stopLocked() {
	if r.sub == nil {
		return
	}
	for _, h := range r.handles {
		r.sub.Unsubscribe(h)
	}
	if r.userHandle != "" {
		r.sub.Unsubscribe(r.userHandle)
	}
	r.sub, r.handles, r.userHandle = nil, nil, ""
}

// Close stops the updaters and waits for in-flight recounts.
func (r *Reconciler) Close() {
	r.Stop()
	r.cancel()
	r.wg.Wait()
}

// SetRole toggles the admin-only user counter.
func (r *Reconciler) SetRole(ctx context.Context, role domain.Role) error {
	r.mu.Lock()
	wasAdmin := r.role == domain.RoleAdmin
	r.role = role
	r.mu.Unlock()
	isAdmin := role == domain.RoleAdmin
	if wasAdmin == isAdmin {
		return nil
	}

	r.subMu.Lock()
	var subErr error
	if r.sub != nil {
		if isAdmin {
			subErr = r.subscribeUsersLocked()
		} else if r.userHandle != "" {
			r.sub.Unsubscribe(r.userHandle)
			r.userHandle = ""
		}
	}
	r.subMu.Unlock()

	if !isAdmin {
		r.mu.Lock()
		r.stats.TotalUsers = 0
		delete(r.errs, metricUsers)
		r.stats.Error = r.errorLocked()
		r.mu.Unlock()
		r.changed()
		return nil
	}
	if subErr != nil {
		return subErr
	}
	return r.countUsers(ctx)
}

// scheduleRecount runs at most one recount per metric at a time. Events
// that arrive meanwhile collapse into a single trailing run.
func (r *Reconciler) scheduleRecount(m metric) {
	r.mu.Lock()
	rc := r.recounts[m]
	if r.ctx.Err() != nil {
		r.mu.Unlock()
		return
	}
	if rc.running {
		rc.again = true
		r.mu.Unlock()
		return
	}
	rc.running = true
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			ctx, cancel := context.WithTimeout(r.ctx, queryTimeout)
			switch m {
			case metricConversations:
				r.recountConversations(ctx)
			case metricOrders:
				r.countOrders(ctx)
			}
			cancel()

			r.mu.Lock()
			if rc.again && r.ctx.Err() == nil {
				rc.again = false
				r.mu.Unlock()
				continue
			}
			rc.running, rc.again = false, false
			r.mu.Unlock()
			return
		}
	}()
}

// ApplyMessageChange keeps the unread total: +1 for a new incoming
// message, -1 when an incoming message first reaches read.
func (r *Reconciler) ApplyMessageChange(c domain.Change[domain.Message]) {
	m := c.New
	if m == nil || !m.Incoming() {
		return
	}

	r.mu.Lock()
	prev, seen := r.messages.Get(m.ID)
	changed := false
	switch c.Kind {
	case domain.ChangeInsert:
		if seen {
			break
		}
		r.messages.Put(m.ID, m.Status)
		if m.Status != domain.MessageRead {
			r.stats.UnreadMessages++
			changed = true
		}
	case domain.ChangeUpdate:
		if !seen {
			if c.Old == nil || !c.Old.Status.Known() {
				// First sighting with no history: remember, don't count.
				r.messages.Put(m.ID, m.Status)
				break
			}
			prev = c.Old.Status
		}
		if !prev.CanAdvance(m.Status) {
			break
		}
		r.messages.Put(m.ID, m.Status)
		if m.Status == domain.MessageRead && r.stats.UnreadMessages > 0 {
			r.stats.UnreadMessages--
			changed = true
		}
	}
	if changed {
		r.stats.UpdatedAt = time.Now()
	}
	r.mu.Unlock()

	if changed {
		r.changed()
	}
}

// ApplyUserChange adjusts the user total by ±1.
func (r *Reconciler) ApplyUserChange(c domain.Change[domain.User]) {
	r.mu.Lock()
	if r.role != domain.RoleAdmin {
		r.mu.Unlock()
		return
	}
	changed := false
	switch c.Kind {
	case domain.ChangeInsert:
		r.stats.TotalUsers++
		changed = true
	case domain.ChangeDelete:
		if r.stats.TotalUsers > 0 {
			r.stats.TotalUsers--
			changed = true
		}
	}
	if changed {
		r.stats.UpdatedAt = time.Now()
	}
	r.mu.Unlock()

	if changed {
		r.changed()
	}
}

// Snapshot returns a copy of the current stats.
func (r *Reconciler) Snapshot() domain.Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats.Clone()
}

func (r *Reconciler) changed() {
	r.mu.Lock()
	fn := r.onChange
	r.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func copyCounts(in map[domain.Platform]int) map[domain.Platform]int {
	out := make(map[domain.Platform]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
