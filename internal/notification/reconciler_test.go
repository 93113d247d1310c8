package notification

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"opsdash/internal/domain"
	"opsdash/internal/realtime"
)

func testNotifLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type fakeStore struct {
	mu       sync.Mutex
	page     []domain.Notification
	listErr  error
	markErr  error
	release  chan struct{} // when set, MarkRead/MarkAllRead block until closed
	marked   []string
	gotTypes []domain.NotificationType
}

func (f *fakeStore) ListUnread(ctx context.Context, types []domain.NotificationType, limit int) ([]domain.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotTypes = types
	if f.listErr != nil {
		return nil, f.listErr
	}
	if len(f.page) > limit {
		return f.page[:limit], nil
	}
	return f.page, nil
}

func (f *fakeStore) MarkRead(ctx context.Context, id string) error {
	return f.MarkAllRead(ctx, []string{id})
}

func (f *fakeStore) MarkAllRead(ctx context.Context, ids []string) error {
	f.mu.Lock()
	release := f.release
	f.mu.Unlock()
	if release != nil {
		<-release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	f.marked = append(f.marked, ids...)
	return nil
}

func (f *fakeStore) markedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.marked...)
}

type memOutbox struct {
	mu  sync.Mutex
	ids []string
}

func (m *memOutbox) Enqueue(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids = append(m.ids, ids...)
	return nil
}

func (m *memOutbox) Pending(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.ids...), nil
}

func (m *memOutbox) Remove(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := m.ids[:0]
	for _, id := range m.ids {
		if !drop[id] {
			kept = append(kept, id)
		}
	}
	m.ids = kept
	return nil
}

type recordingPrompter struct {
	mu  sync.Mutex
	ids []string
}

func (p *recordingPrompter) Prompt(ctx context.Context, n domain.Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids = append(p.ids, n.ID)
	return nil
}

type failingPlayer struct{ calls chan string }

func (p failingPlayer) Play(ctx context.Context, sound string) error {
	p.calls <- sound
	return errors.New("no audio device")
}

func newTestReconciler(t *testing.T, opts Options) *Reconciler {
	t.Helper()
	opts.Logger = testNotifLogger()
	r, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(r.Close)
	return r
}

func note(id string, typ domain.NotificationType, p domain.Priority) domain.Notification {
	return domain.Notification{ID: id, Type: typ, Title: "t-" + id, Priority: p, CreatedAt: time.Now()}
}

func TestReconciler_HighPriorityInsertThenMarkRead(t *testing.T) {
	store := &fakeStore{release: make(chan struct{})}
	prompter := &recordingPrompter{}
	player := failingPlayer{calls: make(chan string, 1)}
	r := newTestReconciler(t, Options{Store: store, Role: domain.RoleLogistics, Prompter: prompter, Player: player})

	r.OnInsert(note("n1", domain.NotifyNewConversation, domain.PriorityHigh))
	s := r.Snapshot()
	if len(s.Notifications) != 1 || s.Unread != 1 {
		t.Fatalf("expected one unread, got %+v", s)
	}

	select {
	case sound := <-player.calls:
		if sound != "new_conversation.wav" {
			t.Errorf("unexpected sound %q", sound)
		}
	case <-time.After(time.Second):
		t.Fatal("audio cue not played")
	}

	r.MarkAsRead("n1")
	s = r.Snapshot()
	if len(s.Notifications) != 0 || s.Unread != 0 {
		t.Errorf("expected empty set while persistence pending, got %+v", s)
	}
	if len(store.markedIDs()) != 0 {
		t.Error("persistence should still be blocked")
	}

	close(store.release)
	r.Close()
	if got := store.markedIDs(); len(got) != 1 || got[0] != "n1" {
		t.Errorf("expected n1 persisted, got %v", got)
	}
	prompter.mu.Lock()
	defer prompter.mu.Unlock()
	if len(prompter.ids) != 1 {
		t.Errorf("expected one prompt, got %v", prompter.ids)
	}
}

func TestReconciler_CounterNeverNegative(t *testing.T) {
	r := newTestReconciler(t, Options{Store: &fakeStore{}, Role: domain.RoleAdmin})

	r.MarkAsRead("missing")
	r.OnInsert(note("a", domain.NotifySystem, domain.PriorityLow))
	r.MarkAsRead("a")
	r.MarkAsRead("a")

	s := r.Snapshot()
	if s.Unread != 0 || len(s.Notifications) != 0 {
		t.Errorf("expected zero, got %+v", s)
	}
}

func TestReconciler_MarkAllOnEmptySet(t *testing.T) {
	store := &fakeStore{}
	r := newTestReconciler(t, Options{Store: store, Role: domain.RoleAgent})

	r.MarkAllAsRead()
	if s := r.Snapshot(); s.Unread != 0 || len(s.Notifications) != 0 {
		t.Errorf("expected empty state, got %+v", s)
	}

	for _, id := range []string{"1", "2", "3"} {
		r.OnInsert(note(id, domain.NotifyAgentAssigned, domain.PriorityMedium))
	}
	r.MarkAllAsRead()
	if s := r.Snapshot(); s.Unread != 0 || len(s.Notifications) != 0 {
		t.Errorf("expected empty state, got %+v", s)
	}
	r.Close()
	if got := store.markedIDs(); len(got) != 3 {
		t.Errorf("expected one batch of 3 ids, got %v", got)
	}
}

func TestReconciler_InsertOrderingAndDuplicates(t *testing.T) {
	r := newTestReconciler(t, Options{Store: &fakeStore{}, Role: domain.RoleAdmin})

	r.OnInsert(note("1", domain.NotifySystem, domain.PriorityLow))
	r.OnInsert(note("2", domain.NotifySystem, domain.PriorityLow))
	r.OnInsert(note("1", domain.NotifySystem, domain.PriorityLow))
	already := note("3", domain.NotifySystem, domain.PriorityLow)
	already.Read = true
	r.OnInsert(already)

	s := r.Snapshot()
	if s.Unread != 2 || len(s.Notifications) != 2 {
		t.Fatalf("expected 2 unread, got %+v", s)
	}
	if s.Notifications[0].ID != "2" {
		t.Errorf("expected newest first, got %s", s.Notifications[0].ID)
	}
}

func TestReconciler_FetchReplacesSetAndFiltersJournaled(t *testing.T) {
	store := &fakeStore{
		page: []domain.Notification{
			note("a", domain.NotifyOrderStatus, domain.PriorityLow),
			note("b", domain.NotifyOrderStatus, domain.PriorityLow),
			note("c", domain.NotifyOrderStatus, domain.PriorityLow),
		},
		markErr: errors.New("backend down"),
	}
	outbox := &memOutbox{ids: []string{"b"}}
	r := newTestReconciler(t, Options{Store: store, Role: domain.RoleLogistics, Outbox: outbox})
	r.OnInsert(note("stale", domain.NotifyOrderStatus, domain.PriorityLow))

	if err := r.FetchUnread(context.Background()); err != nil {
		t.Fatalf("FetchUnread: %v", err)
	}
	s := r.Snapshot()
	if s.Unread != 2 || len(s.Notifications) != 2 {
		t.Fatalf("expected a and c, got %+v", s)
	}
	for _, n := range s.Notifications {
		if n.ID == "b" || n.ID == "stale" {
			t.Errorf("unexpected %s in working set", n.ID)
		}
	}
	store.mu.Lock()
	types := store.gotTypes
	store.mu.Unlock()
	if len(types) != 3 {
		t.Errorf("expected logistics types passed to the store, got %v", types)
	}

	store.mu.Lock()
	store.markErr = nil
	store.mu.Unlock()
	r.FetchUnread(context.Background())
	if pending, _ := outbox.Pending(context.Background()); len(pending) != 0 {
		t.Errorf("expected outbox drained, got %v", pending)
	}
	if got := store.markedIDs(); len(got) != 1 || got[0] != "b" {
		t.Errorf("expected journaled b re-sent, got %v", got)
	}
}

func TestReconciler_FailedAckIsJournaledNotRolledBack(t *testing.T) {
	store := &fakeStore{markErr: errors.New("500")}
	outbox := &memOutbox{}
	r := newTestReconciler(t, Options{Store: store, Role: domain.RoleAdmin, Outbox: outbox})

	r.OnInsert(note("x", domain.NotifySystem, domain.PriorityLow))
	r.MarkAsRead("x")
	r.Close()

	if s := r.Snapshot(); s.Unread != 0 {
		t.Errorf("optimistic removal rolled back: %+v", s)
	}
	pending, _ := outbox.Pending(context.Background())
	if len(pending) != 1 || pending[0] != "x" {
		t.Errorf("expected x journaled, got %v", pending)
	}
}

func TestReconciler_FetchFailureKeepsSet(t *testing.T) {
	store := &fakeStore{listErr: errors.New("timeout")}
	r := newTestReconciler(t, Options{Store: store, Role: domain.RoleAdmin})
	r.OnInsert(note("keep", domain.NotifySystem, domain.PriorityLow))

	if err := r.FetchUnread(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	s := r.Snapshot()
	if s.Error == "" || s.Unread != 1 {
		t.Errorf("expected sticky error and kept set, got %+v", s)
	}
}

func TestReconciler_ReadElsewhereRemoves(t *testing.T) {
	r := newTestReconciler(t, Options{Store: &fakeStore{}, Role: domain.RoleAdmin})
	n := note("n", domain.NotifySystem, domain.PriorityLow)
	r.OnInsert(n)

	n.Read = true
	r.ApplyChange(domain.Change[domain.Notification]{Kind: domain.ChangeUpdate, New: &n})
	if s := r.Snapshot(); s.Unread != 0 || len(s.Notifications) != 0 {
		t.Errorf("expected removal, got %+v", s)
	}
}

func TestNew_UnknownRoleRejected(t *testing.T) {
	if _, err := New(Options{Role: "intern", Logger: testNotifLogger()}); !errors.Is(err, ErrUnknownRole) {
		t.Errorf("expected ErrUnknownRole, got %v", err)
	}
}

// roleStore serves a different page per role. Fetches for the logistics
// types block on gate.
type roleStore struct {
	fakeStore
	entered chan struct{}
	gate    chan struct{}
}

func (s *roleStore) ListUnread(ctx context.Context, types []domain.NotificationType, limit int) ([]domain.Notification, error) {
	for _, typ := range types {
		if typ == domain.NotifyOrderStatus {
			s.entered <- struct{}{}
			<-s.gate
			return []domain.Notification{note("parcel", domain.NotifyOrderStatus, domain.PriorityLow)}, nil
		}
	}
	return []domain.Notification{note("chat", domain.NotifyAgentAssigned, domain.PriorityLow)}, nil
}

func TestReconciler_StaleFetchAfterSetRoleDiscarded(t *testing.T) {
	store := &roleStore{entered: make(chan struct{}, 1), gate: make(chan struct{})}
	r := newTestReconciler(t, Options{Store: store, Role: domain.RoleLogistics})

	done := make(chan error, 1)
	go func() { done <- r.FetchUnread(context.Background()) }()
	select {
	case <-store.entered:
	case <-time.After(time.Second):
		t.Fatal("logistics fetch never started")
	}

	if err := r.SetRole(context.Background(), domain.RoleAgent); err != nil {
		t.Fatalf("SetRole: %v", err)
	}
	close(store.gate)
	if err := <-done; err != nil {
		t.Fatalf("stale FetchUnread: %v", err)
	}

	s := r.Snapshot()
	if s.Role != domain.RoleAgent {
		t.Errorf("expected agent role, got %q", s.Role)
	}
	if len(s.Notifications) != 1 || s.Notifications[0].ID != "chat" || s.Unread != 1 {
		t.Errorf("expected the agent page only, got %+v", s)
	}
}

func TestReconciler_SubscriptionFilterAndSetRole(t *testing.T) {
	mt := realtime.NewMemoryTransport(8, testNotifLogger())
	a := realtime.NewAdapter(mt, testNotifLogger())
	defer a.Close()
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	r := newTestReconciler(t, Options{Store: &fakeStore{}, Role: domain.RoleLogistics})
	changed := make(chan struct{}, 8)
	r.OnChange(func() { changed <- struct{}{} })
	if err := r.Start(a); err != nil {
		t.Fatalf("Start: %v", err)
	}

	publish := func(id, typ string) {
		mt.Publish(domain.RawChange{Table: domain.TableNotifications, Kind: domain.ChangeInsert,
			New: json.RawMessage(`{"id":"` + id + `","type":"` + typ + `","priority":"low"}`)})
	}
	publish("hidden", "agent_assigned")
	publish("shown", "order_status")

	select {
	case <-changed:
	case <-time.After(time.Second):
		t.Fatal("no insert delivered")
	}
	s := r.Snapshot()
	if len(s.Notifications) != 1 || s.Notifications[0].ID != "shown" {
		t.Fatalf("expected only the routed type, got %+v", s.Notifications)
	}

	if err := r.SetRole(context.Background(), domain.RoleAgent); err != nil {
		t.Fatalf("SetRole: %v", err)
	}
	if r.Role() != domain.RoleAgent {
		t.Errorf("role not switched")
	}
	if a.Subscriptions() != 1 {
		t.Errorf("expected exactly one subscription after SetRole, got %d", a.Subscriptions())
	}
	if err := r.SetRole(context.Background(), "guest"); !errors.Is(err, ErrUnknownRole) {
		t.Errorf("expected ErrUnknownRole, got %v", err)
	}
}
