// Package conversation keeps the dashboard's recency-ordered list of active
// conversations in step with the conversation_states and messages tables.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"opsdash/internal/domain"
	"opsdash/internal/realtime"
)

// ErrUnknownConversation is returned when selecting an id not in the list.
var ErrUnknownConversation = errors.New("unknown conversation")

const (
	defaultLoadLimit = 100

	// maxTrackedMessages bounds the incoming-message status memory; the
	// oldest ids are forgotten first.
	maxTrackedMessages = 10_000
)

// Options configures a Reconciler.
type Options struct {
	Source   domain.ConversationSource
	Platform domain.Platform // Load filter; empty loads every platform
	Limit    int

	// StrictVersioning rejects payloads whose version is lower than the
	// held one. Off means last write wins.
	StrictVersioning bool

	Logger *slog.Logger
}

// Snapshot is a deep copy of the reconciled state.
type Snapshot struct {
	Conversations []domain.ConversationState `json:"conversations"`
	Selected      string                     `json:"selected,omitempty"`
	Error         string                     `json:"error,omitempty"`
}

// trackedMessage remembers what the reconciler last saw of an incoming message.
type trackedMessage struct {
	conversationID string
	status         domain.MessageStatus
}

// Reconciler owns the conversation list. All methods are safe for
// concurrent use; mutations are serialized by one mutex.
type Reconciler struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	list     []domain.ConversationState
	incoming *domain.Ledger[string, trackedMessage]
	selected string
	err      string
	onChange func()

	subMu   sync.Mutex
	sub     realtime.Subscriber
	handles []realtime.Handle
}

func New(opts Options) *Reconciler {
	if opts.Limit <= 0 {
		opts.Limit = defaultLoadLimit
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Reconciler{
		opts:     opts,
		logger:   opts.Logger,
		incoming: domain.NewLedger[string, trackedMessage](maxTrackedMessages),
	}
}

// OnChange registers fn to run after every mutation. fn runs without the
// reconciler's lock held and may call Snapshot.
func (r *Reconciler) OnChange(fn func()) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// Start subscribes to conversation_states and messages.
func (r *Reconciler) Start(sub realtime.Subscriber) error {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	if r.sub != nil {
		return errors.New("conversation reconciler already started")
	}

	convH, err := sub.Subscribe(domain.TableConversations, realtime.Filter{},
		realtime.Typed(realtime.DecodeConversation, r.ApplyConversationEvent))
	if err != nil {
		if convH != "" {
			sub.Unsubscribe(convH)
		}
		return fmt.Errorf("subscribe %s: %w", domain.TableConversations, err)
	}
	msgH, err := sub.Subscribe(domain.TableMessages, realtime.Filter{},
		realtime.Typed(realtime.DecodeMessage, r.ApplyMessageChange))
	if err != nil {
		sub.Unsubscribe(convH)
		if msgH != "" {
			sub.Unsubscribe(msgH)
		}
		return fmt.Errorf("subscribe %s: %w", domain.TableMessages, err)
	}

	r.sub = sub
	r.handles = []realtime.Handle{convH, msgH}
	return nil
}

// Stop releases the subscriptions taken by Start. Safe to call more than once.
func (r *Reconciler) Stop() {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	if r.sub == nil {
		return
	}
	for _, h := range r.handles {
		r.sub.Unsubscribe(h)
	}
	r.sub, r.handles = nil, nil
}

// Load replaces the list with the backend's current view. On failure the
// list is kept and the error is held until the next successful load.
func (r *Reconciler) Load(ctx context.Context) error {
	if r.opts.Source == nil {
		return errors.New("conversation reconciler has no source")
	}
	convs, err := r.opts.Source.ListConversations(ctx, r.opts.Platform, r.opts.Limit)

	r.mu.Lock()
	if err != nil {
		r.err = err.Error()
		r.mu.Unlock()
		r.logger.Error("conversation load failed", "err", err)
		r.changed()
		return fmt.Errorf("load conversations: %w", err)
	}

	byKey := make(map[string]int, len(convs))
	list := make([]domain.ConversationState, 0, len(convs))
	for _, c := range convs {
		if c.ID == "" {
			r.logger.Warn("conversation without id skipped")
			continue
		}
		c.Contact = domain.NormalizeContact(c.Contact)
		k := contactKey(c.Platform, c.Contact)
		if i, ok := byKey[k]; ok {
			if c.LastInteraction().After(list[i].LastInteraction()) {
				list[i] = c
			}
			continue
		}
		byKey[k] = len(list)
		list = append(list, c)
	}
	r.list = list
	r.err = ""
	r.sortLocked()
	if r.selected != "" && r.indexLocked(r.selected) < 0 {
		r.selected = ""
	}
	n := len(r.list)
	r.mu.Unlock()

	r.logger.Info("conversations loaded", "count", n)
	r.changed()
	return nil
}

// ApplyConversationEvent merges one conversation_states change. Inserts for
// known ids and updates for unknown ids both upsert.
func (r *Reconciler) ApplyConversationEvent(c domain.Change[domain.ConversationPatch]) {
	p := c.Entity()
	if p == nil || p.ID == "" {
		r.logger.Warn("conversation change without id ignored", "kind", c.Kind)
		return
	}

	r.mu.Lock()
	mutated := false
	switch c.Kind {
	case domain.ChangeDelete:
		mutated = r.removeLocked(p.ID)
	case domain.ChangeInsert, domain.ChangeUpdate:
		if c.New == nil {
			r.mu.Unlock()
			r.logger.Warn("conversation change without record ignored", "kind", c.Kind, "id", p.ID)
			return
		}
		mutated = r.upsertLocked(*c.New)
	default:
		r.mu.Unlock()
		r.logger.Warn("unknown conversation change ignored", "kind", c.Kind, "id", p.ID)
		return
	}
	if mutated {
		r.sortLocked()
	}
	r.mu.Unlock()

	if mutated {
		r.changed()
	}
}

func (r *Reconciler) upsertLocked(p domain.ConversationPatch) bool {
	i := r.indexLocked(p.ID)
	if i < 0 {
		next := p.Apply(domain.ConversationState{})
		// A fresh record for the same contact replaces the previous one.
		if next.Contact != "" {
			if j := r.contactIndexLocked(next.Platform, next.Contact); j >= 0 {
				r.logger.Debug("conversation superseded", "old", r.list[j].ID, "new", next.ID)
				r.dropLocked(j)
			}
		}
		r.list = append(r.list, next)
		return true
	}

	held := r.list[i]
	if r.opts.StrictVersioning && p.Version != nil && *p.Version > 0 && held.Version > *p.Version {
		r.logger.Debug("stale conversation change rejected", "id", p.ID, "held", held.Version, "got", *p.Version)
		return false
	}
	next := p.Apply(held)
	if equalState(held, next) {
		return false
	}
	r.list[i] = next
	return true
}

func (r *Reconciler) removeLocked(id string) bool {
	i := r.indexLocked(id)
	if i < 0 {
		return false
	}
	r.dropLocked(i)
	return true
}

func (r *Reconciler) dropLocked(i int) {
	id := r.list[i].ID
	r.list = append(r.list[:i:i], r.list[i+1:]...)
	r.incoming.Range(func(msgID string, tm trackedMessage) bool {
		if tm.conversationID == id {
			r.incoming.Delete(msgID)
		}
		return true
	})
	if r.selected == id {
		r.selected = ""
	}
}

// ApplyMessageChange routes a messages change: inserts update the owning
// conversation, updates may mark an incoming message read.
func (r *Reconciler) ApplyMessageChange(c domain.Change[domain.Message]) {
	switch c.Kind {
	case domain.ChangeInsert:
		if c.New != nil {
			r.ApplyMessageInsert(*c.New)
		}
	case domain.ChangeUpdate:
		if c.New != nil {
			r.applyMessageUpdate(*c.New, c.Old)
		}
	}
}

// ApplyMessageInsert attaches m to its conversation. Messages that match no
// conversation are dropped. It reports whether a conversation changed.
func (r *Reconciler) ApplyMessageInsert(m domain.Message) bool {
	if m.ID == "" {
		r.logger.Warn("message without id ignored")
		return false
	}

	r.mu.Lock()
	if _, seen := r.incoming.Get(m.ID); seen {
		r.mu.Unlock()
		return false
	}
	i := r.matchLocked(m)
	if i < 0 {
		r.mu.Unlock()
		r.logger.Debug("message without conversation dropped", "id", m.ID, "platform", m.Platform)
		return false
	}

	conv := &r.list[i]
	if m.CreatedAt.After(conv.LastMessageAt) {
		conv.LastMessage = m.Content
		conv.LastMessageAt = m.CreatedAt
	}
	if m.Incoming() {
		r.incoming.Put(m.ID, trackedMessage{conversationID: conv.ID, status: m.Status})
		if m.Status != domain.MessageRead {
			conv.UnreadCount++
		}
	}
	r.sortLocked()
	r.mu.Unlock()

	r.changed()
	return true
}

func (r *Reconciler) applyMessageUpdate(m domain.Message, old *domain.Message) {
	if !m.Incoming() || m.Status != domain.MessageRead {
		r.trackStatus(m)
		return
	}

	r.mu.Lock()
	prev, tracked := r.incoming.Get(m.ID)
	var before domain.MessageStatus
	switch {
	case tracked:
		before = prev.status
	case old != nil && old.Status.Known():
		before = old.Status
	default:
		// Nothing says this message was ever counted as unread.
		r.mu.Unlock()
		return
	}
	if !before.CanAdvance(m.Status) {
		r.mu.Unlock()
		return
	}

	var i int
	if tracked {
		i = r.indexLocked(prev.conversationID)
	} else {
		i = r.matchLocked(m)
	}
	if i < 0 {
		r.mu.Unlock()
		return
	}
	r.incoming.Put(m.ID, trackedMessage{conversationID: r.list[i].ID, status: domain.MessageRead})
	changed := r.list[i].UnreadCount > 0
	if changed {
		r.list[i].UnreadCount--
	}
	r.mu.Unlock()

	if changed {
		r.changed()
	}
}

func (r *Reconciler) trackStatus(m domain.Message) {
	if !m.Incoming() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if tm, ok := r.incoming.Get(m.ID); ok && tm.status.CanAdvance(m.Status) {
		tm.status = m.Status
		r.incoming.Put(m.ID, tm)
	}
}

// matchLocked finds the conversation a message belongs to: by
// conversation_id when present, else by contact on the same platform.
func (r *Reconciler) matchLocked(m domain.Message) int {
	if m.ConversationID != "" {
		if i := r.indexLocked(m.ConversationID); i >= 0 {
			return i
		}
	}
	for i, c := range r.list {
		if m.Platform != "" && c.Platform != m.Platform {
			continue
		}
		if c.Contact != "" && (c.Contact == m.Sender || c.Contact == m.Receiver) {
			return i
		}
	}
	return -1
}

// Select records the conversation the operator has open. It does not
// touch the list.
func (r *Reconciler) Select(id string) error {
	r.mu.Lock()
	if r.indexLocked(id) < 0 {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownConversation, id)
	}
	changed := r.selected != id
	r.selected = id
	r.mu.Unlock()

	if changed {
		r.changed()
	}
	return nil
}

func (r *Reconciler) ClearSelection() {
	r.mu.Lock()
	changed := r.selected != ""
	r.selected = ""
	r.mu.Unlock()

	if changed {
		r.changed()
	}
}

// Snapshot returns a copy that shares nothing with the reconciler.
func (r *Reconciler) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := Snapshot{
		Conversations: make([]domain.ConversationState, len(r.list)),
		Selected:      r.selected,
		Error:         r.err,
	}
	for i, c := range r.list {
		if c.StatusPayload != nil {
			c.StatusPayload = append([]byte(nil), c.StatusPayload...)
		}
		out.Conversations[i] = c
	}
	return out
}

// Get returns the conversation with id, if held.
func (r *Reconciler) Get(id string) (domain.ConversationState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexLocked(id)
	if i < 0 {
		return domain.ConversationState{}, false
	}
	return r.list[i], true
}

func (r *Reconciler) indexLocked(id string) int {
	for i := range r.list {
		if r.list[i].ID == id {
			return i
		}
	}
	return -1
}

func (r *Reconciler) contactIndexLocked(platform domain.Platform, contact string) int {
	for i := range r.list {
		if r.list[i].Platform == platform && r.list[i].Contact == contact {
			return i
		}
	}
	return -1
}

// sortLocked orders by last interaction, newest first; ties by id.
func (r *Reconciler) sortLocked() {
	sort.SliceStable(r.list, func(i, j int) bool {
		a, b := r.list[i].LastInteraction(), r.list[j].LastInteraction()
		if !a.Equal(b) {
			return a.After(b)
		}
		return r.list[i].ID < r.list[j].ID
	})
}

func (r *Reconciler) changed() {
	r.mu.Lock()
	fn := r.onChange
	r.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func contactKey(p domain.Platform, contact string) string {
	return string(p) + "\x00" + contact
}

func equalState(a, b domain.ConversationState) bool {
	return a.ID == b.ID &&
		a.Platform == b.Platform &&
		a.Contact == b.Contact &&
		a.ContactName == b.ContactName &&
		a.Status == b.Status &&
		a.StateUpdatedAt.Equal(b.StateUpdatedAt) &&
		a.LastMessage == b.LastMessage &&
		a.LastMessageAt.Equal(b.LastMessageAt) &&
		a.UnreadCount == b.UnreadCount &&
		a.Version == b.Version &&
		string(a.StatusPayload) == string(b.StatusPayload)
}
