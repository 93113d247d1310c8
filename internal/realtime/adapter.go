// Package realtime delivers change-data-capture events to in-process
// listeners. An Adapter wraps one Transport and fans each row change out to
// the handlers subscribed to its table.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"opsdash/internal/domain"
	"opsdash/internal/metrics"

	"github.com/google/uuid"
)

const joinTimeout = 10 * time.Second

// Transport is the change-data-capture connection behind an Adapter.
// Changes must be closed once the transport stops; Err then reports why.
type Transport interface {
	Connect(ctx context.Context) error
	Join(ctx context.Context, table domain.Table) error
	Leave(ctx context.Context, table domain.Table) error
	Changes() <-chan domain.RawChange
	Err() error
	Close() error
}

// Handler receives every change on its table that matches its filter.
// Returning an error drops the change; it never ends the subscription.
type Handler func(domain.RawChange) error

// Handle identifies one subscription.
type Handle string

// Subscriber is the part of an Adapter that reconcilers depend on.
type Subscriber interface {
	Subscribe(table domain.Table, filter Filter, handler Handler) (Handle, error)
	Unsubscribe(h Handle)
}

type subscription struct {
	handle  Handle
	table   domain.Table
	filter  Filter
	handler Handler
}

// Adapter is a table-keyed publish/subscribe front for a Transport.
// Handlers run sequentially on a single pump goroutine in transport order.
type Adapter struct {
	transport Transport
	logger    *slog.Logger

	mu        sync.RWMutex
	subs      map[Handle]*subscription
	order     map[domain.Table][]Handle
	connected bool
	closed    bool
	err       error

	closeOnce sync.Once
	done      chan struct{}
}

// NewAdapter creates an Adapter over transport. Nothing is dialled until Connect.
func NewAdapter(transport Transport, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		transport: transport,
		logger:    logger,
		subs:      make(map[Handle]*subscription),
		order:     make(map[domain.Table][]Handle),
		done:      make(chan struct{}),
	}
}

// Connect dials the transport, joins every table that already has
// subscribers and starts delivering changes.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return errors.New("realtime: adapter closed")
	}
	if a.connected {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	if err := a.transport.Connect(ctx); err != nil {
		a.setErr(err)
		return fmt.Errorf("realtime connect: %w", err)
	}

	a.mu.Lock()
	a.connected = true
	tables := make([]domain.Table, 0, len(a.order))
	for table := range a.order {
		tables = append(tables, table)
	}
	a.mu.Unlock()

	for _, table := range tables {
		if err := a.transport.Join(ctx, table); err != nil {
			a.logger.Error("realtime join failed", "table", table, "err", err)
		}
	}

	go a.pump()
	a.logger.Info("realtime connected", "tables", len(tables))
	return nil
}

// Subscribe registers handler for changes on table matching filter.
// The first subscriber of a table joins it on the transport.
func (a *Adapter) Subscribe(table domain.Table, filter Filter, handler Handler) (Handle, error) {
	if handler == nil {
		return "", errors.New("realtime: nil handler")
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return "", errors.New("realtime: adapter closed")
	}
	h := Handle(uuid.NewString())
	a.subs[h] = &subscription{handle: h, table: table, filter: filter, handler: handler}
	first := len(a.order[table]) == 0
	a.order[table] = append(a.order[table], h)
	connected := a.connected
	a.mu.Unlock()

	metrics.Subscriptions.Inc()
	a.logger.Debug("realtime subscribed", "table", table, "filter", filter.String(), "handle", h)

	if first && connected {
		ctx, cancel := context.WithTimeout(context.Background(), joinTimeout)
		defer cancel()
		if err := a.transport.Join(ctx, table); err != nil {
			a.logger.Error("realtime join failed", "table", table, "err", err)
			return h, fmt.Errorf("join %s: %w", table, err)
		}
	}
	return h, nil
}

// Unsubscribe removes a subscription. Unknown or already-removed handles are ignored.
func (a *Adapter) Unsubscribe(h Handle) {
	a.mu.Lock()
	sub, ok := a.subs[h]
	if !ok {
		a.mu.Unlock()
		return
	}
	delete(a.subs, h)
	handles := a.order[sub.table]
	for i, other := range handles {
		if other == h {
			handles = append(handles[:i:i], handles[i+1:]...)
			break
		}
	}
	last := len(handles) == 0
	if last {
		delete(a.order, sub.table)
	} else {
		a.order[sub.table] = handles
	}
	leave := last && a.connected && !a.closed
	a.mu.Unlock()

	metrics.Subscriptions.Dec()
	a.logger.Debug("realtime unsubscribed", "table", sub.table, "handle", h)

	if leave {
		ctx, cancel := context.WithTimeout(context.Background(), joinTimeout)
		defer cancel()
		if err := a.transport.Leave(ctx, sub.table); err != nil {
			a.logger.Warn("realtime leave failed", "table", sub.table, "err", err)
		}
	}
}

// Close releases every subscription exactly once and closes the transport.
func (a *Adapter) Close() error {
	var closeErr error
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		released := len(a.subs)
		a.subs = make(map[Handle]*subscription)
		a.order = make(map[domain.Table][]Handle)
		connected := a.connected
		a.mu.Unlock()

		metrics.Subscriptions.Add(-int64(released))
		closeErr = a.transport.Close()
		if connected {
			<-a.done
		}
		a.logger.Info("realtime closed", "released", released)
	})
	return closeErr
}

// Err returns the sticky transport error, if the transport has failed.
func (a *Adapter) Err() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.err
}

// Subscriptions returns the number of live subscriptions.
func (a *Adapter) Subscriptions() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.subs)
}

func (a *Adapter) setErr(err error) {
	a.mu.Lock()
	a.err = err
	a.mu.Unlock()
}

func (a *Adapter) pump() {
	defer close(a.done)
	for change := range a.transport.Changes() {
		metrics.ChangesReceived.Inc()
		a.dispatch(change)
	}
	if err := a.transport.Err(); err != nil {
		a.setErr(err)
		a.logger.Error("realtime transport stopped", "err", err)
	}
}

// dispatch calls every matching handler for change, in subscription order.
func (a *Adapter) dispatch(change domain.RawChange) {
	a.mu.RLock()
	handles := a.order[change.Table]
	subs := make([]*subscription, 0, len(handles))
	for _, h := range handles {
		if sub, ok := a.subs[h]; ok {
			subs = append(subs, sub)
		}
	}
	a.mu.RUnlock()

	if len(subs) == 0 {
		return
	}

	for _, sub := range subs {
		if !sub.filter.Match(change) {
			continue
		}
		a.deliver(sub, change)
	}
}

func (a *Adapter) deliver(sub *subscription, change domain.RawChange) {
	defer func() {
		if r := recover(); r != nil {
			metrics.HandlerPanics.Inc()
			a.logger.Error("realtime handler panic", "table", change.Table, "handle", sub.handle, "panic", r)
		}
	}()
	if err := sub.handler(change); err != nil {
		if errors.Is(err, ErrMalformed) {
			metrics.ChangesDropped.Inc()
			a.logger.Warn("malformed change dropped", "table", change.Table, "kind", change.Kind, "err", err)
			return
		}
		a.logger.Error("change handler failed", "table", change.Table, "kind", change.Kind, "err", err)
	}
}

// Typed narrows raw changes with decode before handing them to handle.
func Typed[T any](decode func(domain.RawChange) (domain.Change[T], error), handle func(domain.Change[T])) Handler {
	return func(raw domain.RawChange) error {
		change, err := decode(raw)
		if err != nil {
			return err
		}
		handle(change)
		return nil
	}
}
