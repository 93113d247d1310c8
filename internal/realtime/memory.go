package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"opsdash/internal/domain"
)

const publishTimeout = 10 * time.Second

// MemoryTransport is a Go-channel transport for tests and recorded replays.
// Changes for tables nobody joined are discarded, as a server would.
type MemoryTransport struct {
	changes chan domain.RawChange
	joined  map[domain.Table]bool
	mu      sync.RWMutex
	closed  bool
	logger  *slog.Logger
}

// NewMemoryTransport creates a MemoryTransport with the given buffer size.
func NewMemoryTransport(bufferSize int, logger *slog.Logger) *MemoryTransport {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryTransport{
		changes: make(chan domain.RawChange, bufferSize),
		joined:  make(map[domain.Table]bool),
		logger:  logger,
	}
}

func (m *MemoryTransport) Connect(ctx context.Context) error { return nil }

func (m *MemoryTransport) Join(ctx context.Context, table domain.Table) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.joined[table] = true
	return nil
}

func (m *MemoryTransport) Leave(ctx context.Context, table domain.Table) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.joined, table)
	return nil
}

// Joined reports whether table currently has a server-side subscription.
func (m *MemoryTransport) Joined(table domain.Table) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.joined[table]
}

// Blocks up to 10 seconds if the buffer is full instead of dropping.
func (m *MemoryTransport) Publish(change domain.RawChange) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		m.logger.Warn("attempted to publish to closed transport")
		return
	}
	if !m.joined[change.Table] {
		m.logger.Debug("change for unjoined table discarded", "table", change.Table)
		return
	}

	select {
	case m.changes <- change:
	default:
		m.logger.Warn("memory transport full, waiting...", "table", change.Table)
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case m.changes <- change:
		case <-timer.C:
			m.logger.Error("change dropped: transport full for 10s", "table", change.Table, "kind", change.Kind)
		}
	}
}

func (m *MemoryTransport) Changes() <-chan domain.RawChange { return m.changes }

func (m *MemoryTransport) Err() error { return nil }

func (m *MemoryTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.closed {
		m.closed = true
		close(m.changes)
	}
	return nil
}
