// Package outbox journals read acknowledgements the backend rejected so they
// can be re-sent on the next refresh.
package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"opsdash/internal/metrics"

	_ "modernc.org/sqlite"
)

// SQLiteOutbox is a notification.AckQueue backed by a local SQLite file.
type SQLiteOutbox struct {
	db     *sql.DB
	logger *slog.Logger
}

func Open(dbPath string, logger *slog.Logger) (*SQLiteOutbox, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create outbox directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open outbox: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := runMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("outbox migration failed: %w", err)
	}

	o := &SQLiteOutbox{db: db, logger: logger}
	o.refreshGauge(context.Background())
	return o, nil
}

// Enqueue journals ids. Re-enqueueing an id bumps its attempt count.
func (o *SQLiteOutbox) Enqueue(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin enqueue: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO pending_acks (notification_id, attempts, last_attempt_at)
		VALUES (?, 1, ?)
		ON CONFLICT(notification_id) DO UPDATE SET
			attempts = attempts + 1,
			last_attempt_at = excluded.last_attempt_at`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare enqueue: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, err := stmt.ExecContext(ctx, id, now); err != nil {
			tx.Rollback()
			return fmt.Errorf("enqueue %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit enqueue: %w", err)
	}
	o.refreshGauge(ctx)
	return nil
}

// Pending returns journaled ids, oldest first.
func (o *SQLiteOutbox) Pending(ctx context.Context) ([]string, error) {
	rows, err := o.db.QueryContext(ctx,
		`SELECT notification_id FROM pending_acks ORDER BY created_at, notification_id`)
	if err != nil {
		return nil, fmt.Errorf("query pending acks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (o *SQLiteOutbox) Remove(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := o.db.ExecContext(ctx,
		`DELETE FROM pending_acks WHERE notification_id IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("remove pending acks: %w", err)
	}
	o.refreshGauge(ctx)
	return nil
}

// Attempts reports how many times id has been journaled, 0 if absent.
func (o *SQLiteOutbox) Attempts(ctx context.Context, id string) (int, error) {
	var n int
	err := o.db.QueryRowContext(ctx,
		`SELECT attempts FROM pending_acks WHERE notification_id = ?`, id).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return n, err
}

func (o *SQLiteOutbox) Close() error {
	return o.db.Close()
}

func (o *SQLiteOutbox) refreshGauge(ctx context.Context) {
	var n int64
	if err := o.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_acks`).Scan(&n); err != nil {
		o.logger.Debug("outbox count failed", "err", err)
		return
	}
	metrics.PendingAcks.Set(n)
}
