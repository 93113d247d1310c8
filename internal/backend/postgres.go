package backend

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"opsdash/internal/domain"

	"github.com/lib/pq"
)

const postgresOperationTimeout = 10 * time.Second

type PostgresOptions struct {
	DSN    string
	Schema string // defaults to "public"
	Logger *slog.Logger
}

// Postgres answers the bulk queries straight from the database the CDC
// stream originates from. It implements domain.Backend.
type Postgres struct {
	dsn    string
	schema string
	logger *slog.Logger
	openDB func(driverName, dsn string) (*sql.DB, error)

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

var _ domain.Backend = (*Postgres)(nil)

func NewPostgres(opts PostgresOptions) (*Postgres, error) {
	dsn := strings.TrimSpace(opts.DSN)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	schema := strings.TrimSpace(opts.Schema)
	if schema == "" {
		schema = "public"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Postgres{
		dsn:    dsn,
		schema: schema,
		logger: opts.Logger,
		openDB: sql.Open,
	}, nil
}

func (p *Postgres) ensureReady() error {
	p.initOnce.Do(func() {
		db, err := p.openDB("postgres", p.dsn)
		if err != nil {
			p.initErr = err
			return
		}
		db.SetMaxOpenConns(4)
		db.SetConnMaxIdleTime(5 * time.Minute)
		pctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		if err := db.PingContext(pctx); err != nil {
			_ = db.Close()
			p.initErr = errors.Join(ErrTransport, err)
			return
		}
		p.db = db
	})
	return p.initErr
}

func (p *Postgres) table(t domain.Table) string {
	return pq.QuoteIdentifier(p.schema) + "." + pq.QuoteIdentifier(string(t))
}

func (p *Postgres) ListConversations(ctx context.Context, platform domain.Platform, limit int) ([]domain.ConversationState, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`
		SELECT id, platform, contact, COALESCE(contact_name, ''), status,
		       state_updated_at, COALESCE(last_message, ''), last_message_at,
		       COALESCE(unread_count, 0), COALESCE(version, 0), status_payload
		FROM %s
		WHERE ($1 = '' OR platform = $1)
		ORDER BY GREATEST(state_updated_at, COALESCE(last_message_at, state_updated_at)) DESC
		LIMIT $2`, p.table(domain.TableConversations))

	rows, err := p.db.QueryContext(ctx, query, string(platform), limit)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var out []domain.ConversationState
	for rows.Next() {
		var (
			c       domain.ConversationState
			lastAt  pq.NullTime
			payload []byte
		)
		if err := rows.Scan(&c.ID, &c.Platform, &c.Contact, &c.ContactName, &c.Status,
			&c.StateUpdatedAt, &c.LastMessage, &lastAt, &c.UnreadCount, &c.Version, &payload); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		if lastAt.Valid {
			c.LastMessageAt = lastAt.Time
		}
		if len(payload) > 0 {
			c.StatusPayload = json.RawMessage(payload)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *Postgres) ConversationStats(ctx context.Context) (domain.ConversationStats, error) {
	out := domain.ConversationStats{ByPlatform: map[domain.Platform]int{}}
	if err := p.ensureReady(); err != nil {
		return out, err
	}
	query := fmt.Sprintf(`
		SELECT platform,
		       COUNT(*),
		       COUNT(*) FILTER (WHERE status <> $1),
		       COALESCE(SUM(unread_count), 0)
		FROM %s
		GROUP BY platform`, p.table(domain.TableConversations))

	rows, err := p.db.QueryContext(ctx, query, string(domain.StatusOrderCompleted))
	if err != nil {
		return out, fmt.Errorf("query conversation stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			platform              string
			total, active, unread int
		)
		if err := rows.Scan(&platform, &total, &active, &unread); err != nil {
			return out, fmt.Errorf("scan conversation stats: %w", err)
		}
		out.ByPlatform[domain.Platform(platform)] = total
		out.Total += total
		out.Active += active
		out.Unread += unread
	}
	return out, rows.Err()
}

func (p *Postgres) CountOrders(ctx context.Context, status string) (int, error) {
	if err := p.ensureReady(); err != nil {
		return 0, err
	}
	var n int
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE ($1 = '' OR status = $1)`, p.table(domain.TableOrders))
	if err := p.db.QueryRowContext(ctx, query, status).Scan(&n); err != nil {
		return 0, fmt.Errorf("count orders: %w", err)
	}
	return n, nil
}

func (p *Postgres) CountUsers(ctx context.Context) (int, error) {
	if err := p.ensureReady(); err != nil {
		return 0, err
	}
	var n int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+p.table(domain.TableUsers)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

func (p *Postgres) ListUnread(ctx context.Context, types []domain.NotificationType, limit int) ([]domain.Notification, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	var names []string
	if len(types) > 0 {
		names = make([]string, len(types))
		for i, t := range types {
			names[i] = string(t)
		}
	}
	query := fmt.Sprintf(`
		SELECT id, type, COALESCE(title, ''), COALESCE(message, ''), COALESCE(priority, ''),
		       COALESCE(recipient_role, ''), COALESCE(recipient_id, ''), metadata, created_at
		FROM %s
		WHERE read = false AND ($1::text[] IS NULL OR type = ANY($1))
		ORDER BY created_at DESC
		LIMIT $2`, p.table(domain.TableNotifications))

	rows, err := p.db.QueryContext(ctx, query, pq.Array(names), limit)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var out []domain.Notification
	for rows.Next() {
		var (
			n        domain.Notification
			metadata []byte
		)
		if err := rows.Scan(&n.ID, &n.Type, &n.Title, &n.Message, &n.Priority,
			&n.RecipientRole, &n.RecipientID, &metadata, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		if len(metadata) > 0 {
			n.Metadata = json.RawMessage(metadata)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkRead(ctx context.Context, id string) error {
	return p.MarkAllRead(ctx, []string{id})
}

func (p *Postgres) MarkAllRead(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := p.ensureReady(); err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE %s SET read = true, read_at = NOW() WHERE id = ANY($1) AND read = false`,
		p.table(domain.TableNotifications))
	if _, err := p.db.ExecContext(ctx, query, pq.Array(ids)); err != nil {
		return fmt.Errorf("mark notifications read: %w", err)
	}
	return nil
}

// Ping opens the pool if needed and checks the connection.
func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	return p.db.PingContext(ctx)
}

func (p *Postgres) Close() error {
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}
