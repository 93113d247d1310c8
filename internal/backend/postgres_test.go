package backend

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"opsdash/internal/domain"
)

func TestNewPostgres_Validation(t *testing.T) {
	if _, err := NewPostgres(PostgresOptions{DSN: "  "}); err == nil {
		t.Error("expected error for empty dsn")
	}
	p, err := NewPostgres(PostgresOptions{DSN: "postgres://localhost/x"})
	if err != nil {
		t.Fatal(err)
	}
	if got := p.table(domain.TableNotifications); got != `"public"."notifications"` {
		t.Errorf("unexpected qualified table %s", got)
	}
}

func TestPostgres_OpenFailureIsSticky(t *testing.T) {
	p, _ := NewPostgres(PostgresOptions{DSN: "postgres://localhost/x", Logger: testLogger()})
	calls := 0
	p.openDB = func(driver, dsn string) (*sql.DB, error) {
		calls++
		return nil, errors.New("driver missing")
	}
	if _, err := p.CountUsers(context.Background()); err == nil {
		t.Fatal("expected open error")
	}
	if err := p.MarkAllRead(context.Background(), []string{"x"}); err == nil {
		t.Fatal("expected open error")
	}
	if calls != 1 {
		t.Errorf("expected a single open attempt, got %d", calls)
	}
	if err := p.MarkAllRead(context.Background(), nil); err != nil {
		t.Errorf("empty batch should not touch the database: %v", err)
	}
}

func postgresTestDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("OPSDASH_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set OPSDASH_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func TestPostgres_Integration(t *testing.T) {
	dsn := postgresTestDSN(t)
	schema := "opsdash_test_" + strings.ReplaceAll(time.Now().Format("150405.000000"), ".", "")

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	ctx := context.Background()
	setup := []string{
		`CREATE SCHEMA ` + schema,
		`CREATE TABLE ` + schema + `.conversation_states (id text primary key, platform text, contact text, contact_name text,
			status text, state_updated_at timestamptz, last_message text, last_message_at timestamptz,
			unread_count int, version bigint, status_payload jsonb)`,
		`CREATE TABLE ` + schema + `.orders (id text primary key, status text)`,
		`CREATE TABLE ` + schema + `.users (id text primary key, role text)`,
		`CREATE TABLE ` + schema + `.notifications (id text primary key, type text, title text, message text, priority text,
			read boolean default false, read_at timestamptz, recipient_role text, recipient_id text, metadata jsonb,
			created_at timestamptz default now())`,
		`INSERT INTO ` + schema + `.conversation_states VALUES
			('c1','whatsapp','521','Ana','menu_principal',now(),'hola',now(),2,1,null),
			('c2','instagram','ig1','Bo','orden_completada',now() - interval '1 hour',null,null,0,1,null)`,
		`INSERT INTO ` + schema + `.orders VALUES ('o1','pending'),('o2','delivered'),('o3','pending')`,
		`INSERT INTO ` + schema + `.users VALUES ('u1','admin')`,
		`INSERT INTO ` + schema + `.notifications (id, type, title, priority) VALUES ('n1','system','a','high'),('n2','order_status','b','low')`,
	}
	for _, stmt := range setup {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			t.Fatalf("setup %q: %v", stmt, err)
		}
	}
	t.Cleanup(func() { db.Exec(`DROP SCHEMA ` + schema + ` CASCADE`) })

	p, err := NewPostgres(PostgresOptions{DSN: dsn, Schema: schema, Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	convs, err := p.ListConversations(ctx, "", 10)
	if err != nil || len(convs) != 2 || convs[0].ID != "c1" {
		t.Fatalf("ListConversations: %v %+v", err, convs)
	}
	stats, err := p.ConversationStats(ctx)
	if err != nil || stats.Total != 2 || stats.Active != 1 || stats.Unread != 2 {
		t.Errorf("ConversationStats: %v %+v", err, stats)
	}
	if n, err := p.CountOrders(ctx, domain.OrderStatusPending); err != nil || n != 2 {
		t.Errorf("CountOrders: %d %v", n, err)
	}
	if n, err := p.CountUsers(ctx); err != nil || n != 1 {
		t.Errorf("CountUsers: %d %v", n, err)
	}
	unread, err := p.ListUnread(ctx, []domain.NotificationType{domain.NotifySystem}, 10)
	if err != nil || len(unread) != 1 || unread[0].ID != "n1" {
		t.Errorf("ListUnread: %v %+v", err, unread)
	}
	if err := p.MarkRead(ctx, "n1"); err != nil {
		t.Fatal(err)
	}
	if all, _ := p.ListUnread(ctx, nil, 10); len(all) != 1 || all[0].ID != "n2" {
		t.Errorf("expected only n2 unread, got %+v", all)
	}
}
