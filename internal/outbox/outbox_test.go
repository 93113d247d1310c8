package outbox

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func openTest(t *testing.T) (*SQLiteOutbox, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "outbox.db")
	o, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { o.Close() })
	return o, path
}

func TestOpen_MigratesToCurrentVersion(t *testing.T) {
	o, _ := openTest(t)
	v, err := getSchemaVersion(o.db)
	if err != nil {
		t.Fatal(err)
	}
	if v != schemaVersion {
		t.Errorf("expected schema version %d, got %d", schemaVersion, v)
	}
	if err := runMigrations(o.db, testLogger()); err != nil {
		t.Errorf("second run should be a no-op: %v", err)
	}
}

func TestEnqueuePendingRemove(t *testing.T) {
	o, _ := openTest(t)
	ctx := context.Background()

	if err := o.Enqueue(ctx, []string{"n1", "n2", ""}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := o.Enqueue(ctx, []string{"n1"}); err != nil {
		t.Fatalf("re-Enqueue: %v", err)
	}

	ids, err := o.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 pending ids, got %v", ids)
	}
	if n, _ := o.Attempts(ctx, "n1"); n != 2 {
		t.Errorf("expected 2 attempts for n1, got %d", n)
	}

	if err := o.Remove(ctx, []string{"n1"}); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	ids, _ = o.Pending(ctx)
	if len(ids) != 1 || ids[0] != "n2" {
		t.Errorf("expected [n2], got %v", ids)
	}
	if n, _ := o.Attempts(ctx, "n1"); n != 0 {
		t.Errorf("removed id should report 0 attempts, got %d", n)
	}
}

func TestOutbox_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.db")
	o, err := Open(path, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := o.Enqueue(context.Background(), []string{"keep"}); err != nil {
		t.Fatal(err)
	}
	o.Close()

	o2, err := Open(path, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer o2.Close()
	ids, _ := o2.Pending(context.Background())
	if len(ids) != 1 || ids[0] != "keep" {
		t.Errorf("expected journaled id after reopen, got %v", ids)
	}
}

func TestEmptyBatchesAreNoops(t *testing.T) {
	o, _ := openTest(t)
	if err := o.Enqueue(context.Background(), nil); err != nil {
		t.Error(err)
	}
	if err := o.Remove(context.Background(), nil); err != nil {
		t.Error(err)
	}
}
