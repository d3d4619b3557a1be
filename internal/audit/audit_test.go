package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/parley/parley/internal/bus"
	"github.com/parley/parley/internal/common/logger"
	"github.com/parley/parley/internal/db"
	"github.com/parley/parley/internal/db/migrate"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	conn, err := db.OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("failed to open SQLite database: %v", err)
	}
	sqlxDB := sqlx.NewDb(conn, "sqlite3")
	t.Cleanup(func() { _ = sqlxDB.Close() })

	migrator, err := migrate.New(sqlxDB, logger.Default())
	if err != nil {
		t.Fatalf("failed to create migrator: %v", err)
	}
	if err := migrator.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	return NewSQLStore(db.NewPool(sqlxDB, sqlxDB))
}

func TestSQLStore_AppendAndList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := &Entry{
		UserID:    "alice",
		SessionID: "s1",
		Action:    ActionTurnStarted,
		Detail:    map[string]any{"assistant_id": "helper"},
	}
	if err := store.Append(ctx, first); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.Append(ctx, &Entry{UserID: "alice", SessionID: "s1", Action: ActionHITLDecision}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.Append(ctx, &Entry{UserID: "bob", Action: ActionLogin}); err != nil {
		t.Fatalf("append: %v", err)
	}

	entries, err := store.List(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries for alice, got %d", len(entries))
	}
	// Newest first.
	if entries[0].Action != ActionHITLDecision || entries[1].Action != ActionTurnStarted {
		t.Errorf("unexpected order: %s, %s", entries[0].Action, entries[1].Action)
	}
	if entries[1].Detail["assistant_id"] != "helper" {
		t.Errorf("detail lost: %+v", entries[1].Detail)
	}
	if entries[0].CreatedAt.IsZero() {
		t.Error("created_at not set")
	}
}

func TestSQLStore_ListLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := store.Append(ctx, &Entry{UserID: "alice", Action: ActionTurnStarted}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	entries, err := store.List(ctx, "alice", 3)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("expected limit 3, got %d", len(entries))
	}
}

func TestRecorder_PublishesNotice(t *testing.T) {
	notifier := bus.NewMemoryBus(logger.Default())
	defer notifier.Close()

	received := make(chan *bus.Notice, 1)
	if _, err := notifier.Subscribe(bus.SubjectAuditRecorded, func(ctx context.Context, n *bus.Notice) error {
		received <- n
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	recorder := NewRecorder(newTestStore(t), notifier, logger.Default())
	recorder.Record(context.Background(), "alice", "s1", ActionSessionDeleted, nil)

	select {
	case notice := <-received:
		if notice.Data["action"] != ActionSessionDeleted || notice.Data["user_id"] != "alice" {
			t.Errorf("unexpected notice payload: %+v", notice.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("audit notice never published")
	}

	entries, err := recorder.List(context.Background(), "alice", 10)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one stored entry, got %d (err %v)", len(entries), err)
	}
}

func TestRecorder_NilStoreIsLogOnly(t *testing.T) {
	recorder := NewRecorder(nil, nil, logger.Default())
	recorder.Record(context.Background(), "alice", "", ActionLogin, nil)

	entries, err := recorder.List(context.Background(), "alice", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("nil store should hold nothing, got %d", len(entries))
	}
}
