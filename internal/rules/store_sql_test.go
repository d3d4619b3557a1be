package rules

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"

	"github.com/parley/parley/internal/common/apperr"
	"github.com/parley/parley/internal/common/logger"
	"github.com/parley/parley/internal/db"
	"github.com/parley/parley/internal/db/migrate"
)

func newTestSQLStore(t *testing.T) *SQLStore {
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

func TestSQLStore_RuleCRUD(t *testing.T) {
	store := newTestSQLStore(t)
	ctx := context.Background()

	created := rule("style", ScopeUser, withContent("Use tabs."), withOverride())
	created.UserID = "alice"
	created.Inclusion = IncludeFileMatch
	created.FileMatchPattern = "**/*.go"
	if err := store.Create(ctx, created); err != nil {
		t.Fatalf("failed to create rule: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected rule ID assigned")
	}

	got, err := store.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("failed to get rule: %v", err)
	}
	if got.Name != "style" || got.Scope != ScopeUser || !got.Override || !got.Enabled {
		t.Errorf("unexpected rule: %+v", got)
	}
	if got.FileMatchPattern != "**/*.go" || got.Inclusion != IncludeFileMatch {
		t.Errorf("expected inclusion fields to round-trip, got %+v", got)
	}

	got.Content = "Use spaces."
	got.Enabled = false
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("failed to update rule: %v", err)
	}
	updated, err := store.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("failed to re-get rule: %v", err)
	}
	if updated.Content != "Use spaces." || updated.Enabled {
		t.Errorf("expected update applied, got %+v", updated)
	}

	if err := store.Delete(ctx, created.ID); err != nil {
		t.Fatalf("failed to delete rule: %v", err)
	}
	if _, err := store.Get(ctx, created.ID); !apperr.IsNotFound(err) {
		t.Errorf("expected rule gone, got %v", err)
	}
	if err := store.Delete(ctx, created.ID); !apperr.IsNotFound(err) {
		t.Errorf("expected not-found on double delete, got %v", err)
	}
}

func TestSQLStore_CreateValidates(t *testing.T) {
	store := newTestSQLStore(t)

	bad := rule("broken", ScopeUser)
	bad.Inclusion = IncludeFileMatch // no pattern
	if err := store.Create(context.Background(), bad); err == nil {
		t.Error("expected validation error for file_match without a pattern")
	}
}

func TestSQLStore_LoadRulesScopesToUser(t *testing.T) {
	store := newTestSQLStore(t)
	ctx := context.Background()

	global := rule("house-style", ScopeGlobal)
	alice := rule("alice-style", ScopeUser)
	alice.UserID = "alice"
	bob := rule("bob-style", ScopeUser)
	bob.UserID = "bob"
	for _, r := range []*Rule{global, alice, bob} {
		if err := store.Create(ctx, r); err != nil {
			t.Fatalf("failed to create rule %s: %v", r.Name, err)
		}
	}

	rules, err := store.LoadRules(ctx, "alice")
	if err != nil {
		t.Fatalf("failed to load rules: %v", err)
	}
	names := make(map[string]bool)
	for _, r := range rules {
		names[r.Name] = true
	}
	if len(rules) != 2 || !names["house-style"] || !names["alice-style"] {
		t.Errorf("expected global plus alice's rules, got %v", names)
	}
	if names["bob-style"] {
		t.Error("expected bob's rules to stay invisible to alice")
	}
}

func TestSQLStore_WithEngine(t *testing.T) {
	store := newTestSQLStore(t)
	ctx := context.Background()

	stored := rule("persisted", ScopeGlobal, withContent("From the database."))
	if err := store.Create(ctx, stored); err != nil {
		t.Fatalf("failed to create rule: %v", err)
	}

	engine := NewEngine(store, DefaultEngineConfig(), nil, logger.Default())
	res, err := engine.Resolve(ctx, "alice", &Context{})
	if err != nil {
		t.Fatalf("failed to resolve: %v", err)
	}
	if len(res.Rules) != 1 || res.Rules[0].Name != "persisted" {
		t.Errorf("expected the stored rule resolved, got %+v", res.Rules)
	}
}
