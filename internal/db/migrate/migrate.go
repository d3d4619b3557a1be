// Package migrate applies versioned, checksummed schema migrations and
// records them in the append-only s_schema_version ledger.
package migrate

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/parley/parley/internal/common/logger"
	"github.com/parley/parley/internal/db/dialect"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationFS embed.FS

// scriptNamePattern matches NNN_description.sql migration filenames.
var scriptNamePattern = regexp.MustCompile(`^(\d{3})_([a-z0-9_]+)\.sql$`)

// Script is one migration unit: a version, its human description, the DDL
// statements, and the content checksum recorded in the ledger.
type Script struct {
	Version     string
	Description string
	Checksum    string
	SQL         string
}

// LedgerRow is one applied-migration record.
type LedgerRow struct {
	Version     string    `db:"version"`
	Description string    `db:"description"`
	Checksum    string    `db:"checksum"`
	AppliedAt   time.Time `db:"applied_at"`
	AppliedBy   string    `db:"applied_by"`
}

// Migrator applies pending migration scripts against a single database.
type Migrator struct {
	db        *sqlx.DB
	log       *logger.Logger
	appliedBy string
	scripts   []Script
}

// New creates a Migrator for the given writer connection. Scripts are chosen
// by the connection's driver (sqlite3 or pgx).
func New(db *sqlx.DB, log *logger.Logger) (*Migrator, error) {
	scripts, err := loadScripts(db.DriverName())
	if err != nil {
		return nil, err
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	return &Migrator{
		db:        db,
		log:       log,
		appliedBy: fmt.Sprintf("parley@%s", hostname),
		scripts:   scripts,
	}, nil
}

// loadScripts reads the embedded scripts for one dialect, sorted by version.
func loadScripts(driver string) ([]Script, error) {
	dir := "migrations/sqlite"
	if dialect.IsPostgres(driver) {
		dir = "migrations/postgres"
	}

	entries, err := migrationFS.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	var scripts []Script
	for _, entry := range entries {
		match := scriptNamePattern.FindStringSubmatch(entry.Name())
		if match == nil {
			return nil, fmt.Errorf("migration %q does not match NNN_description.sql", entry.Name())
		}

		content, err := migrationFS.ReadFile(path.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %q: %w", entry.Name(), err)
		}

		sum := sha256.Sum256(content)
		scripts = append(scripts, Script{
			Version:     match[1],
			Description: strings.ReplaceAll(match[2], "_", " "),
			Checksum:    hex.EncodeToString(sum[:]),
			SQL:         string(content),
		})
	}

	sort.Slice(scripts, func(i, j int) bool { return scripts[i].Version < scripts[j].Version })

	for i := 1; i < len(scripts); i++ {
		if scripts[i].Version == scripts[i-1].Version {
			return nil, fmt.Errorf("duplicate migration version %s", scripts[i].Version)
		}
	}
	return scripts, nil
}

// Migrate applies every pending script in version order, one transaction per
// script including its ledger row. Re-running against an up-to-date ledger is
// a no-op. A checksum mismatch on an already-applied version aborts.
func (m *Migrator) Migrate(ctx context.Context) error {
	if err := m.ensureLedger(ctx); err != nil {
		return err
	}

	applied, err := m.appliedRows(ctx)
	if err != nil {
		return err
	}

	pending := 0
	for _, script := range m.scripts {
		if row, ok := applied[script.Version]; ok {
			if row.Checksum != script.Checksum {
				return fmt.Errorf("migration %s: checksum mismatch (ledger %s, script %s)",
					script.Version, row.Checksum, script.Checksum)
			}
			continue
		}
		if err := m.apply(ctx, script); err != nil {
			return err
		}
		pending++
	}

	if pending > 0 {
		m.log.Info("schema migrations applied", zap.Int("count", pending))
	}
	return nil
}

// apply runs one script and its ledger insert inside a single transaction.
func (m *Migrator) apply(ctx context.Context, script Script) error {
	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migration %s: begin: %w", script.Version, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range splitStatements(script.SQL) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %s: %w", script.Version, err)
		}
	}

	insert := tx.Rebind(`INSERT INTO s_schema_version (version, description, checksum, applied_at, applied_by)
		VALUES (?, ?, ?, ?, ?)`)
	if _, err := tx.ExecContext(ctx, insert,
		script.Version, script.Description, script.Checksum, time.Now().UTC(), m.appliedBy); err != nil {
		return fmt.Errorf("migration %s: ledger insert: %w", script.Version, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migration %s: commit: %w", script.Version, err)
	}

	m.log.Debug("migration applied",
		zap.String("version", script.Version),
		zap.String("description", script.Description))
	return nil
}

// Rollback removes ledger rows with a version greater than the given one and
// returns how many were removed. Schema changes themselves are not reverted;
// undoing DDL is an operator task.
func (m *Migrator) Rollback(ctx context.Context, version string) (int64, error) {
	if err := m.ensureLedger(ctx); err != nil {
		return 0, err
	}

	res, err := m.db.ExecContext(ctx,
		m.db.Rebind(`DELETE FROM s_schema_version WHERE version > ?`), version)
	if err != nil {
		return 0, fmt.Errorf("rollback to %s: %w", version, err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if removed > 0 {
		m.log.Info("schema ledger rolled back",
			zap.String("to_version", version),
			zap.Int64("removed", removed))
	}
	return removed, nil
}

// CurrentVersion returns the newest applied version, or "" when the ledger
// is empty.
func (m *Migrator) CurrentVersion(ctx context.Context) (string, error) {
	if err := m.ensureLedger(ctx); err != nil {
		return "", err
	}

	var version string
	err := m.db.GetContext(ctx, &version,
		`SELECT version FROM s_schema_version ORDER BY version DESC LIMIT 1`)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("current version: %w", err)
	}
	return version, nil
}

// AppliedMigrations returns the full ledger in version order.
func (m *Migrator) AppliedMigrations(ctx context.Context) ([]LedgerRow, error) {
	if err := m.ensureLedger(ctx); err != nil {
		return nil, err
	}

	var rows []LedgerRow
	err := m.db.SelectContext(ctx, &rows,
		`SELECT version, description, checksum, applied_at, applied_by
		 FROM s_schema_version ORDER BY version ASC`)
	if err != nil {
		return nil, fmt.Errorf("list ledger: %w", err)
	}
	return rows, nil
}

// ensureLedger creates the ledger table when missing. The DDL is portable
// across both supported dialects.
func (m *Migrator) ensureLedger(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS s_schema_version (
			version TEXT PRIMARY KEY,
			description TEXT NOT NULL DEFAULT '',
			checksum TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL,
			applied_by TEXT NOT NULL DEFAULT ''
		)`)
	if err != nil {
		return fmt.Errorf("ensure ledger table: %w", err)
	}
	return nil
}

func (m *Migrator) appliedRows(ctx context.Context) (map[string]LedgerRow, error) {
	rows, err := m.AppliedMigrations(ctx)
	if err != nil {
		return nil, err
	}
	applied := make(map[string]LedgerRow, len(rows))
	for _, row := range rows {
		applied[row.Version] = row
	}
	return applied, nil
}

// splitStatements breaks a script into individual statements. The pgx stdlib
// driver rejects multi-statement Exec calls, so scripts are executed one
// statement at a time. Scripts contain plain DDL only, never procedure
// bodies, so splitting on ';' is safe.
func splitStatements(script string) []string {
	var statements []string
	for _, chunk := range strings.Split(script, ";") {
		stmt := stripSQLComments(chunk)
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		statements = append(statements, strings.TrimSpace(chunk))
	}
	return statements
}

// stripSQLComments removes -- line comments so comment-only chunks are not
// executed as empty statements.
func stripSQLComments(chunk string) string {
	var b strings.Builder
	for _, line := range strings.Split(chunk, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "--") {
			continue
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}
