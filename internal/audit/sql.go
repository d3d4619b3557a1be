package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/parley/parley/internal/db"
)

// SQLStore persists audit entries in s_audit_log.
type SQLStore struct {
	pool *db.Pool
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore creates an audit store backed by the given pool.
func NewSQLStore(pool *db.Pool) *SQLStore {
	return &SQLStore{pool: pool}
}

type auditRow struct {
	AuditID   int64     `db:"audit_id"`
	UserID    string    `db:"user_id"`
	SessionID string    `db:"session_id"`
	Action    string    `db:"action"`
	Detail    string    `db:"detail"`
	CreatedAt time.Time `db:"created_at"`
}

func (r *auditRow) toEntry() (*Entry, error) {
	entry := &Entry{
		ID:        r.AuditID,
		UserID:    r.UserID,
		SessionID: r.SessionID,
		Action:    r.Action,
		CreatedAt: r.CreatedAt,
	}
	if r.Detail != "" && r.Detail != "{}" {
		if err := json.Unmarshal([]byte(r.Detail), &entry.Detail); err != nil {
			return nil, fmt.Errorf("failed to deserialize audit detail: %w", err)
		}
	}
	return entry, nil
}

// Append writes one audit entry.
func (s *SQLStore) Append(ctx context.Context, entry *Entry) error {
	entry.CreatedAt = time.Now().UTC()

	detailJSON := "{}"
	if entry.Detail != nil {
		raw, err := json.Marshal(entry.Detail)
		if err != nil {
			return fmt.Errorf("failed to serialize audit detail: %w", err)
		}
		detailJSON = string(raw)
	}

	writer := s.pool.Writer()
	query := writer.Rebind(`
		INSERT INTO s_audit_log (user_id, session_id, action, detail, created_at)
		VALUES (?, ?, ?, ?, ?)
	`)
	_, err := writer.ExecContext(ctx, query,
		entry.UserID, entry.SessionID, entry.Action, detailJSON, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// List returns the user's newest entries, most recent first.
func (s *SQLStore) List(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}

	reader := s.pool.Reader()
	query := reader.Rebind(`
		SELECT audit_id, user_id, session_id, action, detail, created_at
		FROM s_audit_log
		WHERE user_id = ?
		ORDER BY audit_id DESC
		LIMIT ?
	`)

	var rows []auditRow
	if err := reader.SelectContext(ctx, &rows, query, userID, limit); err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}

	entries := make([]*Entry, 0, len(rows))
	for i := range rows {
		entry, err := rows[i].toEntry()
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Close is a no-op; the pool is owned by the caller.
func (s *SQLStore) Close() error { return nil }
