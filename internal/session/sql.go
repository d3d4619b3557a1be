package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/parley/parley/internal/common/apperr"
	"github.com/parley/parley/internal/db"
)

// SQLStore provides relational session storage on top of a shared db.Pool.
// Reads go through the reader pool; writes serialize through the writer.
type SQLStore struct {
	pool *db.Pool
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore creates a session store backed by the given pool. The schema is
// expected to be in place (see internal/db/migrate).
func NewSQLStore(pool *db.Pool) *SQLStore {
	return &SQLStore{pool: pool}
}

// sessionRow is the s_session table shape; state and metadata are JSON text.
type sessionRow struct {
	SessionID   string    `db:"session_id"`
	UserID      string    `db:"user_id"`
	AssistantID string    `db:"assistant_id"`
	State       string    `db:"state"`
	Metadata    string    `db:"metadata"`
	CreatedAt   time.Time `db:"created_at"`
	LastActive  time.Time `db:"last_active"`
}

func (r *sessionRow) toSession() (*Session, error) {
	sess := &Session{
		ID:          r.SessionID,
		UserID:      r.UserID,
		AssistantID: r.AssistantID,
		State:       make(map[string]any),
		Metadata:    make(map[string]any),
		CreatedAt:   r.CreatedAt,
		LastActive:  r.LastActive,
	}
	if r.State != "" {
		if err := json.Unmarshal([]byte(r.State), &sess.State); err != nil {
			return nil, fmt.Errorf("failed to deserialize session state: %w", err)
		}
	}
	if r.Metadata != "" {
		if err := json.Unmarshal([]byte(r.Metadata), &sess.Metadata); err != nil {
			return nil, fmt.Errorf("failed to deserialize session metadata: %w", err)
		}
	}
	return sess, nil
}

const sessionColumns = "session_id, user_id, assistant_id, state, metadata, created_at, last_active"

// Create inserts a new session owned by userID.
func (s *SQLStore) Create(ctx context.Context, userID, assistantID string) (*Session, error) {
	now := time.Now().UTC()
	sess := &Session{
		ID:          uuid.New().String(),
		UserID:      userID,
		AssistantID: assistantID,
		State:       make(map[string]any),
		Metadata:    make(map[string]any),
		CreatedAt:   now,
		LastActive:  now,
	}

	writer := s.pool.Writer()
	query := writer.Rebind(`
		INSERT INTO s_session (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := writer.ExecContext(ctx, query,
		sess.ID, sess.UserID, sess.AssistantID, "{}", "{}", sess.CreatedAt, sess.LastActive)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return sess, nil
}

// Get retrieves a session by ID.
func (s *SQLStore) Get(ctx context.Context, id string) (*Session, error) {
	reader := s.pool.Reader()
	var row sessionRow
	query := reader.Rebind(`SELECT ` + sessionColumns + ` FROM s_session WHERE session_id = ?`)
	if err := reader.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.SessionNotFound(id)
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return row.toSession()
}

// Update replaces the session's state and metadata without touching
// last_active.
func (s *SQLStore) Update(ctx context.Context, session *Session) error {
	stateJSON, err := json.Marshal(session.State)
	if err != nil {
		return fmt.Errorf("failed to serialize session state: %w", err)
	}
	metadataJSON, err := json.Marshal(session.Metadata)
	if err != nil {
		return fmt.Errorf("failed to serialize session metadata: %w", err)
	}

	writer := s.pool.Writer()
	query := writer.Rebind(`UPDATE s_session SET state = ?, metadata = ? WHERE session_id = ?`)
	result, err := writer.ExecContext(ctx, query, string(stateJSON), string(metadataJSON), session.ID)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return requireSessionRow(result, session.ID)
}

// Touch sets last_active to now.
func (s *SQLStore) Touch(ctx context.Context, id string) error {
	writer := s.pool.Writer()
	query := writer.Rebind(`UPDATE s_session SET last_active = ? WHERE session_id = ?`)
	result, err := writer.ExecContext(ctx, query, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return requireSessionRow(result, id)
}

// Delete removes a session by ID.
func (s *SQLStore) Delete(ctx context.Context, id string) error {
	writer := s.pool.Writer()
	query := writer.Rebind(`DELETE FROM s_session WHERE session_id = ?`)
	result, err := writer.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return requireSessionRow(result, id)
}

// ListByUser returns the user's sessions, most recently active first.
func (s *SQLStore) ListByUser(ctx context.Context, userID string) ([]*Session, error) {
	return s.list(ctx, "user_id", userID)
}

// ListByAssistant returns the assistant's sessions, most recently active first.
func (s *SQLStore) ListByAssistant(ctx context.Context, assistantID string) ([]*Session, error) {
	return s.list(ctx, "assistant_id", assistantID)
}

func (s *SQLStore) list(ctx context.Context, column, value string) ([]*Session, error) {
	reader := s.pool.Reader()
	query := reader.Rebind(`
		SELECT ` + sessionColumns + ` FROM s_session
		WHERE ` + column + ` = ?
		ORDER BY last_active DESC
	`)
	var rows []sessionRow
	if err := reader.SelectContext(ctx, &rows, query, value); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	result := make([]*Session, 0, len(rows))
	for i := range rows {
		sess, err := rows[i].toSession()
		if err != nil {
			return nil, err
		}
		result = append(result, sess)
	}
	return result, nil
}

// CleanupExpired deletes sessions whose last_active is older than timeout and
// returns the deleted IDs. Selection and deletion run in one transaction so a
// concurrent Touch cannot revive a row that is reported deleted.
func (s *SQLStore) CleanupExpired(ctx context.Context, timeout time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-timeout)

	writer := s.pool.Writer()
	tx, err := writer.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin cleanup transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var ids []string
	selectQuery := tx.Rebind(`SELECT session_id FROM s_session WHERE last_active < ?`)
	if err := tx.SelectContext(ctx, &ids, selectQuery, cutoff); err != nil {
		return nil, fmt.Errorf("failed to find expired sessions: %w", err)
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	deleteQuery := tx.Rebind(`DELETE FROM s_session WHERE last_active < ?`)
	if _, err := tx.ExecContext(ctx, deleteQuery, cutoff); err != nil {
		return nil, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit cleanup: %w", err)
	}
	return ids, nil
}

// Close is a no-op; the shared pool is owned by the caller.
func (s *SQLStore) Close() error {
	return nil
}

func requireSessionRow(result sql.Result, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if affected == 0 {
		return apperr.SessionNotFound(id)
	}
	return nil
}
