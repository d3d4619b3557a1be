package message

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/parley/parley/internal/db"
)

// SQLStore provides relational message storage. The s_message table carries an
// autoincrement seq column; ordering by (created_at, seq) reproduces insertion
// order even when two messages land in the same clock tick.
type SQLStore struct {
	pool *db.Pool
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore creates a message store backed by the given pool.
func NewSQLStore(pool *db.Pool) *SQLStore {
	return &SQLStore{pool: pool}
}

type messageRow struct {
	MessageID string    `db:"message_id"`
	SessionID string    `db:"session_id"`
	UserID    string    `db:"user_id"`
	Role      string    `db:"role"`
	Content   string    `db:"content"`
	Metadata  string    `db:"metadata"`
	CreatedAt time.Time `db:"created_at"`
}

func (r *messageRow) toMessage() (*Message, error) {
	msg := &Message{
		ID:        r.MessageID,
		SessionID: r.SessionID,
		UserID:    r.UserID,
		Role:      Role(r.Role),
		Content:   r.Content,
		CreatedAt: r.CreatedAt,
	}
	if r.Metadata != "" && r.Metadata != "{}" {
		if err := json.Unmarshal([]byte(r.Metadata), &msg.Metadata); err != nil {
			return nil, fmt.Errorf("failed to deserialize message metadata: %w", err)
		}
	}
	return msg, nil
}

// SaveMessage appends a message to its session's history.
func (s *SQLStore) SaveMessage(ctx context.Context, msg *Message) (*Message, error) {
	stored := *msg
	stored.ID = uuid.New().String()
	stored.CreatedAt = time.Now().UTC()

	metadataJSON := "{}"
	if msg.Metadata != nil {
		raw, err := json.Marshal(msg.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize message metadata: %w", err)
		}
		metadataJSON = string(raw)
	}

	writer := s.pool.Writer()
	query := writer.Rebind(`
		INSERT INTO s_message (message_id, session_id, user_id, role, content, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := writer.ExecContext(ctx, query,
		stored.ID, stored.SessionID, stored.UserID, string(stored.Role), stored.Content, metadataJSON, stored.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to save message: %w", err)
	}
	return &stored, nil
}

// GetMessages returns a page of the session's history in saved order.
func (s *SQLStore) GetMessages(ctx context.Context, sessionID string, limit, offset int) ([]*Message, error) {
	if offset < 0 {
		offset = 0
	}
	// LIMIT -1 means unbounded in SQLite; PostgreSQL uses LIMIT ALL, which a
	// huge cap approximates portably.
	boundedLimit := limit
	if boundedLimit <= 0 {
		boundedLimit = int(^uint(0) >> 1)
	}

	reader := s.pool.Reader()
	query := reader.Rebind(`
		SELECT message_id, session_id, user_id, role, content, metadata, created_at
		FROM s_message
		WHERE session_id = ?
		ORDER BY created_at ASC, seq ASC
		LIMIT ? OFFSET ?
	`)
	var rows []messageRow
	if err := reader.SelectContext(ctx, &rows, query, sessionID, boundedLimit, offset); err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}

	result := make([]*Message, 0, len(rows))
	for i := range rows {
		msg, err := rows[i].toMessage()
		if err != nil {
			return nil, err
		}
		result = append(result, msg)
	}
	return result, nil
}

// CountMessages returns the session's message count.
func (s *SQLStore) CountMessages(ctx context.Context, sessionID string) (int, error) {
	reader := s.pool.Reader()
	query := reader.Rebind(`SELECT COUNT(*) FROM s_message WHERE session_id = ?`)
	var count int
	if err := reader.GetContext(ctx, &count, query, sessionID); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

// DeleteMessages removes the session's history.
func (s *SQLStore) DeleteMessages(ctx context.Context, sessionID string) (int, error) {
	writer := s.pool.Writer()
	query := writer.Rebind(`DELETE FROM s_message WHERE session_id = ?`)
	result, err := writer.ExecContext(ctx, query, sessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete messages: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check affected rows: %w", err)
	}
	return int(affected), nil
}

// Close is a no-op; the shared pool is owned by the caller.
func (s *SQLStore) Close() error {
	return nil
}
