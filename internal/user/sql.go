package user

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

// SQLStore provides relational profile storage on the s_user table.
type SQLStore struct {
	pool *db.Pool
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore creates a profile store backed by the given pool.
func NewSQLStore(pool *db.Pool) *SQLStore {
	return &SQLStore{pool: pool}
}

type profileRow struct {
	UserID       string    `db:"user_id"`
	Username     string    `db:"username"`
	DisplayName  string    `db:"display_name"`
	Email        string    `db:"email"`
	Department   string    `db:"department"`
	Role         string    `db:"role"`
	CustomFields string    `db:"custom_fields"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

func (r *profileRow) toProfile() (*Profile, error) {
	profile := &Profile{
		UserID:      r.UserID,
		Username:    r.Username,
		DisplayName: r.DisplayName,
		Email:       r.Email,
		Department:  r.Department,
		Role:        r.Role,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.CustomFields != "" && r.CustomFields != "{}" {
		if err := json.Unmarshal([]byte(r.CustomFields), &profile.CustomFields); err != nil {
			return nil, fmt.Errorf("failed to deserialize custom fields: %w", err)
		}
	}
	return profile, nil
}

const profileColumns = "user_id, username, display_name, email, department, role, custom_fields, created_at, updated_at"

// Create inserts a profile.
func (s *SQLStore) Create(ctx context.Context, profile *Profile) error {
	if profile.UserID == "" {
		profile.UserID = uuid.New().String()
	}
	now := time.Now().UTC()
	profile.CreatedAt = now
	profile.UpdatedAt = now

	customJSON, err := marshalCustomFields(profile.CustomFields)
	if err != nil {
		return err
	}

	writer := s.pool.Writer()
	query := writer.Rebind(`
		INSERT INTO s_user (` + profileColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err = writer.ExecContext(ctx, query,
		profile.UserID, profile.Username, profile.DisplayName, profile.Email,
		profile.Department, profile.Role, customJSON, profile.CreatedAt, profile.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create user profile: %w", err)
	}
	return nil
}

// Get retrieves a profile by user ID.
func (s *SQLStore) Get(ctx context.Context, userID string) (*Profile, error) {
	return s.getBy(ctx, "user_id", userID)
}

// GetByUsername retrieves a profile by its unique username.
func (s *SQLStore) GetByUsername(ctx context.Context, username string) (*Profile, error) {
	return s.getBy(ctx, "username", username)
}

func (s *SQLStore) getBy(ctx context.Context, column, value string) (*Profile, error) {
	reader := s.pool.Reader()
	query := reader.Rebind(`SELECT ` + profileColumns + ` FROM s_user WHERE ` + column + ` = ?`)
	var row profileRow
	if err := reader.GetContext(ctx, &row, query, value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("user", value)
		}
		return nil, fmt.Errorf("failed to get user profile: %w", err)
	}
	return row.toProfile()
}

// Update replaces the profile's mutable fields. UserID and CreatedAt stay as
// stored.
func (s *SQLStore) Update(ctx context.Context, profile *Profile) error {
	customJSON, err := marshalCustomFields(profile.CustomFields)
	if err != nil {
		return err
	}
	profile.UpdatedAt = time.Now().UTC()

	writer := s.pool.Writer()
	query := writer.Rebind(`
		UPDATE s_user
		SET username = ?, display_name = ?, email = ?, department = ?, role = ?,
			custom_fields = ?, updated_at = ?
		WHERE user_id = ?
	`)
	result, err := writer.ExecContext(ctx, query,
		profile.Username, profile.DisplayName, profile.Email, profile.Department,
		profile.Role, customJSON, profile.UpdatedAt, profile.UserID)
	if err != nil {
		return fmt.Errorf("failed to update user profile: %w", err)
	}
	return requireUserRow(result, profile.UserID)
}

// Delete removes a profile by user ID.
func (s *SQLStore) Delete(ctx context.Context, userID string) error {
	writer := s.pool.Writer()
	query := writer.Rebind(`DELETE FROM s_user WHERE user_id = ?`)
	result, err := writer.ExecContext(ctx, query, userID)
	if err != nil {
		return fmt.Errorf("failed to delete user profile: %w", err)
	}
	return requireUserRow(result, userID)
}

// Close is a no-op; the shared pool is owned by the caller.
func (s *SQLStore) Close() error {
	return nil
}

func marshalCustomFields(fields map[string]any) (string, error) {
	if fields == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("failed to serialize custom fields: %w", err)
	}
	return string(raw), nil
}

func requireUserRow(result sql.Result, userID string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if affected == 0 {
		return apperr.NotFound("user", userID)
	}
	return nil
}
