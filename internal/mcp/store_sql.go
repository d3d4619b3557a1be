package mcp

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/parley/parley/internal/common/apperr"
	"github.com/parley/parley/internal/db"
	"github.com/parley/parley/internal/db/dialect"
)

// SQLConfigStore provides relational MCP server configuration storage on the
// s_mcp_server table.
type SQLConfigStore struct {
	pool *db.Pool
}

var _ ConfigStore = (*SQLConfigStore)(nil)

// NewSQLConfigStore creates a config store backed by the given pool.
func NewSQLConfigStore(pool *db.Pool) *SQLConfigStore {
	return &SQLConfigStore{pool: pool}
}

type serverRow struct {
	UserID      string    `db:"user_id"`
	Name        string    `db:"name"`
	Command     string    `db:"command"`
	Args        string    `db:"args"`
	Env         string    `db:"env"`
	URL         string    `db:"url"`
	Transport   string    `db:"transport"`
	Headers     string    `db:"headers"`
	Disabled    int       `db:"disabled"`
	AutoApprove string    `db:"auto_approve"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (r *serverRow) toConfig() (*ServerConfig, error) {
	config := &ServerConfig{
		UserID:    r.UserID,
		Name:      r.Name,
		Command:   r.Command,
		URL:       r.URL,
		Transport: r.Transport,
		Disabled:  dialect.IntToBool(r.Disabled),
	}
	if err := json.Unmarshal([]byte(r.Args), &config.Args); err != nil {
		return nil, fmt.Errorf("failed to deserialize args for %s: %w", r.Name, err)
	}
	if err := json.Unmarshal([]byte(r.Env), &config.Env); err != nil {
		return nil, fmt.Errorf("failed to deserialize env for %s: %w", r.Name, err)
	}
	if err := json.Unmarshal([]byte(r.Headers), &config.Headers); err != nil {
		return nil, fmt.Errorf("failed to deserialize headers for %s: %w", r.Name, err)
	}
	if err := json.Unmarshal([]byte(r.AutoApprove), &config.AutoApprove); err != nil {
		return nil, fmt.Errorf("failed to deserialize auto_approve for %s: %w", r.Name, err)
	}
	return config, nil
}

type serverJSON struct {
	args        string
	env         string
	headers     string
	autoApprove string
}

func marshalServer(config *ServerConfig) (*serverJSON, error) {
	args, err := json.Marshal(orEmptySlice(config.Args))
	if err != nil {
		return nil, fmt.Errorf("failed to serialize args for %s: %w", config.Name, err)
	}
	env, err := json.Marshal(orEmptyMap(config.Env))
	if err != nil {
		return nil, fmt.Errorf("failed to serialize env for %s: %w", config.Name, err)
	}
	headers, err := json.Marshal(orEmptyMap(config.Headers))
	if err != nil {
		return nil, fmt.Errorf("failed to serialize headers for %s: %w", config.Name, err)
	}
	autoApprove, err := json.Marshal(orEmptySlice(config.AutoApprove))
	if err != nil {
		return nil, fmt.Errorf("failed to serialize auto_approve for %s: %w", config.Name, err)
	}
	return &serverJSON{
		args:        string(args),
		env:         string(env),
		headers:     string(headers),
		autoApprove: string(autoApprove),
	}, nil
}

const serverColumns = "user_id, name, command, args, env, url, transport, headers, disabled, auto_approve, created_at, updated_at"

const upsertServerSQL = `
	INSERT INTO s_mcp_server (` + serverColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (user_id, name) DO UPDATE SET
		command = excluded.command,
		args = excluded.args,
		env = excluded.env,
		url = excluded.url,
		transport = excluded.transport,
		headers = excluded.headers,
		disabled = excluded.disabled,
		auto_approve = excluded.auto_approve,
		updated_at = excluded.updated_at
`

// GetUserConfig returns all servers registered for the user.
func (s *SQLConfigStore) GetUserConfig(ctx context.Context, userID string) (*UserConfig, error) {
	reader := s.pool.Reader()
	query := reader.Rebind(`SELECT ` + serverColumns + ` FROM s_mcp_server WHERE user_id = ? ORDER BY name ASC`)
	var rows []serverRow
	if err := reader.SelectContext(ctx, &rows, query, userID); err != nil {
		return nil, fmt.Errorf("failed to load mcp config: %w", err)
	}

	config := &UserConfig{UserID: userID, Servers: make([]*ServerConfig, 0, len(rows))}
	for i := range rows {
		server, err := rows[i].toConfig()
		if err != nil {
			return nil, err
		}
		config.Servers = append(config.Servers, server)
	}
	return config, nil
}

// SaveUserConfig replaces the user's servers with the given set in one
// transaction.
func (s *SQLConfigStore) SaveUserConfig(ctx context.Context, userID string, config *UserConfig) error {
	writer := s.pool.Writer()
	tx, err := writer.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin save transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	deleteQuery := tx.Rebind(`DELETE FROM s_mcp_server WHERE user_id = ?`)
	if _, err := tx.ExecContext(ctx, deleteQuery, userID); err != nil {
		return fmt.Errorf("failed to clear prior mcp config: %w", err)
	}

	now := time.Now().UTC()
	insertQuery := tx.Rebind(upsertServerSQL)
	for _, server := range config.Servers {
		fields, err := marshalServer(server)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, insertQuery,
			userID, server.Name, server.Command, fields.args, fields.env, server.URL,
			defaultTransport(server.Transport), fields.headers, dialect.BoolToInt(server.Disabled),
			fields.autoApprove, now, now)
		if err != nil {
			return fmt.Errorf("failed to save mcp server %s: %w", server.Name, err)
		}
	}
	return tx.Commit()
}

// DeleteUserConfig removes every server registered for the user.
func (s *SQLConfigStore) DeleteUserConfig(ctx context.Context, userID string) error {
	writer := s.pool.Writer()
	query := writer.Rebind(`DELETE FROM s_mcp_server WHERE user_id = ?`)
	if _, err := writer.ExecContext(ctx, query, userID); err != nil {
		return fmt.Errorf("failed to delete mcp config: %w", err)
	}
	return nil
}

// AddServer inserts or replaces one server, keyed on (user_id, name).
func (s *SQLConfigStore) AddServer(ctx context.Context, userID string, server *ServerConfig) error {
	fields, err := marshalServer(server)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	writer := s.pool.Writer()
	query := writer.Rebind(upsertServerSQL)
	_, err = writer.ExecContext(ctx, query,
		userID, server.Name, server.Command, fields.args, fields.env, server.URL,
		defaultTransport(server.Transport), fields.headers, dialect.BoolToInt(server.Disabled),
		fields.autoApprove, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert mcp server %s: %w", server.Name, err)
	}
	return nil
}

// RemoveServer deletes one server by name.
func (s *SQLConfigStore) RemoveServer(ctx context.Context, userID, name string) error {
	writer := s.pool.Writer()
	query := writer.Rebind(`DELETE FROM s_mcp_server WHERE user_id = ? AND name = ?`)
	result, err := writer.ExecContext(ctx, query, userID, name)
	if err != nil {
		return fmt.Errorf("failed to remove mcp server %s: %w", name, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if affected == 0 {
		return apperr.NotFound("mcp server", name)
	}
	return nil
}

// GetServer returns one server by name.
func (s *SQLConfigStore) GetServer(ctx context.Context, userID, name string) (*ServerConfig, error) {
	reader := s.pool.Reader()
	query := reader.Rebind(`SELECT ` + serverColumns + ` FROM s_mcp_server WHERE user_id = ? AND name = ?`)
	var row serverRow
	if err := reader.GetContext(ctx, &row, query, userID, name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("mcp server", name)
		}
		return nil, fmt.Errorf("failed to get mcp server %s: %w", name, err)
	}
	return row.toConfig()
}

// Close is a no-op; the shared pool is owned by the caller.
func (s *SQLConfigStore) Close() error {
	return nil
}

func defaultTransport(transport string) string {
	if transport == "" {
		return TransportStdio
	}
	return transport
}

func orEmptySlice(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func orEmptyMap(values map[string]string) map[string]string {
	if values == nil {
		return map[string]string{}
	}
	return values
}
