package rules

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/parley/parley/internal/common/apperr"
	"github.com/parley/parley/internal/db"
	"github.com/parley/parley/internal/db/dialect"
)

// SQLStore persists rules in the s_rule table. Global rules are stored with
// an empty user_id; LoadRules returns them to every user alongside the user's
// own rows, so the store satisfies Source directly.
type SQLStore struct {
	pool *db.Pool
}

var _ Source = (*SQLStore)(nil)

// NewSQLStore creates a rule store backed by the given pool.
func NewSQLStore(pool *db.Pool) *SQLStore {
	return &SQLStore{pool: pool}
}

type ruleRow struct {
	RuleID           string    `db:"rule_id"`
	UserID           string    `db:"user_id"`
	Name             string    `db:"name"`
	Scope            string    `db:"scope"`
	Inclusion        string    `db:"inclusion"`
	FileMatchPattern string    `db:"file_match_pattern"`
	Priority         int       `db:"priority"`
	Enabled          int       `db:"enabled"`
	Override         int       `db:"override"`
	Description      string    `db:"description"`
	Content          string    `db:"content"`
	CreatedAt        time.Time `db:"created_at"`
	UpdatedAt        time.Time `db:"updated_at"`
}

func (r *ruleRow) toRule() *Rule {
	return &Rule{
		ID:               r.RuleID,
		UserID:           r.UserID,
		Name:             r.Name,
		Scope:            Scope(r.Scope),
		Inclusion:        Inclusion(r.Inclusion),
		FileMatchPattern: r.FileMatchPattern,
		Priority:         r.Priority,
		Enabled:          dialect.IntToBool(r.Enabled),
		Override:         dialect.IntToBool(r.Override),
		Description:      r.Description,
		Content:          r.Content,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

const ruleColumns = "rule_id, user_id, name, scope, inclusion, file_match_pattern, priority, enabled, override, description, content, created_at, updated_at"

// LoadRules returns global rules plus the user's own, implementing Source.
func (s *SQLStore) LoadRules(ctx context.Context, userID string) ([]*Rule, error) {
	reader := s.pool.Reader()
	query := reader.Rebind(`
		SELECT ` + ruleColumns + ` FROM s_rule
		WHERE user_id = '' OR user_id = ?
		ORDER BY scope, priority DESC, name
	`)
	var rows []ruleRow
	if err := reader.SelectContext(ctx, &rows, query, userID); err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}
	rules := make([]*Rule, 0, len(rows))
	for i := range rows {
		rules = append(rules, rows[i].toRule())
	}
	return rules, nil
}

// Create inserts a rule and assigns its ID.
func (s *SQLStore) Create(ctx context.Context, rule *Rule) error {
	if err := rule.Validate(); err != nil {
		return apperr.BadRequest(err.Error())
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	writer := s.pool.Writer()
	query := writer.Rebind(`
		INSERT INTO s_rule (` + ruleColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := writer.ExecContext(ctx, query,
		rule.ID, rule.UserID, rule.Name, string(rule.Scope), string(rule.Inclusion),
		rule.FileMatchPattern, rule.Priority, dialect.BoolToInt(rule.Enabled),
		dialect.BoolToInt(rule.Override), rule.Description, rule.Content,
		rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create rule: %w", err)
	}
	return nil
}

// Get retrieves a rule by ID.
func (s *SQLStore) Get(ctx context.Context, ruleID string) (*Rule, error) {
	reader := s.pool.Reader()
	query := reader.Rebind(`SELECT ` + ruleColumns + ` FROM s_rule WHERE rule_id = ?`)
	var row ruleRow
	if err := reader.GetContext(ctx, &row, query, ruleID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("rule", ruleID)
		}
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return row.toRule(), nil
}

// Update replaces a rule's mutable fields.
func (s *SQLStore) Update(ctx context.Context, rule *Rule) error {
	if err := rule.Validate(); err != nil {
		return apperr.BadRequest(err.Error())
	}
	rule.UpdatedAt = time.Now().UTC()

	writer := s.pool.Writer()
	query := writer.Rebind(`
		UPDATE s_rule
		SET name = ?, scope = ?, inclusion = ?, file_match_pattern = ?, priority = ?,
			enabled = ?, override = ?, description = ?, content = ?, updated_at = ?
		WHERE rule_id = ?
	`)
	result, err := writer.ExecContext(ctx, query,
		rule.Name, string(rule.Scope), string(rule.Inclusion), rule.FileMatchPattern,
		rule.Priority, dialect.BoolToInt(rule.Enabled), dialect.BoolToInt(rule.Override),
		rule.Description, rule.Content, rule.UpdatedAt, rule.ID)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	return requireRuleRow(result, rule.ID)
}

// Delete removes a rule by ID.
func (s *SQLStore) Delete(ctx context.Context, ruleID string) error {
	writer := s.pool.Writer()
	query := writer.Rebind(`DELETE FROM s_rule WHERE rule_id = ?`)
	result, err := writer.ExecContext(ctx, query, ruleID)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	return requireRuleRow(result, ruleID)
}

// Close is a no-op; the shared pool is owned by the caller.
func (s *SQLStore) Close() error {
	return nil
}

func requireRuleRow(result sql.Result, ruleID string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if affected == 0 {
		return apperr.NotFound("rule", ruleID)
	}
	return nil
}
