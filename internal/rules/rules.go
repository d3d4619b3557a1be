// Package rules implements the prompt-rule resolution pipeline: scoped rules
// are matched against a turn's context, merged by precedence, checked for
// conflicts, and composed into a size-bounded prompt section.
package rules

import (
	"fmt"
	"time"
)

// Scope is the layer a rule belongs to. Narrower scopes take precedence over
// broader ones during the merge unless an override flag says otherwise.
type Scope string

const (
	ScopeGlobal  Scope = "global"
	ScopeUser    Scope = "user"
	ScopeProject Scope = "project"
	ScopeSession Scope = "session"
)

// scopePriority orders scopes for the merge: higher wins.
var scopePriority = map[Scope]int{
	ScopeGlobal:  1,
	ScopeUser:    2,
	ScopeProject: 3,
	ScopeSession: 4,
}

// Priority returns the merge precedence of the scope; unknown scopes sort
// below global.
func (s Scope) Priority() int {
	return scopePriority[s]
}

// Valid reports whether the scope is one of the four known layers.
func (s Scope) Valid() bool {
	_, ok := scopePriority[s]
	return ok
}

// Inclusion is the condition that activates a rule.
type Inclusion string

const (
	// IncludeAlways activates the rule on every turn.
	IncludeAlways Inclusion = "always"
	// IncludeFileMatch activates the rule when a context file matches the
	// rule's glob pattern.
	IncludeFileMatch Inclusion = "file_match"
	// IncludeManual activates the rule only when referenced by name.
	IncludeManual Inclusion = "manual"
)

// Rule is one prompt rule. Name is unique within a scope; the merge resolves
// collisions across scopes.
type Rule struct {
	ID               string    `json:"id,omitempty" yaml:"-" db:"rule_id"`
	UserID           string    `json:"user_id,omitempty" yaml:"-" db:"user_id"`
	Name             string    `json:"name" yaml:"name" db:"name"`
	Scope            Scope     `json:"scope" yaml:"scope" db:"scope"`
	Inclusion        Inclusion `json:"inclusion" yaml:"inclusion" db:"inclusion"`
	FileMatchPattern string    `json:"file_match_pattern,omitempty" yaml:"file_match_pattern" db:"file_match_pattern"`
	Priority         int       `json:"priority" yaml:"priority" db:"priority"`
	Enabled          bool      `json:"enabled" yaml:"enabled" db:"enabled"`
	Override         bool      `json:"override" yaml:"override" db:"override"`
	Description      string    `json:"description" yaml:"description" db:"description"`
	Content          string    `json:"content" yaml:"content" db:"content"`
	CreatedAt        time.Time `json:"created_at,omitempty" yaml:"-" db:"created_at"`
	UpdatedAt        time.Time `json:"updated_at,omitempty" yaml:"-" db:"updated_at"`
}

// Validate checks the structural invariants of a rule.
func (r *Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule requires a name")
	}
	if !r.Scope.Valid() {
		return fmt.Errorf("rule %q: unknown scope %q", r.Name, r.Scope)
	}
	switch r.Inclusion {
	case IncludeAlways, IncludeManual:
	case IncludeFileMatch:
		if r.FileMatchPattern == "" {
			return fmt.Errorf("rule %q: file_match inclusion requires a pattern", r.Name)
		}
	default:
		return fmt.Errorf("rule %q: unknown inclusion %q", r.Name, r.Inclusion)
	}
	return nil
}

// Context carries what a turn knows when rules are evaluated.
type Context struct {
	Files       []string
	Query       string
	SessionID   string
	AssistantID string
	ManualRefs  []string
}

// Conflict kinds reported by the merge and by DetectConflicts.
const (
	ConflictOverride      = "override"
	ConflictDuplicate     = "duplicate"
	ConflictSameName      = "same_name"
	ConflictContradictory = "contradictory"
)

// Conflict is one note from the merge or the detection pass. Merge notes
// (override, duplicate) change the final list; detection notes (same_name,
// contradictory) are advisory.
type Conflict struct {
	Type    string   `json:"type"`
	Rules   []string `json:"rules"`            // names of the rules involved
	Winner  string   `json:"winner,omitempty"` // scope of the rule that was kept
	Message string   `json:"message"`
}
