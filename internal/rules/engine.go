package rules

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/parley/parley/internal/bus"
	"github.com/parley/parley/internal/common/logger"
)

// Source supplies the rules visible to a user: global rules plus the user's
// own, across every scope.
type Source interface {
	LoadRules(ctx context.Context, userID string) ([]*Rule, error)
}

// MultiSource concatenates rules from several sources in order.
type MultiSource []Source

func (m MultiSource) LoadRules(ctx context.Context, userID string) ([]*Rule, error) {
	var rules []*Rule
	for _, source := range m {
		loaded, err := source.LoadRules(ctx, userID)
		if err != nil {
			return nil, err
		}
		rules = append(rules, loaded...)
	}
	return rules, nil
}

// StaticSource serves a fixed rule set to every user.
type StaticSource []*Rule

func (s StaticSource) LoadRules(context.Context, string) ([]*Rule, error) {
	return s, nil
}

// MatchResult records how one rule was evaluated against a context.
type MatchResult struct {
	Rule    *Rule
	Matched bool
	Reason  string
}

// Resolution is the output of a full pipeline run.
type Resolution struct {
	Rules     []*Rule       // final merged list, size-bounded, in precedence order
	Matches   []MatchResult // every evaluated rule with its match outcome
	Conflicts []Conflict    // merge notes plus advisory detection results
	Elided    []string      // names dropped by the size bound
	Section   string        // composed prompt section, "" when no rules apply
}

// EngineConfig bounds the composed prompt section.
type EngineConfig struct {
	// MaxContentSize caps the summed rule content length in the final list;
	// zero or negative means unbounded.
	MaxContentSize int
}

// DefaultEngineConfig returns the engine defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{MaxContentSize: 50000}
}

// Engine runs the rule pipeline: load, match, merge, conflict report, prompt
// section. Contradictory-content warnings are additionally published to the
// notification bus when one is attached; they never alter the merge output.
type Engine struct {
	source   Source
	notifier bus.Bus
	config   EngineConfig
	logger   *logger.Logger
}

// NewEngine creates a rule engine. notifier may be nil.
func NewEngine(source Source, config EngineConfig, notifier bus.Bus, log *logger.Logger) *Engine {
	return &Engine{
		source:   source,
		notifier: notifier,
		config:   config,
		logger:   log.WithFields(zap.String("component", "rules")),
	}
}

// Resolve loads the user's rules and runs the pipeline for one turn.
func (e *Engine) Resolve(ctx context.Context, userID string, ruleCtx *Context) (*Resolution, error) {
	rules, err := e.source.LoadRules(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules for user %s: %w", userID, err)
	}
	return e.resolve(ctx, userID, rules, ruleCtx), nil
}

func (e *Engine) resolve(ctx context.Context, userID string, rules []*Rule, ruleCtx *Context) *Resolution {
	matches := MatchRules(rules, ruleCtx)

	var matched []*Rule
	for _, m := range matches {
		if m.Matched {
			matched = append(matched, m.Rule)
		}
	}

	merged, notes := Merge(matched)
	final, elided := e.bound(merged)
	conflicts := append(notes, DetectConflicts(matched)...)

	for _, c := range conflicts {
		if c.Type == ConflictContradictory {
			e.publishConflict(ctx, userID, c)
		}
	}
	if len(elided) > 0 {
		e.logger.Info("rules elided by size bound",
			zap.String("user_id", userID),
			zap.Int("max_content_size", e.config.MaxContentSize),
			zap.Strings("elided", elided))
	}

	return &Resolution{
		Rules:     final,
		Matches:   matches,
		Conflicts: conflicts,
		Elided:    elided,
		Section:   PromptSection(final),
	}
}

// MatchRules evaluates every rule against the context.
func MatchRules(rules []*Rule, ruleCtx *Context) []MatchResult {
	if ruleCtx == nil {
		ruleCtx = &Context{}
	}
	results := make([]MatchResult, 0, len(rules))
	for _, rule := range rules {
		matched, reason := matchRule(rule, ruleCtx)
		results = append(results, MatchResult{Rule: rule, Matched: matched, Reason: reason})
	}
	return results
}

func matchRule(rule *Rule, ruleCtx *Context) (bool, string) {
	if !rule.Enabled {
		return false, "disabled"
	}
	switch rule.Inclusion {
	case IncludeAlways:
		return true, "always"
	case IncludeManual:
		for _, ref := range ruleCtx.ManualRefs {
			if ref == rule.Name {
				return true, "manual reference"
			}
		}
		return false, "not referenced"
	case IncludeFileMatch:
		for _, file := range ruleCtx.Files {
			if MatchGlob(rule.FileMatchPattern, file) {
				return true, fmt.Sprintf("file match: %s", file)
			}
		}
		return false, "no file match"
	default:
		return false, fmt.Sprintf("unknown inclusion %q", rule.Inclusion)
	}
}

// Merge resolves name collisions across the matched rules. Rules are sorted
// by (scope priority desc, rule priority desc, name asc) and scanned in
// order: the first rule under a name is kept unless a later one carries the
// override flag, which replaces it. Notes record every collision.
func Merge(matched []*Rule) ([]*Rule, []Conflict) {
	sorted := make([]*Rule, len(matched))
	copy(sorted, matched)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Scope.Priority() != b.Scope.Priority() {
			return a.Scope.Priority() > b.Scope.Priority()
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.Name < b.Name
	})

	var (
		final     []*Rule
		positions = make(map[string]int)
		notes     []Conflict
	)
	for _, rule := range sorted {
		pos, seen := positions[rule.Name]
		if !seen {
			positions[rule.Name] = len(final)
			final = append(final, rule)
			continue
		}
		if rule.Override {
			notes = append(notes, Conflict{
				Type:    ConflictOverride,
				Rules:   []string{rule.Name},
				Winner:  string(rule.Scope),
				Message: fmt.Sprintf("overridden by %s", rule.Scope),
			})
			final[pos] = rule
			continue
		}
		winner := final[pos]
		if winner.Override {
			// The kept rule is marked override: it replaces same-named rules
			// no matter which side of the scan they fall on.
			notes = append(notes, Conflict{
				Type:    ConflictOverride,
				Rules:   []string{rule.Name},
				Winner:  string(winner.Scope),
				Message: fmt.Sprintf("overridden by %s", winner.Scope),
			})
			continue
		}
		notes = append(notes, Conflict{
			Type:    ConflictDuplicate,
			Rules:   []string{rule.Name},
			Winner:  string(winner.Scope),
			Message: fmt.Sprintf("duplicate name, keeping %s", winner.Scope),
		})
	}
	return final, notes
}

// bound applies the size cap: appending stops at the first rule whose content
// would push the running total past MaxContentSize; everything after it is
// elided.
func (e *Engine) bound(merged []*Rule) (final []*Rule, elided []string) {
	max := e.config.MaxContentSize
	if max <= 0 {
		return merged, nil
	}
	total := 0
	for i, rule := range merged {
		if total+len(rule.Content) > max {
			for _, dropped := range merged[i:] {
				elided = append(elided, dropped.Name)
			}
			break
		}
		total += len(rule.Content)
		final = append(final, rule)
	}
	return final, elided
}

// PromptSection renders the final rule list for the system prompt. An empty
// list yields an empty string.
func PromptSection(rules []*Rule) string {
	if len(rules) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Rules\n\n")
	for _, rule := range rules {
		b.WriteString("### ")
		b.WriteString(rule.Name)
		b.WriteString("\n")
		if rule.Description != "" {
			b.WriteString("*")
			b.WriteString(rule.Description)
			b.WriteString("*\n")
		}
		b.WriteString(rule.Content)
		b.WriteString("\n")
	}
	return b.String()
}

func (e *Engine) publishConflict(ctx context.Context, userID string, conflict Conflict) {
	if e.notifier == nil {
		return
	}
	notice := bus.NewNotice(bus.SubjectRuleConflict, "rules", map[string]any{
		"user_id": userID,
		"type":    conflict.Type,
		"rules":   conflict.Rules,
		"message": conflict.Message,
	})
	if err := e.notifier.Publish(ctx, bus.SubjectRuleConflict, notice); err != nil {
		e.logger.Warn("failed to publish rule conflict notice", zap.Error(err))
	}
}
