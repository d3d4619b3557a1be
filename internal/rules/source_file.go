package rules

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/parley/parley/internal/common/logger"
)

// FileSource loads deployment-wide rules from YAML documents in a directory.
// Each .yaml/.yml file holds either a single rule document or a list under a
// top-level "rules" key. A missing directory yields no rules; a malformed or
// invalid document is logged and skipped so one bad file cannot take the
// engine down.
type FileSource struct {
	dir    string
	logger *logger.Logger
}

var _ Source = (*FileSource)(nil)

// NewFileSource creates a file-backed rule source rooted at dir.
func NewFileSource(dir string, log *logger.Logger) *FileSource {
	return &FileSource{
		dir:    dir,
		logger: log.WithFields(zap.String("component", "rules"), zap.String("dir", dir)),
	}
}

// fileRule mirrors Rule with optional fields defaulted for hand-written
// documents: scope global, inclusion always, enabled unless set false.
type fileRule struct {
	Name             string `yaml:"name"`
	Scope            string `yaml:"scope"`
	Inclusion        string `yaml:"inclusion"`
	FileMatchPattern string `yaml:"file_match_pattern"`
	Priority         int    `yaml:"priority"`
	Enabled          *bool  `yaml:"enabled"`
	Override         bool   `yaml:"override"`
	Description      string `yaml:"description"`
	Content          string `yaml:"content"`
}

type ruleDocument struct {
	Rules []fileRule `yaml:"rules"`
}

// LoadRules reads every rule document in the directory. The userID is
// ignored; file rules apply to all users.
func (f *FileSource) LoadRules(_ context.Context, _ string) ([]*Rule, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read rules directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	var rules []*Rule
	for _, name := range names {
		loaded, err := f.loadFile(filepath.Join(f.dir, name))
		if err != nil {
			f.logger.Warn("skipping unreadable rule file",
				zap.String("file", name), zap.Error(err))
			continue
		}
		rules = append(rules, loaded...)
	}
	return rules, nil
}

func (f *FileSource) loadFile(path string) ([]*Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc ruleDocument
	if err := yaml.Unmarshal(data, &doc); err != nil || len(doc.Rules) == 0 {
		// Fall back to a single-rule document.
		var single fileRule
		if err := yaml.Unmarshal(data, &single); err != nil {
			return nil, fmt.Errorf("invalid rule document: %w", err)
		}
		if single.Name == "" {
			return nil, nil
		}
		doc.Rules = []fileRule{single}
	}

	rules := make([]*Rule, 0, len(doc.Rules))
	for _, fr := range doc.Rules {
		rule := fr.toRule()
		if err := rule.Validate(); err != nil {
			f.logger.Warn("skipping invalid rule",
				zap.String("file", filepath.Base(path)),
				zap.String("rule", fr.Name),
				zap.Error(err))
			continue
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func (fr *fileRule) toRule() *Rule {
	rule := &Rule{
		Name:             fr.Name,
		Scope:            Scope(fr.Scope),
		Inclusion:        Inclusion(fr.Inclusion),
		FileMatchPattern: fr.FileMatchPattern,
		Priority:         fr.Priority,
		Enabled:          fr.Enabled == nil || *fr.Enabled,
		Override:         fr.Override,
		Description:      fr.Description,
		Content:          fr.Content,
	}
	if rule.Scope == "" {
		rule.Scope = ScopeGlobal
	}
	if rule.Inclusion == "" {
		rule.Inclusion = IncludeAlways
	}
	return rule
}
