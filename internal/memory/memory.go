// Package memory loads persistent agent memory files and composes them into
// the system prompt. Memory is plain markdown on disk; the agent maintains it
// through its own file tools, guided by instructions this package appends to
// every prompt.
package memory

import (
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/parley/parley/internal/common/logger"
)

// MemoryFileName is the markdown file read in each memory location.
const MemoryFileName = "agent.md"

// Config locates memory on disk.
type Config struct {
	// Root is the data directory holding per-assistant memory.
	Root string
	// MultiTenant nests memory under users/<user_id> so tenants never share
	// files.
	MultiTenant bool
	// ProjectMarker is the directory name holding project-local memory,
	// resolved against a project root.
	ProjectMarker string
}

// DefaultConfig returns the loader defaults.
func DefaultConfig(root string) Config {
	return Config{
		Root:          root,
		MultiTenant:   true,
		ProjectMarker: ".parley",
	}
}

// Memory is the loaded state for one run.
type Memory struct {
	UserPath       string
	ProjectPath    string
	UserContent    string
	ProjectContent string
}

// Empty reports whether no memory content was found.
func (m *Memory) Empty() bool {
	return m == nil || (m.UserContent == "" && m.ProjectContent == "")
}

// Loader resolves and reads memory files.
type Loader struct {
	config Config
	logger *logger.Logger
}

// NewLoader creates a memory loader.
func NewLoader(config Config, log *logger.Logger) *Loader {
	if config.ProjectMarker == "" {
		config.ProjectMarker = ".parley"
	}
	return &Loader{
		config: config,
		logger: log.WithFields(zap.String("component", "memory")),
	}
}

// UserMemoryPath returns where the (user, assistant) memory file lives.
func (l *Loader) UserMemoryPath(userID, assistantID string) string {
	if l.config.MultiTenant {
		return filepath.Join(l.config.Root, "users", userID, assistantID, MemoryFileName)
	}
	return filepath.Join(l.config.Root, assistantID, MemoryFileName)
}

// ProjectMemoryPath returns the project memory file under projectRoot, or ""
// when no project root is known.
func (l *Loader) ProjectMemoryPath(projectRoot string) string {
	if projectRoot == "" {
		return ""
	}
	return filepath.Join(projectRoot, l.config.ProjectMarker, MemoryFileName)
}

// Load reads the memory files for one run. Missing files and I/O errors
// yield empty content; the run proceeds either way.
func (l *Loader) Load(userID, assistantID, projectRoot string) *Memory {
	mem := &Memory{
		UserPath:    l.UserMemoryPath(userID, assistantID),
		ProjectPath: l.ProjectMemoryPath(projectRoot),
	}
	mem.UserContent = l.readFile(mem.UserPath)
	if mem.ProjectPath != "" {
		mem.ProjectContent = l.readFile(mem.ProjectPath)
	}
	return mem
}

func (l *Loader) readFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			l.logger.Warn("failed to read memory file",
				zap.String("path", path), zap.Error(err))
		}
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Section renders the loaded memory as a prompt block, empty when nothing
// was found.
func (m *Memory) Section() string {
	if m.Empty() {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Memory\n")
	if m.UserContent != "" {
		b.WriteString("\n")
		b.WriteString(m.UserContent)
		b.WriteString("\n")
	}
	if m.ProjectContent != "" {
		b.WriteString("\n### Project notes\n\n")
		b.WriteString(m.ProjectContent)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// ComposePrompt assembles the system prompt for a model call: memory first,
// then the base prompt, then instructions telling the agent where its memory
// files live.
func (l *Loader) ComposePrompt(mem *Memory, basePrompt string) string {
	parts := make([]string, 0, 3)
	if section := mem.Section(); section != "" {
		parts = append(parts, section)
	}
	if basePrompt != "" {
		parts = append(parts, basePrompt)
	}
	parts = append(parts, l.managementInstructions(mem))
	return strings.Join(parts, "\n\n")
}

func (l *Loader) managementInstructions(mem *Memory) string {
	var b strings.Builder
	b.WriteString("## Memory management\n\n")
	b.WriteString("To remember something across sessions, write it to `")
	b.WriteString(mem.UserPath)
	b.WriteString("`.")
	if mem.ProjectPath != "" {
		b.WriteString(" Project-specific notes belong in `")
		b.WriteString(mem.ProjectPath)
		b.WriteString("`.")
	}
	b.WriteString(" Keep entries short and remove anything stale.")
	return b.String()
}

// Clear removes the directory holding the (user, assistant) memory file.
// It returns false when the directory does not exist.
func (l *Loader) Clear(userID, assistantID string) (bool, error) {
	dir := filepath.Dir(l.UserMemoryPath(userID, assistantID))
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, err
	}
	l.logger.Info("cleared memory",
		zap.String("user_id", userID),
		zap.String("assistant_id", assistantID))
	return true, nil
}
