package memory

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/parley/parley/internal/common/logger"
)

func newTestLoader(t *testing.T, multiTenant bool) (*Loader, string) {
	t.Helper()
	root := t.TempDir()
	config := DefaultConfig(root)
	config.MultiTenant = multiTenant
	return NewLoader(config, logger.Default()), root
}

func writeMemory(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create memory dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write memory file: %v", err)
	}
}

func TestLoader_Paths(t *testing.T) {
	multi, root := newTestLoader(t, true)
	want := filepath.Join(root, "users", "alice", "helper", "agent.md")
	if got := multi.UserMemoryPath("alice", "helper"); got != want {
		t.Errorf("multi-tenant path = %q, want %q", got, want)
	}

	single, root := newTestLoader(t, false)
	want = filepath.Join(root, "helper", "agent.md")
	if got := single.UserMemoryPath("alice", "helper"); got != want {
		t.Errorf("single-tenant path = %q, want %q", got, want)
	}

	if got := single.ProjectMemoryPath(""); got != "" {
		t.Errorf("expected empty project path without a root, got %q", got)
	}
	if got := single.ProjectMemoryPath("/work/repo"); got != filepath.Join("/work/repo", ".parley", "agent.md") {
		t.Errorf("unexpected project path %q", got)
	}
}

func TestLoader_Load(t *testing.T) {
	loader, _ := newTestLoader(t, true)
	project := t.TempDir()

	writeMemory(t, loader.UserMemoryPath("alice", "helper"), "Prefers concise answers.\n")
	writeMemory(t, loader.ProjectMemoryPath(project), "Repo uses sqlc.\n")

	mem := loader.Load("alice", "helper", project)
	if mem.UserContent != "Prefers concise answers." {
		t.Errorf("unexpected user content %q", mem.UserContent)
	}
	if mem.ProjectContent != "Repo uses sqlc." {
		t.Errorf("unexpected project content %q", mem.ProjectContent)
	}

	section := mem.Section()
	if !strings.Contains(section, "Prefers concise answers.") || !strings.Contains(section, "Repo uses sqlc.") {
		t.Errorf("expected both memories in section, got %q", section)
	}
}

func TestLoader_LoadMissingFilesIsEmpty(t *testing.T) {
	loader, _ := newTestLoader(t, true)

	mem := loader.Load("alice", "helper", "")
	if !mem.Empty() {
		t.Errorf("expected empty memory, got %+v", mem)
	}
	if mem.Section() != "" {
		t.Errorf("expected empty section, got %q", mem.Section())
	}
}

func TestLoader_TenantIsolation(t *testing.T) {
	loader, _ := newTestLoader(t, true)
	writeMemory(t, loader.UserMemoryPath("alice", "helper"), "Alice's secret plans.")

	mem := loader.Load("bob", "helper", "")
	if mem.UserContent != "" {
		t.Errorf("expected bob to see no memory, got %q", mem.UserContent)
	}
}

func TestLoader_ComposePrompt(t *testing.T) {
	loader, _ := newTestLoader(t, true)
	writeMemory(t, loader.UserMemoryPath("alice", "helper"), "Works in UTC.")

	mem := loader.Load("alice", "helper", "")
	prompt := loader.ComposePrompt(mem, "You are a helpful assistant.")

	memoryIdx := strings.Index(prompt, "Works in UTC.")
	baseIdx := strings.Index(prompt, "You are a helpful assistant.")
	manageIdx := strings.Index(prompt, "## Memory management")
	if memoryIdx < 0 || baseIdx < 0 || manageIdx < 0 {
		t.Fatalf("prompt missing parts: %q", prompt)
	}
	if !(memoryIdx < baseIdx && baseIdx < manageIdx) {
		t.Errorf("expected memory, base, instructions in order, got %q", prompt)
	}
	if !strings.Contains(prompt, mem.UserPath) {
		t.Errorf("expected instructions to name the memory path, got %q", prompt)
	}
}

func TestLoader_ComposePromptWithoutMemory(t *testing.T) {
	loader, _ := newTestLoader(t, true)
	mem := loader.Load("alice", "helper", "")

	prompt := loader.ComposePrompt(mem, "Base prompt.")
	if strings.Contains(prompt, "## Memory\n") {
		t.Errorf("expected no memory section, got %q", prompt)
	}
	if !strings.HasPrefix(prompt, "Base prompt.") {
		t.Errorf("expected base prompt first, got %q", prompt)
	}
}

func TestLoader_Clear(t *testing.T) {
	loader, _ := newTestLoader(t, true)
	path := loader.UserMemoryPath("alice", "helper")
	writeMemory(t, path, "To be forgotten.")

	removed, err := loader.Clear("alice", "helper")
	if err != nil {
		t.Fatalf("failed to clear memory: %v", err)
	}
	if !removed {
		t.Error("expected clear to report removal")
	}
	if _, err := os.Stat(filepath.Dir(path)); !os.IsNotExist(err) {
		t.Error("expected memory directory removed")
	}

	removed, err = loader.Clear("alice", "helper")
	if err != nil {
		t.Fatalf("expected missing directory to be fine, got %v", err)
	}
	if removed {
		t.Error("expected clear of a missing directory to report false")
	}
}
