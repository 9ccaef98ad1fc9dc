package ai

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// PromptVersionLatest selects the unversioned system prompt file.
const PromptVersionLatest = "latest"

// PromptStore loads and saves versioned system prompts from a
// directory. "latest" (or empty) maps to system.txt, any other
// version to system_<version>.txt. A missing file falls back to the
// configured default prompt, so a fresh install works without any
// prompt files on disk.
type PromptStore struct {
	dir      string
	fallback string
}

// NewPromptStore creates a prompt store over dir, returning fallback
// when a requested version has no file.
func NewPromptStore(dir, fallback string) *PromptStore {
	return &PromptStore{dir: dir, fallback: fallback}
}

// Load returns the system prompt for the given version.
func (p *PromptStore) Load(version string) (string, error) {
	data, err := os.ReadFile(p.path(version))
	if os.IsNotExist(err) {
		return p.fallback, nil
	}
	if err != nil {
		return "", fmt.Errorf("reading prompt %s: %w", version, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Save writes content as a new prompt version.
func (p *PromptStore) Save(version, content string) error {
	if strings.TrimSpace(version) == "" || version == PromptVersionLatest {
		return fmt.Errorf("prompt version %q is not writable", version)
	}
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return fmt.Errorf("creating prompt directory: %w", err)
	}
	if err := os.WriteFile(p.path(version), []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing prompt %s: %w", version, err)
	}
	return nil
}

func (p *PromptStore) path(version string) string {
	if version == "" || version == PromptVersionLatest {
		return filepath.Join(p.dir, "system.txt")
	}
	return filepath.Join(p.dir, fmt.Sprintf("system_%s.txt", version))
}

// CurrentPromptVersion returns a timestamp-derived version identifier
// for saving a new prompt revision.
func CurrentPromptVersion() string {
	return time.Now().UTC().Format("v060102-150405")
}
