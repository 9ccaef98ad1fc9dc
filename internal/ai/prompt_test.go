package ai

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPromptStoreFallback(t *testing.T) {
	p := NewPromptStore(t.TempDir(), "default prompt")

	got, err := p.Load(PromptVersionLatest)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != "default prompt" {
		t.Fatalf("expected fallback, got %q", got)
	}
}

func TestPromptStoreSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	p := NewPromptStore(dir, "fallback")

	if err := p.Save("v260830-120000", "versioned prompt\n"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := p.Load("v260830-120000")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != "versioned prompt" {
		t.Fatalf("expected trimmed saved prompt, got %q", got)
	}

	// "latest" reads system.txt, not a versioned file.
	if err := os.WriteFile(filepath.Join(dir, "system.txt"), []byte("current"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got, err = p.Load("")
	if err != nil {
		t.Fatalf("Load latest: %v", err)
	}
	if got != "current" {
		t.Fatalf("expected system.txt content, got %q", got)
	}
}

func TestPromptStoreRejectsUnversionedSave(t *testing.T) {
	p := NewPromptStore(t.TempDir(), "")
	if err := p.Save(PromptVersionLatest, "x"); err == nil {
		t.Fatal("saving over the latest alias must fail")
	}
}

func TestCurrentPromptVersion(t *testing.T) {
	v := CurrentPromptVersion()
	if len(v) != len("v060102-150405") || v[0] != 'v' {
		t.Fatalf("unexpected version format: %q", v)
	}
}
