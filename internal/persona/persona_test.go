package persona

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writePersona(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "persona.txt")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing persona file: %v", err)
	}
	return path
}

func waitForPrompt(t *testing.T, loader *Loader, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if loader.Prompt() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("prompt never became %q, still %q", want, loader.Prompt())
}

func TestNewServesDefaultWithoutFile(t *testing.T) {
	loader, err := New("", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if loader.Prompt() != DefaultPrompt {
		t.Errorf("Prompt() = %q, want the compiled default", loader.Prompt())
	}
}

func TestNewLoadsPersonaFile(t *testing.T) {
	path := writePersona(t, t.TempDir(), "You are a pirate. Answer in pirate speak.\n")

	loader, err := New(path, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := loader.Prompt(); got != "You are a pirate. Answer in pirate speak." {
		t.Errorf("Prompt() = %q", got)
	}
}

func TestNewFailsOnUnreadableFile(t *testing.T) {
	if _, err := New(filepath.Join(t.TempDir(), "absent.txt"), nil); err == nil {
		t.Fatal("expected an error for a missing persona file")
	}
}

func TestEmptyFileFallsBackToDefault(t *testing.T) {
	path := writePersona(t, t.TempDir(), "   \n\n")

	loader, err := New(path, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if loader.Prompt() != DefaultPrompt {
		t.Errorf("Prompt() = %q, want the compiled default", loader.Prompt())
	}
}

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writePersona(t, dir, "first prompt")

	loader, err := New(path, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	loader.debounce = 10 * time.Millisecond
	t.Cleanup(func() { loader.Close() })

	if err := loader.StartWatching(context.Background()); err != nil {
		t.Fatalf("StartWatching: %v", err)
	}

	if err := os.WriteFile(path, []byte("second prompt"), 0o644); err != nil {
		t.Fatalf("rewriting persona file: %v", err)
	}

	waitForPrompt(t, loader, "second prompt")
}

func TestWatcherKeepsPromptWhenReloadFails(t *testing.T) {
	dir := t.TempDir()
	path := writePersona(t, dir, "stable prompt")

	loader, err := New(path, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	loader.debounce = 10 * time.Millisecond
	t.Cleanup(func() { loader.Close() })

	if err := loader.StartWatching(context.Background()); err != nil {
		t.Fatalf("StartWatching: %v", err)
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("removing persona file: %v", err)
	}

	time.Sleep(150 * time.Millisecond)
	if got := loader.Prompt(); got != "stable prompt" {
		t.Errorf("Prompt() = %q, want the previous prompt kept", got)
	}
}

func TestWatcherIgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := writePersona(t, dir, "main prompt")

	loader, err := New(path, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	loader.debounce = 10 * time.Millisecond
	t.Cleanup(func() { loader.Close() })

	if err := loader.StartWatching(context.Background()); err != nil {
		t.Fatalf("StartWatching: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "other.txt"), []byte("noise"), 0o644); err != nil {
		t.Fatalf("writing sibling file: %v", err)
	}

	time.Sleep(150 * time.Millisecond)
	if got := loader.Prompt(); got != "main prompt" {
		t.Errorf("Prompt() = %q, want it untouched", got)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	path := writePersona(t, t.TempDir(), "prompt")

	loader, err := New(path, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := loader.StartWatching(context.Background()); err != nil {
		t.Fatalf("StartWatching: %v", err)
	}

	if err := loader.Close(); err != nil {
		t.Errorf("first Close: %v", err)
	}
	if err := loader.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
