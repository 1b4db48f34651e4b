package watch

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/conductor/internal/model"
)

type collector struct {
	mu      sync.Mutex
	changes map[string]model.FileOperation
}

func (c *collector) add(batch []Change) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range batch {
		c.changes[ch.Path] = ch.Operation
	}
}

func (c *collector) get(path string) (model.FileOperation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	op, ok := c.changes[path]
	return op, ok
}

func waitForChange(t *testing.T, c *collector, path string, want model.FileOperation) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if op, ok := c.get(path); ok && op == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	op, _ := c.get(path)
	t.Fatalf("change for %s = %q, want %q", path, op, want)
}

func startWatcher(t *testing.T, dir string) *collector {
	t.Helper()
	w, err := New(dir, nil, ".state")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	c := &collector{changes: make(map[string]model.FileOperation)}
	w.SetCallback(c.add)
	w.SetDebounce(10 * time.Millisecond)
	w.Start()
	t.Cleanup(w.Stop)
	return c
}

func TestWatcher_ReportsChanges(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "existing.go"), []byte("package x"), 0o644); err != nil {
		t.Fatal(err)
	}
	c := startWatcher(t, dir)

	if err := os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitForChange(t, c, "main.go", model.FileCreated)

	if err := os.WriteFile(filepath.Join(dir, "existing.go"), []byte("package y"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitForChange(t, c, "existing.go", model.FileModified)

	if err := os.Remove(filepath.Join(dir, "existing.go")); err != nil {
		t.Fatal(err)
	}
	waitForChange(t, c, "existing.go", model.FileDeleted)
}

func TestWatcher_NewDirectoriesAreWatched(t *testing.T) {
	dir := t.TempDir()
	c := startWatcher(t, dir)

	sub := filepath.Join(dir, "api", "routes")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	// Give the watcher time to register the new directories.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(sub, "users.go"), []byte("package routes"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitForChange(t, c, "api/routes/users.go", model.FileCreated)
}

func TestWatcher_IgnoresStateDirectories(t *testing.T) {
	dir := t.TempDir()
	for _, d := range []string{".git", ".state"} {
		if err := os.MkdirAll(filepath.Join(dir, d), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	c := startWatcher(t, dir)

	for _, p := range []string{".git/HEAD", ".state/state.json"} {
		if err := os.WriteFile(filepath.Join(dir, p), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "visible.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitForChange(t, c, "visible.txt", model.FileCreated)

	for _, p := range []string{".git/HEAD", ".state/state.json"} {
		if _, ok := c.get(p); ok {
			t.Errorf("ignored path %s was reported", p)
		}
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	w, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	w.Start()
	w.Stop()
	w.Stop()

	unstarted, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	unstarted.Stop()
}

func TestNew_MissingDirectory(t *testing.T) {
	if _, err := New(filepath.Join(t.TempDir(), "missing"), nil); err == nil {
		t.Error("New() on a missing directory should fail")
	}
}
