// Package testutil provides testing utilities for Conductor tests.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// SetupProjectDir creates a temporary project directory containing files,
// keyed by slash-separated relative path. It is removed when the test ends.
func SetupProjectDir(t *testing.T, files map[string]string) string {
	t.Helper()

	dir := t.TempDir()
	for path, content := range files {
		WriteFile(t, dir, path, content)
	}
	return dir
}

// WriteFile writes content to dir/path, creating parent directories.
func WriteFile(t *testing.T, dir, path, content string) string {
	t.Helper()

	full := filepath.Join(dir, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatalf("failed to create directory for %s: %v", path, err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
	return full
}

// WaitFor polls cond every few milliseconds until it returns true or the
// timeout expires, in which case the test fails with msg.
func WaitFor(t *testing.T, timeout time.Duration, msg string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out after %v waiting for %s", timeout, msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// SkipIfRoot skips tests that rely on file permissions being enforced.
func SkipIfRoot(t *testing.T) {
	t.Helper()
	if os.Geteuid() == 0 {
		t.Skip("file permissions are not enforced for root")
	}
}
