package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func readEntries(t *testing.T, path string) []map[string]any {
	t.Helper()
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	var entries []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(content)), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("line is not valid JSON: %v: %q", err, line)
		}
		entries = append(entries, entry)
	}
	return entries
}

func TestNewLogger(t *testing.T) {
	t.Run("creates log file in directory", func(t *testing.T) {
		dir := t.TempDir()

		logger, err := NewLogger(dir, LevelDebug)
		if err != nil {
			t.Fatalf("NewLogger failed: %v", err)
		}
		defer func() { _ = logger.Close() }()

		if _, err := os.Stat(filepath.Join(dir, LogFileName)); err != nil {
			t.Errorf("log file was not created: %v", err)
		}
	})

	t.Run("creates missing directory", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", ".conductor")

		logger, err := NewLogger(dir, LevelInfo)
		if err != nil {
			t.Fatalf("NewLogger failed: %v", err)
		}
		defer func() { _ = logger.Close() }()

		if _, err := os.Stat(dir); err != nil {
			t.Errorf("directory was not created: %v", err)
		}
	})

	t.Run("stderr logger closes cleanly", func(t *testing.T) {
		logger, err := NewLogger("", LevelInfo)
		if err != nil {
			t.Fatalf("NewLogger failed: %v", err)
		}
		if err := logger.Close(); err != nil {
			t.Errorf("Close() = %v, want nil", err)
		}
	})
}

func TestLogLevelFiltering(t *testing.T) {
	tests := []struct {
		level string
		want  int
	}{
		{LevelDebug, 4},
		{LevelInfo, 3},
		{LevelWarn, 2},
		{LevelError, 1},
		{"bogus", 3},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewWriterLogger(&buf, tt.level)

			logger.Debug("debug message")
			logger.Info("info message")
			logger.Warn("warn message")
			logger.Error("error message")

			lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
			if len(lines) != tt.want {
				t.Errorf("got %d lines, want %d: %s", len(lines), tt.want, buf.String())
			}
		})
	}
}

func TestContextPropagation(t *testing.T) {
	dir := t.TempDir()

	logger, err := NewLogger(dir, LevelInfo)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	child := logger.WithProject("shop").WithStory("story-3").WithRole("coder").WithPhase("developing")
	child.Info("story claimed", "worker", "coder-1")
	_ = logger.Close()

	entries := readEntries(t, filepath.Join(dir, LogFileName))
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}

	want := map[string]string{
		"project_id": "shop",
		"story_id":   "story-3",
		"role":       "coder",
		"phase":      "developing",
		"worker":     "coder-1",
		"msg":        "story claimed",
	}
	for k, v := range want {
		if entries[0][k] != v {
			t.Errorf("entry[%q] = %v, want %q", k, entries[0][k], v)
		}
	}
}

func TestWith(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, LevelInfo)

	logger.With("foo", "bar", "count", 42, 7, "ignored").Info("test message")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log entry: %v", err)
	}
	if entry["foo"] != "bar" {
		t.Errorf("foo = %v, want bar", entry["foo"])
	}
	if entry["count"] != float64(42) {
		t.Errorf("count = %v, want 42", entry["count"])
	}

	if logger.With() != logger {
		t.Error("With() with no args should return the same logger")
	}
}

func TestChildLoggersShareClose(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(dir, LevelInfo)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	child := logger.WithProject("p")

	if err := child.Close(); err != nil {
		t.Fatalf("child Close() = %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("second Close() = %v, want nil", err)
	}
}

func TestNopLogger(t *testing.T) {
	logger := NopLogger()
	logger.Debug("debug")
	logger.Error("error")
	if err := logger.Close(); err != nil {
		t.Errorf("NopLogger.Close() = %v", err)
	}

	if OrNop(nil) == nil {
		t.Error("OrNop(nil) returned nil")
	}
	if OrNop(logger) != logger {
		t.Error("OrNop(logger) should return logger unchanged")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"DEBUG", LevelDebug},
		{"debug", LevelDebug},
		{"info", LevelInfo},
		{"Warn", LevelWarn},
		{"error", LevelError},
		{"invalid", LevelInfo},
		{"", LevelInfo},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.input); got != tt.want {
			t.Errorf("ParseLevel(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}

	if got := strings.Join(ValidLevels(), ","); got != "DEBUG,INFO,WARN,ERROR" {
		t.Errorf("ValidLevels() = %q", got)
	}
}

func TestConcurrentWrites(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(dir, LevelInfo)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				logger.WithStory("s").Info("concurrent write", "worker", n, "iteration", j)
			}
		}(i)
	}
	wg.Wait()
	_ = logger.Close()

	if got := len(readEntries(t, filepath.Join(dir, LogFileName))); got != 400 {
		t.Errorf("got %d entries, want 400", got)
	}
}
