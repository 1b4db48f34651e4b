package logging

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// LogEntry is one parsed line of a debug log.
type LogEntry struct {
	Timestamp time.Time      `json:"time"`
	Level     string         `json:"level"`
	Message   string         `json:"msg"`
	ProjectID string         `json:"project_id,omitempty"`
	StoryID   string         `json:"story_id,omitempty"`
	Role      string         `json:"role,omitempty"`
	Phase     string         `json:"phase,omitempty"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// LogFilter selects log entries. Zero fields match everything; set
// fields are combined with AND.
type LogFilter struct {
	// Level is the minimum level (DEBUG < INFO < WARN < ERROR).
	Level string
	Since time.Time
	Until time.Time

	ProjectID string
	StoryID   string
	Role      string
	Phase     string

	// MessageContains matches a substring of the message.
	MessageContains string
}

var levelOrder = map[string]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// contextFields are lifted out of Attrs into LogEntry fields.
var contextFields = []string{"time", "level", "msg", "project_id", "story_id", "role", "phase"}

// ReadLogs parses dir/debug.log, skipping lines that are not JSON, and
// returns the entries in timestamp order. Rotated backups are not read.
func ReadLogs(dir string) ([]LogEntry, error) {
	file, err := os.Open(filepath.Join(dir, LogFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no %s in %s: %w", LogFileName, dir, err)
		}
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer func() { _ = file.Close() }()

	var entries []LogEntry
	scanner := bufio.NewScanner(file)
	const maxLine = 1024 * 1024
	scanner.Buffer(make([]byte, 64*1024), maxLine)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		entry, err := parseLogEntry(line)
		if err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading log file: %w", err)
	}

	slices.SortStableFunc(entries, func(a, b LogEntry) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return entries, nil
}

func parseLogEntry(line string) (LogEntry, error) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return LogEntry{}, fmt.Errorf("invalid JSON: %w", err)
	}

	str := func(key string) string {
		s, _ := raw[key].(string)
		return s
	}
	entry := LogEntry{
		Level:     str("level"),
		Message:   str("msg"),
		ProjectID: str("project_id"),
		StoryID:   str("story_id"),
		Role:      str("role"),
		Phase:     str("phase"),
	}
	if t, err := time.Parse(time.RFC3339Nano, str("time")); err == nil {
		entry.Timestamp = t
	}
	for k, v := range raw {
		if slices.Contains(contextFields, k) {
			continue
		}
		if entry.Attrs == nil {
			entry.Attrs = make(map[string]any)
		}
		entry.Attrs[k] = v
	}
	return entry, nil
}

// FilterLogs returns the entries matching f.
func FilterLogs(entries []LogEntry, f LogFilter) []LogEntry {
	if f == (LogFilter{}) {
		return entries
	}
	var out []LogEntry
	for _, e := range entries {
		if f.matches(e) {
			out = append(out, e)
		}
	}
	return out
}

func (f LogFilter) matches(e LogEntry) bool {
	if f.Level != "" {
		floor, okFloor := levelOrder[strings.ToUpper(f.Level)]
		got, okGot := levelOrder[e.Level]
		if okFloor && okGot && got < floor {
			return false
		}
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	for _, c := range [][2]string{
		{f.ProjectID, e.ProjectID},
		{f.StoryID, e.StoryID},
		{f.Role, e.Role},
		{f.Phase, e.Phase},
	} {
		if c[0] != "" && c[0] != c[1] {
			return false
		}
	}
	return f.MessageContains == "" || strings.Contains(e.Message, f.MessageContains)
}

// ValidFormats returns the formats WriteEntries accepts.
func ValidFormats() []string {
	return []string{"text", "json", "csv"}
}

// WriteEntries writes entries to w as "text", "json" or "csv".
func WriteEntries(w io.Writer, entries []LogEntry, format string) error {
	switch strings.ToLower(format) {
	case "text", "":
		return writeText(w, entries)
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	case "csv":
		return writeCSV(w, entries)
	default:
		return fmt.Errorf("unsupported format %q (supported: %s)", format, strings.Join(ValidFormats(), ", "))
	}
}

// FormatText renders e as one human-readable line without a newline.
func FormatText(e LogEntry) string {
	parts := []string{
		"[" + e.Timestamp.Format("2006-01-02 15:04:05.000") + "]",
		fmt.Sprintf("%-5s", e.Level),
		e.Message,
	}
	var ctx []string
	for _, kv := range [][2]string{
		{"project", e.ProjectID},
		{"story", e.StoryID},
		{"role", e.Role},
		{"phase", e.Phase},
	} {
		if kv[1] != "" {
			ctx = append(ctx, kv[0]+"="+kv[1])
		}
	}
	if len(ctx) > 0 {
		parts = append(parts, "("+strings.Join(ctx, ", ")+")")
	}
	if len(e.Attrs) > 0 {
		if b, err := json.Marshal(e.Attrs); err == nil {
			parts = append(parts, string(b))
		}
	}
	return strings.Join(parts, " ")
}

func writeText(w io.Writer, entries []LogEntry) error {
	for _, e := range entries {
		if _, err := fmt.Fprintln(w, FormatText(e)); err != nil {
			return fmt.Errorf("failed to write text entry: %w", err)
		}
	}
	return nil
}

func writeCSV(w io.Writer, entries []LogEntry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"timestamp", "level", "message", "project_id", "story_id", "role", "phase", "attrs"}); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}
	for _, e := range entries {
		var attrs string
		if len(e.Attrs) > 0 {
			if b, err := json.Marshal(e.Attrs); err == nil {
				attrs = string(b)
			}
		}
		record := []string{
			e.Timestamp.Format(time.RFC3339Nano),
			e.Level,
			e.Message,
			e.ProjectID,
			e.StoryID,
			e.Role,
			e.Phase,
			attrs,
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("failed to write CSV record: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}
