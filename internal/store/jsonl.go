package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// maxLineSize bounds a single log line; messages can carry long agent output.
const maxLineSize = 16 << 20

// appendLines appends one JSON document per value to path. If a previous
// writer crashed mid-line the partial line is terminated first so the new
// records stay parseable.
func appendLines[T any](path string, values []T) error {
	if len(values) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for _, v := range values {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open log for append: %w", err)
	}

	if info, err := f.Stat(); err == nil && info.Size() > 0 {
		last := make([]byte, 1)
		if _, err := f.ReadAt(last, info.Size()-1); err == nil && last[0] != '\n' {
			if _, err := f.Write([]byte{'\n'}); err != nil {
				_ = f.Close()
				return fmt.Errorf("terminate partial line: %w", err)
			}
		}
	}

	if _, err := f.Write(buf.Bytes()); err != nil {
		_ = f.Close()
		return fmt.Errorf("append to log: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync log: %w", err)
	}
	return f.Close()
}

// readLines decodes every well-formed line of path. Blank and malformed
// lines are skipped; a missing file yields no records. It also returns the
// number of non-blank lines seen.
func readLines[T any](path string) ([]T, int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("open log: %w", err)
	}
	defer func() { _ = f.Close() }()

	var (
		out   []T
		lines int
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		lines++
		var v T
		if err := json.Unmarshal(line, &v); err != nil {
			continue
		}
		out = append(out, v)
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("scan log: %w", err)
	}
	return out, lines, nil
}

// countLines returns the number of newline-terminated lines in path.
func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer func() { _ = f.Close() }()

	n := 0
	buf := make([]byte, 32*1024)
	for {
		c, err := f.Read(buf)
		n += bytes.Count(buf[:c], []byte{'\n'})
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, err
		}
	}
}

// lastWins replays records keyed by id: the last version of each id wins
// while ids keep the position of their first appearance.
func lastWins[T any](records []T, id func(T) string) []T {
	index := make(map[string]int, len(records))
	out := make([]T, 0, len(records))
	for _, r := range records {
		key := id(r)
		if key == "" {
			continue
		}
		if i, ok := index[key]; ok {
			out[i] = r
			continue
		}
		index[key] = len(out)
		out = append(out, r)
	}
	return out
}

// writeFileAtomic writes data to a sibling temp file, syncs it and renames
// it over path.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// rewriteLines atomically replaces path with one line per value.
func rewriteLines[T any](path string, values []T) error {
	var buf bytes.Buffer
	for _, v := range values {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}
	return writeFileAtomic(path, buf.Bytes())
}
