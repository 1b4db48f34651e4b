// Package ledger records every agent invocation of a project in a SQLite
// database so that attempt history survives restarts.
package ledger

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Iron-Ham/conductor/internal/errors"
)

// Run statuses.
const (
	StatusRunning     = "running"
	StatusSucceeded   = "succeeded"
	StatusFailed      = "failed"
	StatusInterrupted = "interrupted"
)

// Run is one recorded agent invocation.
type Run struct {
	ID        string
	ProjectID string
	Role      string
	StoryID   string
	Attempt   int
	Status    string
	Error     string
	OutputLen int
	StartedAt time.Time
	EndedAt   *time.Time
}

// Duration returns how long the run took, or zero while it is running.
func (r Run) Duration() time.Duration {
	if r.EndedAt == nil {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// Ledger wraps the run database.
type Ledger struct {
	db   *sql.DB
	path string
}

// Open opens or creates the ledger at path.
func Open(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create ledger directory")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open ledger")
	}
	// One connection keeps writers from racing for the database lock.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "enable WAL")
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "set busy timeout")
	}

	l := &Ledger{db: db, path: path}
	if err := l.migrate(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ledger migration failed")
	}
	return l, nil
}

// Path returns the database file path.
func (l *Ledger) Path() string { return l.path }

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) migrate() error {
	if _, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)
	`); err != nil {
		return errors.Wrap(err, "create migrations table")
	}

	var version int
	if err := l.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		return errors.Wrap(err, "read migration version")
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migration1},
		{2, migration2},
	}
	for _, m := range migrations {
		if m.version <= version {
			continue
		}
		if _, err := l.db.Exec(m.sql); err != nil {
			return errors.Wrapf(err, "migration %d", m.version)
		}
		if _, err := l.db.Exec("INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)",
			m.version, time.Now().UnixMilli()); err != nil {
			return errors.Wrapf(err, "record migration %d", m.version)
		}
	}
	return nil
}

// Migration 1: runs table
const migration1 = `
CREATE TABLE IF NOT EXISTS agent_runs (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    role TEXT NOT NULL,
    story_id TEXT NOT NULL DEFAULT '',
    attempt INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'running',
    error TEXT NOT NULL DEFAULT '',
    started_at INTEGER NOT NULL,
    ended_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_agent_runs_status ON agent_runs(status);
CREATE INDEX IF NOT EXISTS idx_agent_runs_story ON agent_runs(project_id, story_id);
`

// Migration 2: output size
const migration2 = `
ALTER TABLE agent_runs ADD COLUMN output_len INTEGER NOT NULL DEFAULT 0;
`

// Begin records a running invocation.
func (l *Ledger) Begin(ctx context.Context, r Run) error {
	if r.ID == "" {
		return errors.NewValidationError("run id is required").WithField("id")
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO agent_runs (id, project_id, role, story_id, attempt, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.ProjectID, r.Role, r.StoryID, r.Attempt, StatusRunning, r.StartedAt.UnixMilli())
	if err != nil {
		return errors.Wrapf(err, "insert run %s", r.ID)
	}
	return nil
}

// Finish records the outcome of a run.
func (l *Ledger) Finish(ctx context.Context, id, status, errText string, outputLen int) error {
	res, err := l.db.ExecContext(ctx, `
		UPDATE agent_runs SET status = ?, error = ?, output_len = ?, ended_at = ?
		WHERE id = ?
	`, status, errText, outputLen, time.Now().UnixMilli(), id)
	if err != nil {
		return errors.Wrapf(err, "finish run %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("run", id)
	}
	return nil
}

// MarkInterrupted closes every run still marked running. It is called on
// resume, when no invocation of a previous process can still be alive.
func (l *Ledger) MarkInterrupted(ctx context.Context, projectID string) (int64, error) {
	res, err := l.db.ExecContext(ctx, `
		UPDATE agent_runs SET status = ?, ended_at = ?, error = 'process exited before the run finished'
		WHERE status = ? AND project_id = ?
	`, StatusInterrupted, time.Now().UnixMilli(), StatusRunning, projectID)
	if err != nil {
		return 0, errors.Wrap(err, "mark interrupted runs")
	}
	return res.RowsAffected()
}

// Runs returns every run of a project in start order.
func (l *Ledger) Runs(ctx context.Context, projectID string) ([]Run, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, project_id, role, story_id, attempt, status, error, output_len, started_at, ended_at
		FROM agent_runs WHERE project_id = ? ORDER BY started_at, rowid
	`, projectID)
	if err != nil {
		return nil, errors.Wrap(err, "query runs")
	}
	defer func() { _ = rows.Close() }()

	var runs []Run
	for rows.Next() {
		var (
			r       Run
			started int64
			ended   sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.ProjectID, &r.Role, &r.StoryID, &r.Attempt, &r.Status,
			&r.Error, &r.OutputLen, &started, &ended); err != nil {
			return nil, errors.Wrap(err, "scan run")
		}
		r.StartedAt = time.UnixMilli(started)
		if ended.Valid {
			t := time.UnixMilli(ended.Int64)
			r.EndedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// StoryStats summarizes the runs of one story.
type StoryStats struct {
	Runs   int
	Failed int
}

// StatsByStory returns run counts per story id for a project. Planning
// runs are excluded.
func (l *Ledger) StatsByStory(ctx context.Context, projectID string) (map[string]StoryStats, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT story_id, COUNT(*), SUM(CASE WHEN status = ? THEN 1 ELSE 0 END)
		FROM agent_runs WHERE project_id = ? AND story_id != ''
		GROUP BY story_id
	`, StatusFailed, projectID)
	if err != nil {
		return nil, errors.Wrap(err, "query story stats")
	}
	defer func() { _ = rows.Close() }()

	stats := make(map[string]StoryStats)
	for rows.Next() {
		var (
			id string
			s  StoryStats
		)
		if err := rows.Scan(&id, &s.Runs, &s.Failed); err != nil {
			return nil, errors.Wrap(err, "scan story stats")
		}
		stats[id] = s
	}
	return stats, rows.Err()
}
