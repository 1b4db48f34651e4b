package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Iron-Ham/conductor/internal/errors"
	"github.com/Iron-Ham/conductor/internal/logging"
	"github.com/Iron-Ham/conductor/internal/model"
)

// File layout inside the store directory.
const (
	DefaultDirName   = ".conductor"
	StateFileName    = "state.json"
	BacklogDirName   = "backlog"
	EpicsFileName    = "epics.jsonl"
	StoriesFileName  = "stories.jsonl"
	MessagesFileName = "messages.jsonl"
	LedgerFileName   = "runs.db"

	DefaultCompactThreshold = 256
)

// Store persists the state of one project under {projectDir}/{dirName}.
// It is safe for concurrent use; writes are serialized by a mutex and an
// exclusive flock on store.lock.
type Store struct {
	projectID        string
	projectDir       string
	dir              string
	compactThreshold int
	logger           *logging.Logger

	mu         sync.Mutex
	lineCounts map[string]int
}

// Option configures a Store.
type Option func(*Store)

// WithDirName overrides the store directory name.
func WithDirName(name string) Option {
	return func(s *Store) {
		if name != "" {
			s.dir = filepath.Join(s.projectDir, name)
		}
	}
}

// WithCompactThreshold sets how many lines a backlog log may hold before
// it is compacted. Zero or less disables threshold compaction.
func WithCompactThreshold(n int) Option {
	return func(s *Store) { s.compactThreshold = n }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New opens the store of projectID rooted at projectDir, creating the
// directory layout if needed.
func New(projectID, projectDir string, opts ...Option) (*Store, error) {
	if projectID == "" {
		return nil, errors.NewValidationError("project id is required").WithField("projectId")
	}
	abs, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, errors.NewValidationError("invalid project directory").WithField("projectDir").WithCause(err)
	}

	s := &Store{
		projectID:        projectID,
		projectDir:       abs,
		dir:              filepath.Join(abs, DefaultDirName),
		compactThreshold: DefaultCompactThreshold,
		lineCounts:       make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrNop(s.logger).WithProject(projectID)

	if err := os.MkdirAll(filepath.Join(s.dir, BacklogDirName), 0o755); err != nil {
		return nil, errors.NewPersistenceError("create store directory", err).
			WithOperation("open").WithPath(s.dir).WithRetryable(false)
	}
	return s, nil
}

// ProjectID returns the project the store belongs to.
func (s *Store) ProjectID() string { return s.projectID }

// ProjectDir returns the absolute project directory.
func (s *Store) ProjectDir() string { return s.projectDir }

// Dir returns the store directory.
func (s *Store) Dir() string { return s.dir }

// StatePath returns the snapshot path.
func (s *Store) StatePath() string { return filepath.Join(s.dir, StateFileName) }

// EpicsPath returns the epic log path.
func (s *Store) EpicsPath() string { return filepath.Join(s.dir, BacklogDirName, EpicsFileName) }

// StoriesPath returns the story log path.
func (s *Store) StoriesPath() string { return filepath.Join(s.dir, BacklogDirName, StoriesFileName) }

// MessagesPath returns the message log path.
func (s *Store) MessagesPath() string { return filepath.Join(s.dir, MessagesFileName) }

// LedgerPath returns the path of the agent run ledger database.
func (s *Store) LedgerPath() string { return filepath.Join(s.dir, LedgerFileName) }

// HasState reports whether a snapshot or any backlog entry exists.
func (s *Store) HasState() bool {
	for _, p := range []string{s.StatePath(), s.StoriesPath(), s.EpicsPath()} {
		if info, err := os.Stat(p); err == nil && info.Size() > 0 {
			return true
		}
	}
	return false
}

// withLock runs fn holding the in-process mutex and the store flock.
// Failures are reported as PersistenceError tagged with op and path.
func (s *Store) withLock(op, path string, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fl := NewFileLock(s.dir)
	if err := fl.Lock(); err != nil {
		return errors.NewPersistenceError("acquire store lock", err).WithOperation(op).WithPath(s.dir)
	}
	defer func() { _ = fl.Unlock() }()

	if err := fn(); err != nil {
		var pe *errors.PersistenceError
		if errors.As(err, &pe) {
			return err
		}
		return errors.NewPersistenceError(op+" failed", err).WithOperation(op).WithPath(path)
	}
	return nil
}

// LoadProjectState reads the snapshot. It returns an error matching
// errors.ErrProjectNotFound if no snapshot has been written.
func (s *Store) LoadProjectState() (*model.DevelopmentState, error) {
	var state *model.DevelopmentState
	err := s.withLock("load_state", s.StatePath(), func() error {
		var err error
		state, err = s.readSnapshot()
		return err
	})
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, errors.NewNotFoundError("project", s.projectID).WithCause(errors.ErrProjectNotFound)
	}
	return state, nil
}

// readSnapshot returns nil, nil when the snapshot does not exist.
func (s *Store) readSnapshot() (*model.DevelopmentState, error) {
	data, err := os.ReadFile(s.StatePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var state model.DevelopmentState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, errors.NewPersistenceError("decode snapshot", errors.Join(errors.ErrStateCorrupted, err)).
			WithOperation("load_state").WithPath(s.StatePath()).WithRetryable(false)
	}
	normalize(&state)
	return &state, nil
}

func normalize(state *model.DevelopmentState) {
	if state.Epics == nil {
		state.Epics = []model.Epic{}
	}
	if state.Stories == nil {
		state.Stories = []model.Story{}
	}
	if state.Messages == nil {
		state.Messages = []model.AgentMessage{}
	}
	if state.CodeFiles == nil {
		state.CodeFiles = map[string]model.CodeFile{}
	}
}

func (s *Store) writeSnapshot(state *model.DevelopmentState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.StatePath(), data)
}

// updateSnapshot applies fn to the current snapshot, creating an empty one
// if none exists, and writes it back.
func (s *Store) updateSnapshot(op string, fn func(*model.DevelopmentState)) error {
	return s.withLock(op, s.StatePath(), func() error {
		state, err := s.readSnapshot()
		if err != nil {
			return err
		}
		if state == nil {
			state = model.NewDevelopmentState(s.projectID, s.projectDir)
		}
		fn(state)
		state.UpdatedAt = time.Now()
		return s.writeSnapshot(state)
	})
}

// SaveProjectState writes a full snapshot and compacts the logs.
func (s *Store) SaveProjectState(state *model.DevelopmentState) error {
	if state == nil {
		return errors.NewValidationError("state is required")
	}
	return s.withLock("save_state", s.StatePath(), func() error {
		if err := s.writeSnapshot(state); err != nil {
			return err
		}
		return s.compactLocked()
	})
}

// UpdateEpics appends a version of each epic to the backlog.
func (s *Store) UpdateEpics(epics []model.Epic) error {
	return s.appendLog("update_epics", s.EpicsPath(), func() error {
		return appendLines(s.EpicsPath(), epics)
	}, len(epics))
}

// UpdateStories appends a version of each story to the backlog.
func (s *Store) UpdateStories(stories []model.Story) error {
	return s.appendLog("update_stories", s.StoriesPath(), func() error {
		return appendLines(s.StoriesPath(), stories)
	}, len(stories))
}

// AppendMessage appends a message to the transcript log.
func (s *Store) AppendMessage(msg model.AgentMessage) error {
	return s.appendLog("append_message", s.MessagesPath(), func() error {
		return appendLines(s.MessagesPath(), []model.AgentMessage{msg})
	}, 1)
}

func (s *Store) appendLog(op, path string, write func() error, n int) error {
	if n == 0 {
		return nil
	}
	return s.withLock(op, path, func() error {
		count, err := s.lineCountLocked(path)
		if err != nil {
			return err
		}
		if err := write(); err != nil {
			return err
		}
		s.lineCounts[path] = count + n
		if s.compactThreshold > 0 && s.lineCounts[path] > s.compactThreshold {
			s.logger.Debug("compacting log", "path", path, "lines", s.lineCounts[path])
			return s.compactFileLocked(path)
		}
		return nil
	})
}

func (s *Store) lineCountLocked(path string) (int, error) {
	if n, ok := s.lineCounts[path]; ok {
		return n, nil
	}
	n, err := countLines(path)
	if err != nil {
		return 0, err
	}
	s.lineCounts[path] = n
	return n, nil
}

// UpdateTestResults replaces the aggregated test results in the snapshot.
func (s *Store) UpdateTestResults(results model.TestResults) error {
	return s.updateSnapshot("update_test_results", func(st *model.DevelopmentState) {
		st.TestResults = &results
	})
}

// UpdateSecurityReport replaces the aggregated security report.
func (s *Store) UpdateSecurityReport(report model.SecurityReport) error {
	return s.updateSnapshot("update_security_report", func(st *model.DevelopmentState) {
		st.SecurityReport = &report
	})
}

// UpdateProjectProgress records progress and stamps progressUpdatedAt.
func (s *Store) UpdateProjectProgress(progress int) error {
	return s.updateSnapshot("update_progress", func(st *model.DevelopmentState) {
		now := time.Now()
		st.Progress = progress
		st.ProgressUpdatedAt = &now
	})
}

// UpdateStatus records the workflow status. A non-empty errMsg is appended
// to the run errors.
func (s *Store) UpdateStatus(status model.WorkflowStatus, errMsg string) error {
	return s.updateSnapshot("update_status", func(st *model.DevelopmentState) {
		now := time.Now()
		st.Status = status
		if status.IsTerminal() && st.CompletedAt == nil {
			st.CompletedAt = &now
		}
		if errMsg != "" {
			st.Errors = append(st.Errors, model.StateError{Message: errMsg, Time: now})
		}
	})
}

// UpdateCodeFile records the latest version of a code file.
func (s *Store) UpdateCodeFile(file model.CodeFile) error {
	return s.updateSnapshot("update_code_file", func(st *model.DevelopmentState) {
		st.CodeFiles[file.Path] = file
	})
}

// LoadEpics replays the epic log.
func (s *Store) LoadEpics() ([]model.Epic, error) {
	var out []model.Epic
	err := s.withLock("load_epics", s.EpicsPath(), func() error {
		records, _, err := readLines[model.Epic](s.EpicsPath())
		out = lastWins(records, func(e model.Epic) string { return e.ID })
		return err
	})
	return out, err
}

// LoadStories replays the story log.
func (s *Store) LoadStories() ([]model.Story, error) {
	var out []model.Story
	err := s.withLock("load_stories", s.StoriesPath(), func() error {
		records, _, err := readLines[model.Story](s.StoriesPath())
		out = lastWins(records, func(st model.Story) string { return st.ID })
		return err
	})
	return out, err
}

// LoadMessages replays the message log, dropping repeated ids.
func (s *Store) LoadMessages() ([]model.AgentMessage, error) {
	var out []model.AgentMessage
	err := s.withLock("load_messages", s.MessagesPath(), func() error {
		records, _, err := readLines[model.AgentMessage](s.MessagesPath())
		out = lastWins(records, func(m model.AgentMessage) string { return m.ID })
		return err
	})
	return out, err
}

// Compact rewrites every log with one line per entity.
func (s *Store) Compact() error {
	return s.withLock("compact", s.dir, s.compactLocked)
}

func (s *Store) compactLocked() error {
	for _, path := range []string{s.EpicsPath(), s.StoriesPath(), s.MessagesPath()} {
		if err := s.compactFileLocked(path); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) compactFileLocked(path string) error {
	var (
		n   int
		err error
	)
	switch path {
	case s.EpicsPath():
		n, err = compactFile(path, func(e model.Epic) string { return e.ID })
	case s.StoriesPath():
		n, err = compactFile(path, func(st model.Story) string { return st.ID })
	case s.MessagesPath():
		n, err = compactFile(path, func(m model.AgentMessage) string { return m.ID })
	}
	if err != nil {
		return errors.NewPersistenceError("compact log", err).WithOperation("compact").WithPath(path)
	}
	s.lineCounts[path] = n
	return nil
}

func compactFile[T any](path string, id func(T) string) (int, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return 0, nil
	}
	records, lines, err := readLines[T](path)
	if err != nil {
		return 0, err
	}
	merged := lastWins(records, id)
	if len(merged) == lines {
		return lines, nil
	}
	return len(merged), rewriteLines(path, merged)
}
