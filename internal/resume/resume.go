// Package resume rebuilds the state of an interrupted project from what
// the store left on disk.
//
// The backlog logs are authoritative for epics and stories. The snapshot
// supplies everything else: messages, test and security data, code files
// and progress. Snapshot epics and stories are used only when the backlog
// is empty. A project with no persisted progress at all gets a heuristic
// estimate from the files in its directory.
package resume

import (
	"context"
	"os"

	"github.com/Iron-Ham/conductor/internal/errors"
	"github.com/Iron-Ham/conductor/internal/ledger"
	"github.com/Iron-Ham/conductor/internal/logging"
	"github.com/Iron-Ham/conductor/internal/model"
	"github.com/Iron-Ham/conductor/internal/store"
)

// Sources of the progress value of a Result.
const (
	SourceBacklog    = "backlog"
	SourceSnapshot   = "snapshot"
	SourceFilesystem = "filesystem"
)

// Result is a reconstructed state plus what reconstruction changed.
type Result struct {
	State *model.DevelopmentState
	// PreviousStatus is the status recorded by the interrupted process.
	PreviousStatus model.WorkflowStatus
	ProgressSource string
	// Interrupted lists stories that were in progress and are pending again.
	Interrupted []string
	// OrphanedRuns counts ledger runs closed as interrupted.
	OrphanedRuns int64
	// Scan is set when progress came from the filesystem.
	Scan *Scan
}

type options struct {
	dirName string
	logger  *logging.Logger
}

// Option configures Reconstruct.
type Option func(*options)

// WithDirName sets the store directory name.
func WithDirName(name string) Option {
	return func(o *options) { o.dirName = name }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Reconstruct opens the store and ledger of projectID in projectDir and
// rebuilds its state. It fails with ErrProjectNotFound when nothing was
// persisted.
func Reconstruct(ctx context.Context, projectID, projectDir string, opts ...Option) (*Result, error) {
	o := options{dirName: store.DefaultDirName}
	for _, opt := range opts {
		opt(&o)
	}
	st, err := store.New(projectID, projectDir, store.WithDirName(o.dirName), store.WithLogger(o.logger))
	if err != nil {
		return nil, err
	}

	var l *ledger.Ledger
	if _, err := os.Stat(st.LedgerPath()); err == nil {
		if l, err = ledger.Open(st.LedgerPath()); err != nil {
			return nil, err
		}
		defer func() { _ = l.Close() }()
	}
	return FromStore(ctx, st, l, o.logger)
}

// FromStore rebuilds the state persisted in st. The ledger is optional;
// when given, runs left open by the previous process are marked
// interrupted.
func FromStore(ctx context.Context, st *store.Store, l *ledger.Ledger, logger *logging.Logger) (*Result, error) {
	logger = logging.OrNop(logger).WithProject(st.ProjectID()).WithPhase("resume")

	snapshot, err := st.LoadProjectState()
	if err != nil && !errors.Is(err, errors.ErrProjectNotFound) {
		return nil, err
	}
	epics, err := st.LoadEpics()
	if err != nil {
		return nil, err
	}
	stories, err := st.LoadStories()
	if err != nil {
		return nil, err
	}
	messages, err := st.LoadMessages()
	if err != nil {
		return nil, err
	}
	if snapshot == nil && len(epics) == 0 && len(stories) == 0 {
		return nil, errors.NewNotFoundError("project", st.ProjectID()).WithCause(errors.ErrProjectNotFound)
	}

	res := &Result{}
	state := snapshot
	if state == nil {
		state = model.NewDevelopmentState(st.ProjectID(), st.ProjectDir())
		state.Config = model.DefaultWorkflowConfig()
	}
	res.PreviousStatus = state.Status

	if len(epics) > 0 {
		state.Epics = epics
	}
	if len(stories) > 0 {
		state.Stories = stories
	}
	if len(messages) > len(state.Messages) {
		state.Messages = messages
	}
	state.ProjectID = st.ProjectID()
	state.ProjectDir = st.ProjectDir()
	state.Status = model.StatusIdle

	for i := range state.Stories {
		s := &state.Stories[i]
		switch s.Status {
		case model.StoryInProgress:
			s.Status = model.StoryPending
			s.AssignedTo = ""
			res.Interrupted = append(res.Interrupted, s.ID)
		case model.StoryTesting:
			s.AssignedTo = ""
		}
	}
	state.RollupEpics()

	switch {
	case len(state.Stories) > 0:
		// Reported progress never goes backwards across a resume.
		if p := model.Progress(state.Stories); snapshot == nil || p >= snapshot.Progress {
			state.Progress = p
			res.ProgressSource = SourceBacklog
		} else {
			state.Progress = snapshot.Progress
			res.ProgressSource = SourceSnapshot
		}
	case snapshot != nil && snapshot.Progress > 0:
		res.ProgressSource = SourceSnapshot
	default:
		scan, err := ScanProject(st.ProjectDir(), st.Dir())
		if err != nil {
			logger.Warn("project scan failed", "error", err)
			break
		}
		res.Scan = scan
		state.Progress = scan.Progress()
		res.ProgressSource = SourceFilesystem
	}

	if l != nil {
		n, err := l.MarkInterrupted(ctx, st.ProjectID())
		if err != nil {
			return nil, err
		}
		res.OrphanedRuns = n
	}

	res.State = state
	logger.Info("state reconstructed",
		"previous_status", res.PreviousStatus,
		"stories", len(state.Stories),
		"interrupted", len(res.Interrupted),
		"progress", state.Progress,
		"progress_source", res.ProgressSource,
		"orphaned_runs", res.OrphanedRuns)
	return res, nil
}
