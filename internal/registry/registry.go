// Package registry tracks the orchestrators running in this process, one
// per project id.
package registry

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Iron-Ham/conductor/internal/errors"
	"github.com/Iron-Ham/conductor/internal/event"
	"github.com/Iron-Ham/conductor/internal/ledger"
	"github.com/Iron-Ham/conductor/internal/logging"
	"github.com/Iron-Ham/conductor/internal/model"
	"github.com/Iron-Ham/conductor/internal/orchestrator"
	"github.com/Iron-Ham/conductor/internal/resume"
	"github.com/Iron-Ham/conductor/internal/store"
)

// Policies for a start request naming a project that is already running.
const (
	OnDuplicateAttach = "attach"
	OnDuplicateReject = "reject"
)

// Project is an orchestrator together with the resources it owns.
type Project struct {
	Core *orchestrator.Core
	// Store and Ledger are used to reconstruct a persisted run. Either may
	// be nil for in-memory projects.
	Store  *store.Store
	Ledger *ledger.Ledger
	// Close releases the project's resources after its run has ended.
	Close func() error
}

func (p *Project) close() error {
	if p.Close == nil {
		return nil
	}
	return p.Close()
}

// Factory builds an idle project for projectID rooted at projectDir.
type Factory func(projectID, projectDir string) (*Project, error)

// Status is the last-known lifecycle status of a project, as observed
// from its events.
type Status struct {
	ProjectID string               `json:"projectId"`
	Status    model.WorkflowStatus `json:"status"`
	Progress  int                  `json:"progress"`
	Active    bool                 `json:"active"`
	UpdatedAt time.Time            `json:"updatedAt"`
}

type entry struct {
	project *Project
	lock    *RunLock
	sub     string
}

// Registry owns the mapping from project id to running orchestrator. A
// project is registered by Start or Resume and deregistered when its bus
// publishes a terminal lifecycle event.
type Registry struct {
	factory Factory
	policy  string
	logger  *logging.Logger

	mu     sync.Mutex
	active map[string]*entry

	statusMu sync.RWMutex
	last     map[string]Status
}

// New creates a registry. An unknown policy falls back to attach.
func New(factory Factory, policy string, logger *logging.Logger) *Registry {
	if policy != OnDuplicateReject {
		policy = OnDuplicateAttach
	}
	return &Registry{
		factory: factory,
		policy:  policy,
		logger:  logging.OrNop(logger),
		active:  make(map[string]*entry),
		last:    make(map[string]Status),
	}
}

// Policy returns the duplicate start policy.
func (r *Registry) Policy() string {
	return r.policy
}

// Start runs requirements for projectID. When the project is already
// running it either returns the running core with attached set, or fails
// with ErrAlreadyRunning under the reject policy. The run outlives ctx; use
// Stop to end it.
func (r *Registry) Start(ctx context.Context, projectID, projectDir, requirements string, cfg model.WorkflowConfig) (core *orchestrator.Core, attached bool, err error) {
	if strings.TrimSpace(requirements) == "" {
		return nil, false, errors.NewValidationError("requirements are required").WithField("requirements")
	}
	return r.launch(projectID, projectDir, func(p *Project) error {
		return p.Core.Start(context.WithoutCancel(ctx), requirements, cfg)
	})
}

// Resume reconstructs the persisted state of projectID and continues it.
// Overrides, when non-nil, replaces the persisted workflow config.
func (r *Registry) Resume(ctx context.Context, projectID, projectDir string, override *model.WorkflowConfig) (core *orchestrator.Core, attached bool, err error) {
	return r.launch(projectID, projectDir, func(p *Project) error {
		if p.Store == nil {
			return fmt.Errorf("%w: project %s has no store", errors.ErrProjectNotFound, projectID)
		}
		res, err := resume.FromStore(ctx, p.Store, p.Ledger, r.logger)
		if err != nil {
			return err
		}
		if override != nil {
			res.State.Config = *override
		}
		r.logger.Info("project reconstructed", "project_id", projectID,
			"stories", len(res.State.Stories), "progress", res.State.Progress, "source", res.ProgressSource)
		return p.Core.Continue(context.WithoutCancel(ctx), *res.State)
	})
}

func (r *Registry) launch(projectID, projectDir string, begin func(*Project) error) (*orchestrator.Core, bool, error) {
	if projectID == "" {
		return nil, false, errors.NewValidationError("project id is required").WithField("projectId")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.active[projectID]; ok {
		if r.policy == OnDuplicateReject {
			return nil, false, fmt.Errorf("%w: project %s", errors.ErrAlreadyRunning, projectID)
		}
		r.logger.Info("attached to running project", "project_id", projectID)
		return e.project.Core, true, nil
	}

	p, err := r.factory(projectID, projectDir)
	if err != nil {
		return nil, false, err
	}
	e := &entry{project: p}
	if p.Store != nil {
		if e.lock, err = AcquireLock(p.Store.Dir(), projectID, r.logger); err != nil {
			_ = p.close()
			return nil, false, err
		}
	}
	e.sub = p.Core.Bus().SubscribeAll(r.observe(projectID, p.Core))
	r.active[projectID] = e

	if err := begin(p); err != nil {
		delete(r.active, projectID)
		p.Core.Bus().Unsubscribe(e.sub)
		_ = e.lock.Release()
		_ = p.close()
		return nil, false, err
	}
	return p.Core, false, nil
}

// observe records lifecycle events of projectID and deregisters core once
// it reaches a terminal status.
func (r *Registry) observe(projectID string, core *orchestrator.Core) event.Handler {
	return func(e event.Event) {
		status, progress, ok := lifecycleStatus(e)
		if !ok {
			if ev, isCompleted := e.(event.StoryCompletedEvent); isCompleted {
				r.setProgress(projectID, ev.Progress, ev.Timestamp())
			}
			return
		}
		terminal := status.IsTerminal()
		r.statusMu.Lock()
		r.last[projectID] = Status{
			ProjectID: projectID,
			Status:    status,
			Progress:  progress,
			Active:    !terminal,
			UpdatedAt: e.Timestamp(),
		}
		r.statusMu.Unlock()

		if terminal {
			r.release(projectID, core)
		}
	}
}

func lifecycleStatus(e event.Event) (model.WorkflowStatus, int, bool) {
	switch ev := e.(type) {
	case event.WorkflowStartedEvent:
		return model.StatusPlanning, 0, true
	case event.WorkflowStatusEvent:
		return ev.To, ev.Progress, true
	case event.WorkflowCompletedEvent:
		return model.StatusCompleted, ev.Progress, true
	case event.WorkflowErrorEvent:
		return model.StatusError, ev.Progress, true
	}
	return "", 0, false
}

func (r *Registry) setProgress(projectID string, progress int, at time.Time) {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	s, ok := r.last[projectID]
	if !ok || progress < s.Progress {
		return
	}
	s.Progress = progress
	s.UpdatedAt = at
	r.last[projectID] = s
}

func (r *Registry) release(projectID string, core *orchestrator.Core) {
	r.mu.Lock()
	e, ok := r.active[projectID]
	if !ok || e.project.Core != core {
		r.mu.Unlock()
		return
	}
	delete(r.active, projectID)
	r.mu.Unlock()

	core.Bus().Unsubscribe(e.sub)
	r.logger.Info("project deregistered", "project_id", projectID, "status", core.Status())
	go func() {
		<-core.Done()
		if err := e.lock.Release(); err != nil {
			r.logger.Warn("release run lock", "project_id", projectID, "error", err)
		}
		if err := e.project.close(); err != nil {
			r.logger.Warn("close project", "project_id", projectID, "error", err)
		}
	}()
}

// Get returns the running core of projectID.
func (r *Registry) Get(projectID string) (*orchestrator.Core, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.active[projectID]
	if !ok {
		return nil, false
	}
	return e.project.Core, true
}

// Lookup is Get with an error that tells a finished project (ErrNotRunning)
// from an unknown one (ErrProjectNotFound).
func (r *Registry) Lookup(projectID string) (*orchestrator.Core, error) {
	if core, ok := r.Get(projectID); ok {
		return core, nil
	}
	if s, ok := r.LastStatus(projectID); ok {
		return nil, fmt.Errorf("%w: project %s is %s", errors.ErrNotRunning, projectID, s.Status)
	}
	return nil, errors.NewNotFoundError("project", projectID).WithCause(errors.ErrProjectNotFound)
}

// LastStatus returns the last status observed for projectID.
func (r *Registry) LastStatus(projectID string) (Status, bool) {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()
	s, ok := r.last[projectID]
	return s, ok
}

// List returns the last-known status of every project seen, sorted by id.
func (r *Registry) List() []Status {
	r.statusMu.RLock()
	out := make([]Status, 0, len(r.last))
	for _, s := range r.last {
		out = append(out, s)
	}
	r.statusMu.RUnlock()
	slices.SortFunc(out, func(a, b Status) int { return strings.Compare(a.ProjectID, b.ProjectID) })
	return out
}

// Active returns the ids of running projects.
func (r *Registry) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// StopAll stops every running project and waits for them to drain.
func (r *Registry) StopAll(ctx context.Context) error {
	r.mu.Lock()
	cores := make([]*orchestrator.Core, 0, len(r.active))
	for _, e := range r.active {
		cores = append(cores, e.project.Core)
	}
	r.mu.Unlock()

	var errs []error
	for _, core := range cores {
		if err := core.Stop(ctx); err != nil && !errors.Is(err, errors.ErrInvalidTransition) {
			errs = append(errs, fmt.Errorf("stop %s: %w", core.ProjectID(), err))
		}
	}
	return errors.Join(errs...)
}
