package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Iron-Ham/conductor/internal/dedup"
	"github.com/Iron-Ham/conductor/internal/errors"
	"github.com/Iron-Ham/conductor/internal/event"
	"github.com/Iron-Ham/conductor/internal/model"
	"github.com/Iron-Ham/conductor/internal/pool"
)

// errStopped is the cancellation cause used by Stop.
var errStopped = errors.New("stopped by request")

// Start plans requirements and develops the resulting backlog in the
// background. It returns once the run has entered planning; use Done or
// Wait to observe the end of the run. Canceling ctx stops the run.
func (c *Core) Start(ctx context.Context, requirements string, cfg model.WorkflowConfig) error {
	if strings.TrimSpace(requirements) == "" {
		return errors.NewValidationError("requirements are required").WithField("requirements")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	now := time.Now()
	runCtx, err := c.begin(ctx, func(s *model.DevelopmentState) {
		s.Requirements = requirements
		s.Config = cfg
		s.StartedAt = &now
	}, event.NewWorkflowStartedEvent(c.projectID, requirements, cfg, false))
	if err != nil {
		return err
	}

	c.logger.Info("workflow started", "coders", cfg.ParallelCoders, "testers", cfg.ParallelTesters)
	go c.run(runCtx, true)
	return nil
}

// Continue resumes a persisted run. Stories that were in progress go back
// to pending; testing stories are tested again. Planning is skipped when
// the state already holds stories.
func (c *Core) Continue(ctx context.Context, state model.DevelopmentState) error {
	if state.ProjectID != c.projectID {
		return errors.NewValidationError("state belongs to another project").
			WithField("projectId").WithValue(state.ProjectID)
	}
	cfg := state.Config
	if err := cfg.Validate(); err != nil {
		return err
	}
	plan := len(state.Stories) == 0
	if plan && strings.TrimSpace(state.Requirements) == "" {
		return errors.NewValidationError("nothing to resume: no stories and no requirements").WithField("requirements")
	}

	restored := state.Clone()
	for i := range restored.Stories {
		switch restored.Stories[i].Status {
		case model.StoryInProgress, model.StoryBacklog:
			restored.Stories[i].Status = model.StoryPending
			restored.Stories[i].AssignedTo = ""
		case model.StoryTesting:
			restored.Stories[i].AssignedTo = ""
		}
	}
	restored.Errors = nil
	restored.CompletedAt = nil
	if restored.StartedAt == nil {
		now := time.Now()
		restored.StartedAt = &now
	}

	runCtx, err := c.begin(ctx, func(s *model.DevelopmentState) {
		createdAt := s.CreatedAt
		*s = restored
		s.ProjectDir = c.projectDir
		if s.CreatedAt.IsZero() {
			s.CreatedAt = createdAt
		}
	}, event.NewWorkflowStartedEvent(c.projectID, restored.Requirements, cfg, true))
	if err != nil {
		return err
	}

	c.logger.Info("workflow resumed", "stories", len(restored.Stories), "progress", restored.Progress)
	go c.run(runCtx, plan)
	return nil
}

// begin moves an idle core to planning, applying init to the state first.
func (c *Core) begin(ctx context.Context, init func(*model.DevelopmentState), started event.Event) (context.Context, error) {
	var (
		runCtx context.Context
		err    error
	)
	c.apply(func(s *model.DevelopmentState) []event.Event {
		if s.Status != model.StatusIdle {
			err = fmt.Errorf("%w: project %s is %s", errors.ErrAlreadyRunning, c.projectID, s.Status)
			return nil
		}
		init(s)
		c.guard = dedup.New(s.Config.StoryTitleDedup)
		c.guard.Seed(s)
		s.Status = model.StatusPlanning
		runCtx, c.cancel = context.WithCancelCause(ctx)
		return []event.Event{started}
	})
	if err != nil {
		return nil, err
	}
	if serr := c.saveSnapshot(); serr != nil {
		c.onPersistenceError(serr)
	}
	return runCtx, nil
}

// Pause stops new stories from being claimed. In-flight work finishes.
func (c *Core) Pause() error {
	return c.switchDispatch(model.StatusDeveloping, model.StatusPaused, "paused by request", (*pool.Pool).Pause)
}

// Resume lets a paused run claim stories again.
func (c *Core) Resume() error {
	return c.switchDispatch(model.StatusPaused, model.StatusDeveloping, "resumed by request", (*pool.Pool).Resume)
}

func (c *Core) switchDispatch(from, to model.WorkflowStatus, reason string, fn func(*pool.Pool)) error {
	var err error
	c.apply(func(s *model.DevelopmentState) []event.Event {
		if s.Status != from {
			err = fmt.Errorf("%w: cannot go from %s to %s", errors.ErrInvalidTransition, s.Status, to)
			return nil
		}
		fn(c.pool)
		s.Status = to
		return []event.Event{event.NewWorkflowStatusEvent(c.projectID, from, to, reason, s.Progress)}
	})
	if err == nil {
		c.logger.Info("workflow "+string(to), "reason", reason)
	}
	return err
}

// SetParallelism changes the number of coder and tester workers of a
// running project.
func (c *Core) SetParallelism(coders, testers int) error {
	if coders < 1 || testers < 1 {
		return errors.NewValidationError("worker counts must be at least 1").WithField("parallelism")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Config.ParallelCoders = coders
	c.state.Config.ParallelTesters = testers
	if c.pool != nil {
		c.pool.SetParallelism(coders, testers)
	}
	return nil
}

// Stop cancels the run and waits until every worker has exited. Results
// that arrive after Stop are discarded. Stopping a terminal run fails with
// ErrInvalidTransition.
func (c *Core) Stop(ctx context.Context) error {
	var (
		err     error
		cancel  context.CancelCauseFunc
		stopped event.Event
	)
	c.emitMu.Lock()
	c.mu.Lock()
	if c.state.Status.IsTerminal() {
		err = fmt.Errorf("%w: project %s is already %s", errors.ErrInvalidTransition, c.projectID, c.state.Status)
	} else {
		from := c.state.Status
		now := time.Now()
		c.state.Status = model.StatusStopped
		c.state.UpdatedAt = now
		c.state.CompletedAt = &now
		stopped = event.NewWorkflowStatusEvent(c.projectID, from, model.StatusStopped, errStopped.Error(), c.state.Progress)
		c.terminal = stopped
		cancel = c.cancel
	}
	c.mu.Unlock()
	c.emitMu.Unlock()
	if err != nil {
		return err
	}

	c.logger.Info("workflow stopping")
	if cancel == nil {
		// Never started: nothing to drain.
		c.shutdown()
		return nil
	}
	cancel(errStopped)
	return c.Wait(ctx)
}

// run is the body of a started core.
func (c *Core) run(ctx context.Context, plan bool) {
	defer c.shutdown()

	if plan {
		if err := c.plan(ctx); err != nil {
			c.finish(ctx, err)
			return
		}
	}

	cfg := c.State().Config
	p := pool.New(c.invoker, pool.Options{
		Config:           cfg,
		WorkingDirectory: c.projectDir,
		Requirements:     c.State().Requirements,
		Callbacks:        c.callbacks(),
		Logger:           c.logger,
	})

	var entered bool
	c.apply(func(s *model.DevelopmentState) []event.Event {
		if s.Status != model.StatusPlanning {
			return nil
		}
		p.Enqueue(s.Epics, s.Stories)
		c.pool = p
		s.Status = model.StatusDeveloping
		entered = true
		return []event.Event{event.NewWorkflowStatusEvent(c.projectID, model.StatusPlanning, model.StatusDeveloping,
			fmt.Sprintf("%d stories queued", len(s.Stories)), s.Progress)}
	})
	if !entered {
		return
	}

	stopWatch := c.startWatcher(cfg)
	stopSnapshots := c.startSnapshots(ctx)
	err := p.Run(ctx)
	stopSnapshots()
	stopWatch()

	c.finish(ctx, err)
}

// finish chooses the terminal status of a run that ended on its own, was
// canceled through ctx or failed. A run already stopped is left alone.
func (c *Core) finish(ctx context.Context, runErr error) {
	fatal := c.fatalErr()

	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state
	if s.Status.IsTerminal() {
		return
	}

	from := s.Status
	now := time.Now()
	s.UpdatedAt = now
	s.CompletedAt = &now

	var failed []string
	for _, st := range s.Stories {
		if st.Status == model.StoryFailed {
			failed = append(failed, st.ID)
		}
	}

	var cause error
	switch {
	case fatal != nil:
		cause = fatal
	case runErr != nil && errors.IsFatal(runErr):
		cause = runErr
	case ctx.Err() != nil:
		s.Status = model.StatusStopped
		c.terminal = event.NewWorkflowStatusEvent(c.projectID, from, model.StatusStopped, context.Cause(ctx).Error(), s.Progress)
		c.logger.Info("workflow canceled")
		return
	case runErr != nil:
		cause = runErr
	case len(failed) > 0:
		cause = fmt.Errorf("%d of %d stories failed", len(failed), len(s.Stories))
	}

	if cause != nil {
		s.Status = model.StatusError
		s.Errors = append(s.Errors, model.StateError{Message: cause.Error(), Time: now})
		c.terminal = event.NewWorkflowErrorEvent(c.projectID, from, cause.Error(), failed, s.Progress)
		c.logger.Error("workflow failed", "error", cause, "severity", errors.GetSeverity(cause).String(), "failed_stories", len(failed))
		return
	}

	s.Status = model.StatusCompleted
	s.Progress = model.Progress(s.Stories)
	s.ProgressUpdatedAt = &now
	s.RollupEpics()
	c.terminal = event.NewWorkflowCompletedEvent(c.projectID, s.Progress, len(s.Stories), len(s.Stories))
	c.logger.Info("workflow completed", "stories", len(s.Stories))
}

// shutdown writes the final snapshot, publishes the terminal lifecycle
// event and closes Done.
func (c *Core) shutdown() {
	if err := c.saveSnapshot(); err != nil {
		c.logger.Error("final snapshot failed", "error", err)
	}

	c.emitMu.Lock()
	c.mu.Lock()
	terminal := c.terminal
	c.terminal = nil
	c.mu.Unlock()
	if terminal != nil {
		c.bus.Publish(terminal)
	}
	c.emitMu.Unlock()

	if c.sink != nil {
		c.sink.Detach()
	}
	c.doneOnce.Do(func() { close(c.done) })
}
