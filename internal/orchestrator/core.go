package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/Iron-Ham/conductor/internal/agent"
	"github.com/Iron-Ham/conductor/internal/dedup"
	"github.com/Iron-Ham/conductor/internal/errors"
	"github.com/Iron-Ham/conductor/internal/event"
	"github.com/Iron-Ham/conductor/internal/ledger"
	"github.com/Iron-Ham/conductor/internal/logging"
	"github.com/Iron-Ham/conductor/internal/model"
	"github.com/Iron-Ham/conductor/internal/pool"
	"github.com/Iron-Ham/conductor/internal/store"
)

// DefaultSnapshotInterval is how often a running core writes a full snapshot.
const DefaultSnapshotInterval = 30 * time.Second

// Options configures a Core.
type Options struct {
	ProjectID  string
	ProjectDir string
	Invoker    agent.Invoker

	// Store persists the project. Without one the core runs in memory only.
	Store *store.Store
	// Ledger, when set, records every agent invocation.
	Ledger *ledger.Ledger
	// Bus is created when nil.
	Bus    *event.Bus
	Logger *logging.Logger

	SnapshotInterval time.Duration
}

// Core owns the DevelopmentState of one project and drives it through
// planning and development.
type Core struct {
	projectID        string
	projectDir       string
	invoker          agent.Invoker
	store            *store.Store
	bus              *event.Bus
	sink             *store.Sink
	logger           *logging.Logger
	snapshotInterval time.Duration

	// emitMu serializes state mutations with the publication of their
	// events, so subscribers see events in mutation order. It is never held
	// by State.
	emitMu sync.Mutex

	mu       sync.Mutex
	state    *model.DevelopmentState
	guard    *dedup.Guard
	pool     *pool.Pool
	cancel   context.CancelCauseFunc
	fatal    error
	terminal event.Event // lifecycle event published once the run has drained
	done     chan struct{}
	doneOnce sync.Once
}

// New creates an idle core.
func New(opts Options) (*Core, error) {
	if opts.ProjectID == "" {
		return nil, errors.NewValidationError("project id is required").WithField("projectId")
	}
	if opts.Invoker == nil {
		return nil, errors.NewValidationError("agent invoker is required").WithField("invoker")
	}

	logger := logging.OrNop(opts.Logger).WithProject(opts.ProjectID)
	bus := opts.Bus
	if bus == nil {
		bus = event.NewBus(opts.ProjectID, logger)
	}
	inv := opts.Invoker
	if opts.Ledger != nil {
		inv = ledger.NewAuditingInvoker(inv, opts.Ledger, opts.ProjectID, logger)
	}
	interval := opts.SnapshotInterval
	if interval <= 0 {
		interval = DefaultSnapshotInterval
	}

	c := &Core{
		projectID:        opts.ProjectID,
		projectDir:       opts.ProjectDir,
		invoker:          inv,
		store:            opts.Store,
		bus:              bus,
		logger:           logger,
		snapshotInterval: interval,
		state:            model.NewDevelopmentState(opts.ProjectID, opts.ProjectDir),
		guard:            dedup.New(model.TitleDedupEpicTitle),
		done:             make(chan struct{}),
	}
	if c.store != nil {
		c.sink = store.NewSink(c.store, c.onPersistenceError, logger)
		c.sink.Attach(bus)
	}
	return c, nil
}

// ProjectID returns the id of the project the core owns.
func (c *Core) ProjectID() string { return c.projectID }

// Bus returns the project's event bus.
func (c *Core) Bus() *event.Bus { return c.bus }

// State returns a deep copy of the current state.
func (c *Core) State() model.DevelopmentState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}

// Status returns the current lifecycle status.
func (c *Core) Status() model.WorkflowStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Status
}

// Done is closed once the core reached a terminal status and every worker
// has exited.
func (c *Core) Done() <-chan struct{} { return c.done }

// Wait blocks until Done is closed or ctx ends.
func (c *Core) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// apply runs fn on the state under the lock and publishes the events it
// returns, in order, after the lock is released.
func (c *Core) apply(fn func(s *model.DevelopmentState) []event.Event) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	events := fn(c.state)
	if len(events) > 0 {
		c.state.UpdatedAt = time.Now()
	}
	c.mu.Unlock()

	for _, e := range events {
		c.bus.Publish(e)
	}
}

// update is apply for results of running work. Once the run is terminal
// the results are discarded.
func (c *Core) update(fn func(s *model.DevelopmentState) []event.Event) {
	c.apply(func(s *model.DevelopmentState) []event.Event {
		if s.Status.IsTerminal() {
			return nil
		}
		return fn(s)
	})
}

// onPersistenceError is called by the sink and the snapshot writer when a
// write failed after its retry. The run is canceled and ends in error.
func (c *Core) onPersistenceError(err error) {
	c.mu.Lock()
	if c.fatal == nil {
		c.fatal = err
	}
	cancel := c.cancel
	c.mu.Unlock()

	c.logger.Error("persistence failed", "error", err)
	if cancel != nil {
		cancel(err)
	}
}

func (c *Core) fatalErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fatal
}

// saveSnapshot writes the full state, retrying once.
func (c *Core) saveSnapshot() error {
	if c.store == nil {
		return nil
	}
	st := c.State()
	err := c.store.SaveProjectState(&st)
	if err != nil {
		c.logger.Warn("snapshot failed, retrying", "error", err)
		err = c.store.SaveProjectState(&st)
	}
	return err
}
