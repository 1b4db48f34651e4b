package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/Iron-Ham/conductor/internal/agent"
	"github.com/Iron-Ham/conductor/internal/errors"
	"github.com/Iron-Ham/conductor/internal/logging"
	"github.com/Iron-Ham/conductor/internal/model"
)

// maxMessageLen bounds transcript entries built from agent output.
const maxMessageLen = 4000

// Callbacks receive every outcome of the pool. They are called from worker
// goroutines without any pool lock held; the calls for one story come from
// the goroutine currently holding it, in order. Nil callbacks are skipped.
type Callbacks struct {
	StoryStarted   func(story model.Story, worker string)
	StoryUpdated   func(story model.Story, previous model.StoryStatus)
	StoryCompleted func(story model.Story)
	AgentStatus    func(role, worker, storyID, status string, attempt int)
	AgentCompleted func(role, worker, storyID string, attempt int, d time.Duration, err error)
	Message        func(msg model.AgentMessage)
	CodeChanged    func(file model.CodeFile)
	TestResults    func(storyID string, results model.TestResults)
	SecurityReport func(storyID string, report model.SecurityReport)
}

// Options configures a Pool.
type Options struct {
	Config           model.WorkflowConfig
	WorkingDirectory string
	Requirements     string
	Callbacks        Callbacks
	Logger           *logging.Logger
}

// Pool runs coder and tester workers over a Queue.
type Pool struct {
	invoker      agent.Invoker
	cfg          model.WorkflowConfig
	workDir      string
	requirements string
	cb           Callbacks
	queue        *Queue
	logger       *logging.Logger

	mu       sync.Mutex
	coders   int
	testers  int
	active   map[string]map[int]bool // role -> running slots
	paused   bool
	running  bool
	stopping bool
	runCtx   context.Context
	wg       *conc.WaitGroup
	changed  chan struct{}
	fatal    error
}

// New creates a pool that invokes agents through inv.
func New(inv agent.Invoker, opts Options) *Pool {
	return &Pool{
		invoker:      inv,
		cfg:          opts.Config,
		workDir:      opts.WorkingDirectory,
		requirements: opts.Requirements,
		cb:           opts.Callbacks,
		queue:        NewQueue(),
		logger:       logging.OrNop(opts.Logger).WithPhase("developing"),
		coders:       max(1, opts.Config.ParallelCoders),
		testers:      max(1, opts.Config.ParallelTesters),
		active:       map[string]map[int]bool{model.RoleCoder: {}, model.RoleTester: {}},
		changed:      make(chan struct{}),
	}
}

// Queue returns the queue the pool dispatches from.
func (p *Pool) Queue() *Queue { return p.queue }

// Enqueue adds epics and stories. Stories already queued are ignored.
func (p *Pool) Enqueue(epics []model.Epic, stories []model.Story) int {
	p.queue.AddEpics(epics)
	n := p.queue.Add(stories)
	p.notify()
	return n
}

// SetParallelism changes the number of coder and tester slots. While
// running, extra slots start immediately and surplus slots exit after their
// current story.
func (p *Pool) SetParallelism(coders, testers int) {
	p.mu.Lock()
	p.coders = max(1, coders)
	p.testers = max(1, testers)
	if p.running && !p.stopping {
		p.spawnLocked()
	}
	p.mu.Unlock()
	p.notify()
}

// Pause stops coders from claiming new stories. Testers keep draining.
func (p *Pool) Pause() {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
	p.notify()
}

// Resume lets coders claim again.
func (p *Pool) Resume() {
	p.mu.Lock()
	p.paused = false
	p.mu.Unlock()
	p.notify()
}

// Paused reports whether the pool is paused.
func (p *Pool) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// Run dispatches stories until every story is terminal, ctx is canceled or
// a fatal error occurs. It waits for all workers before returning. The
// result is nil when every story reached a terminal state.
func (p *Pool) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("%w: pool already running", errors.ErrAlreadyRunning)
	}
	p.running = true
	p.stopping = false
	p.runCtx = runCtx
	p.wg = conc.NewWaitGroup()
	p.spawnLocked()
	wg := p.wg
	p.mu.Unlock()

	p.logger.Info("pool started", "coders", p.coders, "testers", p.testers, "stories", p.queue.Len())

loop:
	for {
		ch := p.changedCh()
		if p.fatalErr() != nil || p.queue.AllTerminal() {
			break
		}
		select {
		case <-ch:
		case <-runCtx.Done():
			break loop
		}
	}

	p.mu.Lock()
	p.stopping = true
	p.mu.Unlock()
	cancel()

	if r := wg.WaitAndRecover(); r != nil {
		p.setFatal(fmt.Errorf("worker panicked: %w", r.AsError()))
	}

	p.mu.Lock()
	p.running = false
	p.mu.Unlock()

	if err := p.fatalErr(); err != nil {
		p.logger.Error("pool stopped on fatal error", "error", err)
		return err
	}
	if err := ctx.Err(); err != nil {
		p.logger.Info("pool canceled", "queue", p.queue.String())
		return err
	}
	p.logger.Info("pool drained", "queue", p.queue.String())
	return nil
}

func (p *Pool) spawnLocked() {
	ctx := p.runCtx
	for slot := range p.coders {
		if !p.active[model.RoleCoder][slot] {
			p.active[model.RoleCoder][slot] = true
			p.wg.Go(func() { p.coderLoop(ctx, slot) })
		}
	}
	for slot := range p.testers {
		if !p.active[model.RoleTester][slot] {
			p.active[model.RoleTester][slot] = true
			p.wg.Go(func() { p.testerLoop(ctx, slot) })
		}
	}
}

// notify wakes every goroutine waiting on the change channel.
func (p *Pool) notify() {
	p.mu.Lock()
	close(p.changed)
	p.changed = make(chan struct{})
	p.mu.Unlock()
}

func (p *Pool) changedCh() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.changed
}

func (p *Pool) setFatal(err error) {
	p.mu.Lock()
	if p.fatal == nil {
		p.fatal = err
	}
	p.mu.Unlock()
	p.notify()
}

func (p *Pool) fatalErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fatal
}

func (p *Pool) slotActive(role string, slot int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if role == model.RoleCoder {
		return slot < p.coders
	}
	return slot < p.testers
}

func (p *Pool) coderLoop(ctx context.Context, slot int) {
	name := fmt.Sprintf("coder-%d", slot+1)
	for ctx.Err() == nil && p.slotActive(model.RoleCoder, slot) {
		ch := p.changedCh()
		story, ok, err := p.claimPending(name)
		if err != nil {
			p.setFatal(err)
			break
		}
		if ok {
			p.develop(ctx, name, slot, story)
			continue
		}
		select {
		case <-ch:
		case <-ctx.Done():
		}
	}
	p.slotExited(model.RoleCoder, slot)
}

// claimPending claims the next pending story unless the pool is paused.
// The check and the claim share p.mu, so no claim lands after Pause returns.
func (p *Pool) claimPending(worker string) (model.Story, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused {
		return model.Story{}, false, nil
	}
	return p.queue.ClaimNext(worker, model.StoryPending, model.StoryInProgress)
}

func (p *Pool) testerLoop(ctx context.Context, slot int) {
	name := fmt.Sprintf("tester-%d", slot+1)
	for ctx.Err() == nil && p.slotActive(model.RoleTester, slot) {
		ch := p.changedCh()
		story, ok, err := p.queue.ClaimNext(name, model.StoryTesting, model.StoryTesting)
		if err != nil {
			p.setFatal(err)
			break
		}
		if ok {
			p.verify(ctx, name, slot, story)
			continue
		}
		select {
		case <-ch:
		case <-ctx.Done():
		}
	}
	p.slotExited(model.RoleTester, slot)
}

// slotExited frees a slot so a later SetParallelism can restart it.
func (p *Pool) slotExited(role string, slot int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active[role], slot)
}
