package orchestrator

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/Iron-Ham/conductor/internal/event"
	"github.com/Iron-Ham/conductor/internal/model"
	"github.com/Iron-Ham/conductor/internal/store"
	"github.com/Iron-Ham/conductor/internal/watch"
)

// startSnapshots writes a full snapshot every snapshotInterval until the
// returned stop function is called. A snapshot that fails twice ends the
// run.
func (c *Core) startSnapshots(ctx context.Context) (stop func()) {
	if c.store == nil {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(c.snapshotInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.saveSnapshot(); err != nil {
					c.onPersistenceError(err)
					return
				}
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

// startWatcher reports file changes in the project directory as code
// changes when the config asks for it.
func (c *Core) startWatcher(cfg model.WorkflowConfig) (stop func()) {
	if !cfg.WatchFiles || c.projectDir == "" {
		return func() {}
	}
	ignore := []string{store.DefaultDirName}
	if c.store != nil {
		ignore = append(ignore, filepath.Base(c.store.Dir()))
	}
	w, err := watch.New(c.projectDir, c.logger, ignore...)
	if err != nil {
		c.logger.Warn("file watcher unavailable", "error", err)
		return func() {}
	}
	w.SetCallback(c.onFileChanges)
	w.Start()
	return w.Stop
}

func (c *Core) onFileChanges(changes []watch.Change) {
	c.update(func(s *model.DevelopmentState) []event.Event {
		var events []event.Event
		for _, ch := range changes {
			events = append(events, c.putCodeFile(s, model.CodeFile{
				Path:      ch.Path,
				Operation: ch.Operation,
				UpdatedAt: ch.Time,
			})...)
		}
		return events
	})
}
