// Package watch reports file changes under a project directory. The
// orchestrator uses it to keep the code file index current for agents that
// do not report their own mutations.
package watch

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Iron-Ham/conductor/internal/logging"
	"github.com/Iron-Ham/conductor/internal/model"
)

// DefaultDebounce is how long the watcher collects events before it reports
// a batch. Editors and agents often write a file several times per save.
const DefaultDebounce = 50 * time.Millisecond

// DefaultIgnore lists directory and file names that are never reported.
var DefaultIgnore = []string{".git", ".conductor", "node_modules", ".DS_Store", "vendor"}

// Change is one file change, with Path relative to the watched root using
// forward slashes.
type Change struct {
	Path      string
	Operation model.FileOperation
	Time      time.Time
}

// Watcher watches a directory tree.
type Watcher struct {
	watcher  *fsnotify.Watcher
	root     string
	ignore   []string
	debounce time.Duration
	logger   *logging.Logger

	mu       sync.RWMutex
	onChange func([]Change)

	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// New creates a watcher for root. Names in ignore are skipped in addition
// to DefaultIgnore.
func New(root string, logger *logging.Logger, ignore ...string) (*Watcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		watcher:  fw,
		root:     abs,
		ignore:   append(slices.Clone(DefaultIgnore), ignore...),
		debounce: DefaultDebounce,
		logger:   logging.OrNop(logger).With("component", "watch"),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	if err := w.watchDirRecursive(abs); err != nil {
		_ = fw.Close()
		return nil, err
	}
	return w, nil
}

// Root returns the absolute watched directory.
func (w *Watcher) Root() string { return w.root }

// SetCallback sets the function that receives each batch of changes.
func (w *Watcher) SetCallback(cb func([]Change)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = cb
}

// SetDebounce changes the batching window. It must be called before Start.
func (w *Watcher) SetDebounce(d time.Duration) {
	if d > 0 {
		w.debounce = d
	}
}

// Start begins watching for file changes.
func (w *Watcher) Start() {
	if w.started.CompareAndSwap(false, true) {
		go w.watchLoop()
	}
}

// Stop stops the watcher. No callback runs after Stop returns.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		_ = w.watcher.Close()
	})
	if w.started.Load() {
		<-w.done
	}
}

func (w *Watcher) watchDirRecursive(root string) error {
	if err := w.watcher.Add(root); err != nil {
		return err
	}
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if path != root && w.ignored(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() && path != root {
			_ = w.watcher.Add(path)
		}
		return nil
	})
}

func (w *Watcher) ignored(name string) bool {
	return slices.Contains(w.ignore, name)
}

// ignoredPath reports whether any element of the relative path is ignored.
func (w *Watcher) ignoredPath(rel string) bool {
	for _, part := range strings.Split(rel, "/") {
		if w.ignored(part) {
			return true
		}
	}
	return false
}

func (w *Watcher) watchLoop() {
	defer close(w.done)

	debounceTimer := time.NewTimer(0)
	<-debounceTimer.C

	pending := make(map[string]Change)
	var order []string

	for {
		select {
		case <-w.stopCh:
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			ch, ok := w.translate(ev)
			if !ok {
				continue
			}
			prev, seen := pending[ch.Path]
			if !seen {
				order = append(order, ch.Path)
			} else if prev.Operation == model.FileCreated && ch.Operation == model.FileModified {
				ch.Operation = model.FileCreated
			}
			pending[ch.Path] = ch
			debounceTimer.Reset(w.debounce)

		case <-debounceTimer.C:
			if len(order) == 0 {
				continue
			}
			batch := make([]Change, 0, len(order))
			for _, p := range order {
				batch = append(batch, pending[p])
			}
			pending = make(map[string]Change)
			order = nil

			w.mu.RLock()
			cb := w.onChange
			w.mu.RUnlock()
			if cb != nil {
				cb(batch)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

// translate maps an fsnotify event to a Change. New directories are added
// to the watch and not reported.
func (w *Watcher) translate(ev fsnotify.Event) (Change, bool) {
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return Change{}, false
	}
	rel = filepath.ToSlash(rel)
	if w.ignoredPath(rel) {
		return Change{}, false
	}

	var op model.FileOperation
	switch {
	case ev.Has(fsnotify.Create):
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.watchDirRecursive(ev.Name); err != nil {
				w.logger.Debug("failed to watch new directory", "path", rel, "error", err)
			}
			return Change{}, false
		}
		op = model.FileCreated
	case ev.Has(fsnotify.Write):
		op = model.FileModified
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		op = model.FileDeleted
	default:
		return Change{}, false
	}
	return Change{Path: rel, Operation: op, Time: time.Now()}, true
}
