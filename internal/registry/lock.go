package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Iron-Ham/conductor/internal/errors"
	"github.com/Iron-Ham/conductor/internal/logging"
)

// LockFileName is the name of the run lock inside a project's store
// directory.
const LockFileName = "run.lock"

// RunLock marks a project as driven by one process. It complements the
// in-process registry: two conductor processes pointed at the same project
// directory cannot both run it.
type RunLock struct {
	ProjectID string    `json:"project_id"`
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`

	path   string
	logger *logging.Logger
}

// AcquireLock takes the run lock in dir. A lock left behind by a dead
// process is replaced. A live holder yields an error matching
// errors.ErrAlreadyRunning.
func AcquireLock(dir, projectID string, logger *logging.Logger) (*RunLock, error) {
	logger = logging.OrNop(logger).WithProject(projectID)
	path := filepath.Join(dir, LockFileName)

	if existing, err := ReadLock(path); err == nil {
		if isProcessAlive(existing.PID) {
			return nil, fmt.Errorf("%w: locked by PID %d on %s", errors.ErrAlreadyRunning, existing.PID, existing.Hostname)
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("remove stale run lock: %w", err)
		}
		logger.Warn("stale run lock cleaned", "old_pid", existing.PID)
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	lock := &RunLock{
		ProjectID: projectID,
		PID:       os.Getpid(),
		Hostname:  hostname,
		StartedAt: time.Now(),
		path:      path,
		logger:    logger,
	}
	data, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal run lock: %w", err)
	}

	// O_EXCL loses the race cleanly against another process.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			if existing, rerr := ReadLock(path); rerr == nil {
				return nil, fmt.Errorf("%w: locked by PID %d on %s", errors.ErrAlreadyRunning, existing.PID, existing.Hostname)
			}
			return nil, errors.ErrAlreadyRunning
		}
		return nil, fmt.Errorf("create run lock: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("write run lock: %w", err)
	}
	logger.Debug("run lock acquired", "pid", lock.PID)
	return lock, nil
}

// Release removes the lock if this process still owns it. Safe to call
// more than once.
func (l *RunLock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	existing, err := ReadLock(l.path)
	if err != nil || existing.PID != l.PID {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	l.logger.Debug("run lock released")
	return nil
}

// ReadLock reads the lock file at path.
func ReadLock(path string) (*RunLock, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var lock RunLock
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, fmt.Errorf("parse run lock: %w", err)
	}
	lock.path = path
	lock.logger = logging.NopLogger()
	return &lock, nil
}

// IsLocked reports whether a live process holds the run lock in dir.
func IsLocked(dir string) (*RunLock, bool) {
	lock, err := ReadLock(filepath.Join(dir, LockFileName))
	if err != nil {
		return nil, false
	}
	return lock, isProcessAlive(lock.PID)
}

// isProcessAlive sends signal 0, which checks for existence only.
func isProcessAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
