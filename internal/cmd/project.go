package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/Iron-Ham/conductor/internal/agent"
	"github.com/Iron-Ham/conductor/internal/config"
	"github.com/Iron-Ham/conductor/internal/ledger"
	"github.com/Iron-Ham/conductor/internal/logging"
	"github.com/Iron-Ham/conductor/internal/orchestrator"
	"github.com/Iron-Ham/conductor/internal/registry"
	"github.com/Iron-Ham/conductor/internal/store"
)

// newInvoker builds the agent backend of a project. Tests replace it.
var newInvoker = func(cfg *config.Config, logger *logging.Logger) agent.Invoker {
	return agent.NewClaudeCLI(cfg.Agent.ClaudePath, cfg.Agent.Model, logger)
}

// loadConfig reads and validates the configuration. Unlike config.Get it
// reports an invalid file instead of falling back to defaults.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		if used := viper.ConfigFileUsed(); used != "" {
			return nil, fmt.Errorf("invalid configuration in %s: %w", used, err)
		}
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// projectFactory builds projects persisted under their own directory: a
// store, an invocation ledger and a core driving the configured agent.
func projectFactory(cfg *config.Config, logger *logging.Logger) registry.Factory {
	return func(projectID, projectDir string) (*registry.Project, error) {
		st, err := store.New(projectID, projectDir,
			store.WithDirName(cfg.Storage.DirName),
			store.WithCompactThreshold(cfg.Storage.CompactThreshold),
			store.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		l, err := ledger.Open(st.LedgerPath())
		if err != nil {
			return nil, err
		}
		core, err := orchestrator.New(orchestrator.Options{
			ProjectID:        projectID,
			ProjectDir:       st.ProjectDir(),
			Invoker:          newInvoker(cfg, logger),
			Store:            st,
			Ledger:           l,
			Logger:           logger,
			SnapshotInterval: cfg.Storage.SnapshotInterval,
		})
		if err != nil {
			_ = l.Close()
			return nil, err
		}
		return &registry.Project{Core: core, Store: st, Ledger: l, Close: l.Close}, nil
	}
}

// resolveProject returns the absolute project directory and the project
// id, which defaults to the directory name.
func resolveProject(dir, projectID string) (string, string, error) {
	abs, err := resolveDir(dir)
	if err != nil {
		return "", "", err
	}
	if projectID == "" {
		projectID = sanitizeProjectID(filepath.Base(abs))
	}
	if projectID == "" {
		return "", "", fmt.Errorf("cannot derive a project id from %s; use --project", abs)
	}
	return abs, projectID, nil
}

// resolveDir returns dir as an absolute path, defaulting to the working
// directory.
func resolveDir(dir string) (string, error) {
	if dir == "" {
		dir = "."
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve project directory: %w", err)
	}
	return abs, nil
}

// sanitizeProjectID keeps letters, digits, dots, dashes and underscores.
func sanitizeProjectID(name string) string {
	id := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		case r == ' ':
			return '-'
		}
		return -1
	}, name)
	return strings.Trim(id, ".-")
}

// stateDir is where a project keeps its state, ledger and debug log.
func stateDir(cfg *config.Config, projectDir string) string {
	return filepath.Join(projectDir, cfg.Storage.DirName)
}

// openLogger opens the rotating debug log in dir.
func openLogger(cfg *config.Config, dir string) (*logging.Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	logger, err := logging.NewLoggerWithRotation(dir, cfg.Logging.Level, cfg.Logging.Rotation())
	if err != nil {
		return nil, fmt.Errorf("failed to open debug log: %w", err)
	}
	return logger, nil
}
