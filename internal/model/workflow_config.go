package model

import (
	"fmt"
	"time"

	"github.com/Iron-Ham/conductor/internal/errors"
)

// Story title dedup policies.
const (
	// TitleDedupEpicTitle rejects a story whose normalized title already
	// exists in the same epic, even under a different id.
	TitleDedupEpicTitle = "epic_title"
	// TitleDedupIDOnly dedups stories by id alone.
	TitleDedupIDOnly = "id_only"
)

// WorkflowConfig holds the per-run knobs recorded in DevelopmentState.
type WorkflowConfig struct {
	ParallelCoders  int                 `json:"parallelCoders"`
	ParallelTesters int                 `json:"parallelTesters"`
	MaxRetries      int                 `json:"maxRetries"`
	RetryBaseDelay  time.Duration       `json:"retryBaseDelay"`
	RetryMaxDelay   time.Duration       `json:"retryMaxDelay"`
	BlockOnCritical bool                `json:"blockOnCritical"`
	FixCycles       int                 `json:"fixCycles"`
	MaxTurns        int                 `json:"maxTurns"`
	AgentTimeout    time.Duration       `json:"agentTimeout"`
	PlanningTimeout time.Duration       `json:"planningTimeout"`
	StoryTitleDedup string              `json:"storyTitleDedup"`
	WatchFiles      bool                `json:"watchFiles"`
	Capabilities    map[string][]string `json:"capabilities,omitempty"`
}

// DefaultWorkflowConfig returns the defaults used when no config file is present.
func DefaultWorkflowConfig() WorkflowConfig {
	return WorkflowConfig{
		ParallelCoders:  2,
		ParallelTesters: 1,
		MaxRetries:      2,
		RetryBaseDelay:  2 * time.Second,
		RetryMaxDelay:   time.Minute,
		BlockOnCritical: true,
		FixCycles:       1,
		MaxTurns:        40,
		AgentTimeout:    20 * time.Minute,
		PlanningTimeout: 10 * time.Minute,
		StoryTitleDedup: TitleDedupEpicTitle,
		WatchFiles:      true,
		Capabilities: map[string][]string{
			RolePlanner:  {"Read", "Glob", "Grep"},
			RoleCoder:    {"Read", "Write", "Edit", "Glob", "Grep", "Bash"},
			RoleTester:   {"Read", "Write", "Edit", "Glob", "Grep", "Bash"},
			RoleSecurity: {"Read", "Glob", "Grep"},
		},
	}
}

// Validate checks the config and returns a ValidationError for the first problem.
func (c WorkflowConfig) Validate() error {
	switch {
	case c.ParallelCoders < 1:
		return errors.NewValidationError("must be at least 1").WithField("parallelCoders").WithValue(c.ParallelCoders)
	case c.ParallelTesters < 1:
		return errors.NewValidationError("must be at least 1").WithField("parallelTesters").WithValue(c.ParallelTesters)
	case c.MaxRetries < 0:
		return errors.NewValidationError("must not be negative").WithField("maxRetries").WithValue(c.MaxRetries)
	case c.FixCycles < 0:
		return errors.NewValidationError("must not be negative").WithField("fixCycles").WithValue(c.FixCycles)
	case c.RetryBaseDelay < 0 || c.RetryMaxDelay < 0:
		return errors.NewValidationError("retry delays must not be negative").WithField("retryBaseDelay")
	case c.AgentTimeout <= 0:
		return errors.NewValidationError("must be positive").WithField("agentTimeout").WithValue(c.AgentTimeout)
	}
	if c.StoryTitleDedup != TitleDedupEpicTitle && c.StoryTitleDedup != TitleDedupIDOnly {
		return errors.NewValidationError(fmt.Sprintf("must be %q or %q", TitleDedupEpicTitle, TitleDedupIDOnly)).
			WithField("storyTitleDedup").WithValue(c.StoryTitleDedup)
	}
	return nil
}

// CapabilitiesFor returns the tool allow-list for role.
func (c WorkflowConfig) CapabilitiesFor(role string) []string {
	return c.Capabilities[role]
}

// RetryDelay returns the backoff before retry attempt n (1-based):
// base * 2^(n-1), capped at RetryMaxDelay.
func (c WorkflowConfig) RetryDelay(n int) time.Duration {
	if n < 1 || c.RetryBaseDelay <= 0 {
		return 0
	}
	d := c.RetryBaseDelay
	for i := 1; i < n; i++ {
		d *= 2
		if c.RetryMaxDelay > 0 && d >= c.RetryMaxDelay {
			return c.RetryMaxDelay
		}
	}
	if c.RetryMaxDelay > 0 && d > c.RetryMaxDelay {
		return c.RetryMaxDelay
	}
	return d
}
