package agent

import (
	"context"
	"time"

	"github.com/Iron-Ham/conductor/internal/model"
)

// Request describes one agent invocation.
type Request struct {
	Role                string
	Prompt              string
	WorkingDirectory    string
	AllowedCapabilities []string
	MaxTurns            int
	Timeout             time.Duration

	// StoryID and Attempt identify the invocation for auditing. Planning
	// requests leave StoryID empty.
	StoryID string
	Attempt int
}

// FileMutation is a file the agent reports having written or removed.
type FileMutation struct {
	Path      string              `json:"path"`
	Operation model.FileOperation `json:"operation"`
	Content   string              `json:"content,omitempty"`
}

// CommandEffect is a command the agent reports having run.
type CommandEffect struct {
	Command  string `json:"command"`
	ExitCode int    `json:"exitCode"`
	Output   string `json:"output,omitempty"`
}

// Result is what an invocation produced. Error is set when the agent ran
// but reported failure.
type Result struct {
	Text           string
	FileMutations  []FileMutation
	CommandEffects []CommandEffect
	Error          string
	Duration       time.Duration
}

// Failed reports whether the agent reported failure.
func (r Result) Failed() bool {
	return r.Error != ""
}

// Invoker runs a model-backed agent. A returned error means the invocation
// itself failed (timeout, cancellation, process error); the caller decides
// whether to retry.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (Result, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, req Request) (Result, error)

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}
