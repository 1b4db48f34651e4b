package agent

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/Iron-Ham/conductor/internal/errors"
	"github.com/Iron-Ham/conductor/internal/logging"
)

// DefaultClaudePath is the executable used when none is configured.
const DefaultClaudePath = "claude"

// waitDelay bounds how long Invoke waits for output pipes after the
// process is killed.
const waitDelay = 2 * time.Second

// ClaudeCLI invokes agents through the claude command line in print mode.
type ClaudeCLI struct {
	path   string
	model  string
	logger *logging.Logger
}

// NewClaudeCLI creates an invoker running the executable at path. An empty
// path uses DefaultClaudePath; an empty model keeps the CLI default.
func NewClaudeCLI(path, model string, logger *logging.Logger) *ClaudeCLI {
	if path == "" {
		path = DefaultClaudePath
	}
	return &ClaudeCLI{
		path:   path,
		model:  model,
		logger: logging.OrNop(logger),
	}
}

// Args returns the command line arguments for req.
func (c *ClaudeCLI) Args(req Request) []string {
	args := []string{"--print"}
	if req.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(req.MaxTurns))
	}
	if len(req.AllowedCapabilities) > 0 {
		args = append(args, "--allowedTools", strings.Join(req.AllowedCapabilities, ","))
	}
	if c.model != "" {
		args = append(args, "--model", c.model)
	}
	return args
}

// Invoke runs the CLI with the prompt on stdin and returns its stdout.
func (c *ClaudeCLI) Invoke(ctx context.Context, req Request) (Result, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	log := c.logger.WithRole(req.Role)
	if req.StoryID != "" {
		log = log.WithStory(req.StoryID)
	}

	cmd := exec.CommandContext(ctx, c.path, c.Args(req)...) // #nosec G204 -- path comes from config
	cmd.Dir = req.WorkingDirectory
	cmd.Stdin = strings.NewReader(req.Prompt)
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	log.Debug("invoking agent", "attempt", req.Attempt, "max_turns", req.MaxTurns)
	err := cmd.Run()
	result := Result{Text: stdout.String(), Duration: time.Since(start)}

	if ctxErr := ctx.Err(); ctxErr != nil {
		if ctxErr == context.DeadlineExceeded {
			return result, errors.NewTimeoutError("agent "+req.Role, req.Timeout).WithCause(ctxErr)
		}
		return result, fmt.Errorf("%w: %v", errors.ErrCanceled, ctxErr)
	}

	if err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		log.Warn("agent exited with error", "exit_code", exitCode, "duration", result.Duration)
		return result, errors.NewAgentInvocationError(fmt.Sprintf("claude exited with code %d", exitCode), err).
			WithRole(req.Role).
			WithStoryID(req.StoryID).
			WithAttempt(req.Attempt).
			WithOutput(strings.TrimSpace(stderr.String()))
	}

	log.Debug("agent finished", "duration", result.Duration, "output_bytes", stdout.Len())
	return result, nil
}
