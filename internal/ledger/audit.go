package ledger

import (
	"context"
	"time"

	"github.com/Iron-Ham/conductor/internal/agent"
	"github.com/Iron-Ham/conductor/internal/logging"
	"github.com/Iron-Ham/conductor/internal/model"
)

// AuditingInvoker records every invocation of the wrapped Invoker. Ledger
// failures are logged and never fail the invocation.
type AuditingInvoker struct {
	next      agent.Invoker
	ledger    *Ledger
	projectID string
	logger    *logging.Logger
}

// NewAuditingInvoker wraps next.
func NewAuditingInvoker(next agent.Invoker, l *Ledger, projectID string, logger *logging.Logger) *AuditingInvoker {
	return &AuditingInvoker{
		next:      next,
		ledger:    l,
		projectID: projectID,
		logger:    logging.OrNop(logger).WithProject(projectID),
	}
}

// Invoke implements agent.Invoker.
func (a *AuditingInvoker) Invoke(ctx context.Context, req agent.Request) (agent.Result, error) {
	id := model.NewID("run")
	// Ledger writes use their own context so a canceled invocation is still
	// recorded.
	bg := context.WithoutCancel(ctx)

	if err := a.ledger.Begin(bg, Run{
		ID:        id,
		ProjectID: a.projectID,
		Role:      req.Role,
		StoryID:   req.StoryID,
		Attempt:   req.Attempt,
		StartedAt: time.Now(),
	}); err != nil {
		a.logger.Warn("ledger begin failed", "error", err)
	}

	res, err := a.next.Invoke(ctx, req)

	status, errText := StatusSucceeded, ""
	switch {
	case err != nil:
		status, errText = StatusFailed, err.Error()
	case res.Failed():
		status, errText = StatusFailed, res.Error
	}
	if ctx.Err() != nil && err != nil {
		status = StatusInterrupted
	}
	if ferr := a.ledger.Finish(bg, id, status, errText, len(res.Text)); ferr != nil {
		a.logger.Warn("ledger finish failed", "run_id", id, "error", ferr)
	}
	return res, err
}
