package pool

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/Iron-Ham/conductor/internal/agent"
	"github.com/Iron-Ham/conductor/internal/errors"
	"github.com/Iron-Ham/conductor/internal/event"
	"github.com/Iron-Ham/conductor/internal/model"
	"github.com/Iron-Ham/conductor/internal/util"
)

// develop drives one claimed story through the coder role. The story is
// in_progress and held by worker on entry; on return it is testing, failed,
// or (after cancellation) silently back in pending.
func (p *Pool) develop(ctx context.Context, worker string, slot int, story model.Story) {
	log := p.logger.WithStory(story.ID).WithRole(model.RoleCoder).With("worker", worker)
	if p.cb.StoryStarted != nil {
		p.cb.StoryStarted(story, worker)
	}

	var feedback []string
	if story.Error != "" {
		feedback = []string{story.Error}
	}

	var report agent.CodeReport
	err := p.retry(ctx, func(attempt int, prev error) error {
		cur, err := p.queue.Update(story.ID, worker, func(s *model.Story) { s.Attempts++ })
		if err != nil {
			return err
		}
		data := agent.PromptData{
			Story:    &cur,
			Files:    cur.TouchedFiles,
			Attempt:  attempt,
			Feedback: feedback,
		}
		if prev != nil {
			data.PreviousError = prev.Error()
		}
		return p.invoke(ctx, worker, slot, model.RoleCoder, cur, attempt, data, func(res agent.Result) error {
			rep, err := agent.ParseCodeReport(res)
			if err != nil {
				return err
			}
			if rep.Failed() {
				return errors.NewAgentInvocationError(rep.FailureText(), errors.ErrAgentFailed).
					WithRole(model.RoleCoder).WithStoryID(cur.ID).WithAttempt(attempt)
			}
			report = rep
			return nil
		})
	})

	if ctx.Err() != nil {
		p.abandon(story.ID, worker)
		return
	}
	if errors.IsFatal(err) {
		p.setFatal(err)
		return
	}
	p.agentStatus(model.RoleCoder, worker, story.ID, event.AgentIdle, 0)

	if err != nil {
		log.Warn("story failed in development", "error", err)
		p.finish(story.ID, worker, model.StoryFailed, func(s *model.Story) { s.Error = err.Error() })
		p.message(model.RoleCoder, worker, slot, story.ID, model.MessageError, "gave up: "+err.Error())
		return
	}

	now := time.Now()
	for _, f := range report.Files {
		if f.Path == "" {
			continue
		}
		op := f.Operation
		if op == "" {
			op = model.FileModified
		}
		if p.cb.CodeChanged != nil {
			p.cb.CodeChanged(model.CodeFile{
				Path:      f.Path,
				Content:   f.Content,
				Operation: op,
				StoryID:   story.ID,
				UpdatedAt: now,
			})
		}
	}
	if report.Summary != "" {
		p.message(model.RoleCoder, worker, slot, story.ID, model.MessageResult, report.Summary)
	}

	log.Info("story ready for testing", "files", len(report.Files))
	p.finish(story.ID, worker, model.StoryTesting, func(s *model.Story) {
		s.Error = ""
		for _, path := range report.Paths() {
			if !slices.Contains(s.TouchedFiles, path) {
				s.TouchedFiles = append(s.TouchedFiles, path)
			}
		}
	})
}

// verify runs the test gate and, when configured, the security gate on a
// story held by a tester.
func (p *Pool) verify(ctx context.Context, worker string, slot int, story model.Story) {
	log := p.logger.WithStory(story.ID).WithRole(model.RoleTester).With("worker", worker)

	var results model.TestResults
	err := p.retry(ctx, func(attempt int, prev error) error {
		data := agent.PromptData{Story: &story, Files: story.TouchedFiles, Attempt: attempt}
		if prev != nil {
			data.PreviousError = prev.Error()
		}
		return p.invoke(ctx, worker, slot, model.RoleTester, story, attempt, data, func(res agent.Result) error {
			r, err := agent.ParseTestResults(res.Text)
			if err != nil {
				return err
			}
			results = r
			return nil
		})
	})
	if p.gateInterrupted(ctx, story.ID, worker, err) {
		return
	}
	p.agentStatus(model.RoleTester, worker, story.ID, event.AgentIdle, 0)
	if err != nil {
		log.Warn("story failed in testing", "error", err)
		p.finish(story.ID, worker, model.StoryFailed, func(s *model.Story) { s.Error = err.Error() })
		return
	}

	if results.Files == nil {
		results.Files = slices.Clone(story.TouchedFiles)
	}
	if p.cb.TestResults != nil {
		p.cb.TestResults(story.ID, results)
	}
	p.message(model.RoleTester, worker, slot, story.ID, model.MessageResult,
		fmt.Sprintf("tests: %d passed, %d failed, %d skipped", results.Passed, results.Failed, results.Skipped))

	if results.Failed > 0 {
		reason := fmt.Sprintf("%d test(s) failed", results.Failed)
		if len(results.Failures) > 0 {
			reason += ": " + strings.Join(results.Failures, "; ")
		}
		p.gateFailed(story, worker, reason)
		return
	}

	if p.cfg.BlockOnCritical {
		reason, ok := p.securityGate(ctx, worker, slot, story)
		if !ok {
			return
		}
		if reason != "" {
			p.gateFailed(story, worker, reason)
			return
		}
	}

	log.Info("story completed")
	done := p.finish(story.ID, worker, model.StoryCompleted, func(s *model.Story) { s.Error = "" })
	if done != nil && p.cb.StoryCompleted != nil {
		p.cb.StoryCompleted(*done)
	}
}

// securityGate invokes the security role. It returns the failure reason,
// empty when the gate passed, and false when the story was already released.
func (p *Pool) securityGate(ctx context.Context, worker string, slot int, story model.Story) (string, bool) {
	var report model.SecurityReport
	err := p.retry(ctx, func(attempt int, prev error) error {
		data := agent.PromptData{Story: &story, Files: story.TouchedFiles, Attempt: attempt}
		if prev != nil {
			data.PreviousError = prev.Error()
		}
		return p.invoke(ctx, worker, slot, model.RoleSecurity, story, attempt, data, func(res agent.Result) error {
			r, err := agent.ParseSecurityReport(res.Text)
			if err != nil {
				return err
			}
			report = r
			return nil
		})
	})
	if p.gateInterrupted(ctx, story.ID, worker, err) {
		return "", false
	}
	p.agentStatus(model.RoleSecurity, worker, story.ID, event.AgentIdle, 0)
	if err != nil {
		p.finish(story.ID, worker, model.StoryFailed, func(s *model.Story) { s.Error = err.Error() })
		return "", false
	}

	if len(report.ScannedFiles) == 0 {
		report.ScannedFiles = slices.Clone(story.TouchedFiles)
	}
	if p.cb.SecurityReport != nil {
		p.cb.SecurityReport(story.ID, report)
	}
	if !report.HasCritical() {
		return "", true
	}
	var titles []string
	for _, f := range report.Findings {
		if f.Severity == "critical" {
			titles = append(titles, f.Title)
		}
	}
	return fmt.Sprintf("%d critical security finding(s): %s", report.Critical, strings.Join(titles, "; ")), true
}

func (p *Pool) gateInterrupted(ctx context.Context, storyID, worker string, err error) bool {
	if ctx.Err() != nil {
		p.abandon(storyID, worker)
		return true
	}
	if errors.IsFatal(err) {
		p.setFatal(err)
		return true
	}
	return false
}

// gateFailed sends the story back to the coders while fix cycles remain,
// and fails it otherwise.
func (p *Pool) gateFailed(story model.Story, worker, reason string) {
	log := p.logger.WithStory(story.ID)
	if story.FixCycles < p.cfg.FixCycles {
		log.Info("gate failed, returning story for a fix cycle", "reason", reason, "fix_cycle", story.FixCycles+1)
		p.finish(story.ID, worker, model.StoryPending, func(s *model.Story) {
			s.FixCycles++
			s.Error = reason
		})
		return
	}
	log.Warn("gate failed, no fix cycles left", "reason", reason)
	p.finish(story.ID, worker, model.StoryFailed, func(s *model.Story) { s.Error = reason })
}

// finish releases a story and reports the new version. It returns nil when
// the release failed, which is fatal.
func (p *Pool) finish(id, worker string, to model.StoryStatus, fn func(*model.Story)) *model.Story {
	story, prev, err := p.queue.Release(id, worker, to, fn)
	if err != nil {
		p.setFatal(err)
		return nil
	}
	if p.cb.StoryUpdated != nil {
		p.cb.StoryUpdated(story, prev)
	}
	p.notify()
	return &story
}

// abandon drops a claim after cancellation without reporting anything, so
// a result that arrives after Stop never reaches the state.
func (p *Pool) abandon(id, worker string) {
	if _, _, err := p.queue.Release(id, worker, model.StoryPending, nil); err != nil {
		p.logger.Debug("abandon failed", "story_id", id, "error", err)
	}
}

// invoke renders the prompt for role, calls the invoker and hands the result
// to parse. Agent lifecycle callbacks are skipped once ctx is done.
func (p *Pool) invoke(ctx context.Context, worker string, slot int, role string, story model.Story,
	attempt int, data agent.PromptData, parse func(agent.Result) error) error {
	if e, ok := p.queue.Epic(story.EpicID); ok {
		data.Epic = &e
	}
	data.Requirements = p.requirements
	prompt, err := agent.RenderPrompt(role, data)
	if err != nil {
		return errors.NewValidationError("render prompt").WithField(role).WithCause(err)
	}

	status := event.AgentWorking
	if attempt > 1 {
		status = event.AgentRetrying
	}
	p.agentStatus(role, worker, story.ID, status, attempt)

	start := time.Now()
	res, err := p.invoker.Invoke(ctx, agent.Request{
		Role:                role,
		Prompt:              prompt,
		WorkingDirectory:    p.workDir,
		AllowedCapabilities: p.cfg.CapabilitiesFor(role),
		MaxTurns:            p.cfg.MaxTurns,
		Timeout:             p.cfg.AgentTimeout,
		StoryID:             story.ID,
		Attempt:             attempt,
	})
	if err == nil {
		err = parse(res)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if p.cb.AgentCompleted != nil {
		p.cb.AgentCompleted(role, worker, story.ID, attempt, time.Since(start), err)
	}
	if err != nil {
		p.message(role, worker, slot, story.ID, model.MessageError,
			fmt.Sprintf("attempt %d failed: %v", attempt, err))
	}
	return err
}

// retry calls fn for attempts 1 through MaxRetries+1 until it succeeds,
// returns an error that must not be retried or ctx ends. Attempt n waits
// RetryDelay(n) before attempt n+1.
func (p *Pool) retry(ctx context.Context, fn func(attempt int, prev error) error) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = fn(attempt, err)
		if err == nil || ctx.Err() != nil {
			return err
		}
		if attempt > p.cfg.MaxRetries || !errors.IsRetryable(err) {
			return err
		}
		t := time.NewTimer(p.cfg.RetryDelay(attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}

func (p *Pool) agentStatus(role, worker, storyID, status string, attempt int) {
	if p.cb.AgentStatus != nil {
		p.cb.AgentStatus(role, worker, storyID, status, attempt)
	}
}

func (p *Pool) message(role, worker string, slot int, storyID string, typ model.MessageType, content string) {
	if p.cb.Message == nil {
		return
	}
	n := slot + 1
	p.cb.Message(model.AgentMessage{
		ID:             model.NewID("msg"),
		AgentRole:      role,
		AgentName:      worker,
		InstanceNumber: &n,
		StoryID:        storyID,
		Type:           typ,
		Content:        util.TruncateString(content, maxMessageLen),
		Timestamp:      time.Now(),
	})
}
