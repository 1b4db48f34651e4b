package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/Iron-Ham/conductor/internal/agent"
	"github.com/Iron-Ham/conductor/internal/errors"
	"github.com/Iron-Ham/conductor/internal/event"
	"github.com/Iron-Ham/conductor/internal/model"
	"github.com/Iron-Ham/conductor/internal/util"
)

const plannerName = "planner"

// plan invokes the planner until it returns a usable plan or the retry
// budget is spent, then stores the plan's epics and stories.
func (c *Core) plan(ctx context.Context) error {
	st := c.State()
	cfg := st.Config
	log := c.logger.WithPhase("planning")

	var (
		plan    *agent.Plan
		lastErr error
	)
	for attempt := 1; attempt <= cfg.MaxRetries+1; attempt++ {
		data := agent.PromptData{Requirements: st.Requirements, Attempt: attempt}
		if lastErr != nil {
			data.PreviousError = lastErr.Error()
		}
		prompt, err := agent.RenderPrompt(model.RolePlanner, data)
		if err != nil {
			return err
		}

		status := event.AgentWorking
		if attempt > 1 {
			status = event.AgentRetrying
		}
		c.update(func(*model.DevelopmentState) []event.Event {
			return []event.Event{event.NewAgentStatusEvent(c.projectID, model.RolePlanner, plannerName, "", status, attempt)}
		})

		start := time.Now()
		res, err := c.invoker.Invoke(ctx, agent.Request{
			Role:                model.RolePlanner,
			Prompt:              prompt,
			WorkingDirectory:    c.projectDir,
			AllowedCapabilities: cfg.CapabilitiesFor(model.RolePlanner),
			MaxTurns:            cfg.MaxTurns,
			Timeout:             cfg.PlanningTimeout,
			Attempt:             attempt,
		})
		if err == nil {
			plan, err = agent.ParsePlan(res.Text)
		}
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		c.update(func(*model.DevelopmentState) []event.Event {
			return []event.Event{event.NewAgentCompletedEvent(c.projectID, model.RolePlanner, plannerName, "", attempt, time.Since(start), err)}
		})
		if err == nil {
			break
		}

		lastErr = err
		log.Warn("planning attempt failed", "attempt", attempt, "error", err)
		c.addMessage(model.RolePlanner, plannerName, "", model.MessageError, fmt.Sprintf("attempt %d failed: %v", attempt, err))
		if errors.Is(err, errors.ErrPlanEmpty) || !errors.IsRetryable(err) {
			return err
		}
		if attempt <= cfg.MaxRetries {
			t := time.NewTimer(cfg.RetryDelay(attempt))
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return context.Cause(ctx)
			}
		}
	}
	if plan == nil {
		return fmt.Errorf("planning failed after %d attempts: %w", cfg.MaxRetries+1, lastErr)
	}

	epics, stories := c.ingestPlan(plan)
	log.Info("plan ingested", "epics", epics, "stories", stories)
	if plan.Summary != "" {
		c.addMessage(model.RolePlanner, plannerName, "", model.MessageResult, plan.Summary)
	}
	return nil
}

// ingestPlan converts the plan into epics and stories and inserts those the
// dedup guard admits. Events are emitted only for actual inserts.
func (c *Core) ingestPlan(plan *agent.Plan) (epics, stories int) {
	now := time.Now()
	c.update(func(s *model.DevelopmentState) []event.Event {
		var (
			newEpics   []model.Epic
			newStories []model.Story
		)
		base := len(s.Epics)
		for i, pe := range plan.Epics {
			epic := model.Epic{
				ID:          pe.ID,
				ProjectID:   c.projectID,
				Title:       pe.Title,
				Description: pe.Description,
				Sequence:    base + i + 1,
				Status:      model.StoryPending,
				CreatedAt:   now,
			}
			if epic.ID == "" {
				epic.ID = model.NewID("epic")
			}
			if c.guard.InsertEpic(epic) {
				s.Epics = append(s.Epics, epic)
				newEpics = append(newEpics, epic)
			}

			for _, ps := range pe.Stories {
				story := model.Story{
					ID:                 ps.ID,
					EpicID:             epic.ID,
					ProjectID:          c.projectID,
					Title:              ps.Title,
					Description:        ps.Description,
					AcceptanceCriteria: ps.AcceptanceCriteria,
					Priority:           agent.ParsePriority(ps.Priority),
					StoryPoints:        ps.StoryPoints,
					Status:             model.StoryPending,
					UpdatedAt:          now,
				}
				if story.ID == "" {
					story.ID = model.NewID("story")
				}
				if !c.guard.InsertStory(story) {
					if dup, ok := c.guard.DuplicateOf(story); ok {
						c.logger.Debug("duplicate story skipped", "title", story.Title, "existing", dup)
					}
					continue
				}
				s.Stories = append(s.Stories, story)
				newStories = append(newStories, story)
			}
		}

		var events []event.Event
		if len(newEpics) > 0 {
			events = append(events, event.NewEpicsCreatedEvent(c.projectID, newEpics))
		}
		if len(newStories) > 0 {
			events = append(events, event.NewStoriesCreatedEvent(c.projectID, cloneStories(newStories)))
		}
		epics, stories = len(newEpics), len(newStories)
		return events
	})
	return epics, stories
}

// addMessage appends a transcript entry for work the core runs itself.
func (c *Core) addMessage(role, name, storyID string, typ model.MessageType, content string) {
	c.onMessage(model.AgentMessage{
		ID:        model.NewID("msg"),
		AgentRole: role,
		AgentName: name,
		StoryID:   storyID,
		Type:      typ,
		Content:   util.TruncateString(content, 4000),
		Timestamp: time.Now(),
	})
}

func cloneStories(in []model.Story) []model.Story {
	out := make([]model.Story, len(in))
	for i, s := range in {
		out[i] = s.Clone()
	}
	return out
}
