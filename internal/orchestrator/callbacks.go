package orchestrator

import (
	"time"

	"github.com/Iron-Ham/conductor/internal/event"
	"github.com/Iron-Ham/conductor/internal/model"
	"github.com/Iron-Ham/conductor/internal/pool"
)

// callbacks routes pool outcomes into the state. Each one mutates the state
// and publishes its event through update, so results arriving after the run
// ended are dropped.
func (c *Core) callbacks() pool.Callbacks {
	return pool.Callbacks{
		StoryStarted:   c.onStoryStarted,
		StoryUpdated:   c.onStoryUpdated,
		StoryCompleted: c.onStoryCompleted,
		AgentStatus:    c.onAgentStatus,
		AgentCompleted: c.onAgentCompleted,
		Message:        c.onMessage,
		CodeChanged:    c.onCodeChanged,
		TestResults:    c.onTestResults,
		SecurityReport: c.onSecurityReport,
	}
}

func putStory(s *model.DevelopmentState, story model.Story) {
	if i := s.FindStory(story.ID); i >= 0 {
		s.Stories[i] = story.Clone()
	} else {
		s.Stories = append(s.Stories, story.Clone())
	}
	s.RollupEpics()
}

func (c *Core) onStoryStarted(story model.Story, worker string) {
	c.update(func(s *model.DevelopmentState) []event.Event {
		putStory(s, story)
		return []event.Event{event.NewStoryStartedEvent(c.projectID, story.Clone(), worker)}
	})
}

func (c *Core) onStoryUpdated(story model.Story, previous model.StoryStatus) {
	c.update(func(s *model.DevelopmentState) []event.Event {
		putStory(s, story)
		if story.Status == model.StoryFailed {
			s.Errors = append(s.Errors, model.StateError{Message: story.Error, StoryID: story.ID, Time: time.Now()})
		}
		return []event.Event{event.NewStoryUpdatedEvent(c.projectID, story.Clone(), previous)}
	})
}

// onStoryCompleted raises progress. Progress only moves forward while the
// run is live.
func (c *Core) onStoryCompleted(story model.Story) {
	c.update(func(s *model.DevelopmentState) []event.Event {
		putStory(s, story)
		if p := model.Progress(s.Stories); p > s.Progress {
			now := time.Now()
			s.Progress = p
			s.ProgressUpdatedAt = &now
		}
		return []event.Event{event.NewStoryCompletedEvent(c.projectID, story.Clone(), s.Progress)}
	})
}

func (c *Core) onAgentStatus(role, worker, storyID, status string, attempt int) {
	c.update(func(*model.DevelopmentState) []event.Event {
		return []event.Event{event.NewAgentStatusEvent(c.projectID, role, worker, storyID, status, attempt)}
	})
}

func (c *Core) onAgentCompleted(role, worker, storyID string, attempt int, d time.Duration, err error) {
	c.update(func(*model.DevelopmentState) []event.Event {
		return []event.Event{event.NewAgentCompletedEvent(c.projectID, role, worker, storyID, attempt, d, err)}
	})
}

func (c *Core) onMessage(msg model.AgentMessage) {
	c.update(func(s *model.DevelopmentState) []event.Event {
		if !c.guard.InsertMessage(msg) {
			return nil
		}
		s.Messages = append(s.Messages, msg)
		return []event.Event{event.NewAgentMessageEvent(c.projectID, msg)}
	})
}

func (c *Core) onCodeChanged(file model.CodeFile) {
	c.update(func(s *model.DevelopmentState) []event.Event {
		return c.putCodeFile(s, file)
	})
}

// putCodeFile records the last version of a file. A change without a story
// keeps the story of the previous version.
func (c *Core) putCodeFile(s *model.DevelopmentState, file model.CodeFile) []event.Event {
	if prev, ok := s.CodeFiles[file.Path]; ok && file.StoryID == "" {
		file.StoryID = prev.StoryID
	}
	if s.CodeFiles == nil {
		s.CodeFiles = make(map[string]model.CodeFile)
	}
	s.CodeFiles[file.Path] = file
	return []event.Event{event.NewCodeChangedEvent(c.projectID, file)}
}

func (c *Core) onTestResults(storyID string, results model.TestResults) {
	c.update(func(s *model.DevelopmentState) []event.Event {
		if s.TestResults == nil {
			s.TestResults = &model.TestResults{}
		}
		s.TestResults.Add(results)
		totals := *s.TestResults
		totals.Failures = append([]string(nil), totals.Failures...)
		totals.Files = append([]string(nil), totals.Files...)
		return []event.Event{event.NewTestResultsEvent(c.projectID, storyID, results, totals)}
	})
}

func (c *Core) onSecurityReport(storyID string, report model.SecurityReport) {
	c.update(func(s *model.DevelopmentState) []event.Event {
		if s.SecurityReport == nil {
			s.SecurityReport = &model.SecurityReport{}
		}
		s.SecurityReport.Add(report)
		totals := *s.SecurityReport
		totals.Findings = append([]model.Finding(nil), totals.Findings...)
		totals.ScannedFiles = append([]string(nil), totals.ScannedFiles...)
		return []event.Event{event.NewSecurityReportEvent(c.projectID, storyID, report, totals)}
	})
}
