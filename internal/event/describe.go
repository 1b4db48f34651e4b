package event

import (
	"fmt"
	"strings"
	"time"
)

// Describe returns a one-line human description of e, or "" for events
// too chatty to show in a progress log.
func Describe(e Event) string {
	switch ev := e.(type) {
	case WorkflowStartedEvent:
		if ev.Resumed {
			return "workflow resumed"
		}
		return "workflow started"
	case WorkflowStatusEvent:
		if ev.Reason != "" {
			return fmt.Sprintf("workflow %s -> %s (%s)", ev.From, ev.To, ev.Reason)
		}
		return fmt.Sprintf("workflow %s -> %s", ev.From, ev.To)
	case WorkflowCompletedEvent:
		return fmt.Sprintf("workflow completed: %d/%d stories", ev.Completed, ev.Stories)
	case WorkflowErrorEvent:
		if len(ev.FailedStories) > 0 {
			return fmt.Sprintf("workflow failed: %s (stories %s)", ev.Error, strings.Join(ev.FailedStories, ", "))
		}
		return "workflow failed: " + ev.Error
	case EpicsCreatedEvent:
		return fmt.Sprintf("planned %d epics", len(ev.Epics))
	case StoriesCreatedEvent:
		return fmt.Sprintf("planned %d stories", len(ev.Stories))
	case StoryStartedEvent:
		return fmt.Sprintf("%s %q started by %s", ev.Story.ID, ev.Story.Title, ev.Worker)
	case StoryUpdatedEvent:
		if ev.Story.Error != "" && ev.Story.Status != ev.Previous {
			return fmt.Sprintf("%s %s -> %s: %s", ev.Story.ID, ev.Previous, ev.Story.Status, ev.Story.Error)
		}
		return fmt.Sprintf("%s %s -> %s", ev.Story.ID, ev.Previous, ev.Story.Status)
	case StoryCompletedEvent:
		return fmt.Sprintf("%s %q completed (%d%%)", ev.Story.ID, ev.Story.Title, ev.Progress)
	case AgentCompletedEvent:
		if ev.Success {
			return ""
		}
		return fmt.Sprintf("%s %s attempt %d failed after %s: %s",
			ev.AgentName, ev.Story, ev.Attempt, ev.Duration.Round(time.Millisecond), ev.Error)
	case TestResultsEvent:
		return fmt.Sprintf("%s tests: %d passed, %d failed", ev.Story, ev.Results.Passed, ev.Results.Failed)
	case SecurityReportEvent:
		if n := len(ev.Report.Findings); n > 0 {
			return fmt.Sprintf("%s security: %d findings, %d critical", ev.Story, n, ev.Report.Critical)
		}
		return ""
	case CodeChangedEvent:
		return fmt.Sprintf("%s %s", ev.File.Operation, ev.File.Path)
	}
	return ""
}
