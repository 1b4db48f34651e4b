package event

import (
	"errors"
	"testing"
	"time"

	"github.com/Iron-Ham/conductor/internal/model"
)

func TestDescribe(t *testing.T) {
	story := model.Story{ID: "s1-1", Title: "Sign up", Status: model.StoryCompleted}
	failed := model.Story{ID: "s1-2", Status: model.StoryFailed, Error: "tests failed"}

	tests := []struct {
		name  string
		event Event
		want  string
	}{
		{"started", NewWorkflowStartedEvent("p", "req", model.WorkflowConfig{}, false), "workflow started"},
		{"resumed", NewWorkflowStartedEvent("p", "req", model.WorkflowConfig{}, true), "workflow resumed"},
		{"status", NewWorkflowStatusEvent("p", model.StatusPlanning, model.StatusDeveloping, "", 0), "workflow planning -> developing"},
		{"status with reason", NewWorkflowStatusEvent("p", model.StatusDeveloping, model.StatusPaused, "paused by request", 0), "workflow developing -> paused (paused by request)"},
		{"completed", NewWorkflowCompletedEvent("p", 100, 4, 4), "workflow completed: 4/4 stories"},
		{"error", NewWorkflowErrorEvent("p", model.StatusDeveloping, "1 story failed", []string{"s1-2"}, 75), "workflow failed: 1 story failed (stories s1-2)"},
		{"story completed", NewStoryCompletedEvent("p", story, 25), `s1-1 "Sign up" completed (25%)`},
		{"story failed", NewStoryUpdatedEvent("p", failed, model.StoryTesting), "s1-2 testing -> failed: tests failed"},
		{"agent ok is quiet", NewAgentCompletedEvent("p", "coder", "coder-1", "s1-1", 1, time.Second, nil), ""},
		{"agent failed", NewAgentCompletedEvent("p", "coder", "coder-1", "s1-1", 2, 1500*time.Millisecond, errors.New("boom")), "coder-1 s1-1 attempt 2 failed after 1.5s: boom"},
		{"agent status is quiet", NewAgentStatusEvent("p", "coder", "coder-1", "s1-1", AgentWorking, 1), ""},
		{"code changed", NewCodeChangedEvent("p", model.CodeFile{Path: "main.go", Operation: model.FileCreated}), "created main.go"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Describe(tt.event); got != tt.want {
				t.Errorf("Describe() = %q, want %q", got, tt.want)
			}
		})
	}
}
