package styles

import (
	"testing"

	"github.com/Iron-Ham/conductor/internal/model"
)

func TestStoryColor(t *testing.T) {
	tests := []struct {
		status   model.StoryStatus
		expected string // Expected color hex value
	}{
		{model.StoryBacklog, "#9CA3AF"},
		{model.StoryPending, "#9CA3AF"},
		{model.StoryInProgress, "#10B981"},
		{model.StoryTesting, "#60A5FA"},
		{model.StoryCompleted, "#A78BFA"},
		{model.StoryDone, "#A78BFA"},
		{model.StoryFailed, "#F87171"},
		{"unknown", "#9CA3AF"}, // Should fall back to MutedColor
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			got := StoryColor(tt.status)
			if string(got) != tt.expected {
				t.Errorf("StoryColor(%q) = %q, want %q", tt.status, got, tt.expected)
			}
		})
	}
}

func TestStoryIcon(t *testing.T) {
	tests := []struct {
		status   model.StoryStatus
		expected string
	}{
		{model.StoryPending, "○"},
		{model.StoryInProgress, "◐"},
		{model.StoryTesting, "◑"},
		{model.StoryCompleted, "✓"},
		{model.StoryFailed, "✗"},
		{"unknown", "○"},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := StoryIcon(tt.status); got != tt.expected {
				t.Errorf("StoryIcon(%q) = %q, want %q", tt.status, got, tt.expected)
			}
		})
	}
}

func TestWorkflowColor(t *testing.T) {
	tests := []struct {
		status   model.WorkflowStatus
		expected string
	}{
		{model.StatusIdle, "#9CA3AF"},
		{model.StatusPlanning, "#F59E0B"},
		{model.StatusDeveloping, "#10B981"},
		{model.StatusPaused, "#60A5FA"},
		{model.StatusCompleted, "#A78BFA"},
		{model.StatusError, "#F87171"},
		{model.StatusStopped, "#9CA3AF"},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := WorkflowColor(tt.status); string(got) != tt.expected {
				t.Errorf("WorkflowColor(%q) = %q, want %q", tt.status, got, tt.expected)
			}
		})
	}
}
