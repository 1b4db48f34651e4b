package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Iron-Ham/conductor/internal/errors"
	"github.com/Iron-Ham/conductor/internal/event"
	"github.com/Iron-Ham/conductor/internal/model"
)

func TestSink_PersistsEvents(t *testing.T) {
	s := newTestStore(t)
	bus := event.NewBus("proj-1", nil)

	var reported []error
	sink := NewSink(s, func(err error) { reported = append(reported, err) }, nil)
	sink.Attach(bus)

	story := model.Story{ID: "s1", EpicID: "e1", Title: "Login", Status: model.StoryPending}
	bus.Publish(event.NewEpicsCreatedEvent("proj-1", []model.Epic{{ID: "e1", Title: "Auth"}}))
	bus.Publish(event.NewStoriesCreatedEvent("proj-1", []model.Story{story}))

	story.Status = model.StoryInProgress
	bus.Publish(event.NewStoryStartedEvent("proj-1", story, "coder-1"))
	story.Status = model.StoryCompleted
	bus.Publish(event.NewStoryCompletedEvent("proj-1", story, 100))
	bus.Publish(event.NewAgentMessageEvent("proj-1", model.AgentMessage{ID: "m1", Content: "done"}))
	bus.Publish(event.NewTestResultsEvent("proj-1", "s1",
		model.TestResults{Passed: 1, Total: 1}, model.TestResults{Passed: 1, Total: 1}))
	bus.Publish(event.NewWorkflowCompletedEvent("proj-1", 100, 1, 1))

	if len(reported) != 0 {
		t.Fatalf("sink reported errors: %v", reported)
	}

	stories, err := s.LoadStories()
	if err != nil {
		t.Fatal(err)
	}
	if len(stories) != 1 || stories[0].Status != model.StoryCompleted {
		t.Errorf("stories = %+v, want s1 completed", stories)
	}
	epics, _ := s.LoadEpics()
	if len(epics) != 1 {
		t.Errorf("got %d epics, want 1", len(epics))
	}
	msgs, _ := s.LoadMessages()
	if len(msgs) != 1 {
		t.Errorf("got %d messages, want 1", len(msgs))
	}

	st, err := s.LoadProjectState()
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != model.StatusCompleted || st.Progress != 100 {
		t.Errorf("snapshot status=%s progress=%d, want completed/100", st.Status, st.Progress)
	}
	if st.TestResults == nil || st.TestResults.Total != 1 {
		t.Errorf("test results = %+v", st.TestResults)
	}

	sink.Detach()
	if bus.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d after Detach, want 0", bus.SubscriptionCount())
	}
}

func TestSink_ReportsFatalAfterRetry(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission checks do not apply to root")
	}

	s := newTestStore(t)
	bus := event.NewBus("proj-1", nil)

	var reported []error
	NewSink(s, func(err error) { reported = append(reported, err) }, nil).Attach(bus)

	// Make the backlog directory unwritable so appends fail.
	backlog := filepath.Dir(s.EpicsPath())
	if err := os.Chmod(backlog, 0o500); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chmod(backlog, 0o755) })

	bus.Publish(event.NewEpicsCreatedEvent("proj-1", []model.Epic{{ID: "e1"}}))

	if len(reported) != 1 {
		t.Fatalf("got %d reported errors, want 1", len(reported))
	}
	if !errors.IsFatal(reported[0]) {
		t.Errorf("reported error %v should be fatal", reported[0])
	}
}
