package tui

import (
	"context"
	"strings"
	"sync"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/Iron-Ham/conductor/internal/errors"
	"github.com/Iron-Ham/conductor/internal/event"
	"github.com/Iron-Ham/conductor/internal/model"
)

type fakeController struct {
	mu      sync.Mutex
	state   model.DevelopmentState
	bus     *event.Bus
	done    chan struct{}
	stopped int
}

func newFake(status model.WorkflowStatus) *fakeController {
	st := model.NewDevelopmentState("shop", "/tmp/shop")
	st.Status = status
	st.Requirements = "build a shop"
	st.Epics = []model.Epic{
		{ID: "e2", Title: "Billing", Sequence: 2},
		{ID: "e1", Title: "Accounts", Sequence: 1},
	}
	st.Stories = []model.Story{
		{ID: "s1-1", EpicID: "e1", Title: "Sign up", Status: model.StoryCompleted},
		{ID: "s1-2", EpicID: "e1", Title: "Log in", Status: model.StoryInProgress, AssignedTo: "coder-1"},
		{ID: "s2-1", EpicID: "e2", Title: "Invoices", Status: model.StoryFailed, Error: "tests failed"},
		{ID: "s9-1", EpicID: "e9", Title: "Orphan", Status: model.StoryPending},
	}
	st.Progress = 25
	return &fakeController{state: *st, bus: event.NewBus("shop", nil), done: make(chan struct{})}
}

func (f *fakeController) ProjectID() string { return "shop" }
func (f *fakeController) Bus() *event.Bus   { return f.bus }
func (f *fakeController) Done() <-chan struct{} {
	return f.done
}

func (f *fakeController) State() model.DevelopmentState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeController) setStatus(s model.WorkflowStatus) {
	f.mu.Lock()
	f.state.Status = s
	f.mu.Unlock()
}

func (f *fakeController) Pause() error {
	if f.State().Status != model.StatusDeveloping {
		return errors.ErrInvalidTransition
	}
	f.setStatus(model.StatusPaused)
	return nil
}

func (f *fakeController) Resume() error {
	if f.State().Status != model.StatusPaused {
		return errors.ErrInvalidTransition
	}
	f.setStatus(model.StatusDeveloping)
	return nil
}

func (f *fakeController) Stop(ctx context.Context) error {
	f.mu.Lock()
	f.stopped++
	f.state.Status = model.StatusStopped
	f.mu.Unlock()
	return nil
}

func keyRunes(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	nm, ok := next.(Model)
	if !ok {
		t.Fatalf("Update() returned %T, want Model", next)
	}
	return nm, cmd
}

func TestView_RendersStoriesByEpic(t *testing.T) {
	ctrl := newFake(model.StatusDeveloping)
	m := New(ctrl)
	defer m.Close()
	m, _ = update(t, m, tea.WindowSizeMsg{Width: 120, Height: 40})

	view := m.View()
	for _, want := range []string{"shop", "developing", "25%", "1/4 stories", "1 failed", "Sign up", "coder-1", "tests failed", "Orphan"} {
		if !strings.Contains(view, want) {
			t.Errorf("View() missing %q:\n%s", want, view)
		}
	}
	if strings.Index(view, "Accounts") > strings.Index(view, "Billing") {
		t.Error("epics should be ordered by sequence")
	}
}

func TestView_TruncatesStoryList(t *testing.T) {
	ctrl := newFake(model.StatusDeveloping)
	m := New(ctrl)
	defer m.Close()
	m, _ = update(t, m, tea.WindowSizeMsg{Width: 80, Height: chromeLines + 4})

	if view := m.View(); !strings.Contains(view, "more") {
		t.Errorf("View() should elide stories that do not fit:\n%s", view)
	}
}

func TestUpdate_EventRefreshesStateAndActivity(t *testing.T) {
	ctrl := newFake(model.StatusDeveloping)
	m := New(ctrl)
	defer m.Close()

	ctrl.mu.Lock()
	ctrl.state.Progress = 50
	ctrl.mu.Unlock()
	story := model.Story{ID: "s1-2", Title: "Log in", Status: model.StoryCompleted}
	m, cmd := update(t, m, eventMsg{event: event.NewStoryCompletedEvent("shop", story, 50)})

	if m.state.Progress != 50 {
		t.Errorf("progress = %d, want 50", m.state.Progress)
	}
	if len(m.activity) != 1 || !strings.Contains(m.activity[0], `s1-2 "Log in" completed`) {
		t.Errorf("activity = %v, want story completion line", m.activity)
	}
	if cmd == nil {
		t.Error("Update(eventMsg) should wait for the next event")
	}

	// Chatty events do not add activity lines.
	m, _ = update(t, m, eventMsg{event: event.NewAgentStatusEvent("shop", "coder", "coder-1", "s1-2", event.AgentWorking, 1)})
	if len(m.activity) != 1 {
		t.Errorf("activity = %v, want unchanged", m.activity)
	}
}

func TestBridge_DeliversBusEvents(t *testing.T) {
	ctrl := newFake(model.StatusDeveloping)
	m := New(ctrl)

	ctrl.bus.Publish(event.NewWorkflowStatusEvent("shop", model.StatusDeveloping, model.StatusPaused, "paused", 25))
	msg := waitForEvent(m.bridge, ctrl.done)()
	em, ok := msg.(eventMsg)
	if !ok || em.event.EventType() != event.TopicWorkflowStatus {
		t.Fatalf("waitForEvent() = %#v, want workflow:status event", msg)
	}

	close(ctrl.done)
	if msg := waitForEvent(m.bridge, ctrl.done)(); msg != (doneMsg{}) {
		t.Errorf("waitForEvent() after done = %#v, want doneMsg", msg)
	}

	m.Close()
	m.Close()
	if got := ctrl.bus.SubscriptionCount(); got != 0 {
		t.Errorf("SubscriptionCount() after Close = %d, want 0", got)
	}
}

func TestKeypress_PauseToggles(t *testing.T) {
	ctrl := newFake(model.StatusDeveloping)
	m := New(ctrl)
	defer m.Close()

	m, _ = update(t, m, keyRunes("p"))
	if m.state.Status != model.StatusPaused {
		t.Fatalf("status after p = %s, want paused", m.state.Status)
	}
	m, _ = update(t, m, keyRunes("p"))
	if m.state.Status != model.StatusDeveloping {
		t.Errorf("status after second p = %s, want developing", m.state.Status)
	}

	ctrl.setStatus(model.StatusPlanning)
	m.state.Status = model.StatusPlanning
	m, _ = update(t, m, keyRunes("p"))
	if m.flash == "" {
		t.Error("pausing during planning should show an error")
	}
}

func TestKeypress_QuitStopsLiveRun(t *testing.T) {
	ctrl := newFake(model.StatusDeveloping)
	m := New(ctrl)
	defer m.Close()

	m, cmd := update(t, m, keyRunes("q"))
	if !m.stopping || cmd == nil {
		t.Fatalf("q on a live run: stopping = %v, cmd nil = %v; want stop command", m.stopping, cmd == nil)
	}
	msg := cmd()
	if _, ok := msg.(stoppedMsg); !ok {
		t.Fatalf("stop command returned %T, want stoppedMsg", msg)
	}
	if ctrl.stopped != 1 {
		t.Errorf("Stop() calls = %d, want 1", ctrl.stopped)
	}

	// A second q while stopping does nothing.
	if _, cmd := update(t, m, keyRunes("q")); cmd != nil {
		t.Error("q while stopping should not issue another stop")
	}

	m, cmd = update(t, m, msg)
	if !m.quitting || cmd == nil {
		t.Error("stoppedMsg should quit the program")
	}
	if m.View() != "" {
		t.Error("View() after quitting should be empty")
	}
}

func TestKeypress_QuitFinishedRun(t *testing.T) {
	ctrl := newFake(model.StatusCompleted)
	m := New(ctrl)
	defer m.Close()

	m, _ = update(t, m, doneMsg{})
	if !m.finished || m.quitting {
		t.Fatalf("doneMsg: finished = %v quitting = %v, want finished and still shown", m.finished, m.quitting)
	}
	if !strings.Contains(m.View(), "press q to exit") {
		t.Error("finished view should tell the user how to exit")
	}
	m, cmd := update(t, m, keyRunes("q"))
	if !m.quitting || cmd == nil || ctrl.stopped != 0 {
		t.Errorf("q on finished run: quitting = %v, stops = %d; want quit without stop", m.quitting, ctrl.stopped)
	}
}
