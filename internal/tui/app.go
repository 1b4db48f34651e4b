package tui

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/Iron-Ham/conductor/internal/event"
	"github.com/Iron-Ham/conductor/internal/model"
)

// stopTimeout bounds how long quitting waits for in-flight agents.
const stopTimeout = 2 * time.Minute

// bridge moves bus events into the bubbletea loop. Events that arrive while
// the buffer is full are dropped; the view re-reads the state on the next
// event so only activity lines are lost.
type bridge struct {
	bus    *event.Bus
	sub    string
	events chan event.Event
	once   sync.Once
}

func newBridge(bus *event.Bus) *bridge {
	b := &bridge{bus: bus, events: make(chan event.Event, 512)}
	b.sub = bus.SubscribeAll(func(e event.Event) {
		select {
		case b.events <- e:
		default:
		}
	})
	return b
}

func (b *bridge) close() {
	b.once.Do(func() { b.bus.Unsubscribe(b.sub) })
}

// Messages

type eventMsg struct {
	event event.Event
}

type doneMsg struct{}

type stoppedMsg struct {
	err error
}

// Commands

func waitForEvent(b *bridge, done <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		select {
		case e := <-b.events:
			return eventMsg{event: e}
		case <-done:
			// Drain what the run published before it ended.
			select {
			case e := <-b.events:
				return eventMsg{event: e}
			default:
				return doneMsg{}
			}
		}
	}
}

func stopRun(ctrl Controller) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		return stoppedMsg{err: ctrl.Stop(ctx)}
	}
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForEvent(m.bridge, m.ctrl.Done()))
}

// Update handles messages and updates the model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeypress(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		m.progress.Width = max(10, min(msg.Width-20, 60))
		return m, nil

	case eventMsg:
		m.state = m.ctrl.State()
		m.addActivity(formatActivity(msg.event))
		return m, waitForEvent(m.bridge, m.ctrl.Done())

	case doneMsg:
		m.state = m.ctrl.State()
		m.finished = true
		if m.stopping {
			m.quitting = true
			return m, tea.Quit
		}
		return m, nil

	case stoppedMsg:
		m.state = m.ctrl.State()
		if msg.err != nil {
			m.err = msg.err
		}
		m.quitting = true
		return m, tea.Quit

	case spinner.TickMsg:
		if m.finished {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

// handleKeypress processes keyboard input
func (m Model) handleKeypress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		if m.finished || m.state.Status.IsTerminal() {
			m.quitting = true
			return m, tea.Quit
		}
		if m.stopping {
			return m, nil
		}
		m.stopping = true
		m.addActivity("stopping: waiting for in-flight agents")
		return m, stopRun(m.ctrl)

	case key.Matches(msg, m.keys.Pause):
		var err error
		if m.state.Status == model.StatusPaused {
			err = m.ctrl.Resume()
		} else {
			err = m.ctrl.Pause()
		}
		m.flash = ""
		if err != nil {
			m.flash = err.Error()
		}
		m.state = m.ctrl.State()
		return m, nil

	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll
		return m, nil
	}
	return m, nil
}

func formatActivity(e event.Event) string {
	text := event.Describe(e)
	if text == "" {
		return ""
	}
	return fmt.Sprintf("%s  %s", e.Timestamp().Format("15:04:05"), text)
}

// Run shows the progress view until the user quits or the run ends and
// the user dismisses it. Quitting a live run stops it first.
func Run(ctx context.Context, ctrl Controller, opts ...tea.ProgramOption) error {
	m := New(ctrl)
	defer m.Close()

	options := append([]tea.ProgramOption{tea.WithAltScreen(), tea.WithContext(ctx)}, opts...)
	final, err := tea.NewProgram(m, options...).Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		return fmt.Errorf("progress view: %w", err)
	}
	if fm, ok := final.(Model); ok && fm.err != nil {
		return fm.err
	}
	return nil
}
