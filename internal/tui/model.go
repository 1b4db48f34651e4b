// Package tui renders the live progress of one orchestrator run in the
// terminal.
package tui

import (
	"context"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"

	"github.com/Iron-Ham/conductor/internal/event"
	"github.com/Iron-Ham/conductor/internal/model"
	"github.com/Iron-Ham/conductor/internal/tui/styles"
)

// Controller is the part of an orchestrator the view drives.
type Controller interface {
	ProjectID() string
	State() model.DevelopmentState
	Pause() error
	Resume() error
	Stop(ctx context.Context) error
	Bus() *event.Bus
	Done() <-chan struct{}
}

// maxActivity bounds the activity log kept in memory.
const maxActivity = 200

// Model holds the TUI application state
type Model struct {
	ctrl   Controller
	bridge *bridge

	state    model.DevelopmentState
	activity []string

	keys     keyMap
	help     help.Model
	progress progress.Model
	spinner  spinner.Model

	width    int
	height   int
	finished bool
	stopping bool
	quitting bool
	flash    string
	err      error
}

// New creates the view for ctrl. The view subscribes to the controller's
// bus immediately so no event published after New is missed.
func New(ctrl Controller) Model {
	sp := spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(styles.Secondary))
	return Model{
		ctrl:     ctrl,
		bridge:   newBridge(ctrl.Bus()),
		state:    ctrl.State(),
		keys:     defaultKeyMap(),
		help:     help.New(),
		progress: progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage()),
		spinner:  sp,
	}
}

// Close detaches the view from the controller's bus.
func (m Model) Close() {
	m.bridge.close()
}

func (m *Model) addActivity(line string) {
	if line == "" {
		return
	}
	m.activity = append(m.activity, line)
	if len(m.activity) > maxActivity {
		m.activity = m.activity[len(m.activity)-maxActivity:]
	}
}

// counts returns finished and total stories.
func (m Model) counts() (done, failed, total int) {
	for _, s := range m.state.Stories {
		switch {
		case s.Status.IsDone():
			done++
		case s.Status == model.StoryFailed:
			failed++
		}
	}
	return done, failed, len(m.state.Stories)
}
