// Package styles holds the lipgloss palette shared by the progress view and
// the status table.
package styles

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/Iron-Ham/conductor/internal/model"
)

var (
	// Colors - all colors meet WCAG AA contrast (4.5:1) on both black and dark surfaces
	PrimaryColor   = lipgloss.Color("#A78BFA") // Purple
	SecondaryColor = lipgloss.Color("#10B981") // Green
	WarningColor   = lipgloss.Color("#F59E0B") // Amber
	ErrorColor     = lipgloss.Color("#F87171") // Red
	MutedColor     = lipgloss.Color("#9CA3AF") // Gray
	SurfaceColor   = lipgloss.Color("#1F2937") // Dark surface
	TextColor      = lipgloss.Color("#F9FAFB") // Light text
	BorderColor    = lipgloss.Color("#6B7280") // Gray
	BlueColor      = lipgloss.Color("#60A5FA")

	Primary   = lipgloss.NewStyle().Foreground(PrimaryColor)
	Secondary = lipgloss.NewStyle().Foreground(SecondaryColor)
	Warning   = lipgloss.NewStyle().Foreground(WarningColor)
	Error     = lipgloss.NewStyle().Foreground(ErrorColor)
	Muted     = lipgloss.NewStyle().Foreground(MutedColor)
	Text      = lipgloss.NewStyle().Foreground(TextColor)

	Title = lipgloss.NewStyle().
		Bold(true).
		Foreground(PrimaryColor)

	Header = lipgloss.NewStyle().
		Bold(true).
		Foreground(PrimaryColor).
		BorderStyle(lipgloss.NormalBorder()).
		BorderBottom(true).
		BorderForeground(BorderColor).
		MarginBottom(1)

	SectionTitle = lipgloss.NewStyle().
			Bold(true).
			Foreground(TextColor).
			MarginTop(1)

	StatusBadge = lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1)

	HelpBar = lipgloss.NewStyle().
		Foreground(MutedColor).
		MarginTop(1)

	ErrorBox = lipgloss.NewStyle().
			Foreground(ErrorColor).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ErrorColor).
			Padding(0, 1)
)

// StoryColor returns the colour of a story status.
func StoryColor(s model.StoryStatus) lipgloss.Color {
	switch s {
	case model.StoryInProgress:
		return SecondaryColor
	case model.StoryTesting:
		return BlueColor
	case model.StoryCompleted, model.StoryDone:
		return PrimaryColor
	case model.StoryFailed:
		return ErrorColor
	default:
		return MutedColor
	}
}

// StoryIcon returns a one-cell marker for a story status.
func StoryIcon(s model.StoryStatus) string {
	switch s {
	case model.StoryInProgress:
		return "◐"
	case model.StoryTesting:
		return "◑"
	case model.StoryCompleted, model.StoryDone:
		return "✓"
	case model.StoryFailed:
		return "✗"
	default:
		return "○"
	}
}

// Story renders text in the colour of s.
func Story(s model.StoryStatus, text string) string {
	return lipgloss.NewStyle().Foreground(StoryColor(s)).Render(text)
}

// WorkflowColor returns the colour of a workflow status.
func WorkflowColor(s model.WorkflowStatus) lipgloss.Color {
	switch s {
	case model.StatusPlanning:
		return WarningColor
	case model.StatusDeveloping:
		return SecondaryColor
	case model.StatusPaused:
		return BlueColor
	case model.StatusCompleted:
		return PrimaryColor
	case model.StatusError:
		return ErrorColor
	default:
		return MutedColor
	}
}

// Workflow renders a workflow status as a badge.
func Workflow(s model.WorkflowStatus) string {
	return StatusBadge.Foreground(SurfaceColor).Background(WorkflowColor(s)).Render(string(s))
}
