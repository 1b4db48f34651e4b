package tui

import (
	"fmt"
	"slices"
	"strings"

	"github.com/Iron-Ham/conductor/internal/model"
	"github.com/Iron-Ham/conductor/internal/tui/styles"
	"github.com/Iron-Ham/conductor/internal/util"
)

const (
	defaultWidth  = 80
	activityLines = 6
	// chromeLines is the height used by everything except the story list.
	chromeLines = 14
)

// View renders the model
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	width := m.width
	if width <= 0 {
		width = defaultWidth
	}

	var b strings.Builder
	b.WriteString(m.renderHeader(width))
	b.WriteString("\n")
	b.WriteString(m.renderProgress())
	b.WriteString("\n")
	b.WriteString(m.renderStories(width))
	b.WriteString(m.renderActivity(width))
	if m.flash != "" {
		b.WriteString("\n")
		b.WriteString(styles.Warning.Render(util.TruncateANSI(m.flash, width)))
	}
	if m.err != nil {
		b.WriteString("\n")
		b.WriteString(styles.ErrorBox.Render(m.err.Error()))
	}
	b.WriteString("\n")
	b.WriteString(styles.HelpBar.Render(m.help.View(m.keys)))
	return b.String()
}

func (m Model) renderHeader(width int) string {
	title := styles.Title.Render("Conductor") + " " + styles.Text.Render(m.ctrl.ProjectID()) + "  " + styles.Workflow(m.state.Status)
	switch {
	case m.stopping && !m.finished:
		title += " " + styles.Warning.Render("stopping...")
	case m.state.Status.IsActive():
		title += " " + m.spinner.View()
	case m.finished:
		title += " " + styles.Muted.Render("press q to exit")
	}
	req := util.SingleLine(m.state.Requirements)
	if req == "" {
		return styles.Header.Render(title)
	}
	return styles.Header.Render(title + "\n" + styles.Muted.Render(util.TruncateString(req, max(width-4, 10))))
}

func (m Model) renderProgress() string {
	done, failed, total := m.counts()
	line := fmt.Sprintf("%s %3d%%  %d/%d stories", m.progress.ViewAs(float64(m.state.Progress)/100), m.state.Progress, done, total)
	if failed > 0 {
		line += "  " + styles.Error.Render(fmt.Sprintf("%d failed", failed))
	}
	if r := m.state.TestResults; r != nil && r.Total > 0 {
		tests := fmt.Sprintf("tests %d/%d", r.Passed, r.Total)
		if r.Failed > 0 {
			line += "  " + styles.Error.Render(tests)
		} else {
			line += "  " + styles.Secondary.Render(tests)
		}
	}
	if r := m.state.SecurityReport; r != nil && r.HasCritical() {
		line += "  " + styles.Error.Render(fmt.Sprintf("%d critical findings", r.Critical))
	}
	return line
}

// storyLines renders every epic followed by its stories.
func (m Model) storyLines(width int) []string {
	epics := slices.Clone(m.state.Epics)
	slices.SortStableFunc(epics, func(a, b model.Epic) int { return a.Sequence - b.Sequence })

	byEpic := make(map[string][]model.Story, len(epics))
	for _, s := range m.state.Stories {
		byEpic[s.EpicID] = append(byEpic[s.EpicID], s)
	}

	var lines []string
	for _, e := range epics {
		lines = append(lines, styles.Story(e.Status, styles.StoryIcon(e.Status)+" "+e.Title))
		for _, s := range byEpic[e.ID] {
			lines = append(lines, storyLine(s, width))
		}
		delete(byEpic, e.ID)
	}
	// Stories whose epic is unknown still show up.
	for _, s := range m.state.Stories {
		if _, ok := byEpic[s.EpicID]; ok {
			lines = append(lines, storyLine(s, width))
		}
	}
	return lines
}

func storyLine(s model.Story, width int) string {
	text := fmt.Sprintf("  %s %-6s %s", styles.StoryIcon(s.Status), s.ID, s.Title)
	var detail string
	switch {
	case s.Status == model.StoryFailed && s.Error != "":
		detail = s.Error
	case s.AssignedTo != "":
		detail = s.AssignedTo
	}
	if detail != "" {
		text += "  " + styles.Muted.Render(detail)
	}
	return util.TruncateANSI(styles.Story(s.Status, text), width)
}

func (m Model) renderStories(width int) string {
	lines := m.storyLines(width)
	if len(lines) == 0 {
		if m.state.Status == model.StatusPlanning {
			return styles.Muted.Render("planning the backlog...") + "\n"
		}
		return ""
	}
	limit := len(lines)
	if m.height > 0 {
		limit = max(m.height-chromeLines, 4)
	}
	var b strings.Builder
	b.WriteString(styles.SectionTitle.Render("Stories"))
	b.WriteString("\n")
	if len(lines) > limit {
		hidden := len(lines) - limit + 1
		lines = append(lines[:limit-1], styles.Muted.Render(fmt.Sprintf("  ... %d more", hidden)))
	}
	for _, l := range lines {
		b.WriteString(l)
		b.WriteString("\n")
	}
	return b.String()
}

func (m Model) renderActivity(width int) string {
	if len(m.activity) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(styles.SectionTitle.Render("Activity"))
	b.WriteString("\n")
	start := max(len(m.activity)-activityLines, 0)
	for _, line := range m.activity[start:] {
		b.WriteString(styles.Muted.Render(util.TruncateANSI(line, width)))
		b.WriteString("\n")
	}
	return b.String()
}
