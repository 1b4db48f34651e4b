// Package util holds the text helpers shared by the status table, the
// dashboard and the agent prompts.
package util

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
)

const ellipsis = "..."

// TruncateString cuts s to maxLen runes, ending in "..." when cut. It does
// not know about escape codes; use TruncateANSI for styled text.
func TruncateString(s string, maxLen int) string {
	if maxLen <= len(ellipsis) {
		return ellipsis
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen-len(ellipsis)]) + ellipsis
}

// TruncateANSI cuts s to maxWidth terminal columns, keeping escape
// sequences intact.
func TruncateANSI(s string, maxWidth int) string {
	if maxWidth <= len(ellipsis) {
		return ellipsis
	}
	if lipgloss.Width(s) <= maxWidth {
		return s
	}
	return ansi.Truncate(s, maxWidth, ellipsis)
}

// SingleLine collapses every run of whitespace, newlines included, to one
// space.
func SingleLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
