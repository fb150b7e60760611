// Package tui implements `codegate monitor`, a live terminal view of a
// running gateway fed by /health and the /api/events stream.
package tui

import "github.com/charmbracelet/lipgloss"

// Theme holds every style the monitor renders with.
type Theme struct {
	StatusOK        lipgloss.Style
	StatusRunning   lipgloss.Style
	StatusFailed    lipgloss.Style
	StatusCancelled lipgloss.Style
	StatusQueued    lipgloss.Style

	Border lipgloss.Style
	Title  lipgloss.Style
	Dim    lipgloss.Style

	ActivityOn  lipgloss.Style
	ActivityOff lipgloss.Style
}

func NewDefaultTheme() Theme {
	var (
		green  = lipgloss.Color("#00FF00")
		grey   = lipgloss.Color("#888888")
		accent = lipgloss.Color("#874BFD")
	)
	fg := func(c lipgloss.TerminalColor) lipgloss.Style { return lipgloss.NewStyle().Foreground(c) }

	return Theme{
		StatusOK:        fg(green),
		StatusRunning:   fg(lipgloss.Color("#FFFF00")),
		StatusFailed:    fg(lipgloss.Color("#FF0000")),
		StatusCancelled: fg(lipgloss.Color("#E5C07B")),
		StatusQueued:    fg(grey),

		Border: lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(accent),
		Title:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FAFAFA")).Padding(0, 1),
		Dim:    fg(grey),

		ActivityOn:  fg(green),
		ActivityOff: fg(lipgloss.Color("#444444")),
	}
}

// JobSymbol renders the table glyph for a job status.
func (t Theme) JobSymbol(status string) string {
	switch status {
	case statusRunning:
		return t.StatusRunning.Render("◉")
	case statusSucceeded:
		return t.StatusOK.Render("●")
	case statusFailed:
		return t.StatusFailed.Render("∅")
	case statusCancelled:
		return t.StatusCancelled.Render("◑")
	default:
		return t.StatusQueued.Render("○")
	}
}
