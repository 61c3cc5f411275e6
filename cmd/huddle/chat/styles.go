package chat

import "github.com/charmbracelet/lipgloss"

// Styles holds the lipgloss styles for the chat view.
type Styles struct {
	Header      lipgloss.Style
	ConnState   lipgloss.Style
	UserLabel   lipgloss.Style
	SystemMsg   lipgloss.Style
	Presence    lipgloss.Style
	Suggestion  lipgloss.Style
	RichBlock   lipgloss.Style
	InputBorder lipgloss.Style
	Help        lipgloss.Style
}

// DefaultStyles returns the huddle palette.
func DefaultStyles() Styles {
	var (
		primary = lipgloss.Color("#7D56F4")
		muted   = lipgloss.Color("#6b7280")
		danger  = lipgloss.Color("#e53935")
		accent  = lipgloss.Color("#4db6ac")
	)
	return Styles{
		Header: lipgloss.NewStyle().Bold(true).Foreground(primary).Padding(0, 1),
		ConnState: lipgloss.NewStyle().Foreground(muted),
		UserLabel: lipgloss.NewStyle().Bold(true).Foreground(accent),
		SystemMsg: lipgloss.NewStyle().Foreground(danger).Italic(true),
		Presence:  lipgloss.NewStyle().Foreground(muted).Italic(true),
		Suggestion: lipgloss.NewStyle().
			Foreground(primary).
			Border(lipgloss.RoundedBorder()).
			Padding(0, 1),
		RichBlock: lipgloss.NewStyle().Foreground(accent),
		InputBorder: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(muted).
			Padding(0, 1),
		Help: lipgloss.NewStyle().Foreground(muted),
	}
}
