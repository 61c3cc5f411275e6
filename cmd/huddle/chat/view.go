package chat

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"huddle/internal/timeline"
)

// View implements tea.Model.
func (m Model) View() string {
	if !m.ready {
		return "starting..."
	}

	var b strings.Builder
	b.WriteString(m.header())
	b.WriteString("\n")
	b.WriteString(m.viewport.View())
	b.WriteString("\n")
	b.WriteString(m.presenceLine())
	b.WriteString("\n")
	b.WriteString(m.suggestionRow())
	b.WriteString("\n")
	b.WriteString(m.styles.InputBorder.Width(m.width - 2).Render(m.textarea.View()))
	b.WriteString("\n")
	b.WriteString(m.styles.Help.Render("enter send · /N suggestion · ctrl+c quit"))
	return b.String()
}

func (m Model) header() string {
	title := m.styles.Header.Render("huddle")
	state := m.styles.ConnState.Render(m.client.ConnectionState().String())
	return lipgloss.JoinHorizontal(lipgloss.Center, title, " ", state)
}

func (m Model) presenceLine() string {
	switch {
	case m.client.Thinking():
		return m.spinner.View() + m.styles.Presence.Render(" thinking...")
	case m.client.Speaking():
		return m.spinner.View() + m.styles.Presence.Render(" speaking...")
	case m.client.IsStreaming():
		return m.spinner.View() + m.styles.Presence.Render(" responding...")
	default:
		return ""
	}
}

func (m Model) suggestionRow() string {
	suggestions := m.client.Suggestions()
	if len(suggestions) == 0 {
		return ""
	}
	parts := make([]string, 0, len(suggestions))
	for i, s := range suggestions {
		parts = append(parts, m.styles.Suggestion.Render(fmt.Sprintf("/%d %s", i+1, s)))
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, parts...)
}

// renderTimeline renders a fresh snapshot of the conversation.
func (m Model) renderTimeline() string {
	var b strings.Builder
	for _, msg := range m.client.Messages() {
		b.WriteString(m.renderMessage(msg))
		b.WriteString("\n")
	}
	return b.String()
}

func (m Model) renderMessage(msg timeline.Message) string {
	switch msg.Role {
	case timeline.RoleUser:
		return m.styles.UserLabel.Render("you ") + msg.Content + "\n"

	case timeline.RoleSystem:
		return m.styles.SystemMsg.Render("! "+msg.Content) + "\n"

	default:
		content := msg.Content
		if msg.IsStreaming {
			content += "▌"
		}
		rendered := content
		if m.renderer != nil {
			if out, err := m.renderer.Render(content); err == nil {
				rendered = out
			}
		}
		var b strings.Builder
		b.WriteString(rendered)
		for _, block := range msg.RichContent {
			b.WriteString(m.styles.RichBlock.Render("["+block.Type+"]") + " ")
		}
		if len(msg.RichContent) > 0 {
			b.WriteString("\n")
		}
		return b.String()
	}
}
