// Package chat is the terminal rendering layer over the streaming engine.
// It is a pure reader of the timeline: every redraw renders a fresh snapshot,
// and the only state it owns is visual (viewport position, input buffer).
package chat

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"go.uber.org/zap"

	"huddle/internal/client"
)

type (
	// timelineChangedMsg wakes the UI after a timeline mutation.
	timelineChangedMsg struct{}

	// fatalErrMsg ends the program on a terminal connection failure.
	fatalErrMsg struct{ err error }
)

// Model is the bubbletea model for the chat session.
type Model struct {
	client *client.Client
	logger *zap.Logger

	viewport viewport.Model
	textarea textarea.Model
	spinner  spinner.Model
	renderer *glamour.TermRenderer
	styles   Styles

	changes <-chan struct{}

	width  int
	height int
	ready  bool
	err    error
}

// New creates the chat model over an already-connected client.
func New(c *client.Client, logger *zap.Logger) Model {
	if logger == nil {
		logger = zap.NewNop()
	}

	ta := textarea.New()
	ta.Placeholder = "Ask anything... (/1../9 picks a suggestion, ctrl+c quits)"
	ta.Focus()
	ta.SetHeight(1)
	ta.CharLimit = 4000
	ta.ShowLineNumbers = false

	sp := spinner.New()
	sp.Spinner = spinner.MiniDot

	return Model{
		client:  c,
		logger:  logger.Named("chat"),
		textarea: ta,
		spinner: sp,
		styles:  DefaultStyles(),
		changes: c.Watch(),
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, m.spinner.Tick, m.waitForChange())
}

// waitForChange blocks on the timeline watch channel and wakes Update.
func (m Model) waitForChange() tea.Cmd {
	return func() tea.Msg {
		<-m.changes
		return timelineChangedMsg{}
	}
}

// FatalError converts a terminal connection failure into a tea message. The
// cmd layer hands this to Program.Send from the connection's fatal callback.
func FatalError(err error) tea.Msg {
	return fatalErrMsg{err: err}
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		taCmd tea.Cmd
		vpCmd tea.Cmd
		spCmd tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			return m.submit()
		}

	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)
		return m, nil

	case timelineChangedMsg:
		if m.ready {
			m.viewport.SetContent(m.renderTimeline())
			m.viewport.GotoBottom()
		}
		return m, m.waitForChange()

	case spinner.TickMsg:
		if m.busy() {
			m.spinner, spCmd = m.spinner.Update(msg)
			return m, spCmd
		}
		// Keep ticking so the spinner resumes when the next stream starts.
		return m, m.spinner.Tick

	case fatalErrMsg:
		m.err = msg.err
		return m, tea.Quit
	}

	m.textarea, taCmd = m.textarea.Update(msg)
	m.viewport, vpCmd = m.viewport.Update(msg)
	return m, tea.Batch(taCmd, vpCmd)
}

// submit sends the input buffer, resolving /N to the numbered suggestion.
func (m Model) submit() (tea.Model, tea.Cmd) {
	text := strings.TrimSpace(m.textarea.Value())
	if text == "" {
		return m, nil
	}

	if pick, ok := strings.CutPrefix(text, "/"); ok {
		n, err := strconv.Atoi(pick)
		suggestions := m.client.Suggestions()
		if err != nil || n < 1 || n > len(suggestions) {
			m.logger.Debug("ignoring unknown command", zap.String("input", text))
			return m, nil
		}
		text = suggestions[n-1]
	}

	if err := m.client.Send(text); err != nil {
		m.logger.Warn("send rejected", zap.Error(err))
		return m, nil
	}
	m.textarea.Reset()
	return m, nil
}

func (m *Model) resize(width, height int) {
	m.width = width
	m.height = height

	chatWidth := max(width-2, 1)
	chatHeight := max(height-7, 1) // header, presence, suggestions, input, help

	if !m.ready {
		m.viewport = viewport.New(chatWidth, chatHeight)
		m.ready = true
	} else {
		m.viewport.Width = chatWidth
		m.viewport.Height = chatHeight
	}
	m.textarea.SetWidth(chatWidth - 4)

	m.renderer, _ = glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(chatWidth-2),
	)
	m.viewport.SetContent(m.renderTimeline())
	m.viewport.GotoBottom()
}

func (m Model) busy() bool {
	return m.client.IsStreaming() || m.client.Thinking() || m.client.Speaking()
}

// Err returns the terminal failure that ended the session, if any.
func (m Model) Err() error {
	if m.err != nil {
		return fmt.Errorf("connection failed: %w", m.err)
	}
	return nil
}
