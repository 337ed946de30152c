// This file implements the interactive chat interface using bubbletea.
package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"codescout/internal/types"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start the interactive chat interface",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat()
	},
}

var (
	userStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	toolStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	thinkStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Italic(true)
	titleStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("13")).Bold(true)
	footerStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	historyLimit = 200
)

type chatEntry struct {
	role    string // "user", "assistant", "tool", "error"
	content string
}

// Messages for tea updates
type (
	partMsg     struct{ part types.Part }
	turnDoneMsg struct {
		msg *types.Message
		err error
	}
	partsClosedMsg struct{}
)

// chatModel is the main model for the interactive chat interface
type chatModel struct {
	textinput textinput.Model
	viewport  viewport.Model
	spinner   spinner.Model
	renderer  *glamour.TermRenderer

	app       *app
	ctx       context.Context
	sessionID string

	history   []chatEntry
	streaming string
	reasoning string
	parts     chan types.Part
	turnDone  chan turnDoneMsg
	isLoading bool
	ready     bool
	width     int
	height    int
	err       error
}

func initChatModel(a *app, ctx context.Context, sessionID string) chatModel {
	ti := textinput.New()
	ti.Placeholder = "Ask about the codebase... (Enter to send, Ctrl+C to exit)"
	ti.Focus()
	ti.Prompt = "│ "
	ti.CharLimit = 4096
	ti.Width = 80

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	vp := viewport.New(80, 20)
	renderer, _ := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(80),
	)

	return chatModel{
		textinput: ti,
		viewport:  vp,
		spinner:   sp,
		renderer:  renderer,
		app:       a,
		ctx:       ctx,
		sessionID: sessionID,
	}
}

func (m chatModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			if m.isLoading {
				return m, nil
			}
			input := strings.TrimSpace(m.textinput.Value())
			if input == "" {
				return m, nil
			}
			m.textinput.Reset()
			m.history = append(m.history, chatEntry{role: "user", content: input})
			m.isLoading = true
			m.streaming = ""
			m.reasoning = ""
			m.parts = make(chan types.Part, 64)
			m.turnDone = make(chan turnDoneMsg, 1)
			m.refreshViewport()
			return m, tea.Batch(m.startTurn(input), m.waitForPart(), m.spinner.Tick)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		headerHeight, footerHeight, inputHeight := 2, 1, 2
		m.viewport.Width = msg.Width - 2
		m.viewport.Height = msg.Height - headerHeight - footerHeight - inputHeight
		m.textinput.Width = msg.Width - 6
		m.renderer, _ = glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(max(40, msg.Width-8)),
		)
		m.ready = true
		m.refreshViewport()

	case partMsg:
		m.applyPart(msg.part)
		m.refreshViewport()
		return m, m.waitForPart()

	case partsClosedMsg:
		return m, m.waitForTurn()

	case turnDoneMsg:
		m.isLoading = false
		m.err = msg.err
		if flushed := strings.TrimSpace(m.streaming); flushed != "" {
			m.history = append(m.history, chatEntry{role: "assistant", content: flushed})
		}
		m.streaming = ""
		m.reasoning = ""
		if msg.err != nil {
			m.history = append(m.history, chatEntry{role: "error", content: msg.err.Error()})
		}
		if len(m.history) > historyLimit {
			m.history = m.history[len(m.history)-historyLimit:]
		}
		m.refreshViewport()

	case spinner.TickMsg:
		if m.isLoading {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			cmds = append(cmds, cmd)
		}
	}

	var cmd tea.Cmd
	m.textinput, cmd = m.textinput.Update(msg)
	cmds = append(cmds, cmd)
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

// startTurn runs the reasoning loop in the background, feeding parts into
// the channel the Update loop drains.
func (m chatModel) startTurn(input string) tea.Cmd {
	parts, done := m.parts, m.turnDone
	a, ctx, sessionID := m.app, m.ctx, m.sessionID
	return func() tea.Msg {
		go func() {
			msg, err := a.loop.Process(ctx, sessionID, input, func(p types.Part) {
				parts <- p
			})
			close(parts)
			done <- turnDoneMsg{msg: msg, err: err}
		}()
		return nil
	}
}

func (m chatModel) waitForPart() tea.Cmd {
	parts := m.parts
	return func() tea.Msg {
		p, ok := <-parts
		if !ok {
			return partsClosedMsg{}
		}
		return partMsg{part: p}
	}
}

func (m chatModel) waitForTurn() tea.Cmd {
	done := m.turnDone
	return func() tea.Msg {
		return <-done
	}
}

// applyPart folds one emitted part into the transcript.
func (m *chatModel) applyPart(p types.Part) {
	switch v := p.(type) {
	case *types.TextPart:
		m.streaming += v.Text
	case *types.ReasoningPart:
		m.reasoning += v.Text
	case *types.ToolPart:
		switch v.State {
		case types.ToolRunning:
			m.history = append(m.history, chatEntry{role: "tool", content: "→ " + v.ToolName})
		case types.ToolError:
			m.history = append(m.history, chatEntry{role: "tool", content: "✗ " + v.ToolName})
		case types.ToolCompleted:
			m.history = append(m.history, chatEntry{role: "tool", content: "✓ " + v.ToolName})
		}
	case *types.ProgressPart:
		m.history = append(m.history, chatEntry{role: "tool", content: "  " + firstLine(v.Note)})
	}
}

func (m *chatModel) refreshViewport() {
	var b strings.Builder
	for _, e := range m.history {
		switch e.role {
		case "user":
			b.WriteString(userStyle.Render("You: ") + e.content + "\n")
		case "assistant":
			rendered := e.content
			if m.renderer != nil {
				if out, err := m.renderer.Render(e.content); err == nil {
					rendered = out
				}
			}
			b.WriteString(rendered + "\n")
		case "tool":
			b.WriteString(toolStyle.Render(e.content) + "\n")
		case "error":
			b.WriteString(errorStyle.Render("Error: "+e.content) + "\n")
		}
	}
	if m.reasoning != "" {
		b.WriteString(thinkStyle.Render(firstLine(m.reasoning)) + "\n")
	}
	if m.streaming != "" {
		b.WriteString(m.streaming + "\n")
	}
	m.viewport.SetContent(b.String())
	m.viewport.GotoBottom()
}

func (m chatModel) View() string {
	if !m.ready {
		return "loading..."
	}
	header := titleStyle.Render("codescout") + footerStyle.Render("  "+m.app.projectKey)
	footer := footerStyle.Render("Enter to send · Ctrl+C to exit")
	if m.isLoading {
		footer = m.spinner.View() + " thinking..."
	}
	return fmt.Sprintf("%s\n\n%s\n%s\n%s", header, m.viewport.View(), m.textinput.View(), footer)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	if len(s) > 160 {
		s = s[:160]
	}
	return s
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// runChat wires the app and hands the terminal to bubbletea.
func runChat() error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()

	sess := a.sessions.Create(a.projectKey)
	p := tea.NewProgram(initChatModel(a, ctx, sess.ID), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return err
	}
	return a.sessions.Save(context.Background(), sess.ID)
}
