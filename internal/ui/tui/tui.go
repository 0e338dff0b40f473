package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/cellscribe/cellscribe/internal/session"
)

// TUI bridges session callbacks into the running bubbletea program.
type TUI struct {
	program *tea.Program
}

func NewTUI(p *tea.Program) *TUI {
	return &TUI{program: p}
}

func (t *TUI) UpdateStatus(status string) {
	t.program.Send(StatusMsg(status))
}

func (t *TUI) StreamChunk(text string) {
	t.program.Send(ChunkMsg(text))
}

func (t *TUI) Log(msg string) {
	t.program.Send(LogMsg(msg))
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	userStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#04B575"))

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#626262"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF0000"))
)

// Submit turns a prompt into the tea.Cmd that runs the chat turn.
// Chunks arrive separately as ChunkMsg via TUI.StreamChunk.
type Submit func(prompt string) tea.Cmd

// ChunkMsg is an incremental piece of the assistant's reply.
type ChunkMsg string

// TurnDoneMsg carries the completed turn's result.
type TurnDoneMsg struct {
	Result session.Result
}

type StatusMsg string
type LogMsg string

// Model is the interactive chat REPL.
type Model struct {
	Title      string
	Input      textinput.Model
	Viewport   viewport.Model
	Transcript []string
	Partial    string
	Status     string
	Streaming  bool
	Quitting   bool
	Ready      bool
	Width      int
	Height     int

	submit Submit
}

func NewModel(title string, submit Submit) Model {
	ti := textinput.New()
	ti.Placeholder = "Ask anything..."
	ti.Focus()
	return Model{
		Title:  title,
		Status: "ready",
		Input:  ti,
		submit: submit,
	}
}

func (m Model) Init() tea.Cmd {
	return textinput.Blink
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.Quitting = true
			return m, tea.Quit
		case tea.KeyEnter:
			prompt := strings.TrimSpace(m.Input.Value())
			if prompt == "" || m.Streaming {
				break
			}
			m.Transcript = append(m.Transcript, userStyle.Render("you: ")+prompt)
			m.Input.Reset()
			m.Streaming = true
			m.Status = "thinking"
			m.refresh()
			return m, m.submit(prompt)
		}

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
		if !m.Ready {
			m.Viewport = viewport.New(msg.Width, msg.Height-6)
			m.Ready = true
		} else {
			m.Viewport.Width = msg.Width
			m.Viewport.Height = msg.Height - 6
		}
		m.refresh()

	case ChunkMsg:
		m.Partial += string(msg)
		m.Status = "streaming"
		m.refresh()

	case TurnDoneMsg:
		m.Streaming = false
		m.Partial = ""
		if msg.Result.Success {
			m.Transcript = append(m.Transcript, "assistant: "+msg.Result.Text)
			m.Status = fmt.Sprintf("%s | in %d out %d | $%.4f",
				msg.Result.Model, msg.Result.TokensIn, msg.Result.TokensOut, msg.Result.CostUSD)
		} else {
			m.Transcript = append(m.Transcript,
				errorStyle.Render(fmt.Sprintf("error (%s): %s", msg.Result.ErrorKind, msg.Result.ErrorMessage)))
			m.Status = "ready"
		}
		m.refresh()

	case StatusMsg:
		m.Status = string(msg)

	case LogMsg:
		m.Transcript = append(m.Transcript, statusStyle.Render(string(msg)))
		m.refresh()
	}

	var cmd tea.Cmd
	m.Input, cmd = m.Input.Update(msg)
	cmds = append(cmds, cmd)
	m.Viewport, cmd = m.Viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

// refresh rebuilds the viewport from transcript plus any in-flight reply.
func (m *Model) refresh() {
	if !m.Ready {
		return
	}
	lines := m.Transcript
	if m.Partial != "" {
		lines = append(append([]string{}, lines...), "assistant: "+m.Partial)
	}
	m.Viewport.SetContent(strings.Join(lines, "\n"))
	m.Viewport.GotoBottom()
}

func (m Model) View() string {
	if !m.Ready {
		return "\n  Initializing..."
	}

	header := titleStyle.Render(" " + m.Title + " ")
	status := statusStyle.Render(" " + m.Status + " ")

	view := fmt.Sprintf("%s%s\n\n%s\n\n%s",
		header, status,
		m.Viewport.View(),
		m.Input.View())

	if m.Quitting {
		return view + "\n  Bye.\n"
	}

	return view
}
