package cmd

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"eduhelper/orchestrator"
	"eduhelper/server"
)

// maxTranscript bounds the lines kept on screen.
const maxTranscript = 200

var (
	userStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("62")).Bold(true)
	noticeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	choiceStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).MarginTop(1)
)

// repliesMsg carries the outcome of one handled event.
type repliesMsg struct {
	replies []orchestrator.Reply
	err     error
}

// noticeMsg is a reply pushed outside any event, such as an expiry notice.
type noticeMsg orchestrator.Reply

// chatModel is the interactive terminal front end of the chat command.
type chatModel struct {
	ctx      context.Context
	handler  server.EventHandler
	userID   string
	notices  <-chan orchestrator.Reply
	readFile func(string) ([]byte, error)

	input   textinput.Model
	lines   []string
	choices []orchestrator.Choice
	waiting bool
}

func newChatModel(ctx context.Context, h server.EventHandler, userID string, notices <-chan orchestrator.Reply) chatModel {
	ti := textinput.New()
	ti.Placeholder = "Ask a question... (Enter to send, Ctrl+C to exit)"
	ti.Prompt = "> "
	ti.CharLimit = 4096
	ti.Width = 80
	ti.Focus()

	return chatModel{
		ctx:      ctx,
		handler:  h,
		userID:   userID,
		notices:  notices,
		readFile: os.ReadFile,
		input:    ti,
	}
}

func (m chatModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.waitForNotice())
}

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			if m.waiting {
				return m, nil
			}
			return m.submit()
		}

	case repliesMsg:
		m.waiting = false
		for _, r := range msg.replies {
			m.show(r)
		}
		if msg.err != nil {
			m.append(noticeStyle.Render("error: " + msg.err.Error()))
		}
		return m, nil

	case noticeMsg:
		m.show(orchestrator.Reply(msg))
		return m, m.waitForNotice()
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m chatModel) submit() (tea.Model, tea.Cmd) {
	line := m.input.Value()
	m.input.Reset()

	ev, err := parseLine(line, m.choices, m.readFile)
	if errors.Is(err, errQuit) {
		return m, tea.Quit
	}
	if err != nil {
		m.append(noticeStyle.Render(err.Error()))
		return m, nil
	}
	if ev == nil {
		return m, nil
	}

	m.append(userStyle.Render("you: ") + strings.TrimSpace(line))
	m.waiting = true
	ev.UserID = m.userID
	ev.ReceivedAt = time.Now()
	return m, m.handle(*ev)
}

func (m chatModel) handle(ev orchestrator.Event) tea.Cmd {
	return func() tea.Msg {
		out := &replyBuffer{}
		err := m.handler.Handle(m.ctx, ev, out)
		return repliesMsg{replies: out.replies, err: err}
	}
}

func (m chatModel) waitForNotice() tea.Cmd {
	if m.notices == nil {
		return nil
	}
	return func() tea.Msg {
		select {
		case r := <-m.notices:
			return noticeMsg(r)
		case <-m.ctx.Done():
			return nil
		}
	}
}

func (m *chatModel) show(r orchestrator.Reply) {
	m.append(r.Text)
	if len(r.Choices) > 0 {
		m.choices = r.Choices
		m.append(choiceStyle.Render(choiceLines(r.Choices)))
	}
}

func (m *chatModel) append(text string) {
	m.lines = append(m.lines, text)
	if n := len(m.lines) - maxTranscript; n > 0 {
		m.lines = m.lines[n:]
	}
}

func (m chatModel) View() string {
	var b strings.Builder
	for _, line := range m.lines {
		b.WriteString(line)
		b.WriteString("\n\n")
	}
	b.WriteString(m.input.View())
	status := "/help for commands"
	if m.waiting {
		status = "working..."
	}
	b.WriteString(helpStyle.Render(status))
	return b.String()
}

// replyBuffer collects the replies of one event for a repliesMsg.
type replyBuffer struct {
	replies []orchestrator.Reply
}

func (b *replyBuffer) Send(_ context.Context, r orchestrator.Reply) error {
	b.replies = append(b.replies, r)
	return nil
}

// runTUI drives the chat from a terminal until the user quits or ctx ends.
func runTUI(ctx context.Context, h server.EventHandler, userID string, notices <-chan orchestrator.Reply, in io.Reader, out io.Writer) error {
	p := tea.NewProgram(
		newChatModel(ctx, h, userID, notices),
		tea.WithContext(ctx),
		tea.WithInput(in),
		tea.WithOutput(out),
	)
	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// isTerminal reports whether r is an interactive terminal.
func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	if !ok {
		return false
	}
	fi, err := f.Stat()
	return err == nil && fi.Mode()&os.ModeCharDevice != 0
}
