package tui

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ashureev/prdpilot/internal/session"
)

// commandTimeout bounds a single REST or send operation started from input.
const commandTimeout = 60 * time.Second

type stateMsg session.State

type commandDoneMsg struct {
	kind   Kind
	status string
	err    error
}

type persistDoneMsg struct{ err error }

// Model is the bubbletea model for one session.
type Model struct {
	app    *App
	ctx    context.Context
	states <-chan session.State

	theme    theme
	input    textinput.Model
	spinner  spinner.Model
	timeline viewport.Model

	state     session.State
	showDoc   bool
	status    string
	notice    string // multi-line command output shown under the timeline
	statusErr bool
	width     int
	height    int
}

// NewModel builds the model. ctx bounds every command the model starts.
func NewModel(ctx context.Context, app *App) Model {
	in := textinput.New()
	in.Prompt = "› "
	in.Placeholder = "describe your product, or /help"
	in.CharLimit = 4000
	in.Focus()

	spin := spinner.New()
	spin.Spinner = spinner.Points

	timeline := viewport.New(0, 0)
	timeline.MouseWheelEnabled = true
	timeline.MouseWheelDelta = 4

	return Model{
		app:      app,
		ctx:      ctx,
		states:   Subscribe(app.Session),
		theme:    newTheme(),
		input:    in,
		spinner:  spin,
		timeline: timeline,
		state:    app.Session.Snapshot(),
		status:   "ready",
	}
}

// Subscribe returns a channel carrying the latest session state. Slow
// readers only ever see the newest state.
func Subscribe(s *session.Session) <-chan session.State {
	ch := make(chan session.State, 1)
	s.Subscribe(func(st session.State) {
		for {
			select {
			case ch <- st:
				return
			default:
			}
			select {
			case <-ch:
			default:
			}
		}
	})
	return ch
}

func waitState(ch <-chan session.State) tea.Cmd {
	return func() tea.Msg {
		st, ok := <-ch
		if !ok {
			return nil
		}
		return stateMsg(st)
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitState(m.states), textinput.Blink)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.resize()
		m.renderPanes()

	case stateMsg:
		prev := m.state
		m.state = session.State(msg)
		cmds = append(cmds, waitState(m.states))
		cmds = append(cmds, m.observe(prev, m.state)...)
		m.renderPanes()

	case commandDoneMsg:
		m.setStatus(msg.status, msg.err)
		if errors.Is(msg.err, ErrQuit) {
			return m, tea.Quit
		}
		if msg.kind == KindShow {
			m.showDoc = !m.showDoc
		}
		m.renderPanes()

	case persistDoneMsg:
		if msg.err != nil {
			m.setStatus("", msg.err)
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, tea.Sequence(m.persistCmd(), tea.Quit)
		case "pgup", "pgdown":
			var cmd tea.Cmd
			m.timeline, cmd = m.timeline.Update(msg)
			return m, cmd
		case "tab":
			m.showDoc = !m.showDoc
			m.renderPanes()
			return m, nil
		case "enter":
			raw := m.input.Value()
			m.input.SetValue("")
			cmd, err := ParseCommand(raw)
			if errors.Is(err, ErrEmptyInput) {
				return m, nil
			}
			if err != nil {
				m.setStatus("", err)
				return m, nil
			}
			m.status = "working"
			m.statusErr = false
			return m, m.execute(cmd)
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		cmds = append(cmds, cmd)

	case tea.MouseMsg:
		var cmd tea.Cmd
		m.timeline, cmd = m.timeline.Update(msg)
		cmds = append(cmds, cmd)
	}
	return m, tea.Batch(cmds...)
}

// observe reacts to state transitions: a finished run is persisted and a
// finished flowchart is checked before it becomes the last good diagram.
func (m Model) observe(prev, next session.State) []tea.Cmd {
	var cmds []tea.Cmd
	if prev.IsFlowchartStreaming && !next.IsFlowchartStreaming && next.Mermaid != "" {
		sess := m.app.Session
		code := next.Mermaid
		ok := looksLikeMermaid(code)
		cmds = append(cmds, func() tea.Msg {
			sess.MarkDiagramRendered(code, ok)
			return nil
		})
	}
	if prev.Phase == session.PhaseRunInFlight && next.Phase != session.PhaseRunInFlight {
		cmds = append(cmds, m.persistCmd())
	}
	return cmds
}

func (m Model) execute(cmd Command) tea.Cmd {
	app, parent := m.app, m.ctx
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(parent, commandTimeout)
		defer cancel()
		status, err := app.Execute(ctx, cmd)
		return commandDoneMsg{kind: cmd.Kind, status: status, err: err}
	}
}

func (m Model) persistCmd() tea.Cmd {
	app, ctx := m.app, m.ctx
	return func() tea.Msg {
		return persistDoneMsg{err: app.Persist(ctx)}
	}
}

func (m *Model) setStatus(status string, err error) {
	m.notice = ""
	if err != nil {
		m.status = err.Error()
		m.statusErr = true
		return
	}
	if first, _, multi := strings.Cut(status, "\n"); multi {
		m.notice = status
		status = first
	}
	if status == "" {
		status = "ok"
	}
	m.status = status
	m.statusErr = false
}

func (m *Model) resize() {
	contentWidth := max(40, m.width-4)
	m.input.Width = max(20, contentWidth-6)
	m.timeline.Width = contentWidth - 2
	// header (3) + input (3) + footer (2) + borders
	m.timeline.Height = max(5, m.height-12)
}

func (m *Model) renderPanes() {
	atBottom := m.timeline.AtBottom()
	if m.showDoc {
		m.timeline.SetContent(renderDocument(m.state, m.theme))
		return
	}
	body := renderTimeline(m.state, m.theme)
	if m.notice != "" {
		body += "\n\n" + m.theme.muted.Render(m.notice)
	}
	m.timeline.SetContent(body)
	if atBottom {
		m.timeline.GotoBottom()
	}
}

func (m Model) View() string {
	th := m.theme
	st := m.state

	phase := string(st.Phase)
	if st.Phase == session.PhaseRunInFlight {
		phase = m.spinner.View() + " " + phase
	}
	conn := th.lensOff.Render("offline")
	if st.WSConnected {
		conn = th.lensOn.Render("online")
	}
	saved := st.CurrentVersion
	if saved == "" {
		saved = "unsaved"
	}
	if st.UnsavedChanges {
		saved += " (modified)"
	}
	headerLine := lipgloss.JoinHorizontal(lipgloss.Top,
		th.title.Render("prdpilot"), "  ",
		th.muted.Render("chat "+shortID(st.ChatID)), "  ",
		conn, "  ",
		th.status.Render(phase), "  ",
		th.muted.Render(saved),
	)
	header := th.header.Width(max(40, m.width-4)).Render(headerLine + "\n" + renderLenses(st, th))

	title := "conversation"
	if m.showDoc {
		title = "document"
	}
	content := th.panel.Render(th.title.Render(title) + "\n" + m.timeline.View())
	input := th.inputPanel.Width(max(40, m.width-4)).Render(m.input.View())

	statusLine := m.status
	statusStyle := th.status
	if m.statusErr {
		statusStyle = th.errorStatus
	}
	if st.Error != "" && !m.statusErr {
		statusLine, statusStyle = st.Error, th.errorStatus
	}
	footer := th.footer.Render(statusStyle.Render(statusLine) + "  " + th.muted.Render("tab: toggle document · pgup/pgdn: scroll · ctrl+c: quit"))

	return th.root.Render(lipgloss.JoinVertical(lipgloss.Left, header, content, input, footer))
}
