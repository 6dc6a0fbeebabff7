package console

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"consultd/pkg/bus"
	"consultd/pkg/gateway"
	"consultd/pkg/tips"
)

type entryKind int

const (
	entrySystem entryKind = iota
	entryError
	entryJoined
	entryLeft
	entryTranscript
	entryTip
)

// entry is one rendered line of the session log.
type entry struct {
	kind     entryKind
	at       time.Time
	who      string
	label    string
	text     string
	priority tips.Priority
}

func systemEntry(text string) entry {
	return entry{kind: entrySystem, at: time.Now(), text: text}
}

func errorEntry(err error) entry {
	return entry{kind: entryError, at: time.Now(), text: err.Error()}
}

// entryFromEvent maps a domain event onto a log line. Unknown event types
// yield false.
func entryFromEvent(ev bus.Event) (entry, bool) {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	switch ev.Type {
	case bus.EventParticipantJoined:
		if ev.Participant == nil {
			return entry{}, false
		}
		p := ev.Participant
		text := "joined as " + p.Role.String()
		if p.DisplayName != "" {
			text += " (" + p.DisplayName + ")"
		}
		return entry{kind: entryJoined, at: at, who: p.Identity, text: text}, true
	case bus.EventParticipantLeft:
		return entry{kind: entryLeft, at: at, who: ev.ParticipantID, text: "left"}, true
	case bus.EventTranscriptionRecorded:
		if ev.Message == nil {
			return entry{}, false
		}
		msg := ev.Message
		return entry{kind: entryTranscript, at: at, who: msg.ParticipantID, label: msg.ParticipantRole.Label(), text: msg.Text}, true
	case bus.EventTipGenerated:
		if ev.Tip == nil {
			return entry{}, false
		}
		tip := ev.Tip
		return entry{kind: entryTip, at: at, who: tip.TargetParticipantID, text: tip.Content, priority: tip.Priority}, true
	default:
		return entry{}, false
	}
}

type eventMsg struct {
	event bus.Event
}

type streamClosedMsg struct{}

type commandResultMsg struct {
	entries []entry
}

type model struct {
	ctx        context.Context
	membership gateway.Membership
	events     <-chan bus.Event

	theme     theme
	spinner   spinner.Model
	input     textinput.Model
	viewport  viewport.Model
	entries   []entry
	width     int
	height    int
	isReady   bool
	pending   int
	followLog bool
	quit      bool
}

func newModel(ctx context.Context, membership gateway.Membership, events <-chan bus.Event) *model {
	spin := spinner.New()
	spin.Spinner = spinner.Points
	spin.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	in := textinput.New()
	in.Prompt = ""
	in.Placeholder = "/join D1 doctor Dr Ana  ·  D1: how are you feeling?"
	in.Focus()
	in.CharLimit = 0

	vp := viewport.New(80, 12)

	return &model{
		ctx:        ctx,
		membership: membership,
		events:     events,
		theme:      defaultTheme(),
		spinner:    spin,
		input:      in,
		viewport:   vp,
		entries:    []entry{systemEntry("console ready, type /help for commands")},
		width:      100,
		height:     28,
		followLog:  true,
	}
}

func (m *model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, waitForEvent(m.events))
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = typed.Width
		m.height = typed.Height
		m.resizeComponents()
		m.refreshViewport(false)
		m.isReady = true
		return m, nil
	case tea.MouseMsg:
		m.handleViewportMouse(typed)
		return m, nil
	case eventMsg:
		if e, ok := entryFromEvent(typed.event); ok {
			m.appendEntries(e)
		}
		return m, waitForEvent(m.events)
	case streamClosedMsg:
		m.appendEntries(systemEntry("event stream closed"))
		return m, nil
	case commandResultMsg:
		m.pending = max(0, m.pending-1)
		m.appendEntries(typed.entries...)
		return m, nil
	case spinner.TickMsg:
		if m.pending == 0 {
			return m, nil
		}
		m.spinner, cmd = m.spinner.Update(typed)
		return m, cmd
	case tea.KeyMsg:
		switch typed.String() {
		case "ctrl+c", "esc":
			m.quit = true
			return m, tea.Quit
		}

		if handled := m.handleViewportKey(typed); handled {
			return m, nil
		}

		if typed.String() == "enter" {
			return m, m.submit()
		}
	}

	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// submit parses the input line and runs it off the UI goroutine, since tip
// cycles wait on the language model.
func (m *model) submit() tea.Cmd {
	line := strings.TrimSpace(m.input.Value())
	if line == "" {
		return nil
	}
	m.input.SetValue("")

	parsed, err := parseCommand(line)
	if err != nil {
		m.appendEntries(errorEntry(err))
		return nil
	}
	if parsed.kind == commandQuit {
		m.quit = true
		return tea.Quit
	}

	m.pending++
	m.followLog = true
	return tea.Batch(m.spinner.Tick, runCommand(m.ctx, m.membership, parsed))
}

func (m *model) appendEntries(entries ...entry) {
	if len(entries) == 0 {
		return
	}
	m.entries = append(m.entries, entries...)
	m.refreshViewport(false)
}

func (m *model) View() string {
	if !m.isReady {
		m.resizeComponents()
		m.refreshViewport(false)
	}

	st := m.membership.Status()
	title := "consultd operator console"
	if st.Title != "" {
		title += " · " + st.Title
	}
	header := m.theme.header.Width(m.width - 2).Render(title)
	meta := m.theme.headerMeta.Render(fmt.Sprintf(
		"state:%s · participants:%d · transcripts:%d · channels:%d",
		st.State, st.Participants, st.HistoryLength, st.Channels,
	))
	line := m.theme.divider.Width(m.width - 2).Render(strings.Repeat("═", max(8, m.width-2)))

	status := m.theme.status.Render("Enter send  ·  PgUp/PgDn scroll  ·  End jump latest  ·  Ctrl+C/Esc quit")
	if m.pending > 0 {
		status = m.theme.statusBusy.Render(fmt.Sprintf("%s working...", m.spinner.View()))
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		meta,
		line,
		m.theme.viewport.Width(m.width-2).Render(m.viewport.View()),
		status,
		m.theme.inputLabel.Render("Operator")+" "+m.theme.hint.Render("(/help for commands)"),
		m.theme.input.Width(m.width-2).Render(m.input.View()),
	)
}

func (m *model) resizeComponents() {
	w := max(50, m.width-6)
	h := max(8, m.height-10)

	m.viewport.Width = w
	m.viewport.Height = h
	m.input.Width = w - 2
}

func (m *model) refreshViewport(forceBottom bool) {
	previousOffset := m.viewport.YOffset
	lines := make([]string, 0, len(m.entries))
	for _, e := range m.entries {
		lines = append(lines, m.renderEntry(e))
	}

	m.viewport.SetContent(strings.Join(lines, "\n"))
	if m.followLog || forceBottom {
		m.viewport.GotoBottom()
		m.followLog = true
		return
	}

	maxOffset := max(0, m.viewport.TotalLineCount()-m.viewport.Height)
	m.viewport.SetYOffset(min(previousOffset, maxOffset))
}

func (m *model) renderEntry(e entry) string {
	clock := m.theme.clock.Render(e.at.Local().Format(time.TimeOnly))

	var body string
	switch e.kind {
	case entryJoined:
		body = m.theme.joined.Render("+ "+e.who) + " " + e.text
	case entryLeft:
		body = m.theme.left.Render("- " + e.who + " " + e.text)
	case entryTranscript:
		body = m.theme.speaker.Render(fmt.Sprintf("%s %s:", e.label, e.who)) + " " + e.text
	case entryTip:
		badge := m.theme.tipBadge(e.priority).Render("TIP " + strings.ToUpper(string(e.priority)))
		body = badge + " → " + e.who + "  " + e.text
	case entryError:
		body = m.theme.errorLine.Render("! " + e.text)
	default:
		body = m.theme.system.Render(e.text)
	}

	return clock + "  " + body
}

func (m *model) handleViewportKey(msg tea.KeyMsg) bool {
	switch msg.String() {
	case "pgup", "ctrl+b", "alt+up", "ctrl+up":
		m.viewport.PageUp()
		m.followLog = false
		return true
	case "pgdown", "ctrl+f", "alt+down", "ctrl+down":
		m.viewport.PageDown()
		if m.viewport.AtBottom() {
			m.followLog = true
		}
		return true
	case "home":
		m.viewport.GotoTop()
		m.followLog = false
		return true
	case "end":
		m.viewport.GotoBottom()
		m.followLog = true
		return true
	default:
		return false
	}
}

// handleViewportMouse scrolls on wheel events and keeps followLog in step
// with the scroll position.
func (m *model) handleViewportMouse(msg tea.MouseMsg) bool {
	if msg.Action != tea.MouseActionPress {
		return false
	}

	switch msg.Button {
	case tea.MouseButtonWheelUp, tea.MouseButtonWheelDown:
	default:
		return false
	}

	m.viewport, _ = m.viewport.Update(msg)
	m.followLog = msg.Button == tea.MouseButtonWheelDown && m.viewport.AtBottom()
	return true
}

func waitForEvent(events <-chan bus.Event) tea.Cmd {
	if events == nil {
		return nil
	}

	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return streamClosedMsg{}
		}
		return eventMsg{event: ev}
	}
}

func runCommand(ctx context.Context, membership gateway.Membership, cmd command) tea.Cmd {
	return func() tea.Msg {
		return commandResultMsg{entries: execute(ctx, membership, cmd)}
	}
}
