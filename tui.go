package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"minute/audio"
	"minute/events"
	"minute/store"
)

// TUI message types
type sessionsMsg []*store.Session
type hubMsg events.Event
type statusMsg string
type clearStatusMsg struct{}

type inputMode int

const (
	modeNormal inputMode = iota
	modeRename
	modeTags
	modeSearch
	modeConfirmDelete
)

var (
	titleStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("252")).Bold(true)
	recStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	syncStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	pendingStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	selectedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("45")).Bold(true)
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	helpStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("239"))
	warnStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	errStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	tagStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("108"))
	promptStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))

	statusColors = map[store.Status]lipgloss.Style{
		store.StatusLocal:      lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		store.StatusQueued:     lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		store.StatusUploading:  lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		store.StatusProcessing: lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		store.StatusSynced:     lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		store.StatusFailed:     lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
)

type tuiModel struct {
	app    *App
	events <-chan events.Event

	sessions []*store.Session
	cursor   int

	recording  string // session id, empty when idle
	recSeconds float64
	micOnly    bool

	syncing  bool
	syncErr  string
	pending  int
	status   string
	deviceLn string

	mode   inputMode
	input  string
	target string // session id the input applies to

	search        string
	width, height int
}

func NewTUIProgram(app *App, hub *events.Hub, device *audio.DeviceInfo) *tea.Program {
	ch, _ := hub.Subscribe()
	deviceName := "system default"
	if device != nil {
		deviceName = device.Name
		if audio.IsBluetooth(device.Name) {
			deviceName += " (BT!)"
		}
	}
	m := tuiModel{
		app:      app,
		events:   ch,
		deviceLn: "mic: " + deviceName,
	}
	return tea.NewProgram(m, tea.WithAltScreen())
}

func (m tuiModel) listen() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.events
		if !ok {
			return nil
		}
		return hubMsg(ev)
	}
}

func (m tuiModel) load() tea.Cmd {
	app, query := m.app, m.search
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sessions, err := app.Sessions(ctx, store.Filter{Query: query})
		if err != nil {
			return statusMsg("load failed: " + err.Error())
		}
		return sessionsMsg(sessions)
	}
}

func flashStatus(text string) tea.Cmd {
	return tea.Batch(
		func() tea.Msg { return statusMsg(text) },
		tea.Tick(4*time.Second, func(time.Time) tea.Msg { return clearStatusMsg{} }),
	)
}

func (m tuiModel) Init() tea.Cmd {
	return tea.Batch(m.load(), m.listen())
}

func (m tuiModel) selected() *store.Session {
	if m.cursor < 0 || m.cursor >= len(m.sessions) {
		return nil
	}
	return m.sessions[m.cursor]
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tea.KeyMsg:
		if m.mode != modeNormal {
			return m.updateInput(msg)
		}
		return m.updateNormal(msg)

	case sessionsMsg:
		m.sessions = msg
		if m.cursor >= len(m.sessions) {
			m.cursor = len(m.sessions) - 1
		}
		if m.cursor < 0 {
			m.cursor = 0
		}

	case hubMsg:
		return m.updateEvent(events.Event(msg))

	case statusMsg:
		m.status = string(msg)

	case clearStatusMsg:
		m.status = ""
	}
	return m, nil
}

func (m tuiModel) updateEvent(ev events.Event) (tea.Model, tea.Cmd) {
	cmds := []tea.Cmd{m.listen()}
	switch ev.Kind {
	case events.SessionsChanged:
		cmds = append(cmds, m.load())
	case events.RecordingStarted:
		m.recording = ev.SessionID
		m.recSeconds = 0
		m.micOnly = false
	case events.RecordingTick:
		m.recSeconds = ev.Seconds
	case events.RecordingStopped:
		m.recording = ""
	case events.CaptureWarning:
		if strings.Contains(ev.Detail, "microphone only") {
			m.micOnly = true
		}
		m.status = ev.Detail
	case events.SyncStarted:
		m.syncing = true
	case events.SyncFinished:
		m.syncing = false
		m.syncErr = ev.Detail
		m.pending = ev.Pending
	case events.OutboxChanged:
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		m.pending = m.app.PendingIntents(ctx)
		cancel()
	case events.OutboxExhausted:
		m.status = "sync gave up on an edit (o to review)"
	}
	return m, tea.Batch(cmds...)
}

func (m tuiModel) updateNormal(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	ctx := context.Background()
	switch msg.String() {
	case "ctrl+c", "q":
		return m, tea.Quit

	case "j", "down":
		if m.cursor < len(m.sessions)-1 {
			m.cursor++
		}
	case "k", "up":
		if m.cursor > 0 {
			m.cursor--
		}

	case "r":
		if _, err := m.app.ToggleRecording(ctx); err != nil {
			return m, flashStatus("recording: " + err.Error())
		}

	case "s":
		m.app.SyncNow()

	case "R":
		if sess := m.selected(); sess != nil {
			m.mode = modeRename
			m.target = sess.ID
			m.input = sess.Title
		}
	case "t":
		if sess := m.selected(); sess != nil {
			m.mode = modeTags
			m.target = sess.ID
			m.input = strings.Join(sess.Tags, ", ")
		}
	case "d":
		if sess := m.selected(); sess != nil {
			m.mode = modeConfirmDelete
			m.target = sess.ID
		}
	case "x":
		if sess := m.selected(); sess != nil {
			if err := m.app.DeleteAudio(ctx, sess.ID); err != nil {
				return m, flashStatus("delete audio: " + err.Error())
			}
			return m, flashStatus("local audio removed")
		}
	case "c":
		if sess := m.selected(); sess != nil {
			if err := m.app.CopyTranscript(ctx, sess.ID); err != nil {
				return m, flashStatus("copy: " + err.Error())
			}
			return m, flashStatus("transcript copied")
		}
	case "e":
		if sess := m.selected(); sess != nil && sess.Status == store.StatusFailed {
			if err := m.app.RetryFailed(ctx, sess.ID); err != nil {
				return m, flashStatus("retry: " + err.Error())
			}
		}
	case "o":
		items := m.app.ExhaustedIntents(ctx)
		if len(items) == 0 {
			return m, flashStatus("no stuck edits")
		}
		// Retry them all; the ones that fail again come back here.
		for _, item := range items {
			if err := m.app.RetryIntent(ctx, item.ID); err != nil {
				return m, flashStatus("retry edit: " + err.Error())
			}
		}
		return m, flashStatus(fmt.Sprintf("retrying %d stuck edits", len(items)))

	case "/":
		m.mode = modeSearch
		m.input = m.search
	case "esc":
		if m.search != "" {
			m.search = ""
			return m, m.load()
		}
	}
	return m, nil
}

func (m tuiModel) updateInput(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.mode == modeConfirmDelete {
		switch msg.String() {
		case "y", "Y":
			m.mode = modeNormal
			if err := m.app.Delete(context.Background(), m.target); err != nil {
				return m, flashStatus("delete: " + err.Error())
			}
			return m, flashStatus("session deleted")
		default:
			m.mode = modeNormal
		}
		return m, nil
	}

	switch msg.String() {
	case "esc":
		m.mode = modeNormal
		m.input = ""
	case "enter":
		return m.submitInput()
	case "backspace":
		if len(m.input) > 0 {
			m.input = m.input[:len(m.input)-1]
		}
		if m.mode == modeSearch {
			m.search = m.input
			return m, m.load()
		}
	default:
		if msg.Type == tea.KeyRunes {
			m.input += string(msg.Runes)
		} else if msg.Type == tea.KeySpace {
			m.input += " "
		} else {
			break
		}
		if m.mode == modeSearch {
			m.search = m.input
			return m, m.load()
		}
	}
	return m, nil
}

func (m tuiModel) submitInput() (tea.Model, tea.Cmd) {
	ctx := context.Background()
	mode, input, target := m.mode, m.input, m.target
	m.mode = modeNormal
	m.input = ""

	switch mode {
	case modeRename:
		if err := m.app.Rename(ctx, target, input); err != nil {
			return m, flashStatus("rename: " + err.Error())
		}
	case modeTags:
		var tags []string
		for _, t := range strings.Split(input, ",") {
			if t = strings.TrimSpace(t); t != "" {
				tags = append(tags, t)
			}
		}
		if err := m.app.SetTags(ctx, target, tags); err != nil {
			return m, flashStatus("tags: " + err.Error())
		}
	case modeSearch:
		m.search = input
		return m, m.load()
	}
	return m, nil
}

func statusBadge(s *store.Session) string {
	label := string(s.Status)
	if s.Status == store.StatusSynced && s.Transcript != "" {
		label = "synced ✓"
	}
	return statusColors[s.Status].Render(fmt.Sprintf("%-11s", label))
}

func formatDuration(seconds int) string {
	d := time.Duration(seconds) * time.Second
	if d >= time.Hour {
		return fmt.Sprintf("%d:%02d:%02d", int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60)
	}
	return fmt.Sprintf("%d:%02d", int(d.Minutes()), int(d.Seconds())%60)
}

func (m tuiModel) View() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}

	var b strings.Builder

	// Header: app name, recording state, sync state, pending edits.
	header := titleStyle.Render("minute")
	if m.recording != "" {
		rec := fmt.Sprintf("  ● REC %s", formatDuration(int(m.recSeconds)))
		if m.micOnly {
			rec += " (mic only)"
		}
		header += recStyle.Render(rec)
	}
	if m.syncing {
		header += syncStyle.Render("  ⟳ syncing")
	} else if m.syncErr != "" {
		header += warnStyle.Render("  ⚠ offline")
	}
	if m.pending > 0 {
		header += pendingStyle.Render(fmt.Sprintf("  %d unsynced", m.pending))
	}
	b.WriteString(header + "\n")
	b.WriteString(dimStyle.Render(m.deviceLn) + "\n\n")

	if m.search != "" {
		b.WriteString(dimStyle.Render("filter: "+m.search) + "\n\n")
	}

	// Session list.
	if len(m.sessions) == 0 {
		b.WriteString(dimStyle.Render("No recordings yet. Press r to start one.") + "\n")
	}
	visible := m.height - 10
	if visible < 3 {
		visible = 3
	}
	start := 0
	if m.cursor >= visible {
		start = m.cursor - visible + 1
	}
	for i := start; i < len(m.sessions) && i < start+visible; i++ {
		s := m.sessions[i]
		marker := "  "
		lineStyle := lipgloss.NewStyle()
		if i == m.cursor {
			marker = "▶ "
			lineStyle = selectedStyle
		}
		title := s.Title
		if s.ID == m.recording {
			title += " ●"
		}
		row := fmt.Sprintf("%s%s %s  %s", marker, statusBadge(s),
			lineStyle.Render(title), dimStyle.Render(formatDuration(s.DurationS)))
		if s.MicOnly {
			row += warnStyle.Render("  mic-only")
		}
		if len(s.Tags) > 0 {
			row += "  " + tagStyle.Render("#"+strings.Join(s.Tags, " #"))
		}
		b.WriteString(row + "\n")
	}

	b.WriteString("\n")

	// Input prompt or transient status.
	switch m.mode {
	case modeRename:
		b.WriteString(promptStyle.Render("rename: "+m.input+"▌") + "\n")
	case modeTags:
		b.WriteString(promptStyle.Render("tags (comma-separated): "+m.input+"▌") + "\n")
	case modeSearch:
		b.WriteString(promptStyle.Render("search: "+m.input+"▌") + "\n")
	case modeConfirmDelete:
		b.WriteString(errStyle.Render("delete session and its audio? [y/N]") + "\n")
	default:
		if m.status != "" {
			b.WriteString(warnStyle.Render(m.status) + "\n")
		} else {
			b.WriteString("\n")
		}
	}

	help := "r record  s sync  R rename  t tags  d delete  x drop audio  c copy  / search  q quit"
	b.WriteString(helpStyle.Render(help) + "\n")
	b.WriteString(helpStyle.Render("minute "+version) + "\n")

	return b.String()
}
