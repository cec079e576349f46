// Package tui is a terminal dashboard for a running nosara-sync daemon:
// connectivity, sync status, the operation queue and a live event log.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/events"
	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/offline"
	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/queue"
)

// Source is what the dashboard reads and drives. *Client implements it.
type Source interface {
	State(ctx context.Context) (offline.State, error)
	Operations(ctx context.Context) ([]queue.Operation, error)
	Enqueue(ctx context.Context, typ queue.OperationType, payload map[string]any, priority queue.Priority) (string, error)
	SyncNow(ctx context.Context) (queue.Result, error)
	Prune(ctx context.Context) (int, error)
	ClearQueue(ctx context.Context) error
	SetAutoSync(ctx context.Context, enabled bool) error
	SetOnline(ctx context.Context, online bool) error
}

const (
	refreshEvery  = 2 * time.Second
	actionTimeout = 30 * time.Second
	maxLogLines   = 200
	maxOpRows     = 12
)

// ─────────────────────────────────────────────────────
// Bubble Tea messages
// ─────────────────────────────────────────────────────

type tickMsg struct{}

type snapshotMsg struct {
	state offline.State
	ops   []queue.Operation
	err   error
}

type actionMsg struct {
	text string
	err  error
}

type eventMsg struct {
	event events.Event
}

type streamClosedMsg struct{}

// ─────────────────────────────────────────────────────
// Styles
// ─────────────────────────────────────────────────────

var (
	primaryColor   = lipgloss.Color("#DC2626") // red
	secondaryColor = lipgloss.Color("#06B6D4") // cyan
	mutedColor     = lipgloss.Color("#6B7280") // gray
	successColor   = lipgloss.Color("#10B981") // green
	errorColor     = lipgloss.Color("#EF4444")
	warnColor      = lipgloss.Color("#F59E0B") // amber

	sidebarStyle = lipgloss.NewStyle().
			Width(30).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(1, 1)

	sectionTitle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor)

	metricStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			PaddingLeft(2)

	onlineStyle = lipgloss.NewStyle().
			Foreground(successColor).
			Bold(true)

	offlineStyle = lipgloss.NewStyle().
			Foreground(errorColor).
			Bold(true)

	warnStyle = lipgloss.NewStyle().
			Foreground(warnColor)

	paneBorder = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(secondaryColor)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(primaryColor).
			Padding(0, 1)

	footerStyle = lipgloss.NewStyle().
			Foreground(mutedColor)
)

// ─────────────────────────────────────────────────────
// Model
// ─────────────────────────────────────────────────────

// Model is the dashboard's Bubble Tea model.
type Model struct {
	src    Source
	stream <-chan events.Event

	state    offline.State
	ops      []queue.Operation
	loaded   bool
	fetchErr error

	status   string
	statusOK bool
	log      []string
	logView  viewport.Model
	enqueued int

	width  int
	height int
	ready  bool
}

// New creates a dashboard over src. stream may be nil when the event
// stream is unavailable.
func New(src Source, stream <-chan events.Event) Model {
	return Model{
		src:    src,
		stream: stream,
		status: "connecting...",
	}
}

// Run starts the dashboard full-screen and blocks until the user quits.
func Run(ctx context.Context, src Source, stream <-chan events.Event) error {
	p := tea.NewProgram(New(src, stream), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.refresh(), tickCmd(), m.waitEvent())
}

func tickCmd() tea.Cmd {
	return tea.Tick(refreshEvery, func(time.Time) tea.Msg {
		return tickMsg{}
	})
}

// refresh fetches state and the queue together.
func (m Model) refresh() tea.Cmd {
	src := m.src
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		st, err := src.State(ctx)
		if err != nil {
			return snapshotMsg{err: err}
		}
		ops, err := src.Operations(ctx)
		return snapshotMsg{state: st, ops: ops, err: err}
	}
}

// waitEvent blocks on the next streamed event.
func (m Model) waitEvent() tea.Cmd {
	if m.stream == nil {
		return nil
	}
	stream := m.stream
	return func() tea.Msg {
		e, ok := <-stream
		if !ok {
			return streamClosedMsg{}
		}
		return eventMsg{event: e}
	}
}

// run performs fn off the UI goroutine and reports its outcome.
func (m Model) run(fn func(ctx context.Context) (string, error)) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		text, err := fn(ctx)
		return actionMsg{text: text, err: err}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if cmd, quit := m.handleKey(msg.String()); quit {
			return m, tea.Quit
		} else if cmd != nil {
			if msg.String() == "e" {
				m.enqueued++
			}
			return m, cmd
		}

	case tickMsg:
		cmds = append(cmds, m.refresh(), tickCmd())

	case snapshotMsg:
		m.fetchErr = msg.err
		if msg.err == nil {
			m.state = msg.state
			m.ops = msg.ops
			m.loaded = true
		}
		return m, nil

	case actionMsg:
		if msg.err != nil {
			m.status, m.statusOK = msg.text+" failed: "+msg.err.Error(), false
		} else {
			m.status, m.statusOK = msg.text, true
		}
		m.appendLog(time.Now(), m.status)
		return m, m.refresh()

	case eventMsg:
		m.appendLog(time.UnixMilli(msg.event.Timestamp), formatEvent(msg.event))
		return m, tea.Batch(m.waitEvent(), m.refresh())

	case streamClosedMsg:
		m.stream = nil
		m.appendLog(time.Now(), "event stream closed")
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

		logW := m.width - 36
		logH := m.height - maxOpRows - 12
		if logH < 3 {
			logH = 3
		}
		if !m.ready {
			m.logView = viewport.New(logW, logH)
			m.ready = true
		} else {
			m.logView.Width = logW
			m.logView.Height = logH
		}
		m.logView.SetContent(strings.Join(m.log, "\n"))
		m.logView.GotoBottom()
	}

	var cmd tea.Cmd
	m.logView, cmd = m.logView.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

// handleKey maps a key to an action command. quit is true for q and
// ctrl+c.
func (m Model) handleKey(key string) (cmd tea.Cmd, quit bool) {
	src := m.src
	switch key {
	case "q", "ctrl+c":
		return nil, true
	case "s":
		return m.run(func(ctx context.Context) (string, error) {
			res, err := src.SyncNow(ctx)
			return fmt.Sprintf("sync: %d processed, %d ok, %d failed", res.Processed, res.Succeeded, res.Failed), err
		}), false
	case "e":
		n := m.enqueued + 1
		return m.run(func(ctx context.Context) (string, error) {
			id, err := src.Enqueue(ctx, queue.MarkNotificationRead, map[string]any{"notificationId": fmt.Sprintf("tui-%d", n)}, queue.PriorityLow)
			return "queued " + shortID(id), err
		}), false
	case "p":
		return m.run(func(ctx context.Context) (string, error) {
			n, err := src.Prune(ctx)
			return fmt.Sprintf("pruned %d", n), err
		}), false
	case "c":
		return m.run(func(ctx context.Context) (string, error) {
			return "queue cleared", src.ClearQueue(ctx)
		}), false
	case "a":
		enable := !m.state.AutoSync
		return m.run(func(ctx context.Context) (string, error) {
			return fmt.Sprintf("auto sync %s", onOff(enable)), src.SetAutoSync(ctx, enable)
		}), false
	case "o":
		online := !m.state.IsOnline
		return m.run(func(ctx context.Context) (string, error) {
			return fmt.Sprintf("connectivity %s", onOff(online)), src.SetOnline(ctx, online)
		}), false
	}
	return nil, false
}

func (m *Model) appendLog(at time.Time, line string) {
	m.log = append(m.log, fmt.Sprintf("%s %s", at.Format("15:04:05"), line))
	if len(m.log) > maxLogLines {
		m.log = m.log[len(m.log)-maxLogLines:]
	}
	if m.ready {
		m.logView.SetContent(strings.Join(m.log, "\n"))
		m.logView.GotoBottom()
	}
}

func (m Model) View() string {
	if !m.ready {
		return "Starting Nosara sync dashboard..."
	}

	conn := offlineStyle.Render("● OFFLINE")
	if m.state.IsOnline {
		conn = onlineStyle.Render("● ONLINE")
	}
	header := headerStyle.Width(m.width).Render("  Nosara Offline Sync  " + conn)

	sidebar := m.renderSidebar()
	right := lipgloss.JoinVertical(lipgloss.Left,
		paneBorder.Width(m.width-35).Render(m.renderQueue()),
		paneBorder.Width(m.width-35).Render(m.logView.View()),
	)
	body := lipgloss.JoinHorizontal(lipgloss.Top, sidebar, " ", right)

	status := m.status
	if m.fetchErr != nil {
		status = offlineStyle.Render("daemon unreachable: " + m.fetchErr.Error())
	} else if !m.statusOK && status != "" {
		status = warnStyle.Render(status)
	}
	footer := footerStyle.Render(
		"  s: sync │ e: enqueue test │ p: prune │ c: clear │ a: auto sync │ o: connectivity │ q: quit",
	)

	return lipgloss.JoinVertical(lipgloss.Left, header, body, "  "+status, footer)
}

// ─────────────────────────────────────────────────────
// Rendering helpers
// ─────────────────────────────────────────────────────

func (m Model) renderSidebar() string {
	var sb strings.Builder
	st := m.state

	sb.WriteString(sectionTitle.Render("Sync"))
	sb.WriteString("\n")
	if !m.loaded {
		sb.WriteString(metricStyle.Render("waiting for daemon"))
		return sidebarStyle.Height(m.height - 4).Render(sb.String())
	}
	line := func(format string, args ...any) {
		sb.WriteString(metricStyle.Render(fmt.Sprintf(format, args...)))
		sb.WriteString("\n")
	}

	line("status: %s", st.SyncInfo.Status)
	line("auto: %s every %ds", onOff(st.AutoSync), st.SyncInterval)
	if st.SyncInfo.LastSyncAt > 0 {
		line("last: %s ago", formatDuration(time.Since(time.UnixMilli(st.SyncInfo.LastSyncAt))))
	} else {
		line("last: never")
	}
	if st.SyncInfo.Error != "" {
		sb.WriteString(warnStyle.PaddingLeft(2).Render("error: " + st.SyncInfo.Error))
		sb.WriteString("\n")
	}

	sb.WriteString("\n")
	sb.WriteString(sectionTitle.Render("Queue"))
	sb.WriteString("\n")
	line("pending: %d", st.Queue.Pending)
	line("processing: %d", st.Queue.Processing)
	line("done: %d", st.Queue.Success)
	line("failed: %d", st.Queue.Failed)
	line("high/med/low: %d/%d/%d",
		st.Queue.ByPriority[queue.PriorityHigh],
		st.Queue.ByPriority[queue.PriorityMedium],
		st.Queue.ByPriority[queue.PriorityLow])

	sb.WriteString("\n")
	sb.WriteString(sectionTitle.Render("Cache"))
	sb.WriteString("\n")
	line("enabled: %s", onOff(st.CacheEnabled))
	line("size: %s", formatBytes(st.CacheSize))

	return sidebarStyle.Height(m.height - 4).Render(sb.String())
}

func (m Model) renderQueue() string {
	if len(m.ops) == 0 {
		return lipgloss.NewStyle().Foreground(mutedColor).Padding(0, 1).Render("Queue is empty.")
	}
	var sb strings.Builder
	for i, op := range m.ops {
		if i == maxOpRows {
			sb.WriteString(metricStyle.Render(fmt.Sprintf("... %d more", len(m.ops)-maxOpRows)))
			break
		}
		sb.WriteString(formatOperation(op))
		sb.WriteString("\n")
	}
	return sb.String()
}

func formatOperation(op queue.Operation) string {
	row := fmt.Sprintf("%-8s %-6s %-10s %-22s %d/%d",
		shortID(op.ID), op.Priority, op.Status, op.Type, op.Retries, op.MaxRetries)
	switch op.Status {
	case queue.StatusFailed:
		return offlineStyle.Render(row) + " " + op.LastError
	case queue.StatusSuccess:
		return onlineStyle.Render(row)
	}
	if op.LastError != "" {
		return warnStyle.Render(row) + " " + op.LastError
	}
	return row
}

// formatEvent renders one streamed event as a log line.
func formatEvent(e events.Event) string {
	data, _ := e.Data.(map[string]any)
	var b strings.Builder
	b.WriteString(string(e.Type))
	switch e.Type {
	case events.OperationQueued, events.OperationSynced:
		fmt.Fprintf(&b, " %v %s", data["type"], shortID(fmt.Sprint(data["id"])))
	case events.OperationFailed:
		if op, ok := data["operation"].(map[string]any); ok {
			fmt.Fprintf(&b, " %v %s", op["type"], shortID(fmt.Sprint(op["id"])))
		}
		if retry, ok := data["willRetry"].(bool); ok && retry {
			b.WriteString(" (will retry)")
		}
	case events.SyncStarted:
		fmt.Fprintf(&b, " pending=%v", data["pending"])
	case events.SyncCompleted:
		fmt.Fprintf(&b, " processed=%v succeeded=%v failed=%v", data["processed"], data["succeeded"], data["failed"])
	case events.SyncProgress:
		fmt.Fprintf(&b, " #%v %v", data["processed"], data["status"])
	}
	if e.Error != "" {
		b.WriteString(": " + e.Error)
	}
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	}
	return fmt.Sprintf("%d B", n)
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%dd %dh", days, hours)
}
