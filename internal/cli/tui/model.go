// Package tui implements relay top, a live view of a running relay's agents
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/syntor/relay/pkg/admin"
	"github.com/syntor/relay/pkg/router"
)

// Columns of the agent table. Rows built by Rows follow the same order.
var Columns = []table.Column{
	{Title: "AGENT", Width: 16},
	{Title: "HEALTH", Width: 10},
	{Title: "BREAKER", Width: 10},
	{Title: "QUEUE", Width: 9},
	{Title: "PROCESSED", Width: 10},
	{Title: "FAILED", Width: 8},
	{Title: "REJECTED", Width: 9},
	{Title: "FAIL %", Width: 7},
}

// Rows renders agent stats as table rows
func Rows(agents []router.AgentStats) []table.Row {
	rows := make([]table.Row, 0, len(agents))
	for _, a := range agents {
		rows = append(rows, table.Row{
			a.AgentID,
			string(a.Health),
			string(a.Breaker.State),
			fmt.Sprintf("%d/%d", a.Queue.CurrentSize, a.Queue.MaxSize),
			fmt.Sprintf("%d", a.Processed),
			fmt.Sprintf("%d", a.Failed),
			fmt.Sprintf("%d", a.Breaker.Rejections),
			fmt.Sprintf("%.0f", a.Breaker.FailureRate*100),
		})
	}
	return rows
}

// Model is the bubbletea model of relay top
type Model struct {
	source   Source
	interval time.Duration
	addr     string

	table  table.Model
	styles Styles

	stats   admin.AgentsResponse
	updated time.Time
	err     error
	notice  string

	width    int
	height   int
	quitting bool
}

// New creates the dashboard for src, polling every interval
func New(src Source, addr string, interval time.Duration) Model {
	if interval <= 0 {
		interval = time.Second
	}
	t := table.New(
		table.WithColumns(Columns),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	t.SetStyles(TableStyles())

	return Model{
		source:   src,
		interval: interval,
		addr:     addr,
		table:    t,
		styles:   DefaultStyles(),
	}
}

// Init starts polling
func (m Model) Init() tea.Cmd {
	return Fetch(m.source, m.interval)
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "r":
			if row := m.table.SelectedRow(); row != nil {
				return m, Reset(m.source, row[0], m.interval)
			}
			return m, nil
		case "R":
			return m, Reset(m.source, "", m.interval)
		}
		var cmd tea.Cmd
		m.table, cmd = m.table.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		// header, counters, status bar and help bar
		if h := msg.Height - 8; h > 3 {
			m.table.SetHeight(h)
		}
		return m, nil

	case StatsMsg:
		m.stats = msg.Stats
		m.updated = msg.At
		m.err = nil
		m.table.SetRows(Rows(msg.Stats.Agents))
		return m, DoTick(m.interval)

	case ErrorMsg:
		m.err = msg.Err
		return m, DoTick(m.interval)

	case ResetMsg:
		if msg.Err != nil {
			m.notice = m.styles.Error.Render("reset failed: " + msg.Err.Error())
		} else {
			m.notice = m.styles.Success.Render("reset: " + strings.Join(msg.Reset, ", "))
		}
		return m, Fetch(m.source, m.interval)

	case TickMsg:
		return m, Fetch(m.source, m.interval)
	}

	return m, nil
}

// View renders the dashboard
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(m.styles.Header.Render("relay top  " + m.addr))
	b.WriteString("\n")
	b.WriteString(m.renderCounters())
	b.WriteString("\n")
	b.WriteString(m.table.View())
	b.WriteString("\n")
	b.WriteString(m.renderStatusBar())
	b.WriteString("\n")
	b.WriteString(m.renderHelpBar())
	return b.String()
}

func (m Model) renderCounters() string {
	s := m.stats.Server
	parts := []string{
		m.styles.CounterOK.Render(fmt.Sprintf("agents %d", s.Agents)),
		m.styles.Counter.Render(fmt.Sprintf("calls %d", s.Calls)),
		m.styles.Counter.Render(fmt.Sprintf("replies %d", s.Replies)),
		m.styles.Counter.Render(fmt.Sprintf("pending %d", s.PendingCalls)),
		m.styles.Counter.Render(fmt.Sprintf("timeouts %d", s.Timeouts)),
	}
	open := fmt.Sprintf("open breakers %d", s.OpenBreakers)
	if s.OpenBreakers > 0 {
		parts = append(parts, m.styles.Error.Render(open))
	} else {
		parts = append(parts, m.styles.Counter.Render(open))
	}
	return strings.Join(parts, "")
}

func (m Model) renderStatusBar() string {
	var status string
	switch {
	case m.err != nil:
		status = m.styles.Error.Render("error: " + m.err.Error())
	case m.updated.IsZero():
		status = "connecting..."
	default:
		status = "updated " + m.updated.Format("15:04:05")
	}
	if m.notice != "" {
		status += " | " + m.notice
	}
	return m.styles.StatusBar.Width(m.width).Render(status)
}

func (m Model) renderHelpBar() string {
	help := []string{
		m.styles.HelpKey.Render("↑/↓") + " " + m.styles.HelpDesc.Render("select"),
		m.styles.HelpKey.Render("r") + " " + m.styles.HelpDesc.Render("reset breaker"),
		m.styles.HelpKey.Render("R") + " " + m.styles.HelpDesc.Render("reset all"),
		m.styles.HelpKey.Render("q") + " " + m.styles.HelpDesc.Render("quit"),
	}
	return m.styles.HelpBar.Render(strings.Join(help, "  |  "))
}

// Run starts the dashboard in the alternate screen
func Run(src Source, addr string, interval time.Duration) error {
	p := tea.NewProgram(New(src, addr, interval), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
