package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/codegate/internal/dispatch"
	"github.com/mattjoyce/codegate/internal/events"
)

const (
	maxJobs     = 100
	maxEventLog = 50
	shownEvents = 10
)

var docStyle = lipgloss.NewStyle().Margin(1, 2)

// Job status as shown in the table.
const (
	statusQueued    = "queued"
	statusRunning   = "running"
	statusSucceeded = "succeeded"
	statusFailed    = "failed"
	statusCancelled = "cancelled"
)

// JobRow is what the monitor knows about one request, assembled from its
// lifecycle events.
type JobRow struct {
	ID        string
	Provider  string
	Model     string
	Status    string
	ExitCode  *int
	ErrorCode string
	Duration  time.Duration
	StartTime time.Time
	EndTime   time.Time
}

// Model is the bubbletea model behind `codegate monitor`.
type Model struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiURL string
	token  string
	theme  Theme

	width  int
	height int

	jobs     map[string]*JobRow
	order    []string // newest first
	eventLog []events.Event
	stream   chan events.Event

	health    dispatch.HealthSnapshot
	healthErr error
	connected bool
	streamErr error

	jobTable table.Model
	activity spinner.Model
	lastSeen time.Time
}

func NewMonitor(apiURL, token string) *Model {
	ctx, cancel := context.WithCancel(context.Background())

	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Provider", Width: 14},
			{Title: "Model", Width: 16},
			{Title: "ID", Width: 10},
			{Title: "Exit", Width: 5},
			{Title: "Duration", Width: 10},
			{Title: "Error", Width: 18},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	return &Model{
		ctx:      ctx,
		cancel:   cancel,
		apiURL:   strings.TrimRight(apiURL, "/"),
		token:    token,
		theme:    NewDefaultTheme(),
		jobs:     make(map[string]*JobRow),
		stream:   make(chan events.Event, 100),
		jobTable: t,
		activity: sp,
	}
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.ctx, m.apiURL, m.token, m.stream),
		receiveNextEvent(m.ctx, m.stream),
		m.pollHealth(),
		m.activity.Tick,
		tea.EnterAltScreen,
	)
}

func (m *Model) pollHealth() tea.Cmd {
	return func() tea.Msg { return fetchHealth(m.ctx, m.apiURL) }
}

// --- Update ---

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.cancel()
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.jobTable.SetWidth(m.width - 6)
		if h := m.height/2 - 4; h > 3 {
			m.jobTable.SetHeight(h)
		}

	case eventMsg:
		m.connected = true
		m.streamErr = nil
		m.handleEvent(events.Event(msg))
		m.updateTable()
		return m, receiveNextEvent(m.ctx, m.stream)

	case sseDisconnectedMsg:
		m.connected = false
		m.streamErr = msg.err
		if m.ctx.Err() != nil {
			return m, nil
		}
		return m, reconnectAfter(reconnectDelay)

	case reconnectMsg:
		return m, subscribeToEvents(m.ctx, m.apiURL, m.token, m.stream)

	case healthMsg:
		m.health = dispatch.HealthSnapshot(msg)
		m.healthErr = nil
		return m, tick()

	case errMsg:
		m.healthErr = msg.err
		return m, tick()

	case tickMsg:
		m.updateTable()
		return m, m.pollHealth()

	case spinner.TickMsg:
		m.activity, cmd = m.activity.Update(msg)
		return m, cmd
	}

	m.jobTable, cmd = m.jobTable.Update(msg)
	return m, cmd
}

func (m *Model) handleEvent(e events.Event) {
	m.lastSeen = time.Now()
	m.eventLog = append([]events.Event{e}, m.eventLog...)
	if len(m.eventLog) > maxEventLog {
		m.eventLog = m.eventLog[:maxEventLog]
	}

	var data events.JobEvent
	if err := json.Unmarshal(e.Data, &data); err != nil || data.RequestID == "" {
		return
	}

	job, ok := m.jobs[data.RequestID]
	if !ok {
		job = &JobRow{ID: data.RequestID}
		m.jobs[data.RequestID] = job
		m.order = append([]string{data.RequestID}, m.order...)
		if len(m.order) > maxJobs {
			for _, old := range m.order[maxJobs:] {
				delete(m.jobs, old)
			}
			m.order = m.order[:maxJobs]
		}
	}
	if data.Provider != "" {
		job.Provider = data.Provider
	}
	if data.Model != "" {
		job.Model = data.Model
	}

	switch e.Type {
	case events.JobQueued:
		if job.Status == "" {
			job.Status = statusQueued
		}
	case events.JobStarted:
		job.Status = statusRunning
		job.StartTime = e.At
	case events.JobCompleted, events.JobFailed, events.JobCancelled:
		switch e.Type {
		case events.JobCompleted:
			job.Status = statusSucceeded
		case events.JobFailed:
			job.Status = statusFailed
		default:
			job.Status = statusCancelled
		}
		job.EndTime = e.At
		job.ExitCode = data.ExitCode
		job.ErrorCode = data.ErrorCode
		job.Duration = time.Duration(data.DurationMs) * time.Millisecond
	}
}

func (m *Model) updateTable() {
	rows := make([]table.Row, 0, len(m.order))
	for _, id := range m.order {
		rows = append(rows, m.jobToRow(m.jobs[id]))
	}
	m.jobTable.SetRows(rows)
}

func (m *Model) jobToRow(job *JobRow) table.Row {
	sym := m.theme.JobSymbol(job.Status)

	duration := "-"
	switch {
	case job.Duration > 0:
		duration = job.Duration.Round(time.Millisecond).String()
	case !job.StartTime.IsZero() && job.EndTime.IsZero():
		duration = time.Since(job.StartTime).Round(100 * time.Millisecond).String()
	}

	exit := "-"
	if job.ExitCode != nil {
		exit = fmt.Sprintf("%d", *job.ExitCode)
	}

	id := job.ID
	if len(id) > 8 {
		id = id[:8]
	}

	return table.Row{sym, job.Provider, job.Model, id, exit, duration, job.ErrorCode}
}

// --- View ---

func (m *Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	jobsView := m.theme.Border.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("Executions"),
			m.jobTable.View(),
		),
	)

	eventsView := m.theme.Border.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("Event Stream"),
			m.renderEvents(),
		),
	)

	help := m.theme.Dim.Render(" [q] Quit • [↑/↓] Scroll")

	return docStyle.Render(
		lipgloss.JoinVertical(
			lipgloss.Left,
			m.renderHeader(),
			jobsView,
			eventsView,
			help,
		),
	)
}

func (m *Model) renderHeader() string {
	var status string
	switch {
	case m.healthErr != nil:
		status = m.theme.StatusFailed.Render("UNREACHABLE")
	case m.health.Status == "ok":
		status = m.theme.StatusOK.Render("OK")
	case m.health.Status == "":
		status = m.theme.StatusQueued.Render("...")
	default:
		status = m.theme.StatusRunning.Render(strings.ToUpper(m.health.Status))
	}

	stream := m.theme.ActivityOff.Render("○ offline")
	if m.connected {
		indicator := m.theme.ActivityOff.Render("●")
		if time.Since(m.lastSeen) < 2*time.Second {
			indicator = m.theme.ActivityOn.Render(m.activity.View())
		}
		stream = indicator + " live"
	}

	available := 0
	for _, p := range m.health.Providers {
		if p.Available {
			available++
		}
	}

	items := []string{
		fmt.Sprintf("Status: %s", status),
		fmt.Sprintf("Uptime: %s", (time.Duration(m.health.Uptime) * time.Second).String()),
		fmt.Sprintf("Active: %d/%d", m.health.ActiveExecutions, m.health.MaxConcurrency),
		fmt.Sprintf("Queue: %d", m.health.QueueDepth),
		fmt.Sprintf("Providers: %d/%d", available, len(m.health.Providers)),
		fmt.Sprintf("Events: %s", stream),
	}

	cellWidth := (m.width - 4) / len(items)
	cells := make([]string, len(items))
	for i, item := range items {
		cells[i] = lipgloss.NewStyle().Width(cellWidth).Render(item)
	}
	return m.theme.Border.Width(m.width - 4).Render(
		lipgloss.JoinHorizontal(lipgloss.Top, cells...),
	)
}

func (m *Model) renderEvents() string {
	var lines []string
	for i, e := range m.eventLog {
		if i >= shownEvents {
			break
		}
		ts := e.At.Local().Format("15:04:05")
		lines = append(lines, fmt.Sprintf("%s | %-14s | %s", ts, e.Type, string(e.Data)))
	}
	if len(lines) == 0 {
		if m.streamErr != nil {
			return m.theme.StatusFailed.Render("  " + m.streamErr.Error())
		}
		return "  No events yet..."
	}
	return lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
}
