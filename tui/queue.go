// Package tui implements the terminal queue inspector, an operator view
// of the local change queue that attaches to a running instance over
// its HTTP API.
package tui

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/rohanthewiz/serr"
)

const refreshEvery = 2 * time.Second

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15")).Background(lipgloss.Color("62")).Padding(0, 1)
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).MarginTop(1)
	tableStyle  = lipgloss.NewStyle().BorderStyle(lipgloss.NormalBorder()).BorderForeground(lipgloss.Color("240"))
)

// engineStatus mirrors the engine portion of /api/v1/queue/status.
type engineStatus struct {
	Enabled             bool   `json:"enabled"`
	InProgress          bool   `json:"in_progress"`
	LastError           string `json:"last_error"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	Queue               struct {
		Pending  int64 `json:"pending"`
		InFlight int64 `json:"in_flight"`
		Synced   int64 `json:"synced"`
		Failed   int64 `json:"failed"`
	} `json:"queue"`
}

// recentChange mirrors one entry of /api/v1/queue/recent.
type recentChange struct {
	Seq    int64  `json:"seq"`
	Table  string `json:"table"`
	Key    string `json:"key"`
	Type   string `json:"type"`
	State  string `json:"state"`
	Source string `json:"source"`
	Error  string `json:"error"`
}

type refreshMsg struct {
	engine engineStatus
	recent []recentChange
}

type actionMsg string

type errMsg struct{ err error }

type tickMsg time.Time

// Model is the Bubble Tea model for the queue inspector.
type Model struct {
	baseURL string
	client  *http.Client
	table   table.Model
	engine  engineStatus
	loaded  bool
	notice  string
	err     error
}

// NewModel builds the inspector against a server base URL, e.g.
// "http://localhost:8010".
func NewModel(baseURL string) Model {
	columns := []table.Column{
		{Title: "Seq", Width: 6},
		{Title: "Table", Width: 14},
		{Title: "Key", Width: 24},
		{Title: "Type", Width: 8},
		{Title: "State", Width: 9},
		{Title: "Error", Width: 32},
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(14),
	)

	styles := table.DefaultStyles()
	styles.Header = styles.Header.Bold(true).BorderStyle(lipgloss.NormalBorder()).BorderBottom(true)
	styles.Selected = styles.Selected.Foreground(lipgloss.Color("229")).Background(lipgloss.Color("57"))
	t.SetStyles(styles)

	return Model{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
		table:   t,
	}
}

// Run starts the inspector and blocks until the user quits.
func Run(baseURL string) error {
	_, err := tea.NewProgram(NewModel(baseURL), tea.WithAltScreen()).Run()
	if err != nil {
		return serr.Wrap(err, "queue inspector failed")
	}
	return nil
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.refresh, tick())
}

func tick() tea.Cmd {
	return tea.Tick(refreshEvery, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			return m, m.post("/api/v1/queue/retry", "failed changes requeued")
		case "s":
			return m, m.post("/api/v1/sync/now", "sync cycle requested")
		}

	case tickMsg:
		return m, tea.Batch(m.refresh, tick())

	case refreshMsg:
		m.engine = msg.engine
		m.loaded = true
		m.err = nil
		m.table.SetRows(toRows(msg.recent))
		return m, nil

	case actionMsg:
		m.notice = string(msg)
		return m, m.refresh

	case errMsg:
		m.err = msg.err
		return m, nil
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	out := titleStyle.Render("gocurate queue") + "\n\n"

	if !m.loaded {
		out += statusStyle.Render("connecting to " + m.baseURL + " ...")
	} else {
		out += m.statusLine() + "\n\n"
		out += tableStyle.Render(m.table.View())
	}

	if m.notice != "" {
		out += "\n" + okStyle.Render(m.notice)
	}
	if m.err != nil {
		out += "\n" + errorStyle.Render(m.err.Error())
	}

	out += helpStyle.Render("\nr requeue failed · s sync now · q quit")
	return out
}

func (m Model) statusLine() string {
	q := m.engine.Queue
	state := "enabled"
	if !m.engine.Enabled {
		state = "disabled"
	}
	if m.engine.InProgress {
		state += ", syncing"
	}

	line := fmt.Sprintf("engine %s · pending %d · in flight %d · synced %d · failed %d",
		state, q.Pending, q.InFlight, q.Synced, q.Failed)

	if m.engine.LastError != "" {
		line += " · " + errorStyle.Render("last error: "+m.engine.LastError)
	}
	return statusStyle.Render(line)
}

func toRows(recent []recentChange) []table.Row {
	rows := make([]table.Row, 0, len(recent))
	for _, rc := range recent {
		rows = append(rows, table.Row{
			strconv.FormatInt(rc.Seq, 10),
			rc.Table,
			rc.Key,
			rc.Type,
			rc.State,
			rc.Error,
		})
	}
	return rows
}

// ===== API calls =====

func (m Model) refresh() tea.Msg {
	var statusEnv struct {
		Success bool `json:"success"`
		Data    struct {
			Engine engineStatus `json:"engine"`
		} `json:"data"`
	}
	if err := m.getJSON("/api/v1/queue/status", &statusEnv); err != nil {
		return errMsg{err}
	}

	var recentEnv struct {
		Success bool           `json:"success"`
		Data    []recentChange `json:"data"`
	}
	if err := m.getJSON("/api/v1/queue/recent?limit=50", &recentEnv); err != nil {
		return errMsg{err}
	}

	return refreshMsg{engine: statusEnv.Data.Engine, recent: recentEnv.Data}
}

func (m Model) getJSON(path string, dest any) error {
	resp, err := m.client.Get(m.baseURL + path)
	if err != nil {
		return serr.Wrap(err, "server unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return serr.New("server returned " + resp.Status + ": " + string(raw))
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return serr.Wrap(err, "failed to decode response")
	}
	return nil
}

func (m Model) post(path, notice string) tea.Cmd {
	return func() tea.Msg {
		resp, err := m.client.Post(m.baseURL+path, "application/json", nil)
		if err != nil {
			return errMsg{serr.Wrap(err, "server unreachable")}
		}
		defer resp.Body.Close()

		if resp.StatusCode >= http.StatusBadRequest && resp.StatusCode != http.StatusConflict {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return errMsg{serr.New("server returned " + resp.Status + ": " + string(raw))}
		}
		return actionMsg(notice)
	}
}
