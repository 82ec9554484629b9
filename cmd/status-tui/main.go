package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"
)

var api *resty.Client

// file-only logger: writing to the terminal would fight bubbletea for the
// screen
var (
	fileLogger     *log.Logger
	fileLoggerOnce sync.Once
)

func initFileLogger() {
	fileLoggerOnce.Do(func() {
		logDir := "logs"
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			logDir = os.TempDir()
		}
		file, err := os.OpenFile(filepath.Join(logDir, "status-tui.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
		if err != nil {
			file = os.NewFile(0, os.DevNull)
		}
		fileLogger = log.New(file, "", log.LstdFlags)
	})
}

func logf(format string, v ...any) {
	initFileLogger()
	fileLogger.Printf(format, v...)
}

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	runningStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	stoppedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	selectedStyle = lipgloss.NewStyle().Bold(true).Background(lipgloss.Color("236"))
	noticeStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	helpStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 1)
)

type botRow struct {
	Kind     string
	Name     string
	Status   string
	PID      string
	Uptime   string
	Internal bool
}

type summaryRow struct {
	Total    int64
	Active   int64
	Inactive int64
}

type model struct {
	rows     []botRow
	summary  summaryRow
	cursor   int
	lastSync time.Time
	lastErr  error
	notice   string
	busy     bool
}

type tickMsg time.Time

type statusMsg struct {
	rows    []botRow
	summary summaryRow
}

type opDoneMsg struct {
	op   string
	kind string
	note string
	err  error
}

type errMsg struct{ err error }

func initialModel() model {
	return model{}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(fetchCmd(), tickCmd())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(m.rows)-1 {
				m.cursor++
			}
		case "s":
			return m.fireOp("start")
		case "x":
			return m.fireOp("stop")
		case "r":
			return m.fireOp("restart")
		case "S":
			return m.fireBatch("start_all")
		case "X":
			return m.fireBatch("stop_all")
		case "R":
			return m, fetchCmd()
		}

	case tickMsg:
		return m, tea.Batch(tickCmd(), fetchCmd())

	case statusMsg:
		m.rows = msg.rows
		m.summary = msg.summary
		m.lastSync = time.Now()
		m.lastErr = nil
		if m.cursor >= len(m.rows) && len(m.rows) > 0 {
			m.cursor = len(m.rows) - 1
		}
		return m, nil

	case opDoneMsg:
		m.busy = false
		if msg.err != nil {
			m.notice = fmt.Sprintf("%s %s: %v", msg.op, msg.kind, msg.err)
		} else {
			m.notice = msg.note
		}
		return m, fetchCmd()

	case errMsg:
		m.lastErr = msg.err
		return m, nil
	}

	return m, nil
}

func (m model) fireOp(op string) (tea.Model, tea.Cmd) {
	if m.busy || len(m.rows) == 0 {
		return m, nil
	}
	kind := m.rows[m.cursor].Kind
	m.busy = true
	m.notice = fmt.Sprintf("%s %s...", op, kind)
	return m, opCmd(op, kind)
}

func (m model) fireBatch(op string) (tea.Model, tea.Cmd) {
	if m.busy {
		return m, nil
	}
	m.busy = true
	m.notice = strings.ReplaceAll(op, "_", " ") + "..."
	return m, batchCmd(op)
}

func (m model) View() string {
	var b strings.Builder

	synced := "never"
	if !m.lastSync.IsZero() {
		synced = fmt.Sprintf("%v ago", time.Since(m.lastSync).Round(time.Second))
	}
	head := fmt.Sprintf("botkeeper | %d bots, %d active | synced %s", m.summary.Total, m.summary.Active, synced)
	if m.lastErr != nil {
		head += " | " + m.lastErr.Error()
	}
	b.WriteString(headerStyle.Render(head))
	b.WriteString("\n\n")

	var table strings.Builder
	table.WriteString(fmt.Sprintf("  %-12s %-10s %-8s %-10s %s\n", "KIND", "STATUS", "PID", "UPTIME", "NAME"))
	for i, row := range m.rows {
		cursor := "  "
		if i == m.cursor {
			cursor = "> "
		}
		name := row.Name
		if row.Internal {
			name += " (internal)"
		}
		line := fmt.Sprintf("%s%-12s %-10s %-8s %-10s %s", cursor, row.Kind, row.Status, row.PID, row.Uptime, name)

		// style the whole line: coloring one cell would break the fixed widths
		style := stoppedStyle
		if row.Status == "running" {
			style = runningStyle
		}
		if i == m.cursor {
			style = selectedStyle
		}
		table.WriteString(style.Render(line))
		table.WriteString("\n")
	}
	b.WriteString(borderStyle.Render(strings.TrimRight(table.String(), "\n")))
	b.WriteString("\n")

	if m.notice != "" {
		b.WriteString(noticeStyle.Render(m.notice))
		b.WriteString("\n")
	}
	b.WriteString(helpStyle.Render("[s]tart  [x] stop  [r]estart  [S]tart all  [X] stop all  [R]efresh  [q]uit"))
	b.WriteString("\n")

	return b.String()
}

func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func fetchCmd() tea.Cmd {
	return func() tea.Msg {
		resp, err := api.R().Get("/api/bots/")
		if err != nil {
			logf("fetch failed: %v", err)
			return errMsg{err}
		}
		body := gjson.ParseBytes(resp.Body())
		if resp.IsError() {
			msg := body.Get("error").String()
			if msg == "" {
				msg = resp.Status()
			}
			return errMsg{fmt.Errorf("%s", msg)}
		}

		var rows []botRow
		body.Get("bots").ForEach(func(_, bot gjson.Result) bool {
			pid, uptime := "-", "-"
			if p := bot.Get("pid"); p.Exists() {
				pid = p.String()
			}
			if u := bot.Get("uptime").String(); u != "" {
				uptime = u
			}
			rows = append(rows, botRow{
				Kind:     bot.Get("kind").String(),
				Name:     bot.Get("name").String(),
				Status:   bot.Get("status").String(),
				PID:      pid,
				Uptime:   uptime,
				Internal: bot.Get("internal").Bool(),
			})
			return true
		})
		s := body.Get("summary")
		return statusMsg{
			rows: rows,
			summary: summaryRow{
				Total:    s.Get("total").Int(),
				Active:   s.Get("active").Int(),
				Inactive: s.Get("inactive").Int(),
			},
		}
	}
}

func opCmd(op, kind string) tea.Cmd {
	return func() tea.Msg {
		resp, err := api.R().Post("/api/bots/" + kind + "/" + op)
		if err != nil {
			return opDoneMsg{op: op, kind: kind, err: err}
		}
		body := gjson.ParseBytes(resp.Body())
		if resp.IsError() {
			msg := body.Get("error").String()
			if msg == "" {
				msg = resp.Status()
			}
			return opDoneMsg{op: op, kind: kind, err: fmt.Errorf("%s", msg)}
		}
		note := body.Get("message").String()
		if note == "" {
			note = fmt.Sprintf("%s %s: ok", op, kind)
		}
		logf("%s %s: %s", op, kind, note)
		return opDoneMsg{op: op, kind: kind, note: note}
	}
}

func batchCmd(op string) tea.Cmd {
	return func() tea.Msg {
		resp, err := api.R().Post("/api/bots/" + op)
		if err != nil {
			return opDoneMsg{op: op, err: err}
		}
		note := gjson.ParseBytes(resp.Body()).Get("message").String()
		logf("%s: %s", op, note)
		return opDoneMsg{op: op, note: note}
	}
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func main() {
	var (
		serverURL = flag.String("server", getenv("BOTKEEPER_SERVER", "http://127.0.0.1:8080"), "control plane base URL")
		apiToken  = flag.String("token", getenv("BOTKEEPER_API_TOKEN", ""), "API token")
	)
	flag.Parse()

	api = resty.New().
		SetBaseURL(strings.TrimRight(*serverURL, "/")).
		SetTimeout(10 * time.Second)
	if *apiToken != "" {
		api.SetHeader("X-API-Token", *apiToken)
	}

	p := tea.NewProgram(initialModel(), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err.Error())
		os.Exit(1)
	}
}
