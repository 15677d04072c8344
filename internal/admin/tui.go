package admin

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/xiy/narrative-memory/internal/store"
	"github.com/xiy/narrative-memory/pkg/types"
)

type tickMsg time.Time
type dashboardMsg struct {
	counts   store.Counts
	reqLogs  []store.MCPRequestLog
	recalls  []types.RecallEvent
	memories []store.RecentMemory
	err      error
	duration time.Duration
}

// DashboardStore is the read side the dashboard polls.
type DashboardStore interface {
	Counts(ctx context.Context) (store.Counts, error)
	RecentMCPRequestLogs(ctx context.Context, limit int) ([]store.MCPRequestLog, error)
	RecentRecalls(ctx context.Context, limit int) ([]types.RecallEvent, error)
	RecentMemories(ctx context.Context, limit int) ([]store.RecentMemory, error)
}

type model struct {
	ctx           context.Context
	st            DashboardStore
	counts        store.Counts
	reqLogs       []store.MCPRequestLog
	recalls       []types.RecallEvent
	memories      []store.RecentMemory
	lastErr       error
	lastTick      time.Time
	logLines      []string
	maxLogs       int
	requestsLimit int
	recallsLimit  int
	memoriesLimit int
	width         int
	height        int
}

// Run starts a lightweight local admin dashboard.
func Run(ctx context.Context, st DashboardStore) error {
	m := newModel(ctx, st)
	m = m.appendLog("admin UI started")
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

func newModel(ctx context.Context, st DashboardStore) model {
	return model{
		ctx:           ctx,
		st:            st,
		maxLogs:       10,
		requestsLimit: 8,
		recallsLimit:  8,
		memoriesLimit: 8,
	}
}

func (m model) refresh() tea.Cmd {
	return fetchDashboardCmd(m.ctx, m.st, m.requestsLimit, m.recallsLimit, m.memoriesLimit)
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.refresh(), tickCmd())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m = m.appendLog("received quit signal")
			return m, tea.Quit
		case "r":
			m = m.appendLog("manual refresh")
			return m, m.refresh()
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case tickMsg:
		m.lastTick = time.Time(msg)
		return m, tea.Batch(m.refresh(), tickCmd())
	case dashboardMsg:
		m.lastErr = msg.err
		if msg.err == nil {
			m.counts = msg.counts
			m.reqLogs = msg.reqLogs
			m.recalls = msg.recalls
			m.memories = msg.memories
			m = m.appendLog(fmt.Sprintf(
				"refresh ok active=%d retired=%d req=%d recalls=%d (%s)",
				msg.counts.Active,
				msg.counts.Retired,
				len(msg.reqLogs),
				len(msg.recalls),
				formatDuration(msg.duration),
			))
		} else {
			m = m.appendLog(fmt.Sprintf("refresh error: %v", msg.err))
		}
	}
	return m, nil
}

func (m model) View() string {
	title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).Render("narrative-memory admin")
	meta := lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Render("q to quit • r to refresh • refresh every 2s")

	statsBody := m.renderStats()
	logBody := "(no log events yet)"
	if len(m.logLines) > 0 {
		logBody = strings.Join(m.logLines, "\n")
	}

	paneWidth := 54
	if m.width > 0 {
		paneWidth = max(38, (m.width-3)/2)
	}
	paneHeight := 9
	if m.height > 0 {
		paneHeight = max(8, (m.height-10)/3)
	}

	topRow := joinColumns(
		renderPane("Stats", statsBody, paneWidth, paneHeight),
		renderPane("General Logs", logBody, paneWidth, paneHeight),
	)
	middleRow := joinColumns(
		renderPane("MCP Requests", formatRequestPane(m.reqLogs), paneWidth, paneHeight),
		renderPane("Recent Recalls", formatRecallsPane(m.recalls), paneWidth, paneHeight),
	)
	bottomRow := renderPane("Recent Memories", formatRecentMemoriesPane(m.memories), paneWidth*2+1, paneHeight)

	return lipgloss.JoinVertical(
		lipgloss.Left,
		title,
		meta,
		"",
		topRow,
		middleRow,
		bottomRow,
	)
}

func (m model) renderStats() string {
	body := fmt.Sprintf(
		"Active:          %d\nRetired:         %d\nTotal:           %d\nLast refresh:    %s",
		m.counts.Active,
		m.counts.Retired,
		m.counts.Active+m.counts.Retired,
		formatTime(m.lastTick),
	)
	if m.lastErr != nil {
		body += "\n\nLast error: " + truncateText(compactWhitespace(m.lastErr.Error()), 120)
	}
	return body
}

func fetchDashboardCmd(ctx context.Context, st DashboardStore, reqLimit, recallLimit, memLimit int) tea.Cmd {
	return func() tea.Msg {
		start := time.Now()
		counts, err := st.Counts(ctx)
		if err != nil {
			return dashboardMsg{err: err, duration: time.Since(start)}
		}

		reqLogs, err := st.RecentMCPRequestLogs(ctx, reqLimit)
		if err != nil {
			return dashboardMsg{counts: counts, err: err, duration: time.Since(start)}
		}

		recalls, err := st.RecentRecalls(ctx, recallLimit)
		if err != nil {
			return dashboardMsg{counts: counts, reqLogs: reqLogs, err: err, duration: time.Since(start)}
		}

		memories, err := st.RecentMemories(ctx, memLimit)
		if err != nil {
			return dashboardMsg{counts: counts, reqLogs: reqLogs, recalls: recalls, err: err, duration: time.Since(start)}
		}

		return dashboardMsg{
			counts:   counts,
			reqLogs:  reqLogs,
			recalls:  recalls,
			memories: memories,
			duration: time.Since(start),
		}
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func (m model) appendLog(line string) model {
	if strings.TrimSpace(line) == "" {
		return m
	}
	entry := fmt.Sprintf("[%s] %s", time.Now().UTC().Format("15:04:05"), line)
	m.logLines = append(m.logLines, entry)
	if m.maxLogs <= 0 {
		m.maxLogs = 10
	}
	if len(m.logLines) > m.maxLogs {
		m.logLines = m.logLines[len(m.logLines)-m.maxLogs:]
	}
	return m
}

func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return d.String()
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return d.Round(10 * time.Millisecond).String()
}

func renderPane(title, body string, width, height int) string {
	style := lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(1, 2)
	if width > 0 {
		style = style.Width(width)
	}
	if height > 0 {
		style = style.Height(height)
	}
	return style.Render(title + "\n\n" + body)
}

func joinColumns(left, right string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, left, " ", right)
}

func formatRequestPane(rows []store.MCPRequestLog) string {
	if len(rows) == 0 {
		return "(no MCP requests yet)"
	}
	lines := make([]string, 0, len(rows))
	for _, row := range rows {
		method := strings.TrimSpace(row.Method)
		if row.ToolName != "" {
			method += ":" + strings.TrimSpace(row.ToolName)
		}
		status := "ok"
		if !row.Success {
			status = "err"
		}
		line := fmt.Sprintf(
			"[%s] %-3s %-24s %4dms",
			formatClock(row.CreatedAt),
			status,
			truncateText(method, 24),
			max(0, row.DurationMS),
		)
		if !row.Success && strings.TrimSpace(row.ErrorText) != "" {
			line += " " + truncateText(compactWhitespace(row.ErrorText), 52)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func formatRecentMemoriesPane(rows []store.RecentMemory) string {
	if len(rows) == 0 {
		return "(no memories yet)"
	}
	lines := make([]string, 0, len(rows))
	for _, row := range rows {
		status := "A"
		if row.Status == types.StatusRetired {
			status = "R"
		}
		line := fmt.Sprintf(
			"[%s] %s %s imp=%.2f hits=%-3d :: %s",
			formatClock(row.CreatedAt),
			status,
			shortID(row.ID),
			row.BaseImportance,
			row.AccessCount,
			truncateText(compactWhitespace(row.Content), 60),
		)
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func formatRecallsPane(rows []types.RecallEvent) string {
	if len(rows) == 0 {
		return "(no recalls yet)"
	}
	lines := make([]string, 0, len(rows))
	for _, row := range rows {
		top := "-"
		if len(row.Scores) > 0 {
			top = fmt.Sprintf("%.3f", row.Scores[0])
		}
		lines = append(lines, fmt.Sprintf(
			"[%s] %s n=%-3d top=%s %s",
			formatClock(row.CreatedAt),
			shortID(row.QueryID),
			len(row.ReturnedIDs),
			top,
			formatDuration(row.Latency),
		))
	}
	return strings.Join(lines, "\n")
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func formatClock(t time.Time) string {
	if t.IsZero() {
		return "--:--:--"
	}
	return t.UTC().Format("15:04:05")
}

func truncateText(s string, limit int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	if limit <= 3 {
		return string(r[:limit])
	}
	return string(r[:limit-3]) + "..."
}

func compactWhitespace(s string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(s)), " ")
}
