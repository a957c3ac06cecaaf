package tui

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"scopeflow/internal/apiclient"
	"scopeflow/internal/gateway"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
)

const pad = 2 // horizontal padding on each side

var (
	frameStyle    = lipgloss.NewStyle().Padding(1, pad)
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("46"))
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("37"))
	selectedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("46"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
	labelStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	phaseStyle    = map[string]lipgloss.Style{
		"scoping":   lipgloss.NewStyle().Foreground(lipgloss.Color("33")),
		"blocked":   lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		"executing": lipgloss.NewStyle().Foreground(lipgloss.Color("33")),
		"completed": lipgloss.NewStyle().Foreground(lipgloss.Color("46")),
		"cancelled": lipgloss.NewStyle().Foreground(lipgloss.Color("246")),
		"unknown":   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
)

// Model is the BubbleTea model for the session dashboard.
//
// Navigation depth:
//
//	selected == nil → Level 1 (active session board)
//	selected != nil → Level 2 (session detail, scrollable)
type Model struct {
	client *apiclient.Client

	// Level 1: active session board
	sessions []apiclient.ActiveSessionView
	cursor   int

	// Level 2: session detail
	selected     *gateway.SessionView
	detailRepo   string
	detailTitle  string
	lines        []string
	scrollOffset int

	// Confirmation prompt and action feedback
	confirmAction string // "cancel" or "" (none)
	confirmID     string
	actionErr     error

	err    error
	width  int
	height int
}

func NewModel(client *apiclient.Client) Model {
	return Model{client: client}
}

type sessionsMsg []apiclient.ActiveSessionView
type sessionMsg struct {
	id   string
	sess gateway.SessionView
}
type actionResultMsg struct {
	action string
	err    error
}
type errMsg error

func (m Model) Init() tea.Cmd { return m.fetchSessions }

func (m Model) fetchSessions() tea.Msg {
	active, err := m.client.ListActive(context.Background())
	if err != nil {
		return errMsg(err)
	}
	return sessionsMsg(active)
}

// fetchSession polls one session through the daemon, which refreshes it
// from the agent service and evaluates the pull request trigger.
func (m Model) fetchSession() tea.Msg {
	row := m.sessions[m.cursor]
	sess, err := m.client.Poll(context.Background(), row.ID)
	if err != nil {
		return errMsg(err)
	}
	return sessionMsg{id: row.ID, sess: sess}
}

// refreshSelected re-polls the currently open session.
func (m Model) refreshSelected() tea.Msg {
	id := m.selected.ID
	sess, err := m.client.Poll(context.Background(), id)
	if err != nil {
		return errMsg(err)
	}
	return sessionMsg{id: id, sess: sess}
}

func (m Model) executeCancel() tea.Msg {
	if err := m.client.Cancel(context.Background(), m.confirmID); err != nil {
		return actionResultMsg{action: "cancel", err: err}
	}
	return actionResultMsg{action: "cancel"}
}

// openInBrowser opens the agent session URL in the default browser.
func (m Model) openInBrowser() tea.Msg {
	openURL(m.selected.AgentURL)
	return nil
}

// openURL opens a URL in the default browser across platforms.
func openURL(url string) {
	if url == "" {
		return
	}
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("cmd", "/c", "start", url)
	default: // linux, freebsd, etc.
		cmd = exec.Command("xdg-open", url)
	}
	_ = cmd.Start()
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		if m.selected != nil {
			m.lines = renderMarkdown(SessionMarkdown(*m.selected, m.detailRepo, m.detailTitle), m.cw())
		}
	case sessionsMsg:
		m.sessions = msg
		if m.cursor >= len(m.sessions) && m.cursor > 0 {
			m.cursor = len(m.sessions) - 1
		}
		m.err = nil
	case sessionMsg:
		// Discard stale response if user navigated away.
		if m.selected != nil && m.selected.ID != msg.id {
			break
		}
		sess := msg.sess
		if m.selected == nil {
			if m.cursor < len(m.sessions) {
				m.detailRepo = m.sessions[m.cursor].Repo
				m.detailTitle = m.sessions[m.cursor].IssueTitle
			}
		}
		m.selected = &sess
		m.scrollOffset = 0
		m.lines = renderMarkdown(SessionMarkdown(sess, m.detailRepo, m.detailTitle), m.cw())
		m.err = nil
	case actionResultMsg:
		m.confirmAction = ""
		m.confirmID = ""
		if msg.err != nil {
			// Non-fatal: show error inline.
			m.actionErr = msg.err
		} else {
			m.actionErr = nil
			m.selected = nil
			m.lines = nil
			m.scrollOffset = 0
			return m, m.fetchSessions
		}
	case errMsg:
		m.err = msg
	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

// SessionMarkdown assembles a markdown summary of a session from its
// latest structured output. The detail pane renders it, and the CLI's
// `sessions show` shares it.
func SessionMarkdown(sess gateway.SessionView, repo, title string) string {
	var b strings.Builder
	if title != "" {
		fmt.Fprintf(&b, "# #%d %s\n\n", sess.IssueNumber, title)
	} else {
		fmt.Fprintf(&b, "# Issue #%d\n\n", sess.IssueNumber)
	}
	if repo != "" {
		fmt.Fprintf(&b, "**Repo:** %s\n\n", repo)
	}

	out := sess.Output
	if out == nil {
		b.WriteString("_No structured output yet._\n")
		return b.String()
	}

	fmt.Fprintf(&b, "**Progress:** %d%%", out.ProgressPct)
	if out.Confidence != "" {
		fmt.Fprintf(&b, "  **Confidence:** %s", out.Confidence)
	}
	if out.EstimatedHours > 0 {
		fmt.Fprintf(&b, "  **Estimate:** %.1fh", out.EstimatedHours)
	}
	b.WriteString("\n\n")

	if out.Summary != "" {
		fmt.Fprintf(&b, "## Summary\n\n%s\n\n", out.Summary)
	}
	if len(out.ActionPlan) > 0 {
		b.WriteString("## Plan\n\n")
		for _, step := range out.ActionPlan {
			mark := " "
			if step.Done {
				mark = "x"
			}
			fmt.Fprintf(&b, "- [%s] %s\n", mark, step.Desc)
		}
		b.WriteString("\n")
	}
	if len(out.Risks) > 0 {
		b.WriteString("## Risks\n\n")
		for _, r := range out.Risks {
			fmt.Fprintf(&b, "- %s\n", r)
		}
		b.WriteString("\n")
	}
	if len(out.Dependencies) > 0 {
		b.WriteString("## Dependencies\n\n")
		for _, d := range out.Dependencies {
			fmt.Fprintf(&b, "- %s\n", d)
		}
		b.WriteString("\n")
	}
	if out.PRURL != "" {
		fmt.Fprintf(&b, "**Pull request:** %s\n", out.PRURL)
	}
	return b.String()
}

// renderMarkdown renders text as terminal-styled markdown via glamour.
// Falls back to plain text splitting on error.
func renderMarkdown(text string, width int) []string {
	if width < 40 {
		width = 76
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("dark"),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return strings.Split(text, "\n")
	}
	rendered, err := r.Render(text)
	if err != nil {
		return strings.Split(text, "\n")
	}
	// Trim trailing newlines that glamour adds.
	rendered = strings.TrimRight(rendered, "\n")
	return strings.Split(rendered, "\n")
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()
	switch key {
	case "q", "ctrl+c":
		return m, tea.Quit
	}

	// Confirmation prompt active.
	if m.confirmAction != "" {
		switch key {
		case "y":
			return m, m.executeCancel
		case "n", "esc":
			m.confirmAction = ""
			m.confirmID = ""
		}
		return m, nil
	}

	if m.selected != nil {
		return m.handleKeyDetail(key)
	}
	return m.handleKeyBoard(key)
}

func (m Model) handleKeyBoard(key string) (tea.Model, tea.Cmd) {
	switch key {
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.sessions)-1 {
			m.cursor++
		}
	case "enter":
		if m.cursor < len(m.sessions) {
			return m, m.fetchSession
		}
	case "c":
		if m.cursor < len(m.sessions) {
			m.confirmAction = "cancel"
			m.confirmID = m.sessions[m.cursor].ID
			m.actionErr = nil
		}
	case "r":
		return m, m.fetchSessions
	}
	return m, nil
}

func (m Model) handleKeyDetail(key string) (tea.Model, tea.Cmd) {
	avail := m.scrollHeight()
	switch key {
	case "up", "k":
		if m.scrollOffset > 0 {
			m.scrollOffset--
		}
	case "down", "j":
		if m.scrollOffset < maxOffset(m.lines, avail) {
			m.scrollOffset++
		}
	case "u":
		m.scrollOffset -= avail / 2
		if m.scrollOffset < 0 {
			m.scrollOffset = 0
		}
	case "d":
		m.scrollOffset += avail / 2
		if m.scrollOffset > maxOffset(m.lines, avail) {
			m.scrollOffset = maxOffset(m.lines, avail)
		}
	case "b":
		if m.selected.AgentURL != "" {
			return m, m.openInBrowser
		}
	case "c":
		m.confirmAction = "cancel"
		m.confirmID = m.selected.ID
		m.actionErr = nil
	case "r":
		return m, m.refreshSelected
	case "esc":
		m.selected = nil
		m.lines = nil
		m.scrollOffset = 0
		m.actionErr = nil
		return m, m.fetchSessions
	}
	return m, nil
}

func maxOffset(lines []string, avail int) int {
	n := len(lines) - avail
	if n < 0 {
		return 0
	}
	return n
}

func (m Model) View() string {
	var content string
	if m.err != nil {
		content = fmt.Sprintf("Error: %v\n\nIs the daemon running? Start it with 'scopeflow serve'.\n\nPress q to quit.", m.err)
	} else if m.selected != nil {
		content = m.detailView()
	} else {
		content = m.boardView()
	}
	return frameStyle.Render(content)
}

func (m Model) boardView() string {
	var b strings.Builder
	w := m.cw()

	b.WriteString(titleStyle.Render("SCOPEFLOW"))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render(strings.Repeat("─", w)))
	b.WriteString("\n\n")

	// Phase counters.
	counts := m.phaseCounts()
	b.WriteString(fmt.Sprintf("  %s %d   %s %d   %s %d   %s %d\n",
		phaseStyle["scoping"].Render("scoping"), counts["scoping"],
		phaseStyle["blocked"].Render("blocked"), counts["blocked"],
		phaseStyle["executing"].Render("executing"), counts["executing"],
		labelStyle.Render("unknown"), counts["unknown"],
	))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render(strings.Repeat("─", w)))
	b.WriteString("\n")

	const (
		colSession  = 10
		colPhase    = 11
		colProgress = 10
		colRepo     = 24
		colIssue    = 8
		colTitle    = 40
	)

	if len(m.sessions) == 0 {
		b.WriteString(dimStyle.Render("No active sessions. Start one with 'scopeflow sessions scope'."))
		b.WriteString("\n")
	} else {
		header := "  " +
			headerStyle.Render(padRight("SESSION", colSession)) +
			headerStyle.Render(padRight("PHASE", colPhase)) +
			headerStyle.Render(padRight("PROGRESS", colProgress)) +
			headerStyle.Render(padRight("REPO", colRepo)) +
			headerStyle.Render(padRight("ISSUE", colIssue)) +
			headerStyle.Render(padRight("TITLE", colTitle)) +
			headerStyle.Render("UPDATED")
		b.WriteString(header)
		b.WriteString("\n")

		for i, s := range m.sessions {
			cursor := "  "
			if i == m.cursor {
				cursor = "> "
			}

			st, ok := phaseStyle[s.Phase]
			if !ok {
				st = dimStyle
			}

			progress := "-"
			if s.Output != nil {
				progress = fmt.Sprintf("%d%%", s.Output.ProgressPct)
			}

			line := cursor +
				padRight(shortID(s.ID), colSession) +
				st.Render(padRight(s.Phase, colPhase)) +
				padRight(progress, colProgress) +
				padRight(truncate(s.Repo, colRepo-1), colRepo) +
				padRight(fmt.Sprintf("#%d", s.IssueNumber), colIssue) +
				padRight(truncate(s.IssueTitle, colTitle-1), colTitle) +
				dimStyle.Render(s.LastAccessed.Format("15:04:05"))

			if i == m.cursor {
				line = selectedStyle.Render(line)
			}
			b.WriteString(line)
			b.WriteString("\n")
		}
	}

	if m.actionErr != nil {
		b.WriteString(errStyle.Render(fmt.Sprintf("Action failed: %v", m.actionErr)))
		b.WriteString("\n")
	}

	b.WriteString(dimStyle.Render(strings.Repeat("─", w)))
	b.WriteString("\n")
	if m.confirmAction == "cancel" {
		b.WriteString(fmt.Sprintf("Cancel session %s? (y/n)", shortID(m.confirmID)))
	} else {
		b.WriteString(dimStyle.Render("j/k navigate  enter details  c cancel  r refresh  q quit"))
	}
	return b.String()
}

func (m Model) detailView() string {
	var b strings.Builder
	w := m.cw()
	sess := m.selected

	st, ok := phaseStyle[sess.Phase]
	if !ok {
		st = dimStyle
	}

	b.WriteString(titleStyle.Render("SESSION"))
	b.WriteString(dimStyle.Render("  " + sess.ID))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render(strings.Repeat("─", w)))
	b.WriteString("\n")

	kv := func(k, v string) {
		b.WriteString(fmt.Sprintf("%s %s\n", headerStyle.Render(fmt.Sprintf("%-9s", k)), v))
	}
	kv("Phase", st.Render(sess.Phase))
	if m.detailRepo != "" {
		kv("Repo", m.detailRepo)
	}
	kv("Issue", fmt.Sprintf("#%d", sess.IssueNumber))
	if sess.AgentURL != "" {
		kv("Agent", sess.AgentURL)
	}
	kv("Updated", sess.LastAccessed.Format("2006-01-02 15:04:05"))
	if m.actionErr != nil {
		b.WriteString(errStyle.Render(fmt.Sprintf("Action failed: %v", m.actionErr)))
		b.WriteString("\n")
	}
	b.WriteString(dimStyle.Render(strings.Repeat("─", w)))
	b.WriteString("\n")

	avail := m.scrollHeight()
	start, end := scrollWindow(m.lines, m.scrollOffset, avail)
	for _, line := range m.lines[start:end] {
		b.WriteString(line)
		b.WriteString("\n")
	}

	b.WriteString(dimStyle.Render(strings.Repeat("─", w)))
	b.WriteString("\n")
	if m.confirmAction == "cancel" {
		b.WriteString(fmt.Sprintf("Cancel session %s? (y/n)", shortID(m.confirmID)))
	} else {
		footer := "j/k scroll  u/d half page  r poll  c cancel  esc back  q quit"
		if sess.AgentURL != "" {
			footer = "j/k scroll  u/d half page  r poll  b browser  c cancel  esc back  q quit"
		}
		b.WriteString(dimStyle.Render(footer + scrollPercent(m.lines, m.scrollOffset, avail)))
	}
	return b.String()
}

// cw returns content width (terminal width minus frame padding).
func (m Model) cw() int {
	w := m.width - pad*2
	if w < 40 {
		w = 76 // sensible default before first WindowSizeMsg
	}
	return w
}

func (m Model) scrollHeight() int {
	// Reserve lines for chrome: frame padding(2) + title(1) + separators(3) + metadata(~5) + footer(1).
	h := m.height - 12
	if h < 1 {
		h = 1
	}
	return h
}

func (m Model) phaseCounts() map[string]int {
	counts := make(map[string]int)
	for _, s := range m.sessions {
		counts[s.Phase]++
	}
	return counts
}

func scrollWindow(lines []string, offset, avail int) (int, int) {
	if avail < 1 {
		avail = 1
	}
	start := offset
	if start > len(lines) {
		start = len(lines)
	}
	end := start + avail
	if end > len(lines) {
		end = len(lines)
	}
	return start, end
}

func scrollPercent(lines []string, offset, avail int) string {
	if len(lines) <= avail {
		return ""
	}
	mx := len(lines) - avail
	if mx <= 0 {
		return ""
	}
	return fmt.Sprintf("  [%d%%]", offset*100/mx)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// padRight pads a plain string to n characters with spaces.
func padRight(s string, n int) string {
	if len(s) >= n {
		return s
	}
	return s + strings.Repeat(" ", n-len(s))
}
