// Package tui provides the live run monitor of trainctl.
package tui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/trainctl/internal/events"
	"github.com/fentz26/trainctl/internal/runner"
)

var (
	// Colors
	primaryColor = lipgloss.Color("#7C3AED")
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")
	fgColor      = lipgloss.Color("#F9FAFB")
	cyanColor    = lipgloss.Color("#06B6D4")

	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	itemStyle = lipgloss.NewStyle().
			Padding(0, 2)

	selectedStyle = lipgloss.NewStyle().
			Background(primaryColor).
			Foreground(fgColor).
			Bold(true).
			Padding(0, 2)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(0, 1)
)

// maxLogLines bounds the log pane.
const maxLogLines = 500

// App is the TUI model. It lists active runs and monitors one run's events.
type App struct {
	client *Client
	mode   string // "list", "monitor"

	runs        []runner.RunInfo
	selectedIdx int

	runID    string
	state    string
	errText  string
	device   string
	current  int
	total    int
	metrics  map[string]events.Metric
	logs     []string
	stream   chan tea.Msg
	stopFeed context.CancelFunc

	progress progress.Model
	spinner  spinner.Model
	viewport viewport.Model
	width    int
	height   int
	message  string
}

// New creates the TUI. A non-empty runID opens that run's monitor directly.
func New(apiAddr, runID string) *App {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(cyanColor)

	a := &App{
		client:   NewClient(apiAddr),
		mode:     "list",
		progress: progress.New(progress.WithDefaultGradient()),
		spinner:  sp,
		viewport: viewport.New(80, 15),
		metrics:  make(map[string]events.Metric),
	}
	if runID != "" {
		a.mode = "monitor"
		a.runID = runID
	}
	return a
}

// Run starts the TUI application.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	if a.stopFeed != nil {
		a.stopFeed()
	}
	return err
}

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	if a.mode == "monitor" {
		return tea.Batch(a.spinner.Tick, a.follow(a.runID))
	}
	return tea.Batch(a.spinner.Tick, a.fetchRuns())
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return a, tea.Quit

		case "esc":
			if a.mode == "monitor" {
				a.leaveMonitor()
				return a, a.fetchRuns()
			}

		case "up", "k":
			if a.mode == "list" && a.selectedIdx > 0 {
				a.selectedIdx--
			}

		case "down", "j":
			if a.mode == "list" && a.selectedIdx < len(a.runs)-1 {
				a.selectedIdx++
			}

		case "enter":
			if a.mode == "list" && len(a.runs) > 0 {
				a.enterMonitor(a.runs[a.selectedIdx].RunID)
				return a, a.follow(a.runID)
			}

		case "r":
			if a.mode == "list" {
				return a, a.fetchRuns()
			}

		case "c":
			if a.mode == "monitor" && !a.finished() {
				return a, a.cancelRun(a.runID)
			}
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.progress.Width = max(10, msg.Width-20)
		a.viewport.Width = msg.Width - 4
		a.viewport.Height = max(3, msg.Height-14)

	case runsLoadedMsg:
		a.runs = msg.runs
		if a.selectedIdx >= len(a.runs) {
			a.selectedIdx = max(0, len(a.runs)-1)
		}
		if a.mode == "list" {
			cmds = append(cmds, a.tickCmd())
		}

	case tickMsg:
		if a.mode == "list" {
			return a, a.fetchRuns()
		}

	case eventMsg:
		if msg.env.RunID == a.runID {
			a.apply(msg.env)
		}
		cmds = append(cmds, waitFor(a.stream))

	case streamEndMsg:
		if msg.err != nil {
			a.message = "Stream error: " + msg.err.Error()
		}

	case commandResultMsg:
		a.message = msg.message

	case errMsg:
		a.message = "Error: " + msg.err.Error()

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		cmds = append(cmds, cmd)
	}

	var cmd tea.Cmd
	a.viewport, cmd = a.viewport.Update(msg)
	cmds = append(cmds, cmd)

	return a, tea.Batch(cmds...)
}

// apply folds one event into the monitor state.
func (a *App) apply(env events.Envelope) {
	switch ev := env.Event.(type) {
	case events.Log:
		a.appendLog(fmt.Sprintf("%s %s", formatLevel(ev.Level), ev.Message))
	case events.Metric:
		a.metrics[ev.Key] = ev
	case events.Progress:
		a.current, a.total = ev.Current, ev.Total
	case events.Device:
		a.device = ev.Name
	case events.Artifact:
		a.appendLog(fmt.Sprintf("%s %s %s", lipgloss.NewStyle().Foreground(cyanColor).Render("ARTIFACT"), ev.ArtifactKind, ev.Path))
	case events.Status:
		// Trainer-reported statuses are informational.
		if env.Source != events.SourceSupervisor {
			return
		}
		a.state = ev.State
		a.errText = ev.ErrorMessage()
	}
}

func (a *App) appendLog(line string) {
	a.logs = append(a.logs, line)
	if len(a.logs) > maxLogLines {
		a.logs = a.logs[len(a.logs)-maxLogLines:]
	}
	atBottom := a.viewport.AtBottom()
	a.viewport.SetContent(strings.Join(a.logs, "\n"))
	if atBottom {
		a.viewport.GotoBottom()
	}
}

func (a *App) finished() bool {
	switch a.state {
	case events.StateSucceeded, events.StateFailed, events.StateCancelled:
		return true
	}
	return false
}

func (a *App) enterMonitor(runID string) {
	a.mode = "monitor"
	a.runID = runID
	a.state, a.errText, a.device = "", "", ""
	a.current, a.total = 0, 0
	a.metrics = make(map[string]events.Metric)
	a.logs = nil
	a.viewport.SetContent("")
	a.message = ""
}

func (a *App) leaveMonitor() {
	if a.stopFeed != nil {
		a.stopFeed()
		a.stopFeed = nil
	}
	a.mode = "list"
	a.stream = nil
}

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("trainctl") + "\n\n")
	if a.mode == "monitor" {
		b.WriteString(a.renderMonitor())
	} else {
		b.WriteString(a.renderRunList())
	}

	if a.message != "" {
		style := lipgloss.NewStyle().Foreground(successColor)
		if strings.HasPrefix(a.message, "Error") || strings.HasPrefix(a.message, "Stream error") {
			style = lipgloss.NewStyle().Foreground(errorColor)
		}
		b.WriteString("\n" + style.Render(a.message) + "\n")
	}

	help := "↑/↓ select • enter monitor • r refresh • q quit"
	if a.mode == "monitor" {
		help = "c cancel • esc back • q quit"
	}
	b.WriteString("\n" + helpStyle.Render(help))
	return b.String()
}

func (a *App) renderRunList() string {
	var b strings.Builder
	b.WriteString(statusBarStyle.Render(fmt.Sprintf("%d active runs", len(a.runs))) + "\n\n")
	if len(a.runs) == 0 {
		b.WriteString(itemStyle.Render(helpStyle.Render("No active runs")) + "\n")
		return b.String()
	}
	for i, r := range a.runs {
		line := fmt.Sprintf("%-36s  %-7s  %s  %s", r.RunID, r.Backend, formatState(string(r.State)), r.StartedAt.Local().Format(time.Kitchen))
		if i == a.selectedIdx {
			b.WriteString(selectedStyle.Render(line) + "\n")
		} else {
			b.WriteString(itemStyle.Render(line) + "\n")
		}
	}
	return b.String()
}

func (a *App) renderMonitor() string {
	var b strings.Builder

	state := a.state
	if state == "" {
		state = "PENDING"
	}
	header := fmt.Sprintf("Run %s  %s", a.runID, formatState(state))
	if !a.finished() {
		header = a.spinner.View() + " " + header
	}
	if a.device != "" {
		header += "  " + lipgloss.NewStyle().Foreground(cyanColor).Render(a.device)
	}
	b.WriteString(statusBarStyle.Render(header) + "\n\n")

	if a.total > 0 {
		pct := float64(a.current) / float64(a.total)
		b.WriteString("  " + a.progress.ViewAs(pct) + fmt.Sprintf("  %d/%d\n\n", a.current, a.total))
	}

	if len(a.metrics) > 0 {
		keys := make([]string, 0, len(a.metrics))
		for k := range a.metrics {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var rows []string
		for _, k := range keys {
			m := a.metrics[k]
			rows = append(rows, fmt.Sprintf("%-16s %12.6g  step %d", k, m.Value, m.Step))
		}
		b.WriteString(panelStyle.Render(strings.Join(rows, "\n")) + "\n")
	}

	if a.errText != "" {
		b.WriteString(lipgloss.NewStyle().Foreground(errorColor).Render("  "+a.errText) + "\n")
	}

	b.WriteString(panelStyle.Render(a.viewport.View()) + "\n")
	return b.String()
}

func formatState(state string) string {
	switch strings.ToUpper(state) {
	case "PENDING":
		return lipgloss.NewStyle().Foreground(warningColor).Render("○ PENDING")
	case "RUNNING":
		return lipgloss.NewStyle().Foreground(primaryColor).Render("◑ RUNNING")
	case "SUCCEEDED":
		return lipgloss.NewStyle().Foreground(successColor).Render("● SUCCEEDED")
	case "FAILED":
		return lipgloss.NewStyle().Foreground(errorColor).Render("✗ FAILED")
	case "CANCELLED":
		return lipgloss.NewStyle().Foreground(mutedColor).Render("⊘ CANCELLED")
	}
	return state
}

func formatLevel(level string) string {
	switch level {
	case events.LevelError:
		return lipgloss.NewStyle().Foreground(errorColor).Render("ERROR")
	case events.LevelWarn:
		return lipgloss.NewStyle().Foreground(warningColor).Render("WARN ")
	case events.LevelDebug:
		return lipgloss.NewStyle().Foreground(mutedColor).Render("DEBUG")
	}
	return lipgloss.NewStyle().Foreground(cyanColor).Render("INFO ")
}

// --- Commands ---

type runsLoadedMsg struct {
	runs []runner.RunInfo
}

type eventMsg struct {
	env events.Envelope
}

type streamEndMsg struct {
	err error
}

type commandResultMsg struct {
	message string
}

type errMsg struct {
	err error
}

type tickMsg time.Time

func (a *App) fetchRuns() tea.Cmd {
	return func() tea.Msg {
		runs, err := a.client.ListActive()
		if err != nil {
			return errMsg{err}
		}
		return runsLoadedMsg{runs}
	}
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (a *App) cancelRun(runID string) tea.Cmd {
	return func() tea.Msg {
		if err := a.client.CancelRun(runID); err != nil {
			return errMsg{err}
		}
		return commandResultMsg{"Cancellation requested for " + runID}
	}
}

// follow starts streaming runID's events into a channel drained by waitFor.
func (a *App) follow(runID string) tea.Cmd {
	if a.stopFeed != nil {
		a.stopFeed()
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.stopFeed = cancel

	ch := make(chan tea.Msg, 64)
	a.stream = ch
	go func() {
		defer close(ch)
		err := a.client.StreamEvents(ctx, runID, func(env events.Envelope) {
			select {
			case ch <- eventMsg{env}:
			case <-ctx.Done():
			}
		})
		if ctx.Err() != nil {
			return
		}
		ch <- streamEndMsg{err}
	}()
	return waitFor(ch)
}

func waitFor(ch <-chan tea.Msg) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return nil
		}
		return msg
	}
}
