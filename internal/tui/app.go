package tui

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fsnotify/fsnotify"

	"github.com/mpataki/forge/internal/models"
)

type View int

const (
	ViewRun View = iota
	ViewStderr
	ViewFiles
)

// Source is where the viewer reads the run from.
type Source interface {
	Load() (models.RunRecord, error)
	History(runID string) (*History, error)
}

// History is everything the run history store knows about one run.
type History struct {
	Transitions []*models.Transition
	Attempts    []*models.Attempt
	Writes      []*models.FileWrite
}

type App struct {
	source  Source
	watcher *fsnotify.Watcher

	view    View
	record  *models.RunRecord
	history *History
	stderr  viewport.Model

	width  int
	height int
	err    error
}

// NewApp builds the viewer. watcher may be nil, in which case the view is
// refreshed on a timer only.
func NewApp(source Source, watcher *fsnotify.Watcher) *App {
	return &App{
		source:  source,
		watcher: watcher,
		view:    ViewRun,
		stderr:  viewport.New(80, 20),
	}
}

// WatchRecordDir returns a watcher on the directory holding the run record.
// Watching the directory rather than the file survives the rename that
// replaces the record on every write.
func WatchRecordDir(dir string) (*fsnotify.Watcher, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}
	return w, nil
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.loadRecord, a.tickCmd(), a.waitForChange())
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// waitForChange blocks until the record file changes.
func (a *App) waitForChange() tea.Cmd {
	if a.watcher == nil {
		return nil
	}
	w := a.watcher
	return func() tea.Msg {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return nil
				}
				if filepath.Base(ev.Name) == "run.json" && ev.Has(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) {
					return recordChangedMsg{}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return nil
				}
				return watchErrorMsg{err: err}
			}
		}
	}
}

func (a *App) isActive() bool {
	return a.record == nil || !a.record.State.IsTerminal()
}

type tickMsg time.Time

type recordChangedMsg struct{}

type watchErrorMsg struct {
	err error
}

type recordLoadedMsg struct {
	record  *models.RunRecord
	history *History
	err     error
}

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.stderr.Width = msg.Width
		a.stderr.Height = max(msg.Height-4, 1)
		return a, nil

	case recordLoadedMsg:
		a.err = msg.err
		if msg.err == nil {
			a.record = msg.record
			a.history = msg.history
			a.stderr.SetContent(a.stderrContent())
		}
		return a, nil

	case recordChangedMsg:
		return a, tea.Batch(a.loadRecord, a.waitForChange())

	case watchErrorMsg:
		a.err = msg.err
		return a, a.waitForChange()

	case tickMsg:
		// History rows land after the record write, so keep polling while
		// the run is live.
		if a.isActive() {
			return a, tea.Batch(a.loadRecord, a.tickCmd())
		}
		return a, a.tickCmd()
	}

	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return a, tea.Quit
	}

	switch a.view {
	case ViewRun:
		return a.handleRunKey(msg)
	case ViewStderr:
		return a.handleStderrKey(msg)
	case ViewFiles:
		return a.handleFilesKey(msg)
	}
	return a, nil
}

func (a *App) handleRunKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q":
		return a, tea.Quit
	case "r":
		return a, a.loadRecord
	case "e":
		a.view = ViewStderr
		a.stderr.GotoBottom()
	case "f":
		a.view = ViewFiles
	}
	return a, nil
}

func (a *App) handleStderrKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewRun
		return a, nil
	}
	var cmd tea.Cmd
	a.stderr, cmd = a.stderr.Update(msg)
	return a, cmd
}

func (a *App) handleFilesKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewRun
	}
	return a, nil
}

func (a *App) View() string {
	switch a.view {
	case ViewRun:
		return a.viewRun()
	case ViewStderr:
		return a.viewStderr()
	case ViewFiles:
		return a.viewFiles()
	}
	return ""
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	statusRunning  = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusComplete = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailed   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusPending  = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
)

func (a *App) viewRun() string {
	s := titleStyle.Render("Forge") + "\n\n"

	if a.err != nil {
		s += statusFailed.Render(fmt.Sprintf("Error: %v", a.err)) + "\n\n"
	}

	if a.record == nil {
		s += "No run yet. Start one with 'forge run --spec <file>'.\n"
		s += "\n" + helpStyle.Render("[r] refresh  [q] quit")
		return s
	}

	rec := a.record
	s += fmt.Sprintf("Run %s  %s\n\n", rec.RunID, formatState(rec.State))

	s += labelStyle.Render("Spec:     ") + dimStyle.Render(rec.SpecReference) + "\n"
	s += labelStyle.Render("Retries:  ") + fmt.Sprintf("%d/%d", rec.RetryCount, rec.MaxRetries) + "\n"
	if rec.LastTestExitCode != nil {
		s += labelStyle.Render("Last test: ") + formatExitCode(*rec.LastTestExitCode) + "\n"
	}
	s += labelStyle.Render("Updated:  ") + dimStyle.Render(formatAge(rec.UpdatedAt)+" ago") + "\n"
	if rec.StopReason != nil {
		s += labelStyle.Render("Stopped:  ") + rec.StopReason.Describe() + "\n"
	}
	if rec.LastError != nil {
		s += labelStyle.Render("Error:    ") + statusFailed.Render(truncate(*rec.LastError, 200)) + "\n"
	}

	s += "\nTransitions\n"
	s += "───────────\n"
	if a.history == nil || len(a.history.Transitions) == 0 {
		s += dimStyle.Render("(no history recorded)") + "\n"
	} else {
		for _, t := range a.history.Transitions {
			s += fmt.Sprintf("  %s  %-10s → %s  %s\n",
				dimStyle.Render(t.At.Local().Format("15:04:05")),
				t.From, formatState(t.To),
				dimStyle.Render(fmt.Sprintf("retry %d", t.RetryCount)))
		}
	}

	if a.history != nil && len(a.history.Attempts) > 0 {
		s += "\nTest attempts\n"
		s += "─────────────\n"
		for _, at := range a.history.Attempts {
			line := fmt.Sprintf("  %d. %s  %6s", at.Attempt, formatExitCode(at.ExitCode), formatDuration(at.Duration))
			if at.TimedOut {
				line += "  " + statusFailed.Render("timed out")
			}
			s += line + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[e] stderr  [f] files  [r] refresh  [q] quit")
	return s
}

func (a *App) viewStderr() string {
	s := titleStyle.Render("Last test stderr") + "\n\n"
	s += a.stderr.View() + "\n"
	s += helpStyle.Render("[↑/↓] scroll  [esc] back")
	return s
}

func (a *App) stderrContent() string {
	if a.record == nil || a.record.LastTestStderr == nil || *a.record.LastTestStderr == "" {
		return "(no output)"
	}
	return *a.record.LastTestStderr
}

func (a *App) viewFiles() string {
	s := titleStyle.Render("Files written") + "\n\n"

	if a.history == nil || len(a.history.Writes) == 0 {
		s += "(no files written yet)\n"
	} else {
		for _, w := range a.history.Writes {
			s += fmt.Sprintf("  %-10s %-40s %s\n", w.Phase, truncate(w.Path, 40), dimStyle.Render(fmt.Sprintf("%dB", w.Bytes)))
		}
	}

	s += "\n" + helpStyle.Render("[esc] back")
	return s
}

// Commands

func (a *App) loadRecord() tea.Msg {
	rec, err := a.source.Load()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return recordLoadedMsg{}
		}
		return recordLoadedMsg{err: err}
	}

	history, err := a.source.History(rec.RunID)
	if err != nil {
		// The record is authoritative; show it without history
		return recordLoadedMsg{record: &rec}
	}
	return recordLoadedMsg{record: &rec, history: history}
}

func formatState(s models.State) string {
	switch s {
	case models.StateSuccess:
		return statusComplete.Render("✓ " + string(s))
	case models.StateFailed:
		return statusFailed.Render("✗ " + string(s))
	case models.StateInit:
		return statusPending.Render("○ " + string(s))
	default:
		return statusRunning.Render("● " + string(s))
	}
}

func formatExitCode(code int) string {
	switch {
	case code == 0:
		return dimStyle.Render("exit:0")
	case code < 0:
		return statusFailed.Render("killed")
	default:
		return statusFailed.Render(fmt.Sprintf("exit:%d", code))
	}
}

func formatAge(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		days := int(d.Hours() / 24)
		return fmt.Sprintf("%dd", days)
	}
}

func truncate(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh%dm", h, m)
}
