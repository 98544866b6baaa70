package tui

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/forge/internal/models"
)

type fakeSource struct {
	rec        models.RunRecord
	loadErr    error
	history    *History
	historyErr error
}

func (f *fakeSource) Load() (models.RunRecord, error) {
	return f.rec, f.loadErr
}

func (f *fakeSource) History(runID string) (*History, error) {
	return f.history, f.historyErr
}

func key(s string) tea.KeyMsg {
	switch s {
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	case "ctrl+c":
		return tea.KeyMsg{Type: tea.KeyCtrlC}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func failedRecord() models.RunRecord {
	code := 1
	stderr := "FAILED test_add - assert 3 == 4"
	reason := models.StopRetriesExhausted
	now := time.Now().UTC()
	return models.RunRecord{
		RunID:            "6f1c2d3e-4b5a-4c6d-8e7f-901234567890",
		SpecReference:    "/tmp/specs/calc.yaml",
		State:            models.StateFailed,
		RetryCount:       2,
		MaxRetries:       2,
		LastTestExitCode: &code,
		LastTestStderr:   &stderr,
		StopReason:       &reason,
		CreatedAt:        now.Add(-time.Minute),
		UpdatedAt:        now,
	}
}

func load(t *testing.T, a *App) {
	t.Helper()
	_, cmd := a.Update(a.loadRecord())
	assert.Nil(t, cmd)
}

func TestView_NoRecord(t *testing.T) {
	a := NewApp(&fakeSource{loadErr: fmt.Errorf("load record: %w", os.ErrNotExist)}, nil)
	load(t, a)

	assert.Nil(t, a.err)
	assert.Contains(t, a.View(), "No run yet")
}

func TestView_LoadErrorIsShown(t *testing.T) {
	a := NewApp(&fakeSource{loadErr: errors.New("corrupt run state: bad json")}, nil)
	load(t, a)

	assert.Contains(t, a.View(), "corrupt run state")
}

func TestView_RunWithHistory(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	src := &fakeSource{
		rec: failedRecord(),
		history: &History{
			Transitions: []*models.Transition{
				{From: models.StateInit, To: models.StateGenerating, At: at},
				{From: models.StateGenerating, To: models.StateTesting, At: at},
			},
			Attempts: []*models.Attempt{
				{Attempt: 1, ExitCode: 1, Duration: 1500 * time.Millisecond},
				{Attempt: 2, ExitCode: -1, TimedOut: true, Duration: 5 * time.Second},
			},
		},
	}
	a := NewApp(src, nil)
	load(t, a)

	view := a.View()
	assert.Contains(t, view, src.rec.RunID)
	assert.Contains(t, view, "FAILED")
	assert.Contains(t, view, "2/2")
	assert.Contains(t, view, "exit:1")
	assert.Contains(t, view, "timed out")
	assert.Contains(t, view, "GENERATING")
	assert.Contains(t, view, models.StopRetriesExhausted.Describe())
}

func TestView_HistoryErrorStillShowsRecord(t *testing.T) {
	a := NewApp(&fakeSource{rec: failedRecord(), historyErr: errors.New("db locked")}, nil)
	load(t, a)

	view := a.View()
	assert.Nil(t, a.err)
	assert.Contains(t, view, "FAILED")
	assert.Contains(t, view, "no history recorded")
}

func TestKeys_StderrAndFilesViews(t *testing.T) {
	src := &fakeSource{
		rec: failedRecord(),
		history: &History{
			Writes: []*models.FileWrite{{Phase: models.StateGenerating, Path: "calc.py", Bytes: 120}},
		},
	}
	a := NewApp(src, nil)
	a.Update(tea.WindowSizeMsg{Width: 100, Height: 30})
	load(t, a)

	a.Update(key("e"))
	require.Equal(t, ViewStderr, a.view)
	assert.Contains(t, a.View(), "assert 3 == 4")

	a.Update(key("esc"))
	require.Equal(t, ViewRun, a.view)

	a.Update(key("f"))
	require.Equal(t, ViewFiles, a.view)
	assert.Contains(t, a.View(), "calc.py")
	assert.Contains(t, a.View(), "120B")

	a.Update(key("q"))
	assert.Equal(t, ViewRun, a.view)
}

func TestKeys_Quit(t *testing.T) {
	for _, k := range []string{"q", "ctrl+c"} {
		t.Run(k, func(t *testing.T) {
			a := NewApp(&fakeSource{rec: failedRecord()}, nil)
			_, cmd := a.Update(key(k))
			require.NotNil(t, cmd)
			assert.IsType(t, tea.QuitMsg{}, cmd())
		})
	}
}

func TestTick_StopsReloadingTerminalRun(t *testing.T) {
	a := NewApp(&fakeSource{rec: failedRecord()}, nil)
	assert.True(t, a.isActive())

	load(t, a)
	assert.False(t, a.isActive())

	rec := failedRecord()
	rec.State = models.StateTesting
	a.record = &rec
	assert.True(t, a.isActive())
}

func TestWaitForChange_NoWatcher(t *testing.T) {
	a := NewApp(&fakeSource{}, nil)
	assert.Nil(t, a.waitForChange())
}

func TestWaitForChange_RecordWrite(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	w, err := WatchRecordDir(dir)
	require.NoError(t, err)
	defer w.Close()

	a := NewApp(&fakeSource{}, w)
	cmd := a.waitForChange()
	require.NotNil(t, cmd)

	got := make(chan tea.Msg, 1)
	go func() { got <- cmd() }()

	// Unrelated files do not wake the viewer.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "history.db"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "run.json"), []byte("{}"), 0644))

	select {
	case msg := <-got:
		assert.IsType(t, recordChangedMsg{}, msg)
	case <-time.After(5 * time.Second):
		t.Fatal("no change notification")
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{250 * time.Millisecond, "250ms"},
		{42 * time.Second, "42s"},
		{3*time.Minute + 7*time.Second, "3m7s"},
		{2*time.Hour + 5*time.Minute, "2h5m"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatDuration(tt.d))
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "a b", truncate("a\nb", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}
