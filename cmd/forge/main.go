package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/mpataki/forge/internal/agent"
	"github.com/mpataki/forge/internal/config"
	"github.com/mpataki/forge/internal/logging"
	forgeLua "github.com/mpataki/forge/internal/lua"
	"github.com/mpataki/forge/internal/models"
	"github.com/mpataki/forge/internal/orchestrator"
	"github.com/mpataki/forge/internal/record"
	"github.com/mpataki/forge/internal/spec"
	"github.com/mpataki/forge/internal/storage"
	"github.com/mpataki/forge/internal/testrunner"
	"github.com/mpataki/forge/internal/tui"
	"github.com/mpataki/forge/internal/workspace"
)

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func main() {
	rootCmd := &cobra.Command{
		Use:           "forge",
		Short:         "Generate, test and patch a project until its tests pass",
		Long:          "Forge drives a bounded, resumable generate → test → patch loop against a project specification.",
		RunE:          runWatch,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newResetCommand())
	rootCmd.AddCommand(newWatchCommand())

	if err := rootCmd.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			if ee.err != nil {
				fmt.Fprintln(os.Stderr, "Error:", ee.err)
			}
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return cfg, nil
}

// openHistory opens the run history. History is best-effort, so a failure is
// logged and nil is returned.
func openHistory(cfg *config.Config, logger *slog.Logger) *storage.Storage {
	store, err := storage.New(cfg.HistoryDBPath())
	if err != nil {
		logger.Warn("run history unavailable", "path", cfg.HistoryDBPath(), "error", err)
		return nil
	}
	return store
}

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a run, or resume the one in progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			specPath, _ := cmd.Flags().GetString("spec")
			maxRetries, _ := cmd.Flags().GetInt("max-retries")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("max-retries") {
				maxRetries = cfg.MaxRetries
			}

			level, _ := cfg.SlogLevel()
			runs := logging.NewRuns(cfg.LogsDir(), level, os.Stderr)
			defer runs.Close()
			console := runs.Console()

			s, err := spec.Parse(specPath)
			if err != nil {
				return err
			}

			ws, err := workspace.Open(cfg.Workspace)
			if err != nil {
				return err
			}

			records, err := record.New(cfg.RecordDir())
			if err != nil {
				return err
			}

			prompts, err := forgeLua.NewRuntime(s.PromptScript)
			if err != nil {
				return err
			}

			completer, err := newCompleter(cfg, ws.Root)
			if err != nil {
				return err
			}
			backend := agent.New(completer, prompts, cfg.BackendTimeout, console)

			tests, err := newSuite(s, console)
			if err != nil {
				return err
			}

			opts := []orchestrator.Option{
				orchestrator.WithLogger(console),
				orchestrator.WithRunLogger(runs.LoggerOr),
				orchestrator.WithTestTimeout(s.Timeout(cfg.TestTimeout)),
			}
			if history := openHistory(cfg, console); history != nil {
				defer history.Close()
				opts = append(opts, orchestrator.WithHistory(history))
			}

			orch := orchestrator.New(records, ws, backend, tests, backend, opts...)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			fmt.Printf("Spec: %s\n", s.Ref)
			fmt.Printf("Workspace: %s\n", ws.Root)
			fmt.Printf("Backend: %s\n", cfg.Backend)

			outcome := orch.Run(ctx, s, maxRetries)

			if outcome.RunID != "" {
				fmt.Printf("Run %s finished: %s\n", outcome.RunID, outcome.State)
				fmt.Printf("Log: %s\n", runs.Path(outcome.RunID))
			}
			if rec, err := records.Load(); err == nil {
				fmt.Println(rec.Summary())
			}

			if outcome.ExitCode != orchestrator.ExitSuccess {
				return &exitError{code: outcome.ExitCode, err: outcome.Err}
			}
			return nil
		},
	}

	cmd.Flags().String("spec", "", "Path to the project spec file")
	cmd.Flags().Int("max-retries", models.DefaultRetries, "Patch cycles allowed for a new run (1-50)")
	cmd.MarkFlagRequired("spec")
	return cmd
}

// newSuite runs test_command first, then the spec's checks in order.
func newSuite(s *models.Spec, logger *slog.Logger) (*testrunner.Suite, error) {
	runner, err := testrunner.New(s.TestCommand, s.Env)
	if err != nil {
		return nil, err
	}
	checks := []testrunner.Check{{Name: spec.TestCheckName, Runner: runner}}
	for _, c := range s.Checks {
		r, err := testrunner.New(c.Command, s.Env)
		if err != nil {
			return nil, fmt.Errorf("check %q: %w", c.Name, err)
		}
		checks = append(checks, testrunner.Check{Name: c.Name, Runner: r})
	}
	return testrunner.NewSuite(logger, checks...)
}

func newCompleter(cfg *config.Config, workspaceRoot string) (agent.Completer, error) {
	switch cfg.Backend {
	case config.BackendOpenAI:
		return agent.NewOpenAI(cfg.OpenAIKey, cfg.Model, cfg.OpenAIBaseURL)
	default:
		return &agent.Claude{Bin: cfg.ClaudeBin, Model: cfg.Model, Dir: workspaceRoot}, nil
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current run record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			records, err := record.New(cfg.RecordDir())
			if err != nil {
				return err
			}

			rec, err := records.Load()
			if err != nil {
				if errors.Is(err, record.ErrCorruptState) {
					return &exitError{code: orchestrator.ExitCorruptState, err: err}
				}
				if errors.Is(err, os.ErrNotExist) {
					fmt.Println("No run found.")
					return nil
				}
				return err
			}

			fmt.Println(rec.Summary())
			fmt.Printf("Run: %s\n", rec.RunID)
			fmt.Printf("Spec: %s\n", rec.SpecReference)
			fmt.Printf("State: %s\n", rec.State)
			fmt.Printf("Retries: %d/%d\n", rec.RetryCount, rec.MaxRetries)
			if rec.LastTestExitCode != nil {
				fmt.Printf("Last test exit code: %d\n", *rec.LastTestExitCode)
			}
			if rec.StopReason != nil {
				fmt.Printf("Stop reason: %s\n", *rec.StopReason)
			}
			if rec.LastError != nil {
				fmt.Printf("Error: %s\n", *rec.LastError)
			}
			fmt.Printf("Updated: %s\n", rec.UpdatedAt.Local().Format("2006-01-02 15:04:05"))

			history := openHistory(cfg, slog.New(slog.NewTextHandler(os.Stderr, nil)))
			if history == nil {
				return nil
			}
			defer history.Close()

			transitions, err := history.GetTransitions(rec.RunID)
			if err != nil {
				return err
			}
			if len(transitions) > 0 {
				fmt.Println("\nTransitions:")
				for _, t := range transitions {
					fmt.Printf("  %s  %s -> %s (retry %d)\n",
						t.At.Local().Format("15:04:05"), t.From, t.To, t.RetryCount)
				}
			}

			attempts, err := history.GetAttempts(rec.RunID)
			if err != nil {
				return err
			}
			if len(attempts) > 0 {
				fmt.Println("\nTest attempts:")
				for _, a := range attempts {
					status := fmt.Sprintf("exit %d", a.ExitCode)
					if a.TimedOut {
						status = "timed out"
					}
					fmt.Printf("  %d. [%s] %s\n", a.Attempt, status, a.Duration.Round(time.Millisecond))
				}
			}

			return nil
		},
	}
}

func newResetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete the run record, its history and the generated files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			force, _ := cmd.Flags().GetBool("force")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			records, err := record.New(cfg.RecordDir())
			if err != nil {
				return err
			}

			rec, err := records.Load()
			switch {
			case err == nil:
				if !rec.State.IsTerminal() && !force {
					return fmt.Errorf("run %s is %s and can still be resumed; use --force to discard it", rec.RunID, rec.State)
				}
			case errors.Is(err, record.ErrCorruptState):
				if !force {
					return fmt.Errorf("%w; use --force to discard it", err)
				}
			case errors.Is(err, os.ErrNotExist):
			default:
				return err
			}

			if rec.RunID != "" {
				if history := openHistory(cfg, slog.New(slog.NewTextHandler(os.Stderr, nil))); history != nil {
					if err := history.DeleteRun(rec.RunID); err != nil {
						fmt.Fprintf(os.Stderr, "Warning: failed to delete history: %v\n", err)
					}
					history.Close()
				}
				logPath := logging.NewRuns(cfg.LogsDir(), slog.LevelInfo, nil).Path(rec.RunID)
				if err := os.Remove(logPath); err != nil && !os.IsNotExist(err) {
					fmt.Fprintf(os.Stderr, "Warning: failed to delete run log: %v\n", err)
				}
			}

			if err := records.Remove(); err != nil {
				return fmt.Errorf("failed to remove run record: %w", err)
			}

			ws, err := workspace.Open(cfg.Workspace)
			if err != nil {
				return err
			}
			if err := ws.Reset(cfg.DataDir); err != nil {
				return fmt.Errorf("failed to reset workspace: %w", err)
			}

			if rec.RunID != "" {
				fmt.Printf("Reset run %s\n", rec.RunID)
			} else {
				fmt.Println("Reset.")
			}
			fmt.Printf("Cleared workspace: %s\n", ws.Root)
			return nil
		},
	}

	cmd.Flags().Bool("force", false, "Discard a run that is still in progress or whose record is corrupt")
	return cmd
}

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Watch the current run",
		Args:  cobra.NoArgs,
		RunE:  runWatch,
	}
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	records, err := record.New(cfg.RecordDir())
	if err != nil {
		return err
	}

	history := openHistory(cfg, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if history != nil {
		defer history.Close()
	}

	watcher, err := tui.WatchRecordDir(cfg.RecordDir())
	if err != nil {
		// Fall back to polling
		fmt.Fprintf(os.Stderr, "Warning: file watching unavailable: %v\n", err)
	} else {
		defer watcher.Close()
	}

	app := tui.NewApp(&source{records: records, history: history}, watcher)
	p := tea.NewProgram(app, tea.WithAltScreen())

	_, err = p.Run()
	return err
}

// source feeds the viewer from the record store and the run history.
type source struct {
	records *record.Store
	history *storage.Storage
}

func (s *source) Load() (models.RunRecord, error) {
	return s.records.Load()
}

func (s *source) History(runID string) (*tui.History, error) {
	if s.history == nil {
		return nil, errors.New("run history unavailable")
	}

	transitions, err := s.history.GetTransitions(runID)
	if err != nil {
		return nil, err
	}
	attempts, err := s.history.GetAttempts(runID)
	if err != nil {
		return nil, err
	}
	writes, err := s.history.GetFileWrites(runID)
	if err != nil {
		return nil, err
	}

	return &tui.History{Transitions: transitions, Attempts: attempts, Writes: writes}, nil
}
