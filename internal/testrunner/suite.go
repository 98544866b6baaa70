package testrunner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mpataki/forge/internal/models"
)

// Check is one named command in a Suite.
type Check struct {
	Name   string
	Runner *Runner
}

// Suite runs its checks in order against the same workspace. Every check
// runs even after one fails, so the patcher sees all failures at once. The
// attempt's exit code is the first non-zero one.
type Suite struct {
	checks []Check
	logger *slog.Logger
}

func NewSuite(logger *slog.Logger, checks ...Check) (*Suite, error) {
	if len(checks) == 0 {
		return nil, errors.New("suite has no checks")
	}
	seen := make(map[string]bool, len(checks))
	for _, c := range checks {
		if c.Name == "" || c.Runner == nil {
			return nil, errors.New("check needs a name and a runner")
		}
		if seen[c.Name] {
			return nil, fmt.Errorf("check %q registered twice", c.Name)
		}
		seen[c.Name] = true
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Suite{checks: checks, logger: logger}, nil
}

// Names returns the check names in run order.
func (s *Suite) Names() []string {
	names := make([]string, len(s.checks))
	for i, c := range s.checks {
		names[i] = c.Name
	}
	return names
}

// Run executes every check within one shared timeout. A suite with a single
// check returns that check's result unchanged.
func (s *Suite) Run(ctx context.Context, root string, timeout time.Duration) (models.TestResult, error) {
	if len(s.checks) == 1 {
		return s.checks[0].Runner.Run(ctx, root, timeout)
	}

	deadline := time.Now().Add(timeout)
	var stdout, stderr strings.Builder
	res := models.TestResult{}
	start := time.Now()

	for _, c := range s.checks {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return models.TestResult{}, &models.TimeoutError{Timeout: timeout, Stdout: stdout.String(), Stderr: stderr.String()}
		}

		s.logger.Info("check_run_start", "name", c.Name)
		r, err := c.Runner.Run(ctx, root, remaining)

		var timeoutErr *models.TimeoutError
		switch {
		case errors.As(err, &timeoutErr):
			section(&stdout, c.Name, "timed out", timeoutErr.Stdout)
			section(&stderr, c.Name, "timed out", timeoutErr.Stderr)
			s.logger.Warn("check_run_timeout", "name", c.Name)
			return models.TestResult{}, &models.TimeoutError{Timeout: timeout, Stdout: stdout.String(), Stderr: stderr.String()}
		case err != nil:
			return models.TestResult{}, fmt.Errorf("check %q: %w", c.Name, err)
		}

		s.logger.Info("check_run_done", "name", c.Name, "exit_code", r.ExitCode, "duration_ms", r.Duration.Milliseconds())
		status := fmt.Sprintf("exit %d", r.ExitCode)
		section(&stdout, c.Name, status, r.Stdout)
		section(&stderr, c.Name, status, r.Stderr)
		if res.ExitCode == 0 && r.ExitCode != 0 {
			res.ExitCode = r.ExitCode
		}
	}

	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	res.Duration = time.Since(start)
	return res, nil
}

func section(b *strings.Builder, name, status, output string) {
	fmt.Fprintf(b, "=== %s (%s) ===\n", name, status)
	b.WriteString(output)
	if output != "" && !strings.HasSuffix(output, "\n") {
		b.WriteByte('\n')
	}
}
