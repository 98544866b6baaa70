package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// Claude runs the claude CLI in print mode.
type Claude struct {
	Bin   string
	Model string
	Dir   string
}

type claudeResult struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	IsError   bool   `json:"is_error"`
	Result    string `json:"result"`
	SessionID string `json:"session_id"`
}

func (c *Claude) Complete(ctx context.Context, system, prompt string) (string, error) {
	bin := c.Bin
	if bin == "" {
		bin = "claude"
	}

	// The prompt goes on stdin; patch prompts carry whole files and would
	// overflow the per-argument limit.
	args := []string{
		"-p",
		"--output-format", "json",
		"--append-system-prompt", system,
		"--max-turns", "1",
	}
	if c.Model != "" {
		args = append(args, "--model", c.Model)
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = c.Dir
	cmd.Stdin = strings.NewReader(prompt)
	// Kill the process group to ensure child processes are also killed
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	var stderr strings.Builder
	cmd.Stderr = &stderr

	output, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("claude exited with code %d: %s", exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return "", fmt.Errorf("failed to run claude: %w", err)
	}

	var result claudeResult
	if err := json.Unmarshal(output, &result); err != nil {
		return "", fmt.Errorf("failed to parse claude output: %w", err)
	}
	if result.IsError {
		return "", fmt.Errorf("claude returned an error (%s): %s", result.Subtype, result.Result)
	}
	if strings.TrimSpace(result.Result) == "" {
		return "", errors.New("claude returned an empty result")
	}

	return result.Result, nil
}
