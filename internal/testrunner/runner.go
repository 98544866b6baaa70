// Package testrunner executes a spec's test command inside the workspace.
//
// The command runs in its own process group with an explicit environment.
// When the timeout expires the whole group is killed, so test frameworks that
// fork workers cannot outlive the run.
package testrunner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mpataki/forge/internal/models"
)

// MaxOutputBytes bounds captured stdout and stderr; the tail is kept.
const MaxOutputBytes = 64 * 1024

// waitDelay bounds how long Wait blocks on pipes held open by leftover
// descendants after the main process exits. The exit status is kept and the
// group is killed afterwards.
const waitDelay = 5 * time.Second

// baseEnv is always passed through when set.
var baseEnv = []string{"PATH", "HOME", "LANG"}

type Runner struct {
	command []string
	env     []string
}

// New returns a runner for argv. extraEnv names additional variables to pass
// through from the current environment.
func New(argv []string, extraEnv []string) (*Runner, error) {
	if len(argv) == 0 {
		return nil, errors.New("test command is empty")
	}
	return &Runner{command: argv, env: extraEnv}, nil
}

// Environ builds the child environment for root.
func (r *Runner) Environ(root string) []string {
	var env []string
	seen := map[string]bool{"PYTHONPATH": true}
	for _, name := range append(append([]string{}, baseEnv...), r.env...) {
		if seen[name] {
			continue
		}
		seen[name] = true
		if value, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+value)
		}
	}
	return append(env, "PYTHONPATH="+root)
}

// Run executes the command once in root. A non-zero exit is a result, not an
// error. A command that cannot be started is an error; one that outlives
// timeout is killed and reported as *models.TimeoutError. Cancelling ctx
// kills the group and returns ctx.Err().
func (r *Runner) Run(ctx context.Context, root string, timeout time.Duration) (models.TestResult, error) {
	stdout := newTailBuffer(MaxOutputBytes)
	stderr := newTailBuffer(MaxOutputBytes)

	cmd := exec.Command(r.command[0], r.command[1:]...)
	cmd.Dir = root
	cmd.Env = r.Environ(root)
	cmd.Stdin = nil
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = waitDelay

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return models.TestResult{}, fmt.Errorf("failed to start test command %q: %w", r.command[0], err)
	}
	pgid := cmd.Process.Pid

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		// Reap anything the command left running in its group.
		_ = unix.Kill(-pgid, unix.SIGKILL)

		res := models.TestResult{
			ExitCode: 0,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			Duration: time.Since(start),
		}
		if err != nil {
			// ErrWaitDelay means the command exited but a descendant kept its
			// output open; the exit status is still valid.
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) && !errors.Is(err, exec.ErrWaitDelay) {
				return res, fmt.Errorf("failed to wait for test command: %w", err)
			}
		}
		res.ExitCode = exitCode(cmd.ProcessState)
		return res, nil

	case <-timer.C:
		_ = unix.Kill(-pgid, unix.SIGKILL)
		<-done
		return models.TestResult{}, &models.TimeoutError{
			Timeout: timeout,
			Stdout:  stdout.String(),
			Stderr:  stderr.String(),
		}

	case <-ctx.Done():
		_ = unix.Kill(-pgid, unix.SIGKILL)
		<-done
		return models.TestResult{}, ctx.Err()
	}
}

// exitCode reports a death by signal the way shells do, as 128+signal, so
// that models.TimeoutExitCode is only ever produced by a timeout.
func exitCode(ps *os.ProcessState) int {
	if ps != nil {
		if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal())
		}
	}
	return ps.ExitCode()
}

// tailBuffer keeps the last limit bytes written to it. Each buffer is
// written by a single copying goroutine owned by exec.Cmd.
type tailBuffer struct {
	limit     int
	buf       []byte
	truncated bool
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if n >= b.limit {
		b.buf = append(b.buf[:0], p[n-b.limit:]...)
		b.truncated = true
		return n, nil
	}
	if over := len(b.buf) + n - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
		b.truncated = true
	}
	b.buf = append(b.buf, p...)
	return n, nil
}

func (b *tailBuffer) String() string {
	if b.truncated {
		return "[... output truncated ...]\n" + string(b.buf)
	}
	return string(b.buf)
}
