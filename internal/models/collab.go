package models

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// FileSet maps a path relative to the writable root to full file content.
type FileSet map[string]string

// Paths returns the keys in sorted order.
func (f FileSet) Paths() []string {
	paths := make([]string, 0, len(f))
	for p := range f {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

type TestResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// FailureContext is what the patch backend sees about the last failed test.
type FailureContext struct {
	Attempt  int
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
}

var ErrTestTimeout = errors.New("test execution timed out")

// TimeoutExitCode is recorded for a test run killed by its timeout. Runners
// report other signal deaths as 128+signal.
const TimeoutExitCode = -1

// TimeoutError is returned by a test runner whose command outlived its bound.
// Output captured before the kill is preserved.
type TimeoutError struct {
	Timeout time.Duration
	Stdout  string
	Stderr  string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s after %s (process group killed)", ErrTestTimeout, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return ErrTestTimeout }

const (
	DefaultTestTimeout = 300 * time.Second
	MaxTestTimeout     = 600 * time.Second
)

// ClampTestTimeout applies the default to non-positive values and the
// ceiling to everything else.
func ClampTestTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultTestTimeout
	}
	if d > MaxTestTimeout {
		return MaxTestTimeout
	}
	return d
}
