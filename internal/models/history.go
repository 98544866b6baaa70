package models

import "time"

// Transition is one row of the run history: a persisted state change.
type Transition struct {
	ID         int64
	RunID      string
	From       State
	To         State
	RetryCount int
	At         time.Time
}

// Attempt is one execution of the test command.
type Attempt struct {
	ID         int64
	RunID      string
	Attempt    int
	ExitCode   int
	TimedOut   bool
	Duration   time.Duration
	StderrTail string
	At         time.Time
}

// FileWrite records a file written into the workspace on behalf of a backend.
type FileWrite struct {
	ID    int64
	RunID string
	Phase State
	Path  string
	Bytes int
	At    time.Time
}
