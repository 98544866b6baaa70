package orchestrator

import (
	"errors"
	"fmt"

	"github.com/mpataki/forge/internal/models"
)

// Process exit codes for a run.
const (
	ExitSuccess      = 0
	ExitFailure      = 1
	ExitContainment  = 2
	ExitCorruptState = 3
	ExitInterrupted  = 130
)

var (
	ErrEmptyOutput  = errors.New("backend returned no files")
	ErrSpecMismatch = errors.New("spec reference does not match the existing run")
	ErrRunFailed    = errors.New("run failed")
)

// Outcome is what Run always returns: the state the run ended in, the exit
// code the process should use, and the cause of a non-success.
type Outcome struct {
	RunID    string
	State    models.State
	ExitCode int
	Err      error
}

func (o Outcome) String() string {
	if o.Err != nil {
		return fmt.Sprintf("%s (exit %d): %v", o.State, o.ExitCode, o.Err)
	}
	return fmt.Sprintf("%s (exit %d)", o.State, o.ExitCode)
}

// CollaboratorError wraps a failure raised by the generator or patcher.
type CollaboratorError struct {
	Op  string
	Err error
}

func (e *CollaboratorError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *CollaboratorError) Unwrap() error { return e.Err }

type SpecMismatchError struct {
	Recorded string
	Given    string
}

func (e *SpecMismatchError) Error() string {
	return fmt.Sprintf("%s: run was started for %q, invoked with %q", ErrSpecMismatch, e.Recorded, e.Given)
}

func (e *SpecMismatchError) Unwrap() error { return ErrSpecMismatch }

// stopError ends a run in FAILED with the given reason.
type stopError struct {
	reason models.StopReason
	err    error
}

func (e *stopError) Error() string { return e.err.Error() }
func (e *stopError) Unwrap() error { return e.err }

// persistError means the record could not be written. The on-disk record is
// whatever was last persisted successfully, so nothing further is attempted.
type persistError struct {
	err error
}

func (e *persistError) Error() string { return "persist run record: " + e.err.Error() }
func (e *persistError) Unwrap() error { return e.err }

// outcomeFor maps a terminal record to its outcome.
func outcomeFor(rec models.RunRecord) Outcome {
	out := Outcome{RunID: rec.RunID, State: rec.State}
	switch rec.State {
	case models.StateSuccess:
		out.ExitCode = ExitSuccess
	case models.StateFailed:
		out.ExitCode = ExitFailure
		if rec.StopReason != nil && *rec.StopReason == models.StopContainmentViolation {
			out.ExitCode = ExitContainment
		}
		msg := "no error recorded"
		if rec.LastError != nil {
			msg = *rec.LastError
		}
		out.Err = fmt.Errorf("%w: %s", ErrRunFailed, msg)
	}
	return out
}
