package models

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

const (
	MinRetries     = 1
	MaxRetriesCap  = 50
	DefaultRetries = 5

	// MaxStderrBytes bounds last_test_stderr; the tail is kept.
	MaxStderrBytes = 10000
)

type StopReason string

const (
	StopTestsPassed          StopReason = "tests_passed"
	StopRetriesExhausted     StopReason = "max_retries_exhausted"
	StopGenerationFailed     StopReason = "generation_failed"
	StopGenerationEmpty      StopReason = "generation_empty"
	StopPatchFailed          StopReason = "patch_failed"
	StopPatchEmpty           StopReason = "patch_empty"
	StopContainmentViolation StopReason = "containment_violation"
	StopTestExecutionError   StopReason = "test_execution_error"
	StopIllegalTransition    StopReason = "illegal_transition"
)

var stopReasonText = map[StopReason]string{
	StopTestsPassed:          "All tests passed.",
	StopRetriesExhausted:     "Retry budget exhausted. Tests still failing.",
	StopGenerationFailed:     "Code generation raised an error.",
	StopGenerationEmpty:      "Code generation returned zero files.",
	StopPatchFailed:          "Patch operation raised an error.",
	StopPatchEmpty:           "Patch produced no file changes.",
	StopContainmentViolation: "A generated path attempted to escape the workspace.",
	StopTestExecutionError:   "The test command could not be launched.",
	StopIllegalTransition:    "The engine attempted an illegal state transition.",
}

// Known reports whether r is one of the declared reasons.
func (r StopReason) Known() bool {
	_, ok := stopReasonText[r]
	return ok
}

func (r StopReason) Describe() string {
	if text, ok := stopReasonText[r]; ok {
		return text
	}
	return string(r)
}

// RunRecord is the single source of truth for a run. It is persisted as
// strict JSON; every field is required to be present on disk.
type RunRecord struct {
	RunID            string      `json:"run_id" validate:"required,uuid4"`
	SpecReference    string      `json:"spec_reference" validate:"required"`
	State            State       `json:"state" validate:"required,oneof=INIT GENERATING TESTING PATCHING SUCCESS FAILED"`
	RetryCount       int         `json:"retry_count" validate:"gte=0,ltefield=MaxRetries"`
	MaxRetries       int         `json:"max_retries" validate:"min=1,max=50"`
	LastTestExitCode *int        `json:"last_test_exit_code"`
	LastTestStderr   *string     `json:"last_test_stderr"`
	LastError        *string     `json:"last_error"`
	StopReason       *StopReason `json:"stop_reason"`
	CreatedAt        time.Time   `json:"created_at" validate:"required"`
	UpdatedAt        time.Time   `json:"updated_at" validate:"required,gtefield=CreatedAt"`
}

// RecordKeys is the complete on-disk key set of a RunRecord.
var RecordKeys = []string{
	"run_id", "spec_reference", "state", "retry_count", "max_retries",
	"last_test_exit_code", "last_test_stderr", "last_error", "stop_reason",
	"created_at", "updated_at",
}

var recordValidate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the struct rules and the invariants that span fields.
func (r RunRecord) Validate() error {
	var errs []error
	if err := recordValidate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, fmt.Errorf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
		} else {
			errs = append(errs, err)
		}
	}
	if !r.State.Valid() {
		errs = append(errs, fmt.Errorf("unknown state %q", r.State))
	}
	if r.LastError != nil && r.State != StateFailed {
		errs = append(errs, fmt.Errorf("last_error set in non-failed state %s", r.State))
	}
	if r.StopReason != nil && !r.State.IsTerminal() {
		errs = append(errs, fmt.Errorf("stop_reason set in non-terminal state %s", r.State))
	}
	if r.StopReason != nil && !r.StopReason.Known() {
		errs = append(errs, fmt.Errorf("unknown stop_reason %q", *r.StopReason))
	}
	return errors.Join(errs...)
}

// Summary renders a one-line human description of the record.
func (r RunRecord) Summary() string {
	id := r.RunID
	if len(id) > 8 {
		id = id[:8]
	}
	switch r.State {
	case StateSuccess:
		return fmt.Sprintf("[%s] SUCCESS — %s", id, StopTestsPassed.Describe())
	case StateFailed:
		detail := "unknown failure"
		if r.StopReason != nil {
			detail = r.StopReason.Describe()
		}
		if r.LastError != nil {
			detail += " " + *r.LastError
		}
		return fmt.Sprintf("[%s] FAILED — %s", id, detail)
	default:
		return fmt.Sprintf("[%s] %s — retry %d/%d", id, r.State, r.RetryCount, r.MaxRetries)
	}
}

// ClampRetries forces n into [MinRetries, MaxRetriesCap].
func ClampRetries(n int) int {
	return max(MinRetries, min(n, MaxRetriesCap))
}

// TailString keeps at most the last n bytes of s, starting on a rune
// boundary so the result stays valid UTF-8.
func TailString(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := len(s) - n
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return s[i:]
}
