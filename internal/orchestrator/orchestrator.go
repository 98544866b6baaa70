package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mpataki/forge/internal/models"
	"github.com/mpataki/forge/internal/pathguard"
	"github.com/mpataki/forge/internal/record"
	"github.com/mpataki/forge/internal/workspace"
)

// Orchestrator drives one run through generate, test and patch until it
// reaches a terminal state. The run record is persisted after every
// transition and before the next side effect, so a run interrupted at any
// point resumes from its last persisted state.
type Orchestrator struct {
	records   *record.Store
	workspace *workspace.Workspace

	generator Generator
	tests     TestRunner
	patcher   Patcher
	history   Recorder

	testTimeout time.Duration
	logger      *slog.Logger
	runLogger   func(runID string) *slog.Logger
	now         func() time.Time
}

type Option func(*Orchestrator)

// WithHistory attaches a history recorder.
func WithHistory(r Recorder) Option {
	return func(o *Orchestrator) { o.history = r }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithRunLogger selects the logger for a run once its id is known. Events
// before that go to the WithLogger logger.
func WithRunLogger(f func(runID string) *slog.Logger) Option {
	return func(o *Orchestrator) { o.runLogger = f }
}

// WithTestTimeout bounds each test execution. The value is clamped to
// models.MaxTestTimeout.
func WithTestTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.testTimeout = models.ClampTestTimeout(d) }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func New(records *record.Store, ws *workspace.Workspace, gen Generator, tests TestRunner, patcher Patcher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		records:     records,
		workspace:   ws,
		generator:   gen,
		tests:       tests,
		patcher:     patcher,
		testTimeout: models.DefaultTestTimeout,
		logger:      slog.New(slog.DiscardHandler),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// run carries the state of a single invocation.
type run struct {
	o    *Orchestrator
	spec *models.Spec
	rec  models.RunRecord
	log  *slog.Logger
}

// Run executes or resumes the run for spec. It never panics on collaborator
// failure and always returns a well-defined Outcome. maxRetries only applies
// when a new record is created.
func (o *Orchestrator) Run(ctx context.Context, spec *models.Spec, maxRetries int) Outcome {
	if err := ctx.Err(); err != nil {
		return Outcome{ExitCode: ExitInterrupted, Err: err}
	}

	rec, created, err := o.records.LoadOrInit(spec.Ref, maxRetries)
	if err != nil {
		if errors.Is(err, record.ErrCorruptState) {
			o.logger.Error("corrupt_state", "path", o.records.Path(), "error", err)
			return Outcome{State: models.StateFailed, ExitCode: ExitCorruptState, Err: err}
		}
		o.logger.Error("record_load_failed", "error", err)
		return Outcome{State: models.StateFailed, ExitCode: ExitFailure, Err: err}
	}

	logger := o.logger
	if o.runLogger != nil {
		logger = o.runLogger(rec.RunID)
	}
	r := &run{
		o:    o,
		spec: spec,
		rec:  rec,
		log:  logger.With("run_id", rec.RunID),
	}

	if rec.SpecReference != spec.Ref {
		err := &SpecMismatchError{Recorded: rec.SpecReference, Given: spec.Ref}
		r.log.Error("spec_mismatch", "recorded", rec.SpecReference, "given", spec.Ref)
		return Outcome{RunID: rec.RunID, State: rec.State, ExitCode: ExitCorruptState, Err: err}
	}

	if created {
		r.log.Info("run_created", "spec", spec.Ref, "max_retries", rec.MaxRetries)
	} else {
		r.log.Info("run_resumed", "state", rec.State, "retry_count", rec.RetryCount, "max_retries", rec.MaxRetries)
		if maxRetries != rec.MaxRetries {
			r.log.Warn("max_retries_ignored", "requested", maxRetries, "recorded", rec.MaxRetries)
		}
	}

	if rec.State.IsTerminal() {
		r.log.Info("run_already_terminal", "state", rec.State)
		return outcomeFor(rec)
	}

	for !r.rec.State.IsTerminal() {
		var err error
		switch r.rec.State {
		case models.StateInit:
			err = r.begin(ctx)
		case models.StateGenerating:
			err = r.generate(ctx)
		case models.StateTesting:
			err = r.test(ctx)
		case models.StatePatching:
			err = r.resumePatched(ctx)
		default:
			err = &models.IllegalTransitionError{From: r.rec.State, To: r.rec.State}
		}
		if err != nil {
			return r.handle(ctx, err)
		}
	}

	r.log.Info("run_finished", "state", r.rec.State, "retry_count", r.rec.RetryCount)
	return outcomeFor(r.rec)
}

// handle turns a step error into an outcome, writing a terminal record
// where one is owed.
func (r *run) handle(ctx context.Context, err error) Outcome {
	if ctx.Err() != nil {
		r.log.Warn("run_interrupted", "state", r.rec.State)
		return Outcome{RunID: r.rec.RunID, State: r.rec.State, ExitCode: ExitInterrupted, Err: ctx.Err()}
	}

	var illegal *models.IllegalTransitionError
	var persist *persistError
	var stop *stopError

	switch {
	case errors.As(err, &persist):
		r.log.Error("persist_failed", "state", r.rec.State, "error", persist.err)
		return Outcome{RunID: r.rec.RunID, State: models.StateFailed, ExitCode: ExitFailure, Err: err}
	case errors.As(err, &illegal):
		return r.forceFail(illegal)
	case errors.As(err, &stop):
		return r.fail(stop.reason, stop.err)
	default:
		r.log.Error("run_aborted", "state", r.rec.State, "error", err)
		return Outcome{RunID: r.rec.RunID, State: models.StateFailed, ExitCode: ExitFailure, Err: err}
	}
}

// fail moves the run to FAILED through a validated transition.
func (r *run) fail(reason models.StopReason, cause error) Outcome {
	msg := cause.Error()
	err := r.transition(models.StateFailed, func(rec *models.RunRecord) {
		rec.LastError = &msg
		rec.StopReason = &reason
	})
	if err != nil {
		var illegal *models.IllegalTransitionError
		if errors.As(err, &illegal) {
			return r.forceFail(illegal)
		}
		r.log.Error("persist_failed", "state", r.rec.State, "error", err)
		return Outcome{RunID: r.rec.RunID, State: models.StateFailed, ExitCode: ExitFailure, Err: err}
	}

	out := outcomeFor(r.rec)
	out.Err = cause
	return out
}

// forceFail is the one write that does not go through the transition table:
// an illegal transition is a bug, and the run halts in FAILED naming it.
func (r *run) forceFail(illegal *models.IllegalTransitionError) Outcome {
	r.log.Error("illegal_transition", "from", illegal.From, "to", illegal.To)

	msg := illegal.Error()
	reason := models.StopIllegalTransition
	next := r.rec
	next.State = models.StateFailed
	next.LastError = &msg
	next.StopReason = &reason

	saved, err := r.o.records.Persist(next)
	if err != nil {
		r.log.Error("persist_failed", "state", r.rec.State, "error", err)
		return Outcome{RunID: r.rec.RunID, State: models.StateFailed, ExitCode: ExitFailure, Err: err}
	}
	from := r.rec.State
	r.rec = saved
	r.recordTransition(from, saved)

	return Outcome{RunID: saved.RunID, State: models.StateFailed, ExitCode: ExitFailure, Err: illegal}
}

// transition validates from -> to, applies mutate to a copy of the record and
// persists it. The in-memory record only advances once the write succeeded.
func (r *run) transition(to models.State, mutate func(*models.RunRecord)) error {
	from := r.rec.State
	if err := models.ValidateTransition(from, to); err != nil {
		return err
	}

	next := r.rec
	next.State = to
	if mutate != nil {
		mutate(&next)
	}

	saved, err := r.o.records.Persist(next)
	if err != nil {
		return &persistError{err: err}
	}
	r.rec = saved

	r.log.Info("state_transition", "from", from, "to", to, "retry_count", saved.RetryCount)
	r.recordTransition(from, saved)
	return nil
}

// checkpoint is called before every side effect.
func checkpoint(ctx context.Context) error {
	return ctx.Err()
}

func (r *run) begin(ctx context.Context) error {
	if err := checkpoint(ctx); err != nil {
		return err
	}
	return r.transition(models.StateGenerating, nil)
}

func (r *run) generate(ctx context.Context) error {
	if err := checkpoint(ctx); err != nil {
		return err
	}

	prior := r.priorFailure()
	r.log.Info("generation_started", "has_prior_failure", prior != nil)
	start := r.o.now()

	files, err := r.o.generator.Generate(ctx, r.spec, prior)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		return &stopError{
			reason: models.StopGenerationFailed,
			err:    &CollaboratorError{Op: "generate", Err: err},
		}
	}
	if len(files) == 0 {
		return &stopError{
			reason: models.StopGenerationEmpty,
			err:    &CollaboratorError{Op: "generate", Err: ErrEmptyOutput},
		}
	}
	r.log.Info("generation_done", "files", len(files), "duration_ms", r.o.now().Sub(start).Milliseconds())

	if err := r.writeFiles(ctx, files, models.StopGenerationFailed); err != nil {
		return err
	}

	return r.transition(models.StateTesting, nil)
}

// test runs the test command once and moves to SUCCESS, FAILED, or through
// PATCHING back to TESTING.
func (r *run) test(ctx context.Context) error {
	if err := checkpoint(ctx); err != nil {
		return err
	}

	attempt := r.rec.RetryCount + 1
	r.log.Info("test_run_started", "attempt", attempt, "timeout", r.o.testTimeout.String())

	res, err := r.o.tests.Run(ctx, r.o.workspace.Root, r.o.testTimeout)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	timedOut := false
	var timeout *models.TimeoutError
	switch {
	case errors.As(err, &timeout):
		timedOut = true
		res = models.TestResult{
			ExitCode: models.TimeoutExitCode,
			Stdout:   timeout.Stdout,
			Stderr:   timeout.Stderr + fmt.Sprintf("\n[forge] test command timed out after %s; process group killed\n", timeout.Timeout),
			Duration: timeout.Timeout,
		}
	case err != nil:
		return &stopError{reason: models.StopTestExecutionError, err: fmt.Errorf("run tests: %w", err)}
	}

	exitCode := res.ExitCode
	stderr := models.TailString(res.Stderr, models.MaxStderrBytes)

	r.log.Info("test_run_done", "attempt", attempt, "exit_code", exitCode, "timed_out", timedOut, "duration_ms", res.Duration.Milliseconds())
	r.recordAttempt(attempt, exitCode, timedOut, res.Duration, stderr)

	setResult := func(rec *models.RunRecord) {
		rec.LastTestExitCode = &exitCode
		rec.LastTestStderr = &stderr
	}

	if exitCode == 0 {
		reason := models.StopTestsPassed
		return r.transition(models.StateSuccess, func(rec *models.RunRecord) {
			setResult(rec)
			rec.StopReason = &reason
		})
	}

	if r.rec.RetryCount >= r.rec.MaxRetries {
		reason := models.StopRetriesExhausted
		msg := fmt.Sprintf("tests still failing after %d patch attempts (last exit code %d)", r.rec.RetryCount, exitCode)
		r.log.Warn("retries_exhausted", "retry_count", r.rec.RetryCount, "max_retries", r.rec.MaxRetries)
		return r.transition(models.StateFailed, func(rec *models.RunRecord) {
			setResult(rec)
			rec.LastError = &msg
			rec.StopReason = &reason
		})
	}

	if err := r.transition(models.StatePatching, setResult); err != nil {
		return err
	}

	return r.patch(ctx, models.FailureContext{
		Attempt:  attempt,
		ExitCode: exitCode,
		Stdout:   res.Stdout,
		Stderr:   stderr,
		TimedOut: timedOut,
	})
}

// patch asks the patcher for replacement files, writes them, and completes
// the cycle by counting it in the same write that returns to TESTING.
func (r *run) patch(ctx context.Context, failure models.FailureContext) error {
	if err := checkpoint(ctx); err != nil {
		return err
	}

	current, err := r.o.workspace.Snapshot()
	if err != nil {
		return &stopError{reason: models.StopPatchFailed, err: err}
	}

	r.log.Info("patch_started", "attempt", failure.Attempt, "current_files", len(current))
	files, err := r.o.patcher.Patch(ctx, r.spec, failure, current)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		return &stopError{
			reason: models.StopPatchFailed,
			err:    &CollaboratorError{Op: "patch", Err: err},
		}
	}
	if len(files) == 0 {
		return &stopError{
			reason: models.StopPatchEmpty,
			err:    &CollaboratorError{Op: "patch", Err: ErrEmptyOutput},
		}
	}
	r.log.Info("patch_done", "files", len(files))

	if err := r.writeFiles(ctx, files, models.StopPatchFailed); err != nil {
		return err
	}

	return r.completeCycle()
}

// resumePatched handles a record loaded in PATCHING: the patch is taken as
// applied and the cycle is counted.
func (r *run) resumePatched(ctx context.Context) error {
	if err := checkpoint(ctx); err != nil {
		return err
	}
	if r.rec.RetryCount >= r.rec.MaxRetries {
		return &stopError{
			reason: models.StopRetriesExhausted,
			err:    fmt.Errorf("resumed in %s with retry budget exhausted (%d/%d)", models.StatePatching, r.rec.RetryCount, r.rec.MaxRetries),
		}
	}
	r.log.Info("patch_assumed_applied", "retry_count", r.rec.RetryCount)
	return r.completeCycle()
}

func (r *run) completeCycle() error {
	return r.transition(models.StateTesting, func(rec *models.RunRecord) {
		rec.RetryCount++
	})
}

// writeFiles routes every write through the workspace, which authorizes all
// paths before writing any of them.
func (r *run) writeFiles(ctx context.Context, files models.FileSet, onError models.StopReason) error {
	if err := checkpoint(ctx); err != nil {
		return err
	}

	phase := r.rec.State
	written, err := r.o.workspace.WriteFiles(files)
	if err != nil {
		if errors.Is(err, pathguard.ErrContainmentViolation) {
			r.log.Error("containment_violation", "error", err)
			return &stopError{reason: models.StopContainmentViolation, err: err}
		}
		return &stopError{reason: onError, err: fmt.Errorf("write files: %w", err)}
	}

	r.log.Info("files_written", "phase", phase, "count", len(written))
	r.recordFileWrites(phase, written)
	return nil
}

// priorFailure rebuilds failure context from the record, if there is any.
func (r *run) priorFailure() *models.FailureContext {
	if r.rec.LastTestExitCode == nil {
		return nil
	}
	fc := &models.FailureContext{
		Attempt:  r.rec.RetryCount + 1,
		ExitCode: *r.rec.LastTestExitCode,
		TimedOut: *r.rec.LastTestExitCode == models.TimeoutExitCode,
	}
	if r.rec.LastTestStderr != nil {
		fc.Stderr = *r.rec.LastTestStderr
	}
	return fc
}

func (r *run) recordTransition(from models.State, rec models.RunRecord) {
	if r.o.history == nil {
		return
	}
	_, err := r.o.history.RecordTransition(&models.Transition{
		RunID:      rec.RunID,
		From:       from,
		To:         rec.State,
		RetryCount: rec.RetryCount,
		At:         rec.UpdatedAt,
	})
	if err != nil {
		r.log.Warn("history_write_failed", "kind", "transition", "error", err)
	}
}

func (r *run) recordAttempt(attempt, exitCode int, timedOut bool, d time.Duration, stderr string) {
	if r.o.history == nil {
		return
	}
	_, err := r.o.history.RecordAttempt(&models.Attempt{
		RunID:      r.rec.RunID,
		Attempt:    attempt,
		ExitCode:   exitCode,
		TimedOut:   timedOut,
		Duration:   d,
		StderrTail: stderr,
		At:         r.o.now(),
	})
	if err != nil {
		r.log.Warn("history_write_failed", "kind", "attempt", "error", err)
	}
}

func (r *run) recordFileWrites(phase models.State, written []workspace.Written) {
	if r.o.history == nil || len(written) == 0 {
		return
	}
	at := r.o.now()
	rows := make([]*models.FileWrite, 0, len(written))
	for _, w := range written {
		rows = append(rows, &models.FileWrite{
			RunID: r.rec.RunID,
			Phase: phase,
			Path:  w.Path,
			Bytes: w.Bytes,
			At:    at,
		})
	}
	if err := r.o.history.RecordFileWrites(rows); err != nil {
		r.log.Warn("history_write_failed", "kind", "file_writes", "error", err)
	}
}
