package orchestrator

import (
	"context"
	"time"

	"github.com/mpataki/forge/internal/models"
)

// Generator produces the initial file set from a spec. prior is non-nil when
// a previous attempt left test output behind.
type Generator interface {
	Generate(ctx context.Context, spec *models.Spec, prior *models.FailureContext) (models.FileSet, error)
}

// TestRunner executes the test command in root. A command that outlives
// timeout must be killed and reported as *models.TimeoutError.
type TestRunner interface {
	Run(ctx context.Context, root string, timeout time.Duration) (models.TestResult, error)
}

// Patcher returns replacement files given the last failure and the current
// workspace contents.
type Patcher interface {
	Patch(ctx context.Context, spec *models.Spec, failure models.FailureContext, current models.FileSet) (models.FileSet, error)
}

// Recorder receives run history. It is optional and its failures never stop
// a run.
type Recorder interface {
	RecordTransition(t *models.Transition) (int64, error)
	RecordAttempt(a *models.Attempt) (int64, error)
	RecordFileWrites(writes []*models.FileWrite) error
}

type GeneratorFunc func(ctx context.Context, spec *models.Spec, prior *models.FailureContext) (models.FileSet, error)

func (f GeneratorFunc) Generate(ctx context.Context, spec *models.Spec, prior *models.FailureContext) (models.FileSet, error) {
	return f(ctx, spec, prior)
}

type TestRunnerFunc func(ctx context.Context, root string, timeout time.Duration) (models.TestResult, error)

func (f TestRunnerFunc) Run(ctx context.Context, root string, timeout time.Duration) (models.TestResult, error) {
	return f(ctx, root, timeout)
}

type PatcherFunc func(ctx context.Context, spec *models.Spec, failure models.FailureContext, current models.FileSet) (models.FileSet, error)

func (f PatcherFunc) Patch(ctx context.Context, spec *models.Spec, failure models.FailureContext, current models.FileSet) (models.FileSet, error) {
	return f(ctx, spec, failure, current)
}
