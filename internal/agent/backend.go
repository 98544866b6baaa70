// Package agent turns prompts into file sets using a language-model backend.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mpataki/forge/internal/fileblock"
	"github.com/mpataki/forge/internal/lua"
	"github.com/mpataki/forge/internal/models"
)

const DefaultTimeout = 120 * time.Second

// Completer sends one system and user prompt to a model and returns its text.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// Backend implements generation and patching on top of a Completer.
type Backend struct {
	completer Completer
	prompts   *lua.Runtime
	timeout   time.Duration
	logger    *slog.Logger
}

func New(c Completer, prompts *lua.Runtime, timeout time.Duration, logger *slog.Logger) *Backend {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Backend{completer: c, prompts: prompts, timeout: timeout, logger: logger}
}

func (b *Backend) Generate(ctx context.Context, spec *models.Spec, prior *models.FailureContext) (models.FileSet, error) {
	prompt, err := b.prompts.GeneratePrompt(ctx, spec, prior)
	if err != nil {
		return nil, err
	}
	return b.call(ctx, "generate", prompt)
}

func (b *Backend) Patch(ctx context.Context, spec *models.Spec, failure models.FailureContext, current models.FileSet) (models.FileSet, error) {
	prompt, err := b.prompts.PatchPrompt(ctx, spec, failure, current)
	if err != nil {
		return nil, err
	}
	return b.call(ctx, "patch", prompt)
}

func (b *Backend) call(ctx context.Context, op, prompt string) (models.FileSet, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	b.logger.Info("backend_call_start", "operation", op, "prompt_length", len(prompt))
	start := time.Now()

	text, err := b.completer.Complete(ctx, lua.SystemPrompt, prompt)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("backend timed out after %s: %w", b.timeout, err)
		}
		b.logger.Error("backend_call_failed", "operation", op, "error", err)
		return nil, err
	}

	files, err := fileblock.Parse(text)
	if err != nil {
		b.logger.Error("backend_response_invalid", "operation", op, "error", err)
		return nil, err
	}

	b.logger.Info("backend_call_done", "operation", op,
		"elapsed_ms", time.Since(start).Milliseconds(),
		"response_length", len(text),
		"files", len(files))

	if len(files) == 0 {
		b.logger.Warn("backend_response_empty", "operation", op)
	}
	return files, nil
}
