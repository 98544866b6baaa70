package lua

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/forge/internal/models"
)

var testSpec = &models.Spec{
	Name:        "calc",
	Description: "Write add(a, b) in main.py.",
	TestCommand: []string{"pytest", "-q"},
}

func writeScript(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prompts.lua")
	require.NoError(t, os.WriteFile(path, []byte(src), 0644))
	return path
}

func TestDefaultPrompts(t *testing.T) {
	r, err := NewRuntime("")
	require.NoError(t, err)

	gen, err := r.GeneratePrompt(context.Background(), testSpec, nil)
	require.NoError(t, err)
	assert.Contains(t, gen, "Write add(a, b) in main.py.")
	assert.Contains(t, gen, "`pytest -q`")
	assert.NotContains(t, gen, "TEST OUTPUT")

	failure := models.FailureContext{Attempt: 2, ExitCode: 1, Stdout: "1 failed", Stderr: "AssertionError"}
	patch, err := r.PatchPrompt(context.Background(), testSpec, failure, models.FileSet{"main.py": "def add(a, b): return a - b\n"})
	require.NoError(t, err)
	assert.Contains(t, patch, "===== FILE: main.py =====")
	assert.Contains(t, patch, "Test attempt 2 exited with code 1.")
	assert.Contains(t, patch, "AssertionError")
}

func TestDefaultPrompts_ListChecks(t *testing.T) {
	spec := *testSpec
	spec.Checks = []models.Check{{Name: "lint", Command: []string{"ruff", "check", "."}}}

	gen := DefaultGeneratePrompt(&spec, nil)
	assert.Contains(t, gen, "- lint: `ruff check .`")

	patch := DefaultPatchPrompt(&spec, models.FailureContext{Attempt: 1, ExitCode: 1}, nil)
	assert.Contains(t, patch, "- lint: `ruff check .`")

	assert.NotContains(t, DefaultGeneratePrompt(testSpec, nil), "These checks")
}

func TestDefaultPatchPrompt_TimedOut(t *testing.T) {
	p := DefaultPatchPrompt(testSpec, models.FailureContext{Attempt: 1, ExitCode: -1, TimedOut: true}, nil)
	assert.Contains(t, p, "timed out")
}

func TestScriptPrompts(t *testing.T) {
	path := writeScript(t, `
function generate_prompt(spec, failure)
  log("generating " .. spec.name)
  if failure ~= nil then
    return "retry " .. spec.name
  end
  return "build " .. spec.name .. " with " .. spec.test_command
end

function patch_prompt(spec, failure, files)
  return string.format("fix attempt %d (exit %d)\n%s", failure.attempt, failure.exit_code, format_files(files))
end
`)
	r, err := NewRuntime(path)
	require.NoError(t, err)

	gen, err := r.GeneratePrompt(context.Background(), testSpec, nil)
	require.NoError(t, err)
	assert.Equal(t, "build calc with pytest -q", gen)

	gen, err = r.GeneratePrompt(context.Background(), testSpec, &models.FailureContext{ExitCode: 1})
	require.NoError(t, err)
	assert.Equal(t, "retry calc", gen)

	patch, err := r.PatchPrompt(context.Background(), testSpec,
		models.FailureContext{Attempt: 3, ExitCode: 2}, models.FileSet{"a.py": "x = 1\n"})
	require.NoError(t, err)
	assert.Equal(t, "fix attempt 3 (exit 2)\n===== FILE: a.py =====\nx = 1\n===== END =====\n", patch)

	assert.Equal(t, []string{"generating calc", "generating calc"}, r.Logs())
}

func TestScriptFallsBackPerFunction(t *testing.T) {
	path := writeScript(t, `
function patch_prompt(spec, failure, files)
  return "custom\n" .. default_patch_prompt(spec, failure, files)
end
`)
	r, err := NewRuntime(path)
	require.NoError(t, err)

	gen, err := r.GeneratePrompt(context.Background(), testSpec, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultGeneratePrompt(testSpec, nil), gen)

	patch, err := r.PatchPrompt(context.Background(), testSpec, models.FailureContext{Attempt: 1, ExitCode: 1}, nil)
	require.NoError(t, err)
	assert.Contains(t, patch, "custom\nThe project below")
}

func TestScriptSandbox(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"no io", `function generate_prompt() return io.open("/etc/passwd"):read("*a") end`},
		{"no os", `function generate_prompt() return os.getenv("HOME") end`},
		{"no dofile", `function generate_prompt() return dofile("/etc/passwd") end`},
		{"no load", `function generate_prompt() return load("return 1")() end`},
		{"no random", `function generate_prompt() return tostring(math.random()) end`},
		{"no print", `function generate_prompt() print("x") return "x" end`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewRuntime(writeScript(t, tt.src))
			require.NoError(t, err)
			_, err = r.GeneratePrompt(context.Background(), testSpec, nil)
			assert.Error(t, err)
		})
	}
}

func TestScriptErrors(t *testing.T) {
	t.Run("syntax error at load", func(t *testing.T) {
		_, err := NewRuntime(writeScript(t, `function generate_prompt(`))
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := NewRuntime(filepath.Join(t.TempDir(), "nope.lua"))
		assert.Error(t, err)
	})

	t.Run("non-string result", func(t *testing.T) {
		r, err := NewRuntime(writeScript(t, `function generate_prompt() return 42 end`))
		require.NoError(t, err)
		_, err = r.GeneratePrompt(context.Background(), testSpec, nil)
		assert.ErrorContains(t, err, "must return a string")
	})

	t.Run("empty result", func(t *testing.T) {
		r, err := NewRuntime(writeScript(t, `function generate_prompt() return "  " end`))
		require.NoError(t, err)
		_, err = r.GeneratePrompt(context.Background(), testSpec, nil)
		assert.ErrorContains(t, err, "empty prompt")
	})

	t.Run("not a function", func(t *testing.T) {
		r, err := NewRuntime(writeScript(t, `generate_prompt = "hello"`))
		require.NoError(t, err)
		_, err = r.GeneratePrompt(context.Background(), testSpec, nil)
		assert.ErrorContains(t, err, "must be a function")
	})

	t.Run("runaway loop is cancelled", func(t *testing.T) {
		r, err := NewRuntime(writeScript(t, `function generate_prompt() while true do end end`))
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err = r.GeneratePrompt(ctx, testSpec, nil)
		assert.Error(t, err)
	})
}
