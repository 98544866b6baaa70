package lua

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/mpataki/forge/internal/fileblock"
	"github.com/mpataki/forge/internal/models"
)

// scriptTimeout bounds a single prompt function call.
const scriptTimeout = 5 * time.Second

// maxFailureOutput bounds how much test output goes into a patch prompt.
const maxFailureOutput = 15000

// Runtime renders generation and patch prompts. A prompt script may define
// generate_prompt(spec, failure) and patch_prompt(spec, failure, files);
// either one that is missing falls back to the built-in prompt.
type Runtime struct {
	path   string
	script string
	logs   []string
}

// NewRuntime loads the prompt script at scriptPath. An empty path gives a
// runtime that only uses the built-in prompts.
func NewRuntime(scriptPath string) (*Runtime, error) {
	r := &Runtime{path: scriptPath}
	if scriptPath == "" {
		return r, nil
	}

	script, err := os.ReadFile(scriptPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read prompt script: %w", err)
	}
	r.script = string(script)

	// Load once up front so syntax errors surface before a run starts
	L := r.newState(context.Background())
	defer L.Close()
	if err := L.DoString(r.script); err != nil {
		return nil, fmt.Errorf("failed to load prompt script %s: %w", scriptPath, err)
	}

	return r, nil
}

// GeneratePrompt renders the prompt for initial generation.
func (r *Runtime) GeneratePrompt(ctx context.Context, spec *models.Spec, prior *models.FailureContext) (string, error) {
	return r.render(ctx, "generate_prompt", func(L *lua.LState) []lua.LValue {
		return []lua.LValue{specToTable(L, spec), failureToLua(L, prior)}
	}, func() string {
		return DefaultGeneratePrompt(spec, prior)
	})
}

// PatchPrompt renders the prompt asking for a fix.
func (r *Runtime) PatchPrompt(ctx context.Context, spec *models.Spec, failure models.FailureContext, files models.FileSet) (string, error) {
	return r.render(ctx, "patch_prompt", func(L *lua.LState) []lua.LValue {
		return []lua.LValue{specToTable(L, spec), failureToLua(L, &failure), filesToTable(L, files)}
	}, func() string {
		return DefaultPatchPrompt(spec, failure, files)
	})
}

func (r *Runtime) render(ctx context.Context, fn string, args func(*lua.LState) []lua.LValue, fallback func() string) (string, error) {
	if r.script == "" {
		return fallback(), nil
	}

	ctx, cancel := context.WithTimeout(ctx, scriptTimeout)
	defer cancel()

	L := r.newState(ctx)
	defer L.Close()

	if err := L.DoString(r.script); err != nil {
		return "", fmt.Errorf("failed to load prompt script: %w", err)
	}

	f := L.GetGlobal(fn)
	if f == lua.LNil {
		return fallback(), nil
	}
	if _, ok := f.(*lua.LFunction); !ok {
		return "", fmt.Errorf("prompt script: %s must be a function, got %s", fn, f.Type())
	}

	if err := L.CallByParam(lua.P{Fn: f, NRet: 1, Protect: true}, args(L)...); err != nil {
		return "", fmt.Errorf("prompt script: %s failed: %w", fn, err)
	}

	ret := L.Get(-1)
	L.Pop(1)
	s, ok := ret.(lua.LString)
	if !ok {
		return "", fmt.Errorf("prompt script: %s must return a string, got %s", fn, ret.Type())
	}
	if strings.TrimSpace(string(s)) == "" {
		return "", fmt.Errorf("prompt script: %s returned an empty prompt", fn)
	}

	return string(s), nil
}

func (r *Runtime) newState(ctx context.Context) *lua.LState {
	L := lua.NewState(lua.Options{
		SkipOpenLibs: true, // Don't load any libraries by default
	})
	L.SetContext(ctx)
	openSafeLibs(L)
	r.registerAPI(L)
	return L
}

// openSafeLibs loads only the safe standard libraries
func openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)

	// Remove dangerous base functions
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("require", lua.LNil)
	L.SetGlobal("print", lua.LNil) // Use log() instead

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	// Prompts must be reproducible across resumes
	math := L.GetGlobal("math")
	if tbl, ok := math.(*lua.LTable); ok {
		L.SetField(tbl, "random", lua.LNil)
		L.SetField(tbl, "randomseed", lua.LNil)
	}
}

// registerAPI exposes the helpers prompt scripts can call.
func (r *Runtime) registerAPI(L *lua.LState) {
	L.SetGlobal("log", L.NewFunction(r.luaLog))
	L.SetGlobal("format_files", L.NewFunction(luaFormatFiles))
	L.SetGlobal("default_generate_prompt", L.NewFunction(luaDefaultGenerate))
	L.SetGlobal("default_patch_prompt", L.NewFunction(luaDefaultPatch))
}

// luaLog implements log(message)
func (r *Runtime) luaLog(L *lua.LState) int {
	r.logs = append(r.logs, L.CheckString(1))
	return 0
}

// luaFormatFiles implements format_files(files)
func luaFormatFiles(L *lua.LState) int {
	L.Push(lua.LString(fileblock.Format(tableToFiles(L.CheckTable(1)))))
	return 1
}

// luaDefaultGenerate implements default_generate_prompt(spec, failure?)
func luaDefaultGenerate(L *lua.LState) int {
	spec := tableToSpec(L.CheckTable(1))
	prior := tableToFailure(L.OptTable(2, nil))
	L.Push(lua.LString(DefaultGeneratePrompt(spec, prior)))
	return 1
}

// luaDefaultPatch implements default_patch_prompt(spec, failure, files)
func luaDefaultPatch(L *lua.LState) int {
	spec := tableToSpec(L.CheckTable(1))
	failure := tableToFailure(L.CheckTable(2))
	files := tableToFiles(L.CheckTable(3))
	L.Push(lua.LString(DefaultPatchPrompt(spec, *failure, files)))
	return 1
}

// Logs returns the messages scripts passed to log().
func (r *Runtime) Logs() []string {
	return r.logs
}

func specToTable(L *lua.LState, spec *models.Spec) *lua.LTable {
	tbl := L.NewTable()
	L.SetField(tbl, "name", lua.LString(spec.Name))
	L.SetField(tbl, "description", lua.LString(spec.Description))
	L.SetField(tbl, "test_command", lua.LString(strings.Join(spec.TestCommand, " ")))
	return tbl
}

func tableToSpec(tbl *lua.LTable) *models.Spec {
	return &models.Spec{
		Name:        lua.LVAsString(tbl.RawGetString("name")),
		Description: lua.LVAsString(tbl.RawGetString("description")),
		TestCommand: strings.Fields(lua.LVAsString(tbl.RawGetString("test_command"))),
	}
}

// failureToLua returns nil for no failure.
func failureToLua(L *lua.LState, f *models.FailureContext) lua.LValue {
	if f == nil {
		return lua.LNil
	}
	tbl := L.NewTable()
	L.SetField(tbl, "attempt", lua.LNumber(f.Attempt))
	L.SetField(tbl, "exit_code", lua.LNumber(f.ExitCode))
	L.SetField(tbl, "stdout", lua.LString(f.Stdout))
	L.SetField(tbl, "stderr", lua.LString(f.Stderr))
	L.SetField(tbl, "timed_out", lua.LBool(f.TimedOut))
	return tbl
}

func tableToFailure(tbl *lua.LTable) *models.FailureContext {
	if tbl == nil {
		return nil
	}
	return &models.FailureContext{
		Attempt:  int(lua.LVAsNumber(tbl.RawGetString("attempt"))),
		ExitCode: int(lua.LVAsNumber(tbl.RawGetString("exit_code"))),
		Stdout:   lua.LVAsString(tbl.RawGetString("stdout")),
		Stderr:   lua.LVAsString(tbl.RawGetString("stderr")),
		TimedOut: lua.LVAsBool(tbl.RawGetString("timed_out")),
	}
}

func filesToTable(L *lua.LState, files models.FileSet) *lua.LTable {
	tbl := L.NewTable()
	for path, content := range files {
		L.SetField(tbl, path, lua.LString(content))
	}
	return tbl
}

func tableToFiles(tbl *lua.LTable) models.FileSet {
	files := make(models.FileSet)
	tbl.ForEach(func(k, v lua.LValue) {
		if ks, ok := k.(lua.LString); ok {
			files[string(ks)] = lua.LVAsString(v)
		}
	})
	return files
}
