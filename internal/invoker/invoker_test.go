package invoker

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	lua "github.com/yuin/gopher-lua"

	"github.com/basket/cobble/internal/registry"
	"github.com/basket/cobble/internal/script"
)

func newTestRegistry(t *testing.T, tools []registry.Tool, envs []registry.Environment, task registry.Task) *registry.Registry {
	t.Helper()
	b := registry.NewBuilder()
	for _, tool := range tools {
		b.AddTool(tool)
	}
	for _, env := range envs {
		b.AddEnv(env)
	}
	b.AddTask(task)
	reg, err := b.Seal()
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	return reg
}

func TestArgListActionChainsReturnValueIntoNextAction(t *testing.T) {
	task := registry.Task{
		Name: "/echo",
		Actions: []registry.Action{
			{Kind: registry.ActionArgList, Args: []string{"echo", "hello"}, SourceBody: "1"},
			{Kind: registry.ActionArgList, Args: []string{"echo"}, SourceBody: "2"},
		},
	}
	reg := newTestRegistry(t, nil, nil, task)

	inv, err := NewInvoker(reg, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	taskPtr, _ := reg.Task("/echo")

	var out, errBuf bytes.Buffer
	result, err := inv.ExecuteTask(context.Background(), lua.NewState(), taskPtr, RunParams{
		Out: &out,
		Err: &errBuf,
	})
	if err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}
	if result == "" {
		t.Fatal("expected a non-empty final output")
	}
}

func TestScriptActionRunsAcrossStateBoundary(t *testing.T) {
	defState := script.NewDefinitionState(t.TempDir())
	defer defState.Close()

	if err := defState.DoString(`
		result_fn = function(ctx)
			return "script-output"
		end
	`); err != nil {
		t.Fatalf("loading script: %v", err)
	}
	fnVal := defState.GetGlobal("result_fn")
	fn, ok := fnVal.(*lua.LFunction)
	if !ok {
		t.Fatalf("expected a function global, got %T", fnVal)
	}

	dv, err := script.Detach(fn)
	if err != nil {
		t.Fatalf("detach: %v", err)
	}
	df, err := script.UnwrapFunction(dv)
	if err != nil {
		t.Fatalf("unwrap: %v", err)
	}

	task := registry.Task{
		Name: "/scripty",
		Actions: []registry.Action{
			{Kind: registry.ActionScript, ScriptRef: registry.ScriptFunctionRef{Handle: df}, SourceBody: "1"},
		},
	}
	reg := newTestRegistry(t, nil, nil, task)
	inv, err := NewInvoker(reg, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	taskPtr, _ := reg.Task("/scripty")

	workerState := script.NewWorkerState(t.TempDir())
	defer workerState.Close()

	var out, errBuf bytes.Buffer
	result, err := inv.ExecuteTask(context.Background(), workerState, taskPtr, RunParams{
		Out: &out,
		Err: &errBuf,
	})
	if err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}
	if result != "script-output" {
		t.Fatalf("got %q, want %q", result, "script-output")
	}
}

func TestExecuteTaskValuePreservesTableStructure(t *testing.T) {
	defState := script.NewDefinitionState(t.TempDir())
	defer defState.Close()

	if err := defState.DoString(`
		calc_fn = function(ctx)
			return { files = {"a.txt", "b.txt"}, tasks = {"/lib:build"} }
		end
	`); err != nil {
		t.Fatalf("loading script: %v", err)
	}
	fn, ok := defState.GetGlobal("calc_fn").(*lua.LFunction)
	if !ok {
		t.Fatalf("expected function global")
	}
	dv, err := script.Detach(fn)
	if err != nil {
		t.Fatalf("detach: %v", err)
	}
	df, err := script.UnwrapFunction(dv)
	if err != nil {
		t.Fatalf("unwrap: %v", err)
	}

	task := registry.Task{
		Name: "/calc-libs",
		Actions: []registry.Action{
			{Kind: registry.ActionScript, ScriptRef: registry.ScriptFunctionRef{Handle: df}, SourceBody: "1"},
		},
	}
	reg := newTestRegistry(t, nil, nil, task)
	inv, err := NewInvoker(reg, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	taskPtr, _ := reg.Task("/calc-libs")

	workerState := script.NewWorkerState(t.TempDir())
	defer workerState.Close()

	var out, errBuf bytes.Buffer
	value, err := inv.ExecuteTaskValue(context.Background(), workerState, taskPtr, RunParams{Out: &out, Err: &errBuf})
	if err != nil {
		t.Fatalf("ExecuteTaskValue: %v", err)
	}

	result := ParseCalcDepResult(value)
	if len(result.Files) != 2 || result.Files[0] != "a.txt" || result.Files[1] != "b.txt" {
		t.Fatalf("unexpected files: %#v", result.Files)
	}
	if len(result.Tasks) != 1 || result.Tasks[0] != "/lib:build" {
		t.Fatalf("unexpected tasks: %#v", result.Tasks)
	}
	if len(result.Vars) != 0 {
		t.Fatalf("expected no vars, got %#v", result.Vars)
	}
}

func TestParseCalcDepResultNonTableIsEmpty(t *testing.T) {
	result := ParseCalcDepResult(lua.LString("plain string"))
	if len(result.Files) != 0 || len(result.Tasks) != 0 || len(result.Vars) != 0 {
		t.Fatalf("expected empty result for non-table value, got %#v", result)
	}
	result = ParseCalcDepResult(nil)
	if len(result.Files) != 0 {
		t.Fatalf("expected empty result for nil value")
	}
}

func TestArgListActionResolvesToolAlias(t *testing.T) {
	tool := registry.Tool{
		Name:    "/echotool",
		Backend: "native",
		Action:  registry.Action{Args: []string{"echo"}},
	}
	task := registry.Task{
		Name: "/use-tool",
		Actions: []registry.Action{
			{
				Kind:        registry.ActionArgList,
				Args:        []string{"hi"},
				Tool:        "e",
				ToolAliases: map[string]string{"e": "/echotool"},
			},
		},
	}
	reg := newTestRegistry(t, []registry.Tool{tool}, nil, task)
	inv, err := NewInvoker(reg, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	taskPtr, _ := reg.Task("/use-tool")

	var out, errBuf bytes.Buffer
	_, err = inv.ExecuteTask(context.Background(), lua.NewState(), taskPtr, RunParams{Out: &out, Err: &errBuf})
	if err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}
}

// TestLoaderDeclaredToolActionExecutes exercises tool-alias resolution
// through the real Loader instead of a hand-built registry.Action, so
// a regression in the loader's own alias bookkeeping (as opposed to
// the invoker's lookup) would be caught here.
func TestLoaderDeclaredToolActionExecutes(t *testing.T) {
	ws := t.TempDir()
	if err := os.WriteFile(filepath.Join(ws, "project.lua"), []byte(`
tool("echo", { action = {"echo"} })
task("t", {
    actions = {
        {tool = "echo", "hi"}
    }
})
`), 0o644); err != nil {
		t.Fatal(err)
	}

	l, err := script.NewLoader(ws)
	if err != nil {
		t.Fatal(err)
	}
	reg, err := l.Load([]string{"."})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	taskPtr, ok := reg.Task("/t")
	if !ok {
		t.Fatal("expected /t to be registered")
	}
	if taskPtr.Actions[0].Tool != "echo" {
		t.Fatalf("expected the action's tool alias to be set, got %+v", taskPtr.Actions[0])
	}

	inv, err := NewInvoker(reg, ws)
	if err != nil {
		t.Fatal(err)
	}

	var out, errBuf bytes.Buffer
	if _, err := inv.ExecuteTask(context.Background(), lua.NewState(), taskPtr, RunParams{Out: &out, Err: &errBuf}); err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}
}
