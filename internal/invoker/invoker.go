package invoker

import (
	"context"
	"fmt"
	"io"

	lua "github.com/yuin/gopher-lua"

	"github.com/basket/cobble/internal/cobbleerr"
	"github.com/basket/cobble/internal/registry"
	"github.com/basket/cobble/internal/script"
)

// Invoker builds and caches every tool/env invocation backend once
// per run, then drives one task's actions sequentially on a single
// worker *lua.LState, per SPEC_FULL §4.2/§4.3.
type Invoker struct {
	reg          *registry.Registry
	workspaceDir string

	toolBackends map[string]Invocable // absolute tool name -> backend
	envBackends  map[string]Invocable // absolute env name -> backend

	closers []io.Closer
}

// NewInvoker builds a backend for every declared tool and environment
// up front. Docker/WASM clients are lazy about actually touching the
// daemon/filesystem until first use, so this never blocks on an
// absent Docker socket for a run that never exercises a docker tool.
func NewInvoker(reg *registry.Registry, workspaceDir string) (*Invoker, error) {
	inv := &Invoker{
		reg:          reg,
		workspaceDir: workspaceDir,
		toolBackends: make(map[string]Invocable),
		envBackends:  make(map[string]Invocable),
	}

	for _, name := range reg.ToolNames() {
		tool, _ := reg.Tool(name)
		backend, err := inv.buildToolBackend(tool)
		if err != nil {
			return nil, fmt.Errorf("building backend for tool %q: %w", name, err)
		}
		inv.toolBackends[name] = backend
	}
	for _, name := range reg.EnvNames() {
		env, _ := reg.Env(name)
		inv.envBackends[name] = &NativeBackend{BaseArgs: env.Action.Args, WorkDir: workspaceDir}
	}
	return inv, nil
}

func (inv *Invoker) buildToolBackend(tool *registry.Tool) (Invocable, error) {
	switch tool.Backend {
	case "", "native":
		return &NativeBackend{BaseArgs: tool.Action.Args, WorkDir: inv.workspaceDir}, nil
	case "docker":
		image := tool.BackendConfig["image"]
		backend, err := NewDockerBackend(image, tool.Action.Args, inv.workspaceDir)
		if err != nil {
			return nil, err
		}
		inv.closers = append(inv.closers, backend)
		return backend, nil
	case "wasm":
		modulePath := tool.BackendConfig["module"]
		backend, err := NewWasmBackend(context.Background(), modulePath, inv.workspaceDir)
		if err != nil {
			return nil, err
		}
		inv.closers = append(inv.closers, backend)
		return backend, nil
	default:
		return nil, fmt.Errorf("unknown tool backend %q", tool.Backend)
	}
}

// Close releases every docker/wasm backend's underlying resources.
func (inv *Invoker) Close() error {
	var firstErr error
	for _, c := range inv.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RunParams is everything ExecuteTask needs beyond the task
// declaration itself: the data the scheduler has already gathered.
type RunParams struct {
	Files       map[string]FileRef
	TaskOutputs map[string]string
	Vars        map[string]registry.Var
	ProjectDir  string
	Out         io.Writer
	Err         io.Writer
}

// ExecuteTask runs every one of task's actions in order on L,
// threading action k's return value into action k+1's args, and
// returns the final action's return value stringified for the
// fingerprint record's output digest (SPEC_FULL §3, §4.4).
func (inv *Invoker) ExecuteTask(ctx context.Context, L *lua.LState, task *registry.Task, params RunParams) (string, error) {
	current, err := inv.ExecuteTaskValue(ctx, L, task, params)
	if err != nil {
		return "", err
	}
	if current == lua.LNil || current == nil {
		return "", nil
	}
	return current.String(), nil
}

// ExecuteTaskValue is ExecuteTask without the final stringify step,
// for callers (calc-dep expansion) that need the raw Lua return value
// rather than its digest-ready string form.
func (inv *Invoker) ExecuteTaskValue(ctx context.Context, L *lua.LState, task *registry.Task, params RunParams) (lua.LValue, error) {
	var current lua.LValue = lua.LNil
	for i := range task.Actions {
		action := &task.Actions[i]
		result, err := inv.invokeAction(ctx, L, action, current, params)
		if err != nil {
			return nil, err
		}
		current = result
	}
	return current, nil
}

// InvokeTool runs a declared tool's own backend directly with args,
// bypassing any task (SPEC_FULL §16's `cobble tool <name>`). Unlike an
// arg-list action inside a task, this never composes with BaseArgs
// from a wrapping action — args are exactly what the caller passed.
func (inv *Invoker) InvokeTool(name string, args []string, out, err io.Writer) (string, error) {
	backend, ok := inv.toolBackends[name]
	if !ok {
		return "", fmt.Errorf("no backend for tool %q", name)
	}
	return backend.Invoke(args, &ActionContext{Out: out, Err: err, Args: args})
}

// InvokeCheck runs a tool's declared check action directly, for
// `cobble tool check <name>`. Returns (false, nil) when the tool
// declares no check.
func (inv *Invoker) InvokeCheck(ctx context.Context, L *lua.LState, tool *registry.Tool, params RunParams) (bool, error) {
	if tool.CheckAction == nil {
		return false, nil
	}
	if _, err := inv.invokeAction(ctx, L, tool.CheckAction, lua.LNil, params); err != nil {
		return true, err
	}
	return true, nil
}

// InvokeEnv runs a declared environment's own backend directly with
// args, bypassing any task (SPEC_FULL §16's `cobble env <name>`).
func (inv *Invoker) InvokeEnv(name string, args []string, out, err io.Writer) (string, error) {
	backend, ok := inv.envBackends[name]
	if !ok {
		return "", fmt.Errorf("no backend for environment %q", name)
	}
	return backend.Invoke(args, &ActionContext{Out: out, Err: err, Args: args})
}

func (inv *Invoker) invokeAction(ctx context.Context, L *lua.LState, action *registry.Action, prev lua.LValue, params RunParams) (result lua.LValue, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &cobbleerr.RuntimeError{Err: fmt.Errorf("action panicked: %v", r)}
		}
	}()

	switch action.Kind {
	case registry.ActionScript:
		return inv.invokeScriptAction(L, action, prev, params)
	case registry.ActionArgList:
		return inv.invokeArgListAction(action, prev, params)
	default:
		return nil, &cobbleerr.RuntimeError{Err: fmt.Errorf("unknown action kind %d", action.Kind)}
	}
}

func (inv *Invoker) invokeArgListAction(action *registry.Action, prev lua.LValue, params RunParams) (lua.LValue, error) {
	extra := luaValueToArgs(prev)
	argv := append(append([]string{}, action.Args...), extra...)

	actx, err := inv.buildActionContext(action, params)
	if err != nil {
		return nil, err
	}

	var invocable Invocable
	switch {
	case action.Tool != "":
		abs, ok := action.ToolAliases[action.Tool]
		if !ok {
			return nil, &cobbleerr.RuntimeError{Err: fmt.Errorf("tool alias %q not in scope", action.Tool)}
		}
		invocable, ok = inv.toolBackends[abs]
		if !ok {
			return nil, &cobbleerr.RuntimeError{Err: fmt.Errorf("tool %q has no backend", abs)}
		}
	case action.Env != "":
		abs, ok := action.EnvAliases[action.Env]
		if !ok {
			return nil, &cobbleerr.RuntimeError{Err: fmt.Errorf("env alias %q not in scope", action.Env)}
		}
		invocable, ok = inv.envBackends[abs]
		if !ok {
			return nil, &cobbleerr.RuntimeError{Err: fmt.Errorf("env %q has no backend", abs)}
		}
	default:
		invocable = &NativeBackend{WorkDir: inv.workspaceDir}
	}

	out, err := invocable.Invoke(argv, actx)
	if err != nil {
		return nil, err
	}
	return lua.LString(out), nil
}

func (inv *Invoker) invokeScriptAction(L *lua.LState, action *registry.Action, prev lua.LValue, params RunParams) (lua.LValue, error) {
	df, ok := action.ScriptRef.Handle.(*script.DetachedFunction)
	if !ok || df == nil {
		return nil, &cobbleerr.RuntimeError{Err: fmt.Errorf("script action has no function attached")}
	}

	fn, err := script.Hydrate(L, script.WrapFunction(df))
	if err != nil {
		return nil, &cobbleerr.RuntimeError{Err: fmt.Errorf("hydrating script action: %w", err)}
	}

	actxTable, err := inv.buildLuaActionContext(L, action, prev, params)
	if err != nil {
		return nil, err
	}

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, actxTable); err != nil {
		return nil, &cobbleerr.RuntimeError{Err: fmt.Errorf("script action: %w", err)}
	}
	ret := L.Get(-1)
	L.Pop(1)
	return ret, nil
}
