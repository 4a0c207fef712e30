package invoker

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"

	"github.com/basket/cobble/internal/registry"
)

// buildActionContext assembles the Go-side ActionContext an
// arg-list action's resolved tool/env Invocable receives.
func (inv *Invoker) buildActionContext(action *registry.Action, params RunParams) (*ActionContext, error) {
	toolMap, err := inv.aliasedInvocables(action.ToolAliases, inv.toolBackends)
	if err != nil {
		return nil, err
	}
	envMap, err := inv.aliasedInvocables(action.EnvAliases, inv.envBackends)
	if err != nil {
		return nil, err
	}
	return &ActionContext{
		Tool:    toolMap,
		Env:     envMap,
		Files:   params.Files,
		Tasks:   params.TaskOutputs,
		Vars:    params.Vars,
		Project: ProjectRef{Dir: params.ProjectDir},
		Action:  action,
		Out:     params.Out,
		Err:     params.Err,
	}, nil
}

func (inv *Invoker) aliasedInvocables(aliases map[string]string, backends map[string]Invocable) (map[string]Invocable, error) {
	out := make(map[string]Invocable, len(aliases))
	for alias, abs := range aliases {
		backend, ok := backends[abs]
		if !ok {
			return nil, fmt.Errorf("alias %q resolves to %q, which has no backend", alias, abs)
		}
		out[alias] = backend
	}
	return out, nil
}

// buildLuaActionContext builds the Lua table a script action
// receives as its sole argument, per SPEC_FULL §4.3's field list.
func (inv *Invoker) buildLuaActionContext(L *lua.LState, action *registry.Action, prev lua.LValue, params RunParams) (*lua.LTable, error) {
	goActx, err := inv.buildActionContext(action, params)
	if err != nil {
		return nil, err
	}

	t := L.NewTable()

	toolTbl := L.NewTable()
	for alias, invocable := range goActx.Tool {
		toolTbl.RawSetString(alias, invocableClosure(L, invocable, goActx))
	}
	t.RawSetString("tool", toolTbl)

	envTbl := L.NewTable()
	for alias, invocable := range goActx.Env {
		envTbl.RawSetString(alias, invocableClosure(L, invocable, goActx))
	}
	t.RawSetString("env", envTbl)

	filesTbl := L.NewTable()
	for path, ref := range params.Files {
		entry := L.NewTable()
		entry.RawSetString("path", lua.LString(ref.Path))
		entry.RawSetString("hash", lua.LString(ref.Hash))
		filesTbl.RawSetString(path, entry)
	}
	t.RawSetString("files", filesTbl)

	tasksTbl := L.NewTable()
	for name, output := range params.TaskOutputs {
		tasksTbl.RawSetString(name, lua.LString(output))
	}
	t.RawSetString("tasks", tasksTbl)

	varsTbl := L.NewTable()
	for name, v := range params.Vars {
		varsTbl.RawSetString(name, varToLua(L, v))
	}
	t.RawSetString("vars", varsTbl)

	projectTbl := L.NewTable()
	projectTbl.RawSetString("dir", lua.LString(params.ProjectDir))
	t.RawSetString("project", projectTbl)

	t.RawSetString("args", prev)

	actionTbl := L.NewTable()
	actionTbl.RawSetString("tool", lua.LString(action.Tool))
	actionTbl.RawSetString("env", lua.LString(action.Env))
	t.RawSetString("action", actionTbl)

	t.RawSetString("out", L.NewFunction(func(L *lua.LState) int {
		fmt.Fprint(goActx.Out, L.CheckString(1))
		return 0
	}))
	t.RawSetString("err", L.NewFunction(func(L *lua.LState) int {
		fmt.Fprint(goActx.Err, L.CheckString(1))
		return 0
	}))

	return t, nil
}

// invocableClosure exposes a Go Invocable to script as a callable Lua
// function taking a table of argv-style string arguments.
func invocableClosure(L *lua.LState, invocable Invocable, actx *ActionContext) *lua.LFunction {
	return L.NewFunction(func(L *lua.LState) int {
		argTbl := L.OptTable(1, L.NewTable())
		var args []string
		argTbl.ForEach(func(_, v lua.LValue) { args = append(args, v.String()) })

		out, err := invocable.Invoke(args, actx)
		if err != nil {
			L.RaiseError("%v", err)
		}
		L.Push(lua.LString(out))
		return 1
	})
}
