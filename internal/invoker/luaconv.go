package invoker

import (
	lua "github.com/yuin/gopher-lua"

	"github.com/basket/cobble/internal/registry"
)

// varToLua converts a registry.Var (the engine's tagged-variant value
// type for workspace vars) into a Lua value on L, for the action
// context's `vars` table.
func varToLua(L *lua.LState, v registry.Var) lua.LValue {
	switch v.Kind {
	case registry.VarBool:
		return lua.LBool(v.Bool)
	case registry.VarInt:
		return lua.LNumber(v.Int)
	case registry.VarFloat:
		return lua.LNumber(v.Float)
	case registry.VarList:
		t := L.NewTable()
		for i, item := range v.List {
			t.RawSetInt(i+1, varToLua(L, item))
		}
		return t
	case registry.VarTable:
		t := L.NewTable()
		for k, item := range v.Table {
			t.RawSetString(k, varToLua(L, item))
		}
		return t
	default:
		return lua.LString(v.Str)
	}
}

// CalcDepResult holds the additional files/tasks/vars a calc-dep
// task's output contributes to the consuming task's dependency set
// (SPEC_FULL §4.2 step 4c). A calc-dep task's final action must return
// a table with any of these keys as list-of-string values; absent keys
// contribute nothing.
type CalcDepResult struct {
	Files []string
	Tasks []string
	Vars  []string
}

// ParseCalcDepResult interprets a calc-dep task's raw return value
// (see Invoker.ExecuteTaskValue) as a CalcDepResult. A nil or
// non-table value yields an empty result rather than an error, since a
// calc-dep task that contributes nothing is a legitimate no-op.
func ParseCalcDepResult(v lua.LValue) CalcDepResult {
	var result CalcDepResult
	table, ok := v.(*lua.LTable)
	if !ok {
		return result
	}
	result.Files = stringListField(table, "files")
	result.Tasks = stringListField(table, "tasks")
	result.Vars = stringListField(table, "vars")
	return result
}

func stringListField(table *lua.LTable, key string) []string {
	field, ok := table.RawGetString(key).(*lua.LTable)
	if !ok {
		return nil
	}
	var out []string
	n := field.Len()
	for i := 1; i <= n; i++ {
		out = append(out, field.RawGetInt(i).String())
	}
	return out
}

// luaValueToArgs flattens a Lua value into an argv slice for an
// arg-list action: a table is walked in index order, a bare scalar
// becomes a single argument, and nil becomes no arguments. This is
// the contract an action's return value must satisfy to be usable as
// the next arg-list action's positional arguments (SPEC_FULL §4.2).
func luaValueToArgs(v lua.LValue) []string {
	switch tv := v.(type) {
	case *lua.LNilType, nil:
		return nil
	case *lua.LTable:
		var out []string
		n := tv.Len()
		for i := 1; i <= n; i++ {
			out = append(out, tv.RawGetInt(i).String())
		}
		return out
	default:
		return []string{tv.String()}
	}
}
