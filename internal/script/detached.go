// Package script wraps the embedded gopher-lua runtime: one
// *lua.LState per project-definition load and one per scheduler
// worker, plus the cross-state closure transport action bodies need
// to move from the project-definition state to a worker's state.
//
// Grounded on the reference implementation's lua/detached.rs, which
// serializes a function's bytecode and captured upvalues into a
// portable DetachedLuaValue and re-materializes it on another Lua
// state. gopher-lua has no string.dump/debug.getupvalue, so this
// package instead copies the already state-independent *FunctionProto
// and walks the *LFunction's Upvalues directly.
package script

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// DetachedValue is a portable snapshot of a Lua value, safe to hold
// and move between goroutines/LStates. Only the subset of Lua types
// an action context plausibly carries is supported; anything else
// (userdata, channels, unsupported native module references) is
// rejected at Detach time, per the reference implementation's rule
// that native module references are rejected at extraction, not at
// call time.
type DetachedValue struct {
	kind  detachedKind
	str   string
	num   float64
	boolv bool
	table []detachedEntry // ordered for determinism; used for both arrays and maps
	fn    *DetachedFunction
}

type detachedKind int

const (
	detachedNil detachedKind = iota
	detachedBool
	detachedNumber
	detachedString
	detachedTable
	detachedFunction
)

type detachedEntry struct {
	key DetachedValue
	val DetachedValue
}

// DetachedFunction is a function's bytecode plus a snapshot of its
// captured upvalues, portable across *lua.LState instances.
type DetachedFunction struct {
	Proto    *lua.FunctionProto
	Upvalues []DetachedValue
}

// Detach extracts a portable representation of v. Script functions
// that reference a native Go module other than the engine's own
// built-ins are impossible to represent faithfully (they'd need to
// carry live Go state across the boundary) and are rejected here.
func Detach(v lua.LValue) (DetachedValue, error) {
	switch tv := v.(type) {
	case *lua.LNilType:
		return DetachedValue{kind: detachedNil}, nil
	case lua.LBool:
		return DetachedValue{kind: detachedBool, boolv: bool(tv)}, nil
	case lua.LNumber:
		return DetachedValue{kind: detachedNumber, num: float64(tv)}, nil
	case lua.LString:
		return DetachedValue{kind: detachedString, str: string(tv)}, nil
	case *lua.LTable:
		return detachTable(tv)
	case *lua.LFunction:
		return detachFunction(tv)
	case *lua.LUserData:
		return DetachedValue{}, fmt.Errorf("cannot detach userdata value %v: native module references are not portable across worker states", tv)
	default:
		return DetachedValue{}, fmt.Errorf("cannot detach value of type %T", v)
	}
}

func detachTable(t *lua.LTable) (DetachedValue, error) {
	var entries []detachedEntry
	var outerErr error
	t.ForEach(func(k, v lua.LValue) {
		if outerErr != nil {
			return
		}
		dk, err := Detach(k)
		if err != nil {
			outerErr = fmt.Errorf("table key: %w", err)
			return
		}
		dv, err := Detach(v)
		if err != nil {
			outerErr = fmt.Errorf("table value at key %v: %w", k, err)
			return
		}
		entries = append(entries, detachedEntry{key: dk, val: dv})
	})
	if outerErr != nil {
		return DetachedValue{}, outerErr
	}
	return DetachedValue{kind: detachedTable, table: entries}, nil
}

// detachFunction extracts a Lua closure's compiled prototype (already
// state-independent) and a value snapshot of every upvalue it
// captured. If any captured value is itself a function, it is
// detached recursively, preserving closures-over-closures.
func detachFunction(fn *lua.LFunction) (DetachedValue, error) {
	if fn.IsG {
		return DetachedValue{}, fmt.Errorf("cannot detach a native Go-backed function: only script-defined actions may cross worker states")
	}

	df := &DetachedFunction{Proto: fn.Proto}
	for _, uv := range fn.Upvalues {
		dv, err := Detach(uv.Value())
		if err != nil {
			return DetachedValue{}, fmt.Errorf("upvalue: %w", err)
		}
		df.Upvalues = append(df.Upvalues, dv)
	}
	return DetachedValue{kind: detachedFunction, fn: df}, nil
}

// UnwrapFunction extracts the *DetachedFunction from a
// function-kinded DetachedValue, for callers that detached a script
// closure at load time and want to hold onto just the function (e.g.
// registry.ScriptFunctionRef.Handle) rather than the full
// DetachedValue wrapper.
func UnwrapFunction(dv DetachedValue) (*DetachedFunction, error) {
	if dv.kind != detachedFunction || dv.fn == nil {
		return nil, fmt.Errorf("detached value is not a function")
	}
	return dv.fn, nil
}

// WrapFunction builds a function-kinded DetachedValue around an
// already-detached function, for callers (package invoker) that hold
// onto a *DetachedFunction directly rather than a full DetachedValue.
func WrapFunction(df *DetachedFunction) DetachedValue {
	return DetachedValue{kind: detachedFunction, fn: df}
}

// Hydrate re-materializes a DetachedValue on dst, constructing fresh
// *lua.LFunction / *lua.LTable / *lua.Upvalue values bound to dst.
func Hydrate(dst *lua.LState, dv DetachedValue) (lua.LValue, error) {
	switch dv.kind {
	case detachedNil:
		return lua.LNil, nil
	case detachedBool:
		return lua.LBool(dv.boolv), nil
	case detachedNumber:
		return lua.LNumber(dv.num), nil
	case detachedString:
		return lua.LString(dv.str), nil
	case detachedTable:
		t := dst.NewTable()
		for _, e := range dv.table {
			k, err := Hydrate(dst, e.key)
			if err != nil {
				return nil, err
			}
			v, err := Hydrate(dst, e.val)
			if err != nil {
				return nil, err
			}
			t.RawSet(k, v)
		}
		return t, nil
	case detachedFunction:
		return hydrateFunction(dst, dv.fn)
	default:
		return nil, fmt.Errorf("unknown detached value kind %d", dv.kind)
	}
}

func hydrateFunction(dst *lua.LState, df *DetachedFunction) (*lua.LFunction, error) {
	upvalues := make([]*lua.Upvalue, len(df.Upvalues))
	for i, dv := range df.Upvalues {
		v, err := Hydrate(dst, dv)
		if err != nil {
			return nil, fmt.Errorf("hydrating upvalue %d: %w", i, err)
		}
		uv := &lua.Upvalue{}
		uv.SetValue(v)
		upvalues[i] = uv
	}

	return &lua.LFunction{
		IsG:      false,
		Env:      dst.Env,
		Proto:    df.Proto,
		Upvalues: upvalues,
	}, nil
}
