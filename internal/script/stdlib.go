package script

import (
	"bytes"
	"encoding/json"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
	lua "github.com/yuin/gopher-lua"
)

// pathModuleLoader backs the `path` stdlib module with path/filepath.
func pathModuleLoader(L *lua.LState) int {
	mod := L.NewTable()
	L.SetFuncs(mod, map[string]lua.LGFunction{
		"join": func(L *lua.LState) int {
			n := L.GetTop()
			parts := make([]string, n)
			for i := 1; i <= n; i++ {
				parts[i-1] = L.CheckString(i)
			}
			L.Push(lua.LString(filepath.Join(parts...)))
			return 1
		},
		"dir": func(L *lua.LState) int {
			L.Push(lua.LString(filepath.Dir(L.CheckString(1))))
			return 1
		},
		"base": func(L *lua.LState) int {
			L.Push(lua.LString(filepath.Base(L.CheckString(1))))
			return 1
		},
		"ext": func(L *lua.LState) int {
			L.Push(lua.LString(filepath.Ext(L.CheckString(1))))
			return 1
		},
	})
	L.Push(mod)
	return 1
}

// iterModuleLoader backs the `iter` stdlib module with a small
// table-iteration-protocol helper used by project scripts to build
// dependency lists.
func iterModuleLoader(L *lua.LState) int {
	mod := L.NewTable()
	L.SetFuncs(mod, map[string]lua.LGFunction{
		"map": func(L *lua.LState) int {
			tbl := L.CheckTable(1)
			fn := L.CheckFunction(2)
			out := L.NewTable()
			idx := 1
			tbl.ForEach(func(_, v lua.LValue) {
				L.Push(fn)
				L.Push(v)
				L.Call(1, 1)
				out.RawSetInt(idx, L.Get(-1))
				L.Pop(1)
				idx++
			})
			L.Push(out)
			return 1
		},
		"filter": func(L *lua.LState) int {
			tbl := L.CheckTable(1)
			fn := L.CheckFunction(2)
			out := L.NewTable()
			idx := 1
			tbl.ForEach(func(_, v lua.LValue) {
				L.Push(fn)
				L.Push(v)
				L.Call(1, 1)
				keep := lua.LVAsBool(L.Get(-1))
				L.Pop(1)
				if keep {
					out.RawSetInt(idx, v)
					idx++
				}
			})
			L.Push(out)
			return 1
		},
	})
	L.Push(mod)
	return 1
}

// jsonModuleLoader backs the `json` stdlib module with encoding/json.
func jsonModuleLoader(L *lua.LState) int {
	mod := L.NewTable()
	L.SetFuncs(mod, map[string]lua.LGFunction{
		"encode": func(L *lua.LState) int {
			v := LValueToGo(L.CheckAny(1))
			data, err := json.Marshal(v)
			if err != nil {
				L.RaiseError("json.encode: %v", err)
			}
			L.Push(lua.LString(string(data)))
			return 1
		},
		"decode": func(L *lua.LState) int {
			s := L.CheckString(1)
			var v any
			if err := json.Unmarshal([]byte(s), &v); err != nil {
				L.RaiseError("json.decode: %v", err)
			}
			L.Push(GoToLValue(L, v))
			return 1
		},
	})
	L.Push(mod)
	return 1
}

// tomlModuleLoader backs the `toml` stdlib module with go-toml/v2.
func tomlModuleLoader(L *lua.LState) int {
	mod := L.NewTable()
	L.SetFuncs(mod, map[string]lua.LGFunction{
		"decode": func(L *lua.LState) int {
			s := L.CheckString(1)
			var v map[string]any
			if err := toml.Unmarshal([]byte(s), &v); err != nil {
				L.RaiseError("toml.decode: %v", err)
			}
			L.Push(GoToLValue(L, v))
			return 1
		},
	})
	L.Push(mod)
	return 1
}

// cmdModuleLoader backs the `cmd` stdlib module: a synchronous
// subprocess runner scripts can call directly from an action body,
// distinct from (and simpler than) the tool-invocation backends in
// package invoker, which front the declared `tool`/`env` aliases
// instead of ad hoc calls.
func cmdModuleLoader(L *lua.LState) int {
	mod := L.NewTable()
	L.SetFuncs(mod, map[string]lua.LGFunction{
		"run": func(L *lua.LState) int {
			argTbl := L.CheckTable(1)
			var args []string
			argTbl.ForEach(func(_, v lua.LValue) { args = append(args, v.String()) })
			if len(args) == 0 {
				L.RaiseError("cmd.run: expected a non-empty argument list")
			}

			c := exec.Command(args[0], args[1:]...)
			var stdout, stderr bytes.Buffer
			c.Stdout = &stdout
			c.Stderr = &stderr
			runErr := c.Run()

			result := L.NewTable()
			result.RawSetString("stdout", lua.LString(stdout.String()))
			result.RawSetString("stderr", lua.LString(stderr.String()))
			exitCode := 0
			if exitErr, ok := runErr.(*exec.ExitError); ok {
				exitCode = exitErr.ExitCode()
			} else if runErr != nil {
				L.RaiseError("cmd.run: %v", runErr)
			}
			result.RawSetString("exit_code", lua.LNumber(exitCode))
			L.Push(result)
			return 1
		},
	})
	L.Push(mod)
	return 1
}

// scriptDirModuleLoader backs the `script_dir` stdlib module: a
// single function returning the directory of the currently-executing
// project script, keyed off the path SetScriptPath recorded.
func scriptDirModuleLoader(L *lua.LState) int {
	mod := L.NewTable()
	L.SetFuncs(mod, map[string]lua.LGFunction{
		"get": func(L *lua.LState) int {
			path, ok := L.GetGlobal(scriptPathRegistryKey).(lua.LString)
			if !ok {
				L.RaiseError("script_dir.get: no script path recorded for this state")
			}
			L.Push(lua.LString(filepath.Dir(string(path))))
			return 1
		},
	})
	L.Push(mod)
	return 1
}

// maybeModuleLoader backs the `maybe` stdlib module, an
// optional-value wrapper used by scripts to write null-safe
// declaration logic without a real Option type.
func maybeModuleLoader(L *lua.LState) int {
	mod := L.NewTable()
	L.SetFuncs(mod, map[string]lua.LGFunction{
		"of": func(L *lua.LState) int {
			L.Push(L.CheckAny(1))
			return 1
		},
		"or_else": func(L *lua.LState) int {
			v := L.CheckAny(1)
			fallback := L.CheckAny(2)
			if v == lua.LNil {
				L.Push(fallback)
			} else {
				L.Push(v)
			}
			return 1
		},
	})
	L.Push(mod)
	return 1
}

// scopeModuleLoader backs the `scope` stdlib module's scoped-cleanup
// primitive: scope.defer(fn) registers fn to run, LIFO, when the
// enclosing action context is torn down. The actual LIFO invocation
// happens in package invoker via the scope registered on each
// *lua.LState through RegisterScope.
func scopeModuleLoader(L *lua.LState) int {
	mod := L.NewTable()
	L.SetFuncs(mod, map[string]lua.LGFunction{
		"defer": func(L *lua.LState) int {
			fn := L.CheckFunction(1)
			s := scopeFromState(L)
			s.deferred = append(s.deferred, fn)
			return 0
		},
	})
	L.Push(mod)
	return 1
}

type cleanupScope struct {
	deferred []*lua.LFunction
}

const scopeRegistryKey = "cobble.scope"

func scopeFromState(L *lua.LState) *cleanupScope {
	ud, ok := L.GetGlobal(scopeRegistryKey).(*lua.LUserData)
	if !ok {
		s := &cleanupScope{}
		nud := L.NewUserData()
		nud.Value = s
		L.SetGlobal(scopeRegistryKey, nud)
		return s
	}
	return ud.Value.(*cleanupScope)
}

// RunScopedCleanup invokes every deferred cleanup registered on L via
// scope.defer, in LIFO order, swallowing nothing: callers should log
// but not abort on a cleanup error, mirroring Go's own defer-in-a-loop
// idiom for "best effort, always run all of them."
func RunScopedCleanup(L *lua.LState) []error {
	ud, ok := L.GetGlobal(scopeRegistryKey).(*lua.LUserData)
	if !ok {
		return nil
	}
	s := ud.Value.(*cleanupScope)
	var errs []error
	for i := len(s.deferred) - 1; i >= 0; i-- {
		fn := s.deferred[i]
		if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
			errs = append(errs, err)
		}
	}
	s.deferred = nil
	return errs
}

// versionModuleLoader backs the `version` stdlib module with a small
// semver-ish dotted-integer comparator.
func versionModuleLoader(L *lua.LState) int {
	mod := L.NewTable()
	L.SetFuncs(mod, map[string]lua.LGFunction{
		"compare": func(L *lua.LState) int {
			a := L.CheckString(1)
			b := L.CheckString(2)
			L.Push(lua.LNumber(compareVersions(a, b)))
			return 1
		},
	})
	L.Push(mod)
	return 1
}

func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		av, bv := 0, 0
		if i < len(as) {
			av, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bv, _ = strconv.Atoi(bs[i])
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}

// tblextModuleLoader backs the `tblext` stdlib module: table-extension
// helpers (deep copy, merge) used pervasively by project scripts to
// compose declaration tables.
func tblextModuleLoader(L *lua.LState) int {
	mod := L.NewTable()
	L.SetFuncs(mod, map[string]lua.LGFunction{
		"merge": func(L *lua.LState) int {
			dst := L.CheckTable(1)
			src := L.CheckTable(2)
			out := L.NewTable()
			dst.ForEach(func(k, v lua.LValue) { out.RawSet(k, v) })
			src.ForEach(func(k, v lua.LValue) { out.RawSet(k, v) })
			L.Push(out)
			return 1
		},
		"deepcopy": func(L *lua.LState) int {
			v := GoToLValue(L, LValueToGo(L.CheckAny(1)))
			L.Push(v)
			return 1
		},
	})
	L.Push(mod)
	return 1
}

// LValueToGo converts a Lua value into a plain Go value
// (string/float64/bool/nil/[]any/map[string]any), used both by the
// json/toml modules and by declaration-table validation.
func LValueToGo(v lua.LValue) any {
	switch tv := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(tv)
	case lua.LNumber:
		return float64(tv)
	case lua.LString:
		return string(tv)
	case *lua.LTable:
		return lTableToGo(tv)
	default:
		return nil
	}
}

func lTableToGo(t *lua.LTable) any {
	maxN := t.Len()
	isArray := maxN > 0
	if isArray {
		for i := 1; i <= maxN; i++ {
			if t.RawGetInt(i) == lua.LNil {
				isArray = false
				break
			}
		}
	}
	if isArray {
		out := make([]any, 0, maxN)
		for i := 1; i <= maxN; i++ {
			out = append(out, LValueToGo(t.RawGetInt(i)))
		}
		return out
	}
	out := make(map[string]any)
	t.ForEach(func(k, v lua.LValue) {
		out[k.String()] = LValueToGo(v)
	})
	return out
}

// GoToLValue converts a plain Go value back into a Lua value on L.
func GoToLValue(L *lua.LState, v any) lua.LValue {
	switch tv := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(tv)
	case float64:
		return lua.LNumber(tv)
	case int:
		return lua.LNumber(tv)
	case string:
		return lua.LString(tv)
	case []any:
		t := L.NewTable()
		for i, item := range tv {
			t.RawSetInt(i+1, GoToLValue(L, item))
		}
		return t
	case map[string]any:
		t := L.NewTable()
		for k, item := range tv {
			t.RawSetString(k, GoToLValue(L, item))
		}
		return t
	default:
		return lua.LNil
	}
}
