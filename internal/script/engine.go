package script

import (
	"runtime"

	lua "github.com/yuin/gopher-lua"
)

// NewDefinitionState creates a fresh *lua.LState for evaluating one
// project.lua file during the loading phase. Each project file gets
// its own state; states are never shared or reused across files.
func NewDefinitionState(workspaceDir string) *lua.LState {
	L := lua.NewState()
	installGlobals(L, workspaceDir)
	installStdlib(L)
	return L
}

// NewWorkerState creates a fresh *lua.LState for one scheduler
// worker. Worker states never run project.lua directly; they only
// host hydrated action closures (see package script's Hydrate).
func NewWorkerState(workspaceDir string) *lua.LState {
	L := lua.NewState()
	installGlobals(L, workspaceDir)
	installStdlib(L)
	return L
}

func installGlobals(L *lua.LState, workspaceDir string) {
	workspace := L.NewTable()
	workspace.RawSetString("dir", lua.LString(workspaceDir))
	L.SetGlobal("WORKSPACE", workspace)

	platform := L.NewTable()
	platform.RawSetString("arch", lua.LString(runtime.GOARCH))
	platform.RawSetString("os", lua.LString(runtime.GOOS))
	platform.RawSetString("os_family", lua.LString(osFamily(runtime.GOOS)))
	L.SetGlobal("PLATFORM", platform)
}

func osFamily(goos string) string {
	if goos == "windows" {
		return "windows"
	}
	return "unix"
}

// installStdlib preloads the engine's own built-in modules, named per
// SPEC_FULL §12: path, iter, json, toml, cmd, maybe, scope, version,
// tblext, script_dir. Each is a thin Go-native module; none carry
// authoring logic beyond what backs the declaration forms in §3.
func installStdlib(L *lua.LState) {
	L.PreloadModule("path", pathModuleLoader)
	L.PreloadModule("iter", iterModuleLoader)
	L.PreloadModule("json", jsonModuleLoader)
	L.PreloadModule("toml", tomlModuleLoader)
	L.PreloadModule("cmd", cmdModuleLoader)
	L.PreloadModule("maybe", maybeModuleLoader)
	L.PreloadModule("scope", scopeModuleLoader)
	L.PreloadModule("version", versionModuleLoader)
	L.PreloadModule("tblext", tblextModuleLoader)
	L.PreloadModule("script_dir", scriptDirModuleLoader)
}

const scriptPathRegistryKey = "cobble.script_path"

// SetScriptPath records the path of the file about to be executed on
// L, so the script_dir module can answer without threading the path
// through every declaration function by hand.
func SetScriptPath(L *lua.LState, path string) {
	L.SetGlobal(scriptPathRegistryKey, lua.LString(path))
}
