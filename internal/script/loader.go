package script

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/basket/cobble/internal/cobbleerr"
	"github.com/basket/cobble/internal/hash"
	"github.com/basket/cobble/internal/registry"
	"github.com/basket/cobble/internal/resolve"
	lua "github.com/yuin/gopher-lua"
)

// Loader discovers project.lua files starting from a workspace's
// root_projects, evaluates them, and feeds a sealed registry.Registry.
// Grounded on the reference implementation's project_def/load.rs
// discovery shape: project_dir() recurses, project() declares an
// inline subproject, task/env/tool append declaration frames.
type Loader struct {
	WorkspaceDir string
	schemas      *declSchemas
	builder      *registry.Builder
	defFiles     map[string][]string // project absolute name -> contributing source files
}

// NewLoader creates a Loader for workspaceDir, compiling the
// declaration JSON schemas once up front.
func NewLoader(workspaceDir string) (*Loader, error) {
	schemas, err := loadDeclSchemas()
	if err != nil {
		return nil, fmt.Errorf("loading declaration schemas: %w", err)
	}
	return &Loader{
		WorkspaceDir: workspaceDir,
		schemas:      schemas,
		builder:      registry.NewBuilder(),
		defFiles:     make(map[string][]string),
	}, nil
}

// Load walks every root project directory and returns the sealed
// registry, or an aggregated DefinitionError covering every problem
// found (loading continues past one file's error).
func (l *Loader) Load(rootProjects []string) (*registry.Registry, error) {
	dirs := append([]string{}, rootProjects...)
	sort.Strings(dirs)
	for _, dir := range dirs {
		l.loadProjectDir(dir, resolve.ProjectName(dir), "")
	}
	return l.builder.Seal()
}

// loadProjectDir loads the project.lua at relDir. parentName is the
// project() name it was reached from via project_dir() ("" for a
// root project), so its ancestors' defining files can be carried into
// projectName's own list before its own project.lua is appended.
func (l *Loader) loadProjectDir(relDir, projectName, parentName string) {
	absDir := filepath.Join(l.WorkspaceDir, relDir)
	scriptPath := filepath.Join(absDir, "project.lua")
	if _, err := os.Stat(scriptPath); err != nil {
		if os.IsNotExist(err) {
			return
		}
		l.builder.Fail(&cobbleerr.DefinitionError{SourceFile: scriptPath, Msg: err.Error()})
		return
	}
	l.runProjectScript(scriptPath, relDir, projectName, parentName)
}

func (l *Loader) runProjectScript(scriptPath, relDir, projectName, parentName string) {
	L := NewDefinitionState(l.WorkspaceDir)
	defer L.Close()

	if parentName != "" {
		l.defFiles[projectName] = append(l.defFiles[projectName], l.defFiles[parentName]...)
	}
	l.defFiles[projectName] = append(l.defFiles[projectName], relDir+"/project.lua")

	ctx := &loadContext{
		loader:      l,
		projectName: projectName,
		projectDir:  relDir,
		sourceFile:  scriptPath,
		toolAliases: make(map[string]string),
		envAliases:  make(map[string]string),
	}
	installDeclarationFns(L, ctx)
	SetScriptPath(L, scriptPath)

	if err := L.DoFile(scriptPath); err != nil {
		l.builder.Fail(&cobbleerr.DefinitionError{SourceFile: scriptPath, Msg: err.Error()})
	}
}

// loadContext carries the declaring project's identity through the
// declaration-function closures registered on one LState. This is
// the explicit Builder-threading replacement for the scripting
// runtime's PROJECT/cobble globals (Design Notes: "Global mutable
// state").
type loadContext struct {
	loader      *Loader
	projectName string
	projectDir  string
	sourceFile  string
	toolAliases map[string]string
	envAliases  map[string]string
}

func installDeclarationFns(L *lua.LState, ctx *loadContext) {
	L.SetGlobal("task", L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		defn := L.CheckTable(2)
		ctx.declareTask(L, name, defn)
		return 0
	}))
	L.SetGlobal("env", L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		defn := L.CheckTable(2)
		ctx.declareEnv(L, name, defn)
		return 0
	}))
	L.SetGlobal("tool", L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		defn := L.CheckTable(2)
		ctx.declareTool(L, name, defn)
		return 0
	}))
	L.SetGlobal("project_dir", L.NewFunction(func(L *lua.LState) int {
		rel := L.CheckString(1)
		childDir := filepath.Join(ctx.projectDir, rel)
		childName := resolve.ProjectName(childDir)
		ctx.loader.loadProjectDir(childDir, childName, ctx.projectName)
		return 0
	}))
	L.SetGlobal("project", L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		defn := L.CheckTable(2)
		childName, err := resolve.Name(name, ctx.projectName)
		if err != nil {
			L.RaiseError("project(%q): %v", name, err)
			return 0
		}
		childCtx := &loadContext{
			loader:      ctx.loader,
			projectName: childName,
			projectDir:  ctx.projectDir,
			sourceFile:  ctx.sourceFile,
			toolAliases: make(map[string]string),
			envAliases:  make(map[string]string),
		}
		// An inline project() shares its parent's source file rather
		// than declaring a new one, so it inherits the parent's
		// defining-files list as-is instead of appending anything.
		if _, seeded := ctx.loader.defFiles[childName]; !seeded {
			ctx.loader.defFiles[childName] = append([]string{}, ctx.loader.defFiles[ctx.projectName]...)
		}
		sub := NewDefinitionState(ctx.loader.WorkspaceDir)
		defer sub.Close()
		installDeclarationFns(sub, childCtx)
		if err := callInlineProject(sub, defn); err != nil {
			ctx.loader.builder.Fail(&cobbleerr.DefinitionError{SourceFile: ctx.sourceFile, Msg: err.Error()})
		}
		return 0
	}))
}

// callInlineProject evaluates an inline project(...) definition table:
// any `task`/`env`/`tool` calls made while building defn already ran
// against the parent state before defn was passed in, so this is a
// no-op placeholder for the rare case a project body wants to defer
// its declarations into a closure field instead of calling task()
// directly; most project.lua files call task()/env()/tool() inline
// and never touch this path.
func callInlineProject(L *lua.LState, defn *lua.LTable) error {
	initFn := defn.RawGetString("init")
	if fn, ok := initFn.(*lua.LFunction); ok {
		return L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true})
	}
	return nil
}

func (c *loadContext) declareTask(L *lua.LState, name string, defn *lua.LTable) {
	absName, err := resolve.Name(name, c.projectName)
	if err != nil {
		c.loader.builder.Fail(&cobbleerr.DefinitionError{SourceFile: c.sourceFile, Msg: err.Error()})
		return
	}

	payload := LValueToGo(defn)
	if err := c.loader.schemas.validate("task", payload); err != nil {
		c.loader.builder.Fail(&cobbleerr.DefinitionError{SourceFile: c.sourceFile, Msg: fmt.Sprintf("task %q: %v", absName, err)})
		return
	}

	t := registry.Task{
		Name:       absName,
		ProjectDir: c.projectDir,
	}

	if envRef, ok := defn.RawGetString("env").(lua.LString); ok {
		resolved, err := resolve.Name(string(envRef), c.projectName)
		if err != nil {
			c.loader.builder.Fail(&cobbleerr.DefinitionError{SourceFile: c.sourceFile, Msg: err.Error()})
			return
		}
		t.Env = resolved
		c.envAliases[string(envRef)] = resolved
	}
	if actions := defn.RawGetString("actions"); actions != lua.LNil {
		t.Actions = c.convertActions(L, actions, absName)
	}
	if clean := defn.RawGetString("clean_actions"); clean != lua.LNil {
		t.CleanActions = c.convertActions(L, clean, absName)
	}
	t.Deps = c.convertDeps(defn.RawGetString("deps"))
	t.Artifacts = c.convertArtifacts(defn.RawGetString("artifacts"))
	t.AlwaysRun = lua.LVAsBool(defn.RawGetString("always_run"))
	t.Interactive = lua.LVAsBool(defn.RawGetString("interactive"))
	t.Default = lua.LVAsBool(defn.RawGetString("default"))
	if s, ok := defn.RawGetString("stdout").(lua.LString); ok {
		t.ShowStdout = registry.OutputPolicy(s)
	}
	if s, ok := defn.RawGetString("stderr").(lua.LString); ok {
		t.ShowStderr = registry.OutputPolicy(s)
	}
	t.DefiningFiles = append([]string{}, c.loader.defFiles[c.projectName]...)

	c.loader.builder.AddTask(t)
}

func (c *loadContext) declareEnv(L *lua.LState, name string, defn *lua.LTable) {
	absName, err := resolve.Name(name, c.projectName)
	if err != nil {
		c.loader.builder.Fail(&cobbleerr.DefinitionError{SourceFile: c.sourceFile, Msg: err.Error()})
		return
	}

	payload := LValueToGo(defn)
	if err := c.loader.schemas.validate("env", payload); err != nil {
		c.loader.builder.Fail(&cobbleerr.DefinitionError{SourceFile: c.sourceFile, Msg: fmt.Sprintf("env %q: %v", absName, err)})
		return
	}

	e := registry.Environment{Name: absName}
	if setup, ok := defn.RawGetString("setup_task").(*lua.LTable); ok {
		setupName := absName + "/setup"
		st := registry.Task{Name: setupName, ProjectDir: c.projectDir}
		if actions := setup.RawGetString("actions"); actions != lua.LNil {
			st.Actions = c.convertActions(L, actions, setupName)
		}
		st.Deps = c.convertDeps(setup.RawGetString("deps"))
		c.loader.builder.AddTask(st)
		e.SetupTask = st
	}
	if act := defn.RawGetString("action"); act != lua.LNil {
		actions := c.convertActions(L, singleActionTable(L, act), absName)
		if len(actions) > 0 {
			e.Action = actions[0]
		}
	}
	c.loader.builder.AddEnv(e)
}

func (c *loadContext) declareTool(L *lua.LState, name string, defn *lua.LTable) {
	payload := LValueToGo(defn)
	if err := c.loader.schemas.validate("tool", payload); err != nil {
		c.loader.builder.Fail(&cobbleerr.DefinitionError{SourceFile: c.sourceFile, Msg: fmt.Sprintf("tool %q: %v", name, err)})
		return
	}

	tool := registry.Tool{Name: name}
	if backend, ok := defn.RawGetString("backend").(lua.LString); ok {
		tool.Backend = string(backend)
	}
	tool.BackendConfig = make(map[string]string)
	if image, ok := defn.RawGetString("image").(lua.LString); ok {
		tool.BackendConfig["image"] = string(image)
	}
	if mod, ok := defn.RawGetString("module").(lua.LString); ok {
		tool.BackendConfig["module"] = string(mod)
	}
	if act := defn.RawGetString("action"); act != lua.LNil {
		actions := c.convertActions(L, singleActionTable(L, act), name)
		if len(actions) > 0 {
			tool.Action = actions[0]
		}
	}
	if chk := defn.RawGetString("check"); chk != lua.LNil {
		actions := c.convertActions(L, singleActionTable(L, chk), name)
		if len(actions) > 0 {
			tool.CheckAction = &actions[0]
		}
	}
	c.loader.builder.AddTool(tool)
}

// singleActionTable wraps a bare action table into a one-element
// array-table, so env/tool actions (declared singly) share the same
// conversion path as a task's action list.
func singleActionTable(L *lua.LState, act lua.LValue) *lua.LTable {
	wrapper := L.NewTable()
	wrapper.RawSetInt(1, act)
	return wrapper
}

func (c *loadContext) convertActions(L *lua.LState, v lua.LValue, owner string) []registry.Action {
	tbl, ok := v.(*lua.LTable)
	if !ok {
		return nil
	}
	var actions []registry.Action
	n := tbl.Len()
	for i := 1; i <= n; i++ {
		actTbl, ok := tbl.RawGetInt(i).(*lua.LTable)
		if !ok {
			continue
		}
		actions = append(actions, c.convertOneAction(actTbl, owner, i))
	}
	return actions
}

func (c *loadContext) convertOneAction(actTbl *lua.LTable, owner string, index int) registry.Action {
	if fn, ok := actTbl.RawGetString("fn").(*lua.LFunction); ok {
		dv, err := Detach(fn)
		if err != nil {
			c.loader.builder.Fail(&cobbleerr.DefinitionError{SourceFile: c.sourceFile, Msg: fmt.Sprintf("action %s#%d: %v", owner, index, err)})
			return registry.Action{Kind: registry.ActionScript, SourceBody: fnSourceBody(fn, owner, index)}
		}
		df, _ := UnwrapFunction(dv)
		return registry.Action{
			Kind:       registry.ActionScript,
			ScriptRef:  registry.ScriptFunctionRef{ProjectState: c.projectName, Handle: df},
			SourceBody: fnSourceBody(fn, owner, index),
		}
	}

	act := registry.Action{Kind: registry.ActionArgList}
	n := actTbl.Len()
	for i := 1; i <= n; i++ {
		if s, ok := actTbl.RawGetInt(i).(lua.LString); ok {
			act.Args = append(act.Args, string(s))
		}
	}
	c.applyToolRef(&act, actTbl.RawGetString("tool"))
	c.applyEnvRef(&act, actTbl.RawGetString("env"))
	act.ToolAliases = cloneMap(c.toolAliases)
	act.EnvAliases = cloneMap(c.envAliases)
	act.SourceBody = hash.String(fmt.Sprintf("%s#%d:%v", owner, index, act.Args))
	return act
}

// applyToolRef registers an action's `tool` reference into the
// project scope's tool alias map before it is cloned onto the action.
// Tool names are looked up globally (SPEC_FULL §4.1), so a bare string
// self-aliases per the original's `tools.insert(tool_name.clone(),
// tool_name)` (action.rs). The table form (`tool = {alias = "/abs/
// tool"}`) registers each alias against its given target directly.
func (c *loadContext) applyToolRef(act *registry.Action, v lua.LValue) {
	switch tv := v.(type) {
	case lua.LString:
		name := string(tv)
		act.Tool = name
		c.toolAliases[name] = name
	case *lua.LTable:
		tv.ForEach(func(k, val lua.LValue) {
			target, ok := val.(lua.LString)
			if !ok {
				return
			}
			alias := string(target)
			if ks, ok := k.(lua.LString); ok {
				alias = string(ks)
			}
			c.toolAliases[alias] = string(target)
			act.Tool = alias
		})
	}
}

// applyEnvRef mirrors applyToolRef for `env` references. Env names are
// project-scoped (registry.Environment.Name is resolved through
// resolve.Name at declaration, unlike tools), so a bare string alias
// is resolved the same way declareTask resolves a task's own env
// field before it is registered as a self-alias.
func (c *loadContext) applyEnvRef(act *registry.Action, v lua.LValue) {
	switch tv := v.(type) {
	case lua.LString:
		name := string(tv)
		resolved, err := resolve.Name(name, c.projectName)
		if err != nil {
			c.loader.builder.Fail(&cobbleerr.DefinitionError{SourceFile: c.sourceFile, Msg: err.Error()})
			return
		}
		act.Env = name
		c.envAliases[name] = resolved
	case *lua.LTable:
		tv.ForEach(func(k, val lua.LValue) {
			target, ok := val.(lua.LString)
			if !ok {
				return
			}
			alias := string(target)
			if ks, ok := k.(lua.LString); ok {
				alias = string(ks)
			}
			c.envAliases[alias] = string(target)
			act.Env = alias
		})
	}
}

func fnSourceBody(fn *lua.LFunction, owner string, index int) string {
	if fn.Proto == nil {
		return fmt.Sprintf("%s#%d:native", owner, index)
	}
	return fmt.Sprintf("%s#%d:%s:%d-%d", owner, index, fn.Proto.SourceName, fn.Proto.LineDefined, fn.Proto.LastLineDefined)
}

func cloneMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (c *loadContext) convertDeps(v lua.LValue) registry.DependencySet {
	tbl, ok := v.(*lua.LTable)
	if !ok {
		return registry.DependencySet{}
	}
	return registry.DependencySet{
		Files: c.resolveFileList(tbl.RawGetString("files")),
		Tasks: c.resolveNameList(tbl.RawGetString("tasks")),
		Vars:  stringList(tbl.RawGetString("vars")),
		Calc:  c.resolveNameList(tbl.RawGetString("calc")),
	}
}

func (c *loadContext) convertArtifacts(v lua.LValue) registry.ArtifactSpec {
	tbl, ok := v.(*lua.LTable)
	if !ok {
		return registry.ArtifactSpec{}
	}
	return registry.ArtifactSpec{
		Files: c.resolveFileList(tbl.RawGetString("files")),
		Calc:  c.resolveNameList(tbl.RawGetString("calc")),
	}
}

func (c *loadContext) resolveFileList(v lua.LValue) []string {
	raw := stringList(v)
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		out = append(out, filepath.Join(c.projectDir, p))
	}
	return out
}

func (c *loadContext) resolveNameList(v lua.LValue) []string {
	raw := stringList(v)
	out := make([]string, 0, len(raw))
	for _, ref := range raw {
		resolved, err := resolve.Name(ref, c.projectName)
		if err != nil {
			c.loader.builder.Fail(&cobbleerr.DefinitionError{SourceFile: c.sourceFile, Msg: err.Error()})
			continue
		}
		out = append(out, resolved)
	}
	return out
}

func stringList(v lua.LValue) []string {
	tbl, ok := v.(*lua.LTable)
	if !ok {
		return nil
	}
	n := tbl.Len()
	out := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		if s, ok := tbl.RawGetInt(i).(lua.LString); ok {
			out = append(out, string(s))
		}
	}
	return out
}
