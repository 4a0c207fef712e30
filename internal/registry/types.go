// Package registry holds the engine's immutable, typed data model:
// Task, Environment, Tool, Action, and the Builder that assembles
// them from project-definition declarations into a sealed Registry.
package registry

// VarKind discriminates the dynamic values a task/env var or action
// argument can hold, modeling the scripting runtime's dynamic typing
// as a tagged-variant Go type per SPEC_FULL.md's Design Notes.
type VarKind int

const (
	VarString VarKind = iota
	VarBool
	VarInt
	VarFloat
	VarList
	VarTable
)

// Var is a dynamically-typed value surfaced to and from scripts
// (workspace vars, action arguments, task outputs).
type Var struct {
	Kind  VarKind
	Str   string
	Bool  bool
	Int   int64
	Float float64
	List  []Var
	Table map[string]Var
}

// StringVar builds a string-kinded Var.
func StringVar(s string) Var { return Var{Kind: VarString, Str: s} }

// DependencySet is the three semantic containers every task/action can
// depend on, with all names already resolved to absolute form.
type DependencySet struct {
	Files []string
	Tasks []string
	Vars  []string
	// Calc holds task names whose runtime output extends this
	// dependency set; these are NOT expanded during registry
	// construction (see Design Notes: deferred edges).
	Calc []string
}

// ArtifactSpec describes what a task is expected to produce.
type ArtifactSpec struct {
	Files []string
	// Calc, like DependencySet.Calc, holds task names whose output
	// extends the artifact file list at runtime.
	Calc []string
}

// OutputPolicy mirrors workspace.OutputCondition without importing
// the workspace package, keeping registry dependency-free of CLI/config
// concerns.
type OutputPolicy string

const (
	OutputAlways OutputPolicy = "always"
	OutputNever  OutputPolicy = "never"
	OutputOnFail OutputPolicy = "on_fail"
)

// ActionKind discriminates the two action variants from SPEC_FULL §3.
type ActionKind int

const (
	// ActionScript is a script function plus its captured upvalues.
	ActionScript ActionKind = iota
	// ActionArgList is a command argument list bound to an optional
	// tool or env alias.
	ActionArgList
)

// Action is one step of a task, env-invocation, or tool-invocation.
type Action struct {
	Kind ActionKind

	// ActionScript fields.
	ScriptRef ScriptFunctionRef

	// ActionArgList fields.
	Args []string
	Tool string // tool alias in scope, or "" for the builtin cmd tool
	Env  string // env alias in scope, or ""

	// Scope: alias -> absolute tool/env name, composed at
	// registry-build time (§4.1 scope composition rules).
	ToolAliases map[string]string
	EnvAliases  map[string]string

	// SourceBody is a stable textual representation of the action
	// used to digest action bodies into the fingerprint record
	// (SPEC_FULL §4.4 step 5).
	SourceBody string
}

// ScriptFunctionRef identifies a Lua function value captured during
// project loading, opaque to the registry itself. The concrete
// representation (compiled proto + upvalues) lives in package script;
// the registry only needs to carry and pass it along.
type ScriptFunctionRef struct {
	ProjectState string // name of the originating project, for diagnostics
	Handle       any    // *script.DetachedFunction, type-erased to avoid an import cycle
}

// Task is the central unit of work.
type Task struct {
	Name         string // absolute name
	ProjectDir   string // workspace-root-relative directory of the owning project
	Actions      []Action
	CleanActions []Action
	Env          string // absolute env name, or ""
	Deps         DependencySet
	Artifacts    ArtifactSpec
	AlwaysRun    bool
	Interactive  bool
	Default      bool
	ShowStdout   OutputPolicy
	ShowStderr   OutputPolicy

	// DefiningFiles are every project.lua that contributed to this
	// task's declaration (its own project, plus any project_dir()
	// ancestors) — folded in as an implicit file dependency per
	// SPEC_FULL §16's self-invalidation supplement.
	DefiningFiles []string
}

// Environment pairs a setup task with an invocation action.
type Environment struct {
	Name      string
	SetupTask Task
	Action    Action
}

// Tool is a global, flatly-namespaced external command wrapper.
type Tool struct {
	Name        string
	CheckAction *Action
	Action      Action
	// Backend selects how Action is actually executed: "native"
	// (os/exec, the default), "docker", or "wasm".
	Backend string
	// BackendConfig carries backend-specific settings (e.g. the
	// docker image, or the wasm module path).
	BackendConfig map[string]string
}
