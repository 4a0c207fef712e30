package registry

import (
	"fmt"
	"sort"

	"github.com/basket/cobble/internal/cobbleerr"
)

// Registry is the immutable, sealed catalog the rest of the engine
// consumes. It is safe to share across goroutines without locking.
type Registry struct {
	tasks map[string]*Task
	envs  map[string]*Environment
	tools map[string]*Tool
}

// Task looks up a task by absolute name.
func (r *Registry) Task(name string) (*Task, bool) {
	t, ok := r.tasks[name]
	return t, ok
}

// Env looks up an environment by absolute name.
func (r *Registry) Env(name string) (*Environment, bool) {
	e, ok := r.envs[name]
	return e, ok
}

// Tool looks up a tool by its flat global name.
func (r *Registry) Tool(name string) (*Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// TaskNames returns every task's absolute name, sorted lexicographically
// (the same tie-break order the scheduler's ready queue uses).
func (r *Registry) TaskNames() []string {
	names := make([]string, 0, len(r.tasks))
	for n := range r.tasks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ToolNames returns every tool's flat name, sorted lexicographically.
func (r *Registry) ToolNames() []string {
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// EnvNames returns every environment's absolute name, sorted
// lexicographically.
func (r *Registry) EnvNames() []string {
	names := make([]string, 0, len(r.envs))
	for n := range r.envs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// DefaultTasksInProject returns the absolute names of every task in
// projectName flagged `default`, or every task in that project if
// none are flagged, matching the CLI's "run a bare project name" rule.
func (r *Registry) DefaultTasksInProject(projectName string) []string {
	var all, def []string
	prefix := projectName
	if prefix != "/" {
		prefix += "/"
	} else {
		prefix = "/"
	}
	for name, t := range r.tasks {
		owned := name == projectName || (len(name) > len(prefix) && name[:len(prefix)] == prefix)
		if !owned {
			continue
		}
		all = append(all, name)
		if t.Default {
			def = append(def, name)
		}
	}
	if len(def) > 0 {
		sort.Strings(def)
		return def
	}
	sort.Strings(all)
	return all
}

// Builder accumulates declarations during the project-definition
// phase and seals them into an immutable Registry. It is the explicit
// replacement for the scripting runtime's global mutable state
// (Design Notes: "Global mutable state").
type Builder struct {
	tasks map[string]*Task
	envs  map[string]*Environment
	tools map[string]*Tool
	errs  []error
}

// NewBuilder creates an empty Builder.
func NewBuilder() *Builder {
	return &Builder{
		tasks: make(map[string]*Task),
		envs:  make(map[string]*Environment),
		tools: make(map[string]*Tool),
	}
}

// AddTask registers a task declaration already resolved to absolute
// names (resolution happens in the loader, which has the declaring
// project's context; the Builder only enforces uniqueness and shape).
func (b *Builder) AddTask(t Task) {
	if _, exists := b.tasks[t.Name]; exists {
		b.errs = append(b.errs, &cobbleerr.DefinitionError{Msg: fmt.Sprintf("duplicate task name %q", t.Name)})
		return
	}
	if len(t.Actions) == 0 && len(t.CleanActions) == 0 {
		b.errs = append(b.errs, &cobbleerr.DefinitionError{Msg: fmt.Sprintf("task %q has no actions", t.Name)})
	}
	if t.ShowStdout == "" {
		t.ShowStdout = OutputOnFail
	}
	if t.ShowStderr == "" {
		t.ShowStderr = OutputOnFail
	}
	cp := t
	b.tasks[t.Name] = &cp
}

// AddEnv registers an environment declaration.
func (b *Builder) AddEnv(e Environment) {
	if _, exists := b.envs[e.Name]; exists {
		b.errs = append(b.errs, &cobbleerr.DefinitionError{Msg: fmt.Sprintf("duplicate env name %q", e.Name)})
		return
	}
	if e.SetupTask.Name == "" {
		b.errs = append(b.errs, &cobbleerr.DefinitionError{Msg: fmt.Sprintf("env %q missing setup_task", e.Name)})
	}
	cp := e
	b.envs[e.Name] = &cp
}

// AddTool registers a tool declaration.
func (b *Builder) AddTool(t Tool) {
	if _, exists := b.tools[t.Name]; exists {
		b.errs = append(b.errs, &cobbleerr.DefinitionError{Msg: fmt.Sprintf("duplicate tool name %q", t.Name)})
		return
	}
	if t.Backend == "" {
		t.Backend = "native"
	}
	cp := t
	b.tools[t.Name] = &cp
}

// Fail appends an arbitrary definition error collected elsewhere (for
// example, a loader parse error) so it surfaces alongside structural
// ones from Seal.
func (b *Builder) Fail(err error) {
	b.errs = append(b.errs, err)
}

// Seal validates every cross-reference and returns the immutable
// Registry, or every accumulated DefinitionError so the caller can
// report them all in one pass.
func (b *Builder) Seal() (*Registry, error) {
	b.validateReferences()

	if len(b.errs) > 0 {
		msgs := make([]string, len(b.errs))
		for i, e := range b.errs {
			msgs[i] = e.Error()
		}
		return nil, &cobbleerr.DefinitionError{Msg: fmt.Sprintf("%d definition error(s):\n%s", len(b.errs), joinLines(msgs))}
	}

	if err := detectStaticCycles(b.tasks, b.envs); err != nil {
		return nil, err
	}

	return &Registry{tasks: b.tasks, envs: b.envs, tools: b.tools}, nil
}

func (b *Builder) validateReferences() {
	for _, t := range b.tasks {
		for _, dep := range t.Deps.Tasks {
			if _, ok := b.tasks[dep]; !ok {
				b.errs = append(b.errs, &cobbleerr.DefinitionError{Msg: fmt.Sprintf("task %q depends on unknown task %q", t.Name, dep)})
			}
		}
		for _, dep := range t.Deps.Calc {
			if _, ok := b.tasks[dep]; !ok {
				b.errs = append(b.errs, &cobbleerr.DefinitionError{Msg: fmt.Sprintf("task %q has unknown calc dependency %q", t.Name, dep)})
			}
		}
		if t.Env != "" {
			if _, ok := b.envs[t.Env]; !ok {
				b.errs = append(b.errs, &cobbleerr.DefinitionError{Msg: fmt.Sprintf("task %q references unknown env %q", t.Name, t.Env)})
			}
		}
		for _, act := range append(append([]Action{}, t.Actions...), t.CleanActions...) {
			b.validateAction(t.Name, act)
		}
	}
	for _, e := range b.envs {
		b.validateAction(e.Name, e.Action)
	}
	for _, tool := range b.tools {
		b.validateAction(tool.Name, tool.Action)
		if tool.CheckAction != nil {
			b.validateAction(tool.Name, *tool.CheckAction)
		}
	}
}

func (b *Builder) validateAction(owner string, act Action) {
	if act.Kind != ActionArgList {
		return
	}
	if act.Tool != "" {
		target, ok := act.ToolAliases[act.Tool]
		if !ok {
			b.errs = append(b.errs, &cobbleerr.DefinitionError{Msg: fmt.Sprintf("%q: action references unknown tool alias %q", owner, act.Tool)})
			return
		}
		if _, ok := b.tools[target]; !ok {
			b.errs = append(b.errs, &cobbleerr.DefinitionError{Msg: fmt.Sprintf("%q: action's tool alias %q resolves to unknown tool %q", owner, act.Tool, target)})
		}
	}
	if act.Env != "" {
		target, ok := act.EnvAliases[act.Env]
		if !ok {
			b.errs = append(b.errs, &cobbleerr.DefinitionError{Msg: fmt.Sprintf("%q: action references unknown env alias %q", owner, act.Env)})
			return
		}
		if _, ok := b.envs[target]; !ok {
			b.errs = append(b.errs, &cobbleerr.DefinitionError{Msg: fmt.Sprintf("%q: action's env alias %q resolves to unknown env %q", owner, act.Env, target)})
		}
	}
}

// detectStaticCycles finds cycles among statically-known edges (task
// deps, task-owning-artifact edges, and env setup tasks). Calc-edges
// are deliberately excluded — they are deferred and re-checked by the
// scheduler after each runtime expansion (Design Notes).
func detectStaticCycles(tasks map[string]*Task, envs map[string]*Environment) error {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(tasks))

	var visit func(name string, stack []string) error
	visit = func(name string, stack []string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return &cobbleerr.DefinitionError{Msg: fmt.Sprintf("dependency cycle detected: %v -> %s", stack, name)}
		}
		state[name] = visiting
		t, ok := tasks[name]
		if ok {
			for _, dep := range t.Deps.Tasks {
				if err := visit(dep, append(stack, name)); err != nil {
					return err
				}
			}
			if t.Env != "" {
				if e, ok := envs[t.Env]; ok {
					if err := visit(e.SetupTask.Name, append(stack, name)); err != nil {
						return err
					}
				}
			}
		}
		state[name] = done
		return nil
	}

	names := make([]string, 0, len(tasks))
	for n := range tasks {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		if err := visit(n, nil); err != nil {
			return err
		}
	}
	return nil
}

func joinLines(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += "  - " + l
	}
	return out
}
