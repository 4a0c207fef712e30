package scheduler

import (
	"fmt"
	"sort"

	"github.com/basket/cobble/internal/cobbleerr"
	"github.com/basket/cobble/internal/registry"
)

// depGraph is the scheduler's mutable view of task dependency edges,
// distinct from the registry's static declarations because calc-dep
// expansion adds edges discovered only at runtime (SPEC_FULL §4.2
// steps 1-2). An edge from -> to means from must complete before to
// may run.
type depGraph struct {
	nodes map[string]bool
	preds map[string]map[string]bool
	succs map[string]map[string]bool
}

func newDepGraph() *depGraph {
	return &depGraph{
		nodes: make(map[string]bool),
		preds: make(map[string]map[string]bool),
		succs: make(map[string]map[string]bool),
	}
}

func (g *depGraph) addNode(name string) {
	if g.nodes[name] {
		return
	}
	g.nodes[name] = true
	g.preds[name] = make(map[string]bool)
	g.succs[name] = make(map[string]bool)
}

func (g *depGraph) addEdge(from, to string) {
	g.addNode(from)
	g.addNode(to)
	g.preds[to][from] = true
	g.succs[from][to] = true
}

func (g *depGraph) inDegree(name string) int { return len(g.preds[name]) }

// sortedNodes returns every node name, lexicographically sorted — the
// tie-break order the ready queue uses (SPEC_FULL §4.2 last line).
func (g *depGraph) sortedNodes() []string {
	names := make([]string, 0, len(g.nodes))
	for n := range g.nodes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// successors returns name's successor names, sorted.
func (g *depGraph) successors(name string) []string {
	names := make([]string, 0, len(g.succs[name]))
	for s := range g.succs[name] {
		names = append(names, s)
	}
	sort.Strings(names)
	return names
}

// sortedPreds returns name's predecessor names, sorted.
func (g *depGraph) sortedPreds(name string) []string {
	names := make([]string, 0, len(g.preds[name]))
	for p := range g.preds[name] {
		names = append(names, p)
	}
	sort.Strings(names)
	return names
}

// fileIndex maps a declared artifact path to the task that produces it.
type fileIndex map[string]string

func buildFileIndex(reg *registry.Registry) fileIndex {
	idx := make(fileIndex)
	for _, name := range reg.TaskNames() {
		t, _ := reg.Task(name)
		for _, f := range t.Artifacts.Files {
			idx[f] = name
		}
	}
	return idx
}

// staticPreds returns task's statically-known predecessor task names:
// explicit task deps, tasks owning file deps as declared artifacts,
// the task's env's setup task, and its calc-dep tasks (which must run
// before their consumer even though the edges their output implies
// aren't known until they do — SPEC_FULL §4.2 step 1).
func staticPreds(task *registry.Task, reg *registry.Registry, idx fileIndex) []string {
	var preds []string
	preds = append(preds, task.Deps.Tasks...)
	for _, f := range task.Deps.Files {
		if owner, ok := idx[f]; ok && owner != task.Name {
			preds = append(preds, owner)
		}
	}
	if task.Env != "" {
		if env, ok := reg.Env(task.Env); ok && env.SetupTask.Name != "" {
			preds = append(preds, env.SetupTask.Name)
		}
	}
	preds = append(preds, task.Deps.Calc...)
	return preds
}

// selectGraph builds G0 (SPEC_FULL §4.2 step 1): the transitive
// closure of targets over task deps, artifact-owning tasks, env setup
// tasks, and calc-dep tasks.
func selectGraph(reg *registry.Registry, targets []string) (*depGraph, error) {
	idx := buildFileIndex(reg)
	g := newDepGraph()
	visited := make(map[string]bool)

	var visit func(name string) error
	visit = func(name string) error {
		if visited[name] {
			return nil
		}
		visited[name] = true
		task, ok := reg.Task(name)
		if !ok {
			return &cobbleerr.DefinitionError{Msg: fmt.Sprintf("unknown task %q", name)}
		}
		g.addNode(name)
		for _, pred := range staticPreds(task, reg, idx) {
			g.addEdge(pred, name)
			if err := visit(pred); err != nil {
				return err
			}
		}
		return nil
	}

	for _, target := range targets {
		if err := visit(target); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// checkCycles reports the first dependency cycle found in g, or nil.
// Adapted from registry.detectStaticCycles' three-color DFS, re-run
// here against the scheduler's live graph so it also catches cycles
// introduced by runtime calc-dep expansion (SPEC_FULL §4.2 step 2, 4c),
// which the registry's build-time check can't see.
func (g *depGraph) checkCycles() error {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(g.nodes))

	var visit func(name string, stack []string) error
	visit = func(name string, stack []string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return &cobbleerr.DefinitionError{Msg: fmt.Sprintf("dependency cycle detected: %v -> %s", stack, name)}
		}
		state[name] = visiting
		for _, s := range g.successors(name) {
			if err := visit(s, append(stack, name)); err != nil {
				return err
			}
		}
		state[name] = done
		return nil
	}

	for _, n := range g.sortedNodes() {
		if err := visit(n, nil); err != nil {
			return err
		}
	}
	return nil
}
