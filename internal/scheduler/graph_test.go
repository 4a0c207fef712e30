package scheduler

import (
	"testing"

	"github.com/basket/cobble/internal/registry"
)

func mustSeal(t *testing.T, b *registry.Builder) *registry.Registry {
	t.Helper()
	reg, err := b.Seal()
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	return reg
}

func simpleTask(name string, deps ...string) registry.Task {
	return registry.Task{
		Name:    name,
		Actions: []registry.Action{{Kind: registry.ActionArgList, Args: []string{"true"}, SourceBody: "1"}},
		Deps:    registry.DependencySet{Tasks: deps},
	}
}

func TestSelectGraphTransitiveClosure(t *testing.T) {
	b := registry.NewBuilder()
	b.AddTask(simpleTask("/a"))
	b.AddTask(simpleTask("/b", "/a"))
	b.AddTask(simpleTask("/c", "/b"))
	b.AddTask(simpleTask("/unrelated"))
	reg := mustSeal(t, b)

	g, err := selectGraph(reg, []string{"/c"})
	if err != nil {
		t.Fatalf("selectGraph: %v", err)
	}
	names := g.sortedNodes()
	if len(names) != 3 {
		t.Fatalf("expected 3 nodes (a,b,c), got %v", names)
	}
	for _, want := range []string{"/a", "/b", "/c"} {
		if !g.nodes[want] {
			t.Fatalf("expected node %s in graph, got %v", want, names)
		}
	}
	if g.nodes["/unrelated"] {
		t.Fatalf("unrelated task should not be pulled into the graph")
	}
	if g.inDegree("/a") != 0 || g.inDegree("/b") != 1 || g.inDegree("/c") != 1 {
		t.Fatalf("unexpected in-degrees: a=%d b=%d c=%d", g.inDegree("/a"), g.inDegree("/b"), g.inDegree("/c"))
	}
}

func TestSelectGraphUnknownTargetErrors(t *testing.T) {
	b := registry.NewBuilder()
	b.AddTask(simpleTask("/a"))
	reg := mustSeal(t, b)

	if _, err := selectGraph(reg, []string{"/missing"}); err == nil {
		t.Fatal("expected an error for an unknown target")
	}
}

func TestSelectGraphIncludesFileOwnerAndEnvSetupAndCalcDep(t *testing.T) {
	b := registry.NewBuilder()

	// /gen owns build/out.txt as a declared artifact.
	gen := simpleTask("/gen")
	gen.Artifacts = registry.ArtifactSpec{Files: []string{"build/out.txt"}}
	b.AddTask(gen)

	// /env-setup is the env's setup task, registered as an ordinary task
	// (mirroring what script/loader.go's declareEnv does).
	setup := simpleTask("/toolchain/setup")
	b.AddTask(setup)
	b.AddEnv(registry.Environment{
		Name:      "/toolchain",
		SetupTask: setup,
		Action:    registry.Action{Kind: registry.ActionArgList, Args: []string{"true"}},
	})

	// /discover is a calc-dep task for /consumer.
	b.AddTask(simpleTask("/discover"))

	consumer := simpleTask("/consumer")
	consumer.Deps.Files = []string{"build/out.txt"}
	consumer.Deps.Calc = []string{"/discover"}
	consumer.Env = "/toolchain"
	b.AddTask(consumer)

	reg := mustSeal(t, b)

	g, err := selectGraph(reg, []string{"/consumer"})
	if err != nil {
		t.Fatalf("selectGraph: %v", err)
	}
	for _, want := range []string{"/consumer", "/gen", "/toolchain/setup", "/discover"} {
		if !g.nodes[want] {
			t.Fatalf("expected %s in graph, got %v", want, g.sortedNodes())
		}
	}
	for _, pred := range []string{"/gen", "/toolchain/setup", "/discover"} {
		if !g.preds["/consumer"][pred] {
			t.Fatalf("expected %s to be a predecessor of /consumer", pred)
		}
	}
}

func TestCheckCyclesDetectsCycle(t *testing.T) {
	g := newDepGraph()
	g.addEdge("/a", "/b")
	g.addEdge("/b", "/c")
	g.addEdge("/c", "/a")

	if err := g.checkCycles(); err == nil {
		t.Fatal("expected a cycle detection error")
	}
}

func TestCheckCyclesAcceptsDAG(t *testing.T) {
	g := newDepGraph()
	g.addEdge("/a", "/b")
	g.addEdge("/a", "/c")
	g.addEdge("/b", "/d")
	g.addEdge("/c", "/d")

	if err := g.checkCycles(); err != nil {
		t.Fatalf("unexpected cycle error on a legitimate DAG: %v", err)
	}
}
