package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/basket/cobble/internal/bus"
	"github.com/basket/cobble/internal/fingerprint"
	"github.com/basket/cobble/internal/invoker"
	cobbleotel "github.com/basket/cobble/internal/otel"
	"github.com/basket/cobble/internal/outputmux"
	"github.com/basket/cobble/internal/registry"
	"github.com/basket/cobble/internal/script"
)

// scriptTask builds a task with a single ActionScript action running
// the given Lua function literal, detached the same way the loader
// detaches a project.lua function for cross-state use.
func scriptTask(t *testing.T, name, luaFn string) registry.Task {
	t.Helper()
	defState := script.NewDefinitionState(t.TempDir())
	defer defState.Close()

	if err := defState.DoString("calc_fn = " + luaFn); err != nil {
		t.Fatalf("loading script: %v", err)
	}
	fn, ok := defState.GetGlobal("calc_fn").(*lua.LFunction)
	if !ok {
		t.Fatalf("expected a function global")
	}
	dv, err := script.Detach(fn)
	if err != nil {
		t.Fatalf("detach: %v", err)
	}
	df, err := script.UnwrapFunction(dv)
	if err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	return registry.Task{
		Name: name,
		Actions: []registry.Action{
			{Kind: registry.ActionScript, ScriptRef: registry.ScriptFunctionRef{Handle: df}, SourceBody: luaFn},
		},
	}
}

// memStore is a fake fingerprint.Store for tests, avoiding a real
// SQLite-backed package store dependency.
type memStore struct {
	mu      sync.Mutex
	records map[string]*fingerprint.Record
}

func newMemStore() *memStore { return &memStore{records: make(map[string]*fingerprint.Record)} }

func (s *memStore) Get(ctx context.Context, taskName string) (*fingerprint.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[taskName]
	return rec, ok, nil
}

func (s *memStore) Put(ctx context.Context, taskName string, rec *fingerprint.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[taskName] = rec
	return nil
}

func newTestScheduler(t *testing.T, reg *registry.Registry, store fingerprint.Store) (*Scheduler, *bus.Bus, string) {
	t.Helper()
	workspaceDir := t.TempDir()

	inv, err := invoker.NewInvoker(reg, workspaceDir)
	if err != nil {
		t.Fatalf("NewInvoker: %v", err)
	}
	fp := fingerprint.NewEngine(store, workspaceDir)
	mux := outputmux.New()
	b := bus.New()
	provider, err := cobbleotel.Init(context.Background(), cobbleotel.Config{Enabled: false})
	if err != nil {
		t.Fatalf("otel.Init: %v", err)
	}
	metrics, err := cobbleotel.NewMetrics(provider.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	return New(reg, inv, fp, mux, b, metrics, provider.Tracer, workspaceDir), b, workspaceDir
}

func argTask(name string, args []string, deps ...string) registry.Task {
	return registry.Task{
		Name:    name,
		Actions: []registry.Action{{Kind: registry.ActionArgList, Args: args, SourceBody: fmt.Sprintf("%v", args)}},
		Deps:    registry.DependencySet{Tasks: deps},
	}
}

func TestRunExecutesTaskAndPersistsFingerprint(t *testing.T) {
	b := registry.NewBuilder()
	b.AddTask(argTask("/build", []string{"true"}))
	reg := mustSeal(t, b)

	store := newMemStore()
	s, _, _ := newTestScheduler(t, reg, store)

	report, err := s.Run(context.Background(), []string{"/build"}, Options{NumThreads: 2})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !report.Success() || report.OK != 1 {
		t.Fatalf("expected a single OK result, got %+v", report)
	}
	if _, ok, _ := store.Get(context.Background(), "/build"); !ok {
		t.Fatal("expected a fingerprint record to be persisted")
	}
}

func TestRunSkipsUpToDateTask(t *testing.T) {
	b := registry.NewBuilder()
	b.AddTask(argTask("/build", []string{"true"}))
	reg := mustSeal(t, b)

	store := newMemStore()
	s, _, _ := newTestScheduler(t, reg, store)

	first, err := s.Run(context.Background(), []string{"/build"}, Options{NumThreads: 1})
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if first.OK != 1 || first.Skipped != 0 {
		t.Fatalf("expected the first run to execute, got %+v", first)
	}

	second, err := s.Run(context.Background(), []string{"/build"}, Options{NumThreads: 1})
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if second.Skipped != 1 || second.OK != 0 {
		t.Fatalf("expected the second run to skip an up-to-date task, got %+v", second)
	}
}

func TestRunForceRunTasksBypassesSkip(t *testing.T) {
	b := registry.NewBuilder()
	b.AddTask(argTask("/build", []string{"true"}))
	reg := mustSeal(t, b)

	store := newMemStore()
	s, _, _ := newTestScheduler(t, reg, store)

	if _, err := s.Run(context.Background(), []string{"/build"}, Options{NumThreads: 1}); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	report, err := s.Run(context.Background(), []string{"/build"}, Options{NumThreads: 1, ForceRunTasks: true})
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if report.OK != 1 || report.Skipped != 0 {
		t.Fatalf("expected ForceRunTasks to bypass the fingerprint skip, got %+v", report)
	}
}

func TestRunPropagatesFailureToDownstreamAsBlocked(t *testing.T) {
	b := registry.NewBuilder()
	b.AddTask(argTask("/broken", []string{"false"}))
	b.AddTask(argTask("/consumer", nil, "/broken"))
	reg := mustSeal(t, b)

	store := newMemStore()
	s, _, _ := newTestScheduler(t, reg, store)

	report, err := s.Run(context.Background(), []string{"/consumer"}, Options{NumThreads: 2})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Success() {
		t.Fatal("expected the run to be unsuccessful")
	}
	if report.Failed != 1 || report.Blocked != 1 {
		t.Fatalf("expected one failure and one blocked task, got %+v", report)
	}
}

func TestRunEmitsStatusChangedEvents(t *testing.T) {
	b := registry.NewBuilder()
	b.AddTask(argTask("/build", []string{"true"}))
	reg := mustSeal(t, b)

	store := newMemStore()
	s, evBus, _ := newTestScheduler(t, reg, store)
	sub := evBus.Subscribe(bus.TopicTaskStatusChanged)
	defer evBus.Unsubscribe(sub)

	if _, err := s.Run(context.Background(), []string{"/build"}, Options{NumThreads: 1}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var sawRunning, sawOK bool
	for {
		select {
		case ev := <-sub.Ch():
			change, ok := ev.Payload.(bus.TaskStatusChangedEvent)
			if !ok || change.TaskName != "/build" {
				continue
			}
			switch change.Status {
			case bus.StatusRunning:
				sawRunning = true
			case bus.StatusOK:
				sawOK = true
			}
		case <-time.After(50 * time.Millisecond):
			if !sawRunning || !sawOK {
				t.Fatalf("expected both Running and OK events for /build, got running=%v ok=%v", sawRunning, sawOK)
			}
			return
		}
	}
}

func TestRunSerializesInteractiveTasks(t *testing.T) {
	b := registry.NewBuilder()
	interactive := argTask("/interactive", []string{"sleep", "0.05"})
	interactive.Interactive = true
	b.AddTask(interactive)
	b.AddTask(argTask("/a", []string{"sleep", "0.05"}))
	b.AddTask(argTask("/c", []string{"sleep", "0.05"}))
	reg := mustSeal(t, b)

	store := newMemStore()
	s, _, _ := newTestScheduler(t, reg, store)

	start := time.Now()
	report, err := s.Run(context.Background(), []string{"/interactive", "/a", "/c"}, Options{NumThreads: 3})
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !report.Success() {
		t.Fatalf("expected success, got %+v", report)
	}
	// /a and /c can run concurrently, but /interactive must run
	// exclusively, so total wall time is at least two sleeps' worth
	// even though three tasks were dispatched to three workers.
	if elapsed < 100*time.Millisecond {
		t.Fatalf("expected interactive exclusion to serialize at least one pair of sleeps, took %v", elapsed)
	}
}

func TestRunExpandsCalcDependencies(t *testing.T) {
	b := registry.NewBuilder()
	b.AddTask(argTask("/lib-build", []string{"true"}))

	discover := registry.Task{
		Name: "/discover",
		Actions: []registry.Action{
			{Kind: registry.ActionArgList, Args: []string{"echo"}, SourceBody: "1"},
		},
	}
	b.AddTask(discover)

	consumer := argTask("/consumer", []string{"true"})
	consumer.Deps.Calc = []string{"/discover"}
	b.AddTask(consumer)
	reg := mustSeal(t, b)

	store := newMemStore()
	s, _, _ := newTestScheduler(t, reg, store)

	// The calc-dep task itself has no way to return a Lua table via a
	// plain arg-list action (that convention needs a script action), so
	// this exercises the no-op path: expandCalcDeps runs /discover,
	// parses its string return as an empty CalcDepResult, and /consumer
	// still completes normally.
	report, err := s.Run(context.Background(), []string{"/consumer"}, Options{NumThreads: 2})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !report.Success() || report.OK != 2 {
		t.Fatalf("expected /discover and /consumer to both succeed, got %+v", report)
	}
}

func TestCalcDependencyDiscoveredFileInvalidatesConsumer(t *testing.T) {
	b := registry.NewBuilder()
	discover := scriptTask(t, "/discover", `function(ctx) return { files = {"gen/a.txt"} } end`)
	b.AddTask(discover)

	consumer := argTask("/consumer", []string{"true"})
	consumer.Deps.Calc = []string{"/discover"}
	b.AddTask(consumer)
	reg := mustSeal(t, b)

	store := newMemStore()
	s, _, workspaceDir := newTestScheduler(t, reg, store)

	if err := os.MkdirAll(filepath.Join(workspaceDir, "gen"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(workspaceDir, "gen/a.txt"), []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Run(context.Background(), []string{"/consumer"}, Options{NumThreads: 2}); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	second, err := s.Run(context.Background(), []string{"/consumer"}, Options{NumThreads: 2})
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if second.OK != 0 || second.Skipped == 0 {
		t.Fatalf("expected /consumer to be up to date on the second run, got %+v", second)
	}

	if err := os.WriteFile(filepath.Join(workspaceDir, "gen/a.txt"), []byte("v2"), 0o644); err != nil {
		t.Fatal(err)
	}
	third, err := s.Run(context.Background(), []string{"/consumer"}, Options{NumThreads: 2})
	if err != nil {
		t.Fatalf("third Run: %v", err)
	}
	if third.OK != 1 {
		t.Fatalf("expected editing the calc-discovered file to invalidate /consumer, got %+v", third)
	}
}

func TestArtifactsCalcFoldsIntoPersistedOutput(t *testing.T) {
	b := registry.NewBuilder()
	genArtifacts := scriptTask(t, "/gen-artifacts", `function(ctx) return { files = {"build/out.bin"} } end`)
	b.AddTask(genArtifacts)

	producer := argTask("/producer", []string{"true"})
	producer.Artifacts.Calc = []string{"/gen-artifacts"}
	b.AddTask(producer)
	reg := mustSeal(t, b)

	store := newMemStore()
	s, _, workspaceDir := newTestScheduler(t, reg, store)

	if err := os.MkdirAll(filepath.Join(workspaceDir, "build"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(workspaceDir, "build/out.bin"), []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Run(context.Background(), []string{"/producer"}, Options{NumThreads: 2}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	rec, ok, err := store.Get(context.Background(), "/producer")
	if err != nil || !ok {
		t.Fatalf("expected a persisted record, ok=%v err=%v", ok, err)
	}
	if _, ok := rec.Output.ArtifactHashes["build/out.bin"]; !ok {
		t.Fatalf("expected the calc-discovered artifact to be hashed into the record, got %+v", rec.Output.ArtifactHashes)
	}

	if err := os.WriteFile(filepath.Join(workspaceDir, "build/out.bin"), []byte("v2"), 0o644); err != nil {
		t.Fatal(err)
	}
	second, err := s.Run(context.Background(), []string{"/producer"}, Options{NumThreads: 2})
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if second.Skipped != 0 {
		t.Fatalf("expected editing the calc-discovered artifact to invalidate /producer, got %+v", second)
	}
}

func TestReverseTopoOrderRunsConsumersBeforeDependencies(t *testing.T) {
	g := newDepGraph()
	g.addEdge("/a", "/b")
	g.addEdge("/b", "/c")

	order, err := reverseTopoOrder(g)
	if err != nil {
		t.Fatalf("reverseTopoOrder: %v", err)
	}
	pos := make(map[string]int, len(order))
	for i, n := range order {
		pos[n] = i
	}
	if pos["/c"] > pos["/b"] || pos["/b"] > pos["/a"] {
		t.Fatalf("expected /c, /b, /a order, got %v", order)
	}
}

func TestReverseTopoOrderDetectsCycle(t *testing.T) {
	g := newDepGraph()
	g.addEdge("/a", "/b")
	g.addEdge("/b", "/a")

	if _, err := reverseTopoOrder(g); err == nil {
		t.Fatal("expected a cycle detection error")
	}
}

func TestCleanRunsCleanActionsInDependencyReverseOrder(t *testing.T) {
	b := registry.NewBuilder()

	lib := argTask("/lib", []string{"true"})
	lib.CleanActions = []registry.Action{{Kind: registry.ActionArgList, Args: []string{"true"}, SourceBody: "clean-lib"}}
	b.AddTask(lib)

	app := argTask("/app", []string{"true"}, "/lib")
	app.CleanActions = []registry.Action{{Kind: registry.ActionArgList, Args: []string{"true"}, SourceBody: "clean-app"}}
	b.AddTask(app)

	reg := mustSeal(t, b)
	store := newMemStore()
	s, evBus, _ := newTestScheduler(t, reg, store)
	sub := evBus.Subscribe(bus.TopicTaskStatusChanged)
	defer evBus.Unsubscribe(sub)

	report, err := s.Clean(context.Background(), []string{"/app"}, Options{})
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if report.OK != 2 || report.Failed != 0 {
		t.Fatalf("expected both clean-actions to succeed, got %+v", report)
	}

	var order []string
	for {
		select {
		case ev := <-sub.Ch():
			change, ok := ev.Payload.(bus.TaskStatusChangedEvent)
			if !ok || change.Status != bus.StatusOK {
				continue
			}
			order = append(order, change.TaskName)
		case <-time.After(20 * time.Millisecond):
			if len(order) != 2 || order[0] != "/app" || order[1] != "/lib" {
				t.Fatalf("expected /app cleaned before /lib, got %v", order)
			}
			return
		}
	}
}

func TestCleanSkipsTasksWithoutCleanActions(t *testing.T) {
	b := registry.NewBuilder()
	b.AddTask(argTask("/build", []string{"true"}))
	reg := mustSeal(t, b)

	store := newMemStore()
	s, _, _ := newTestScheduler(t, reg, store)

	report, err := s.Clean(context.Background(), []string{"/build"}, Options{})
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if report.Skipped != 1 || report.OK != 0 {
		t.Fatalf("expected the task with no clean-actions to be skipped, got %+v", report)
	}
}

func TestRunCancellationStopsNewDispatch(t *testing.T) {
	b := registry.NewBuilder()
	b.AddTask(argTask("/slow-a", []string{"sleep", "0.2"}))
	b.AddTask(argTask("/slow-b", []string{"sleep", "0.2"}))
	reg := mustSeal(t, b)

	store := newMemStore()
	s, _, _ := newTestScheduler(t, reg, store)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	report, err := s.Run(ctx, []string{"/slow-a", "/slow-b"}, Options{NumThreads: 1})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// With a single worker and a context that expires almost
	// immediately, at most one of the two tasks should have been
	// dispatched before cancellation stops the loop from popping more.
	if report.OK+report.Failed > 2 {
		t.Fatalf("unexpected report: %+v", report)
	}
}
