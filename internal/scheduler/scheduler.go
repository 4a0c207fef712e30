// Package scheduler is the engine's execution core: it selects the
// task graph a run needs, orders it into a lexicographically
// tie-broken ready queue, dispatches a worker pool against it, and
// drives each task through the fingerprint check / calc-dep expansion
// / action invocation / persistence lifecycle described in
// SPEC_FULL §4.2.
//
// Grounded on the reference implementation's execute/execute.rs (job
// graph construction, get_task_job_dependencies) and
// execute/worker.rs (a queue-backed worker pool), reshaped around a
// dynamic ready queue since calc-dep expansion can introduce new
// predecessor edges mid-run, which the original's own worker loop
// re-checks the same way.
package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	lua "github.com/yuin/gopher-lua"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/basket/cobble/internal/bus"
	"github.com/basket/cobble/internal/cobbleerr"
	"github.com/basket/cobble/internal/fingerprint"
	"github.com/basket/cobble/internal/hash"
	"github.com/basket/cobble/internal/invoker"
	cobbleotel "github.com/basket/cobble/internal/otel"
	"github.com/basket/cobble/internal/outputmux"
	"github.com/basket/cobble/internal/registry"
	"github.com/basket/cobble/internal/script"
	"github.com/basket/cobble/internal/shared"
	"github.com/basket/cobble/internal/workspace"
)

// Options carries the per-run knobs the CLI layer resolves from
// workspace.Config and its own flags.
type Options struct {
	NumThreads    int
	ForceRunTasks bool
	Vars          map[string]registry.Var
	ShowStdout    workspace.OutputCondition
	ShowStderr    workspace.OutputCondition
}

// Scheduler wires together every component a run needs: the task
// catalog, the action invoker, the fingerprint engine, the output
// multiplexer, the event bus, and OTel instrumentation.
type Scheduler struct {
	reg          *registry.Registry
	inv          *invoker.Invoker
	fp           *fingerprint.Engine
	mux          *outputmux.Multiplexer
	bus          *bus.Bus
	metrics      *cobbleotel.Metrics
	tracer       trace.Tracer
	workspaceDir string
}

// New builds a Scheduler over an already-sealed Registry and the
// supporting components a run needs.
func New(reg *registry.Registry, inv *invoker.Invoker, fp *fingerprint.Engine, mux *outputmux.Multiplexer, b *bus.Bus, metrics *cobbleotel.Metrics, tracer trace.Tracer, workspaceDir string) *Scheduler {
	return &Scheduler{
		reg:          reg,
		inv:          inv,
		fp:           fp,
		mux:          mux,
		bus:          b,
		metrics:      metrics,
		tracer:       tracer,
		workspaceDir: workspaceDir,
	}
}

// runState is the mutable bookkeeping shared by every worker during
// one Run call: the live dependency graph (mutated by calc-dep
// expansion), the ready queue, and per-task results.
type runState struct {
	mu   sync.Mutex
	cond *sync.Cond

	graph     *depGraph
	inDegree  map[string]int
	ready     []string
	remaining int
	cancelled bool

	outputs      map[string]string // absolute task name -> output digest
	blocked      map[string]bool
	calcExpanded map[string]bool
	calcFiles    map[string][]string // absolute task name -> calc-dep-discovered file paths
	results      map[string]TaskResult
	tracked      map[string]bool // nodes counted in remaining/inDegree

	lastQueueDepth int64
}

func newRunState(g *depGraph) *runState {
	rs := &runState{
		graph:        g,
		inDegree:     make(map[string]int),
		outputs:      make(map[string]string),
		blocked:      make(map[string]bool),
		calcExpanded: make(map[string]bool),
		calcFiles:    make(map[string][]string),
		results:      make(map[string]TaskResult),
		tracked:      make(map[string]bool),
	}
	rs.cond = sync.NewCond(&rs.mu)
	for _, n := range g.sortedNodes() {
		rs.inDegree[n] = g.inDegree(n)
		rs.tracked[n] = true
	}
	rs.remaining = len(g.nodes)
	for _, n := range g.sortedNodes() {
		if rs.inDegree[n] == 0 {
			rs.ready = append(rs.ready, n)
		}
	}
	sort.Strings(rs.ready)
	return rs
}

// popReady blocks until a node is ready to dispatch, the run is
// cancelled, or nothing remains, returning ("", false) in the latter
// two cases.
func (rs *runState) popReady() (string, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for len(rs.ready) == 0 && rs.remaining > 0 && !rs.cancelled {
		rs.cond.Wait()
	}
	if len(rs.ready) == 0 {
		return "", false
	}
	name := rs.ready[0]
	rs.ready = rs.ready[1:]
	return name, true
}

// finish records name's terminal status, releases downstream edges
// (or propagates blocked to them, on failure), and wakes any workers
// waiting on the ready queue.
func (rs *runState) finish(name string, res TaskResult, failed bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	rs.results[name] = res
	rs.remaining--

	if failed {
		rs.blockDownstream(name)
	} else {
		for _, succ := range rs.graph.successors(name) {
			if rs.blocked[succ] {
				continue
			}
			rs.inDegree[succ]--
			if rs.inDegree[succ] == 0 {
				rs.ready = append(rs.ready, succ)
			}
		}
		sort.Strings(rs.ready)
	}
	rs.cond.Broadcast()
}

// blockDownstream marks every transitive consumer of a failed task as
// blocked (SPEC_FULL §4.2 step 4e): they are never dispatched and
// never decrement remaining themselves — their outcome is recorded
// directly here.
func (rs *runState) blockDownstream(name string) {
	var stack []string
	stack = append(stack, rs.graph.successors(name)...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if rs.blocked[n] {
			continue
		}
		if _, done := rs.results[n]; done {
			continue
		}
		rs.blocked[n] = true
		rs.results[n] = TaskResult{Name: n, Status: string(bus.StatusBlocked)}
		rs.remaining--
		stack = append(stack, rs.graph.successors(n)...)
	}
}

// addPreds inserts newly-discovered predecessor edges for consumer
// (from calc-dep expansion), pulling any predecessor task G0 never
// selected into the live run state along with its own statically-known
// predecessors, re-checks the graph for cycles, and leaves consumer's
// in-degree ready to be waited on by the caller (SPEC_FULL §4.2 step
// 4c: "wait on any newly discovered predecessors" applies even when a
// calc-dep task names a task outside the originally selected graph).
func (s *Scheduler) addPreds(rs *runState, consumer string, preds []string) error {
	idx := buildFileIndex(s.reg)
	for _, p := range preds {
		s.ensureTracked(rs, idx, p)
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	for _, p := range preds {
		if rs.graph.preds[consumer][p] {
			continue
		}
		rs.graph.addEdge(p, consumer)
		if _, done := rs.results[p]; !done {
			rs.inDegree[consumer]++
		}
	}
	rs.cond.Broadcast()
	return rs.graph.checkCycles()
}

// ensureTracked registers name, and transitively every statically-known
// predecessor it introduces, into the live run state's bookkeeping if
// not already tracked, so it is counted in remaining and can reach the
// ready queue. A task discovered only through calc-dep expansion never
// went through selectGraph, so without this it would sit in the graph
// forever with an unaccounted-for in-degree and never get dispatched.
func (s *Scheduler) ensureTracked(rs *runState, idx fileIndex, name string) {
	rs.mu.Lock()
	if rs.tracked[name] {
		rs.mu.Unlock()
		return
	}
	rs.mu.Unlock()

	task, ok := s.reg.Task(name)
	if !ok {
		return
	}
	for _, pred := range staticPreds(task, s.reg, idx) {
		s.ensureTracked(rs, idx, pred)
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.tracked[name] {
		return
	}
	for _, pred := range staticPreds(task, s.reg, idx) {
		rs.graph.addEdge(pred, name)
	}
	rs.tracked[name] = true
	rs.remaining++
	rs.inDegree[name] = rs.graph.inDegree(name)
	if rs.inDegree[name] == 0 {
		rs.ready = append(rs.ready, name)
		sort.Strings(rs.ready)
	}
	rs.cond.Broadcast()
}

// readyDepth returns the current ready-queue length under lock, for
// metrics sampling from outside runState's own critical sections.
func (rs *runState) readyDepth() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.ready)
}

// awaitPreds blocks the calling worker until every one of preds has a
// recorded terminal result.
func (rs *runState) awaitPreds(preds []string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for {
		allDone := true
		for _, p := range preds {
			if _, done := rs.results[p]; !done {
				allDone = false
				break
			}
		}
		if allDone {
			return
		}
		rs.cond.Wait()
	}
}

// Run executes every task the targets transitively require, per the
// seven-step algorithm in SPEC_FULL §4.2.
//
// Worker concurrency is a golang.org/x/sync/semaphore.Weighted sized
// to num_threads (SPEC_FULL §15): every ready task is dispatched as
// its own goroutine as soon as popReady releases it, gated on
// acquiring one permit, so a slow task never occupies a whole "worker
// slot" the way a fixed goroutine-per-thread loop would once other
// work is ready. An interactive task instead acquires every permit at
// once, which blocks new acquisitions until it alone holds the
// semaphore and releases it before anything else can proceed — the
// exclusivity SPEC_FULL requires. interactiveSem (weight 1) only
// orders concurrent interactive tasks against each other so two of
// them can't race to drain the main semaphore simultaneously.
// golang.org/x/sync/errgroup supervises the dispatcher and every task
// goroutine it spawns, and its derived context is what popReady and
// each semaphore Acquire call observe for cancellation.
func (s *Scheduler) Run(ctx context.Context, targets []string, opts Options) (*RunReport, error) {
	start := time.Now()

	graph, err := selectGraph(s.reg, targets)
	if err != nil {
		return nil, err
	}
	if err := graph.checkCycles(); err != nil {
		return nil, err
	}

	rs := newRunState(graph)
	numThreads := opts.NumThreads
	if numThreads <= 0 {
		numThreads = workspace.DefaultNumThreads
	}

	runID := shared.RunID(ctx)
	ctx, runSpan := cobbleotel.StartRunSpan(ctx, s.tracer, "cobble.run", cobbleotel.AttrRunID.String(runID))
	defer runSpan.End()

	s.bus.Publish(bus.TopicRunStarted, bus.RunStartedEvent{TaskCount: len(graph.nodes)})
	s.sampleQueueDepth(ctx, rs, rs.readyDepth())

	sem := semaphore.NewWeighted(int64(numThreads))
	interactiveSem := semaphore.NewWeighted(1)

	statePool := make(chan *lua.LState, numThreads)
	for i := 0; i < numThreads; i++ {
		statePool <- script.NewWorkerState(s.workspaceDir)
	}
	defer func() {
		close(statePool)
		for L := range statePool {
			L.Close()
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		rs.mu.Lock()
		rs.cancelled = true
		rs.mu.Unlock()
		rs.cond.Broadcast()
		return nil
	})

	g.Go(func() error {
		for {
			name, ok := rs.popReady()
			if !ok {
				return nil
			}
			s.sampleQueueDepth(gctx, rs, rs.readyDepth())

			task, taskOK := s.reg.Task(name)
			g.Go(func() error {
				defer s.sampleQueueDepth(gctx, rs, rs.readyDepth())

				if !taskOK {
					rs.finish(name, TaskResult{Name: name, Status: string(bus.StatusFail), Err: fmt.Errorf("unknown task %q", name)}, true)
					return nil
				}

				weight := int64(1)
				if task.Interactive {
					weight = int64(numThreads)
					if err := interactiveSem.Acquire(gctx, 1); err != nil {
						return nil
					}
					defer interactiveSem.Release(1)
				}
				if err := sem.Acquire(gctx, weight); err != nil {
					return nil
				}
				defer sem.Release(weight)

				L := <-statePool
				defer func() { statePool <- L }()

				s.runOne(gctx, rs, L, task, opts)
				return nil
			})
		}
	})

	// g.Wait's own error is always nil: none of the goroutines above
	// return a non-nil error, since a failing task is a TaskResult, not
	// a Go error, and a cancelled semaphore acquisition is expected
	// shutdown behavior rather than a system fault.
	_ = g.Wait()

	report := buildReport(graph.sortedNodes(), rs.results, time.Since(start))
	s.bus.Publish(bus.TopicRunCompleted, bus.RunCompletedEvent{
		OK: report.OK, Skipped: report.Skipped, Failed: report.Failed, Blocked: report.Blocked,
		DurationMs: report.Duration.Milliseconds(),
	})
	return report, nil
}

// runOne drives a single task through its full lifecycle (SPEC_FULL
// §4.2 step 4), publishing status transitions and metrics along the
// way. The caller already holds whatever semaphore permits task's
// concurrency class requires.
func (s *Scheduler) runOne(ctx context.Context, rs *runState, L *lua.LState, task *registry.Task, opts Options) {
	name := task.Name
	taskCtx, span := cobbleotel.StartTaskSpan(ctx, s.tracer, name)
	defer span.End()

	s.publish(name, bus.StatusRunning, "")
	start := time.Now()

	res, failed := s.executeTaskLifecycle(taskCtx, rs, L, task, opts)
	res.Duration = time.Since(start)

	s.metrics.TaskDuration.Record(ctx, res.Duration.Seconds())
	s.metrics.TaskStatus.Add(ctx, 1, cobbleotel.StatusAttr(res.Status))

	if res.Status == string(bus.StatusFail) {
		errStr := ""
		if res.Err != nil {
			errStr = res.Err.Error()
		}
		s.publish(name, bus.StatusFail, errStr)
	} else {
		s.publish(name, bus.TaskStatus(res.Status), "")
	}

	rs.finish(name, res, failed)
}

// executeTaskLifecycle implements SPEC_FULL §4.2 steps 4a-4f for one
// task, returning its terminal result and whether it failed (as
// opposed to being skipped or succeeding).
func (s *Scheduler) executeTaskLifecycle(ctx context.Context, rs *runState, L *lua.LState, task *registry.Task, opts Options) (TaskResult, bool) {
	name := task.Name
	varSnapshot := varStringSnapshot(opts.Vars)

	// step 4c: expand any unexpanded calc-deps before the up-to-date
	// check, so newly-discovered file/task deps participate in it.
	if err := s.expandCalcDeps(ctx, rs, L, task, opts); err != nil {
		return TaskResult{Name: name, Status: string(bus.StatusFail), Err: err}, true
	}

	rs.mu.Lock()
	outputsSnapshot := make(map[string]string, len(rs.outputs))
	for k, v := range rs.outputs {
		outputsSnapshot[k] = v
	}
	calcFiles := rs.calcFiles[name]
	rs.mu.Unlock()

	current, err := s.fp.CurrentInput(task, outputsSnapshot, varSnapshot, calcFiles)
	if err != nil {
		return TaskResult{Name: name, Status: string(bus.StatusFail), Err: &cobbleerr.RuntimeError{Task: name, Err: err}}, true
	}

	upToDate, rec, err := s.fp.IsUpToDate(ctx, task, current)
	if err != nil {
		return TaskResult{Name: name, Status: string(bus.StatusFail), Err: &cobbleerr.StoreError{Op: "read", Err: err}}, true
	}
	forceRun := opts.ForceRunTasks || task.AlwaysRun
	if upToDate && !forceRun {
		digest := ""
		if rec != nil {
			digest = rec.Output.OutputDigest
		}
		rs.mu.Lock()
		rs.outputs[name] = digest
		rs.mu.Unlock()
		return TaskResult{Name: name, Status: string(bus.StatusSkip)}, false
	}

	buf := s.mux.NewBuffer(name)
	params := invoker.RunParams{
		Files:       s.fileRefs(task),
		TaskOutputs: outputsSnapshot,
		Vars:        opts.Vars,
		ProjectDir:  task.ProjectDir,
		Out:         buf.Out(),
		Err:         buf.Err(),
	}

	outputValue, err := s.inv.ExecuteTask(ctx, L, task, params)
	if err != nil {
		buf.Flush(resolveOutputCondition(task.ShowStdout, opts.ShowStdout), resolveOutputCondition(task.ShowStderr, opts.ShowStderr), true, true)
		return TaskResult{Name: name, Status: string(bus.StatusFail), Err: &cobbleerr.RuntimeError{Task: name, Err: err}}, true
	}

	calcArtifacts, err := s.calculateArtifacts(ctx, L, task, opts)
	if err != nil {
		buf.Flush(resolveOutputCondition(task.ShowStdout, opts.ShowStdout), resolveOutputCondition(task.ShowStderr, opts.ShowStderr), true, true)
		return TaskResult{Name: name, Status: string(bus.StatusFail), Err: err}, true
	}

	out, err := s.fp.BuildOutput(task, outputValue, calcArtifacts)
	if err != nil {
		buf.Flush(resolveOutputCondition(task.ShowStdout, opts.ShowStdout), resolveOutputCondition(task.ShowStderr, opts.ShowStderr), true, true)
		return TaskResult{Name: name, Status: string(bus.StatusFail), Err: &cobbleerr.RuntimeError{Task: name, Err: err}}, true
	}

	if err := s.fp.Persist(ctx, name, &fingerprint.Record{Input: current, Output: out}); err != nil {
		buf.Flush(resolveOutputCondition(task.ShowStdout, opts.ShowStdout), resolveOutputCondition(task.ShowStderr, opts.ShowStderr), true, true)
		return TaskResult{Name: name, Status: string(bus.StatusFail), Err: &cobbleerr.StoreError{Op: "write", Err: err}}, true
	}

	buf.Flush(resolveOutputCondition(task.ShowStdout, opts.ShowStdout), resolveOutputCondition(task.ShowStderr, opts.ShowStderr), false, false)

	rs.mu.Lock()
	rs.outputs[name] = out.OutputDigest
	rs.mu.Unlock()

	return TaskResult{Name: name, Status: string(bus.StatusOK)}, false
}

// expandCalcDeps runs every not-yet-expanded calc-dep task, parses its
// output, merges the discovered files/tasks/vars into the graph and
// task's live dep set, re-checks for cycles, and waits for any newly
// discovered predecessors (SPEC_FULL §4.2 step 4c).
func (s *Scheduler) expandCalcDeps(ctx context.Context, rs *runState, L *lua.LState, task *registry.Task, opts Options) error {
	if len(task.Deps.Calc) == 0 {
		return nil
	}
	rs.mu.Lock()
	alreadyDone := rs.calcExpanded[task.Name]
	rs.mu.Unlock()
	if alreadyDone {
		return nil
	}

	rs.awaitPreds(task.Deps.Calc)

	var newFilePreds, newTaskPreds, discoveredFiles []string
	idx := buildFileIndex(s.reg)
	for _, calcName := range task.Deps.Calc {
		calcTask, ok := s.reg.Task(calcName)
		if !ok {
			continue
		}
		value, err := s.inv.ExecuteTaskValue(ctx, L, calcTask, invoker.RunParams{
			Vars:       opts.Vars,
			ProjectDir: calcTask.ProjectDir,
			Out:        s.mux.NewBuffer(calcName).Out(),
			Err:        s.mux.NewBuffer(calcName).Err(),
		})
		if err != nil {
			return &cobbleerr.RuntimeError{Task: calcName, Err: err}
		}
		result := invoker.ParseCalcDepResult(value)
		for _, f := range result.Files {
			discoveredFiles = append(discoveredFiles, f)
			if owner, ok := idx[f]; ok && owner != task.Name {
				newFilePreds = append(newFilePreds, owner)
			}
		}
		newTaskPreds = append(newTaskPreds, result.Tasks...)
	}

	allNew := append(append([]string{}, newFilePreds...), newTaskPreds...)
	if len(allNew) > 0 {
		if err := s.addPreds(rs, task.Name, allNew); err != nil {
			return err
		}
		rs.awaitPreds(allNew)
	}

	rs.mu.Lock()
	rs.calcExpanded[task.Name] = true
	rs.calcFiles[task.Name] = discoveredFiles
	rs.mu.Unlock()
	return nil
}

// calculateArtifacts runs every task named in task.Artifacts.Calc right
// after task's own actions succeed, parses each one's returned file
// list the same way a Deps.Calc task's return value is parsed, and
// hands the combined paths back for BuildOutput to fold in alongside
// task.Artifacts.Files (SPEC_FULL §3). Unlike the original workspace-wide
// calculate_artifacts pre-pass this is adapted from, it runs inline per
// task with a single ExecuteTaskValue call, matching the idiom already
// used for Deps.Calc rather than a separate global resolution pass.
func (s *Scheduler) calculateArtifacts(ctx context.Context, L *lua.LState, task *registry.Task, opts Options) ([]string, error) {
	if len(task.Artifacts.Calc) == 0 {
		return nil, nil
	}

	var files []string
	for _, calcName := range task.Artifacts.Calc {
		calcTask, ok := s.reg.Task(calcName)
		if !ok {
			continue
		}
		value, err := s.inv.ExecuteTaskValue(ctx, L, calcTask, invoker.RunParams{
			Vars:       opts.Vars,
			ProjectDir: calcTask.ProjectDir,
			Out:        s.mux.NewBuffer(calcName).Out(),
			Err:        s.mux.NewBuffer(calcName).Err(),
		})
		if err != nil {
			return nil, &cobbleerr.RuntimeError{Task: calcName, Err: err}
		}
		result := invoker.ParseCalcDepResult(value)
		files = append(files, result.Files...)
	}
	return files, nil
}

// fileRefs builds the action context's `files` map for task: every
// declared file dependency, hashed once up front.
func (s *Scheduler) fileRefs(task *registry.Task) map[string]invoker.FileRef {
	refs := make(map[string]invoker.FileRef, len(task.Deps.Files))
	for _, f := range task.Deps.Files {
		h, err := hash.File(filepath.Join(s.workspaceDir, f))
		if err != nil {
			h = ""
		}
		refs[f] = invoker.FileRef{Path: f, Hash: h}
	}
	return refs
}

func (s *Scheduler) publish(name string, status bus.TaskStatus, errStr string) {
	s.bus.Publish(bus.TopicTaskStatusChanged, bus.TaskStatusChangedEvent{TaskName: name, Status: status, Err: errStr})
}

// sampleQueueDepth records the change in ready-queue depth since the
// last sample (SPEC_FULL §4.2 step 7): QueueDepth is an up/down
// counter, so only the delta is meaningful, not depth itself.
func (s *Scheduler) sampleQueueDepth(ctx context.Context, rs *runState, depth int) {
	prev := atomic.SwapInt64(&rs.lastQueueDepth, int64(depth))
	if delta := int64(depth) - prev; delta != 0 {
		s.metrics.QueueDepth.Add(ctx, delta)
	}
}

// Clean runs every selected task's clean-actions once each, in
// dependency-reverse order: a task's clean-actions run before those of
// anything it depends on, the mirror image of Run's predecessors-first
// order, so a task can safely delete outputs its dependents already
// finished tidying up. Unlike Run, this walks the graph on a single
// goroutine — clean-actions are typically `rm`-shaped and rarely worth
// parallelizing, and running them one at a time keeps their output
// legible without needing the output multiplexer.
func (s *Scheduler) Clean(ctx context.Context, targets []string, opts Options) (*RunReport, error) {
	start := time.Now()

	graph, err := selectGraph(s.reg, targets)
	if err != nil {
		return nil, err
	}
	if err := graph.checkCycles(); err != nil {
		return nil, err
	}

	order, err := reverseTopoOrder(graph)
	if err != nil {
		return nil, err
	}

	L := script.NewWorkerState(s.workspaceDir)
	defer L.Close()

	var results []TaskResult
	var ok, failed, skipped int
	for _, name := range order {
		if err := ctx.Err(); err != nil {
			break
		}
		task, taskOK := s.reg.Task(name)
		if !taskOK || len(task.CleanActions) == 0 {
			skipped++
			results = append(results, TaskResult{Name: name, Status: string(bus.StatusSkip)})
			continue
		}

		s.publish(name, bus.StatusRunning, "")
		taskStart := time.Now()

		cleanTask := *task
		cleanTask.Actions = task.CleanActions
		buf := s.mux.NewBuffer(name)
		params := invoker.RunParams{
			Vars:       opts.Vars,
			ProjectDir: task.ProjectDir,
			Out:        buf.Out(),
			Err:        buf.Err(),
		}

		res := TaskResult{Name: name, Duration: time.Since(taskStart)}
		if _, err := s.inv.ExecuteTask(ctx, L, &cleanTask, params); err != nil {
			res.Status = string(bus.StatusFail)
			res.Err = &cobbleerr.RuntimeError{Task: name, Err: err}
			buf.Flush(resolveOutputCondition(task.ShowStdout, opts.ShowStdout), resolveOutputCondition(task.ShowStderr, opts.ShowStderr), true, true)
			failed++
			s.publish(name, bus.StatusFail, err.Error())
		} else {
			res.Status = string(bus.StatusOK)
			buf.Flush(resolveOutputCondition(task.ShowStdout, opts.ShowStdout), resolveOutputCondition(task.ShowStderr, opts.ShowStderr), false, false)
			ok++
			s.publish(name, bus.StatusOK, "")
		}
		results = append(results, res)
	}

	report := &RunReport{Tasks: results, OK: ok, Skipped: skipped, Failed: failed, Duration: time.Since(start)}
	s.bus.Publish(bus.TopicRunCompleted, bus.RunCompletedEvent{
		OK: report.OK, Skipped: report.Skipped, Failed: report.Failed, Blocked: report.Blocked,
		DurationMs: report.Duration.Milliseconds(),
	})
	return report, nil
}

// reverseTopoOrder returns g's nodes ordered so that every node appears
// before all of its predecessors, breaking ties lexicographically — the
// same tie-break Run's ready queue uses, just walked backwards.
func reverseTopoOrder(g *depGraph) ([]string, error) {
	inDegree := make(map[string]int, len(g.nodes)) // successor count remaining
	for _, n := range g.sortedNodes() {
		inDegree[n] = len(g.succs[n])
	}

	var ready []string
	for _, n := range g.sortedNodes() {
		if inDegree[n] == 0 {
			ready = append(ready, n)
		}
	}
	sort.Strings(ready)

	var order []string
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)
		for _, pred := range g.sortedPreds(n) {
			inDegree[pred]--
			if inDegree[pred] == 0 {
				ready = append(ready, pred)
			}
		}
		sort.Strings(ready)
	}
	if len(order) != len(g.nodes) {
		return nil, &cobbleerr.DefinitionError{Msg: "dependency cycle detected during clean ordering"}
	}
	return order, nil
}

func buildReport(names []string, results map[string]TaskResult, dur time.Duration) *RunReport {
	report := &RunReport{Duration: dur}
	for _, n := range names {
		res, ok := results[n]
		if !ok {
			continue
		}
		report.Tasks = append(report.Tasks, res)
		switch res.Status {
		case string(bus.StatusOK):
			report.OK++
		case string(bus.StatusSkip):
			report.Skipped++
		case string(bus.StatusFail):
			report.Failed++
		case string(bus.StatusBlocked):
			report.Blocked++
		}
	}
	return report
}

func varStringSnapshot(vars map[string]registry.Var) map[string]string {
	out := make(map[string]string, len(vars))
	for k, v := range vars {
		out[k] = v.Str
	}
	return out
}

func resolveOutputCondition(taskPolicy registry.OutputPolicy, override workspace.OutputCondition) workspace.OutputCondition {
	if override != "" {
		return override
	}
	switch taskPolicy {
	case registry.OutputAlways:
		return workspace.OutputAlways
	case registry.OutputNever:
		return workspace.OutputNever
	default:
		return workspace.OutputOnFail
	}
}
