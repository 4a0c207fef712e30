package fingerprint

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/basket/cobble/internal/hash"
	"github.com/basket/cobble/internal/registry"
)

// Store is the persistence contract the Engine needs; the concrete
// SQLite-backed implementation lives in package store. Declaring the
// interface here (rather than importing package store) keeps the
// fingerprint engine testable with an in-memory fake and avoids a
// dependency from the decision logic onto a specific database driver.
type Store interface {
	Get(ctx context.Context, taskName string) (*Record, bool, error)
	Put(ctx context.Context, taskName string, rec *Record) error
}

// Engine computes fingerprints and makes the up-to-date decision
// described in SPEC_FULL §4.4.
type Engine struct {
	store        Store
	workspaceDir string
}

// NewEngine creates a fingerprint Engine backed by store, resolving
// file dependency paths relative to workspaceDir.
func NewEngine(store Store, workspaceDir string) *Engine {
	return &Engine{store: store, workspaceDir: workspaceDir}
}

// CurrentInput computes the task's input fingerprint against the
// live filesystem and the given task-output/var snapshots. taskOutputs
// must already reflect any calc-dependency expansion the scheduler
// performed before calling this (Design Notes: calc deps as deferred
// edges, expanded before the up-to-date check that matters). calcFiles
// carries any file paths a calc-dep task (task.Deps.Calc) returned at
// runtime — these are not statically declared anywhere in the
// registry, so the scheduler is the only caller that can supply them.
func (e *Engine) CurrentInput(task *registry.Task, taskOutputs map[string]string, vars map[string]string, calcFiles []string) (Input, error) {
	in := Input{
		FileHashes: make(map[string]string),
		TaskHashes: make(map[string]string),
		VarHashes:  make(map[string]string),
	}

	files := append(append([]string{}, task.Deps.Files...), task.DefiningFiles...)
	files = append(files, calcFiles...)
	for _, f := range files {
		h, err := hash.File(filepath.Join(e.workspaceDir, f))
		if err != nil {
			return Input{}, fmt.Errorf("hashing file dep %s: %w", f, err)
		}
		in.FileHashes[f] = h
	}

	for _, dep := range task.Deps.Tasks {
		digest, ok := taskOutputs[dep]
		if !ok {
			return Input{}, fmt.Errorf("missing output digest for task dependency %s", dep)
		}
		in.TaskHashes[dep] = digest
	}

	for _, v := range task.Deps.Vars {
		in.VarHashes[v] = hash.String(vars[v])
	}

	bodies := make([]string, 0, len(task.Actions))
	for _, a := range task.Actions {
		bodies = append(bodies, a.SourceBody)
	}
	in.ActionsHash = hash.CanonicalList(bodies)

	return in, nil
}

// IsUpToDate implements the six-step decision from SPEC_FULL §4.4. It
// returns the stored record (possibly nil) alongside the verdict so
// callers can reuse its output digest on a SKIP without re-reading
// the store.
func (e *Engine) IsUpToDate(ctx context.Context, task *registry.Task, current Input) (bool, *Record, error) {
	rec, found, err := e.store.Get(ctx, task.Name)
	if err != nil {
		// StoreError on read downgrades to not-up-to-date (SPEC_FULL §7).
		return false, nil, nil
	}
	if !found {
		return false, nil, nil
	}
	if task.AlwaysRun {
		return false, rec, nil
	}

	if !mapsEqual(current.FileHashes, rec.Input.FileHashes) {
		return false, rec, nil
	}
	if !mapsEqual(current.TaskHashes, rec.Input.TaskHashes) {
		return false, rec, nil
	}
	if !mapsEqual(current.VarHashes, rec.Input.VarHashes) {
		return false, rec, nil
	}
	if current.ActionsHash != rec.Input.ActionsHash {
		return false, rec, nil
	}

	for path, wantHash := range rec.Output.ArtifactHashes {
		gotHash, err := hash.File(filepath.Join(e.workspaceDir, path))
		if err != nil {
			return false, rec, nil
		}
		if gotHash != wantHash {
			return false, rec, nil
		}
	}

	return true, rec, nil
}

// BuildOutput hashes declared artifact files after a successful run
// and digests the task's final return value, per SPEC_FULL §4.4.
// calcArtifacts carries any file paths a task.Artifacts.Calc task
// resolved at runtime, folded in alongside task.Artifacts.Files —
// once hashed here and persisted in the record, a later IsUpToDate
// check verifies them the same way as any other artifact, since it
// walks the stored record's ArtifactHashes rather than the registry's
// static Artifacts.Files list. It errors if any artifact file is
// missing (RuntimeError territory — the caller, the Scheduler, is
// responsible for turning this into a FAIL).
func (e *Engine) BuildOutput(task *registry.Task, outputValue string, calcArtifacts []string) (Output, error) {
	out := Output{ArtifactHashes: make(map[string]string), OutputDigest: hash.String(outputValue)}
	paths := append(append([]string{}, task.Artifacts.Files...), calcArtifacts...)
	for _, path := range paths {
		h, err := hash.File(filepath.Join(e.workspaceDir, path))
		if err != nil {
			return Output{}, fmt.Errorf("artifact %s missing after successful actions: %w", path, err)
		}
		out.ArtifactHashes[path] = h
	}
	return out, nil
}

// Persist writes a new Record for task after a successful run.
func (e *Engine) Persist(ctx context.Context, taskName string, rec *Record) error {
	return e.store.Put(ctx, taskName, rec)
}

func mapsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
