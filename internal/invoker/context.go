// Package invoker is the Action Invoker: it bridges the native
// scheduler with the embedded scripting runtime, constructs the
// per-invocation action context, and carries action closures across
// the project-definition/worker state boundary via package script's
// detached-value transport.
//
// Grounded on the reference implementation's execute/action.rs (the
// action-context field set) and lua/detached.rs (closure transport).
package invoker

import (
	"io"

	"github.com/basket/cobble/internal/registry"
)

// FileRef is one entry of the action context's files map: a
// workspace-relative path plus its content hash, so a script action
// can inspect what it depends on without re-hashing.
type FileRef struct {
	Path string
	Hash string
}

// ActionContext is everything an action body sees, per SPEC_FULL §4.3:
// tool/env invocation closures, file/task/var lookups, the owning
// project, the incoming args, the action record itself, and the
// output buffers it writes through.
type ActionContext struct {
	Tool    map[string]Invocable
	Env     map[string]Invocable
	Files   map[string]FileRef
	Tasks   map[string]string // absolute task name -> its prior output
	Vars    map[string]registry.Var
	Project ProjectRef
	Args    []string
	Action  *registry.Action
	Out     io.Writer
	Err     io.Writer
}

// ProjectRef is the action context's `project` field.
type ProjectRef struct {
	Dir string
}

// Invocable is the common contract every tool/env invocation closure
// satisfies, regardless of which backend (native/docker/wasm) is
// behind it. Exposed to scripts as a callable value and to arg-list
// actions as the thing the Invoker calls directly.
type Invocable interface {
	Invoke(args []string, ctx *ActionContext) (string, error)
}
