package invoker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/basket/cobble/internal/cobbleerr"
)

// WasmBackend runs a tool's invocation action as a WASI command
// module under wazero, for tools declared with backend = "wasm"
// (SPEC_FULL §4.3, §15). Adapted from the teacher's
// internal/sandbox/wasm/host.go — that host exposes a long-lived
// custom host-function ABI for repeatedly invoked skill modules; a
// tool backend instead needs to run a module once per invocation
// like a subprocess, so this wires the standard WASI command-module
// pattern (wasi_snapshot_preview1 + ModuleConfig.WithArgs/WithStdout)
// rather than carrying over the custom host-function surface.
type WasmBackend struct {
	Runtime    wazero.Runtime
	ModulePath string
	Workspace  string
}

// NewWasmBackend compiles nothing up front; the module is
// instantiated fresh on every Invoke since WASI command modules are
// single-use (they exit after _start returns).
func NewWasmBackend(ctx context.Context, modulePath, workspace string) (*WasmBackend, error) {
	runtime := wazero.NewRuntime(ctx)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}
	return &WasmBackend{Runtime: runtime, ModulePath: modulePath, Workspace: workspace}, nil
}

// Invoke loads the module fresh and runs it with args as its WASI
// argv (argv[0] is the module path, matching how a real command-line
// tool is invoked).
func (w *WasmBackend) Invoke(args []string, actx *ActionContext) (string, error) {
	ctx := context.Background()

	wasmBytes, err := os.ReadFile(w.ModulePath)
	if err != nil {
		return "", &cobbleerr.RuntimeError{Err: fmt.Errorf("reading wasm module %s: %w", w.ModulePath, err)}
	}

	var stdoutBuf bytes.Buffer
	stdout := io.MultiWriter(&stdoutBuf, actx.Out)

	cfg := wazero.NewModuleConfig().
		WithArgs(append([]string{w.ModulePath}, args...)...).
		WithStdout(stdout).
		WithStderr(actx.Err).
		WithFSConfig(wazero.NewFSConfig().WithDirMount(w.Workspace, "/workspace"))

	mod, err := w.Runtime.InstantiateWithConfig(ctx, wasmBytes, cfg)
	if mod != nil {
		defer mod.Close(ctx)
	}
	if err != nil {
		var exitErr *sys.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 0 {
			return stdoutBuf.String(), nil
		}
		return "", &cobbleerr.RuntimeError{Err: fmt.Errorf("running wasm module %s: %w", w.ModulePath, err)}
	}
	return stdoutBuf.String(), nil
}

// Close releases the wazero runtime.
func (w *WasmBackend) Close() error {
	return w.Runtime.Close(context.Background())
}
