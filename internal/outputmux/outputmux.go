// Package outputmux buffers each running task's stdout/stderr so
// parallel tasks never interleave mid-line, flushing according to the
// task's output policy once it completes (SPEC_FULL §4.6).
package outputmux

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/basket/cobble/internal/workspace"
	"github.com/mattn/go-isatty"
)

// Multiplexer owns the shared terminal and hands out per-task
// Buffers. The final flush takes a short global lock so two tasks'
// flushes never interleave.
type Multiplexer struct {
	mu     sync.Mutex
	stdout io.Writer
	stderr io.Writer
	isTTY  bool
}

// New creates a Multiplexer writing to the process's inherited
// stdout/stderr. isTTY is detected once at startup via go-isatty, per
// SPEC_FULL §4.6 — interactive tasks and the live TUI both key off it.
func New() *Multiplexer {
	return &Multiplexer{
		stdout: os.Stdout,
		stderr: os.Stderr,
		isTTY:  isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()),
	}
}

// IsTTY reports whether the inherited terminal is interactive.
func (m *Multiplexer) IsTTY() bool { return m.isTTY }

// Buffer is one task's private stdout/stderr accumulator. It is not
// safe for concurrent use by more than one goroutine; each task
// occupies exactly one worker, so this is never contended.
type Buffer struct {
	taskName string
	mux      *Multiplexer
	stdout   bytes.Buffer
	stderr   bytes.Buffer
}

// NewBuffer starts a buffer for one task invocation.
func (m *Multiplexer) NewBuffer(taskName string) *Buffer {
	return &Buffer{taskName: taskName, mux: m}
}

// Out returns a writer actions append stdout lines to.
func (b *Buffer) Out() io.Writer { return &b.stdout }

// Err returns a writer actions append stderr lines to.
func (b *Buffer) Err() io.Writer { return &b.stderr }

// WriteDirect bypasses buffering entirely, for interactive tasks that
// write straight to the inherited terminal (SPEC_FULL §4.6).
func (b *Buffer) WriteDirect(stdout bool, p []byte) (int, error) {
	b.mux.mu.Lock()
	defer b.mux.mu.Unlock()
	if stdout {
		return b.mux.stdout.Write(p)
	}
	return b.mux.stderr.Write(p)
}

// Flush applies the task's output policy: always flush both buffers,
// never flush, or flush only if failed is true. forceFlush overrides
// the policy (used for failures, which must surface regardless of
// policy per SPEC_FULL §4.2 step 4e).
func (b *Buffer) Flush(stdoutPolicy, stderrPolicy workspace.OutputCondition, failed, forceFlush bool) {
	b.mux.mu.Lock()
	defer b.mux.mu.Unlock()

	if shouldFlush(stdoutPolicy, failed, forceFlush) && b.stdout.Len() > 0 {
		fmt.Fprintf(b.mux.stdout, "--- %s (stdout) ---\n", b.taskName)
		b.mux.stdout.Write(b.stdout.Bytes())
	}
	if shouldFlush(stderrPolicy, failed, forceFlush) && b.stderr.Len() > 0 {
		fmt.Fprintf(b.mux.stderr, "--- %s (stderr) ---\n", b.taskName)
		b.mux.stderr.Write(b.stderr.Bytes())
	}
}

func shouldFlush(policy workspace.OutputCondition, failed, forceFlush bool) bool {
	if forceFlush {
		return true
	}
	switch policy {
	case workspace.OutputAlways:
		return true
	case workspace.OutputNever:
		return false
	case workspace.OutputOnFail:
		return failed
	default:
		return failed
	}
}
