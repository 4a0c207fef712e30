package invoker

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/basket/cobble/internal/cobbleerr"
)

// NativeBackend runs a tool's invocation action as a plain
// subprocess via os/exec, the default backend (SPEC_FULL §4.3).
type NativeBackend struct {
	BaseArgs []string
	WorkDir  string
}

// Invoke runs BaseArgs followed by the caller-supplied args, streaming
// stdout/stderr directly into the action context's buffers and
// returning stdout's captured text as the action's return value. A
// backend with no BaseArgs (the builtin, alias-less `cmd` tool) takes
// the entire argv from args instead, per SPEC_FULL §4.3's "otherwise
// the built-in cmd tool is used" rule.
func (n *NativeBackend) Invoke(args []string, actx *ActionContext) (string, error) {
	argv := args
	if len(n.BaseArgs) > 0 {
		argv = append(append([]string{}, n.BaseArgs...), args...)
	}
	if len(argv) == 0 {
		return "", &cobbleerr.RuntimeError{Err: fmt.Errorf("native tool invocation has no command to run")}
	}

	cmd := exec.CommandContext(context.Background(), argv[0], argv[1:]...)
	cmd.Dir = n.WorkDir

	capture := &captureWriter{w: actx.Out}
	cmd.Stdout = capture
	cmd.Stderr = actx.Err

	if err := cmd.Run(); err != nil {
		return "", &cobbleerr.RuntimeError{Err: fmt.Errorf("running %s: %w", argv[0], err)}
	}
	return capture.buf.String(), nil
}

// captureWriter tees writes to both the output buffer (for action
// chaining, per SPEC_FULL §4.2's action-return-becomes-next-args rule)
// and the real destination writer the multiplexer owns.
type captureWriter struct {
	w   io.Writer
	buf strings.Builder
}

func (c *captureWriter) Write(p []byte) (int, error) {
	c.buf.Write(p)
	return c.w.Write(p)
}
