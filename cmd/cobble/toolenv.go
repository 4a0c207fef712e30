package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	lua "github.com/yuin/gopher-lua"

	"github.com/basket/cobble/internal/cobbleerr"
	"github.com/basket/cobble/internal/invoker"
	"github.com/basket/cobble/internal/resolve"
	"github.com/basket/cobble/internal/shared"
	"github.com/basket/cobble/internal/workspace"
)

// runTool implements `cobble tool <name> [args...]`, invoking a
// declared tool's backend directly outside of any task (SPEC_FULL
// §16). Tool names are flat and global, so no project-relative
// resolution runs.
func runTool(args []string) int {
	fs := flag.NewFlagSet("tool", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fmt.Fprintln(os.Stderr, "cobble: tool requires a name, or \"check <name>\"")
		return 2
	}
	if rest[0] == "check" {
		return runToolCheck(rest[1:])
	}

	name, extra := rest[0], rest[1:]
	sess, err := bootstrapForInvoke()
	if err != nil {
		return exitCode(nil, err)
	}
	defer sess.Close(context.Background())

	if _, ok := sess.reg.Tool(name); !ok {
		return exitCode(sess.logger, &cobbleerr.DefinitionError{Msg: fmt.Sprintf("no tool named %q", name)})
	}

	if _, err := sess.inv.InvokeTool(name, extra, os.Stdout, os.Stderr); err != nil {
		return exitCode(sess.logger, &cobbleerr.RuntimeError{Task: name, Err: err})
	}
	return 0
}

// runToolCheck implements `cobble tool check <name>`: no CheckAction
// declared prints a note and exits 0; a declared CheckAction that
// runs and fails exits nonzero (SPEC_FULL §16).
func runToolCheck(args []string) int {
	fs := flag.NewFlagSet("tool check", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	rest := fs.Args()
	if len(rest) != 1 {
		fmt.Fprintln(os.Stderr, "cobble: tool check requires exactly one tool name")
		return 2
	}
	name := rest[0]

	sess, err := bootstrapForInvoke()
	if err != nil {
		return exitCode(nil, err)
	}
	defer sess.Close(context.Background())

	tool, ok := sess.reg.Tool(name)
	if !ok {
		return exitCode(sess.logger, &cobbleerr.DefinitionError{Msg: fmt.Sprintf("no tool named %q", name)})
	}

	L := lua.NewState()
	defer L.Close()
	hadCheck, err := sess.inv.InvokeCheck(context.Background(), L, tool, invoker.RunParams{
		Vars:       varsToRegistry(sess.cfg.Vars),
		ProjectDir: sess.cfg.WorkspaceDir,
		Out:        os.Stdout,
		Err:        os.Stderr,
	})
	if !hadCheck {
		fmt.Printf("%s: no check defined\n", name)
		return 0
	}
	if err != nil {
		return exitCode(sess.logger, &cobbleerr.RuntimeError{Task: name + ":check", Err: err})
	}
	return 0
}

// runEnv implements `cobble env <name> [args...]`. Environment names
// are absolute-resolved like task names, unlike tools.
func runEnv(args []string) int {
	fs := flag.NewFlagSet("env", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fmt.Fprintln(os.Stderr, "cobble: env requires a name")
		return 2
	}
	name, extra := rest[0], rest[1:]

	sess, err := bootstrapForInvoke()
	if err != nil {
		return exitCode(nil, err)
	}
	defer sess.Close(context.Background())

	absName, err := resolve.Name(name, sess.nearestProject)
	if err != nil {
		return exitCode(sess.logger, &cobbleerr.DefinitionError{Msg: err.Error()})
	}
	if _, ok := sess.reg.Env(absName); !ok {
		return exitCode(sess.logger, &cobbleerr.DefinitionError{Msg: fmt.Sprintf("no environment named %q", absName)})
	}

	if _, err := sess.inv.InvokeEnv(absName, extra, os.Stdout, os.Stderr); err != nil {
		return exitCode(sess.logger, &cobbleerr.RuntimeError{Task: absName, Err: err})
	}
	return 0
}

// bootstrapForInvoke bootstraps a session for tool/env/list, which
// need no per-run overrides and never touch the scheduler.
func bootstrapForInvoke() (*session, error) {
	return bootstrap(context.Background(), workspace.Overrides{}, shared.NewRunID())
}
