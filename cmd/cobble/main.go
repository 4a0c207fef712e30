// Command cobble builds and orchestrates tasks declared across a
// workspace of Lua project files, tracking fingerprints so unchanged
// work is skipped (SPEC_FULL §1-§13).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: %s <command> [flags] [targets...]

COMMANDS:
  run [targets...]      Run tasks (default: current project's default tasks)
  clean [targets...]    Run clean actions in dependency-reverse order
  list                  List every declared task
  tool <name> [args]    Invoke a tool directly, outside any task
  tool check <name>     Run a tool's check action, if it declares one
  env <name> [args]     Invoke an environment directly, outside any task
  version                Print the cobble version

RUN/CLEAN FLAGS:
  -n, --num-threads <n>     worker pool size
  -v, --var key=value       set a workspace variable (repeatable)
  --force                   ignore fingerprints, run every selected task
  --json                    print a single JSON report
  --task-output <cond>      always|never|on_fail, overrides stdout+stderr
  --task-stdout <cond>      override just stdout
  --task-stderr <cond>      override just stderr

LIST FLAGS:
  --json                    print task names as a JSON array
`, os.Args[0])
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func main() {
	flag.Usage = printUsage
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	cmd := strings.ToLower(strings.TrimSpace(os.Args[1]))
	args := os.Args[2:]

	switch cmd {
	case "run":
		os.Exit(runRun(args))
	case "clean":
		os.Exit(runClean(args))
	case "list":
		os.Exit(runList(args))
	case "tool":
		os.Exit(runTool(args))
	case "env":
		os.Exit(runEnv(args))
	case "version", "-v", "--version":
		fmt.Println(Version)
		os.Exit(0)
	case "help", "-h", "--help":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "cobble: unknown command %q\n\n", cmd)
		printUsage()
		os.Exit(2)
	}
}
