package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/basket/cobble/internal/scheduler"
	"github.com/basket/cobble/internal/shared"
	"github.com/basket/cobble/internal/tui"
	"github.com/basket/cobble/internal/workspace"
)

// stringSliceFlag accumulates repeated -v/--var flag occurrences; the
// standard flag package has no built-in repeatable string flag.
type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	if s == nil {
		return ""
	}
	return fmt.Sprintf("%v", []string(*s))
}

func (s *stringSliceFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// runFlags is the flag set `run` and `clean` share (SPEC_FULL §13 step
// 2's -n/-v/--task-output/--task-stdout/--task-stderr/--force list).
type runFlags struct {
	fs         *flag.FlagSet
	vars       stringSliceFlag
	numThreads int
	force      bool
	jsonOut    bool
	taskOutput string
	taskStdout string
	taskStderr string
}

func newRunFlags(name string) *runFlags {
	rf := &runFlags{fs: flag.NewFlagSet(name, flag.ContinueOnError)}
	rf.fs.Var(&rf.vars, "var", "set a workspace variable as key=value (repeatable)")
	rf.fs.Var(&rf.vars, "v", "shorthand for --var")
	rf.fs.IntVar(&rf.numThreads, "num-threads", 0, "worker pool size (default: cobble.toml's num_threads, or 5)")
	rf.fs.IntVar(&rf.numThreads, "n", 0, "shorthand for --num-threads")
	rf.fs.BoolVar(&rf.force, "force", false, "run every selected task even if its fingerprint is already up to date")
	rf.fs.BoolVar(&rf.jsonOut, "json", false, "print a single JSON report instead of a live or line-oriented one")
	rf.fs.StringVar(&rf.taskOutput, "task-output", "", "override every task's output flush policy: always, never, or on_fail")
	rf.fs.StringVar(&rf.taskStdout, "task-stdout", "", "override just the stdout flush policy")
	rf.fs.StringVar(&rf.taskStderr, "task-stderr", "", "override just the stderr flush policy")
	return rf
}

func (rf *runFlags) overrides() (workspace.Overrides, error) {
	o := workspace.Overrides{Vars: rf.vars}
	if rf.numThreads > 0 {
		o.NumThreads = &rf.numThreads
	}
	if rf.force {
		t := true
		o.ForceRunTasks = &t
	}
	if rf.taskOutput != "" {
		cond, err := workspace.ParseOutputCondition(rf.taskOutput)
		if err != nil {
			return o, err
		}
		o.ShowStdout, o.ShowStderr = &cond, &cond
	}
	if rf.taskStdout != "" {
		cond, err := workspace.ParseOutputCondition(rf.taskStdout)
		if err != nil {
			return o, err
		}
		o.ShowStdout = &cond
	}
	if rf.taskStderr != "" {
		cond, err := workspace.ParseOutputCondition(rf.taskStderr)
		if err != nil {
			return o, err
		}
		o.ShowStderr = &cond
	}
	return o, nil
}

// executor is either Scheduler.Run or Scheduler.Clean; runOrClean
// drives both subcommands through the same bootstrap, target
// resolution, display, and exit-code machinery.
type executor func(*scheduler.Scheduler, context.Context, []string, scheduler.Options) (*scheduler.RunReport, error)

func runOrClean(name string, args []string, exec executor) int {
	rf := newRunFlags(name)
	if err := rf.fs.Parse(args); err != nil {
		return 2
	}
	overrides, err := rf.overrides()
	if err != nil {
		fmt.Fprintf(os.Stderr, "cobble: %s\n", err)
		return 2
	}

	runID := shared.NewRunID()
	ctx, stop := newSignalContext()
	defer stop()
	ctx = shared.WithRunID(ctx, runID)

	sess, err := bootstrap(ctx, overrides, runID)
	if err != nil {
		return exitCode(nil, err)
	}
	defer sess.Close(ctx)

	targets, err := resolveTargets(sess.reg, sess.nearestProject, rf.fs.Args())
	if err != nil {
		return exitCode(sess.logger, err)
	}

	opts := scheduler.Options{
		NumThreads:    sess.cfg.NumThreads,
		ForceRunTasks: sess.cfg.ForceRunTasks,
		Vars:          varsToRegistry(sess.cfg.Vars),
		ShowStdout:    sess.cfg.ShowStdout,
		ShowStderr:    sess.cfg.ShowStderr,
	}

	report, runErr := driveWithDisplay(ctx, sess, targets, opts, rf.jsonOut, exec)
	if runErr != nil {
		return exitCode(sess.logger, runErr)
	}

	if rf.jsonOut {
		if err := printReportJSON(os.Stdout, report); err != nil {
			return exitCode(sess.logger, err)
		}
	} else if !sess.mux.IsTTY() {
		printReportPlain(os.Stdout, report)
	}

	if !report.Success() {
		return 1
	}
	return 0
}

// driveWithDisplay runs exec concurrently with the live TUI (when
// attached to a TTY and not asked for --json) or plainly otherwise,
// per SPEC_FULL §13 step 5.
func driveWithDisplay(ctx context.Context, sess *session, targets []string, opts scheduler.Options, jsonOut bool, exec executor) (*scheduler.RunReport, error) {
	if !sess.mux.IsTTY() || jsonOut {
		return exec(sess.sched, ctx, targets, opts)
	}

	sub := sess.bus.Subscribe("")
	defer sess.bus.Unsubscribe(sub)

	type result struct {
		report *scheduler.RunReport
		err    error
	}
	done := make(chan result, 1)
	go func() {
		report, err := exec(sess.sched, ctx, targets, opts)
		done <- result{report, err}
	}()

	tuiErr := tui.Run(ctx, sub.Ch())
	res := <-done
	_ = tuiErr // the run's own error/report is authoritative; a TUI teardown error is not fatal
	return res.report, res.err
}

func runRun(args []string) int {
	return runOrClean("run", args, (*scheduler.Scheduler).Run)
}

func runClean(args []string) int {
	return runOrClean("clean", args, (*scheduler.Scheduler).Clean)
}
