package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/basket/cobble/internal/bus"
	"github.com/basket/cobble/internal/cobbleerr"
	"github.com/basket/cobble/internal/fingerprint"
	"github.com/basket/cobble/internal/invoker"
	cobbleotel "github.com/basket/cobble/internal/otel"
	"github.com/basket/cobble/internal/outputmux"
	"github.com/basket/cobble/internal/registry"
	"github.com/basket/cobble/internal/resolve"
	"github.com/basket/cobble/internal/scheduler"
	"github.com/basket/cobble/internal/script"
	"github.com/basket/cobble/internal/store"
	"github.com/basket/cobble/internal/telemetry"
	"github.com/basket/cobble/internal/workspace"
)

// session holds everything a subcommand needs after locating the
// workspace, loading its projects, and building the Registry — the
// first three steps of the CLI algorithm (SPEC_FULL §13).
type session struct {
	cfg            *workspace.Config
	reg            *registry.Registry
	nearestProject string

	inv     *invoker.Invoker
	fp      *fingerprint.Engine
	mux     *outputmux.Multiplexer
	bus     *bus.Bus
	sched   *scheduler.Scheduler
	logger  *slog.Logger
	metrics *cobbleotel.Metrics

	store     *store.Store
	provider  *cobbleotel.Provider
	logCloser io.Closer
}

// bootstrap runs the CLI algorithm's first three steps plus every
// component a run/clean/tool/env invocation needs: it locates the
// workspace, applies overrides, loads projects into a Registry, and
// wires the fingerprint store, invoker, output multiplexer, event
// bus, and OTel provider around it.
func bootstrap(ctx context.Context, overrides workspace.Overrides, runID string) (*session, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, &cobbleerr.SystemError{Msg: "determine working directory", Err: err}
	}

	cfg, err := workspace.Load(cwd, overrides)
	if err != nil {
		return nil, &cobbleerr.DefinitionError{Msg: err.Error()}
	}

	nearestProjectDir, err := workspace.FindNearestProjectDir(cwd, cfg.WorkspaceDir)
	if err != nil {
		return nil, &cobbleerr.DefinitionError{Msg: err.Error()}
	}
	nearestProject := resolve.ProjectName(nearestProjectDir)

	loader, err := script.NewLoader(cfg.WorkspaceDir)
	if err != nil {
		return nil, &cobbleerr.DefinitionError{Msg: err.Error()}
	}
	reg, err := loader.Load(cfg.RootProjects)
	if err != nil {
		return nil, err
	}

	mux := outputmux.New()

	logger, logCloser, err := telemetry.NewLogger(cfg.WorkspaceDir, runID, "info", mux.IsTTY())
	if err != nil {
		return nil, &cobbleerr.SystemError{Msg: "open log file", Err: err}
	}
	slog.SetDefault(logger)

	st, err := store.Open(store.DefaultDBPath(cfg.WorkspaceDir))
	if err != nil {
		logCloser.Close()
		return nil, &cobbleerr.StoreError{Op: "open", Err: err}
	}
	fp := fingerprint.NewEngine(st, cfg.WorkspaceDir)

	inv, err := invoker.NewInvoker(reg, cfg.WorkspaceDir)
	if err != nil {
		st.Close()
		logCloser.Close()
		return nil, &cobbleerr.DefinitionError{Msg: err.Error()}
	}

	provider, err := cobbleotel.Init(ctx, cobbleotel.Config{Enabled: true, ServiceName: "cobble"})
	if err != nil {
		inv.Close()
		st.Close()
		logCloser.Close()
		return nil, &cobbleerr.SystemError{Msg: "initialize telemetry", Err: err}
	}
	metrics, err := cobbleotel.NewMetrics(provider.Meter)
	if err != nil {
		provider.Shutdown(ctx)
		inv.Close()
		st.Close()
		logCloser.Close()
		return nil, &cobbleerr.SystemError{Msg: "initialize metrics", Err: err}
	}

	b := bus.New()
	sched := scheduler.New(reg, inv, fp, mux, b, metrics, provider.Tracer, cfg.WorkspaceDir)

	return &session{
		cfg:            cfg,
		reg:            reg,
		nearestProject: nearestProject,
		inv:            inv,
		fp:             fp,
		mux:            mux,
		bus:            b,
		sched:          sched,
		logger:         logger,
		metrics:        metrics,
		store:          st,
		provider:       provider,
		logCloser:      logCloser,
	}, nil
}

// Close releases every resource bootstrap acquired, in reverse order.
func (s *session) Close(ctx context.Context) {
	if s.provider != nil {
		s.provider.Shutdown(ctx)
	}
	if s.inv != nil {
		s.inv.Close()
	}
	if s.store != nil {
		s.store.Close()
	}
	if s.logCloser != nil {
		s.logCloser.Close()
	}
}

// resolveTargets resolves the CLI's positional target arguments against
// the Registry, using the working directory's nearest project as the
// relative-resolution base (SPEC_FULL §13 step 4). No targets given
// means "this project's default tasks" (§6). A resolved name that
// matches no task is tried as a project name instead, expanding to
// that project's default tasks — the "run a bare project name" rule.
func resolveTargets(reg *registry.Registry, nearestProject string, raw []string) ([]string, error) {
	if len(raw) == 0 {
		defaults := reg.DefaultTasksInProject(nearestProject)
		if len(defaults) == 0 {
			return nil, &cobbleerr.DefinitionError{Msg: fmt.Sprintf("no tasks declared in project %q and no targets given", nearestProject)}
		}
		return defaults, nil
	}

	seen := make(map[string]bool)
	var out []string
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}

	for _, r := range raw {
		abs, err := resolve.Name(r, nearestProject)
		if err != nil {
			return nil, &cobbleerr.DefinitionError{Msg: err.Error()}
		}
		if _, ok := reg.Task(abs); ok {
			add(abs)
			continue
		}
		defaults := reg.DefaultTasksInProject(abs)
		if len(defaults) == 0 {
			return nil, &cobbleerr.DefinitionError{Msg: fmt.Sprintf("%q resolved to %q, which is neither a declared task nor a project with any tasks", r, abs)}
		}
		for _, d := range defaults {
			add(d)
		}
	}
	return out, nil
}

// varsToRegistry converts workspace.Config's string-valued vars map
// into the registry.Var-keyed map scheduler.Options carries.
func varsToRegistry(vars map[string]string) map[string]registry.Var {
	out := make(map[string]registry.Var, len(vars))
	for k, v := range vars {
		out[k] = registry.StringVar(v)
	}
	return out
}

// exitCode reports err's fatal error kind to stderr and the run
// logger, then returns the process exit code the CLI should use
// (SPEC_FULL §13 step 6, §7). Every fatal condition currently maps to
// exit code 1; the errors.As dispatch exists to shape the printed
// message and log fields per kind, not to pick distinct numeric codes.
func exitCode(logger *slog.Logger, err error) int {
	if err == nil {
		return 0
	}

	var defErr *cobbleerr.DefinitionError
	var sysErr *cobbleerr.SystemError
	var storeErr *cobbleerr.StoreError
	var runErr *cobbleerr.RuntimeError

	switch {
	case errors.As(err, &defErr):
		fmt.Fprintf(os.Stderr, "cobble: %s\n", defErr.Error())
		logFatal(logger, "definition_error", defErr)
	case errors.As(err, &sysErr):
		fmt.Fprintf(os.Stderr, "cobble: %s\n", sysErr.Error())
		logFatal(logger, "system_error", sysErr)
	case errors.As(err, &storeErr):
		fmt.Fprintf(os.Stderr, "cobble: %s\n", storeErr.Error())
		logFatal(logger, "store_error", storeErr)
	case errors.As(err, &runErr):
		fmt.Fprintf(os.Stderr, "cobble: %s\n", runErr.Error())
		logFatal(logger, "runtime_error", runErr)
	default:
		fmt.Fprintf(os.Stderr, "cobble: %s\n", err.Error())
		logFatal(logger, "error", err)
	}
	return 1
}

func logFatal(logger *slog.Logger, kind string, err error) {
	if logger == nil {
		return
	}
	logger.Error("fatal", "kind", kind, "error", err.Error())
}
