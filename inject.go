package shimtrace

import (
	"context"
	"os"
	"strings"
	"syscall"

	"cdr.dev/slog"
	"golang.org/x/xerrors"
)

// LaunchRequest is one intercepted process creation.
type LaunchRequest struct {
	// CommandLine is the raw command line, starting with the (possibly
	// quoted) executable.
	CommandLine string
	// ApplicationName is only consulted when CommandLine is empty.
	ApplicationName string
	// Env is the environment of the new process; nil means inherit.
	Env []string
	// Dir is the working directory of the new process; empty means inherit.
	Dir string
	// Files are the open files the new process inherits, in descriptor
	// order.
	Files []*os.File
	// Sys carries the platform specific creation flags and security
	// attributes, passed through untouched.
	Sys *syscall.SysProcAttr
}

// Launcher starts processes. It is the seam between the injector and the
// platform's process creation primitive.
type Launcher interface {
	Launch(ctx context.Context, name string, argv []string, attr *os.ProcAttr) (*os.Process, error)
}

// ProcessLauncher launches processes with os.StartProcess.
type ProcessLauncher struct{}

var _ Launcher = ProcessLauncher{}

func (ProcessLauncher) Launch(_ context.Context, name string, argv []string, attr *os.ProcAttr) (*os.Process, error) {
	return os.StartProcess(name, argv, attr)
}

// LaunchOutcome reports what happened to an intercepted launch.
type LaunchOutcome struct {
	// Injected is true when the shim was launched. When false the caller
	// must go on to launch the original process itself.
	Injected bool
	// Process is the started shim, only set when Injected is true.
	Process *os.Process
	// Decision is the decision that led to the outcome.
	Decision Decision
	// Command is the parsed executable of the original launch.
	Command string
}

// Injector launches the shim in place of processes the Engine selects.
type Injector struct {
	engine   *Engine
	launcher Launcher
	log      slog.Logger
}

// NewInjector creates an Injector. A nil launcher uses ProcessLauncher.
func NewInjector(engine *Engine, launcher Launcher, log slog.Logger) *Injector {
	if launcher == nil {
		launcher = ProcessLauncher{}
	}
	return &Injector{
		engine:   engine,
		launcher: launcher,
		log:      log.Named("inject"),
	}
}

// MaybeInject parses the launch, asks the engine whether to substitute it and,
// if so, starts the shim. An error is only returned when the shim itself
// failed to start, which callers must treat like the original process failing
// to start.
func (i *Injector) MaybeInject(ctx context.Context, req LaunchRequest) (LaunchOutcome, error) {
	cmdLine := commandLineFor(req.ApplicationName, req.CommandLine)
	if i.engine.Config().ShimPath == "" || cmdLine == "" {
		return LaunchOutcome{}, nil
	}

	command, args := ParseCommandLine(cmdLine)
	i.log.Debug(ctx, "parsed launch",
		slog.F("command", command),
		slog.F("args", args),
		slog.F("application_name", req.ApplicationName),
		slog.F("command_line", req.CommandLine),
	)

	d := i.engine.Decide(ctx, command, args, req.Env, req.Dir)
	out := LaunchOutcome{Decision: d, Command: command}
	if !d.Substitute {
		return out, nil
	}

	proc, err := i.InjectShim(ctx, command, d.Args, d.RenameShim, req)
	if err != nil {
		return out, err
	}
	out.Injected = true
	out.Process = proc
	return out, nil
}

// InjectShim launches the shim with `"<command>" <args>` as its argument,
// keeping the environment, working directory, inherited files and system
// attributes of the original request.
func (i *Injector) InjectShim(ctx context.Context, command, args string, rename bool, req LaunchRequest) (*os.Process, error) {
	shimPath := i.engine.Config().ShimPath
	if shimPath == "" {
		return nil, ErrNoShim
	}
	if rename {
		shimPath = renameShim(shimPath, command)
	}

	cmdLine := ShimCommandLine(command, args)
	i.log.Debug(ctx, "injecting shim",
		slog.F("shim", shimPath),
		slog.F("command_line", cmdLine),
	)

	proc, err := i.launcher.Launch(ctx, shimPath, []string{shimPath, cmdLine}, &os.ProcAttr{
		Dir:   req.Dir,
		Env:   req.Env,
		Files: req.Files,
		Sys:   req.Sys,
	})
	if err != nil {
		return nil, xerrors.Errorf("launch shim %q for %q: %w", shimPath, command, err)
	}
	return proc, nil
}

// renameShim swaps the file name of the shim for the last path segment of
// command. Both separators are recognized because commands may use either
// style regardless of the host platform.
func renameShim(shimPath, command string) string {
	name := command
	if i := strings.LastIndexAny(command, `\/`); i != -1 {
		name = command[i+1:]
	}
	if name == "" {
		return shimPath
	}

	return shimPath[:strings.LastIndexAny(shimPath, `\/`)+1] + name
}
