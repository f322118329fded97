package shimtrace

import (
	"context"
	"os"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/sloghuman"
)

// FileCall is one intercepted file system call. Build it with PathCall or
// FDCall, or set DirFD explicitly: the zero DirFD is descriptor 0, not the
// working directory.
type FileCall struct {
	// Syscall is the name of the intercepted function, for logging.
	Syscall string
	Kind    EventKind
	// DirFD is the directory relative and empty paths are resolved against.
	DirFD int
	// HasFD marks calls that act on an open descriptor rather than a path.
	HasFD bool
	// FD is the descriptor of HasFD calls.
	FD int
	// Path is the path argument as the caller passed it.
	Path string
	// SecondPath is the destination of rename and link calls.
	SecondPath string
	// ProcessName is the program name of exec calls, unresolved.
	ProcessName string
	// Flags are the open(2) flags of the call.
	Flags int
}

// PathCall returns a FileCall for a path relative to the working directory.
func PathCall(syscall string, kind EventKind, path string) FileCall {
	return FileCall{
		Syscall: syscall,
		Kind:    kind,
		DirFD:   AtFDCWD,
		Path:    path,
	}
}

// FDCall returns a FileCall for a call on the open descriptor fd.
func FDCall(syscall string, kind EventKind, fd int) FileCall {
	return FileCall{
		Syscall: syscall,
		Kind:    kind,
		DirFD:   AtFDCWD,
		HasFD:   true,
		FD:      fd,
	}
}

// Interceptor is what platform specific interposers call into. It is the only
// place where fatal errors end the process.
type Interceptor struct {
	Injector *Injector
	Session  *Session
	// Abort is called with every error an intercepted file call runs into.
	// It must not return. It defaults to logging the error and exiting with
	// status 1.
	Abort func(err error)
}

// Launch handles a process creation. When the returned outcome is not
// Injected the caller launches the original process as usual. Errors are
// failures to start the shim and are returned to the caller so it can fail
// the launch the same way a failed process creation would.
func (ic *Interceptor) Launch(ctx context.Context, req LaunchRequest) (LaunchOutcome, error) {
	if ic.Injector == nil {
		return LaunchOutcome{}, nil
	}
	return ic.Injector.MaybeInject(ctx, req)
}

// Access reports a file call and returns the policy verdict. Any failure to
// resolve or report the access aborts the process.
func (ic *Interceptor) Access(ctx context.Context, call FileCall) Verdict {
	if ic.Session == nil || !ic.Session.Enabled() {
		return NotChecked
	}

	v, err := ic.access(ctx, call)
	if err != nil {
		ic.abort(ctx, err)
		return Verdict{Status: StatusDenied}
	}
	return v
}

func (ic *Interceptor) access(ctx context.Context, call FileCall) (Verdict, error) {
	s := ic.Session
	switch {
	case call.HasFD:
		return s.ReportAccessFD(ctx, call.Syscall, call.Kind, call.FD)

	case call.Kind == EventExec:
		name := call.ProcessName
		if name == "" {
			name = call.Path
		}
		return NotChecked, s.ReportExec(ctx, call.Syscall, name, call.Path)

	case call.SecondPath != "":
		src, err := s.NormalizePathAt(ctx, call.DirFD, call.Path, call.Flags)
		if err != nil {
			return NotChecked, err
		}
		dst, err := s.NormalizePathAt(ctx, call.DirFD, call.SecondPath, call.Flags)
		if err != nil {
			return NotChecked, err
		}
		return s.ReportAccess(ctx, call.Syscall, call.Kind, src, dst)

	default:
		return s.ReportAccessAt(ctx, call.Syscall, call.Kind, call.DirFD, call.Path, call.Flags)
	}
}

func (ic *Interceptor) abort(ctx context.Context, err error) {
	if ic.Abort != nil {
		ic.Abort(err)
		return
	}

	if ic.Session != nil {
		ic.Session.Logger().Error(ctx, "aborting observed process", slog.Error(err), slog.F("fatal", IsFatal(err)))
	}
	slog.Make(sloghuman.Sink(os.Stderr)).Fatal(ctx, "file access observer failed", slog.Error(err))
}
