package shimtrace

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/sloghuman"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/xerrors"
)

// SessionOptions configures NewSession. All fields are optional.
type SessionOptions struct {
	// Env is where the session configuration is read from.
	Env Environment
	// Logger replaces the logger normally opened from EnvLogPath.
	Logger *slog.Logger
	// Policy replaces the manifest as the policy engine.
	Policy PolicyEvaluator
	// ReportsPath replaces the report channel named by the manifest.
	ReportsPath string
	// Readlinker is used for path resolution, defaulting to OSReadlinker.
	Readlinker Readlinker
	// MaxSymlinkHops is passed on to the Resolver.
	MaxSymlinkHops int
}

// Session is the file access observer of one process. It is created once,
// before any access is intercepted, and shared by every interception site for
// the lifetime of the process.
type Session struct {
	pid       int
	parentPID int
	rootPID   int
	progName  string
	progPath  string

	manifest *Manifest
	policy   PolicyEvaluator
	reporter *Reporter

	readlinker     Readlinker
	maxSymlinkHops int

	log     slog.Logger
	logFile *os.File
}

// NewSession attaches the observer to the current process. When no manifest is
// configured the session is disabled: accesses are neither checked nor
// reported. A configured manifest that cannot be loaded is fatal.
func NewSession(ctx context.Context, opts SessionOptions) (*Session, error) {
	s := &Session{
		pid:       os.Getpid(),
		parentPID: os.Getppid(),
		rootPID:   opts.Env.RootPID(),
		progName:  filepath.Base(os.Args[0]),
	}

	if opts.Logger != nil {
		s.log = *opts.Logger
	} else if logPath := opts.Env.LogPath(); logPath != "" {
		f, err := os.OpenFile(logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return nil, xerrors.Errorf("open log file %q: %w", logPath, err)
		}
		s.logFile = f
		s.log = slog.Make(sloghuman.Sink(f)).Leveled(slog.LevelDebug)
	} else {
		s.log = slog.Make()
	}
	s.log = s.log.Named("observer").With(slog.F("pid", s.pid))

	exe, err := os.Executable()
	if err != nil {
		s.log.Warn(ctx, "could not resolve own executable", slog.Error(err))
		exe = os.Args[0]
	}
	s.progPath = exe

	s.readlinker = opts.Readlinker
	s.maxSymlinkHops = opts.MaxSymlinkHops

	s.policy = opts.Policy
	reportsPath := opts.ReportsPath
	if manifestPath := opts.Env.ManifestPath(); manifestPath != "" {
		m, err := LoadManifest(manifestPath)
		if err != nil {
			_ = s.Close()
			return nil, fatal("attach observer", err)
		}
		s.manifest = m
		if s.policy == nil {
			s.policy = m
		}
		if reportsPath == "" {
			reportsPath = m.ReportsPath
		}
	} else if s.policy == nil {
		s.log.Warn(ctx, "no file access manifest configured, observer disabled", slog.F("env", EnvManifestPath))
	}

	if s.policy != nil {
		if reportsPath == "" {
			_ = s.Close()
			return nil, fatal("attach observer", xerrors.Errorf("no report channel configured: %w", ErrReportChannel))
		}
		s.reporter = NewReporter(reportsPath, s.log)
	}

	s.log.Debug(ctx, "observer attached",
		slog.F("executable", s.progPath),
		slog.F("root_pid", s.rootPID),
		slog.F("enabled", s.Enabled()),
	)
	return s, nil
}

// Enabled reports whether accesses are evaluated and reported.
func (s *Session) Enabled() bool {
	return s.policy != nil
}

// Manifest returns the loaded manifest, or nil.
func (s *Session) Manifest() *Manifest {
	return s.manifest
}

// RootPID returns the pid at the top of the observed tree, or -1.
func (s *Session) RootPID() int {
	return s.rootPID
}

// ExecutablePath returns the full path of the observed process's executable.
func (s *Session) ExecutablePath() string {
	return s.progPath
}

// Logger returns the session logger.
func (s *Session) Logger() slog.Logger {
	return s.log
}

func (s *Session) failingUnexpectedAccesses() bool {
	return s.manifest != nil && s.manifest.FailUnexpectedAccesses
}

// ReportAccess builds an event for an already canonical path and reports it.
func (s *Session) ReportAccess(ctx context.Context, syscall string, kind EventKind, path, secondPath string) (Verdict, error) {
	ev := AccessEvent{
		PID:            s.pid,
		ParentPID:      s.parentPID,
		Kind:           kind,
		Path:           path,
		SecondaryPath:  secondPath,
		ExecutablePath: s.progPath,
	}
	if kind == EventExec {
		ev.ExecutablePath = path
	}
	if fi, err := os.Lstat(path); err == nil {
		ev.Mode = fi.Mode()
		ev.IsDirectory = fi.IsDir()
	}
	return s.Report(ctx, syscall, ev)
}

// Report evaluates an event and sends the resulting reports. A secondary path
// is evaluated and reported on its own; the stricter of the two verdicts is
// returned.
func (s *Session) Report(ctx context.Context, syscall string, ev AccessEvent) (Verdict, error) {
	op, access := ev.Kind.Translate()

	v, err := s.evaluate(ctx, syscall, ev, ev.Path, op, access)
	if err != nil || ev.SecondaryPath == "" {
		return v, err
	}

	v2, err := s.evaluate(ctx, syscall, ev, ev.SecondaryPath, op, access)
	return v.stricter(v2), err
}

func (s *Session) evaluate(ctx context.Context, syscall string, ev AccessEvent, path string, op Operation, access RequestedAccess) (Verdict, error) {
	ev.Path = path

	v := NotChecked
	if s.Enabled() {
		v = s.policy.Evaluate(ctx, ev, access)
	}

	s.log.Debug(ctx, "access",
		slog.F("syscall", syscall),
		slog.F("kind", ev.Kind.String()),
		slog.F("path", path),
		slog.F("access", access.String()),
		slog.F("status", v.Status.String()),
		slog.F("blocked", v.Denied() && s.failingUnexpectedAccesses()),
	)

	if !v.Report {
		return v, nil
	}
	return v, s.SendReport(ctx, AccessReport{
		ProcessName:      s.progName,
		PID:              ev.PID,
		RequestedAccess:  access,
		Status:           v.Status,
		ReportExplicitly: v.Explicit,
		Operation:        op,
		Path:             path,
	})
}

// SendReport delivers a report to the tracker.
func (s *Session) SendReport(ctx context.Context, report AccessReport) error {
	if s.reporter == nil {
		return nil
	}
	return s.reporter.Send(ctx, report)
}

// ReportExec reports an exec: first the program name exactly as given, so a
// process name reaches the tracker before anything else, then the resolved
// file being executed.
func (s *Session) ReportExec(ctx context.Context, syscall, procName, file string) error {
	_, err := s.ReportAccess(ctx, syscall, EventExec, procName, "")
	if err != nil {
		return err
	}
	_, err = s.ReportAccessPath(ctx, "report_exec", EventExec, file, 0)
	return err
}

// ReportAccessPath canonicalizes a path relative to the working directory and
// reports it. flags are open(2) flags; ONoFollow leaves a final symlink alone.
func (s *Session) ReportAccessPath(ctx context.Context, syscall string, kind EventKind, path string, flags int) (Verdict, error) {
	return s.ReportAccessAt(ctx, syscall, kind, AtFDCWD, path, flags)
}

// ReportAccessAt canonicalizes a path relative to the directory dirfd refers to
// (or the working directory for AtFDCWD) and reports it.
func (s *Session) ReportAccessAt(ctx context.Context, syscall string, kind EventKind, dirfd int, path string, flags int) (Verdict, error) {
	full, err := s.NormalizePathAt(ctx, dirfd, path, flags)
	if err != nil {
		return NotChecked, err
	}
	return s.ReportAccess(ctx, syscall, kind, full, "")
}

// ReportAccessFD reports an access through an open descriptor. Descriptors that
// do not refer to files, such as pipes and sockets, are not checked.
func (s *Session) ReportAccessFD(ctx context.Context, syscall string, kind EventKind, fd int) (Verdict, error) {
	path, err := fdPath(fd)
	if err != nil || !strings.HasPrefix(path, "/") {
		return NotChecked, nil
	}
	return s.ReportAccess(ctx, syscall, kind, path, "")
}

// NormalizePath is NormalizePathAt relative to the working directory.
func (s *Session) NormalizePath(ctx context.Context, path string, flags int) (string, error) {
	return s.NormalizePathAt(ctx, AtFDCWD, path, flags)
}

// NormalizePathAt turns path into a canonical absolute path. Relative paths
// are joined to the directory of dirfd, and an empty path names that
// directory itself, the working directory for AtFDCWD. Symlinks along the way
// are reported as readlink accesses under ctx.
func (s *Session) NormalizePathAt(ctx context.Context, dirfd int, path string, flags int) (string, error) {
	full := path
	if !strings.HasPrefix(path, "/") {
		dir, err := s.dirPath(dirfd)
		if err != nil {
			return "", fatal("normalize path", err)
		}
		full = dir
		if path != "" {
			full += "/" + path
		}
	}

	return s.resolver(ctx).Resolve(full, flags&ONoFollow == 0)
}

// resolver returns a Resolver that reports traversed symlinks under the
// context of the access being resolved.
func (s *Session) resolver(ctx context.Context) *Resolver {
	return &Resolver{
		Readlinker: s.readlinker,
		MaxHops:    s.maxSymlinkHops,
		OnSymlink: func(link string) error {
			_, err := s.ReportAccess(ctx, "_readlink", EventReadlink, link, "")
			return err
		},
	}
}

func (s *Session) dirPath(dirfd int) (string, error) {
	if dirfd == AtFDCWD {
		dir, err := os.Getwd()
		if err != nil {
			return "", xerrors.Errorf("get working directory: %w", err)
		}
		return dir, nil
	}
	return fdPath(dirfd)
}

// Close releases the log file. The session must not be used afterwards.
func (s *Session) Close() error {
	var merr error
	if s.logFile != nil {
		err := s.logFile.Close()
		if err != nil {
			merr = multierror.Append(merr, xerrors.Errorf("close log file: %w", err))
		}
		s.logFile = nil
	}
	return merr
}
