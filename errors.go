package shimtrace

import (
	"runtime"

	"golang.org/x/xerrors"
)

var (
	// ErrReportTooLarge is returned when a serialized report does not fit in a
	// single atomic write to the report channel.
	ErrReportTooLarge = xerrors.New("report exceeds atomic write limit")
	// ErrReportChannel is returned when the report channel could not be opened
	// or fully written.
	ErrReportChannel = xerrors.New("report channel failure")
	// ErrSymlinkLoop is returned when path resolution follows more symlinks
	// than Resolver.MaxHops allows.
	ErrSymlinkLoop = xerrors.New("too many levels of symbolic links")
	// ErrReadlink is returned when a symlink target could not be read for a
	// reason other than the path not being a symlink.
	ErrReadlink = xerrors.New("read symlink target")
	// ErrManifest is returned when the file access manifest could not be read
	// or decoded.
	ErrManifest = xerrors.New("invalid file access manifest")
	// ErrNoShim is returned when a shim launch is requested without a shim
	// executable configured.
	ErrNoShim = xerrors.New("no shim executable configured")
	// ErrAuditObject is returned when a BPF object lacks the program or map
	// the auditor needs.
	ErrAuditObject = xerrors.New("invalid audit object")

	errAuditorClosed = xerrors.New("auditor is closed")
	errObjectsClosed = xerrors.New("objects are closed")

	errUnsupportedOS = xerrors.Errorf(`%q is an unsupported OS, only "linux" is supported`, runtime.GOOS)
)

// Suppress unused variable errors. These variables are used in files that are
// not included in all builds.
var (
	_ = errAuditorClosed
	_ = errObjectsClosed
	_ = errUnsupportedOS
)

// FatalError marks a condition after which the observed process must not keep
// running, because continuing would leave accesses unreported or the report
// stream inconsistent. Library code only returns these; the Interceptor is the
// one that aborts.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return "fatal: " + e.Op + ": " + e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

func fatal(op string, err error) error {
	return &FatalError{Op: op, Err: err}
}

// IsFatal reports whether err, or any error it wraps, is a *FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return xerrors.As(err, &fe)
}
