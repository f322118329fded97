package shimtrace

import (
	"bytes"
	"context"
	"encoding/binary"
	"strings"

	"github.com/kballard/go-shellquote"
	"golang.org/x/xerrors"
)

// Sizes of the exec sample written by the audit BPF program. A program built
// for the auditor must use the same values.
const (
	AuditArgLen  = 32
	AuditArgSize = 1024
	AuditCommLen = 16
)

// rawExecSample is the layout of one ring buffer record, all fields in host
// byte order:
//
//	struct exec_sample {
//		char filename[1024];
//		char argv[32][1024];
//		u32  argc;
//		u32  uid;
//		u32  gid;
//		u32  pid;
//		u32  ppid;
//		char comm[16];
//	};
//
// argc counts every argument of the exec, so it exceeds AuditArgLen when argv
// was cut short.
type rawExecSample struct {
	Filename [AuditArgSize]byte
	Argv     [AuditArgLen][AuditArgSize]byte
	Argc     uint32
	UID      uint32
	GID      uint32
	PID      uint32
	PPID     uint32
	Comm     [AuditCommLen]byte
}

// Auditor reads exec events from the kernel. Each traced execve is delivered
// as an ExecEvent, which can be run through an Engine to see what a shim
// configuration would do with it.
type Auditor interface {
	// Start attaches the program to the execve tracepoint.
	Start() error
	// Read blocks until an exec event is available. After Close it returns
	// an error wrapping io.EOF.
	Read() (*ExecEvent, error)
	Close() error
}

// ExecEvent is one traced execve.
type ExecEvent struct {
	Filename string `json:"filename"`
	// Argv includes argv[0].
	Argv []string `json:"argv"`
	// Truncated is true when the exec had more than AuditArgLen arguments.
	Truncated bool `json:"truncated"`

	PID       uint32 `json:"pid"`
	ParentPID uint32 `json:"ppid"`
	UID       uint32 `json:"uid"`
	GID       uint32 `json:"gid"`
	// Comm is the name of the calling process.
	Comm string `json:"comm"`
}

// CommandLine rebuilds a command line for the exec: the quoted filename
// followed by the shell-quoted arguments after argv[0].
func (e *ExecEvent) CommandLine() string {
	cmdLine := `"` + e.Filename + `"`
	if len(e.Argv) > 1 {
		cmdLine += " " + shellquote.Join(e.Argv[1:]...)
	}
	return cmdLine
}

// AuditEvent is an exec event together with the decision the engine made for
// it.
type AuditEvent struct {
	*ExecEvent
	Command  string   `json:"command"`
	Args     string   `json:"args"`
	Decision Decision `json:"decision"`
}

// Evaluate runs an exec event through the engine as if it had been
// intercepted at launch.
func Evaluate(ctx context.Context, engine *Engine, ev *ExecEvent) AuditEvent {
	command, args := ParseCommandLine(ev.CommandLine())
	return AuditEvent{
		ExecEvent: ev,
		Command:   command,
		Args:      args,
		Decision:  engine.Decide(ctx, command, args, nil, ""),
	}
}

func parseExecSample(raw []byte) (*ExecEvent, error) {
	var sample rawExecSample
	err := binary.Read(bytes.NewReader(raw), binary.NativeEndian, &sample)
	if err != nil {
		return nil, xerrors.Errorf("parse exec sample of %d bytes: %w", len(raw), err)
	}

	ev := &ExecEvent{
		Filename:  cString(sample.Filename[:]),
		Argv:      []string{},
		Truncated: sample.Argc > AuditArgLen,
		PID:       sample.PID,
		ParentPID: sample.PPID,
		UID:       sample.UID,
		GID:       sample.GID,
		Comm:      cString(sample.Comm[:]),
	}

	// Entries past argc were never written by the program.
	argc := int(sample.Argc)
	if argc > AuditArgLen {
		argc = AuditArgLen
	}
	for i := 0; i < argc; i++ {
		arg := cString(sample.Argv[i][:])
		if strings.TrimSpace(arg) != "" {
			ev.Argv = append(ev.Argv, arg)
		}
	}
	return ev, nil
}

// cString returns b up to its first NUL.
func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i != -1 {
		b = b[:i]
	}
	return string(b)
}
