//go:build linux
// +build linux

package shimtrace

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"sync"

	"cdr.dev/slog"
	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
	"golang.org/x/xerrors"
)

// Names the audit object must use for its program and ring buffer.
const (
	auditProgramName = "enter_execve"
	auditEventsName  = "events"
)

var (
	removeMemlockOnce sync.Once
	removeMemlockErr  error
)

// AuditObjects is a loaded audit BPF program and its ring buffer.
type AuditObjects interface {
	io.Closer

	enterExecveProg() *ebpf.Program
	eventsMap() *ebpf.Map
}

// LoadAuditObjects loads a compiled audit BPF object into the kernel. The
// object must contain a tracepoint program "enter_execve" and a ring buffer
// map "events" carrying exec samples.
func LoadAuditObjects(r io.ReaderAt, log slog.Logger) (AuditObjects, error) {
	// A no-op on 5.11+ kernels, which account BPF memory to the cgroup.
	removeMemlockOnce.Do(func() {
		removeMemlockErr = rlimit.RemoveMemlock()
	})
	if removeMemlockErr != nil {
		return nil, xerrors.Errorf("remove kernel memlock: %w", removeMemlockErr)
	}

	spec, err := ebpf.LoadCollectionSpecFromReader(r)
	if err != nil {
		return nil, xerrors.Errorf("read audit object: %w", err)
	}
	err = checkAuditSpec(spec)
	if err != nil {
		return nil, err
	}

	var loaded struct {
		Program *ebpf.Program `ebpf:"enter_execve"`
		Events  *ebpf.Map     `ebpf:"events"`
	}
	err = spec.LoadAndAssign(&loaded, nil)
	if err != nil {
		var ve *ebpf.VerifierError
		if xerrors.As(err, &ve) {
			log.Error(context.Background(), "audit program rejected by the verifier",
				slog.F("verifier_log", fmt.Sprintf("%+v", ve)),
			)
		}
		return nil, xerrors.Errorf("load audit object: %w", err)
	}

	objs := &auditObjects{
		program: loaded.Program,
		events:  loaded.Events,
	}
	closeOnCollect(objs, "audit objects", errObjectsClosed, log)
	return objs, nil
}

// checkAuditSpec rejects objects the auditor could not attach or read before
// anything is loaded into the kernel.
func checkAuditSpec(spec *ebpf.CollectionSpec) error {
	prog, ok := spec.Programs[auditProgramName]
	if !ok {
		return xerrors.Errorf("no program %q: %w", auditProgramName, ErrAuditObject)
	}
	if prog.Type != ebpf.TracePoint {
		return xerrors.Errorf("program %q is a %s program, want %s: %w", auditProgramName, prog.Type, ebpf.TracePoint, ErrAuditObject)
	}

	events, ok := spec.Maps[auditEventsName]
	if !ok {
		return xerrors.Errorf("no map %q: %w", auditEventsName, ErrAuditObject)
	}
	if events.Type != ebpf.RingBuf {
		return xerrors.Errorf("map %q is a %s, want %s: %w", auditEventsName, events.Type, ebpf.RingBuf, ErrAuditObject)
	}
	return nil
}

type auditObjects struct {
	closeGuard

	program *ebpf.Program
	events  *ebpf.Map
}

var _ AuditObjects = &auditObjects{}

func (o *auditObjects) enterExecveProg() *ebpf.Program { return o.program }
func (o *auditObjects) eventsMap() *ebpf.Map           { return o.events }

func (o *auditObjects) Close() error {
	return o.close(errObjectsClosed, func() error {
		runtime.SetFinalizer(o, nil)
		return closeAll(
			namedCloser{`BPF program "` + auditProgramName + `"`, o.program},
			namedCloser{`BPF map "` + auditEventsName + `"`, o.events},
		)
	})
}

// recordReader is the part of *ringbuf.Reader the auditor reads from.
type recordReader interface {
	Read() (ringbuf.Record, error)
	Close() error
}

// attachFunc hooks the audit program into the kernel and opens its event
// stream.
type attachFunc func(objs AuditObjects) (link.Link, recordReader, error)

func attachExecve(objs AuditObjects) (link.Link, recordReader, error) {
	tp, err := link.Tracepoint("syscalls", "sys_enter_execve", objs.enterExecveProg(), nil)
	if err != nil {
		return nil, nil, xerrors.Errorf("open tracepoint: %w", err)
	}
	rb, err := ringbuf.NewReader(objs.eventsMap())
	if err != nil {
		_ = tp.Close()
		return nil, nil, xerrors.Errorf("open ringbuf reader: %w", err)
	}
	return tp, rb, nil
}

type auditor struct {
	closeGuard

	objs   AuditObjects
	log    slog.Logger
	attach attachFunc

	// Guarded by closeGuard.mu.
	started bool
	tp      link.Link
	rb      recordReader
}

var _ Auditor = &auditor{}

// NewAuditor creates an Auditor reading from objs. Closing the auditor leaves
// objs open.
func NewAuditor(objs AuditObjects, log slog.Logger) (Auditor, error) {
	return newAuditor(objs, log, attachExecve)
}

func newAuditor(objs AuditObjects, log slog.Logger, attach attachFunc) (*auditor, error) {
	if objs == nil {
		return nil, xerrors.New("audit objects are nil")
	}
	a := &auditor{
		objs:   objs,
		log:    log.Named("audit"),
		attach: attach,
	}
	closeOnCollect(a, "auditor", errAuditorClosed, a.log)
	return a, nil
}

func (a *auditor) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case a.closed:
		return errAuditorClosed
	case a.started:
		return xerrors.New("auditor has already been started")
	}
	a.started = true

	tp, rb, err := a.attach(a.objs)
	if err != nil {
		return err
	}
	a.tp, a.rb = tp, rb
	return nil
}

func (a *auditor) Read() (*ExecEvent, error) {
	a.mu.Lock()
	rb, closed := a.rb, a.closed
	a.mu.Unlock()
	if closed {
		return nil, xerrors.Errorf("auditor closed: %w", io.EOF)
	}
	if rb == nil {
		return nil, xerrors.New("auditor is not started")
	}

	record, err := rb.Read()
	if err != nil {
		if xerrors.Is(err, ringbuf.ErrClosed) {
			return nil, xerrors.Errorf("auditor closed: %w", io.EOF)
		}
		return nil, xerrors.Errorf("read from ringbuf: %w", err)
	}

	ev, err := parseExecSample(record.RawSample)
	if err != nil {
		return nil, xerrors.Errorf("decode ringbuf record: %w", err)
	}
	if ev.Truncated {
		a.log.Debug(context.Background(), "exec arguments truncated",
			slog.F("pid", ev.PID),
			slog.F("filename", ev.Filename),
		)
	}
	return ev, nil
}

// Close detaches the program. Blocked Read calls return an error wrapping
// io.EOF.
func (a *auditor) Close() error {
	return a.close(errAuditorClosed, func() error {
		runtime.SetFinalizer(a, nil)
		return closeAll(
			namedCloser{"ringbuf reader", a.rb},
			namedCloser{"tracepoint", a.tp},
		)
	})
}
