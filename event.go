package shimtrace

import (
	"io/fs"
	"strconv"
	"strings"
)

// EventKind is the kind of file system operation an intercepted syscall
// performs.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventExec
	EventFork
	EventExit
	EventOpen
	EventCreate
	EventWrite
	EventTruncate
	EventUnlink
	EventRename
	EventLink
	EventReadlink
	EventStat
	EventReaddir
	EventSetattr
	EventLookup
	EventClose
)

var eventKindNames = [...]string{
	EventUnknown:  "unknown",
	EventExec:     "exec",
	EventFork:     "fork",
	EventExit:     "exit",
	EventOpen:     "open",
	EventCreate:   "create",
	EventWrite:    "write",
	EventTruncate: "truncate",
	EventUnlink:   "unlink",
	EventRename:   "rename",
	EventLink:     "link",
	EventReadlink: "readlink",
	EventStat:     "stat",
	EventReaddir:  "readdir",
	EventSetattr:  "setattr",
	EventLookup:   "lookup",
	EventClose:    "close",
}

func (k EventKind) String() string {
	if k < 0 || int(k) >= len(eventKindNames) {
		return "EventKind(" + strconv.Itoa(int(k)) + ")"
	}
	return eventKindNames[k]
}

// Operation is the operation code carried on the wire.
type Operation int

const (
	OpProcessStart Operation = iota
	OpProcessExec
	OpProcessExit
	OpProcessTreeCompleted
	OpOpen
	OpCreate
	OpWrite
	OpUnlink
	OpRename
	OpLink
	OpReadlink
	OpStat
	OpReaddir
	OpSetattr
	OpLookup
	OpClose
)

// RequestedAccess is a bit mask of the kinds of access an operation needs.
type RequestedAccess int

const (
	AccessNone  RequestedAccess = 0
	AccessRead  RequestedAccess = 1 << (iota - 1)
	AccessWrite
	AccessProbe
	AccessEnumerate
	AccessEnumerationProbe
	AccessLookup
)

func (a RequestedAccess) String() string {
	if a == AccessNone {
		return "none"
	}
	var parts []string
	for _, f := range [...]struct {
		bit  RequestedAccess
		name string
	}{
		{AccessRead, "read"},
		{AccessWrite, "write"},
		{AccessProbe, "probe"},
		{AccessEnumerate, "enumerate"},
		{AccessEnumerationProbe, "enumeration-probe"},
		{AccessLookup, "lookup"},
	} {
		if a&f.bit != 0 {
			parts = append(parts, f.name)
		}
	}
	return strings.Join(parts, "|")
}

// translation maps an EventKind onto the wire operation and the access it
// requests.
var translation = map[EventKind]struct {
	op     Operation
	access RequestedAccess
}{
	EventExec:     {OpProcessExec, AccessRead},
	EventFork:     {OpProcessStart, AccessNone},
	EventExit:     {OpProcessExit, AccessNone},
	EventOpen:     {OpOpen, AccessRead},
	EventCreate:   {OpCreate, AccessWrite},
	EventWrite:    {OpWrite, AccessWrite},
	EventTruncate: {OpWrite, AccessWrite},
	EventUnlink:   {OpUnlink, AccessWrite},
	EventRename:   {OpRename, AccessWrite},
	EventLink:     {OpLink, AccessWrite},
	EventReadlink: {OpReadlink, AccessRead},
	EventStat:     {OpStat, AccessProbe},
	EventReaddir:  {OpReaddir, AccessEnumerate},
	EventSetattr:  {OpSetattr, AccessWrite},
	EventLookup:   {OpLookup, AccessLookup},
	EventClose:    {OpClose, AccessNone},
}

// Translate returns the wire operation and requested access of an event kind.
// Unknown kinds are reported as a lookup.
func (k EventKind) Translate() (Operation, RequestedAccess) {
	t, ok := translation[k]
	if !ok {
		return OpLookup, AccessLookup
	}
	return t.op, t.access
}

// AccessEvent is one intercepted file system operation. It lives only for the
// duration of its policy evaluation.
type AccessEvent struct {
	PID       int
	ParentPID int
	Kind      EventKind
	// Path is canonical and absolute, except for the unresolved process name
	// reported first on exec.
	Path string
	// SecondaryPath is the target of a rename or link, if any.
	SecondaryPath string
	// ExecutablePath is the image being executed for exec events and the
	// observed process's own executable otherwise.
	ExecutablePath string
	Mode           fs.FileMode
	IsDirectory    bool
}
