package shimtrace

import "context"

// PolicyStatus is the verdict of the policy engine. Its numeric value is what
// goes on the wire.
type PolicyStatus int

const (
	// StatusNotChecked means no policy engine looked at the access.
	StatusNotChecked PolicyStatus = iota
	StatusAllowed
	StatusWarned
	StatusDenied
)

func (s PolicyStatus) String() string {
	switch s {
	case StatusAllowed:
		return "allowed"
	case StatusWarned:
		return "warned"
	case StatusDenied:
		return "denied"
	default:
		return "not-checked"
	}
}

// Verdict is the policy engine's answer for one access.
type Verdict struct {
	Status PolicyStatus
	// Report is true when the access must be sent to the tracker.
	Report bool
	// Explicit marks accesses the manifest asked to be reported, as opposed
	// to accesses that are only reported because they are violations.
	Explicit bool
}

// NotChecked is the verdict for accesses no policy engine was asked about.
var NotChecked = Verdict{}

// Denied reports whether the access should be refused.
func (v Verdict) Denied() bool {
	return v.Status == StatusDenied
}

// stricter returns whichever of v and o is more restrictive, keeping the
// reporting flags of both.
func (v Verdict) stricter(o Verdict) Verdict {
	out := v
	if o.Status > v.Status {
		out.Status = o.Status
	}
	out.Report = v.Report || o.Report
	out.Explicit = v.Explicit || o.Explicit
	return out
}

// PolicyEvaluator decides what to do about an access. It is the seam to the
// policy engine, which lives outside this package; Manifest provides a simple
// implementation.
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, event AccessEvent, access RequestedAccess) Verdict
}

// PolicyFunc adapts a function to the PolicyEvaluator interface.
type PolicyFunc func(ctx context.Context, event AccessEvent, access RequestedAccess) Verdict

func (f PolicyFunc) Evaluate(ctx context.Context, event AccessEvent, access RequestedAccess) Verdict {
	return f(ctx, event, access)
}
