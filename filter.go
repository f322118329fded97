package shimtrace

import (
	"context"
	"os"
)

// FilterRequest is what a Filter is asked to judge. Env and Dir are always
// populated: when the launch did not specify them the current process
// environment and working directory are substituted.
type FilterRequest struct {
	Command string
	Args    string
	Env     []string
	Dir     string
}

// Filter is an external plugin consulted when deciding whether to substitute
// a shim. A match means "this process is in the list"; whether the list is an
// opt-in or an opt-out list depends on ShimConfig.ShimAllProcesses.
type Filter interface {
	Match(ctx context.Context, req FilterRequest) bool
}

// FilterFunc adapts a function to the Filter interface.
type FilterFunc func(ctx context.Context, req FilterRequest) bool

func (f FilterFunc) Match(ctx context.Context, req FilterRequest) bool {
	return f(ctx, req)
}

func newFilterRequest(command, args string, env []string, dir string) FilterRequest {
	if env == nil {
		env = os.Environ()
	}
	if dir == "" {
		// An unreadable working directory is passed on as empty; the
		// filter decides what that means.
		dir, _ = os.Getwd()
	}
	return FilterRequest{
		Command: command,
		Args:    args,
		Env:     env,
		Dir:     dir,
	}
}
