package shimtrace

import (
	"context"
	"os"

	"cdr.dev/slog"
	"go.starlark.net/starlark"
	"golang.org/x/xerrors"
)

// starlarkFilterFunc is the global a filter script must define.
const starlarkFilterFunc = "filter"

// maxFilterSteps bounds the work a single filter call may do, so a buggy
// script cannot hang every process launch in the build.
const maxFilterSteps = 1_000_000

// StarlarkFilter is a Filter implemented by a Starlark script. The script must
// define:
//
//	def filter(command, args, env, cwd):
//	    return command.lower().endswith("cl.exe")
//
// env is a list of "KEY=value" strings. A truthy return value is a match.
type StarlarkFilter struct {
	name string
	fn   starlark.Callable
	log  slog.Logger
}

var _ Filter = &StarlarkFilter{}

// LoadStarlarkFilter executes source and returns a filter calling its filter
// function. The script's globals are frozen, so the filter is safe for
// concurrent use.
func LoadStarlarkFilter(name, source string, log slog.Logger) (*StarlarkFilter, error) {
	log = log.Named("filter").With(slog.F("script", name))
	thread := &starlark.Thread{
		Name: name,
		Print: func(_ *starlark.Thread, msg string) {
			log.Debug(context.Background(), msg)
		},
	}

	globals, err := starlark.ExecFile(thread, name, source, nil)
	if err != nil {
		return nil, xerrors.Errorf("exec filter script %q: %w", name, err)
	}
	globals.Freeze()

	v, ok := globals[starlarkFilterFunc]
	if !ok {
		return nil, xerrors.Errorf("filter script %q does not define %s()", name, starlarkFilterFunc)
	}
	fn, ok := v.(starlark.Callable)
	if !ok {
		return nil, xerrors.Errorf("filter script %q: %s is a %s, not a function", name, starlarkFilterFunc, v.Type())
	}

	return &StarlarkFilter{
		name: name,
		fn:   fn,
		log:  log,
	}, nil
}

// LoadStarlarkFilterFile reads a filter script from disk.
func LoadStarlarkFilterFile(path string, log slog.Logger) (*StarlarkFilter, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Errorf("read filter script: %w", err)
	}
	return LoadStarlarkFilter(path, string(source), log)
}

// Match calls the script's filter function. Script errors are logged and count
// as no match.
func (f *StarlarkFilter) Match(ctx context.Context, req FilterRequest) bool {
	thread := &starlark.Thread{Name: f.name}
	thread.SetMaxExecutionSteps(maxFilterSteps)

	env := make([]starlark.Value, 0, len(req.Env))
	for _, kv := range req.Env {
		env = append(env, starlark.String(kv))
	}

	res, err := starlark.Call(thread, f.fn, starlark.Tuple{
		starlark.String(req.Command),
		starlark.String(req.Args),
		starlark.NewList(env),
		starlark.String(req.Dir),
	}, nil)
	if err != nil {
		f.log.Warn(ctx, "filter script failed, treating as no match",
			slog.F("command", req.Command),
			slog.Error(err),
		)
		return false
	}

	return bool(res.Truth())
}
