package shimtrace

import (
	"context"
	"strings"
	"sync"

	"cdr.dev/slog"
)

// Names used to recognize compiler invocations whose parallelism is worth
// estimating before deciding to shim. Matching is a case-insensitive suffix
// match, so analysis wrappers such as "oacrcl.exe" are included.
const (
	trackerExecutable  = "Tracker.exe"
	compilerExecutable = "cl.exe"
)

// ProcessMatch selects processes by executable name and, optionally, by a
// substring of their arguments.
type ProcessMatch struct {
	// ProcessName is compared case-insensitively against the whole executable
	// path or against its last path segment.
	ProcessName string `yaml:"process" json:"process"`
	// ArgumentMatch, when non-empty, must appear (case-sensitively) in the
	// argument string.
	ArgumentMatch string `yaml:"argument,omitempty" json:"argument,omitempty"`
}

// Matches reports whether the rule selects the given command. The process name
// only matches whole path segments: "cmd.exe" matches `C:\Windows\cmd.exe` but
// not `C:\Windows\mycmd.exe`.
func (m ProcessMatch) Matches(command, args string) bool {
	var (
		nameLen = len(m.ProcessName)
		cmdLen  = len(command)
	)
	switch {
	case nameLen < cmdLen:
		if !isPathSeparator(command[cmdLen-nameLen-1]) || !strings.EqualFold(command[cmdLen-nameLen:], m.ProcessName) {
			return false
		}
	case nameLen == cmdLen:
		if !strings.EqualFold(command, m.ProcessName) {
			return false
		}
	default:
		return false
	}

	return m.ArgumentMatch == "" || strings.Contains(args, m.ArgumentMatch)
}

// ShimConfig describes which launched processes get replaced by a shim. It is
// set once at process start and treated as read-only afterwards.
type ShimConfig struct {
	// ShimPath is the executable launched in place of matching processes.
	ShimPath string
	// Rules are consulted in order and the first match wins.
	Rules []ProcessMatch
	// ShimAllProcesses turns Rules and Filter into an opt-out list: every
	// process is shimmed except the matching ones. When false they are an
	// opt-in list.
	ShimAllProcesses bool
	// RenameShimToCommand launches the shim under the original tool's file
	// name, for trackers that dispatch on the observed executable name.
	RenameShimToCommand bool
	// Filter is an optional plugin consulted after Rules.
	Filter Filter
	// MinParallelism overrides the threshold normally read from
	// EnvMinParallelism.
	MinParallelism *int
}

// Decision is the outcome of evaluating one launch.
type Decision struct {
	Substitute bool `json:"substitute"`
	// RenameShim is only ever true together with Substitute.
	RenameShim bool `json:"rename_shim"`
	// Args is the argument string to hand to the shim. It differs from the
	// input when a response file has been inlined.
	Args string `json:"args"`
	// Inputs is the estimated number of compiler inputs. Zero unless the
	// compiler estimator ran.
	Inputs int `json:"inputs"`
}

// Engine decides whether launches should be substituted with the shim.
type Engine struct {
	cfg ShimConfig
	env Environment
	log slog.Logger

	minOnce        sync.Once
	minParallelism int
}

// NewEngine creates an Engine. The zero Environment reads the real process
// environment.
func NewEngine(cfg ShimConfig, env Environment, log slog.Logger) *Engine {
	return &Engine{
		cfg: cfg,
		env: env,
		log: log.Named("shim"),
	}
}

// Config returns the configuration the engine was created with.
func (e *Engine) Config() ShimConfig {
	return e.cfg
}

// Decide evaluates a parsed launch. env and dir may be nil and empty, in which
// case a filter plugin sees the current environment and working directory.
func (e *Engine) Decide(ctx context.Context, command, args string, env []string, dir string) Decision {
	d := e.decide(ctx, command, args, env, dir)
	d.RenameShim = d.Substitute && e.cfg.RenameShimToCommand
	return d
}

func (e *Engine) decide(ctx context.Context, command, args string, env []string, dir string) Decision {
	d := Decision{Args: args}

	if len(e.cfg.Rules) == 0 {
		if e.cfg.Filter == nil {
			d.Substitute = e.cfg.ShimAllProcesses
			return d
		}
		// A filter match flips the default: exclusive when shimming
		// everything, inclusive otherwise.
		d.Substitute = e.filterMatch(ctx, command, args, env, dir) != e.cfg.ShimAllProcesses
		return d
	}

	foundMatch := false
	for _, rule := range e.cfg.Rules {
		if rule.Matches(command, args) {
			foundMatch = true
			break
		}
	}

	filterMatch := e.cfg.ShimAllProcesses
	if e.cfg.Filter != nil {
		filterMatch = e.filterMatch(ctx, command, args, env, dir)
	}

	if e.cfg.ShimAllProcesses {
		d.Substitute = !foundMatch && !filterMatch
		return d
	}

	if foundMatch {
		switch {
		case hasSuffixFold(command, trackerExecutable):
			// Skip the tracker's own arguments for the analysis.
			from := indexFold(args, compilerExecutable)
			if from == -1 {
				e.log.Debug(ctx, "compiler not found in tracker arguments", slog.F("args", args))
				return d
			}
			return e.estimate(ctx, args, from)
		case hasSuffixFold(command, compilerExecutable):
			return e.estimate(ctx, args, 0)
		}
	}

	d.Substitute = foundMatch || filterMatch
	return d
}

func (e *Engine) filterMatch(ctx context.Context, command, args string, env []string, dir string) bool {
	if e.cfg.Filter == nil {
		return false
	}
	return e.cfg.Filter.Match(ctx, newFilterRequest(command, args, env, dir))
}

// estimate turns a compiler input estimate into a decision.
func (e *Engine) estimate(ctx context.Context, args string, from int) Decision {
	est := e.EstimateCompilerInputs(ctx, args, from)
	threshold := e.MinParallelism(ctx)

	if est.Inputs < threshold {
		e.log.Debug(ctx, "running compiler locally",
			slog.F("inputs", est.Inputs),
			slog.F("min_parallelism", threshold),
			slog.F("args", args),
		)
		return Decision{Args: args, Inputs: est.Inputs}
	}

	// The response file has already been read, so paste its contents in
	// place of the reference and spare the shim from reading it again.
	if est.ResponseFile != nil {
		args = args[:est.ResponseFile.Start] + est.ResponseFile.Text + args[est.ResponseFile.End:]
	}
	e.log.Debug(ctx, "injecting shim for compiler",
		slog.F("inputs", est.Inputs),
		slog.F("min_parallelism", threshold),
		slog.F("args", args),
	)
	return Decision{Substitute: true, Args: args, Inputs: est.Inputs}
}

// MinParallelism returns the minimum number of compiler inputs for which a
// shim is worth launching. It is resolved once per Engine.
func (e *Engine) MinParallelism(ctx context.Context) int {
	e.minOnce.Do(func() {
		if e.cfg.MinParallelism != nil {
			e.minParallelism = *e.cfg.MinParallelism
			return
		}

		threshold, err := e.env.MinParallelism()
		if err != nil {
			e.log.Warn(ctx, "could not parse minimum parallelism, using 0", slog.Error(err))
		}
		e.minParallelism = threshold
	})
	return e.minParallelism
}

func isPathSeparator(c byte) bool {
	return c == '\\' || c == '/'
}

func hasSuffixFold(s, suffix string) bool {
	return len(s) >= len(suffix) && strings.EqualFold(s[len(s)-len(suffix):], suffix)
}

// indexFold is strings.Index with ASCII case folding. Offsets are byte offsets
// into s.
func indexFold(s, substr string) int {
	n := len(substr)
	for i := 0; i+n <= len(s); i++ {
		if strings.EqualFold(s[i:i+n], substr) {
			return i
		}
	}
	return -1
}

// countFold counts non-overlapping case-insensitive occurrences of substr.
func countFold(s, substr string) int {
	count := 0
	for {
		i := indexFold(s, substr)
		if i == -1 {
			return count
		}
		count++
		s = s[i+len(substr):]
	}
}
