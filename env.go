package shimtrace

import (
	"os"
	"strconv"
	"strings"

	"golang.org/x/xerrors"
)

// Environment variables read at process start.
const (
	// EnvMinParallelism is the minimum estimated number of compiler inputs
	// for which a compiler launch is shimmed.
	EnvMinParallelism = "SHIMTRACE_MIN_PARALLELISM"
	// EnvManifestPath names the file access manifest of the sandboxed
	// process.
	EnvManifestPath = "SHIMTRACE_MANIFEST_PATH"
	// EnvLogPath enables diagnostic logging to the named file.
	EnvLogPath = "SHIMTRACE_LOG_PATH"
	// EnvRootPID is the pid at the top of the observed process tree.
	EnvRootPID = "SHIMTRACE_ROOT_PID"
)

// Environment gives access to the configuration variables. The zero value
// reads the process environment.
type Environment struct {
	// Getenv defaults to os.Getenv.
	Getenv func(key string) string
}

// MapEnvironment returns an Environment backed by a fixed set of variables.
func MapEnvironment(vars map[string]string) Environment {
	return Environment{Getenv: func(key string) string {
		return vars[key]
	}}
}

func (e Environment) get(key string) string {
	if e.Getenv == nil {
		return os.Getenv(key)
	}
	return e.Getenv(key)
}

// MinParallelism parses EnvMinParallelism. An unset variable is 0. A value
// that does not start with an integer is 0 and reported as an error, which
// callers treat as recoverable.
func (e Environment) MinParallelism() (int, error) {
	raw := e.get(EnvMinParallelism)
	if raw == "" {
		return 0, nil
	}

	n, ok := leadingInt(raw)
	if !ok {
		return 0, xerrors.Errorf("%s=%q is not an integer", EnvMinParallelism, raw)
	}
	return n, nil
}

// ManifestPath returns the value of EnvManifestPath.
func (e Environment) ManifestPath() string {
	return e.get(EnvManifestPath)
}

// LogPath returns the value of EnvLogPath.
func (e Environment) LogPath() string {
	return e.get(EnvLogPath)
}

// RootPID returns the value of EnvRootPID, or -1 if it is unset or invalid.
func (e Environment) RootPID() int {
	raw := e.get(EnvRootPID)
	if raw == "" {
		return -1
	}
	n, ok := leadingInt(raw)
	if !ok {
		return -1
	}
	return n
}

// leadingInt parses the integer at the start of s, ignoring leading whitespace
// and any trailing garbage, the way C's atoi does. Out of range values clamp.
func leadingInt(s string) (int, bool) {
	s = strings.TrimLeft(s, " \t\r\n")

	end := 0
	if end < len(s) && (s[end] == '-' || s[end] == '+') {
		end++
	}
	digits := end
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == digits {
		return 0, false
	}

	n, err := strconv.ParseInt(s[:end], 10, strconv.IntSize)
	if err != nil {
		var numErr *strconv.NumError
		if xerrors.As(err, &numErr) && numErr.Err == strconv.ErrRange {
			// ParseInt returns the clamped value on range errors.
			return int(n), true
		}
		return 0, false
	}
	return int(n), true
}
