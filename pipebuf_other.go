//go:build !linux

package shimtrace

// AtomicWriteLimit is the POSIX minimum for PIPE_BUF, which every platform
// guarantees for atomic pipe writes.
const AtomicWriteLimit = 512
