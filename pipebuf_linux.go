package shimtrace

// AtomicWriteLimit is PIPE_BUF, the largest write to a pipe the kernel
// guarantees not to interleave with other writers.
const AtomicWriteLimit = 4096
