//go:build !linux
// +build !linux

package shimtrace

import (
	"io"

	"cdr.dev/slog"
)

// AuditObjects is a loaded audit BPF program and its ring buffer.
type AuditObjects interface {
	io.Closer
}

// LoadAuditObjects is not supported on OSes other than Linux.
func LoadAuditObjects(_ io.ReaderAt, _ slog.Logger) (AuditObjects, error) {
	return nil, errUnsupportedOS
}

// NewAuditor is not supported on OSes other than Linux.
func NewAuditor(_ AuditObjects, _ slog.Logger) (Auditor, error) {
	return nil, errUnsupportedOS
}
