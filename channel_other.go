//go:build !unix

package shimtrace

import (
	"os"

	"golang.org/x/xerrors"
)

func writeAtomic(path string, buf []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return xerrors.Errorf("open %q (%v): %w", path, err, ErrReportChannel)
	}
	defer f.Close()

	n, err := f.Write(buf)
	if err != nil {
		return xerrors.Errorf("write %q (%v): %w", path, err, ErrReportChannel)
	}
	if n < len(buf) {
		return xerrors.Errorf("wrote only %d bytes out of %d to %q: %w", n, len(buf), path, ErrReportChannel)
	}
	return nil
}
