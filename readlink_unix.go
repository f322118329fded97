//go:build unix

package shimtrace

import (
	"errors"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// readlinkBufSize is PATH_MAX. A target that fills the buffer may have been
// truncated and is rejected.
const readlinkBufSize = 4096

func (OSReadlinker) Readlink(path string) (string, bool, error) {
	buf := make([]byte, readlinkBufSize)
	n, err := unix.Readlink(path, buf)
	if err != nil {
		for _, notLink := range [...]error{unix.EINVAL, unix.ENOENT, unix.ENOTDIR, unix.EACCES, unix.ENAMETOOLONG, unix.ELOOP} {
			if errors.Is(err, notLink) {
				return "", false, nil
			}
		}
		return "", false, xerrors.Errorf("readlink %q (%v): %w", path, err, ErrReadlink)
	}
	if n >= len(buf) {
		return "", false, xerrors.Errorf("readlink %q: target does not fit in %d bytes: %w", path, len(buf), ErrReadlink)
	}
	return string(buf[:n]), true, nil
}
