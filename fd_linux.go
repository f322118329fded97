package shimtrace

import (
	"strconv"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

const (
	// AtFDCWD makes *at calls resolve relative paths against the working
	// directory.
	AtFDCWD = unix.AT_FDCWD
	// ONoFollow is the open flag that stops the final symlink from being
	// followed.
	ONoFollow = unix.O_NOFOLLOW
)

// fdPath returns what the descriptor refers to, as the kernel reports it in
// /proc/self/fd. Pipes and sockets come back as things like "pipe:[1234]".
func fdPath(fd int) (string, error) {
	buf := make([]byte, readlinkBufSize)
	n, err := unix.Readlink("/proc/self/fd/"+strconv.Itoa(fd), buf)
	if err != nil {
		return "", xerrors.Errorf("get path for fd %d: %w", fd, err)
	}
	return string(buf[:n]), nil
}
