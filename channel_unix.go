//go:build unix

package shimtrace

import (
	"errors"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// writeAtomic opens the channel, writes buf with exactly one write(2) and
// closes it again. os.File is not used because it retries short writes, which
// would split a record into several writes.
func writeAtomic(path string, buf []byte) error {
	fd, err := openChannel(path)
	if err != nil {
		return err
	}
	defer unix.Close(fd)

	var n int
	for {
		n, err = unix.Write(fd, buf)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	if err != nil {
		return xerrors.Errorf("write %q (%v): %w", path, err, ErrReportChannel)
	}
	if n < len(buf) {
		return xerrors.Errorf("wrote only %d bytes out of %d to %q: %w", n, len(buf), path, ErrReportChannel)
	}
	return nil
}

func openChannel(path string) (int, error) {
	for {
		fd, err := unix.Open(path, unix.O_WRONLY|unix.O_APPEND|unix.O_CLOEXEC, 0)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return -1, xerrors.Errorf("open %q (%v): %w", path, err, ErrReportChannel)
		}
		return fd, nil
	}
}
