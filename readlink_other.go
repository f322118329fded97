//go:build !unix

package shimtrace

import (
	"io/fs"
	"os"

	"golang.org/x/xerrors"
)

func (OSReadlinker) Readlink(path string) (string, bool, error) {
	fi, err := os.Lstat(path)
	if err != nil || fi.Mode()&fs.ModeSymlink == 0 {
		return "", false, nil
	}

	target, err := os.Readlink(path)
	if err != nil {
		return "", false, xerrors.Errorf("readlink %q (%v): %w", path, err, ErrReadlink)
	}
	return target, true, nil
}
