//go:build !linux

package shimtrace

const (
	AtFDCWD   = -100
	ONoFollow = 0x20000
)

func fdPath(fd int) (string, error) {
	return "", errUnsupportedOS
}
