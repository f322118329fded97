package shimtrace

import (
	"strings"

	"golang.org/x/xerrors"
)

// DefaultMaxSymlinkHops matches the kernel's MAXSYMLINKS.
const DefaultMaxSymlinkHops = 40

// Readlinker reads symlink targets.
type Readlinker interface {
	// Readlink returns the target of the symlink at path. isLink is false
	// with a nil error when path exists but is not a symlink, or does not
	// exist at all. An error means the target of an existing link could not
	// be read, which is fatal to the resolution.
	Readlink(path string) (target string, isLink bool, err error)
}

// ReadlinkFunc adapts a function to the Readlinker interface.
type ReadlinkFunc func(path string) (string, bool, error)

func (f ReadlinkFunc) Readlink(path string) (string, bool, error) {
	return f(path)
}

// OSReadlinker reads symlinks from the real file system.
type OSReadlinker struct{}

var _ Readlinker = OSReadlinker{}

// Resolver canonicalizes absolute paths, resolving symlinks in every
// intermediate directory and optionally in the final component.
type Resolver struct {
	// Readlinker defaults to OSReadlinker.
	Readlinker Readlinker
	// OnSymlink is called with the path of every symlink traversed, before
	// its target is spliced in. An error aborts the resolution.
	OnSymlink func(link string) error
	// MaxHops bounds the number of symlinks followed in one resolution. Zero
	// means DefaultMaxSymlinkHops; a negative value means no bound, in which
	// case a symlink cycle never terminates.
	MaxHops int
}

// Resolve canonicalizes path, which must be absolute. Repeated separators and
// "." segments are removed, ".." removes the preceding segment (never going
// above the root), and symlinks are replaced by their targets. A relative
// target replaces the link's own segment, an absolute one replaces everything
// up to it; scanning resumes at the start of the spliced text, since targets
// may themselves contain "..". A trailing "." or ".." segment is left as is.
func (r *Resolver) Resolve(path string, followFinalSymlink bool) (string, error) {
	if !strings.HasPrefix(path, "/") {
		return "", xerrors.Errorf("resolve %q: path is not absolute", path)
	}

	readlinker := r.Readlinker
	if readlinker == nil {
		readlinker = OSReadlinker{}
	}
	maxHops := r.MaxHops
	if maxHops == 0 {
		maxHops = DefaultMaxSymlinkHops
	}

	var (
		buf  = []byte(path)
		pos  = 1
		hops = 0
	)
	for {
		if pos < len(buf) && buf[pos] == '/' {
			prev := prevSlash(buf, pos)
			switch segLen := pos - prev - 1; {
			case segLen == 0:
				// "//"
				buf = cut(buf, pos, pos+1)
				continue
			case segLen == 1 && buf[pos-1] == '.':
				// "/./"
				buf = cut(buf, pos-1, pos+1)
				pos--
				continue
			case segLen == 2 && buf[pos-1] == '.' && buf[pos-2] == '.':
				// "/../", the root is its own parent.
				if prev > 0 {
					prev = prevSlash(buf, prev)
				}
				buf = cut(buf, prev+1, pos+1)
				pos = prev + 1
				continue
			}
		}

		atEnd := pos == len(buf)
		var (
			target string
			isLink bool
		)
		if (!atEnd && buf[pos] == '/') || (atEnd && followFinalSymlink) {
			var err error
			target, isLink, err = readlinker.Readlink(string(buf[:pos]))
			if err != nil {
				return "", fatal("resolve "+path, err)
			}
		}

		if !isLink {
			if atEnd {
				return string(buf), nil
			}
			pos++
			continue
		}

		hops++
		if maxHops > 0 && hops > maxHops {
			return "", fatal("resolve "+path, xerrors.Errorf("followed %d links at %q: %w", maxHops, buf[:pos], ErrSymlinkLoop))
		}
		if r.OnSymlink != nil {
			err := r.OnSymlink(string(buf[:pos]))
			if err != nil {
				return "", xerrors.Errorf("report symlink %q: %w", buf[:pos], err)
			}
		}

		// Append the unresolved rest of the path to the target without
		// doubling the separator between them.
		rest := buf[pos:]
		if strings.HasSuffix(target, "/") && len(rest) > 0 && rest[0] == '/' {
			rest = rest[1:]
		}
		spliced := make([]byte, 0, len(target)+len(rest))
		spliced = append(spliced, target...)
		spliced = append(spliced, rest...)

		if strings.HasPrefix(target, "/") {
			buf = spliced
			pos = 1
			continue
		}

		start := prevSlash(buf, pos) + 1
		buf = append(buf[:start:start], spliced...)
		pos = start
	}
}

// prevSlash returns the index of the last '/' before i. buf[0] is always '/'.
func prevSlash(buf []byte, i int) int {
	for i--; i > 0 && buf[i] != '/'; i-- {
	}
	return i
}

// cut removes buf[from:to].
func cut(buf []byte, from, to int) []byte {
	return append(buf[:from], buf[to:]...)
}
