package shimtrace

import (
	"context"
	"io"
	"runtime"
	"runtime/debug"
	"sync"

	"cdr.dev/slog"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/xerrors"
)

// closeGuard makes Close idempotent for types holding kernel resources.
type closeGuard struct {
	mu     sync.Mutex
	closed bool
}

// close runs release the first time it is called and returns errClosed on
// every later call.
func (g *closeGuard) close(errClosed error, release func() error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return errClosed
	}
	g.closed = true
	return release()
}

type namedCloser struct {
	name string
	c    io.Closer
}

// closeAll closes every non-nil closer in order and collects the failures.
func closeAll(closers ...namedCloser) error {
	var merr error
	for _, nc := range closers {
		if nc.c == nil {
			continue
		}
		err := nc.c.Close()
		if err != nil {
			merr = multierror.Append(merr, xerrors.Errorf("close %s: %w", nc.name, err))
		}
	}
	return merr
}

// closeOnCollect closes c if it is garbage collected while still open and logs
// where it was created. c's Close must clear the finalizer.
func closeOnCollect[T io.Closer](c T, what string, errClosed error, log slog.Logger) {
	stack := debug.Stack()
	runtime.SetFinalizer(c, func(c T) {
		err := c.Close()
		if xerrors.Is(err, errClosed) {
			return
		}
		log.Warn(context.Background(), what+" was finalized without being closed, kernel resources leaked until now",
			slog.F("created_at", string(stack)),
			slog.Error(err),
		)
	})
}
