package transfer

import (
	"io"

	"github.com/jaywantadh/ferry/pkg/logging"
)

// CloseQuietly closes c and logs a failure instead of returning it. Use it on
// error paths where the original error matters more.
func CloseQuietly(c io.Closer) {
	if c == nil {
		return
	}
	if err := c.Close(); err != nil {
		logging.Log.WithError(err).Debug("ignored close failure")
	}
}

// Aborter is a write stream that can be dropped without committing what was
// written to it.
type Aborter interface {
	Abort(cause error) error
}

// Abort drops a write stream after a failed copy. Streams that cannot abort
// are closed quietly and keep what was written, which a later resume picks
// up.
func Abort(c io.Closer, cause error) {
	a, ok := c.(Aborter)
	if !ok {
		CloseQuietly(c)
		return
	}
	if err := a.Abort(cause); err != nil {
		logging.Log.WithError(err).Debug("ignored abort failure")
	}
}
