package remote

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
)

// Error kinds. Capability and transport implementations translate native
// errors into one of these at their boundary; callers match with errors.Is.
var (
	ErrConnectionTimeout = errors.New("connection timeout")
	ErrHostKeyMismatch   = errors.New("host key mismatch")
	ErrLoginCanceled     = errors.New("login canceled")
	ErrLoginFailure      = errors.New("login failure")
	ErrAccessDenied      = errors.New("access denied")
	ErrNotFound          = errors.New("not found")
	ErrInterrupted       = errors.New("interrupted")
	ErrIllegalState      = errors.New("illegal state")
	ErrUnsupported       = errors.New("unsupported")
	ErrInvalidResume     = errors.New("invalid resume")
)

var kinds = []error{
	ErrConnectionTimeout,
	ErrHostKeyMismatch,
	ErrLoginCanceled,
	ErrLoginFailure,
	ErrAccessDenied,
	ErrNotFound,
	ErrInterrupted,
	ErrIllegalState,
	ErrUnsupported,
	ErrInvalidResume,
}

// Error is a classified failure of a remote operation.
type Error struct {
	Kind error
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Path != "" {
		msg += " " + e.Path
	}
	msg += ": " + e.Kind.Error()
	if e.Err != nil && e.Err != e.Kind {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the protocol-native cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Wrap classifies err as kind. A nil err still produces an error.
func Wrap(kind error, op, path string, err error) error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// Errorf builds a classified error from a message.
func Errorf(kind error, op, path, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Path: path, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the taxonomy kind of err, or nil when unclassified.
func KindOf(err error) error {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// IsRetryable reports whether a caller policy may retry err.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConnectionTimeout)
}

// Translate classifies well-known standard library errors. Already classified
// errors are returned as is; unknown errors are returned unchanged.
func Translate(op, path string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != nil {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled):
		return Wrap(ErrInterrupted, op, path, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return Wrap(ErrConnectionTimeout, op, path, err)
	case errors.Is(err, fs.ErrNotExist):
		return Wrap(ErrNotFound, op, path, err)
	case errors.Is(err, fs.ErrPermission):
		return Wrap(ErrAccessDenied, op, path, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Wrap(ErrConnectionTimeout, op, path, err)
	}
	return err
}
