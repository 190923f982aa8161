package bluealsa

import (
	"io"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

var (
	ErrInvalidState    = errors.New("invalid state")
	ErrNotSupported    = errors.New("not supported")
	ErrBusy            = errors.New("stopping in progress")
	ErrAlreadyRunning  = errors.New("already running")
	ErrCodecMismatch   = errors.New("codec mismatch")
	ErrBadMessage      = errors.New("bad message")
	ErrConnectionReset = errors.New("connection reset")
	ErrSLCFailed       = errors.New("service level connection failed")
	ErrNotAcquired     = errors.New("transport not acquired")
)

// IsFatal reports whether err ends an RFCOMM link. Everything else is
// logged and the loop carries on.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	switch errors.Cause(err) {
	case ErrConnectionReset, ErrSLCFailed, io.EOF, io.ErrClosedPipe:
		return true
	case unix.ECONNABORTED, unix.ECONNRESET, unix.ENOTCONN, unix.ETIMEDOUT, unix.EPIPE:
		return true
	}
	return false
}
