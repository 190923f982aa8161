//go:build linux
// +build linux

package socket

import (
	"io"
	"sync"

	"github.com/pkg/errors"
	"github.com/rigado/bluealsa"
	"golang.org/x/sys/unix"
)

func ioR(t, nr, size uintptr) uintptr {
	return (2 << 30) | (t << 8) | nr | (size << 16)
}

func ioctl(fd, op, arg uintptr) error {
	if _, _, ep := unix.Syscall(unix.SYS_IOCTL, fd, op, arg); ep != 0 {
		return ep
	}
	return nil
}

const (
	ioctlSize      = 4
	typHCI         = 72 // 'H'
	pollTimeout    = 250
	unixPollErrors = int16(unix.POLLHUP | unix.POLLNVAL | unix.POLLERR)
	unixPollDataIn = int16(unix.POLLIN)
)

var hciGetDeviceInfo = ioR(typHCI, 211, ioctlSize) // HCIGETDEVINFO

// Socket wraps a connected Bluetooth socket (RFCOMM, SCO or a descriptor
// handed over by BlueZ) as a ReadWriteCloser. Read blocks until data
// arrives, the peer hangs up or the socket is closed locally.
type Socket struct {
	fd   int
	rmu  sync.Mutex
	wmu  sync.Mutex
	done chan struct{}
	cmu  sync.Mutex
}

// New takes ownership of fd.
func New(fd int) *Socket {
	return &Socket{fd: fd, done: make(chan struct{})}
}

// Fd returns the underlying descriptor.
func (s *Socket) Fd() int {
	return s.fd
}

func (s *Socket) Read(p []byte) (int, error) {
	s.rmu.Lock()
	defer s.rmu.Unlock()

	for {
		if !s.isOpen() {
			return 0, io.EOF
		}

		// dont need to add unixPollErrors, they are always returned
		pfds := []unix.PollFd{{Fd: int32(s.fd), Events: unixPollDataIn}}
		if _, err := unix.Poll(pfds, pollTimeout); err != nil {
			if err == unix.EINTR {
				continue
			}
			return 0, errors.Wrap(err, "can't poll socket")
		}
		evts := pfds[0].Revents

		switch {
		case evts&unixPollDataIn != 0:
			// there is data!
			n, err := unix.Read(s.fd, p)
			if err != nil {
				return 0, errors.Wrap(err, "can't read socket")
			}
			if n == 0 {
				return 0, io.EOF
			}
			return n, nil

		case evts&unixPollErrors != 0:
			bluealsa.GetLogger().Debugf("socket %d: poll events 0x%04x", s.fd, evts)
			return 0, errors.Wrap(unix.ECONNRESET, "socket hangup")
		}
	}
}

func (s *Socket) Write(p []byte) (int, error) {
	if !s.isOpen() {
		return 0, io.ErrClosedPipe
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()
	n, err := unix.Write(s.fd, p)
	return n, errors.Wrap(err, "can't write socket")
}

// Close releases the descriptor. It is safe to call more than once and
// unblocks a pending Read within one poll period.
func (s *Socket) Close() error {
	s.cmu.Lock()
	defer s.cmu.Unlock()

	select {
	case <-s.done:
		return nil

	default:
		close(s.done)
		s.rmu.Lock()
		err := unix.Close(s.fd)
		s.rmu.Unlock()

		return errors.Wrap(err, "can't close socket")
	}
}

func (s *Socket) isOpen() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}
