//go:build linux
// +build linux

package transport

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rigado/bluealsa"
	"github.com/rigado/bluealsa/linux/socket"
	"golang.org/x/sys/unix"
)

// SCO opens the synchronous voice link of HFP/HSP transports.
type SCO struct {
	adapter socket.Adapter
	delay   time.Duration

	mu       sync.Mutex
	closedAt time.Time

	// replaced in tests
	dial  func(src, dst bluealsa.Addr, transparent bool) (int, error)
	mtu   func(fd int) (uint16, error)
	close func(fd int) error
	now   func() time.Time
	sleep func(time.Duration)
}

// NewSCOCapability returns the SCO capability of adapter. Connecting right
// after a close may fail on some controllers, so a new link waits at least
// delay since the previous one was closed.
func NewSCOCapability(adapter socket.Adapter, delay time.Duration) *SCO {
	return &SCO{
		adapter: adapter,
		delay:   delay,
		dial:    socket.DialSCO,
		mtu:     socket.SCOMTU,
		close:   closeSCO,
		now:     time.Now,
		sleep:   time.Sleep,
	}
}

func closeSCO(fd int) error {
	unix.Shutdown(fd, unix.SHUT_RDWR)
	return unix.Close(fd)
}

func (s *SCO) Acquire(t *Transport) (Link, error) {
	s.mu.Lock()
	closedAt := s.closedAt
	s.mu.Unlock()

	if !closedAt.IsZero() {
		if wait := s.delay - s.now().Sub(closedAt); wait > 0 {
			t.log.Debugf("SCO close-connect quirk delay: %v", wait)
			s.sleep(wait)
		}
	}

	transparent := t.Codec() == bluealsa.CodecMSBC
	fd, err := s.dial(s.adapter.Addr, t.device.Addr(), transparent)
	if err != nil {
		return Link{}, errors.Wrap(err, "can't open SCO link")
	}

	mtu, err := s.mtu(fd)
	if err != nil {
		s.close(fd)
		return Link{}, err
	}
	mtu = socket.SCOMTUForAdapter(s.adapter, mtu, transparent)

	t.log.Debugf("new SCO link: %s -> %s (MTU %d)", s.adapter.Addr, t.device.Addr(), mtu)
	return Link{FD: fd, MTURead: int(mtu), MTUWrite: int(mtu)}, nil
}

func (s *SCO) Release(t *Transport, fd int) error {
	t.log.Debugf("closing SCO: %d", fd)
	err := s.close(fd)

	s.mu.Lock()
	s.closedAt = s.now()
	s.mu.Unlock()

	return errors.Wrap(err, "can't close SCO link")
}
