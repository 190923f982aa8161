//go:build linux
// +build linux

package bluez

import (
	"bufio"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
	"github.com/rigado/bluealsa"
	"github.com/rigado/bluealsa/linux/transport"
	"golang.org/x/sys/unix"
)

type noSCO struct{}

func (noSCO) Acquire(t *transport.Transport) (transport.Link, error) {
	return transport.Link{}, errors.New("no SCO in tests")
}

func (noSCO) Release(t *transport.Transport, fd int) error { return nil }

func newProfileHandler(t *testing.T, p bluealsa.Profile) (*ProfileHandler, *transport.Registry) {
	r := newRegistry(t)
	h, err := NewProfileHandler(newFakeBus().conn(), p, r,
		func(*transport.Device) transport.Capability { return noSCO{} },
		transport.Workers{}, bluealsa.DefaultConfig())
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	return h, r
}

// rfcommPair returns the fd handed to the profile and the peer as a file
// with deadlines.
func rfcommPair(t *testing.T) (dbus.UnixFD, *os.File) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	if err := unix.SetNonblock(fds[1], true); err != nil {
		t.Fatalf("nonblock: %v", err)
	}
	peer := os.NewFile(uintptr(fds[1]), "rfcomm-peer")
	t.Cleanup(func() { peer.Close() })
	return dbus.UnixFD(fds[0]), peer
}

func TestProfileHandlerPath(t *testing.T) {
	h, _ := newProfileHandler(t, bluealsa.ProfileHFPAG)
	if h.Path() != "/org/bluez/bluealsa/profile/hfpag" {
		t.Fatalf("path %s", h.Path())
	}
	if p := h.transportPath(devicePath); p != string(devicePath)+"/hfpag" {
		t.Fatalf("transport path %s", p)
	}

	if _, err := NewProfileHandler(newFakeBus().conn(), bluealsa.ProfileA2DPSink, newRegistry(t),
		nil, transport.Workers{}, bluealsa.DefaultConfig()); errors.Cause(err) != bluealsa.ErrNotSupported {
		t.Fatalf("A2DP profile handler: %v", err)
	}
}

func TestProfileNewConnection(t *testing.T) {
	h, r := newProfileHandler(t, bluealsa.ProfileHFPAG)
	fd, peer := rfcommPair(t)

	if err := h.NewConnection(devicePath, fd, map[string]dbus.Variant{}); err != nil {
		t.Fatalf("new connection: %v", err)
	}

	path := string(devicePath) + "/hfpag"
	tr, ok := r.Transport(path)
	if !ok {
		t.Fatalf("transport not created")
	}
	if tr.Profile() != bluealsa.ProfileHFPAG || tr.RFCOMM() == nil {
		t.Fatalf("transport %s without RFCOMM", tr.Profile())
	}
	tr.Unref()

	// the engine answers the HF feature exchange
	peer.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := peer.Write([]byte("AT+BRSF=0\r")); err != nil {
		t.Fatalf("write: %v", err)
	}
	rd := bufio.NewReader(peer)
	var got []string
	for len(got) < 2 {
		line, err := rd.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v (got %q)", err, got)
		}
		if line = strings.TrimSpace(line); line != "" {
			got = append(got, line)
		}
	}
	if !strings.HasPrefix(got[0], "+BRSF:") || got[1] != "OK" {
		t.Fatalf("BRSF reply: %q", got)
	}

	if err := h.RequestDisconnection(devicePath); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if _, ok := r.Transport(path); ok {
		t.Fatalf("transport kept after disconnection")
	}

	// the engine closed its end of the link
	buf := make([]byte, 16)
	for {
		if _, err := peer.Read(buf); err != nil {
			break
		}
	}
}

func TestProfileNewConnectionReplaces(t *testing.T) {
	h, r := newProfileHandler(t, bluealsa.ProfileHSPAG)

	fd1, _ := rfcommPair(t)
	if err := h.NewConnection(devicePath, fd1, nil); err != nil {
		t.Fatalf("first connection: %v", err)
	}
	first, _ := r.Transport(string(devicePath) + "/hspag")
	first.Unref()

	fd2, _ := rfcommPair(t)
	if err := h.NewConnection(devicePath, fd2, nil); err != nil {
		t.Fatalf("second connection: %v", err)
	}
	second, ok := r.Transport(string(devicePath) + "/hspag")
	if !ok || second == first {
		t.Fatalf("transport not replaced")
	}
	second.Unref()
}

func TestProfileNewConnectionBadDevice(t *testing.T) {
	h, r := newProfileHandler(t, bluealsa.ProfileHFPHF)
	fd, _ := rfcommPair(t)

	if err := h.NewConnection("/org/bluez/hci0", fd, nil); err == nil {
		t.Fatalf("connection without device accepted")
	}
	if len(r.Transports()) != 0 {
		t.Fatalf("transports: %v", r.Transports())
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0); err == nil {
		t.Fatalf("rejected socket left open")
	}

	if err := h.RequestDisconnection(devicePath); err != nil {
		t.Fatalf("disconnect of unknown device: %v", err)
	}
	if err := h.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
}
