//go:build linux
// +build linux

package socket

import (
	"io"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rigado/bluealsa"
	"golang.org/x/sys/unix"
)

func socketPair(t *testing.T) (*Socket, *Socket) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	return New(fds[0]), New(fds[1])
}

func TestSocketReadWrite(t *testing.T) {
	a, b := socketPair(t)
	defer a.Close()
	defer b.Close()

	if _, err := a.Write([]byte("AT+BRSF=0\r")); err != nil {
		t.Fatalf("unexpected error %v", err)
	}

	buf := make([]byte, 64)
	n, err := b.Read(buf)
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if string(buf[:n]) != "AT+BRSF=0\r" {
		t.Fatalf("unexpected data %q", buf[:n])
	}
}

func TestSocketPeerClose(t *testing.T) {
	a, b := socketPair(t)
	defer b.Close()

	a.Close()

	_, err := b.Read(make([]byte, 16))
	if err != io.EOF && !bluealsa.IsFatal(err) {
		t.Fatalf("expected a fatal error, got %v", err)
	}
}

func TestSocketCloseUnblocksRead(t *testing.T) {
	a, b := socketPair(t)
	defer b.Close()

	errc := make(chan error, 1)
	go func() {
		_, err := a.Read(make([]byte, 16))
		errc <- err
	}()

	time.Sleep(50 * time.Millisecond)
	if err := a.Close(); err != nil {
		t.Fatalf("unexpected close error %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second close should be a no-op, got %v", err)
	}

	select {
	case err := <-errc:
		if err != io.EOF {
			t.Fatalf("expected EOF, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("read not unblocked by close")
	}

	if _, err := a.Write([]byte{0}); errors.Cause(err) != io.ErrClosedPipe {
		t.Fatalf("expected closed pipe, got %v", err)
	}
}

func TestSCOMTUForAdapter(t *testing.T) {
	usb := Adapter{USB: true}
	if mtu := SCOMTUForAdapter(usb, 64, false); mtu != 48 {
		t.Fatalf("expected 48, got %d", mtu)
	}
	if mtu := SCOMTUForAdapter(usb, 64, true); mtu != 24 {
		t.Fatalf("expected 24, got %d", mtu)
	}
	if mtu := SCOMTUForAdapter(Adapter{}, 64, true); mtu != 64 {
		t.Fatalf("expected kernel mtu, got %d", mtu)
	}
}
