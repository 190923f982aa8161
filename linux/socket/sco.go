//go:build linux
// +build linux

package socket

import (
	"unsafe"

	"github.com/pkg/errors"
	"github.com/rigado/bluealsa"
	"golang.org/x/sys/unix"
)

// x/sys has no SCO address type, so bind/connect and the SCO socket
// options go through raw syscalls.
const (
	solBluetooth = 274
	solSCO       = 17

	btVoice    = 11
	scoOptions = 0x01

	voiceCVSD16Bit   = 0x0060
	voiceTransparent = 0x0003
)

type sockaddrSCO struct {
	family uint16
	bdaddr [6]byte
}

// DialSCO opens a SCO socket bound to the adapter address src and connects
// it to dst. transparent selects the transparent air mode used by mSBC.
func DialSCO(src, dst bluealsa.Addr, transparent bool) (int, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, unix.BTPROTO_SCO)
	if err != nil {
		return -1, errors.Wrap(err, "can't create sco socket")
	}

	local := sockaddrSCO{family: unix.AF_BLUETOOTH, bdaddr: src.Bdaddr()}
	if err := sockcall(unix.SYS_BIND, fd, &local); err != nil {
		unix.Close(fd)
		return -1, errors.Wrapf(err, "can't bind sco socket to %s", src)
	}

	setting := uint16(voiceCVSD16Bit)
	if transparent {
		setting = voiceTransparent
	}
	if _, _, ep := unix.Syscall6(unix.SYS_SETSOCKOPT, uintptr(fd), solBluetooth, btVoice,
		uintptr(unsafe.Pointer(&setting)), unsafe.Sizeof(setting), 0); ep != 0 {
		unix.Close(fd)
		return -1, errors.Wrap(ep, "can't set voice setting")
	}

	remote := sockaddrSCO{family: unix.AF_BLUETOOTH, bdaddr: dst.Bdaddr()}
	if err := sockcall(unix.SYS_CONNECT, fd, &remote); err != nil {
		unix.Close(fd)
		return -1, errors.Wrapf(err, "can't connect sco to %s", dst)
	}

	return fd, nil
}

// SCOMTU returns the MTU the kernel reports for a connected SCO socket.
func SCOMTU(fd int) (uint16, error) {
	var opts struct{ mtu uint16 }
	size := uint32(unsafe.Sizeof(opts))
	if _, _, ep := unix.Syscall6(unix.SYS_GETSOCKOPT, uintptr(fd), solSCO, scoOptions,
		uintptr(unsafe.Pointer(&opts)), uintptr(unsafe.Pointer(&size)), 0); ep != 0 {
		return 0, errors.Wrap(ep, "can't get sco options")
	}
	return opts.mtu, nil
}

// SCOMTUForAdapter adjusts the kernel MTU for controllers whose SCO data
// goes over USB isochronous endpoints.
func SCOMTUForAdapter(a Adapter, mtu uint16, transparent bool) uint16 {
	if !a.USB {
		return mtu
	}
	if transparent {
		return 24
	}
	return 48
}

func sockcall(trap uintptr, fd int, sa *sockaddrSCO) error {
	if _, _, ep := unix.Syscall(trap, uintptr(fd), uintptr(unsafe.Pointer(sa)), unsafe.Sizeof(*sa)); ep != 0 {
		return ep
	}
	return nil
}
