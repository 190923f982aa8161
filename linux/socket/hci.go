//go:build linux
// +build linux

package socket

import (
	"unsafe"

	"github.com/pkg/errors"
	"github.com/rigado/bluealsa"
	"golang.org/x/sys/unix"
)

const hciBusUSB = 1

// devInfo mirrors struct hci_dev_info; the Go field alignment matches the
// kernel layout.
type devInfo struct {
	id         uint16
	name       [8]byte
	bdaddr     [6]byte
	flags      uint32
	typ        uint8
	features   [8]uint8
	pktType    uint32
	linkPolicy uint32
	linkMode   uint32
	aclMTU     uint16
	aclPkts    uint16
	scoMTU     uint16
	scoPkts    uint16
	stat       [10]uint32
}

// Adapter describes a local HCI controller.
type Adapter struct {
	ID     int
	Name   string
	Addr   bluealsa.Addr
	USB    bool
	SCOMTU uint16
}

// AdapterInfo queries the controller hciN.
func AdapterInfo(id int) (Adapter, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.BTPROTO_HCI)
	if err != nil {
		return Adapter{}, errors.Wrap(err, "can't create socket")
	}
	defer unix.Close(fd)

	di := devInfo{id: uint16(id)}
	if err := ioctl(uintptr(fd), hciGetDeviceInfo, uintptr(unsafe.Pointer(&di))); err != nil {
		return Adapter{}, errors.Wrapf(err, "can't get hci%d info", id)
	}

	name := di.name[:]
	for i, c := range name {
		if c == 0 {
			name = name[:i]
			break
		}
	}

	return Adapter{
		ID:     id,
		Name:   string(name),
		Addr:   bluealsa.AddrFromBdaddr(di.bdaddr),
		USB:    di.typ&0x0F == hciBusUSB,
		SCOMTU: di.scoMTU,
	}, nil
}
