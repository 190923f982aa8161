package bluealsa

import (
	"encoding/hex"
	"strings"

	"github.com/pkg/errors"
	"github.com/rigado/bluealsa/sliceops"
)

// Addr is a Bluetooth device address in its canonical text form
// (upper-case, colon separated).
type Addr string

// NewAddr creates an Addr from string
func NewAddr(s string) Addr {
	return Addr(strings.ToUpper(s))
}

// ParseAddr validates s as a six octet BD address.
func ParseAddr(s string) (Addr, error) {
	a := NewAddr(s)
	if _, err := a.decode(); err != nil {
		return "", err
	}
	return a, nil
}

// AddrFromPath extracts the address from a BlueZ object path such as
// /org/bluez/hci0/dev_00_11_22_33_44_55.
func AddrFromPath(path string) (Addr, error) {
	i := strings.LastIndex(path, "dev_")
	if i < 0 {
		return "", errors.Errorf("no device in path %q", path)
	}
	s := path[i+4:]
	if j := strings.IndexByte(s, '/'); j >= 0 {
		s = s[:j]
	}
	return ParseAddr(strings.Replace(s, "_", ":", -1))
}

func (a Addr) String() string {
	return string(a)
}

// Bytes returns the address in the display (big-endian) order.
func (a Addr) Bytes() []byte {
	b, _ := a.decode()
	return b
}

// Bdaddr returns the address in the little-endian order used by sockaddr
// structures.
func (a Addr) Bdaddr() [6]byte {
	var out [6]byte
	copy(out[:], sliceops.SwapBuf(a.Bytes()))
	return out
}

func (a Addr) decode() ([]byte, error) {
	hexStr := strings.Replace(a.String(), ":", "", -1)

	out, err := hex.DecodeString(hexStr)
	if err != nil {
		return nil, errors.Wrapf(err, "error decoding address %v", a.String())
	}
	if len(out) != 6 {
		return nil, errors.Errorf("invalid address length %v", a.String())
	}
	return out, nil
}

// AddrFromBdaddr converts a little-endian sockaddr address back to text.
func AddrFromBdaddr(b [6]byte) Addr {
	be := sliceops.SwapBuf(b[:])
	parts := make([]string, len(be))
	for i, v := range be {
		parts[i] = hex.EncodeToString([]byte{v})
	}
	return NewAddr(strings.Join(parts, ":"))
}
