package socket

import (
	"io"

	"github.com/jacobsa/go-serial/serial"
	"github.com/pkg/errors"
)

// TTYBaudRate is ignored by RFCOMM TTYs but the line discipline still
// wants one.
const TTYBaudRate = 115200

// OpenTTY opens an RFCOMM channel bound to a TTY device such as
// /dev/rfcomm0. Reads block until data is available.
func OpenTTY(name string) (io.ReadWriteCloser, error) {
	opts := serial.OpenOptions{
		PortName:        name,
		BaudRate:        TTYBaudRate,
		DataBits:        8,
		StopBits:        1,
		MinimumReadSize: 1,
	}

	rw, err := serial.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "can't open %s", name)
	}
	return rw, nil
}
