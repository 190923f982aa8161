package at

import (
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/rigado/bluealsa"
	"golang.org/x/sys/unix"
)

const readBufferSize = 1024

// Reader extracts consecutive AT messages from a byte stream. One read may
// carry several messages; they are all handed out before the stream is
// touched again.
//
// After ErrBadMessage the caller must call Reset, otherwise Next keeps
// failing on the same data.
type Reader struct {
	r    io.Reader
	buf  []byte
	next string
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, buf: make([]byte, readBufferSize)}
}

// Next returns the next message, reading from the stream only when nothing
// is buffered.
func (rd *Reader) Next() (Message, error) {
	msg := rd.next

	if msg == "" {
		n, err := rd.read()
		if err != nil {
			return Message{}, err
		}
		msg = string(rd.buf[:n])
	}

	m, rest, err := Parse(msg)
	if err != nil {
		rd.next = msg
		return Message{}, err
	}

	// a trailing line feed of a "\r\n" terminated command is not a message
	if strings.Trim(rest, " \r\n") == "" {
		rest = ""
	}
	rd.next = rest
	return m, nil
}

// Pending returns the buffered, not yet parsed text.
func (rd *Reader) Pending() string {
	return rd.next
}

// Reset drops whatever is left in the buffer.
func (rd *Reader) Reset() {
	rd.next = ""
}

func (rd *Reader) read() (int, error) {
	for {
		n, err := rd.r.Read(rd.buf)
		switch {
		case n > 0:
			return n, nil
		case errors.Cause(err) == unix.EINTR:
			continue
		case err == io.EOF || (err == nil && n == 0):
			return 0, errors.Wrap(bluealsa.ErrConnectionReset, "rfcomm closed")
		case err != nil:
			return 0, errors.Wrap(err, "can't read rfcomm")
		}
		return n, nil
	}
}
