package at

import (
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/rigado/bluealsa"
	"golang.org/x/sys/unix"
)

// chunkReader hands out one chunk per Read call and counts the calls.
type chunkReader struct {
	chunks []string
	errs   []error
	reads  int
}

func (c *chunkReader) Read(p []byte) (int, error) {
	c.reads++
	if len(c.errs) > 0 {
		err := c.errs[0]
		c.errs = c.errs[1:]
		return 0, err
	}
	if len(c.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, c.chunks[0])
	c.chunks = c.chunks[1:]
	return n, nil
}

func TestReaderMultipleMessages(t *testing.T) {
	cr := &chunkReader{chunks: []string{"\r\n+BRSF:871\r\n\r\nOK\r\n"}}
	rd := NewReader(cr)

	m, err := rd.Next()
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if m != (Message{Resp, "+BRSF", "871"}) {
		t.Fatalf("unexpected message %+v", m)
	}

	m, err = rd.Next()
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if m != (Message{Resp, "", "OK"}) {
		t.Fatalf("unexpected message %+v", m)
	}

	if cr.reads != 1 {
		t.Fatalf("expected a single read, got %d", cr.reads)
	}
}

func TestReaderEOF(t *testing.T) {
	rd := NewReader(&chunkReader{})
	if _, err := rd.Next(); errors.Cause(err) != bluealsa.ErrConnectionReset {
		t.Fatalf("expected connection reset, got %v", err)
	}
}

func TestReaderRetriesInterrupted(t *testing.T) {
	cr := &chunkReader{
		chunks: []string{"AT+CIND?\r"},
		errs:   []error{unix.EINTR, unix.EINTR},
	}
	rd := NewReader(cr)

	m, err := rd.Next()
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if m.Type != CmdGet || m.Command != "+CIND" {
		t.Fatalf("unexpected message %+v", m)
	}
	if cr.reads != 3 {
		t.Fatalf("expected 3 reads, got %d", cr.reads)
	}
}

func TestReaderBadMessage(t *testing.T) {
	cr := &chunkReader{chunks: []string{"garbage\r", "AT+BTRH?\r"}}
	rd := NewReader(cr)

	if _, err := rd.Next(); errors.Cause(err) != bluealsa.ErrBadMessage {
		t.Fatalf("expected bad message, got %v", err)
	}
	if rd.Pending() != "garbage\r" {
		t.Fatalf("expected unparsed text to be kept, got %q", rd.Pending())
	}

	// without a reset the same data fails again
	if _, err := rd.Next(); errors.Cause(err) != bluealsa.ErrBadMessage {
		t.Fatalf("expected bad message, got %v", err)
	}

	rd.Reset()
	m, err := rd.Next()
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if m.Type != CmdGet || m.Command != "+BTRH" {
		t.Fatalf("unexpected message %+v", m)
	}
}

func TestReaderCRLFTerminatedCommand(t *testing.T) {
	cr := &chunkReader{chunks: []string{"AT+BRSF=0\r\n", "AT+BAC=1,2\r\n"}}
	rd := NewReader(cr)

	m, err := rd.Next()
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if m != (Message{CmdSet, "+BRSF", "0"}) {
		t.Fatalf("unexpected message %+v", m)
	}
	if p := rd.Pending(); p != "" {
		t.Fatalf("expected nothing pending, got %q", p)
	}

	m, err = rd.Next()
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if m != (Message{CmdSet, "+BAC", "1,2"}) {
		t.Fatalf("unexpected message %+v", m)
	}
	if cr.reads != 2 {
		t.Fatalf("expected two reads, got %d", cr.reads)
	}
}
