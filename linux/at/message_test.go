package at

import (
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/rigado/bluealsa"
)

func TestParseInvalid(t *testing.T) {
	for _, s := range []string{
		"ABC\r",
		"AT+CLCK?",
		"\r\r",
		"\r\nOK",
		"AT+" + strings.Repeat("X", MaxCommandLen) + "=1\r",
		"AT+X=" + strings.Repeat("v", MaxValueLen+1) + "\r",
	} {
		_, rest, err := Parse(s)
		if errors.Cause(err) != bluealsa.ErrBadMessage {
			t.Fatalf("%q: expected bad message, got %v", s, err)
		}
		if rest != s {
			t.Fatalf("%q: expected input to stay addressable, got %q", s, rest)
		}
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		in  string
		exp Message
	}{
		{"AT+CLCC\r", Message{Cmd, "+CLCC", ""}},
		{"AT+COPS?\r", Message{CmdGet, "+COPS", ""}},
		{"AT+CLCK=\"SC\",0,\"1234\"\r", Message{CmdSet, "+CLCK", "\"SC\",0,\"1234\""}},
		{"AT+COPS=?\r", Message{CmdTest, "+COPS", ""}},
		{"\r\n+CIND:0,0,1,4,0,4,0\r\n", Message{Resp, "+CIND", "0,0,1,4,0,4,0"}},
		{"\r\n+CIND:\r\n", Message{Resp, "+CIND", ""}},
		{"\r\n+CIND: 1,2\r\n", Message{Resp, "+CIND", "1,2"}},
		{"\r\nRING\r\n", Message{Resp, "", "RING"}},
		{"\r\n+XAPL=iPhone,7\r\n", Message{Resp, "+XAPL", "iPhone,7"}},
		{"aT+tEsT=VaLuE\r", Message{CmdSet, "+TEST", "VaLuE"}},
		{"AT+BRSF=191\r\n", Message{CmdSet, "+BRSF", "191"}},
	}

	for _, tt := range tests {
		m, _, err := Parse(tt.in)
		if err != nil {
			t.Fatalf("%q: unexpected error %v", tt.in, err)
		}
		if m != tt.exp {
			t.Fatalf("%q: expected %+v, got %+v", tt.in, tt.exp, m)
		}
	}
}

func TestParseConcatenated(t *testing.T) {
	in := "\r\nOK\r\n\r\n+COPS:1\r\n"

	m, rest, err := Parse(in)
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if m != (Message{Resp, "", "OK"}) {
		t.Fatalf("unexpected first message %+v", m)
	}
	if rest != in[6:] {
		t.Fatalf("expected remainder %q, got %q", in[6:], rest)
	}

	m, rest, err = Parse(rest)
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if m != (Message{Resp, "+COPS", "1"}) || rest != "" {
		t.Fatalf("unexpected second message %+v, rest %q", m, rest)
	}
}

func TestBuild(t *testing.T) {
	tests := []struct {
		t     Type
		cmd   string
		value string
		exp   string
	}{
		{Raw, "\r\nRING", "", "\r\nRING"},
		{Cmd, "+CLCC", "", "AT+CLCC\r"},
		{CmdGet, "+COPS", "", "AT+COPS?\r"},
		{CmdSet, "+BCS", "1", "AT+BCS=1\r"},
		{CmdTest, "+CIND", "", "AT+CIND=?\r"},
		{Resp, "+CIND", "", "\r\n+CIND:\r\n"},
		{Resp, "", "OK", "\r\nOK\r\n"},
	}

	for _, tt := range tests {
		if s := Build(tt.t, tt.cmd, tt.value); s != tt.exp {
			t.Fatalf("%v %q %q: expected %q, got %q", tt.t, tt.cmd, tt.value, tt.exp, s)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	long := strings.Repeat("9", MaxValueLen)
	msgs := []Message{
		{Cmd, "+CLCC", ""},
		{CmdGet, "+CIND", ""},
		{CmdTest, "+CIND", ""},
		{CmdSet, "+BRSF", ""},
		{CmdSet, "+BCS", "2"},
		{CmdSet, "+IPHONEACCEV", long},
		{Resp, "+BRSF", ""},
		{Resp, "+CIEV", "7,3"},
		{Resp, "+CIND", long},
		{Resp, "", "OK"},
		{Resp, "", "ERROR"},
	}

	for _, m := range msgs {
		wire := m.String()
		p, rest, err := Parse(wire)
		if err != nil {
			t.Fatalf("%q: unexpected error %v", wire, err)
		}
		if rest != "" {
			t.Fatalf("%q: unexpected remainder %q", wire, rest)
		}
		if p.String() != wire {
			t.Fatalf("round trip mismatch: %q != %q", p.String(), wire)
		}
	}
}
