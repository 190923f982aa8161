package at

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/rigado/bluealsa"
)

// Limits applied to parsed messages. Vendor extensions such as
// +IPHONEACCEV need more than the classic 8 character command names.
const (
	MaxCommandLen = 16
	MaxValueLen   = 256
)

type Type int

const (
	Raw Type = iota
	Cmd
	CmdGet
	CmdSet
	CmdTest
	Resp
)

var typeNames = []string{
	Raw:     "RAW",
	Cmd:     "CMD",
	CmdGet:  "GET",
	CmdSet:  "SET",
	CmdTest: "TEST",
	Resp:    "RESP",
}

func (t Type) String() string {
	if int(t) >= 0 && int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "UNKNOWN"
}

// Message is a single AT command or result code.
type Message struct {
	Type    Type
	Command string
	Value   string
}

// Build formats a message ready to be written to the RFCOMM link.
func Build(t Type, command, value string) string {
	switch t {
	case Raw:
		return command + value
	case Cmd:
		return "AT" + command + "\r"
	case CmdGet:
		return "AT" + command + "?\r"
	case CmdSet:
		return "AT" + command + "=" + value + "\r"
	case CmdTest:
		return "AT" + command + "=?\r"
	case Resp:
		if command == "" {
			return "\r\n" + value + "\r\n"
		}
		return "\r\n" + command + ":" + value + "\r\n"
	}
	return ""
}

func (m Message) String() string {
	return Build(m.Type, m.Command, m.Value)
}

// Parse extracts the first message from s. The returned string is the
// unconsumed remainder, empty when s held exactly one message.
func Parse(s string) (Message, string, error) {
	// tolerate line feeds left over from "\r\n" terminated commands
	s = strings.TrimLeft(s, " \n")

	if strings.HasPrefix(s, "\r\n") {
		return parseResponse(s)
	}
	return parseCommand(s)
}

func parseResponse(s string) (Message, string, error) {
	body := s[2:]
	end := strings.Index(body, "\r\n")
	if end < 0 {
		return Message{}, s, errors.Wrap(bluealsa.ErrBadMessage, "unterminated result code")
	}

	payload, rest := body[:end], body[end+2:]
	m := Message{Type: Resp, Value: payload}

	if strings.HasPrefix(payload, "+") {
		if i := strings.IndexAny(payload, ":="); i > 0 {
			m.Command = strings.ToUpper(payload[:i])
			m.Value = strings.TrimLeft(payload[i+1:], " ")
		}
	}

	if err := m.check(); err != nil {
		return Message{}, s, err
	}
	return m, rest, nil
}

func parseCommand(s string) (Message, string, error) {
	if len(s) < 2 || !strings.EqualFold(s[:2], "AT") {
		return Message{}, s, errors.Wrap(bluealsa.ErrBadMessage, "missing AT prefix")
	}

	end := strings.IndexByte(s, '\r')
	if end < 0 {
		return Message{}, s, errors.Wrap(bluealsa.ErrBadMessage, "unterminated command")
	}

	line, rest := s[2:end], s[end+1:]
	var m Message

	switch eq := strings.IndexByte(line, '='); {
	case eq >= 0 && line[eq+1:] == "?":
		m = Message{Type: CmdTest, Command: line[:eq]}
	case eq >= 0:
		m = Message{Type: CmdSet, Command: line[:eq], Value: line[eq+1:]}
	case strings.HasSuffix(line, "?"):
		m = Message{Type: CmdGet, Command: line[:len(line)-1]}
	default:
		m = Message{Type: Cmd, Command: line}
	}

	m.Command = strings.ToUpper(m.Command)
	if err := m.check(); err != nil {
		return Message{}, s, err
	}
	return m, rest, nil
}

func (m Message) check() error {
	if len(m.Command) > MaxCommandLen {
		return errors.Wrapf(bluealsa.ErrBadMessage, "command too long: %d", len(m.Command))
	}
	if len(m.Value) > MaxValueLen {
		return errors.Wrapf(bluealsa.ErrBadMessage, "value too long: %d", len(m.Value))
	}
	if strings.ContainsAny(m.Command, "\r\n") {
		return errors.Wrap(bluealsa.ErrBadMessage, "stray line terminator")
	}
	return nil
}
