package hfp

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/rigado/bluealsa"
	"github.com/rigado/bluealsa/linux/at"
)

// Expect tells the engine which reply the last sent message waits for.
type Expect int

const (
	ExpectNone Expect = iota
	// ExpectOK waits for OK or ERROR; OK moves the machine to Action.OnOK.
	ExpectOK
	ExpectBRSF
	ExpectCINDTest
	ExpectCINDGet
)

// Action is what the engine has to do next to drive the handshake.
type Action struct {
	// Message is written to the link when non-nil.
	Message *at.Message
	Expect  Expect
	OnOK    SLCState
	// Connected is set when this step entered the Connected state.
	Connected bool
}

// SetupAction is the next post connection step.
type SetupAction int

const (
	SetupNone SetupAction = iota
	SetupSendGainMic
	SetupSendGainSpk
	SetupSendXAPL
	SetupSendBattery
	SetupSelectCodec
)

// Machine is the SLC handshake and setup ladder of a single RFCOMM link.
// It does no IO and is owned by one goroutine.
type Machine struct {
	role       Role
	hsp        bool
	maxRetries int

	state   SLCState
	prev    SLCState
	setup   Setup
	retries int
}

func NewMachine(role Role, hsp bool, maxRetries int) *Machine {
	m := &Machine{role: role, hsp: hsp, maxRetries: maxRetries}
	if hsp && role == RoleAG {
		// there is nothing to negotiate on a headset link
		m.state = Connected
		m.prev = Connected
	}
	return m
}

func (m *Machine) Role() Role      { return m.role }
func (m *Machine) HSP() bool       { return m.hsp }
func (m *Machine) State() SLCState { return m.state }
func (m *Machine) Setup() Setup    { return m.setup }
func (m *Machine) Retries() int    { return m.retries }

// Advance moves the handshake forward. Going backwards is refused.
func (m *Machine) Advance(to SLCState) error {
	if to < m.state {
		return errors.Wrapf(bluealsa.ErrInvalidState, "slc can't go from %s to %s", m.state, to)
	}
	m.state = to
	return nil
}

// Progress resets the retry budget whenever the state moved since the last
// call, and fails once the budget is exhausted before Connected.
func (m *Machine) Progress() error {
	m.sync()
	return m.check()
}

// Timeout accounts a reply that never came.
func (m *Machine) Timeout() error {
	m.sync()
	m.retries++
	return m.check()
}

func (m *Machine) sync() {
	if m.state != m.prev {
		m.prev = m.state
		m.retries = 0
	}
}

func (m *Machine) check() error {
	if m.state != Connected && m.retries > m.maxRetries {
		return errors.Wrapf(bluealsa.ErrSLCFailed, "no progress in %s after %d retries", m.state, m.maxRetries)
	}
	return nil
}

// Next returns the handshake step for the current state. local are our
// features, remote the ones reported by the peer and msbc tells whether we
// offer mSBC.
func (m *Machine) Next(local, remote uint32, msbc bool) Action {
	if m.state == Connected {
		return Action{}
	}

	if m.hsp {
		m.state = Connected
		return Action{Connected: true}
	}

	if m.role == RoleAG {
		if m.state == CmerSetOk {
			m.state = Connected
			return Action{Connected: true}
		}
		// the HF drives the handshake
		return Action{}
	}

	switch m.state {
	case Disconnected:
		return send(at.CmdSet, "+BRSF", fmt.Sprintf("%d", local), ExpectBRSF, 0)
	case BrsfSet:
		return Action{Expect: ExpectOK, OnOK: BrsfSetOk}
	case BrsfSetOk:
		if remote&bluealsa.HFPAGFeatureCodec != 0 {
			bac := "1"
			if msbc {
				bac = "1,2"
			}
			return send(at.CmdSet, "+BAC", bac, ExpectOK, BacSetOk)
		}
		m.state = BacSetOk
		fallthrough
	case BacSetOk:
		return send(at.CmdTest, "+CIND", "", ExpectCINDTest, 0)
	case CindTest:
		return Action{Expect: ExpectOK, OnOK: CindTestOk}
	case CindTestOk:
		return send(at.CmdGet, "+CIND", "", ExpectCINDGet, 0)
	case CindGet:
		return Action{Expect: ExpectOK, OnOK: CindGetOk}
	case CindGetOk:
		// event reporting for indicators only
		return send(at.CmdSet, "+CMER", "3,0,0,1,0", ExpectOK, CmerSetOk)
	case CmerSetOk:
		m.state = Connected
		return Action{Connected: true}
	}

	return Action{}
}

// NextSetup returns the next setup step once the SLC is connected and moves
// the setup stage past it. codecDefined and idle are only consulted for the
// HFP AG, which proposes a codec once nothing else is in flight.
func (m *Machine) NextSetup(codecDefined, idle bool) SetupAction {
	if m.state != Connected || m.setup == SetupComplete {
		return SetupNone
	}

	if m.role == RoleAG {
		if m.hsp || codecDefined {
			m.setup = SetupComplete
			return SetupNone
		}
		if !idle {
			return SetupNone
		}
		m.setup = SetupComplete
		return SetupSelectCodec
	}

	stage := m.setup
	m.setup++
	switch stage {
	case SetupGainMic:
		return SetupSendGainMic
	case SetupGainSpk:
		return SetupSendGainSpk
	case SetupAccessoryXAPL:
		return SetupSendXAPL
	case SetupAccessoryBattery:
		return SetupSendBattery
	}
	return SetupNone
}

func send(t at.Type, command, value string, expect Expect, onOK SLCState) Action {
	return Action{
		Message: &at.Message{Type: t, Command: command, Value: value},
		Expect:  expect,
		OnOK:    onOK,
	}
}
