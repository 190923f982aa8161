package hfp

import "fmt"

// SLCState is the progress of the Service Level Connection. The order of
// the constants is the order of the handshake.
type SLCState int

const (
	Disconnected SLCState = iota
	BrsfSet
	BrsfSetOk
	BacSetOk
	CindTest
	CindTestOk
	CindGet
	CindGetOk
	CmerSetOk
	Connected
)

var slcStateNames = []string{
	Disconnected: "disconnected",
	BrsfSet:      "brsf-set",
	BrsfSetOk:    "brsf-set-ok",
	BacSetOk:     "bac-set-ok",
	CindTest:     "cind-test",
	CindTestOk:   "cind-test-ok",
	CindGet:      "cind-get",
	CindGetOk:    "cind-get-ok",
	CmerSetOk:    "cmer-set-ok",
	Connected:    "connected",
}

func (s SLCState) String() string {
	if int(s) >= 0 && int(s) < len(slcStateNames) {
		return slcStateNames[s]
	}
	return fmt.Sprintf("SLCState(%d)", int(s))
}

// Setup is the post connection setup stage.
type Setup int

const (
	SetupGainMic Setup = iota
	SetupGainSpk
	SetupAccessoryXAPL
	SetupAccessoryBattery
	SetupComplete
)

var setupNames = []string{
	SetupGainMic:          "gain-mic",
	SetupGainSpk:          "gain-spk",
	SetupAccessoryXAPL:    "accessory-xapl",
	SetupAccessoryBattery: "accessory-battery",
	SetupComplete:         "complete",
}

func (s Setup) String() string {
	if int(s) >= 0 && int(s) < len(setupNames) {
		return setupNames[s]
	}
	return fmt.Sprintf("Setup(%d)", int(s))
}

// Role is the side of the HFP/HSP link we play.
type Role int

const (
	RoleAG Role = iota
	RoleHF
)

func (r Role) String() string {
	if r == RoleAG {
		return "AG"
	}
	return "HF"
}
