package bluealsa

import (
	"fmt"

	"github.com/pkg/errors"
)

// Profile identifies the role of a transport. Profiles are mutually exclusive.
type Profile int

const (
	ProfileNone Profile = iota
	ProfileA2DPSource
	ProfileA2DPSink
	ProfileHFPAG
	ProfileHFPHF
	ProfileHSPAG
	ProfileHSPHS
	ProfileMIDI
)

var profileNames = map[Profile]string{
	ProfileNone:       "NONE",
	ProfileA2DPSource: "A2DP-source",
	ProfileA2DPSink:   "A2DP-sink",
	ProfileHFPAG:      "HFP-AG",
	ProfileHFPHF:      "HFP-HF",
	ProfileHSPAG:      "HSP-AG",
	ProfileHSPHS:      "HSP-HS",
	ProfileMIDI:       "MIDI",
}

func (p Profile) String() string {
	if s, ok := profileNames[p]; ok {
		return s
	}
	return fmt.Sprintf("Profile(%d)", int(p))
}

func (p Profile) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Profile) UnmarshalText(b []byte) error {
	if string(b) == profileNames[ProfileNone] {
		*p = ProfileNone
		return nil
	}
	v, err := ParseProfile(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// ParseProfile is the reverse of String, case-sensitive.
func ParseProfile(s string) (Profile, error) {
	for p, n := range profileNames {
		if n == s && p != ProfileNone {
			return p, nil
		}
	}
	return ProfileNone, errors.Errorf("unknown profile %q", s)
}

func (p Profile) IsA2DP() bool { return p == ProfileA2DPSource || p == ProfileA2DPSink }
func (p Profile) IsHFP() bool  { return p == ProfileHFPAG || p == ProfileHFPHF }
func (p Profile) IsHSP() bool  { return p == ProfileHSPAG || p == ProfileHSPHS }
func (p Profile) IsSCO() bool  { return p.IsHFP() || p.IsHSP() }
func (p Profile) IsMIDI() bool { return p == ProfileMIDI }

// IsAG reports the audio gateway side of HFP/HSP.
func (p Profile) IsAG() bool { return p == ProfileHFPAG || p == ProfileHSPAG }

// IsHF reports the hands-free/headset side of HFP/HSP.
func (p Profile) IsHF() bool { return p == ProfileHFPHF || p == ProfileHSPHS }
