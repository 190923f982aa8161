package bluealsa

import "fmt"

// CodecUndefined marks a transport whose codec has not been negotiated yet.
const CodecUndefined uint16 = 0xFFFF

// HFP codec ids, as exchanged in +BAC/+BCS.
const (
	CodecCVSD uint16 = 0x01
	CodecMSBC uint16 = 0x02
)

// A2DP codec ids (assigned numbers, vendor codecs folded into 0xFF).
const (
	CodecSBC    uint16 = 0x00
	CodecMPEG12 uint16 = 0x01
	CodecAAC    uint16 = 0x02
	CodecVendor uint16 = 0xFF
)

// CodecName returns a human readable codec name for the given profile.
func CodecName(p Profile, id uint16) string {
	if id == CodecUndefined {
		return "undefined"
	}
	switch {
	case p.IsSCO():
		switch id {
		case CodecCVSD:
			return "CVSD"
		case CodecMSBC:
			return "mSBC"
		}
	case p.IsA2DP():
		switch id {
		case CodecSBC:
			return "SBC"
		case CodecMPEG12:
			return "MP3"
		case CodecAAC:
			return "AAC"
		case CodecVendor:
			return "vendor"
		}
	}
	return fmt.Sprintf("%#x", id)
}

// SCOSampling returns the PCM sampling rate used by the HFP codec.
func SCOSampling(id uint16) uint32 {
	switch id {
	case CodecCVSD:
		return 8000
	case CodecMSBC:
		return 16000
	default:
		return 0
	}
}
