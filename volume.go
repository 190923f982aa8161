package bluealsa

import "math"

// Max Bluetooth volume values per profile family.
const (
	MaxVolumeA2DP = 127
	MaxVolumeSCO  = 15
)

// Volume levels are expressed in hundredths of a dB, 0 being full scale.

// VolumeLevelToBT converts a PCM level to the Bluetooth volume scale.
func VolumeLevelToBT(level int, max int) int {
	v := int(decibelToLoudness(float64(level)/100) * float64(max))
	if v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return v
}

// VolumeBTToLevel converts a Bluetooth volume to a PCM level, clamped to
// +/-96 dB.
func VolumeBTToLevel(value int, max int) int {
	level := loudnessToDecibel(float64(value) / float64(max))
	level = math.Min(math.Max(level, -96.0), 96.0)
	return int(level * 100)
}

func decibelToLoudness(v float64) float64 {
	return math.Pow(2, v/10)
}

func loudnessToDecibel(v float64) float64 {
	return 10 * math.Log2(v)
}
