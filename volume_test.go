package bluealsa

import "testing"

func TestVolumeConversion(t *testing.T) {
	if v := VolumeLevelToBT(0, MaxVolumeSCO); v != MaxVolumeSCO {
		t.Fatalf("full scale: %d", v)
	}
	if l := VolumeBTToLevel(MaxVolumeA2DP, MaxVolumeA2DP); l != 0 {
		t.Fatalf("max volume level: %d", l)
	}
	if l := VolumeBTToLevel(0, MaxVolumeSCO); l != -9600 {
		t.Fatalf("mute level: %d", l)
	}
	if v := VolumeLevelToBT(-9600, MaxVolumeSCO); v != 0 {
		t.Fatalf("mute: %d", v)
	}
	// half loudness is -10 dB
	if l := VolumeBTToLevel(64, 128); l != -1000 {
		t.Fatalf("half: %d", l)
	}

	for v := 0; v <= MaxVolumeSCO; v++ {
		if got := VolumeLevelToBT(VolumeBTToLevel(v, MaxVolumeSCO), MaxVolumeSCO); got > v || got < v-1 {
			t.Fatalf("volume %d converted back to %d", v, got)
		}
	}
}
