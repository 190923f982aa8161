package hfp

import "testing"

func TestParseCIND(t *testing.T) {
	m, err := ParseCIND(`("call",(0,1)),("xxx",(0-3)),("signal",(0-5)),("battchg",(0-5))`)
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}

	exp := IndicatorMap{IndCall, IndNull, IndSignal, IndBattChg}
	if m != exp {
		t.Fatalf("expected %v, got %v", exp, m)
	}
}

func TestParseCINDWhitespace(t *testing.T) {
	m, err := ParseCIND(` ( "service" , ( 0 - 1 ) ), ("roam",(0-1)) `)
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if m[0] != IndService || m[1] != IndRoam {
		t.Fatalf("unexpected map %v", m)
	}
}

func TestParseCINDOwnList(t *testing.T) {
	m, err := ParseCIND(IndicatorList)
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	for i := IndService; i < IndicatorMax; i++ {
		if m[i-1] != i {
			t.Fatalf("position %d: expected %d, got %d", i, i, m[i-1])
		}
	}
}

func TestParseCINDInvalid(t *testing.T) {
	for _, s := range []string{
		`(incorrect,1-2)`,
		`("call",(0,1)`,
		`"call",(0,1)`,
	} {
		if _, err := ParseCIND(s); err == nil {
			t.Fatalf("%q: expected error", s)
		}
	}
}

func TestParseCMER(t *testing.T) {
	cmer, err := ParseCMER("3,0,0,1,0")
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if cmer != [5]int{3, 0, 0, 1, 0} {
		t.Fatalf("unexpected values %v", cmer)
	}

	cmer, err = ParseCMER("3,,,1")
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if cmer[3] != 1 {
		t.Fatalf("expected indicator reporting, got %v", cmer)
	}

	if _, err := ParseCMER("3,x"); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := ParseCMER("1,2,3,4,5,6"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestParseBIA(t *testing.T) {
	var state [IndicatorMax]bool
	for i := range state {
		state[i] = true
	}

	if err := ParseBIA("0,,0", &state); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if state[IndService] || !state[IndCall] || state[IndCallSetup] || !state[IndBattChg] {
		t.Fatalf("unexpected state %v", state)
	}

	prev := state
	if err := ParseBIA("1,x", &state); err == nil {
		t.Fatalf("expected error")
	}
	if state != prev {
		t.Fatalf("state modified on error")
	}
}
