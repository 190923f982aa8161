package hfp

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Indicator is the semantic meaning of an AG indicator. The values double
// as the 1-based positions we announce when acting as the AG.
type Indicator int

const (
	IndNull Indicator = iota
	IndService
	IndCall
	IndCallSetup
	IndCallHeld
	IndSignal
	IndRoam
	IndBattChg
	IndicatorMax
)

// IndicatorMapSize bounds the number of AG indicators we track.
const IndicatorMapSize = 20

// IndicatorMap maps the AG-reported position (0-based) to its meaning.
type IndicatorMap [IndicatorMapSize]Indicator

var indicatorNames = map[string]Indicator{
	"service":   IndService,
	"call":      IndCall,
	"callsetup": IndCallSetup,
	"callheld":  IndCallHeld,
	"signal":    IndSignal,
	"roam":      IndRoam,
	"battchg":   IndBattChg,
}

// IndicatorList is the +CIND test response of the AG role. The order has to
// follow the Indicator constants.
const IndicatorList = `("service",(0-1)),("call",(0,1)),("callsetup",(0-3)),` +
	`("callheld",(0-2)),("signal",(0-5)),("roam",(0-1)),("battchg",(0-5))`

// ParseCIND parses the response to AT+CIND=? and maps indicator names onto
// positions. Unknown names map to IndNull.
func ParseCIND(s string) (IndicatorMap, error) {
	var m IndicatorMap

	i := 0
	for pos := 0; ; pos++ {
		i = skip(s, i, " ,")
		if i == len(s) {
			return m, nil
		}
		if s[i] != '(' {
			return m, errors.Errorf("invalid indicator list: %q", s)
		}

		// find the matching parenthesis of this group
		depth, end := 0, -1
		for j := i; j < len(s) && end < 0; j++ {
			switch s[j] {
			case '(':
				depth++
			case ')':
				if depth--; depth == 0 {
					end = j
				}
			}
		}
		if end < 0 {
			return m, errors.Errorf("unbalanced indicator list: %q", s)
		}

		group := strings.TrimSpace(s[i+1 : end])
		if !strings.HasPrefix(group, "\"") {
			return m, errors.Errorf("invalid indicator: %q", group)
		}
		q := strings.IndexByte(group[1:], '"')
		if q < 0 {
			return m, errors.Errorf("invalid indicator: %q", group)
		}

		if pos < len(m) {
			m[pos] = indicatorNames[strings.ToLower(group[1:q+1])]
		}
		i = end + 1
	}
}

// ParseCMER parses AT+CMER=<mode>,<keyp>,<disp>,<ind>,<bfr>. Omitted values
// are zero.
func ParseCMER(s string) ([5]int, error) {
	var cmer [5]int

	for i, v := range strings.Split(s, ",") {
		if i >= len(cmer) {
			return cmer, errors.Errorf("too many CMER values: %q", s)
		}
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return cmer, errors.Wrapf(err, "invalid CMER value: %q", s)
		}
		cmer[i] = n
	}

	return cmer, nil
}

// ParseBIA applies AT+BIA=<1|0>,,<1|0>... to the activation flags. Empty
// positions keep the previous state.
func ParseBIA(s string, state *[IndicatorMax]bool) error {
	next := *state

	for i, v := range strings.Split(s, ",") {
		ind := Indicator(i + 1)
		if ind >= IndicatorMax {
			break
		}
		switch strings.TrimSpace(v) {
		case "":
		case "0":
			next[ind] = false
		case "1":
			next[ind] = true
		default:
			return errors.Errorf("invalid BIA value: %q", s)
		}
	}

	*state = next
	return nil
}

func skip(s string, i int, cutset string) int {
	for i < len(s) && strings.IndexByte(cutset, s[i]) >= 0 {
		i++
	}
	return i
}
