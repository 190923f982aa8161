package rfcomm

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/rigado/bluealsa"
	"github.com/rigado/bluealsa/linux/at"
	"github.com/rigado/bluealsa/linux/hfp"
)

// handlers are the callbacks used when no pending handler matches.
var handlers = map[handlerKey]handlerFunc{
	{at.Resp, ""}:               (*Engine).respUnsolicited,
	{at.CmdTest, "+CIND"}:       (*Engine).cindTest,
	{at.CmdGet, "+CIND"}:        (*Engine).cindGet,
	{at.CmdSet, "+CMER"}:        (*Engine).cmerSet,
	{at.Resp, "+CIEV"}:          (*Engine).cievResp,
	{at.CmdSet, "+BIA"}:         (*Engine).biaSet,
	{at.CmdSet, "+BRSF"}:        (*Engine).brsfSet,
	{at.CmdSet, "+NREC"}:        (*Engine).nrecSet,
	{at.CmdSet, "+VGM"}:         (*Engine).vgmSet,
	{at.Resp, "+VGM"}:           (*Engine).vgmResp,
	{at.CmdSet, "+VGS"}:         (*Engine).vgsSet,
	{at.Resp, "+VGS"}:           (*Engine).vgsResp,
	{at.CmdGet, "+BTRH"}:        (*Engine).btrhGet,
	{at.Cmd, "+BCC"}:            (*Engine).bccCmd,
	{at.CmdSet, "+BCS"}:         (*Engine).bcsSet,
	{at.Resp, "+BCS"}:           (*Engine).bcsResp,
	{at.CmdSet, "+BAC"}:         (*Engine).bacSet,
	{at.CmdSet, "+IPHONEACCEV"}: (*Engine).iphoneAccevSet,
	{at.CmdSet, "+XAPL"}:        (*Engine).xaplSet,
	{at.Resp, "+XAPL"}:          (*Engine).xaplResp,
}

// advance moves the SLC forward, never back.
func (e *Engine) advance(s hfp.SLCState) {
	if e.machine.State() < s {
		e.machine.Advance(s)
	}
}

func (e *Engine) respOK(m at.Message) error {
	if m.Value == "OK" {
		if e.okAdvance && e.machine.State() != hfp.Connected {
			e.advance(e.okState)
		}
		return nil
	}

	e.log.Warnf("request rejected: %s", m.Value)
	if e.okAdvance {
		// a rejected step is retried like a lost one
		return e.machine.Timeout()
	}
	return nil
}

func (e *Engine) respUnsolicited(m at.Message) error {
	e.log.Debugf("unsolicited result code: %s", m.Value)
	return nil
}

func (e *Engine) cindTest(m at.Message) error {
	if err := e.write(at.Message{Type: at.Resp, Command: "+CIND", Value: hfp.IndicatorList}); err != nil {
		return err
	}
	if err := e.respond("OK"); err != nil {
		return err
	}
	e.advance(hfp.CindTestOk)
	return nil
}

func (e *Engine) cindGet(m at.Message) error {
	v := fmt.Sprintf("0,0,0,0,0,0,%d", e.hostBattery().Charge())
	if err := e.write(at.Message{Type: at.Resp, Command: "+CIND", Value: v}); err != nil {
		return err
	}
	if err := e.respond("OK"); err != nil {
		return err
	}
	e.advance(hfp.CindGetOk)
	return nil
}

func (e *Engine) cindRespTest(m at.Message) error {
	indMap, err := hfp.ParseCIND(m.Value)
	if err != nil {
		e.log.Warnf("couldn't parse AG indicators: %s: %v", m.Value, err)
	}
	e.indMap = indMap
	e.advance(hfp.CindTest)
	return nil
}

func (e *Engine) cindRespGet(m at.Message) error {
	values := strings.Split(m.Value, ",")
	for i := 0; i < len(e.indMap) && i < len(values); i++ {
		v := atoi(values[i])
		ind := e.indMap[i]
		e.ind[ind] = v
		if ind == hfp.IndBattChg {
			e.owner.SetBattery(v * 100 / 5)
		}
	}
	e.advance(hfp.CindGet)
	return nil
}

func (e *Engine) cmerSet(m at.Message) error {
	resp := "OK"
	cmer, err := hfp.ParseCMER(m.Value)
	if err != nil {
		e.log.Warnf("couldn't parse CMER setup: %s: %v", m.Value, err)
		resp = "ERROR"
	} else {
		e.cmer = cmer
	}

	if err := e.respond(resp); err != nil {
		return err
	}
	e.advance(hfp.CmerSetOk)
	return nil
}

func (e *Engine) cievResp(m at.Message) error {
	var index, value int
	if n, _ := fmt.Sscanf(m.Value, "%d,%d", &index, &value); n != 2 {
		e.log.Warnf("invalid indicator event: %s", m.Value)
		return nil
	}
	if index < 1 || index > len(e.indMap) {
		return nil
	}

	ind := e.indMap[index-1]
	e.ind[ind] = value
	if ind == hfp.IndBattChg {
		e.owner.SetBattery(value * 100 / 5)
	}
	return nil
}

func (e *Engine) biaSet(m at.Message) error {
	resp := "OK"
	if err := hfp.ParseBIA(m.Value, &e.indState); err != nil {
		e.log.Warnf("couldn't parse BIA indicators activation: %s: %v", m.Value, err)
		resp = "ERROR"
	}
	return e.respond(resp)
}

func (e *Engine) brsfSet(m at.Message) error {
	e.remote = uint32(atoi(m.Value))

	// without codec negotiation the HF will never send AT+BAC
	if e.remote&bluealsa.HFPHFFeatureCodec == 0 {
		e.applyCodec(bluealsa.CodecCVSD)
	}

	v := fmt.Sprintf("%d", e.cfg.FeaturesFor(true))
	if err := e.write(at.Message{Type: at.Resp, Command: "+BRSF", Value: v}); err != nil {
		return err
	}
	if err := e.respond("OK"); err != nil {
		return err
	}
	e.advance(hfp.BrsfSetOk)
	return nil
}

func (e *Engine) brsfResp(m at.Message) error {
	e.remote = uint32(atoi(m.Value))

	if e.remote&bluealsa.HFPAGFeatureCodec == 0 {
		e.applyCodec(bluealsa.CodecCVSD)
	}

	e.advance(hfp.BrsfSet)
	return nil
}

func (e *Engine) nrecSet(m at.Message) error {
	// noise reduction and echo canceling are not supported
	return e.respond("ERROR")
}

func (e *Engine) vgmSet(m at.Message) error {
	return e.gainSet(true, m)
}

func (e *Engine) vgsSet(m at.Message) error {
	return e.gainSet(false, m)
}

func (e *Engine) gainSet(mic bool, m at.Message) error {
	gain := atoi(m.Value)
	if e.owner.SetGain(mic, gain) {
		e.setCachedGain(mic, gain)
	}
	return e.respond("OK")
}

func (e *Engine) vgmResp(m at.Message) error {
	return e.gainResp(true, m)
}

func (e *Engine) vgsResp(m at.Message) error {
	return e.gainResp(false, m)
}

func (e *Engine) gainResp(mic bool, m at.Message) error {
	gain := atoi(m.Value)
	e.setCachedGain(mic, gain)
	e.owner.SetGain(mic, gain)
	return nil
}

func (e *Engine) setCachedGain(mic bool, gain int) {
	if mic {
		e.gainMic = gain
	} else {
		e.gainSpk = gain
	}
}

func (e *Engine) btrhGet(m at.Message) error {
	// respond and hold is not supported, acknowledge without status
	return e.respond("OK")
}

func (e *Engine) bccCmd(m at.Message) error {
	return e.respond("ERROR")
}

// bcsSet handles the HF confirming our +BCS proposal.
func (e *Engine) bcsSet(m at.Message) error {
	req := e.request
	e.request = nil

	codec := atoi(m.Value)
	if codec != int(e.codec) {
		e.log.Warnf("codec not acknowledged: %s != %d", m.Value, e.codec)
		req.complete(errors.Wrapf(bluealsa.ErrCodecMismatch, "peer answered %s", m.Value))
		return e.respond("ERROR")
	}

	if err := e.respond("OK"); err != nil {
		req.complete(err)
		return err
	}

	e.applyCodec(uint16(codec))
	req.complete(nil)
	return nil
}

// bcsResp handles a codec proposal of the AG.
func (e *Engine) bcsResp(m at.Message) error {
	e.codec = uint16(atoi(m.Value))
	if err := e.write(at.Message{Type: at.CmdSet, Command: "+BCS", Value: m.Value}); err != nil {
		return err
	}
	e.await(at.Resp, "", (*Engine).bcsOK)
	return nil
}

func (e *Engine) bcsOK(m at.Message) error {
	req := e.request
	e.request = nil

	if m.Value != "OK" {
		e.log.Warnf("codec selection not finalized: %d", e.codec)
		req.complete(errors.Wrapf(bluealsa.ErrCodecMismatch, "peer answered %s", m.Value))
		return nil
	}

	e.applyCodec(e.codec)
	req.complete(nil)
	return nil
}

func (e *Engine) bacSet(m at.Message) error {
	for _, v := range strings.Split(m.Value, ",") {
		if e.cfg.MSBC && atoi(v) == int(bluealsa.CodecMSBC) {
			e.msbc = true
		}
	}

	if err := e.respond("OK"); err != nil {
		return err
	}
	e.advance(hfp.BacSetOk)
	return nil
}

func (e *Engine) iphoneAccevSet(m at.Message) error {
	parts := strings.Split(m.Value, ",")
	count := atoi(parts[0])

	for i := 1; count > 0 && i < len(parts); count-- {
		key := strings.TrimSpace(parts[i])
		i++
		if i >= len(parts) {
			break
		}
		switch key {
		case "1":
			e.owner.SetBattery(atoi(parts[i]) * 100 / 9)
		case "2":
			e.owner.SetDocked(atoi(parts[i]) != 0)
		default:
			e.log.Warnf("unsupported IPHONEACCEV key: %s", key)
		}
		i++
	}

	return e.respond("OK")
}

func (e *Engine) xaplSet(m at.Message) error {
	i := strings.LastIndexByte(m.Value, ',')
	if i < 0 {
		e.log.Warnf("invalid +XAPL value: %s", m.Value)
		return e.respond("ERROR")
	}

	x := bluealsa.XAPL{Features: uint32(atoi(m.Value[i+1:]))}
	if _, err := fmt.Sscanf(m.Value[:i], "%x-%x-%s", &x.VendorID, &x.ProductID, &x.Version); err != nil {
		e.log.Warnf("couldn't parse +XAPL vendor and product: %s", m.Value)
	}
	e.owner.SetXAPL(x)

	resp := fmt.Sprintf("+XAPL=%s,%d", e.cfg.XAPL.ProductName, e.cfg.XAPL.Features)
	if err := e.respond(resp); err != nil {
		return err
	}
	return e.respond("OK")
}

func (e *Engine) xaplResp(m at.Message) error {
	i := strings.LastIndexByte(m.Value, ',')
	if i < 0 {
		return errors.Errorf("invalid +XAPL response: %s", m.Value)
	}

	x := e.owner.XAPL()
	x.Features = uint32(atoi(m.Value[i+1:]))
	e.owner.SetXAPL(x)

	e.awaitOK(0, false)
	return nil
}

func fmtXAPL(x bluealsa.XAPL) string {
	return fmt.Sprintf("%04X-%04X-%s,%d", x.VendorID, x.ProductID, x.Version, x.Features)
}

// atoi parses the leading decimal number of s, 0 when there is none.
func atoi(s string) int {
	s = strings.TrimSpace(s)

	neg := false
	if s != "" && (s[0] == '-' || s[0] == '+') {
		neg = s[0] == '-'
		s = s[1:]
	}

	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			break
		}
		n = n*10 + int(c-'0')
	}

	if neg {
		return -n
	}
	return n
}
