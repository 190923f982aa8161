package rfcomm

import (
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/rigado/bluealsa"
	"github.com/rigado/bluealsa/linux/at"
	"github.com/rigado/bluealsa/linux/hfp"
)

const forwardBufferSize = 256

// setCodec starts the codec connection procedure. req, when given, is
// completed once the procedure is over, whatever its outcome.
func (e *Engine) setCodec(codec uint16, req *codecRequest) error {
	e.log.Debugf("setting codec: %s", bluealsa.CodecName(e.owner.Profile(), codec))

	if e.request != nil {
		e.request.complete(errors.Wrap(bluealsa.ErrBusy, "codec selection superseded"))
		e.request = nil
	}

	if !e.codecNegotiable(codec) {
		req.complete(nil)
		return nil
	}

	if e.owner.Profile() != bluealsa.ProfileHFPAG {
		// the HF may only ask the AG to start the procedure, which we
		// don't do yet: the AG picks the codec
		req.complete(nil)
		return nil
	}

	v := fmt.Sprintf("%d", codec)
	if err := e.write(at.Message{Type: at.Resp, Command: "+BCS", Value: v}); err != nil {
		req.complete(err)
		return err
	}

	e.codec = codec
	e.request = req
	e.await(at.CmdSet, "+BCS", (*Engine).bcsSet)
	return nil
}

// codecNegotiable reports whether both sides support codec negotiation
// and codec is one we may pick.
func (e *Engine) codecNegotiable(codec uint16) bool {
	if e.machine.State() != hfp.Connected || e.machine.HSP() {
		return false
	}

	ag := e.role == hfp.RoleAG
	local, remote := uint32(bluealsa.HFPHFFeatureCodec), uint32(bluealsa.HFPAGFeatureCodec)
	if ag {
		local, remote = remote, local
	}
	if e.cfg.FeaturesFor(ag)&local == 0 || e.remote&remote == 0 {
		return false
	}

	switch codec {
	case bluealsa.CodecCVSD:
		return true
	case bluealsa.CodecMSBC:
		return e.msbc
	}
	return false
}

func (e *Engine) applyCodec(id uint16) {
	if err := e.owner.SetCodec(id); err != nil {
		e.log.Warnf("couldn't set codec %s: %v", bluealsa.CodecName(e.owner.Profile(), id), err)
	}
}

// notifyVolume reports the gain of the mic or speaker PCM to the peer. The
// message is skipped when the gain did not change, unless force is set.
func (e *Engine) notifyVolume(mic bool, force bool) error {
	gain := e.owner.Gain(mic)

	cached := &e.gainSpk
	command := "+VGS"
	if mic {
		cached = &e.gainMic
		command = "+VGM"
	}

	if !force && *cached == gain {
		return nil
	}
	*cached = gain
	e.log.Debugf("updating %s gain: %d", command, gain)

	v := fmt.Sprintf("%d", gain)
	if e.role == hfp.RoleAG {
		return e.write(at.Message{Type: at.Resp, Command: command, Value: v})
	}

	if err := e.write(at.Message{Type: at.CmdSet, Command: command, Value: v}); err != nil {
		return err
	}
	e.awaitOK(0, false)
	return nil
}

// notifyBattery reports the host battery to the peer, through the battchg
// indicator on the AG side and the Apple accessory extension on the HF side.
func (e *Engine) notifyBattery() error {
	b := e.hostBattery()

	switch p := e.owner.Profile(); {
	case p == bluealsa.ProfileHFPAG:
		if e.cmer[3] <= 0 || !e.indState[hfp.IndBattChg] {
			return nil
		}
		v := fmt.Sprintf("%d,%d", hfp.IndBattChg, b.Charge())
		return e.write(at.Message{Type: at.Resp, Command: "+CIEV", Value: v})

	case p.IsHF():
		if e.owner.XAPL().Features&(bluealsa.XAPLFeatureBattery|bluealsa.XAPLFeatureDocking) == 0 {
			return nil
		}
		level := (b.Level + 1) / 10
		if level > 9 {
			level = 9
		}
		v := fmt.Sprintf("2,1,%d,2,0", level)
		if err := e.write(at.Message{Type: at.CmdSet, Command: "+IPHONEACCEV", Value: v}); err != nil {
			return err
		}
		e.awaitOK(0, false)
	}
	return nil
}

// setForwarder replaces the forwarder and starts pumping its output into
// the loop.
func (e *Engine) setForwarder(rw io.ReadWriteCloser) {
	if e.fwd != nil {
		e.log.Debug("replacing RFCOMM forwarder")
		e.fwd.Close()
	}
	e.fwd = rw
	if rw == nil {
		return
	}

	go func() {
		buf := make([]byte, forwardBufferSize)
		for {
			n, err := rw.Read(buf)
			f := fwdResult{rw: rw, err: err}
			if n > 0 {
				f.data = append([]byte(nil), buf[:n]...)
			}

			select {
			case e.fwdRx <- f:
			case <-e.done:
				return
			}
			if err != nil {
				return
			}
		}
	}()
}

func (e *Engine) handleForwarder(f fwdResult) error {
	if f.rw != e.fwd {
		// leftover of a replaced forwarder
		return nil
	}

	if len(f.data) > 0 {
		if err := e.write(at.Message{Type: at.Raw, Value: string(f.data)}); err != nil {
			return err
		}
	}

	if f.err != nil {
		if f.err != io.EOF {
			e.log.Warnf("RFCOMM forwarder failed: %v", f.err)
		}
		e.detachForwarder()
	}
	return nil
}

// forward passes a message we don't own to the forwarder.
func (e *Engine) forward(m at.Message) {
	if _, err := io.WriteString(e.fwd, m.String()); err != nil {
		e.log.Warnf("couldn't forward AT message: %v", err)
		e.detachForwarder()
	}
}

func (e *Engine) detachForwarder() {
	if e.fwd == nil {
		return
	}
	e.log.Debug("detaching RFCOMM forwarder")
	e.fwd.Close()
	e.fwd = nil
}
