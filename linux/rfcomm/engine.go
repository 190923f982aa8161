package rfcomm

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rigado/bluealsa"
	"github.com/rigado/bluealsa/eventbus"
	"github.com/rigado/bluealsa/linux/at"
	"github.com/rigado/bluealsa/linux/hfp"
)

// ErrAckTimeout completes a codec request the peer never answered.
var ErrAckTimeout = errors.New("ack timeout")

// Signal is an out-of-band request handled by the engine loop.
type Signal int

const (
	SignalPing Signal = iota
	SignalSetCodecCVSD
	SignalSetCodecMSBC
	SignalUpdateBattery
	SignalUpdateVolume
)

const signalQueueSize = 16

// Owner is the SCO transport an engine drives. All methods are called from
// the engine goroutine and must be safe against concurrent use by others.
type Owner interface {
	Path() string
	Profile() bluealsa.Profile

	Codec() uint16
	SetCodec(id uint16) error

	// SetBattery records the remote battery level in percent.
	SetBattery(level int)
	XAPL() bluealsa.XAPL
	SetXAPL(x bluealsa.XAPL)
	SetDocked(docked bool)

	// Gain returns the Bluetooth gain (0-15) of the mic or speaker PCM,
	// 0 when muted.
	Gain(mic bool) int
	// SetGain applies a gain reported by the peer. It returns false when
	// the PCM uses software volume and the value was ignored.
	SetGain(mic bool, gain int) bool

	Publish(e eventbus.Event)

	// LinkLost is called from the engine goroutine after the link failed
	// and the engine has stopped.
	LinkLost()
}

type handlerKey struct {
	typ     at.Type
	command string
}

type handlerFunc func(e *Engine, m at.Message) error

type pendingHandler struct {
	key handlerKey
	fn  handlerFunc
}

type codecRequest struct {
	codec uint16
	done  chan error
	once  sync.Once
}

func (r *codecRequest) complete(err error) {
	if r == nil {
		return
	}
	r.once.Do(func() {
		r.done <- err
	})
}

type rxResult struct {
	msg at.Message
	err error
}

type fwdResult struct {
	rw   io.ReadWriteCloser
	data []byte
	err  error
}

// Engine runs the AT protocol of one HFP/HSP RFCOMM link.
type Engine struct {
	owner Owner
	link  io.ReadWriteCloser
	cfg   *bluealsa.Config
	log   bluealsa.Logger
	role  hfp.Role

	signals  chan Signal
	requests chan *codecRequest
	attach   chan io.ReadWriteCloser
	fwdRx    chan fwdResult
	quit     chan struct{}
	done     chan struct{}
	quitOnce sync.Once

	linkLostQuirk atomic.Bool
	state         atomic.Int32
	setup         atomic.Int32

	batteryMu sync.Mutex
	battery   bluealsa.Battery

	// owned by the loop goroutine
	machine   *hfp.Machine
	pending   *pendingHandler
	okState   hfp.SLCState
	okAdvance bool
	remote    uint32
	codec     uint16
	msbc      bool
	gainMic   int
	gainSpk   int
	indMap    hfp.IndicatorMap
	ind       [hfp.IndicatorMax]int
	indState  [hfp.IndicatorMax]bool
	cmer      [5]int
	idle      bool
	request   *codecRequest
	fwd       io.ReadWriteCloser
}

// New returns an engine for link. The engine owns link and closes it when
// it stops. Nothing runs until Start.
func New(owner Owner, link io.ReadWriteCloser, cfg *bluealsa.Config) *Engine {
	p := owner.Profile()

	role := hfp.RoleHF
	if p.IsAG() {
		role = hfp.RoleAG
	}

	e := &Engine{
		owner:    owner,
		link:     link,
		cfg:      cfg,
		role:     role,
		signals:  make(chan Signal, signalQueueSize),
		requests: make(chan *codecRequest),
		attach:   make(chan io.ReadWriteCloser),
		fwdRx:    make(chan fwdResult),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		battery:  cfg.Battery,
		machine:  hfp.NewMachine(role, p.IsHSP(), cfg.SLCRetries),
		codec:    bluealsa.CodecUndefined,
		gainMic:  owner.Gain(true),
		gainSpk:  owner.Gain(false),
	}
	e.log = bluealsa.GetLogger().ChildLogger(map[string]interface{}{
		"rfcomm": owner.Path(),
		"role":   role.String(),
	})

	// indicators are active until the peer says otherwise
	for i := range e.indState {
		e.indState[i] = true
	}

	e.linkLostQuirk.Store(cfg.LinkLostQuirk)
	return e
}

// Start runs the engine loop. It must be called exactly once.
func (e *Engine) Start() {
	e.publishState()
	go e.loop()
}

// State returns the SLC state as last published by the loop.
func (e *Engine) State() hfp.SLCState {
	return hfp.SLCState(e.state.Load())
}

// Setup returns the setup stage as last published by the loop.
func (e *Engine) Setup() hfp.Setup {
	return hfp.Setup(e.setup.Load())
}

// Done is closed once the engine has stopped.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Signal queues sig without blocking.
func (e *Engine) Signal(sig Signal) {
	select {
	case e.signals <- sig:
	default:
		e.log.Warnf("signal queue full, dropping signal %d", sig)
	}
}

// SetHostBattery updates the host battery reported to the peer.
func (e *Engine) SetHostBattery(b bluealsa.Battery) {
	e.batteryMu.Lock()
	e.battery = b
	e.batteryMu.Unlock()
	e.Signal(SignalUpdateBattery)
}

func (e *Engine) hostBattery() bluealsa.Battery {
	e.batteryMu.Lock()
	defer e.batteryMu.Unlock()
	return e.battery
}

// SelectCodec asks the engine to negotiate codec and waits until the
// negotiation finished. A nil error does not imply the codec was selected:
// the caller checks the transport codec.
func (e *Engine) SelectCodec(ctx context.Context, codec uint16) error {
	req := &codecRequest{codec: codec, done: make(chan error, 1)}

	select {
	case e.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return errors.Wrap(bluealsa.ErrConnectionReset, "rfcomm stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		// requests are completed before done is closed
		select {
		case err := <-req.done:
			return err
		default:
			return errors.Wrap(bluealsa.ErrConnectionReset, "rfcomm stopped")
		}
	}
}

// AttachForwarder routes unhandled AT traffic to rw and writes whatever is
// read from rw to the link. A previously attached forwarder is closed.
func (e *Engine) AttachForwarder(rw io.ReadWriteCloser) error {
	select {
	case e.attach <- rw:
		return nil
	case <-e.done:
		return errors.Wrap(bluealsa.ErrConnectionReset, "rfcomm stopped")
	}
}

// Destroy stops the engine without triggering the link-lost path and waits
// for the loop to finish.
func (e *Engine) Destroy() {
	e.linkLostQuirk.Store(false)
	e.quitOnce.Do(func() {
		close(e.quit)
	})
	<-e.done
}

func (e *Engine) publishState() {
	e.state.Store(int32(e.machine.State()))
	e.setup.Store(int32(e.machine.Setup()))
}

func (e *Engine) loop() {
	rx := make(chan rxResult)
	go e.readLoop(rx)
	defer e.cleanup()

	e.log.Debugf("starting RFCOMM loop: %s", e.owner.Profile())

	for {
		if err := e.drive(); err != nil && e.failed(err) {
			return
		}
		e.publishState()

		var timer *time.Timer
		var timeout <-chan time.Time
		switch {
		case e.pending != nil:
			timer = time.NewTimer(e.cfg.AckTimeout)
		case e.machine.State() != hfp.Connected || e.machine.Setup() != hfp.SetupComplete:
			timer = time.NewTimer(e.cfg.IdleTimeout)
		}
		if timer != nil {
			timeout = timer.C
		}

		// new work is only taken while nothing is awaited
		signals, requests := e.signals, e.requests
		if e.pending != nil {
			signals, requests = nil, nil
		}

		e.idle = false
		var err error

		select {
		case <-e.quit:
			if timer != nil {
				timer.Stop()
			}
			return

		case sig := <-signals:
			err = e.handleSignal(sig)

		case req := <-requests:
			err = e.setCodec(req.codec, req)

		case r := <-rx:
			if r.err != nil {
				if bluealsa.IsFatal(r.err) {
					e.log.Debugf("RFCOMM disconnected: %v", r.err)
				} else {
					e.log.Errorf("RFCOMM IO error: %v", r.err)
				}
				return
			}
			err = e.dispatch(r.msg)

		case rw := <-e.attach:
			e.setForwarder(rw)

		case f := <-e.fwdRx:
			err = e.handleForwarder(f)

		case <-timeout:
			e.idle = true
			err = e.handleTimeout()
		}

		if timer != nil {
			timer.Stop()
		}
		if err != nil && e.failed(err) {
			return
		}
	}
}

// failed logs err and reports whether it ends the loop.
func (e *Engine) failed(err error) bool {
	if bluealsa.IsFatal(err) {
		e.log.Debugf("RFCOMM disconnected: %v", err)
		return true
	}
	e.log.Errorf("RFCOMM IO error: %v", err)
	return false
}

func (e *Engine) readLoop(rx chan<- rxResult) {
	rd := at.NewReader(e.link)
	for {
		m, err := rd.Next()
		if errors.Cause(err) == bluealsa.ErrBadMessage {
			e.log.Warnf("invalid AT message: %q", rd.Pending())
			rd.Reset()
			continue
		}

		select {
		case rx <- rxResult{msg: m, err: err}:
		case <-e.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (e *Engine) cleanup() {
	e.log.Debugf("closing RFCOMM")

	e.link.Close()
	if e.fwd != nil {
		e.fwd.Close()
		e.fwd = nil
	}

	e.request.complete(errors.Wrap(bluealsa.ErrConnectionReset, "rfcomm closed"))
	e.request = nil

	e.publishState()
	e.owner.Publish(eventbus.Event{Kind: eventbus.KindSLC, State: "disconnected"})
	close(e.done)

	if e.linkLostQuirk.Load() {
		e.log.Debug("RFCOMM link lost quirk: destroying SCO transport")
		e.owner.LinkLost()
	}
}

// drive runs the SLC and setup ladders until something is awaited or
// nothing is left to do.
func (e *Engine) drive() error {
	for e.pending == nil {
		m := e.machine

		if m.State() != hfp.Connected {
			if err := m.Progress(); err != nil {
				return err
			}

			a := m.Next(e.cfg.FeaturesFor(e.role == hfp.RoleAG), e.remote, e.cfg.MSBC)
			if a.Message != nil {
				if err := e.write(*a.Message); err != nil {
					return err
				}
			}
			e.expect(a)

			if !a.Connected {
				return nil
			}
			e.connected()
			continue
		}

		if m.Setup() == hfp.SetupComplete {
			return nil
		}

		act := m.NextSetup(e.owner.Codec() != bluealsa.CodecUndefined, e.idle)
		if act == hfp.SetupNone {
			if m.Setup() == hfp.SetupComplete {
				e.log.Debug("initial connection setup completed")
			}
			return nil
		}
		if err := e.runSetup(act); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) connected() {
	e.log.Infof("service level connection established")
	e.publishState()
	e.owner.Publish(eventbus.Event{Kind: eventbus.KindSLC, State: hfp.Connected.String()})
	e.owner.Publish(eventbus.Event{Kind: eventbus.KindCodec, Codec: e.owner.Codec()})
}

func (e *Engine) runSetup(act hfp.SetupAction) error {
	switch act {
	case hfp.SetupSendGainMic:
		return e.notifyVolume(true, true)
	case hfp.SetupSendGainSpk:
		return e.notifyVolume(false, true)
	case hfp.SetupSendXAPL:
		x := e.cfg.XAPL
		v := fmtXAPL(x)
		if err := e.write(at.Message{Type: at.CmdSet, Command: "+XAPL", Value: v}); err != nil {
			return err
		}
		e.await(at.Resp, "+XAPL", (*Engine).xaplResp)
	case hfp.SetupSendBattery:
		if e.hostBattery().Available {
			return e.notifyBattery()
		}
	case hfp.SetupSelectCodec:
		codec := uint16(bluealsa.CodecCVSD)
		if e.msbc {
			codec = bluealsa.CodecMSBC
		}
		return e.setCodec(codec, nil)
	}
	return nil
}

func (e *Engine) expect(a hfp.Action) {
	switch a.Expect {
	case hfp.ExpectOK:
		e.awaitOK(a.OnOK, true)
	case hfp.ExpectBRSF:
		e.await(at.Resp, "+BRSF", (*Engine).brsfResp)
	case hfp.ExpectCINDTest:
		e.await(at.Resp, "+CIND", (*Engine).cindRespTest)
	case hfp.ExpectCINDGet:
		e.await(at.Resp, "+CIND", (*Engine).cindRespGet)
	}
}

func (e *Engine) await(t at.Type, command string, fn handlerFunc) {
	e.pending = &pendingHandler{key: handlerKey{t, command}, fn: fn}
}

// awaitOK waits for OK/ERROR. With advance set, OK moves the SLC to state.
func (e *Engine) awaitOK(state hfp.SLCState, advance bool) {
	e.okState = state
	e.okAdvance = advance
	e.await(at.Resp, "", (*Engine).respOK)
}

func (e *Engine) handleTimeout() error {
	if e.pending == nil {
		return nil
	}

	e.log.Debugf("no response to %s %q", e.pending.key.typ, e.pending.key.command)
	if e.pending.key == (handlerKey{at.CmdSet, "+BCS"}) {
		e.request.complete(errors.Wrap(ErrAckTimeout, "codec not confirmed"))
		e.request = nil
	}
	e.pending = nil

	return e.machine.Timeout()
}

func (e *Engine) handleSignal(sig Signal) error {
	switch sig {
	case SignalSetCodecCVSD:
		return e.setCodec(bluealsa.CodecCVSD, nil)
	case SignalSetCodecMSBC:
		return e.setCodec(bluealsa.CodecMSBC, nil)
	case SignalUpdateBattery:
		return e.notifyBattery()
	case SignalUpdateVolume:
		if err := e.notifyVolume(true, false); err != nil {
			return err
		}
		if e.pending != nil {
			// the mic gain is cached by now, the next round only
			// reports the speaker
			e.Signal(SignalUpdateVolume)
			return nil
		}
		return e.notifyVolume(false, false)
	}
	return nil
}

func (e *Engine) dispatch(m at.Message) error {
	e.log.Debugf("received AT message: %s: command:%s, value:%s", m.Type, m.Command, m.Value)

	var fn handlerFunc
	predefined := false
	key := handlerKey{m.Type, m.Command}

	if e.pending != nil && e.pending.key == key {
		fn = e.pending.fn
		predefined = true
		e.pending = nil
	} else {
		fn = handlers[key]
	}

	forwarding := e.fwd != nil
	if forwarding && !predefined {
		e.forward(m)
	}

	if fn != nil {
		return fn(e, m)
	}

	if !forwarding {
		e.log.Warnf("unsupported AT message: %s: command:%s, value:%s", m.Type, m.Command, m.Value)
		if m.Type != at.Resp {
			return e.respond("ERROR")
		}
	}
	return nil
}

func (e *Engine) write(m at.Message) error {
	e.log.Debugf("sending AT message: %s: command:%s, value:%s", m.Type, m.Command, m.Value)
	_, err := io.WriteString(e.link, m.String())
	return errors.Wrap(err, "can't write rfcomm")
}

func (e *Engine) respond(value string) error {
	return e.write(at.Message{Type: at.Resp, Value: value})
}
