package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rigado/bluealsa"
	"github.com/rigado/bluealsa/eventbus"
	"github.com/rigado/bluealsa/linux/hfp"
	"github.com/rigado/bluealsa/linux/rfcomm"
	"golang.org/x/sys/unix"
)

// A2DPState is the MediaTransport1 state reported by BlueZ.
type A2DPState int

const (
	A2DPIdle A2DPState = iota
	A2DPPending
	A2DPActive
)

var a2dpStateNames = []string{
	A2DPIdle:    "idle",
	A2DPPending: "pending",
	A2DPActive:  "active",
}

func (s A2DPState) String() string {
	if int(s) >= 0 && int(s) < len(a2dpStateNames) {
		return a2dpStateNames[s]
	}
	return "unknown"
}

// ParseA2DPState maps a BlueZ transport state name.
func ParseA2DPState(s string) (A2DPState, error) {
	for i, n := range a2dpStateNames {
		if n == s {
			return A2DPState(i), nil
		}
	}
	return A2DPIdle, errors.Errorf("unknown transport state %q", s)
}

// releaseIdleTimeout bounds the wait for BlueZ to confirm an A2DP release.
const releaseIdleTimeout = 3 * time.Second

// Transport is one Bluetooth audio connection of a device.
type Transport struct {
	profile bluealsa.Profile
	device  *Device
	path    string
	cfg     *bluealsa.Config
	log     bluealsa.Logger

	// selectMu serializes codec selection, codecMu guards the codec
	selectMu  sync.Mutex
	codecMu   sync.Mutex
	codec     uint16
	codecBlob []byte

	btMu     sync.Mutex
	stopped  *sync.Cond
	btFD     int
	stopping bool
	mtuRead  int
	mtuWrite int

	stateMu   sync.Mutex
	stateCond *sync.Cond
	a2dpState A2DPState

	sink   *PCM
	source *PCM

	capability Capability
	pipeline   Pipeline
	manager    *threadManager
	rfcomm     *rfcomm.Engine

	refs        atomic.Int32
	destroyOnce sync.Once
	freeOnce    sync.Once
}

func newTransport(d *Device, p bluealsa.Profile, path string, c Capability, pl Pipeline, cfg *bluealsa.Config) *Transport {
	t := &Transport{
		profile:    p,
		device:     d,
		path:       path,
		cfg:        cfg,
		codec:      bluealsa.CodecUndefined,
		btFD:       -1,
		capability: c,
		pipeline:   pl,
	}
	t.log = bluealsa.GetLogger().ChildLogger(map[string]interface{}{
		"profile": p.String(),
		"device":  d.Addr().String(),
	})
	t.stopped = sync.NewCond(&t.btMu)
	t.stateCond = sync.NewCond(&t.stateMu)
	t.refs.Store(1)

	maxVolume := bluealsa.MaxVolumeSCO
	if p.IsA2DP() {
		maxVolume = bluealsa.MaxVolumeA2DP
	}

	// the main PCM of an A2DP sink carries the decoded stream
	sinkName, sourceName := "sink", "source"
	if p.IsSCO() {
		sinkName, sourceName = "speaker", "mic"
	}
	t.sink = newPCM(t, ModeSink, sinkName, maxVolume)
	t.source = newPCM(t, ModeSource, sourceName, maxVolume)

	t.manager = newThreadManager(t, cfg.KeepAlive)
	return t
}

// register makes t visible through its device. Fields read by other
// goroutines must be set before.
func (t *Transport) register() {
	t.device.attach(t)
	t.publish(eventbus.Event{Kind: eventbus.KindTransportAdded})
}

// NewA2DP creates an A2DP transport with the configuration negotiated over
// the media endpoint.
func NewA2DP(d *Device, p bluealsa.Profile, path string, c Capability, pl Pipeline,
	codec uint16, configuration []byte, cfg *bluealsa.Config) (*Transport, error) {

	if !p.IsA2DP() {
		return nil, errors.Wrapf(bluealsa.ErrNotSupported, "%s is not an A2DP profile", p)
	}

	t := newTransport(d, p, path, c, pl, cfg)
	t.register()
	t.SetCodecConfiguration(codec, configuration)
	return t, nil
}

// NewSCO creates an HFP/HSP transport. With link given an RFCOMM engine
// drives the service level connection over it.
func NewSCO(d *Device, p bluealsa.Profile, path string, c Capability, pl Pipeline,
	link io.ReadWriteCloser, cfg *bluealsa.Config) (*Transport, error) {

	if !p.IsSCO() {
		return nil, errors.Wrapf(bluealsa.ErrNotSupported, "%s is not a SCO profile", p)
	}

	codec := bluealsa.CodecUndefined
	// HSP supports CVSD only
	if p.IsHSP() || !cfg.MSBC {
		codec = bluealsa.CodecCVSD
	}

	t := newTransport(d, p, path, c, pl, cfg)
	if link != nil {
		t.rfcomm = rfcomm.New(t, link, cfg)
	}
	t.register()
	t.SetCodec(codec)

	// the engine calls back into t, which is complete by now
	if t.rfcomm != nil {
		t.rfcomm.Start()
	}
	return t, nil
}

// NewMIDI creates a BLE MIDI transport.
func NewMIDI(d *Device, path string, c Capability, pl Pipeline, cfg *bluealsa.Config) (*Transport, error) {
	t := newTransport(d, bluealsa.ProfileMIDI, path, c, pl, cfg)
	t.register()
	return t, nil
}

func (t *Transport) Path() string              { return t.path }
func (t *Transport) Profile() bluealsa.Profile { return t.profile }
func (t *Transport) Device() *Device           { return t.device }
func (t *Transport) Sink() *PCM                { return t.sink }
func (t *Transport) Source() *PCM              { return t.source }

// Speaker and Mic are the SCO names of the two PCMs.
func (t *Transport) Speaker() *PCM { return t.sink }
func (t *Transport) Mic() *PCM     { return t.source }

// RFCOMM returns the engine of an HFP/HSP transport, nil otherwise.
func (t *Transport) RFCOMM() *rfcomm.Engine { return t.rfcomm }

func (t *Transport) workerName(m Mode) string {
	return fmt.Sprintf("ba-%s-%s", t.profile, m)
}

// Acquire returns the Bluetooth socket, acquiring it when not yet held.
// SCO transports start their workers right away.
func (t *Transport) Acquire() (int, error) {
	t.btMu.Lock()

	if t.stopping {
		t.btMu.Unlock()
		return -1, errors.Wrap(bluealsa.ErrBusy, "can't acquire transport")
	}

	if fd := t.btFD; fd != -1 {
		t.btMu.Unlock()
		t.log.Debugf("reusing BT socket: %d", fd)
		return fd, nil
	}

	link, err := t.capability.Acquire(t)
	if err != nil {
		t.btMu.Unlock()
		return -1, errors.Wrap(err, "can't acquire transport")
	}
	t.btFD = link.FD
	t.mtuRead, t.mtuWrite = link.MTURead, link.MTUWrite
	t.btMu.Unlock()

	t.log.Debugf("acquired BT socket: %d (MTU R:%d W:%d)", link.FD, link.MTURead, link.MTUWrite)

	t.lockPCMs()
	t.sink.resetLocked()
	t.source.resetLocked()
	t.unlockPCMs()

	// there is no asynchronous activation of SCO links
	if t.profile.IsSCO() {
		if err := t.Start(); err != nil {
			t.log.Errorf("couldn't start transport: %v", err)
		}
	}

	return link.FD, nil
}

// Release gives the Bluetooth socket back. Releasing an A2DP transport
// waits until BlueZ reports it idle.
func (t *Transport) Release() error {
	return t.release(true)
}

func (t *Transport) release(waitIdle bool) error {
	wait := waitIdle && t.profile.IsA2DP() && t.A2DPState() != A2DPIdle

	t.btMu.Lock()
	if t.btFD == -1 {
		t.btMu.Unlock()
		return nil
	}

	if err := t.capability.Release(t, t.btFD); err != nil {
		t.btMu.Unlock()
		return errors.Wrap(err, "can't release transport")
	}
	t.btFD = -1
	t.mtuRead, t.mtuWrite = 0, 0
	t.btMu.Unlock()

	if wait && !t.waitA2DPState(A2DPIdle, releaseIdleTimeout) {
		t.log.Warnf("transport not idle %v after release", releaseIdleTimeout)
	}
	return nil
}

// BTFD returns the acquired socket, -1 when not acquired.
func (t *Transport) BTFD() int {
	t.btMu.Lock()
	defer t.btMu.Unlock()
	return t.btFD
}

func (t *Transport) MTU() (read, write int) {
	t.btMu.Lock()
	defer t.btMu.Unlock()
	return t.mtuRead, t.mtuWrite
}

// dupBT duplicates the socket for a worker, which owns the copy.
func (t *Transport) dupBT() (int, error) {
	t.btMu.Lock()
	defer t.btMu.Unlock()

	if t.btFD == -1 {
		return -1, errors.Wrap(bluealsa.ErrNotAcquired, "invalid BT socket")
	}
	if t.mtuRead == 0 || t.mtuWrite == 0 {
		return -1, errors.Errorf("invalid BT socket MTU: R:%d W:%d", t.mtuRead, t.mtuWrite)
	}

	fd, err := unix.Dup(t.btFD)
	return fd, errors.Wrap(err, "can't duplicate BT socket")
}

// Start spawns the PCM workers. Both PCMs have to be idle.
func (t *Transport) Start() error {
	if !t.sink.IsIdle() || !t.source.IsIdle() {
		return errors.Wrap(bluealsa.ErrInvalidState, "transport workers not idle")
	}

	t.log.Debugf("starting transport")
	return t.pipeline.Start(t)
}

// Stop cancels the workers and waits until both PCMs are terminated. It
// must not be called from a worker.
func (t *Transport) Stop() {
	if t.sink.IsTerminated() && t.source.IsTerminated() {
		return
	}

	t.StopAsync()

	t.btMu.Lock()
	for t.stopping {
		t.stopped.Wait()
	}
	t.btMu.Unlock()
}

// StopAsync asks the thread manager to cancel the workers and returns.
func (t *Transport) StopAsync() {
	t.btMu.Lock()
	if t.stopping {
		t.btMu.Unlock()
		return
	}
	t.stopping = true
	t.btMu.Unlock()

	t.lockPCMs()
	t.sink.markStoppingLocked()
	t.source.markStoppingLocked()
	t.unlockPCMs()

	if !t.manager.send(managerCancelThreads) {
		t.cancelThreads()
	}
}

// StopIfIdle stops the workers after the keep-alive period when no client
// is attached by then. It is safe to call from a worker.
func (t *Transport) StopIfIdle() {
	t.manager.send(managerCancelIfIdle)
}

func (t *Transport) cancelThreads() {
	t.sink.Stop()
	t.source.Stop()

	t.btMu.Lock()
	t.stopping = false
	t.stopped.Broadcast()
	t.btMu.Unlock()
}

func (t *Transport) cancelIfNoClients() {
	// PCM locks first, so no client attaches in the middle of the check
	t.lockPCMs()
	t.btMu.Lock()

	stop := false
	if !t.stopping {
		switch t.profile {
		case bluealsa.ProfileA2DPSource, bluealsa.ProfileHFPAG, bluealsa.ProfileHSPAG:
			// releasing the link frees Bluetooth bandwidth
			if t.sink.client == nil && t.source.client == nil {
				t.stopping = true
				stop = true
			}
		}
	}

	if stop {
		t.log.Debugf("stopping transport: no PCM clients")
		t.sink.markStoppingLocked()
		t.source.markStoppingLocked()
	}

	t.btMu.Unlock()
	t.unlockPCMs()

	if stop {
		t.cancelThreads()
	}
}

// lockPCMs takes the client mutexes before the data mutexes, the sink
// before the source. Every path locking more than one of them goes through
// here.
func (t *Transport) lockPCMs() {
	t.sink.clientMu.Lock()
	t.source.clientMu.Lock()
	t.sink.mu.Lock()
	t.source.mu.Lock()
}

func (t *Transport) unlockPCMs() {
	t.source.mu.Unlock()
	t.sink.mu.Unlock()
	t.source.clientMu.Unlock()
	t.sink.clientMu.Unlock()
}

// Codec returns the codec id, bluealsa.CodecUndefined until negotiated.
func (t *Transport) Codec() uint16 {
	t.codecMu.Lock()
	defer t.codecMu.Unlock()
	return t.codec
}

// CodecConfiguration returns a copy of the A2DP codec configuration.
func (t *Transport) CodecConfiguration() []byte {
	t.codecMu.Lock()
	defer t.codecMu.Unlock()
	return append([]byte(nil), t.codecBlob...)
}

// SetCodec changes the codec and re-initializes the PCMs for it. Setting the
// current codec is a no-op.
func (t *Transport) SetCodec(id uint16) error {
	t.codecMu.Lock()
	if t.codec == id {
		t.codecMu.Unlock()
		return nil
	}
	t.codec = id
	t.initCodecLocked()
	t.codecMu.Unlock()

	t.log.Debugf("codec changed: %s", bluealsa.CodecName(t.profile, id))
	t.publish(eventbus.Event{Kind: eventbus.KindCodec, Codec: id})
	return nil
}

// SetCodecConfiguration changes the A2DP codec together with its
// configuration.
func (t *Transport) SetCodecConfiguration(id uint16, configuration []byte) {
	t.codecMu.Lock()
	changed := t.codec != id || !bytes.Equal(t.codecBlob, configuration)
	t.codec = id
	t.codecBlob = append([]byte(nil), configuration...)
	if changed {
		t.initCodecLocked()
	}
	t.codecMu.Unlock()

	if changed {
		t.publish(eventbus.Event{Kind: eventbus.KindCodec, Codec: id})
	}
}

func (t *Transport) initCodecLocked() {
	switch {
	case t.profile.IsSCO():
		rate := bluealsa.SCOSampling(t.codec)
		if rate == 0 && t.codec != bluealsa.CodecUndefined {
			t.log.Debugf("unsupported SCO codec: %#x", t.codec)
		}
		t.sink.setSampling(rate, 1)
		t.source.setSampling(rate, 1)
	case t.profile.IsA2DP():
		if t.codec != bluealsa.CodecSBC && len(t.codecBlob) == 0 {
			t.log.Warnf("codec %s without configuration", bluealsa.CodecName(t.profile, t.codec))
		}
	}
}

// SelectCodec switches the transport to target. A2DP asks the remote
// end-point for a new configuration, HFP negotiates over RFCOMM and fails
// with bluealsa.ErrCodecMismatch when the device picked another codec.
func (t *Transport) SelectCodec(ctx context.Context, target CodecTarget) error {
	switch {
	case t.profile.IsA2DP():
		return t.selectCodecA2DP(ctx, target)
	case t.profile.IsHFP() && t.rfcomm != nil:
		return t.selectCodecSCO(ctx, target.ID)
	}
	return errors.Wrapf(bluealsa.ErrNotSupported, "codec selection for %s", t.profile)
}

func (t *Transport) selectCodecA2DP(ctx context.Context, target CodecTarget) error {
	t.selectMu.Lock()
	defer t.selectMu.Unlock()

	t.codecMu.Lock()
	same := t.codec == target.ID && bytes.Equal(t.codecBlob, target.Configuration)
	t.codecMu.Unlock()
	if same {
		return nil
	}

	c, ok := t.capability.(Configurer)
	if !ok {
		return errors.Wrap(bluealsa.ErrNotSupported, "remote end-point can't be reconfigured")
	}
	return errors.Wrap(c.Configure(ctx, t, target), "can't set A2DP configuration")
}

func (t *Transport) selectCodecSCO(ctx context.Context, id uint16) error {
	t.selectMu.Lock()
	defer t.selectMu.Unlock()

	if t.Codec() == id {
		return nil
	}

	t.Stop()

	t.lockPCMs()
	t.sink.releaseLocked()
	t.source.releaseLocked()
	t.unlockPCMs()

	if err := t.rfcomm.SelectCodec(ctx, id); err != nil {
		return err
	}

	if c := t.Codec(); c != id {
		return errors.Wrapf(bluealsa.ErrCodecMismatch, "selected %s instead of %s",
			bluealsa.CodecName(t.profile, c), bluealsa.CodecName(t.profile, id))
	}
	return nil
}

func (t *Transport) A2DPState() A2DPState {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	return t.a2dpState
}

// SetA2DPState applies a BlueZ state change: pending acquires an A2DP sink,
// active starts the workers and idle stops them.
func (t *Transport) SetA2DPState(s A2DPState) error {
	t.stateMu.Lock()
	t.a2dpState = s
	t.stateCond.Broadcast()
	t.stateMu.Unlock()

	t.publish(eventbus.Event{Kind: eventbus.KindState, State: s.String()})

	switch s {
	case A2DPPending:
		// a source transport is acquired by its PCM client
		if t.profile == bluealsa.ProfileA2DPSink {
			_, err := t.Acquire()
			return err
		}
		return nil
	case A2DPActive:
		return t.Start()
	default:
		t.Stop()
		return nil
	}
}

func (t *Transport) waitA2DPState(s A2DPState, timeout time.Duration) bool {
	timer := time.AfterFunc(timeout, func() {
		t.stateMu.Lock()
		t.stateCond.Broadcast()
		t.stateMu.Unlock()
	})
	defer timer.Stop()

	deadline := time.Now().Add(timeout)

	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	for t.a2dpState != s {
		if !time.Now().Before(deadline) {
			return false
		}
		t.stateCond.Wait()
	}
	return true
}

// Ref takes a reference, released with Unref.
func (t *Transport) Ref() *Transport {
	t.refs.Add(1)
	return t
}

// Unref drops a reference. The last one detaches the transport from its
// device and frees it.
func (t *Transport) Unref() {
	if !t.device.unref(t) {
		return
	}
	t.freeOnce.Do(t.free)
}

func (t *Transport) free() {
	t.log.Debugf("freeing transport")

	if t.rfcomm != nil {
		t.rfcomm.Destroy()
	}
	t.manager.terminate()

	t.btMu.Lock()
	if t.btFD != -1 {
		unix.Close(t.btFD)
		t.btFD = -1
	}
	t.btMu.Unlock()
}

// Destroy tears the transport down: the RFCOMM engine and the workers are
// stopped, clients are released and so is the socket. The reference taken
// at creation is dropped.
func (t *Transport) Destroy() {
	t.destroyOnce.Do(func() {
		t.log.Debugf("destroying transport")

		if t.rfcomm != nil {
			t.rfcomm.Destroy()
		}

		t.Stop()

		t.lockPCMs()
		t.sink.releaseLocked()
		t.source.releaseLocked()
		t.unlockPCMs()

		if err := t.release(false); err != nil {
			t.log.Warnf("couldn't release transport: %v", err)
		}

		t.publish(eventbus.Event{Kind: eventbus.KindTransportRemoved})
		t.Unref()
	})
}

// Status returns a point-in-time view of the transport.
func (t *Transport) Status() bluealsa.TransportStatus {
	mtuRead, mtuWrite := t.MTU()
	st := bluealsa.TransportStatus{
		Path:     t.path,
		Device:   t.device.Addr(),
		Profile:  t.profile,
		Codec:    bluealsa.CodecName(t.profile, t.Codec()),
		Acquired: t.BTFD() != -1,
		Battery:  t.device.Battery(),
		MTURead:  mtuRead,
		MTUWrite: mtuWrite,
	}
	if t.profile.IsA2DP() {
		st.State = t.A2DPState().String()
	}
	if t.rfcomm != nil {
		st.SLC = t.rfcomm.State().String()
	}
	return st
}

// SetHostBattery reports a new host battery level to the remote device.
func (t *Transport) SetHostBattery(b bluealsa.Battery) {
	if t.rfcomm != nil {
		t.rfcomm.SetHostBattery(b)
	}
}

func (t *Transport) volumeChanged(p *PCM) {
	if t.rfcomm != nil {
		t.rfcomm.Signal(rfcomm.SignalUpdateVolume)
	}
	t.publishVolume(p)
}

func (t *Transport) publishVolume(p *PCM) {
	v := p.Volume()
	level := v.Level
	if v.Muted {
		level = 0
	}
	t.publish(eventbus.Event{Kind: eventbus.KindVolume, State: p.name, Volume: []int{level}})
}

func (t *Transport) publish(e eventbus.Event) {
	e.Path = t.path
	e.Device = t.device.Addr()
	e.Profile = t.profile
	t.device.publish(e)
}

// The methods below serve the RFCOMM engine.

func (t *Transport) SetBattery(level int) {
	t.device.SetBattery(level)
}

func (t *Transport) XAPL() bluealsa.XAPL {
	return t.device.XAPL()
}

func (t *Transport) SetXAPL(x bluealsa.XAPL) {
	t.device.SetXAPL(x)
}

func (t *Transport) SetDocked(docked bool) {
	t.device.SetDocked(docked)
}

func (t *Transport) Gain(mic bool) int {
	if mic {
		return t.source.Gain()
	}
	return t.sink.Gain()
}

func (t *Transport) SetGain(mic bool, gain int) bool {
	p := t.sink
	if mic {
		p = t.source
	}
	if !p.setGain(gain) {
		return false
	}
	t.publishVolume(p)
	return true
}

func (t *Transport) Publish(e eventbus.Event) {
	t.publish(e)
}

// LinkLost destroys the transport after its RFCOMM link failed.
func (t *Transport) LinkLost() {
	t.log.Infof("RFCOMM link lost, destroying transport")
	t.Destroy()
}

// SLCState returns the service level connection state, hfp.Disconnected
// without RFCOMM.
func (t *Transport) SLCState() hfp.SLCState {
	if t.rfcomm == nil {
		return hfp.Disconnected
	}
	return t.rfcomm.State()
}
