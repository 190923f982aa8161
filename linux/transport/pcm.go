package transport

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rigado/bluealsa"
)

// PCMState is the life cycle of a PCM worker.
type PCMState int

const (
	PCMIdle PCMState = iota
	PCMRunning
	PCMStopping
	PCMTerminated
)

var pcmStateNames = []string{
	PCMIdle:       "idle",
	PCMRunning:    "running",
	PCMStopping:   "stopping",
	PCMTerminated: "terminated",
}

func (s PCMState) String() string {
	if int(s) >= 0 && int(s) < len(pcmStateNames) {
		return pcmStateNames[s]
	}
	return "unknown"
}

// Mode tells whether clients write to (sink) or read from (source) a PCM.
type Mode int

const (
	ModeSink Mode = iota
	ModeSource
)

func (m Mode) String() string {
	if m == ModeSink {
		return "sink"
	}
	return "source"
}

// Worker is the audio pipeline of one PCM direction. It runs until ctx is
// cancelled, checking ctx between blocking operations.
type Worker func(ctx context.Context, pcm *PCM) error

// Volume is a PCM volume level in hundredths of a dB.
type Volume struct {
	Level int
	Muted bool
}

// PCM is one audio direction of a transport.
type PCM struct {
	t    *Transport
	mode Mode
	name string

	maxBTVolume int
	softVolume  bool

	// clientMu is always taken before mu
	clientMu sync.Mutex
	client   io.ReadWriteCloser
	attached chan struct{}

	mu       sync.Mutex
	changed  *sync.Cond
	state    PCMState
	cancel   context.CancelFunc
	done     chan struct{}
	volume   Volume
	sampling uint32
	channels int
}

func newPCM(t *Transport, mode Mode, name string, maxBTVolume int) *PCM {
	p := &PCM{
		t:           t,
		mode:        mode,
		name:        name,
		maxBTVolume: maxBTVolume,
		attached:    make(chan struct{}, 1),
		channels:    1,
	}
	p.changed = sync.NewCond(&p.mu)
	return p
}

func (p *PCM) Transport() *Transport { return p.t }
func (p *PCM) Mode() Mode            { return p.mode }
func (p *PCM) Name() string          { return p.name }

func (p *PCM) State() PCMState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *PCM) IsIdle() bool       { return p.State() == PCMIdle }
func (p *PCM) IsTerminated() bool { return p.State() == PCMTerminated }

// Start runs w in a new goroutine. The PCM has to be idle.
func (p *PCM) Start(w Worker, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != PCMIdle {
		return errors.Wrapf(bluealsa.ErrInvalidState, "%s pcm is %s", p.name, p.state)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done
	p.setStateLocked(PCMRunning)

	log := p.t.log.ChildLogger(map[string]interface{}{"worker": name})
	go func() {
		defer close(done)
		defer cancel()

		log.Debugf("starting %s worker", p.name)
		if err := w(ctx, p); err != nil && ctx.Err() == nil {
			log.Errorf("%s worker failed: %v", p.name, err)
		}
		log.Debugf("%s worker exited", p.name)

		p.mu.Lock()
		p.setStateLocked(PCMTerminated)
		p.mu.Unlock()
	}()

	return nil
}

// Stop cancels the worker and waits for it to exit. A PCM which was never
// started is marked terminated right away.
func (p *PCM) Stop() {
	p.mu.Lock()
	switch p.state {
	case PCMIdle:
		p.setStateLocked(PCMTerminated)
		p.mu.Unlock()
		return
	case PCMTerminated:
		p.mu.Unlock()
		return
	}

	p.setStateLocked(PCMStopping)
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	cancel()
	<-done
}

// markStoppingLocked flags a running worker for cancellation. Caller holds mu.
func (p *PCM) markStoppingLocked() {
	if p.state == PCMRunning {
		p.setStateLocked(PCMStopping)
	}
}

// resetLocked brings a terminated PCM back to idle. Caller holds mu.
func (p *PCM) resetLocked() {
	if p.state == PCMTerminated {
		p.setStateLocked(PCMIdle)
	}
}

func (p *PCM) setStateLocked(s PCMState) {
	p.state = s
	p.changed.Broadcast()
}

// WaitRunning waits until the worker is running. It fails when the worker
// terminates first or timeout elapses.
func (p *PCM) WaitRunning(timeout time.Duration) error {
	timer := time.AfterFunc(timeout, func() {
		p.mu.Lock()
		p.changed.Broadcast()
		p.mu.Unlock()
	})
	defer timer.Stop()

	deadline := time.Now().Add(timeout)

	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		switch p.state {
		case PCMRunning:
			return nil
		case PCMStopping, PCMTerminated:
			return errors.Wrapf(bluealsa.ErrInvalidState, "%s pcm is %s", p.name, p.state)
		}
		if !time.Now().Before(deadline) {
			return errors.Errorf("%s pcm not running after %v", p.name, timeout)
		}
		p.changed.Wait()
	}
}

// Attach connects a client to the PCM.
func (p *PCM) Attach(client io.ReadWriteCloser) error {
	p.clientMu.Lock()
	defer p.clientMu.Unlock()

	if p.client != nil {
		return errors.Wrapf(bluealsa.ErrBusy, "%s pcm already has a client", p.name)
	}
	p.client = client

	select {
	case p.attached <- struct{}{}:
	default:
	}
	return nil
}

// Attached is signalled whenever a client attaches.
func (p *PCM) Attached() <-chan struct{} {
	return p.attached
}

// Client returns the attached client, nil when there is none.
func (p *PCM) Client() io.ReadWriteCloser {
	p.clientMu.Lock()
	defer p.clientMu.Unlock()
	return p.client
}

// Release disconnects the client.
func (p *PCM) Release() {
	p.clientMu.Lock()
	defer p.clientMu.Unlock()
	p.releaseLocked()
}

func (p *PCM) releaseLocked() {
	if p.client == nil {
		return
	}
	p.t.log.Debugf("closing %s pcm client", p.name)
	p.client.Close()
	p.client = nil
}

func (p *PCM) Volume() Volume {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volume
}

// SetVolume changes the host volume and reports it to the remote device.
func (p *PCM) SetVolume(v Volume) {
	p.mu.Lock()
	p.volume = v
	p.mu.Unlock()
	p.t.volumeChanged(p)
}

// Gain returns the volume on the Bluetooth scale, 0 when muted.
func (p *PCM) Gain() int {
	v := p.Volume()
	if v.Muted {
		return 0
	}
	return bluealsa.VolumeLevelToBT(v.Level, p.maxBTVolume)
}

// setGain applies a volume reported by the remote device. Software volume
// PCMs keep their level.
func (p *PCM) setGain(gain int) bool {
	if p.softVolume {
		return false
	}
	p.mu.Lock()
	p.volume.Level = bluealsa.VolumeBTToLevel(gain, p.maxBTVolume)
	p.mu.Unlock()
	return true
}

func (p *PCM) Sampling() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sampling
}

func (p *PCM) setSampling(rate uint32, channels int) {
	p.mu.Lock()
	p.sampling = rate
	p.channels = channels
	p.mu.Unlock()
}

func (p *PCM) Channels() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channels
}
