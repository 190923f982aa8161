package transport

import (
	"context"

	"github.com/pkg/errors"
)

// Link is an acquired Bluetooth audio socket.
type Link struct {
	FD       int
	MTURead  int
	MTUWrite int
}

// Capability acquires and releases the Bluetooth socket of a transport. It
// is called with the transport socket lock held.
type Capability interface {
	Acquire(t *Transport) (Link, error)
	Release(t *Transport, fd int) error
}

// Configurer is implemented by capabilities which can ask the remote
// endpoint for a new codec configuration.
type Configurer interface {
	Configure(ctx context.Context, t *Transport, target CodecTarget) error
}

// CodecTarget is the codec requested with SelectCodec.
type CodecTarget struct {
	ID uint16
	// Configuration is the A2DP codec configuration blob.
	Configuration []byte
	// Endpoint is the remote A2DP stream end-point.
	Endpoint string
}

// Pipeline starts the PCM workers of a transport.
type Pipeline interface {
	Start(t *Transport) error
}

// Workers is a Pipeline with one worker per direction. A nil worker leaves
// its PCM idle.
type Workers struct {
	Sink   Worker
	Source Worker
}

func (w Workers) Start(t *Transport) error {
	if w.Sink != nil {
		if err := t.Sink().Start(w.Sink, t.workerName(ModeSink)); err != nil {
			return err
		}
	}
	if w.Source != nil {
		if err := t.Source().Start(w.Source, t.workerName(ModeSource)); err != nil {
			return errors.Wrap(err, "can't start source worker")
		}
	}
	return nil
}
