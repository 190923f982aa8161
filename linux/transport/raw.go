//go:build linux
// +build linux

package transport

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/rigado/bluealsa/linux/socket"
)

// RawWorkers copy audio between the PCM clients and the Bluetooth socket as
// is. They serve SCO links whose codec is done by the controller and MIDI.
func RawWorkers() Workers {
	return Workers{Sink: rawSink, Source: rawSource}
}

type readDeadliner interface {
	SetReadDeadline(time.Time) error
}

// openBT gives the worker its own copy of the Bluetooth socket. The copy is
// closed when ctx is done, which unblocks a pending read.
func openBT(ctx context.Context, pcm *PCM) (*socket.Socket, error) {
	fd, err := pcm.t.dupBT()
	if err != nil {
		return nil, err
	}
	bt := socket.New(fd)
	context.AfterFunc(ctx, func() { bt.Close() })
	return bt, nil
}

func waitClient(ctx context.Context, pcm *PCM) (io.ReadWriteCloser, error) {
	for {
		if c := pcm.Client(); c != nil {
			return c, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-pcm.Attached():
		}
	}
}

// dropClient closes a client which failed and lets the transport go idle.
func dropClient(pcm *PCM, err error) {
	if errors.Cause(err) != io.EOF {
		pcm.t.log.Debugf("%s pcm client failed: %v", pcm.name, err)
	}
	pcm.Release()
	pcm.t.StopIfIdle()
}

// rawSink moves client data to the Bluetooth socket.
func rawSink(ctx context.Context, pcm *PCM) error {
	bt, err := openBT(ctx, pcm)
	if err != nil {
		return err
	}
	defer bt.Close()

	_, mtu := pcm.t.MTU()
	buf := make([]byte, mtu)

	for {
		client, err := waitClient(ctx, pcm)
		if err != nil {
			return err
		}

		var stop func() bool
		if d, ok := client.(readDeadliner); ok {
			d.SetReadDeadline(time.Time{})
			stop = context.AfterFunc(ctx, func() { d.SetReadDeadline(time.Now()) })
		}

		n, err := client.Read(buf)
		if stop != nil {
			stop()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			dropClient(pcm, err)
			continue
		}

		if _, err := bt.Write(buf[:n]); err != nil {
			return errors.Wrap(err, "BT write error")
		}
	}
}

// rawSource moves Bluetooth data to the client. Without a client the data is
// dropped, so the link keeps its timing.
func rawSource(ctx context.Context, pcm *PCM) error {
	bt, err := openBT(ctx, pcm)
	if err != nil {
		return err
	}
	defer bt.Close()

	mtu, _ := pcm.t.MTU()
	buf := make([]byte, mtu)

	for {
		n, err := bt.Read(buf)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			return errors.Wrap(err, "BT read error")
		}

		client := pcm.Client()
		if client == nil {
			continue
		}
		if _, err := client.Write(buf[:n]); err != nil {
			dropClient(pcm, err)
		}
	}
}
