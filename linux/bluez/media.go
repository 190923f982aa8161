package bluez

import (
	"context"

	"github.com/godbus/dbus/v5"
	"github.com/rigado/bluealsa/linux/transport"
	"golang.org/x/sys/unix"
)

// MediaTransport acquires A2DP sockets from a BlueZ MediaTransport1 object.
type MediaTransport struct {
	conn *Conn
	path dbus.ObjectPath
	// endpoint is the local MediaEndpoint1 a new configuration is set for
	endpoint dbus.ObjectPath
}

func NewMediaTransport(conn *Conn, path, endpoint dbus.ObjectPath) *MediaTransport {
	return &MediaTransport{conn: conn, path: path, endpoint: endpoint}
}

func (m *MediaTransport) Acquire(t *transport.Transport) (transport.Link, error) {
	// a pending transport was activated by the remote device
	method := "Acquire"
	if t.A2DPState() == transport.A2DPPending {
		method = "TryAcquire"
	}

	var fd dbus.UnixFD
	var mtuRead, mtuWrite uint16
	call := m.conn.Object(m.path).Call(mediaTransportIface+"."+method, 0)
	if err := call.Store(&fd, &mtuRead, &mtuWrite); err != nil {
		return transport.Link{}, wrap(err, "media-transport-acquire", "Cannot acquire media transport")
	}

	// a short output queue keeps the audio delay low
	if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, int(mtuWrite)*3); err != nil {
		m.conn.log.Warnf("couldn't set socket output buffer size: %v", err)
	}

	return transport.Link{FD: int(fd), MTURead: int(mtuRead), MTUWrite: int(mtuWrite)}, nil
}

func (m *MediaTransport) Release(t *transport.Transport, fd int) error {
	// an idle transport was not acquired or BlueZ released it already
	if t.A2DPState() != transport.A2DPIdle {
		m.conn.log.Debugf("releasing A2DP transport: %d", fd)
		err := m.conn.Object(m.path).Call(mediaTransportIface+".Release", 0).Err
		if err != nil && !isGone(err) {
			return wrap(err, "media-transport-release", "Cannot release media transport")
		}
	}

	m.conn.log.Debugf("closing A2DP transport: %d", fd)
	unix.Close(fd)
	return nil
}

// Configure asks the remote stream end-point for a new configuration.
func (m *MediaTransport) Configure(ctx context.Context, t *transport.Transport, target transport.CodecTarget) error {
	props := map[string]dbus.Variant{
		"Capabilities": dbus.MakeVariant(target.Configuration),
	}
	sep := m.conn.Object(dbus.ObjectPath(target.Endpoint))
	if err := sep.CallWithContext(ctx, mediaEndpointIface+".SetConfiguration", 0, m.endpoint, props).Err; err != nil {
		return wrap(err, "set-configuration", "Cannot set remote end-point configuration")
	}

	t.SetCodecConfiguration(target.ID, target.Configuration)
	return nil
}

// MIDICharacteristic acquires the notification socket of the BLE MIDI
// characteristic.
type MIDICharacteristic struct {
	conn *Conn
	path dbus.ObjectPath
}

func NewMIDICharacteristic(conn *Conn, path dbus.ObjectPath) *MIDICharacteristic {
	return &MIDICharacteristic{conn: conn, path: path}
}

func (m *MIDICharacteristic) Acquire(t *transport.Transport) (transport.Link, error) {
	var fd dbus.UnixFD
	var mtu uint16
	call := m.conn.Object(m.path).Call(gattCharIface+".AcquireNotify", 0, map[string]dbus.Variant{})
	if err := call.Store(&fd, &mtu); err != nil {
		return transport.Link{}, wrap(err, "midi-acquire-notify", "Cannot acquire MIDI notifications")
	}
	return transport.Link{FD: int(fd), MTURead: int(mtu), MTUWrite: int(mtu)}, nil
}

func (m *MIDICharacteristic) Release(t *transport.Transport, fd int) error {
	return unix.Close(fd)
}
