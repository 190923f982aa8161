// Package bluez binds transports to the BlueZ daemon over D-Bus.
package bluez

import (
	"context"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rigado/bluealsa"
)

const (
	bluezService = "org.bluez"

	mediaTransportIface = "org.bluez.MediaTransport1"
	mediaEndpointIface  = "org.bluez.MediaEndpoint1"
	gattCharIface       = "org.bluez.GattCharacteristic1"
	profileIface        = "org.bluez.Profile1"
	profileManagerIface = "org.bluez.ProfileManager1"

	propertiesIface = "org.freedesktop.DBus.Properties"
	objManagerIface = "org.freedesktop.DBus.ObjectManager"
)

// Service class UUIDs.
var (
	UUIDA2DPSource = uuid.MustParse("0000110a-0000-1000-8000-00805f9b34fb")
	UUIDA2DPSink   = uuid.MustParse("0000110b-0000-1000-8000-00805f9b34fb")
	UUIDHSPHS      = uuid.MustParse("00001108-0000-1000-8000-00805f9b34fb")
	UUIDHSPAG      = uuid.MustParse("00001112-0000-1000-8000-00805f9b34fb")
	UUIDHFPHF      = uuid.MustParse("0000111e-0000-1000-8000-00805f9b34fb")
	UUIDHFPAG      = uuid.MustParse("0000111f-0000-1000-8000-00805f9b34fb")
	UUIDMIDI       = uuid.MustParse("03b80e5a-ede8-4b33-a751-6ce34ec4c700")
)

var profileUUIDs = map[bluealsa.Profile]uuid.UUID{
	bluealsa.ProfileA2DPSource: UUIDA2DPSource,
	bluealsa.ProfileA2DPSink:   UUIDA2DPSink,
	bluealsa.ProfileHSPHS:      UUIDHSPHS,
	bluealsa.ProfileHSPAG:      UUIDHSPAG,
	bluealsa.ProfileHFPHF:      UUIDHFPHF,
	bluealsa.ProfileHFPAG:      UUIDHFPAG,
	bluealsa.ProfileMIDI:       UUIDMIDI,
}

// ProfileUUID returns the service class UUID BlueZ knows the profile by.
func ProfileUUID(p bluealsa.Profile) (uuid.UUID, bool) {
	u, ok := profileUUIDs[p]
	return u, ok
}

// ProfileFromUUID maps a service class UUID, in any letter case, to the
// local profile.
func ProfileFromUUID(s string) (bluealsa.Profile, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return bluealsa.ProfileNone, errors.Wrapf(err, "invalid UUID %q", s)
	}
	for p, pu := range profileUUIDs {
		if pu == u {
			return p, nil
		}
	}
	return bluealsa.ProfileNone, errors.Wrapf(bluealsa.ErrNotSupported, "profile UUID %s", u)
}

// Conn is a connection to the BlueZ daemon.
type Conn struct {
	bus *dbus.Conn
	log bluealsa.Logger

	object func(path dbus.ObjectPath) dbus.BusObject
}

// Connect opens the system bus.
func Connect() (*Conn, error) {
	bus, err := dbus.SystemBus()
	if err != nil {
		return nil, wrap(err, "system-bus", "Cannot connect to the system bus")
	}
	return newConn(bus), nil
}

func newConn(bus *dbus.Conn) *Conn {
	return &Conn{
		bus: bus,
		log: bluealsa.GetLogger().ChildLogger(map[string]interface{}{"component": "bluez"}),
		object: func(path dbus.ObjectPath) dbus.BusObject {
			return bus.Object(bluezService, path)
		},
	}
}

// Object returns the BlueZ object at path.
func (c *Conn) Object(path dbus.ObjectPath) dbus.BusObject {
	return c.object(path)
}

func (c *Conn) Close() error {
	if c.bus == nil {
		return nil
	}
	return c.bus.Close()
}

func wrap(err error, where, msg string) error {
	return fault.Wrap(err,
		fctx.With(context.Background(), "error_at", where),
		ftag.With(ftag.Internal),
		fmsg.With(msg),
	)
}

// dbusErrorName returns the D-Bus error name carried by err.
func dbusErrorName(err error) string {
	var de dbus.Error
	if errors.As(err, &de) {
		return de.Name
	}
	var dp *dbus.Error
	if errors.As(err, &dp) {
		return dp.Name
	}
	return ""
}

// isGone reports errors BlueZ returns when it already dropped the object
// or is going away. Releasing such a transport is not a failure.
func isGone(err error) bool {
	switch dbusErrorName(err) {
	case "org.freedesktop.DBus.Error.NoReply",
		"org.freedesktop.DBus.Error.ServiceUnknown",
		"org.freedesktop.DBus.Error.UnknownObject":
		return true
	}
	return false
}
