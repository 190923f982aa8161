//go:build linux
// +build linux

package bluez

import (
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/rigado/bluealsa"
	"github.com/rigado/bluealsa/linux/socket"
	"github.com/rigado/bluealsa/linux/transport"
	"golang.org/x/sys/unix"
)

const profileRoot = "/org/bluez/bluealsa/profile/"

// hfpVersion is the HFP version advertised in SDP (1.7).
const hfpVersion = 0x0107

// ProfileHandler is the org.bluez.Profile1 object of one HFP/HSP profile.
// BlueZ hands it the RFCOMM socket of every new connection.
type ProfileHandler struct {
	conn     *Conn
	profile  bluealsa.Profile
	path     dbus.ObjectPath
	registry *transport.Registry
	cfg      *bluealsa.Config
	pipeline transport.Pipeline
	log      bluealsa.Logger

	// sco returns the capability opening the audio link of a device
	sco func(d *transport.Device) transport.Capability
}

func NewProfileHandler(conn *Conn, p bluealsa.Profile, registry *transport.Registry,
	sco func(d *transport.Device) transport.Capability, pl transport.Pipeline, cfg *bluealsa.Config) (*ProfileHandler, error) {

	if _, ok := profileUUIDs[p]; !ok || !p.IsSCO() {
		return nil, wrap(bluealsa.ErrNotSupported, "new-profile", "Profile is not HFP or HSP")
	}

	return &ProfileHandler{
		conn:     conn,
		profile:  p,
		path:     dbus.ObjectPath(profileRoot + profileSuffix(p)),
		registry: registry,
		cfg:      cfg,
		pipeline: pl,
		sco:      sco,
		log:      conn.log.ChildLogger(map[string]interface{}{"profile": p.String()}),
	}, nil
}

// profileSuffix names the transports of p below their device, e.g. hfpag.
func profileSuffix(p bluealsa.Profile) string {
	return strings.ToLower(strings.Replace(p.String(), "-", "", -1))
}

func (h *ProfileHandler) Path() dbus.ObjectPath { return h.path }

// Register exports the handler and registers the profile with BlueZ.
func (h *ProfileHandler) Register() error {
	if err := h.conn.bus.Export(h, h.path, profileIface); err != nil {
		return wrap(err, "export-profile", "Cannot export profile object")
	}

	u := profileUUIDs[h.profile]
	opts := map[string]dbus.Variant{
		"Name": dbus.MakeVariant("BlueALSA " + h.profile.String()),
	}
	if h.profile.IsHFP() {
		opts["Version"] = dbus.MakeVariant(uint16(hfpVersion))
		// SDP carries the low five feature bits only
		opts["Features"] = dbus.MakeVariant(uint16(h.cfg.FeaturesFor(h.profile.IsAG()) & 0x1f))
	}

	pm := h.conn.Object("/org/bluez")
	if err := pm.Call(profileManagerIface+".RegisterProfile", 0, h.path, u.String(), opts).Err; err != nil {
		h.conn.bus.Export(nil, h.path, profileIface)
		return wrap(err, "register-profile", "Cannot register profile")
	}

	h.log.Infof("registered profile %s", u)
	return nil
}

// Unregister reverses Register.
func (h *ProfileHandler) Unregister() error {
	pm := h.conn.Object("/org/bluez")
	err := pm.Call(profileManagerIface+".UnregisterProfile", 0, h.path).Err
	h.conn.bus.Export(nil, h.path, profileIface)
	if err != nil && !isGone(err) {
		return wrap(err, "unregister-profile", "Cannot unregister profile")
	}
	return nil
}

func (h *ProfileHandler) transportPath(dev dbus.ObjectPath) string {
	return string(dev) + "/" + profileSuffix(h.profile)
}

// NewConnection creates the transport of a connected device. The RFCOMM
// socket is owned by its engine from now on.
func (h *ProfileHandler) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, props map[string]dbus.Variant) *dbus.Error {
	addr, err := bluealsa.AddrFromPath(string(dev))
	if err != nil {
		unix.Close(int(fd))
		return dbus.MakeFailedError(err)
	}

	path := h.transportPath(dev)
	if old, ok := h.registry.Transport(path); ok {
		h.log.Warnf("replacing transport %s", path)
		old.Destroy()
		old.Unref()
	}

	d := h.registry.Device(addr)
	t, err := transport.NewSCO(d, h.profile, path, h.sco(d), h.pipeline, socket.New(int(fd)), h.cfg)
	if err != nil {
		unix.Close(int(fd))
		return dbus.MakeFailedError(err)
	}

	h.log.Infof("new %s connection from %s", h.profile, addr)
	h.log.Debugf("transport %s", t.Path())
	return nil
}

// RequestDisconnection destroys the transport of dev.
func (h *ProfileHandler) RequestDisconnection(dev dbus.ObjectPath) *dbus.Error {
	t, ok := h.registry.Transport(h.transportPath(dev))
	if !ok {
		return nil
	}
	h.log.Infof("disconnecting %s", dev)
	t.Destroy()
	t.Unref()
	return nil
}

// Release is called when BlueZ unregisters the profile.
func (h *ProfileHandler) Release() *dbus.Error {
	h.log.Infof("profile released")
	return nil
}
