package bluez

import (
	"context"

	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
	"github.com/rigado/bluealsa"
	"github.com/rigado/bluealsa/linux/transport"
)

const signalQueueSize = 16

// Watcher follows the MediaTransport1 objects of BlueZ: new objects become
// A2DP transports, state changes drive them and removed objects destroy them.
type Watcher struct {
	conn     *Conn
	registry *transport.Registry
	cfg      *bluealsa.Config
	pipeline transport.Pipeline
	endpoint dbus.ObjectPath
	log      bluealsa.Logger
}

// NewWatcher returns a watcher creating transports in registry. endpoint is
// the local MediaEndpoint1 used for codec reconfiguration.
func NewWatcher(conn *Conn, registry *transport.Registry, pl transport.Pipeline,
	endpoint dbus.ObjectPath, cfg *bluealsa.Config) *Watcher {

	return &Watcher{
		conn:     conn,
		registry: registry,
		cfg:      cfg,
		pipeline: pl,
		endpoint: endpoint,
		log:      conn.log.ChildLogger(map[string]interface{}{"watcher": mediaTransportIface}),
	}
}

// Run handles BlueZ signals until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	matches := [][]dbus.MatchOption{
		{
			dbus.WithMatchInterface(propertiesIface),
			dbus.WithMatchMember("PropertiesChanged"),
			dbus.WithMatchArg(0, mediaTransportIface),
		},
		{dbus.WithMatchInterface(objManagerIface), dbus.WithMatchMember("InterfacesAdded")},
		{dbus.WithMatchInterface(objManagerIface), dbus.WithMatchMember("InterfacesRemoved")},
	}
	for _, m := range matches {
		if err := w.conn.bus.AddMatchSignal(m...); err != nil {
			return wrap(err, "add-match-signal", "Cannot subscribe to BlueZ signals")
		}
		defer w.conn.bus.RemoveMatchSignal(m...)
	}

	ch := make(chan *dbus.Signal, signalQueueSize)
	w.conn.bus.Signal(ch)
	defer w.conn.bus.RemoveSignal(ch)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-ch:
			if !ok {
				return errors.New("D-Bus connection closed")
			}
			w.handle(sig)
		}
	}
}

func (w *Watcher) handle(sig *dbus.Signal) {
	switch sig.Name {
	case propertiesIface + ".PropertiesChanged":
		w.propertiesChanged(sig)
	case objManagerIface + ".InterfacesAdded":
		w.interfacesAdded(sig)
	case objManagerIface + ".InterfacesRemoved":
		w.interfacesRemoved(sig)
	}
}

func (w *Watcher) propertiesChanged(sig *dbus.Signal) {
	var iface string
	var changed map[string]dbus.Variant
	var invalidated []string
	if err := dbus.Store(sig.Body, &iface, &changed, &invalidated); err != nil {
		w.log.Warnf("invalid PropertiesChanged signal: %v", err)
		return
	}
	if iface != mediaTransportIface {
		return
	}

	v, ok := changed["State"]
	if !ok {
		return
	}
	name, _ := v.Value().(string)
	state, err := transport.ParseA2DPState(name)
	if err != nil {
		w.log.Warnf("%s: %v", sig.Path, err)
		return
	}

	t, ok := w.registry.Transport(string(sig.Path))
	if !ok {
		return
	}
	defer t.Unref()

	w.log.Debugf("transport %s state: %s", sig.Path, state)
	if err := t.SetA2DPState(state); err != nil {
		w.log.Errorf("couldn't apply transport state %s: %v", state, err)
	}
}

func (w *Watcher) interfacesAdded(sig *dbus.Signal) {
	var path dbus.ObjectPath
	var ifaces map[string]map[string]dbus.Variant
	if err := dbus.Store(sig.Body, &path, &ifaces); err != nil {
		w.log.Warnf("invalid InterfacesAdded signal: %v", err)
		return
	}
	props, ok := ifaces[mediaTransportIface]
	if !ok {
		return
	}

	if _, err := w.addTransport(path, props); err != nil {
		w.log.Errorf("couldn't create transport %s: %v", path, err)
	}
}

// addTransport creates the A2DP transport of a MediaTransport1 object.
func (w *Watcher) addTransport(path dbus.ObjectPath, props map[string]dbus.Variant) (*transport.Transport, error) {
	var uuidStr string
	var codec byte
	var configuration []byte
	var state string
	var device dbus.ObjectPath

	for k, dst := range map[string]interface{}{
		"UUID":          &uuidStr,
		"Codec":         &codec,
		"Configuration": &configuration,
		"Device":        &device,
	} {
		v, ok := props[k]
		if !ok {
			return nil, errors.Errorf("missing %s property", k)
		}
		if err := dbus.Store([]interface{}{v.Value()}, dst); err != nil {
			return nil, errors.Wrapf(err, "invalid %s property", k)
		}
	}
	if v, ok := props["State"]; ok {
		state, _ = v.Value().(string)
	}

	p, err := ProfileFromUUID(uuidStr)
	if err != nil {
		return nil, err
	}
	addr, err := bluealsa.AddrFromPath(string(device))
	if err != nil {
		return nil, err
	}

	d := w.registry.Device(addr)
	c := NewMediaTransport(w.conn, path, w.endpoint)
	t, err := transport.NewA2DP(d, p, string(path), c, w.pipeline, uint16(codec), configuration, w.cfg)
	if err != nil {
		return nil, err
	}
	w.log.Infof("new %s transport %s (%s)", p, path, bluealsa.CodecName(p, uint16(codec)))

	if state != "" {
		s, err := transport.ParseA2DPState(state)
		if err != nil {
			return t, err
		}
		if err := t.SetA2DPState(s); err != nil {
			return t, err
		}
	}
	return t, nil
}

func (w *Watcher) interfacesRemoved(sig *dbus.Signal) {
	var path dbus.ObjectPath
	var ifaces []string
	if err := dbus.Store(sig.Body, &path, &ifaces); err != nil {
		w.log.Warnf("invalid InterfacesRemoved signal: %v", err)
		return
	}

	for _, iface := range ifaces {
		if iface != mediaTransportIface {
			continue
		}
		t, ok := w.registry.Transport(string(path))
		if !ok {
			return
		}
		w.log.Infof("transport %s removed", path)
		t.Destroy()
		t.Unref()
		return
	}
}
