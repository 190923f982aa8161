package transport

import (
	"sort"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rigado/bluealsa"
	"github.com/rigado/bluealsa/eventbus"
)

// Device is a remote Bluetooth device and its transports.
type Device struct {
	addr    bluealsa.Addr
	adapter string
	bus     *eventbus.Bus

	transports *xsync.MapOf[string, *Transport]

	mu      sync.Mutex
	battery int
	xapl    bluealsa.XAPL
	docked  bool
}

func newDevice(adapter string, addr bluealsa.Addr, bus *eventbus.Bus) *Device {
	return &Device{
		addr:       addr,
		adapter:    adapter,
		bus:        bus,
		transports: xsync.NewMapOf[string, *Transport](),
		battery:    -1,
	}
}

func (d *Device) Addr() bluealsa.Addr { return d.addr }
func (d *Device) Adapter() string     { return d.adapter }

func (d *Device) attach(t *Transport) {
	d.transports.Store(t.path, t)
}

// unref drops a reference of t and reports whether it was the last one. The
// last reference detaches t before the caller frees it.
func (d *Device) unref(t *Transport) bool {
	last := false
	d.transports.Compute(t.path, func(cur *Transport, loaded bool) (*Transport, bool) {
		if t.refs.Add(-1) > 0 {
			return cur, !loaded
		}
		last = true
		// a newer transport may live under the same path
		return cur, !loaded || cur == t
	})
	return last
}

// Lookup returns the transport at path with a reference taken.
func (d *Device) Lookup(path string) (*Transport, bool) {
	var found *Transport
	d.transports.Compute(path, func(cur *Transport, loaded bool) (*Transport, bool) {
		if loaded {
			cur.refs.Add(1)
			found = cur
		}
		return cur, !loaded
	})
	return found, found != nil
}

// Transports returns the transports of the device ordered by path.
func (d *Device) Transports() []*Transport {
	var out []*Transport
	d.transports.Range(func(_ string, t *Transport) bool {
		out = append(out, t)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].path < out[j].path })
	return out
}

// Battery returns the remote battery level in percent, -1 when unknown.
func (d *Device) Battery() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.battery
}

func (d *Device) SetBattery(level int) {
	d.mu.Lock()
	d.battery = level
	d.mu.Unlock()

	d.publish(eventbus.Event{Kind: eventbus.KindBattery, Device: d.addr, Battery: level})
}

func (d *Device) XAPL() bluealsa.XAPL {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.xapl
}

func (d *Device) SetXAPL(x bluealsa.XAPL) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.xapl = x
}

func (d *Device) Docked() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.docked
}

func (d *Device) SetDocked(docked bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.docked = docked
}

func (d *Device) publish(e eventbus.Event) {
	if e.Device == "" {
		e.Device = d.addr
	}
	d.bus.Publish(e)
}

// Registry keeps the known devices.
type Registry struct {
	adapter string
	bus     *eventbus.Bus
	devices *xsync.MapOf[bluealsa.Addr, *Device]
}

// NewRegistry returns an empty registry for the devices of adapter (e.g.
// hci0). Events are published on bus, which may be nil.
func NewRegistry(adapter string, bus *eventbus.Bus) *Registry {
	return &Registry{
		adapter: adapter,
		bus:     bus,
		devices: xsync.NewMapOf[bluealsa.Addr, *Device](),
	}
}

// Device returns the device with addr, creating it when unknown.
func (r *Registry) Device(addr bluealsa.Addr) *Device {
	d, _ := r.devices.LoadOrCompute(addr, func() *Device {
		return newDevice(r.adapter, addr, r.bus)
	})
	return d
}

func (r *Registry) Lookup(addr bluealsa.Addr) (*Device, bool) {
	return r.devices.Load(addr)
}

// Transport finds a transport by path with a reference taken.
func (r *Registry) Transport(path string) (*Transport, bool) {
	addr, err := bluealsa.AddrFromPath(path)
	if err != nil {
		return nil, false
	}
	d, ok := r.devices.Load(addr)
	if !ok {
		return nil, false
	}
	return d.Lookup(path)
}

// Transports returns the transports of all devices.
func (r *Registry) Transports() []*Transport {
	var out []*Transport
	r.devices.Range(func(_ bluealsa.Addr, d *Device) bool {
		out = append(out, d.Transports()...)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].path < out[j].path })
	return out
}

// Remove destroys the transports of the device and forgets it.
func (r *Registry) Remove(addr bluealsa.Addr) {
	d, ok := r.devices.LoadAndDelete(addr)
	if !ok {
		return
	}
	for _, t := range d.Transports() {
		t.Destroy()
	}
}

// Close destroys every transport.
func (r *Registry) Close() {
	r.devices.Range(func(addr bluealsa.Addr, _ *Device) bool {
		r.Remove(addr)
		return true
	})
}

// SetHostBattery reports the host battery to all HFP devices.
func (r *Registry) SetHostBattery(b bluealsa.Battery) {
	for _, t := range r.Transports() {
		t.SetHostBattery(b)
	}
}
