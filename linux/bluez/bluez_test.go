package bluez

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
	"github.com/rigado/bluealsa"
	"github.com/rigado/bluealsa/eventbus"
	"github.com/rigado/bluealsa/linux/transport"
	"golang.org/x/sys/unix"
)

const (
	devicePath    = dbus.ObjectPath("/org/bluez/hci0/dev_00_11_22_33_44_55")
	transportPath = devicePath + "/sep1/fd0"
	endpointPath  = dbus.ObjectPath("/MediaEndpoint/A2DPSource/SBC")
)

type busCall struct {
	path   dbus.ObjectPath
	method string
	args   []interface{}
}

// fakeBus answers method calls from a table keyed by method name.
type fakeBus struct {
	mu      sync.Mutex
	calls   []busCall
	replies map[string]func(args []interface{}) *dbus.Call
}

func newFakeBus() *fakeBus {
	return &fakeBus{replies: map[string]func([]interface{}) *dbus.Call{}}
}

func (b *fakeBus) reply(method string, f func(args []interface{}) *dbus.Call) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.replies[method] = f
}

func (b *fakeBus) last() busCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[len(b.calls)-1]
}

func (b *fakeBus) conn() *Conn {
	return &Conn{
		log: bluealsa.GetLogger(),
		object: func(path dbus.ObjectPath) dbus.BusObject {
			return &fakeObject{bus: b, path: path}
		},
	}
}

type fakeObject struct {
	dbus.BusObject
	bus  *fakeBus
	path dbus.ObjectPath
}

func (o *fakeObject) Call(method string, flags dbus.Flags, args ...interface{}) *dbus.Call {
	o.bus.mu.Lock()
	o.bus.calls = append(o.bus.calls, busCall{path: o.path, method: method, args: args})
	f := o.bus.replies[method]
	o.bus.mu.Unlock()

	if f == nil {
		return &dbus.Call{}
	}
	return f(args)
}

func (o *fakeObject) CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...interface{}) *dbus.Call {
	return o.Call(method, flags, args...)
}

// fdReply answers an acquire with one end of a new socket pair.
func fdReply(t *testing.T, mtus ...uint16) func([]interface{}) *dbus.Call {
	return func([]interface{}) *dbus.Call {
		fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
		if err != nil {
			t.Fatalf("socketpair: %v", err)
		}
		t.Cleanup(func() { unix.Close(fds[1]) })

		body := []interface{}{dbus.UnixFD(fds[0])}
		for _, m := range mtus {
			body = append(body, m)
		}
		return &dbus.Call{Body: body}
	}
}

func errReply(name string) func([]interface{}) *dbus.Call {
	return func([]interface{}) *dbus.Call {
		return &dbus.Call{Err: dbus.Error{Name: name}}
	}
}

func newRegistry(t *testing.T) *transport.Registry {
	bus := eventbus.New()
	r := transport.NewRegistry("hci0", bus)
	t.Cleanup(func() {
		r.Close()
		bus.Close()
	})
	return r
}

func TestProfileFromUUID(t *testing.T) {
	tests := []struct {
		uuid string
		want bluealsa.Profile
	}{
		{"0000110A-0000-1000-8000-00805F9B34FB", bluealsa.ProfileA2DPSource},
		{"0000110b-0000-1000-8000-00805f9b34fb", bluealsa.ProfileA2DPSink},
		{"0000111f-0000-1000-8000-00805f9b34fb", bluealsa.ProfileHFPAG},
		{"00001108-0000-1000-8000-00805f9b34fb", bluealsa.ProfileHSPHS},
	}
	for _, tt := range tests {
		p, err := ProfileFromUUID(tt.uuid)
		if err != nil || p != tt.want {
			t.Fatalf("%s: %v %v, want %v", tt.uuid, p, err, tt.want)
		}
		if u, _ := ProfileUUID(p); u.String() != strings.ToLower(tt.uuid) {
			t.Fatalf("%v: UUID %s", p, u)
		}
	}

	if _, err := ProfileFromUUID("00001101-0000-1000-8000-00805f9b34fb"); errors.Cause(err) != bluealsa.ErrNotSupported {
		t.Fatalf("serial port UUID: %v", err)
	}
	if _, err := ProfileFromUUID("not-a-uuid"); err == nil {
		t.Fatalf("invalid UUID accepted")
	}
}

func TestIsGone(t *testing.T) {
	for name, want := range map[string]bool{
		"org.freedesktop.DBus.Error.NoReply":        true,
		"org.freedesktop.DBus.Error.ServiceUnknown": true,
		"org.freedesktop.DBus.Error.UnknownObject":  true,
		"org.bluez.Error.NotAuthorized":             false,
	} {
		if got := isGone(dbus.Error{Name: name}); got != want {
			t.Fatalf("%s: %v", name, got)
		}
		wrapped := wrap(&dbus.Error{Name: name}, "test", "wrapped")
		if got := isGone(wrapped); got != want {
			t.Fatalf("wrapped %s: %v", name, got)
		}
	}
	if isGone(errors.New("boom")) {
		t.Fatalf("plain error is gone")
	}
}

func newA2DP(t *testing.T, r *transport.Registry, c transport.Capability, p bluealsa.Profile) *transport.Transport {
	addr, _ := bluealsa.AddrFromPath(string(devicePath))
	cfg := bluealsa.DefaultConfig()
	tr, err := transport.NewA2DP(r.Device(addr), p, string(transportPath), c, transport.Workers{},
		bluealsa.CodecSBC, []byte{0x21, 0x15, 2, 53}, cfg)
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	return tr
}

func TestMediaTransportAcquire(t *testing.T) {
	b := newFakeBus()
	b.reply(mediaTransportIface+".Acquire", fdReply(t, 672, 895))
	b.reply(mediaTransportIface+".TryAcquire", fdReply(t, 672, 672))

	c := NewMediaTransport(b.conn(), transportPath, endpointPath)
	tr := newA2DP(t, newRegistry(t), c, bluealsa.ProfileA2DPSource)

	link, err := c.Acquire(tr)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if link.MTURead != 672 || link.MTUWrite != 895 {
		t.Fatalf("link: %+v", link)
	}
	if call := b.last(); call.path != transportPath || call.method != mediaTransportIface+".Acquire" {
		t.Fatalf("call: %+v", call)
	}

	// idle: no release request
	if err := c.Release(tr, link.FD); err != nil {
		t.Fatalf("release: %v", err)
	}
	if m := b.last().method; m != mediaTransportIface+".Acquire" {
		t.Fatalf("release of idle transport sent %s", m)
	}

	if err := tr.SetA2DPState(transport.A2DPPending); err != nil {
		t.Fatalf("pending: %v", err)
	}
	link, err = c.Acquire(tr)
	if err != nil {
		t.Fatalf("try acquire: %v", err)
	}
	if m := b.last().method; m != mediaTransportIface+".TryAcquire" {
		t.Fatalf("pending transport acquired with %s", m)
	}

	b.reply(mediaTransportIface+".Release", errReply("org.freedesktop.DBus.Error.UnknownObject"))
	if err := c.Release(tr, link.FD); err != nil {
		t.Fatalf("release of removed transport: %v", err)
	}
}

func TestMediaTransportReleaseError(t *testing.T) {
	b := newFakeBus()
	b.reply(mediaTransportIface+".Acquire", fdReply(t, 48, 48))
	b.reply(mediaTransportIface+".Release", errReply("org.bluez.Error.NotAuthorized"))

	c := NewMediaTransport(b.conn(), transportPath, endpointPath)
	tr := newA2DP(t, newRegistry(t), c, bluealsa.ProfileA2DPSource)
	if err := tr.SetA2DPState(transport.A2DPActive); err != nil {
		t.Fatalf("active: %v", err)
	}

	link, err := c.Acquire(tr)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer unix.Close(link.FD)

	if err := c.Release(tr, link.FD); err == nil || dbusErrorName(err) != "org.bluez.Error.NotAuthorized" {
		t.Fatalf("release: %v", err)
	}
}

func TestMediaTransportAcquireError(t *testing.T) {
	b := newFakeBus()
	b.reply(mediaTransportIface+".Acquire", errReply("org.bluez.Error.NotAvailable"))

	c := NewMediaTransport(b.conn(), transportPath, endpointPath)
	tr := newA2DP(t, newRegistry(t), c, bluealsa.ProfileA2DPSource)

	if _, err := tr.Acquire(); dbusErrorName(err) != "org.bluez.Error.NotAvailable" {
		t.Fatalf("acquire: %v", err)
	}
	if tr.BTFD() != -1 {
		t.Fatalf("socket held after failed acquire")
	}
}

func TestMediaTransportConfigure(t *testing.T) {
	b := newFakeBus()
	c := NewMediaTransport(b.conn(), transportPath, endpointPath)
	tr := newA2DP(t, newRegistry(t), c, bluealsa.ProfileA2DPSource)

	aac := []byte{0x80, 0x01, 0x04, 0x83, 0xe8, 0x00}
	sep := devicePath + "/sep2"
	err := tr.SelectCodec(context.Background(), transport.CodecTarget{
		ID:            bluealsa.CodecAAC,
		Configuration: aac,
		Endpoint:      string(sep),
	})
	if err != nil {
		t.Fatalf("select codec: %v", err)
	}

	call := b.last()
	if call.path != sep || call.method != mediaEndpointIface+".SetConfiguration" {
		t.Fatalf("call: %+v", call)
	}
	if call.args[0] != endpointPath {
		t.Fatalf("local endpoint: %v", call.args[0])
	}
	props := call.args[1].(map[string]dbus.Variant)
	if got, _ := props["Capabilities"].Value().([]byte); string(got) != string(aac) {
		t.Fatalf("capabilities: % x", got)
	}
	if tr.Codec() != bluealsa.CodecAAC {
		t.Fatalf("codec %#x", tr.Codec())
	}

	b.reply(mediaEndpointIface+".SetConfiguration", errReply("org.bluez.Error.InvalidArguments"))
	err = tr.SelectCodec(context.Background(), transport.CodecTarget{ID: bluealsa.CodecSBC, Endpoint: string(sep)})
	if dbusErrorName(err) != "org.bluez.Error.InvalidArguments" {
		t.Fatalf("rejected configuration: %v", err)
	}
	if tr.Codec() != bluealsa.CodecAAC {
		t.Fatalf("codec changed by a rejected configuration")
	}
}

func TestMIDICharacteristic(t *testing.T) {
	b := newFakeBus()
	b.reply(gattCharIface+".AcquireNotify", fdReply(t, 23))

	chr := dbus.ObjectPath("/org/bluez/hci0/dev_00_11_22_33_44_55/service000c/char000d")
	c := NewMIDICharacteristic(b.conn(), chr)

	r := newRegistry(t)
	addr, _ := bluealsa.AddrFromPath(string(chr))
	tr, _ := transport.NewMIDI(r.Device(addr), string(chr), c, transport.Workers{}, bluealsa.DefaultConfig())

	fd, err := tr.Acquire()
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if rd, wr := tr.MTU(); rd != 23 || wr != 23 {
		t.Fatalf("MTU R:%d W:%d", rd, wr)
	}
	if call := b.last(); call.path != chr {
		t.Fatalf("call: %+v", call)
	}
	if err := tr.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0); err == nil {
		t.Fatalf("socket %d still open", fd)
	}
}

func transportSignal(name string, body ...interface{}) *dbus.Signal {
	return &dbus.Signal{Path: transportPath, Name: name, Body: body}
}

func TestWatcher(t *testing.T) {
	b := newFakeBus()
	b.reply(mediaTransportIface+".TryAcquire", fdReply(t, 895, 895))

	r := newRegistry(t)
	w := NewWatcher(b.conn(), r, transport.Workers{}, endpointPath, bluealsa.DefaultConfig())

	w.handle(&dbus.Signal{
		Path: "/",
		Name: objManagerIface + ".InterfacesAdded",
		Body: []interface{}{
			transportPath,
			map[string]map[string]dbus.Variant{
				mediaTransportIface: {
					"Device":        dbus.MakeVariant(devicePath),
					"UUID":          dbus.MakeVariant("0000110B-0000-1000-8000-00805F9B34FB"),
					"Codec":         dbus.MakeVariant(byte(0)),
					"Configuration": dbus.MakeVariant([]byte{0x21, 0x15, 2, 53}),
					"State":         dbus.MakeVariant("idle"),
				},
			},
		},
	})

	tr, ok := r.Transport(string(transportPath))
	if !ok {
		t.Fatalf("transport not created")
	}
	// the watcher keeps the transport alive until the object is removed
	tr.Unref()
	if tr.Profile() != bluealsa.ProfileA2DPSink || tr.Codec() != bluealsa.CodecSBC {
		t.Fatalf("transport %s codec %#x", tr.Profile(), tr.Codec())
	}

	changed := func(state string) *dbus.Signal {
		return transportSignal(propertiesIface+".PropertiesChanged",
			mediaTransportIface, map[string]dbus.Variant{"State": dbus.MakeVariant(state)}, []string{})
	}

	w.handle(changed("pending"))
	if tr.BTFD() == -1 {
		t.Fatalf("sink not acquired on pending")
	}
	if m := b.last().method; m != mediaTransportIface+".TryAcquire" {
		t.Fatalf("acquired with %s", m)
	}

	w.handle(changed("active"))
	if tr.A2DPState() != transport.A2DPActive {
		t.Fatalf("state %s", tr.A2DPState())
	}

	// other interfaces and unknown states are ignored
	w.handle(transportSignal(propertiesIface+".PropertiesChanged",
		"org.bluez.Device1", map[string]dbus.Variant{"State": dbus.MakeVariant("idle")}, []string{}))
	w.handle(changed("broadcasting"))
	if tr.A2DPState() != transport.A2DPActive {
		t.Fatalf("state %s", tr.A2DPState())
	}

	w.handle(&dbus.Signal{
		Path: "/",
		Name: objManagerIface + ".InterfacesRemoved",
		Body: []interface{}{transportPath, []string{mediaTransportIface}},
	})
	if _, ok := r.Transport(string(transportPath)); ok {
		t.Fatalf("transport kept after removal")
	}
	if m := b.last().method; m != mediaTransportIface+".Release" {
		t.Fatalf("removed transport released with %s", m)
	}
}

func TestWatcherMissingProperty(t *testing.T) {
	b := newFakeBus()
	r := newRegistry(t)
	w := NewWatcher(b.conn(), r, transport.Workers{}, endpointPath, bluealsa.DefaultConfig())

	_, err := w.addTransport(transportPath, map[string]dbus.Variant{
		"Device": dbus.MakeVariant(devicePath),
		"UUID":   dbus.MakeVariant(UUIDA2DPSink.String()),
	})
	if err == nil {
		t.Fatalf("transport without codec created")
	}
	if len(r.Transports()) != 0 {
		t.Fatalf("transports: %v", r.Transports())
	}
}
