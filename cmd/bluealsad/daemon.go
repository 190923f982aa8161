//go:build linux
// +build linux

package main

import (
	"context"
	"net/http"
	"path/filepath"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
	"github.com/rigado/bluealsa"
	"github.com/rigado/bluealsa/eventbus"
	"github.com/rigado/bluealsa/linux/bluez"
	"github.com/rigado/bluealsa/linux/socket"
	"github.com/rigado/bluealsa/linux/transport"
	"github.com/rigado/bluealsa/status"
)

const (
	defaultEndpoint = "/org/bluez/bluealsa/a2dp"
	ttyRoot         = "/org/bluealsa/tty/"
	shutdownTimeout = 10 * time.Second
)

type options struct {
	hci          int
	statusFile   string
	httpAddr     string
	rfcommTTY    string
	rfcommDevice string
	endpoint     string
	midiChar     string
}

type bluealsad struct {
	cfg      *bluealsa.Config
	profiles []bluealsa.Profile
	opts     options
	log      bluealsa.Logger

	adapter  socket.Adapter
	bus      *eventbus.Bus
	registry *transport.Registry
}

func newDaemon(cfg *bluealsa.Config, profiles []bluealsa.Profile, opts options) *bluealsad {
	return &bluealsad{
		cfg:      cfg,
		profiles: profiles,
		opts:     opts,
		log:      bluealsa.GetLogger().ChildLogger(map[string]interface{}{"daemon": "bluealsad"}),
	}
}

func (d *bluealsad) run(ctx context.Context) error {
	a, err := socket.AdapterInfo(d.opts.hci)
	if err != nil {
		return errors.Wrapf(err, "hci%d", d.opts.hci)
	}
	d.adapter = a
	d.log.Infof("using %s (%s)", a.Name, a.Addr)

	d.bus = eventbus.New()
	defer d.bus.Close()
	d.registry = transport.NewRegistry(a.Name, d.bus)
	if d.cfg.Battery.Available {
		d.registry.SetHostBattery(d.cfg.Battery)
	}

	if d.opts.statusFile != "" {
		st := status.New(d.opts.statusFile)
		if err := st.Clear(); err != nil {
			d.log.Warnf("couldn't clear %s: %v", d.opts.statusFile, err)
		}
		go trackStatus(ctx, d.bus, d.registry, st, d.log)
	}

	conn, err := bluez.Connect()
	if err != nil {
		d.registry.Close()
		return err
	}
	defer conn.Close()
	// transports release their BlueZ links over conn, so they go first
	defer d.registry.Close()

	handlers, err := d.startProfiles(ctx, conn)
	defer func() {
		for _, h := range handlers {
			if err := h.Unregister(); err != nil {
				d.log.Warnf("unregister %s: %v", h.Path(), err)
			}
		}
	}()
	if err != nil {
		return err
	}

	if d.opts.rfcommTTY != "" {
		if err := d.openTTY(); err != nil {
			return err
		}
	}
	if d.opts.midiChar != "" {
		if err := d.openMIDI(conn); err != nil {
			return err
		}
	}

	var srv *http.Server
	if d.opts.httpAddr != "" {
		srv = &http.Server{
			Addr:        d.opts.httpAddr,
			Handler:     newServer(d.registry, d.bus).routes(),
			ReadTimeout: 15 * time.Second,
			IdleTimeout: 60 * time.Second,
		}
		go func() {
			d.log.Infof("serving HTTP on %s", d.opts.httpAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				d.log.Errorf("http server: %v", err)
			}
		}()
	}

	daemon.SdNotify(false, daemon.SdNotifyReady)
	go d.watchdog(ctx)

	<-ctx.Done()
	d.log.Info("shutting down")
	daemon.SdNotify(false, daemon.SdNotifyStopping)

	if srv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			d.log.Warnf("http shutdown: %v", err)
		}
	}
	return nil
}

// startProfiles registers the HFP/HSP profiles with BlueZ and follows its
// A2DP transports until ctx is done. The registered handlers are returned
// even on error.
func (d *bluealsad) startProfiles(ctx context.Context, conn *bluez.Conn) ([]*bluez.ProfileHandler, error) {
	var handlers []*bluez.ProfileHandler
	a2dp := false
	for _, p := range d.profiles {
		switch {
		case p.IsA2DP():
			a2dp = true
		case p.IsSCO():
			h, err := bluez.NewProfileHandler(conn, p, d.registry, d.scoCapability, transport.RawWorkers(), d.cfg)
			if err != nil {
				return handlers, err
			}
			if err := h.Register(); err != nil {
				return handlers, err
			}
			handlers = append(handlers, h)
		case p.IsMIDI():
			if d.opts.midiChar == "" {
				d.log.Warnf("%s enabled without --midi-characteristic", p)
			}
		}
	}

	if a2dp {
		w := bluez.NewWatcher(conn, d.registry, transport.Workers{}, dbus.ObjectPath(d.opts.endpoint), d.cfg)
		go func() {
			if err := w.Run(ctx); err != nil {
				d.log.Errorf("media transport watcher: %v", err)
			}
		}()
	}
	return handlers, nil
}

func (d *bluealsad) scoCapability(*transport.Device) transport.Capability {
	return transport.NewSCOCapability(d.adapter, d.cfg.SCOQuirkDelay)
}

// openTTY runs an audio gateway over an RFCOMM TTY bound outside of BlueZ.
func (d *bluealsad) openTTY() error {
	addr, err := bluealsa.ParseAddr(d.opts.rfcommDevice)
	if err != nil {
		return errors.Wrap(err, "--rfcomm-device")
	}

	p := bluealsa.ProfileHFPAG
	for _, pp := range d.profiles {
		if pp.IsSCO() {
			p = pp
			break
		}
	}

	link, err := socket.OpenTTY(d.opts.rfcommTTY)
	if err != nil {
		return err
	}

	dev := d.registry.Device(addr)
	path := ttyRoot + filepath.Base(d.opts.rfcommTTY)
	if _, err := transport.NewSCO(dev, p, path, d.scoCapability(dev), transport.RawWorkers(), link, d.cfg); err != nil {
		link.Close()
		return err
	}
	d.log.Infof("%s over %s", p, d.opts.rfcommTTY)
	return nil
}

func (d *bluealsad) openMIDI(conn *bluez.Conn) error {
	path := dbus.ObjectPath(d.opts.midiChar)
	addr, err := bluealsa.AddrFromPath(string(path))
	if err != nil {
		return errors.Wrap(err, "--midi-characteristic")
	}

	dev := d.registry.Device(addr)
	_, err = transport.NewMIDI(dev, string(path), bluez.NewMIDICharacteristic(conn, path), transport.RawWorkers(), d.cfg)
	return err
}

func (d *bluealsad) watchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}

	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
