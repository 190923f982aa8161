//go:build linux
// +build linux

package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rigado/bluealsa"
	"github.com/urfave/cli"
)

var defaultProfiles = []bluealsa.Profile{
	bluealsa.ProfileA2DPSource,
	bluealsa.ProfileHFPAG,
	bluealsa.ProfileHSPAG,
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "bluealsad"
	app.Usage = "Bluetooth audio daemon"
	app.HideVersion = true

	def := bluealsa.DefaultConfig()
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "loglevel", Value: "info", Usage: "log level (trace, debug, info, warn, error)"},
		cli.StringSliceFlag{Name: "profile, p", Usage: "enable a profile (A2DP-source, A2DP-sink, HFP-AG, HFP-HF, HSP-AG, HSP-HS, MIDI)"},
		cli.IntFlag{Name: "hci", Value: 0, Usage: "HCI adapter index"},
		cli.DurationFlag{Name: "keep-alive", Value: def.KeepAlive, Usage: "keep the link open without PCM clients for this long"},
		cli.DurationFlag{Name: "ack-timeout", Value: def.AckTimeout, Usage: "RFCOMM response timeout"},
		cli.DurationFlag{Name: "idle-timeout", Value: def.IdleTimeout, Usage: "RFCOMM idle time before the AG picks a codec"},
		cli.IntFlag{Name: "slc-retries", Value: def.SLCRetries, Usage: "service level connection retries"},
		cli.DurationFlag{Name: "sco-quirk-delay", Value: def.SCOQuirkDelay, Usage: "minimal time between SCO close and connect"},
		cli.BoolFlag{Name: "no-link-lost-quirk", Usage: "keep transports when their RFCOMM link fails"},
		cli.BoolFlag{Name: "disable-msbc", Usage: "do not offer the mSBC codec"},
		cli.StringFlag{Name: "xapl-product-name", Value: def.XAPL.ProductName, Usage: "product name sent with AT+XAPL"},
		cli.IntFlag{Name: "battery-level", Value: -1, Usage: "report this host battery level (0-100)"},
		cli.StringFlag{Name: "status-file", Usage: "write transport status snapshots to this JSON file"},
		cli.StringFlag{Name: "http", Usage: "serve the debug HTTP API on this address"},
		cli.StringFlag{Name: "rfcomm-tty", Usage: "run an HFP/HSP link over this RFCOMM TTY (e.g. /dev/rfcomm0)"},
		cli.StringFlag{Name: "rfcomm-device", Usage: "address of the device behind --rfcomm-tty"},
		cli.StringFlag{Name: "a2dp-endpoint", Value: defaultEndpoint, Usage: "media endpoint used to reconfigure A2DP codecs"},
		cli.StringFlag{Name: "midi-characteristic", Usage: "object path of a BLE MIDI characteristic to serve"},
	}

	app.Action = func(c *cli.Context) error {
		if err := bluealsa.SetLogLevel(c.String("loglevel")); err != nil {
			return cli.NewExitError(err, 2)
		}

		cfg, err := configFromContext(c)
		if err != nil {
			return cli.NewExitError(err, 2)
		}
		profiles, err := profilesFromContext(c)
		if err != nil {
			return cli.NewExitError(err, 2)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		d := newDaemon(cfg, profiles, options{
			hci:          c.Int("hci"),
			statusFile:   c.String("status-file"),
			httpAddr:     c.String("http"),
			rfcommTTY:    c.String("rfcomm-tty"),
			rfcommDevice: c.String("rfcomm-device"),
			endpoint:     c.String("a2dp-endpoint"),
			midiChar:     c.String("midi-characteristic"),
		})
		return d.run(ctx)
	}

	return app
}

func configFromContext(c *cli.Context) (*bluealsa.Config, error) {
	x := bluealsa.DefaultConfig().XAPL
	x.ProductName = c.String("xapl-product-name")

	opts := []bluealsa.Option{
		bluealsa.OptKeepAlive(c.Duration("keep-alive")),
		bluealsa.OptAckTimeout(c.Duration("ack-timeout")),
		bluealsa.OptIdleTimeout(c.Duration("idle-timeout")),
		bluealsa.OptSLCRetries(c.Int("slc-retries")),
		bluealsa.OptSCOQuirkDelay(c.Duration("sco-quirk-delay")),
		bluealsa.OptLinkLostQuirk(!c.Bool("no-link-lost-quirk")),
		bluealsa.OptMSBC(!c.Bool("disable-msbc")),
		bluealsa.OptXAPL(x),
	}
	if lvl := c.Int("battery-level"); lvl >= 0 {
		opts = append(opts, bluealsa.OptBattery(bluealsa.Battery{Available: true, Level: lvl}))
	}

	return bluealsa.NewConfig(opts...)
}

func profilesFromContext(c *cli.Context) ([]bluealsa.Profile, error) {
	names := c.StringSlice("profile")
	if len(names) == 0 {
		return defaultProfiles, nil
	}

	var out []bluealsa.Profile
	for _, n := range names {
		p, err := parseProfile(n)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// parseProfile accepts profile names in any letter case.
func parseProfile(s string) (bluealsa.Profile, error) {
	for p := bluealsa.ProfileA2DPSource; p <= bluealsa.ProfileMIDI; p++ {
		if strings.EqualFold(p.String(), s) {
			return p, nil
		}
	}
	return bluealsa.ProfileNone, errors.Errorf("unknown profile %q", s)
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		bluealsa.GetLogger().Error(err)
		os.Exit(1)
	}
}
