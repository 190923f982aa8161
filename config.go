package bluealsa

import (
	"time"

	"github.com/pkg/errors"
)

const (
	DefaultAckTimeout     = 1000 * time.Millisecond
	DefaultIdleTimeout    = 2500 * time.Millisecond
	DefaultSLCRetries     = 10
	DefaultSCOQuirkDelay  = 300 * time.Millisecond
	DefaultKeepAlive      = 0
	DefaultXAPLVendorID   = 0x1D6B
	DefaultXAPLProductID  = 0x0246
	DefaultXAPLVersion    = "0300"
	DefaultXAPLName       = "BlueALSA"
	DefaultBatteryLevel   = 100
	maxXAPLVersionLength  = 7
	maxXAPLProductNameLen = 16
)

// HFP 1.7 feature bits advertised in +BRSF.
const (
	HFPAGFeatureECS   = 1 << 6
	HFPAGFeatureCodec = 1 << 9

	HFPHFFeatureVolume = 1 << 4
	HFPHFFeatureECS    = 1 << 5
	HFPHFFeatureCodec  = 1 << 7
)

// Apple accessory (+XAPL) feature bits.
const (
	XAPLFeatureBattery = 1 << 1
	XAPLFeatureDocking = 1 << 2
	XAPLFeatureSiri    = 1 << 3
	XAPLFeatureDenoise = 1 << 4
)

// Battery describes the host battery reported to the remote side.
type Battery struct {
	Available bool
	Level     int
}

// XAPL holds the Apple accessory identification sent by the HF role.
type XAPL struct {
	VendorID    uint16
	ProductID   uint16
	Version     string
	Features    uint32
	ProductName string
}

// Config carries the tunables shared by transports and RFCOMM engines.
type Config struct {
	AckTimeout    time.Duration
	IdleTimeout   time.Duration
	SLCRetries    int
	SCOQuirkDelay time.Duration
	KeepAlive     time.Duration
	LinkLostQuirk bool
	MSBC          bool

	FeaturesAG uint32
	FeaturesHF uint32

	XAPL    XAPL
	Battery Battery
}

// DefaultConfig returns a configuration populated with the stock timings.
func DefaultConfig() *Config {
	return &Config{
		AckTimeout:    DefaultAckTimeout,
		IdleTimeout:   DefaultIdleTimeout,
		SLCRetries:    DefaultSLCRetries,
		SCOQuirkDelay: DefaultSCOQuirkDelay,
		KeepAlive:     DefaultKeepAlive,
		LinkLostQuirk: true,
		MSBC:          true,
		FeaturesAG:    HFPAGFeatureECS | HFPAGFeatureCodec,
		FeaturesHF:    HFPHFFeatureVolume | HFPHFFeatureECS | HFPHFFeatureCodec,
		XAPL: XAPL{
			VendorID:    DefaultXAPLVendorID,
			ProductID:   DefaultXAPLProductID,
			Version:     DefaultXAPLVersion,
			Features:    XAPLFeatureBattery | XAPLFeatureDocking,
			ProductName: DefaultXAPLName,
		},
		Battery: Battery{Level: DefaultBatteryLevel},
	}
}

// NewConfig builds a default configuration and applies the options on top.
func NewConfig(opts ...Option) (*Config, error) {
	c := DefaultConfig()
	if err := c.Option(opts...); err != nil {
		return nil, errors.Wrap(err, "can't set options")
	}
	return c, nil
}

// Option applies the given options in order.
func (c *Config) Option(opts ...Option) error {
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns a copy which can be tweaked per transport.
func (c *Config) Clone() *Config {
	cc := *c
	return &cc
}

// FeaturesFor returns the local feature mask advertised in +BRSF. mSBC
// support is masked out when disabled.
func (c *Config) FeaturesFor(ag bool) uint32 {
	if ag {
		f := c.FeaturesAG
		if !c.MSBC {
			f &^= HFPAGFeatureCodec
		}
		return f
	}
	f := c.FeaturesHF
	if !c.MSBC {
		f &^= HFPHFFeatureCodec
	}
	return f
}

// Charge maps the battery level (0-100) onto the 0-5 battchg indicator
// range. An unknown battery reports full charge.
func (b Battery) Charge() int {
	if !b.Available {
		return 5
	}
	return (b.Level + 1) / 17
}

// BatteryCharge is the battchg indicator value of the configured host
// battery.
func (c *Config) BatteryCharge() int {
	return c.Battery.Charge()
}

func (c *Config) SetAckTimeout(d time.Duration) error {
	if d <= 0 {
		return errors.Errorf("invalid ack timeout %v", d)
	}
	c.AckTimeout = d
	return nil
}

func (c *Config) SetIdleTimeout(d time.Duration) error {
	if d <= 0 {
		return errors.Errorf("invalid idle timeout %v", d)
	}
	c.IdleTimeout = d
	return nil
}

func (c *Config) SetSLCRetries(n int) error {
	if n < 0 {
		return errors.Errorf("invalid retry count %d", n)
	}
	c.SLCRetries = n
	return nil
}

func (c *Config) SetSCOQuirkDelay(d time.Duration) error {
	if d < 0 {
		return errors.Errorf("invalid quirk delay %v", d)
	}
	c.SCOQuirkDelay = d
	return nil
}

func (c *Config) SetKeepAlive(d time.Duration) error {
	if d < 0 {
		return errors.Errorf("invalid keep-alive %v", d)
	}
	c.KeepAlive = d
	return nil
}

func (c *Config) SetLinkLostQuirk(on bool) error {
	c.LinkLostQuirk = on
	return nil
}

func (c *Config) SetMSBC(on bool) error {
	c.MSBC = on
	return nil
}

func (c *Config) SetFeatures(ag, hf uint32) error {
	c.FeaturesAG = ag
	c.FeaturesHF = hf
	return nil
}

func (c *Config) SetXAPL(x XAPL) error {
	if len(x.Version) > maxXAPLVersionLength {
		return errors.Errorf("xapl version too long: %q", x.Version)
	}
	if len(x.ProductName) > maxXAPLProductNameLen {
		return errors.Errorf("xapl product name too long: %q", x.ProductName)
	}
	c.XAPL = x
	return nil
}

func (c *Config) SetBattery(b Battery) error {
	if b.Level < 0 || b.Level > 100 {
		return errors.Errorf("invalid battery level %d", b.Level)
	}
	c.Battery = b
	return nil
}
