package bluealsa

import (
	"time"
)

// ConfigOption is an interface which the configuration should implement to allow using configuration options
type ConfigOption interface {
	SetAckTimeout(time.Duration) error
	SetIdleTimeout(time.Duration) error
	SetSLCRetries(int) error
	SetSCOQuirkDelay(time.Duration) error
	SetKeepAlive(time.Duration) error
	SetLinkLostQuirk(bool) error
	SetMSBC(bool) error
	SetFeatures(ag, hf uint32) error
	SetXAPL(XAPL) error
	SetBattery(Battery) error
}

// An Option is a configuration function, which configures the daemon.
type Option func(ConfigOption) error

// OptAckTimeout sets how long to wait for a response to an AT command.
func OptAckTimeout(d time.Duration) Option {
	return func(opt ConfigOption) error {
		return opt.SetAckTimeout(d)
	}
}

// OptIdleTimeout sets the RFCOMM poll period while the connection is not set up.
func OptIdleTimeout(d time.Duration) Option {
	return func(opt ConfigOption) error {
		return opt.SetIdleTimeout(d)
	}
}

// OptSLCRetries sets the retry ceiling of the service level connection.
func OptSLCRetries(n int) Option {
	return func(opt ConfigOption) error {
		return opt.SetSLCRetries(n)
	}
}

// OptSCOQuirkDelay sets the minimal gap between closing and reopening a SCO link.
func OptSCOQuirkDelay(d time.Duration) Option {
	return func(opt ConfigOption) error {
		return opt.SetSCOQuirkDelay(d)
	}
}

// OptKeepAlive sets how long transports are kept after the last client leaves.
func OptKeepAlive(d time.Duration) Option {
	return func(opt ConfigOption) error {
		return opt.SetKeepAlive(d)
	}
}

// OptLinkLostQuirk toggles destroying the SCO transport on RFCOMM loss.
func OptLinkLostQuirk(on bool) Option {
	return func(opt ConfigOption) error {
		return opt.SetLinkLostQuirk(on)
	}
}

// OptMSBC toggles wideband speech support
func OptMSBC(on bool) Option {
	return func(opt ConfigOption) error {
		return opt.SetMSBC(on)
	}
}

// OptFeatures overrides the HFP feature masks
func OptFeatures(ag, hf uint32) Option {
	return func(opt ConfigOption) error {
		return opt.SetFeatures(ag, hf)
	}
}

// OptXAPL overrides the Apple accessory identification.
func OptXAPL(x XAPL) Option {
	return func(opt ConfigOption) error {
		return opt.SetXAPL(x)
	}
}

// OptBattery sets the host battery reported to connected devices.
func OptBattery(b Battery) Option {
	return func(opt ConfigOption) error {
		return opt.SetBattery(b)
	}
}
