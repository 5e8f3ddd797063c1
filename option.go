package host

import "github.com/sapphire-bt/host/smp"

// SecurityMode is the LE security policy a Host enforces (spec §6:
// "LE security mode (Mode1 or SecureConnectionsOnly)").
type SecurityMode int

const (
	SecurityMode1 SecurityMode = iota
	SecurityModeSecureConnectionsOnly
)

// Config is the set of host-wide policy knobs spec §6 names as the
// core's programmatic configuration surface. It carries no
// environment-variable or on-disk format of its own; persistence is
// the caller's concern via RestoreBonds.
type Config struct {
	Bondable        bool
	SecurityMode    SecurityMode
	LocalName       string
	DeviceClass     uint32
	IOCapability    smp.IOCapability
	LEIRK           [16]byte
	HaveLEIRK       bool
	PairingDelegate smp.Delegate
}

func defaultConfig() Config {
	return Config{
		IOCapability: smp.IOCapNoInputNoOutput,
	}
}

// Option configures a Host at construction time, following the same
// functional-option shape the teacher used for its Device type.
type Option func(*Config)

// Bondable sets whether this host accepts pairing requests that
// request bonding (persisted keys) rather than a one-shot encrypted
// session.
func Bondable(b bool) Option {
	return func(c *Config) { c.Bondable = b }
}

// WithSecurityMode sets the LE security mode. SecurityModeSecureConnectionsOnly
// sets the Secure Connections bit in LE pairing requests and responses;
// channel opens are not gated on it, and a peer without Secure
// Connections support still gets legacy pairing.
func WithSecurityMode(m SecurityMode) Option {
	return func(c *Config) { c.SecurityMode = m }
}

// WithLocalName stores the local device name in Config.LocalName. This
// core does not write it to the controller or serve it to remote name
// requests.
func WithLocalName(name string) Option {
	return func(c *Config) { c.LocalName = name }
}

// WithDeviceClass stores the 24-bit Class of Device in
// Config.DeviceClass. This core does not write it to the controller.
func WithDeviceClass(class uint32) Option {
	return func(c *Config) { c.DeviceClass = class }
}

// WithIOCapability sets the local input/output capability SMP uses to
// select a pairing association method.
func WithIOCapability(cap smp.IOCapability) Option {
	return func(c *Config) { c.IOCapability = cap }
}

// WithLEIdentityResolvingKey stores the local IRK in Config.LEIRK for a
// collaborator address-rotation component. This core does not read it:
// it generates no resolvable private addresses, and LE key distribution
// sends a freshly generated random IRK.
func WithLEIdentityResolvingKey(irk [16]byte) Option {
	return func(c *Config) { c.LEIRK, c.HaveLEIRK = irk, true }
}

// WithPairingDelegate registers the user-interaction callbacks (show
// passkey, request passkey, confirm numeric comparison) SMP pairing
// drives for both LE and BR/EDR exchanges.
func WithPairingDelegate(d smp.Delegate) Option {
	return func(c *Config) { c.PairingDelegate = d }
}
