package dhcp4d

import (
	"log/slog"
	"net/netip"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/validate"
)

// Config is the configuration for a [Server].
type Config struct {
	// Logger is used to log server events.  It must not be nil.
	Logger *slog.Logger

	// Persister loads the lease table at construction and is handed a fresh
	// snapshot after each handled datagram and after each lease mutation
	// made through the [Server].  Transitions made by the expiry sweeper are
	// stored with the next such snapshot.  It may be nil, in which case
	// leases do not survive a restart.
	Persister Persister

	// AddressChecker probes a freshly allocated address before it is first
	// offered.  It may be nil, in which case no check is performed.
	AddressChecker AddressChecker

	// ServerID is the address the server identifies itself with in
	// OptServerIdentifier.  It is not advertised as a router or DNS server;
	// see Router and DNSServers for those.
	ServerID netip.Addr

	// RangeStart and RangeEnd bound the inclusive range of addresses the
	// pool allocates from.  Both must be valid IPv4 addresses, and
	// RangeStart must be less than RangeEnd.
	RangeStart netip.Addr
	RangeEnd   netip.Addr

	// SubnetMask is advertised in OptSubnetMask.
	SubnetMask netip.Addr

	// Router, if valid, is advertised in OptRouter.  A zero value omits the
	// option.
	Router netip.Addr

	// DNSServers, if non-empty, are advertised in OptDNS.
	DNSServers []netip.Addr

	// LeaseTime is the duration granted to dynamic leases.  It must be
	// positive.
	LeaseTime time.Duration

	// BlockedLeaseCooldown is how long a lease stays parked in the Blocked
	// sub-state after the [AddressChecker] finds its address occupied
	// elsewhere.
	// Zero selects a built-in default.
	BlockedLeaseCooldown time.Duration

	// MinPacketSize is the minimum size, in bytes, outbound replies are
	// padded to.  Zero selects the RFC 1542 default of 576; values below
	// 312 are clamped up to it.
	MinPacketSize int

	// SweepInterval is how often the lease table's expiry sweeper runs.
	// Zero selects a built-in default.
	SweepInterval time.Duration

	// Options is the operator-configured option table applied to
	// OFFER/ACK/INFORMACK replies, merged on top of the implicit options
	// built from the rest of Config.
	Options []ConfiguredOption
}

// OptionMode controls whether a [ConfiguredOption] is always sent or only
// sent on request.
type OptionMode int

// Option modes.
const (
	// OptionOptional includes the option only if the client's Parameter
	// Request List (opt 55) asks for it.
	OptionOptional OptionMode = iota

	// OptionForce includes the option in every eligible reply regardless
	// of the client's Parameter Request List.
	OptionForce
)

// ConfiguredOption is one operator-configured option to merge into
// OFFER/ACK/INFORMACK replies.
type ConfiguredOption struct {
	Code OptionCode
	Data []byte
	Mode OptionMode
}

// type check
var _ validate.Interface = (*Config)(nil)

// defaultBlockedLeaseCooldown is used when [Config.BlockedLeaseCooldown] is
// zero.
const defaultBlockedLeaseCooldown = 5 * time.Minute

// defaultSweepInterval is used when [Config.SweepInterval] is zero.
const defaultSweepInterval = 1 * time.Second

// Validate implements the [validate.Interface] interface for *Config.
func (c *Config) Validate() (err error) {
	if c == nil {
		return errors.ErrNoValue
	}

	errs := []error{
		validate.NotNil("Logger", c.Logger),
		validate.Positive("LeaseTime", c.LeaseTime),
	}

	if !c.ServerID.Is4() {
		errs = append(errs, errors.Error("ServerID: must be a valid ipv4 address"))
	}

	if !c.SubnetMask.Is4() {
		errs = append(errs, errors.Error("SubnetMask: must be a valid ipv4 address"))
	}

	if !c.RangeStart.Is4() || !c.RangeEnd.Is4() {
		errs = append(errs, errors.Error("RangeStart, RangeEnd: must be valid ipv4 addresses"))
	} else if !c.RangeStart.Less(c.RangeEnd) {
		errs = append(errs, errors.Error("RangeStart: must be less than RangeEnd"))
	}

	return errors.Join(errs...)
}

// blockedLeaseCooldown returns c.BlockedLeaseCooldown, or the default if it
// is zero.
func (c *Config) blockedLeaseCooldown() (d time.Duration) {
	if c.BlockedLeaseCooldown <= 0 {
		return defaultBlockedLeaseCooldown
	}

	return c.BlockedLeaseCooldown
}

// sweepInterval returns c.SweepInterval, or the default if it is zero.
func (c *Config) sweepInterval() (d time.Duration) {
	if c.SweepInterval <= 0 {
		return defaultSweepInterval
	}

	return c.SweepInterval
}

// minPacketSize returns c.MinPacketSize, clamped to at least
// [minPacketSizeFloor], or [defaultMinPacketSize] if it is zero.
func (c *Config) minPacketSize() (size int) {
	if c.MinPacketSize == 0 {
		return defaultMinPacketSize
	}

	return clampMinPacketSize(c.MinPacketSize)
}
