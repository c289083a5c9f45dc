package dhcp4d

import (
	"net"
	"net/netip"
	"slices"
	"time"
)

// Status is the position of a [Lease] in its lifecycle.
type Status int

// Lease statuses.
const (
	// StatusCreated is assigned to a freshly created lease that has not yet
	// been offered or bound to a client.
	StatusCreated Status = iota

	// StatusOffered is assigned once the server has sent an OFFER for the
	// lease's address.
	StatusOffered

	// StatusBound is assigned once the client's REQUEST for the offered (or
	// previously bound) address has been acknowledged.
	StatusBound

	// StatusReleased is assigned on RELEASE, on expiry, or when a lease is
	// parked because its address was found occupied.  See [Lease.Blocked].
	StatusReleased
)

// String implements the fmt.Stringer interface for Status.
func (s Status) String() (str string) {
	switch s {
	case StatusCreated:
		return "created"
	case StatusOffered:
		return "offered"
	case StatusBound:
		return "bound"
	case StatusReleased:
		return "released"
	default:
		return "unknown"
	}
}

// Option is a single DHCP option attached to a lease, to be merged into the
// replies built for that lease's client.  It is a tagged variant keyed by
// option code with a raw-bytes representation, rather than a class hierarchy
// per option type: unknown codes round-trip just as well as known ones.
type Option struct {
	// Code is the DHCP option code, see RFC 2132.
	Code OptionCode

	// Data is the raw option value.  A nil Data removes the option from the
	// reply as built so far, including one the engine added implicitly from
	// [Config].  Operator-configured options ([Config.Options]) are merged
	// afterwards and can still add the same code back.
	Data []byte
}

// Clone returns a deep copy of o.
func (o Option) Clone() (clone Option) {
	return Option{
		Code: o.Code,
		Data: slices.Clone(o.Data),
	}
}

// Lease is a DHCP lease record: the binding of a client's hardware address to
// an IPv4 address, together with its lifecycle state.
//
// A Lease obtained from the table's query methods or delivered through an
// event is always a clone; mutating it has no effect on the table.  To
// mutate a lease, pass the modified clone to [LeaseTable.Update] (or one of
// its sibling methods).
type Lease struct {
	// HWAddr is the client's hardware address.  It is the stable key used to
	// look the lease up and must never be empty.
	HWAddr net.HardwareAddr

	// ClientID is the optional contents of option 61.  It is purely
	// informational; HWAddr remains the lookup key even when ClientID is
	// present.
	ClientID []byte

	// Hostname is the client-reported or operator-assigned name.
	Hostname string

	// Address is the leased IPv4 address.  It is the zero [netip.Addr] before
	// allocation.
	Address netip.Addr

	// Options are the option items associated specifically with this lease.
	Options []Option

	// Start is the instant the lease most recently became Offered or Bound.
	Start time.Time

	// End is Start plus LeaseTime for a non-static Offered or Bound lease.
	// It is also used, for a Blocked lease, as the instant the block expires.
	End time.Time

	// LeaseTime is the duration of the lease.  Zero disables auto-expiry.
	LeaseTime time.Duration

	// Status is the lease's position in its lifecycle.
	Status Status

	// Static marks an operator-pinned lease.  A static lease's Address never
	// changes and the sweeper never expires it.
	Static bool

	// Blocked marks a Released lease that was parked after the
	// [AddressChecker] found its freshly allocated address occupied by a
	// foreign host.  A DECLINE from the client removes its lease instead.
	// A Blocked lease is always also Released and never Static.
	Blocked bool
}

// Clone returns a deep copy of l.  A nil l clones to nil.
func (l *Lease) Clone() (clone *Lease) {
	if l == nil {
		return nil
	}

	opts := make([]Option, len(l.Options))
	for i, o := range l.Options {
		opts[i] = o.Clone()
	}

	return &Lease{
		HWAddr:    slices.Clone(l.HWAddr),
		ClientID:  slices.Clone(l.ClientID),
		Hostname:  l.Hostname,
		Address:   l.Address,
		Options:   opts,
		Start:     l.Start,
		End:       l.End,
		LeaseTime: l.LeaseTime,
		Status:    l.Status,
		Static:    l.Static,
		Blocked:   l.Blocked,
	}
}

// hwKey returns the canonical lowercase hex-with-separators form of mac used
// as the lease table's lookup key.
func hwKey(mac net.HardwareAddr) (key string) {
	return mac.String()
}

// expired returns true if l is a non-static lease whose LeaseTime is nonzero
// and whose End is before now.
func (l *Lease) expired(now time.Time) (ok bool) {
	return !l.Static && l.LeaseTime != 0 && l.End.Before(now)
}
