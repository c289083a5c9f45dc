package dhcp4d

import "github.com/AdguardTeam/golibs/errors"

// Sentinel error kinds returned by the lease table and the pool.  None of
// these propagate out of an inbound-datagram handler: the engine answers
// them on the wire (NAK or silent drop) or traces them, per the error
// handling design.
const (
	// ErrNotFound is returned when an operation that changes a lease names a
	// hardware address that has no lease.  Plain lookups report a miss with
	// a boolean instead.
	ErrNotFound errors.Error = "lease not found"

	// ErrAlreadyExists is returned by Create when a lease for the hardware
	// address already exists.
	ErrAlreadyExists errors.Error = "lease already exists"

	// ErrStaticViolation is returned when an operation attempts to change a
	// static lease's address, or to remove or evict a static lease.
	ErrStaticViolation errors.Error = "static lease violation"

	// ErrConflict is returned by MakeStatic when the requested address is
	// already held by another lease that is not Released.
	ErrConflict errors.Error = "address held by another lease"

	// ErrPoolExhausted is returned by the pool when no address is available
	// to satisfy an allocation request.
	ErrPoolExhausted errors.Error = "address pool exhausted"

	// errNilConfig is returned when a nil [Config] is passed to [New].
	errNilConfig errors.Error = "config is nil"
)
