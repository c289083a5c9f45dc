package dhcp4d

import (
	"net/netip"
	"sync"
)

// evictFunc is called by the pool when an allocation would otherwise fail
// with [ErrPoolExhausted], to give the caller a chance to free up an
// address by evicting the oldest expired lease.  It returns the address
// freed, if any.
//
// evictFunc must not acquire any lock the pool's owner might already be
// holding when it calls into the pool: the lease table only ever invokes
// pool methods while holding its own lock, so the evictFunc it supplies
//(typically a lock-free "Locked" variant of one of its own methods) must
// assume that lock is already held rather than try to take it again.
type evictFunc func() (freed netip.Addr, ok bool)

// Pool tracks which addresses within a configured range are currently
// leased.  It knows nothing about lease lifetimes or hardware addresses;
// that bookkeeping belongs to [LeaseTable], which owns a Pool and supplies
// it an [evictFunc] rather than holding a back-pointer to itself, breaking
// the cyclic owner/owned relationship a naive design would otherwise have.
//
// Pool is safe for concurrent use.
type Pool struct {
	mu    sync.Mutex
	rng   ipRange
	used  *bitset
	evict evictFunc
}

// NewPool returns a Pool managing the inclusive address range [start, end].
// evict may be nil, in which case the pool simply reports exhaustion once
// every address in the range is in use.
func NewPool(start, end netip.Addr, evict evictFunc) (p *Pool, err error) {
	rng, err := newIPRange(start, end)
	if err != nil {
		return nil, err
	}

	return &Pool{
		rng:   rng,
		used:  newBitset(),
		evict: evict,
	}, nil
}

// NewPoolFromRange is like [NewPool], but takes the range as a string in
// either of the forms [ParsePoolRange] accepts, rather than pre-parsed
// bounds.
func NewPoolFromRange(rangeStr string, evict evictFunc) (p *Pool, err error) {
	start, end, err := ParsePoolRange(rangeStr)
	if err != nil {
		return nil, err
	}

	return NewPool(start, end, evict)
}

// InRange reports whether addr falls within the pool's configured range.
func (p *Pool) InRange(addr netip.Addr) (ok bool) {
	return p.rng.contains(addr)
}

// AllocateAny returns the first free address in the pool's range.  If none
// is free, it invokes the pool's evictFunc (if any) once and retries; if
// that still yields nothing, it returns [ErrPoolExhausted].
func (p *Pool) AllocateAny() (addr netip.Addr, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	addr, ok := p.findFreeLocked()
	if ok {
		p.used.set(mustOffset(p.rng, addr), true)

		return addr, nil
	}

	if p.evict == nil {
		return netip.Addr{}, ErrPoolExhausted
	}

	freed, ok := p.evict()
	if !ok {
		return netip.Addr{}, ErrPoolExhausted
	}

	if off, inRange := p.rng.offset(freed); inRange {
		p.used.set(off, false)
	}

	addr, ok = p.findFreeLocked()
	if !ok {
		return netip.Addr{}, ErrPoolExhausted
	}

	p.used.set(mustOffset(p.rng, addr), true)

	return addr, nil
}

// findFreeLocked scans the range for the first unused offset.  Callers must
// hold p.mu.
func (p *Pool) findFreeLocked() (addr netip.Addr, ok bool) {
	for off := uint64(0); off < p.rng.length; off++ {
		if !p.used.isSet(off) {
			return p.rng.addrAt(off), true
		}
	}

	return netip.Addr{}, false
}

// AllocateSpecific marks addr as used and returns it.  If addr is already
// marked used, it returns [ErrAlreadyExists]. An addr outside the pool's
// configured range is accepted as a no-op: nothing is marked, since the
// pool has no offset to track it by.  AllocateSpecific does not itself
// enforce range membership, leaving that decision to the caller (see
// [Pool.InRange]).
//
// The pool has no notion of leases, so the spec's fallback of evicting a
// stale Released lease that still holds addr belongs to and is implemented
// by [LeaseTable.AllocateSpecific], which retries here after evicting.
func (p *Pool) AllocateSpecific(addr netip.Addr) (err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	off, inRange := p.rng.offset(addr)
	if !inRange {
		// No offset to track an out-of-range address by; the lease table
		// remains the source of truth for it.
		return nil
	}

	if p.used.isSet(off) {
		return ErrAlreadyExists
	}

	p.used.set(off, true)

	return nil
}

// MarkUnused frees addr, if it was in use.  An addr outside the pool's
// range is a no-op, consistent with AllocateSpecific's pass-through.
func (p *Pool) MarkUnused(addr netip.Addr) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if off, inRange := p.rng.offset(addr); inRange {
		p.used.set(off, false)
	}
}

// mustOffset returns the offset of addr in rng.  It is only called with
// addresses the pool itself just produced via addrAt, so the offset always
// exists.
func mustOffset(rng ipRange, addr netip.Addr) (off uint64) {
	off, _ = rng.offset(addr)

	return off
}
