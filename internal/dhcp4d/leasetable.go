package dhcp4d

import (
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/timeutil"
)

// EventKind identifies the kind of change a [LeaseEvent] reports.
type EventKind int

// Event kinds.
const (
	EventAdd EventKind = iota
	EventChange
	EventRemove
)

// String implements the fmt.Stringer interface for EventKind.
func (k EventKind) String() (s string) {
	switch k {
	case EventAdd:
		return "add"
	case EventChange:
		return "change"
	case EventRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// LeaseEvent is a notification of a lease-table change.  Lease is always a
// clone, safe to retain and mutate by the receiver.
type LeaseEvent struct {
	Lease *Lease
	Kind  EventKind
}

// eventBufSize is the capacity of each subscriber's event channel.  A
// subscriber that falls this far behind has its oldest pending event
// dropped rather than stalling the table.
const eventBufSize = 64

// LeaseTable is the authoritative, concurrent mapping from hardware address
// to [Lease].  It owns a [Pool] and supplies it an evictFunc rather than the
// pool holding a back-pointer to the table, so the two can be constructed
// and locked independently: the table always acquires its own lock before
// calling into the pool, never the reverse.
//
// LeaseTable is safe for concurrent use.
type LeaseTable struct {
	clock timeutil.Clock
	pool  *Pool

	mu       sync.Mutex
	byHW     map[string]*Lease
	everSent map[string]bool

	subsMu sync.Mutex
	subs   []chan LeaseEvent

	leaseTime time.Duration
}

// NewLeaseTable returns a LeaseTable backed by pool.  defaultLeaseTime is
// used for dynamic leases that do not specify their own; clock is consulted
// for all timestamping, so tests can inject a fake one.
func NewLeaseTable(pool *Pool, clock timeutil.Clock, defaultLeaseTime time.Duration) (t *LeaseTable) {
	return &LeaseTable{
		clock:     clock,
		pool:      pool,
		byHW:      map[string]*Lease{},
		everSent:  map[string]bool{},
		leaseTime: defaultLeaseTime,
	}
}

// InRange reports whether addr falls within the underlying pool's
// configured range.
func (t *LeaseTable) InRange(addr netip.Addr) (ok bool) {
	return t.pool.InRange(addr)
}

// AllocateSpecific reserves addr in the underlying pool without creating a
// lease record.  The engine uses it to claim an address up front (e.g. a
// RENEWING client's ciaddr) before inserting the lease itself via Create and
// Update, so the reservation and the record appear together rather than
// racing a concurrent allocation.
//
// If a stale, non-static Released lease still holds addr, it is evicted from
// the table as part of granting the reservation: either because the pool
// still reports addr as in use (a Blocked lease parks its address without
// freeing it), in which case evicting the stale record and retrying is the
// spec's documented fallback, or because the pool already freed addr
// eagerly on release while the record itself lingers, in which case the
// stale record must still be purged here so a later expiry eviction can
// never free addr a second time out from under the lease now claiming it.
func (t *LeaseTable) AllocateSpecific(addr netip.Addr) (err error) {
	t.mu.Lock()

	var staleKey string
	for key, l := range t.byHW {
		if l.Address == addr && l.Status == StatusReleased && !l.Static {
			staleKey = key

			break
		}
	}

	err = t.pool.AllocateSpecific(addr)
	if err == ErrAlreadyExists && staleKey != "" {
		delete(t.byHW, staleKey)
		t.pool.MarkUnused(addr)
		err = t.pool.AllocateSpecific(addr)
	} else if err == nil && staleKey != "" {
		delete(t.byHW, staleKey)
	}

	t.mu.Unlock()

	return err
}

// MarkUnused frees addr back to the underlying pool without touching any
// lease record.
func (t *LeaseTable) MarkUnused(addr netip.Addr) {
	t.pool.MarkUnused(addr)
}

// Subscribe returns a channel on which t delivers [LeaseEvent]s.  The
// channel is closed when unsubscribe is called.  Delivery is best-effort: a
// full channel has its oldest event dropped to make room, so a slow
// subscriber never blocks the table.
func (t *LeaseTable) Subscribe() (events <-chan LeaseEvent, unsubscribe func()) {
	ch := make(chan LeaseEvent, eventBufSize)

	t.subsMu.Lock()
	t.subs = append(t.subs, ch)
	t.subsMu.Unlock()

	unsubscribe = func() {
		t.subsMu.Lock()
		defer t.subsMu.Unlock()

		for i, c := range t.subs {
			if c == ch {
				t.subs = append(t.subs[:i], t.subs[i+1:]...)
				close(ch)

				return
			}
		}
	}

	return ch, unsubscribe
}

// emit delivers ev to all current subscribers.  It must be called without
// t.mu held: subscriber channels are unrelated to table state, but keeping
// I/O-shaped work (even a channel send) outside the lock avoids the table
// lock being held any longer than the in-memory mutation it protects.
func (t *LeaseTable) emit(ev LeaseEvent) {
	t.subsMu.Lock()
	defer t.subsMu.Unlock()

	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}

			select {
			case ch <- ev:
			default:
			}
		}
	}
}

// Get returns a clone of the lease for mac, if any.
func (t *LeaseTable) Get(mac net.HardwareAddr) (l *Lease, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok = t.byHW[hwKey(mac)]

	return l.Clone(), ok
}

// GetByAddr returns a clone of the lease currently holding addr, if any.
func (t *LeaseTable) GetByAddr(addr netip.Addr) (l *Lease, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, l = range t.byHW {
		if l.Address == addr {
			return l.Clone(), true
		}
	}

	return nil, false
}

// Snapshot returns a clone of every lease currently in the table.
func (t *LeaseTable) Snapshot() (leases []*Lease) {
	t.mu.Lock()
	defer t.mu.Unlock()

	leases = make([]*Lease, 0, len(t.byHW))
	for _, l := range t.byHW {
		leases = append(leases, l.Clone())
	}

	return leases
}

// Load replaces the table's contents with leases, as restored by a
// [Persister].  It does not emit events or touch the pool: Load is meant to
// run once at construction, before the table starts serving.
func (t *LeaseTable) Load(leases []*Lease) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.byHW = make(map[string]*Lease, len(leases))
	for _, l := range leases {
		clone := l.Clone()
		t.byHW[hwKey(clone.HWAddr)] = clone
		t.everSent[hwKey(clone.HWAddr)] = true
	}
}

// Create inserts a bare Created record for mac with the table's default
// lease time and no address.  It does not touch the pool or emit an event:
// a lease only becomes visible to subscribers once [LeaseTable.Update]
// first moves it out of Created, per the usual create-then-update sequence
// the engine follows for a DISCOVER.  It returns [ErrAlreadyExists] if mac
// already has a lease.
func (t *LeaseTable) Create(mac net.HardwareAddr) (l *Lease, err error) {
	key := hwKey(mac)

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.byHW[key]; ok {
		return nil, ErrAlreadyExists
	}

	l = &Lease{
		HWAddr:    append(net.HardwareAddr(nil), mac...),
		Status:    StatusCreated,
		LeaseTime: t.leaseTime,
	}
	t.byHW[key] = l

	return l.Clone(), nil
}

// Update overwrites the stored lease for l.HWAddr with l and emits an add
// event the first time the lease leaves Created, or a change event
// otherwise.  It returns [ErrNotFound] if there is no existing lease for the
// address, and [ErrStaticViolation] if the existing lease is static and l
// tries to change its address.
func (t *LeaseTable) Update(l *Lease) (err error) {
	key := hwKey(l.HWAddr)
	patch := l.Clone()

	t.mu.Lock()

	existing, ok := t.byHW[key]
	if !ok {
		t.mu.Unlock()

		return ErrNotFound
	}

	if existing.Static && patch.Address.IsValid() && existing.Address != patch.Address {
		t.mu.Unlock()

		return ErrStaticViolation
	}

	wasCreated := existing.Status == StatusCreated

	if !existing.Static && patch.Address.IsValid() {
		existing.Address = patch.Address
	}
	existing.Options = patch.Options
	existing.Hostname = patch.Hostname
	existing.ClientID = patch.ClientID
	existing.LeaseTime = patch.LeaseTime

	// Static leases skip Released entirely and are exempt from eviction:
	// once pinned, a lease stays Bound regardless of what status a caller
	// asks for.
	if !existing.Static {
		existing.Status = patch.Status
	}

	if existing.Status == StatusOffered || existing.Status == StatusBound {
		now := t.clock.Now()
		existing.Start = now
		existing.End = now.Add(existing.LeaseTime)

		if !existing.Address.IsValid() {
			addr, aerr := t.pool.AllocateAny()
			if aerr != nil {
				t.mu.Unlock()

				return aerr
			}

			existing.Address = addr
		}
	}

	clone := existing.Clone()
	becameVisible := wasCreated && existing.Status != StatusCreated
	if becameVisible {
		t.everSent[key] = true
	}

	var freeAddr netip.Addr
	if existing.Status == StatusReleased && !existing.Blocked && existing.Address.IsValid() {
		freeAddr = existing.Address
	}

	t.mu.Unlock()

	if freeAddr.IsValid() {
		t.pool.MarkUnused(freeAddr)
	}

	if becameVisible {
		t.emit(LeaseEvent{Kind: EventAdd, Lease: clone.Clone()})
	} else {
		t.emit(LeaseEvent{Kind: EventChange, Lease: clone})
	}

	return nil
}

// Remove deletes the lease for mac and frees its address back to the pool.
// It returns [ErrNotFound] if there is no lease for mac, and
// [ErrStaticViolation] if that lease is static.
func (t *LeaseTable) Remove(mac net.HardwareAddr) (err error) {
	key := hwKey(mac)

	t.mu.Lock()

	l, ok := t.byHW[key]
	if !ok {
		t.mu.Unlock()

		return ErrNotFound
	}

	if l.Static {
		t.mu.Unlock()

		return ErrStaticViolation
	}

	delete(t.byHW, key)
	t.mu.Unlock()

	t.pool.MarkUnused(l.Address)
	t.emit(LeaseEvent{Kind: EventRemove, Lease: l.Clone()})

	return nil
}

// MakeStatic pins mac's lease to addr permanently, or creates one at addr
// if mac has none.  It returns [ErrConflict] if addr is already held by a
// different lease that is not Released, static or not.
func (t *LeaseTable) MakeStatic(mac net.HardwareAddr, addr netip.Addr, hostname string) (l *Lease, err error) {
	key := hwKey(mac)

	t.mu.Lock()

	for k, other := range t.byHW {
		if k != key && other.Address == addr && other.Status != StatusReleased {
			t.mu.Unlock()

			return nil, ErrConflict
		}
	}

	existing, ok := t.byHW[key]
	isNew := !ok

	if ok && existing.Static && existing.Address == addr && existing.Hostname == hostname {
		// Idempotent: nothing changed, so no event.
		l = existing.Clone()
		t.mu.Unlock()

		return l, nil
	}

	if !ok {
		err = t.pool.AllocateSpecific(addr)
		if err != nil {
			t.mu.Unlock()

			return nil, err
		}

		existing = &Lease{
			HWAddr: append(net.HardwareAddr(nil), mac...),
		}
	}

	existing.Address = addr
	existing.Hostname = hostname
	existing.Static = true
	existing.Status = StatusBound
	existing.Blocked = false
	existing.LeaseTime = 0
	existing.End = time.Time{}

	t.byHW[key] = existing
	wasSent := t.everSent[key]
	t.everSent[key] = true
	l = existing.Clone()
	t.mu.Unlock()

	if isNew || !wasSent {
		t.emit(LeaseEvent{Kind: EventAdd, Lease: l.Clone()})
	} else {
		t.emit(LeaseEvent{Kind: EventChange, Lease: l.Clone()})
	}

	return l, nil
}

// MakeDynamic converts mac's static lease back into an ordinary, expiring
// one.  It returns [ErrNotFound] if mac has no lease, and is a no-op
// returning the current lease if it is already dynamic.
func (t *LeaseTable) MakeDynamic(mac net.HardwareAddr) (l *Lease, err error) {
	key := hwKey(mac)

	t.mu.Lock()

	existing, ok := t.byHW[key]
	if !ok {
		t.mu.Unlock()

		return nil, ErrNotFound
	}

	if !existing.Static {
		l = existing.Clone()
		t.mu.Unlock()

		return l, nil
	}

	now := t.clock.Now()
	existing.Static = false
	existing.LeaseTime = t.leaseTime
	existing.Start = now
	existing.End = now.Add(t.leaseTime)

	l = existing.Clone()
	t.mu.Unlock()

	t.emit(LeaseEvent{Kind: EventChange, Lease: l.Clone()})

	return l, nil
}

// declinedLeaseKey returns the table key a blocked lease is re-keyed under,
// detached from the client's real hardware address so the same client can
// immediately obtain a fresh lease for a different address.  Mirrors the
// teacher's blacklistLease, which re-keys a declined lease under a sentinel
// all-zero hardware address rather than the real client's.
func declinedLeaseKey(addr netip.Addr) (key string) {
	return "blocked:" + addr.String()
}

// DeclineBlocked parks mac's lease in the Blocked sub-state of Released for
// cooldown, rather than removing it outright, so the address it held is not
// immediately re-offered. The record is re-keyed under a synthetic,
// address-derived key (see declinedLeaseKey) rather than mac: it still
// occupies the address in the pool and is still found and evicted like any
// other expired lease once its cooldown passes, but it no longer shadows
// mac, so the same client's next DISCOVER gets an entirely fresh record and
// a different address. It returns [ErrNotFound] if mac has no lease and
// [ErrStaticViolation] if that lease is static.
func (t *LeaseTable) DeclineBlocked(mac net.HardwareAddr, cooldown time.Duration) (err error) {
	key := hwKey(mac)

	t.mu.Lock()

	l, ok := t.byHW[key]
	if !ok {
		t.mu.Unlock()

		return ErrNotFound
	}

	if l.Static {
		t.mu.Unlock()

		return ErrStaticViolation
	}

	now := t.clock.Now()
	l.Status = StatusReleased
	l.Blocked = true
	l.LeaseTime = cooldown
	l.Start = now
	l.End = now.Add(cooldown)

	delete(t.byHW, key)
	t.byHW[declinedLeaseKey(l.Address)] = l

	clone := l.Clone()
	t.mu.Unlock()

	t.emit(LeaseEvent{Kind: EventChange, Lease: clone})

	return nil
}

// evictOldestExpiredLocked removes the oldest expired, non-static lease from
// the index and returns its freed address.  It assumes t.mu is already held
// by the caller and must not try to acquire it again: this is the variant
// handed to the [Pool] as its evictFunc, since the pool is only ever called
// from within a t.mu-protected section.  It does not touch the pool or emit
// events; the caller is responsible for both.
func (t *LeaseTable) evictOldestExpiredLocked() (evicted *Lease, ok bool) {
	now := t.clock.Now()

	var oldestKey string
	var oldest *Lease

	for key, l := range t.byHW {
		if !l.expired(now) {
			continue
		}

		if oldest == nil || l.End.Before(oldest.End) {
			oldestKey, oldest = key, l
		}
	}

	if oldest == nil {
		return nil, false
	}

	delete(t.byHW, oldestKey)

	return oldest, true
}

// evictOldestExpiredForPool adapts evictOldestExpiredLocked to the
// [evictFunc] signature the pool expects.
func (t *LeaseTable) evictOldestExpiredForPool() (freed netip.Addr, ok bool) {
	l, ok := t.evictOldestExpiredLocked()
	if !ok {
		return netip.Addr{}, false
	}

	return l.Address, true
}

// EvictOldestExpired evicts the oldest expired, non-static lease, freeing
// its address back to the pool and emitting a remove event.  Unlike
// evictOldestExpiredLocked, it acquires t.mu itself, for use by callers that
// are not already holding it, such as an engine that wants to force room in
// the pool outside of a table-driven allocation.  [LeaseTable.Sweep] does
// not evict.
func (t *LeaseTable) EvictOldestExpired() (evicted *Lease, ok bool) {
	t.mu.Lock()
	l, found := t.evictOldestExpiredLocked()
	t.mu.Unlock()

	if !found {
		return nil, false
	}

	t.pool.MarkUnused(l.Address)
	clone := l.Clone()
	t.emit(LeaseEvent{Kind: EventRemove, Lease: clone.Clone()})

	return clone, true
}

// Sweep transitions every expired, non-static, not-yet-Released lease to
// Released in one pass, freeing each one's address back to the pool and
// emitting a change event.  The record itself is kept, not deleted: it
// remains queryable until an eviction (see [LeaseTable.EvictOldestExpired])
// reclaims it to make room for a new allocation.  It is intended to be
// called periodically (see [LeaseTable.RunSweeper]).
func (t *LeaseTable) Sweep() (swept int) {
	now := t.clock.Now()

	for {
		t.mu.Lock()

		var l *Lease
		for _, cand := range t.byHW {
			if cand.Status != StatusReleased && cand.expired(now) {
				l = cand

				break
			}
		}

		if l == nil {
			t.mu.Unlock()

			return swept
		}

		l.Status = StatusReleased
		clone := l.Clone()
		t.mu.Unlock()

		t.pool.MarkUnused(clone.Address)
		t.emit(LeaseEvent{Kind: EventChange, Lease: clone})
		swept++
	}
}

// RunSweeper runs [LeaseTable.Sweep] every interval until the done channel
// is closed.
func (t *LeaseTable) RunSweeper(interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.Sweep()
		case <-done:
			return
		}
	}
}
