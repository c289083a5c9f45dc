package dhcp4d

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"github.com/AdguardTeam/golibs/timeutil"
)

// Server is the top-level DHCPv4 server: it owns the lease table, the
// address pool, the protocol engine, and the UDP transport, and wires them
// together.
type Server struct {
	cfg       *Config
	table     *LeaseTable
	engine    *Engine
	transport *Transport

	stop context.CancelFunc
	done chan struct{}
}

// New validates cfg and constructs a Server over it.  clock is consulted for
// all lease timestamping; pass [timeutil.SystemClock] in production and a
// fake clock in tests.
func New(cfg *Config, clock timeutil.Clock) (s *Server, err error) {
	if cfg == nil {
		return nil, errNilConfig
	}

	if verr := cfg.Validate(); verr != nil {
		return nil, fmt.Errorf("invalid config: %w", verr)
	}

	// The pool needs an evictFunc that calls back into the table, and the
	// table needs the pool to exist first: close over a variable assigned
	// right after the table is constructed, rather than give the pool a
	// back-pointer to the table itself.
	var table *LeaseTable

	pool, err := NewPool(cfg.RangeStart, cfg.RangeEnd, func() (netip.Addr, bool) {
		return table.evictOldestExpiredForPool()
	})
	if err != nil {
		return nil, fmt.Errorf("constructing pool: %w", err)
	}

	table = NewLeaseTable(pool, clock, cfg.LeaseTime)

	persister := cfg.Persister
	if persister == nil {
		persister = noopPersister{}
	}

	leases, err := persister.Load()
	if err != nil {
		return nil, fmt.Errorf("loading persisted leases: %w", err)
	}

	loadLeases(table, pool, leases)

	engine := NewEngine(cfg, table)

	return &Server{
		cfg:    cfg,
		table:  table,
		engine: engine,
		done:   make(chan struct{}),
	}, nil
}

// loadLeases implements the lease table's load semantics: each lease's
// address is first reserved against the pool, and only leases whose address
// the pool accepts are loaded.
func loadLeases(table *LeaseTable, pool *Pool, leases []*Lease) {
	accepted := make([]*Lease, 0, len(leases))

	for _, l := range leases {
		err := pool.AllocateSpecific(l.Address)
		if err != nil {
			continue
		}

		accepted = append(accepted, l)
	}

	table.Load(accepted)
}

// Leases returns a clone of every lease currently in the table.
func (s *Server) Leases() (leases []*Lease) {
	return s.table.Snapshot()
}

// Subscribe returns a channel of lease change events; see
// [LeaseTable.Subscribe].
func (s *Server) Subscribe() (events <-chan LeaseEvent, unsubscribe func()) {
	return s.table.Subscribe()
}

// Trace returns the engine's diagnostic trace channel.
func (s *Server) Trace() (events <-chan string) {
	return s.engine.Trace()
}

// StatusChanges returns the engine's active/inactive status channel.
func (s *Server) StatusChanges() (events <-chan StatusChange) {
	return s.engine.StatusChanges()
}

// MakeStatic pins mac's lease to addr, persisting the result if a
// [Persister] is configured.
func (s *Server) MakeStatic(mac net.HardwareAddr, addr netip.Addr, hostname string) (l *Lease, err error) {
	l, err = s.table.MakeStatic(mac, addr, hostname)
	if err != nil {
		return nil, err
	}

	s.persist()

	return l, nil
}

// MakeDynamic converts mac's static lease back to dynamic, persisting the
// result if a [Persister] is configured.
func (s *Server) MakeDynamic(mac net.HardwareAddr) (l *Lease, err error) {
	l, err = s.table.MakeDynamic(mac)
	if err != nil {
		return nil, err
	}

	s.persist()

	return l, nil
}

// RemoveLease removes mac's lease, persisting the result if a [Persister] is
// configured.
func (s *Server) RemoveLease(mac net.HardwareAddr) (err error) {
	err = s.table.Remove(mac)
	if err != nil {
		return err
	}

	s.persist()

	return nil
}

func (s *Server) persist() {
	if _, ok := s.cfg.Persister.(noopPersister); ok || s.cfg.Persister == nil {
		return
	}

	err := s.cfg.Persister.Store(s.table.Snapshot())
	if err != nil {
		s.engine.trace("persisting leases: " + err.Error())
	}
}

// Start binds the transport on ifaceName and begins serving: a receive loop
// that hands each datagram to the engine, and a periodic sweeper over the
// lease table.  It returns once the transport is bound; serving continues in
// background goroutines until [Server.Stop] is called.
func (s *Server) Start(ifaceName string) (err error) {
	addr := &net.UDPAddr{IP: net.IPv4zero, Port: 67}

	s.transport, err = NewTransport(ifaceName, addr)
	if err != nil {
		s.engine.statusC <- StatusChange{Active: false, Reason: err}

		return fmt.Errorf("starting transport: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.stop = cancel

	go s.table.RunSweeper(s.cfg.sweepInterval(), ctx.Done())

	go func() {
		defer close(s.done)

		serveErr := s.transport.Serve(s.handleDatagram)

		select {
		case <-ctx.Done():
			s.engine.statusC <- StatusChange{Active: false, Reason: nil}
		default:
			s.engine.statusC <- StatusChange{Active: false, Reason: serveErr}
		}
	}()

	s.engine.statusC <- StatusChange{Active: true}

	return nil
}

// handleDatagram adapts the engine's Handle to the transport's [Handler]
// shape, sending the reply (if any) and persisting lease changes.
func (s *Server) handleDatagram(peer *net.UDPAddr, data []byte) {
	dest, out, send := s.engine.Handle(peer, data)
	if send {
		err := s.transport.Send(out, dest)
		if err != nil {
			s.engine.trace("sending reply to " + dest.String() + ": " + err.Error())
		}
	}

	s.persist()
}

// Stop shuts the server down: it closes the transport, which causes the
// receive loop to exit, and cancels the sweeper.
func (s *Server) Stop() (err error) {
	if s.stop != nil {
		s.stop()
	}

	if s.transport != nil {
		err = s.transport.Close()
	}

	<-s.done

	return err
}
