// Package filestore persists a lease table to a single JSON file, written
// atomically so a crash mid-write never leaves a truncated database behind.
package filestore

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/google/renameio/v2/maybe"
	"github.com/insomniacslk/dhcp/dhcpv4"

	"github.com/Insei/DHCPServer/internal/dhcp4d"
)

// dataVersion is the current version of the stored structure.
const dataVersion = 1

// filePerm is the permission bits the database file is created with.
const filePerm fs.FileMode = 0o640

// dataLeases is the on-disk structure of the stored lease database.
type dataLeases struct {
	Leases  []*dbLease `json:"leases"`
	Version int        `json:"version"`
}

// dbOption is the on-disk form of a [dhcp4d.Option].
type dbOption struct {
	Code uint8  `json:"code"`
	Data []byte `json:"data"`
}

// dbLease is the on-disk form of a [dhcp4d.Lease].
type dbLease struct {
	HWAddr    string     `json:"mac"`
	ClientID  []byte     `json:"client_id,omitempty"`
	Hostname  string     `json:"hostname"`
	Address   netip.Addr `json:"ip"`
	Options   []dbOption `json:"options,omitempty"`
	Start     time.Time  `json:"start"`
	End       time.Time  `json:"end"`
	LeaseTime int64      `json:"lease_time_s"`
	Status    int        `json:"status"`
	Static    bool       `json:"static"`
	Blocked   bool       `json:"blocked"`
}

// toDB converts l to its on-disk form.
func toDB(l *dhcp4d.Lease) (dl *dbLease) {
	opts := make([]dbOption, 0, len(l.Options))
	for _, o := range l.Options {
		opts = append(opts, dbOption{Code: o.Code.Code(), Data: o.Data})
	}

	return &dbLease{
		HWAddr:    l.HWAddr.String(),
		ClientID:  l.ClientID,
		Hostname:  l.Hostname,
		Address:   l.Address,
		Options:   opts,
		Start:     l.Start,
		End:       l.End,
		LeaseTime: int64(l.LeaseTime / time.Second),
		Status:    int(l.Status),
		Static:    l.Static,
		Blocked:   l.Blocked,
	}
}

// toInternal converts dl back to a [dhcp4d.Lease].
func (dl *dbLease) toInternal() (l *dhcp4d.Lease, err error) {
	mac, err := net.ParseMAC(dl.HWAddr)
	if err != nil {
		return nil, fmt.Errorf("parsing hardware address: %w", err)
	}

	opts := make([]dhcp4d.Option, 0, len(dl.Options))
	for _, o := range dl.Options {
		opts = append(opts, dhcp4d.Option{Code: dhcpv4.GenericOptionCode(o.Code), Data: o.Data})
	}

	return &dhcp4d.Lease{
		HWAddr:    mac,
		ClientID:  dl.ClientID,
		Hostname:  dl.Hostname,
		Address:   dl.Address,
		Options:   opts,
		Start:     dl.Start,
		End:       dl.End,
		LeaseTime: time.Duration(dl.LeaseTime) * time.Second,
		Status:    dhcp4d.Status(dl.Status),
		Static:    dl.Static,
		Blocked:   dl.Blocked,
	}, nil
}

// Store is a [dhcp4d.Persister] backed by a single JSON file, written
// atomically via [maybe.WriteFile] so a reader never observes a partial
// write.
type Store struct {
	path string
}

// type check
var _ dhcp4d.Persister = (*Store)(nil)

// New returns a Store persisting to path.
func New(path string) (s *Store) {
	return &Store{path: path}
}

// Load implements the [dhcp4d.Persister] interface for *Store.  A missing
// file is not an error: it means there is nothing to restore yet.
func (s *Store) Load() (leases []*dhcp4d.Lease, err error) {
	defer func() { err = errors.Annotate(err, "loading leases from %s: %w", s.path) }()

	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, err
	}
	defer func() {
		err = errors.WithDeferred(err, f.Close())
	}()

	dl := &dataLeases{}
	err = json.NewDecoder(f).Decode(dl)
	if err != nil {
		return nil, fmt.Errorf("decoding: %w", err)
	}

	leases = make([]*dhcp4d.Lease, 0, len(dl.Leases))
	for i, entry := range dl.Leases {
		l, cerr := entry.toInternal()
		if cerr != nil {
			return nil, fmt.Errorf("converting lease %d: %w", i, cerr)
		}

		leases = append(leases, l)
	}

	return leases, nil
}

// Store implements the [dhcp4d.Persister] interface for *Store.  It
// replaces the file's entire contents with leases.
func (s *Store) Store(leases []*dhcp4d.Lease) (err error) {
	defer func() { err = errors.Annotate(err, "storing leases to %s: %w", s.path) }()

	dl := &dataLeases{
		// Avoid encoding null if there are no leases.
		Leases:  make([]*dbLease, 0, len(leases)),
		Version: dataVersion,
	}

	for _, l := range leases {
		dl.Leases = append(dl.Leases, toDB(l))
	}

	buf, err := json.Marshal(dl)
	if err != nil {
		return err
	}

	return maybe.WriteFile(s.path, buf, filePerm)
}
