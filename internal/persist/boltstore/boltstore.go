// Package boltstore persists a lease table to a bbolt database, one key per
// lease keyed by its hardware address.
package boltstore

import (
	"encoding/json"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"go.etcd.io/bbolt"

	"github.com/Insei/DHCPServer/internal/dhcp4d"
)

// leasesBucket is the single bucket leases are stored under, keyed by
// hardware address string.
var leasesBucket = []byte("leases")

// record is the JSON form of a [dhcp4d.Lease] stored as a bucket value.
type record struct {
	ClientID  []byte         `json:"client_id,omitempty"`
	Hostname  string         `json:"hostname"`
	Address   netip.Addr     `json:"ip"`
	Options   []recordOption `json:"options,omitempty"`
	Start     time.Time      `json:"start"`
	End       time.Time      `json:"end"`
	LeaseTime int64          `json:"lease_time_s"`
	Status    int            `json:"status"`
	Static    bool           `json:"static"`
	Blocked   bool           `json:"blocked"`
}

// recordOption is the JSON form of a [dhcp4d.Option].
type recordOption struct {
	Code uint8  `json:"code"`
	Data []byte `json:"data"`
}

// toRecord converts l to its stored form.
func toRecord(l *dhcp4d.Lease) (r *record) {
	opts := make([]recordOption, 0, len(l.Options))
	for _, o := range l.Options {
		opts = append(opts, recordOption{Code: o.Code.Code(), Data: o.Data})
	}

	return &record{
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

// toLease converts r back to a [dhcp4d.Lease] for the given hardware
// address key.
func (r *record) toLease(hwKey string) (l *dhcp4d.Lease, err error) {
	mac, err := net.ParseMAC(hwKey)
	if err != nil {
		return nil, fmt.Errorf("parsing hardware address: %w", err)
	}

	opts := make([]dhcp4d.Option, 0, len(r.Options))
	for _, o := range r.Options {
		opts = append(opts, dhcp4d.Option{Code: dhcpv4.GenericOptionCode(o.Code), Data: o.Data})
	}

	return &dhcp4d.Lease{
		HWAddr:    mac,
		ClientID:  r.ClientID,
		Hostname:  r.Hostname,
		Address:   r.Address,
		Options:   opts,
		Start:     r.Start,
		End:       r.End,
		LeaseTime: time.Duration(r.LeaseTime) * time.Second,
		Status:    dhcp4d.Status(r.Status),
		Static:    r.Static,
		Blocked:   r.Blocked,
	}, nil
}

// Store is a [dhcp4d.Persister] backed by a bbolt database file.
type Store struct {
	db *bbolt.DB
}

// type check
var _ dhcp4d.Persister = (*Store)(nil)

// Open opens (creating if necessary) a bbolt database at path and returns a
// Store over it.  The caller must call [Store.Close] when done.
func Open(path string) (s *Store, err error) {
	db, err := bbolt.Open(path, 0o640, nil)
	if err != nil {
		return nil, fmt.Errorf("opening bolt database %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) (err error) {
		_, err = tx.CreateBucketIfNotExists(leasesBucket)

		return err
	})
	if err != nil {
		return nil, errors.WithDeferred(fmt.Errorf("creating leases bucket: %w", err), db.Close())
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() (err error) {
	return s.db.Close()
}

// Load implements the [dhcp4d.Persister] interface for *Store.
func (s *Store) Load() (leases []*dhcp4d.Lease, err error) {
	err = s.db.View(func(tx *bbolt.Tx) (err error) {
		b := tx.Bucket(leasesBucket)

		return b.ForEach(func(k, v []byte) (err error) {
			r := &record{}

			err = json.Unmarshal(v, r)
			if err != nil {
				return fmt.Errorf("decoding lease %q: %w", k, err)
			}

			l, err := r.toLease(string(k))
			if err != nil {
				return fmt.Errorf("converting lease %q: %w", k, err)
			}

			leases = append(leases, l)

			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("loading leases: %w", err)
	}

	return leases, nil
}

// Store implements the [dhcp4d.Persister] interface for *Store.  It
// replaces the bucket's entire contents with leases.
func (s *Store) Store(leases []*dhcp4d.Lease) (err error) {
	err = s.db.Update(func(tx *bbolt.Tx) (err error) {
		err = tx.DeleteBucket(leasesBucket)
		if err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return fmt.Errorf("clearing bucket: %w", err)
		}

		b, err := tx.CreateBucket(leasesBucket)
		if err != nil {
			return fmt.Errorf("recreating bucket: %w", err)
		}

		for _, l := range leases {
			buf, merr := json.Marshal(toRecord(l))
			if merr != nil {
				return fmt.Errorf("encoding lease %s: %w", l.HWAddr, merr)
			}

			err = b.Put([]byte(l.HWAddr.String()), buf)
			if err != nil {
				return fmt.Errorf("storing lease %s: %w", l.HWAddr, err)
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("storing leases: %w", err)
	}

	return nil
}
