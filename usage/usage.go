// Package usage records which devices are consumed by which higher-level entity.
//
// A record says "device D is used by consumer (Kind, Name)", for example a partition used
// by the volume group vg0 or a disk used by the RAID array /dev/md0. The relation is
// looked up from the device side; a consumer never keeps a list of its members. Records
// live in a go-memdb table indexed both ways, which also gives cheap immutable snapshots
// for backups and rollback.
package usage

import (
	"fmt"
	"sort"

	memdb "github.com/hashicorp/go-memdb"

	"github.com/superfly/storagemgr/errcode"
)

// Kind names the type of a consumer.
type Kind string

const (
	KindLvm         Kind = "lvm"
	KindMd          Kind = "md"
	KindDm          Kind = "dm"
	KindDmRaid      Kind = "dmraid"
	KindDmMultipath Kind = "dmmultipath"
)

// Record is one row of the used-by relation.
type Record struct {
	Device string `json:"device" yaml:"device"`
	Kind   string `json:"kind" yaml:"kind"`
	Name   string `json:"name" yaml:"name"`
}

// Consumer returns the (kind, name) pair of the record.
func (r Record) Consumer() (Kind, string) { return Kind(r.Kind), r.Name }

func (r Record) String() string {
	return fmt.Sprintf("%s used by %s %s", r.Device, r.Kind, r.Name)
}

const table = "used_by"

var schema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		table: {
			Name: table,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "Device"},
				},
				"consumer": {
					Name: "consumer",
					Indexer: &memdb.CompoundIndex{
						Indexes: []memdb.Indexer{
							&memdb.StringFieldIndex{Field: "Kind"},
							&memdb.StringFieldIndex{Field: "Name"},
						},
					},
				},
			},
		},
	},
}

// Tracker holds the used-by relation.
type Tracker struct {
	db *memdb.MemDB
}

// New returns an empty Tracker.
func New() *Tracker {
	db, err := memdb.NewMemDB(schema)
	if err != nil {
		// The schema is static; failing here is a programming error.
		panic(fmt.Sprintf("usage: invalid schema: %v", err))
	}
	return &Tracker{db: db}
}

// MarkUsed records that device is consumed by (kind, name). Recording the same consumer
// twice is a no-op; a different consumer fails with AlreadyUsed.
func (t *Tracker) MarkUsed(device string, kind Kind, name string) error {
	txn := t.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(table, "id", device)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", device, err)
	}
	if raw != nil {
		cur := raw.(*Record)
		if cur.Kind == string(kind) && cur.Name == name {
			return nil
		}
		return errcode.New(errcode.AlreadyUsed, "mark-used", device,
			"already used by %s %s", cur.Kind, cur.Name)
	}
	if err := txn.Insert(table, &Record{Device: device, Kind: string(kind), Name: name}); err != nil {
		return fmt.Errorf("insert %s: %w", device, err)
	}
	txn.Commit()
	return nil
}

// ClearUsed forgets any consumer of device. Clearing an unused device is fine.
func (t *Tracker) ClearUsed(device string) {
	txn := t.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First(table, "id", device)
	if err != nil || raw == nil {
		return
	}
	if err := txn.Delete(table, raw); err != nil {
		return
	}
	txn.Commit()
}

// ClearConsumer forgets every device consumed by (kind, name) and returns them.
func (t *Tracker) ClearConsumer(kind Kind, name string) []string {
	txn := t.db.Txn(true)
	defer txn.Abort()
	it, err := txn.Get(table, "consumer", string(kind), name)
	if err != nil {
		return nil
	}
	var recs []*Record
	for obj := it.Next(); obj != nil; obj = it.Next() {
		recs = append(recs, obj.(*Record))
	}
	devs := make([]string, 0, len(recs))
	for _, r := range recs {
		if err := txn.Delete(table, r); err != nil {
			return nil
		}
		devs = append(devs, r.Device)
	}
	txn.Commit()
	sort.Strings(devs)
	return devs
}

// IsUsed reports whether device has a consumer.
func (t *Tracker) IsUsed(device string) bool {
	_, ok := t.Lookup(device)
	return ok
}

// Lookup returns the record of device.
func (t *Tracker) Lookup(device string) (Record, bool) {
	txn := t.db.Txn(false)
	raw, err := txn.First(table, "id", device)
	if err != nil || raw == nil {
		return Record{}, false
	}
	return *raw.(*Record), true
}

// ConsumedBy lists the devices consumed by (kind, name), sorted.
func (t *Tracker) ConsumedBy(kind Kind, name string) []string {
	txn := t.db.Txn(false)
	it, err := txn.Get(table, "consumer", string(kind), name)
	if err != nil {
		return nil
	}
	var devs []string
	for obj := it.Next(); obj != nil; obj = it.Next() {
		devs = append(devs, obj.(*Record).Device)
	}
	sort.Strings(devs)
	return devs
}

// Records returns every record sorted by device.
func (t *Tracker) Records() []Record {
	txn := t.db.Txn(false)
	it, err := txn.Get(table, "id")
	if err != nil {
		return nil
	}
	var out []Record
	for obj := it.Next(); obj != nil; obj = it.Next() {
		out = append(out, *obj.(*Record))
	}
	return out
}

// Len returns the number of records.
func (t *Tracker) Len() int {
	return len(t.Records())
}

// Snapshot returns an independent Tracker with the current records. Later changes to
// either side are not visible to the other.
func (t *Tracker) Snapshot() *Tracker {
	return &Tracker{db: t.db.Snapshot()}
}

// Equal compares the records of two trackers.
func (t *Tracker) Equal(o *Tracker) bool {
	a, b := t.Records(), o.Records()
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Load replaces every record with recs. On a conflicting pair the tracker is left
// unchanged.
func (t *Tracker) Load(recs []Record) error {
	db, err := memdb.NewMemDB(schema)
	if err != nil {
		return err
	}
	txn := db.Txn(true)
	for _, r := range recs {
		raw, err := txn.First(table, "id", r.Device)
		if err != nil {
			txn.Abort()
			return err
		}
		if raw != nil {
			cur := raw.(*Record)
			if cur.Kind != r.Kind || cur.Name != r.Name {
				txn.Abort()
				return errcode.New(errcode.AlreadyUsed, "load", r.Device,
					"used by both %s %s and %s %s", cur.Kind, cur.Name, r.Kind, r.Name)
			}
			continue
		}
		rec := r
		if err := txn.Insert(table, &rec); err != nil {
			txn.Abort()
			return err
		}
	}
	txn.Commit()
	t.db = db
	return nil
}
