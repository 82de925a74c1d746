// Package extent implements physical-extent bookkeeping for volume groups.
//
// A Pool holds the physical volumes of one group in three lists: Active (on disk),
// Added (queued by an extend, not yet committed) and Removed (queued by a reduce). Only
// Active and Added volumes contribute extents. Logical volumes record where their extents
// live as a Map from physical-volume device to extent count.
//
// Every mutating method either succeeds completely or leaves the Pool untouched: the work
// is done on a clone and swapped in at the end.
package extent

import (
	"fmt"
	"sort"

	"github.com/superfly/storagemgr/errcode"
)

// DefaultExtentSize is the LVM default of 4 MiB.
const DefaultExtentSize = 4 * 1024 * 1024

// MetadataReserveK is the space at the start of every physical volume that holds LVM
// metadata and never becomes extents.
const MetadataReserveK = 500

// PV is one physical-volume record.
type PV struct {
	Device string `json:"device" yaml:"device"`
	UUID   string `json:"uuid,omitempty" yaml:"uuid,omitempty"`
	Status string `json:"status,omitempty" yaml:"status,omitempty"`
	Total  uint64 `json:"total" yaml:"total"`
	Free   uint64 `json:"free" yaml:"free"`
}

// Used returns the number of allocated extents.
func (pv PV) Used() uint64 { return pv.Total - pv.Free }

// Map is a per-device extent distribution of one logical volume.
type Map map[string]uint64

// Total sums the extents of every device in the map.
func (m Map) Total() uint64 {
	var n uint64
	for _, v := range m {
		n += v
	}
	return n
}

// Clone returns an independent copy.
func (m Map) Clone() Map {
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Devices returns the devices of the map in sorted order.
func (m Map) Devices() []string {
	devs := make([]string, 0, len(m))
	for d := range m {
		devs = append(devs, d)
	}
	sort.Strings(devs)
	return devs
}

// Pool is the extent state of one volume group.
type Pool struct {
	ExtentSize   uint64 `json:"extent_size" yaml:"extent_size"`
	TotalExtents uint64 `json:"total_extents" yaml:"total_extents"`
	FreeExtents  uint64 `json:"free_extents" yaml:"free_extents"`
	Active       []PV   `json:"active,omitempty" yaml:"active,omitempty"`
	Added        []PV   `json:"added,omitempty" yaml:"added,omitempty"`
	Removed      []PV   `json:"removed,omitempty" yaml:"removed,omitempty"`
}

// NewPool returns an empty pool with the given extent size in bytes.
func NewPool(extentSize uint64) *Pool {
	return &Pool{ExtentSize: extentSize}
}

// Clone returns a deep copy.
func (p *Pool) Clone() *Pool {
	out := *p
	out.Active = append([]PV(nil), p.Active...)
	out.Added = append([]PV(nil), p.Added...)
	out.Removed = append([]PV(nil), p.Removed...)
	return &out
}

// ValidExtentSize reports whether size is a power of two of at least 1 KiB.
func ValidExtentSize(size uint64) bool {
	return size >= 1024 && size&(size-1) == 0
}

// ExtentsForSize converts a device size into the number of extents it yields as a
// physical volume.
func ExtentsForSize(sizeK, extentSize uint64) uint64 {
	if sizeK <= MetadataReserveK || extentSize == 0 {
		return 0
	}
	return (sizeK - MetadataReserveK) * 1024 / extentSize
}

// ExtentsForVolume converts a requested logical-volume size into an extent count,
// rounded up and then up again to a multiple of stripes.
func ExtentsForVolume(sizeK, extentSize uint64, stripes int) uint64 {
	if extentSize == 0 {
		return 0
	}
	n := (sizeK*1024 + extentSize - 1) / extentSize
	if stripes > 1 {
		s := uint64(stripes)
		if rem := n % s; rem != 0 {
			n += s - rem
		}
	}
	return n
}

// SizeK converts an extent count back to kilobytes.
func (p *Pool) SizeK(extents uint64) uint64 {
	return extents * p.ExtentSize / 1024
}

// Contains reports whether device is listed in any of the three lists.
func (p *Pool) Contains(device string) bool {
	return indexOf(p.Active, device) >= 0 || indexOf(p.Added, device) >= 0 || indexOf(p.Removed, device) >= 0
}

// Devices lists active and added physical volumes, in that order.
func (p *Pool) Devices() []string {
	devs := make([]string, 0, len(p.Active)+len(p.Added))
	for _, pv := range p.Active {
		devs = append(devs, pv.Device)
	}
	for _, pv := range p.Added {
		devs = append(devs, pv.Device)
	}
	return devs
}

// Lookup returns the record for device and the list it lives in ("active", "added" or
// "removed").
func (p *Pool) Lookup(device string) (PV, string, bool) {
	if i := indexOf(p.Active, device); i >= 0 {
		return p.Active[i], "active", true
	}
	if i := indexOf(p.Added, device); i >= 0 {
		return p.Added[i], "added", true
	}
	if i := indexOf(p.Removed, device); i >= 0 {
		return p.Removed[i], "removed", true
	}
	return PV{}, "", false
}

// AddPV queues a new physical volume. A device waiting in Removed is moved back to
// Active instead, since it was never taken off the disk.
func (p *Pool) AddPV(pv PV) error {
	if indexOf(p.Active, pv.Device) >= 0 || indexOf(p.Added, pv.Device) >= 0 {
		return errcode.New(errcode.AlreadyMember, "add-pv", pv.Device, "already part of the pool")
	}
	if i := indexOf(p.Removed, pv.Device); i >= 0 {
		back := p.Removed[i]
		p.Removed = append(p.Removed[:i], p.Removed[i+1:]...)
		p.Active = append(p.Active, back)
		p.TotalExtents += back.Total
		p.FreeExtents += back.Free
		return nil
	}
	if pv.Free > pv.Total {
		pv.Free = pv.Total
	}
	p.Added = append(p.Added, pv)
	p.TotalExtents += pv.Total
	p.FreeExtents += pv.Free
	return nil
}

// CommitAdded moves device from Added to Active once it exists on disk.
func (p *Pool) CommitAdded(device string) bool {
	i := indexOf(p.Added, device)
	if i < 0 {
		return false
	}
	pv := p.Added[i]
	p.Added = append(p.Added[:i], p.Added[i+1:]...)
	p.Active = append(p.Active, pv)
	return true
}

// CommitRemoved forgets device once it has been taken out of the group on disk.
func (p *Pool) CommitRemoved(device string) bool {
	i := indexOf(p.Removed, device)
	if i < 0 {
		return false
	}
	p.Removed = append(p.Removed[:i], p.Removed[i+1:]...)
	return true
}

// Allocate reserves n extents. With stripes <= 1 physical volumes are filled greedily,
// most free first. With stripes > 1, n must be a multiple of stripes and the stripes
// physical volumes with the most free extents each give n/stripes.
func (p *Pool) Allocate(n uint64, stripes int) (Map, error) {
	if n == 0 {
		return Map{}, nil
	}
	if n > p.FreeExtents {
		return nil, errcode.New(errcode.NoSpace, "allocate", "",
			"need %d extents, %d free", n, p.FreeExtents)
	}
	work := p.Clone()
	cands := work.candidates()

	out := Map{}
	if stripes <= 1 {
		remaining := n
		for _, pv := range cands {
			if remaining == 0 {
				break
			}
			if pv.Free == 0 {
				continue
			}
			take := pv.Free
			if take > remaining {
				take = remaining
			}
			pv.Free -= take
			out[pv.Device] += take
			remaining -= take
		}
		if remaining > 0 {
			return nil, errcode.New(errcode.NoSpace, "allocate", "",
				"%d extents could not be placed", remaining)
		}
	} else {
		s := uint64(stripes)
		if n%s != 0 {
			return nil, errcode.New(errcode.StripeUnsatisfiable, "allocate", "",
				"%d extents is not a multiple of %d stripes", n, stripes)
		}
		if len(cands) < stripes {
			return nil, errcode.New(errcode.StripeUnsatisfiable, "allocate", "",
				"%d stripes requested, pool has %d physical volumes", stripes, len(cands))
		}
		share := n / s
		for _, pv := range cands[:stripes] {
			if pv.Free < share {
				return nil, errcode.New(errcode.StripeUnsatisfiable, "allocate", pv.Device,
					"stripe needs %d extents per volume, %d free", share, pv.Free)
			}
		}
		for _, pv := range cands[:stripes] {
			pv.Free -= share
			out[pv.Device] = share
		}
	}
	work.FreeExtents -= n
	*p = *work
	return out, nil
}

// Release gives n extents of m back to the pool and returns what is left of m. m itself
// is not modified.
//
// A linear volume (stripes <= 1) drains its smallest allocation first so a physical
// volume queued for removal empties as early as possible. A striped volume gives back
// the same number of extents from every device it spans, keeping the stripes even.
func (p *Pool) Release(m Map, n uint64, stripes int) (Map, error) {
	rest := m.Clone()
	for dev, k := range rest {
		if k == 0 {
			delete(rest, dev)
		}
	}
	if n > rest.Total() {
		return nil, errcode.New(errcode.InvalidArgument, "release", "",
			"release %d extents, only %d allocated", n, rest.Total())
	}
	work := p.Clone()
	for n > 0 {
		if stripes <= 1 {
			dev := smallest(rest)
			take := rest[dev]
			if take > n {
				take = n
			}
			if err := work.giveBack(rest, dev, take); err != nil {
				return nil, err
			}
			n -= take
			continue
		}

		// One round takes an equal share from every device still holding extents,
		// bounded by the smallest of them. Leftovers below one extent per device go
		// to the devices in name order.
		devs := rest.Devices()
		share := n / uint64(len(devs))
		if share == 0 {
			share = 1
		}
		if low := rest[smallest(rest)]; share > low {
			share = low
		}
		for _, dev := range devs {
			if n == 0 {
				break
			}
			if err := work.giveBack(rest, dev, share); err != nil {
				return nil, err
			}
			n -= share
		}
	}
	*p = *work
	return rest, nil
}

// giveBack moves take extents of dev from rest to the free count of the pool.
func (p *Pool) giveBack(rest Map, dev string, take uint64) error {
	pv := p.allocatable(dev)
	if pv == nil {
		return errcode.New(errcode.InvariantViolation, "release", dev,
			"extents mapped to a device that is not an allocatable physical volume")
	}
	if pv.Free+take > pv.Total {
		return errcode.New(errcode.InvariantViolation, "release", dev,
			"release of %d extents overflows physical volume (%d/%d free)", take, pv.Free, pv.Total)
	}
	pv.Free += take
	p.FreeExtents += take
	rest[dev] -= take
	if rest[dev] == 0 {
		delete(rest, dev)
	}
	return nil
}

// Holder is a logical volume whose extents may need to move during an evacuation.
type Holder struct {
	Name    string
	Stripes int
	Map     Map
}

// Evacuate takes device out of the allocatable set, moving every extent it holds onto
// other physical volumes. It returns the new maps of the holders that moved. An active
// device lands in Removed; a device that was only queued in Added is dropped. If any
// holder cannot be re-homed the pool is left untouched and the error is DeviceInUse.
func (p *Pool) Evacuate(device string, holders []Holder) (map[string]Map, error) {
	work := p.Clone()

	var pv PV
	active := false
	if i := indexOf(work.Active, device); i >= 0 {
		pv = work.Active[i]
		work.Active = append(work.Active[:i], work.Active[i+1:]...)
		active = true
	} else if i := indexOf(work.Added, device); i >= 0 {
		pv = work.Added[i]
		work.Added = append(work.Added[:i], work.Added[i+1:]...)
	} else {
		return nil, errcode.New(errcode.UnknownDevice, "evacuate", device, "not an allocatable physical volume")
	}
	work.TotalExtents -= pv.Total
	work.FreeExtents -= pv.Free

	moved := map[string]Map{}
	for _, h := range holders {
		n := h.Map[device]
		if n == 0 {
			continue
		}
		m := h.Map.Clone()
		delete(m, device)

		var got Map
		var err error
		if h.Stripes > 1 {
			got, err = work.allocateOutside(n, m)
		} else {
			got, err = work.Allocate(n, 1)
		}
		if err != nil {
			return nil, errcode.New(errcode.DeviceInUse, "evacuate", device,
				"cannot move %d extents of %s: %v", n, h.Name, err)
		}
		for d, k := range got {
			m[d] += k
		}
		moved[h.Name] = m
	}

	if active {
		pv.Free = pv.Total
		work.Removed = append(work.Removed, pv)
	}
	*p = *work
	return moved, nil
}

// allocateOutside places n extents on a single physical volume not already in used,
// keeping a striped volume's stripes on distinct devices.
func (p *Pool) allocateOutside(n uint64, used Map) (Map, error) {
	for _, pv := range p.candidates() {
		if _, taken := used[pv.Device]; taken {
			continue
		}
		if pv.Free >= n {
			pv.Free -= n
			p.FreeExtents -= n
			return Map{pv.Device: n}, nil
		}
	}
	return nil, errcode.New(errcode.StripeUnsatisfiable, "allocate", "",
		"no single free physical volume can take %d extents", n)
}

// Check verifies the pool's counters against its physical-volume records and the maps
// of every live logical volume.
func (p *Pool) Check(maps []Map) error {
	var total, free uint64
	for _, list := range [][]PV{p.Active, p.Added} {
		for _, pv := range list {
			if pv.Free > pv.Total {
				return violation(pv.Device, "free %d exceeds total %d", pv.Free, pv.Total)
			}
			total += pv.Total
			free += pv.Free
		}
	}
	if total != p.TotalExtents {
		return violation("", "total extents %d, physical volumes sum to %d", p.TotalExtents, total)
	}
	if free != p.FreeExtents {
		return violation("", "free extents %d, physical volumes sum to %d", p.FreeExtents, free)
	}

	usedBy := map[string]uint64{}
	var allocated uint64
	for _, m := range maps {
		for dev, n := range m {
			if p.allocatable(dev) == nil {
				return violation(dev, "logical volume mapped to a device outside the pool")
			}
			usedBy[dev] += n
			allocated += n
		}
	}
	if p.FreeExtents+allocated != p.TotalExtents {
		return violation("", "free %d + allocated %d != total %d", p.FreeExtents, allocated, p.TotalExtents)
	}
	for _, list := range [][]PV{p.Active, p.Added} {
		for _, pv := range list {
			if pv.Used() != usedBy[pv.Device] {
				return violation(pv.Device, "%d extents used, logical volumes hold %d", pv.Used(), usedBy[pv.Device])
			}
		}
	}
	return nil
}

// candidates returns pointers into the Active and Added lists, most free first. Ties
// keep list order, Active before Added.
func (p *Pool) candidates() []*PV {
	out := make([]*PV, 0, len(p.Active)+len(p.Added))
	for i := range p.Active {
		out = append(out, &p.Active[i])
	}
	for i := range p.Added {
		out = append(out, &p.Added[i])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Free > out[j].Free })
	return out
}

func (p *Pool) allocatable(device string) *PV {
	if i := indexOf(p.Active, device); i >= 0 {
		return &p.Active[i]
	}
	if i := indexOf(p.Added, device); i >= 0 {
		return &p.Added[i]
	}
	return nil
}

func smallest(m Map) string {
	best := ""
	for _, dev := range m.Devices() {
		if best == "" || m[dev] < m[best] {
			best = dev
		}
	}
	return best
}

func indexOf(list []PV, device string) int {
	for i, pv := range list {
		if pv.Device == device {
			return i
		}
	}
	return -1
}

func violation(device, format string, args ...interface{}) error {
	return &errcode.Error{
		Code:   errcode.InvariantViolation,
		Op:     "extent-check",
		Device: device,
		Detail: fmt.Sprintf(format, args...),
	}
}
