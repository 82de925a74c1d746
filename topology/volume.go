package topology

import (
	"fmt"
	"strings"

	humanize "github.com/dustin/go-humanize"

	"github.com/superfly/storagemgr/extent"
)

// Volume is a typed unit of storage inside exactly one container. Container holds the
// owning container's registry name; resolve it through Storage, never keep a pointer.
//
// Orig* fields hold the state that exists on the system; the unprefixed fields hold the
// requested state. The difference between the two is the pending work a commit performs.
type Volume struct {
	Kind      VolumeKind `json:"kind"`
	Container string     `json:"container"`
	Name      string     `json:"name"`
	Num       int        `json:"num,omitempty"`
	Device    string     `json:"device"`
	AltNames  []string   `json:"alt_names,omitempty"`
	SizeK     uint64     `json:"size_k"`
	OrigSizeK uint64     `json:"orig_size_k"`
	Major     int        `json:"major,omitempty"`
	Minor     int        `json:"minor,omitempty"`
	Created   bool       `json:"created,omitempty"`
	Deleted   bool       `json:"deleted,omitempty"`

	Format           bool    `json:"format,omitempty"`
	FsType           FsType  `json:"fs_type,omitempty"`
	OrigFsType       FsType  `json:"orig_fs_type,omitempty"`
	UUID             string  `json:"uuid,omitempty"`
	Label            string  `json:"label,omitempty"`
	OrigLabel        string  `json:"orig_label,omitempty"`
	Mount            string  `json:"mount,omitempty"`
	OrigMount        string  `json:"orig_mount,omitempty"`
	FstabOptions     string  `json:"fstab_options,omitempty"`
	OrigFstabOptions string  `json:"orig_fstab_options,omitempty"`
	Encryption       EncType `json:"encryption,omitempty"`
	OrigEncryption   EncType `json:"orig_encryption,omitempty"`
	IsMounted        bool    `json:"is_mounted,omitempty"`
	RemountPending   bool    `json:"remount_pending,omitempty"`

	Partition *PartitionInfo `json:"partition,omitempty"`
	LV        *LvInfo        `json:"lv,omitempty"`
	Raid      *RaidInfo      `json:"raid,omitempty"`
	Mapped    *MappedInfo    `json:"mapped,omitempty"`
	Loop      *LoopInfo      `json:"loop,omitempty"`
}

// PartitionInfo places a partition on its disk.
type PartitionInfo struct {
	Type   PartitionType `json:"type"`
	StartK uint64        `json:"start_k"`
}

// EndK is the first kilobyte after the partition.
func (v *Volume) EndK() uint64 {
	if v.Partition == nil {
		return 0
	}
	return v.Partition.StartK + v.SizeK
}

// LvInfo is the payload of a logical volume.
type LvInfo struct {
	Extents     uint64     `json:"extents"`
	Stripes     int        `json:"stripes"`
	StripeSizeK uint64     `json:"stripe_size_k,omitempty"`
	Map         extent.Map `json:"map,omitempty"`
}

// RaidInfo is the payload of a software RAID array. Added and Removed hold member
// changes queued on an array that already exists.
type RaidInfo struct {
	Level   RaidLevel `json:"level"`
	ChunkK  uint64    `json:"chunk_k,omitempty"`
	Devices []string  `json:"devices"`
	Spares  []string  `json:"spares,omitempty"`
	Added   []string  `json:"added,omitempty"`
	Removed []string  `json:"removed,omitempty"`
}

// Target is one linear segment of a mapped device.
type Target struct {
	Device  string `json:"device"`
	OffsetK uint64 `json:"offset_k,omitempty"`
	SizeK   uint64 `json:"size_k"`
}

// MappedInfo is the payload of a device-mapper device.
type MappedInfo struct {
	Targets []Target `json:"targets"`
}

// LoopInfo is the payload of a loop device.
type LoopInfo struct {
	File  string `json:"file"`
	Reuse bool   `json:"reuse,omitempty"`
}

// Clone deep-copies the volume.
func (v *Volume) Clone() *Volume {
	out := *v
	out.AltNames = cloneStrings(v.AltNames)
	if v.Partition != nil {
		p := *v.Partition
		out.Partition = &p
	}
	if v.LV != nil {
		lv := *v.LV
		if v.LV.Map != nil {
			lv.Map = v.LV.Map.Clone()
		}
		out.LV = &lv
	}
	if v.Raid != nil {
		r := *v.Raid
		r.Devices = cloneStrings(v.Raid.Devices)
		r.Spares = cloneStrings(v.Raid.Spares)
		r.Added = cloneStrings(v.Raid.Added)
		r.Removed = cloneStrings(v.Raid.Removed)
		out.Raid = &r
	}
	if v.Mapped != nil {
		m := *v.Mapped
		m.Targets = append([]Target(nil), v.Mapped.Targets...)
		out.Mapped = &m
	}
	if v.Loop != nil {
		l := *v.Loop
		out.Loop = &l
	}
	return &out
}

// Matches reports whether device names this volume.
func (v *Volume) Matches(device string) bool {
	if v.Device == device {
		return true
	}
	for _, alt := range v.AltNames {
		if alt == device {
			return true
		}
	}
	return false
}

// NeedShrink reports a pending size decrease on an existing volume.
func (v *Volume) NeedShrink() bool {
	return !v.Created && !v.Deleted && v.SizeK < v.OrigSizeK
}

// NeedExtend reports a pending size increase on an existing volume.
func (v *Volume) NeedExtend() bool {
	return !v.Created && !v.Deleted && v.SizeK > v.OrigSizeK
}

// NeedLabel reports a label change that is not covered by a format.
func (v *Volume) NeedLabel() bool {
	return !v.Deleted && !v.Format && v.Label != v.OrigLabel
}

// NeedMountUpdate reports a change to the mount table or active mount.
func (v *Volume) NeedMountUpdate() bool {
	if v.Deleted {
		return false
	}
	return v.Mount != v.OrigMount ||
		v.FstabOptions != v.OrigFstabOptions ||
		v.Encryption != v.OrigEncryption ||
		v.RemountPending
}

// NeedDecrease reports work for the Decrease stage.
func (v *Volume) NeedDecrease() bool {
	return v.Deleted || v.NeedShrink() || (v.Raid != nil && !v.Created && len(v.Raid.Removed) > 0)
}

// NeedIncrease reports work for the Increase stage. NFS mounts have nothing to create;
// they are realized by their mount.
func (v *Volume) NeedIncrease() bool {
	if v.Deleted || v.Kind == VolNfs {
		return false
	}
	return v.Created || v.NeedExtend() || (v.Raid != nil && len(v.Raid.Added) > 0)
}

// NeedFormat reports work for the Format stage.
func (v *Volume) NeedFormat() bool {
	return !v.Deleted && (v.Format || v.NeedLabel())
}

// Pending reports whether any stage has work for the volume.
func (v *Volume) Pending() bool {
	return v.NeedDecrease() || v.NeedIncrease() || v.NeedFormat() || v.NeedMountUpdate()
}

// Members lists the devices the volume is built from.
func (v *Volume) Members() []string {
	var devs []string
	switch {
	case v.Raid != nil:
		devs = append(devs, v.Raid.Devices...)
		devs = append(devs, v.Raid.Spares...)
		devs = append(devs, v.Raid.Added...)
		devs = append(devs, v.Raid.Removed...)
	case v.Mapped != nil:
		seen := map[string]bool{}
		for _, t := range v.Mapped.Targets {
			if !seen[t.Device] {
				seen[t.Device] = true
				devs = append(devs, t.Device)
			}
		}
	}
	return devs
}

// SizeString formats a size in kilobytes for display.
func SizeString(sizeK uint64) string {
	return humanize.IBytes(sizeK * 1024)
}

func (v *Volume) String() string {
	return fmt.Sprintf("%s %s (%s)", v.Kind, v.Device, SizeString(v.SizeK))
}

// PartitionDevice names partition num of a disk: sda -> sda3, nvme0n1 -> nvme0n1p3,
// mapper wrappers -> name-part3.
func PartitionDevice(disk string, kind ContainerKind, num int) string {
	if kind != KindDisk {
		return fmt.Sprintf("%s-part%d", disk, num)
	}
	last := disk[len(disk)-1]
	if last >= '0' && last <= '9' {
		return fmt.Sprintf("%sp%d", disk, num)
	}
	return fmt.Sprintf("%s%d", disk, num)
}

// mapperName is the /dev/mapper node of a logical volume.
func mapperName(vg, lv string) string {
	esc := func(s string) string { return strings.ReplaceAll(s, "-", "--") }
	return "/dev/mapper/" + esc(vg) + "-" + esc(lv)
}
