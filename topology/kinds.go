package topology

import (
	"fmt"
	"strings"
)

// ContainerKind tags the variant of a Container. The numeric order is the order in
// which kinds are committed during the Increase stage.
type ContainerKind int

const (
	KindDisk ContainerKind = iota + 1
	KindMd
	KindLoop
	KindLvm
	KindDm
	KindDmRaid
	KindNfs
	KindDmMultipath
)

var containerKindNames = map[ContainerKind]string{
	KindDisk:        "disk",
	KindMd:          "md",
	KindLoop:        "loop",
	KindLvm:         "lvm",
	KindDm:          "dm",
	KindDmRaid:      "dmraid",
	KindNfs:         "nfs",
	KindDmMultipath: "dmmultipath",
}

func (k ContainerKind) String() string {
	if s, ok := containerKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseContainerKind is the inverse of ContainerKind.String.
func ParseContainerKind(s string) (ContainerKind, error) {
	for k, name := range containerKindNames {
		if name == strings.ToLower(s) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown container kind %q", s)
}

// Grouped reports whether every volume of this kind lives in one shared container
// named after the kind.
func (k ContainerKind) Grouped() bool {
	return k == KindMd || k == KindLoop || k == KindDm || k == KindNfs
}

// groupKindNamed returns the grouped kind whose shared container is called name.
func groupKindNamed(name string) (ContainerKind, bool) {
	for k, n := range containerKindNames {
		if n == name && k.Grouped() {
			return k, true
		}
	}
	return 0, false
}

// DiskLike reports whether containers of this kind hold a partition table.
func (k ContainerKind) DiskLike() bool {
	return k == KindDisk || k == KindDmRaid || k == KindDmMultipath
}

// VolumeKind tags the variant of a Volume.
type VolumeKind int

const (
	VolPartition VolumeKind = iota + 1
	VolLogical
	VolRaid
	VolMapped
	VolLoop
	VolNfs
)

var volumeKindNames = map[VolumeKind]string{
	VolPartition: "partition",
	VolLogical:   "logical-volume",
	VolRaid:      "raid",
	VolMapped:    "mapped",
	VolLoop:      "loop",
	VolNfs:       "nfs",
}

func (k VolumeKind) String() string {
	if s, ok := volumeKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("volume(%d)", int(k))
}

// Mapped reports whether the volume is realized through device mapper.
func (k VolumeKind) Mapped() bool {
	return k == VolLogical || k == VolMapped
}

// Numbered reports whether volumes of this kind carry a numeric index that must be
// unique inside their container.
func (k VolumeKind) Numbered() bool {
	return k == VolPartition || k == VolRaid || k == VolLoop
}

// volumeKindFor is the one volume kind each container kind may hold.
func volumeKindFor(k ContainerKind) VolumeKind {
	switch k {
	case KindDisk, KindDmRaid, KindDmMultipath:
		return VolPartition
	case KindLvm:
		return VolLogical
	case KindMd:
		return VolRaid
	case KindDm:
		return VolMapped
	case KindLoop:
		return VolLoop
	case KindNfs:
		return VolNfs
	}
	return 0
}

// FsType is a filesystem type. The empty value means no filesystem is known.
type FsType string

const (
	FsNone  FsType = ""
	FsExt2  FsType = "ext2"
	FsExt3  FsType = "ext3"
	FsExt4  FsType = "ext4"
	FsXfs   FsType = "xfs"
	FsBtrfs FsType = "btrfs"
	FsVfat  FsType = "vfat"
	FsSwap  FsType = "swap"
	FsNfs   FsType = "nfs"
)

// ParseFsType accepts the names above.
func ParseFsType(s string) (FsType, error) {
	switch fs := FsType(strings.ToLower(s)); fs {
	case FsNone, FsExt2, FsExt3, FsExt4, FsXfs, FsBtrfs, FsVfat, FsSwap, FsNfs:
		return fs, nil
	}
	return FsNone, fmt.Errorf("unknown filesystem %q", s)
}

// MaxLabelLen is the longest label the filesystem accepts.
func (fs FsType) MaxLabelLen() int {
	switch fs {
	case FsExt2, FsExt3, FsExt4, FsSwap:
		return 16
	case FsXfs:
		return 12
	case FsVfat:
		return 11
	case FsBtrfs:
		return 255
	}
	return 0
}

// EncType is the encryption applied below the filesystem.
type EncType string

const (
	EncNone  EncType = ""
	EncLuks  EncType = "luks"
	EncLuks2 EncType = "luks2"
)

// PartitionType distinguishes msdos primary/extended/logical partitions.
type PartitionType string

const (
	Primary  PartitionType = "primary"
	Extended PartitionType = "extended"
	Logical  PartitionType = "logical"
)

// Partition table labels.
const (
	LabelMsdos = "msdos"
	LabelGPT   = "gpt"
)

// RaidLevel is a software RAID personality.
type RaidLevel string

const (
	Raid0  RaidLevel = "raid0"
	Raid1  RaidLevel = "raid1"
	Raid5  RaidLevel = "raid5"
	Raid6  RaidLevel = "raid6"
	Raid10 RaidLevel = "raid10"
)

// MinDevices is the smallest member count the level can be built from.
func (l RaidLevel) MinDevices() int {
	switch l {
	case Raid0, Raid1, Raid10:
		return 2
	case Raid5:
		return 3
	case Raid6:
		return 4
	}
	return 0
}

// SizeK computes the array size from the member count and the smallest member.
func (l RaidLevel) SizeK(members int, smallestK uint64) uint64 {
	n := uint64(members)
	switch l {
	case Raid0:
		return n * smallestK
	case Raid1:
		return smallestK
	case Raid5:
		return (n - 1) * smallestK
	case Raid6:
		return (n - 2) * smallestK
	case Raid10:
		return n * smallestK / 2
	}
	return 0
}
