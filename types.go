package storagemgr

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/superfly/storagemgr/errcode"
	"github.com/superfly/storagemgr/topology"
)

// Change operations understood by ChangeSet.Apply.
const (
	OpCreatePartition       = "create-partition"
	OpCreatePartitionAny    = "create-partition-any"
	OpDestroyPartitionTable = "destroy-partition-table"
	OpResize                = "resize"
	OpRemove                = "remove"
	OpCreateVolumeGroup     = "create-volume-group"
	OpExtendVolumeGroup     = "extend-volume-group"
	OpReduceVolumeGroup     = "reduce-volume-group"
	OpRemoveVolumeGroup     = "remove-volume-group"
	OpCreateLogicalVolume   = "create-logical-volume"
	OpCreateRaid            = "create-raid"
	OpAddRaidMember         = "add-raid-member"
	OpRemoveRaidMember      = "remove-raid-member"
	OpCreateMapped          = "create-mapped"
	OpCreateLoop            = "create-loop"
	OpAddNfs                = "add-nfs"
	OpFormat                = "format"
	OpMount                 = "mount"
	OpLabel                 = "label"
	OpEncrypt               = "encrypt"
	OpFstabOptions          = "fstab-options"
)

// ChangeSet is a list of changes to queue on the storage model.
// It is read from a YAML or JSON file by the CLI.
type ChangeSet struct {
	// Changes are applied in order.
	Changes []Change `json:"changes" yaml:"changes"`

	// RecursiveRemoval lets removals take the consumers of a device with them.
	RecursiveRemoval bool `json:"recursive_removal,omitempty" yaml:"recursive_removal,omitempty"`
}

// Change is one queued operation. Which fields are read depends on Op.
//
// Sizes are human readable ("10GiB", "512M", "1.5 TB"); a plain number is bytes.
type Change struct {
	// Op is one of the Op* constants (e.g., "create-logical-volume")
	Op string `json:"op" yaml:"op"`

	// Disk is the disk a partition change applies to (e.g., "sda" or "/dev/sda")
	Disk string `json:"disk,omitempty" yaml:"disk,omitempty"`

	// Device is the volume the change applies to (e.g., "/dev/vg0/data")
	Device string `json:"device,omitempty" yaml:"device,omitempty"`

	// Name is the name of a new volume group, logical volume or mapping
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Group is the volume group a logical volume is created in
	Group string `json:"group,omitempty" yaml:"group,omitempty"`

	// Type is the partition type: primary, extended or logical (optional, defaults to primary)
	Type string `json:"type,omitempty" yaml:"type,omitempty"`

	// Start is the offset of a new partition from the start of the disk
	Start string `json:"start,omitempty" yaml:"start,omitempty"`

	// Size is the size of a new or resized volume
	Size string `json:"size,omitempty" yaml:"size,omitempty"`

	// ExtentSize is the extent size of a new volume group (optional)
	ExtentSize string `json:"extent_size,omitempty" yaml:"extent_size,omitempty"`

	// Stripes is the stripe count of a new logical volume (optional, defaults to 1)
	Stripes int `json:"stripes,omitempty" yaml:"stripes,omitempty"`

	// Devices are the members of a new volume group or RAID array
	Devices []string `json:"devices,omitempty" yaml:"devices,omitempty"`

	// Spares are the spare members of a new RAID array
	Spares []string `json:"spares,omitempty" yaml:"spares,omitempty"`

	// Level is the RAID level (e.g., "raid1")
	Level string `json:"level,omitempty" yaml:"level,omitempty"`

	// Spare adds a RAID member as a spare
	Spare bool `json:"spare,omitempty" yaml:"spare,omitempty"`

	// Targets are the segments of a new mapped device
	Targets []ChangeTarget `json:"targets,omitempty" yaml:"targets,omitempty"`

	// File is the backing file of a loop device
	File string `json:"file,omitempty" yaml:"file,omitempty"`

	// Reuse attaches an existing backing file instead of creating one
	Reuse bool `json:"reuse,omitempty" yaml:"reuse,omitempty"`

	// Source is the host:/export of a network mount
	Source string `json:"source,omitempty" yaml:"source,omitempty"`

	// Mount is the mount point ("" unmounts, "swap" for swap space)
	Mount string `json:"mount,omitempty" yaml:"mount,omitempty"`

	// Fs is the filesystem to format with
	Fs string `json:"fs,omitempty" yaml:"fs,omitempty"`

	// Keep cancels a queued format instead of requesting one
	Keep bool `json:"keep,omitempty" yaml:"keep,omitempty"`

	// Label is the filesystem label, or the new table label for destroy-partition-table
	Label string `json:"label,omitempty" yaml:"label,omitempty"`

	// Encryption is the encryption type ("luks", "luks2" or "" for none)
	Encryption string `json:"encryption,omitempty" yaml:"encryption,omitempty"`

	// Options are the fstab mount options
	Options string `json:"options,omitempty" yaml:"options,omitempty"`
}

// ChangeTarget is one segment of a mapped device.
type ChangeTarget struct {
	Device string `json:"device" yaml:"device"`
	Offset string `json:"offset,omitempty" yaml:"offset,omitempty"`
	Size   string `json:"size" yaml:"size"`
}

// ChangeResult reports what Apply did.
type ChangeResult struct {
	// Devices lists the device names created by the change set, in order
	Devices []string `json:"devices,omitempty" yaml:"devices,omitempty"`

	// Applied is the number of changes queued
	Applied int `json:"applied" yaml:"applied"`
}

// LoadChangeSet reads a change set from a YAML or JSON file.
func LoadChangeSet(path string) (*ChangeSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read change set: %w", err)
	}
	cs := &ChangeSet{}
	if err := cs.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("failed to parse change set %s: %w", path, err)
	}
	return cs, nil
}

// Apply queues every change on s. Either all changes are queued or, on the first
// failing change, the model is put back as it was and the error names the change.
// Backup states are left alone.
func (cs *ChangeSet) Apply(s *topology.Storage) (*ChangeResult, error) {
	recursive := s.Options().RecursiveRemoval
	if cs.RecursiveRemoval {
		s.SetRecursiveRemoval(true)
		defer s.SetRecursiveRemoval(recursive)
	}

	res := &ChangeResult{}
	err := s.Batch("apply-changes", func() error {
		for i, c := range cs.Changes {
			dev, err := c.apply(s)
			if err != nil {
				return fmt.Errorf("change %d (%s): %w", i+1, c.Op, err)
			}
			if dev != "" {
				res.Devices = append(res.Devices, dev)
			}
			res.Applied++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Change) apply(s *topology.Storage) (string, error) {
	switch c.Op {
	case OpCreatePartition:
		start, err := parseSizeK(c.Op, "start", c.Start, true)
		if err != nil {
			return "", err
		}
		size, err := parseSizeK(c.Op, "size", c.Size, false)
		if err != nil {
			return "", err
		}
		t := topology.PartitionType(c.Type)
		if t == "" {
			t = topology.Primary
		}
		return s.CreatePartition(c.Disk, t, start, size)

	case OpCreatePartitionAny:
		size, err := parseSizeK(c.Op, "size", c.Size, false)
		if err != nil {
			return "", err
		}
		return s.CreatePartitionAny(c.Disk, size)

	case OpDestroyPartitionTable:
		return "", s.DestroyPartitionTable(c.Disk, c.Label)

	case OpResize:
		size, err := parseSizeK(c.Op, "size", c.Size, false)
		if err != nil {
			return "", err
		}
		return "", s.ResizeVolume(c.Device, size)

	case OpRemove:
		if c.Source != "" {
			return "", s.RemoveNfs(c.Source)
		}
		return "", s.RemoveVolume(c.Device)

	case OpCreateVolumeGroup:
		var extentSize uint64
		if c.ExtentSize != "" {
			b, err := humanize.ParseBytes(c.ExtentSize)
			if err != nil {
				return "", errcode.Wrap(errcode.InvalidArgument, c.Op, c.Name, err)
			}
			extentSize = b
		}
		return "", s.CreateVolumeGroup(c.Name, extentSize, c.Devices)

	case OpExtendVolumeGroup:
		return "", s.ExtendVolumeGroup(c.Group, c.Devices)

	case OpReduceVolumeGroup:
		return "", s.ReduceVolumeGroup(c.Group, c.Devices)

	case OpRemoveVolumeGroup:
		return "", s.RemoveVolumeGroup(c.Group)

	case OpCreateLogicalVolume:
		size, err := parseSizeK(c.Op, "size", c.Size, false)
		if err != nil {
			return "", err
		}
		stripes := c.Stripes
		if stripes == 0 {
			stripes = 1
		}
		return s.CreateLogicalVolume(c.Group, c.Name, size, stripes)

	case OpCreateRaid:
		level := topology.RaidLevel(c.Level)
		if c.Device == "" {
			return s.CreateRaidAny(level, c.Devices, c.Spares)
		}
		return c.Device, s.CreateRaid(c.Device, level, c.Devices, c.Spares)

	case OpAddRaidMember:
		return "", s.AddRaidMember(c.Device, c.member(), c.Spare)

	case OpRemoveRaidMember:
		return "", s.RemoveRaidMember(c.Device, c.member())

	case OpCreateMapped:
		targets := make([]topology.Target, 0, len(c.Targets))
		for _, t := range c.Targets {
			off, err := parseSizeK(c.Op, "offset", t.Offset, true)
			if err != nil {
				return "", err
			}
			size, err := parseSizeK(c.Op, "size", t.Size, false)
			if err != nil {
				return "", err
			}
			targets = append(targets, topology.Target{Device: t.Device, OffsetK: off, SizeK: size})
		}
		return s.CreateMapped(c.Name, targets)

	case OpCreateLoop:
		size, err := parseSizeK(c.Op, "size", c.Size, c.Reuse)
		if err != nil {
			return "", err
		}
		return s.CreateLoop(c.File, c.Reuse, size)

	case OpAddNfs:
		size, err := parseSizeK(c.Op, "size", c.Size, true)
		if err != nil {
			return "", err
		}
		return c.Source, s.AddNfs(c.Source, size, c.Mount)

	case OpFormat:
		fs, err := topology.ParseFsType(c.Fs)
		if err != nil {
			return "", errcode.Wrap(errcode.InvalidArgument, c.Op, c.Device, err)
		}
		return "", s.SetFormat(c.Device, !c.Keep, fs)

	case OpMount:
		return "", s.SetMount(c.Device, c.Mount)

	case OpLabel:
		return "", s.SetLabel(c.Device, c.Label)

	case OpEncrypt:
		return "", s.SetEncryption(c.Device, topology.EncType(c.Encryption))

	case OpFstabOptions:
		return "", s.SetFstabOptions(c.Device, c.Options)
	}
	return "", errcode.New(errcode.InvalidArgument, "apply", c.Device, "unknown change %q", c.Op)
}

// member returns the single member named by a RAID member change. The member may
// be given either as the only entry of Devices or through Disk.
func (c *Change) member() string {
	if len(c.Devices) == 1 {
		return c.Devices[0]
	}
	return c.Disk
}

// parseSizeK converts a human readable size to KiB, rounding up.
func parseSizeK(op, field, s string, optional bool) (uint64, error) {
	if s == "" {
		if optional {
			return 0, nil
		}
		return 0, errcode.New(errcode.InvalidArgument, op, "", "%s is required", field)
	}
	b, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, errcode.Wrap(errcode.InvalidArgument, op, "", fmt.Errorf("bad %s: %w", field, err))
	}
	return (b + 1023) / 1024, nil
}

// Marshal implements the Codec interface for ChangeSet
func (cs *ChangeSet) Marshal() ([]byte, error) {
	return json.Marshal(cs)
}

// Unmarshal implements the Codec interface for ChangeSet. YAML is a superset of JSON,
// so both formats are accepted.
func (cs *ChangeSet) Unmarshal(data []byte) error {
	return yaml.Unmarshal(data, cs)
}

// Marshal implements the Codec interface for ChangeResult
func (r *ChangeResult) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// Unmarshal implements the Codec interface for ChangeResult
func (r *ChangeResult) Unmarshal(data []byte) error {
	return json.Unmarshal(data, r)
}
