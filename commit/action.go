// Package commit turns the pending intent recorded in a topology.Storage into an ordered
// list of actions and runs them against the system.
//
// A commit always walks four stages in order: Decrease frees resources (removals,
// shrinks, members leaving), Increase allocates them (new containers and volumes, growth,
// members joining), Format writes filesystems and labels, and Mount reconciles the mount
// table. Inside a stage, actions are topologically ordered along containment and device
// consumption, with kind-based ranks breaking ties.
package commit

import (
	"fmt"
	"strings"

	"github.com/iancoleman/strcase"

	"github.com/superfly/storagemgr/errcode"
	"github.com/superfly/storagemgr/topology"
)

// Stage is one of the four fixed commit stages.
type Stage int

const (
	StageDecrease Stage = iota
	StageIncrease
	StageFormat
	StageMount
)

// Stages lists every stage in execution order.
var Stages = []Stage{StageDecrease, StageIncrease, StageFormat, StageMount}

func (s Stage) String() string {
	switch s {
	case StageDecrease:
		return "decrease"
	case StageIncrease:
		return "increase"
	case StageFormat:
		return "format"
	case StageMount:
		return "mount"
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Code is the execution error code reported when an action of the stage fails.
func (s Stage) Code() errcode.Code {
	switch s {
	case StageDecrease:
		return errcode.CommitDecreaseFailed
	case StageIncrease:
		return errcode.CommitIncreaseFailed
	case StageFormat:
		return errcode.CommitFormatFailed
	case StageMount:
		return errcode.CommitMountFailed
	}
	return errcode.CommitAborted
}

// Op is the system operation an action performs.
type Op int

const (
	OpUnmount Op = iota + 1
	OpRemoveVolume
	OpShrinkVolume
	OpRemoveRaidMember
	OpReduceContainer
	OpRemoveContainer
	OpWriteLabel
	OpCreateContainer
	OpExtendContainer
	OpCreateVolume
	OpGrowVolume
	OpAddRaidMember
	OpFormat
	OpSetLabel
	OpMount
)

var opNames = map[Op]string{
	OpUnmount:          "Unmount",
	OpRemoveVolume:     "RemoveVolume",
	OpShrinkVolume:     "ShrinkVolume",
	OpRemoveRaidMember: "RemoveRaidMember",
	OpReduceContainer:  "ReduceContainer",
	OpRemoveContainer:  "RemoveContainer",
	OpWriteLabel:       "WritePartitionTable",
	OpCreateContainer:  "CreateContainer",
	OpExtendContainer:  "ExtendContainer",
	OpCreateVolume:     "CreateVolume",
	OpGrowVolume:       "GrowVolume",
	OpAddRaidMember:    "AddRaidMember",
	OpFormat:           "Format",
	OpSetLabel:         "SetLabel",
	OpMount:            "Mount",
}

// String returns the kebab-case name used in logs and the journal.
func (o Op) String() string {
	if n, ok := opNames[o]; ok {
		return strcase.ToKebab(n)
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// Label returns the snake-case name used as a metric label.
func (o Op) Label() string {
	if n, ok := opNames[o]; ok {
		return strcase.ToSnake(n)
	}
	return "unknown"
}

// ParseOp is the inverse of Op.String.
func ParseOp(s string) (Op, bool) {
	for op, n := range opNames {
		if strcase.ToKebab(n) == s {
			return op, true
		}
	}
	return 0, false
}

// Action is one step of a plan. Container is the registry name of the container the
// action touches or that owns the touched volume; Device names the volume; Member names
// the device joining or leaving a container or array.
type Action struct {
	Stage       Stage                  `json:"stage"`
	Op          Op                     `json:"op"`
	Kind        topology.ContainerKind `json:"kind"`
	Container   string                 `json:"container"`
	Device      string                 `json:"device,omitempty"`
	Member      string                 `json:"member,omitempty"`
	Description string                 `json:"description"`
	Destructive bool                   `json:"destructive,omitempty"`
}

// Target is the entity the action is about: the volume device, or the container name.
func (a Action) Target() string {
	if a.Device != "" {
		return a.Device
	}
	return a.Container
}

func (a Action) String() string {
	return fmt.Sprintf("%s/%s %s", a.Stage, a.Op, a.Description)
}

func kindNoun(k topology.ContainerKind) string {
	switch k {
	case topology.KindLvm:
		return "volume group"
	case topology.KindMd:
		return "RAID"
	case topology.KindDm:
		return "device mapper"
	case topology.KindDmRaid:
		return "DM RAID"
	case topology.KindDmMultipath:
		return "multipath"
	case topology.KindLoop:
		return "loop"
	case topology.KindNfs:
		return "NFS"
	}
	return "disk"
}

func volumeNoun(k topology.VolumeKind) string {
	switch k {
	case topology.VolPartition:
		return "partition"
	case topology.VolLogical:
		return "logical volume"
	case topology.VolRaid:
		return "RAID"
	case topology.VolMapped:
		return "device mapper device"
	case topology.VolLoop:
		return "loop device"
	case topology.VolNfs:
		return "NFS mount"
	}
	return "volume"
}

func describeVolume(op Op, v *topology.Volume) string {
	size := topology.SizeString(v.SizeK)
	noun := volumeNoun(v.Kind)
	switch op {
	case OpUnmount:
		return fmt.Sprintf("Unmount %s from %s", v.Device, v.OrigMount)
	case OpRemoveVolume:
		if v.Kind == topology.VolNfs {
			return fmt.Sprintf("Remove NFS mount %s", v.Device)
		}
		return fmt.Sprintf("Remove %s %s (%s)", noun, v.Device, topology.SizeString(v.OrigSizeK))
	case OpShrinkVolume:
		return fmt.Sprintf("Shrink %s %s from %s to %s", noun, v.Device, topology.SizeString(v.OrigSizeK), size)
	case OpGrowVolume:
		return fmt.Sprintf("Extend %s %s from %s to %s", noun, v.Device, topology.SizeString(v.OrigSizeK), size)
	case OpCreateVolume:
		switch {
		case v.Raid != nil:
			return fmt.Sprintf("Create %s %s (%s) from %s", strings.ToUpper(string(v.Raid.Level)), v.Device, size,
				strings.Join(v.Raid.Devices, " "))
		case v.Loop != nil:
			return fmt.Sprintf("Create loop device %s (%s) on file %s", v.Device, size, v.Loop.File)
		case v.LV != nil && v.LV.Stripes > 1:
			return fmt.Sprintf("Create logical volume %s (%s) with %d stripes", v.Device, size, v.LV.Stripes)
		}
		return fmt.Sprintf("Create %s %s (%s)", noun, v.Device, size)
	case OpFormat:
		desc := fmt.Sprintf("Format %s %s (%s) with %s", noun, v.Device, size, v.FsType)
		if v.Encryption != topology.EncNone {
			desc += fmt.Sprintf(" (%s encrypted)", v.Encryption)
		}
		return desc
	case OpSetLabel:
		return fmt.Sprintf("Set label of %s %s to %q", noun, v.Device, v.Label)
	case OpMount:
		switch {
		case v.Mount == "" && v.OrigMount == "":
			// Nothing to mount; only the boot configuration changes.
			if v.Encryption != topology.EncNone {
				return fmt.Sprintf("Set up %s encryption of %s", v.Encryption, v.Device)
			}
			if v.OrigEncryption != topology.EncNone {
				return fmt.Sprintf("Remove encryption of %s", v.Device)
			}
			return fmt.Sprintf("Update boot configuration of %s", v.Device)
		case v.Mount == "":
			return fmt.Sprintf("Remove mount point %s of %s", v.OrigMount, v.Device)
		case v.Mount == "swap":
			return fmt.Sprintf("Use %s as swap", v.Device)
		case v.Mount == v.OrigMount:
			return fmt.Sprintf("Mount %s at %s", v.Device, v.Mount)
		}
		return fmt.Sprintf("Set mount point of %s to %s", v.Device, v.Mount)
	}
	return fmt.Sprintf("%s %s", op, v.Device)
}

func describeMember(op Op, v *topology.Volume, member string) string {
	if op == OpAddRaidMember {
		return fmt.Sprintf("Extend RAID %s with %s", v.Device, member)
	}
	return fmt.Sprintf("Remove %s from RAID %s", member, v.Device)
}

func describeContainer(op Op, c *topology.Container, member string) string {
	noun := kindNoun(c.Kind)
	switch op {
	case OpRemoveContainer:
		return fmt.Sprintf("Remove %s %s", noun, c.Name)
	case OpReduceContainer:
		return fmt.Sprintf("Reduce %s %s by %s", noun, c.Name, member)
	case OpExtendContainer:
		return fmt.Sprintf("Extend %s %s with %s", noun, c.Name, member)
	case OpCreateContainer:
		size := ""
		if c.Pool != nil {
			size = topology.SizeString(c.Pool.SizeK(c.Pool.TotalExtents))
		}
		return fmt.Sprintf("Create %s %s (%s) from %s", noun, c.Name, size, strings.Join(c.Members(), " "))
	case OpWriteLabel:
		return fmt.Sprintf("Create %s partition table on %s", c.Disk.NewLabel, c.Device)
	}
	return fmt.Sprintf("%s %s", op, c.Name)
}
