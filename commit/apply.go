package commit

import (
	"context"

	"github.com/superfly/storagemgr/topology"
)

// apply rolls the model forward after a successful action.
func (e *Engine) apply(a Action, req Request, out Outcome) error {
	s := e.storage
	switch a.Op {
	case OpUnmount:
		return s.MarkUnmounted(a.Container, a.Device)
	case OpRemoveVolume:
		return s.MarkVolumeRemoved(a.Container, a.Device)
	case OpShrinkVolume, OpGrowVolume:
		return s.MarkVolumeResized(a.Container, a.Device)
	case OpRemoveRaidMember:
		return s.MarkMemberRemoved(a.Container, a.Device, a.Member)
	case OpAddRaidMember:
		return s.MarkMemberAdded(a.Container, a.Device, a.Member)
	case OpReduceContainer:
		return s.MarkContainerReduced(a.Container, a.Member)
	case OpExtendContainer:
		return s.MarkContainerExtended(a.Container, a.Member)
	case OpRemoveContainer:
		return s.MarkContainerRemoved(a.Container)
	case OpWriteLabel:
		return s.MarkLabelWritten(a.Container)
	case OpCreateContainer:
		return s.MarkContainerCreated(a.Container)
	case OpCreateVolume:
		return s.MarkVolumeCreated(a.Container, a.Device, out.Major, out.Minor)
	case OpFormat:
		return s.MarkFormatted(a.Container, a.Device, req.UUID)
	case OpSetLabel:
		return s.MarkLabeled(a.Container, a.Device)
	case OpMount:
		return s.MarkMounted(a.Container, a.Device)
	}
	return nil
}

// writeConfig reports the committed state of mounts and RAID arrays to the boot
// configuration.
func (e *Engine) writeConfig(ctx context.Context, a Action, req Request) error {
	w := e.cfg.ConfigWriter
	if w == nil || req.Volume == nil {
		return nil
	}
	switch a.Op {
	case OpRemoveVolume:
		v := req.Volume
		if v.OrigMount == "" && v.Raid == nil {
			return nil
		}
		return w.Update(ctx, Fact{Device: v.Device, Removed: true})
	case OpMount, OpCreateVolume, OpAddRaidMember, OpRemoveRaidMember:
		v, ok := e.storage.Volume(a.Device)
		if !ok {
			return nil
		}
		if a.Op != OpMount && v.Raid == nil {
			return nil
		}
		return w.Update(ctx, factOf(v))
	}
	return nil
}

func factOf(v *topology.Volume) Fact {
	f := Fact{
		Device:     v.Device,
		Mount:      v.Mount,
		FsType:     string(v.FsType),
		UUID:       v.UUID,
		Label:      v.Label,
		Options:    v.FstabOptions,
		Encryption: string(v.Encryption),
	}
	if v.Raid != nil {
		f.RaidLevel = string(v.Raid.Level)
		f.RaidDevices = append([]string(nil), v.Raid.Devices...)
		f.RaidSpares = append([]string(nil), v.Raid.Spares...)
	}
	return f
}
