package topology

import (
	"github.com/superfly/storagemgr/errcode"
)

// The Mark* methods roll the model forward after the commit engine has applied one
// action to the system. They clear the pending intent the action realized and nothing
// else, so a commit that stops half way leaves exactly the unapplied intent behind.

func (s *Storage) appliedContainer(name string) (*Container, error) {
	c := s.container(name)
	if c == nil {
		return nil, errcode.New(errcode.InvariantViolation, "apply", name, "container vanished during commit")
	}
	return c, nil
}

func (s *Storage) appliedVolume(container, device string) (*Container, *Volume, error) {
	c, err := s.appliedContainer(container)
	if err != nil {
		return nil, nil, err
	}
	v := c.liveVolume(device)
	if v == nil {
		return nil, nil, errcode.New(errcode.InvariantViolation, "apply", device, "volume vanished during commit")
	}
	return c, v, nil
}

// MarkVolumeRemoved drops a deleted volume once it is gone from the system.
func (s *Storage) MarkVolumeRemoved(container, device string) error {
	c, err := s.appliedContainer(container)
	if err != nil {
		return err
	}
	v := c.deletedVolume(device)
	if v == nil {
		return errcode.New(errcode.InvariantViolation, "apply", device, "no deleted volume to drop")
	}
	c.dropVolume(v)
	if c.liveVolume(device) == nil {
		s.usage.ClearUsed(device)
	}
	return nil
}

// MarkVolumeCreated records that a volume now exists, with its device numbers if known.
func (s *Storage) MarkVolumeCreated(container, device string, major, minor int) error {
	_, v, err := s.appliedVolume(container, device)
	if err != nil {
		return err
	}
	v.Created = false
	v.OrigSizeK = v.SizeK
	if major != 0 || minor != 0 {
		v.Major, v.Minor = major, minor
	}
	return nil
}

// MarkVolumeResized records that the volume's size on the system matches the model.
func (s *Storage) MarkVolumeResized(container, device string) error {
	_, v, err := s.appliedVolume(container, device)
	if err != nil {
		return err
	}
	v.OrigSizeK = v.SizeK
	return nil
}

// MarkMemberAdded moves a queued RAID member into the array.
func (s *Storage) MarkMemberAdded(container, device, member string) error {
	_, v, err := s.appliedVolume(container, device)
	if err != nil {
		return err
	}
	if v.Raid == nil || !contains(v.Raid.Added, member) {
		return errcode.New(errcode.InvariantViolation, "apply", member, "not queued for %s", device)
	}
	v.Raid.Added = remove(v.Raid.Added, member)
	v.Raid.Spares = append(v.Raid.Spares, member)
	return nil
}

// MarkMemberRemoved forgets a RAID member taken out of the array.
func (s *Storage) MarkMemberRemoved(container, device, member string) error {
	_, v, err := s.appliedVolume(container, device)
	if err != nil {
		return err
	}
	if v.Raid == nil || !contains(v.Raid.Removed, member) {
		return errcode.New(errcode.InvariantViolation, "apply", member, "not queued for removal from %s", device)
	}
	v.Raid.Removed = remove(v.Raid.Removed, member)
	v.Raid.Devices = remove(v.Raid.Devices, member)
	v.Raid.Spares = remove(v.Raid.Spares, member)
	return nil
}

// MarkFormatted records a new filesystem with its UUID.
func (s *Storage) MarkFormatted(container, device, uuid string) error {
	_, v, err := s.appliedVolume(container, device)
	if err != nil {
		return err
	}
	v.Format = false
	v.OrigFsType = v.FsType
	v.OrigLabel = v.Label
	v.UUID = uuid
	return nil
}

// MarkLabeled records a label change.
func (s *Storage) MarkLabeled(container, device string) error {
	_, v, err := s.appliedVolume(container, device)
	if err != nil {
		return err
	}
	v.OrigLabel = v.Label
	return nil
}

// MarkUnmounted records that the volume was unmounted. If it still has a mount point it
// is remounted in the Mount stage.
func (s *Storage) MarkUnmounted(container, device string) error {
	c, err := s.appliedContainer(container)
	if err != nil {
		return err
	}
	v := c.liveVolume(device)
	if v == nil {
		v = c.deletedVolume(device)
	}
	if v == nil {
		return errcode.New(errcode.InvariantViolation, "apply", device, "volume vanished during commit")
	}
	v.IsMounted = false
	v.RemountPending = !v.Deleted && v.Mount != ""
	return nil
}

// MarkMounted records the mount table and active mount of the volume as current.
func (s *Storage) MarkMounted(container, device string) error {
	_, v, err := s.appliedVolume(container, device)
	if err != nil {
		return err
	}
	v.OrigMount = v.Mount
	v.OrigFstabOptions = v.FstabOptions
	v.OrigEncryption = v.Encryption
	v.IsMounted = v.Mount != ""
	v.RemountPending = false
	if v.Kind == VolNfs && v.Created {
		v.Created = false
		v.OrigSizeK = v.SizeK
	}
	return nil
}

// MarkContainerRemoved drops a deleted container once it is gone from the system.
func (s *Storage) MarkContainerRemoved(name string) error {
	if _, err := s.appliedContainer(name); err != nil {
		return err
	}
	s.dropContainer(name)
	return nil
}

// MarkContainerCreated records that a container and its initial members exist.
func (s *Storage) MarkContainerCreated(name string) error {
	c, err := s.appliedContainer(name)
	if err != nil {
		return err
	}
	c.Created = false
	if c.Pool != nil {
		for _, dev := range append([]string(nil), c.Pool.Devices()...) {
			c.Pool.CommitAdded(dev)
		}
	}
	return nil
}

// MarkContainerExtended records that member joined the container.
func (s *Storage) MarkContainerExtended(name, member string) error {
	c, err := s.appliedContainer(name)
	if err != nil {
		return err
	}
	if c.Pool == nil || !c.Pool.CommitAdded(member) {
		return errcode.New(errcode.InvariantViolation, "apply", member, "not queued for %s", name)
	}
	return nil
}

// MarkContainerReduced records that member left the container.
func (s *Storage) MarkContainerReduced(name, member string) error {
	c, err := s.appliedContainer(name)
	if err != nil {
		return err
	}
	if c.Pool == nil || !c.Pool.CommitRemoved(member) {
		return errcode.New(errcode.InvariantViolation, "apply", member, "not queued for removal from %s", name)
	}
	return nil
}

// MarkLabelWritten records a new partition table.
func (s *Storage) MarkLabelWritten(name string) error {
	c, err := s.appliedContainer(name)
	if err != nil {
		return err
	}
	if c.Disk == nil || c.Disk.NewLabel == "" {
		return errcode.New(errcode.InvariantViolation, "apply", name, "no label queued")
	}
	c.Disk.Label = c.Disk.NewLabel
	c.Disk.NewLabel = ""
	return nil
}
