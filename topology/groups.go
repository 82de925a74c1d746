package topology

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/superfly/storagemgr/errcode"
	"github.com/superfly/storagemgr/usage"
)

// CreateMapped queues a linear device-mapper device /dev/mapper/name over targets.
func (s *Storage) CreateMapped(name string, targets []Target) (string, error) {
	var dev string
	err := s.mutate("create-mapped", func() error {
		const op = "create-mapped"
		if name == "" || strings.ContainsAny(name, "/ ") {
			return errcode.New(errcode.InvalidName, op, name, "invalid mapping name")
		}
		dev = "/dev/mapper/" + name
		if _, v := s.findVolume(dev); v != nil {
			return errcode.New(errcode.DuplicateName, op, dev, "mapping exists")
		}
		if len(targets) == 0 {
			return errcode.New(errcode.InvalidArgument, op, name, "no targets")
		}

		var size uint64
		checked := map[string]bool{}
		for _, t := range targets {
			devSize, ok := s.deviceSizeK(t.Device)
			if !ok {
				return errcode.New(errcode.UnknownDevice, op, t.Device, "no such device")
			}
			if t.SizeK == 0 || t.OffsetK+t.SizeK > devSize {
				return errcode.New(errcode.SizeOutOfRange, op, t.Device,
					"segment %d+%dK outside %dK device", t.OffsetK, t.SizeK, devSize)
			}
			if !checked[t.Device] {
				if err := s.checkUsable(op, t.Device); err != nil {
					return err
				}
				checked[t.Device] = true
			}
			size += t.SizeK
		}

		c := s.groupContainer(KindDm)
		if c.ReadOnly {
			return errcode.New(errcode.ReadOnly, op, c.Name, "device-mapper group is read-only")
		}
		c.Volumes = append(c.Volumes, &Volume{
			Kind:      VolMapped,
			Container: c.Name,
			Name:      name,
			Device:    dev,
			SizeK:     size,
			Created:   true,
			Mapped:    &MappedInfo{Targets: append([]Target(nil), targets...)},
		})
		return s.absorb(sortedKeys(checked), usage.KindDm, dev)
	})
	return dev, err
}

// RemoveMapped deletes a device-mapper device and releases its targets.
func (s *Storage) RemoveMapped(device string) error {
	return s.mutate("remove-mapped", func() error {
		return s.removeMapped(device)
	})
}

func (s *Storage) removeMapped(device string) error {
	c, v, err := s.volumeOf("remove-mapped", device, VolMapped)
	if err != nil {
		return err
	}
	if err := s.releaseConsumer("remove-mapped", v.Device); err != nil {
		return err
	}
	s.usage.ClearConsumer(usage.KindDm, v.Device)
	s.deleteVolume(c, v)
	return nil
}

// CreateLoop queues a loop device over file and returns the /dev/loopN it will use. With
// reuse set the file already exists; otherwise it is created with sizeK.
func (s *Storage) CreateLoop(file string, reuse bool, sizeK uint64) (string, error) {
	var dev string
	err := s.mutate("create-loop", func() error {
		const op = "create-loop"
		if !filepath.IsAbs(file) {
			return errcode.New(errcode.InvalidArgument, op, file, "backing file must be an absolute path")
		}
		if sizeK == 0 {
			return errcode.New(errcode.SizeOutOfRange, op, file, "size must be positive")
		}
		c := s.groupContainer(KindLoop)
		if c.ReadOnly {
			return errcode.New(errcode.ReadOnly, op, c.Name, "loop group is read-only")
		}
		used := map[int]bool{}
		for _, v := range c.Volumes {
			used[v.Num] = true
			if !v.Deleted && v.Loop.File == filepath.Clean(file) {
				return errcode.New(errcode.DuplicateName, op, file, "already backs %s", v.Device)
			}
		}
		n := 0
		for used[n] {
			n++
		}
		dev = fmt.Sprintf("/dev/loop%d", n)
		c.Volumes = append(c.Volumes, &Volume{
			Kind:      VolLoop,
			Container: c.Name,
			Name:      path.Base(dev),
			Num:       n,
			Device:    dev,
			SizeK:     sizeK,
			Created:   true,
			Loop:      &LoopInfo{File: filepath.Clean(file), Reuse: reuse},
		})
		return nil
	})
	return dev, err
}

// RemoveLoop deletes a loop device.
func (s *Storage) RemoveLoop(device string) error {
	return s.mutate("remove-loop", func() error {
		c, v, err := s.volumeOf("remove-loop", device, VolLoop)
		if err != nil {
			return err
		}
		if err := s.releaseConsumer("remove-loop", v.Device); err != nil {
			return err
		}
		s.deleteVolume(c, v)
		return nil
	})
}

// AddNfs queues a network mount of source (host:/export) at mount.
func (s *Storage) AddNfs(source string, sizeK uint64, mount string) error {
	return s.mutate("add-nfs", func() error {
		const op = "add-nfs"
		host, export, ok := strings.Cut(source, ":")
		if !ok || host == "" || !strings.HasPrefix(export, "/") {
			return errcode.New(errcode.InvalidName, op, source, "expected host:/export")
		}
		if _, v := s.findVolume(source); v != nil {
			return errcode.New(errcode.DuplicateName, op, source, "already mounted")
		}
		if err := s.checkMountPoint(op, source, mount, FsNfs); err != nil {
			return err
		}
		if mount == "" {
			return errcode.New(errcode.InvalidArgument, op, source, "network mounts need a mount point")
		}
		c := s.groupContainer(KindNfs)
		if c.ReadOnly {
			return errcode.New(errcode.ReadOnly, op, c.Name, "nfs group is read-only")
		}
		c.Volumes = append(c.Volumes, &Volume{
			Kind:       VolNfs,
			Container:  c.Name,
			Name:       source,
			Device:     source,
			SizeK:      sizeK,
			Created:    true,
			FsType:     FsNfs,
			OrigFsType: FsNfs,
			Mount:      mount,
		})
		return nil
	})
}

// RemoveNfs drops a network mount.
func (s *Storage) RemoveNfs(source string) error {
	return s.mutate("remove-nfs", func() error {
		c, v, err := s.volumeOf("remove-nfs", source, VolNfs)
		if err != nil {
			return err
		}
		s.deleteVolume(c, v)
		return nil
	})
}

// RemoveVolume removes any volume, dispatching on its kind.
func (s *Storage) RemoveVolume(device string) error {
	_, v := s.findVolume(device)
	if v == nil {
		return errcode.New(errcode.UnknownDevice, "remove-volume", device, "no such volume")
	}
	switch v.Kind {
	case VolPartition:
		return s.RemovePartition(device)
	case VolLogical:
		return s.RemoveLogicalVolume(device)
	case VolRaid:
		return s.RemoveRaid(device)
	case VolMapped:
		return s.RemoveMapped(device)
	case VolLoop:
		return s.RemoveLoop(device)
	case VolNfs:
		return s.RemoveNfs(device)
	}
	return errcode.New(errcode.UnsupportedKind, "remove-volume", device, "cannot remove %s", v.Kind)
}

// ResizeVolume resizes any volume that supports it.
func (s *Storage) ResizeVolume(device string, sizeK uint64) error {
	_, v := s.findVolume(device)
	if v == nil {
		return errcode.New(errcode.UnknownDevice, "resize-volume", device, "no such volume")
	}
	switch v.Kind {
	case VolPartition:
		return s.ResizePartition(device, sizeK)
	case VolLogical:
		return s.ResizeLogicalVolume(device, sizeK)
	}
	return errcode.New(errcode.UnsupportedKind, "resize-volume", device, "%s cannot be resized", v.Kind)
}
