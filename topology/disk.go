package topology

import (
	"path"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/superfly/storagemgr/errcode"
	"github.com/superfly/storagemgr/usage"
)

const (
	alignK        = 1024
	gptTailK      = 1024
	msdosPrimary  = 4
	gptPrimary    = 128
	firstLogical  = 5
	maxMsdosIndex = 63
)

// AddDisk registers a disk-like container. It is meant for probes and tests; disks are
// never created by a commit.
func (s *Storage) AddDisk(kind ContainerKind, name, device string, info DiskInfo) error {
	return s.mutate("add-disk", func() error {
		if !kind.DiskLike() {
			return errcode.New(errcode.UnsupportedKind, "add-disk", name, "%s is not disk-like", kind)
		}
		if s.container(name) != nil {
			return errcode.New(errcode.DuplicateName, "add-disk", name, "container exists")
		}
		c := &Container{Kind: kind, Name: name, Device: device, Disk: &info}
		s.containers = append(s.containers, c)
		switch kind {
		case KindDmRaid:
			return s.absorb(info.Members, usage.KindDmRaid, name)
		case KindDmMultipath:
			return s.absorb(info.Members, usage.KindDmMultipath, name)
		}
		return nil
	})
}

func (s *Storage) partitionTable(op, disk string) (*Container, error) {
	c := s.container(disk)
	if c == nil {
		c = s.diskContainer(disk)
	}
	if c == nil || c.Disk == nil || c.Deleted {
		return nil, errcode.New(errcode.UnknownDevice, op, disk, "no such disk")
	}
	if c.ReadOnly {
		return nil, errcode.New(errcode.ReadOnly, op, c.Name, "disk is read-only")
	}
	if rec, ok := s.usage.Lookup(c.Device); ok {
		return nil, errcode.New(errcode.DeviceInUse, op, c.Device, "whole disk used by %s %s", rec.Kind, rec.Name)
	}
	return c, nil
}

func maxPrimary(label string) int {
	if label == LabelGPT {
		return gptPrimary
	}
	return msdosPrimary
}

func usableEndK(d *DiskInfo) uint64 {
	if d.EffectiveLabel() == LabelGPT {
		if d.SizeK < gptTailK {
			return 0
		}
		return d.SizeK - gptTailK
	}
	return d.SizeK
}

func alignUp(k uint64) uint64 {
	return (k + alignK - 1) / alignK * alignK
}

func extendedOf(c *Container) *Volume {
	for _, v := range c.LiveVolumes() {
		if v.Partition.Type == Extended {
			return v
		}
	}
	return nil
}

// siblings returns the live partitions that share the address space of a partition of
// type t: primaries and the extended partition share the disk, logicals share the
// extended partition.
func siblings(c *Container, t PartitionType) []*Volume {
	var out []*Volume
	for _, v := range c.LiveVolumes() {
		if (t == Logical) == (v.Partition.Type == Logical) {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Partition.StartK < out[j].Partition.StartK })
	return out
}

// bounds returns the region partitions of type t may occupy.
func bounds(c *Container, t PartitionType) (uint64, uint64, error) {
	if t == Logical {
		ext := extendedOf(c)
		if ext == nil {
			return 0, 0, errcode.New(errcode.InvalidArgument, "create-partition", c.Name, "logical partition needs an extended partition")
		}
		return ext.Partition.StartK + alignK, ext.EndK(), nil
	}
	return alignK, usableEndK(c.Disk), nil
}

func nextNumber(c *Container, t PartitionType) (int, error) {
	used := map[int]bool{}
	for _, v := range c.LiveVolumes() {
		used[v.Num] = true
	}
	if t == Logical {
		n := firstLogical
		for used[n] {
			n++
		}
		if n > maxMsdosIndex {
			return 0, errcode.New(errcode.PartitionTableFull, "create-partition", c.Name, "no free logical partition number")
		}
		return n, nil
	}
	for n := 1; n <= maxPrimary(c.Disk.EffectiveLabel()); n++ {
		if !used[n] {
			return n, nil
		}
	}
	return 0, errcode.New(errcode.PartitionTableFull, "create-partition", c.Name, "no free primary partition number")
}

// CreatePartition adds a partition of sizeK starting at startK (rounded up to 1 MiB) and
// returns its device path.
func (s *Storage) CreatePartition(disk string, t PartitionType, startK, sizeK uint64) (string, error) {
	var dev string
	err := s.mutate("create-partition", func() error {
		c, err := s.partitionTable("create-partition", disk)
		if err != nil {
			return err
		}
		dev, err = s.createPartition(c, t, alignUp(startK), sizeK)
		return err
	})
	return dev, err
}

func (s *Storage) createPartition(c *Container, t PartitionType, startK, sizeK uint64) (string, error) {
	const op = "create-partition"
	label := c.Disk.EffectiveLabel()
	switch t {
	case Primary:
	case Extended:
		if label != LabelMsdos {
			return "", errcode.New(errcode.InvalidArgument, op, c.Name, "extended partitions need an msdos label")
		}
		if extendedOf(c) != nil {
			return "", errcode.New(errcode.InvalidArgument, op, c.Name, "disk already has an extended partition")
		}
	case Logical:
		if label != LabelMsdos {
			return "", errcode.New(errcode.InvalidArgument, op, c.Name, "logical partitions need an msdos label")
		}
	default:
		return "", errcode.New(errcode.InvalidArgument, op, c.Name, "unknown partition type %q", t)
	}
	if sizeK == 0 {
		return "", errcode.New(errcode.SizeOutOfRange, op, c.Name, "size must be positive")
	}

	lo, hi, err := bounds(c, t)
	if err != nil {
		return "", err
	}
	if startK < lo {
		startK = lo
	}
	endK := startK + sizeK
	if endK > hi {
		return "", errcode.New(errcode.SizeOutOfRange, op, c.Name,
			"region %d-%dK outside %d-%dK", startK, endK, lo, hi)
	}
	for _, v := range siblings(c, t) {
		if startK < v.EndK() && v.Partition.StartK < endK {
			return "", errcode.New(errcode.RegionOverlap, op, c.Name, "overlaps %s", v.Device)
		}
	}

	num, err := nextNumber(c, t)
	if err != nil {
		return "", err
	}
	dev := PartitionDevice(c.Device, c.Kind, num)
	v := &Volume{
		Kind:      VolPartition,
		Container: c.Name,
		Name:      path.Base(dev),
		Num:       num,
		Device:    dev,
		SizeK:     sizeK,
		Created:   true,
		Partition: &PartitionInfo{Type: t, StartK: startK},
	}
	if t == Extended {
		// An extended partition only holds logicals; it has no filesystem of its own.
		v.FsType = FsNone
	}
	c.Volumes = append(c.Volumes, v)

	s.log.WithFields(logrus.Fields{
		"device":  dev,
		"type":    t,
		"start_k": startK,
		"size_k":  sizeK,
	}).Debug("partition planned")
	return dev, nil
}

// CreatePartitionAny places a partition of sizeK in the first gap that fits. A primary
// partition is used while a number is free, then a logical one inside the extended
// partition.
func (s *Storage) CreatePartitionAny(disk string, sizeK uint64) (string, error) {
	var dev string
	err := s.mutate("create-partition", func() error {
		c, err := s.partitionTable("create-partition", disk)
		if err != nil {
			return err
		}
		sizeK = alignUp(sizeK)
		types := []PartitionType{Primary}
		if extendedOf(c) != nil {
			types = append(types, Logical)
		}
		var lastErr error = errcode.New(errcode.NoSpace, "create-partition", c.Name, "no gap of %s", SizeString(sizeK))
		for _, t := range types {
			if _, err := nextNumber(c, t); err != nil {
				lastErr = err
				continue
			}
			lo, hi, err := bounds(c, t)
			if err != nil {
				lastErr = err
				continue
			}
			start, ok := firstGap(siblings(c, t), lo, hi, sizeK)
			if !ok {
				continue
			}
			dev, err = s.createPartition(c, t, start, sizeK)
			return err
		}
		return lastErr
	})
	return dev, err
}

func firstGap(parts []*Volume, lo, hi, sizeK uint64) (uint64, bool) {
	cur := lo
	for _, v := range parts {
		if v.Partition.StartK >= cur+sizeK {
			return cur, true
		}
		if end := alignUp(v.EndK()); end > cur {
			cur = end
		}
	}
	if cur+sizeK <= hi {
		return cur, true
	}
	return 0, false
}

// ResizePartition moves the end of a partition. Partitions consumed by another entity
// cannot be resized.
func (s *Storage) ResizePartition(device string, sizeK uint64) error {
	return s.mutate("resize-partition", func() error {
		const op = "resize-partition"
		c, v, err := s.volumeOf(op, device, VolPartition)
		if err != nil {
			return err
		}
		if rec, ok := s.usage.Lookup(v.Device); ok {
			return errcode.New(errcode.DeviceInUse, op, v.Device, "used by %s %s", rec.Kind, rec.Name)
		}
		if sizeK == 0 {
			return errcode.New(errcode.SizeOutOfRange, op, v.Device, "size must be positive")
		}
		_, hi, err := bounds(c, v.Partition.Type)
		if err != nil {
			return err
		}
		end := v.Partition.StartK + sizeK
		if end > hi {
			return errcode.New(errcode.SizeOutOfRange, op, v.Device, "end %dK beyond %dK", end, hi)
		}
		for _, o := range siblings(c, v.Partition.Type) {
			if o != v && o.Partition.StartK >= v.Partition.StartK && o.Partition.StartK < end {
				return errcode.New(errcode.RegionOverlap, op, v.Device, "would overlap %s", o.Device)
			}
		}
		if v.Partition.Type == Extended {
			for _, l := range siblings(c, Logical) {
				if l.EndK() > end {
					return errcode.New(errcode.SizeOutOfRange, op, v.Device, "logical %s ends at %dK", l.Device, l.EndK())
				}
			}
		}
		v.SizeK = sizeK
		return nil
	})
}

// RemovePartition deletes a partition. Removing an extended partition removes its
// logical partitions too.
func (s *Storage) RemovePartition(device string) error {
	return s.mutate("remove-partition", func() error {
		c, v, err := s.volumeOf("remove-partition", device, VolPartition)
		if err != nil {
			return err
		}
		return s.removePartition(c, v)
	})
}

func (s *Storage) removePartition(c *Container, v *Volume) error {
	if v.Partition.Type == Extended {
		for _, l := range siblings(c, Logical) {
			if err := s.removePartition(c, l); err != nil {
				return err
			}
		}
	}
	if err := s.releaseConsumer("remove-partition", v.Device); err != nil {
		return err
	}
	s.deleteVolume(c, v)
	return nil
}

// deleteVolume drops a never-committed volume or marks an existing one deleted.
func (s *Storage) deleteVolume(c *Container, v *Volume) {
	s.usage.ClearUsed(v.Device)
	if v.Created {
		c.dropVolume(v)
		return
	}
	v.Deleted = true
	v.Format = false
}

// DestroyPartitionTable removes every partition and queues a fresh label.
func (s *Storage) DestroyPartitionTable(disk, label string) error {
	return s.mutate("destroy-partition-table", func() error {
		const op = "destroy-partition-table"
		c, err := s.partitionTable(op, disk)
		if err != nil {
			return err
		}
		if label != LabelMsdos && label != LabelGPT {
			return errcode.New(errcode.InvalidArgument, op, c.Name, "unknown label %q", label)
		}
		if c.Kind != KindDisk {
			return errcode.New(errcode.UnsupportedKind, op, c.Name, "only plain disks can be relabeled")
		}
		for _, v := range c.LiveVolumes() {
			if v.Partition.Type == Logical {
				continue
			}
			if err := s.removePartition(c, v); err != nil {
				return err
			}
		}
		c.Disk.NewLabel = label
		return nil
	})
}
