package topology

import (
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/superfly/storagemgr/errcode"
	"github.com/superfly/storagemgr/extent"
	"github.com/superfly/storagemgr/usage"
)

const maxLvmName = 127

// validLvmName applies the naming rules LVM enforces for both groups and volumes.
func validLvmName(name string) bool {
	if name == "" || len(name) > maxLvmName || name == "." || name == ".." || name[0] == '-' {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case strings.ContainsRune("._-+", r):
		default:
			return false
		}
	}
	return true
}

// CreateVolumeGroup queues a new volume group built from devices. extentSize is in
// bytes; zero selects the storage default.
func (s *Storage) CreateVolumeGroup(name string, extentSize uint64, devices []string) error {
	return s.mutate("create-vg", func() error {
		const op = "create-vg"
		if !validLvmName(name) {
			return errcode.New(errcode.InvalidName, op, name, "invalid volume group name")
		}
		if k, ok := groupKindNamed(name); ok {
			return errcode.New(errcode.InvalidName, op, name, "name is reserved for the %s group", k)
		}
		if c := s.container(name); c != nil {
			return errcode.New(errcode.DuplicateName, op, name, "container exists")
		}
		if extentSize == 0 {
			extentSize = s.opts.DefaultExtentSize
		}
		if !extent.ValidExtentSize(extentSize) {
			return errcode.New(errcode.InvalidExtentSize, op, name, "%d is not a power of two >= 1024", extentSize)
		}
		if len(devices) == 0 {
			return errcode.New(errcode.InvalidArgument, op, name, "no physical volumes")
		}
		if d := duplicates(devices); d != "" {
			return errcode.New(errcode.InvalidArgument, op, d, "listed twice")
		}

		c := &Container{
			Kind:    KindLvm,
			Name:    name,
			Device:  "/dev/" + name,
			Created: true,
			Pool:    extent.NewPool(extentSize),
		}
		for _, dev := range devices {
			if err := s.addPhysicalVolume(op, c, dev); err != nil {
				return err
			}
		}
		s.containers = append(s.containers, c)

		s.log.WithFields(logrus.Fields{
			"vg":          name,
			"devices":     devices,
			"extent_size": extentSize,
			"extents":     c.Pool.TotalExtents,
		}).Info("volume group planned")
		return nil
	})
}

func (s *Storage) addPhysicalVolume(op string, c *Container, dev string) error {
	if pv, where, ok := c.Pool.Lookup(dev); ok {
		if where != "removed" {
			return errcode.New(errcode.AlreadyMember, op, dev, "already in %s", c.Name)
		}
		if err := s.checkUsable(op, dev); err != nil {
			return err
		}
		if err := c.Pool.AddPV(pv); err != nil {
			return err
		}
		return s.absorb([]string{dev}, usage.KindLvm, c.Name)
	}
	if err := s.checkUsable(op, dev); err != nil {
		return err
	}
	sizeK, _ := s.deviceSizeK(dev)
	n := extent.ExtentsForSize(sizeK, c.Pool.ExtentSize)
	if n == 0 {
		return errcode.New(errcode.SizeOutOfRange, op, dev, "%s is too small for a physical volume", SizeString(sizeK))
	}
	if err := c.Pool.AddPV(extent.PV{Device: dev, Total: n, Free: n}); err != nil {
		return err
	}
	return s.absorb([]string{dev}, usage.KindLvm, c.Name)
}

// ExtendVolumeGroup adds physical volumes to a group.
func (s *Storage) ExtendVolumeGroup(name string, devices []string) error {
	return s.mutate("extend-vg", func() error {
		const op = "extend-vg"
		c, err := s.writableGroup(op, name)
		if err != nil {
			return err
		}
		if len(devices) == 0 {
			return errcode.New(errcode.InvalidArgument, op, name, "no physical volumes")
		}
		if d := duplicates(devices); d != "" {
			return errcode.New(errcode.InvalidArgument, op, d, "listed twice")
		}
		for _, dev := range devices {
			if err := s.addPhysicalVolume(op, c, dev); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReduceVolumeGroup takes physical volumes out of a group, moving the extents they hold
// onto the remaining ones.
func (s *Storage) ReduceVolumeGroup(name string, devices []string) error {
	return s.mutate("reduce-vg", func() error {
		const op = "reduce-vg"
		c, err := s.writableGroup(op, name)
		if err != nil {
			return err
		}
		if len(devices) == 0 {
			return errcode.New(errcode.InvalidArgument, op, name, "no physical volumes")
		}
		if d := duplicates(devices); d != "" {
			return errcode.New(errcode.InvalidArgument, op, d, "listed twice")
		}

		lvs := c.LiveVolumes()
		holders := make([]extent.Holder, len(lvs))
		for i, lv := range lvs {
			holders[i] = extent.Holder{Name: lv.Name, Stripes: lv.LV.Stripes, Map: lv.LV.Map}
		}

		work := c.Pool.Clone()
		for _, dev := range devices {
			if _, where, ok := work.Lookup(dev); !ok || where == "removed" {
				return errcode.New(errcode.UnknownDevice, op, dev, "not a physical volume of %s", name)
			}
			if len(work.Devices()) == 1 {
				return errcode.New(errcode.InvalidArgument, op, dev, "cannot remove the last physical volume; remove the group")
			}
			moved, err := work.Evacuate(dev, holders)
			if err != nil {
				return err
			}
			for i := range holders {
				if m, ok := moved[holders[i].Name]; ok {
					holders[i].Map = m
				}
			}
		}

		c.Pool = work
		for i, lv := range lvs {
			lv.LV.Map = holders[i].Map
		}
		for _, dev := range devices {
			s.usage.ClearUsed(dev)
		}
		return nil
	})
}

// RemoveVolumeGroup removes a group with all of its logical volumes.
func (s *Storage) RemoveVolumeGroup(name string) error {
	return s.mutate("remove-vg", func() error {
		return s.removeVolumeGroup(name)
	})
}

func (s *Storage) removeVolumeGroup(name string) error {
	const op = "remove-vg"
	c, err := s.writableGroup(op, name)
	if err != nil {
		return err
	}
	for _, lv := range c.LiveVolumes() {
		if err := s.removeLogicalVolume(c, lv); err != nil {
			return err
		}
	}
	s.usage.ClearConsumer(usage.KindLvm, name)
	if c.Created {
		s.dropContainer(name)
	} else {
		c.Deleted = true
	}
	s.log.WithField("vg", name).Info("volume group removal planned")
	return nil
}

func (s *Storage) writableGroup(op, name string) (*Container, error) {
	c, err := s.liveContainer(op, name, KindLvm)
	if err != nil {
		return nil, err
	}
	if c.ReadOnly {
		return nil, errcode.New(errcode.ReadOnly, op, name, "volume group is read-only")
	}
	return c, nil
}

// CreateLogicalVolume queues a logical volume of at least sizeK and returns its device
// path. The extent count is rounded up to a multiple of stripes.
func (s *Storage) CreateLogicalVolume(vg, name string, sizeK uint64, stripes int) (string, error) {
	var dev string
	err := s.mutate("create-lv", func() error {
		const op = "create-lv"
		c, err := s.writableGroup(op, vg)
		if err != nil {
			return err
		}
		if !validLvmName(name) || strings.HasPrefix(name, "snapshot") || strings.HasPrefix(name, "pvmove") {
			return errcode.New(errcode.InvalidName, op, name, "invalid logical volume name")
		}
		for _, lv := range c.LiveVolumes() {
			if lv.Name == name {
				return errcode.New(errcode.DuplicateName, op, name, "exists in %s", vg)
			}
		}
		if sizeK == 0 {
			return errcode.New(errcode.SizeOutOfRange, op, name, "size must be positive")
		}
		if stripes < 1 {
			stripes = 1
		}

		n := extent.ExtentsForVolume(sizeK, c.Pool.ExtentSize, stripes)
		m, err := c.Pool.Allocate(n, stripes)
		if err != nil {
			if e, ok := err.(*errcode.Error); ok {
				e.Op, e.Device = op, vg
			}
			return err
		}

		dev = c.Device + "/" + name
		c.Volumes = append(c.Volumes, &Volume{
			Kind:      VolLogical,
			Container: c.Name,
			Name:      name,
			Device:    dev,
			AltNames:  []string{mapperName(vg, name)},
			SizeK:     c.Pool.SizeK(n),
			Created:   true,
			LV:        &LvInfo{Extents: n, Stripes: stripes, Map: m},
		})

		s.log.WithFields(logrus.Fields{
			"device":  dev,
			"extents": n,
			"stripes": stripes,
			"free":    c.Pool.FreeExtents,
		}).Info("logical volume planned")
		return nil
	})
	return dev, err
}

// ResizeLogicalVolume changes a logical volume to at least sizeK.
func (s *Storage) ResizeLogicalVolume(device string, sizeK uint64) error {
	return s.mutate("resize-lv", func() error {
		const op = "resize-lv"
		c, v, err := s.volumeOf(op, device, VolLogical)
		if err != nil {
			return err
		}
		if sizeK == 0 {
			return errcode.New(errcode.SizeOutOfRange, op, device, "size must be positive")
		}
		lv := v.LV
		n := extent.ExtentsForVolume(sizeK, c.Pool.ExtentSize, lv.Stripes)
		switch {
		case n > lv.Extents:
			m, err := c.Pool.Allocate(n-lv.Extents, lv.Stripes)
			if err != nil {
				return err
			}
			merged := lv.Map.Clone()
			for d, k := range m {
				merged[d] += k
			}
			lv.Map = merged
		case n < lv.Extents:
			rest, err := c.Pool.Release(lv.Map, lv.Extents-n, lv.Stripes)
			if err != nil {
				return err
			}
			lv.Map = rest
		}
		lv.Extents = n
		v.SizeK = c.Pool.SizeK(n)
		return nil
	})
}

// RemoveLogicalVolume deletes a logical volume and gives its extents back.
func (s *Storage) RemoveLogicalVolume(device string) error {
	return s.mutate("remove-lv", func() error {
		c, v, err := s.volumeOf("remove-lv", device, VolLogical)
		if err != nil {
			return err
		}
		return s.removeLogicalVolume(c, v)
	})
}

func (s *Storage) removeLogicalVolume(c *Container, v *Volume) error {
	if err := s.releaseConsumer("remove-lv", v.Device); err != nil {
		return err
	}
	if _, err := c.Pool.Release(v.LV.Map, v.LV.Map.Total(), v.LV.Stripes); err != nil {
		return err
	}
	v.LV.Map = extent.Map{}
	s.deleteVolume(c, v)
	return nil
}
