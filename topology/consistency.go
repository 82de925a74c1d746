package topology

import (
	"fmt"

	"github.com/superfly/storagemgr/errcode"
	"github.com/superfly/storagemgr/extent"
	"github.com/superfly/storagemgr/usage"
)

func violation(entity, format string, args ...interface{}) error {
	return &errcode.Error{
		Code:   errcode.InvariantViolation,
		Op:     "check-consistency",
		Device: entity,
		Detail: fmt.Sprintf(format, args...),
	}
}

// CheckConsistency verifies the invariants of every container and of the used-by
// relation. A failure means a bug, not bad input.
func (s *Storage) CheckConsistency() error {
	names := map[string]bool{}
	for _, c := range s.containers {
		if names[c.Name] {
			return violation(c.Name, "container registered twice")
		}
		names[c.Name] = true
		if err := checkContainer(c); err != nil {
			return err
		}
	}
	return s.checkUsage()
}

// CheckContainer verifies one container.
func (s *Storage) CheckContainer(name string) error {
	c := s.container(name)
	if c == nil {
		return errcode.New(errcode.NotFound, "check-consistency", name, "no such container")
	}
	return checkContainer(c)
}

func checkContainer(c *Container) error {
	if c.Created && c.Deleted {
		return violation(c.Name, "container both created and deleted")
	}
	if k, ok := groupKindNamed(c.Name); ok && c.Kind != k {
		return violation(c.Name, "%s container uses the name of the %s group", c.Kind, k)
	}
	switch {
	case c.Kind.DiskLike() && c.Disk == nil:
		return violation(c.Name, "%s container without disk payload", c.Kind)
	case c.Kind == KindLvm && c.Pool == nil:
		return violation(c.Name, "volume group without extent pool")
	}

	devices := map[string]bool{}
	nums := map[int]string{}
	var maps []extent.Map
	for _, v := range c.Volumes {
		if v.Container != c.Name {
			return violation(v.Device, "back-reference %q, owned by %q", v.Container, c.Name)
		}
		if v.Kind != volumeKindFor(c.Kind) {
			return violation(v.Device, "%s volume in %s container", v.Kind, c.Kind)
		}
		if err := checkPayload(v); err != nil {
			return err
		}
		if v.Created && v.Deleted {
			return violation(v.Device, "volume both created and deleted")
		}
		if v.Deleted {
			if v.LV != nil && v.LV.Map.Total() != 0 {
				return violation(v.Device, "deleted logical volume still holds %d extents", v.LV.Map.Total())
			}
			continue
		}
		if c.Deleted {
			return violation(v.Device, "live volume in deleted container %s", c.Name)
		}
		if devices[v.Device] {
			return violation(v.Device, "device path used twice in %s", c.Name)
		}
		devices[v.Device] = true
		if v.Kind.Numbered() {
			if other, ok := nums[v.Num]; ok {
				return violation(v.Device, "index %d also used by %s", v.Num, other)
			}
			nums[v.Num] = v.Device
		}
		if v.LV != nil {
			if v.LV.Map.Total() != v.LV.Extents {
				return violation(v.Device, "%d extents recorded, map holds %d", v.LV.Extents, v.LV.Map.Total())
			}
			maps = append(maps, v.LV.Map)
		}
	}
	if c.Pool != nil && !c.Deleted {
		if err := c.Pool.Check(maps); err != nil {
			if e, ok := err.(*errcode.Error); ok && e.Device == "" {
				e.Device = c.Name
			}
			return err
		}
	}
	return nil
}

func checkPayload(v *Volume) error {
	var ok bool
	switch v.Kind {
	case VolPartition:
		ok = v.Partition != nil
	case VolLogical:
		ok = v.LV != nil
	case VolRaid:
		ok = v.Raid != nil
	case VolMapped:
		ok = v.Mapped != nil
	case VolLoop:
		ok = v.Loop != nil
	case VolNfs:
		ok = true
	}
	if !ok {
		return violation(v.Device, "%s volume without payload", v.Kind)
	}
	return nil
}

// checkUsage verifies that every used-by record points from a live device to a live
// consumer.
func (s *Storage) checkUsage() error {
	for _, rec := range s.usage.Records() {
		if _, ok := s.deviceSizeK(rec.Device); !ok {
			return violation(rec.Device, "used-by record for unknown device")
		}
		live := false
		switch usage.Kind(rec.Kind) {
		case usage.KindLvm, usage.KindDmRaid, usage.KindDmMultipath:
			c := s.container(rec.Name)
			live = c != nil && !c.Deleted
		case usage.KindMd, usage.KindDm:
			_, v := s.findVolume(rec.Name)
			live = v != nil
		}
		if !live {
			return violation(rec.Device, "consumer %s %s does not exist", rec.Kind, rec.Name)
		}
	}
	return nil
}
