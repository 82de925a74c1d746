package topology

import (
	"github.com/superfly/storagemgr/extent"
)

// Container is a typed grouping of volumes. Kind selects which payload is set: Disk for
// disk-like kinds, Pool for volume groups. Group kinds (md, dm, loop, nfs) have no
// payload and exist as soon as their first volume does.
type Container struct {
	Kind     ContainerKind `json:"kind"`
	Name     string        `json:"name"`
	Device   string        `json:"device,omitempty"`
	Created  bool          `json:"created,omitempty"`
	Deleted  bool          `json:"deleted,omitempty"`
	ReadOnly bool          `json:"read_only,omitempty"`
	Volumes  []*Volume     `json:"volumes,omitempty"`

	Disk *DiskInfo    `json:"disk,omitempty"`
	Pool *extent.Pool `json:"pool,omitempty"`
}

// DiskInfo is the payload of disks and the disk-like RAID/multipath wrappers.
type DiskInfo struct {
	SizeK    uint64   `json:"size_k"`
	Label    string   `json:"label,omitempty"`
	NewLabel string   `json:"new_label,omitempty"`
	Members  []string `json:"members,omitempty"`
}

// EffectiveLabel is the label partitions are created against: the pending one if the
// table is being rewritten.
func (d *DiskInfo) EffectiveLabel() string {
	if d.NewLabel != "" {
		return d.NewLabel
	}
	if d.Label == "" {
		return LabelGPT
	}
	return d.Label
}

// Clone deep-copies the container and its volumes.
func (c *Container) Clone() *Container {
	out := *c
	if c.Disk != nil {
		d := *c.Disk
		d.Members = cloneStrings(c.Disk.Members)
		out.Disk = &d
	}
	if c.Pool != nil {
		out.Pool = c.Pool.Clone()
	}
	out.Volumes = make([]*Volume, len(c.Volumes))
	for i, v := range c.Volumes {
		out.Volumes[i] = v.Clone()
	}
	return &out
}

// NeedDecrease reports whether the container itself has work in the Decrease stage.
func (c *Container) NeedDecrease() bool {
	return c.Deleted || (c.Pool != nil && len(c.Pool.Removed) > 0)
}

// NeedIncrease reports whether the container itself has work in the Increase stage.
func (c *Container) NeedIncrease() bool {
	if c.Deleted {
		return false
	}
	return c.Created ||
		(c.Pool != nil && len(c.Pool.Added) > 0) ||
		(c.Disk != nil && c.Disk.NewLabel != "")
}

// Members lists the devices the container is built from.
func (c *Container) Members() []string {
	switch {
	case c.Pool != nil:
		devs := c.Pool.Devices()
		for _, pv := range c.Pool.Removed {
			devs = append(devs, pv.Device)
		}
		return devs
	case c.Disk != nil:
		return cloneStrings(c.Disk.Members)
	}
	return nil
}

// LiveVolumes returns the volumes that are not marked deleted.
func (c *Container) LiveVolumes() []*Volume {
	var out []*Volume
	for _, v := range c.Volumes {
		if !v.Deleted {
			out = append(out, v)
		}
	}
	return out
}

func (c *Container) deletedVolume(device string) *Volume {
	for _, v := range c.Volumes {
		if v.Deleted && v.Device == device {
			return v
		}
	}
	return nil
}

func (c *Container) liveVolume(device string) *Volume {
	for _, v := range c.Volumes {
		if !v.Deleted && v.Matches(device) {
			return v
		}
	}
	return nil
}

func (c *Container) dropVolume(target *Volume) {
	for i, v := range c.Volumes {
		if v == target {
			c.Volumes = append(c.Volumes[:i], c.Volumes[i+1:]...)
			return
		}
	}
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}
