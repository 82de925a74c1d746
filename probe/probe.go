// Package probe reads the storage topology of a machine from a YAML description.
//
// The description lists containers with their volumes the way a system probe would
// report them: everything in it is taken as already existing. Sizes are strings in any
// unit go-humanize understands ("10GiB", "512 MiB", "2048KiB").
//
//	containers:
//	  - kind: disk
//	    name: sda
//	    size: 20GiB
//	    label: gpt
//	    volumes:
//	      - num: 1
//	        start: 1MiB
//	        size: 10GiB
//	  - kind: lvm
//	    name: vg0
//	    extent_size: 4MiB
//	    pvs:
//	      - device: /dev/sda1
//	        extents: 2559
//	    volumes:
//	      - name: root
//	        extents: 1024
//	        map: {/dev/sda1: 1024}
//	        fs: ext4
//	        mount: /
//	        mounted: true
package probe

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/superfly/storagemgr/extent"
	"github.com/superfly/storagemgr/topology"
	"github.com/superfly/storagemgr/usage"
)

// RawLayout is the document format.
type RawLayout struct {
	Containers []RawContainer `yaml:"containers"`
	Usage      []RawUsage     `yaml:"usage,omitempty"`
}

// RawContainer describes one container.
type RawContainer struct {
	Kind       string      `yaml:"kind"`
	Name       string      `yaml:"name,omitempty"`
	Device     string      `yaml:"device,omitempty"`
	Size       string      `yaml:"size,omitempty"`
	Label      string      `yaml:"label,omitempty"`
	Members    []string    `yaml:"members,omitempty"`
	ReadOnly   bool        `yaml:"read_only,omitempty"`
	ExtentSize string      `yaml:"extent_size,omitempty"`
	PVs        []RawPV     `yaml:"pvs,omitempty"`
	Volumes    []RawVolume `yaml:"volumes,omitempty"`
}

// RawPV is a physical volume of a volume group.
type RawPV struct {
	Device  string `yaml:"device"`
	Extents uint64 `yaml:"extents"`
}

// RawVolume describes one volume. Only the fields of its kind are read.
type RawVolume struct {
	Name       string   `yaml:"name,omitempty"`
	Device     string   `yaml:"device,omitempty"`
	AltNames   []string `yaml:"alt_names,omitempty"`
	Num        int      `yaml:"num,omitempty"`
	Size       string   `yaml:"size,omitempty"`
	Major      int      `yaml:"major,omitempty"`
	Minor      int      `yaml:"minor,omitempty"`
	FsType     string   `yaml:"fs,omitempty"`
	UUID       string   `yaml:"uuid,omitempty"`
	Label      string   `yaml:"label,omitempty"`
	Mount      string   `yaml:"mount,omitempty"`
	Mounted    bool     `yaml:"mounted,omitempty"`
	Options    string   `yaml:"options,omitempty"`
	Encryption string   `yaml:"encryption,omitempty"`

	// partitions
	Type  string `yaml:"type,omitempty"`
	Start string `yaml:"start,omitempty"`

	// logical volumes
	Extents    uint64            `yaml:"extents,omitempty"`
	Stripes    int               `yaml:"stripes,omitempty"`
	StripeSize string            `yaml:"stripe_size,omitempty"`
	Map        map[string]uint64 `yaml:"map,omitempty"`

	// RAID
	Level   string   `yaml:"level,omitempty"`
	Chunk   string   `yaml:"chunk,omitempty"`
	Devices []string `yaml:"devices,omitempty"`
	Spares  []string `yaml:"spares,omitempty"`

	// device mapper
	Targets []RawTarget `yaml:"targets,omitempty"`

	// loop
	File string `yaml:"file,omitempty"`
}

// RawTarget is one linear segment of a mapped device.
type RawTarget struct {
	Device string `yaml:"device"`
	Offset string `yaml:"offset,omitempty"`
	Size   string `yaml:"size"`
}

// RawUsage is a used-by record that container membership does not imply.
type RawUsage struct {
	Device string `yaml:"device"`
	Kind   string `yaml:"kind"`
	Name   string `yaml:"name"`
}

// FileProber re-reads a YAML description on every probe.
type FileProber struct {
	path string
	log  logrus.FieldLogger
}

var _ topology.Prober = (*FileProber)(nil)

// NewFileProber creates a prober for the description at path.
func NewFileProber(path string, logger logrus.FieldLogger) *FileProber {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &FileProber{
		path: path,
		log:  logger.WithField("component", "probe"),
	}
}

// Probe implements topology.Prober.
func (p *FileProber) Probe(ctx context.Context) (*topology.Layout, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	layout, err := Load(p.path)
	if err != nil {
		p.log.WithError(err).WithField("path", p.path).Error("probe failed")
		return nil, err
	}
	p.log.WithFields(logrus.Fields{
		"path":       p.path,
		"containers": len(layout.Containers),
	}).Debug("topology probed")
	return layout, nil
}

// Load reads and converts the description at path.
func Load(path string) (*topology.Layout, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read topology %s: %w", path, err)
	}
	return Parse(data)
}

// Parse converts a YAML description into a layout.
func Parse(data []byte) (*topology.Layout, error) {
	var raw RawLayout
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal topology: %w", err)
	}
	return raw.Layout()
}

// Layout converts the document.
func (r *RawLayout) Layout() (*topology.Layout, error) {
	out := &topology.Layout{}
	for i, rc := range r.Containers {
		c, err := rc.container()
		if err != nil {
			return nil, fmt.Errorf("container %d (%s): %w", i, firstNonEmpty(rc.Name, rc.Kind), err)
		}
		out.Containers = append(out.Containers, c)
	}
	for _, u := range r.Usage {
		if u.Device == "" || u.Name == "" {
			return nil, fmt.Errorf("usage record needs device and name: %+v", u)
		}
		out.Usage = append(out.Usage, usage.Record{Device: u.Device, Kind: u.Kind, Name: u.Name})
	}
	return out, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// sizeK parses a size string into kilobytes. The empty string is zero.
func sizeK(s string) (uint64, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	b, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return b / 1024, nil
}

func volumeKind(k topology.ContainerKind) topology.VolumeKind {
	switch k {
	case topology.KindLvm:
		return topology.VolLogical
	case topology.KindMd:
		return topology.VolRaid
	case topology.KindDm:
		return topology.VolMapped
	case topology.KindLoop:
		return topology.VolLoop
	case topology.KindNfs:
		return topology.VolNfs
	}
	return topology.VolPartition
}

func (rc RawContainer) container() (*topology.Container, error) {
	kind, err := topology.ParseContainerKind(rc.Kind)
	if err != nil {
		return nil, err
	}
	c := &topology.Container{
		Kind:     kind,
		Name:     firstNonEmpty(rc.Name, kind.String()),
		Device:   rc.Device,
		ReadOnly: rc.ReadOnly,
	}

	switch {
	case kind.DiskLike():
		size, err := sizeK(rc.Size)
		if err != nil {
			return nil, err
		}
		if c.Device == "" {
			c.Device = "/dev/" + c.Name
			if kind != topology.KindDisk {
				c.Device = "/dev/mapper/" + c.Name
			}
		}
		c.Disk = &topology.DiskInfo{SizeK: size, Label: rc.Label, Members: rc.Members}
	case kind == topology.KindLvm:
		es := uint64(extent.DefaultExtentSize)
		if rc.ExtentSize != "" {
			k, err := sizeK(rc.ExtentSize)
			if err != nil {
				return nil, err
			}
			es = k * 1024
		}
		if c.Device == "" {
			c.Device = "/dev/" + c.Name
		}
		c.Pool = extent.NewPool(es)
		for _, pv := range rc.PVs {
			c.Pool.Active = append(c.Pool.Active, extent.PV{Device: pv.Device, Total: pv.Extents, Free: pv.Extents})
			c.Pool.TotalExtents += pv.Extents
		}
		c.Pool.FreeExtents = c.Pool.TotalExtents
	}

	for j, rv := range rc.Volumes {
		v, err := rv.volume(c)
		if err != nil {
			return nil, fmt.Errorf("volume %d (%s): %w", j, firstNonEmpty(rv.Device, rv.Name), err)
		}
		c.Volumes = append(c.Volumes, v)
	}
	return c, nil
}

func (rv RawVolume) volume(c *topology.Container) (*topology.Volume, error) {
	fs, err := topology.ParseFsType(rv.FsType)
	if err != nil {
		return nil, err
	}
	size, err := sizeK(rv.Size)
	if err != nil {
		return nil, err
	}
	v := &topology.Volume{
		Kind:             volumeKind(c.Kind),
		Container:        c.Name,
		Name:             rv.Name,
		Num:              rv.Num,
		Device:           rv.Device,
		AltNames:         rv.AltNames,
		Major:            rv.Major,
		Minor:            rv.Minor,
		FsType:           fs,
		OrigFsType:       fs,
		UUID:             rv.UUID,
		Label:            rv.Label,
		OrigLabel:        rv.Label,
		Mount:            rv.Mount,
		OrigMount:        rv.Mount,
		IsMounted:        rv.Mounted,
		FstabOptions:     rv.Options,
		OrigFstabOptions: rv.Options,
		Encryption:       topology.EncType(rv.Encryption),
		OrigEncryption:   topology.EncType(rv.Encryption),
	}

	switch v.Kind {
	case topology.VolPartition:
		start, err := sizeK(rv.Start)
		if err != nil {
			return nil, err
		}
		if rv.Num <= 0 {
			return nil, fmt.Errorf("partition needs a positive num")
		}
		if v.Device == "" {
			v.Device = topology.PartitionDevice(c.Device, c.Kind, rv.Num)
		}
		v.Name = firstNonEmpty(v.Name, path.Base(v.Device))
		v.Partition = &topology.PartitionInfo{
			Type:   topology.PartitionType(firstNonEmpty(rv.Type, string(topology.Primary))),
			StartK: start,
		}
	case topology.VolLogical:
		if rv.Name == "" {
			return nil, fmt.Errorf("logical volume needs a name")
		}
		if v.Device == "" {
			v.Device = "/dev/" + c.Name + "/" + rv.Name
		}
		if err := placeExtents(c.Pool, v, rv); err != nil {
			return nil, err
		}
		size = c.Pool.SizeK(v.LV.Extents)
	case topology.VolRaid:
		if v.Device == "" {
			return nil, fmt.Errorf("RAID volume needs a device")
		}
		chunk, err := sizeK(rv.Chunk)
		if err != nil {
			return nil, err
		}
		v.Name = firstNonEmpty(v.Name, strings.TrimPrefix(v.Device, "/dev/"))
		v.Raid = &topology.RaidInfo{
			Level:   topology.RaidLevel(rv.Level),
			ChunkK:  chunk,
			Devices: rv.Devices,
			Spares:  rv.Spares,
		}
	case topology.VolMapped:
		if rv.Name == "" {
			return nil, fmt.Errorf("mapped device needs a name")
		}
		if v.Device == "" {
			v.Device = "/dev/mapper/" + rv.Name
		}
		v.Mapped = &topology.MappedInfo{}
		var total uint64
		for _, t := range rv.Targets {
			off, err := sizeK(t.Offset)
			if err != nil {
				return nil, err
			}
			sz, err := sizeK(t.Size)
			if err != nil {
				return nil, err
			}
			v.Mapped.Targets = append(v.Mapped.Targets, topology.Target{Device: t.Device, OffsetK: off, SizeK: sz})
			total += sz
		}
		if size == 0 {
			size = total
		}
	case topology.VolLoop:
		if v.Device == "" || rv.File == "" {
			return nil, fmt.Errorf("loop device needs a device and a file")
		}
		if _, err := fmt.Sscanf(v.Device, "/dev/loop%d", &v.Num); err != nil {
			return nil, fmt.Errorf("loop device %q is not /dev/loopN", v.Device)
		}
		v.Name = firstNonEmpty(v.Name, strings.TrimPrefix(v.Device, "/dev/"))
		v.Loop = &topology.LoopInfo{File: rv.File, Reuse: true}
	case topology.VolNfs:
		if v.Device == "" {
			return nil, fmt.Errorf("nfs mount needs a source device")
		}
		v.Name = v.Device
		if v.FsType == topology.FsNone {
			v.FsType, v.OrigFsType = topology.FsNfs, topology.FsNfs
		}
	}

	v.SizeK, v.OrigSizeK = size, size
	return v, nil
}

// placeExtents fills the extent map of a logical volume and charges it against the
// pool. A volume on a single-PV group may omit the map.
func placeExtents(p *extent.Pool, v *topology.Volume, rv RawVolume) error {
	m := extent.Map{}
	for dev, n := range rv.Map {
		m[dev] = n
	}
	if len(m) == 0 && rv.Extents > 0 {
		if len(p.Active) != 1 {
			return fmt.Errorf("extent map required on a group with %d physical volumes", len(p.Active))
		}
		m[p.Active[0].Device] = rv.Extents
	}
	extents := rv.Extents
	if extents == 0 {
		extents = m.Total()
	}
	if m.Total() != extents {
		return fmt.Errorf("%d extents but map holds %d", extents, m.Total())
	}
	for dev, n := range m {
		found := false
		for i := range p.Active {
			if p.Active[i].Device != dev {
				continue
			}
			if p.Active[i].Free < n {
				return fmt.Errorf("%s has %d free extents, %d placed", dev, p.Active[i].Free, n)
			}
			p.Active[i].Free -= n
			found = true
		}
		if !found {
			return fmt.Errorf("map names %s which is not a physical volume of the group", dev)
		}
	}
	p.FreeExtents -= extents

	stripes := rv.Stripes
	if stripes == 0 {
		stripes = 1
	}
	stripeK, err := sizeK(rv.StripeSize)
	if err != nil {
		return err
	}
	v.LV = &topology.LvInfo{Extents: extents, Stripes: stripes, StripeSizeK: stripeK, Map: m}
	return nil
}
