package probe

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/superfly/storagemgr/topology"
	"github.com/superfly/storagemgr/usage"
)

func kib(k uint64) string {
	if k == 0 {
		return ""
	}
	return fmt.Sprintf("%dKiB", k)
}

// Describe converts the requested state of a model into the document format. Deleted
// entities are left out and pending values are written as if they existed, so the
// result is what a probe would report after a successful commit.
func Describe(containers []*topology.Container, recs []usage.Record) *RawLayout {
	out := &RawLayout{}
	for _, c := range containers {
		if c.Deleted {
			continue
		}
		rc := RawContainer{
			Kind:     c.Kind.String(),
			Name:     c.Name,
			Device:   c.Device,
			ReadOnly: c.ReadOnly,
		}
		if c.Disk != nil {
			rc.Size = kib(c.Disk.SizeK)
			rc.Label = c.Disk.EffectiveLabel()
			rc.Members = c.Disk.Members
		}
		if c.Pool != nil {
			rc.ExtentSize = kib(c.Pool.ExtentSize / 1024)
			for _, pv := range c.Pool.Active {
				rc.PVs = append(rc.PVs, RawPV{Device: pv.Device, Extents: pv.Total})
			}
			for _, pv := range c.Pool.Added {
				rc.PVs = append(rc.PVs, RawPV{Device: pv.Device, Extents: pv.Total})
			}
		}
		for _, v := range c.LiveVolumes() {
			rc.Volumes = append(rc.Volumes, describeVolume(v))
		}
		out.Containers = append(out.Containers, rc)
	}
	for _, r := range recs {
		out.Usage = append(out.Usage, RawUsage{Device: r.Device, Kind: r.Kind, Name: r.Name})
	}
	return out
}

func describeVolume(v *topology.Volume) RawVolume {
	rv := RawVolume{
		Name:       v.Name,
		Device:     v.Device,
		AltNames:   v.AltNames,
		Num:        v.Num,
		Size:       kib(v.SizeK),
		Major:      v.Major,
		Minor:      v.Minor,
		FsType:     string(v.FsType),
		UUID:       v.UUID,
		Label:      v.Label,
		Mount:      v.Mount,
		Mounted:    v.Mount != "" && (v.IsMounted || v.Mount != v.OrigMount || v.RemountPending),
		Options:    v.FstabOptions,
		Encryption: string(v.Encryption),
	}
	switch {
	case v.Partition != nil:
		rv.Type = string(v.Partition.Type)
		rv.Start = kib(v.Partition.StartK)
	case v.LV != nil:
		rv.Size = ""
		rv.Extents = v.LV.Extents
		rv.Map = v.LV.Map
		if v.LV.Stripes > 1 {
			rv.Stripes = v.LV.Stripes
			rv.StripeSize = kib(v.LV.StripeSizeK)
		}
	case v.Raid != nil:
		rv.Level = string(v.Raid.Level)
		rv.Chunk = kib(v.Raid.ChunkK)
		// queued members land as spares, as the array reports them after a commit
		rv.Devices = without(v.Raid.Devices, v.Raid.Removed)
		rv.Spares = without(append(append([]string(nil), v.Raid.Spares...), v.Raid.Added...), v.Raid.Removed)
	case v.Mapped != nil:
		rv.Size = ""
		for _, t := range v.Mapped.Targets {
			rv.Targets = append(rv.Targets, RawTarget{Device: t.Device, Offset: kib(t.OffsetK), Size: kib(t.SizeK)})
		}
	case v.Loop != nil:
		rv.File = v.Loop.File
	}
	if v.LV != nil && len(v.AltNames) == 1 && strings.HasPrefix(v.AltNames[0], "/dev/mapper/") {
		// the mapper alias is derived again on load
		rv.AltNames = nil
	}
	return rv
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func without(list, drop []string) []string {
	var out []string
	for _, x := range list {
		if !contains(drop, x) {
			out = append(out, x)
		}
	}
	return out
}

// Marshal renders a document as YAML.
func Marshal(raw *RawLayout) ([]byte, error) {
	data, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal topology: %w", err)
	}
	return data, nil
}

// Save writes the requested state of a model to path.
func Save(path string, containers []*topology.Container, recs []usage.Record) error {
	data, err := Marshal(Describe(containers, recs))
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write topology %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace topology %s: %w", path, err)
	}
	return nil
}
