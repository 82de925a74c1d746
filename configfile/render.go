package configfile

import (
	"fmt"
	"strings"
)

const header = "# generated by storagemgr, do not edit\n"

// Fstab renders the mounted entries as fstab lines. Devices with a filesystem UUID are
// referenced by UUID so renumbering cannot break the boot.
func (d *Document) Fstab() string {
	var b strings.Builder
	b.WriteString(header)
	for _, f := range d.Devices {
		if f.Mount == "" {
			continue
		}
		spec := f.Device
		if f.UUID != "" && f.FsType != "nfs" {
			spec = "UUID=" + f.UUID
		}
		mount, pass := f.Mount, 2
		switch {
		case f.FsType == "swap":
			mount, pass = "none", 0
		case f.FsType == "nfs":
			pass = 0
		case f.Mount == "/":
			pass = 1
		}
		opts := f.Options
		if opts == "" {
			opts = "defaults"
		}
		fmt.Fprintf(&b, "%s\t%s\t%s\t%s\t0\t%d\n", spec, mount, firstNonEmpty(f.FsType, "auto"), opts, pass)
	}
	return b.String()
}

// MdadmConf renders one ARRAY line per RAID entry.
func (d *Document) MdadmConf() string {
	var b strings.Builder
	b.WriteString(header)
	for _, f := range d.Devices {
		if f.RaidLevel == "" {
			continue
		}
		fmt.Fprintf(&b, "ARRAY %s level=%s num-devices=%d devices=%s",
			f.Device, f.RaidLevel, len(f.RaidDevices), strings.Join(append(append([]string(nil), f.RaidDevices...), f.RaidSpares...), ","))
		if len(f.RaidSpares) > 0 {
			fmt.Fprintf(&b, " spares=%d", len(f.RaidSpares))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
