package runner

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/superfly/storagemgr/commit"
	"github.com/superfly/storagemgr/topology"
)

// Command is one external program invocation.
type Command struct {
	Name string
	Args []string
	// Device is the device the command acts on, for logs and busy errors.
	Device string
	// Tolerate lists output fragments that turn a failed run into a success.
	Tolerate []string
	// OkExit lists non-zero exit codes that still mean success.
	OkExit []int
	// Fallback runs once if the command still fails after retries.
	Fallback *Command
}

func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

func (c Command) tolerates(exitCode int, output string) bool {
	for _, code := range c.OkExit {
		if code == exitCode {
			return true
		}
	}
	for _, frag := range c.Tolerate {
		if strings.Contains(output, frag) {
			return true
		}
	}
	return false
}

func command(device, name string, args ...string) Command {
	return Command{Name: name, Args: args, Device: device}
}

// Commands returns the programs that carry out req, in order. An empty list means the
// action needs no system change (the config file or the model is all that moves).
func (c *Client) Commands(req commit.Request) ([]Command, error) {
	a := req.Action
	if a.Device != "" && req.Volume == nil {
		return nil, fmt.Errorf("%s: request for %s without volume", a.Op, a.Device)
	}
	switch a.Op {
	case commit.OpUnmount:
		return []Command{unmount(req.Volume, req.Volume.OrigMount)}, nil
	case commit.OpRemoveVolume:
		return removeVolume(req.Container, req.Volume)
	case commit.OpShrinkVolume:
		return resizeVolume(req.Container, req.Volume, true)
	case commit.OpGrowVolume:
		return resizeVolume(req.Container, req.Volume, false)
	case commit.OpRemoveRaidMember:
		dev := req.Volume.Device
		return []Command{
			withTolerate(command(a.Member, "mdadm", "--manage", dev, "--fail", a.Member), "No such device"),
			command(a.Member, "mdadm", "--manage", dev, "--remove", a.Member),
			withTolerate(command(a.Member, "mdadm", "--zero-superblock", a.Member), "Unrecognised md component device"),
		}, nil
	case commit.OpAddRaidMember:
		return []Command{command(a.Member, "mdadm", "--manage", req.Volume.Device, "--add", a.Member)}, nil
	case commit.OpReduceContainer:
		return []Command{
			withTolerate(command(a.Member, "pvmove", a.Member), "No data to move"),
			command(a.Member, "vgreduce", a.Container, a.Member),
			command(a.Member, "pvremove", a.Member),
		}, nil
	case commit.OpRemoveContainer:
		return removeContainer(req.Container)
	case commit.OpWriteLabel:
		cont := req.Container
		return []Command{command(cont.Device, "parted", "-s", cont.Device, "mklabel", cont.Disk.NewLabel)}, nil
	case commit.OpCreateContainer:
		return createContainer(req.Container)
	case commit.OpExtendContainer:
		return []Command{
			command(a.Member, "pvcreate", "-ff", "-y", a.Member),
			command(a.Member, "vgextend", a.Container, a.Member),
		}, nil
	case commit.OpCreateVolume:
		return createVolume(req.Container, req.Volume)
	case commit.OpFormat:
		return c.format(req.Volume, req.UUID)
	case commit.OpSetLabel:
		return setLabel(req.Volume)
	case commit.OpMount:
		return mount(req.Volume), nil
	}
	return nil, &UnsupportedError{Op: a.Op.String(), Device: a.Target(), Reason: "unknown operation"}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func withTolerate(c Command, frags ...string) Command {
	c.Tolerate = append(c.Tolerate, frags...)
	return c
}

// cryptName is the mapper name an encrypted volume is opened under.
func cryptName(device string) string {
	return "cr_" + strings.ReplaceAll(strings.TrimPrefix(device, "/dev/"), "/", "_")
}

// fsDevice is the node carrying the filesystem: the opened mapping for encrypted volumes.
func fsDevice(v *topology.Volume, enc topology.EncType) string {
	if enc != topology.EncNone {
		return "/dev/mapper/" + cryptName(v.Device)
	}
	return v.Device
}

// unmount releases a volume from the mount point it currently occupies. A plain unmount
// that keeps failing falls back to a lazy one.
func unmount(v *topology.Volume, at string) Command {
	if at == "swap" {
		return withTolerate(command(v.Device, "swapoff", fsDevice(v, v.OrigEncryption)), "Invalid argument")
	}
	lazy := command(v.Device, "umount", "-l", at)
	c := withTolerate(command(v.Device, "umount", at), "not mounted")
	c.Fallback = &lazy
	return c
}

func sectors(k uint64) string {
	return strconv.FormatUint(k*2, 10) + "s"
}

func removeVolume(c *topology.Container, v *topology.Volume) ([]Command, error) {
	var cmds []Command
	if v.OrigEncryption != topology.EncNone {
		cmds = append(cmds, withTolerate(command(v.Device, "cryptsetup", "close", cryptName(v.Device)),
			"doesn't exist", "not active"))
	}
	switch v.Kind {
	case topology.VolPartition:
		cmds = append(cmds, command(v.Device, "parted", "-s", c.Device, "rm", strconv.Itoa(v.Num)))
	case topology.VolLogical:
		cmds = append(cmds, command(v.Device, "lvremove", "-f", c.Name+"/"+v.Name))
	case topology.VolRaid:
		cmds = append(cmds, command(v.Device, "mdadm", "--stop", v.Device))
		for _, m := range v.Members() {
			cmds = append(cmds, withTolerate(command(m, "mdadm", "--zero-superblock", m),
				"Unrecognised md component device"))
		}
	case topology.VolMapped:
		cmds = append(cmds, command(v.Device, "dmsetup", "remove", v.Name))
	case topology.VolLoop:
		cmds = append(cmds, command(v.Device, "losetup", "-d", v.Device))
	case topology.VolNfs:
		// Nothing to remove beyond the unmount.
	}
	return cmds, nil
}

func isExt(fs topology.FsType) bool {
	return fs == topology.FsExt2 || fs == topology.FsExt3 || fs == topology.FsExt4
}

// fsResize resizes the filesystem on v to its new size. Only the ext family can be
// resized offline; other filesystems are refused when shrinking and left alone when
// growing.
func fsResize(v *topology.Volume, shrink bool) ([]Command, error) {
	fs := v.OrigFsType
	if v.Format || fs == topology.FsNone || fs == topology.FsSwap {
		return nil, nil
	}
	dev := fsDevice(v, v.OrigEncryption)
	if isExt(fs) {
		check := command(v.Device, "e2fsck", "-f", "-y", dev)
		check.OkExit = []int{1}
		return []Command{check, command(v.Device, "resize2fs", dev, fmt.Sprintf("%dK", v.SizeK))}, nil
	}
	if shrink {
		return nil, &UnsupportedError{Op: "shrink", Device: v.Device, Reason: fmt.Sprintf("%s can not be shrunk", fs)}
	}
	return nil, nil
}

func resizeVolume(c *topology.Container, v *topology.Volume, shrink bool) ([]Command, error) {
	var resize []Command
	switch v.Kind {
	case topology.VolLogical:
		resize = []Command{command(v.Device, "lvresize", "-f", "-l", strconv.FormatUint(v.LV.Extents, 10), c.Name+"/"+v.Name)}
	case topology.VolPartition:
		resize = []Command{command(v.Device, "parted", "-s", c.Device, "unit", "s",
			"resizepart", strconv.Itoa(v.Num), strconv.FormatUint(v.EndK()*2-1, 10)+"s")}
	case topology.VolRaid:
		if shrink {
			return nil, &UnsupportedError{Op: "shrink", Device: v.Device, Reason: "RAID arrays only grow"}
		}
		resize = []Command{command(v.Device, "mdadm", "--grow", v.Device, "--size=max")}
	default:
		return nil, &UnsupportedError{Op: "resize", Device: v.Device, Reason: fmt.Sprintf("%s volumes can not be resized", v.Kind)}
	}

	fs, err := fsResize(v, shrink)
	if err != nil {
		return nil, err
	}
	if shrink {
		return append(fs, resize...), nil
	}
	return append(resize, fs...), nil
}

func removeContainer(c *topology.Container) ([]Command, error) {
	if c.Kind != topology.KindLvm {
		return nil, nil
	}
	cmds := []Command{command(c.Device, "vgremove", "-f", c.Name)}
	for _, m := range c.Members() {
		cmds = append(cmds, withTolerate(command(m, "pvremove", "-ff", "-y", m), "not a PV"))
	}
	return cmds, nil
}

func createContainer(c *topology.Container) ([]Command, error) {
	if c.Kind != topology.KindLvm || c.Pool == nil {
		return nil, &UnsupportedError{Op: "create", Device: c.Name, Reason: fmt.Sprintf("%s containers are not created explicitly", c.Kind)}
	}
	devs := c.Pool.Devices()
	var cmds []Command
	for _, d := range devs {
		cmds = append(cmds, command(d, "pvcreate", "-ff", "-y", d))
	}
	args := append([]string{"-s", fmt.Sprintf("%dk", c.Pool.ExtentSize/1024), c.Name}, devs...)
	return append(cmds, command(c.Name, "vgcreate", args...)), nil
}

func createVolume(c *topology.Container, v *topology.Volume) ([]Command, error) {
	switch v.Kind {
	case topology.VolPartition:
		return []Command{command(v.Device, "parted", "-s", "-a", "none", c.Device, "unit", "s", "mkpart",
			string(v.Partition.Type), sectors(v.Partition.StartK), strconv.FormatUint(v.EndK()*2-1, 10)+"s")}, nil
	case topology.VolLogical:
		args := []string{"--yes", "-l", strconv.FormatUint(v.LV.Extents, 10), "-n", v.Name}
		if v.LV.Stripes > 1 {
			args = append(args, "-i", strconv.Itoa(v.LV.Stripes))
			if v.LV.StripeSizeK > 0 {
				args = append(args, "-I", fmt.Sprintf("%dk", v.LV.StripeSizeK))
			}
		}
		return []Command{command(v.Device, "lvcreate", append(args, c.Name)...)}, nil
	case topology.VolRaid:
		r := v.Raid
		args := []string{"--create", v.Device, "--run", "--metadata=1.2",
			"--level=" + string(r.Level), fmt.Sprintf("--raid-devices=%d", len(r.Devices))}
		if r.ChunkK > 0 {
			args = append(args, fmt.Sprintf("--chunk=%d", r.ChunkK))
		}
		args = append(args, r.Devices...)
		if len(r.Spares) > 0 {
			args = append(args, fmt.Sprintf("--spare-devices=%d", len(r.Spares)))
			args = append(args, r.Spares...)
		}
		return []Command{command(v.Device, "mdadm", args...)}, nil
	case topology.VolMapped:
		var table []string
		var start uint64
		for _, t := range v.Mapped.Targets {
			table = append(table, fmt.Sprintf("%d %d linear %s %d", start*2, t.SizeK*2, t.Device, t.OffsetK*2))
			start += t.SizeK
		}
		return []Command{command(v.Device, "dmsetup", "create", v.Name, "--table", strings.Join(table, "\n"))}, nil
	case topology.VolLoop:
		var cmds []Command
		if !v.Loop.Reuse {
			cmds = append(cmds, command(v.Device, "truncate", "-s", fmt.Sprintf("%dK", v.SizeK), v.Loop.File))
		}
		return append(cmds, command(v.Device, "losetup", v.Device, v.Loop.File)), nil
	case topology.VolNfs:
		return nil, nil
	}
	return nil, &UnsupportedError{Op: "create", Device: v.Device, Reason: fmt.Sprintf("unknown volume kind %s", v.Kind)}
}

func luksType(enc topology.EncType) string {
	if enc == topology.EncLuks {
		return "luks1"
	}
	return "luks2"
}

func (c *Client) format(v *topology.Volume, uuid string) ([]Command, error) {
	var cmds []Command
	if v.Encryption != topology.EncNone {
		if c.cfg.KeyFile == "" {
			return nil, &UnsupportedError{Op: "format", Device: v.Device, Reason: "encryption requested but no key file configured"}
		}
		cmds = append(cmds,
			command(v.Device, "cryptsetup", "luksFormat", "--batch-mode", "--type", luksType(v.Encryption),
				"--key-file", c.cfg.KeyFile, v.Device),
			command(v.Device, "cryptsetup", "open", "--key-file", c.cfg.KeyFile, v.Device, cryptName(v.Device)),
		)
	}
	dev := fsDevice(v, v.Encryption)

	var mkfs Command
	switch fs := v.FsType; {
	case isExt(fs):
		args := []string{"-F", "-q", "-U", uuid}
		if v.Label != "" {
			args = append(args, "-L", v.Label)
		}
		mkfs = command(v.Device, "mkfs."+string(fs), append(args, dev)...)
	case fs == topology.FsXfs:
		args := []string{"-f", "-m", "uuid=" + uuid}
		if v.Label != "" {
			args = append(args, "-L", v.Label)
		}
		mkfs = command(v.Device, "mkfs.xfs", append(args, dev)...)
	case fs == topology.FsBtrfs:
		args := []string{"-f", "-U", uuid}
		if v.Label != "" {
			args = append(args, "-L", v.Label)
		}
		mkfs = command(v.Device, "mkfs.btrfs", append(args, dev)...)
	case fs == topology.FsVfat:
		var args []string
		if v.Label != "" {
			args = append(args, "-n", v.Label)
		}
		mkfs = command(v.Device, "mkfs.vfat", append(args, dev)...)
	case fs == topology.FsSwap:
		args := []string{"-U", uuid}
		if v.Label != "" {
			args = append(args, "-L", v.Label)
		}
		mkfs = command(v.Device, "mkswap", append(args, dev)...)
	default:
		return nil, &UnsupportedError{Op: "format", Device: v.Device, Reason: fmt.Sprintf("no mkfs for %q", fs)}
	}
	return append(cmds, mkfs), nil
}

func setLabel(v *topology.Volume) ([]Command, error) {
	dev := fsDevice(v, v.OrigEncryption)
	switch fs := v.OrigFsType; {
	case isExt(fs):
		return []Command{command(v.Device, "e2label", dev, v.Label)}, nil
	case fs == topology.FsXfs:
		label := v.Label
		if label == "" {
			label = "--"
		}
		return []Command{command(v.Device, "xfs_admin", "-L", label, dev)}, nil
	case fs == topology.FsBtrfs:
		return []Command{command(v.Device, "btrfs", "filesystem", "label", dev, v.Label)}, nil
	case fs == topology.FsSwap:
		return []Command{command(v.Device, "swaplabel", "-L", v.Label, dev)}, nil
	case fs == topology.FsVfat:
		return []Command{command(v.Device, "fatlabel", dev, v.Label)}, nil
	}
	return nil, &UnsupportedError{Op: "set-label", Device: v.Device, Reason: fmt.Sprintf("%q has no label tool", v.OrigFsType)}
}

// mount moves a volume to its requested mount point, unmounting it from the old one
// first. An empty mount point only changes the boot configuration.
func mount(v *topology.Volume) []Command {
	var cmds []Command
	if v.IsMounted && v.OrigMount != "" && v.OrigMount != v.Mount {
		cmds = append(cmds, unmount(v, v.OrigMount))
	}
	switch {
	case v.Mount == "":
		return cmds
	case v.IsMounted && v.Mount == v.OrigMount:
		if v.FstabOptions != v.OrigFstabOptions && v.Mount != "swap" {
			cmds = append(cmds, command(v.Device, "mount", "-o", "remount,"+firstNonEmpty(v.FstabOptions, "defaults"), v.Mount))
		}
		return cmds
	case v.Mount == "swap":
		return append(cmds, withTolerate(command(v.Device, "swapon", fsDevice(v, v.Encryption)), "Device or resource busy"))
	}
	args := []string{}
	if v.FsType != topology.FsNone {
		args = append(args, "-t", string(v.FsType))
	}
	if v.FstabOptions != "" {
		args = append(args, "-o", v.FstabOptions)
	}
	args = append(args, fsDevice(v, v.Encryption), v.Mount)
	return append(cmds,
		command(v.Device, "mkdir", "-p", v.Mount),
		withTolerate(command(v.Device, "mount", args...), "already mounted"),
	)
}

// activation lists the commands that bring up the subsystem of kind.
func activation(kind topology.ContainerKind) []Command {
	switch kind {
	case topology.KindLvm:
		return []Command{command("", "vgscan", "--mknodes"), command("", "vgchange", "-a", "y")}
	case topology.KindMd:
		c := command("", "mdadm", "--assemble", "--scan")
		c.OkExit = []int{1, 2}
		return []Command{c}
	case topology.KindDm:
		return []Command{command("", "dmsetup", "mknodes")}
	case topology.KindDmRaid:
		return []Command{withTolerate(command("", "dmraid", "-a", "y"), "no raid disks")}
	case topology.KindDmMultipath:
		c := command("", "multipath")
		c.OkExit = []int{1}
		return []Command{c}
	}
	return nil
}
