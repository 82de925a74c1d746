// storage_test.go - Tests for cascading removal, rescans and the non-LVM kinds
package topology

import (
	"context"
	"testing"

	"github.com/superfly/storagemgr/errcode"
	"github.com/superfly/storagemgr/usage"
)

func TestRemoveConsumedPartitionRefused(t *testing.T) {
	s := newTestStorage(t, twoPVDisk(), existingVG())
	if err := s.CreateBackupState("before"); err != nil {
		t.Fatalf("CreateBackupState: %v", err)
	}

	err := s.RemovePartition("/dev/sda1")
	if !errcode.Is(err, errcode.DeviceInUse) {
		t.Fatalf("RemovePartition = %v, want DeviceInUse", err)
	}
	if !s.EqualBackupStates("before", "", true) {
		t.Fatal("refused removal changed the model")
	}
}

func TestRecursiveRemoval(t *testing.T) {
	s := newTestStorage(t, twoPVDisk(), existingVG())
	s.SetRecursiveRemoval(true)

	if err := s.RemovePartition("/dev/sda1"); err != nil {
		t.Fatalf("RemovePartition: %v", err)
	}

	vg, ok := s.Container("vg0")
	if !ok || !vg.Deleted {
		t.Fatalf("vg0 = %+v, want deleted", vg)
	}
	if root := vg.Volumes[0]; !root.Deleted || root.LV.Map.Total() != 0 {
		t.Errorf("root = %+v, want deleted with no extents", root)
	}
	if _, live := s.Volume("/dev/sda1"); live {
		t.Error("/dev/sda1 still live")
	}
	if recs := s.UsageRecords(); len(recs) != 0 {
		t.Errorf("used-by = %v, want empty", recs)
	}
	if !s.Pending() {
		t.Error("Pending = false after removal")
	}
}

func TestRescanDiscardsPendingChanges(t *testing.T) {
	s := newTestStorage(t, twoPVDisk(), existingVG())
	if err := s.CreateBackupState("probed"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateLogicalVolume("vg0", "data", 10*4096, 1); err != nil {
		t.Fatalf("CreateLogicalVolume: %v", err)
	}
	if err := s.SetMount("/dev/vg0/root", "/srv"); err != nil {
		t.Fatalf("SetMount: %v", err)
	}

	if err := s.Rescan(context.Background()); err != nil {
		t.Fatalf("Rescan: %v", err)
	}
	if s.Pending() {
		t.Error("Pending after rescan")
	}
	if !s.EqualBackupStates("probed", "", true) {
		t.Error("rescan did not restore the probed model")
	}
	if !s.CheckBackupState("probed") {
		t.Error("rescan dropped backup states")
	}
}

func TestRescanRejectsInconsistentProbe(t *testing.T) {
	vg := existingVG()
	vg.Volumes[0].LV.Extents = 70
	probe := ProbeFunc(func(ctx context.Context) (*Layout, error) {
		return &Layout{Containers: []*Container{twoPVDisk(), vg}}, nil
	})
	_, err := New(context.Background(), probe, Options{Logger: quietLogger()})
	if !errcode.Is(err, errcode.InvariantViolation) {
		t.Fatalf("New = %v, want InvariantViolation", err)
	}
}

func raidDisks() []*Container {
	return []*Container{
		testDisk("sdb", 2*gib, LabelMsdos, testPart("sdb", 1, 1024, gib)),
		testDisk("sdc", 2*gib, LabelMsdos, testPart("sdc", 1, 1024, gib)),
		testDisk("sdd", 2*gib, LabelMsdos, testPart("sdd", 1, 1024, gib)),
	}
}

func TestCreateRaid(t *testing.T) {
	s := newTestStorage(t, raidDisks()...)

	if err := s.CreateRaid("/dev/md0", Raid1, []string{"/dev/sdb1"}, nil); !errcode.Is(err, errcode.InvalidArgument) {
		t.Fatalf("one-member raid1 = %v, want InvalidArgument", err)
	}
	if err := s.CreateRaid("md0", Raid1, []string{"/dev/sdb1", "/dev/sdc1"}, nil); !errcode.Is(err, errcode.InvalidName) {
		t.Fatalf("bad name = %v, want InvalidName", err)
	}

	dev, err := s.CreateRaidAny(Raid1, []string{"/dev/sdb1", "/dev/sdc1"}, nil)
	if err != nil {
		t.Fatalf("CreateRaidAny: %v", err)
	}
	if dev != "/dev/md0" {
		t.Fatalf("device = %s, want /dev/md0", dev)
	}
	md, _ := s.Volume(dev)
	if md.SizeK != gib-mdSuperblockK {
		t.Errorf("size = %d, want %d", md.SizeK, gib-mdSuperblockK)
	}
	rec, ok := s.UsedBy("/dev/sdb1")
	if !ok || rec.Kind != string(usage.KindMd) || rec.Name != dev {
		t.Errorf("UsedBy(sdb1) = %+v %v", rec, ok)
	}

	if err := s.CreateRaid("/dev/md1", Raid0, []string{"/dev/sdb1", "/dev/sdd1"}, nil); !errcode.Is(err, errcode.AlreadyUsed) {
		t.Errorf("reused member = %v, want AlreadyUsed", err)
	}
	if err := s.AddRaidMember(dev, "/dev/sdd1", true); err != nil {
		t.Fatalf("AddRaidMember: %v", err)
	}
	if md, _ = s.Volume(dev); len(md.Raid.Spares) != 1 {
		t.Errorf("spares = %v", md.Raid.Spares)
	}
	if err := s.RemoveRaidMember(dev, "/dev/sdb1"); !errcode.Is(err, errcode.InvalidArgument) {
		t.Errorf("dropping below minimum = %v, want InvalidArgument", err)
	}

	if err := s.RemoveRaid(dev); err != nil {
		t.Fatalf("RemoveRaid: %v", err)
	}
	if _, ok := s.Volume(dev); ok {
		t.Error("never-committed array still present")
	}
	if recs := s.UsageRecords(); len(recs) != 0 {
		t.Errorf("used-by = %v, want empty", recs)
	}
}

func TestGroupNamesReserved(t *testing.T) {
	s := newTestStorage(t, raidDisks()...)

	for _, name := range []string{"md", "dm", "loop", "nfs"} {
		if err := s.CreateVolumeGroup(name, 0, []string{"/dev/sdb1"}); !errcode.Is(err, errcode.InvalidName) {
			t.Errorf("CreateVolumeGroup(%q) = %v, want InvalidName", name, err)
		}
	}
	if err := s.CreateVolumeGroup("md0", 0, []string{"/dev/sdb1"}); err != nil {
		t.Fatalf("CreateVolumeGroup(md0): %v", err)
	}
	if err := s.CreateRaid("/dev/md0", Raid1, []string{"/dev/sdc1", "/dev/sdd1"}, nil); err != nil {
		t.Fatalf("CreateRaid: %v", err)
	}
	md, _ := s.Volume("/dev/md0")
	c, ok := s.ContainerOf(md)
	if !ok || c.Kind != KindMd {
		t.Fatalf("array landed in %+v", c)
	}
	if err := s.CheckConsistency(); err != nil {
		t.Errorf("CheckConsistency: %v", err)
	}

	// A volume group found on the system may not squat on a group name either.
	squatter := existingVG()
	squatter.Name = "md"
	for _, v := range squatter.Volumes {
		v.Container = "md"
	}
	scan := ProbeFunc(func(ctx context.Context) (*Layout, error) {
		return &Layout{Containers: []*Container{twoPVDisk(), squatter}}, nil
	})
	if _, err := New(context.Background(), scan, Options{Logger: quietLogger()}); !errcode.Is(err, errcode.InvariantViolation) {
		t.Errorf("New with volume group md = %v, want InvariantViolation", err)
	}
}

func TestExistingRaidMembers(t *testing.T) {
	md := &Container{
		Kind: KindMd,
		Name: KindMd.String(),
		Volumes: []*Volume{{
			Kind:      VolRaid,
			Name:      "md0",
			Device:    "/dev/md0",
			SizeK:     gib - mdSuperblockK,
			OrigSizeK: gib - mdSuperblockK,
			Raid: &RaidInfo{
				Level:   Raid1,
				Devices: []string{"/dev/sdb1", "/dev/sdc1", "/dev/sdd1"},
			},
		}},
	}
	disks := append(raidDisks(), testDisk("sde", 2*gib, LabelMsdos, testPart("sde", 1, 1024, gib)))
	s := newTestStorage(t, append(disks, md)...)

	if _, ok := s.UsedBy("/dev/sdc1"); !ok {
		t.Fatal("probe did not derive membership usage")
	}
	if err := s.AddRaidMember("/dev/md0", "/dev/sde1", false); err != nil {
		t.Fatalf("AddRaidMember: %v", err)
	}
	v, _ := s.Volume("/dev/md0")
	if !v.NeedIncrease() || len(v.Raid.Added) != 1 {
		t.Errorf("added member not queued: %+v", v.Raid)
	}
	if err := s.RemoveRaidMember("/dev/md0", "/dev/sdb1"); err != nil {
		t.Fatalf("RemoveRaidMember: %v", err)
	}
	if v, _ = s.Volume("/dev/md0"); !v.NeedDecrease() {
		t.Error("removed member not queued")
	}
	if err := s.RemoveRaidMember("/dev/md0", "/dev/sdb1"); !errcode.Is(err, errcode.InvalidArgument) {
		t.Errorf("second removal = %v, want InvalidArgument", err)
	}
	if _, ok := s.UsedBy("/dev/sdb1"); ok {
		t.Error("removed member still used")
	}
}

func TestMountPoints(t *testing.T) {
	s := newTestStorage(t, twoPVDisk(), existingVG())

	if err := s.SetFormat("/dev/sda2", true, FsXfs); err != nil {
		t.Fatalf("SetFormat: %v", err)
	}
	if err := s.SetMount("/dev/sda2", "/"); !errcode.Is(err, errcode.MountConflict) {
		t.Errorf("duplicate mount = %v, want MountConflict", err)
	}
	if err := s.SetMount("/dev/sda2", "data"); !errcode.Is(err, errcode.InvalidArgument) {
		t.Errorf("relative mount = %v, want InvalidArgument", err)
	}
	if err := s.SetMount("/dev/sda2", "/data/"); err != nil {
		t.Fatalf("SetMount: %v", err)
	}
	v, _ := s.Volume("/dev/sda2")
	if v.Mount != "/data" || !v.NeedMountUpdate() || !v.NeedFormat() {
		t.Errorf("sda2 = %+v", v)
	}
	if err := s.SetFormat("/dev/sda1", true, FsExt4); !errcode.Is(err, errcode.DeviceInUse) {
		t.Errorf("format of a physical volume = %v, want DeviceInUse", err)
	}
	if err := s.SetLabel("/dev/sda2", "this-label-is-far-too-long"); !errcode.Is(err, errcode.InvalidArgument) {
		t.Errorf("long xfs label = %v, want InvalidArgument", err)
	}
	if err := s.SetEncryption("/dev/vg0/root", EncLuks2); !errcode.Is(err, errcode.InvalidArgument) {
		t.Errorf("encrypting without format = %v, want InvalidArgument", err)
	}
	if err := s.SetFstabOptions("/dev/mapper/vg0-root", "noatime"); err != nil {
		t.Fatalf("SetFstabOptions by mapper name: %v", err)
	}
	root, _ := s.Volume("/dev/vg0/root")
	if !root.NeedMountUpdate() {
		t.Error("option change not pending")
	}
}

func TestGroupKinds(t *testing.T) {
	s := newTestStorage(t, twoPVDisk())

	loop, err := s.CreateLoop("/var/lib/images/a.img", false, gib)
	if err != nil {
		t.Fatalf("CreateLoop: %v", err)
	}
	if loop != "/dev/loop0" {
		t.Errorf("loop = %s", loop)
	}
	if _, err := s.CreateLoop("/var/lib/images/a.img", true, gib); !errcode.Is(err, errcode.DuplicateName) {
		t.Errorf("second loop on same file = %v, want DuplicateName", err)
	}
	if _, err := s.CreateLoop("a.img", false, gib); !errcode.Is(err, errcode.InvalidArgument) {
		t.Errorf("relative file = %v, want InvalidArgument", err)
	}

	mapped, err := s.CreateMapped("scratch", []Target{
		{Device: "/dev/sda2", OffsetK: 0, SizeK: 1024},
		{Device: loop, OffsetK: 0, SizeK: 2048},
	})
	if err != nil {
		t.Fatalf("CreateMapped: %v", err)
	}
	v, _ := s.Volume(mapped)
	if v.SizeK != 3072 {
		t.Errorf("mapped size = %d, want 3072", v.SizeK)
	}
	if err := s.RemoveLoop(loop); !errcode.Is(err, errcode.DeviceInUse) {
		t.Errorf("RemoveLoop under mapping = %v, want DeviceInUse", err)
	}
	if err := s.RemoveVolume(mapped); err != nil {
		t.Fatalf("RemoveVolume(mapped): %v", err)
	}
	if err := s.RemoveLoop(loop); err != nil {
		t.Fatalf("RemoveLoop: %v", err)
	}

	if err := s.AddNfs("nas:/export/home", 0, ""); !errcode.Is(err, errcode.InvalidArgument) {
		t.Errorf("nfs without mount = %v, want InvalidArgument", err)
	}
	if err := s.AddNfs("nas", 0, "/home"); !errcode.Is(err, errcode.InvalidName) {
		t.Errorf("nfs without export = %v, want InvalidName", err)
	}
	if err := s.AddNfs("nas:/export/home", 0, "/home"); err != nil {
		t.Fatalf("AddNfs: %v", err)
	}
	nfs, _ := s.Volume("nas:/export/home")
	if nfs.NeedIncrease() || !nfs.NeedMountUpdate() {
		t.Errorf("nfs stages: increase=%v mount=%v", nfs.NeedIncrease(), nfs.NeedMountUpdate())
	}
	if err := s.ResizeVolume("nas:/export/home", gib); !errcode.Is(err, errcode.UnsupportedKind) {
		t.Errorf("resize nfs = %v, want UnsupportedKind", err)
	}
}
