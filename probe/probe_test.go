// probe_test.go - Tests for YAML topology descriptions
package probe

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/superfly/storagemgr/topology"
)

const fixture = `
containers:
  - kind: disk
    name: sda
    size: 8GiB
    label: gpt
    volumes:
      - num: 1
        start: 1MiB
        size: 1GiB
      - num: 2
        start: 1025MiB
        size: 1GiB
      - num: 3
        start: 2049MiB
        size: 1GiB
      - num: 4
        start: 3073MiB
        size: 1GiB
      - num: 5
        start: 4097MiB
        size: 1GiB
  - kind: lvm
    name: vg0
    extent_size: 4MiB
    pvs:
      - device: /dev/sda1
        extents: 255
    volumes:
      - name: root
        extents: 100
        fs: ext4
        mount: /
        mounted: true
        options: defaults,noatime
  - kind: md
    volumes:
      - device: /dev/md0
        size: 1GiB
        level: raid1
        devices: [/dev/sda2, /dev/sda3]
        fs: xfs
        mount: /srv
  - kind: dm
    volumes:
      - name: scratch
        targets:
          - device: /dev/sda4
            size: 512MiB
  - kind: loop
    volumes:
      - device: /dev/loop0
        file: /var/lib/images/disk.img
        size: 256MiB
  - kind: nfs
    volumes:
      - device: server:/export
        mount: /mnt/export
        mounted: true
`

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func load(t *testing.T, path string) *topology.Storage {
	t.Helper()
	s, err := topology.New(context.Background(), NewFileProber(path, quietLogger()), topology.Options{
		CheckInvariants: true,
		Logger:          quietLogger(),
	})
	if err != nil {
		t.Fatalf("topology.New: %v", err)
	}
	return s
}

func writeFixture(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "topology.yaml")
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestParseFixture(t *testing.T) {
	layout, err := Parse([]byte(fixture))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(layout.Containers) != 6 {
		t.Fatalf("got %d containers, want 6", len(layout.Containers))
	}

	sda := layout.Containers[0]
	if sda.Device != "/dev/sda" || sda.Disk.SizeK != 8*1024*1024 || sda.Disk.Label != "gpt" {
		t.Errorf("disk = %s %+v", sda.Device, sda.Disk)
	}
	p1 := sda.Volumes[0]
	if p1.Device != "/dev/sda1" || p1.Partition.StartK != 1024 || p1.SizeK != 1024*1024 {
		t.Errorf("partition = %s start %d size %d", p1.Device, p1.Partition.StartK, p1.SizeK)
	}
	if p1.Partition.Type != topology.Primary {
		t.Errorf("partition type = %q, want primary", p1.Partition.Type)
	}

	vg := layout.Containers[1]
	if vg.Pool.ExtentSize != 4*1024*1024 || vg.Pool.TotalExtents != 255 || vg.Pool.FreeExtents != 155 {
		t.Errorf("pool = %+v", vg.Pool)
	}
	root := vg.Volumes[0]
	if root.Device != "/dev/vg0/root" || root.SizeK != 400*1024 || root.LV.Map["/dev/sda1"] != 100 {
		t.Errorf("root = %s size %d map %v", root.Device, root.SizeK, root.LV.Map)
	}
	if !root.IsMounted || root.FstabOptions != "defaults,noatime" || root.OrigMount != "/" {
		t.Errorf("root mount state = %+v", root)
	}

	if md := layout.Containers[2]; md.Name != "md" || md.Volumes[0].Name != "md0" {
		t.Errorf("md container %s volume %s", md.Name, md.Volumes[0].Name)
	}
	scratch := layout.Containers[3].Volumes[0]
	if scratch.Device != "/dev/mapper/scratch" || scratch.SizeK != 512*1024 {
		t.Errorf("mapped = %s size %d", scratch.Device, scratch.SizeK)
	}
	loop := layout.Containers[4].Volumes[0]
	if loop.Num != 0 || !loop.Loop.Reuse {
		t.Errorf("loop = num %d %+v", loop.Num, loop.Loop)
	}
	if nfs := layout.Containers[5].Volumes[0]; nfs.FsType != topology.FsNfs {
		t.Errorf("nfs fs = %q", nfs.FsType)
	}
}

func TestProberFeedsStorage(t *testing.T) {
	s := load(t, writeFixture(t, fixture))

	if s.Pending() {
		t.Error("probed topology has pending changes")
	}
	rec, ok := s.UsedBy("/dev/sda1")
	if !ok || rec.Name != "vg0" {
		t.Errorf("UsedBy(/dev/sda1) = %+v, %v", rec, ok)
	}
	rec, ok = s.UsedBy("/dev/sda3")
	if !ok || rec.Name != "/dev/md0" {
		t.Errorf("UsedBy(/dev/sda3) = %+v, %v", rec, ok)
	}
	if _, ok := s.UsedBy("/dev/sda5"); ok {
		t.Error("/dev/sda5 should be free")
	}
	root, ok := s.Volume("/dev/mapper/vg0-root")
	if !ok || root.Device != "/dev/vg0/root" {
		t.Errorf("mapper alias did not resolve: %v", ok)
	}
}

func TestPartitionDeviceNames(t *testing.T) {
	doc := `containers:
  - kind: disk
    name: nvme0n1
    size: 1GiB
    volumes: [{num: 2, start: 1MiB, size: 10MiB}]
  - kind: dmmultipath
    name: mpatha
    size: 1GiB
    members: [/dev/sdb, /dev/sdc]
    volumes: [{num: 1, start: 1MiB, size: 10MiB}]
`
	layout, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := layout.Containers[0].Volumes[0].Device; got != "/dev/nvme0n1p2" {
		t.Errorf("nvme partition = %q", got)
	}
	if got := layout.Containers[1].Volumes[0].Device; got != "/dev/mapper/mpatha-part1" {
		t.Errorf("multipath partition = %q", got)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "unknown kind",
			doc:  "containers:\n  - kind: tape\n",
			want: "container 0 (tape)",
		},
		{
			name: "bad size",
			doc:  "containers:\n  - kind: disk\n    name: sda\n    size: lots\n",
			want: "invalid size",
		},
		{
			name: "partition without number",
			doc:  "containers:\n  - kind: disk\n    name: sda\n    size: 1GiB\n    volumes:\n      - size: 10MiB\n",
			want: "positive num",
		},
		{
			name: "map mismatch",
			doc: `containers:
  - kind: lvm
    name: vg0
    pvs: [{device: /dev/sda1, extents: 10}]
    volumes:
      - name: lv
        extents: 5
        map: {/dev/sda1: 4}
`,
			want: "5 extents but map holds 4",
		},
		{
			name: "map without physical volume",
			doc: `containers:
  - kind: lvm
    name: vg0
    pvs: [{device: /dev/sda1, extents: 10}]
    volumes:
      - name: lv
        map: {/dev/sdb1: 4}
`,
			want: "not a physical volume",
		},
		{
			name: "multi pv without map",
			doc: `containers:
  - kind: lvm
    name: vg0
    pvs: [{device: /dev/sda1, extents: 10}, {device: /dev/sdb1, extents: 10}]
    volumes:
      - name: lv
        extents: 4
`,
			want: "extent map required",
		},
		{
			name: "overcommitted pv",
			doc: `containers:
  - kind: lvm
    name: vg0
    pvs: [{device: /dev/sda1, extents: 10}]
    volumes:
      - name: lv
        extents: 11
`,
			want: "10 free extents, 11 placed",
		},
		{
			name: "bad loop device",
			doc:  "containers:\n  - kind: loop\n    volumes:\n      - device: /dev/sdz\n        file: /img\n",
			want: "not /dev/loopN",
		},
		{
			name: "usage without name",
			doc:  "containers: []\nusage:\n  - device: /dev/sda1\n    kind: lvm\n",
			want: "needs device and name",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not contain %q", err, tt.want)
			}
		})
	}
}

func TestProbeMissingFile(t *testing.T) {
	p := NewFileProber(filepath.Join(t.TempDir(), "absent.yaml"), quietLogger())
	if _, err := p.Probe(context.Background()); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestSaveReloadsCommittedState(t *testing.T) {
	path := writeFixture(t, fixture)
	s := load(t, path)

	dev, err := s.CreateLogicalVolume("vg0", "data", 200*1024, 1)
	if err != nil {
		t.Fatalf("CreateLogicalVolume: %v", err)
	}
	if err := s.SetFormat(dev, true, topology.FsExt4); err != nil {
		t.Fatalf("SetFormat: %v", err)
	}
	if err := s.SetMount(dev, "/data"); err != nil {
		t.Fatalf("SetMount: %v", err)
	}
	if err := s.RemoveVolume("/dev/mapper/scratch"); err != nil {
		t.Fatalf("RemoveVolume: %v", err)
	}

	if err := Save(path, s.Containers(), s.UsageRecords()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	again := load(t, path)

	if again.Pending() {
		t.Error("reloaded topology has pending changes")
	}
	data, ok := again.Volume(dev)
	if !ok {
		t.Fatalf("%s missing after reload", dev)
	}
	if data.SizeK != 200*1024 || data.FsType != topology.FsExt4 || data.Mount != "/data" || !data.IsMounted {
		t.Errorf("data = size %d fs %q mount %q mounted %v", data.SizeK, data.FsType, data.Mount, data.IsMounted)
	}
	if _, ok := again.Volume("/dev/mapper/scratch"); ok {
		t.Error("removed mapped device came back")
	}
	if _, ok := again.UsedBy("/dev/sda4"); ok {
		t.Error("/dev/sda4 still in use after its mapped device was removed")
	}
	vg, _ := again.Container("vg0")
	if vg.Pool.FreeExtents != 105 {
		t.Errorf("free extents = %d, want 105", vg.Pool.FreeExtents)
	}
	if len(vg.Volumes[0].AltNames) != 1 {
		t.Errorf("root alt names = %v", vg.Volumes[0].AltNames)
	}
}
