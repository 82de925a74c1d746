package topology

import (
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/superfly/storagemgr/extent"
)

// pvSizeK yields exactly 100 extents of 4 MiB as a physical volume.
const pvSizeK = 100*4096 + extent.MetadataReserveK

const gib = 1024 * 1024

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestStorage(t *testing.T, containers ...*Container) *Storage {
	t.Helper()
	probe := ProbeFunc(func(ctx context.Context) (*Layout, error) {
		return &Layout{Containers: containers}, nil
	})
	s, err := New(context.Background(), probe, Options{
		CheckInvariants: true,
		Logger:          quietLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func testDisk(name string, sizeK uint64, label string, parts ...*Volume) *Container {
	c := &Container{
		Kind:   KindDisk,
		Name:   name,
		Device: "/dev/" + name,
		Disk:   &DiskInfo{SizeK: sizeK, Label: label},
	}
	for _, p := range parts {
		p.Container = name
		c.Volumes = append(c.Volumes, p)
	}
	return c
}

func testPart(disk string, num int, startK, sizeK uint64) *Volume {
	dev := fmt.Sprintf("/dev/%s%d", disk, num)
	return &Volume{
		Kind:      VolPartition,
		Name:      fmt.Sprintf("%s%d", disk, num),
		Num:       num,
		Device:    dev,
		SizeK:     sizeK,
		OrigSizeK: sizeK,
		Partition: &PartitionInfo{Type: Primary, StartK: startK},
	}
}

// twoPVDisk is a disk with two partitions of exactly 100 extents each.
func twoPVDisk() *Container {
	return testDisk("sda", 3*pvSizeK, LabelMsdos,
		testPart("sda", 1, 1024, pvSizeK),
		testPart("sda", 2, 1024+pvSizeK, pvSizeK),
	)
}

// existingVG is vg0 on /dev/sda1 with a mounted 50-extent root volume.
func existingVG() *Container {
	return &Container{
		Kind:   KindLvm,
		Name:   "vg0",
		Device: "/dev/vg0",
		Pool: &extent.Pool{
			ExtentSize:   extent.DefaultExtentSize,
			TotalExtents: 100,
			FreeExtents:  50,
			Active:       []extent.PV{{Device: "/dev/sda1", Total: 100, Free: 50}},
		},
		Volumes: []*Volume{{
			Kind:       VolLogical,
			Container:  "vg0",
			Name:       "root",
			Device:     "/dev/vg0/root",
			SizeK:      50 * 4096,
			OrigSizeK:  50 * 4096,
			FsType:     FsExt4,
			OrigFsType: FsExt4,
			Mount:      "/",
			OrigMount:  "/",
			IsMounted:  true,
			LV:         &LvInfo{Extents: 50, Stripes: 1, Map: extent.Map{"/dev/sda1": 50}},
		}},
	}
}
