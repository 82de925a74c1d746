// extent_test.go - Tests for extent allocation, release and evacuation.
package extent

import (
	"testing"

	"github.com/superfly/storagemgr/errcode"
)

func newTestPool(t *testing.T, sizes ...uint64) *Pool {
	t.Helper()
	p := NewPool(DefaultExtentSize)
	for i, n := range sizes {
		dev := "/dev/sd" + string(rune('a'+i)) + "1"
		if err := p.AddPV(PV{Device: dev, Total: n, Free: n}); err != nil {
			t.Fatalf("AddPV(%s): %v", dev, err)
		}
		p.CommitAdded(dev)
	}
	return p
}

func TestAllocateGreedyThenNoSpace(t *testing.T) {
	p := newTestPool(t, 100, 100)
	if p.FreeExtents != 200 {
		t.Fatalf("free = %d, want 200", p.FreeExtents)
	}

	m, err := p.Allocate(150, 1)
	if err != nil {
		t.Fatalf("Allocate(150): %v", err)
	}
	if m.Total() != 150 {
		t.Errorf("map total = %d, want 150", m.Total())
	}
	if p.FreeExtents != 50 {
		t.Errorf("free = %d, want 50", p.FreeExtents)
	}

	_, err = p.Allocate(60, 1)
	if !errcode.Is(err, errcode.NoSpace) {
		t.Fatalf("Allocate(60) err = %v, want NoSpace", err)
	}
	if p.FreeExtents != 50 {
		t.Errorf("free after failed allocate = %d, want 50", p.FreeExtents)
	}
	if err := p.Check([]Map{m}); err != nil {
		t.Errorf("Check: %v", err)
	}
}

func TestAllocatePrefersMostFree(t *testing.T) {
	p := newTestPool(t, 10, 50, 30)
	m, err := p.Allocate(40, 1)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if len(m) != 1 || m["/dev/sdb1"] != 40 {
		t.Errorf("map = %v, want all 40 on /dev/sdb1", m)
	}

	m2, err := p.Allocate(35, 1)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	// sdc1 has 30 free, sda1 and sdb1 10 each: sdc1 first, then sda1 (earlier in the list).
	if m2["/dev/sdc1"] != 30 || m2["/dev/sda1"] != 5 {
		t.Errorf("second map = %v", m2)
	}
}

func TestAllocateStriped(t *testing.T) {
	tests := []struct {
		name    string
		sizes   []uint64
		n       uint64
		stripes int
		code    errcode.Code
	}{
		{"even split", []uint64{100, 100}, 100, 2, errcode.OK},
		{"three of four", []uint64{10, 40, 40, 40}, 90, 3, errcode.OK},
		{"not a multiple", []uint64{100, 100}, 101, 2, errcode.StripeUnsatisfiable},
		{"too few volumes", []uint64{100, 100}, 90, 3, errcode.StripeUnsatisfiable},
		{"uneven free", []uint64{100, 20}, 100, 2, errcode.StripeUnsatisfiable},
		{"no space", []uint64{10, 10}, 40, 2, errcode.NoSpace},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPool(t, tt.sizes...)
			before := *p.Clone()
			m, err := p.Allocate(tt.n, tt.stripes)
			if got := errcode.CodeOf(err); got != tt.code {
				t.Fatalf("code = %v, want %v (err %v)", got, tt.code, err)
			}
			if err != nil {
				if p.FreeExtents != before.FreeExtents {
					t.Errorf("failed allocate changed free: %d -> %d", before.FreeExtents, p.FreeExtents)
				}
				return
			}
			if len(m) != tt.stripes {
				t.Errorf("map spans %d devices, want %d", len(m), tt.stripes)
			}
			for dev, k := range m {
				if k != tt.n/uint64(tt.stripes) {
					t.Errorf("%s got %d extents, want %d", dev, k, tt.n/uint64(tt.stripes))
				}
			}
		})
	}
}

func TestAllocateReleaseInverse(t *testing.T) {
	for _, stripes := range []int{0, 1, 2, 3} {
		p := newTestPool(t, 70, 50, 90)
		first, err := p.Allocate(30, 1)
		if err != nil {
			t.Fatalf("seed allocate: %v", err)
		}
		before := p.Clone()

		n := uint64(60)
		m, err := p.Allocate(n, stripes)
		if err != nil {
			t.Fatalf("stripes=%d Allocate: %v", stripes, err)
		}
		rest, err := p.Release(m, n, stripes)
		if err != nil {
			t.Fatalf("stripes=%d Release: %v", stripes, err)
		}
		if len(rest) != 0 {
			t.Errorf("stripes=%d rest = %v, want empty", stripes, rest)
		}
		if p.FreeExtents != before.FreeExtents {
			t.Errorf("stripes=%d free = %d, want %d", stripes, p.FreeExtents, before.FreeExtents)
		}
		for i := range p.Active {
			if p.Active[i].Free != before.Active[i].Free {
				t.Errorf("stripes=%d %s free = %d, want %d", stripes, p.Active[i].Device, p.Active[i].Free, before.Active[i].Free)
			}
		}
		if err := p.Check([]Map{first}); err != nil {
			t.Errorf("stripes=%d Check: %v", stripes, err)
		}
	}
}

func TestReleaseSmallestFirst(t *testing.T) {
	p := newTestPool(t, 100, 100)
	m := Map{"/dev/sda1": 80, "/dev/sdb1": 20}
	p.Active[0].Free = 20
	p.Active[1].Free = 80
	p.FreeExtents = 100

	rest, err := p.Release(m, 30, 1)
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, ok := rest["/dev/sdb1"]; ok {
		t.Errorf("smallest allocation on sdb1 should be drained first, rest = %v", rest)
	}
	if rest["/dev/sda1"] != 70 {
		t.Errorf("sda1 = %d, want 70", rest["/dev/sda1"])
	}
	if m["/dev/sdb1"] != 20 {
		t.Errorf("input map was modified")
	}
	if err := p.Check([]Map{rest}); err != nil {
		t.Errorf("Check: %v", err)
	}
}

func TestReleaseStripedKeepsStripesEven(t *testing.T) {
	p := newTestPool(t, 100, 100)
	m, err := p.Allocate(80, 2)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	rest, err := p.Release(m, 30, 2)
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	for _, dev := range m.Devices() {
		if rest[dev] != 25 {
			t.Errorf("%s keeps %d extents, want 25 (rest %v)", dev, rest[dev], rest)
		}
	}
	if err := p.Check([]Map{rest}); err != nil {
		t.Errorf("Check: %v", err)
	}

	// A linear release of the same map drains one device before the other.
	q := newTestPool(t, 100, 100)
	lm, err := q.Allocate(80, 2)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	lrest, err := q.Release(lm, 30, 1)
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if lrest.Total() != 50 || len(lrest) != 2 || lrest[smallest(lrest)] != 10 {
		t.Errorf("linear release rest = %v, want one device at 10", lrest)
	}
}

func TestReleaseUnknownDevice(t *testing.T) {
	p := newTestPool(t, 100)
	before := p.FreeExtents
	_, err := p.Release(Map{"/dev/nope": 5}, 5, 1)
	if !errcode.IsInvariant(err) {
		t.Fatalf("err = %v, want invariant violation", err)
	}
	if p.FreeExtents != before {
		t.Errorf("free changed on failed release")
	}
}

func TestEvacuate(t *testing.T) {
	p := newTestPool(t, 100, 100, 100)
	lv1, _ := p.Allocate(100, 1) // fills sda1 (first of equal)
	lv2, _ := p.Allocate(40, 1)  // sdb1

	moved, err := p.Evacuate("/dev/sda1", []Holder{
		{Name: "lv1", Stripes: 1, Map: lv1},
		{Name: "lv2", Stripes: 1, Map: lv2},
	})
	if err != nil {
		t.Fatalf("Evacuate: %v", err)
	}
	if _, ok := moved["lv2"]; ok {
		t.Errorf("lv2 had nothing on sda1 and should not move")
	}
	if moved["lv1"]["/dev/sda1"] != 0 || moved["lv1"].Total() != 100 {
		t.Errorf("lv1 new map = %v", moved["lv1"])
	}
	if p.TotalExtents != 200 || p.FreeExtents != 60 {
		t.Errorf("total/free = %d/%d, want 200/60", p.TotalExtents, p.FreeExtents)
	}
	if len(p.Removed) != 1 || p.Removed[0].Device != "/dev/sda1" {
		t.Errorf("removed = %v", p.Removed)
	}
	if err := p.Check([]Map{moved["lv1"], lv2}); err != nil {
		t.Errorf("Check: %v", err)
	}
}

func TestEvacuateFailureKeepsPool(t *testing.T) {
	p := newTestPool(t, 100, 50)
	lv, _ := p.Allocate(100, 1)
	before := p.Clone()

	_, err := p.Evacuate("/dev/sda1", []Holder{{Name: "lv", Stripes: 1, Map: lv}})
	if !errcode.Is(err, errcode.DeviceInUse) {
		t.Fatalf("err = %v, want DeviceInUse", err)
	}
	if p.FreeExtents != before.FreeExtents || len(p.Active) != 2 || len(p.Removed) != 0 {
		t.Errorf("pool changed after failed evacuation: %+v", p)
	}
}

func TestEvacuateStripedNeedsDistinctDevice(t *testing.T) {
	p := newTestPool(t, 50, 50, 100)
	lv, err := p.Allocate(40, 2)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	// Stripes land on sdc1 and one of the 50s; evacuate the other stripe holder.
	var victim string
	for dev := range lv {
		if dev != "/dev/sdc1" {
			victim = dev
		}
	}
	moved, err := p.Evacuate(victim, []Holder{{Name: "lv", Stripes: 2, Map: lv}})
	if err != nil {
		t.Fatalf("Evacuate: %v", err)
	}
	if len(moved["lv"]) != 2 {
		t.Errorf("striped volume collapsed onto one device: %v", moved["lv"])
	}
	if moved["lv"]["/dev/sdc1"] != 20 {
		t.Errorf("stripe on sdc1 changed: %v", moved["lv"])
	}
}

func TestAddPVMovesRemovedBack(t *testing.T) {
	p := newTestPool(t, 100, 100)
	if _, err := p.Evacuate("/dev/sdb1", nil); err != nil {
		t.Fatalf("Evacuate: %v", err)
	}
	if p.TotalExtents != 100 {
		t.Fatalf("total = %d, want 100", p.TotalExtents)
	}
	if err := p.AddPV(PV{Device: "/dev/sdb1", Total: 100, Free: 100}); err != nil {
		t.Fatalf("AddPV: %v", err)
	}
	if len(p.Active) != 2 || len(p.Added) != 0 || len(p.Removed) != 0 {
		t.Errorf("lists = %d/%d/%d, want 2/0/0", len(p.Active), len(p.Added), len(p.Removed))
	}
	if err := p.AddPV(PV{Device: "/dev/sdb1", Total: 100, Free: 100}); !errcode.Is(err, errcode.AlreadyMember) {
		t.Errorf("second AddPV err = %v, want AlreadyMember", err)
	}
}

func TestExtentsForVolume(t *testing.T) {
	if got := ExtentsForVolume(10*1024, DefaultExtentSize, 1); got != 3 {
		t.Errorf("10 MiB = %d extents, want 3", got)
	}
	if got := ExtentsForVolume(10*1024, DefaultExtentSize, 2); got != 4 {
		t.Errorf("10 MiB / 2 stripes = %d extents, want 4", got)
	}
	if got := ExtentsForSize(100*4096+MetadataReserveK, DefaultExtentSize); got != 100 {
		t.Errorf("ExtentsForSize = %d, want 100", got)
	}
	if !ValidExtentSize(DefaultExtentSize) || ValidExtentSize(3000) {
		t.Errorf("ValidExtentSize wrong")
	}
}
