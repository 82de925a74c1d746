// backup_test.go - Tests for named backup states
package topology

import (
	"testing"

	"github.com/superfly/storagemgr/errcode"
)

func TestBackupRoundTrip(t *testing.T) {
	s := newTestStorage(t, twoPVDisk(), existingVG())

	if err := s.CreateBackupState("a"); err != nil {
		t.Fatalf("CreateBackupState: %v", err)
	}
	if _, err := s.CreateLogicalVolume("vg0", "data", 20*4096, 1); err != nil {
		t.Fatalf("CreateLogicalVolume: %v", err)
	}
	if s.EqualBackupStates("a", "", false) {
		t.Fatal("live model equals backup after a change")
	}

	if err := s.RestoreBackupState("a"); err != nil {
		t.Fatalf("RestoreBackupState: %v", err)
	}
	if !s.EqualBackupStates("a", "", true) {
		t.Fatal("restored model differs from backup")
	}
	if _, ok := s.Volume("/dev/vg0/data"); ok {
		t.Error("restored model still has the new volume")
	}
	vg, _ := s.Container("vg0")
	if vg.Pool.FreeExtents != 50 {
		t.Errorf("free extents = %d, want 50", vg.Pool.FreeExtents)
	}

	// Restoring again must not share state with the first restore.
	if _, err := s.CreateLogicalVolume("vg0", "data", 20*4096, 1); err != nil {
		t.Fatalf("CreateLogicalVolume after restore: %v", err)
	}
	if err := s.RestoreBackupState("a"); err != nil {
		t.Fatal(err)
	}
	if !s.EqualBackupStates("a", "", true) {
		t.Error("backup was changed through the live model")
	}
}

func TestBackupUsageIsPartOfState(t *testing.T) {
	s := newTestStorage(t, twoPVDisk(), existingVG())
	if err := s.CreateBackupState("a"); err != nil {
		t.Fatal(err)
	}
	if err := s.ExtendVolumeGroup("vg0", []string{"/dev/sda2"}); err != nil {
		t.Fatalf("ExtendVolumeGroup: %v", err)
	}
	if err := s.RestoreBackupState("a"); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.UsedBy("/dev/sda2"); ok {
		t.Error("restore kept used-by record of the discarded extension")
	}
}

func TestBackupNames(t *testing.T) {
	s := newTestStorage(t, twoPVDisk())

	if err := s.CreateBackupState(""); !errcode.Is(err, errcode.InvalidName) {
		t.Errorf("empty name = %v, want InvalidName", err)
	}
	for _, name := range []string{"b", "a", "c"} {
		if err := s.CreateBackupState(name); err != nil {
			t.Fatalf("CreateBackupState(%s): %v", name, err)
		}
	}
	got := s.BackupStates()
	if len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Errorf("BackupStates = %v, want [a b c]", got)
	}

	if err := s.RestoreBackupState("missing"); !errcode.Is(err, errcode.NotFound) {
		t.Errorf("restore unknown = %v, want NotFound", err)
	}
	if err := s.RemoveBackupState("missing"); !errcode.Is(err, errcode.NotFound) {
		t.Errorf("remove unknown = %v, want NotFound", err)
	}
	if s.EqualBackupStates("missing", "", false) {
		t.Error("unknown state compared equal")
	}

	if err := s.RemoveBackupState("b"); err != nil {
		t.Fatal(err)
	}
	if s.CheckBackupState("b") {
		t.Error("b still present")
	}
	if err := s.RemoveBackupState(""); err != nil {
		t.Fatal(err)
	}
	if got := s.BackupStates(); len(got) != 0 {
		t.Errorf("BackupStates after clear = %v", got)
	}
}

func TestEqualContent(t *testing.T) {
	a := existingVG()
	b := a.Clone()
	if !a.EqualContent(b) {
		t.Fatal("clone differs")
	}
	b.Volumes[0].Label = "root"
	if a.EqualContent(b) {
		t.Error("label change not detected")
	}
	if a.Volumes[0].EqualContent(b.Volumes[0]) {
		t.Error("volume label change not detected")
	}
}
