// storagemgr_test.go - Tests for change sets, plan fingerprints and the Manager facade
package storagemgr

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/superfly/storagemgr/commit"
	"github.com/superfly/storagemgr/errcode"
	"github.com/superfly/storagemgr/extent"
	"github.com/superfly/storagemgr/journal"
	"github.com/superfly/storagemgr/safeguards"
	"github.com/superfly/storagemgr/topology"
)

const pvSizeK = 100*4096 + extent.MetadataReserveK

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func emptyDisk() topology.Prober {
	return topology.ProbeFunc(func(ctx context.Context) (*topology.Layout, error) {
		return &topology.Layout{Containers: []*topology.Container{{
			Kind:   topology.KindDisk,
			Name:   "sda",
			Device: "/dev/sda",
			Disk:   &topology.DiskInfo{SizeK: 3 * pvSizeK, Label: topology.LabelMsdos},
		}}}, nil
	})
}

type fakeExecutor struct {
	calls []commit.Request
	fail  func(commit.Request) error
}

func (f *fakeExecutor) Activate(ctx context.Context, kind topology.ContainerKind) error {
	return nil
}

func (f *fakeExecutor) Execute(ctx context.Context, req commit.Request) (commit.Outcome, error) {
	f.calls = append(f.calls, req)
	if f.fail != nil {
		if err := f.fail(req); err != nil {
			return commit.Outcome{}, err
		}
	}
	return commit.Outcome{Output: "ok", Major: 253, Minor: len(f.calls)}, nil
}

type toolError struct {
	msg    string
	stderr string
}

func (e *toolError) Error() string      { return e.msg }
func (e *toolError) Diagnostic() string { return e.stderr }

const stackYAML = `
changes:
  - op: create-partition-any
    disk: sda
    size: 410100 KiB
  - op: create-volume-group
    name: vg0
    devices: [/dev/sda1]
  - op: create-logical-volume
    group: vg0
    name: data
    size: 160MiB
  - op: format
    device: /dev/vg0/data
    fs: ext4
  - op: mount
    device: /dev/vg0/data
    mount: /data
`

func newManager(t *testing.T, exec commit.Executor, mutate func(*Config)) *Manager {
	t.Helper()
	cfg := Config{
		Prober:   emptyDisk(),
		Executor: exec,
		Options:  topology.Options{CheckInvariants: true},
		Logger:   quietLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func loadStack(t *testing.T, m *Manager) *ChangeResult {
	t.Helper()
	cs := &ChangeSet{}
	if err := cs.Unmarshal([]byte(stackYAML)); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	res, err := m.Apply(cs)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	return res
}

func TestChangeSetQueuesStack(t *testing.T) {
	m := newManager(t, &fakeExecutor{}, nil)
	res := loadStack(t, m)

	if res.Applied != 5 {
		t.Errorf("applied = %d, want 5", res.Applied)
	}
	if len(res.Devices) != 2 || res.Devices[0] != "/dev/sda1" || res.Devices[1] != "/dev/vg0/data" {
		t.Errorf("devices = %v", res.Devices)
	}

	v, ok := m.Storage().Volume("/dev/vg0/data")
	if !ok || v.LV.Extents != 40 || !v.Format || v.Mount != "/data" {
		t.Fatalf("logical volume = %+v", v)
	}
	if names := m.Storage().BackupStates(); len(names) != 0 {
		t.Errorf("backup states = %v, want none", names)
	}

	actions, err := m.PendingActions()
	if err != nil {
		t.Fatal(err)
	}
	part, vg, lv := -1, -1, -1
	for i, d := range actions {
		switch {
		case strings.HasPrefix(d, "Create partition /dev/sda1"):
			part = i
		case strings.HasPrefix(d, "Create volume group vg0"):
			vg = i
		case strings.HasPrefix(d, "Create logical volume /dev/vg0/data"):
			lv = i
		}
	}
	if part < 0 || !(part < vg && vg < lv) {
		t.Errorf("actions out of order: %v", actions)
	}
}

func TestChangeSetRollsBack(t *testing.T) {
	m := newManager(t, &fakeExecutor{}, nil)
	s := m.Storage()
	if err := s.CreateBackupState("before"); err != nil {
		t.Fatal(err)
	}

	cs := &ChangeSet{Changes: []Change{
		{Op: OpCreatePartitionAny, Disk: "sda", Size: "410100KiB"},
		{Op: OpCreateVolumeGroup, Name: "vg0", Devices: []string{"/dev/sda1"}},
		{Op: OpCreateLogicalVolume, Group: "vg0", Name: "big", Size: "10GiB"},
	}}
	_, err := cs.Apply(s)
	if err == nil {
		t.Fatal("expected an error for an oversized logical volume")
	}
	if !errcode.Is(err, errcode.NoSpace) {
		t.Errorf("error = %v, want NoSpace", err)
	}
	if !strings.Contains(err.Error(), "change 3") {
		t.Errorf("error does not name the change: %v", err)
	}
	if !s.EqualBackupStates("before", "", true) {
		t.Error("model changed after a rejected change set")
	}
	if s.Pending() {
		t.Error("rejected change set left pending changes")
	}
}

func TestChangeSetLeavesBackupsAlone(t *testing.T) {
	m := newManager(t, &fakeExecutor{}, nil)
	s := m.Storage()
	for _, name := range []string{".changeset", "mine"} {
		if err := s.CreateBackupState(name); err != nil {
			t.Fatal(err)
		}
	}
	check := func(when string) {
		t.Helper()
		if got := strings.Join(s.BackupStates(), ","); got != ".changeset,mine" {
			t.Errorf("%s: backup states = %s", when, got)
		}
		if !s.EqualBackupStates(".changeset", "mine", true) {
			t.Errorf("%s: backup .changeset was overwritten", when)
		}
	}

	bad := &ChangeSet{Changes: []Change{
		{Op: OpCreatePartitionAny, Disk: "sda", Size: "410100KiB"},
		{Op: OpCreateVolumeGroup, Name: "vg0", Devices: []string{"/dev/sda1"}},
		{Op: OpCreateLogicalVolume, Group: "vg0", Name: "big", Size: "10GiB"},
	}}
	if _, err := bad.Apply(s); err == nil {
		t.Fatal("expected an error for an oversized logical volume")
	}
	check("after a failed apply")

	loadStack(t, m)
	check("after a successful apply")
	if s.EqualBackupStates("mine", "", false) {
		t.Error("live model still equals the empty backup")
	}
}

func TestChangeSetRejectsBadInput(t *testing.T) {
	tests := []struct {
		name   string
		change Change
		code   errcode.Code
	}{
		{"unknown op", Change{Op: "explode"}, errcode.InvalidArgument},
		{"missing size", Change{Op: OpCreatePartitionAny, Disk: "sda"}, errcode.InvalidArgument},
		{"bad size", Change{Op: OpCreatePartitionAny, Disk: "sda", Size: "lots"}, errcode.InvalidArgument},
		{"bad fs", Change{Op: OpFormat, Device: "/dev/sda1", Fs: "zfs"}, errcode.InvalidArgument},
		{"unknown disk", Change{Op: OpCreatePartitionAny, Disk: "sdz", Size: "1GiB"}, errcode.UnknownDevice},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newManager(t, &fakeExecutor{}, nil)
			_, err := (&ChangeSet{Changes: []Change{tt.change}}).Apply(m.Storage())
			if got := errcode.CodeOf(err); got != tt.code {
				t.Errorf("code = %v (%v), want %v", got, err, tt.code)
			}
		})
	}
}

func TestChangeSetAcceptsJSON(t *testing.T) {
	cs := &ChangeSet{}
	err := cs.Unmarshal([]byte(`{"changes":[{"op":"mount","device":"/dev/sda1","mount":"/srv"}],"recursive_removal":true}`))
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(cs.Changes) != 1 || cs.Changes[0].Mount != "/srv" || !cs.RecursiveRemoval {
		t.Errorf("parsed %+v", cs)
	}
}

func TestParseSizeK(t *testing.T) {
	tests := []struct {
		in   string
		want uint64
	}{
		{"1GiB", 1024 * 1024},
		{"512 MiB", 512 * 1024},
		{"4096", 4},
		{"1000", 1},
	}
	for _, tt := range tests {
		got, err := parseSizeK("test", "size", tt.in, false)
		if err != nil || got != tt.want {
			t.Errorf("parseSizeK(%q) = %d, %v; want %d", tt.in, got, err, tt.want)
		}
	}
	if got, err := parseSizeK("test", "start", "", true); err != nil || got != 0 {
		t.Errorf("optional empty = %d, %v", got, err)
	}
}

func TestPlanFingerprint(t *testing.T) {
	a := &commit.Plan{Actions: []commit.Action{
		{Stage: commit.StageIncrease, Description: "Create partition /dev/sda1 (1.0 GiB)"},
	}}
	b := &commit.Plan{Actions: []commit.Action{
		{Stage: commit.StageIncrease, Description: "Create partition /dev/sda1 (2.0 GiB)"},
	}}

	if PlanFingerprint(a) != PlanFingerprint(a) {
		t.Error("fingerprint not deterministic")
	}
	if PlanFingerprint(a) == PlanFingerprint(b) {
		t.Error("different plans share a fingerprint")
	}
	if fp := PlanFingerprint(nil); !strings.HasPrefix(fp, "plan_") || len(fp) != len("plan_")+64 {
		t.Errorf("fingerprint = %q", fp)
	}
	if PlanFingerprint(nil) != PlanFingerprint(&commit.Plan{}) {
		t.Error("nil and empty plans differ")
	}
}

func TestManagerCommitJournals(t *testing.T) {
	j, err := journal.New(journal.Config{
		Path:   filepath.Join(t.TempDir(), "journal.db"),
		Logger: quietLogger(),
	})
	if err != nil {
		t.Fatalf("journal.New: %v", err)
	}
	defer j.Close()

	exec := &fakeExecutor{}
	m := newManager(t, exec, func(c *Config) { c.Journal = j })
	loadStack(t, m)

	fp, err := m.Fingerprint()
	if err != nil {
		t.Fatal(err)
	}
	status, res, err := m.Commit(context.Background(), CommitOptions{Expect: fp})
	if err != nil || status != 0 {
		t.Fatalf("Commit = %d, %v", status, err)
	}
	if len(res.Applied()) != len(exec.calls) || len(exec.calls) == 0 {
		t.Errorf("applied %d of %d calls", len(res.Applied()), len(exec.calls))
	}
	if m.Storage().Pending() {
		t.Error("pending changes after commit")
	}

	runs, err := m.History(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].Status != journal.RunStatusOK || runs[0].Actions != len(exec.calls) {
		t.Fatalf("runs = %+v", runs)
	}

	// Nothing left: no external call, success, nothing journaled.
	calls := len(exec.calls)
	status, res, err = m.Commit(context.Background(), CommitOptions{})
	if err != nil || status != 0 || !res.Plan.Empty() || len(exec.calls) != calls {
		t.Errorf("second commit = %d, %v, calls %d", status, err, len(exec.calls)-calls)
	}
	if runs, _ := m.History(context.Background(), 10); len(runs) != 1 {
		t.Errorf("no-op commit was journaled: %d runs", len(runs))
	}
}

func TestManagerCommitRefusesChangedPlan(t *testing.T) {
	exec := &fakeExecutor{}
	m := newManager(t, exec, nil)
	loadStack(t, m)

	status, res, err := m.Commit(context.Background(), CommitOptions{Expect: PlanFingerprint(nil)})
	if status != int(errcode.CommitAborted) || res != nil || err == nil {
		t.Fatalf("Commit = %d, %v, %v", status, res, err)
	}
	if len(exec.calls) != 0 {
		t.Errorf("executor called %d times", len(exec.calls))
	}
	if !m.Storage().Pending() {
		t.Error("pending changes lost")
	}
}

func TestManagerCommitReportsStageCode(t *testing.T) {
	exec := &fakeExecutor{fail: func(req commit.Request) error {
		if req.Action.Op == commit.OpFormat {
			return &toolError{msg: "mkfs failed", stderr: "/dev/vg0/data is apparently in use"}
		}
		return nil
	}}
	m := newManager(t, exec, nil)
	loadStack(t, m)

	status, res, err := m.Commit(context.Background(), CommitOptions{})
	if status != int(errcode.CommitFormatFailed) || err == nil {
		t.Fatalf("Commit = %d, %v", status, err)
	}
	if res.ExtendedError != "/dev/vg0/data is apparently in use" {
		t.Errorf("extended error = %q", res.ExtendedError)
	}
	if !strings.HasPrefix(res.LastAction, "Format") || !strings.Contains(res.LastAction, "/dev/vg0/data") {
		t.Errorf("last action = %q", res.LastAction)
	}
	if v, _ := m.Storage().Volume("/dev/vg0/data"); v.Created {
		t.Error("volume created before the failure was not kept")
	}
}

func TestManagerHealthCheckRefuses(t *testing.T) {
	exec := &fakeExecutor{}
	m := newManager(t, exec, func(c *Config) {
		c.HealthCheck = func(context.Context) error { return errors.New("D-state process md0_raid1 detected") }
	})
	loadStack(t, m)

	status, _, err := m.Commit(context.Background(), CommitOptions{})
	if status != int(errcode.CommitAborted) || !strings.Contains(err.Error(), "D-state") {
		t.Fatalf("Commit = %d, %v", status, err)
	}
	if len(exec.calls) != 0 {
		t.Error("executor ran despite failed health check")
	}
}

func TestManagerRefusesOverlappingCommit(t *testing.T) {
	var (
		m            *Manager
		nested       error
		nestedStatus int
		entered      bool
	)
	exec := &fakeExecutor{fail: func(req commit.Request) error {
		if !entered {
			entered = true
			nestedStatus, _, nested = m.Commit(context.Background(), CommitOptions{})
		}
		return nil
	}}
	m = newManager(t, exec, func(c *Config) { c.Root = "/var/lib/storagemgr" })
	loadStack(t, m)

	if status, _, err := m.Commit(context.Background(), CommitOptions{}); err != nil || status != 0 {
		t.Fatalf("Commit = %d, %v", status, err)
	}
	if !safeguards.IsLockedError(nested) || nestedStatus != int(errcode.CommitAborted) {
		t.Fatalf("overlapping Commit = %d, %v; want CommitAborted wrapping LockedError", nestedStatus, nested)
	}
	if !strings.Contains(nested.Error(), "/var/lib/storagemgr") {
		t.Errorf("refusal does not name the root: %v", nested)
	}
}

func TestManagerIgnoresAlreadyMounted(t *testing.T) {
	exec := &fakeExecutor{fail: func(req commit.Request) error {
		if req.Action.Op == commit.OpMount {
			return &toolError{msg: "mount failed", stderr: "mount: /data: /dev/vg0/data already mounted on /data."}
		}
		return nil
	}}
	m := newManager(t, exec, func(c *Config) {
		c.Ignore = IgnoreAny(IgnoreAlreadyFormatted, IgnoreAlreadyMounted)
	})
	loadStack(t, m)

	status, res, err := m.Commit(context.Background(), CommitOptions{})
	if err != nil || status != 0 {
		t.Fatalf("Commit = %d, %v", status, err)
	}
	last := res.Steps[len(res.Steps)-1]
	if last.Status != commit.StepIgnored {
		t.Errorf("mount step status = %s", last.Status)
	}
}

func TestIgnorePredicates(t *testing.T) {
	mount := commit.Action{Op: commit.OpMount}
	format := commit.Action{Op: commit.OpFormat}
	busy := &toolError{msg: "exit 32", stderr: "target is busy"}
	exists := &toolError{msg: "exit 1", stderr: "/dev/sdb1 already contains a xfs file system"}

	if !IgnoreAlreadyMounted(mount, busy) || IgnoreAlreadyMounted(format, busy) {
		t.Error("IgnoreAlreadyMounted")
	}
	if !IgnoreAlreadyFormatted(format, exists) || IgnoreAlreadyFormatted(mount, exists) {
		t.Error("IgnoreAlreadyFormatted")
	}
	if IgnoreAlreadyMounted(mount, nil) {
		t.Error("nil error ignored")
	}
	if IgnoreAny()(mount, busy) {
		t.Error("empty IgnoreAny ignores")
	}
}
