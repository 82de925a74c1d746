// engine_test.go - Tests for running commits against a fake executor
package commit

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/superfly/storagemgr/errcode"
	"github.com/superfly/storagemgr/metrics"
	"github.com/superfly/storagemgr/topology"
)

func newEngine(s *topology.Storage, exec Executor, cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	return New(s, exec, cfg)
}

func stackOnEmptyDisk(t *testing.T) (*topology.Storage, string, string) {
	t.Helper()
	s := newStorage(t, disk("sda", 3*pvSizeK))
	pv, err := s.CreatePartition("sda", topology.Primary, 0, pvSizeK)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.CreateVolumeGroup("vg0", 0, []string{pv}); err != nil {
		t.Fatal(err)
	}
	lv, err := s.CreateLogicalVolume("vg0", "data", 40*4096, 1)
	if err != nil {
		t.Fatal(err)
	}
	return s, pv, lv
}

func TestRunCreatesStack(t *testing.T) {
	s, pv, lv := stackOnEmptyDisk(t)
	exec := &fakeExecutor{}
	obs := &fakeObserver{}
	e := newEngine(s, exec, Config{Observer: obs})

	res, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status() != 0 {
		t.Fatalf("status = %d", res.Status())
	}
	want := []Op{OpCreateVolume, OpCreateContainer, OpCreateVolume}
	got := exec.ops()
	if len(got) != len(want) {
		t.Fatalf("ops = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("op %d = %s, want %s", i, got[i], want[i])
		}
	}
	if s.Pending() {
		t.Error("model still has pending changes after a successful commit")
	}
	v, _ := s.Volume(pv)
	if v.Created || v.Major != 253 {
		t.Errorf("partition after commit = %+v", v)
	}
	if v, _ := s.Volume(lv); v.Created || v.OrigSizeK != v.SizeK {
		t.Errorf("logical volume after commit = %+v", v)
	}
	if len(res.Applied()) != 3 {
		t.Errorf("applied = %v", res.Applied())
	}
	if obs.started != 1 || len(obs.steps) != 3 || obs.finished != res {
		t.Errorf("observer saw started=%d steps=%d finished=%v", obs.started, len(obs.steps), obs.finished != nil)
	}
}

func TestRunActivatesOncePerKind(t *testing.T) {
	s, _, _ := stackOnEmptyDisk(t)
	exec := &fakeExecutor{}
	e := newEngine(s, exec, Config{})
	if _, err := e.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	seen := map[topology.ContainerKind]int{}
	for _, k := range exec.activated {
		seen[k]++
	}
	if seen[topology.KindDisk] != 1 || seen[topology.KindLvm] != 1 || len(seen) != 2 {
		t.Errorf("activations = %v", exec.activated)
	}
	if !e.Active(topology.KindLvm) || e.Active(topology.KindMd) {
		t.Error("Active does not reflect activations")
	}
}

func TestRunNothingPending(t *testing.T) {
	s := newStorage(t, mountedVG()...)
	exec := &fakeExecutor{}
	obs := &fakeObserver{}
	e := newEngine(s, exec, Config{Observer: obs})

	res, err := e.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Status() != 0 || len(res.Steps) != 0 {
		t.Errorf("result = %+v", res)
	}
	if len(exec.calls) != 0 || len(exec.activated) != 0 {
		t.Errorf("executor touched: calls=%d activations=%d", len(exec.calls), len(exec.activated))
	}
	if obs.started != 0 {
		t.Error("observer notified of an empty commit")
	}
}

func TestRunStopsOnFailureAndResumes(t *testing.T) {
	s, pv, lv := stackOnEmptyDisk(t)
	exec := &fakeExecutor{fail: func(r Request) error {
		if r.Action.Op == OpCreateContainer {
			return &toolError{msg: "vgcreate exited 5", stderr: "Device /dev/sda1 excluded by a filter."}
		}
		return nil
	}}
	e := newEngine(s, exec, Config{})

	res, err := e.Run(context.Background())
	if !errcode.Is(err, errcode.CommitIncreaseFailed) {
		t.Fatalf("Run = %v, want CommitIncreaseFailed", err)
	}
	if res.Status() != int(errcode.CommitIncreaseFailed) {
		t.Errorf("status = %d", res.Status())
	}
	if !strings.HasPrefix(e.LastAction(), "Create volume group vg0") {
		t.Errorf("LastAction = %q", e.LastAction())
	}
	if e.ExtendedError() != "Device /dev/sda1 excluded by a filter." {
		t.Errorf("ExtendedError = %q", e.ExtendedError())
	}
	if len(res.Steps) != 2 || res.Steps[0].Status != StepDone || res.Steps[1].Status != StepFailed {
		t.Fatalf("steps = %+v", res.Steps)
	}

	// The partition stays created, the volume group stays pending.
	if v, _ := s.Volume(pv); v.Created {
		t.Error("partition creation was rolled back")
	}
	if c, _ := s.Container("vg0"); !c.Created {
		t.Error("volume group lost its pending creation")
	}
	if v, _ := s.Volume(lv); !v.Created {
		t.Error("logical volume applied despite failure")
	}

	exec.calls = nil
	exec.fail = nil
	res, err = e.Run(context.Background())
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	got := exec.ops()
	if len(got) != 2 || got[0] != OpCreateContainer || got[1] != OpCreateVolume {
		t.Errorf("retry ops = %v", got)
	}
	if e.LastAction() != "" || e.ExtendedError() != "" {
		t.Error("failure details survived a successful run")
	}
	if s.Pending() {
		t.Error("model still pending after retry")
	}
}

func TestRunIgnorePredicate(t *testing.T) {
	setup := func() (*topology.Storage, *fakeExecutor) {
		s := newStorage(t, disk("sdb", 2*pvSizeK, part("sdb", 1, 1024, pvSizeK)))
		if err := s.SetFormat("/dev/sdb1", true, topology.FsExt4); err != nil {
			t.Fatal(err)
		}
		exec := &fakeExecutor{fail: func(r Request) error {
			if r.Action.Op == OpFormat {
				return errors.New("/dev/sdb1 is apparently in use by the system")
			}
			return nil
		}}
		return s, exec
	}

	s, exec := setup()
	e := newEngine(s, exec, Config{})
	if _, err := e.Run(context.Background()); !errcode.Is(err, errcode.CommitFormatFailed) {
		t.Fatalf("without predicate = %v, want CommitFormatFailed", err)
	}

	s, exec = setup()
	e = newEngine(s, exec, Config{})
	e.SetIgnore(func(a Action, err error) bool {
		return a.Op == OpFormat && strings.Contains(err.Error(), "in use")
	})
	res, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("with predicate: %v", err)
	}
	if res.Steps[0].Status != StepIgnored {
		t.Errorf("step status = %s", res.Steps[0].Status)
	}
	if v, _ := s.Volume("/dev/sdb1"); !v.Format {
		t.Error("ignored action was applied to the model")
	}
}

func TestRunShrinkRemounts(t *testing.T) {
	s := newStorage(t, mountedVG()...)
	if err := s.ResizeLogicalVolume("/dev/vg0/root", 40*4096); err != nil {
		t.Fatal(err)
	}
	exec := &fakeExecutor{}
	cw := &fakeConfigWriter{}
	e := newEngine(s, exec, Config{ConfigWriter: cw})

	if _, err := e.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	got := exec.ops()
	if len(got) != 3 || got[0] != OpUnmount || got[1] != OpShrinkVolume || got[2] != OpMount {
		t.Fatalf("ops = %v", got)
	}
	v, _ := s.Volume("/dev/vg0/root")
	if !v.IsMounted || v.RemountPending || v.OrigSizeK != 40*4096 {
		t.Errorf("root after commit = %+v", v)
	}
	if len(cw.facts) != 1 || cw.facts[0].Mount != "/" || cw.facts[0].FsType != "ext4" {
		t.Errorf("facts = %+v", cw.facts)
	}
}

func TestRunRecursiveRemoval(t *testing.T) {
	s := newStorage(t, mountedVG()...)
	s.SetRecursiveRemoval(true)
	if err := s.RemovePartition("/dev/sda1"); err != nil {
		t.Fatal(err)
	}
	exec := &fakeExecutor{}
	cw := &fakeConfigWriter{}
	e := newEngine(s, exec, Config{ConfigWriter: cw})

	if _, err := e.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Container("vg0"); ok {
		t.Error("volume group still registered")
	}
	if _, ok := s.Volume("/dev/sda1"); ok {
		t.Error("partition still registered")
	}
	if len(cw.facts) != 1 || cw.facts[0].Device != "/dev/vg0/root" || !cw.facts[0].Removed {
		t.Errorf("facts = %+v", cw.facts)
	}
	if req := exec.calls[1]; req.Volume == nil || !req.Volume.Deleted {
		t.Errorf("removal request carried %+v", req.Volume)
	}
}

func TestRunFormatAssignsUUID(t *testing.T) {
	s := newStorage(t, disk("sdb", 2*pvSizeK, part("sdb", 1, 1024, pvSizeK)))
	if err := s.SetFormat("/dev/sdb1", true, topology.FsXfs); err != nil {
		t.Fatal(err)
	}
	exec := &fakeExecutor{}
	e := newEngine(s, exec, Config{})
	if _, err := e.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	uuid := exec.calls[0].UUID
	if uuid == "" {
		t.Fatal("format request without UUID")
	}
	if v, _ := s.Volume("/dev/sdb1"); v.UUID != uuid || v.Format || v.OrigFsType != topology.FsXfs {
		t.Errorf("volume after format = %+v", v)
	}
}

func TestRunConfigWriterFailure(t *testing.T) {
	s := newStorage(t, disk("sdb", 2*pvSizeK, part("sdb", 1, 1024, pvSizeK)))
	if err := s.SetFormat("/dev/sdb1", true, topology.FsExt4); err != nil {
		t.Fatal(err)
	}
	if err := s.SetMount("/dev/sdb1", "/srv"); err != nil {
		t.Fatal(err)
	}
	e := newEngine(s, &fakeExecutor{}, Config{ConfigWriter: &fakeConfigWriter{err: errBusy}})

	_, err := e.Run(context.Background())
	if !errcode.Is(err, errcode.CommitMountFailed) {
		t.Fatalf("Run = %v, want CommitMountFailed", err)
	}
	if !errors.Is(err, errBusy) {
		t.Error("config writer error not wrapped")
	}
}

func TestRunRecordsMetrics(t *testing.T) {
	s, _, _ := stackOnEmptyDisk(t)
	m := metrics.New()
	e := newEngine(s, &fakeExecutor{}, Config{Metrics: m})
	if _, err := e.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	n, err := testutil.GatherAndCount(m.Registry, "storagemgr_actions_total")
	if err != nil {
		t.Fatal(err)
	}
	// create-volume and create-container, both done
	if n != 2 {
		t.Errorf("action series = %d, want 2", n)
	}
}
