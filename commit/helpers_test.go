package commit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/superfly/storagemgr/extent"
	"github.com/superfly/storagemgr/topology"
)

const pvSizeK = 100*4096 + extent.MetadataReserveK

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newStorage(t *testing.T, containers ...*topology.Container) *topology.Storage {
	t.Helper()
	probe := topology.ProbeFunc(func(ctx context.Context) (*topology.Layout, error) {
		return &topology.Layout{Containers: containers}, nil
	})
	s, err := topology.New(context.Background(), probe, topology.Options{
		CheckInvariants: true,
		Logger:          quietLogger(),
	})
	if err != nil {
		t.Fatalf("topology.New: %v", err)
	}
	return s
}

func disk(name string, sizeK uint64, parts ...*topology.Volume) *topology.Container {
	c := &topology.Container{
		Kind:   topology.KindDisk,
		Name:   name,
		Device: "/dev/" + name,
		Disk:   &topology.DiskInfo{SizeK: sizeK, Label: topology.LabelMsdos},
	}
	for _, p := range parts {
		p.Container = name
		c.Volumes = append(c.Volumes, p)
	}
	return c
}

func part(diskName string, num int, startK, sizeK uint64) *topology.Volume {
	return &topology.Volume{
		Kind:      topology.VolPartition,
		Name:      fmt.Sprintf("%s%d", diskName, num),
		Num:       num,
		Device:    fmt.Sprintf("/dev/%s%d", diskName, num),
		SizeK:     sizeK,
		OrigSizeK: sizeK,
		Partition: &topology.PartitionInfo{Type: topology.Primary, StartK: startK},
	}
}

// mountedVG is vg0 on /dev/sda1 with a 50-extent root volume mounted at /.
func mountedVG() []*topology.Container {
	vg := &topology.Container{
		Kind:   topology.KindLvm,
		Name:   "vg0",
		Device: "/dev/vg0",
		Pool: &extent.Pool{
			ExtentSize:   extent.DefaultExtentSize,
			TotalExtents: 100,
			FreeExtents:  50,
			Active:       []extent.PV{{Device: "/dev/sda1", Total: 100, Free: 50}},
		},
		Volumes: []*topology.Volume{{
			Kind:       topology.VolLogical,
			Name:       "root",
			Device:     "/dev/vg0/root",
			SizeK:      50 * 4096,
			OrigSizeK:  50 * 4096,
			FsType:     topology.FsExt4,
			OrigFsType: topology.FsExt4,
			Mount:      "/",
			OrigMount:  "/",
			IsMounted:  true,
			LV:         &topology.LvInfo{Extents: 50, Stripes: 1, Map: extent.Map{"/dev/sda1": 50}},
		}},
	}
	return []*topology.Container{
		disk("sda", 3*pvSizeK, part("sda", 1, 1024, pvSizeK), part("sda", 2, 1024+pvSizeK, pvSizeK)),
		vg,
	}
}

// toolError mimics a failed command with captured output.
type toolError struct {
	msg    string
	stderr string
}

func (e *toolError) Error() string      { return e.msg }
func (e *toolError) Diagnostic() string { return e.stderr }

type fakeExecutor struct {
	calls     []Request
	activated []topology.ContainerKind
	fail      func(Request) error
}

func (f *fakeExecutor) Activate(ctx context.Context, kind topology.ContainerKind) error {
	f.activated = append(f.activated, kind)
	return nil
}

func (f *fakeExecutor) Execute(ctx context.Context, req Request) (Outcome, error) {
	f.calls = append(f.calls, req)
	if f.fail != nil {
		if err := f.fail(req); err != nil {
			return Outcome{}, err
		}
	}
	out := Outcome{Output: "ok"}
	if req.Action.Op == OpCreateVolume {
		out.Major, out.Minor = 253, len(f.calls)
	}
	return out, nil
}

func (f *fakeExecutor) ops() []Op {
	out := make([]Op, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.Action.Op
	}
	return out
}

type fakeConfigWriter struct {
	facts []Fact
	err   error
}

func (f *fakeConfigWriter) Update(ctx context.Context, fact Fact) error {
	if f.err != nil {
		return f.err
	}
	f.facts = append(f.facts, fact)
	return nil
}

type fakeObserver struct {
	started  int
	steps    []Step
	finished *Result
}

func (f *fakeObserver) CommitStarted(ctx context.Context, plan *Plan) { f.started++ }
func (f *fakeObserver) StepFinished(ctx context.Context, i int, step Step) { f.steps = append(f.steps, step) }
func (f *fakeObserver) CommitFinished(ctx context.Context, res *Result) { f.finished = res }

var errBusy = errors.New("busy")

func indexOf(actions []Action, op Op, target string) int {
	for i, a := range actions {
		if a.Op == op && a.Target() == target {
			return i
		}
	}
	return -1
}
