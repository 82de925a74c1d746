package commit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/superfly/storagemgr/errcode"
	"github.com/superfly/storagemgr/metrics"
	"github.com/superfly/storagemgr/safeguards"
	"github.com/superfly/storagemgr/topology"
)

// Request is what the executor receives for one action. Container and Volume are copies
// of the model taken right before the action runs; Volume is nil for container actions.
type Request struct {
	Action    Action
	Container *topology.Container
	Volume    *topology.Volume
	// UUID is the filesystem UUID to assign when formatting.
	UUID string
}

// Outcome is what the system reported for a successful action.
type Outcome struct {
	Output string
	// Major and Minor identify a device node created by the action, when known.
	Major, Minor int
}

// Executor performs actions on the system.
// This allows for mocking in tests.
type Executor interface {
	// Activate brings up the subsystem of kind (volume groups, RAID assembly, ...)
	// before its first action. It is called at most once per kind per engine.
	Activate(ctx context.Context, kind topology.ContainerKind) error
	Execute(ctx context.Context, req Request) (Outcome, error)
}

// Fact is the boot configuration of one device: where it mounts and how it is built.
type Fact struct {
	Device      string   `yaml:"device"`
	Removed     bool     `yaml:"removed,omitempty"`
	Mount       string   `yaml:"mount,omitempty"`
	FsType      string   `yaml:"fs_type,omitempty"`
	UUID        string   `yaml:"uuid,omitempty"`
	Label       string   `yaml:"label,omitempty"`
	Options     string   `yaml:"options,omitempty"`
	Encryption  string   `yaml:"encryption,omitempty"`
	RaidLevel   string   `yaml:"raid_level,omitempty"`
	RaidDevices []string `yaml:"raid_devices,omitempty"`
	RaidSpares  []string `yaml:"raid_spares,omitempty"`
}

// ConfigWriter persists device facts to the boot-time configuration.
type ConfigWriter interface {
	Update(ctx context.Context, f Fact) error
}

// Observer is told about the progress of a commit. The journal and the progress view
// implement it.
type Observer interface {
	CommitStarted(ctx context.Context, plan *Plan)
	StepFinished(ctx context.Context, index int, step Step)
	CommitFinished(ctx context.Context, res *Result)
}

// Observers fans progress out to several observers in order.
type Observers []Observer

func (o Observers) CommitStarted(ctx context.Context, plan *Plan) {
	for _, x := range o {
		x.CommitStarted(ctx, plan)
	}
}

func (o Observers) StepFinished(ctx context.Context, index int, step Step) {
	for _, x := range o {
		x.StepFinished(ctx, index, step)
	}
}

func (o Observers) CommitFinished(ctx context.Context, res *Result) {
	for _, x := range o {
		x.CommitFinished(ctx, res)
	}
}

// IgnoreFunc decides whether a failed action may be skipped instead of aborting.
type IgnoreFunc func(a Action, err error) bool

// StepStatus is the outcome of one action.
type StepStatus string

const (
	StepDone    StepStatus = "done"
	StepSkipped StepStatus = "skipped"
	StepIgnored StepStatus = "ignored"
	StepFailed  StepStatus = "failed"
)

// Step records one executed action.
type Step struct {
	Action   Action
	Status   StepStatus
	Output   string
	Error    string
	Started  time.Time
	Duration time.Duration
}

// Result describes a commit run. Code is zero on success.
type Result struct {
	Plan          *Plan
	Steps         []Step
	Code          errcode.Code
	LastAction    string
	ExtendedError string
	Started       time.Time
	Duration      time.Duration
}

// Status returns the signed status: zero on success, a negative code otherwise.
func (r *Result) Status() int { return int(r.Code) }

// Applied lists the descriptions of the actions that took effect.
func (r *Result) Applied() []string {
	var out []string
	for _, s := range r.Steps {
		if s.Status == StepDone {
			out = append(out, s.Action.Description)
		}
	}
	return out
}

// Config configures an Engine.
type Config struct {
	Logger       logrus.FieldLogger
	Metrics      *metrics.Metrics
	Tracer       trace.Tracer
	Observer     Observer
	ConfigWriter ConfigWriter
	Ignore       IgnoreFunc
}

// Engine plans and runs commits against one Storage. It is not safe for concurrent use.
type Engine struct {
	storage *topology.Storage
	exec    Executor
	cfg     Config
	log     logrus.FieldLogger
	tracer  trace.Tracer

	// active records the subsystems brought up by this engine.
	active map[topology.ContainerKind]bool

	lastAction    string
	extendedError string
}

// New creates an engine. The caller must hold the process lock for the engine's
// whole lifetime.
func New(storage *topology.Storage, exec Executor, cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/superfly/storagemgr/commit")
	}
	return &Engine{
		storage: storage,
		exec:    exec,
		cfg:     cfg,
		log:     cfg.Logger.WithField("component", "commit"),
		tracer:  tracer,
		active:  map[topology.ContainerKind]bool{},
	}
}

// SetIgnore replaces the ignore predicate.
func (e *Engine) SetIgnore(f IgnoreFunc) { e.cfg.Ignore = f }

// SetObserver replaces the progress observer. Nil disables progress reporting.
func (e *Engine) SetObserver(o Observer) { e.cfg.Observer = o }

// Plan computes the actions the next Run would execute.
func (e *Engine) Plan() (*Plan, error) {
	return BuildPlan(e.storage)
}

// LastAction is the description of the action that failed the last run.
func (e *Engine) LastAction() string { return e.lastAction }

// ExtendedError is the diagnostic text captured from the last failure.
func (e *Engine) ExtendedError() string { return e.extendedError }

// Active reports whether the subsystem of kind has been activated.
func (e *Engine) Active(kind topology.ContainerKind) bool { return e.active[kind] }

// Run plans and executes every pending change. On an execution failure it stops, keeps
// the effect of the actions already applied, and returns an *errcode.Error whose code
// names the failing stage. The returned Result is never nil.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "commit")
	defer span.End()
	ctx = metrics.WithMetrics(ctx, e.cfg.Metrics)

	res := &Result{Started: time.Now()}
	e.lastAction, e.extendedError = "", ""

	plan, err := BuildPlan(e.storage)
	if err != nil {
		res.Code = errcode.CodeOf(err)
		res.ExtendedError = err.Error()
		e.extendedError = res.ExtendedError
		span.SetStatus(codes.Error, err.Error())
		e.cfg.Metrics.ObserveCommit("plan_failed")
		return res, err
	}
	res.Plan = plan
	e.cfg.Metrics.SetPending(plan.Len())
	span.SetAttributes(attribute.Int("commit.actions", plan.Len()))

	if plan.Empty() {
		e.log.Info("nothing to commit")
		e.cfg.Metrics.ObserveCommit("noop")
		return res, nil
	}

	if e.cfg.Observer != nil {
		e.cfg.Observer.CommitStarted(ctx, plan)
		defer func() { e.cfg.Observer.CommitFinished(ctx, res) }()
	}

	e.log.WithFields(logrus.Fields{
		"actions":     plan.Len(),
		"destructive": plan.Destructive(),
	}).Info("commit started")

	err = e.runStages(ctx, plan, res)
	res.Duration = time.Since(res.Started)
	if err != nil {
		res.Code = errcode.CodeOf(err)
		e.lastAction, e.extendedError = res.LastAction, res.ExtendedError
		span.RecordError(err)
		span.SetStatus(codes.Error, res.LastAction)
		e.cfg.Metrics.ObserveCommit("failed")
		e.log.WithFields(logrus.Fields{
			"code":        int(res.Code),
			"last_action": res.LastAction,
			"duration_ms": res.Duration.Milliseconds(),
		}).Error("commit failed")
		return res, err
	}

	e.cfg.Metrics.ObserveCommit("ok")
	e.log.WithFields(logrus.Fields{
		"applied":     len(res.Applied()),
		"duration_ms": res.Duration.Milliseconds(),
	}).Info("commit finished")
	return res, nil
}

func (e *Engine) runStages(ctx context.Context, plan *Plan, res *Result) error {
	for _, stage := range Stages {
		actions := plan.ForStage(stage)
		if len(actions) == 0 {
			continue
		}
		timer := metrics.Start(stage.String(), e.log.WithField("stage", stage.String()))
		sctx, span := e.tracer.Start(ctx, "commit."+stage.String(),
			trace.WithAttributes(attribute.Int("stage.actions", len(actions))))

		for _, a := range actions {
			step, err := e.runAction(sctx, a)
			res.Steps = append(res.Steps, step)
			if e.cfg.Observer != nil {
				e.cfg.Observer.StepFinished(ctx, len(res.Steps)-1, step)
			}
			if err != nil {
				span.End()
				res.LastAction = a.Description
				res.ExtendedError = diagnostic(err)
				var ce *errcode.Error
				if errors.As(err, &ce) && ce.Code.Kind() == errcode.KindInvariant {
					return err
				}
				return &errcode.Error{
					Code:   stage.Code(),
					Op:     "commit",
					Device: a.Target(),
					Detail: a.Description,
					Err:    err,
				}
			}
		}

		e.cfg.Metrics.ObserveStage(stage.String(), timer.Stop())
		span.End()
		if err := e.storage.CheckConsistency(); err != nil {
			res.LastAction = fmt.Sprintf("consistency check after %s stage", stage)
			res.ExtendedError = err.Error()
			return err
		}
	}
	return nil
}

// diagnostic extracts the captured tool output from err when the executor provides it.
func diagnostic(err error) string {
	var d interface{ Diagnostic() string }
	if errors.As(err, &d) {
		if s := d.Diagnostic(); s != "" {
			return s
		}
	}
	return err.Error()
}

func (e *Engine) runAction(ctx context.Context, a Action) (Step, error) {
	step := Step{Action: a, Started: time.Now()}
	logger := e.log.WithFields(logrus.Fields{
		"stage":     a.Stage.String(),
		"action":    a.Op.String(),
		"container": a.Container,
		"device":    a.Device,
	})
	ctx, span := e.tracer.Start(ctx, "commit.action", trace.WithAttributes(
		attribute.String("action.op", a.Op.String()),
		attribute.String("action.target", a.Target()),
		attribute.Bool("action.destructive", a.Destructive),
	))
	defer span.End()

	finish := func(status StepStatus) {
		step.Status = status
		step.Duration = time.Since(step.Started)
		e.cfg.Metrics.ObserveAction(a.Stage.String(), a.Op.Label(), string(status), step.Duration)
	}

	req, ok, err := e.request(a)
	if err != nil {
		step.Error = err.Error()
		finish(StepFailed)
		return step, err
	}
	if !ok {
		logger.Debug("nothing left to do")
		finish(StepSkipped)
		return step, nil
	}

	if !e.active[a.Kind] {
		if err := e.exec.Activate(ctx, a.Kind); err != nil {
			step.Error = err.Error()
			finish(StepFailed)
			logger.WithError(err).Error("activating subsystem failed")
			return step, fmt.Errorf("activate %s: %w", a.Kind, err)
		}
		e.active[a.Kind] = true
	}

	logger.Info(a.Description)
	var out Outcome
	err = safeguards.RecoverableOperation(logger, a.Op.String(), func() error {
		var execErr error
		out, execErr = e.exec.Execute(ctx, req)
		return execErr
	})
	step.Output = out.Output
	if err != nil {
		step.Error = diagnostic(err)
		if e.cfg.Ignore != nil && e.cfg.Ignore(a, err) {
			logger.WithError(err).Warn("ignoring failed action")
			finish(StepIgnored)
			return step, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, step.Error)
		logger.WithError(err).Error("action failed")
		finish(StepFailed)
		return step, err
	}

	if err := e.apply(a, req, out); err != nil {
		step.Error = err.Error()
		finish(StepFailed)
		return step, err
	}
	if err := e.writeConfig(ctx, a, req); err != nil {
		step.Error = err.Error()
		finish(StepFailed)
		logger.WithError(err).Error("writing boot configuration failed")
		return step, err
	}
	finish(StepDone)
	return step, nil
}

// request snapshots the entities the action touches. ok is false when the action has
// become a no-op, which only happens for unmounts of volumes that are not mounted.
func (e *Engine) request(a Action) (Request, bool, error) {
	req := Request{Action: a}
	c, found := e.storage.Container(a.Container)
	if !found {
		return req, false, errcode.New(errcode.InvariantViolation, "commit", a.Container, "container vanished before %s", a.Op)
	}
	req.Container = c
	if a.Device != "" {
		wantDeleted := a.Op == OpRemoveVolume
		for _, v := range c.Volumes {
			if v.Device == a.Device && (v.Deleted == wantDeleted || a.Op == OpUnmount) {
				req.Volume = v
				break
			}
		}
		if req.Volume == nil {
			return req, false, errcode.New(errcode.InvariantViolation, "commit", a.Device, "volume vanished before %s", a.Op)
		}
		if a.Op == OpUnmount && !req.Volume.IsMounted {
			return req, false, nil
		}
	}
	if a.Op == OpFormat {
		req.UUID = uuid.NewString()
	}
	return req, true, nil
}
