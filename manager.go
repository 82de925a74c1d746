// Package storagemgr is the facade over the storage topology model and its commit engine.
//
// A Manager probes the system once, lets callers queue changes through the topology
// operations or a ChangeSet, and commits them. Commit reports the outcome as a signed
// status: zero on success, a negative errcode.Code otherwise.
package storagemgr

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/superfly/storagemgr/commit"
	"github.com/superfly/storagemgr/errcode"
	"github.com/superfly/storagemgr/journal"
	"github.com/superfly/storagemgr/metrics"
	"github.com/superfly/storagemgr/safeguards"
	"github.com/superfly/storagemgr/topology"
)

// Config configures a Manager.
type Config struct {
	// Prober observes the system topology. Required.
	Prober topology.Prober
	// Executor runs actions on the system. Required.
	Executor commit.Executor

	Options      topology.Options
	ConfigWriter commit.ConfigWriter
	Journal      *journal.Journal
	Metrics      *metrics.Metrics
	Ignore       commit.IgnoreFunc

	// HealthCheck runs before every commit; a failure refuses the commit.
	HealthCheck func(context.Context) error

	// Root names the storage being managed, usually the state directory. It labels
	// the refusal when a second commit is attempted while one runs.
	Root string

	Logger logrus.FieldLogger
}

// Manager owns one Storage and the engine committing it. It is not safe for concurrent
// use by several goroutines, except that a Commit started while another runs is refused.
type Manager struct {
	storage *topology.Storage
	engine  *commit.Engine
	gate    *safeguards.CommitGate
	journal *journal.Journal
	log     logrus.FieldLogger
}

// CommitOptions tune a single commit.
type CommitOptions struct {
	// Expect is a plan fingerprint; the commit is refused when the current plan differs.
	Expect string
	// Observer receives progress in addition to the journal.
	Observer commit.Observer
}

// New probes the system and builds a manager.
func New(ctx context.Context, cfg Config) (*Manager, error) {
	if cfg.Prober == nil || cfg.Executor == nil {
		return nil, errors.New("storagemgr: prober and executor are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Options.Logger == nil {
		cfg.Options.Logger = cfg.Logger
	}

	storage, err := topology.New(ctx, cfg.Prober, cfg.Options)
	if err != nil {
		return nil, fmt.Errorf("failed to load topology: %w", err)
	}

	root := cfg.Root
	if root == "" {
		root = "storage"
	}

	engine := commit.New(storage, cfg.Executor, commit.Config{
		Logger:       cfg.Logger,
		Metrics:      cfg.Metrics,
		ConfigWriter: cfg.ConfigWriter,
		Ignore:       cfg.Ignore,
	})

	return &Manager{
		storage: storage,
		engine:  engine,
		gate:    safeguards.NewCommitGate(root, cfg.HealthCheck, cfg.Logger),
		journal: cfg.Journal,
		log:     cfg.Logger.WithField("component", "manager"),
	}, nil
}

// Storage returns the model. Changes queued on it are picked up by the next commit.
func (m *Manager) Storage() *topology.Storage {
	return m.storage
}

// Engine returns the commit engine.
func (m *Manager) Engine() *commit.Engine {
	return m.engine
}

// Apply queues a change set; see ChangeSet.Apply.
func (m *Manager) Apply(cs *ChangeSet) (*ChangeResult, error) {
	res, err := cs.Apply(m.storage)
	if err != nil {
		m.log.WithError(err).Warn("change set rejected")
		return nil, err
	}
	m.log.WithFields(logrus.Fields{
		"changes": res.Applied,
		"devices": res.Devices,
	}).Info("change set queued")
	return res, nil
}

// Plan computes what the next commit would do.
func (m *Manager) Plan() (*commit.Plan, error) {
	return m.engine.Plan()
}

// PendingActions lists the descriptions of the actions the next commit would run.
func (m *Manager) PendingActions() ([]string, error) {
	plan, err := m.engine.Plan()
	if err != nil {
		return nil, err
	}
	return plan.Descriptions(), nil
}

// Fingerprint returns the PlanFingerprint of the current plan.
func (m *Manager) Fingerprint() (string, error) {
	plan, err := m.engine.Plan()
	if err != nil {
		return "", err
	}
	return PlanFingerprint(plan), nil
}

// Rescan drops every pending change and probes the system again.
func (m *Manager) Rescan(ctx context.Context) error {
	return m.storage.Rescan(ctx)
}

// Commit runs every pending change. The returned status is zero on success and the
// negative code of the failure otherwise; the Result is nil only when the commit was
// refused before anything ran.
func (m *Manager) Commit(ctx context.Context, opts CommitOptions) (int, *commit.Result, error) {
	var (
		res *commit.Result
		err error
	)
	gateErr := m.gate.Run(ctx, "commit", func() error {
		if opts.Expect != "" {
			fp, ferr := m.Fingerprint()
			if ferr != nil {
				return ferr
			}
			if fp != opts.Expect {
				return errcode.New(errcode.CommitAborted, "commit", "", "plan changed: expected %s, have %s", opts.Expect, fp)
			}
		}

		var observers commit.Observers
		if m.journal != nil {
			observers = append(observers, m.journal)
		}
		if opts.Observer != nil {
			observers = append(observers, opts.Observer)
		}
		if len(observers) > 0 {
			m.engine.SetObserver(observers)
			defer m.engine.SetObserver(nil)
		}

		res, err = m.engine.Run(ctx)
		return nil
	})
	if gateErr != nil {
		if errcode.CodeOf(gateErr) == errcode.Unknown {
			gateErr = errcode.Wrap(errcode.CommitAborted, "commit", "", gateErr)
		}
		m.log.WithError(gateErr).Error("commit refused")
		return int(errcode.CodeOf(gateErr)), nil, gateErr
	}
	return res.Status(), res, err
}

// History returns the most recent commit runs, newest first.
func (m *Manager) History(ctx context.Context, limit int) ([]*journal.Run, error) {
	if m.journal == nil {
		return nil, errors.New("storagemgr: no journal configured")
	}
	return m.journal.Runs(ctx, limit)
}

// IgnoreAlreadyMounted skips mount actions whose target is already mounted.
func IgnoreAlreadyMounted(a commit.Action, err error) bool {
	return a.Op == commit.OpMount && mentions(err, "already mounted", "is busy")
}

// IgnoreAlreadyFormatted skips format actions refused because the device already
// carries the requested filesystem.
func IgnoreAlreadyFormatted(a commit.Action, err error) bool {
	return a.Op == commit.OpFormat && mentions(err, "already contains", "appears to contain an existing filesystem")
}

// IgnoreAny combines predicates; a failure is ignored when any of them says so.
func IgnoreAny(fns ...commit.IgnoreFunc) commit.IgnoreFunc {
	return func(a commit.Action, err error) bool {
		for _, f := range fns {
			if f != nil && f(a, err) {
				return true
			}
		}
		return false
	}
}

func mentions(err error, phrases ...string) bool {
	if err == nil {
		return false
	}
	text := err.Error()
	var d interface{ Diagnostic() string }
	if errors.As(err, &d) {
		text += "\n" + d.Diagnostic()
	}
	text = strings.ToLower(text)
	for _, p := range phrases {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}
