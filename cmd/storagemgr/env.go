package main

import (
	"context"
	"fmt"
	"os"

	"github.com/superfly/storagemgr"
	"github.com/superfly/storagemgr/commit"
	"github.com/superfly/storagemgr/configfile"
	"github.com/superfly/storagemgr/journal"
	"github.com/superfly/storagemgr/metrics"
	"github.com/superfly/storagemgr/probe"
	"github.com/superfly/storagemgr/runner"
	"github.com/superfly/storagemgr/safeguards"
	"github.com/superfly/storagemgr/topology"
)

// env holds everything a command works with.
type env struct {
	manager *storagemgr.Manager
	journal *journal.Journal
	metrics *metrics.Metrics
	writer  *configfile.Writer
	lock    *safeguards.Lock
}

// envOptions select the optional parts of an env.
type envOptions struct {
	// Exclusive takes the process lock and opens the journal; needed to commit.
	Exclusive bool
	Ignore    commit.IgnoreFunc
}

// openEnv loads the topology and wires the engine collaborators. With Exclusive set the
// process lock is held until Close, as no other process may touch the devices while
// the engine exists.
func openEnv(ctx context.Context, command string, opts envOptions) (_ *env, err error) {
	e := &env{metrics: metrics.New()}
	defer func() {
		if err != nil {
			e.Close()
		}
	}()

	if opts.Exclusive {
		if err := os.MkdirAll(cfg.StateDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
		e.lock, err = safeguards.AcquireLock(cfg.StateDir, command, log)
		if err != nil {
			return nil, err
		}

		jcfg := journal.DefaultConfig()
		jcfg.Path = cfg.journalPath()
		jcfg.Retention = cfg.JournalRetention
		jcfg.Logger = log
		e.journal, err = journal.New(jcfg)
		if err != nil {
			return nil, err
		}
		// We hold the lock, so a run still marked running died with its process.
		if _, err := e.journal.MarkInterrupted(ctx); err != nil {
			return nil, err
		}
	}

	wcfg := configfile.DefaultConfig(cfg.StateDir)
	wcfg.Logger = log
	e.writer, err = configfile.New(wcfg)
	if err != nil {
		return nil, err
	}

	mcfg := storagemgr.Config{
		Prober: probe.NewFileProber(cfg.Topology, log),
		Executor: runner.New(runner.Config{
			Logger:         log,
			DryRun:         cfg.DryRun,
			Retries:        cfg.Retries,
			CommandTimeout: cfg.CommandTimeout,
			KeyFile:        cfg.KeyFile,
		}),
		Options: topology.Options{
			RecursiveRemoval:  cfg.RecursiveRemoval,
			CheckInvariants:   cfg.CheckInvariants,
			DefaultExtentSize: cfg.ExtentSize,
			Logger:            log,
		},
		Journal: e.journal,
		Metrics: e.metrics,
		Ignore:  opts.Ignore,
		Root:    cfg.StateDir,
		Logger:  log,
	}
	// A dry run must not change what the machine mounts at boot.
	if !cfg.DryRun {
		mcfg.ConfigWriter = e.writer
	}
	if !cfg.SkipHealthCheck && !cfg.DryRun {
		mcfg.HealthCheck = safeguards.NewSystemHealthChecker(log, nil).CheckAll
	}

	e.manager, err = storagemgr.New(ctx, mcfg)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// applyChanges queues the change sets at paths.
func (e *env) applyChanges(paths []string) error {
	for _, p := range paths {
		cs, err := storagemgr.LoadChangeSet(p)
		if err != nil {
			return err
		}
		if _, err := e.manager.Apply(cs); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

// saveState writes the committed model back to the topology description and exports
// metrics. A dry run leaves the description alone, as nothing changed on the system.
func (e *env) saveState() error {
	if !cfg.DryRun {
		s := e.manager.Storage()
		if err := probe.Save(cfg.Topology, s.Containers(), s.UsageRecords()); err != nil {
			return err
		}
	}
	if cfg.MetricsTextfile != "" {
		if err := e.metrics.WriteTextfile(cfg.MetricsTextfile); err != nil {
			log.WithError(err).Warn("failed to write metrics textfile")
		}
	}
	return nil
}

// Close releases the journal and the lock.
func (e *env) Close() {
	if e.journal != nil {
		if err := e.journal.Close(); err != nil {
			log.WithError(err).Warn("failed to close journal")
		}
	}
	if e.lock != nil {
		if err := e.lock.Release(); err != nil {
			log.WithError(err).Warn("failed to release lock")
		}
	}
}
