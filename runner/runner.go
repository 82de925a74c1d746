// Package runner executes commit actions by running the system storage tools.
//
// Every action is translated into a short list of commands (parted, the LVM tools,
// mdadm, dmsetup, losetup, mkfs.*, mount and friends) which run in order under a per-command
// timeout. A command that fails because its device is busy is retried with exponential
// backoff; any other failure stops the action and is returned as a *CommandError carrying
// the command's output.
//
// # Failure Policy
//
// The runner never undoes a partially applied action. A failed action leaves the
// system wherever the last successful command put it, and the commit engine records
// which action failed. The next commit re-plans from the model and only repeats what is
// still pending.
//
// # Dry Run
//
// With DryRun set no command is executed: Execute logs the commands and returns them as
// the action output, which makes the runner usable for reviewing a plan at command level.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/superfly/storagemgr/commit"
	"github.com/superfly/storagemgr/metrics"
	"github.com/superfly/storagemgr/topology"
)

// ExecFunc runs one program and returns its combined output and exit code.
// This allows for mocking in tests.
type ExecFunc func(ctx context.Context, name string, args ...string) ([]byte, int, error)

// StatFunc returns the major and minor number of a block device node.
type StatFunc func(path string) (major, minor int, err error)

// Config configures a Client.
type Config struct {
	Logger logrus.FieldLogger
	// DryRun logs commands instead of running them.
	DryRun bool
	// Retries is how often a command failing on a busy device is retried.
	Retries int
	// RetryInterval is the first wait between retries; later waits grow exponentially.
	RetryInterval time.Duration
	// CommandTimeout bounds each single command.
	CommandTimeout time.Duration
	// KeyFile is passed to cryptsetup when formatting encrypted volumes.
	KeyFile string

	Exec ExecFunc
	Stat StatFunc
}

// DefaultConfig returns the configuration used by the CLI.
func DefaultConfig() Config {
	return Config{
		Retries:        5,
		RetryInterval:  500 * time.Millisecond,
		CommandTimeout: 10 * time.Minute,
	}
}

// Client runs actions on the local system. It implements commit.Executor.
type Client struct {
	cfg Config
	log logrus.FieldLogger
	mu  sync.Mutex // one storage tool at a time per process
}

var _ commit.Executor = (*Client)(nil)

// New creates a client. Zero fields of cfg fall back to DefaultConfig.
func New(cfg Config) *Client {
	def := DefaultConfig()
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = def.CommandTimeout
	}
	if cfg.Exec == nil {
		cfg.Exec = systemExec
	}
	if cfg.Stat == nil {
		cfg.Stat = statDevice
	}
	return &Client{
		cfg: cfg,
		log: cfg.Logger.WithField("component", "runner"),
	}
}

func systemExec(ctx context.Context, name string, args ...string) ([]byte, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	code := -1
	if cmd.ProcessState != nil {
		code = cmd.ProcessState.ExitCode()
	}
	return out, code, err
}

func statDevice(path string) (int, int, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, 0, fmt.Errorf("stat %s: %w", path, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFBLK {
		return 0, 0, fmt.Errorf("%s is not a block device", path)
	}
	rdev := uint64(st.Rdev)
	return int(unix.Major(rdev)), int(unix.Minor(rdev)), nil
}

// Activate brings up the subsystem of kind so its devices are visible. Kinds without
// a subsystem (plain disks, loop, NFS) need nothing.
func (c *Client) Activate(ctx context.Context, kind topology.ContainerKind) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	logger := c.log.WithField("kind", kind.String())
	for _, cmd := range activation(kind) {
		if c.cfg.DryRun {
			logger.WithField("command", cmd.String()).Info("dry run")
			continue
		}
		if _, err := c.run(ctx, logger, cmd); err != nil {
			logger.WithError(err).Error("subsystem activation failed")
			return fmt.Errorf("activate %s: %w", kind, err)
		}
	}
	logger.Debug("subsystem active")
	return nil
}

// Execute runs the commands of one action.
func (c *Client) Execute(ctx context.Context, req commit.Request) (commit.Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	a := req.Action
	logger := c.log.WithFields(logrus.Fields{
		"action": a.Op.String(),
		"target": a.Target(),
	})

	cmds, err := c.Commands(req)
	if err != nil {
		logger.WithError(err).Error("no command for action")
		return commit.Outcome{}, err
	}

	var out strings.Builder
	for _, cmd := range cmds {
		if c.cfg.DryRun {
			logger.WithField("command", cmd.String()).Info("dry run")
			fmt.Fprintln(&out, cmd.String())
			continue
		}
		output, err := c.run(ctx, logger, cmd)
		out.WriteString(output)
		if err != nil {
			return commit.Outcome{Output: out.String()}, err
		}
	}

	outcome := commit.Outcome{Output: out.String()}
	if a.Op == commit.OpCreateVolume && !c.cfg.DryRun && req.Volume != nil && req.Volume.Kind != topology.VolNfs {
		major, minor, err := c.cfg.Stat(req.Volume.Device)
		if err != nil {
			logger.WithError(err).Debug("device numbers unavailable")
		} else {
			outcome.Major, outcome.Minor = major, minor
		}
	}
	return outcome, nil
}

// run executes cmd, retrying while its device is busy. If it still fails and has a
// fallback, the fallback gets one attempt.
func (c *Client) run(ctx context.Context, logger logrus.FieldLogger, cmd Command) (string, error) {
	attempts := 0
	var output string
	op := func() error {
		attempts++
		out, err := c.runOnce(ctx, logger, cmd)
		output = out
		if err == nil {
			return nil
		}
		var ce *CommandError
		if errors.As(err, &ce) && isBusyOutput(ce.Output) {
			logger.WithFields(logrus.Fields{
				"command": cmd.Name,
				"device":  cmd.Device,
				"attempt": attempts,
			}).Warn("device busy, retrying")
			return err
		}
		return backoff.Permanent(err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.cfg.Retries)), ctx)

	err := backoff.Retry(op, policy)
	if err == nil {
		return output, nil
	}

	var ce *CommandError
	if errors.As(err, &ce) && isBusyOutput(ce.Output) {
		err = &DeviceBusyError{Device: cmd.Device, Attempts: attempts, Last: ce}
	}
	if cmd.Fallback != nil {
		logger.WithError(err).WithField("fallback", cmd.Fallback.String()).Warn("command failed, trying fallback")
		out, ferr := c.runOnce(ctx, logger, *cmd.Fallback)
		if ferr == nil {
			return out, nil
		}
	}
	return output, err
}

func (c *Client) runOnce(ctx context.Context, logger logrus.FieldLogger, cmd Command) (string, error) {
	tctx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
	defer cancel()

	logger.WithFields(logrus.Fields{
		"command": cmd.Name,
		"args":    cmd.Args,
	}).Debug("executing command")

	start := time.Now()
	raw, code, err := c.cfg.Exec(tctx, cmd.Name, cmd.Args...)
	duration := time.Since(start)
	output := string(raw)
	timedOut := tctx.Err() != nil

	logger.WithFields(logrus.Fields{
		"command":     cmd.Name,
		"duration_ms": duration.Milliseconds(),
		"exit_code":   code,
		"stdout":      output,
		"timed_out":   timedOut,
	}).Debug("command completed")

	ok := err == nil || (!timedOut && cmd.tolerates(code, output))
	metrics.FromContext(ctx).ObserveCommand(cmd.Name, ok, duration)
	if ok {
		if err != nil {
			logger.WithField("command", cmd.String()).Debug("tolerated failure")
		}
		return output, nil
	}

	if timedOut {
		err = fmt.Errorf("timed out after %s: %w", c.cfg.CommandTimeout, tctx.Err())
	}
	return output, &CommandError{
		Command:  cmd.Name,
		Args:     cmd.Args,
		ExitCode: code,
		Output:   output,
		Err:      err,
	}
}
