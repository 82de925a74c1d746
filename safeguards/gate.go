package safeguards

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// CommitGate admits one commit at a time against a storage root inside this process and
// refuses to start one while the block layer is unhealthy. Across processes the same
// root is guarded by the lock file taken with AcquireLock.
type CommitGate struct {
	root   string
	health func(context.Context) error
	logger logrus.FieldLogger

	mu     sync.Mutex
	holder *lockFileInfo
}

// NewCommitGate creates the gate for root. health may be nil.
func NewCommitGate(root string, health func(context.Context) error, logger logrus.FieldLogger) *CommitGate {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &CommitGate{
		root:   root,
		health: health,
		logger: logger.WithFields(logrus.Fields{"component": "commit-gate", "root": root}),
	}
}

// Run holds the gate while fn runs. A gate that is already held fails at once with a
// LockedError naming the holder: a queued commit would run a plan nobody reviewed.
func (g *CommitGate) Run(ctx context.Context, command string, fn func() error) error {
	if err := g.enter(command); err != nil {
		return err
	}
	defer g.leave(command)

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s cancelled: %w", command, err)
	}
	if g.health != nil {
		if err := g.health(ctx); err != nil {
			g.logger.WithError(err).WithField("command", command).Warn("block layer unhealthy")
			return fmt.Errorf("health check failed before %s: %w", command, err)
		}
	}
	return fn()
}

func (g *CommitGate) enter(command string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if h := g.holder; h != nil {
		return &LockedError{
			Path:      g.root,
			PID:       h.PID,
			Command:   h.Command,
			Since:     time.Unix(h.Timestamp, 0),
			InProcess: true,
		}
	}
	g.holder = &lockFileInfo{PID: os.Getpid(), Timestamp: time.Now().Unix(), Command: command}
	g.logger.WithField("command", command).Debug("gate entered")
	return nil
}

func (g *CommitGate) leave(command string) {
	g.mu.Lock()
	g.holder = nil
	g.mu.Unlock()
	g.logger.WithField("command", command).Debug("gate left")
}
