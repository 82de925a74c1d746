package safeguards

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// LockFileName is created in the state directory while a process owns the topology.
const LockFileName = "storagemgr.lock"

// lockFileInfo contains metadata written to the lock file.
type lockFileInfo struct {
	PID       int    `json:"pid"`
	Timestamp int64  `json:"timestamp"`
	Command   string `json:"command"`
}

// Lock is a held process lock. Release it on teardown.
type Lock struct {
	path   string
	logger logrus.FieldLogger
}

// Path returns the lock file location.
func (l *Lock) Path() string { return l.path }

// AcquireLock creates the lock file in dir so that two processes never mutate the same
// system concurrently. A lock left behind by a dead process is removed and retaken.
//
// O_EXCL makes acquisition atomic: two processes can not both pass an existence check
// and go on to issue storage commands.
func AcquireLock(dir, command string, logger logrus.FieldLogger) (*Lock, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger = logger.WithField("component", "lock")
	lockPath := filepath.Join(dir, LockFileName)

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	info := lockFileInfo{
		PID:       os.Getpid(),
		Timestamp: time.Now().Unix(),
		Command:   command,
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lock file info: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		file, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err != nil {
			if !os.IsExist(err) {
				return nil, fmt.Errorf("failed to create lock file: %w", err)
			}
			existing, ok := readLock(lockPath)
			if !ok {
				return nil, &LockedError{Path: lockPath}
			}
			if isProcessRunning(existing.PID) {
				return nil, &LockedError{Path: lockPath, PID: existing.PID, Command: existing.Command,
					Since: time.Unix(existing.Timestamp, 0)}
			}
			logger.WithFields(logrus.Fields{
				"stale_pid":   existing.PID,
				"lock_path":   lockPath,
				"stale_since": time.Unix(existing.Timestamp, 0).Format(time.RFC3339),
			}).Warn("removing stale lock file from dead process")
			if err := os.Remove(lockPath); err != nil {
				return nil, fmt.Errorf("failed to remove stale lock file: %w", err)
			}
			continue
		}

		if _, err := file.Write(data); err != nil {
			file.Close()
			os.Remove(lockPath)
			return nil, fmt.Errorf("failed to write lock file: %w", err)
		}
		if err := file.Close(); err != nil {
			os.Remove(lockPath)
			return nil, fmt.Errorf("failed to close lock file: %w", err)
		}

		logger.WithFields(logrus.Fields{
			"lock_path": lockPath,
			"pid":       info.PID,
			"command":   info.Command,
		}).Info("acquired lock")
		return &Lock{path: lockPath, logger: logger}, nil
	}
	return nil, &LockedError{Path: lockPath}
}

// Release removes the lock file.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	l.logger.WithField("lock_path", l.path).Debug("released lock")
	return nil
}

func readLock(path string) (lockFileInfo, bool) {
	var info lockFileInfo
	data, err := os.ReadFile(path)
	if err != nil {
		return info, false
	}
	if json.Unmarshal(data, &info) != nil || info.PID <= 0 {
		return info, false
	}
	return info, true
}

// isProcessRunning sends signal 0 to pid. EPERM still means the process exists.
func isProcessRunning(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}

// LockedError is returned when another live process holds the lock, or when a commit
// gate is already held inside this process.
type LockedError struct {
	Path    string
	PID     int
	Command string
	Since   time.Time
	// InProcess marks a held CommitGate; Path is then the storage root.
	InProcess bool
}

func (e *LockedError) Error() string {
	if e.InProcess {
		return fmt.Sprintf("a %s is already running against %s (started: %s)", e.Command, e.Path, e.Since.Format(time.RFC3339))
	}
	if e.PID == 0 {
		return fmt.Sprintf("another storagemgr process is running (lock file exists at %s). Wait for it to complete or remove the lock file manually", e.Path)
	}
	return fmt.Sprintf("another storagemgr process is running (PID %d, command: %s, started: %s). Wait for it to complete or remove the lock file at %s",
		e.PID, e.Command, e.Since.Format(time.RFC3339), e.Path)
}

// IsLockedError checks if an error is a LockedError.
func IsLockedError(err error) bool {
	var le *LockedError
	return errors.As(err, &le)
}
