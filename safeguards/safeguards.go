// Package safeguards provides the process lock, commit gate and recovery helpers that
// keep two commits from touching the same block devices at once.
package safeguards

import (
	"context"
	"fmt"
	"os/exec"
	"runtime/debug"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// RecoverableOperation wraps a function with panic recovery.
func RecoverableOperation(logger logrus.FieldLogger, opName string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			logger.WithFields(logrus.Fields{
				"operation": opName,
				"panic":     r,
				"stack":     string(stack),
			}).Error("recovered from panic in operation")
			err = fmt.Errorf("panic in operation %s: %v", opName, r)
		}
	}()
	return fn()
}

// OutputFunc runs a command and returns its standard output.
type OutputFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func execOutput(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// SystemHealthChecker refuses commits while the block layer looks unhealthy.
type SystemHealthChecker struct {
	logger logrus.FieldLogger
	output OutputFunc
}

// NewSystemHealthChecker creates a new health checker. A nil output runs the real
// commands.
func NewSystemHealthChecker(logger logrus.FieldLogger, output OutputFunc) *SystemHealthChecker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if output == nil {
		output = execOutput
	}
	return &SystemHealthChecker{
		logger: logger.WithField("component", "health-checker"),
		output: output,
	}
}

// CheckAll performs all health checks.
func (h *SystemHealthChecker) CheckAll(ctx context.Context) error {
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := h.checkDStateProcesses(checkCtx); err != nil {
		return err
	}
	if err := h.checkKernelLogs(checkCtx); err != nil {
		return err
	}
	return nil
}

// blockLayerThreads are process names stuck in D state that point at the block layer.
var blockLayerThreads = []string{"dm-", "md", "jbd2", "loop", "kworker", "lvm", "mdadm"}

func (h *SystemHealthChecker) checkDStateProcesses(ctx context.Context) error {
	output, err := h.output(ctx, "ps", "-eo", "stat=,comm=")
	if err != nil {
		return nil // ps missing is not a reason to refuse
	}

	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || !strings.HasPrefix(fields[0], "D") {
			continue
		}
		for _, name := range blockLayerThreads {
			if strings.HasPrefix(fields[1], name) {
				h.logger.WithField("process", fields[1]).Warn("D-state process detected")
				return fmt.Errorf("D-state process %s detected - block layer may be stuck", fields[1])
			}
		}
	}
	return nil
}

func (h *SystemHealthChecker) checkKernelLogs(ctx context.Context) error {
	output, err := h.output(ctx, "dmesg", "--time-format=reltime")
	if err != nil {
		return nil // Ignore errors - dmesg may not be available
	}

	lines := strings.Split(string(output), "\n")
	start := len(lines) - 50
	if start < 0 {
		start = 0
	}

	criticalPatterns := []string{
		"bug:",
		"kernel panic",
		"i/o error",
		"md: super_written gets error",
	}
	warningPatterns := []string{
		"device-mapper:",
		"md/raid",
	}

	for _, line := range lines[start:] {
		lineLower := strings.ToLower(line)
		for _, pattern := range criticalPatterns {
			if strings.Contains(lineLower, pattern) {
				h.logger.WithField("log_line", line).Error("critical kernel error detected")
				return fmt.Errorf("critical kernel error detected: %s", line)
			}
		}
		for _, pattern := range warningPatterns {
			if strings.Contains(lineLower, pattern) {
				h.logger.WithField("log_line", line).Debug("block layer message in kernel log")
			}
		}
	}

	return nil
}
