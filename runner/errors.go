package runner

import (
	"errors"
	"fmt"
	"strings"
)

// CommandError is returned when an external command exits unsuccessfully.
type CommandError struct {
	Command  string
	Args     []string
	ExitCode int
	Output   string
	Err      error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s %s: exit %d: %v", e.Command, strings.Join(e.Args, " "), e.ExitCode, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// Diagnostic is the captured output of the failed command, used by the commit engine as
// the extended error text.
func (e *CommandError) Diagnostic() string {
	return strings.TrimSpace(e.Output)
}

// DeviceBusyError is returned when a command kept failing because the device was busy
// after every retry.
type DeviceBusyError struct {
	Device   string
	Attempts int
	Last     *CommandError
}

func (e *DeviceBusyError) Error() string {
	return fmt.Sprintf("device %s busy after %d attempts: %v", e.Device, e.Attempts, e.Last)
}

func (e *DeviceBusyError) Unwrap() error { return e.Last }

// Diagnostic returns the output of the last attempt.
func (e *DeviceBusyError) Diagnostic() string {
	if e.Last == nil {
		return ""
	}
	return e.Last.Diagnostic()
}

// UnsupportedError is returned for actions the runner has no command for.
type UnsupportedError struct {
	Op     string
	Device string
	Reason string
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("%s on %s not supported: %s", e.Op, e.Device, e.Reason)
}

// IsCommandError checks if an error is or wraps a CommandError.
func IsCommandError(err error) bool {
	var ce *CommandError
	return errors.As(err, &ce)
}

// IsDeviceBusyError checks if an error is or wraps a DeviceBusyError.
func IsDeviceBusyError(err error) bool {
	var be *DeviceBusyError
	return errors.As(err, &be)
}

// IsUnsupportedError checks if an error is or wraps an UnsupportedError.
func IsUnsupportedError(err error) bool {
	var ue *UnsupportedError
	return errors.As(err, &ue)
}

var busyPatterns = []string{
	"device or resource busy",
	"is busy",
	"in use",
	"resource temporarily unavailable",
}

func isBusyOutput(output string) bool {
	out := strings.ToLower(output)
	for _, p := range busyPatterns {
		if strings.Contains(out, p) {
			return true
		}
	}
	return false
}
