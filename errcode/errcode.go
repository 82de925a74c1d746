// Package errcode defines the error taxonomy shared by the storage topology packages.
//
// Every domain failure is an *Error carrying a negative Code. Codes are partitioned by
// kind so callers that only see the signed status returned from a commit can still tell
// a validation problem from an execution failure:
//
//	-1xxx  validation   (bad input, nothing was changed)
//	-2xxx  resource     (no space, striping, device already consumed)
//	-3xxx  dependency   (device in use, ordering cycle)
//	-4xxx  execution    (an external operation failed during commit)
//	-5xxx  invariant    (consistency check failed; a defect)
//
// Use errors.As or the helpers in this package to inspect an error:
//
//	if errcode.Is(err, errcode.NoSpace) {
//		// ask for a smaller volume
//	}
package errcode

import (
	"errors"
	"fmt"
)

// Code is a negative, kind-partitioned error code. Zero means success.
type Code int

const (
	OK Code = 0

	InvalidName        Code = -1001
	UnknownDevice      Code = -1002
	DuplicateName      Code = -1003
	SizeOutOfRange     Code = -1004
	ReadOnly           Code = -1005
	MountConflict      Code = -1006
	InvalidArgument    Code = -1007
	PartitionTableFull Code = -1008
	RegionOverlap      Code = -1009
	InvalidExtentSize  Code = -1010
	NotFound           Code = -1011
	AlreadyMember      Code = -1012
	UnsupportedKind    Code = -1013

	NoSpace             Code = -2001
	StripeUnsatisfiable Code = -2002
	AlreadyUsed         Code = -2003

	DeviceInUse     Code = -3001
	DependencyCycle Code = -3002

	CommitDecreaseFailed Code = -4010
	CommitIncreaseFailed Code = -4020
	CommitFormatFailed   Code = -4030
	CommitMountFailed    Code = -4040
	CommitAborted        Code = -4090

	InvariantViolation Code = -5001

	Unknown Code = -9999
)

// Kind is the coarse class of a Code.
type Kind int

const (
	KindNone Kind = iota
	KindValidation
	KindResource
	KindDependency
	KindExecution
	KindInvariant
	KindUnknown
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindValidation:
		return "validation"
	case KindResource:
		return "resource"
	case KindDependency:
		return "dependency"
	case KindExecution:
		return "execution"
	case KindInvariant:
		return "invariant"
	default:
		return "unknown"
	}
}

// Kind reports which class of the taxonomy c belongs to.
func (c Code) Kind() Kind {
	switch {
	case c == OK:
		return KindNone
	case c <= -1000 && c > -2000:
		return KindValidation
	case c <= -2000 && c > -3000:
		return KindResource
	case c <= -3000 && c > -4000:
		return KindDependency
	case c <= -4000 && c > -5000:
		return KindExecution
	case c <= -5000 && c > -6000:
		return KindInvariant
	default:
		return KindUnknown
	}
}

var codeNames = map[Code]string{
	OK:                   "ok",
	InvalidName:          "invalid name",
	UnknownDevice:        "unknown device",
	DuplicateName:        "duplicate name",
	SizeOutOfRange:       "size out of range",
	ReadOnly:             "read-only container",
	MountConflict:        "mount point conflict",
	InvalidArgument:      "invalid argument",
	PartitionTableFull:   "partition table full",
	RegionOverlap:        "region overlaps existing partition",
	InvalidExtentSize:    "invalid extent size",
	NotFound:             "not found",
	AlreadyMember:        "device already a member",
	UnsupportedKind:      "operation not supported for this kind",
	NoSpace:              "not enough free space",
	StripeUnsatisfiable:  "striping cannot be satisfied",
	AlreadyUsed:          "device already used",
	DeviceInUse:          "device in use",
	DependencyCycle:      "dependency cycle",
	CommitDecreaseFailed: "commit failed in decrease stage",
	CommitIncreaseFailed: "commit failed in increase stage",
	CommitFormatFailed:   "commit failed in format stage",
	CommitMountFailed:    "commit failed in mount stage",
	CommitAborted:        "commit aborted",
	InvariantViolation:   "invariant violation",
	Unknown:              "unknown error",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("error %d", int(c))
}

// Error is a domain error. Op names the operation that failed, Device the device or
// entity name it was applied to.
type Error struct {
	Code   Code
	Op     string
	Device string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Code.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Device != "" {
		msg += " (" + e.Device + ")"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error with the same code, so errors.Is(err, &Error{Code: NoSpace})
// works without comparing the detail text.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New returns an *Error with a formatted detail.
func New(code Code, op, device, format string, args ...interface{}) *Error {
	detail := format
	if len(args) > 0 {
		detail = fmt.Sprintf(format, args...)
	}
	return &Error{Code: code, Op: op, Device: device, Detail: detail}
}

// Wrap returns an *Error that wraps err.
func Wrap(code Code, op, device string, err error) *Error {
	return &Error{Code: code, Op: op, Device: device, Err: err}
}

// CodeOf extracts the Code from err. A nil error is OK, an error outside the taxonomy
// is Unknown.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Unknown
}

// KindOf returns the Kind of err's code.
func KindOf(err error) Kind {
	return CodeOf(err).Kind()
}

// Is reports whether err carries code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// IsValidation checks if an error was rejected input.
func IsValidation(err error) bool {
	return KindOf(err) == KindValidation
}

// IsResource checks if an error is a space or ownership shortage.
func IsResource(err error) bool {
	return KindOf(err) == KindResource
}

// IsDependency checks if an error came from the used-by relation or plan ordering.
func IsDependency(err error) bool {
	return KindOf(err) == KindDependency
}

// IsInvariant checks if an error is a failed consistency check.
func IsInvariant(err error) bool {
	return KindOf(err) == KindInvariant
}
