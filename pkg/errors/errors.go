// Package errors defines the kernel's error taxonomy (spec §7) on top of the
// standard library's errors package, plus a retryable marker that IPC send
// uses to back off and retry instead of failing hard.
package errors

import (
	stdliberrors "errors"
	"fmt"
)

var (
	As     = stdliberrors.As
	Is     = stdliberrors.Is
	Join   = stdliberrors.Join
	New    = stdliberrors.New
	Unwrap = stdliberrors.Unwrap
)

// Code is the fixed enum every syscall-shaped operation returns, per spec §7.
type Code int

const (
	OK Code = iota
	InvalidParameters
	NotSupported
	PermissionDenied
	NotFound
	AlreadyExists
	Busy
	WouldBlock
	OutOfMemory
	Incomplete
	Cancelled
	Timeout
	Interrupted
	InProgress
	Forked
	DeviceError
	LinkInvalid
	Deleted
	InvalidProtocol
	ConnectionRefused
	ConnectionAborted
	HostUnreachable
	NotConnected
	AlreadyConnected
)

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

var codeNames = map[Code]string{
	OK:                 "OK",
	InvalidParameters:  "InvalidParameters",
	NotSupported:       "NotSupported",
	PermissionDenied:   "PermissionDenied",
	NotFound:           "NotFound",
	AlreadyExists:      "AlreadyExists",
	Busy:               "Busy",
	WouldBlock:         "WouldBlock",
	OutOfMemory:        "OutOfMemory",
	Incomplete:         "Incomplete",
	Cancelled:          "Cancelled",
	Timeout:            "Timeout",
	Interrupted:        "Interrupted",
	InProgress:         "InProgress",
	Forked:             "Forked",
	DeviceError:        "DeviceError",
	LinkInvalid:        "LinkInvalid",
	Deleted:            "Deleted",
	InvalidProtocol:    "InvalidProtocol",
	ConnectionRefused:  "ConnectionRefused",
	ConnectionAborted:  "ConnectionAborted",
	HostUnreachable:    "HostUnreachable",
	NotConnected:       "NotConnected",
	AlreadyConnected:   "AlreadyConnected",
}

// KernelError pairs a Code with an optional wrapped cause, so callers can
// both branch on Code (via CodeOf) and retain the underlying error chain.
type KernelError struct {
	Code  Code
	Cause error
}

// Wrap returns a KernelError with the given code and cause.
func Wrap(code Code, cause error) *KernelError {
	return &KernelError{Code: code, Cause: cause}
}

// Newf builds a KernelError with a formatted message as the cause.
func Newf(code Code, format string, args ...any) *KernelError {
	return &KernelError{Code: code, Cause: fmt.Errorf(format, args...)}
}

func (e *KernelError) Error() string {
	if e.Cause == nil {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Cause)
}

func (e *KernelError) Unwrap() error {
	return e.Cause
}

// CodeOf extracts the Code from err, defaulting to InvalidParameters for any
// error that didn't originate as a KernelError (the syscall boundary never
// returns a bare Go error to "user space").
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var kerr *KernelError
	if As(err, &kerr) {
		return kerr.Code
	}
	return InvalidParameters
}

// Retryable marks errors that a caller may legitimately retry with backoff
// (e.g. a transient Busy on a contended stream-buffer write window).
type Retryable interface {
	error
	Retryable() bool
}

func IsRetryable(err error) bool {
	var r Retryable
	return As(err, &r) && r.Retryable()
}

// retryable wraps a KernelError to additionally satisfy Retryable.
type retryable struct {
	*KernelError
}

func (retryable) Retryable() bool { return true }

// NewRetryable returns a KernelError of the given code marked retryable.
func NewRetryable(code Code, format string, args ...any) error {
	return retryable{Newf(code, format, args...)}
}
