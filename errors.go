package bmservice

import (
	"errors"
	"fmt"
)

// Error is a structured bmservice error carrying the operation, the
// device and stage it happened in, and a BMServiceErrorCode category
// (spec.md §7's ConfigError/DeviceError/UserError, plus io/timeout/
// resource categories for completeness).
type Error struct {
	Op     string // operation that failed (e.g. "add_stage", "launch_tensor_ex")
	Stage  string // stage name, empty if not applicable
	DevID  uint32 // device id, only meaningful when HasDev is true
	HasDev bool
	Code   BMServiceErrorCode
	Msg    string
	Inner  error
}

func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.Stage != "" {
		parts = append(parts, fmt.Sprintf("stage=%s", e.Stage))
	}
	if e.HasDev {
		parts = append(parts, fmt.Sprintf("device=%d", e.DevID))
	}

	msg := e.Msg
	if msg == "" && e.Inner != nil {
		msg = e.Inner.Error()
	}
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("bmservice: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("bmservice: %s", msg)
}

func (e *Error) Unwrap() error { return e.Inner }

func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	var te *Error
	if errors.As(target, &te) {
		return e.Code == te.Code
	}
	return false
}

// BMServiceErrorCode is the high-level error category spec.md §7
// dispatches pipeline behavior on.
type BMServiceErrorCode string

const (
	// ErrCodeConfig is spec.md §7's ConfigError: a synchronous, fatal
	// misconfiguration raised from add_stage/start, no thread spawned.
	ErrCodeConfig BMServiceErrorCode = "config error"
	// ErrCodeDevice is spec.md §7's DeviceError: a fatal failure from
	// DeviceContext or the Forward stage, pipeline-fatal, cascades done.
	ErrCodeDevice BMServiceErrorCode = "device error"
	// ErrCodeUser is spec.md §7's UserError: a Pre/Post stage failure
	// that marks the item invalid but still delivers it.
	ErrCodeUser BMServiceErrorCode = "user error"
	// ErrCodeIO covers model/file loading and similar I/O failures.
	ErrCodeIO BMServiceErrorCode = "I/O error"
	// ErrCodeTimeout covers blocking waits that exceeded a deadline.
	ErrCodeTimeout BMServiceErrorCode = "timeout"
	// ErrCodeResource covers allocation/exhaustion failures (device
	// memory, resource queues).
	ErrCodeResource BMServiceErrorCode = "resource exhausted"
)

// NewConfigError builds a synchronous, fatal configuration error.
func NewConfigError(op, msg string) *Error {
	return &Error{Op: op, Code: ErrCodeConfig, Msg: msg}
}

// NewDeviceError builds a fatal, pipeline-cascading device error.
func NewDeviceError(op string, devID uint32, msg string) *Error {
	return &Error{Op: op, DevID: devID, HasDev: true, Code: ErrCodeDevice, Msg: msg}
}

// NewUserError builds a non-fatal, item-marking-invalid error.
func NewUserError(op, stage, msg string) *Error {
	return &Error{Op: op, Stage: stage, Code: ErrCodeUser, Msg: msg}
}

// WrapError wraps inner with bmservice context, reusing its Code if it is
// already a *Error.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	var e *Error
	if errors.As(inner, &e) {
		return &Error{Op: op, Stage: e.Stage, DevID: e.DevID, HasDev: e.HasDev, Code: e.Code, Msg: e.Msg, Inner: e.Inner}
	}
	return &Error{Op: op, Code: ErrCodeIO, Msg: inner.Error(), Inner: inner}
}

// IsCode reports whether err is (or wraps) a *Error with the given code.
func IsCode(err error, code BMServiceErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
