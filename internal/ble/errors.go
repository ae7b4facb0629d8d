package ble

import (
	"errors"
	"fmt"
)

// Failure kinds. An *OpError unwraps to one of these.
var (
	// ErrPermissionDenied means the PermissionGate refused a permission.
	ErrPermissionDenied = errors.New("ble: permission denied")
	// ErrTransport means a Radio call failed.
	ErrTransport = errors.New("ble: transport failure")
	// ErrPrecondition means an operation was requested in a state or on a
	// channel that does not allow it. It never changes the machine's state.
	ErrPrecondition = errors.New("ble: precondition violation")
	// ErrMalformedDiscovery means discovery returned entries that could not
	// be classified.
	ErrMalformedDiscovery = errors.New("ble: malformed discovery")
)

// ErrAborted is returned by Connect when a Disconnect superseded it.
var ErrAborted = errors.New("ble: connect aborted by disconnect")

// OpError describes a failed operation.
type OpError struct {
	Op      string // "connect", "discover", "read", ...
	Channel string // characteristic id, empty for machine-level operations
	Kind    error  // one of the Err* kinds above
	Err     error  // underlying cause, may be nil
}

func (e *OpError) Error() string {
	msg := e.Kind.Error() + ": " + e.Op
	if e.Channel != "" {
		msg += " " + e.Channel
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func transportErr(op, channel string, err error) *OpError {
	return &OpError{Op: op, Channel: channel, Kind: ErrTransport, Err: err}
}

func preconditionErr(op, channel string, format string, args ...any) *OpError {
	return &OpError{Op: op, Channel: channel, Kind: ErrPrecondition, Err: fmt.Errorf(format, args...)}
}
