package controller

import (
	"errors"
	"fmt"

	"github.com/ggoodman/locshare-go/capability"
)

var (
	// ErrResultDiscarded is returned when a remote call completed after the
	// controller moved on (the session expired, or a newer operation began).
	// The result was not applied.
	ErrResultDiscarded = errors.New("controller: result discarded")
	// ErrInvitationsDisabled is returned by invite when the controller was
	// built without invitation support.
	ErrInvitationsDisabled = errors.New("controller: invitations are disabled")
	// ErrClosed is returned by operations started after Close.
	ErrClosed = errors.New("controller: closed")
)

// ErrorKind classifies controller errors for logging and metrics.
type ErrorKind string

const (
	KindNone                   ErrorKind = ""
	KindInvalidConfiguration   ErrorKind = "invalid_configuration"
	KindCapabilityDenied       ErrorKind = "capability_denied"
	KindRemote                 ErrorKind = "remote"
	KindConflictingOperation   ErrorKind = "conflicting_operation"
	KindLookupTransientFailure ErrorKind = "lookup_transient_failure"
	KindInvalidState           ErrorKind = "invalid_state"
	KindStorage                ErrorKind = "storage"
	KindDiscarded              ErrorKind = "discarded"
	KindUnknown                ErrorKind = "unknown"
)

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var (
		cfgErr      *InvalidConfigurationError
		capErr      *CapabilityDeniedError
		remoteErr   *RemoteError
		conflictErr *ConflictingOperationError
		lookupErr   *LookupTransientFailureError
		stateErr    *InvalidStateError
		storeErr    *StorageError
	)
	switch {
	case errors.As(err, &cfgErr):
		return KindInvalidConfiguration
	case errors.As(err, &capErr):
		return KindCapabilityDenied
	case errors.As(err, &conflictErr):
		return KindConflictingOperation
	case errors.As(err, &stateErr), errors.Is(err, ErrInvitationsDisabled), errors.Is(err, ErrClosed):
		return KindInvalidState
	case errors.As(err, &lookupErr):
		return KindLookupTransientFailure
	case errors.As(err, &remoteErr):
		return KindRemote
	case errors.As(err, &storeErr):
		return KindStorage
	case errors.Is(err, ErrResultDiscarded):
		return KindDiscarded
	}
	return KindUnknown
}

// InvalidConfigurationError reports a session specification rejected before
// any remote call was made.
type InvalidConfigurationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *InvalidConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid session configuration: %s", e.Reason)
	}
	return fmt.Sprintf("invalid session configuration: %s: %s", e.Field, e.Reason)
}

func (e *InvalidConfigurationError) Unwrap() error { return e.Err }

// CapabilityDeniedError reports that a required device capability was not
// granted. Err is set when the gate itself failed.
type CapabilityDeniedError struct {
	Capability capability.Capability
	Status     capability.Status
	Err        error
}

func (e *CapabilityDeniedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("capability %s unavailable: %v", e.Capability, e.Err)
	}
	return fmt.Sprintf("capability %s not granted (%s)", e.Capability, e.Status)
}

func (e *CapabilityDeniedError) Unwrap() error { return e.Err }

// RemoteError wraps a failure reported by the session service.
type RemoteError struct {
	Op  Op
	Err error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// ConflictingOperationError is returned when an operation is requested while
// another is in flight.
type ConflictingOperationError struct {
	Op       Op
	InFlight Op
}

func (e *ConflictingOperationError) Error() string {
	return fmt.Sprintf("cannot %s: %s already in progress", e.Op, e.InFlight)
}

// LookupTransientFailureError is returned by Resume when the persisted
// session could not be looked up. The persisted reference is kept.
type LookupTransientFailureError struct {
	SessionID string
	Err       error
}

func (e *LookupTransientFailureError) Error() string {
	return fmt.Sprintf("lookup of session %q failed: %v", e.SessionID, e.Err)
}

func (e *LookupTransientFailureError) Unwrap() error { return e.Err }

// InvalidStateError is returned when an operation is not allowed from the
// controller's current stable state.
type InvalidStateError struct {
	Op    Op
	State State
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s while %s", e.Op, e.State)
}

// StorageError wraps a failure of the persisted session reference store.
// The lifecycle state has already been updated when it is returned.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("session store %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
