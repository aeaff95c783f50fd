// Package storage defines the persistence contract for the session reference
// a host keeps across process restarts.
package storage

import (
	"context"
	"errors"
)

// SessionIDKey is the key under which the controller persists the identifier
// of the session it currently owns.
const SessionIDKey = "session_id"

// Store persists a small set of string values across process restarts. The
// controller uses a single logical record (SessionIDKey); there is no history
// and no versioning.
type Store interface {
	// Get returns the value stored under key. ok is false when the key is
	// absent. An error is returned only for storage system failures.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key, value string) error

	// Clear removes every stored value.
	Clear(ctx context.Context) error

	// Close releases resources held by the backend.
	Close() error
}

var (
	// ErrEmptyKey is returned when Get or Set is called with an empty key.
	ErrEmptyKey = errors.New("storage: empty key")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("storage: store closed")
)
