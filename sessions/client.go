package sessions

import (
	"context"
	"errors"
)

var (
	// ErrSessionNotFound is returned when an operation targets an unknown session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExpired is returned when an operation targets an expired session.
	ErrSessionExpired = errors.New("session expired")
	// ErrUserNotRegistered is returned when a session operation runs before
	// RegisterUser succeeded.
	ErrUserNotRegistered = errors.New("user not registered")
	// ErrNotJoined is returned by LeaveSession and InviteParticipant when the
	// local user is not a member of the session.
	ErrNotJoined = errors.New("user has not joined session")
)

// ExpirationHandler is invoked when the remote service reports that a session
// expired or was otherwise invalidated.
type ExpirationHandler func(ctx context.Context, sessionID string)

// Client is the contract the controller needs from the remote sharing
// service. Implementations MUST be safe for concurrent use; completions may
// happen on any goroutine.
type Client interface {
	// RegisterUser saves the local user's profile. Calling it again replaces
	// the profile.
	RegisterUser(ctx context.Context, profile Profile) error

	// CreateSession persists a new session and returns it with its assigned ID.
	CreateSession(ctx context.Context, spec Spec) (*Session, error)

	// FindSession looks a session up by ID. It returns (nil, nil) when the
	// service no longer knows the session; errors are reserved for failures
	// to reach a verdict.
	FindSession(ctx context.Context, sessionID string) (*Session, error)

	JoinSession(ctx context.Context, sessionID string) error
	LeaveSession(ctx context.Context, sessionID string) error
	InviteParticipant(ctx context.Context, sessionID string, invitee Invitee) (*Invitation, error)

	// SubscribeExpiration blocks until the session expires, the context ends,
	// or the subscription cannot be established. The handler runs exactly once
	// when the session expires, after which SubscribeExpiration returns nil.
	// Subscribing to an already expired session fires the handler immediately.
	SubscribeExpiration(ctx context.Context, sessionID string, handler ExpirationHandler) error
}
