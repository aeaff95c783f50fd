// Package clienttest provides a conformance suite for sessions.Client
// implementations.
package clienttest

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/locshare-go/sessions"
)

// Fixture bundles a client under test with the server-side control needed to
// invalidate a session ahead of its expiration date.
type Fixture struct {
	Client sessions.Client
	Expire func(sessionID string) error
}

// ClientFactory creates a new, empty fixture for testing.
type ClientFactory func(t *testing.T) Fixture

// RunClientTests runs the complete Client test suite against the provided factory.
func RunClientTests(t *testing.T, factory ClientFactory) {
	t.Run("Create_RequiresRegisteredUser", func(t *testing.T) { testCreateRequiresRegisteredUser(t, factory) })
	t.Run("Create_AssignsIdentifier", func(t *testing.T) { testCreateAssignsIdentifier(t, factory) })
	t.Run("Create_RejectsInvalidSpec", func(t *testing.T) { testCreateRejectsInvalidSpec(t, factory) })
	t.Run("Find_UnknownReturnsNil", func(t *testing.T) { testFindUnknown(t, factory) })
	t.Run("Join_SetsMembership", func(t *testing.T) { testJoinSetsMembership(t, factory) })
	t.Run("Leave_ClearsMembership", func(t *testing.T) { testLeaveClearsMembership(t, factory) })
	t.Run("Invite_ReturnsLink", func(t *testing.T) { testInviteReturnsLink(t, factory) })
	t.Run("Expiration_FiresOnce", func(t *testing.T) { testExpirationFiresOnce(t, factory) })
	t.Run("Expiration_AlreadyExpiredFiresImmediately", func(t *testing.T) { testExpirationAlreadyExpired(t, factory) })
	t.Run("Expiration_ContextCancellation", func(t *testing.T) { testExpirationCancellation(t, factory) })
	t.Run("Expired_RejectsMutations", func(t *testing.T) { testExpiredRejectsMutations(t, factory) })
}

func testSpec() sessions.Spec {
	return sessions.Spec{
		Name:           "simple session",
		Destination:    sessions.Destination{ID: "w9823", Latitude: 37.7875694, Longitude: -122.4112239},
		ExpirationDate: time.Now().Add(time.Hour),
		TrackingMode:   sessions.TrackingModeSmart,
	}
}

func testProfile() sessions.Profile {
	return sessions.Profile{Name: "SDK User Go", Phone: "+12345678901", Type: sessions.UserTypeDriver}
}

func testInvitee() sessions.Invitee {
	return sessions.Invitee{Name: "Customer", Type: sessions.UserTypeMotorist, Email: "customer@me.com", Phone: "+12345678901"}
}

func mustCreate(t *testing.T, ctx context.Context, c sessions.Client) *sessions.Session {
	t.Helper()
	if err := c.RegisterUser(ctx, testProfile()); err != nil {
		t.Fatalf("register user: %v", err)
	}
	sess, err := c.CreateSession(ctx, testSpec())
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess
}

func testCreateRequiresRegisteredUser(t *testing.T, factory ClientFactory) {
	f := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := f.Client.CreateSession(ctx, testSpec()); !errors.Is(err, sessions.ErrUserNotRegistered) {
		t.Fatalf("expected ErrUserNotRegistered, got %v", err)
	}
}

func testCreateAssignsIdentifier(t *testing.T, factory ClientFactory) {
	f := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a := mustCreate(t, ctx, f.Client)
	b := mustCreate(t, ctx, f.Client)
	if a.ID == "" || b.ID == "" {
		t.Fatalf("expected non-empty identifiers, got %q and %q", a.ID, b.ID)
	}
	if a.ID == b.ID {
		t.Fatalf("expected unique identifiers, both were %q", a.ID)
	}
	if a.Name != "simple session" || a.Destination.ID != "w9823" {
		t.Fatalf("unexpected session attributes: %+v", a)
	}
	if a.Joined {
		t.Fatal("creator should not be joined before JoinSession")
	}
}

func testCreateRejectsInvalidSpec(t *testing.T, factory ClientFactory) {
	f := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := f.Client.RegisterUser(ctx, testProfile()); err != nil {
		t.Fatalf("register user: %v", err)
	}
	spec := testSpec()
	spec.ExpirationDate = time.Now().Add(-time.Minute)
	if _, err := f.Client.CreateSession(ctx, spec); !errors.Is(err, sessions.ErrInvalidSpec) {
		t.Fatalf("expected ErrInvalidSpec, got %v", err)
	}
}

func testFindUnknown(t *testing.T, factory ClientFactory) {
	f := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := f.Client.FindSession(ctx, "does-not-exist")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if sess != nil {
		t.Fatalf("expected nil session, got %+v", sess)
	}
}

func testJoinSetsMembership(t *testing.T, factory ClientFactory) {
	f := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	created := mustCreate(t, ctx, f.Client)
	if err := f.Client.JoinSession(ctx, created.ID); err != nil {
		t.Fatalf("join: %v", err)
	}
	got, err := f.Client.FindSession(ctx, created.ID)
	if err != nil || got == nil {
		t.Fatalf("find after join: %v %v", got, err)
	}
	if !got.Joined {
		t.Fatal("expected joined membership after JoinSession")
	}
	if err := f.Client.JoinSession(ctx, "does-not-exist"); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func testLeaveClearsMembership(t *testing.T, factory ClientFactory) {
	f := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	created := mustCreate(t, ctx, f.Client)
	if err := f.Client.JoinSession(ctx, created.ID); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := f.Client.LeaveSession(ctx, created.ID); err != nil {
		t.Fatalf("leave: %v", err)
	}
	got, err := f.Client.FindSession(ctx, created.ID)
	if err != nil || got == nil {
		t.Fatalf("find after leave: %v %v", got, err)
	}
	if got.Joined {
		t.Fatal("expected membership cleared after LeaveSession")
	}
}

func testInviteReturnsLink(t *testing.T, factory ClientFactory) {
	f := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	created := mustCreate(t, ctx, f.Client)
	if err := f.Client.JoinSession(ctx, created.ID); err != nil {
		t.Fatalf("join: %v", err)
	}
	inv, err := f.Client.InviteParticipant(ctx, created.ID, testInvitee())
	if err != nil {
		t.Fatalf("invite: %v", err)
	}
	if inv.URL == "" {
		t.Fatal("expected invitation URL")
	}
	if inv.SessionID != created.ID {
		t.Fatalf("expected invitation for %s, got %s", created.ID, inv.SessionID)
	}
}

func testExpirationFiresOnce(t *testing.T, factory ClientFactory) {
	f := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	created := mustCreate(t, ctx, f.Client)

	var fired atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- f.Client.SubscribeExpiration(ctx, created.ID, func(ctx context.Context, sessionID string) {
			if sessionID == created.ID {
				fired.Add(1)
			}
		})
	}()

	time.Sleep(50 * time.Millisecond)

	if err := f.Expire(created.ID); err != nil {
		t.Fatalf("expire: %v", err)
	}
	if err := f.Expire(created.ID); err != nil {
		t.Fatalf("second expire: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("subscribe returned: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe timeout")
	}
	if got := fired.Load(); got != 1 {
		t.Fatalf("expected handler to fire once, fired %d times", got)
	}

	got, err := f.Client.FindSession(ctx, created.ID)
	if err != nil {
		t.Fatalf("find after expire: %v", err)
	}
	if got != nil && !got.Expired(time.Now()) {
		t.Fatal("expected found session to report expired")
	}
}

func testExpirationAlreadyExpired(t *testing.T, factory ClientFactory) {
	f := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	created := mustCreate(t, ctx, f.Client)
	if err := f.Expire(created.ID); err != nil {
		t.Fatalf("expire: %v", err)
	}

	var fired atomic.Int32
	err := f.Client.SubscribeExpiration(ctx, created.ID, func(ctx context.Context, sessionID string) {
		fired.Add(1)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if fired.Load() != 1 {
		t.Fatalf("expected immediate handler call, got %d", fired.Load())
	}
}

func testExpirationCancellation(t *testing.T, factory ClientFactory) {
	f := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	created := mustCreate(t, ctx, f.Client)

	subCtx, subCancel := context.WithCancel(ctx)
	var fired atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- f.Client.SubscribeExpiration(subCtx, created.ID, func(ctx context.Context, sessionID string) {
			fired.Add(1)
		})
	}()

	time.Sleep(50 * time.Millisecond)
	subCancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not stop after cancellation")
	}

	if err := f.Expire(created.ID); err != nil {
		t.Fatalf("expire: %v", err)
	}
	if fired.Load() != 0 {
		t.Fatal("cancelled subscription must not fire")
	}
}

func testExpiredRejectsMutations(t *testing.T, factory ClientFactory) {
	f := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	created := mustCreate(t, ctx, f.Client)
	if err := f.Expire(created.ID); err != nil {
		t.Fatalf("expire: %v", err)
	}

	if err := f.Client.JoinSession(ctx, created.ID); !errors.Is(err, sessions.ErrSessionExpired) {
		t.Fatalf("join: expected ErrSessionExpired, got %v", err)
	}
	if err := f.Client.LeaveSession(ctx, created.ID); !errors.Is(err, sessions.ErrSessionExpired) {
		t.Fatalf("leave: expected ErrSessionExpired, got %v", err)
	}
	if _, err := f.Client.InviteParticipant(ctx, created.ID, testInvitee()); !errors.Is(err, sessions.ErrSessionExpired) {
		t.Fatalf("invite: expected ErrSessionExpired, got %v", err)
	}
}
