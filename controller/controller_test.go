package controller

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/locshare-go/affordance"
	"github.com/ggoodman/locshare-go/capability"
	"github.com/ggoodman/locshare-go/sessions"
	"github.com/ggoodman/locshare-go/sessions/memoryclient"
	"github.com/ggoodman/locshare-go/storage"
	"github.com/ggoodman/locshare-go/storage/memory"
)

var errBoom = errors.New("boom")

type harness struct {
	client  *memoryclient.Client
	store   *memory.Store
	gate    *capability.Static
	sink    *affordance.Recorder
	metrics *recordingMetrics
	ctrl    *Controller
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		client:  memoryclient.New(),
		store:   memory.New(),
		gate:    capability.NewStatic(capability.Granted),
		sink:    affordance.NewRecorder(),
		metrics: newRecordingMetrics(),
	}
	h.ctrl = h.newController(opts...)
	t.Cleanup(func() {
		_ = h.ctrl.Close()
		_ = h.client.Close()
	})
	return h
}

func (h *harness) newController(opts ...Option) *Controller {
	base := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithMetrics(h.metrics),
	}
	return New(h.client, h.store, h.gate, h.sink, append(base, opts...)...)
}

func validSpec() sessions.Spec {
	return sessions.Spec{
		Name:           "Pickup",
		Destination:    sessions.Destination{ID: "dest-1", Latitude: 37.7875694, Longitude: -122.4112239},
		ExpirationDate: time.Now().Add(time.Hour),
	}
}

func (h *harness) create(t *testing.T) *sessions.Session {
	t.Helper()
	sess, err := h.ctrl.CreateSession(context.Background(), validSpec())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return sess
}

func (h *harness) join(t *testing.T) *sessions.Session {
	t.Helper()
	sess := h.create(t)
	if err := h.ctrl.JoinSession(context.Background()); err != nil {
		t.Fatalf("join: %v", err)
	}
	return sess
}

func (h *harness) storedRef(t *testing.T) (string, bool) {
	t.Helper()
	id, ok, err := h.store.Get(context.Background(), storage.SessionIDKey)
	if err != nil {
		t.Fatalf("store get: %v", err)
	}
	return id, ok
}

// assertRef checks that the persisted reference is present exactly when a
// session is owned, and that it names the owned session.
func (h *harness) assertRef(t *testing.T) {
	t.Helper()
	id, ok := h.storedRef(t)
	state := h.ctrl.State()
	if ok != state.Owned() {
		t.Fatalf("state %s: persisted reference present=%v", state, ok)
	}
	if ok {
		if sess := h.ctrl.Session(); sess == nil || sess.ID != id {
			t.Fatalf("persisted reference %q does not name the owned session %+v", id, sess)
		}
	}
}

func (h *harness) assertEnabled(t *testing.T, want ...affordance.Action) {
	t.Helper()
	if got := h.sink.EnabledActions(); !slices.Equal(got, want) {
		t.Fatalf("expected enabled %v, got %v", want, got)
	}
}

func (h *harness) assertState(t *testing.T, want State) {
	t.Helper()
	if got := h.ctrl.State(); got != want {
		t.Fatalf("expected state %s, got %s", want, got)
	}
}

func waitForState(t *testing.T, c *Controller, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s, state is %s", want, c.State())
}

func TestCreateSession(t *testing.T) {
	h := newHarness(t)
	sess := h.create(t)

	if sess.ID == "" {
		t.Fatal("expected identifier")
	}
	h.assertState(t, StateCreated)
	h.assertEnabled(t, affordance.Join, affordance.Leave)
	if id, _ := h.storedRef(t); id != sess.ID {
		t.Fatalf("expected stored %q, got %q", sess.ID, id)
	}
	if h.client.Calls(memoryclient.OpRegisterUser) != 1 {
		t.Fatal("expected the user to be registered before creating")
	}
	h.assertRef(t)
}

func TestCreateRegistersOnce(t *testing.T) {
	h := newHarness(t)
	h.create(t)
	if err := h.ctrl.LeaveSession(context.Background()); err != nil {
		t.Fatalf("leave: %v", err)
	}
	h.create(t)
	if n := h.client.Calls(memoryclient.OpRegisterUser); n != 1 {
		t.Fatalf("expected one registration, got %d", n)
	}
}

func TestCreateInvalidConfiguration(t *testing.T) {
	tests := []struct {
		name  string
		mut   func(*sessions.Spec)
		field string
	}{
		{"past expiration", func(s *sessions.Spec) { s.ExpirationDate = time.Now().Add(-time.Minute) }, "expiration_date"},
		{"latitude", func(s *sessions.Spec) { s.Destination.Latitude = 91 }, "destination.latitude"},
		{"longitude", func(s *sessions.Spec) { s.Destination.Longitude = -181 }, "destination.longitude"},
		{"name", func(s *sessions.Spec) { s.Name = "" }, "name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			spec := validSpec()
			tt.mut(&spec)

			_, err := h.ctrl.CreateSession(context.Background(), spec)
			var cfgErr *InvalidConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected InvalidConfigurationError, got %v", err)
			}
			if cfgErr.Field != tt.field {
				t.Fatalf("expected field %q, got %q", tt.field, cfgErr.Field)
			}
			if !errors.Is(err, sessions.ErrInvalidSpec) {
				t.Fatal("expected the spec error to be wrapped")
			}
			if h.client.Calls(memoryclient.OpRegisterUser)+h.client.Calls(memoryclient.OpCreateSession) != 0 {
				t.Fatal("no remote call may be issued for an invalid spec")
			}
			h.assertState(t, StateNoSession)
		})
	}
}

func TestCreateRemoteFailure(t *testing.T) {
	h := newHarness(t)
	if err := h.ctrl.Resume(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.client.FailNext(memoryclient.OpCreateSession, errBoom)

	_, err := h.ctrl.CreateSession(context.Background(), validSpec())
	var remote *RemoteError
	if !errors.As(err, &remote) || remote.Op != OpCreate || !errors.Is(err, errBoom) {
		t.Fatalf("expected RemoteError wrapping boom, got %v", err)
	}
	h.assertState(t, StateNoSession)
	h.assertRef(t)
	h.assertEnabled(t, affordance.Create)

	h.create(t)
	h.assertState(t, StateCreated)
}

func TestCreateRegistrationFailure(t *testing.T) {
	h := newHarness(t)
	h.client.FailNext(memoryclient.OpRegisterUser, errBoom)

	_, err := h.ctrl.CreateSession(context.Background(), validSpec())
	var remote *RemoteError
	if !errors.As(err, &remote) || remote.Op != OpRegister {
		t.Fatalf("expected register RemoteError, got %v", err)
	}
	if h.client.Calls(memoryclient.OpCreateSession) != 0 {
		t.Fatal("create must not be attempted when registration fails")
	}
	h.assertState(t, StateNoSession)
}

func TestCreateRejectedWhileOwned(t *testing.T) {
	h := newHarness(t)
	h.create(t)

	_, err := h.ctrl.CreateSession(context.Background(), validSpec())
	var stateErr *InvalidStateError
	if !errors.As(err, &stateErr) || stateErr.State != StateCreated {
		t.Fatalf("expected InvalidStateError from created, got %v", err)
	}
	if KindOf(err) != KindInvalidState {
		t.Fatalf("unexpected kind %q", KindOf(err))
	}
}

func TestJoinWithGrantedCapability(t *testing.T) {
	h := newHarness(t)
	h.gate.SetStatus(capability.Location, capability.Granted)
	h.join(t)

	h.assertState(t, StateJoined)
	h.assertEnabled(t, affordance.Invite, affordance.Leave)
	h.assertRef(t)
	if h.gate.Requests(capability.Location) != 0 {
		t.Fatal("granted capability must not be requested again")
	}
	if !h.ctrl.Session().Joined {
		t.Fatal("expected session to be marked joined")
	}
}

func TestJoinUndeterminedThenDenied(t *testing.T) {
	h := newHarness(t)
	h.gate = capability.NewStatic(capability.Denied)
	h.ctrl = h.newController()
	h.create(t)

	err := h.ctrl.JoinSession(context.Background())
	var denied *CapabilityDeniedError
	if !errors.As(err, &denied) || denied.Capability != capability.Location || denied.Status != capability.Denied {
		t.Fatalf("expected CapabilityDeniedError, got %v", err)
	}
	if h.gate.Requests(capability.Location) != 1 {
		t.Fatal("expected exactly one capability request")
	}
	if h.client.Calls(memoryclient.OpJoinSession) != 0 {
		t.Fatal("no join call may be issued without the capability")
	}
	h.assertState(t, StateCreated)
	h.assertEnabled(t, affordance.Join, affordance.Leave)
	h.assertRef(t)
}

func TestJoinUndeterminedThenGranted(t *testing.T) {
	h := newHarness(t)
	h.join(t)
	if h.gate.Requests(capability.Location) != 1 {
		t.Fatal("expected the undetermined capability to be requested")
	}
	h.assertState(t, StateJoined)
}

func TestJoinPreviouslyDeniedAsksAgain(t *testing.T) {
	h := newHarness(t)
	h.gate.SetStatus(capability.Location, capability.Denied)
	h.gate.AnswerNext(capability.Location, capability.Granted)
	h.join(t)
	h.assertState(t, StateJoined)
}

func TestJoinRemoteFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	h.create(t)
	h.client.FailNext(memoryclient.OpJoinSession, errBoom)

	err := h.ctrl.JoinSession(context.Background())
	if KindOf(err) != KindRemote || !errors.Is(err, errBoom) {
		t.Fatalf("expected remote error, got %v", err)
	}
	h.assertState(t, StateCreated)
	h.assertEnabled(t, affordance.Join, affordance.Leave)

	if err := h.ctrl.JoinSession(context.Background()); err != nil {
		t.Fatalf("retry join: %v", err)
	}
	h.assertState(t, StateJoined)
}

func TestJoinWithoutSession(t *testing.T) {
	h := newHarness(t)
	err := h.ctrl.JoinSession(context.Background())
	var stateErr *InvalidStateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("expected InvalidStateError, got %v", err)
	}
}

func TestJoinExpiredSessionIsNoop(t *testing.T) {
	h := newHarness(t)
	sess := h.create(t)
	if err := h.client.Expire(sess.ID); err != nil {
		t.Fatal(err)
	}
	waitForState(t, h.ctrl, StateExpired)

	updates := h.sink.Updates()
	if err := h.ctrl.JoinSession(context.Background()); err != nil {
		t.Fatalf("expected silent no-op, got %v", err)
	}
	h.assertState(t, StateExpired)
	if h.sink.Updates() != updates {
		t.Fatal("affordances must be unchanged")
	}
	if h.client.Calls(memoryclient.OpJoinSession) != 0 || h.gate.Checks(capability.Location) != 0 {
		t.Fatal("no call may be issued for an expired session")
	}
}

func TestPastExpirationDateExpiresSession(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	h := newHarness(t, WithClock(clock.Now))
	h.create(t)
	clock.Advance(2 * time.Hour)

	if err := h.ctrl.JoinSession(context.Background()); err != nil {
		t.Fatalf("expected silent no-op, got %v", err)
	}
	h.assertState(t, StateExpired)
	h.assertRef(t)
	h.assertEnabled(t, affordance.Create)
	if got := h.sink.Notices(); !slices.Equal(got, []string{DefaultExpiredNotice}) {
		t.Fatalf("expected an expiration notice, got %v", got)
	}

	if err := h.ctrl.LeaveSession(context.Background()); err != nil {
		t.Fatalf("expected silent no-op, got %v", err)
	}
	if h.client.Calls(memoryclient.OpJoinSession)+h.client.Calls(memoryclient.OpLeaveSession) != 0 {
		t.Fatal("no call may be issued past the expiration date")
	}

	spec := validSpec()
	spec.ExpirationDate = clock.Now().Add(time.Hour)
	if _, err := h.ctrl.CreateSession(context.Background(), spec); err != nil {
		t.Fatalf("create after lapse: %v", err)
	}
	h.assertState(t, StateCreated)
	h.assertRef(t)
}

func TestCreateAfterLapsedSession(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	h := newHarness(t, WithClock(clock.Now))
	old := h.create(t)
	clock.Advance(2 * time.Hour)

	spec := validSpec()
	spec.ExpirationDate = clock.Now().Add(time.Hour)
	sess, err := h.ctrl.CreateSession(context.Background(), spec)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sess.ID == old.ID {
		t.Fatal("expected a new session")
	}
	h.assertRef(t)
}

func TestInviteParticipant(t *testing.T) {
	h := newHarness(t)
	sess := h.join(t)

	inv, err := h.ctrl.InviteParticipant(context.Background(), sessions.Invitee{Name: "Sam", Type: sessions.UserTypeCourier, Email: "sam@example.com"})
	if err != nil {
		t.Fatalf("invite: %v", err)
	}
	if inv == nil || inv.SessionID != sess.ID || inv.URL == "" {
		t.Fatalf("unexpected invitation %+v", inv)
	}
	h.assertState(t, StateInvited)
	h.assertEnabled(t, affordance.Leave)
	h.assertRef(t)
}

func TestInviteFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	h.join(t)

	_, err := h.ctrl.InviteParticipant(context.Background(), sessions.Invitee{Name: "Sam"})
	if KindOf(err) != KindRemote {
		t.Fatalf("expected remote error for missing contact, got %v", err)
	}
	h.assertState(t, StateJoined)
	h.assertEnabled(t, affordance.Invite, affordance.Leave)
}

func TestInviteDisabled(t *testing.T) {
	h := newHarness(t, WithInvitations(false))
	h.join(t)
	h.assertEnabled(t, affordance.Leave)

	_, err := h.ctrl.InviteParticipant(context.Background(), sessions.Invitee{Name: "Sam", Email: "sam@example.com"})
	if !errors.Is(err, ErrInvitationsDisabled) {
		t.Fatalf("expected ErrInvitationsDisabled, got %v", err)
	}
	if h.client.Calls(memoryclient.OpInviteParticipant) != 0 {
		t.Fatal("no invite call may be issued")
	}
}

func TestInviteBeforeJoin(t *testing.T) {
	h := newHarness(t, WithInviteBeforeJoin(true))
	h.create(t)
	h.assertEnabled(t, affordance.Join, affordance.Invite, affordance.Leave)

	if _, err := h.ctrl.InviteParticipant(context.Background(), sessions.Invitee{Name: "Sam", Phone: "+15550100"}); err != nil {
		t.Fatalf("invite: %v", err)
	}
	h.assertState(t, StateInvited)
}

func TestLeaveSession(t *testing.T) {
	h := newHarness(t)
	h.join(t)

	if err := h.ctrl.LeaveSession(context.Background()); err != nil {
		t.Fatalf("leave: %v", err)
	}
	h.assertState(t, StateLeft)
	h.assertEnabled(t, affordance.Create)
	h.assertRef(t)
}

func TestLeaveFromCreated(t *testing.T) {
	h := newHarness(t)
	h.create(t)
	if err := h.ctrl.LeaveSession(context.Background()); err != nil {
		t.Fatalf("leave: %v", err)
	}
	h.assertState(t, StateLeft)
}

func TestLeaveFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	h.join(t)
	if _, err := h.ctrl.InviteParticipant(context.Background(), sessions.Invitee{Name: "Sam", Email: "sam@example.com"}); err != nil {
		t.Fatal(err)
	}
	h.client.FailNext(memoryclient.OpLeaveSession, errBoom)

	if err := h.ctrl.LeaveSession(context.Background()); !errors.Is(err, errBoom) {
		t.Fatalf("expected boom, got %v", err)
	}
	h.assertState(t, StateInvited)
	h.assertRef(t)
}

func TestLeaveTwiceConcurrently(t *testing.T) {
	h := newHarness(t)
	h.join(t)

	hold := h.client.Block(memoryclient.OpLeaveSession)
	first := make(chan error, 1)
	go func() { first <- h.ctrl.LeaveSession(context.Background()) }()
	<-hold.Entered()

	h.assertState(t, StateLeaving)
	h.assertEnabled(t)
	err := h.ctrl.LeaveSession(context.Background())
	var conflict *ConflictingOperationError
	if !errors.As(err, &conflict) || conflict.InFlight != OpLeave {
		t.Fatalf("expected ConflictingOperationError, got %v", err)
	}

	hold.Release()
	if err := <-first; err != nil {
		t.Fatalf("first leave: %v", err)
	}
	if n := h.client.Calls(memoryclient.OpLeaveSession); n != 1 {
		t.Fatalf("expected exactly one leave call, got %d", n)
	}
	h.assertState(t, StateLeft)

	var stateErr *InvalidStateError
	if err := h.ctrl.LeaveSession(context.Background()); !errors.As(err, &stateErr) {
		t.Fatalf("expected InvalidStateError after leaving, got %v", err)
	}
}

func TestExpirationAfterLeaveIsNoop(t *testing.T) {
	h := newHarness(t)
	h.join(t)
	if err := h.ctrl.LeaveSession(context.Background()); err != nil {
		t.Fatal(err)
	}
	updates := h.sink.Updates()

	h.ctrl.OnExpiration()

	h.assertState(t, StateLeft)
	if h.sink.Updates() != updates || len(h.sink.Notices()) != 0 {
		t.Fatal("expiration after leave must have no observable effect")
	}
}

func TestExpirationPush(t *testing.T) {
	h := newHarness(t)
	sess := h.join(t)

	if err := h.client.Expire(sess.ID); err != nil {
		t.Fatal(err)
	}
	waitForState(t, h.ctrl, StateExpired)

	h.assertEnabled(t, affordance.Create)
	h.assertRef(t)
	if got := h.sink.Notices(); !slices.Equal(got, []string{DefaultExpiredNotice}) {
		t.Fatalf("expected one expiration notice, got %v", got)
	}

	h.ctrl.OnExpiration()
	if len(h.sink.Notices()) != 1 {
		t.Fatal("expiration must be idempotent")
	}

	h.create(t)
	h.assertState(t, StateCreated)
}

func TestExpirationDuringJoinDiscardsSuccess(t *testing.T) {
	h := newHarness(t)
	h.create(t)

	hold := h.client.Block(memoryclient.OpJoinSession)
	done := make(chan error, 1)
	go func() { done <- h.ctrl.JoinSession(context.Background()) }()
	<-hold.Entered()

	h.ctrl.OnExpiration()
	h.assertState(t, StateExpired)
	hold.Release()

	if err := <-done; !errors.Is(err, ErrResultDiscarded) {
		t.Fatalf("expected ErrResultDiscarded, got %v", err)
	}
	h.assertState(t, StateExpired)
	h.assertEnabled(t, affordance.Create)
	h.assertRef(t)
	if h.metrics.count(MetricDiscardedResults) != 1 {
		t.Fatal("expected the discarded result to be counted")
	}
}

func TestRemoteExpirationDuringJoin(t *testing.T) {
	h := newHarness(t)
	sess := h.create(t)

	hold := h.client.Block(memoryclient.OpJoinSession)
	done := make(chan error, 1)
	go func() { done <- h.ctrl.JoinSession(context.Background()) }()
	<-hold.Entered()

	if err := h.client.Expire(sess.ID); err != nil {
		t.Fatal(err)
	}
	waitForState(t, h.ctrl, StateExpired)
	hold.Release()

	if err := <-done; !errors.Is(err, sessions.ErrSessionExpired) {
		t.Fatalf("expected the remote failure to be returned, got %v", err)
	}
	h.assertState(t, StateExpired)
	h.assertRef(t)
}

func TestExpirationWhileCreating(t *testing.T) {
	h := newHarness(t)
	hold := h.client.Block(memoryclient.OpCreateSession)
	done := make(chan error, 1)
	go func() {
		_, err := h.ctrl.CreateSession(context.Background(), validSpec())
		done <- err
	}()
	<-hold.Entered()

	h.ctrl.OnExpiration()
	hold.Release()

	if err := <-done; !errors.Is(err, ErrResultDiscarded) {
		t.Fatalf("expected ErrResultDiscarded, got %v", err)
	}
	h.assertState(t, StateExpired)
	h.assertRef(t)
	if h.ctrl.Session() != nil {
		t.Fatal("a discarded create must not own a session")
	}
}

func TestDiscardedCreateLogsSessionID(t *testing.T) {
	h := newHarness(t)
	var logs syncBuffer
	_ = h.ctrl.Close()
	h.ctrl = h.newController(WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))

	hold := h.client.Block(memoryclient.OpCreateSession)
	done := make(chan error, 1)
	go func() {
		_, err := h.ctrl.CreateSession(context.Background(), validSpec())
		done <- err
	}()
	<-hold.Entered()
	h.ctrl.OnExpiration()
	hold.Release()
	if err := <-done; !errors.Is(err, ErrResultDiscarded) {
		t.Fatalf("expected ErrResultDiscarded, got %v", err)
	}

	out := logs.String()
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "created session discarded") {
		t.Fatalf("expected a warning for the discarded session:\n%s", out)
	}
	if !sessionIDAttr.MatchString(out) {
		t.Fatalf("expected the discarded session id in the log:\n%s", out)
	}
}

var sessionIDAttr = regexp.MustCompile(`session_id=[0-9a-f-]{36}`)

func TestSubscriptionErrorResubscribes(t *testing.T) {
	h := newHarness(t)
	flaky := &flakySubscriber{Client: h.client, failures: 3}
	_ = h.ctrl.Close()
	h.ctrl = New(flaky, h.store, h.gate, h.sink,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithMetrics(h.metrics),
		WithResubscribeBackoff(time.Millisecond, 5*time.Millisecond),
	)

	sess := h.create(t)
	deadline := time.Now().Add(2 * time.Second)
	for flaky.calls() <= 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if n := flaky.calls(); n <= 3 {
		t.Fatalf("expected a subscription after the failures, got %d attempts", n)
	}

	if err := h.client.Expire(sess.ID); err != nil {
		t.Fatal(err)
	}
	waitForState(t, h.ctrl, StateExpired)
	h.assertRef(t)
	if got := h.metrics.count(MetricResubscribes); got != 3 {
		t.Fatalf("expected 3 resubscribes, got %d", got)
	}
}

func TestSubscriptionErrorPastExpirationDate(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	h := newHarness(t)
	flaky := &flakySubscriber{Client: h.client, failures: -1}
	_ = h.ctrl.Close()
	h.ctrl = New(flaky, h.store, h.gate, h.sink,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithClock(clock.Now),
		WithResubscribeBackoff(time.Millisecond, 5*time.Millisecond),
	)

	h.create(t)
	clock.Advance(2 * time.Hour)

	waitForState(t, h.ctrl, StateExpired)
	h.assertRef(t)
	h.assertEnabled(t, affordance.Create)
	if _, err := h.ctrl.CreateSession(context.Background(), sessions.Spec{
		Name:           "Later",
		Destination:    sessions.Destination{ID: "dest-2"},
		ExpirationDate: clock.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("create after expiration: %v", err)
	}
}

func TestResumeWithoutReference(t *testing.T) {
	h := newHarness(t)
	if err := h.ctrl.Resume(context.Background()); err != nil {
		t.Fatalf("resume: %v", err)
	}
	h.assertState(t, StateNoSession)
	h.assertEnabled(t, affordance.Create)
	if h.client.Calls(memoryclient.OpFindSession) != 0 {
		t.Fatal("no lookup expected without a persisted reference")
	}
}

func TestResumeRestoresSession(t *testing.T) {
	tests := []struct {
		name string
		join bool
		want State
		en   []affordance.Action
	}{
		{"created", false, StateCreated, []affordance.Action{affordance.Join, affordance.Leave}},
		{"joined", true, StateJoined, []affordance.Action{affordance.Invite, affordance.Leave}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			sess := h.create(t)
			if tt.join {
				if err := h.ctrl.JoinSession(context.Background()); err != nil {
					t.Fatal(err)
				}
			}
			_ = h.ctrl.Close()

			h.sink = affordance.NewRecorder()
			h.ctrl = h.newController()
			if err := h.ctrl.Resume(context.Background()); err != nil {
				t.Fatalf("resume: %v", err)
			}
			h.assertState(t, tt.want)
			h.assertEnabled(t, tt.en...)
			h.assertRef(t)
			if got := h.ctrl.Session(); got == nil || got.ID != sess.ID {
				t.Fatalf("expected session %q, got %+v", sess.ID, got)
			}

			// The restored session is watched for expiration.
			if err := h.client.Expire(sess.ID); err != nil {
				t.Fatal(err)
			}
			waitForState(t, h.ctrl, StateExpired)
			h.assertRef(t)
		})
	}
}

func TestResumeExpiredSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.client.RegisterUser(ctx, DefaultProfile); err != nil {
		t.Fatal(err)
	}
	sess, err := h.client.CreateSession(ctx, validSpec())
	if err != nil {
		t.Fatal(err)
	}
	if err := h.client.Expire(sess.ID); err != nil {
		t.Fatal(err)
	}
	if err := h.store.Set(ctx, storage.SessionIDKey, sess.ID); err != nil {
		t.Fatal(err)
	}

	if err := h.ctrl.Resume(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}
	h.assertState(t, StateNoSession)
	h.assertEnabled(t, affordance.Create)
	if _, ok := h.storedRef(t); ok {
		t.Fatal("expected the persisted reference to be cleared")
	}
}

func TestResumeDisablesAffordancesDuringLookup(t *testing.T) {
	h := newHarness(t)
	h.create(t)
	_ = h.ctrl.Close()

	h.sink = affordance.NewRecorder()
	h.sink.SetEnabled(affordance.Create, true)
	h.ctrl = h.newController()
	hold := h.client.Block(memoryclient.OpFindSession)
	done := make(chan error, 1)
	go func() { done <- h.ctrl.Resume(context.Background()) }()
	<-hold.Entered()

	h.assertEnabled(t)
	var conflict *ConflictingOperationError
	if _, err := h.ctrl.CreateSession(context.Background(), validSpec()); !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictingOperationError, got %v", err)
	}

	hold.Release()
	if err := <-done; err != nil {
		t.Fatalf("resume: %v", err)
	}
	h.assertEnabled(t, affordance.Join, affordance.Leave)
}

func TestResumeUnknownSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.store.Set(ctx, storage.SessionIDKey, "gone"); err != nil {
		t.Fatal(err)
	}
	if err := h.ctrl.Resume(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}
	h.assertState(t, StateNoSession)
	h.assertRef(t)
}

func TestResumeTransientFailureKeepsReference(t *testing.T) {
	h := newHarness(t)
	sess := h.create(t)
	_ = h.ctrl.Close()

	h.sink = affordance.NewRecorder()
	h.ctrl = h.newController()
	h.client.FailNext(memoryclient.OpFindSession, errBoom)

	err := h.ctrl.Resume(context.Background())
	var lookup *LookupTransientFailureError
	if !errors.As(err, &lookup) || lookup.SessionID != sess.ID || !errors.Is(err, errBoom) {
		t.Fatalf("expected LookupTransientFailureError, got %v", err)
	}
	h.assertState(t, StateNoSession)
	if id, ok := h.storedRef(t); !ok || id != sess.ID {
		t.Fatal("the persisted reference must survive a transient failure")
	}
	if got := h.sink.Notices(); !slices.Equal(got, []string{DefaultFailureNotice}) {
		t.Fatalf("expected a failure notice, got %v", got)
	}

	if err := h.ctrl.Resume(context.Background()); err != nil {
		t.Fatalf("retry resume: %v", err)
	}
	h.assertState(t, StateCreated)
}

func TestResumeRejectedWhileOwned(t *testing.T) {
	h := newHarness(t)
	h.create(t)
	var stateErr *InvalidStateError
	if err := h.ctrl.Resume(context.Background()); !errors.As(err, &stateErr) {
		t.Fatalf("expected InvalidStateError, got %v", err)
	}
}

func TestReferenceInvariantAcrossLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.assertRef(t)

	h.create(t)
	h.assertRef(t)
	if err := h.ctrl.JoinSession(ctx); err != nil {
		t.Fatal(err)
	}
	h.assertRef(t)
	if _, err := h.ctrl.InviteParticipant(ctx, sessions.Invitee{Name: "Sam", Email: "sam@example.com"}); err != nil {
		t.Fatal(err)
	}
	h.assertRef(t)
	if err := h.ctrl.LeaveSession(ctx); err != nil {
		t.Fatal(err)
	}
	h.assertRef(t)

	h.create(t)
	h.assertRef(t)
	h.ctrl.OnExpiration()
	h.assertRef(t)
}

func TestStorageFailureKeepsTransition(t *testing.T) {
	h := newHarness(t)
	failing := &failingStore{Store: h.store, setErr: errBoom}
	h.ctrl = New(h.client, failing, h.gate, h.sink, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	sess, err := h.ctrl.CreateSession(context.Background(), validSpec())
	var storeErr *StorageError
	if !errors.As(err, &storeErr) || storeErr.Op != "persist" {
		t.Fatalf("expected StorageError, got %v", err)
	}
	if sess == nil {
		t.Fatal("expected the created session to be returned")
	}
	h.assertState(t, StateCreated)
}

func TestConcurrentOperationsSerialize(t *testing.T) {
	h := newHarness(t)
	h.create(t)

	hold := h.client.Block(memoryclient.OpJoinSession)
	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- h.ctrl.JoinSession(context.Background())
		}()
	}
	<-hold.Entered()
	hold.Release()
	wg.Wait()
	close(errs)

	var ok, rejected int
	for err := range errs {
		switch KindOf(err) {
		case KindNone:
			ok++
		case KindConflictingOperation, KindInvalidState:
			rejected++
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if ok != 1 || rejected != n-1 {
		t.Fatalf("expected one join to win, got ok=%d rejected=%d", ok, rejected)
	}
	h.assertState(t, StateJoined)
}

func TestContextCancellationRollsBack(t *testing.T) {
	h := newHarness(t)
	h.create(t)

	hold := h.client.Block(memoryclient.OpJoinSession)
	defer hold.Release()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.ctrl.JoinSession(ctx) }()
	<-hold.Entered()
	cancel()

	if err := <-done; KindOf(err) != KindRemote || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected remote cancellation, got %v", err)
	}
	h.assertState(t, StateCreated)
}

func TestClose(t *testing.T) {
	h := newHarness(t)
	if err := h.ctrl.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := h.ctrl.CreateSession(context.Background(), validSpec()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := h.ctrl.Close(); err != nil {
		t.Fatal("close must be idempotent")
	}
}

func TestMetricsRecorded(t *testing.T) {
	h := newHarness(t)
	h.join(t)
	h.client.FailNext(memoryclient.OpLeaveSession, errBoom)
	_ = h.ctrl.LeaveSession(context.Background())

	if h.metrics.count(MetricTransitions) == 0 {
		t.Fatal("expected transitions to be counted")
	}
	if h.metrics.count(MetricOperationDuration) < 3 {
		t.Fatal("expected create, join and leave latencies")
	}
	if !slices.Contains(h.metrics.errorKinds(), string(KindRemote)) {
		t.Fatalf("expected a remote error to be counted, got %v", h.metrics.errorKinds())
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{nil, KindNone},
		{&InvalidConfigurationError{Field: "name"}, KindInvalidConfiguration},
		{&CapabilityDeniedError{Capability: capability.Location}, KindCapabilityDenied},
		{&RemoteError{Op: OpJoin, Err: errBoom}, KindRemote},
		{&ConflictingOperationError{Op: OpLeave, InFlight: OpLeave}, KindConflictingOperation},
		{&LookupTransientFailureError{SessionID: "x", Err: &RemoteError{Op: OpRegister, Err: errBoom}}, KindLookupTransientFailure},
		{&InvalidStateError{Op: OpJoin, State: StateLeft}, KindInvalidState},
		{&StorageError{Op: "persist", Err: errBoom}, KindStorage},
		{ErrResultDiscarded, KindDiscarded},
		{errBoom, KindUnknown},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Errorf("KindOf(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// flakySubscriber fails the first failures expiration subscriptions, or all
// of them when failures is negative.
type flakySubscriber struct {
	*memoryclient.Client

	mu       sync.Mutex
	failures int
	attempts int
}

func (f *flakySubscriber) SubscribeExpiration(ctx context.Context, sessionID string, handler sessions.ExpirationHandler) error {
	f.mu.Lock()
	f.attempts++
	fail := f.failures < 0 || f.attempts <= f.failures
	f.mu.Unlock()
	if fail {
		return errors.New("connection reset")
	}
	return f.Client.SubscribeExpiration(ctx, sessionID, handler)
}

func (f *flakySubscriber) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type failingStore struct {
	storage.Store
	setErr error
}

func (s *failingStore) Set(ctx context.Context, key, value string) error {
	if s.setErr != nil {
		return s.setErr
	}
	return s.Store.Set(ctx, key, value)
}

type recordingMetrics struct {
	mu     sync.Mutex
	counts map[string]int
	kinds  []string
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{counts: make(map[string]int)}
}

func (m *recordingMetrics) IncCounter(name string, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[name]++
	if name == MetricOperationErrors {
		m.kinds = append(m.kinds, tags["kind"])
	}
}

func (m *recordingMetrics) ObserveHistogram(name string, _ float64, _ map[string]string) {
	m.mu.Lock()
	m.counts[name]++
	m.mu.Unlock()
}

func (m *recordingMetrics) count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[name]
}

func (m *recordingMetrics) errorKinds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.kinds)
}

var _ MetricsSink = (*recordingMetrics)(nil)
