// Package controller drives the lifecycle of the single location-sharing
// session a host owns: creating it, joining it behind the location
// capability, inviting others, leaving it, and reacting to its expiration.
//
// The lifecycle itself is the pure Machine. Controller wraps it with the
// remote client, the persisted session reference, the capability gate and the
// affordance sink, and guarantees that results of remote calls are only
// applied while they still belong to the current session and operation.
package controller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/ggoodman/locshare-go/affordance"
	"github.com/ggoodman/locshare-go/capability"
	"github.com/ggoodman/locshare-go/internal/logctx"
	"github.com/ggoodman/locshare-go/sessions"
	"github.com/ggoodman/locshare-go/storage"
)

// Controller is safe for concurrent use. Operations block until the remote
// call completes; at most one operation is in flight at a time and others are
// rejected with *ConflictingOperationError.
type Controller struct {
	client  sessions.Client
	store   storage.Store
	gate    capability.Gate
	sink    affordance.Sink
	machine Machine
	cfg     config
	log     *slog.Logger

	mu          sync.Mutex
	snap        Snapshot
	session     *sessions.Session
	inflight    *operation
	seq         uint64
	registered  bool
	closed      bool
	watchCancel context.CancelFunc

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
}

// operation tags an in-flight remote call. A completion is applied only if
// its tag is still the controller's current one.
type operation struct {
	seq       uint64
	op        Op
	sessionID string
	started   time.Time
}

// New creates a controller in the NoSession state. A nil gate grants every
// capability; a nil sink discards affordance updates. Call Resume to pick up
// a previously persisted session.
func New(client sessions.Client, store storage.Store, gate capability.Gate, sink affordance.Sink, opts ...Option) *Controller {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.applyDefaults()

	if sink == nil {
		sink = affordance.Multi()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		client:     client,
		store:      store,
		gate:       gate,
		sink:       sink,
		machine:    Machine{Invitations: cfg.invitations, InviteBeforeJoin: cfg.inviteBeforeJoin},
		cfg:        cfg,
		log:        logctx.Wrap(cfg.logger),
		snap:       Snapshot{State: StateNoSession, Rollback: StateNoSession},
		baseCtx:    ctx,
		baseCancel: cancel,
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap.State
}

// Session returns a copy of the owned session, or nil.
func (c *Controller) Session() *sessions.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	s := *c.session
	return &s
}

// Resume restores a session persisted by an earlier controller. It must be
// called from NoSession. Every affordance is disabled until the lookup
// resolves. When the persisted reference is absent nothing changes beyond
// publishing the initial affordances. When the session no
// longer exists or has expired the reference is cleared. When the lookup
// fails the reference is kept, a failure notice is emitted and a
// *LookupTransientFailureError is returned.
func (c *Controller) Resume(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return c.reject(ctx, OpResume, ErrClosed)
	}
	if c.inflight != nil {
		err := &ConflictingOperationError{Op: OpResume, InFlight: c.inflight.op}
		c.mu.Unlock()
		return c.reject(ctx, OpResume, err)
	}
	if _, _, err := c.machine.Transition(c.snap, EventStart); err != nil {
		c.mu.Unlock()
		return c.reject(ctx, OpResume, err)
	}
	c.disableAffordancesLocked()
	o := c.startLocked(OpResume, "")
	c.mu.Unlock()

	ctx = c.opContext(ctx, o)
	c.log.DebugContext(ctx, "resuming persisted session")

	id, ok, err := c.store.Get(ctx, storage.SessionIDKey)
	if err != nil {
		c.settle(ctx, o)
		c.log.ErrorContext(ctx, "failed to read persisted session reference", slog.Any("err", err))
		return c.recordFailure(o, &StorageError{Op: "read", Err: err})
	}
	if !ok || id == "" {
		c.settle(ctx, o)
		c.log.DebugContext(ctx, "no persisted session")
		c.observe(o, "ok")
		return nil
	}

	var sess *sessions.Session
	err = c.ensureRegistered(ctx)
	if err == nil {
		sess, err = c.client.FindSession(ctx, id)
	}
	if err != nil {
		if c.settle(ctx, o) {
			c.sink.Notify(c.cfg.failureNotice)
		}
		c.log.WarnContext(ctx, "persisted session lookup failed; keeping reference",
			slog.String("session_id", id), slog.Any("err", err))
		return c.recordFailure(o, &LookupTransientFailureError{SessionID: id, Err: err})
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if sess == nil || sess.Expired(c.cfg.now()) {
		c.log.InfoContext(ctx, "persisted session is gone; clearing reference", slog.String("session_id", id))
		err := c.completeLocked(ctx, o, EventResumeGone, nil)
		return c.recordResult(o, err)
	}

	ev := EventResumedCreated
	if sess.Joined {
		ev = EventResumedJoined
	}
	err = c.completeLocked(ctx, o, ev, func() {
		s := *sess
		s.ID = id
		c.session = &s
	})
	return c.recordResult(o, err)
}

// CreateSession validates spec, registers the configured profile if this
// controller has not done so yet, and creates a session. It is allowed from
// NoSession, Left and Expired. On success the session is persisted and
// watched for expiration. A non-nil session may be returned together with a
// *StorageError when the session was created but could not be persisted.
func (c *Controller) CreateSession(ctx context.Context, spec sessions.Spec) (*sessions.Session, error) {
	if err := spec.Validate(c.cfg.now()); err != nil {
		return nil, c.reject(ctx, OpCreate, invalidConfiguration(err))
	}

	c.mu.Lock()
	c.lapseLocked(ctx)
	o, err := c.beginLocked(ctx, OpCreate, EventCreateRequested, "")
	if err == nil {
		c.stopWatchLocked()
		c.session = nil
	}
	c.mu.Unlock()
	if err != nil {
		return nil, c.reject(ctx, OpCreate, err)
	}

	ctx = c.opContext(ctx, o)
	c.log.DebugContext(ctx, "creating session", slog.String("name", spec.Name))

	if err := c.ensureRegistered(ctx); err != nil {
		return nil, c.fail(ctx, o, EventCreateFailed, err)
	}

	sess, err := c.client.CreateSession(ctx, spec)
	if err != nil {
		return nil, c.fail(ctx, o, EventCreateFailed, &RemoteError{Op: OpCreate, Err: err})
	}
	if sess == nil || sess.ID == "" {
		return nil, c.fail(ctx, o, EventCreateFailed, &RemoteError{Op: OpCreate, Err: errors.New("service returned no session identifier")})
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	err = c.completeLocked(ctx, o, EventCreateSucceeded, func() {
		s := *sess
		c.session = &s
	})
	if errors.Is(err, ErrResultDiscarded) {
		c.log.WarnContext(ctx, "created session discarded; it is no longer owned",
			slog.String("session_id", sess.ID), slog.String("state", c.snap.State.String()))
		return nil, c.recordResult(o, err)
	}
	out := *c.session
	return &out, c.recordResult(o, err)
}

// JoinSession joins the owned session. The location capability is checked
// first and requested when not already granted; if it is still not granted
// the join fails with *CapabilityDeniedError and no remote call is made.
// Joining an expired session is a silent no-op; a session whose expiration
// date passed without a notification is expired first.
func (c *Controller) JoinSession(ctx context.Context) error {
	c.mu.Lock()
	c.lapseLocked(ctx)
	if c.inflight == nil && c.expiredLocked() {
		c.mu.Unlock()
		c.log.DebugContext(ctx, "join ignored: session expired")
		return nil
	}
	o, err := c.beginLocked(ctx, OpJoin, EventJoinRequested, c.sessionIDLocked())
	c.mu.Unlock()
	if err != nil {
		return c.reject(ctx, OpJoin, err)
	}

	ctx = c.opContext(ctx, o)
	c.log.DebugContext(ctx, "joining session")

	if err := c.ensureLocation(ctx); err != nil {
		return c.fail(ctx, o, EventJoinFailed, err)
	}
	if err := c.ensureRegistered(ctx); err != nil {
		return c.fail(ctx, o, EventJoinFailed, err)
	}
	if err := c.client.JoinSession(ctx, o.sessionID); err != nil {
		return c.fail(ctx, o, EventJoinFailed, &RemoteError{Op: OpJoin, Err: err})
	}
	return c.succeed(ctx, o, EventJoinSucceeded, func() { c.session.Joined = true })
}

// InviteParticipant invites invitee into the owned session. It returns a nil
// invitation and a nil error when the session has already expired.
func (c *Controller) InviteParticipant(ctx context.Context, invitee sessions.Invitee) (*sessions.Invitation, error) {
	c.mu.Lock()
	c.lapseLocked(ctx)
	if c.inflight == nil && c.expiredLocked() {
		c.mu.Unlock()
		c.log.DebugContext(ctx, "invite ignored: session expired")
		return nil, nil
	}
	o, err := c.beginLocked(ctx, OpInvite, EventInviteRequested, c.sessionIDLocked())
	c.mu.Unlock()
	if err != nil {
		return nil, c.reject(ctx, OpInvite, err)
	}

	ctx = c.opContext(ctx, o)
	c.log.DebugContext(ctx, "inviting participant", slog.String("invitee", invitee.Name))

	if err := c.ensureRegistered(ctx); err != nil {
		return nil, c.fail(ctx, o, EventInviteFailed, err)
	}
	inv, err := c.client.InviteParticipant(ctx, o.sessionID, invitee)
	if err != nil {
		return nil, c.fail(ctx, o, EventInviteFailed, &RemoteError{Op: OpInvite, Err: err})
	}
	if err := c.succeed(ctx, o, EventInviteSucceeded, nil); err != nil {
		return nil, err
	}
	return inv, nil
}

// LeaveSession leaves the owned session and clears the persisted reference.
// Leaving an expired session is a silent no-op.
func (c *Controller) LeaveSession(ctx context.Context) error {
	c.mu.Lock()
	c.lapseLocked(ctx)
	if c.inflight == nil && c.expiredLocked() {
		c.mu.Unlock()
		c.log.DebugContext(ctx, "leave ignored: session expired")
		return nil
	}
	o, err := c.beginLocked(ctx, OpLeave, EventLeaveRequested, c.sessionIDLocked())
	c.mu.Unlock()
	if err != nil {
		return c.reject(ctx, OpLeave, err)
	}

	ctx = c.opContext(ctx, o)
	c.log.DebugContext(ctx, "leaving session")

	if err := c.ensureRegistered(ctx); err != nil {
		return c.fail(ctx, o, EventLeaveFailed, err)
	}
	if err := c.client.LeaveSession(ctx, o.sessionID); err != nil {
		return c.fail(ctx, o, EventLeaveFailed, &RemoteError{Op: OpLeave, Err: err})
	}
	return c.succeed(ctx, o, EventLeaveSucceeded, func() { c.session.Joined = false })
}

// OnExpiration applies an expiration notification for the owned session.
// Any in-flight operation's result will be discarded. It is idempotent and a
// no-op when no session is owned.
func (c *Controller) OnExpiration() {
	c.expire(c.baseCtx, "")
}

// Close stops the expiration watcher and rejects further operations.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.stopWatchLocked()
	c.mu.Unlock()

	c.baseCancel()
	c.wg.Wait()
	return nil
}

// handleExpiration is the sessions.ExpirationHandler for the watcher.
func (c *Controller) handleExpiration(ctx context.Context, sessionID string) {
	c.expire(ctx, sessionID)
}

func (c *Controller) expire(ctx context.Context, sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sessionID != "" && c.sessionIDLocked() != sessionID {
		c.log.DebugContext(ctx, "ignoring expiration of a session no longer owned", slog.String("session_id", sessionID))
		return
	}
	c.expireLocked(ctx)
}

// lapseLocked expires the owned session once its expiration date has passed,
// for when the notification never arrived.
func (c *Controller) lapseLocked(ctx context.Context) {
	if c.inflight != nil || !c.snap.State.Owned() || c.session == nil || !c.session.Expired(c.cfg.now()) {
		return
	}
	c.log.InfoContext(ctx, "expiration date passed without notification", slog.String("session_id", c.session.ID))
	c.expireLocked(ctx)
}

func (c *Controller) expireLocked(ctx context.Context) {
	next, effects, err := c.machine.Transition(c.snap, EventExpired)
	if err != nil || len(effects) == 0 {
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{Op: string(OpExpire), SessionID: c.sessionIDLocked(), State: c.snap.State.String()})
	if c.inflight != nil {
		c.log.WarnContext(ctx, "session expired with operation in flight", slog.String("in_flight", string(c.inflight.op)))
		c.inflight = nil
	}
	if err := c.applyLocked(ctx, EventExpired, next, effects); err != nil {
		c.cfg.metrics.IncCounter(MetricOperationErrors, map[string]string{"op": string(OpExpire), "kind": string(KindOf(err))})
	}
}

// ensureRegistered registers the configured profile once per controller.
func (c *Controller) ensureRegistered(ctx context.Context) error {
	c.mu.Lock()
	registered := c.registered
	c.mu.Unlock()
	if registered {
		return nil
	}
	if err := c.client.RegisterUser(ctx, c.cfg.profile); err != nil {
		return &RemoteError{Op: OpRegister, Err: err}
	}
	c.mu.Lock()
	c.registered = true
	c.mu.Unlock()
	return nil
}

func (c *Controller) ensureLocation(ctx context.Context) error {
	if c.gate == nil {
		return nil
	}
	status, err := c.gate.Check(ctx, capability.Location)
	if err != nil {
		return &CapabilityDeniedError{Capability: capability.Location, Err: err}
	}
	if status == capability.Granted {
		return nil
	}
	c.log.DebugContext(ctx, "requesting capability", slog.String("capability", string(capability.Location)), slog.String("status", status.String()))
	status, err = c.gate.Request(ctx, capability.Location)
	if err != nil {
		return &CapabilityDeniedError{Capability: capability.Location, Err: err}
	}
	if status != capability.Granted {
		return &CapabilityDeniedError{Capability: capability.Location, Status: status}
	}
	return nil
}

// beginLocked moves the machine into the transient state for op and tags a
// new in-flight operation.
func (c *Controller) beginLocked(ctx context.Context, op Op, ev Event, sessionID string) (*operation, error) {
	if c.closed {
		return nil, ErrClosed
	}
	if c.inflight != nil {
		return nil, &ConflictingOperationError{Op: op, InFlight: c.inflight.op}
	}
	next, effects, err := c.machine.Transition(c.snap, ev)
	if err != nil {
		return nil, err
	}
	// Entering a transient state only updates affordances.
	_ = c.applyLocked(ctx, ev, next, effects)
	return c.startLocked(op, sessionID), nil
}

func (c *Controller) startLocked(op Op, sessionID string) *operation {
	c.seq++
	c.inflight = &operation{seq: c.seq, op: op, sessionID: sessionID, started: time.Now()}
	return c.inflight
}

func (c *Controller) currentLocked(o *operation) bool {
	return c.inflight != nil && c.inflight.seq == o.seq && c.sessionIDLocked() == o.sessionID
}

// completeLocked applies the completion event of o when o is still current.
// mutate runs just before the transition to update the owned session.
func (c *Controller) completeLocked(ctx context.Context, o *operation, ev Event, mutate func()) error {
	if !c.currentLocked(o) {
		return c.discardLocked(ctx, o, ev)
	}
	next, effects, err := c.machine.Transition(c.snap, ev)
	if err != nil {
		return c.discardLocked(ctx, o, ev)
	}
	c.inflight = nil
	if mutate != nil {
		mutate()
	}
	return c.applyLocked(ctx, ev, next, effects)
}

func (c *Controller) discardLocked(ctx context.Context, o *operation, ev Event) error {
	c.log.WarnContext(ctx, "discarding stale result", slog.String("event", ev.String()), slog.String("state", c.snap.State.String()))
	c.cfg.metrics.IncCounter(MetricDiscardedResults, map[string]string{"op": string(o.op)})
	return ErrResultDiscarded
}

// settle ends a resume that restored nothing and publishes the NoSession
// affordances. It reports whether o was still current.
func (c *Controller) settle(ctx context.Context, o *operation) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.currentLocked(o) {
		return false
	}
	c.inflight = nil
	if next, effects, err := c.machine.Transition(c.snap, EventStart); err == nil {
		_ = c.applyLocked(ctx, EventStart, next, effects)
	}
	return true
}

func (c *Controller) succeed(ctx context.Context, o *operation, ev Event, mutate func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recordResult(o, c.completeLocked(ctx, o, ev, mutate))
}

// fail rolls back o and returns cause. A stale failure is not applied but
// cause is still returned to the caller.
func (c *Controller) fail(ctx context.Context, o *operation, ev Event, cause error) error {
	c.mu.Lock()
	if c.currentLocked(o) {
		c.log.WarnContext(ctx, "operation failed; rolling back", slog.Any("err", cause))
	}
	_ = c.completeLocked(ctx, o, ev, nil)
	c.mu.Unlock()
	return c.recordFailure(o, cause)
}

func (c *Controller) reject(ctx context.Context, op Op, err error) error {
	c.log.DebugContext(ctx, "operation rejected", slog.String("op", string(op)), slog.Any("err", err))
	c.cfg.metrics.IncCounter(MetricOperationErrors, map[string]string{"op": string(op), "kind": string(KindOf(err))})
	return err
}

func (c *Controller) recordResult(o *operation, err error) error {
	if err == nil {
		c.observe(o, "ok")
		return nil
	}
	return c.recordFailure(o, err)
}

func (c *Controller) recordFailure(o *operation, err error) error {
	kind := KindOf(err)
	outcome := "error"
	if kind == KindDiscarded {
		outcome = "discarded"
	}
	c.observe(o, outcome)
	c.cfg.metrics.IncCounter(MetricOperationErrors, map[string]string{"op": string(o.op), "kind": string(kind)})
	return err
}

func (c *Controller) observe(o *operation, outcome string) {
	c.cfg.metrics.ObserveHistogram(MetricOperationDuration, time.Since(o.started).Seconds(), map[string]string{"op": string(o.op), "outcome": outcome})
}

// moveLocked records a state change without running effects.
func (c *Controller) moveLocked(ev Event, next Snapshot) {
	prev := c.snap.State
	c.snap = next
	if prev != next.State {
		c.cfg.metrics.IncCounter(MetricTransitions, map[string]string{"from": prev.String(), "to": next.State.String(), "event": ev.String()})
	}
}

// applyLocked moves to next and runs effects in order. Store failures are
// logged and returned joined; the transition itself is never undone.
func (c *Controller) applyLocked(ctx context.Context, ev Event, next Snapshot, effects []Effect) error {
	prev := c.snap.State
	c.moveLocked(ev, next)
	if prev != next.State {
		level := slog.LevelInfo
		if next.State.Transient() {
			level = slog.LevelDebug
		}
		c.log.Log(ctx, level, "session state changed", slog.String("from", prev.String()), slog.String("to", next.State.String()))
	}

	storeCtx := context.WithoutCancel(ctx)
	var errs []error
	for _, eff := range effects {
		switch eff {
		case EffectPersistRef:
			if c.session == nil {
				continue
			}
			if err := c.store.Set(storeCtx, storage.SessionIDKey, c.session.ID); err != nil {
				c.log.ErrorContext(ctx, "failed to persist session reference", slog.Any("err", err))
				errs = append(errs, &StorageError{Op: "persist", Err: err})
			}
		case EffectClearRef:
			if err := c.store.Clear(storeCtx); err != nil {
				c.log.ErrorContext(ctx, "failed to clear session reference", slog.Any("err", err))
				errs = append(errs, &StorageError{Op: "clear", Err: err})
			}
		case EffectSyncAffordances:
			c.syncAffordancesLocked(next.State)
		case EffectNotifyExpired:
			c.sink.Notify(c.cfg.expiredNotice)
		case EffectWatchExpiration:
			if c.session != nil {
				c.watchLocked(*c.session)
			}
		case EffectStopWatch:
			c.stopWatchLocked()
		}
	}
	return errors.Join(errs...)
}

func (c *Controller) syncAffordancesLocked(s State) {
	for _, a := range affordance.Actions {
		c.sink.SetEnabled(a, c.machine.Allows(s, a))
	}
}

func (c *Controller) disableAffordancesLocked() {
	for _, a := range affordance.Actions {
		c.sink.SetEnabled(a, false)
	}
}

func (c *Controller) watchLocked(sess sessions.Session) {
	c.stopWatchLocked()
	if c.closed {
		return
	}
	ctx, cancel := context.WithCancel(c.baseCtx)
	c.watchCancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.watch(ctx, sess.ID, sess.ExpirationDate)
	}()
}

// watch subscribes to the expiration of sessionID and resubscribes with
// exponential backoff when the subscription fails. A session the service no
// longer knows, or whose expiration date passed while unsubscribed, is
// expired locally.
func (c *Controller) watch(ctx context.Context, sessionID string, expiresAt time.Time) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.resubscribeInitial
	b.MaxInterval = c.cfg.resubscribeMax
	b.Reset()

	for {
		err := c.client.SubscribeExpiration(ctx, sessionID, c.handleExpiration)
		if err == nil || ctx.Err() != nil {
			return
		}
		if errors.Is(err, sessions.ErrSessionNotFound) || !c.cfg.now().Before(expiresAt) {
			c.log.WarnContext(ctx, "expiration subscription failed; expiring locally",
				slog.String("session_id", sessionID), slog.Any("err", err))
			c.expire(ctx, sessionID)
			return
		}

		wait := b.NextBackOff()
		c.log.WarnContext(ctx, "expiration subscription failed; resubscribing",
			slog.String("session_id", sessionID), slog.Any("err", err), slog.Duration("retry_in", wait))
		c.cfg.metrics.IncCounter(MetricResubscribes, nil)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (c *Controller) stopWatchLocked() {
	if c.watchCancel != nil {
		c.watchCancel()
		c.watchCancel = nil
	}
}

func (c *Controller) sessionIDLocked() string {
	if c.session == nil {
		return ""
	}
	return c.session.ID
}

// expiredLocked reports whether the owned session has expired, either by
// notification or because its expiration date has passed.
func (c *Controller) expiredLocked() bool {
	switch c.snap.State {
	case StateExpired:
		return true
	case StateNoSession, StateLeft:
		return false
	}
	return c.session != nil && c.session.Expired(c.cfg.now())
}

func (c *Controller) opContext(ctx context.Context, o *operation) context.Context {
	c.mu.Lock()
	state := c.snap.State.String()
	c.mu.Unlock()
	return logctx.WithSessionData(ctx, &logctx.SessionData{Op: string(o.op), SessionID: o.sessionID, State: state})
}

func invalidConfiguration(err error) error {
	var specErr *sessions.InvalidSpecError
	if errors.As(err, &specErr) {
		return &InvalidConfigurationError{Field: specErr.Field, Reason: specErr.Reason, Err: err}
	}
	return &InvalidConfigurationError{Reason: err.Error(), Err: err}
}
