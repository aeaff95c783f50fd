package memoryclient

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/locshare-go/sessions"
	"github.com/google/uuid"
)

// Op names a Client call for fault injection and call accounting.
type Op string

const (
	OpRegisterUser      Op = "register_user"
	OpCreateSession     Op = "create_session"
	OpFindSession       Op = "find_session"
	OpJoinSession       Op = "join_session"
	OpLeaveSession      Op = "leave_session"
	OpInviteParticipant Op = "invite_participant"
)

// Option configures a Client.
type Option func(*Client)

// WithClock overrides the time source used for expiration checks.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithInvitationBaseURL sets the prefix of invitation links.
// Default: "https://share.example.com/i/".
func WithInvitationBaseURL(base string) Option {
	return func(c *Client) {
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		c.baseURL = base
	}
}

// Client is an in-memory implementation of sessions.Client.
type Client struct {
	mu       sync.Mutex
	now      func() time.Time
	baseURL  string
	user     *sessions.Profile
	userID   string
	sessions map[string]*sessionData
	faults   map[Op][]error
	holds    map[Op]*Hold
	calls    map[Op]int
	closed   bool
}

type sessionData struct {
	sess        sessions.Session
	ownerID     string
	members     map[string]struct{}
	invitations []sessions.Invitation
	watchers    map[*watcher]struct{}
	timer       *time.Timer
}

type watcher struct {
	once  sync.Once
	fired chan struct{}
}

func (w *watcher) fire() {
	w.once.Do(func() { close(w.fired) })
}

// New constructs an empty Client.
func New(opts ...Option) *Client {
	c := &Client{
		now:      time.Now,
		baseURL:  "https://share.example.com/i/",
		sessions: make(map[string]*sessionData),
		faults:   make(map[Op][]error),
		holds:    make(map[Op]*Hold),
		calls:    make(map[Op]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// --- Test controls ---

// FailNext queues err as the result of the next call of op. Multiple queued
// errors are returned in order.
func (c *Client) FailNext(op Op, err error) {
	c.mu.Lock()
	c.faults[op] = append(c.faults[op], err)
	c.mu.Unlock()
}

// Calls returns how many times op has been invoked.
func (c *Client) Calls(op Op) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

// Hold parks calls of a single Op until released.
type Hold struct {
	entered     chan struct{}
	enteredOnce sync.Once
	released    chan struct{}
	releaseOnce sync.Once
}

// Entered is closed when the first call parks on the hold.
func (h *Hold) Entered() <-chan struct{} { return h.entered }

// Release lets every parked and future call proceed.
func (h *Hold) Release() {
	h.releaseOnce.Do(func() { close(h.released) })
}

// Block installs a Hold for op, replacing any previous one.
func (c *Client) Block(op Op) *Hold {
	h := &Hold{entered: make(chan struct{}), released: make(chan struct{})}
	c.mu.Lock()
	if prev, ok := c.holds[op]; ok {
		prev.Release()
	}
	c.holds[op] = h
	c.mu.Unlock()
	return h
}

// Expire invalidates a session server-side and notifies its subscribers.
// Expiring an already expired session is a no-op.
func (c *Client) Expire(sessionID string) error {
	c.mu.Lock()
	sd, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return sessions.ErrSessionNotFound
	}
	watchers := c.invalidateLocked(sd)
	c.mu.Unlock()

	for _, w := range watchers {
		w.fire()
	}
	return nil
}

// Delete removes a session entirely, as if the service purged it.
func (c *Client) Delete(sessionID string) {
	c.mu.Lock()
	sd, ok := c.sessions[sessionID]
	var watchers []*watcher
	if ok {
		watchers = c.invalidateLocked(sd)
		delete(c.sessions, sessionID)
	}
	c.mu.Unlock()

	for _, w := range watchers {
		w.fire()
	}
}

// Close stops expiration timers and releases all holds.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for _, sd := range c.sessions {
		if sd.timer != nil {
			sd.timer.Stop()
		}
	}
	for _, h := range c.holds {
		h.Release()
	}
	return nil
}

// --- sessions.Client ---

func (c *Client) RegisterUser(ctx context.Context, profile sessions.Profile) error {
	if err := c.before(ctx, OpRegisterUser); err != nil {
		return err
	}
	if strings.TrimSpace(profile.Name) == "" {
		return fmt.Errorf("register user: name is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	p := profile
	c.user = &p
	if c.userID == "" {
		c.userID = uuid.NewString()
	}
	return nil
}

func (c *Client) CreateSession(ctx context.Context, spec sessions.Spec) (*sessions.Session, error) {
	if err := c.before(ctx, OpCreateSession); err != nil {
		return nil, err
	}
	if err := spec.Validate(c.now()); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.user == nil {
		return nil, sessions.ErrUserNotRegistered
	}

	mode := spec.TrackingMode
	if mode == "" {
		mode = sessions.TrackingModeSmart
	}
	id := uuid.NewString()
	sd := &sessionData{
		sess: sessions.Session{
			ID:             id,
			Name:           spec.Name,
			Destination:    spec.Destination,
			TrackingMode:   mode,
			ExpirationDate: spec.ExpirationDate,
		},
		ownerID:  c.userID,
		members:  make(map[string]struct{}),
		watchers: make(map[*watcher]struct{}),
	}
	if !c.closed {
		sd.timer = time.AfterFunc(spec.ExpirationDate.Sub(c.now()), func() { _ = c.Expire(id) })
	}
	c.sessions[id] = sd

	out := sd.snapshotLocked(c.userID)
	return &out, nil
}

func (c *Client) FindSession(ctx context.Context, sessionID string) (*sessions.Session, error) {
	if err := c.before(ctx, OpFindSession); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	sd, ok := c.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	out := sd.snapshotLocked(c.userID)
	return &out, nil
}

func (c *Client) JoinSession(ctx context.Context, sessionID string) error {
	if err := c.before(ctx, OpJoinSession); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	sd, err := c.liveSessionLocked(sessionID)
	if err != nil {
		return err
	}
	sd.members[c.userID] = struct{}{}
	return nil
}

func (c *Client) LeaveSession(ctx context.Context, sessionID string) error {
	if err := c.before(ctx, OpLeaveSession); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	sd, err := c.liveSessionLocked(sessionID)
	if err != nil {
		return err
	}
	if !sd.participantLocked(c.userID) {
		return sessions.ErrNotJoined
	}
	delete(sd.members, c.userID)
	return nil
}

func (c *Client) InviteParticipant(ctx context.Context, sessionID string, invitee sessions.Invitee) (*sessions.Invitation, error) {
	if err := c.before(ctx, OpInviteParticipant); err != nil {
		return nil, err
	}
	if strings.TrimSpace(invitee.Email) == "" && strings.TrimSpace(invitee.Phone) == "" {
		return nil, fmt.Errorf("invite participant: email or phone is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	sd, err := c.liveSessionLocked(sessionID)
	if err != nil {
		return nil, err
	}
	if !sd.participantLocked(c.userID) {
		return nil, sessions.ErrNotJoined
	}
	inv := sessions.Invitation{
		SessionID: sessionID,
		Invitee:   invitee,
		URL:       c.baseURL + uuid.NewString(),
		CreatedAt: c.now(),
	}
	sd.invitations = append(sd.invitations, inv)
	return &inv, nil
}

func (c *Client) SubscribeExpiration(ctx context.Context, sessionID string, handler sessions.ExpirationHandler) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	sd, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return sessions.ErrSessionNotFound
	}
	if sd.sess.Expired(c.now()) {
		c.mu.Unlock()
		handler(ctx, sessionID)
		return nil
	}
	w := &watcher{fired: make(chan struct{})}
	sd.watchers[w] = struct{}{}
	c.mu.Unlock()

	select {
	case <-w.fired:
		handler(ctx, sessionID)
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(sd.watchers, w)
		c.mu.Unlock()
		return ctx.Err()
	}
}

// --- helpers ---

// before records the call, waits on any hold, and pops a queued fault.
func (c *Client) before(ctx context.Context, op Op) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	c.calls[op]++
	h := c.holds[op]
	c.mu.Unlock()

	if h != nil {
		h.enteredOnce.Do(func() { close(h.entered) })
		select {
		case <-h.released:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if q := c.faults[op]; len(q) > 0 {
		err := q[0]
		c.faults[op] = q[1:]
		return err
	}
	return nil
}

func (c *Client) liveSessionLocked(sessionID string) (*sessionData, error) {
	if c.user == nil {
		return nil, sessions.ErrUserNotRegistered
	}
	sd, ok := c.sessions[sessionID]
	if !ok {
		return nil, sessions.ErrSessionNotFound
	}
	if sd.sess.Expired(c.now()) {
		return nil, sessions.ErrSessionExpired
	}
	return sd, nil
}

// invalidateLocked marks the session invalidated and detaches its watchers
// so the caller can fire them without holding the lock.
func (c *Client) invalidateLocked(sd *sessionData) []*watcher {
	sd.sess.Invalidated = true
	if sd.timer != nil {
		sd.timer.Stop()
	}
	watchers := make([]*watcher, 0, len(sd.watchers))
	for w := range sd.watchers {
		watchers = append(watchers, w)
	}
	sd.watchers = make(map[*watcher]struct{})
	return watchers
}

func (sd *sessionData) participantLocked(userID string) bool {
	if sd.ownerID == userID {
		return true
	}
	_, ok := sd.members[userID]
	return ok
}

func (sd *sessionData) snapshotLocked(userID string) sessions.Session {
	out := sd.sess
	_, out.Joined = sd.members[userID]
	return out
}

// Ensure interface compliance
var _ sessions.Client = (*Client)(nil)
