package redisclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/locshare-go/sessions"
)

// Config for the Redis-backed client. Defaults can be loaded via envdecode.
type Config struct {
	// Client is the Redis client instance. When nil, New dials Addr.
	Client redis.UniversalClient

	// Addr like "localhost:6379". ENV: REDIS_ADDR
	Addr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: LOCSHARE_SESSIONS_PREFIX
	KeyPrefix string `env:"LOCSHARE_SESSIONS_PREFIX,default=locshare:sessions:"`
	// UserID pins the identity used for memberships so a restarted process
	// sees its earlier joins. Generated on first registration when empty.
	// ENV: LOCSHARE_USER_ID
	UserID string `env:"LOCSHARE_USER_ID"`
	// InvitationBaseURL prefixes invitation links.
	// ENV: LOCSHARE_INVITATION_BASE_URL
	InvitationBaseURL string `env:"LOCSHARE_INVITATION_BASE_URL,default=https://share.example.com/i/"`
	// Retention keeps expired sessions findable for this long past their
	// expiration date. ENV: LOCSHARE_SESSION_RETENTION
	Retention time.Duration `env:"LOCSHARE_SESSION_RETENTION,default=24h"`
	// PollInterval bounds how long a subscriber blocks on the events stream
	// before re-checking its context and the expiration date.
	PollInterval time.Duration `env:"LOCSHARE_SUBSCRIBE_POLL,default=500ms"`
}

func (c *Config) applyDefaults() {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "locshare:sessions:"
	}
	if c.InvitationBaseURL == "" {
		c.InvitationBaseURL = "https://share.example.com/i/"
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
}

// Client implements sessions.Client on Redis.
type Client struct {
	rdb       redis.UniversalClient
	ownClient bool
	cfg       Config
	now       func() time.Time

	mu     sync.Mutex
	userID string
}

type record struct {
	Session sessions.Session `json:"session"`
	OwnerID string           `json:"owner_id"`
}

// New creates a client and verifies connectivity.
func New(ctx context.Context, cfg Config) (*Client, error) {
	cfg.applyDefaults()

	rdb := cfg.Client
	own := false
	if rdb == nil {
		addr := cfg.Addr
		if addr == "" {
			addr = "localhost:6379"
		}
		rdb = redis.NewClient(&redis.Options{Addr: addr})
		own = true
	}
	if err := rdb.Ping(ctx).Err(); err != nil {
		if own {
			_ = rdb.Close()
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{rdb: rdb, ownClient: own, cfg: cfg, now: time.Now, userID: cfg.UserID}, nil
}

// NewFromEnv builds a Client using envdecode to populate Config.
func NewFromEnv(ctx context.Context) (*Client, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode redis client config: %w", err)
	}
	return New(ctx, cfg)
}

// Close closes the Redis client if New created it.
func (c *Client) Close() error {
	if c.ownClient {
		return c.rdb.Close()
	}
	return nil
}

// --- Key helpers ---

func (c *Client) sessionKey(id string) string { return c.cfg.KeyPrefix + "session:" + id }
func (c *Client) membersKey(id string) string { return c.cfg.KeyPrefix + "members:" + id }
func (c *Client) invitesKey(id string) string { return c.cfg.KeyPrefix + "invites:" + id }
func (c *Client) eventsKey(id string) string  { return c.cfg.KeyPrefix + "events:" + id }
func (c *Client) userKey(id string) string    { return c.cfg.KeyPrefix + "user:" + id }

func (c *Client) currentUser() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// --- sessions.Client ---

func (c *Client) RegisterUser(ctx context.Context, profile sessions.Profile) error {
	if strings.TrimSpace(profile.Name) == "" {
		return fmt.Errorf("register user: name is required")
	}
	c.mu.Lock()
	if c.userID == "" {
		c.userID = uuid.NewString()
	}
	userID := c.userID
	c.mu.Unlock()

	data, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	if err := c.rdb.Set(ctx, c.userKey(userID), data, 0).Err(); err != nil {
		return fmt.Errorf("register user: %w", err)
	}
	return nil
}

func (c *Client) CreateSession(ctx context.Context, spec sessions.Spec) (*sessions.Session, error) {
	if err := spec.Validate(c.now()); err != nil {
		return nil, err
	}
	userID := c.currentUser()
	if userID == "" {
		return nil, sessions.ErrUserNotRegistered
	}

	mode := spec.TrackingMode
	if mode == "" {
		mode = sessions.TrackingModeSmart
	}
	rec := record{
		Session: sessions.Session{
			ID:             uuid.NewString(),
			Name:           spec.Name,
			Destination:    spec.Destination,
			TrackingMode:   mode,
			ExpirationDate: spec.ExpirationDate,
		},
		OwnerID: userID,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode session: %w", err)
	}
	ok, err := c.rdb.SetNX(ctx, c.sessionKey(rec.Session.ID), data, c.ttl(rec.Session)).Result()
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("create session: identifier %s already in use", rec.Session.ID)
	}
	out := rec.Session
	return &out, nil
}

func (c *Client) FindSession(ctx context.Context, sessionID string) (*sessions.Session, error) {
	rec, err := c.load(ctx, sessionID)
	if errors.Is(err, sessions.ErrSessionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := rec.Session
	if userID := c.currentUser(); userID != "" {
		joined, err := c.rdb.SIsMember(ctx, c.membersKey(sessionID), userID).Result()
		if err != nil {
			return nil, fmt.Errorf("find session: %w", err)
		}
		out.Joined = joined
	}
	return &out, nil
}

func (c *Client) JoinSession(ctx context.Context, sessionID string) error {
	rec, userID, err := c.live(ctx, sessionID)
	if err != nil {
		return err
	}
	key := c.membersKey(sessionID)
	_, err = c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, key, userID)
		p.Expire(ctx, key, c.ttl(rec.Session))
		return nil
	})
	if err != nil {
		return fmt.Errorf("join session: %w", err)
	}
	return nil
}

func (c *Client) LeaveSession(ctx context.Context, sessionID string) error {
	rec, userID, err := c.live(ctx, sessionID)
	if err != nil {
		return err
	}
	removed, err := c.rdb.SRem(ctx, c.membersKey(sessionID), userID).Result()
	if err != nil {
		return fmt.Errorf("leave session: %w", err)
	}
	if removed == 0 && rec.OwnerID != userID {
		return sessions.ErrNotJoined
	}
	return nil
}

func (c *Client) InviteParticipant(ctx context.Context, sessionID string, invitee sessions.Invitee) (*sessions.Invitation, error) {
	if strings.TrimSpace(invitee.Email) == "" && strings.TrimSpace(invitee.Phone) == "" {
		return nil, fmt.Errorf("invite participant: email or phone is required")
	}
	rec, userID, err := c.live(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if rec.OwnerID != userID {
		member, err := c.rdb.SIsMember(ctx, c.membersKey(sessionID), userID).Result()
		if err != nil {
			return nil, fmt.Errorf("invite participant: %w", err)
		}
		if !member {
			return nil, sessions.ErrNotJoined
		}
	}

	inv := sessions.Invitation{
		SessionID: sessionID,
		Invitee:   invitee,
		URL:       c.cfg.InvitationBaseURL + uuid.NewString(),
		CreatedAt: c.now(),
	}
	data, err := json.Marshal(inv)
	if err != nil {
		return nil, fmt.Errorf("encode invitation: %w", err)
	}
	key := c.invitesKey(sessionID)
	_, err = c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, key, data)
		p.Expire(ctx, key, c.ttl(rec.Session))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("invite participant: %w", err)
	}
	return &inv, nil
}

// Invitations returns the invitations issued for a session, oldest first.
func (c *Client) Invitations(ctx context.Context, sessionID string) ([]sessions.Invitation, error) {
	raw, err := c.rdb.LRange(ctx, c.invitesKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]sessions.Invitation, 0, len(raw))
	for _, r := range raw {
		var inv sessions.Invitation
		if err := json.Unmarshal([]byte(r), &inv); err != nil {
			return nil, fmt.Errorf("decode invitation: %w", err)
		}
		out = append(out, inv)
	}
	return out, nil
}

// SubscribeExpiration blocks until the session is invalidated or reaches its
// expiration date, then calls handler once. It returns ctx.Err() when ctx
// ends first.
func (c *Client) SubscribeExpiration(ctx context.Context, sessionID string, handler sessions.ExpirationHandler) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec, err := c.load(ctx, sessionID)
	if err != nil {
		return err
	}
	if rec.Session.Expired(c.now()) {
		handler(ctx, sessionID)
		return nil
	}

	key := c.eventsKey(sessionID)
	deadline := rec.Session.ExpirationDate
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		remaining := deadline.Sub(c.now())
		if remaining <= 0 {
			handler(ctx, sessionID)
			return nil
		}
		// A zero block would wait forever.
		block := max(min(c.cfg.PollInterval, remaining), time.Millisecond)

		res, err := c.rdb.XRead(ctx, &redis.XReadArgs{Streams: []string{key, "0"}, Count: 1, Block: block}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if len(res) > 0 && len(res[0].Messages) > 0 {
			handler(ctx, sessionID)
			return nil
		}
	}
}

var invalidateScript = redis.NewScript(`
local sess = KEYS[1]
local events = KEYS[2]
local data = redis.call('GET', sess)
if not data then
  return -1
end
local rec = cjson.decode(data)
if rec.session.invalidated then
  return 0
end
rec.session.invalidated = true
local ttl = redis.call('PTTL', sess)
if ttl > 0 then
  redis.call('SET', sess, cjson.encode(rec), 'PX', ttl)
  redis.call('XADD', events, '*', 'type', 'expired')
  redis.call('PEXPIRE', events, ttl)
else
  redis.call('SET', sess, cjson.encode(rec))
  redis.call('XADD', events, '*', 'type', 'expired')
end
return 1
`)

// Expire invalidates a session ahead of its expiration date and notifies
// subscribers. Expiring an already invalidated session is a no-op.
func (c *Client) Expire(ctx context.Context, sessionID string) error {
	res, err := invalidateScript.Run(ctx, c.rdb, []string{c.sessionKey(sessionID), c.eventsKey(sessionID)}).Int()
	if err != nil {
		return fmt.Errorf("expire session: %w", err)
	}
	if res < 0 {
		return sessions.ErrSessionNotFound
	}
	return nil
}

// --- helpers ---

func (c *Client) load(ctx context.Context, sessionID string) (*record, error) {
	data, err := c.rdb.Get(ctx, c.sessionKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, sessions.ErrSessionNotFound
		}
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	return &rec, nil
}

// live loads a session that mutations may target.
func (c *Client) live(ctx context.Context, sessionID string) (*record, string, error) {
	userID := c.currentUser()
	if userID == "" {
		return nil, "", sessions.ErrUserNotRegistered
	}
	rec, err := c.load(ctx, sessionID)
	if err != nil {
		return nil, "", err
	}
	if rec.Session.Expired(c.now()) {
		return nil, "", sessions.ErrSessionExpired
	}
	return rec, userID, nil
}

func (c *Client) ttl(s sessions.Session) time.Duration {
	ttl := s.ExpirationDate.Sub(c.now()) + c.cfg.Retention
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

// Interface compliance
var _ sessions.Client = (*Client)(nil)
