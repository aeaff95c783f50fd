package controller

import (
	"log/slog"
	"time"

	"github.com/ggoodman/locshare-go/sessions"
)

// MetricsSink allows optional instrumentation without hard dependency.
type MetricsSink interface {
	IncCounter(name string, tags map[string]string)
	ObserveHistogram(name string, value float64, tags map[string]string)
}

// Metric names reported to the MetricsSink.
const (
	// MetricTransitions counts state changes. Tags: from, to, event.
	MetricTransitions = "controller_transitions_total"
	// MetricOperationErrors counts failed or rejected operations. Tags: op, kind.
	MetricOperationErrors = "controller_operation_errors_total"
	// MetricOperationDuration observes remote operation latency in seconds.
	// Tags: op, outcome.
	MetricOperationDuration = "controller_operation_duration_seconds"
	// MetricDiscardedResults counts stale completions. Tags: op.
	MetricDiscardedResults = "controller_discarded_results_total"
	// MetricResubscribes counts expiration subscriptions retried after an
	// error. No tags.
	MetricResubscribes = "controller_expiration_resubscribes_total"
)

// Default notices emitted through the affordance sink.
const (
	DefaultExpiredNotice = "Session expired"
	DefaultFailureNotice = "Something went wrong"
)

// DefaultProfile is registered when no profile is configured.
var DefaultProfile = sessions.Profile{Name: "Location Share User", Type: sessions.UserTypeDriver}

// Option configures a Controller.
type Option func(*config)

type config struct {
	logger           *slog.Logger
	metrics          MetricsSink
	now              func() time.Time
	profile          sessions.Profile
	invitations      bool
	inviteBeforeJoin bool
	expiredNotice    string
	failureNotice    string

	resubscribeInitial time.Duration
	resubscribeMax     time.Duration
}

func defaultConfig() config {
	return config{invitations: true}
}

// applyDefaults populates zero values.
func (c *config) applyDefaults() {
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.metrics == nil {
		c.metrics = noopMetrics{}
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.profile.Name == "" {
		c.profile = DefaultProfile
	}
	if c.expiredNotice == "" {
		c.expiredNotice = DefaultExpiredNotice
	}
	if c.failureNotice == "" {
		c.failureNotice = DefaultFailureNotice
	}
	if c.resubscribeInitial <= 0 {
		c.resubscribeInitial = 500 * time.Millisecond
	}
	if c.resubscribeMax < c.resubscribeInitial {
		c.resubscribeMax = max(30*time.Second, c.resubscribeInitial)
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithMetrics reports transitions, errors and latencies to m.
func WithMetrics(m MetricsSink) Option {
	return func(c *config) { c.metrics = m }
}

// WithClock overrides the time source used for expiration checks.
func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

// WithProfile sets the user registered before the first session is created.
func WithProfile(p sessions.Profile) Option {
	return func(c *config) { c.profile = p }
}

// WithInvitations enables or disables the invite operation. Enabled by default.
func WithInvitations(enabled bool) Option {
	return func(c *config) { c.invitations = enabled }
}

// WithInviteBeforeJoin also allows inviting from a created but not yet
// joined session.
func WithInviteBeforeJoin(enabled bool) Option {
	return func(c *config) { c.inviteBeforeJoin = enabled }
}

// WithExpiredNotice replaces the notice emitted when the session expires.
func WithExpiredNotice(msg string) Option {
	return func(c *config) { c.expiredNotice = msg }
}

// WithFailureNotice replaces the notice emitted when a persisted session
// cannot be looked up.
func WithFailureNotice(msg string) Option {
	return func(c *config) { c.failureNotice = msg }
}

// WithResubscribeBackoff bounds the exponential backoff between attempts to
// resubscribe to expiration after the subscription failed. Defaults to 500ms
// growing to 30s.
func WithResubscribeBackoff(initial, maximum time.Duration) Option {
	return func(c *config) {
		c.resubscribeInitial = initial
		c.resubscribeMax = maximum
	}
}

type noopMetrics struct{}

func (noopMetrics) IncCounter(string, map[string]string)                {}
func (noopMetrics) ObserveHistogram(string, float64, map[string]string) {}
