// Package affordance defines how the session controller reports the state of
// user-facing controls. Hosts implement Sink on top of their widget toolkit;
// Recorder, LogSink, and Multi cover tests, headless hosts, and fan-out.
package affordance

import (
	"context"
	"log/slog"
	"slices"
	"sync"
)

// Action names a user-facing control.
type Action string

const (
	Create Action = "create"
	Join   Action = "join"
	Invite Action = "invite"
	Leave  Action = "leave"
)

// Actions lists every action in display order.
var Actions = []Action{Create, Join, Invite, Leave}

// Sink receives affordance updates. Calls are serialized by the controller;
// implementations must not call back into the controller synchronously.
type Sink interface {
	SetEnabled(action Action, enabled bool)
	Notify(message string)
}

// Recorder is a Sink that keeps the latest enabled state per action and every
// notice. It is safe for concurrent use.
type Recorder struct {
	mu      sync.Mutex
	enabled map[Action]bool
	notices []string
	updates int
}

// NewRecorder creates a Recorder with every action disabled.
func NewRecorder() *Recorder {
	return &Recorder{enabled: make(map[Action]bool)}
}

func (r *Recorder) SetEnabled(action Action, enabled bool) {
	r.mu.Lock()
	r.enabled[action] = enabled
	r.updates++
	r.mu.Unlock()
}

func (r *Recorder) Notify(message string) {
	r.mu.Lock()
	r.notices = append(r.notices, message)
	r.mu.Unlock()
}

// Enabled reports the latest state of action.
func (r *Recorder) Enabled(action Action) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled[action]
}

// Snapshot returns a copy of the enabled state of every known action.
func (r *Recorder) Snapshot() map[Action]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[Action]bool, len(Actions))
	for _, a := range Actions {
		out[a] = r.enabled[a]
	}
	return out
}

// EnabledActions returns the enabled actions in display order.
func (r *Recorder) EnabledActions() []Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Action
	for _, a := range Actions {
		if r.enabled[a] {
			out = append(out, a)
		}
	}
	return out
}

// Notices returns every message passed to Notify, oldest first.
func (r *Recorder) Notices() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.notices)
}

// Updates returns the number of SetEnabled calls observed.
func (r *Recorder) Updates() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updates
}

// LogSink logs every update through slog.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func (s LogSink) SetEnabled(action Action, enabled bool) {
	s.logger().LogAttrs(context.Background(), slog.LevelDebug, "affordance changed",
		slog.String("action", string(action)),
		slog.Bool("enabled", enabled),
	)
}

func (s LogSink) Notify(message string) {
	s.logger().LogAttrs(context.Background(), slog.LevelInfo, "notice", slog.String("message", message))
}

// Multi fans updates out to several sinks in order.
func Multi(sinks ...Sink) Sink {
	return multiSink(slices.Clone(sinks))
}

type multiSink []Sink

func (m multiSink) SetEnabled(action Action, enabled bool) {
	for _, s := range m {
		s.SetEnabled(action, enabled)
	}
}

func (m multiSink) Notify(message string) {
	for _, s := range m {
		s.Notify(message)
	}
}

var (
	_ Sink = (*Recorder)(nil)
	_ Sink = LogSink{}
	_ Sink = multiSink(nil)
)
