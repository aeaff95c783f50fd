package controller

import (
	"fmt"

	"github.com/ggoodman/locshare-go/affordance"
)

// State is the controller's view of the session it owns.
type State int

const (
	StateNoSession State = iota
	StateCreating
	StateCreated
	StateJoining
	StateJoined
	StateInviting
	StateInvited
	StateLeaving
	StateLeft
	StateExpired
)

var stateNames = [...]string{
	StateNoSession: "no_session",
	StateCreating:  "creating",
	StateCreated:   "created",
	StateJoining:   "joining",
	StateJoined:    "joined",
	StateInviting:  "inviting",
	StateInvited:   "invited",
	StateLeaving:   "leaving",
	StateLeft:      "left",
	StateExpired:   "expired",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Transient reports whether s is a state in which a remote call is in flight.
func (s State) Transient() bool {
	switch s {
	case StateCreating, StateJoining, StateInviting, StateLeaving:
		return true
	}
	return false
}

// Owned reports whether s means the controller owns a live session, which
// is exactly when the session reference must be persisted.
func (s State) Owned() bool {
	switch s {
	case StateCreated, StateJoined, StateInvited:
		return true
	}
	return false
}

// op returns the operation that a transient state belongs to.
func (s State) op() Op {
	switch s {
	case StateCreating:
		return OpCreate
	case StateJoining:
		return OpJoin
	case StateInviting:
		return OpInvite
	case StateLeaving:
		return OpLeave
	}
	return ""
}

// Op names a controller operation.
type Op string

const (
	OpResume   Op = "resume"
	OpRegister Op = "register"
	OpCreate   Op = "create"
	OpJoin     Op = "join"
	OpInvite   Op = "invite"
	OpLeave    Op = "leave"
	OpExpire   Op = "expire"
)

// Event drives a transition.
type Event int

const (
	EventStart Event = iota
	EventCreateRequested
	EventCreateSucceeded
	EventCreateFailed
	EventJoinRequested
	EventJoinSucceeded
	EventJoinFailed
	EventInviteRequested
	EventInviteSucceeded
	EventInviteFailed
	EventLeaveRequested
	EventLeaveSucceeded
	EventLeaveFailed
	EventExpired
	EventResumedCreated
	EventResumedJoined
	EventResumeGone
)

var eventNames = [...]string{
	EventStart:           "start",
	EventCreateRequested: "create_requested",
	EventCreateSucceeded: "create_succeeded",
	EventCreateFailed:    "create_failed",
	EventJoinRequested:   "join_requested",
	EventJoinSucceeded:   "join_succeeded",
	EventJoinFailed:      "join_failed",
	EventInviteRequested: "invite_requested",
	EventInviteSucceeded: "invite_succeeded",
	EventInviteFailed:    "invite_failed",
	EventLeaveRequested:  "leave_requested",
	EventLeaveSucceeded:  "leave_succeeded",
	EventLeaveFailed:     "leave_failed",
	EventExpired:         "expired",
	EventResumedCreated:  "resumed_created",
	EventResumedJoined:   "resumed_joined",
	EventResumeGone:      "resume_gone",
}

func (e Event) String() string {
	if e >= 0 && int(e) < len(eventNames) {
		return eventNames[e]
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// Effect is a side effect the driver performs after a transition.
type Effect int

const (
	// EffectPersistRef writes the owned session's identifier to the store.
	EffectPersistRef Effect = iota
	// EffectClearRef clears the store.
	EffectClearRef
	// EffectSyncAffordances pushes the enabled state of every action.
	EffectSyncAffordances
	// EffectNotifyExpired emits the expiration notice.
	EffectNotifyExpired
	// EffectWatchExpiration subscribes to the owned session's expiration.
	EffectWatchExpiration
	// EffectStopWatch cancels the expiration subscription.
	EffectStopWatch
)

func (e Effect) String() string {
	switch e {
	case EffectPersistRef:
		return "persist_ref"
	case EffectClearRef:
		return "clear_ref"
	case EffectSyncAffordances:
		return "sync_affordances"
	case EffectNotifyExpired:
		return "notify_expired"
	case EffectWatchExpiration:
		return "watch_expiration"
	case EffectStopWatch:
		return "stop_watch"
	}
	return fmt.Sprintf("effect(%d)", int(e))
}

// Snapshot is the machine's complete state. Rollback is the stable state a
// transient state returns to when its remote call fails.
type Snapshot struct {
	State    State
	Rollback State
}

// Machine is the side-effect-free session lifecycle. The zero value supports
// invitations from Joined only if Invitations is set; use NewMachine for the
// defaults.
type Machine struct {
	// Invitations enables the invite operation.
	Invitations bool
	// InviteBeforeJoin allows inviting from Created as well as Joined.
	InviteBeforeJoin bool
}

// NewMachine returns a machine with invitations enabled from Joined.
func NewMachine() Machine {
	return Machine{Invitations: true}
}

// Transition computes the next snapshot and the effects the driver must run.
// Requests that cannot start return *ConflictingOperationError or
// *InvalidStateError; completions that no longer match the current state
// return ErrResultDiscarded. On error the snapshot is returned unchanged.
func (m Machine) Transition(cur Snapshot, ev Event) (Snapshot, []Effect, error) {
	switch ev {
	case EventStart:
		if cur.State != StateNoSession {
			return cur, nil, m.reject(cur, OpResume)
		}
		return cur, []Effect{EffectSyncAffordances}, nil

	case EventCreateRequested:
		return m.begin(cur, OpCreate, StateCreating, StateNoSession, StateLeft, StateExpired)
	case EventCreateSucceeded:
		return complete(cur, StateCreating, StateCreated, EffectPersistRef, EffectSyncAffordances, EffectWatchExpiration)
	case EventCreateFailed:
		return complete(cur, StateCreating, StateNoSession, EffectSyncAffordances)

	case EventJoinRequested:
		return m.begin(cur, OpJoin, StateJoining, StateCreated)
	case EventJoinSucceeded:
		return complete(cur, StateJoining, StateJoined, EffectSyncAffordances)
	case EventJoinFailed:
		return complete(cur, StateJoining, cur.Rollback, EffectSyncAffordances)

	case EventInviteRequested:
		if !m.Invitations {
			return cur, nil, ErrInvitationsDisabled
		}
		if m.InviteBeforeJoin {
			return m.begin(cur, OpInvite, StateInviting, StateCreated, StateJoined)
		}
		return m.begin(cur, OpInvite, StateInviting, StateJoined)
	case EventInviteSucceeded:
		return complete(cur, StateInviting, StateInvited, EffectSyncAffordances)
	case EventInviteFailed:
		return complete(cur, StateInviting, cur.Rollback, EffectSyncAffordances)

	case EventLeaveRequested:
		return m.begin(cur, OpLeave, StateLeaving, StateCreated, StateJoined, StateInvited)
	case EventLeaveSucceeded:
		return complete(cur, StateLeaving, StateLeft, EffectClearRef, EffectStopWatch, EffectSyncAffordances)
	case EventLeaveFailed:
		return complete(cur, StateLeaving, cur.Rollback, EffectSyncAffordances)

	case EventExpired:
		switch cur.State {
		case StateNoSession, StateLeft, StateExpired:
			return cur, nil, nil
		}
		return Snapshot{State: StateExpired, Rollback: StateExpired},
			[]Effect{EffectClearRef, EffectStopWatch, EffectSyncAffordances, EffectNotifyExpired}, nil

	case EventResumedCreated:
		return complete(cur, StateNoSession, StateCreated, EffectPersistRef, EffectSyncAffordances, EffectWatchExpiration)
	case EventResumedJoined:
		return complete(cur, StateNoSession, StateJoined, EffectPersistRef, EffectSyncAffordances, EffectWatchExpiration)
	case EventResumeGone:
		return complete(cur, StateNoSession, StateNoSession, EffectClearRef, EffectSyncAffordances)
	}
	return cur, nil, fmt.Errorf("controller: unknown event %s", ev)
}

// Allows reports whether action should be enabled while in state s.
func (m Machine) Allows(s State, action affordance.Action) bool {
	switch action {
	case affordance.Create:
		return s == StateNoSession || s == StateLeft || s == StateExpired
	case affordance.Join:
		return s == StateCreated
	case affordance.Invite:
		if !m.Invitations {
			return false
		}
		return s == StateJoined || (m.InviteBeforeJoin && s == StateCreated)
	case affordance.Leave:
		return s.Owned()
	}
	return false
}

func (m Machine) begin(cur Snapshot, op Op, next State, from ...State) (Snapshot, []Effect, error) {
	for _, s := range from {
		if cur.State == s {
			rollback := cur.State
			if op == OpCreate {
				rollback = StateNoSession
			}
			return Snapshot{State: next, Rollback: rollback}, []Effect{EffectSyncAffordances}, nil
		}
	}
	return cur, nil, m.reject(cur, op)
}

func (m Machine) reject(cur Snapshot, op Op) error {
	if cur.State.Transient() {
		return &ConflictingOperationError{Op: op, InFlight: cur.State.op()}
	}
	return &InvalidStateError{Op: op, State: cur.State}
}

func complete(cur Snapshot, want, next State, effects ...Effect) (Snapshot, []Effect, error) {
	if cur.State != want {
		return cur, nil, ErrResultDiscarded
	}
	return Snapshot{State: next, Rollback: next}, effects, nil
}
