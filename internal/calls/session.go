package calls

import (
	"errors"
	"time"

	"github.com/mossy-p/realtime-chat/internal/models"
	"github.com/mossy-p/realtime-chat/internal/transport"
	"github.com/pion/webrtc/v4"
)

// State of a call session. Idle is represented by the absence of a session.
type State int

const (
	StateRinging State = iota + 1
	StateActive
	StateEnded
	StateRejected
	StateCancelled
	StateTimedOut
	StateFailed
)

var stateNames = map[State]string{
	StateRinging:   "ringing",
	StateActive:    "active",
	StateEnded:     "ended",
	StateRejected:  "rejected",
	StateCancelled: "cancelled",
	StateTimedOut:  "timed_out",
	StateFailed:    "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "idle"
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s != StateRinging && s != StateActive
}

// Code is the machine readable reason sent back in call:error.
type Code string

const (
	CodeConflict     Code = "conflict"
	CodeInvalidState Code = "invalid_state"
	CodeNotFound     Code = "not_found"
	CodeUnavailable  Code = "unavailable"
	CodeBadRequest   Code = "bad_request"
)

// Error is a rejected call operation. Only the initiating connection hears
// about it.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string { return string(e.Code) + ": " + e.Message }

var (
	ErrConflict       = &Error{CodeConflict, "a call between these users is already in progress"}
	ErrNoSession      = &Error{CodeInvalidState, "no call in progress with this user"}
	ErrNotFound       = &Error{CodeNotFound, "no call to relay candidates to"}
	ErrInvalidState   = &Error{CodeInvalidState, "operation not allowed in the current call state"}
	ErrNotParticipant = &Error{CodeInvalidState, "user is not the expected party of this call"}
	ErrUnavailable    = &Error{CodeUnavailable, "callee is offline"}
	ErrSelfCall       = &Error{CodeBadRequest, "cannot call yourself"}
	ErrTooManyICE     = &Error{CodeBadRequest, "too many buffered ice candidates"}
)

// CodeOf extracts the call error code, defaulting to failure codes for
// foreign errors.
func CodeOf(err error) Code {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeInvalidState
}

// Session is owned by the coordinator and only touched under its pair lock.
type Session struct {
	id         string
	key        string
	callerID   string
	calleeID   string
	callType   models.CallType
	state      State
	createdAt  time.Time
	answeredAt time.Time

	callerConn transport.Conn
	// calleeConn is bound when one of the callee's devices answers.
	calleeConn transport.Conn

	pendingFromCaller []webrtc.ICECandidateInit
	pendingFromCallee []webrtc.ICECandidateInit

	ringTimer *time.Timer
}

// Info is a read-only snapshot of a session.
type Info struct {
	ID         string
	CallerID   string
	CalleeID   string
	CallType   models.CallType
	State      State
	CreatedAt  time.Time
	AnsweredAt time.Time
	// Pending counts buffered candidates per direction.
	PendingFromCaller int
	PendingFromCallee int
}

func (s *Session) info() Info {
	return Info{
		ID:                s.id,
		CallerID:          s.callerID,
		CalleeID:          s.calleeID,
		CallType:          s.callType,
		State:             s.state,
		CreatedAt:         s.createdAt,
		AnsweredAt:        s.answeredAt,
		PendingFromCaller: len(s.pendingFromCaller),
		PendingFromCallee: len(s.pendingFromCallee),
	}
}

func (s *Session) involves(userID string) bool {
	return userID == s.callerID || userID == s.calleeID
}

// pairKey identifies the unordered pair {a, b}.
func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "\x00" + b
}
