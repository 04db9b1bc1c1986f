// Package calls drives the call signaling state machine: offer, answer, ICE
// relay, ringing timeout, cancellation, rejection and hangup. Media never
// passes through here.
package calls

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/realtime-chat/internal/keylock"
	"github.com/mossy-p/realtime-chat/internal/models"
	"github.com/mossy-p/realtime-chat/internal/transport"
	"github.com/pion/webrtc/v4"
)

const (
	DefaultRingTimeout = 30 * time.Second
	maxPendingICE      = 128
)

// Presence resolves the callee's devices.
type Presence interface {
	ConnectionsOf(userID string) []transport.Conn
}

// Coordinator holds at most one live session per unordered user pair.
// Transitions on a pair are serialized by a striped lock keyed by the pair,
// so calls between unrelated users never contend.
type Coordinator struct {
	presence    Presence
	ringTimeout time.Duration
	locks       *keylock.Locker
	sessions    sync.Map // pair key -> *Session
	now         func() time.Time
	logger      *slog.Logger
}

func NewCoordinator(presence Presence, ringTimeout time.Duration, logger *slog.Logger) *Coordinator {
	if ringTimeout <= 0 {
		ringTimeout = DefaultRingTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		presence:    presence,
		ringTimeout: ringTimeout,
		locks:       keylock.New(0),
		now:         time.Now,
		logger:      logger.With("component", "calls"),
	}
}

func (c *Coordinator) load(key string) (*Session, bool) {
	v, ok := c.sessions.Load(key)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// Offer starts ringing callee. A live session for the pair is a conflict,
// which also absorbs double-submitted offers.
func (c *Coordinator) Offer(_ context.Context, callerID string, callerConn transport.Conn, calleeID string, offer webrtc.SessionDescription, callType models.CallType) (Info, error) {
	if callerID == calleeID {
		return Info{}, ErrSelfCall
	}
	key := pairKey(callerID, calleeID)
	unlock := c.locks.Lock(key)
	defer unlock()

	if s, ok := c.load(key); ok && !s.state.Terminal() {
		return s.info(), ErrConflict
	}

	s := &Session{
		id:         uuid.New().String(),
		key:        key,
		callerID:   callerID,
		calleeID:   calleeID,
		callType:   callType,
		state:      StateRinging,
		createdAt:  c.now(),
		callerConn: callerConn,
	}
	// Publish before resolving the callee so a concurrent Disconnect either
	// sees the session or has already taken the callee out of presence.
	c.sessions.Store(key, s)
	calleeConns := c.presence.ConnectionsOf(calleeID)
	if len(calleeConns) == 0 {
		c.sessions.CompareAndDelete(key, s)
		return Info{}, ErrUnavailable
	}
	id := s.id
	s.ringTimer = time.AfterFunc(c.ringTimeout, func() { c.ringTimeoutFired(key, id) })

	env := models.NewEnvelope(models.EventCallIncoming, models.CallIncomingPayload{
		CallID:   s.id,
		From:     callerID,
		Offer:    offer,
		CallType: callType,
	})
	for _, conn := range calleeConns {
		c.send(conn, env)
	}
	c.logger.Info("call ringing", "call", s.id, "caller", callerID, "callee", calleeID, "type", callType)
	return s.info(), nil
}

// Answer moves a ringing session to active, relays the answer to the caller
// and flushes candidates buffered in both directions.
func (c *Coordinator) Answer(_ context.Context, calleeID string, calleeConn transport.Conn, callerID string, answer webrtc.SessionDescription) (Info, error) {
	key := pairKey(callerID, calleeID)
	unlock := c.locks.Lock(key)
	defer unlock()

	s, ok := c.load(key)
	if !ok || s.state.Terminal() {
		return Info{}, ErrNoSession
	}
	if s.calleeID != calleeID {
		return s.info(), ErrNotParticipant
	}
	if s.state != StateRinging {
		return s.info(), ErrInvalidState
	}

	s.ringTimer.Stop()
	s.state = StateActive
	s.answeredAt = c.now()
	s.calleeConn = calleeConn

	c.send(s.callerConn, models.NewEnvelope(models.EventCallAnswered, models.CallAnsweredPayload{
		CallID: s.id,
		From:   calleeID,
		To:     callerID,
		Answer: answer,
	}))
	c.flush(s.pendingFromCaller, callerID, s.calleeConn)
	c.flush(s.pendingFromCallee, calleeID, s.callerConn)
	s.pendingFromCaller = nil
	s.pendingFromCallee = nil

	elsewhere := models.NewEnvelope(models.EventCallAnsweredElsewhere, models.CallSignalPayload{CallID: s.id, From: callerID})
	for _, conn := range c.presence.ConnectionsOf(calleeID) {
		if conn.ID() != calleeConn.ID() {
			c.send(conn, elsewhere)
		}
	}
	c.logger.Info("call active", "call", s.id)
	return s.info(), nil
}

// ICECandidate relays a candidate to the other party, or buffers it while the
// other side has not applied the remote description yet.
func (c *Coordinator) ICECandidate(_ context.Context, fromID, toID string, candidate webrtc.ICECandidateInit) (Info, error) {
	key := pairKey(fromID, toID)
	unlock := c.locks.Lock(key)
	defer unlock()

	s, ok := c.load(key)
	if !ok || s.state.Terminal() {
		return Info{}, ErrNotFound
	}

	fromCaller := fromID == s.callerID
	if s.state == StateRinging {
		queue := &s.pendingFromCallee
		if fromCaller {
			queue = &s.pendingFromCaller
		}
		if len(*queue) >= maxPendingICE {
			return s.info(), ErrTooManyICE
		}
		*queue = append(*queue, candidate)
		return s.info(), nil
	}

	target := s.callerConn
	if fromCaller {
		target = s.calleeConn
	}
	c.send(target, iceEnvelope(fromID, candidate))
	return s.info(), nil
}

// Cancel is the caller hanging up before an answer.
func (c *Coordinator) Cancel(_ context.Context, callerID, calleeID string) (Info, error) {
	key := pairKey(callerID, calleeID)
	unlock := c.locks.Lock(key)
	defer unlock()

	s, ok := c.load(key)
	if !ok || s.state.Terminal() {
		return Info{}, ErrNoSession
	}
	if s.callerID != callerID {
		return s.info(), ErrNotParticipant
	}
	if s.state != StateRinging {
		return s.info(), ErrInvalidState
	}
	c.cancelRinging(s)
	return s.info(), nil
}

// Reject is the callee declining a ringing call.
func (c *Coordinator) Reject(_ context.Context, calleeID string, calleeConn transport.Conn, callerID string) (Info, error) {
	key := pairKey(callerID, calleeID)
	unlock := c.locks.Lock(key)
	defer unlock()

	s, ok := c.load(key)
	if !ok || s.state.Terminal() {
		return Info{}, ErrNoSession
	}
	if s.calleeID != calleeID {
		return s.info(), ErrNotParticipant
	}
	if s.state != StateRinging {
		return s.info(), ErrInvalidState
	}
	c.rejectRinging(s, calleeConn)
	return s.info(), nil
}

// End hangs up an active call. On a ringing call it behaves like Cancel for
// the caller and Reject for the callee, since clients commonly send a single
// hangup event.
func (c *Coordinator) End(_ context.Context, userID string, conn transport.Conn, peerID string) (Info, error) {
	key := pairKey(userID, peerID)
	unlock := c.locks.Lock(key)
	defer unlock()

	s, ok := c.load(key)
	if !ok || s.state.Terminal() {
		return Info{}, ErrNoSession
	}
	if !s.involves(userID) {
		return s.info(), ErrNotParticipant
	}

	switch {
	case s.state == StateRinging && userID == s.callerID:
		c.cancelRinging(s)
	case s.state == StateRinging:
		c.rejectRinging(s, conn)
	default:
		c.endActive(s, userID)
	}
	return s.info(), nil
}

// Disconnect tears down the sessions that depended on conn. stillOnline tells
// whether userID has other live connections; a ringing call survives the
// loss of one callee device as long as another one is still ringing.
func (c *Coordinator) Disconnect(_ context.Context, userID string, conn transport.Conn, stillOnline bool) []Info {
	var keys []string
	c.sessions.Range(func(k, v any) bool {
		if v.(*Session).involves(userID) {
			keys = append(keys, k.(string))
		}
		return true
	})

	var ended []Info
	for _, key := range keys {
		unlock := c.locks.Lock(key)
		s, ok := c.load(key)
		if ok && !s.state.Terminal() && c.dependsOn(s, userID, conn, stillOnline) {
			switch s.state {
			case StateRinging:
				c.cancelRinging(s)
			case StateActive:
				c.endActive(s, userID)
			}
			ended = append(ended, s.info())
		}
		unlock()
	}
	return ended
}

func (c *Coordinator) dependsOn(s *Session, userID string, conn transport.Conn, stillOnline bool) bool {
	if userID == s.callerID {
		return sameConn(s.callerConn, conn)
	}
	if s.state == StateActive {
		return sameConn(s.calleeConn, conn)
	}
	return !stillOnline
}

// Session returns the live session between a and b, if any.
func (c *Coordinator) Session(a, b string) (Info, bool) {
	key := pairKey(a, b)
	unlock := c.locks.Lock(key)
	defer unlock()
	s, ok := c.load(key)
	if !ok {
		return Info{}, false
	}
	return s.info(), true
}

// ActiveCount returns the number of live sessions.
func (c *Coordinator) ActiveCount() int {
	n := 0
	c.sessions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (c *Coordinator) ringTimeoutFired(key, id string) {
	unlock := c.locks.Lock(key)
	defer unlock()

	s, ok := c.load(key)
	if !ok || s.id != id || s.state != StateRinging {
		return
	}
	s.state = StateTimedOut
	env := models.NewEnvelope(models.EventCallTimeout, models.CallSignalPayload{CallID: s.id})
	c.send(s.callerConn, env)
	for _, conn := range c.presence.ConnectionsOf(s.calleeID) {
		c.send(conn, env)
	}
	c.destroy(s)
}

func (c *Coordinator) cancelRinging(s *Session) {
	s.state = StateCancelled
	env := models.NewEnvelope(models.EventCallCancelled, models.CallSignalPayload{CallID: s.id, From: s.callerID})
	for _, conn := range c.presence.ConnectionsOf(s.calleeID) {
		c.send(conn, env)
	}
	// The caller may be the one that vanished; tell it anyway in case only
	// the callee side went away.
	c.send(s.callerConn, env)
	c.destroy(s)
}

func (c *Coordinator) rejectRinging(s *Session, by transport.Conn) {
	s.state = StateRejected
	env := models.NewEnvelope(models.EventCallRejected, models.CallSignalPayload{CallID: s.id, From: s.calleeID})
	c.send(s.callerConn, env)
	for _, conn := range c.presence.ConnectionsOf(s.calleeID) {
		if !sameConn(conn, by) {
			c.send(conn, env)
		}
	}
	c.destroy(s)
}

func (c *Coordinator) endActive(s *Session, by string) {
	s.state = StateEnded
	env := models.NewEnvelope(models.EventCallEnded, models.CallSignalPayload{CallID: s.id, From: by})
	if by == s.callerID {
		c.send(s.calleeConn, env)
	} else {
		c.send(s.callerConn, env)
	}
	c.destroy(s)
}

func (c *Coordinator) destroy(s *Session) {
	if s.ringTimer != nil {
		s.ringTimer.Stop()
	}
	s.pendingFromCaller = nil
	s.pendingFromCallee = nil
	c.sessions.CompareAndDelete(s.key, s)
	c.logger.Info("call finished", "call", s.id, "state", s.state.String(), "duration", c.now().Sub(s.createdAt).Round(time.Millisecond))
}

func (c *Coordinator) flush(queue []webrtc.ICECandidateInit, fromID string, to transport.Conn) {
	for _, candidate := range queue {
		c.send(to, iceEnvelope(fromID, candidate))
	}
}

func (c *Coordinator) send(conn transport.Conn, env models.Envelope) {
	if conn == nil {
		return
	}
	if err := conn.Send(env); err != nil {
		c.logger.Debug("call signal not delivered", "type", env.Type, "conn", conn.ID(), "error", err)
	}
}

func iceEnvelope(fromID string, candidate webrtc.ICECandidateInit) models.Envelope {
	return models.NewEnvelope(models.EventCallICECandidate, models.CallICERelayPayload{
		From:      fromID,
		Candidate: candidate,
	})
}

func sameConn(a, b transport.Conn) bool {
	return a != nil && b != nil && a.ID() == b.ID()
}
