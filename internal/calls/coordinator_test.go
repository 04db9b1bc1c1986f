package calls

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mossy-p/realtime-chat/internal/models"
	"github.com/mossy-p/realtime-chat/internal/transport"
	"github.com/mossy-p/realtime-chat/internal/transport/transporttest"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePresence struct {
	mu    sync.Mutex
	conns map[string][]transport.Conn
	// afterLookup runs once ConnectionsOf has taken its snapshot.
	afterLookup func(userID string)
}

func (p *fakePresence) add(userID string) *transporttest.Recorder {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conns == nil {
		p.conns = make(map[string][]transport.Conn)
	}
	c := transporttest.NewRecorder()
	p.conns[userID] = append(p.conns[userID], c)
	return c
}

func (p *fakePresence) remove(userID string, conn transport.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var kept []transport.Conn
	for _, c := range p.conns[userID] {
		if c.ID() != conn.ID() {
			kept = append(kept, c)
		}
	}
	p.conns[userID] = kept
}

func (p *fakePresence) ConnectionsOf(userID string) []transport.Conn {
	p.mu.Lock()
	out := append([]transport.Conn(nil), p.conns[userID]...)
	hook := p.afterLookup
	p.mu.Unlock()
	if hook != nil {
		hook(userID)
	}
	return out
}

var (
	offerSDP  = webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}
	answerSDP = webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}
)

func candidate(s string) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: s}
}

func relayed(r *transporttest.Recorder) []string {
	var out []string
	for _, env := range r.OfType(models.EventCallICECandidate) {
		out = append(out, env.Payload.(models.CallICERelayPayload).Candidate.Candidate)
	}
	return out
}

func setup(t *testing.T, ring time.Duration) (*Coordinator, *fakePresence, *transporttest.Recorder, *transporttest.Recorder) {
	t.Helper()
	p := &fakePresence{}
	alice := p.add("alice")
	bob := p.add("bob")
	return NewCoordinator(p, ring, nil), p, alice, bob
}

func TestCoordinator_OfferAnswerEnd(t *testing.T) {
	c, _, alice, bob := setup(t, time.Minute)
	ctx := context.Background()

	info, err := c.Offer(ctx, "alice", alice, "bob", offerSDP, models.CallTypeVideo)
	require.NoError(t, err)
	assert.Equal(t, StateRinging, info.State)

	env, ok := bob.Last(models.EventCallIncoming)
	require.True(t, ok)
	incoming := env.Payload.(models.CallIncomingPayload)
	assert.Equal(t, "alice", incoming.From)
	assert.Equal(t, models.CallTypeVideo, incoming.CallType)
	assert.Equal(t, offerSDP, incoming.Offer)

	info, err = c.Answer(ctx, "bob", bob, "alice", answerSDP)
	require.NoError(t, err)
	assert.Equal(t, StateActive, info.State)

	env, ok = alice.Last(models.EventCallAnswered)
	require.True(t, ok)
	assert.Equal(t, answerSDP, env.Payload.(models.CallAnsweredPayload).Answer)

	info, err = c.End(ctx, "alice", alice, "bob")
	require.NoError(t, err)
	assert.Equal(t, StateEnded, info.State)
	assert.Equal(t, 1, bob.Count(models.EventCallEnded))
	assert.Equal(t, 0, alice.Count(models.EventCallEnded))

	_, ok = c.Session("alice", "bob")
	assert.False(t, ok)
	assert.Equal(t, 0, c.ActiveCount())
}

func TestCoordinator_OfferCancel(t *testing.T) {
	c, _, alice, bob := setup(t, time.Minute)
	ctx := context.Background()

	_, err := c.Offer(ctx, "alice", alice, "bob", offerSDP, models.CallTypeAudio)
	require.NoError(t, err)

	info, err := c.Cancel(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, info.State)
	assert.Equal(t, 1, bob.Count(models.EventCallCancelled))

	_, ok := c.Session("alice", "bob")
	assert.False(t, ok)

	// The pair is free again.
	_, err = c.Offer(ctx, "bob", bob, "alice", offerSDP, models.CallTypeAudio)
	assert.NoError(t, err)
}

func TestCoordinator_Reject(t *testing.T) {
	c, p, alice, bob := setup(t, time.Minute)
	bobTablet := p.add("bob")
	ctx := context.Background()

	_, err := c.Offer(ctx, "alice", alice, "bob", offerSDP, models.CallTypeAudio)
	require.NoError(t, err)
	assert.Equal(t, 1, bobTablet.Count(models.EventCallIncoming))

	info, err := c.Reject(ctx, "bob", bob, "alice")
	require.NoError(t, err)
	assert.Equal(t, StateRejected, info.State)
	assert.Equal(t, 1, alice.Count(models.EventCallRejected))
	assert.Equal(t, 1, bobTablet.Count(models.EventCallRejected))
	assert.Equal(t, 0, bob.Count(models.EventCallRejected))
}

func TestCoordinator_RingTimeout(t *testing.T) {
	c, _, alice, bob := setup(t, 30*time.Millisecond)

	_, err := c.Offer(context.Background(), "alice", alice, "bob", offerSDP, models.CallTypeVideo)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, ok := c.Session("alice", "bob")
		return !ok
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, alice.Count(models.EventCallTimeout))
	assert.Equal(t, 1, bob.Count(models.EventCallTimeout))
}

func TestCoordinator_AnswerStopsRingTimer(t *testing.T) {
	c, _, alice, bob := setup(t, 40*time.Millisecond)
	ctx := context.Background()

	_, err := c.Offer(ctx, "alice", alice, "bob", offerSDP, models.CallTypeVideo)
	require.NoError(t, err)
	_, err = c.Answer(ctx, "bob", bob, "alice", answerSDP)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	info, ok := c.Session("alice", "bob")
	require.True(t, ok)
	assert.Equal(t, StateActive, info.State)
	assert.Equal(t, 0, alice.Count(models.EventCallTimeout))
}

func TestCoordinator_DuplicateOfferConflicts(t *testing.T) {
	c, _, alice, bob := setup(t, time.Minute)
	ctx := context.Background()

	first, err := c.Offer(ctx, "alice", alice, "bob", offerSDP, models.CallTypeVideo)
	require.NoError(t, err)

	_, err = c.Offer(ctx, "alice", alice, "bob", offerSDP, models.CallTypeVideo)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, CodeConflict, CodeOf(err))

	// The reverse direction is the same pair.
	_, err = c.Offer(ctx, "bob", bob, "alice", offerSDP, models.CallTypeVideo)
	assert.ErrorIs(t, err, ErrConflict)

	info, ok := c.Session("bob", "alice")
	require.True(t, ok)
	assert.Equal(t, first.ID, info.ID)
	assert.Equal(t, 1, bob.Count(models.EventCallIncoming))
}

func TestCoordinator_OfferGuards(t *testing.T) {
	c, _, alice, _ := setup(t, time.Minute)
	ctx := context.Background()

	_, err := c.Offer(ctx, "alice", alice, "alice", offerSDP, models.CallTypeAudio)
	assert.ErrorIs(t, err, ErrSelfCall)

	_, err = c.Offer(ctx, "alice", alice, "carol", offerSDP, models.CallTypeAudio)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, CodeUnavailable, CodeOf(err))
	assert.Equal(t, 0, c.ActiveCount())
}

func TestCoordinator_InvalidTransitions(t *testing.T) {
	c, p, alice, bob := setup(t, time.Minute)
	carol := p.add("carol")
	ctx := context.Background()

	// Nothing is ringing yet, so every follow-up is an invalid transition.
	_, err := c.Answer(ctx, "bob", bob, "alice", answerSDP)
	assert.ErrorIs(t, err, ErrNoSession)
	assert.Equal(t, CodeInvalidState, CodeOf(err))
	_, err = c.Cancel(ctx, "alice", "bob")
	assert.Equal(t, CodeInvalidState, CodeOf(err))
	_, err = c.Reject(ctx, "bob", bob, "alice")
	assert.Equal(t, CodeInvalidState, CodeOf(err))
	_, err = c.End(ctx, "alice", alice, "bob")
	assert.Equal(t, CodeInvalidState, CodeOf(err))

	_, err = c.Offer(ctx, "alice", alice, "bob", offerSDP, models.CallTypeAudio)
	require.NoError(t, err)

	// The caller cannot answer its own call, the callee cannot cancel it.
	_, err = c.Answer(ctx, "alice", alice, "bob", answerSDP)
	assert.ErrorIs(t, err, ErrNotParticipant)
	_, err = c.Cancel(ctx, "bob", "alice")
	assert.ErrorIs(t, err, ErrNotParticipant)

	_, err = c.Answer(ctx, "bob", bob, "alice", answerSDP)
	require.NoError(t, err)
	_, err = c.Answer(ctx, "bob", bob, "alice", answerSDP)
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = c.Reject(ctx, "bob", bob, "alice")
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = c.End(ctx, "carol", carol, "alice")
	assert.ErrorIs(t, err, ErrNoSession)

	// Errors never reach the other party.
	assert.Equal(t, 0, alice.Count(models.EventCallError))
	assert.Equal(t, 0, bob.Count(models.EventCallError))
	info, ok := c.Session("alice", "bob")
	require.True(t, ok)
	assert.Equal(t, StateActive, info.State)
}

func TestCoordinator_ICEBufferedUntilAnswer(t *testing.T) {
	c, _, alice, bob := setup(t, time.Minute)
	ctx := context.Background()

	_, err := c.Offer(ctx, "alice", alice, "bob", offerSDP, models.CallTypeVideo)
	require.NoError(t, err)

	for _, s := range []string{"a1", "a2", "a3"} {
		_, err := c.ICECandidate(ctx, "alice", "bob", candidate(s))
		require.NoError(t, err)
	}
	info, err := c.ICECandidate(ctx, "bob", "alice", candidate("b1"))
	require.NoError(t, err)
	assert.Equal(t, 3, info.PendingFromCaller)
	assert.Equal(t, 1, info.PendingFromCallee)
	assert.Empty(t, relayed(bob))
	assert.Empty(t, relayed(alice))

	info, err = c.Answer(ctx, "bob", bob, "alice", answerSDP)
	require.NoError(t, err)
	assert.Zero(t, info.PendingFromCaller)
	assert.Zero(t, info.PendingFromCallee)

	assert.Equal(t, []string{"a1", "a2", "a3"}, relayed(bob))
	assert.Equal(t, []string{"b1"}, relayed(alice))

	// The answer reaches the caller before any buffered candidate.
	events := alice.Events()
	var order []models.EventType
	for _, env := range events {
		if env.Type == models.EventCallAnswered || env.Type == models.EventCallICECandidate {
			order = append(order, env.Type)
		}
	}
	assert.Equal(t, []models.EventType{models.EventCallAnswered, models.EventCallICECandidate}, order)

	// Once active, candidates flow straight through.
	_, err = c.ICECandidate(ctx, "alice", "bob", candidate("a4"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a2", "a3", "a4"}, relayed(bob))
}

func TestCoordinator_ICEWithoutSession(t *testing.T) {
	c, _, _, _ := setup(t, time.Minute)
	_, err := c.ICECandidate(context.Background(), "alice", "bob", candidate("x"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCoordinator_ICEBufferIsBounded(t *testing.T) {
	c, _, alice, _ := setup(t, time.Minute)
	ctx := context.Background()
	_, err := c.Offer(ctx, "alice", alice, "bob", offerSDP, models.CallTypeVideo)
	require.NoError(t, err)

	for i := 0; i < maxPendingICE; i++ {
		_, err := c.ICECandidate(ctx, "alice", "bob", candidate("c"))
		require.NoError(t, err)
	}
	_, err = c.ICECandidate(ctx, "alice", "bob", candidate("c"))
	assert.ErrorIs(t, err, ErrTooManyICE)
}

func TestCoordinator_AnsweredElsewhere(t *testing.T) {
	c, p, alice, bobPhone := setup(t, time.Minute)
	bobLaptop := p.add("bob")
	ctx := context.Background()

	_, err := c.Offer(ctx, "alice", alice, "bob", offerSDP, models.CallTypeVideo)
	require.NoError(t, err)
	assert.Equal(t, 1, bobPhone.Count(models.EventCallIncoming))
	assert.Equal(t, 1, bobLaptop.Count(models.EventCallIncoming))

	_, err = c.Answer(ctx, "bob", bobLaptop, "alice", answerSDP)
	require.NoError(t, err)
	assert.Equal(t, 1, bobPhone.Count(models.EventCallAnsweredElsewhere))
	assert.Equal(t, 0, bobLaptop.Count(models.EventCallAnsweredElsewhere))

	// Relays go to the bound device only.
	_, err = c.ICECandidate(ctx, "alice", "bob", candidate("a1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, relayed(bobLaptop))
	assert.Empty(t, relayed(bobPhone))

	// Dropping the unbound device does not end the call.
	p.remove("bob", bobPhone)
	ended := c.Disconnect(ctx, "bob", bobPhone, true)
	assert.Empty(t, ended)
	info, ok := c.Session("alice", "bob")
	require.True(t, ok)
	assert.Equal(t, StateActive, info.State)
}

func TestCoordinator_CallerDisconnectEndsActiveCall(t *testing.T) {
	c, p, alice, bob := setup(t, time.Minute)
	ctx := context.Background()

	_, err := c.Offer(ctx, "alice", alice, "bob", offerSDP, models.CallTypeVideo)
	require.NoError(t, err)
	_, err = c.Answer(ctx, "bob", bob, "alice", answerSDP)
	require.NoError(t, err)

	p.remove("alice", alice)
	ended := c.Disconnect(ctx, "alice", alice, false)
	require.Len(t, ended, 1)
	assert.Equal(t, StateEnded, ended[0].State)
	assert.Equal(t, 1, bob.Count(models.EventCallEnded))

	_, ok := c.Session("alice", "bob")
	assert.False(t, ok)
}

func TestCoordinator_DisconnectWhileRinging(t *testing.T) {
	t.Run("caller leaves", func(t *testing.T) {
		c, p, alice, bob := setup(t, time.Minute)
		_, err := c.Offer(context.Background(), "alice", alice, "bob", offerSDP, models.CallTypeAudio)
		require.NoError(t, err)

		p.remove("alice", alice)
		ended := c.Disconnect(context.Background(), "alice", alice, false)
		require.Len(t, ended, 1)
		assert.Equal(t, StateCancelled, ended[0].State)
		assert.Equal(t, 1, bob.Count(models.EventCallCancelled))
	})

	t.Run("one of two callee devices leaves", func(t *testing.T) {
		c, p, alice, bob := setup(t, time.Minute)
		bobTablet := p.add("bob")
		_, err := c.Offer(context.Background(), "alice", alice, "bob", offerSDP, models.CallTypeAudio)
		require.NoError(t, err)

		p.remove("bob", bob)
		assert.Empty(t, c.Disconnect(context.Background(), "bob", bob, true))
		_, ok := c.Session("alice", "bob")
		assert.True(t, ok)

		p.remove("bob", bobTablet)
		ended := c.Disconnect(context.Background(), "bob", bobTablet, false)
		require.Len(t, ended, 1)
		assert.Equal(t, 1, alice.Count(models.EventCallCancelled))
	})

	t.Run("unrelated user leaves", func(t *testing.T) {
		c, p, alice, _ := setup(t, time.Minute)
		carol := p.add("carol")
		_, err := c.Offer(context.Background(), "alice", alice, "bob", offerSDP, models.CallTypeAudio)
		require.NoError(t, err)

		assert.Empty(t, c.Disconnect(context.Background(), "carol", carol, false))
		assert.Equal(t, 1, c.ActiveCount())
	})
}

func TestCoordinator_CalleeLeavesDuringOffer(t *testing.T) {
	c, p, alice, bob := setup(t, time.Minute)

	// bob drops right after the offer resolved his devices; his teardown
	// runs concurrently with the rest of the offer.
	var once sync.Once
	done := make(chan struct{})
	p.afterLookup = func(userID string) {
		if userID != "bob" {
			return
		}
		once.Do(func() {
			p.remove("bob", bob)
			go func() {
				defer close(done)
				c.Disconnect(context.Background(), "bob", bob, false)
			}()
		})
	}

	_, err := c.Offer(context.Background(), "alice", alice, "bob", offerSDP, models.CallTypeAudio)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disconnect did not finish")
	}
	assert.Equal(t, 0, c.ActiveCount())
	assert.Equal(t, 1, alice.Count(models.EventCallCancelled))
	assert.Equal(t, 0, alice.Count(models.EventCallTimeout))
}

func TestCoordinator_EndWhileRinging(t *testing.T) {
	c, _, alice, bob := setup(t, time.Minute)
	ctx := context.Background()

	_, err := c.Offer(ctx, "alice", alice, "bob", offerSDP, models.CallTypeAudio)
	require.NoError(t, err)
	info, err := c.End(ctx, "bob", bob, "alice")
	require.NoError(t, err)
	assert.Equal(t, StateRejected, info.State)
	assert.Equal(t, 1, alice.Count(models.EventCallRejected))

	_, err = c.Offer(ctx, "alice", alice, "bob", offerSDP, models.CallTypeAudio)
	require.NoError(t, err)
	info, err = c.End(ctx, "alice", alice, "bob")
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, info.State)
}

func TestCoordinator_ConcurrentOffersOneWins(t *testing.T) {
	c, _, alice, bob := setup(t, time.Minute)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, err = c.Offer(ctx, "alice", alice, "bob", offerSDP, models.CallTypeVideo)
			} else {
				_, err = c.Offer(ctx, "bob", bob, "alice", offerSDP, models.CallTypeVideo)
			}
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, c.ActiveCount())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "ringing", StateRinging.String())
	assert.Equal(t, "timed_out", StateTimedOut.String())
	assert.Equal(t, "idle", State(0).String())
	assert.False(t, StateActive.Terminal())
	assert.True(t, StateFailed.Terminal())
}
