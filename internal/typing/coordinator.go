// Package typing keeps ephemeral, self-expiring typing indicators per
// (user, conversation) pair.
package typing

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mossy-p/realtime-chat/internal/keylock"
	"github.com/mossy-p/realtime-chat/internal/models"
	"github.com/mossy-p/realtime-chat/internal/transport"
)

const (
	DefaultTTL     = 3 * time.Second
	shardCount     = 32
	lookupDeadline = 2 * time.Second
)

var ErrNotMember = errors.New("user is not a member of the room")

// Presence resolves connections and display names.
type Presence interface {
	ConnectionsOf(userID string) []transport.Conn
	Username(userID string) string
}

// MembershipLookup resolves room members for room-scoped indicators.
type MembershipLookup interface {
	Members(ctx context.Context, roomID string) ([]string, error)
}

type state struct {
	target    models.ChatTarget
	expiresAt time.Time
	gen       uint64
	timer     *time.Timer
}

type shard struct {
	mu    sync.Mutex
	users map[string]map[string]*state // user ID -> target key -> state
}

// Coordinator tracks who is typing to whom. Entries expire TTL after the last
// keystroke; expiry emits user-stop-typing just like an explicit clear.
// Changes to one user's indicators and the events they emit are serialized
// per user, across all of that user's devices.
type Coordinator struct {
	ttl      time.Duration
	presence Presence
	members  MembershipLookup
	order    *keylock.Locker
	shards   [shardCount]shard
	gen      atomic.Uint64
	now      func() time.Time
	logger   *slog.Logger
}

func NewCoordinator(ttl time.Duration, presence Presence, members MembershipLookup, logger *slog.Logger) *Coordinator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		ttl:      ttl,
		presence: presence,
		members:  members,
		order:    keylock.New(0),
		now:      time.Now,
		logger:   logger.With("component", "typing"),
	}
	for i := range c.shards {
		c.shards[i].users = make(map[string]map[string]*state)
	}
	return c
}

func (c *Coordinator) shard(userID string) *shard {
	return &c.shards[keylock.ShardIndex(userID, shardCount)]
}

// SetTyping starts or refreshes the indicator for userID in target. Only a
// transition from idle emits user-typing.
func (c *Coordinator) SetTyping(ctx context.Context, userID string, target models.ChatTarget) error {
	unlock := c.order.Lock(userID)
	defer unlock()

	gen := c.gen.Add(1)
	s := c.shard(userID)

	s.mu.Lock()
	targets := s.users[userID]
	if targets == nil {
		targets = make(map[string]*state)
		s.users[userID] = targets
	}
	st, ok := targets[target.Key()]
	now := c.now()
	started := !ok || !now.Before(st.expiresAt)
	if ok {
		st.timer.Stop()
	} else {
		st = &state{target: target}
		targets[target.Key()] = st
	}
	st.expiresAt = now.Add(c.ttl)
	st.gen = gen
	st.timer = time.AfterFunc(c.ttl, func() { c.expire(userID, target.Key(), gen) })
	s.mu.Unlock()

	if !started {
		return nil
	}

	recipients, err := c.recipients(ctx, userID, target)
	if err != nil {
		c.drop(userID, target.Key(), gen)
		return err
	}
	c.emit(models.EventUserTyping, userID, target, recipients)
	return nil
}

// ClearTyping stops the indicator immediately. Clearing an idle pair is a no-op.
func (c *Coordinator) ClearTyping(ctx context.Context, userID string, target models.ChatTarget) {
	unlock := c.order.Lock(userID)
	defer unlock()

	s := c.shard(userID)
	s.mu.Lock()
	st, ok := s.users[userID][target.Key()]
	if ok {
		st.timer.Stop()
		c.deleteLocked(s, userID, target.Key())
	}
	s.mu.Unlock()

	if ok {
		c.notifyStopped(ctx, userID, target)
	}
}

// ClearUser drops every indicator of userID, used on disconnect.
func (c *Coordinator) ClearUser(ctx context.Context, userID string) {
	unlock := c.order.Lock(userID)
	defer unlock()

	s := c.shard(userID)
	s.mu.Lock()
	targets := s.users[userID]
	delete(s.users, userID)
	s.mu.Unlock()

	for _, st := range targets {
		st.timer.Stop()
		c.notifyStopped(ctx, userID, st.target)
	}
}

// IsTyping reports whether an unexpired indicator exists.
func (c *Coordinator) IsTyping(userID string, target models.ChatTarget) bool {
	s := c.shard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.users[userID][target.Key()]
	return ok && c.now().Before(st.expiresAt)
}

// TypingUsers lists users with a live indicator toward target, for
// answering a viewer that just opened the conversation.
func (c *Coordinator) TypingUsers(target models.ChatTarget) []string {
	now := c.now()
	var out []string
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		for userID, targets := range s.users {
			if st, ok := targets[target.Key()]; ok && now.Before(st.expiresAt) {
				out = append(out, userID)
			}
		}
		s.mu.Unlock()
	}
	slices.Sort(out)
	return out
}

func (c *Coordinator) expire(userID, key string, gen uint64) {
	unlock := c.order.Lock(userID)
	defer unlock()

	s := c.shard(userID)
	s.mu.Lock()
	st, ok := s.users[userID][key]
	if !ok || st.gen != gen {
		s.mu.Unlock()
		return
	}
	c.deleteLocked(s, userID, key)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), lookupDeadline)
	defer cancel()
	c.notifyStopped(ctx, userID, st.target)
}

func (c *Coordinator) drop(userID, key string, gen uint64) {
	s := c.shard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.users[userID][key]; ok && st.gen == gen {
		st.timer.Stop()
		c.deleteLocked(s, userID, key)
	}
}

func (c *Coordinator) deleteLocked(s *shard, userID, key string) {
	targets := s.users[userID]
	delete(targets, key)
	if len(targets) == 0 {
		delete(s.users, userID)
	}
}

func (c *Coordinator) notifyStopped(ctx context.Context, userID string, target models.ChatTarget) {
	recipients, err := c.recipients(ctx, userID, target)
	if err != nil {
		c.logger.Debug("stop-typing not delivered", "user", userID, "target", target.Key(), "error", err)
		return
	}
	c.emit(models.EventUserStopTyping, userID, target, recipients)
}

// recipients resolves the users who should see userID's indicator.
func (c *Coordinator) recipients(ctx context.Context, userID string, target models.ChatTarget) ([]string, error) {
	if target.IsUser() {
		return []string{target.ID()}, nil
	}
	members, err := c.members.Members(ctx, target.ID())
	if err != nil {
		return nil, err
	}
	if !slices.Contains(members, userID) {
		return nil, ErrNotMember
	}
	out := make([]string, 0, len(members))
	for _, m := range members {
		if m != userID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (c *Coordinator) emit(event models.EventType, userID string, target models.ChatTarget, recipients []string) {
	payload := models.UserTypingPayload{
		UserID:   userID,
		Username: c.presence.Username(userID),
	}
	if target.IsRoom() {
		payload.RoomID = target.ID()
	}
	env := models.NewEnvelope(event, payload)
	for _, r := range recipients {
		for _, conn := range c.presence.ConnectionsOf(r) {
			conn.TrySend(env)
		}
	}
}
