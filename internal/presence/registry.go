// Package presence is the source of truth for which users are online and
// through which connections they can be reached.
package presence

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mossy-p/realtime-chat/internal/keylock"
	"github.com/mossy-p/realtime-chat/internal/models"
	"github.com/mossy-p/realtime-chat/internal/transport"
)

const (
	shardCount       = 32
	lastSeenDeadline = 2 * time.Second
)

// LastSeenStore mirrors offline timestamps outside the process.
type LastSeenStore interface {
	SetLastSeen(ctx context.Context, userID string, at time.Time) error
}

type entry struct {
	username string
	conns    map[string]transport.Conn
}

type userShard struct {
	mu       sync.RWMutex
	users    map[string]*entry
	lastSeen map[string]time.Time
}

type connShard struct {
	mu     sync.RWMutex
	owners map[string]string // connection ID -> user ID
}

// Registry maps users to their live connections. State is sharded by user ID
// and connection ID so unrelated users never contend.
type Registry struct {
	users [shardCount]userShard
	conns [shardCount]connShard

	// broadcastMu orders online-users broadcasts so no client sees an older
	// snapshot after a newer one.
	broadcastMu sync.Mutex

	store  LastSeenStore
	now    func() time.Time
	logger *slog.Logger
}

type Option func(*Registry)

// WithLastSeenStore mirrors offline timestamps to s.
func WithLastSeenStore(s LastSeenStore) Option {
	return func(r *Registry) { r.store = s }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		now:    time.Now,
		logger: slog.Default(),
	}
	for i := range r.users {
		r.users[i].users = make(map[string]*entry)
		r.users[i].lastSeen = make(map[string]time.Time)
		r.conns[i].owners = make(map[string]string)
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "presence")
	return r
}

func (r *Registry) userShard(userID string) *userShard {
	return &r.users[keylock.ShardIndex(userID, shardCount)]
}

func (r *Registry) connShard(connID string) *connShard {
	return &r.conns[keylock.ShardIndex(connID, shardCount)]
}

// Register adds conn to userID's connection set. When it is the user's first
// connection every live connection receives the new online set. It reports
// whether the user just came online.
func (r *Registry) Register(userID, username string, conn transport.Conn) bool {
	cs := r.connShard(conn.ID())
	cs.mu.Lock()
	cs.owners[conn.ID()] = userID
	cs.mu.Unlock()

	us := r.userShard(userID)
	us.mu.Lock()
	e, ok := us.users[userID]
	if !ok {
		e = &entry{conns: make(map[string]transport.Conn)}
		us.users[userID] = e
	}
	if username != "" {
		e.username = username
	}
	e.conns[conn.ID()] = conn
	first := len(e.conns) == 1
	delete(us.lastSeen, userID)
	us.mu.Unlock()

	if first {
		r.logger.Info("user online", "user", userID)
		r.broadcastOnline()
	}
	return first
}

// Unregister removes conn from whichever user owns it. Unknown connections
// are ignored. It returns the owning user and whether that user went offline.
func (r *Registry) Unregister(ctx context.Context, conn transport.Conn) (string, bool) {
	cs := r.connShard(conn.ID())
	cs.mu.Lock()
	userID, ok := cs.owners[conn.ID()]
	delete(cs.owners, conn.ID())
	cs.mu.Unlock()
	if !ok {
		return "", false
	}

	us := r.userShard(userID)
	us.mu.Lock()
	e, ok := us.users[userID]
	if !ok {
		us.mu.Unlock()
		return userID, false
	}
	delete(e.conns, conn.ID())
	offline := len(e.conns) == 0
	var seen time.Time
	if offline {
		seen = r.now()
		delete(us.users, userID)
		us.lastSeen[userID] = seen
	}
	us.mu.Unlock()

	if offline {
		r.logger.Info("user offline", "user", userID)
		r.persistLastSeen(ctx, userID, seen)
		r.broadcastOnline()
	}
	return userID, offline
}

func (r *Registry) persistLastSeen(ctx context.Context, userID string, at time.Time) {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lastSeenDeadline)
	defer cancel()
	if err := r.store.SetLastSeen(ctx, userID, at); err != nil {
		r.logger.Warn("failed to store last seen", "user", userID, "error", err)
	}
}

func (r *Registry) IsOnline(userID string) bool {
	us := r.userShard(userID)
	us.mu.RLock()
	defer us.mu.RUnlock()
	e, ok := us.users[userID]
	return ok && len(e.conns) > 0
}

// ConnectionsOf returns a snapshot of userID's live connections.
func (r *Registry) ConnectionsOf(userID string) []transport.Conn {
	us := r.userShard(userID)
	us.mu.RLock()
	defer us.mu.RUnlock()
	e, ok := us.users[userID]
	if !ok {
		return nil
	}
	out := make([]transport.Conn, 0, len(e.conns))
	for _, c := range e.conns {
		out = append(out, c)
	}
	return out
}

// Username returns the display name recorded for an online user.
func (r *Registry) Username(userID string) string {
	us := r.userShard(userID)
	us.mu.RLock()
	defer us.mu.RUnlock()
	if e, ok := us.users[userID]; ok {
		return e.username
	}
	return ""
}

// LastSeen returns when userID last went offline. It reports false for
// online users and users never seen by this process.
func (r *Registry) LastSeen(userID string) (time.Time, bool) {
	us := r.userShard(userID)
	us.mu.RLock()
	defer us.mu.RUnlock()
	at, ok := us.lastSeen[userID]
	return at, ok
}

// SnapshotOnlineUserIDs returns the online set in sorted order.
func (r *Registry) SnapshotOnlineUserIDs() []string {
	ids := make([]string, 0)
	for i := range r.users {
		us := &r.users[i]
		us.mu.RLock()
		for id := range us.users {
			ids = append(ids, id)
		}
		us.mu.RUnlock()
	}
	sort.Strings(ids)
	return ids
}

// OnlineCount returns the number of online users.
func (r *Registry) OnlineCount() int {
	n := 0
	for i := range r.users {
		us := &r.users[i]
		us.mu.RLock()
		n += len(us.users)
		us.mu.RUnlock()
	}
	return n
}

func (r *Registry) allConnections() []transport.Conn {
	var out []transport.Conn
	for i := range r.users {
		us := &r.users[i]
		us.mu.RLock()
		for _, e := range us.users {
			for _, c := range e.conns {
				out = append(out, c)
			}
		}
		us.mu.RUnlock()
	}
	return out
}

func (r *Registry) broadcastOnline() {
	r.broadcastMu.Lock()
	defer r.broadcastMu.Unlock()

	env := models.NewEnvelope(models.EventOnlineUsers, models.OnlineUsersPayload{
		UserIDs: r.SnapshotOnlineUserIDs(),
	})
	for _, c := range r.allConnections() {
		if err := c.Send(env); err != nil {
			r.logger.Debug("online-users not delivered", "conn", c.ID(), "error", err)
		}
	}
}
