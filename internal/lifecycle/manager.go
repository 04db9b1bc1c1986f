// Package lifecycle wires client connections into presence, messaging,
// typing and call signaling. It is the only package that knows about all of
// them.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mossy-p/realtime-chat/internal/calls"
	"github.com/mossy-p/realtime-chat/internal/messaging"
	"github.com/mossy-p/realtime-chat/internal/models"
	"github.com/mossy-p/realtime-chat/internal/presence"
	"github.com/mossy-p/realtime-chat/internal/transport"
	"github.com/mossy-p/realtime-chat/internal/typing"
)

const defaultOpTimeout = 5 * time.Second

// Identity is what the transport authenticated before the connection was
// attached. It is empty when authentication is disabled.
type Identity struct {
	UserID   string
	Username string
}

// Client is the per-connection state. It is only touched by the goroutine
// reading the connection, so it needs no locking.
type Client struct {
	conn       transport.Conn
	identity   Identity
	userID     string
	username   string
	registered bool
	attachedAt time.Time
}

// UserID is empty until the client registered.
func (c *Client) UserID() string { return c.userID }

func (c *Client) Registered() bool { return c.registered }

type Options struct {
	// AuthRequired rejects register events on connections without an
	// authenticated identity.
	AuthRequired bool
	// OpTimeout bounds collaborator lookups made while handling one event.
	OpTimeout time.Duration
}

type Manager struct {
	presence *presence.Registry
	router   *messaging.Router
	typing   *typing.Coordinator
	calls    *calls.Coordinator

	authRequired bool
	opTimeout    time.Duration
	now          func() time.Time
	logger       *slog.Logger
}

func NewManager(
	registry *presence.Registry,
	router *messaging.Router,
	typingCoordinator *typing.Coordinator,
	callCoordinator *calls.Coordinator,
	opts Options,
	logger *slog.Logger,
) *Manager {
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = defaultOpTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		presence:     registry,
		router:       router,
		typing:       typingCoordinator,
		calls:        callCoordinator,
		authRequired: opts.AuthRequired,
		opTimeout:    opts.OpTimeout,
		now:          time.Now,
		logger:       logger.With("component", "lifecycle"),
	}
}

// Attach starts tracking a freshly opened connection. The client becomes
// visible to other users only after it sends register.
func (m *Manager) Attach(conn transport.Conn, identity Identity) *Client {
	m.logger.Debug("connection attached", "conn", conn.ID(), "user", identity.UserID)
	return &Client{
		conn:       conn,
		identity:   identity,
		attachedAt: m.now(),
	}
}

// Detach tears down everything the connection contributed: typing state,
// presence and any call that depended on it. It is safe to call more than
// once.
func (m *Manager) Detach(ctx context.Context, c *Client) {
	c.conn.Close()
	if !c.registered {
		return
	}
	c.registered = false

	m.typing.ClearUser(ctx, c.userID)
	userID, offline := m.presence.Unregister(ctx, c.conn)
	if userID == "" {
		return
	}
	for _, info := range m.calls.Disconnect(ctx, userID, c.conn, !offline) {
		m.logger.Info("call terminated by disconnect", "call", info.ID, "user", userID, "state", info.State.String())
	}
	m.logger.Info("connection detached",
		"conn", c.conn.ID(),
		"user", userID,
		"offline", offline,
		"duration", m.now().Sub(c.attachedAt).Round(time.Second),
	)
}

func (m *Manager) register(c *Client, p models.RegisterPayload) {
	if c.registered {
		m.fail(c, models.EventRegister, codeAlreadyRegistered, "connection is already registered")
		return
	}
	if p.UserID == "" {
		m.fail(c, models.EventRegister, codeBadRequest, "userId is required")
		return
	}

	username := p.Username
	switch {
	case c.identity.UserID != "":
		if c.identity.UserID != p.UserID {
			m.fail(c, models.EventRegister, codeUnauthorized, "userId does not match the authenticated user")
			return
		}
		if c.identity.Username != "" {
			username = c.identity.Username
		}
	case m.authRequired:
		m.fail(c, models.EventRegister, codeUnauthorized, "authentication required")
		return
	}
	if username == "" {
		username = p.UserID
	}

	c.userID = p.UserID
	c.username = username
	c.registered = true

	first := m.presence.Register(c.userID, c.username, c.conn)
	m.send(c, models.NewEnvelope(models.EventRegistered, models.RegisteredPayload{
		UserID:       c.userID,
		ConnectionID: c.conn.ID(),
	}))
	if !first {
		// The broadcast only fires for a user's first connection; later
		// devices still need the current set.
		m.send(c, models.NewEnvelope(models.EventOnlineUsers, models.OnlineUsersPayload{
			UserIDs: m.presence.SnapshotOnlineUserIDs(),
		}))
	}
	m.logger.Info("client registered", "conn", c.conn.ID(), "user", c.userID, "first", first)
}

func (m *Manager) send(c *Client, env models.Envelope) {
	if err := c.conn.Send(env); err != nil {
		m.logger.Debug("reply not delivered", "conn", c.conn.ID(), "type", env.Type, "error", err)
	}
}

func (m *Manager) fail(c *Client, event models.EventType, code, message string) {
	m.send(c, models.NewEnvelope(models.EventError, models.ErrorPayload{
		Code:    code,
		Message: message,
		Event:   event,
	}))
}

func (m *Manager) callFail(c *Client, to string, err error) {
	m.send(c, models.NewEnvelope(models.EventCallError, models.CallErrorPayload{
		Code:    string(calls.CodeOf(err)),
		Message: errMessage(err),
		To:      to,
	}))
}

func errMessage(err error) string {
	var ce *calls.Error
	if errors.As(err, &ce) {
		return ce.Message
	}
	return err.Error()
}
