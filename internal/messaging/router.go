// Package messaging routes direct and room chat messages to live
// connections. Delivery is best effort and at most once; durability belongs
// to the persistence sink.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"unicode/utf8"

	"github.com/mossy-p/realtime-chat/internal/models"
	"github.com/mossy-p/realtime-chat/internal/transport"
)

const previewLength = 80

var (
	ErrNotDirect  = errors.New("message is not addressed to a user")
	ErrNotRoom    = errors.New("message is not addressed to a room")
	ErrNotMember  = errors.New("sender is not a member of the room")
	ErrNoSuchRoom = errors.New("room not found")
)

// Presence resolves a user's live connections.
type Presence interface {
	ConnectionsOf(userID string) []transport.Conn
}

// MembershipLookup is the room membership collaborator. Implementations
// return ErrNoSuchRoom (possibly wrapped) for unknown rooms.
type MembershipLookup interface {
	Members(ctx context.Context, roomID string) ([]string, error)
}

// Sink receives every routed message. Enqueue must not block.
type Sink interface {
	Enqueue(msg models.ChatMessage)
}

type DeliveryStatus int

const (
	Undelivered DeliveryStatus = iota
	Delivered
)

func (s DeliveryStatus) String() string {
	if s == Delivered {
		return "delivered"
	}
	return "undelivered"
}

// DeliveryResult summarizes one routing call.
type DeliveryResult struct {
	Status DeliveryStatus
	// Recipients counts users, other than the sender, reached on at least one connection.
	Recipients int
	// Connections counts connections the message was enqueued on.
	Connections int
}

func (r DeliveryResult) Delivered() bool { return r.Status == Delivered }

type Router struct {
	presence Presence
	members  MembershipLookup
	sink     Sink
	logger   *slog.Logger
}

// NewRouter wires a router. sink may be nil.
func NewRouter(presence Presence, members MembershipLookup, sink Sink, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		presence: presence,
		members:  members,
		sink:     sink,
		logger:   logger.With("component", "messaging"),
	}
}

// SendDirect delivers msg to every live connection of its recipient and
// sends an advisory notification next to it. An offline recipient is not an
// error: the result is Undelivered.
func (r *Router) SendDirect(_ context.Context, msg models.ChatMessage) (DeliveryResult, error) {
	if !msg.Target.IsUser() {
		return DeliveryResult{}, ErrNotDirect
	}
	r.persist(msg)

	env := models.NewEnvelope(models.EventReceiveMessage, msg.ReceivePayload())
	conns := r.presence.ConnectionsOf(msg.Target.ID())
	res := DeliveryResult{}
	for _, c := range conns {
		if err := c.Send(env); err != nil {
			r.logger.Debug("direct delivery failed", "conn", c.ID(), "error", err)
			continue
		}
		res.Connections++
	}
	if res.Connections == 0 {
		return res, nil
	}
	res.Status = Delivered
	res.Recipients = 1

	note := models.NewEnvelope(models.EventNotification, models.NotificationPayload{
		MessageID:  msg.ID,
		FromUserID: msg.FromUserID,
		SenderName: msg.FromName,
		Preview:    preview(msg.Content),
	})
	for _, c := range conns {
		c.TrySend(note)
	}
	return res, nil
}

// SendToRoom delivers msg to the live connections of every room member.
// exclude, usually the sending connection, is skipped; the sender's other
// devices receive the message too. Offline members are skipped silently.
func (r *Router) SendToRoom(ctx context.Context, msg models.ChatMessage, exclude transport.Conn) (DeliveryResult, error) {
	if !msg.Target.IsRoom() {
		return DeliveryResult{}, ErrNotRoom
	}

	members, err := r.members.Members(ctx, msg.Target.ID())
	if err != nil {
		return DeliveryResult{}, fmt.Errorf("resolve members of %s: %w", msg.Target.ID(), err)
	}
	if !slices.Contains(members, msg.FromUserID) {
		return DeliveryResult{}, ErrNotMember
	}
	r.persist(msg)

	excludeID := ""
	if exclude != nil {
		excludeID = exclude.ID()
	}

	env := models.NewEnvelope(models.EventReceiveMessage, msg.ReceivePayload())
	res := DeliveryResult{}
	for _, member := range members {
		reached := false
		for _, c := range r.presence.ConnectionsOf(member) {
			if c.ID() == excludeID {
				continue
			}
			if err := c.Send(env); err != nil {
				r.logger.Debug("room delivery failed", "room", msg.Target.ID(), "conn", c.ID(), "error", err)
				continue
			}
			res.Connections++
			reached = true
		}
		if reached && member != msg.FromUserID {
			res.Recipients++
		}
	}
	if res.Recipients > 0 {
		res.Status = Delivered
	}
	return res, nil
}

// Members resolves the membership of a room.
func (r *Router) Members(ctx context.Context, roomID string) ([]string, error) {
	return r.members.Members(ctx, roomID)
}

func (r *Router) persist(msg models.ChatMessage) {
	if r.sink != nil {
		r.sink.Enqueue(msg)
	}
}

func preview(content string) string {
	if utf8.RuneCountInString(content) <= previewLength {
		return content
	}
	runes := []rune(content)
	return string(runes[:previewLength]) + "…"
}
