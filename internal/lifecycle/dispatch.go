package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/mossy-p/realtime-chat/internal/messaging"
	"github.com/mossy-p/realtime-chat/internal/models"
	"github.com/mossy-p/realtime-chat/internal/typing"
	"github.com/pion/webrtc/v4"
)

// Error codes carried by the error event.
const (
	codeBadRequest        = "bad_request"
	codeNotRegistered     = "not_registered"
	codeAlreadyRegistered = "already_registered"
	codeUnauthorized      = "unauthorized"
	codeForbidden         = "forbidden"
	codeNotFound          = "not_found"
	codeUnknownEvent      = "unknown_event"
	codeInternal          = "internal"
)

const maxContentLength = 4000

var errMissingPayload = errors.New("payload is required")

// HandleFrame decodes and dispatches one inbound frame. Frames of a
// connection must be handed over serially; that is what keeps messages of a
// single sender in order.
func (m *Manager) HandleFrame(ctx context.Context, c *Client, frame []byte) {
	var in models.InboundEnvelope
	if err := json.Unmarshal(frame, &in); err != nil || in.Type == "" {
		m.fail(c, "", codeBadRequest, "malformed event")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, m.opTimeout)
	defer cancel()

	if in.Type == models.EventRegister {
		p, err := decode[models.RegisterPayload](in.Payload)
		if err != nil {
			m.fail(c, in.Type, codeBadRequest, err.Error())
			return
		}
		m.register(c, p)
		return
	}
	if !c.registered {
		m.fail(c, in.Type, codeNotRegistered, "register before sending events")
		return
	}

	switch in.Type {
	case models.EventSendMessage:
		dispatch(ctx, m, c, in, m.sendMessage)
	case models.EventJoinRoom:
		dispatch(ctx, m, c, in, m.joinRoom)
	case models.EventLeaveRoom:
		dispatch(ctx, m, c, in, m.leaveRoom)
	case models.EventTyping:
		dispatch(ctx, m, c, in, m.startTyping)
	case models.EventStopTyping:
		dispatch(ctx, m, c, in, m.stopTyping)
	case models.EventCallOffer:
		dispatch(ctx, m, c, in, m.callOffer)
	case models.EventCallAnswer:
		dispatch(ctx, m, c, in, m.callAnswer)
	case models.EventCallICECandidate:
		dispatch(ctx, m, c, in, m.callICE)
	case models.EventCallCancel, models.EventCallReject, models.EventCallEnd:
		dispatch(ctx, m, c, in, func(ctx context.Context, c *Client, p models.CallTargetPayload) {
			m.callHangup(ctx, c, in.Type, p)
		})
	default:
		m.fail(c, in.Type, codeUnknownEvent, fmt.Sprintf("unknown event %q", in.Type))
	}
}

func dispatch[T any](ctx context.Context, m *Manager, c *Client, in models.InboundEnvelope, handle func(context.Context, *Client, T)) {
	p, err := decode[T](in.Payload)
	if err != nil {
		m.fail(c, in.Type, codeBadRequest, err.Error())
		return
	}
	handle(ctx, c, p)
}

func decode[T any](raw json.RawMessage) (T, error) {
	var p T
	if len(raw) == 0 || string(raw) == "null" {
		return p, errMissingPayload
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("invalid payload: %w", err)
	}
	return p, nil
}

func (m *Manager) sendMessage(ctx context.Context, c *Client, p models.SendMessagePayload) {
	target, err := models.ResolveTarget(p.ToUserID, p.RoomID)
	if err != nil {
		m.fail(c, models.EventSendMessage, codeBadRequest, err.Error())
		return
	}
	content := strings.TrimSpace(p.Content)
	if content == "" {
		m.fail(c, models.EventSendMessage, codeBadRequest, "content is required")
		return
	}
	if utf8.RuneCountInString(content) > maxContentLength {
		m.fail(c, models.EventSendMessage, codeBadRequest, "content is too long")
		return
	}
	messageType := p.MessageType
	if messageType == "" {
		messageType = models.MessageTypeText
	}

	msg := models.ChatMessage{
		ID:          uuid.New().String(),
		FromUserID:  c.userID,
		FromName:    c.username,
		Target:      target,
		Content:     content,
		MessageType: messageType,
		CreatedAt:   m.now(),
	}

	var res messaging.DeliveryResult
	if target.IsUser() {
		res, err = m.router.SendDirect(ctx, msg)
	} else {
		res, err = m.router.SendToRoom(ctx, msg, c.conn)
	}
	if err != nil {
		m.failLookup(c, models.EventSendMessage, err)
		return
	}
	m.typing.ClearTyping(ctx, c.userID, target)

	ack := models.MessageSentPayload{
		ID:        msg.ID,
		Delivered: res.Delivered(),
		Timestamp: msg.CreatedAt.UnixMilli(),
	}
	if target.IsUser() {
		ack.ToUserID = target.ID()
	} else {
		ack.RoomID = target.ID()
	}
	m.send(c, models.NewEnvelope(models.EventMessageSent, ack))
}

func (m *Manager) joinRoom(ctx context.Context, c *Client, p models.RoomPayload) {
	if p.RoomID == "" {
		m.fail(c, models.EventJoinRoom, codeBadRequest, "roomId is required")
		return
	}
	members, err := m.router.Members(ctx, p.RoomID)
	if err != nil {
		m.failLookup(c, models.EventJoinRoom, err)
		return
	}
	online := make([]string, 0, len(members))
	isMember := false
	for _, id := range members {
		if id == c.userID {
			isMember = true
		}
		if m.presence.IsOnline(id) {
			online = append(online, id)
		}
	}
	if !isMember {
		m.fail(c, models.EventJoinRoom, codeForbidden, "not a member of this room")
		return
	}
	m.send(c, models.NewEnvelope(models.EventRoomJoined, models.RoomJoinedPayload{
		RoomID:          p.RoomID,
		OnlineMemberIDs: online,
	}))

	// Catch the viewer up on who is typing right now.
	for _, userID := range m.typing.TypingUsers(models.RoomTarget(p.RoomID)) {
		if userID == c.userID {
			continue
		}
		c.conn.TrySend(models.NewEnvelope(models.EventUserTyping, models.UserTypingPayload{
			UserID:   userID,
			Username: m.presence.Username(userID),
			RoomID:   p.RoomID,
		}))
	}
}

func (m *Manager) leaveRoom(ctx context.Context, c *Client, p models.RoomPayload) {
	if p.RoomID == "" {
		m.fail(c, models.EventLeaveRoom, codeBadRequest, "roomId is required")
		return
	}
	m.typing.ClearTyping(ctx, c.userID, models.RoomTarget(p.RoomID))
	m.send(c, models.NewEnvelope(models.EventRoomLeft, models.RoomPayload{RoomID: p.RoomID}))
}

func (m *Manager) startTyping(ctx context.Context, c *Client, p models.TypingPayload) {
	target, ok := m.typingTarget(c, models.EventTyping, p)
	if !ok {
		return
	}
	if err := m.typing.SetTyping(ctx, c.userID, target); err != nil {
		m.failLookup(c, models.EventTyping, err)
	}
}

func (m *Manager) stopTyping(ctx context.Context, c *Client, p models.TypingPayload) {
	target, ok := m.typingTarget(c, models.EventStopTyping, p)
	if !ok {
		return
	}
	m.typing.ClearTyping(ctx, c.userID, target)
}

func (m *Manager) typingTarget(c *Client, event models.EventType, p models.TypingPayload) (models.ChatTarget, bool) {
	target, err := models.ResolveTarget(p.ToUserID, p.RoomID)
	if err != nil {
		m.fail(c, event, codeBadRequest, err.Error())
		return models.ChatTarget{}, false
	}
	if target.IsUser() && target.ID() == c.userID {
		m.fail(c, event, codeBadRequest, "cannot type to yourself")
		return models.ChatTarget{}, false
	}
	return target, true
}

func (m *Manager) callOffer(ctx context.Context, c *Client, p models.CallOfferPayload) {
	switch {
	case p.To == "":
		m.fail(c, models.EventCallOffer, codeBadRequest, "to is required")
		return
	case p.From != "" && p.From != c.userID:
		m.fail(c, models.EventCallOffer, codeBadRequest, "from does not match the registered user")
		return
	case !p.CallType.Valid():
		m.fail(c, models.EventCallOffer, codeBadRequest, "callType must be audio or video")
		return
	}
	if err := validateSDP(p.Offer, webrtc.SDPTypeOffer); err != nil {
		m.fail(c, models.EventCallOffer, codeBadRequest, err.Error())
		return
	}
	if _, err := m.calls.Offer(ctx, c.userID, c.conn, p.To, p.Offer, p.CallType); err != nil {
		m.callFail(c, p.To, err)
	}
}

func (m *Manager) callAnswer(ctx context.Context, c *Client, p models.CallAnswerPayload) {
	if p.To == "" {
		m.fail(c, models.EventCallAnswer, codeBadRequest, "to is required")
		return
	}
	if err := validateSDP(p.Answer, webrtc.SDPTypeAnswer); err != nil {
		m.fail(c, models.EventCallAnswer, codeBadRequest, err.Error())
		return
	}
	if _, err := m.calls.Answer(ctx, c.userID, c.conn, p.To, p.Answer); err != nil {
		m.callFail(c, p.To, err)
	}
}

func (m *Manager) callICE(ctx context.Context, c *Client, p models.CallICEPayload) {
	if p.To == "" || p.Candidate.Candidate == "" {
		m.fail(c, models.EventCallICECandidate, codeBadRequest, "to and candidate are required")
		return
	}
	if _, err := m.calls.ICECandidate(ctx, c.userID, p.To, p.Candidate); err != nil {
		m.callFail(c, p.To, err)
	}
}

func (m *Manager) callHangup(ctx context.Context, c *Client, event models.EventType, p models.CallTargetPayload) {
	if p.To == "" {
		m.fail(c, event, codeBadRequest, "to is required")
		return
	}
	var err error
	switch event {
	case models.EventCallCancel:
		_, err = m.calls.Cancel(ctx, c.userID, p.To)
	case models.EventCallReject:
		_, err = m.calls.Reject(ctx, c.userID, c.conn, p.To)
	case models.EventCallEnd:
		_, err = m.calls.End(ctx, c.userID, c.conn, p.To)
	}
	if err != nil {
		m.callFail(c, p.To, err)
	}
}

// validateSDP checks the description type and that a body is present. The
// body itself is opaque here and relayed untouched.
func validateSDP(desc webrtc.SessionDescription, want webrtc.SDPType) error {
	if desc.Type != want {
		return fmt.Errorf("expected %s description, got %s", want, desc.Type)
	}
	if strings.TrimSpace(desc.SDP) == "" {
		return errors.New("sdp is required")
	}
	return nil
}

// failLookup maps collaborator errors onto error codes.
func (m *Manager) failLookup(c *Client, event models.EventType, err error) {
	switch {
	case errors.Is(err, messaging.ErrNotMember), errors.Is(err, typing.ErrNotMember):
		m.fail(c, event, codeForbidden, "not a member of this room")
	case errors.Is(err, messaging.ErrNoSuchRoom):
		m.fail(c, event, codeNotFound, "room not found")
	case errors.Is(err, context.DeadlineExceeded):
		m.fail(c, event, codeInternal, "lookup timed out")
	default:
		m.logger.Error("event failed", "event", event, "user", c.userID, "error", err)
		m.fail(c, event, codeInternal, "internal error")
	}
}
