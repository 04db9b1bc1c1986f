package models

import (
	"encoding/json"
	"time"
)

// EventType names a realtime event exchanged with connected clients.
type EventType string

// Client to server events.
const (
	EventRegister         EventType = "register"
	EventSendMessage      EventType = "send-message"
	EventJoinRoom         EventType = "join-room"
	EventLeaveRoom        EventType = "leave-room"
	EventTyping           EventType = "typing"
	EventStopTyping       EventType = "stop-typing"
	EventCallOffer        EventType = "call:offer"
	EventCallAnswer       EventType = "call:answer"
	EventCallICECandidate EventType = "call:ice-candidate"
	EventCallCancel       EventType = "call:cancel"
	EventCallReject       EventType = "call:reject"
	EventCallEnd          EventType = "call:end"
)

// Server to client events. call:ice-candidate is shared with the inbound set.
const (
	EventRegistered            EventType = "registered"
	EventOnlineUsers           EventType = "online-users"
	EventReceiveMessage        EventType = "receive-message"
	EventMessageSent           EventType = "message-sent"
	EventNotification          EventType = "notification"
	EventRoomJoined            EventType = "room-joined"
	EventRoomLeft              EventType = "room-left"
	EventUserTyping            EventType = "user-typing"
	EventUserStopTyping        EventType = "user-stop-typing"
	EventCallIncoming          EventType = "call:incoming"
	EventCallAnswered          EventType = "call:answered"
	EventCallAnsweredElsewhere EventType = "call:answered-elsewhere"
	EventCallCancelled         EventType = "call:cancelled"
	EventCallRejected          EventType = "call:rejected"
	EventCallEnded             EventType = "call:ended"
	EventCallTimeout           EventType = "call:timeout"
	EventCallError             EventType = "call:error"
	EventError                 EventType = "error"
)

// Envelope is the outbound wire frame.
type Envelope struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload,omitempty"`
}

// InboundEnvelope is the inbound wire frame; the payload is decoded once the
// event type is known.
type InboundEnvelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope builds an outbound frame.
func NewEnvelope(t EventType, payload any) Envelope {
	return Envelope{Type: t, Payload: payload}
}

// ChatMessage is a routed chat message. It is immutable once routed.
type ChatMessage struct {
	ID          string
	FromUserID  string
	FromName    string
	Target      ChatTarget
	Content     string
	MessageType string
	CreatedAt   time.Time
}

// Default message type when the client does not send one.
const MessageTypeText = "text"

type RegisterPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
}

type RegisteredPayload struct {
	UserID       string `json:"userId"`
	ConnectionID string `json:"connectionId"`
}

type OnlineUsersPayload struct {
	UserIDs []string `json:"userIds"`
}

type SendMessagePayload struct {
	ToUserID    string `json:"toUserId,omitempty"`
	RoomID      string `json:"roomId,omitempty"`
	Content     string `json:"content"`
	MessageType string `json:"messageType,omitempty"`
}

type ReceiveMessagePayload struct {
	ID          string `json:"id"`
	RoomID      string `json:"roomId,omitempty"`
	FromUserID  string `json:"fromUserId"`
	SenderName  string `json:"senderName,omitempty"`
	Content     string `json:"content"`
	MessageType string `json:"messageType"`
	Timestamp   int64  `json:"timestamp"`
}

type MessageSentPayload struct {
	ID        string `json:"id"`
	ToUserID  string `json:"toUserId,omitempty"`
	RoomID    string `json:"roomId,omitempty"`
	Delivered bool   `json:"delivered"`
	Timestamp int64  `json:"timestamp"`
}

type NotificationPayload struct {
	MessageID  string `json:"messageId"`
	FromUserID string `json:"fromUserId"`
	SenderName string `json:"senderName,omitempty"`
	Preview    string `json:"preview"`
}

type RoomPayload struct {
	RoomID string `json:"roomId"`
}

type RoomJoinedPayload struct {
	RoomID          string   `json:"roomId"`
	OnlineMemberIDs []string `json:"onlineMemberIds"`
}

type TypingPayload struct {
	ToUserID string `json:"toUserId,omitempty"`
	RoomID   string `json:"roomId,omitempty"`
}

type UserTypingPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
	RoomID   string `json:"roomId,omitempty"`
}

type ErrorPayload struct {
	Code    string    `json:"code"`
	Message string    `json:"message"`
	Event   EventType `json:"event,omitempty"`
}

// ReceivePayload renders the receive-message payload for a routed message.
func (m ChatMessage) ReceivePayload() ReceiveMessagePayload {
	p := ReceiveMessagePayload{
		ID:          m.ID,
		FromUserID:  m.FromUserID,
		SenderName:  m.FromName,
		Content:     m.Content,
		MessageType: m.MessageType,
		Timestamp:   m.CreatedAt.UnixMilli(),
	}
	if m.Target.IsRoom() {
		p.RoomID = m.Target.ID()
	}
	return p
}
