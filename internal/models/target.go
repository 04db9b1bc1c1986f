package models

import "errors"

var ErrAmbiguousTarget = errors.New("exactly one of toUserId or roomId is required")

type targetKind uint8

const (
	targetNone targetKind = iota
	targetUser
	targetRoom
)

// ChatTarget is either a user or a room, never both.
type ChatTarget struct {
	kind targetKind
	id   string
}

func UserTarget(userID string) ChatTarget { return ChatTarget{kind: targetUser, id: userID} }
func RoomTarget(roomID string) ChatTarget { return ChatTarget{kind: targetRoom, id: roomID} }

// ResolveTarget turns the loose {toUserId, roomId} pair of a client payload
// into a ChatTarget.
func ResolveTarget(toUserID, roomID string) (ChatTarget, error) {
	switch {
	case toUserID != "" && roomID == "":
		return UserTarget(toUserID), nil
	case roomID != "" && toUserID == "":
		return RoomTarget(roomID), nil
	default:
		return ChatTarget{}, ErrAmbiguousTarget
	}
}

func (t ChatTarget) IsUser() bool { return t.kind == targetUser }
func (t ChatTarget) IsRoom() bool { return t.kind == targetRoom }
func (t ChatTarget) ID() string   { return t.id }

// Key is unique across both kinds.
func (t ChatTarget) Key() string {
	switch t.kind {
	case targetUser:
		return "user:" + t.id
	case targetRoom:
		return "room:" + t.id
	}
	return ""
}

func (t ChatTarget) String() string { return t.Key() }
