package models

import "time"

// RoomMetadata stores information about a group room
type RoomMetadata struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	CreatorID   string    `json:"creatorId"` // User ID from JWT who created the room
	CreatedAt   time.Time `json:"createdAt"`
	MemberCount int       `json:"memberCount"`
}

// CreateRoomRequest is the request body for creating a room
type CreateRoomRequest struct {
	Name      string   `json:"name" binding:"required,max=100"`
	MemberIDs []string `json:"memberIds" binding:"max=256,dive,required"`
}

// CreateRoomResponse is the response for creating a room
type CreateRoomResponse struct {
	RoomID    string   `json:"roomId"`
	MemberIDs []string `json:"memberIds"`
}

// AddMemberRequest adds a single user to a room
type AddMemberRequest struct {
	UserID string `json:"userId" binding:"required"`
}

// PresenceResponse describes one user's presence
type PresenceResponse struct {
	UserID      string     `json:"userId"`
	Online      bool       `json:"online"`
	Connections int        `json:"connections"`
	LastSeenAt  *time.Time `json:"lastSeenAt,omitempty"`
}
