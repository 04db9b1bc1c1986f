package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/realtime-chat/internal/messaging"
	"github.com/mossy-p/realtime-chat/internal/middleware"
	"github.com/mossy-p/realtime-chat/internal/models"
	"github.com/mossy-p/realtime-chat/internal/redis"
)

// RoomStore is the room membership collaborator behind the REST API.
type RoomStore interface {
	CreateRoom(ctx context.Context, creatorID, name string, memberIDs []string) (models.RoomMetadata, []string, error)
	GetRoom(ctx context.Context, roomID string) (models.RoomMetadata, error)
	IsMember(ctx context.Context, roomID, userID string) (bool, error)
	AddMember(ctx context.Context, roomID, userID string) error
	RemoveMember(ctx context.Context, roomID, userID string) error
	DeleteRoom(ctx context.Context, roomID, requesterID string) error
}

type RoomHandler struct {
	store  RoomStore
	logger *slog.Logger
}

func NewRoomHandler(store RoomStore, logger *slog.Logger) *RoomHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RoomHandler{store: store, logger: logger.With("component", "rooms")}
}

// CreateRoom creates a new room (requires authentication)
func (h *RoomHandler) CreateRoom(c *gin.Context) {
	userID := c.GetString(middleware.ContextUserID)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	var req models.CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	room, members, err := h.store.CreateRoom(c.Request.Context(), userID, req.Name, req.MemberIDs)
	if err != nil {
		h.logger.Error("failed to create room", "user", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create room"})
		return
	}

	h.logger.Info("room created", "room", room.ID, "creator", userID, "members", len(members))

	c.JSON(http.StatusCreated, models.CreateRoomResponse{
		RoomID:    room.ID,
		MemberIDs: members,
	})
}

// GetRoom gets room information by ID (public)
func (h *RoomHandler) GetRoom(c *gin.Context) {
	room, err := h.store.GetRoom(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

// AddMember adds a user to a room. Only members can add members.
func (h *RoomHandler) AddMember(c *gin.Context) {
	userID := c.GetString(middleware.ContextUserID)
	roomID := c.Param("roomId")

	var req models.AddMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ok, err := h.store.IsMember(c.Request.Context(), roomID, userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only room members can add members"})
		return
	}

	if err := h.store.AddMember(c.Request.Context(), roomID, req.UserID); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"roomId": roomID, "userId": req.UserID})
}

// RemoveMember removes a user from a room. Users may leave on their own; the
// creator may remove anyone.
func (h *RoomHandler) RemoveMember(c *gin.Context) {
	userID := c.GetString(middleware.ContextUserID)
	roomID := c.Param("roomId")
	target := c.Param("userId")

	if target != userID {
		room, err := h.store.GetRoom(c.Request.Context(), roomID)
		if err != nil {
			h.fail(c, err)
			return
		}
		if room.CreatorID != userID {
			c.JSON(http.StatusForbidden, gin.H{"error": "Only the room creator can remove other members"})
			return
		}
	}

	if err := h.store.RemoveMember(c.Request.Context(), roomID, target); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Member removed"})
}

// DeleteRoom deletes a room (requires authentication and creator)
func (h *RoomHandler) DeleteRoom(c *gin.Context) {
	userID := c.GetString(middleware.ContextUserID)
	roomID := c.Param("roomId")

	if err := h.store.DeleteRoom(c.Request.Context(), roomID, userID); err != nil {
		h.fail(c, err)
		return
	}

	h.logger.Info("room deleted", "room", roomID, "user", userID)

	c.JSON(http.StatusOK, gin.H{"message": "Room deleted"})
}

func (h *RoomHandler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, messaging.ErrNoSuchRoom):
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
	case errors.Is(err, redis.ErrNotCreator):
		c.JSON(http.StatusForbidden, gin.H{"error": "Only the room creator can delete the room"})
	default:
		h.logger.Error("room request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}
