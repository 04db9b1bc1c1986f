package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/realtime-chat/internal/models"
	"github.com/mossy-p/realtime-chat/internal/presence"
)

// LastSeenReader looks up offline timestamps recorded by earlier processes.
type LastSeenReader interface {
	LastSeen(ctx context.Context, userID string) (time.Time, bool, error)
}

type PresenceHandler struct {
	registry *presence.Registry
	lastSeen LastSeenReader
	logger   *slog.Logger
}

// NewPresenceHandler serves presence queries. lastSeen may be nil.
func NewPresenceHandler(registry *presence.Registry, lastSeen LastSeenReader, logger *slog.Logger) *PresenceHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PresenceHandler{registry: registry, lastSeen: lastSeen, logger: logger.With("component", "presence-api")}
}

// OnlineUsers returns the online set.
func (h *PresenceHandler) OnlineUsers(c *gin.Context) {
	c.JSON(http.StatusOK, models.OnlineUsersPayload{UserIDs: h.registry.SnapshotOnlineUserIDs()})
}

// UserPresence returns one user's presence and, when offline, last seen.
func (h *PresenceHandler) UserPresence(c *gin.Context) {
	userID := c.Param("userId")
	resp := models.PresenceResponse{
		UserID:      userID,
		Connections: len(h.registry.ConnectionsOf(userID)),
	}
	resp.Online = resp.Connections > 0
	if resp.Online {
		c.JSON(http.StatusOK, resp)
		return
	}

	if at, ok := h.registry.LastSeen(userID); ok {
		resp.LastSeenAt = &at
	} else if h.lastSeen != nil {
		at, ok, err := h.lastSeen.LastSeen(c.Request.Context(), userID)
		if err != nil {
			h.logger.Warn("failed to read last seen", "user", userID, "error", err)
		} else if ok {
			resp.LastSeenAt = &at
		}
	}
	c.JSON(http.StatusOK, resp)
}

// Health reports liveness and the number of online users.
func (h *PresenceHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "online": h.registry.OnlineCount()})
}
