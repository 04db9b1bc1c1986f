package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/realtime-chat/internal/lifecycle"
	"github.com/mossy-p/realtime-chat/internal/middleware"
	"github.com/mossy-p/realtime-chat/internal/transport"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// RealtimeHandler upgrades clients onto the realtime event channel.
type RealtimeHandler struct {
	manager      *lifecycle.Manager
	authRequired bool
	bufferSize   int
	logger       *slog.Logger
}

func NewRealtimeHandler(manager *lifecycle.Manager, authRequired bool, bufferSize int, logger *slog.Logger) *RealtimeHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RealtimeHandler{
		manager:      manager,
		authRequired: authRequired,
		bufferSize:   bufferSize,
		logger:       logger.With("component", "websocket"),
	}
}

// HandleWebSocket serves one client connection until it goes away. The
// identity comes from the JWT middleware; the client still has to send
// register before anything else.
func (h *RealtimeHandler) HandleWebSocket(c *gin.Context) {
	identity := lifecycle.Identity{
		UserID:   c.GetString(middleware.ContextUserID),
		Username: c.GetString(middleware.ContextUsername),
	}
	if h.authRequired && identity.UserID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization required"})
		return
	}

	// Upgrade HTTP connection to WebSocket
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade connection", "error", err)
		return
	}

	conn := transport.NewWSConn(ws, h.bufferSize, h.logger)
	client := h.manager.Attach(conn, identity)

	// The request context ends with the handler; teardown must outlive it.
	ctx := context.WithoutCancel(c.Request.Context())
	conn.Serve(func(frame []byte) {
		h.manager.HandleFrame(ctx, client, frame)
	})
	h.manager.Detach(ctx, client)
}
