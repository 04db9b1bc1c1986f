package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/mossy-p/realtime-chat/config"
	"github.com/mossy-p/realtime-chat/internal/middleware"
)

// NewRouter mounts the HTTP surface: health, token issuing, presence and
// room APIs, and the realtime websocket endpoint.
func NewRouter(cfg *config.Config, realtime *RealtimeHandler, rooms *RoomHandler, presence *PresenceHandler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(cfg.AllowedOrigins))

	router.GET("/health", presence.Health)

	auth := middleware.JWTAuth(cfg.JWTSecret)

	apiGroup := router.Group("/api")
	{
		// Login endpoint (public)
		apiGroup.POST("/auth/login", Login(cfg.JWTSecret))

		apiGroup.GET("/presence", presence.OnlineUsers)
		apiGroup.GET("/presence/:userId", presence.UserPresence)

		apiGroup.POST("/rooms", auth, rooms.CreateRoom)
		apiGroup.GET("/rooms/:roomId", rooms.GetRoom)
		apiGroup.POST("/rooms/:roomId/members", auth, rooms.AddMember)
		apiGroup.DELETE("/rooms/:roomId/members/:userId", auth, rooms.RemoveMember)
		apiGroup.DELETE("/rooms/:roomId", auth, rooms.DeleteRoom)
	}

	wsAuth := middleware.OptionalJWTAuth(cfg.JWTSecret)
	if cfg.AuthRequired {
		wsAuth = auth
	}
	router.GET("/ws", wsAuth, realtime.HandleWebSocket)

	return router
}
