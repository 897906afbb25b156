package http

import (
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/wasta-market/wasta-chat/internal/auth"
	"github.com/wasta-market/wasta-chat/internal/config"
	"github.com/wasta-market/wasta-chat/internal/realtime"
	"github.com/wasta-market/wasta-chat/internal/service/chat"
	"github.com/wasta-market/wasta-chat/internal/store"
)

// Deps are the services the HTTP layer serves.
type Deps struct {
	Auth   *auth.Service
	Chat   *chat.Service
	Users  store.UserStore
	Broker realtime.Broker
}

// NewServer builds the HTTP server with REST and WebSocket routes.
func NewServer(deps Deps, cfg *config.Config, logger *zerolog.Logger) *stdhttp.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(MetricsMiddleware())
	router.Use(LoggerMiddleware(logger))

	router.GET("/health", healthHandler)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	apiHandlers := NewAPIHandlers(deps.Auth, deps.Users, logger)
	serviceHandlers := NewServiceHandlers(deps.Chat, logger)
	roomHandlers := NewRoomHandlers(deps.Chat, logger)

	api := router.Group("/api")
	api.POST("/register", apiHandlers.Register)
	api.POST("/login", apiHandlers.Login)

	authed := api.Group("")
	authed.Use(AuthMiddleware(deps.Auth, logger))
	authed.GET("/me", apiHandlers.Me)
	authed.POST("/services", serviceHandlers.CreateService)
	authed.GET("/services/:id", serviceHandlers.GetService)
	authed.GET("/rooms", roomHandlers.ListRooms)
	authed.POST("/rooms", roomHandlers.CreateRoom)
	authed.GET("/rooms/:id/messages", roomHandlers.ListMessages)
	authed.GET("/rooms/:id/messages/latest", roomHandlers.LatestMessage)
	authed.POST("/rooms/:id/messages", roomHandlers.SendMessage)
	authed.GET("/rooms/:id/unread", roomHandlers.CountUnread)
	authed.POST("/rooms/:id/read", roomHandlers.MarkRead)

	// The WebSocket upgrade hijacks the connection, which gin refuses once
	// the status is written, so /ws is served beside the router.
	mux := stdhttp.NewServeMux()
	mux.Handle("/ws", NewWSHandler(deps.Auth, deps.Chat, deps.Broker, cfg.MaxMessageBytes, logger))
	mux.Handle("/", router)

	return &stdhttp.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func healthHandler(c *gin.Context) {
	c.String(stdhttp.StatusOK, "ok")
}
