package api

import (
	"github.com/gin-gonic/gin"
	"github.com/lalith-99/lazerchat/internal/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Deps is everything the control API serves from.
type Deps struct {
	Tokens        CredentialStore
	Transport     Transport
	Notifications NotificationService
	Unread        UnreadSource
	Directory     Directory
	Receipts      ReceiptQueue

	// Checks are reported by /v1/health.
	Checks map[string]HealthCheck

	// JWTSecret, when set, protects every /v1 route except health.
	JWTSecret string
	Logger    *zap.Logger
}

// Transport is the full transport surface the API uses.
type Transport interface {
	Connector
	Connection
	EventSource
}

// Directory is the full chat directory surface the API uses.
type Directory interface {
	ChatDirectory
	UserLookup
}

// NewRouter wires every control-API route.
func NewRouter(d Deps) *gin.Engine {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := gin.New()
	r.Use(middleware.RequestLogger(logger), gin.Recovery())

	conn := NewConnectionHandler(d.Transport, d.Unread, d.Checks, logger)
	session := NewSessionHandler(d.Tokens, d.Transport, logger)
	notifications := NewNotificationHandler(d.Notifications, logger)
	channels := NewChannelHandler(d.Directory, d.Receipts, logger)
	messages := NewMessageHandler(d.Directory, d.Receipts, logger)
	users := NewUserHandler(d.Directory, logger)
	events := NewEventsHandler(d.Transport, logger)

	// Health and metrics are PUBLIC so local supervisors and scrapers can
	// reach them without a token.
	r.GET("/v1/health", conn.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	if d.JWTSecret != "" {
		v1.Use(middleware.AuthMiddleware(d.JWTSecret))
	}

	v1.GET("/session", session.Get)
	v1.PUT("/session", session.Set)
	v1.DELETE("/session", session.Delete)

	v1.POST("/transport/foreground", conn.Foreground)
	v1.POST("/transport/reconnect", conn.Reconnect)
	v1.GET("/events", events.Stream)

	v1.GET("/notifications", notifications.List)
	v1.POST("/notifications/refresh", notifications.Refresh)
	v1.POST("/notifications/read-by-object", notifications.ReadByObject)
	v1.POST("/notifications/:id/read", notifications.MarkRead)
	v1.DELETE("/notifications/:id", notifications.Remove)

	v1.GET("/channels", channels.List)
	v1.POST("/channels/:id/seen/:message_id", channels.Seen)
	v1.GET("/channels/:id/messages", messages.List)
	v1.POST("/channels/:id/messages", messages.Create)

	v1.GET("/users/:id", users.GetByID)

	return r
}
