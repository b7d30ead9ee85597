package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/lazerchat/internal/models"
	"github.com/lalith-99/lazerchat/internal/transport"
	"go.uber.org/zap"
)

// Connection is the realtime transport as seen by the API.
type Connection interface {
	Status() transport.Status
	Foreground(ctx context.Context) error
	Reconnect(ctx context.Context) error
}

// UnreadSource reports the unread counters.
type UnreadSource interface {
	Unread() models.UnreadCount
}

// HealthCheck probes an optional dependency such as the cache backing store.
type HealthCheck func(ctx context.Context) error

type ConnectionHandler struct {
	conn   Connection
	unread UnreadSource
	checks map[string]HealthCheck
	logger *zap.Logger
}

func NewConnectionHandler(conn Connection, unread UnreadSource, checks map[string]HealthCheck, logger *zap.Logger) *ConnectionHandler {
	return &ConnectionHandler{conn: conn, unread: unread, checks: checks, logger: logger}
}

type statusView struct {
	State    string `json:"state"`
	Error    string `json:"error,omitempty"`
	Attempts int    `json:"attempts"`
	Session  string `json:"session,omitempty"`
}

func newStatusView(s transport.Status) statusView {
	v := statusView{State: s.State.String(), Attempts: s.Attempts, Session: s.Session}
	if s.Err != nil {
		v.Error = s.Err.Error()
	}
	return v
}

// Health handles GET /v1/health
//
// Public, so local supervisors can probe it without a token. The daemon is
// "ok" even while disconnected; the connection state says why.
//
// A failing optional dependency degrades the status but keeps the 200: the
// realtime core works without it.
func (h *ConnectionHandler) Health(c *gin.Context) {
	status := "ok"
	deps := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(c.Request.Context()); err != nil {
			h.logger.Warn("health check failed", zap.String("dependency", name), zap.Error(err))
			deps[name] = err.Error()
			status = "degraded"
			continue
		}
		deps[name] = "ok"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":       status,
		"connection":   newStatusView(h.conn.Status()),
		"unread":       h.unread.Unread(),
		"dependencies": deps,
	})
}

// Foreground handles POST /v1/transport/foreground
//
// The host regained focus: skip any pending backoff and connect now.
func (h *ConnectionHandler) Foreground(c *gin.Context) {
	h.resume(c, h.conn.Foreground)
}

// Reconnect handles POST /v1/transport/reconnect
//
// The manual retry offered once automatic reconnection gave up.
func (h *ConnectionHandler) Reconnect(c *gin.Context) {
	h.resume(c, h.conn.Reconnect)
}

func (h *ConnectionHandler) resume(c *gin.Context, fn func(context.Context) error) {
	if err := fn(c.Request.Context()); err != nil {
		if errors.Is(err, transport.ErrNotAuthenticated) {
			respondError(c, h.logger, "resume failed", err)
			return
		}
		// Dial failures are reported through the status; the transport has
		// already scheduled a retry.
		h.logger.Warn("resume failed", zap.Error(err))
	}
	c.JSON(http.StatusOK, newStatusView(h.conn.Status()))
}
