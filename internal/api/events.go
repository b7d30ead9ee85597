package api

import (
	"io"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/lazerchat/internal/models"
	"github.com/lalith-99/lazerchat/internal/transport"
	"go.uber.org/zap"
)

// eventBuffer bounds how far one slow stream client may fall behind before
// its events are dropped.
const eventBuffer = 64

// EventSource is the realtime transport's subscription surface.
type EventSource interface {
	SubscribeMessages(fn func(models.ChatMessage)) (unsubscribe func())
	SubscribeNotifications(fn func(models.Notification)) (unsubscribe func())
	SubscribeState(fn func(transport.Status)) (unsubscribe func())
}

// EventsHandler relays the live streams to control-API clients as
// server-sent events.
type EventsHandler struct {
	src    EventSource
	logger *zap.Logger
}

func NewEventsHandler(src EventSource, logger *zap.Logger) *EventsHandler {
	return &EventsHandler{src: src, logger: logger}
}

type event struct {
	name string
	data any
}

// Stream handles GET /v1/events
//
// Event names:
//   - "chat.message"  a live chat message, never our own
//   - "notification"  a classified notification
//   - "state"         a connection state change; the current state is sent first
//
// Listener callbacks run on the transport's read goroutine, so they only
// hand events to this request's goroutine and never block on the client.
func (h *EventsHandler) Stream(c *gin.Context) {
	events := make(chan event, eventBuffer)
	push := func(name string, data any) {
		select {
		case events <- event{name: name, data: data}:
		default:
			h.logger.Warn("event stream client too slow, dropping event", zap.String("event", name))
		}
	}

	// State first, so the client knows where it stands before any traffic.
	unsubState := h.src.SubscribeState(func(s transport.Status) { push("state", newStatusView(s)) })
	defer unsubState()
	unsubMessages := h.src.SubscribeMessages(func(m models.ChatMessage) { push("chat.message", m) })
	defer unsubMessages()
	unsubNotifications := h.src.SubscribeNotifications(func(n models.Notification) {
		push("notification", notificationView{Notification: n, Title: n.Title()})
	})
	defer unsubNotifications()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case ev := <-events:
			c.SSEvent(ev.name, ev.data)
			return true
		}
	})
}
