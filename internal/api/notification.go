package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/lazerchat/internal/models"
	"go.uber.org/zap"
)

// NotificationService is the notification engine as seen by the API.
type NotificationService interface {
	Snapshot() ([]models.Notification, models.UnreadCount)
	MarkRead(ctx context.Context, id int64) error
	Remove(id int64) bool
	RemoveByObject(ctx context.Context, objectID, objectType string) (int, error)
	Refresh(ctx context.Context, force bool) error
}

type NotificationHandler struct {
	svc    NotificationService
	logger *zap.Logger
}

func NewNotificationHandler(svc NotificationService, logger *zap.Logger) *NotificationHandler {
	return &NotificationHandler{svc: svc, logger: logger}
}

// notificationView adds the rendered title to the wire shape.
type notificationView struct {
	models.Notification
	Title string `json:"title"`
}

type notificationListResponse struct {
	Notifications []notificationView  `json:"notifications"`
	Unread        models.UnreadCount `json:"unread"`
}

type readByObjectRequest struct {
	ObjectID   string `json:"object_id" binding:"required"`
	ObjectType string `json:"object_type" binding:"required"`
}

func (h *NotificationHandler) listResponse(unreadOnly bool) notificationListResponse {
	items, counts := h.svc.Snapshot()
	views := make([]notificationView, 0, len(items))
	for _, n := range items {
		if unreadOnly && n.IsRead {
			continue
		}
		views = append(views, notificationView{Notification: n, Title: n.Title()})
	}
	return notificationListResponse{Notifications: views, Unread: counts}
}

// List handles GET /v1/notifications?unread=true
//
// Newest first. The array is never null, so clients can iterate it without
// a nil check.
func (h *NotificationHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, h.listResponse(c.Query("unread") == "true"))
}

// MarkRead handles POST /v1/notifications/:id/read
//
// Negative ids are the client-synthesized ones for socket-only events; they
// are valid here.
func (h *NotificationHandler) MarkRead(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid notification id"})
		return
	}

	if err := h.svc.MarkRead(c.Request.Context(), id); err != nil {
		respondError(c, h.logger, "failed to mark notification read", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Remove handles DELETE /v1/notifications/:id
//
// Local only: the server keeps the notification.
func (h *NotificationHandler) Remove(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid notification id"})
		return
	}
	if !h.svc.Remove(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "notification not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

// ReadByObject handles POST /v1/notifications/read-by-object
//
// Marks every notification about one object read with a single upstream
// call, e.g. after the user opened the channel they are about.
func (h *NotificationHandler) ReadByObject(c *gin.Context) {
	var req readByObjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	n, err := h.svc.RemoveByObject(c.Request.Context(), req.ObjectID, req.ObjectType)
	if err != nil {
		respondError(c, h.logger, "failed to mark notifications read", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"marked": n})
}

// Refresh handles POST /v1/notifications/refresh
//
// Always refetches, then returns the new list.
func (h *NotificationHandler) Refresh(c *gin.Context) {
	if err := h.svc.Refresh(c.Request.Context(), true); err != nil {
		respondError(c, h.logger, "failed to refresh notifications", err)
		return
	}
	c.JSON(http.StatusOK, h.listResponse(false))
}
