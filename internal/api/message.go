package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/lazerchat/internal/models"
	"go.uber.org/zap"
)

type MessageHandler struct {
	dir      ChatDirectory
	receipts ReceiptQueue
	logger   *zap.Logger
}

func NewMessageHandler(dir ChatDirectory, receipts ReceiptQueue, logger *zap.Logger) *MessageHandler {
	return &MessageHandler{dir: dir, receipts: receipts, logger: logger}
}

type createMessageRequest struct {
	Content  string `json:"content" binding:"required"`
	IsAction bool   `json:"is_action"`
}

// Create handles POST /v1/channels/:id/messages
//
// Our own message is seen by definition, so it also queues a read receipt.
func (h *MessageHandler) Create(c *gin.Context) {
	var req createMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	channelID, err := parseID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid channel id"})
		return
	}

	msg, err := h.dir.Send(c.Request.Context(), channelID, req.Content, req.IsAction)
	if err != nil {
		respondError(c, h.logger, "failed to send message", err)
		return
	}
	h.receipts.MarkSeen(channelID, msg.MessageID)

	c.JSON(http.StatusCreated, msg)
}

// List handles GET /v1/channels/:id/messages?limit=50&since=100&until=200
//
// Pagination is by message id:
//   - "since" = only messages newer than this id.
//   - "until" = only messages older than this id.
//   - "limit" = how many to return. Default 50, capped at 50.
//
// Without since/until the latest page is returned, from cache when warm.
func (h *MessageHandler) List(c *gin.Context) {
	channelID, err := parseID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid channel id"})
		return
	}

	var page models.Page
	for _, q := range []struct {
		key string
		dst *int64
	}{
		{"since", &page.Since},
		{"until", &page.Until},
	} {
		if v := c.Query(q.key); v != "" {
			*q.dst, err = strconv.ParseInt(v, 10, 64)
			if err != nil || *q.dst < 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid '" + q.key + "' parameter"})
				return
			}
		}
	}

	if l := c.Query("limit"); l != "" {
		page.Limit, err = strconv.Atoi(l)
		if err != nil || page.Limit < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'limit' parameter"})
			return
		}
		if page.Limit > 50 {
			page.Limit = 50
		}
	}

	messages, err := h.dir.Messages(c.Request.Context(), channelID, page)
	if err != nil {
		respondError(c, h.logger, "failed to list messages", err)
		return
	}
	if messages == nil {
		messages = []models.ChatMessage{}
	}
	c.JSON(http.StatusOK, messages)
}
