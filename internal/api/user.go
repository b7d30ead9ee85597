package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/lazerchat/internal/models"
	"go.uber.org/zap"
)

// UserLookup resolves profiles through the user cache.
type UserLookup interface {
	User(ctx context.Context, userID int64) (*models.User, error)
}

// UserHandler handles user-related operations.
type UserHandler struct {
	users  UserLookup
	logger *zap.Logger
}

func NewUserHandler(users UserLookup, logger *zap.Logger) *UserHandler {
	return &UserHandler{users: users, logger: logger}
}

// GetByID handles GET /v1/users/:id
//
// Served from the user cache; concurrent lookups of the same id share one
// upstream request.
func (h *UserHandler) GetByID(c *gin.Context) {
	userID, err := parseID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}

	user, err := h.users.User(c.Request.Context(), userID)
	if err != nil {
		respondError(c, h.logger, "failed to get user", err)
		return
	}

	// The lookup returns nil, nil when the server has no such user.
	if user == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}

	c.JSON(http.StatusOK, user)
}
