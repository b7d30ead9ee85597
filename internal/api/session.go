package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/lazerchat/internal/auth"
	"go.uber.org/zap"
)

// CredentialStore is the persisted game-server session.
type CredentialStore interface {
	Set(accessToken, refreshToken string, userID int64) error
	Clear() error
	UserID() int64
	Authenticated() bool
}

// Connector opens the realtime connection.
type Connector interface {
	Connect(ctx context.Context) error
}

// SessionHandler hands the daemon a game-server access token, or takes it
// away. Signing in to the game server itself happens elsewhere; the daemon
// only ever receives the resulting token.
type SessionHandler struct {
	tokens CredentialStore
	conn   Connector
	logger *zap.Logger
}

func NewSessionHandler(tokens CredentialStore, conn Connector, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{tokens: tokens, conn: conn, logger: logger}
}

type setSessionRequest struct {
	AccessToken  string `json:"access_token" binding:"required"`
	RefreshToken string `json:"refresh_token"`
	UserID       int64  `json:"user_id"`
}

type sessionResponse struct {
	UserID        int64 `json:"user_id"`
	Authenticated bool  `json:"authenticated"`
}

// Set handles PUT /v1/session
//
// Flow:
//  1. Validate input
//  2. Work out the user id, from the body or the token's subject
//  3. Persist the token. If it belongs to another account, the store runs
//     its OnClear hooks first, so the old socket and caches are gone before
//     the new credentials are visible
//  4. Open the realtime connection
//
// A failed connect is not an error for the caller: the transport schedules
// its own retries and the state shows up on /v1/health.
func (h *SessionHandler) Set(c *gin.Context) {
	var req setSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := req.UserID
	if claims, err := auth.InspectAccessToken(req.AccessToken); err == nil {
		if !claims.ExpiresAt.IsZero() && time.Now().After(claims.ExpiresAt) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "access token has expired"})
			return
		}
		if userID == 0 {
			userID = claims.UserID
		}
	}
	// Without a user id the client cannot tell its own messages apart.
	if userID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required when the token carries no numeric subject"})
		return
	}

	if err := h.tokens.Set(req.AccessToken, req.RefreshToken, userID); err != nil {
		h.logger.Error("failed to store access token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store session"})
		return
	}

	if err := h.conn.Connect(c.Request.Context()); err != nil {
		h.logger.Warn("connect after sign-in failed", zap.Error(err))
	}

	c.JSON(http.StatusCreated, sessionResponse{UserID: userID, Authenticated: h.tokens.Authenticated()})
}

// Get handles GET /v1/session
func (h *SessionHandler) Get(c *gin.Context) {
	c.JSON(http.StatusOK, sessionResponse{
		UserID:        h.tokens.UserID(),
		Authenticated: h.tokens.Authenticated(),
	})
}

// Delete handles DELETE /v1/session
//
// Clearing the token is the auth-loss path: the store's OnClear hooks tear
// down the connection and drop every cached view.
func (h *SessionHandler) Delete(c *gin.Context) {
	if err := h.tokens.Clear(); err != nil {
		h.logger.Error("failed to clear access token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to clear session"})
		return
	}
	c.Status(http.StatusNoContent)
}
