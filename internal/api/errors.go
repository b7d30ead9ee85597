package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/lazerchat/internal/notify"
	"github.com/lalith-99/lazerchat/internal/repository/rest"
	"github.com/lalith-99/lazerchat/internal/transport"
	"go.uber.org/zap"
)

// respondError translates a failure from the realtime core or the game
// server into a control-API response.
//
// Mapping:
//   - 401 when the game server rejected our access token, or there is none.
//     The token store has already been cleared by the REST client.
//   - 400 when the caller sent something the core cannot address.
//   - 502 for everything else: the failure happened upstream, not here.
func respondError(c *gin.Context, logger *zap.Logger, msg string, err error) {
	switch {
	case errors.Is(err, rest.ErrUnauthorized), errors.Is(err, transport.ErrNotAuthenticated):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not signed in to the game server"})
	case errors.Is(err, notify.ErrInvalidObjectID):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		logger.Error(msg, zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": msg})
	}
}
