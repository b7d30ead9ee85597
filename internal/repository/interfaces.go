package repository

import (
	"context"

	"github.com/lalith-99/lazerchat/internal/models"
)

// The realtime core talks to the game server's REST API only through these
// contracts. Every method does network I/O, so every method takes ctx.

// Why interfaces here when there is only one implementation (rest/)?
//
//   - The engine, the directory and the batcher are tested against small
//     in-memory fakes, with no HTTP server in the loop.
//   - Redis-backed caching wraps the reads in chat.Directory, not here, so
//     these contracts stay a plain description of the server's endpoints.

// NotificationRepository reads the notification snapshot and marks
// notifications read on the server.
type NotificationRepository interface {
	// List returns the current notifications and the socket endpoint.
	List(ctx context.Context) (*models.NotificationList, error)

	// MarkRead marks every notification matched by identities as read.
	// One call, however many identities.
	MarkRead(ctx context.Context, identities []models.NotificationIdentity) error
}

// ChannelRepository handles channel metadata and read state.
type ChannelRepository interface {
	// List returns the channels the user has joined.
	// Returns an empty slice (not nil) when there are none.
	List(ctx context.Context) ([]models.Channel, error)

	// MarkRead moves the server-side read marker of channelID to messageID.
	MarkRead(ctx context.Context, channelID, messageID int64) error
}

// MessageRepository handles channel history and sending.
type MessageRepository interface {
	// List returns one page of a channel's history.
	List(ctx context.Context, channelID int64, page models.Page) ([]models.ChatMessage, error)

	// Send posts a message and returns it as stored by the server.
	// uuid is the client idempotency token; empty means none.
	Send(ctx context.Context, channelID int64, content string, isAction bool, uuid string) (*models.ChatMessage, error)
}

// UserRepository handles public user profiles.
type UserRepository interface {
	// GetByID returns a user. Returns nil, nil if not found.
	GetByID(ctx context.Context, userID int64) (*models.User, error)
}
