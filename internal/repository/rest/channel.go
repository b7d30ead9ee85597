package rest

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/lalith-99/lazerchat/internal/models"
)

type ChannelStore struct {
	client *Client
}

func NewChannelStore(client *Client) *ChannelStore {
	return &ChannelStore{client: client}
}

func (s *ChannelStore) List(ctx context.Context) ([]models.Channel, error) {
	channels := make([]models.Channel, 0)
	if err := s.client.getJSON(ctx, "/api/v2/chat/channels", nil, &channels); err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	return channels, nil
}

func (s *ChannelStore) MarkRead(ctx context.Context, channelID, messageID int64) error {
	path := "/api/v2/chat/channels/" + strconv.FormatInt(channelID, 10) +
		"/mark-as-read/" + strconv.FormatInt(messageID, 10)
	if err := s.client.sendJSON(ctx, http.MethodPut, path, struct{}{}, nil); err != nil {
		return fmt.Errorf("mark channel %d read: %w", channelID, err)
	}
	return nil
}
