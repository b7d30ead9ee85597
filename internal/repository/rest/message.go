package rest

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/lalith-99/lazerchat/internal/models"
)

const defaultPageLimit = 50

type MessageStore struct {
	client *Client
}

func NewMessageStore(client *Client) *MessageStore {
	return &MessageStore{client: client}
}

func (s *MessageStore) List(ctx context.Context, channelID int64, page models.Page) ([]models.ChatMessage, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = defaultPageLimit
	}
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("since", strconv.FormatInt(page.Since, 10))
	if page.Until > 0 {
		q.Set("until", strconv.FormatInt(page.Until, 10))
	}

	messages := make([]models.ChatMessage, 0)
	path := "/api/v2/chat/channels/" + strconv.FormatInt(channelID, 10) + "/messages"
	if err := s.client.getJSON(ctx, path, q, &messages); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return messages, nil
}

func (s *MessageStore) Send(ctx context.Context, channelID int64, content string, isAction bool, uuid string) (*models.ChatMessage, error) {
	form := url.Values{}
	form.Set("message", content)
	form.Set("is_action", strconv.FormatBool(isAction))
	if uuid != "" {
		form.Set("uuid", uuid)
	}

	var msg models.ChatMessage
	path := "/api/v2/chat/channels/" + strconv.FormatInt(channelID, 10) + "/messages"
	if err := s.client.sendForm(ctx, path, form, &msg); err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	return &msg, nil
}
