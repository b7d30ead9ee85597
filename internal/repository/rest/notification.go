package rest

import (
	"context"
	"fmt"
	"net/http"

	"github.com/lalith-99/lazerchat/internal/models"
)

type NotificationStore struct {
	client *Client
}

func NewNotificationStore(client *Client) *NotificationStore {
	return &NotificationStore{client: client}
}

func (s *NotificationStore) List(ctx context.Context) (*models.NotificationList, error) {
	var out models.NotificationList
	if err := s.client.getJSON(ctx, "/api/v2/notifications", nil, &out); err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	if out.Notifications == nil {
		out.Notifications = make([]models.Notification, 0)
	}
	return &out, nil
}

// markReadRequest mirrors the server's body. The server rejects a string
// object_type, so identities never carry one.
type markReadRequest struct {
	Identities    []models.NotificationIdentity `json:"identities"`
	Notifications []int64                       `json:"notifications"`
}

func (s *NotificationStore) MarkRead(ctx context.Context, identities []models.NotificationIdentity) error {
	if len(identities) == 0 {
		return nil
	}
	req := markReadRequest{Identities: identities, Notifications: []int64{}}
	if err := s.client.sendJSON(ctx, http.MethodPost, "/api/v2/notifications/mark-read", req, nil); err != nil {
		return fmt.Errorf("mark notifications read: %w", err)
	}
	return nil
}
