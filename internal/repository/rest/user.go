package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/lalith-99/lazerchat/internal/models"
)

type UserStore struct {
	client *Client
}

func NewUserStore(client *Client) *UserStore {
	return &UserStore{client: client}
}

// GetByID returns nil, nil when the server answers 404.
func (s *UserStore) GetByID(ctx context.Context, userID int64) (*models.User, error) {
	var u models.User
	err := s.client.getJSON(ctx, "/api/v2/users/"+strconv.FormatInt(userID, 10), nil, &u)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user %d: %w", userID, err)
	}
	return &u, nil
}
