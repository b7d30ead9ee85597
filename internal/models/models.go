package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// User is the public profile of a player as returned by the REST API.
// Only the fields the client renders or enriches messages with are kept.
type User struct {
	ID          int64  `json:"id" mapstructure:"id"`
	Username    string `json:"username" mapstructure:"username"`
	AvatarURL   string `json:"avatar_url" mapstructure:"avatar_url"`
	CountryCode string `json:"country_code" mapstructure:"country_code"`
}

// Channel is a chat conversation context (direct, team or public).
//
// LastReadID is the read high-water mark for the current user. The client
// only ever moves it forward; see chat.Directory.UpdateReadState.
type Channel struct {
	ChannelID     int64  `json:"channel_id"`
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	Type          string `json:"type"`
	LastReadID    int64  `json:"last_read_id"`
	LastMessageID int64  `json:"last_message_id"`
}

// ChatMessage is a single chat event. MessageID is assigned by the server and
// grows monotonically within a channel. UUID is the optional client-generated
// idempotency token echoed back by the server.
type ChatMessage struct {
	MessageID int64     `json:"message_id" mapstructure:"message_id"`
	ChannelID int64     `json:"channel_id" mapstructure:"channel_id"`
	SenderID  int64     `json:"sender_id" mapstructure:"sender_id"`
	Content   string    `json:"content" mapstructure:"content"`
	Timestamp time.Time `json:"timestamp" mapstructure:"timestamp"`
	IsAction  bool      `json:"is_action" mapstructure:"is_action"`
	Sender    *User     `json:"sender,omitempty" mapstructure:"sender"`
	UUID      string    `json:"uuid,omitempty" mapstructure:"uuid"`
}

// Page selects a window of channel history. Zero Since/Until are omitted
// from the request.
type Page struct {
	Limit int
	Since int64
	Until int64
}

// FlexID is an identifier the server sends either as a JSON number or as a
// JSON string. It is always held in its decimal string form.
type FlexID string

func (f *FlexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("flex id: %w", err)
	}
	*f = FlexID(n.String())
	return nil
}

func (f FlexID) String() string { return string(f) }

// Notification is a server-originated event that needs the user's attention.
//
// ID is either server-assigned (positive) or synthesized by the client for
// events that only ever arrived over the socket (negative, see
// frame.Sequence). Details is the free-form payload; the well-known keys are
// "type", "title" and "cover_url".
type Notification struct {
	ID           int64          `json:"id"`
	Name         Category       `json:"name"`
	CreatedAt    time.Time      `json:"created_at"`
	ObjectType   string         `json:"object_type"`
	ObjectID     FlexID         `json:"object_id"`
	SourceUserID int64          `json:"source_user_id"`
	IsRead       bool           `json:"is_read"`
	Details      map[string]any `json:"details"`
}

// Detail returns a string-valued entry of Details, or "".
func (n Notification) Detail(key string) string {
	if n.Details == nil {
		return ""
	}
	s, _ := n.Details[key].(string)
	return s
}

// SameEvent reports whether two notifications describe the same event: the
// same id, or the same object, category and source user.
func (n Notification) SameEvent(o Notification) bool {
	if n.ID == o.ID {
		return true
	}
	return n.ObjectID == o.ObjectID &&
		n.ObjectType == o.ObjectType &&
		n.Name == o.Name &&
		n.SourceUserID == o.SourceUserID
}

// NotificationList is the REST snapshot. NotificationEndpoint is the socket
// endpoint the transport connects to.
type NotificationList struct {
	Notifications        []Notification `json:"notifications"`
	NotificationEndpoint string         `json:"notification_endpoint"`
}

// NotificationIdentity addresses notifications in a mark-read request.
// The server matches on whichever fields are present.
type NotificationIdentity struct {
	ID       *int64 `json:"id,omitempty"`
	ObjectID *int64 `json:"object_id,omitempty"`
	Category string `json:"category,omitempty"`
}

// UnreadCount holds the aggregate unread counters. Total is derived and is
// rewritten by every mutation.
type UnreadCount struct {
	Total           int `json:"total"`
	TeamRequests    int `json:"team_requests"`
	PrivateMessages int `json:"private_messages"`
	FriendRequests  int `json:"friend_requests"`
}

// Add moves the counter for kind by delta, flooring at zero, and
// recomputes Total. CounterNone is ignored.
func (u *UnreadCount) Add(kind CounterKind, delta int) {
	var c *int
	switch kind {
	case CounterTeamRequests:
		c = &u.TeamRequests
	case CounterPrivateMessages:
		c = &u.PrivateMessages
	case CounterFriendRequests:
		c = &u.FriendRequests
	}
	if c != nil {
		*c = max(0, *c+delta)
	}
	u.Total = u.TeamRequests + u.PrivateMessages + u.FriendRequests
}

// Consistent reports whether the counters satisfy their invariants.
func (u UnreadCount) Consistent() bool {
	return u.TeamRequests >= 0 && u.PrivateMessages >= 0 && u.FriendRequests >= 0 &&
		u.Total == u.TeamRequests+u.PrivateMessages+u.FriendRequests
}
