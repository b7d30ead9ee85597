package rest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/lazerchat/internal/auth"
	"github.com/lalith-99/lazerchat/internal/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestClient(t *testing.T, r *gin.Engine, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.URL, auth.NewMemoryTokenStore("tok-123", 1), opts...)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestNotificationListAndMarkRead(t *testing.T) {
	var gotAuth string
	var gotBody markReadRequest

	r := gin.New()
	r.GET("/api/v2/notifications", func(c *gin.Context) {
		gotAuth = c.GetHeader("Authorization")
		c.JSON(http.StatusOK, gin.H{
			"notification_endpoint": "wss://example.test/notifications",
			"notifications": []gin.H{
				{"id": 5, "name": "channel_message", "object_type": "channel", "object_id": 42, "source_user_id": 9, "is_read": false},
			},
		})
	})
	r.POST("/api/v2/notifications/mark-read", func(c *gin.Context) {
		if err := c.ShouldBindJSON(&gotBody); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})

	store := NewNotificationStore(newTestClient(t, r))

	list, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if gotAuth != "Bearer tok-123" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if list.NotificationEndpoint != "wss://example.test/notifications" {
		t.Errorf("endpoint = %q", list.NotificationEndpoint)
	}
	if len(list.Notifications) != 1 || list.Notifications[0].ObjectID != "42" {
		t.Fatalf("notifications = %+v", list.Notifications)
	}

	objectID := int64(42)
	if err := store.MarkRead(context.Background(), []models.NotificationIdentity{{ObjectID: &objectID}}); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if len(gotBody.Identities) != 1 || gotBody.Identities[0].ObjectID == nil || *gotBody.Identities[0].ObjectID != 42 {
		t.Errorf("mark-read body = %+v", gotBody)
	}
	if gotBody.Notifications == nil {
		t.Error("notifications must be sent as an empty array")
	}
}

func TestUnauthorizedRunsHook(t *testing.T) {
	r := gin.New()
	r.GET("/api/v2/chat/channels", func(c *gin.Context) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "expired"})
	})

	var hooked atomic.Int32
	store := NewChannelStore(newTestClient(t, r, WithUnauthorizedHook(func() { hooked.Add(1) })))

	_, err := store.List(context.Background())
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
	if hooked.Load() != 1 {
		t.Errorf("hook ran %d times", hooked.Load())
	}
}

func TestChannelMarkReadPath(t *testing.T) {
	var gotPath string
	r := gin.New()
	r.PUT("/api/v2/chat/channels/:id/mark-as-read/:mid", func(c *gin.Context) {
		gotPath = c.Param("id") + "/" + c.Param("mid")
		c.JSON(http.StatusOK, gin.H{})
	})

	if err := NewChannelStore(newTestClient(t, r)).MarkRead(context.Background(), 3, 99); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if gotPath != "3/99" {
		t.Errorf("path = %q", gotPath)
	}
}

func TestMessageListAndSend(t *testing.T) {
	var gotQuery, gotForm map[string]string
	r := gin.New()
	r.GET("/api/v2/chat/channels/:id/messages", func(c *gin.Context) {
		gotQuery = map[string]string{
			"limit": c.Query("limit"),
			"since": c.Query("since"),
			"until": c.Query("until"),
		}
		c.JSON(http.StatusOK, []gin.H{
			{"message_id": 10, "channel_id": 3, "sender_id": 2, "content": "hi", "timestamp": "2024-05-01T10:00:00Z"},
		})
	})
	r.POST("/api/v2/chat/channels/:id/messages", func(c *gin.Context) {
		gotForm = map[string]string{
			"message":   c.PostForm("message"),
			"is_action": c.PostForm("is_action"),
			"uuid":      c.PostForm("uuid"),
		}
		c.JSON(http.StatusOK, gin.H{"message_id": 11, "channel_id": 3, "sender_id": 1, "content": c.PostForm("message"), "uuid": c.PostForm("uuid")})
	})

	store := NewMessageStore(newTestClient(t, r))

	msgs, err := store.List(context.Background(), 3, models.Page{Until: 20})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(msgs) != 1 || msgs[0].MessageID != 10 {
		t.Fatalf("messages = %+v", msgs)
	}
	if gotQuery["limit"] != "50" || gotQuery["since"] != "0" || gotQuery["until"] != "20" {
		t.Errorf("query = %v", gotQuery)
	}

	sent, err := store.Send(context.Background(), 3, "hello", true, "u-1")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if sent.MessageID != 11 || sent.UUID != "u-1" {
		t.Errorf("sent = %+v", sent)
	}
	if gotForm["message"] != "hello" || gotForm["is_action"] != "true" || gotForm["uuid"] != "u-1" {
		t.Errorf("form = %v", gotForm)
	}
}

func TestUserNotFound(t *testing.T) {
	r := gin.New()
	r.GET("/api/v2/users/:id", func(c *gin.Context) {
		if c.Param("id") == "1" {
			c.JSON(http.StatusOK, gin.H{"id": 1, "username": "peppy"})
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
	store := NewUserStore(newTestClient(t, r))

	u, err := store.GetByID(context.Background(), 1)
	if err != nil || u == nil || u.Username != "peppy" {
		t.Fatalf("GetByID(1) = %+v, %v", u, err)
	}
	u, err = store.GetByID(context.Background(), 2)
	if err != nil || u != nil {
		t.Fatalf("GetByID(2) = %+v, %v; want nil, nil", u, err)
	}
}

func TestNewClientRejectsBadScheme(t *testing.T) {
	if _, err := NewClient("ftp://example.test", nil); err == nil {
		t.Error("expected error for ftp base url")
	}
}
