// Package frame turns raw realtime frames into chat messages and
// notifications.
//
// Frames are loosely typed JSON objects. Classify tries, in order:
//
//  1. a chat event envelope ("chat.message.new", "new_message", "message")
//     carrying data.messages[], data.message, or a bare record in data;
//  2. a data object that has the full chat message shape;
//  3. a top-level object that has the full chat message shape;
//  4. a "new_private_notification" envelope;
//  5. a "new" envelope, either a channel message (sub-kind taken from
//     details.type) or any other category, kept as a generic notification.
//
// Independently of the above, an "error" field is surfaced in Result.Err.
// Records originated by the current user are dropped in every branch.
package frame

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync/atomic"
	"time"

	"github.com/lalith-99/lazerchat/internal/models"
	"github.com/mitchellh/mapstructure"
)

var ErrMalformed = errors.New("frame: malformed")

// Event names recognised on inbound frames.
const (
	EventChatMessageNew         = "chat.message.new"
	EventNewMessage             = "new_message"
	EventMessage                = "message"
	EventNewPrivateNotification = "new_private_notification"
	EventNew                    = "new"

	EventChatStart = "chat.start"
	EventChatEnd   = "chat.end"
)

// Control is an outbound control frame.
type Control struct {
	Event string `json:"event"`
}

var chatShape = []string{"message_id", "channel_id", "content", "sender_id", "timestamp"}

// Sequence issues synthetic notification ids for events that arrive without
// a server id. Ids are negative, strictly decreasing and never reused within
// a process, so they cannot collide with server ids.
type Sequence struct {
	n atomic.Int64
}

func (s *Sequence) Next() int64 {
	return -s.n.Add(1)
}

// Result is the outcome of classifying one frame. A frame may yield several
// messages, one notification, an error string, or nothing.
type Result struct {
	Messages     []models.ChatMessage
	Notification *models.Notification
	Err          string

	// SelfDropped counts records discarded because selfID originated them.
	SelfDropped int
	// Skipped counts unreadable records in a messages[] batch. The rest of
	// the batch is still delivered.
	Skipped int
}

// Classifier holds what classification needs beyond the frame itself.
type Classifier struct {
	ids *Sequence
	now func() time.Time
}

func NewClassifier(ids *Sequence, now func() time.Time) *Classifier {
	if ids == nil {
		ids = &Sequence{}
	}
	if now == nil {
		now = time.Now
	}
	return &Classifier{ids: ids, now: now}
}

// Classify decodes raw and routes it. selfID is the current user's id; zero
// disables self filtering. Frames that are not JSON objects return
// ErrMalformed.
func (c *Classifier) Classify(raw []byte, selfID int64) (Result, error) {
	var res Result

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return res, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if obj == nil {
		return res, fmt.Errorf("%w: not an object", ErrMalformed)
	}

	if e, ok := obj["error"]; ok && e != nil {
		res.Err = fmt.Sprint(e)
	}

	event, _ := obj["event"].(string)
	data, _ := obj["data"].(map[string]any)

	var err error
	switch {
	case event == EventChatMessageNew || event == EventNewMessage || event == EventMessage:
		err = c.chatEnvelope(&res, data, selfID)
	case hasShape(data):
		err = c.addMessage(&res, data, selfID)
	case hasShape(obj):
		err = c.addMessage(&res, obj, selfID)
	case event == EventNewPrivateNotification && data != nil:
		err = c.privateNotification(&res, data, selfID)
	case event == EventNew && data != nil:
		err = c.newEvent(&res, data, selfID)
	}
	return res, err
}

func (c *Classifier) chatEnvelope(res *Result, data map[string]any, selfID int64) error {
	if data == nil {
		return nil
	}
	if list, ok := data["messages"].([]any); ok {
		for _, item := range list {
			m, ok := item.(map[string]any)
			if !ok {
				res.Skipped++
				continue
			}
			if err := c.addMessage(res, m, selfID); err != nil {
				res.Skipped++
			}
		}
		return nil
	}
	if m, ok := data["message"].(map[string]any); ok {
		return c.addMessage(res, m, selfID)
	}
	return c.addMessage(res, data, selfID)
}

func (c *Classifier) addMessage(res *Result, raw map[string]any, selfID int64) error {
	var msg models.ChatMessage
	if err := decode(raw, &msg); err != nil {
		return err
	}
	if isSelf(msg.SenderID, selfID) {
		res.SelfDropped++
		return nil
	}
	res.Messages = append(res.Messages, msg)
	return nil
}

// wireNotification is the loosely typed notification payload of "new" and
// "new_private_notification" frames.
type wireNotification struct {
	ID           any            `mapstructure:"id"`
	Name         string         `mapstructure:"name"`
	Category     string         `mapstructure:"category"`
	CreatedAt    string         `mapstructure:"created_at"`
	ObjectType   string         `mapstructure:"object_type"`
	ObjectID     any            `mapstructure:"object_id"`
	SourceUserID int64          `mapstructure:"source_user_id"`
	IsRead       bool           `mapstructure:"is_read"`
	Details      map[string]any `mapstructure:"details"`
}

func (c *Classifier) privateNotification(res *Result, data map[string]any, selfID int64) error {
	var w wireNotification
	if err := decode(data, &w); err != nil {
		return err
	}
	if isSelf(w.SourceUserID, selfID) {
		res.SelfDropped++
		return nil
	}
	res.Notification = &models.Notification{
		ID:           c.ids.Next(),
		Name:         models.Category(w.Name),
		CreatedAt:    c.now(),
		ObjectType:   w.ObjectType,
		ObjectID:     idString(w.ObjectID),
		SourceUserID: w.SourceUserID,
		Details:      w.Details,
	}
	return nil
}

func (c *Classifier) newEvent(res *Result, data map[string]any, selfID int64) error {
	var w wireNotification
	if err := decode(data, &w); err != nil {
		return err
	}
	if isSelf(w.SourceUserID, selfID) {
		res.SelfDropped++
		return nil
	}

	n := &models.Notification{
		ID:           c.ids.Next(),
		CreatedAt:    c.createdAt(w.CreatedAt),
		ObjectID:     idString(w.ObjectID),
		SourceUserID: w.SourceUserID,
		IsRead:       w.IsRead,
	}
	if n.ObjectID == "" {
		n.ObjectID = idString(w.ID)
	}

	if w.Category == "channel" && w.Name == string(models.CategoryChannelMessage) {
		channelType := strings.ToLower(detailString(w.Details, "type"))
		kind := models.LookupChannelKind(channelType)

		n.Name = kind.Category
		n.ObjectType = w.ObjectType
		if n.ObjectType == "" {
			n.ObjectType = "channel"
		}
		n.Details = map[string]any{
			"type":      firstNonEmpty(detailString(w.Details, "type"), channelType, "unknown"),
			"title":     firstNonEmpty(detailString(w.Details, "title"), kind.DefaultTitle),
			"cover_url": detailString(w.Details, "cover_url"),
		}
	} else {
		n.Name = models.Category(firstNonEmpty(w.Name, string(models.CategoryUnknown)))
		n.ObjectType = firstNonEmpty(w.ObjectType, "unknown")
		n.Details = w.Details
		if n.Details == nil {
			n.Details = map[string]any{}
		}
	}

	res.Notification = n
	return nil
}

func (c *Classifier) createdAt(s string) time.Time {
	if t, err := models.ParseTime(s); err == nil && !t.IsZero() {
		return t
	}
	return c.now()
}

func decode(in map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			timeHook,
			jsonNumberHook,
		),
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(in); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

var timeType = reflect.TypeOf(time.Time{})

// timeHook feeds time.Time targets through models.ParseTime, so zoneless
// and epoch timestamps decode as well as RFC 3339 ones.
func timeHook(_, to reflect.Type, data any) (any, error) {
	if to != timeType {
		return data, nil
	}
	return models.ParseTime(data)
}

// jsonNumberHook unwraps json.Number so integer ids survive intact and
// untyped targets see a plain string.
func jsonNumberHook(_, to reflect.Type, data any) (any, error) {
	n, ok := data.(json.Number)
	if !ok {
		return data, nil
	}
	switch to.Kind() {
	case reflect.Int, reflect.Int64:
		return n.Int64()
	case reflect.Float64:
		return n.Float64()
	}
	return n.String(), nil
}

func hasShape(m map[string]any) bool {
	if m == nil {
		return false
	}
	for _, k := range chatShape {
		if _, ok := m[k]; !ok {
			return false
		}
	}
	return true
}

func isSelf(origin, selfID int64) bool {
	return selfID != 0 && origin == selfID
}

func idString(v any) models.FlexID {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return models.FlexID(x)
	case json.Number:
		return models.FlexID(x.String())
	default:
		return models.FlexID(fmt.Sprint(x))
	}
}

func detailString(details map[string]any, key string) string {
	if details == nil {
		return ""
	}
	s, _ := details[key].(string)
	return s
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
