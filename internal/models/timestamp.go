package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var ErrBadTimestamp = errors.New("models: unrecognised timestamp")

// zoneless layouts are read as UTC. Fractional seconds are accepted after
// the seconds field even though the layouts do not spell them out.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
}

// ParseTime reads a timestamp the way the server has been seen to send it:
// RFC 3339, ISO 8601 without a zone, or Unix epoch seconds as a number or a
// numeric string. nil and "" give the zero time.
func ParseTime(v any) (time.Time, error) {
	switch x := v.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return x, nil
	case json.Number:
		return parseTimeString(x.String())
	case string:
		return parseTimeString(x)
	case float64:
		return epoch(x), nil
	case float32:
		return epoch(float64(x)), nil
	case int:
		return time.Unix(int64(x), 0).UTC(), nil
	case int64:
		return time.Unix(x, 0).UTC(), nil
	case uint64:
		return time.Unix(int64(x), 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("%w: %T", ErrBadTimestamp, v)
}

func parseTimeString(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return epoch(f), nil
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrBadTimestamp, s)
}

func epoch(sec float64) time.Time {
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(frac*1e9)).UTC()
}

// UnmarshalJSON applies ParseTime to the timestamp so REST history is as
// forgiving as the socket path.
func (m *ChatMessage) UnmarshalJSON(b []byte) error {
	type plain ChatMessage
	aux := struct {
		*plain
		Timestamp json.RawMessage `json:"timestamp"`
	}{plain: (*plain)(m)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}

	var raw any
	if len(aux.Timestamp) > 0 {
		dec := json.NewDecoder(strings.NewReader(string(aux.Timestamp)))
		dec.UseNumber()
		if err := dec.Decode(&raw); err != nil {
			return err
		}
	}
	ts, err := ParseTime(raw)
	if err != nil {
		return err
	}
	m.Timestamp = ts
	return nil
}
