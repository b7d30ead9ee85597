package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the subset of *websocket.Conn the transport uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v any) error
	Close() error
}

// Dialer opens the realtime socket.
type Dialer interface {
	Dial(ctx context.Context, rawURL string) (Conn, error)
}

// WSDialer dials with gorilla/websocket.
type WSDialer struct {
	Dialer *websocket.Dialer
	Header http.Header
}

func (d WSDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}
	conn, resp, err := dialer.DialContext(ctx, rawURL, d.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status=%d: %w", redact(rawURL), resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", redact(rawURL), err)
	}
	return conn, nil
}

// SocketURL builds the URL to dial from the endpoint the notifications API
// returned. Absolute ws/wss endpoints are used as they are, http/https ones
// have their scheme switched, and relative ones are resolved against base.
// The access token is added as the access_token query parameter.
func SocketURL(base *url.URL, endpoint, token string) (string, error) {
	ep, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	if !ep.IsAbs() {
		if base == nil {
			return "", fmt.Errorf("relative endpoint %q without a base url", endpoint)
		}
		ep = base.ResolveReference(ep)
	}

	switch ep.Scheme {
	case "ws", "wss":
	case "http":
		ep.Scheme = "ws"
	case "https":
		ep.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported endpoint scheme %q", ep.Scheme)
	}

	q := ep.Query()
	q.Set("access_token", token)
	ep.RawQuery = q.Encode()
	return ep.String(), nil
}

// redact strips the query so tokens never reach the logs.
func redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<invalid url>"
	}
	u.RawQuery = ""
	return u.String()
}
