package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"nhooyr.io/websocket"
)

// ErrMalformedFrame is returned by Receive when a frame arrived but could
// not be decoded. The connection is still healthy; callers should log and
// keep reading.
var ErrMalformedFrame = errors.New("transport: malformed frame")

// Conn is a single live bidirectional connection to the realtime server.
type Conn interface {
	Send(ctx context.Context, f Frame) error
	Receive(ctx context.Context) (Frame, error)
	Close() error
}

// Dialer establishes connections. The ticket is single-use; callers must
// obtain a fresh one per attempt.
type Dialer interface {
	Dial(ctx context.Context, ticket string) (Conn, error)
}

// Endpoint derives the realtime websocket URL from the API base URL.
// https upgrades to wss; plain http upgrades to wss too unless insecure
// transport is explicitly allowed (development).
func Endpoint(serverURL string, allowInsecure bool) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		if allowInsecure {
			u.Scheme = "ws"
		} else {
			u.Scheme = "wss"
		}
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/realtime"
	return u.String(), nil
}

// WebsocketDialer dials the realtime endpoint over websocket.
type WebsocketDialer struct {
	endpoint string
}

// NewWebsocketDialer creates a dialer for the given API base URL.
func NewWebsocketDialer(serverURL string, allowInsecure bool) (*WebsocketDialer, error) {
	endpoint, err := Endpoint(serverURL, allowInsecure)
	if err != nil {
		return nil, err
	}
	return &WebsocketDialer{endpoint: endpoint}, nil
}

// Dial opens the websocket and completes the auth handshake: the server's
// first frame must be connection_established, otherwise the ticket was
// rejected and the connection is torn down.
func (d *WebsocketDialer) Dial(ctx context.Context, ticket string) (Conn, error) {
	ws, _, err := websocket.Dial(ctx, d.endpoint+"?ticket="+url.QueryEscape(ticket), nil)
	if err != nil {
		return nil, fmt.Errorf("dial realtime endpoint: %w", err)
	}

	_, data, err := ws.Read(ctx)
	if err != nil {
		_ = ws.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("read handshake frame: %w", err)
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil || f.Type != TypeConnectionEstablished {
		_ = ws.Close(websocket.StatusPolicyViolation, "handshake failed")
		return nil, fmt.Errorf("expected %s frame, got %q", TypeConnectionEstablished, f.Type)
	}

	return &wsConn{ws: ws}, nil
}

type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) Send(ctx context.Context, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return c.ws.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Receive(ctx context.Context) (Frame, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return Frame{}, err
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return f, nil
}

func (c *wsConn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "client disconnect")
}
