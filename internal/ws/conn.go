package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
)

// ErrAuthRejected is returned when the relay rejects the handshake with 401.
var ErrAuthRejected = errors.New("relay rejected authentication (401)")

const (
	// DefaultReadLimit fits a scaled full-screen JPEG encoded as base64.
	DefaultReadLimit = 8 * 1024 * 1024
	writeTimeout     = 10 * time.Second
)

// Conn is a dialed relay connection speaking the Message envelope.
type Conn struct {
	ws *websocket.Conn
}

// DialOptions configures Dial.
type DialOptions struct {
	Header    http.Header
	ReadLimit int64
}

// Dial connects to a relay WebSocket endpoint (ws:// or wss://). http(s)
// URLs are rewritten to their WebSocket equivalents.
func Dial(ctx context.Context, url string, opts *DialOptions) (*Conn, error) {
	if opts == nil {
		opts = &DialOptions{}
	}
	conn, resp, err := websocket.Dial(ctx, WebSocketURL(url), &websocket.DialOptions{
		HTTPHeader: opts.Header,
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrAuthRejected
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	limit := opts.ReadLimit
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	conn.SetReadLimit(limit)
	return &Conn{ws: conn}, nil
}

// WebSocketURL maps http(s) URLs to ws(s) and appends the /ws endpoint when
// the URL has no path.
func WebSocketURL(u string) string {
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	rest := u
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	if !strings.Contains(rest, "/") {
		u += "/ws"
	}
	return u
}

// Send writes one message.
func (c *Conn) Send(ctx context.Context, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.ws.Write(writeCtx, websocket.MessageText, data)
}

// Emit marshals payload into a message of type typ and sends it.
func (c *Conn) Emit(ctx context.Context, typ string, payload any) error {
	msg, err := NewMessage(typ, payload)
	if err != nil {
		return err
	}
	return c.Send(ctx, msg)
}

// Read blocks for the next message. Malformed frames are returned as errors
// wrapped with ErrBadMessage so callers can skip them and keep reading.
func (c *Conn) Read(ctx context.Context) (*Message, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	return &msg, nil
}

// ErrBadMessage marks a frame that was received but could not be decoded.
var ErrBadMessage = errors.New("bad message")

// Close performs a normal closure.
func (c *Conn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "")
}

// CloseNow drops the connection without the closing handshake.
func (c *Conn) CloseNow() error {
	return c.ws.CloseNow()
}
