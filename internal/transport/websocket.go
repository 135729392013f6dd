package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// WSConfig controls the WebSocket fallback dial.
type WSConfig struct {
	// RealtimeURL is the http(s) realtime endpoint; the scheme is rewritten
	// to ws(s) before dialing.
	RealtimeURL string
	Model       string
}

// WSConn is the WebSocket rendition of the control channel. There is no
// media track on this transport; audio stays out of band.
type WSConn struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	mu      sync.Mutex
	closed  bool
}

// DialWebSocket opens the realtime WebSocket and starts the read loop.
// OnOpen fires immediately after the dial succeeds since WebSockets have no
// separate open event.
func DialWebSocket(ctx context.Context, cfg WSConfig, clientSecret string, ev Events) (*WSConn, error) {
	wsURL, err := websocketURL(cfg.RealtimeURL, cfg.Model)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+clientSecret)
	header.Set("OpenAI-Beta", "realtime=v1")

	conn, res, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if res != nil {
			return nil, fmt.Errorf("dial realtime ws: HTTP %d: %w", res.StatusCode, err)
		}
		return nil, fmt.Errorf("dial realtime ws: %w", err)
	}

	c := &WSConn{conn: conn}
	go c.readLoop(ev)

	if ev.OnOpen != nil {
		ev.OnOpen()
	}
	return c, nil
}

func websocketURL(raw, model string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse realtime URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported realtime URL scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("realtime URL host is required")
	}
	if model != "" {
		q := u.Query()
		q.Set("model", model)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *WSConn) readLoop(ev Events) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			wasClosed := c.closed
			c.mu.Unlock()
			if !wasClosed && ev.OnClose != nil {
				ev.OnClose(err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if ev.OnMessage != nil {
			ev.OnMessage(data)
		}
	}
}

func (c *WSConn) Send(v any) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *WSConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return c.conn.Close()
}
