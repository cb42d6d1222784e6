// Package bridge connects Parley to a chat-platform gateway over
// WebSocket. Inbound messages are matched against capability keywords
// and driven through the routed execution pipeline; answers go back
// out as plain text with an optional HTML rendering.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Inbound is a chat message received from the gateway.
type Inbound struct {
	Type      string `json:"type"`
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	Timestamp int64  `json:"ts,omitempty"`
}

// Outbound is an answer sent back through the gateway.
type Outbound struct {
	Type      string `json:"type"`
	Recipient string `json:"recipient"`
	Body      string `json:"body"`
	HTMLBody  string `json:"html_body,omitempty"`
}

// Client manages the WebSocket connection to the chat gateway.
// Inbound messages are pushed to a channel; Send is safe for
// concurrent use.
type Client struct {
	gatewayURL string
	token      string
	logger     *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	messages chan Inbound
	done     chan struct{}
}

// NewClient creates a gateway client. Call Connect to establish the
// connection.
func NewClient(gatewayURL, token string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		gatewayURL: gatewayURL,
		token:      token,
		logger:     logger,
		messages:   make(chan Inbound, 64),
		done:       make(chan struct{}),
	}
}

// Connect dials the gateway and starts the read loop. http(s) schemes
// are mapped to their WebSocket equivalents.
func (c *Client) Connect(ctx context.Context) error {
	u, err := url.Parse(c.gatewayURL)
	if err != nil {
		return fmt.Errorf("parse gateway URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}

	c.logger.Info("connecting to chat gateway", "url", u.String())

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	dialer := websocket.Dialer{
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 64 * 1024,
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	go c.readLoop(conn)
	return nil
}

// Messages returns the channel of inbound chat messages. The channel
// is closed when the connection drops.
func (c *Client) Messages() <-chan Inbound {
	return c.messages
}

// Send writes an answer frame to the gateway.
func (c *Client) Send(ctx context.Context, msg Outbound) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("gateway not connected")
	}
	if msg.Type == "" {
		msg.Type = "send"
	}

	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write to gateway: %w", err)
	}
	return nil
}

// Close tears down the connection. Safe to call more than once.
func (c *Client) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	err := c.conn.Close()
	c.conn = nil
	return err
}

// readLoop reads JSON frames until the connection drops, forwarding
// chat messages to the messages channel. It holds its own conn
// reference so Close can nil the field safely.
func (c *Client) readLoop(conn *websocket.Conn) {
	defer close(c.done)
	defer close(c.messages)

	for {
		var msg Inbound
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("gateway connection closed")
			} else {
				c.logger.Error("gateway read error", "error", err)
			}
			return
		}

		// Gateways multiplex other frame types (presence, receipts)
		// over the same socket. Only chat messages are actionable.
		if msg.Type != "" && msg.Type != "message" {
			c.logger.Debug("gateway ignoring frame", "type", msg.Type)
			continue
		}

		select {
		case c.messages <- msg:
		default:
			c.logger.Warn("gateway message channel full, dropping message",
				"sender", msg.Sender)
		}
	}
}
