package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// RelayControl is the text frame the relay sends once both sides of a pair
// are attached.
type RelayControl struct {
	Type string `json:"type"`
}

const RelayPaired = "paired"

type WebSocketConfig struct {
	// BaseURL is the durable store's HTTP base URL.
	BaseURL     string
	WorkspaceID string
	Token       string
	Dialer      *websocket.Dialer
	Logger      *slog.Logger
}

// WebSocketNegotiator tunnels peer channels through the store's relay
// endpoint. It works where direct connectivity does not.
type WebSocketNegotiator struct {
	cfg    WebSocketConfig
	dialer *websocket.Dialer
	logger *slog.Logger
}

func NewWebSocketNegotiator(cfg WebSocketConfig) *WebSocketNegotiator {
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketNegotiator{cfg: cfg, dialer: dialer, logger: logger.With("component", "relay")}
}

func (n *WebSocketNegotiator) Open(ctx context.Context, req Request, h Handler) (Channel, error) {
	target, err := n.relayURL(req)
	if err != nil {
		return nil, err
	}
	c := &relayChannel{handler: h}
	dialCtx, cancel := context.WithCancel(ctx)
	c.cancelDial = cancel
	go c.run(dialCtx, n, target)
	return c, nil
}

func (n *WebSocketNegotiator) relayURL(req Request) (string, error) {
	base, err := url.Parse(strings.TrimRight(n.cfg.BaseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("relay: parse base url: %w", err)
	}
	switch base.Scheme {
	case "http":
		base.Scheme = "ws"
	case "https":
		base.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("relay: unsupported scheme %q", base.Scheme)
	}
	base = base.JoinPath("v1", "workspaces", n.cfg.WorkspaceID, "docs", "relay")
	q := url.Values{}
	q.Set("path", req.Path)
	q.Set("self", req.SelfID)
	q.Set("peer", req.PeerID)
	base.RawQuery = q.Encode()
	return base.String(), nil
}

type relayChannel struct {
	handler    Handler
	cancelDial context.CancelFunc

	writeMu sync.Mutex
	mu      sync.Mutex
	conn    *websocket.Conn
	paired  bool
	closed  bool
}

func (c *relayChannel) run(ctx context.Context, n *WebSocketNegotiator, target string) {
	header := http.Header{}
	if n.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+n.cfg.Token)
	}
	header.Set("X-Correlation-Id", fmt.Sprintf("relay_%d", time.Now().UnixNano()))
	conn, resp, err := n.dialer.DialContext(ctx, target, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		c.fail(fmt.Errorf("relay: dial: %w", err))
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.mu.Unlock()

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		switch kind {
		case websocket.TextMessage:
			var ctrl RelayControl
			if json.Unmarshal(data, &ctrl) == nil && ctrl.Type == RelayPaired {
				c.markPaired()
			}
		case websocket.BinaryMessage:
			if c.handler.OnMessage != nil {
				c.handler.OnMessage(data)
			}
		}
	}
}

func (c *relayChannel) markPaired() {
	c.mu.Lock()
	if c.paired || c.closed {
		c.mu.Unlock()
		return
	}
	c.paired = true
	c.mu.Unlock()
	if c.handler.OnOpen != nil {
		c.handler.OnOpen()
	}
}

func (c *relayChannel) Send(data []byte) error {
	c.mu.Lock()
	conn, paired, closed := c.conn, c.paired, c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !paired || conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *relayChannel) Close() error {
	_, err := c.shutdown()
	return err
}

func (c *relayChannel) shutdown() (bool, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false, nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	c.cancelDial()
	if conn == nil {
		return true, nil
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return true, conn.Close()
}

func (c *relayChannel) fail(err error) {
	if first, _ := c.shutdown(); !first {
		return
	}
	if c.handler.OnClose != nil {
		c.handler.OnClose(err)
	}
}
