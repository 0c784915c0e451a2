package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// ErrNotConnected is returned when no bridge connection is open.
var ErrNotConnected = errors.New("protocol bridge not connected")

// BridgeConfig holds configuration for the bridge client.
type BridgeConfig struct {
	URL         string
	SessionDir  string
	DialTimeout time.Duration
	SendTimeout time.Duration
}

// outboundFrame is a command sent to the bridge sidecar.
type outboundFrame struct {
	Type       string   `json:"type"`
	ID         string   `json:"id,omitempty"`
	SessionDir string   `json:"session_dir,omitempty"`
	To         string   `json:"to,omitempty"`
	Text       string   `json:"text,omitempty"`
	ChatID     string   `json:"chat_id,omitempty"`
	MessageID  string   `json:"message_id,omitempty"`
	State      Presence `json:"state,omitempty"`
}

// inboundFrame is anything the bridge sidecar sends back.
type inboundFrame struct {
	Type string `json:"type"` // "connection", "messages", "ack"
	ConnectionUpdate
	MessagesUpsert
	ID        string `json:"id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

type ack struct {
	messageID string
	err       error
}

// BridgeClient talks to a protocol bridge sidecar over a websocket. The
// sidecar owns the protocol socket and the session files in SessionDir.
type BridgeClient struct {
	cfg    BridgeConfig
	logger *slog.Logger
	events chan Event

	mu      sync.Mutex
	conn    *websocket.Conn
	cancel  context.CancelFunc
	pending map[string]chan ack
}

// NewBridgeClient creates a bridge client. No network I/O happens until Connect.
func NewBridgeClient(cfg BridgeConfig, logger *slog.Logger) *BridgeClient {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 60 * time.Second
	}
	return &BridgeClient{
		cfg:     cfg,
		logger:  logger,
		events:  make(chan Event, 256),
		pending: make(map[string]chan ack),
	}
}

// Events returns the channel of protocol events. It stays valid across reconnects.
func (c *BridgeClient) Events() <-chan Event {
	return c.events
}

// Connect dials the bridge and asks it to start a handshake with the
// session files in SessionDir. Any previous connection is closed first.
func (c *BridgeClient) Connect(ctx context.Context) error {
	c.closeConn("reconnect")

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial bridge %s: %w", c.cfg.URL, err)
	}
	conn.SetReadLimit(4 << 20)

	connCtx, connCancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.conn = conn
	c.cancel = connCancel
	c.mu.Unlock()

	if err := c.write(ctx, outboundFrame{Type: "connect", SessionDir: c.cfg.SessionDir}); err != nil {
		c.closeConn("connect failed")
		return fmt.Errorf("send connect: %w", err)
	}

	go c.readLoop(connCtx, conn)

	c.logger.Info("Protocol bridge connected", "url", c.cfg.URL)
	return nil
}

// Close closes the current bridge connection, if any. No close event is
// emitted for connections closed this way.
func (c *BridgeClient) Close() error {
	c.closeConn("client closed")
	return nil
}

func (c *BridgeClient) closeConn(reason string) {
	c.closeOwned(nil, reason)
}

// closeOwned tears down the current connection. A non-nil owner only closes
// it while it is still current, and the result reports whether it was.
func (c *BridgeClient) closeOwned(owner *websocket.Conn, reason string) bool {
	c.mu.Lock()
	if owner != nil && c.conn != owner {
		c.mu.Unlock()
		return false
	}
	conn, cancel := c.conn, c.cancel
	c.conn, c.cancel = nil, nil
	pending := c.pending
	c.pending = make(map[string]chan ack)
	c.mu.Unlock()

	// A waiter that already gave up may have an ack buffered.
	for _, ch := range pending {
		select {
		case ch <- ack{err: ErrNotConnected}:
		default:
		}
	}
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, reason); err != nil {
			c.logger.Debug("Failed to close bridge websocket", "error", err)
		}
	}
	return true
}

// SendText sends a text message and returns the protocol message id.
func (c *BridgeClient) SendText(ctx context.Context, to, text string) (string, error) {
	a, err := c.request(ctx, outboundFrame{Type: "send", To: to, Text: text})
	if err != nil {
		return "", err
	}
	return a.messageID, nil
}

// MarkRead marks an inbound message as read.
func (c *BridgeClient) MarkRead(ctx context.Context, chatID, messageID string) error {
	_, err := c.request(ctx, outboundFrame{Type: "read", ChatID: chatID, MessageID: messageID})
	return err
}

// SendPresence updates the chat presence shown to the recipient.
func (c *BridgeClient) SendPresence(ctx context.Context, to string, presence Presence) error {
	_, err := c.request(ctx, outboundFrame{Type: "presence", To: to, State: presence})
	return err
}

// request sends a frame and waits for the matching ack.
func (c *BridgeClient) request(ctx context.Context, f outboundFrame) (ack, error) {
	f.ID = uuid.NewString()
	ch := make(chan ack, 1)

	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return ack{}, ErrNotConnected
	}
	c.pending[f.ID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, f.ID)
		c.mu.Unlock()
	}()

	if err := c.write(ctx, f); err != nil {
		return ack{}, err
	}

	timer := time.NewTimer(c.cfg.SendTimeout)
	defer timer.Stop()

	select {
	case a := <-ch:
		if a.err != nil {
			return a, a.err
		}
		return a, nil
	case <-timer.C:
		return ack{}, fmt.Errorf("%s request timed out after %s", f.Type, c.cfg.SendTimeout)
	case <-ctx.Done():
		return ack{}, ctx.Err()
	}
}

func (c *BridgeClient) write(ctx context.Context, f outboundFrame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", f.Type, err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write %s frame: %w", f.Type, err)
	}
	return nil
}

func (c *BridgeClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				// Closed by us; the supervisor already knows.
				return
			}
			if !c.closeOwned(conn, "read failed") {
				// Replaced by a newer connection.
				return
			}
			c.logger.Warn("Protocol bridge read failed", "error", err)
			c.emit(context.Background(), ConnectionUpdate{
				Status:  ConnectionClose,
				Reason:  ReasonConnectionLost,
				Message: err.Error(),
			})
			return
		}

		var f inboundFrame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("Malformed bridge frame", "error", err)
			continue
		}

		switch f.Type {
		case "connection":
			update := f.ConnectionUpdate
			if update.Status == ConnectionClose && update.Reason == "" {
				update.Reason = reasonFromStatusCode(update.StatusCode)
			}
			c.emit(ctx, update)
		case "messages":
			c.emit(ctx, f.MessagesUpsert)
		case "ack":
			c.resolve(f)
		default:
			c.logger.Debug("Ignoring bridge frame", "type", f.Type)
		}
	}
}

func (c *BridgeClient) resolve(f inboundFrame) {
	c.mu.Lock()
	ch, ok := c.pending[f.ID]
	c.mu.Unlock()
	if !ok {
		return
	}

	a := ack{messageID: f.MessageID}
	if f.Error != "" {
		a.err = errors.New(f.Error)
	}
	select {
	case ch <- a:
	default:
	}
}

func (c *BridgeClient) emit(ctx context.Context, ev Event) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

var _ Client = (*BridgeClient)(nil)
