package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const subscriberBuffer = 32

type subscriber struct {
	send chan []byte
}

// Hub pushes events to websocket status subscribers. Slow subscribers lose
// events rather than blocking publishers.
type Hub struct {
	mu       sync.RWMutex
	active   map[*subscriber]struct{}
	snapshot func() Event

	originPatterns []string
	logger         *slog.Logger
}

// NewHub creates a hub. snapshot, if set, produces the first frame every new
// subscriber receives.
func NewHub(snapshot func() Event, originPatterns []string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if len(originPatterns) == 0 {
		originPatterns = []string{"*"}
	}
	return &Hub{
		active:         make(map[*subscriber]struct{}),
		snapshot:       snapshot,
		originPatterns: originPatterns,
		logger:         logger,
	}
}

// SetSnapshot replaces the function producing the first frame.
func (h *Hub) SetSnapshot(fn func() Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.snapshot = fn
}

// Len returns the number of connected subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.active)
}

func (h *Hub) register(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.active[sub] = struct{}{}
	h.logger.Debug("Status subscriber registered", "subscribers", len(h.active))
}

func (h *Hub) unregister(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.active, sub)
	h.logger.Debug("Status subscriber unregistered", "subscribers", len(h.active))
}

// Publish implements Publisher.
func (h *Hub) Publish(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.active {
		select {
		case sub.send <- data:
		default:
			h.logger.Warn("Status subscriber too slow, dropping event", "type", ev.Type)
		}
	}
	return nil
}

// ServeHTTP upgrades the request and streams events until the client leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "status feed ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	// The feed is one-way; CloseRead handles control frames and cancels
	// ctx when the client goes away.
	ctx := ws.CloseRead(r.Context())

	sub := &subscriber{send: make(chan []byte, subscriberBuffer)}
	h.mu.RLock()
	snapshot := h.snapshot
	h.mu.RUnlock()
	if snapshot != nil {
		if data, err := json.Marshal(snapshot()); err == nil {
			sub.send <- data
		}
	}
	h.register(sub)
	defer h.unregister(sub)

	for {
		select {
		case data := <-sub.send:
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := ws.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				h.logger.Debug("Status feed write failed", "error", err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
