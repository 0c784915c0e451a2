// Package api provides the HTTP control surface of the relay.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/wa-relay/internal/domain"
	"github.com/ashureev/wa-relay/internal/events"
	"github.com/ashureev/wa-relay/internal/relay"
	"github.com/ashureev/wa-relay/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Supervisor is the connection lifecycle as seen by the HTTP layer.
type Supervisor interface {
	Snapshot() domain.Snapshot
	Reset(ctx context.Context) error
}

// Sender sends a message directly, bypassing the relay queue.
type Sender interface {
	Send(ctx context.Context, to, text string) (string, error)
}

// RelayStats reports the relay queue state.
type RelayStats interface {
	Stats() relay.Stats
}

// Options holds the handler dependencies. Repo, Events and StatusFeed may be nil.
type Options struct {
	Supervisor         Supervisor
	Sender             Sender
	Relay              RelayStats
	Repo               store.Repository
	Events             events.Publisher
	StatusFeed         http.Handler
	StorageEnabled     bool
	MaxPairingAttempts int
	ChallengeTTL       time.Duration
	StartedAt          time.Time
	Logger             *slog.Logger
}

// Handler serves the control endpoints.
type Handler struct {
	supervisor         Supervisor
	sender             Sender
	relay              RelayStats
	repo               store.Repository
	events             events.Publisher
	statusFeed         http.Handler
	storageEnabled     bool
	maxPairingAttempts int
	challengeTTL       time.Duration
	startedAt          time.Time
	logger             *slog.Logger
	now                func() time.Time
}

// NewHandler creates a new Handler.
func NewHandler(opts Options) *Handler {
	h := &Handler{
		supervisor:         opts.Supervisor,
		sender:             opts.Sender,
		relay:              opts.Relay,
		repo:               opts.Repo,
		events:             opts.Events,
		statusFeed:         opts.StatusFeed,
		storageEnabled:     opts.StorageEnabled,
		maxPairingAttempts: opts.MaxPairingAttempts,
		challengeTTL:       opts.ChallengeTTL,
		startedAt:          opts.StartedAt,
		logger:             opts.Logger,
		now:                time.Now,
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.events == nil {
		h.events = events.Nop{}
	}
	if h.startedAt.IsZero() {
		h.startedAt = time.Now()
	}
	return h
}

// RegisterRoutes registers all control routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Get("/qr", h.QR)
	r.Post("/send-message", h.SendMessage)
	r.Post("/reset-session", h.ResetSession)
	r.Get("/api/messages", h.Messages)
	r.Handle("/metrics", promhttp.Handler())
	if h.statusFeed != nil {
		r.Get("/ws/status", h.statusFeed.ServeHTTP)
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// failure writes the {success: false} error shape used by the action endpoints.
func failure(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]interface{}{
		"success": false,
		"error":   message,
	})
}
