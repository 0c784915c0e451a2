package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/ashureev/wa-relay/internal/domain"
	"github.com/ashureev/wa-relay/internal/events"
	"github.com/ashureev/wa-relay/internal/pipeline"
	"github.com/ashureev/wa-relay/internal/protocol"
)

const maxSendBodyBytes = 1 << 20

type sendMessageRequest struct {
	PhoneNumber string `json:"phone_number"`
	Message     string `json:"message"`
}

// SendMessage sends a message directly, without going through the relay queue.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSendBodyBytes)).Decode(&req); err != nil {
		failure(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.PhoneNumber = strings.TrimSpace(req.PhoneNumber)
	if req.PhoneNumber == "" || strings.TrimSpace(req.Message) == "" {
		failure(w, http.StatusBadRequest, "phone_number and message are required")
		return
	}

	id, err := h.sender.Send(r.Context(), req.PhoneNumber, req.Message)
	switch {
	case err == nil:
	case errors.Is(err, pipeline.ErrNotConnected), errors.Is(err, protocol.ErrNotConnected):
		failure(w, http.StatusServiceUnavailable, "whatsapp not connected")
		return
	case errors.Is(err, pipeline.ErrInvalidRecipient):
		failure(w, http.StatusBadRequest, "invalid phone_number")
		return
	default:
		h.logger.Error("Failed to send message", "phone_number", req.PhoneNumber, "error", err)
		failure(w, http.StatusInternalServerError, "failed to send message")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"success":      true,
		"message_id":   id,
		"phone_number": req.PhoneNumber,
	})
}

// ResetSession discards the current session and forces a fresh pairing.
func (h *Handler) ResetSession(w http.ResponseWriter, r *http.Request) {
	if err := h.supervisor.Reset(r.Context()); err != nil {
		h.logger.Error("Failed to reset session", "error", err)
		failure(w, http.StatusInternalServerError, "failed to reset session")
		return
	}

	if err := h.events.Publish(r.Context(), events.New(events.TypeSessionReset, nil)); err != nil {
		h.logger.Debug("Failed to publish event", "type", events.TypeSessionReset, "error", err)
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "session reset, reconnecting",
	})
}

// Messages lists recent message log rows, newest first.
func (h *Handler) Messages(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		Error(w, http.StatusServiceUnavailable, "message log disabled")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	chatID := domain.NormalizeJID(r.URL.Query().Get("chat_id"))
	msgs, err := h.repo.RecentMessages(r.Context(), chatID, limit)
	if err != nil {
		h.logger.Error("Failed to list messages", "chat_id", chatID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	if msgs == nil {
		msgs = []*domain.MessageRecord{}
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"messages": msgs,
		"count":    len(msgs),
	})
}
