package api

import (
	"bytes"
	"net/http"
	"time"

	"github.com/ashureev/wa-relay/web"
)

// Health reports the live connection state. It always answers 200 so that
// orchestrators keep the process alive while it reconnects.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	snap := h.supervisor.Snapshot()
	now := h.now()

	status := map[string]interface{}{
		"status":      "healthy",
		"connected":   snap.Connected(),
		"connecting":  snap.Connecting(),
		"state":       snap.State,
		"qr_attempts": snap.PairingAttempts,
		"uptime":      now.Sub(h.startedAt).Seconds(),
		"timestamp":   now.UTC().Format(time.RFC3339),
		"storage": map[string]bool{
			"enabled": h.storageEnabled,
		},
	}
	if snap.LastDisconnect != "" {
		status["last_disconnect"] = snap.LastDisconnect
	}
	if snap.Terminal {
		status["logged_out"] = true
	}
	if h.relay != nil {
		status["relay"] = h.relay.Stats()
	}

	JSON(w, http.StatusOK, status)
}

// QR renders the pairing page with the current challenge, if still valid.
func (h *Handler) QR(w http.ResponseWriter, _ *http.Request) {
	snap := h.supervisor.Snapshot()
	page := web.QRPage{
		State:       snap.State,
		Terminal:    snap.Terminal,
		MaxAttempts: h.maxPairingAttempts,
	}
	if c := snap.Challenge; c != nil && !snap.Connected() && !c.Expired(h.now(), h.challengeTTL) {
		page.Token = c.Token
		page.Attempt = c.Attempt
	}

	var buf bytes.Buffer
	if err := web.RenderQR(&buf, page); err != nil {
		h.logger.Error("Failed to render QR page", "error", err)
		Error(w, http.StatusInternalServerError, "failed to render page")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if _, err := buf.WriteTo(w); err != nil {
		h.logger.Debug("Failed to write QR page", "error", err)
	}
}
