// Package gate decides which inbound protocol messages are new, realtime and
// relayable. Every message id passes through the gate at most once.
package gate

import (
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/wa-relay/internal/domain"
	"github.com/ashureev/wa-relay/internal/observability"
	"github.com/ashureev/wa-relay/internal/protocol"
)

// Verdict is the outcome of an admission decision.
type Verdict string

const (
	VerdictAdmitted        Verdict = "admitted"
	VerdictNotRealtime     Verdict = "not_realtime"
	VerdictUnsupportedChat Verdict = "unsupported_chat"
	VerdictDuplicate       Verdict = "duplicate"
	VerdictNoTimestamp     Verdict = "no_timestamp"
	VerdictBeforeEpoch     Verdict = "before_epoch"
	VerdictStale           Verdict = "stale"
	VerdictNoText          Verdict = "no_text"
)

// Admitted reports whether the verdict lets the message through.
func (v Verdict) Admitted() bool {
	return v == VerdictAdmitted
}

// Config holds admission policy.
type Config struct {
	SeenCapacity   int
	MaxMessageAge  time.Duration
	AllowGroups    bool
	AllowBroadcast bool
}

// Gate applies the admission checks in a fixed order. The only state it
// mutates is its seen-id cache.
type Gate struct {
	cfg    Config
	seen   *SeenCache
	logger *slog.Logger
}

// New creates a gate.
func New(cfg Config, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		cfg:    cfg,
		seen:   NewSeenCache(cfg.SeenCapacity),
		logger: logger,
	}
}

// Admit runs raw through the checks and returns the normalized message
// when admitted. The id is recorded as seen before the timestamp and text
// checks, so a message rejected late is never reconsidered.
func (g *Gate) Admit(raw protocol.RawMessage, upsertType string, epoch domain.ConnectionEpoch, now time.Time) (domain.InboundMessage, Verdict) {
	msg, verdict := g.admit(raw, upsertType, epoch, now)

	observability.RecordGateDecision(string(verdict))
	if verdict.Admitted() {
		g.logger.Debug("Message admitted", "message_id", raw.ID, "chat_id", raw.ChatID)
	} else {
		g.logger.Debug("Message rejected", "message_id", raw.ID, "chat_id", raw.ChatID, "verdict", verdict)
	}
	return msg, verdict
}

func (g *Gate) admit(raw protocol.RawMessage, upsertType string, epoch domain.ConnectionEpoch, now time.Time) (domain.InboundMessage, Verdict) {
	if upsertType != protocol.UpsertNotify || raw.FromMe || raw.Body == nil || raw.ID == "" {
		return domain.InboundMessage{}, VerdictNotRealtime
	}

	if !g.supportedChat(raw.ChatID) {
		return domain.InboundMessage{}, VerdictUnsupportedChat
	}

	if !g.seen.Add(raw.ID) {
		return domain.InboundMessage{}, VerdictDuplicate
	}

	if raw.Timestamp <= 0 {
		return domain.InboundMessage{}, VerdictNoTimestamp
	}

	// Protocol timestamps are whole seconds; a message from the second the
	// connection opened belongs to this epoch.
	if !epoch.IsZero() && raw.Timestamp < epoch.EstablishedAt.Unix() {
		return domain.InboundMessage{}, VerdictBeforeEpoch
	}

	sent := time.Unix(raw.Timestamp, 0)
	if g.cfg.MaxMessageAge > 0 && now.Sub(sent) >= g.cfg.MaxMessageAge {
		return domain.InboundMessage{}, VerdictStale
	}

	text, ok := ExtractText(raw.Body)
	if !ok {
		return domain.InboundMessage{}, VerdictNoText
	}

	return domain.InboundMessage{
		ID:              raw.ID,
		ConversationID:  raw.ChatID,
		Text:            text,
		SourceTimestamp: sent,
		PushName:        raw.PushName,
	}, VerdictAdmitted
}

func (g *Gate) supportedChat(chatID string) bool {
	switch {
	case chatID == "":
		return false
	case strings.HasSuffix(chatID, "@newsletter"):
		return false
	case strings.HasSuffix(chatID, "@broadcast"):
		return g.cfg.AllowBroadcast
	case strings.HasSuffix(chatID, "@g.us"):
		return g.cfg.AllowGroups
	default:
		return true
	}
}

// Reset forgets every seen id. Used on full session reset only.
func (g *Gate) Reset() {
	g.seen.Reset()
	g.logger.Info("Message gate reset")
}

// Seen exposes the cache for inspection.
func (g *Gate) Seen() *SeenCache {
	return g.seen
}

// ExtractText returns the relayable text of a message body. Text kinds
// carry their text, media kinds their caption; every other kind has none.
func ExtractText(body *protocol.MessageBody) (string, bool) {
	if body == nil {
		return "", false
	}

	var text string
	switch body.Kind {
	case protocol.KindConversation, protocol.KindExtendedText:
		text = body.Text
	case protocol.KindImage, protocol.KindVideo, protocol.KindDocument:
		text = body.Caption
	default:
		return "", false
	}

	text = strings.TrimSpace(text)
	return text, text != ""
}
