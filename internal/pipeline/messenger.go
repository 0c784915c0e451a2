package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/wa-relay/internal/domain"
	"github.com/ashureev/wa-relay/internal/events"
	"github.com/ashureev/wa-relay/internal/protocol"
	"github.com/ashureev/wa-relay/internal/store"
)

var (
	// ErrNotConnected is returned when sending while the connection is not open.
	ErrNotConnected = errors.New("whatsapp not connected")
	// ErrInvalidRecipient is returned for an empty recipient.
	ErrInvalidRecipient = errors.New("invalid recipient")
)

// StateFunc returns the current connection snapshot.
type StateFunc func() domain.Snapshot

// Messenger sends text back out over the protocol connection.
type Messenger struct {
	client      protocol.Client
	state       StateFunc
	repo        store.Repository
	events      events.Publisher
	typingDelay time.Duration
	logger      *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewMessenger creates a messenger. repo and pub may be nil.
func NewMessenger(client protocol.Client, state StateFunc, repo store.Repository, pub events.Publisher, typingDelay time.Duration, logger *slog.Logger) *Messenger {
	if logger == nil {
		logger = slog.Default()
	}
	if pub == nil {
		pub = events.Nop{}
	}
	return &Messenger{
		client:      client,
		state:       state,
		repo:        repo,
		events:      pub,
		typingDelay: typingDelay,
		logger:      logger,
		sleep:       sleepCtx,
	}
}

// Send delivers text to a phone number or JID and returns the protocol
// message id. A typing indicator is shown for the typing delay first.
func (m *Messenger) Send(ctx context.Context, to, text string) (string, error) {
	if !m.state().Connected() {
		return "", ErrNotConnected
	}
	jid := domain.NormalizeJID(to)
	if jid == "" {
		return "", ErrInvalidRecipient
	}

	if err := m.client.SendPresence(ctx, jid, protocol.PresenceComposing); err != nil {
		m.logger.Debug("Failed to send typing presence", "to", jid, "error", err)
	}
	if err := m.sleep(ctx, m.typingDelay); err != nil {
		return "", err
	}
	if err := m.client.SendPresence(ctx, jid, protocol.PresencePaused); err != nil {
		m.logger.Debug("Failed to clear typing presence", "to", jid, "error", err)
	}

	id, err := m.client.SendText(ctx, jid, text)
	if err != nil {
		return "", fmt.Errorf("send message to %s: %w", jid, err)
	}
	m.logger.Info("Message sent", "to", jid, "message_id", id)

	if m.repo != nil {
		rec := &domain.MessageRecord{
			MessageID:      id,
			ConversationID: jid,
			Direction:      domain.DirectionSent,
			Body:           text,
		}
		if _, err := m.repo.SaveMessage(ctx, rec); err != nil {
			m.logger.Warn("Failed to log sent message", "message_id", id, "error", err)
		}
	}
	if err := m.events.Publish(ctx, events.New(events.TypeMessageSent, map[string]string{
		"chat_id":    jid,
		"message_id": id,
	})); err != nil {
		m.logger.Debug("Failed to publish event", "type", events.TypeMessageSent, "error", err)
	}
	return id, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
