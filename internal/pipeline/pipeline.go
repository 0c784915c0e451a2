// Package pipeline connects the pieces between the protocol connection and
// the backend: admitted messages are logged, marked read and queued for
// relay, and backend replies go back out through the Messenger.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/wa-relay/internal/domain"
	"github.com/ashureev/wa-relay/internal/events"
	"github.com/ashureev/wa-relay/internal/gate"
	"github.com/ashureev/wa-relay/internal/protocol"
	"github.com/ashureev/wa-relay/internal/relay"
	"github.com/ashureev/wa-relay/internal/store"
)

const markReadTimeout = 10 * time.Second

// Enqueuer accepts relay tasks.
type Enqueuer interface {
	Enqueue(task *relay.Task) bool
}

// Pipeline handles inbound message batches.
type Pipeline struct {
	gate      *gate.Gate
	relay     Enqueuer
	client    protocol.Client
	messenger *Messenger
	repo      store.Repository
	events    events.Publisher
	logger    *slog.Logger
	now       func() time.Time

	wg sync.WaitGroup
}

// New creates a pipeline. repo and pub may be nil.
func New(g *gate.Gate, q Enqueuer, client protocol.Client, messenger *Messenger, repo store.Repository, pub events.Publisher, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if pub == nil {
		pub = events.Nop{}
	}
	return &Pipeline{
		gate:      g,
		relay:     q,
		client:    client,
		messenger: messenger,
		repo:      repo,
		events:    pub,
		logger:    logger,
		now:       time.Now,
	}
}

// HandleMessages runs every message of the batch through the gate and queues
// the admitted ones for relay.
func (p *Pipeline) HandleMessages(ctx context.Context, batch protocol.MessagesUpsert, epoch domain.ConnectionEpoch) {
	for _, raw := range batch.Messages {
		msg, verdict := p.gate.Admit(raw, batch.Type, epoch, p.now())
		if !verdict.Admitted() {
			continue
		}
		p.handleAdmitted(ctx, msg)
	}
}

func (p *Pipeline) handleAdmitted(ctx context.Context, msg domain.InboundMessage) {
	p.logger.Info("Message received",
		"chat_id", msg.ConversationID,
		"message_id", msg.ID,
		"push_name", msg.PushName)

	if p.repo != nil {
		rec := &domain.MessageRecord{
			MessageID:      msg.ID,
			ConversationID: msg.ConversationID,
			Direction:      domain.DirectionReceived,
			Body:           msg.Text,
			CreatedAt:      msg.SourceTimestamp,
		}
		if _, err := p.repo.SaveMessage(ctx, rec); err != nil {
			p.logger.Warn("Failed to log received message", "message_id", msg.ID, "error", err)
		}
	}
	if err := p.events.Publish(ctx, events.New(events.TypeMessageReceived, map[string]string{
		"chat_id":    msg.ConversationID,
		"message_id": msg.ID,
	})); err != nil {
		p.logger.Debug("Failed to publish event", "type", events.TypeMessageReceived, "error", err)
	}

	p.markRead(ctx, msg)

	task := relay.NewTask(msg.ConversationID, relay.Payload{
		PhoneNumber: msg.PhoneNumber(),
		Message:     msg.Text,
		MessageID:   msg.ID,
		Timestamp:   msg.SourceTimestamp.Unix(),
	}, p.replyTo(msg.ConversationID))

	if !p.relay.Enqueue(task) {
		p.logger.Debug("Relay task already queued", "message_id", msg.ID)
	}
}

// markRead runs off the event path; acks for it arrive on the same stream
// the event path is draining.
func (p *Pipeline) markRead(ctx context.Context, msg domain.InboundMessage) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		readCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), markReadTimeout)
		defer cancel()
		if err := p.client.MarkRead(readCtx, msg.ConversationID, msg.ID); err != nil {
			p.logger.Debug("Failed to mark message read", "message_id", msg.ID, "error", err)
		}
	}()
}

func (p *Pipeline) replyTo(conversationID string) relay.ReplyFunc {
	return func(ctx context.Context, text string) error {
		_, err := p.messenger.Send(ctx, conversationID, text)
		return err
	}
}

// Wait blocks until background mark-read calls finish.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}
