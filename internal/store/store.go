// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/wa-relay/internal/domain"
)

// Repository defines the interface for the message log.
type Repository interface {
	// SaveMessage appends a message to the log and returns its row id.
	SaveMessage(ctx context.Context, rec *domain.MessageRecord) (int64, error)

	// RecentMessages returns up to limit messages, newest first. An empty
	// conversationID returns messages from every conversation.
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]*domain.MessageRecord, error)

	// PruneMessages removes messages created before cutoff.
	PruneMessages(ctx context.Context, cutoff time.Time) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
