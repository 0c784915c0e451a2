// Package events fans relay lifecycle events out to NATS and to websocket
// status subscribers.
package events

import (
	"context"
	"errors"
	"time"
)

// Type names an event.
type Type string

const (
	TypeConnectionState  Type = "connection.state"
	TypePairingChallenge Type = "pairing.challenge"
	TypeMessageReceived  Type = "message.received"
	TypeMessageSent      Type = "message.sent"
	TypeSessionReset     Type = "session.reset"
)

// Event is one published notification.
type Event struct {
	Type Type      `json:"type"`
	At   time.Time `json:"at"`
	Data any       `json:"data,omitempty"`
}

// New creates an event stamped with the current time.
func New(t Type, data any) Event {
	return Event{Type: t, At: time.Now().UTC(), Data: data}
}

// Publisher delivers events somewhere. Publishing is best-effort.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

// Publish implements Publisher.
func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards events.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) error { return nil }
