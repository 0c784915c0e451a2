package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ashureev/wa-relay/internal/domain"
)

// StateData is the payload of a connection.state event.
type StateData struct {
	State          domain.ConnectionState `json:"state"`
	Connected      bool                   `json:"connected"`
	QRAttempts     int                    `json:"qr_attempts"`
	LoggedOut      bool                   `json:"logged_out,omitempty"`
	LastDisconnect string                 `json:"last_disconnect,omitempty"`
}

// StateEvent builds a connection.state event from a snapshot.
func StateEvent(snap domain.Snapshot) Event {
	return New(TypeConnectionState, StateData{
		State:          snap.State,
		Connected:      snap.Connected(),
		QRAttempts:     snap.PairingAttempts,
		LoggedOut:      snap.Terminal,
		LastDisconnect: snap.LastDisconnect,
	})
}

// StateListener returns a supervisor listener that publishes a state event
// on every state change and a pairing event for every new challenge.
func StateListener(pub Publisher, logger *slog.Logger) func(domain.Snapshot) {
	if logger == nil {
		logger = slog.Default()
	}
	var (
		mu        sync.Mutex
		lastState = domain.ConnectionState(-1)
		lastToken string
	)
	return func(snap domain.Snapshot) {
		mu.Lock()
		stateChanged := snap.State != lastState
		lastState = snap.State
		var challenge *domain.PairingChallenge
		if c := snap.Challenge; c != nil && c.Token != lastToken {
			challenge = c
			lastToken = c.Token
		}
		mu.Unlock()

		ctx := context.Background()
		if stateChanged {
			if err := pub.Publish(ctx, StateEvent(snap)); err != nil {
				logger.Debug("Failed to publish event", "type", TypeConnectionState, "error", err)
			}
		}
		if challenge != nil {
			if err := pub.Publish(ctx, New(TypePairingChallenge, challenge)); err != nil {
				logger.Debug("Failed to publish event", "type", TypePairingChallenge, "error", err)
			}
		}
	}
}
