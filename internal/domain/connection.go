// Package domain contains core domain types for the relay service.
package domain

import (
	"time"
)

// ConnectionState is the lifecycle state of the protocol connection.
type ConnectionState int

const (
	// StateDisconnected means no handshake is in flight and no session is open.
	StateDisconnected ConnectionState = iota
	// StateConnecting means a handshake has been started.
	StateConnecting
	// StateAwaitingPairing means the protocol layer asked for out-of-band pairing.
	StateAwaitingPairing
	// StateConnected means the session is open and messages flow.
	StateConnected
)

// String returns the wire name of the state.
func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingPairing:
		return "awaiting_pairing"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Handshaking reports whether a handshake is currently in flight.
func (s ConnectionState) Handshaking() bool {
	return s == StateConnecting || s == StateAwaitingPairing
}

// PairingChallenge is an out-of-band pairing code issued by the protocol layer.
type PairingChallenge struct {
	Token    string    `json:"token"`
	Attempt  int       `json:"attempt"`
	IssuedAt time.Time `json:"issued_at"`
}

// Expired reports whether the challenge is older than ttl at now.
func (c *PairingChallenge) Expired(now time.Time, ttl time.Duration) bool {
	if c == nil {
		return true
	}
	if ttl <= 0 {
		return false
	}
	return now.Sub(c.IssuedAt) >= ttl
}

// ConnectionEpoch marks when the current connection was established.
// Messages older than EstablishedAt belong to a prior epoch.
type ConnectionEpoch struct {
	EstablishedAt time.Time `json:"established_at"`
}

// IsZero reports whether no connection has been established yet.
func (e ConnectionEpoch) IsZero() bool {
	return e.EstablishedAt.IsZero()
}

// Snapshot is a read-only copy of the supervisor state.
type Snapshot struct {
	State            ConnectionState   `json:"state"`
	Challenge        *PairingChallenge `json:"challenge,omitempty"`
	Epoch            ConnectionEpoch   `json:"epoch"`
	PairingAttempts  int               `json:"pairing_attempts"`
	Terminal         bool              `json:"terminal"`
	LastDisconnect   string            `json:"last_disconnect,omitempty"`
	LastTransitionAt time.Time         `json:"last_transition_at"`
}

// Connected reports whether the snapshot is in the connected state.
func (s Snapshot) Connected() bool {
	return s.State == StateConnected
}

// Connecting reports whether a handshake is in flight.
func (s Snapshot) Connecting() bool {
	return s.State.Handshaking()
}
