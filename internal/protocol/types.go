// Package protocol defines the contract with the external messaging protocol
// layer and a client for the protocol bridge sidecar that drives it.
package protocol

import (
	"context"
)

// Client is the narrow contract the relay needs from the protocol layer.
// Connect starts a handshake; its outcome arrives later on Events.
type Client interface {
	Connect(ctx context.Context) error
	Close() error
	Events() <-chan Event
	SendText(ctx context.Context, to, text string) (string, error)
	MarkRead(ctx context.Context, chatID, messageID string) error
	SendPresence(ctx context.Context, to string, presence Presence) error
}

// ConnectionStatus is the coarse status carried by a connection update.
type ConnectionStatus string

const (
	ConnectionConnecting ConnectionStatus = "connecting"
	ConnectionOpen       ConnectionStatus = "open"
	ConnectionClose      ConnectionStatus = "close"
)

// DisconnectReason classifies why a connection closed.
type DisconnectReason string

const (
	ReasonLoggedOut       DisconnectReason = "logged_out"
	ReasonUnauthorized    DisconnectReason = "unauthorized"
	ReasonPairingTimeout  DisconnectReason = "pairing_timeout"
	ReasonConnectionLost  DisconnectReason = "connection_lost"
	ReasonConnectionClose DisconnectReason = "connection_closed"
	ReasonRestartRequired DisconnectReason = "restart_required"
	ReasonReplaced        DisconnectReason = "replaced"
	ReasonTimedOut        DisconnectReason = "timed_out"
	ReasonUnknown         DisconnectReason = "unknown"
)

// Terminal reports whether the reason invalidates the session for good.
func (r DisconnectReason) Terminal() bool {
	return r == ReasonLoggedOut || r == ReasonUnauthorized
}

// reasonFromStatusCode maps the protocol's numeric close codes.
func reasonFromStatusCode(code int) DisconnectReason {
	switch code {
	case 401:
		return ReasonLoggedOut
	case 403:
		return ReasonUnauthorized
	case 408:
		return ReasonTimedOut
	case 428:
		return ReasonConnectionClose
	case 440:
		return ReasonReplaced
	case 515:
		return ReasonRestartRequired
	case 0:
		return ReasonUnknown
	default:
		return ReasonConnectionLost
	}
}

// Presence is a chat presence update.
type Presence string

const (
	PresenceComposing Presence = "composing"
	PresencePaused    Presence = "paused"
)

// UpsertNotify marks a realtime message notification. Other upsert types
// ("append") are history sync.
const UpsertNotify = "notify"

// Event is either a connection update or a batch of messages.
type Event interface {
	isEvent()
}

// ConnectionUpdate reports handshake progress, pairing challenges and closes.
type ConnectionUpdate struct {
	Status     ConnectionStatus `json:"connection,omitempty"`
	QR         string           `json:"qr,omitempty"`
	Reason     DisconnectReason `json:"reason,omitempty"`
	StatusCode int              `json:"status_code,omitempty"`
	Message    string           `json:"message,omitempty"`
}

func (ConnectionUpdate) isEvent() {}

// MessagesUpsert is a batch of inbound messages.
type MessagesUpsert struct {
	Type     string       `json:"upsert_type"`
	Messages []RawMessage `json:"messages"`
}

func (MessagesUpsert) isEvent() {}

// RawMessage is a protocol message as delivered by the bridge.
type RawMessage struct {
	ID        string       `json:"id"`
	ChatID    string       `json:"chat_id"`
	FromMe    bool         `json:"from_me"`
	Timestamp int64        `json:"timestamp"`
	PushName  string       `json:"push_name,omitempty"`
	Body      *MessageBody `json:"body,omitempty"`
}

// MessageKind names the source message variant.
type MessageKind string

const (
	KindConversation MessageKind = "conversation"
	KindExtendedText MessageKind = "extendedText"
	KindImage        MessageKind = "image"
	KindVideo        MessageKind = "video"
	KindDocument     MessageKind = "document"
	KindAudio        MessageKind = "audio"
	KindSticker      MessageKind = "sticker"
	KindReaction     MessageKind = "reaction"
	KindProtocol     MessageKind = "protocol"
)

// MessageBody is the content of a message. Text is set for text kinds,
// Caption for media kinds.
type MessageBody struct {
	Kind    MessageKind `json:"kind"`
	Text    string      `json:"text,omitempty"`
	Caption string      `json:"caption,omitempty"`
}
