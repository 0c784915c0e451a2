package domain

import (
	"strings"
	"time"
)

// UserServer is the JID server for individual accounts.
const UserServer = "s.whatsapp.net"

// InboundMessage is a normalized message admitted for relay.
type InboundMessage struct {
	ID              string
	ConversationID  string
	Text            string
	SourceTimestamp time.Time
	PushName        string
}

// PhoneNumber returns the user part of the conversation JID.
func (m InboundMessage) PhoneNumber() string {
	return JIDUser(m.ConversationID)
}

// Direction is the flow direction of a logged message.
type Direction string

const (
	// DirectionReceived marks a message received from a conversation.
	DirectionReceived Direction = "received"
	// DirectionSent marks a message sent to a conversation.
	DirectionSent Direction = "sent"
)

// MessageRecord is a persisted message log row.
type MessageRecord struct {
	ID             int64     `json:"id"`
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	Direction      Direction `json:"direction"`
	Body           string    `json:"body"`
	CreatedAt      time.Time `json:"created_at"`
}

// JIDUser returns the part of a JID before the '@'.
func JIDUser(jid string) string {
	if i := strings.IndexByte(jid, '@'); i >= 0 {
		return jid[:i]
	}
	return jid
}

// NormalizeJID turns a bare phone number into a user JID.
// Values that already contain a server part are returned unchanged.
func NormalizeJID(phone string) string {
	phone = strings.TrimSpace(phone)
	if phone == "" || strings.Contains(phone, "@") {
		return phone
	}
	phone = strings.TrimPrefix(phone, "+")
	return phone + "@" + UserServer
}
