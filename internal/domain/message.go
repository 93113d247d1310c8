package domain

import "time"

type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
	MessageFailed    MessageStatus = "failed"
)

// rank orders the delivery lifecycle; unknown statuses rank lowest.
func (s MessageStatus) rank() int {
	switch s {
	case MessagePending:
		return 1
	case MessageSent:
		return 2
	case MessageDelivered:
		return 3
	case MessageRead:
		return 4
	}
	return 0
}

// Known reports whether s is one of the lifecycle statuses. Key-only old
// records decode with an empty status.
func (s MessageStatus) Known() bool { return s.rank() > 0 || s == MessageFailed }

// Terminal reports whether s admits no further transition.
func (s MessageStatus) Terminal() bool { return s == MessageRead || s == MessageFailed }

// CanAdvance reports whether moving from s to next respects
// pending→sent→delivered→read, with failed reachable from any non-terminal state.
func (s MessageStatus) CanAdvance(next MessageStatus) bool {
	if s.Terminal() {
		return false
	}
	if next == MessageFailed {
		return true
	}
	return next.rank() > s.rank()
}

// Message is one chat message observed on the messages table.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id,omitempty"`
	Sender         string        `json:"sender"`
	Receiver       string        `json:"receiver"`
	Content        string        `json:"content"`
	Direction      Direction     `json:"direction"`
	Platform       Platform      `json:"platform"`
	Status         MessageStatus `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at,omitempty"`
}

// Incoming reports whether the message was sent by the contact.
func (m Message) Incoming() bool { return m.Direction == DirectionIncoming }
