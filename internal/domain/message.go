package domain

import (
	"strings"
	"time"
)

// PendingIDPrefix marks client-generated placeholder ids.
const PendingIDPrefix = "temp-"

// Message is one entry of a room timeline.
type Message struct {
	ID        ID        `json:"id"`
	RoomID    ID        `json:"roomId"`
	UserID    ID        `json:"userId"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`

	// ClientID is the idempotency key attached to an outbound send and
	// echoed back by servers that support it.
	ClientID string `json:"clientId,omitempty"`

	// Pending is true only for optimistic entries awaiting the server echo.
	Pending bool `json:"isPending"`
	// Failed marks a pending entry whose send errored or timed out.
	Failed bool `json:"isFailed,omitempty"`
}

// IsPlaceholder reports whether the id was generated locally.
func (m Message) IsPlaceholder() bool {
	return strings.HasPrefix(string(m.ID), PendingIDPrefix)
}

// Unconfirmed reports whether the entry is still waiting for its echo,
// including entries already flagged as failed.
func (m Message) Unconfirmed() bool {
	return m.Pending || m.Failed
}

// ChatMessageEvent is the wire form of an inbound message. Older servers put
// the text under "message", newer ones under "text".
type ChatMessageEvent struct {
	ID        ID        `json:"id"`
	RoomID    ID        `json:"roomId"`
	UserID    ID        `json:"userId"`
	Text      string    `json:"text"`
	Message   string    `json:"message"`
	Timestamp Timestamp `json:"timestamp"`
	ClientID  string    `json:"clientId,omitempty"`
}

// ToMessage normalises the wire form into a confirmed Message.
func (e ChatMessageEvent) ToMessage() Message {
	text := e.Text
	if text == "" {
		text = e.Message
	}
	return Message{
		ID:        e.ID,
		RoomID:    e.RoomID,
		UserID:    e.UserID,
		Text:      text,
		Timestamp: e.Timestamp.Time,
		ClientID:  e.ClientID,
	}
}

// Valid reports whether the event carries enough to be placed in a room.
func (e ChatMessageEvent) Valid() bool {
	return !e.RoomID.Empty() && !e.UserID.Empty()
}
