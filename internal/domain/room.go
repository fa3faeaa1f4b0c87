package domain

import "time"

// ChatRoom is the summary shown in the room list.
type ChatRoom struct {
	ID              ID         `json:"id"`
	Name            string     `json:"name"`
	LastMessageText *string    `json:"lastMessageText"`
	LastMessageTime *time.Time `json:"lastMessageTime"`
	UnreadCount     int        `json:"unreadCount"`
}

// Clone returns a deep copy so callers never alias synchronizer state.
func (r ChatRoom) Clone() ChatRoom {
	out := r
	if r.LastMessageText != nil {
		text := *r.LastMessageText
		out.LastMessageText = &text
	}
	if r.LastMessageTime != nil {
		ts := *r.LastMessageTime
		out.LastMessageTime = &ts
	}
	return out
}

// ApplyMessage records msg as the room's latest message.
func (r *ChatRoom) ApplyMessage(text string, at time.Time) {
	r.LastMessageText = &text
	r.LastMessageTime = &at
}
