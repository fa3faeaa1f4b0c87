package domain

import (
	"bytes"
	"encoding/json"
)

// Events consumed from the broker.
const (
	EventHistory = "history"
	EventMessage = "message"
	EventTyping  = "typing"
	EventError   = "error"
)

// Transport-level events raised locally by the connection manager.
const (
	EventConnect      = "connect"
	EventConnectError = "connect_error"
	EventDisconnect   = "disconnect"
)

// Commands emitted to the broker. The outbound message command shares its
// name with the inbound event.
const (
	CmdJoinRoom = "joinRoom"
	CmdMessage  = "message"
	CmdTyping   = "typing"
)

// Envelope is the frame carried on the websocket in both directions.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Client -> Server

type JoinRoomCommand struct {
	RoomID ID `json:"roomId"`
}

type SendMessageCommand struct {
	RoomID   ID     `json:"roomId"`
	Message  string `json:"message"`
	ClientID string `json:"clientId,omitempty"`
}

type TypingCommand struct {
	RoomID ID   `json:"roomId"`
	Typing bool `json:"typing"`
}

// Server -> Client

type HistoryEvent struct {
	RoomID   ID                 `json:"roomId"`
	Messages []ChatMessageEvent `json:"messages"`
}

type TypingEvent struct {
	RoomID ID   `json:"roomId"`
	UserID ID   `json:"userId"`
	Typing bool `json:"typing"`
}

type ErrorEvent struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ConnectErrorEvent is raised locally when a dial or handshake fails.
type ConnectErrorEvent struct {
	Attempt int    `json:"attempt"`
	Message string `json:"message"`
}

// DecodeHistory accepts either {"roomId":..,"messages":[..]} or a bare
// message array. A missing envelope room id is taken from the first message.
func DecodeHistory(raw json.RawMessage) (HistoryEvent, error) {
	var evt HistoryEvent
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &evt.Messages); err != nil {
			return HistoryEvent{}, err
		}
	} else if err := json.Unmarshal(trimmed, &evt); err != nil {
		return HistoryEvent{}, err
	}
	if evt.RoomID.Empty() && len(evt.Messages) > 0 {
		evt.RoomID = evt.Messages[0].RoomID
	}
	return evt, nil
}
