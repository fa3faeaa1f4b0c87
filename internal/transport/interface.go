package transport

import (
	"encoding/json"
	"errors"
)

var (
	ErrNotConnected     = errors.New("channel is not connected")
	ErrSendBufferFull   = errors.New("send buffer is full")
	ErrClosed           = errors.New("channel has been closed")
	ErrUnauthorized     = errors.New("handshake rejected credential")
	ErrAlreadyConnected = errors.New("channel is already connected")
)

// Handler receives the raw data of one event. Handlers run one at a time
// and must not block or call Connect.
type Handler func(data json.RawMessage)

// ListenerID identifies a subscription for Off.
type ListenerID uint64

// Channel is the publish/subscribe surface the chat components use. Only
// the Manager touches the underlying connection.
type Channel interface {
	On(event string, h Handler) ListenerID
	Off(event string, id ListenerID)
	Emit(event string, payload any) error
	Connected() bool
}

// State is the observable connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}
