// Package transporttest provides an in-memory transport.Channel for
// component tests.
package transporttest

import (
	"encoding/json"
	"sync"

	"github.com/Meyliana22/influent-app-sub001/internal/transport"
)

// Emitted is one recorded outbound command.
type Emitted struct {
	Event   string
	Payload any
}

// Channel records emits and lets tests deliver inbound events.
type Channel struct {
	mu        sync.Mutex
	connected bool
	emitErr   error
	emitted   []Emitted
	nextID    transport.ListenerID
	listeners map[string]map[transport.ListenerID]transport.Handler
	order     map[string][]transport.ListenerID
}

// NewChannel returns a connected fake channel.
func NewChannel() *Channel {
	return &Channel{
		connected: true,
		listeners: make(map[string]map[transport.ListenerID]transport.Handler),
		order:     make(map[string][]transport.ListenerID),
	}
}

func (c *Channel) On(event string, h transport.Handler) transport.ListenerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	if c.listeners[event] == nil {
		c.listeners[event] = make(map[transport.ListenerID]transport.Handler)
	}
	c.listeners[event][c.nextID] = h
	c.order[event] = append(c.order[event], c.nextID)
	return c.nextID
}

func (c *Channel) Off(event string, id transport.ListenerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.listeners[event], id)
}

func (c *Channel) Emit(event string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return transport.ErrNotConnected
	}
	if c.emitErr != nil {
		return c.emitErr
	}
	c.emitted = append(c.emitted, Emitted{Event: event, Payload: payload})
	return nil
}

func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// SetConnected flips the connection flag without raising events.
func (c *Channel) SetConnected(connected bool) {
	c.mu.Lock()
	c.connected = connected
	c.mu.Unlock()
}

// FailEmits makes every Emit return err; nil restores normal behaviour.
func (c *Channel) FailEmits(err error) {
	c.mu.Lock()
	c.emitErr = err
	c.mu.Unlock()
}

// Deliver encodes payload and runs the handlers for event in
// subscription order, the way the manager's read pump does.
func (c *Channel) Deliver(event string, payload any) {
	var raw json.RawMessage
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		raw = p
	case string:
		raw = json.RawMessage(p)
	default:
		data, err := json.Marshal(p)
		if err != nil {
			panic(err)
		}
		raw = data
	}

	c.mu.Lock()
	var hs []transport.Handler
	for _, id := range c.order[event] {
		if h, ok := c.listeners[event][id]; ok {
			hs = append(hs, h)
		}
	}
	c.mu.Unlock()

	for _, h := range hs {
		h(raw)
	}
}

// Connect marks the channel connected and raises the connect event.
func (c *Channel) Connect() {
	c.SetConnected(true)
	c.Deliver("connect", nil)
}

// Emitted returns a copy of the recorded commands.
func (c *Channel) Emitted() []Emitted {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Emitted(nil), c.emitted...)
}

// EmittedFor returns the recorded commands for one event name.
func (c *Channel) EmittedFor(event string) []Emitted {
	var out []Emitted
	for _, e := range c.Emitted() {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

// Reset clears recorded commands.
func (c *Channel) Reset() {
	c.mu.Lock()
	c.emitted = nil
	c.mu.Unlock()
}

// Listeners counts live subscriptions for event.
func (c *Channel) Listeners(event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.listeners[event])
}

var _ transport.Channel = (*Channel)(nil)
