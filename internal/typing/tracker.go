package typing

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Meyliana22/influent-app-sub001/internal/domain"
	"github.com/Meyliana22/influent-app-sub001/internal/transport"
	"github.com/Meyliana22/influent-app-sub001/pkg/log"
)

// Config tunes the tracker.
type Config struct {
	// Debounce is the quiet period after the last keystroke before
	// typing:false is sent.
	Debounce time.Duration
	// RemoteExpiry clears another user's indicator when no renewal arrives.
	RemoteExpiry time.Duration
}

type presence struct {
	timer *time.Timer
	gen   uint64
}

// Tracker debounces the local typing signal and time-boxes the typing
// indicators of other participants.
type Tracker struct {
	ch     transport.Channel
	self   domain.ID
	cfg    Config
	logger zerolog.Logger

	mu sync.Mutex

	// outbound
	stopTimer *time.Timer
	stopRoom  domain.ID
	stopGen   uint64

	// inbound
	room     domain.ID
	typers   map[domain.ID]*presence
	gen      uint64
	onChange []func()

	subs map[string]transport.ListenerID
}

// NewTracker creates a tracker for the local user self.
func NewTracker(ch transport.Channel, self domain.ID, cfg Config, logger zerolog.Logger) *Tracker {
	if cfg.Debounce <= 0 {
		cfg.Debounce = 900 * time.Millisecond
	}
	if cfg.RemoteExpiry <= 0 {
		cfg.RemoteExpiry = 900 * time.Millisecond
	}
	return &Tracker{
		ch:     ch,
		self:   self,
		cfg:    cfg,
		logger: logger,
		typers: make(map[domain.ID]*presence),
		subs:   make(map[string]transport.ListenerID),
	}
}

// Start subscribes to typing and message events.
func (t *Tracker) Start() {
	t.subs[domain.EventTyping] = t.ch.On(domain.EventTyping, t.handleTyping)
	t.subs[domain.EventMessage] = t.ch.On(domain.EventMessage, t.handleMessage)
}

// Close unsubscribes and stops every timer without emitting.
func (t *Tracker) Close() {
	for event, id := range t.subs {
		t.ch.Off(event, id)
	}
	t.mu.Lock()
	if t.stopTimer != nil {
		t.stopTimer.Stop()
		t.stopTimer = nil
	}
	t.stopGen++
	t.clearLocked()
	t.mu.Unlock()
}

// OnChange registers fn to run after the set of typers changes.
func (t *Tracker) OnChange(fn func()) {
	t.mu.Lock()
	t.onChange = append(t.onChange, fn)
	t.mu.Unlock()
}

// NotifyTyping is called on every local input change. It emits
// typing:true at once and restarts the single debounce timer that emits
// typing:false.
func (t *Tracker) NotifyTyping(roomID domain.ID) error {
	if roomID.Empty() {
		return nil
	}

	t.mu.Lock()
	prevRoom := t.stopRoom
	hadPending := t.stopTimer != nil
	if hadPending {
		t.stopTimer.Stop()
	}
	t.stopGen++
	gen := t.stopGen
	t.stopRoom = roomID
	t.stopTimer = time.AfterFunc(t.cfg.Debounce, func() { t.fireStop(gen) })
	t.mu.Unlock()

	if hadPending && prevRoom != roomID {
		t.emit(prevRoom, false)
	}
	return t.emit(roomID, true)
}

// StopTyping sends the pending typing:false immediately, e.g. right after
// a message is sent. It does nothing when no signal is pending.
func (t *Tracker) StopTyping() {
	t.mu.Lock()
	if t.stopTimer == nil {
		t.mu.Unlock()
		return
	}
	t.stopTimer.Stop()
	t.stopTimer = nil
	t.stopGen++
	room := t.stopRoom
	t.mu.Unlock()

	t.emit(room, false)
}

func (t *Tracker) fireStop(gen uint64) {
	t.mu.Lock()
	if gen != t.stopGen {
		t.mu.Unlock()
		return
	}
	t.stopTimer = nil
	room := t.stopRoom
	t.mu.Unlock()

	t.emit(room, false)
}

func (t *Tracker) emit(roomID domain.ID, typing bool) error {
	err := t.ch.Emit(domain.CmdTyping, domain.TypingCommand{RoomID: roomID, Typing: typing})
	if err != nil {
		t.logger.Debug().Err(err).Str(log.FieldRoomID, roomID.String()).Bool("typing", typing).Msg("typing emit failed")
	}
	return err
}

// Reset scopes the inbound set to roomID and clears it. Wired to room
// switches.
func (t *Tracker) Reset(roomID domain.ID) {
	t.mu.Lock()
	t.room = roomID
	changed := len(t.typers) > 0
	t.clearLocked()
	t.mu.Unlock()

	if changed {
		t.notify()
	}
}

// Typers returns the other users currently typing, sorted.
func (t *Tracker) Typers() []domain.ID {
	t.mu.Lock()
	out := make([]domain.ID, 0, len(t.typers))
	for id := range t.typers {
		out = append(out, id)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsTyping reports whether userID is currently shown as typing.
func (t *Tracker) IsTyping(userID domain.ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.typers[userID]
	return ok
}

// Receive applies one inbound typing signal.
func (t *Tracker) Receive(evt domain.TypingEvent) {
	if evt.UserID.Empty() || evt.UserID == t.self {
		return
	}

	t.mu.Lock()
	if !evt.RoomID.Empty() && evt.RoomID != t.room {
		t.mu.Unlock()
		return
	}

	var changed bool
	if evt.Typing {
		p, ok := t.typers[evt.UserID]
		if ok {
			p.timer.Stop()
		} else {
			p = &presence{}
			t.typers[evt.UserID] = p
			changed = true
		}
		t.gen++
		p.gen = t.gen
		user, gen := evt.UserID, p.gen
		p.timer = time.AfterFunc(t.cfg.RemoteExpiry, func() { t.expire(user, gen) })
	} else {
		changed = t.removeLocked(evt.UserID)
	}
	t.mu.Unlock()

	if changed {
		t.notify()
	}
}

func (t *Tracker) expire(userID domain.ID, gen uint64) {
	t.mu.Lock()
	p, ok := t.typers[userID]
	if !ok || p.gen != gen {
		t.mu.Unlock()
		return
	}
	delete(t.typers, userID)
	t.mu.Unlock()

	t.logger.Debug().Str(log.FieldUserID, userID.String()).Msg("typing indicator expired")
	t.notify()
}

func (t *Tracker) handleTyping(data json.RawMessage) {
	var evt domain.TypingEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		t.logger.Warn().Err(err).Msg("dropping malformed typing event")
		return
	}
	t.Receive(evt)
}

// handleMessage clears the author's indicator: a posted message ends typing.
func (t *Tracker) handleMessage(data json.RawMessage) {
	var evt domain.ChatMessageEvent
	if err := json.Unmarshal(data, &evt); err != nil || evt.UserID.Empty() {
		return
	}
	t.mu.Lock()
	changed := false
	if evt.RoomID.Empty() || evt.RoomID == t.room {
		changed = t.removeLocked(evt.UserID)
	}
	t.mu.Unlock()

	if changed {
		t.notify()
	}
}

func (t *Tracker) removeLocked(userID domain.ID) bool {
	p, ok := t.typers[userID]
	if !ok {
		return false
	}
	p.timer.Stop()
	delete(t.typers, userID)
	return true
}

func (t *Tracker) clearLocked() {
	for id, p := range t.typers {
		p.timer.Stop()
		delete(t.typers, id)
	}
}

func (t *Tracker) notify() {
	t.mu.Lock()
	fns := append([]func(){}, t.onChange...)
	t.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
