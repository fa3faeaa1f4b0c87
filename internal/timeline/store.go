package timeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Meyliana22/influent-app-sub001/internal/domain"
	"github.com/Meyliana22/influent-app-sub001/internal/transport"
	"github.com/Meyliana22/influent-app-sub001/pkg/log"
)

var (
	ErrNoActiveRoom = errors.New("no active room")
	ErrEmptyMessage = errors.New("message text is empty")
)

// Config tunes the store.
type Config struct {
	// SendTimeout flips an unconfirmed entry to failed. Zero disables it.
	SendTimeout time.Duration
}

// Store is the ordered message list of the active room. It reconciles
// optimistic sends against the server's echoes.
type Store struct {
	ch     transport.Channel
	self   domain.ID
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	roomID   domain.ID
	messages []domain.Message
	timers   map[domain.ID]*time.Timer
	onChange []func()

	subID transport.ListenerID
}

// NewStore creates a store for the local user self.
func NewStore(ch transport.Channel, self domain.ID, cfg Config, logger zerolog.Logger) *Store {
	return &Store{
		ch:     ch,
		self:   self,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		timers: make(map[domain.ID]*time.Timer),
	}
}

// Start subscribes to inbound messages.
func (s *Store) Start() {
	s.subID = s.ch.On(domain.EventMessage, s.handleMessage)
}

// Close unsubscribes and stops pending send timers.
func (s *Store) Close() {
	s.ch.Off(domain.EventMessage, s.subID)
	s.mu.Lock()
	s.stopTimersLocked()
	s.mu.Unlock()
}

// OnChange registers fn to run after every mutation. Callbacks run
// outside the store's lock.
func (s *Store) OnChange(fn func()) {
	s.mu.Lock()
	s.onChange = append(s.onChange, fn)
	s.mu.Unlock()
}

// RoomID returns the room the timeline belongs to.
func (s *Store) RoomID() domain.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

// Messages returns a copy of the timeline.
func (s *Store) Messages() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Message(nil), s.messages...)
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// Reset empties the timeline and binds it to roomID. Only the room
// session controller calls it, on room switch.
func (s *Store) Reset(roomID domain.ID) {
	s.mu.Lock()
	s.stopTimersLocked()
	s.roomID = roomID
	s.messages = nil
	s.mu.Unlock()

	s.notify()
}

// Load installs a history page for roomID. It returns false, leaving the
// timeline untouched, when roomID is no longer the timeline's room.
// Entries that arrived live before the history are kept after it, and so
// are unconfirmed sends the history does not already hold.
func (s *Store) Load(roomID domain.ID, history []domain.Message) bool {
	s.mu.Lock()
	if roomID != s.roomID || roomID.Empty() {
		s.mu.Unlock()
		return false
	}

	sorted := append([]domain.Message(nil), history...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	seen := make(map[domain.ID]struct{}, len(sorted))
	for _, m := range sorted {
		seen[m.ID] = struct{}{}
	}
	claimed := make(map[int]bool)
	for _, m := range s.messages {
		if m.Unconfirmed() {
			if idx := matchPersisted(sorted, claimed, m); idx >= 0 {
				claimed[idx] = true
				s.stopTimerLocked(m.ID)
				continue
			}
			sorted = append(sorted, m)
			continue
		}
		if _, dup := seen[m.ID]; !dup {
			sorted = append(sorted, m)
		}
	}
	s.messages = sorted
	s.mu.Unlock()

	s.notify()
	return true
}

// persistedSkew is how much earlier than the local send time the server's
// copy of a message may be stamped and still confirm it by text.
const persistedSkew = time.Minute

// matchPersisted finds the history entry that confirms the unconfirmed
// entry m: by client id first, then the newest unclaimed entry with the
// same author and text that is not older than the send.
func matchPersisted(history []domain.Message, claimed map[int]bool, m domain.Message) int {
	if m.ClientID != "" {
		for i := len(history) - 1; i >= 0; i-- {
			if !claimed[i] && history[i].ClientID == m.ClientID {
				return i
			}
		}
	}
	for i := len(history) - 1; i >= 0; i-- {
		h := history[i]
		if claimed[i] || h.UserID != m.UserID || h.Text != m.Text {
			continue
		}
		if h.Timestamp.IsZero() || !h.Timestamp.Before(m.Timestamp.Add(-persistedSkew)) {
			return i
		}
	}
	return -1
}

// Send appends an optimistic entry and emits the message command without
// waiting for the server. A second identical send while the first is
// still unconfirmed re-uses the existing entry. When the emit fails the
// entry is flagged failed and the error returned.
func (s *Store) Send(text string) (domain.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.Message{}, ErrEmptyMessage
	}

	clientID := uuid.NewString()

	s.mu.Lock()
	if s.roomID.Empty() {
		s.mu.Unlock()
		return domain.Message{}, ErrNoActiveRoom
	}
	roomID := s.roomID

	var msg domain.Message
	if idx := s.matchUnconfirmedLocked("", s.self, text); idx >= 0 {
		s.messages[idx].Pending = true
		s.messages[idx].Failed = false
		msg = s.messages[idx]
	} else {
		msg = domain.Message{
			ID:        domain.ID(domain.PendingIDPrefix + uuid.NewString()),
			RoomID:    roomID,
			UserID:    s.self,
			Text:      text,
			Timestamp: s.now(),
			ClientID:  clientID,
			Pending:   true,
		}
		s.messages = append(s.messages, msg)
	}
	s.mu.Unlock()

	err := s.ch.Emit(domain.CmdMessage, domain.SendMessageCommand{
		RoomID:   roomID,
		Message:  text,
		ClientID: clientID,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str(log.FieldRoomID, roomID.String()).Msg("message send failed")
		if failed, ok := s.markFailed(msg.ID); ok {
			msg = failed
		}
		s.notify()
		return msg, fmt.Errorf("failed to send message: %w", err)
	}

	s.armTimeout(msg.ID)
	s.notify()
	return msg, nil
}

// Receive reconciles one confirmed message. Messages for other rooms are
// ignored; a repeated delivery of a known server id is dropped.
func (s *Store) Receive(evt domain.ChatMessageEvent) {
	if !evt.Valid() {
		s.logger.Debug().Msg("dropping message without room or author")
		return
	}
	msg := evt.ToMessage()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}

	s.mu.Lock()
	if msg.RoomID != s.roomID {
		s.mu.Unlock()
		return
	}
	if !msg.ID.Empty() && s.indexOfConfirmedLocked(msg.ID) >= 0 {
		s.mu.Unlock()
		return
	}

	idx := s.matchUnconfirmedLocked(msg.ClientID, msg.UserID, msg.Text)
	if idx >= 0 {
		s.stopTimerLocked(s.messages[idx].ID)
		s.messages[idx] = msg
	} else {
		s.messages = append(s.messages, msg)
	}
	s.mu.Unlock()

	s.logger.Debug().
		Str(log.FieldRoomID, msg.RoomID.String()).
		Str(log.FieldMessageID, msg.ID.String()).
		Bool("reconciled", idx >= 0).
		Msg("message received")
	s.notify()
}

func (s *Store) handleMessage(data json.RawMessage) {
	var evt domain.ChatMessageEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		s.logger.Warn().Err(err).Msg("dropping malformed message event")
		return
	}
	s.Receive(evt)
}

// matchUnconfirmedLocked finds the entry an echo confirms: by client id
// first, then the most recent unconfirmed entry with the same author and
// text.
func (s *Store) matchUnconfirmedLocked(clientID string, userID domain.ID, text string) int {
	if clientID != "" {
		for i := len(s.messages) - 1; i >= 0; i-- {
			m := s.messages[i]
			if m.Unconfirmed() && m.ClientID == clientID {
				return i
			}
		}
	}
	for i := len(s.messages) - 1; i >= 0; i-- {
		m := s.messages[i]
		if m.Unconfirmed() && m.UserID == userID && m.Text == text {
			return i
		}
	}
	return -1
}

func (s *Store) indexOfConfirmedLocked(id domain.ID) int {
	for i, m := range s.messages {
		if !m.Unconfirmed() && m.ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) armTimeout(id domain.ID) {
	if s.cfg.SendTimeout <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopTimerLocked(id)
	s.timers[id] = time.AfterFunc(s.cfg.SendTimeout, func() {
		if _, ok := s.markFailed(id); ok {
			s.logger.Warn().Str(log.FieldMessageID, id.String()).Msg("message not confirmed in time")
			s.notify()
		}
	})
}

// markFailed flags a still-pending entry as failed.
func (s *Store) markFailed(id domain.ID) (domain.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.timers, id)
	for i := range s.messages {
		if s.messages[i].ID == id && s.messages[i].Pending {
			s.messages[i].Pending = false
			s.messages[i].Failed = true
			return s.messages[i], true
		}
	}
	return domain.Message{}, false
}

func (s *Store) stopTimerLocked(id domain.ID) {
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
}

func (s *Store) stopTimersLocked() {
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

func (s *Store) notify() {
	s.mu.Lock()
	fns := append([]func(){}, s.onChange...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
