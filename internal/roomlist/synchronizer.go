package roomlist

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/Meyliana22/influent-app-sub001/internal/domain"
	"github.com/Meyliana22/influent-app-sub001/internal/transport"
	"github.com/Meyliana22/influent-app-sub001/pkg/log"
)

// RoomLister fetches the caller's rooms from the REST API.
type RoomLister interface {
	ListRooms(ctx context.Context) ([]domain.ChatRoom, error)
}

// Synchronizer owns the room summaries shown outside the active
// conversation.
type Synchronizer struct {
	ch     transport.Channel
	api    RoomLister
	active func() domain.ID
	logger zerolog.Logger
	now    func() time.Time

	sf singleflight.Group

	mu       sync.Mutex
	rooms    map[domain.ID]*domain.ChatRoom
	applied  map[domain.ID][]domain.ID
	onChange []func()

	subID transport.ListenerID
}

// NewSynchronizer creates an empty synchronizer. active reports the room
// being viewed at the moment an event is applied.
func NewSynchronizer(ch transport.Channel, api RoomLister, active func() domain.ID, logger zerolog.Logger) *Synchronizer {
	if active == nil {
		active = func() domain.ID { return "" }
	}
	return &Synchronizer{
		ch:      ch,
		api:     api,
		active:  active,
		logger:  logger,
		now:     time.Now,
		rooms:   make(map[domain.ID]*domain.ChatRoom),
		applied: make(map[domain.ID][]domain.ID),
	}
}

// Start subscribes to message events.
func (s *Synchronizer) Start() {
	s.subID = s.ch.On(domain.EventMessage, s.handleMessage)
}

func (s *Synchronizer) Close() {
	s.ch.Off(domain.EventMessage, s.subID)
}

// OnChange registers fn to run after the list changes.
func (s *Synchronizer) OnChange(fn func()) {
	s.mu.Lock()
	s.onChange = append(s.onChange, fn)
	s.mu.Unlock()
}

// Refresh replaces every summary with the server's list. Concurrent calls
// share one request.
func (s *Synchronizer) Refresh(ctx context.Context) error {
	ch := s.sf.DoChan("rooms", func() (interface{}, error) {
		rooms, err := s.api.ListRooms(ctx)
		if err != nil {
			return nil, err
		}
		s.replace(rooms)
		return nil, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			s.logger.Warn().Err(res.Err).Msg("room list refresh failed")
		}
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Synchronizer) replace(rooms []domain.ChatRoom) {
	next := make(map[domain.ID]*domain.ChatRoom, len(rooms))
	for _, r := range rooms {
		if r.ID.Empty() {
			continue
		}
		room := r.Clone()
		if room.UnreadCount < 0 {
			room.UnreadCount = 0
		}
		next[room.ID] = &room
	}

	s.mu.Lock()
	s.rooms = next
	s.mu.Unlock()

	s.logger.Debug().Int("count", len(next)).Msg("room list refreshed")
	s.notify()
}

// recentIDs bounds the per-room memory of applied message ids.
const recentIDs = 64

// Apply patches the summary of the event's room. The unread count grows
// only when that room is not the one being viewed. A redelivered message
// id is ignored.
func (s *Synchronizer) Apply(evt domain.ChatMessageEvent) {
	if evt.RoomID.Empty() {
		return
	}
	msg := evt.ToMessage()
	at := msg.Timestamp
	if at.IsZero() {
		at = s.now()
	}
	active := s.active()

	s.mu.Lock()
	if !s.markAppliedLocked(evt.RoomID, msg.ID) {
		s.mu.Unlock()
		s.logger.Debug().
			Str(log.FieldRoomID, evt.RoomID.String()).
			Str(log.FieldMessageID, msg.ID.String()).
			Msg("ignoring redelivered message")
		return
	}
	room, ok := s.rooms[evt.RoomID]
	if !ok {
		room = &domain.ChatRoom{ID: evt.RoomID, Name: evt.RoomID.String()}
		s.rooms[evt.RoomID] = room
		s.logger.Debug().Str(log.FieldRoomID, evt.RoomID.String()).Msg("room first seen on message")
	}
	room.ApplyMessage(msg.Text, at)
	if evt.RoomID != active {
		room.UnreadCount++
	}
	s.mu.Unlock()

	s.notify()
}

// markAppliedLocked records id for roomID and reports whether it was new.
// Messages without an id are always new.
func (s *Synchronizer) markAppliedLocked(roomID, id domain.ID) bool {
	if id.Empty() {
		return true
	}
	ids := s.applied[roomID]
	for _, seen := range ids {
		if seen == id {
			return false
		}
	}
	if len(ids) == recentIDs {
		ids = append(ids[:0], ids[1:]...)
	}
	s.applied[roomID] = append(ids, id)
	return true
}

func (s *Synchronizer) handleMessage(data json.RawMessage) {
	var evt domain.ChatMessageEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		s.logger.Warn().Err(err).Msg("dropping malformed message event")
		return
	}
	s.Apply(evt)
}

// MarkRead zeroes the unread count of roomID.
func (s *Synchronizer) MarkRead(roomID domain.ID) {
	s.mu.Lock()
	room, ok := s.rooms[roomID]
	changed := ok && room.UnreadCount != 0
	if changed {
		room.UnreadCount = 0
	}
	s.mu.Unlock()

	if changed {
		s.notify()
	}
}

// Rooms returns a copy of every summary, most recent activity first.
// Rooms without messages sort last, by id.
func (s *Synchronizer) Rooms() []domain.ChatRoom {
	s.mu.Lock()
	out := make([]domain.ChatRoom, 0, len(s.rooms))
	for _, r := range s.rooms {
		out = append(out, r.Clone())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].LastMessageTime, out[j].LastMessageTime
		switch {
		case a != nil && b != nil && !a.Equal(*b):
			return a.After(*b)
		case a != nil && b == nil:
			return true
		case a == nil && b != nil:
			return false
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Room returns one summary.
func (s *Synchronizer) Room(roomID domain.ID) (domain.ChatRoom, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return domain.ChatRoom{}, false
	}
	return r.Clone(), true
}

// TotalUnread sums the unread counts of every room.
func (s *Synchronizer) TotalUnread() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, r := range s.rooms {
		total += r.UnreadCount
	}
	return total
}

func (s *Synchronizer) notify() {
	s.mu.Lock()
	fns := append([]func(){}, s.onChange...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
