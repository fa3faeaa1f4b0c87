package roomlist

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Meyliana22/influent-app-sub001/internal/domain"
	"github.com/Meyliana22/influent-app-sub001/internal/transport/transporttest"
)

type fakeLister struct {
	mu      sync.Mutex
	rooms   []domain.ChatRoom
	err     error
	calls   atomic.Int32
	release chan struct{}
}

func (f *fakeLister) ListRooms(ctx context.Context) ([]domain.ChatRoom, error) {
	f.calls.Add(1)
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rooms, f.err
}

func strPtr(s string) *string { return &s }

func newTestSync(t *testing.T, api RoomLister, active *atomic.Value) (*Synchronizer, *transporttest.Channel) {
	t.Helper()
	ch := transporttest.NewChannel()
	activeFn := func() domain.ID {
		if v := active.Load(); v != nil {
			return v.(domain.ID)
		}
		return ""
	}
	s := NewSynchronizer(ch, api, activeFn, zerolog.Nop())
	s.Start()
	t.Cleanup(s.Close)
	return s, ch
}

func TestRefreshReplacesWholesale(t *testing.T) {
	api := &fakeLister{rooms: []domain.ChatRoom{
		{ID: "7", Name: "general", UnreadCount: 2},
		{ID: "8", Name: "random"},
	}}
	var active atomic.Value
	s, ch := newTestSync(t, api, &active)

	require.NoError(t, s.Refresh(context.Background()))
	assert.Len(t, s.Rooms(), 2)
	assert.Equal(t, 2, s.TotalUnread())

	ch.Deliver(domain.EventMessage, domain.ChatMessageEvent{ID: "1", RoomID: "99", UserID: "B", Text: "x"})
	assert.Len(t, s.Rooms(), 3)

	api.mu.Lock()
	api.rooms = []domain.ChatRoom{{ID: "8", Name: "random", UnreadCount: -1}}
	api.mu.Unlock()
	require.NoError(t, s.Refresh(context.Background()))

	rooms := s.Rooms()
	require.Len(t, rooms, 1)
	assert.Equal(t, domain.ID("8"), rooms[0].ID)
	assert.Zero(t, rooms[0].UnreadCount, "negative counts are clamped")
}

func TestRefreshErrorKeepsExistingList(t *testing.T) {
	api := &fakeLister{rooms: []domain.ChatRoom{{ID: "7", Name: "general"}}}
	var active atomic.Value
	s, _ := newTestSync(t, api, &active)
	require.NoError(t, s.Refresh(context.Background()))

	api.mu.Lock()
	api.err = errors.New("offline")
	api.mu.Unlock()
	assert.Error(t, s.Refresh(context.Background()))
	assert.Len(t, s.Rooms(), 1)
}

func TestConcurrentRefreshesShareOneRequest(t *testing.T) {
	api := &fakeLister{release: make(chan struct{})}
	var active atomic.Value
	s, _ := newTestSync(t, api, &active)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Refresh(context.Background()))
		}()
	}
	assert.Eventually(t, func() bool { return api.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(api.release)
	wg.Wait()

	assert.EqualValues(t, 1, api.calls.Load())
}

func TestRefreshHonoursContext(t *testing.T) {
	api := &fakeLister{release: make(chan struct{})}
	var active atomic.Value
	s, _ := newTestSync(t, api, &active)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Refresh(ctx), context.DeadlineExceeded)
}

func TestUnreadOnlyForInactiveRooms(t *testing.T) {
	api := &fakeLister{rooms: []domain.ChatRoom{
		{ID: "7", Name: "general", UnreadCount: 3},
		{ID: "8", Name: "random", UnreadCount: 0},
	}}
	var active atomic.Value
	active.Store(domain.ID("7"))
	s, ch := newTestSync(t, api, &active)
	require.NoError(t, s.Refresh(context.Background()))

	at := time.Date(2024, 1, 1, 0, 0, 42, 0, time.UTC)
	ch.Deliver(domain.EventMessage, domain.ChatMessageEvent{
		ID: "42", RoomID: "7", UserID: "A", Text: "hello", Timestamp: domain.Timestamp{Time: at},
	})
	ch.Deliver(domain.EventMessage, domain.ChatMessageEvent{ID: "43", RoomID: "8", UserID: "B", Text: "psst"})

	general, ok := s.Room("7")
	require.True(t, ok)
	assert.Equal(t, 3, general.UnreadCount, "active room never increments")
	require.NotNil(t, general.LastMessageText)
	assert.Equal(t, "hello", *general.LastMessageText)
	assert.True(t, at.Equal(*general.LastMessageTime))

	random, _ := s.Room("8")
	assert.Equal(t, 1, random.UnreadCount)
	assert.NotNil(t, random.LastMessageTime, "missing timestamps fall back to now")

	// Active is read when the event arrives, not when the message was sent.
	active.Store(domain.ID("8"))
	ch.Deliver(domain.EventMessage, domain.ChatMessageEvent{ID: "44", RoomID: "7", UserID: "B", Text: "late"})
	general, _ = s.Room("7")
	assert.Equal(t, 4, general.UnreadCount)
}

func TestUnknownRoomIsCreated(t *testing.T) {
	var active atomic.Value
	s, ch := newTestSync(t, &fakeLister{}, &active)

	ch.Deliver(domain.EventMessage, map[string]any{"id": 5, "roomId": 12, "userId": "B", "message": "legacy"})
	room, ok := s.Room("12")
	require.True(t, ok)
	assert.Equal(t, "12", room.Name)
	assert.Equal(t, 1, room.UnreadCount)
	assert.Equal(t, "legacy", *room.LastMessageText)

	ch.Deliver(domain.EventMessage, map[string]any{"id": 6, "userId": "B", "text": "no room"})
	ch.Deliver(domain.EventMessage, `{"roomId":`)
	assert.Len(t, s.Rooms(), 1)
}

func TestMarkReadAndOrdering(t *testing.T) {
	old := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := old.Add(time.Hour)
	api := &fakeLister{rooms: []domain.ChatRoom{
		{ID: "1", Name: "quiet"},
		{ID: "2", Name: "old", LastMessageText: strPtr("a"), LastMessageTime: &old, UnreadCount: 4},
		{ID: "3", Name: "recent", LastMessageText: strPtr("b"), LastMessageTime: &recent},
	}}
	var active atomic.Value
	s, _ := newTestSync(t, api, &active)
	require.NoError(t, s.Refresh(context.Background()))

	var changes atomic.Int32
	s.OnChange(func() { changes.Add(1) })

	rooms := s.Rooms()
	require.Len(t, rooms, 3)
	assert.Equal(t, []domain.ID{"3", "2", "1"}, []domain.ID{rooms[0].ID, rooms[1].ID, rooms[2].ID})

	s.MarkRead("2")
	s.MarkRead("2")
	s.MarkRead("missing")
	r, _ := s.Room("2")
	assert.Zero(t, r.UnreadCount)
	assert.EqualValues(t, 1, changes.Load())
}

func TestRoomsReturnsCopies(t *testing.T) {
	api := &fakeLister{rooms: []domain.ChatRoom{{ID: "7", Name: "general", LastMessageText: strPtr("a")}}}
	var active atomic.Value
	s, _ := newTestSync(t, api, &active)
	require.NoError(t, s.Refresh(context.Background()))

	rooms := s.Rooms()
	*rooms[0].LastMessageText = "mutated"
	rooms[0].UnreadCount = 9

	r, _ := s.Room("7")
	assert.Equal(t, "a", *r.LastMessageText)
	assert.Zero(t, r.UnreadCount)
}

func TestRedeliveredMessageCountsOnce(t *testing.T) {
	api := &fakeLister{rooms: []domain.ChatRoom{{ID: "7", Name: "general"}}}
	var active atomic.Value
	active.Store(domain.ID("1"))
	s, ch := newTestSync(t, api, &active)
	require.NoError(t, s.Refresh(context.Background()))

	var changes atomic.Int32
	s.OnChange(func() { changes.Add(1) })

	evt := domain.ChatMessageEvent{ID: "42", RoomID: "7", UserID: "B", Text: "hi"}
	ch.Deliver(domain.EventMessage, evt)
	ch.Deliver(domain.EventMessage, evt)

	room, _ := s.Room("7")
	assert.Equal(t, 1, room.UnreadCount)
	assert.EqualValues(t, 1, changes.Load())

	// A refresh does not make an old id countable again.
	require.NoError(t, s.Refresh(context.Background()))
	ch.Deliver(domain.EventMessage, evt)
	room, _ = s.Room("7")
	assert.Zero(t, room.UnreadCount)

	ch.Deliver(domain.EventMessage, domain.ChatMessageEvent{ID: "43", RoomID: "7", UserID: "B", Text: "again"})
	room, _ = s.Room("7")
	assert.Equal(t, 1, room.UnreadCount)
	assert.Equal(t, "again", *room.LastMessageText)
}
