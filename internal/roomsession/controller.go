package roomsession

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Meyliana22/influent-app-sub001/internal/domain"
	"github.com/Meyliana22/influent-app-sub001/internal/transport"
	"github.com/Meyliana22/influent-app-sub001/pkg/log"
)

var ErrNoRoom = errors.New("room id is required")

// State is the join progress of the active room.
type State int

const (
	StateIdle State = iota
	StateJoining
	StateActive
)

func (s State) String() string {
	switch s {
	case StateJoining:
		return "joining"
	case StateActive:
		return "active"
	default:
		return "idle"
	}
}

// Timeline is the part of the message store the controller drives.
type Timeline interface {
	Reset(roomID domain.ID)
	Load(roomID domain.ID, history []domain.Message) bool
}

// HistoryFetcher loads the first history page over REST while the
// realtime channel is down.
type HistoryFetcher interface {
	ListMessages(ctx context.Context, roomID domain.ID, page, limit int) ([]domain.Message, error)
}

// Config tunes the controller.
type Config struct {
	HistoryPageSize int
	FetchTimeout    time.Duration
}

// Controller owns which room is active and drives the join protocol.
type Controller struct {
	ch       transport.Channel
	timeline Timeline
	fetcher  HistoryFetcher
	cfg      Config
	logger   zerolog.Logger

	// switchMu serializes SelectRoom and Leave so the timeline is always
	// reset to the room that ends up active.
	switchMu sync.Mutex

	mu       sync.Mutex
	active   domain.ID
	state    State
	onSwitch []func(domain.ID)

	subs   map[string]transport.ListenerID
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewController creates an idle controller. fetcher may be nil.
func NewController(ch transport.Channel, tl Timeline, fetcher HistoryFetcher, cfg Config, logger zerolog.Logger) *Controller {
	if cfg.HistoryPageSize <= 0 {
		cfg.HistoryPageSize = 50
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		ch:       ch,
		timeline: tl,
		fetcher:  fetcher,
		cfg:      cfg,
		logger:   logger,
		subs:     make(map[string]transport.ListenerID),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes to history and connect events.
func (c *Controller) Start() {
	c.subs[domain.EventHistory] = c.ch.On(domain.EventHistory, c.handleHistory)
	c.subs[domain.EventConnect] = c.ch.On(domain.EventConnect, c.handleConnect)
}

// Close unsubscribes and waits for in-flight REST fallbacks.
func (c *Controller) Close() {
	for event, id := range c.subs {
		c.ch.Off(event, id)
	}
	c.cancel()
	c.wg.Wait()
}

// OnSwitch registers fn to run, outside the controller's lock, each time
// the active room changes. fn receives the new room id, empty on Leave.
// fn must not switch rooms itself.
func (c *Controller) OnSwitch(fn func(domain.ID)) {
	c.mu.Lock()
	c.onSwitch = append(c.onSwitch, fn)
	c.mu.Unlock()
}

// ActiveRoom returns the selected room, empty when idle.
func (c *Controller) ActiveRoom() domain.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// State returns the join progress.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SelectRoom makes roomID active: the timeline is cleared before this
// returns, then the join command is emitted. While disconnected the join
// is deferred to the next connect event.
func (c *Controller) SelectRoom(roomID domain.ID) error {
	if roomID.Empty() {
		return ErrNoRoom
	}

	c.switchMu.Lock()
	defer c.switchMu.Unlock()

	c.mu.Lock()
	if c.active == roomID && c.state != StateIdle {
		c.mu.Unlock()
		return nil
	}
	c.active = roomID
	c.state = StateJoining
	hooks := append([]func(domain.ID){}, c.onSwitch...)
	c.mu.Unlock()

	c.timeline.Reset(roomID)
	for _, fn := range hooks {
		fn(roomID)
	}

	if !c.ch.Connected() {
		c.logger.Info().Str(log.FieldRoomID, roomID.String()).Msg("join deferred until connected")
		c.fetchFallback(roomID)
		return nil
	}
	c.join(roomID)
	return nil
}

// Leave returns to idle and clears the timeline.
func (c *Controller) Leave() {
	c.switchMu.Lock()
	defer c.switchMu.Unlock()

	c.mu.Lock()
	c.active = ""
	c.state = StateIdle
	hooks := append([]func(domain.ID){}, c.onSwitch...)
	c.mu.Unlock()

	c.timeline.Reset("")
	for _, fn := range hooks {
		fn("")
	}
}

func (c *Controller) join(roomID domain.ID) {
	if err := c.ch.Emit(domain.CmdJoinRoom, domain.JoinRoomCommand{RoomID: roomID}); err != nil {
		// The next connect event retries the join.
		c.logger.Warn().Err(err).Str(log.FieldRoomID, roomID.String()).Msg("join emit failed")
		return
	}
	c.logger.Debug().Str(log.FieldRoomID, roomID.String()).Msg("join sent")
}

// handleConnect joins the active room after a (re)connect.
func (c *Controller) handleConnect(json.RawMessage) {
	c.mu.Lock()
	roomID := c.active
	if roomID != "" {
		c.state = StateJoining
	}
	c.mu.Unlock()

	if roomID != "" {
		c.join(roomID)
	}
}

func (c *Controller) handleHistory(data json.RawMessage) {
	evt, err := domain.DecodeHistory(data)
	if err != nil {
		c.logger.Warn().Err(err).Msg("dropping malformed history event")
		return
	}

	c.mu.Lock()
	active, state := c.active, c.state
	c.mu.Unlock()

	roomID := evt.RoomID
	if roomID.Empty() && state == StateJoining {
		// Bare empty history: only the room being joined can have asked.
		roomID = active
	}
	if roomID.Empty() || roomID != active {
		c.logger.Debug().
			Str(log.FieldRoomID, roomID.String()).
			Str("active_room_id", active.String()).
			Msg("discarding stale history")
		return
	}

	msgs := make([]domain.Message, 0, len(evt.Messages))
	for _, m := range evt.Messages {
		msg := m.ToMessage()
		if msg.RoomID.Empty() {
			msg.RoomID = roomID
		}
		if msg.RoomID != roomID {
			continue
		}
		msgs = append(msgs, msg)
	}

	if !c.timeline.Load(roomID, msgs) {
		return
	}

	c.mu.Lock()
	if c.active == roomID {
		c.state = StateActive
	}
	c.mu.Unlock()

	c.logger.Debug().Str(log.FieldRoomID, roomID.String()).Int("count", len(msgs)).Msg("history loaded")
}

// fetchFallback loads the first page over REST. The result is applied only
// if roomID is still active when it arrives.
func (c *Controller) fetchFallback(roomID domain.ID) {
	if c.fetcher == nil {
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.FetchTimeout)
		defer cancel()

		msgs, err := c.fetcher.ListMessages(ctx, roomID, 1, c.cfg.HistoryPageSize)
		if err != nil {
			c.logger.Warn().Err(err).Str(log.FieldRoomID, roomID.String()).Msg("history fallback failed")
			return
		}
		if c.ActiveRoom() != roomID {
			return
		}
		c.timeline.Load(roomID, msgs)
	}()
}
