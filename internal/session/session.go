// Package session wires the realtime chat components for one authenticated
// user. A Session is created after login and closed on logout; nothing in
// it outlives Close.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Meyliana22/influent-app-sub001/internal/client"
	"github.com/Meyliana22/influent-app-sub001/internal/config"
	"github.com/Meyliana22/influent-app-sub001/internal/credential"
	"github.com/Meyliana22/influent-app-sub001/internal/domain"
	"github.com/Meyliana22/influent-app-sub001/internal/roomlist"
	"github.com/Meyliana22/influent-app-sub001/internal/roomsession"
	"github.com/Meyliana22/influent-app-sub001/internal/timeline"
	"github.com/Meyliana22/influent-app-sub001/internal/transport"
	"github.com/Meyliana22/influent-app-sub001/internal/typing"
	"github.com/Meyliana22/influent-app-sub001/pkg/log"
)

var ErrClosed = errors.New("session is closed")

// Conn is the realtime channel plus its lifecycle.
type Conn interface {
	transport.Channel
	Connect(ctx context.Context, provider credential.Provider) error
	Disconnect()
	State() transport.State
}

// API is the REST surface used for initial population.
type API interface {
	roomlist.RoomLister
	roomsession.HistoryFetcher
}

// Change names the view that changed.
type Change int

const (
	ChangeTimeline Change = iota
	ChangeRooms
	ChangeTyping
)

func (c Change) String() string {
	switch c {
	case ChangeRooms:
		return "rooms"
	case ChangeTyping:
		return "typing"
	default:
		return "timeline"
	}
}

// Dependencies are the collaborators a Session is built from.
type Dependencies struct {
	Conn        Conn
	API         API
	Credentials credential.Provider
	Self        domain.ID
}

// Options tunes the components.
type Options struct {
	Typing           typing.Config
	Timeline         timeline.Config
	Room             roomsession.Config
	RefreshAfterSend bool
	RefreshTimeout   time.Duration
}

// Session owns the components of one signed-in user.
type Session struct {
	conn   Conn
	creds  credential.Provider
	self   domain.ID
	opts   Options
	logger zerolog.Logger

	timeline   *timeline.Store
	controller *roomsession.Controller
	typing     *typing.Tracker
	rooms      *roomlist.Synchronizer

	mu       sync.Mutex
	onChange []func(Change)
	onError  []func(domain.ErrorEvent)
	started  bool
	closed   bool
	errSub   transport.ListenerID

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a session from explicit collaborators.
func New(deps Dependencies, opts Options, logger zerolog.Logger) *Session {
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		conn:   deps.Conn,
		creds:  deps.Credentials,
		self:   deps.Self,
		opts:   opts,
		logger: logger.With().Str(log.FieldUserID, deps.Self.String()).Logger(),
		ctx:    ctx,
		cancel: cancel,
	}

	var fetcher roomsession.HistoryFetcher
	var lister roomlist.RoomLister = noRooms{}
	if deps.API != nil {
		fetcher, lister = deps.API, deps.API
	}

	s.timeline = timeline.NewStore(deps.Conn, deps.Self, opts.Timeline, s.component("timeline"))
	s.controller = roomsession.NewController(deps.Conn, s.timeline, fetcher, opts.Room, s.component("room_session"))
	s.typing = typing.NewTracker(deps.Conn, deps.Self, opts.Typing, s.component("typing"))
	s.rooms = roomlist.NewSynchronizer(deps.Conn, lister, s.controller.ActiveRoom, s.component("room_list"))

	s.controller.OnSwitch(func(roomID domain.ID) {
		s.typing.StopTyping()
		s.typing.Reset(roomID)
		if !roomID.Empty() {
			s.rooms.MarkRead(roomID)
		}
	})
	s.timeline.OnChange(func() { s.notify(ChangeTimeline) })
	s.rooms.OnChange(func() { s.notify(ChangeRooms) })
	s.typing.OnChange(func() { s.notify(ChangeTyping) })

	return s
}

// Open builds a session against the configured endpoints. The local user
// is taken from auth.user_id or, failing that, from the token's claims.
func Open(ctx context.Context, cfg *config.Config, creds credential.Provider) (*Session, error) {
	self := domain.ID(cfg.Auth.UserID)
	if self.Empty() {
		id, err := credential.Identity(ctx, creds)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve identity: %w", err)
		}
		self = id
	}
	if credential.ExpiresWithin(ctx, creds, cfg.Reconnect.MaxInterval) {
		logger := log.L()
		logger.Warn().Str(log.FieldUserID, self.String()).Msg("token expires soon; reconnects may be refused")
	}

	conn := transport.NewManager(transport.Config{
		URL:              cfg.Server.WSURL,
		PingInterval:     cfg.WebSocket.PingInterval,
		PongWait:         cfg.WebSocket.PongWait,
		WriteWait:        cfg.WebSocket.WriteWait,
		HandshakeTimeout: cfg.WebSocket.HandshakeTimeout,
		MaxMessageSize:   cfg.WebSocket.MaxMessageSize,
		SendBuffer:       cfg.WebSocket.SendBuffer,
		Reconnect: transport.ReconnectConfig{
			Enabled:             cfg.Reconnect.Enabled,
			InitialInterval:     cfg.Reconnect.InitialInterval,
			MaxInterval:         cfg.Reconnect.MaxInterval,
			Multiplier:          cfg.Reconnect.Multiplier,
			RandomizationFactor: cfg.Reconnect.RandomizationFactor,
			MaxAttempts:         cfg.Reconnect.MaxAttempts,
		},
	}, log.Component("transport"))

	var api API
	if cfg.Server.APIURL != "" {
		api = client.NewChatAPI(cfg.Server.APIURL, cfg.Server.HTTPTimeout, creds)
	}

	return New(Dependencies{
		Conn:        conn,
		API:         api,
		Credentials: creds,
		Self:        self,
	}, Options{
		Typing: typing.Config{
			Debounce:     cfg.Typing.Debounce,
			RemoteExpiry: cfg.Typing.RemoteExpiry,
		},
		Timeline: timeline.Config{SendTimeout: cfg.Timeline.SendTimeout},
		Room: roomsession.Config{
			HistoryPageSize: cfg.Rooms.HistoryPageSize,
			FetchTimeout:    cfg.Server.HTTPTimeout,
		},
		RefreshAfterSend: cfg.Rooms.RefreshAfterSend,
		RefreshTimeout:   cfg.Server.HTTPTimeout,
	}, log.L()), nil
}

func (s *Session) component(name string) zerolog.Logger {
	return s.logger.With().Str(log.FieldComponent, name).Logger()
}

// Start subscribes every component, loads the room list and opens the
// channel. A failed room list load is logged, not returned. A connect
// error leaves the session usable in the disconnected state; transient
// failures keep retrying in the background.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	s.timeline.Start()
	s.controller.Start()
	s.typing.Start()
	s.rooms.Start()
	s.errSub = s.conn.On(domain.EventError, s.handleError)

	if err := s.rooms.Refresh(ctx); err != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	if err := s.conn.Connect(ctx, s.creds); err != nil {
		s.logger.Warn().Err(err).Msg("realtime channel not connected")
		return err
	}
	s.logger.Info().Msg("session started")
	return nil
}

// Reconnect opens the channel again after a failed Start or after the
// credential changed, e.g. on login. It is a no-op while connected or
// already retrying.
func (s *Session) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	closed, started := s.closed, s.started
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !started {
		return s.Start(ctx)
	}

	err := s.conn.Connect(ctx, s.creds)
	if errors.Is(err, transport.ErrAlreadyConnected) {
		return nil
	}
	if err == nil {
		s.refreshAsync()
	}
	return err
}

// Close stops every component and releases the channel. Safe to call more
// than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	started := s.started
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	if started {
		s.conn.Off(domain.EventError, s.errSub)
		s.controller.Close()
		s.typing.Close()
		s.timeline.Close()
		s.rooms.Close()
	}
	s.conn.Disconnect()
	s.logger.Info().Msg("session closed")
}

// Self is the signed-in user.
func (s *Session) Self() domain.ID { return s.self }

// State is the realtime channel state.
func (s *Session) State() transport.State { return s.conn.State() }

// OnChange registers fn to run after a view changes. fn runs on the
// goroutine that caused the change and must not block.
func (s *Session) OnChange(fn func(Change)) {
	s.mu.Lock()
	s.onChange = append(s.onChange, fn)
	s.mu.Unlock()
}

// OnError registers fn for error events pushed by the server.
func (s *Session) OnError(fn func(domain.ErrorEvent)) {
	s.mu.Lock()
	s.onError = append(s.onError, fn)
	s.mu.Unlock()
}

// SelectRoom switches the active room. The timeline is empty when this
// returns and fills once history arrives.
func (s *Session) SelectRoom(roomID domain.ID) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.controller.SelectRoom(roomID)
}

// LeaveRoom returns to no active room.
func (s *Session) LeaveRoom() {
	s.controller.Leave()
}

// ActiveRoom returns the selected room, empty when none.
func (s *Session) ActiveRoom() domain.ID { return s.controller.ActiveRoom() }

// RoomState returns the join progress of the active room.
func (s *Session) RoomState() roomsession.State { return s.controller.State() }

// SendMessage posts text to the active room. The optimistic entry is
// returned at once; the echo confirms it later.
func (s *Session) SendMessage(text string) (domain.Message, error) {
	if s.isClosed() {
		return domain.Message{}, ErrClosed
	}
	msg, err := s.timeline.Send(text)
	if errors.Is(err, timeline.ErrEmptyMessage) || errors.Is(err, timeline.ErrNoActiveRoom) {
		return msg, err
	}
	s.typing.StopTyping()

	if err == nil && s.opts.RefreshAfterSend {
		s.refreshAsync()
	}
	return msg, err
}

// NotifyTyping reports a local keystroke in the active room.
func (s *Session) NotifyTyping() error {
	roomID := s.controller.ActiveRoom()
	if roomID.Empty() {
		return timeline.ErrNoActiveRoom
	}
	return s.typing.NotifyTyping(roomID)
}

// RefreshRooms reloads the room list.
func (s *Session) RefreshRooms(ctx context.Context) error {
	return s.rooms.Refresh(ctx)
}

// Messages is the active room's timeline.
func (s *Session) Messages() []domain.Message { return s.timeline.Messages() }

// Rooms is the room list, most recent first.
func (s *Session) Rooms() []domain.ChatRoom { return s.rooms.Rooms() }

// Typers are the other users typing in the active room.
func (s *Session) Typers() []domain.ID { return s.typing.Typers() }

// TotalUnread sums unread counts across rooms.
func (s *Session) TotalUnread() int { return s.rooms.TotalUnread() }

// refreshAsync refreshes the room list in the background unless the
// session is closed. The closed check and wg.Add share s.mu so Close never
// waits while a refresh is being added.
func (s *Session) refreshAsync() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.opts.RefreshTimeout)
		defer cancel()
		s.rooms.Refresh(ctx)
	}()
}

func (s *Session) handleError(data json.RawMessage) {
	var evt domain.ErrorEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		// Some servers push a bare string.
		var msg string
		if json.Unmarshal(data, &msg) != nil {
			s.logger.Warn().RawJSON("data", data).Msg("unrecognised error event")
			return
		}
		evt.Message = msg
	}
	s.logger.Warn().Str("code", evt.Code).Str("message", evt.Message).Msg("server error event")

	s.mu.Lock()
	fns := append([]func(domain.ErrorEvent){}, s.onError...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(evt)
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) notify(c Change) {
	s.mu.Lock()
	fns := append([]func(Change){}, s.onChange...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}

type noRooms struct{}

func (noRooms) ListRooms(context.Context) ([]domain.ChatRoom, error) { return nil, nil }
