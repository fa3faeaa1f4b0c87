// Package brokertest runs an in-process chat broker for tests: the REST
// endpoints for room listing and history plus the realtime websocket.
package brokertest

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Meyliana22/influent-app-sub001/internal/domain"
	"github.com/Meyliana22/influent-app-sub001/pkg/jwt"
	"github.com/Meyliana22/influent-app-sub001/pkg/log"
	"github.com/Meyliana22/influent-app-sub001/pkg/middleware"
	"github.com/Meyliana22/influent-app-sub001/pkg/response"
)

const (
	defaultLimit = 50
	maxLimit     = 100
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Command is one frame a client sent.
type Command struct {
	UserID domain.ID
	Event  string
	Data   json.RawMessage
}

type room struct {
	id       domain.ID
	name     string
	members  map[domain.ID]bool
	messages []domain.ChatMessageEvent
}

type client struct {
	userID domain.ID
	conn   *websocket.Conn
	writeM sync.Mutex
	roomID domain.ID
}

func (c *client) send(event string, data any) {
	payload, err := json.Marshal(domain.Envelope{Event: event, Data: data})
	if err != nil {
		return
	}
	c.writeM.Lock()
	defer c.writeM.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	c.conn.WriteMessage(websocket.TextMessage, payload)
}

// logBuffer collects the broker's request logs.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (l *logBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.Write(p)
}

func (l *logBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.String()
}

// Broker is a fake chat server.
type Broker struct {
	JWT    *jwt.Manager
	server *httptest.Server
	engine *gin.Engine
	logs   *logBuffer

	mu           sync.Mutex
	rooms        map[domain.ID]*room
	unread       map[domain.ID]map[domain.ID]int
	clients      map[*client]struct{}
	commands     []Command
	nextID       int
	echoClientID bool
	muteHistory  bool
}

// New starts a broker that lives for the duration of the test.
func New(t *testing.T) *Broker {
	t.Helper()

	manager, err := jwt.NewManager(time.Hour, "brokertest")
	if err != nil {
		t.Fatalf("failed to create jwt manager: %v", err)
	}

	b := &Broker{
		JWT:          manager,
		rooms:        make(map[domain.ID]*room),
		unread:       make(map[domain.ID]map[domain.ID]int),
		clients:      make(map[*client]struct{}),
		echoClientID: true,
		logs:         &logBuffer{},
	}
	logger := zerolog.New(b.logs).Level(zerolog.DebugLevel).With().Timestamp().Logger()

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(log.RequestLogger(logger), gin.CustomRecovery(func(c *gin.Context, recovered any) {
		l := log.FromContext(c.Request.Context())
		l.Error().Interface("panic", recovered).Msg("handler panicked")
		response.InternalError(c, "internal broker error")
	}))
	b.engine = r
	b.registerRoutes(r)

	b.server = httptest.NewServer(r)
	t.Cleanup(func() {
		b.DropConnections()
		b.server.Close()
	})
	return b
}

func (b *Broker) registerRoutes(r *gin.Engine) {
	auth := middleware.NewAuthMiddleware(b.JWT)

	api := r.Group("/api/v1/chat", auth.RequireAuth())
	{
		api.GET("/rooms", b.listRooms)
		api.GET("/rooms/:room_id/messages", b.listMessages)
	}

	r.GET("/ws/chat", auth.RequireAuth(), b.serveWS)
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

// Logs returns everything the broker logged so far, one JSON object per
// line.
func (b *Broker) Logs() string { return b.logs.String() }

// APIURL is the REST base URL.
func (b *Broker) APIURL() string { return b.server.URL }

// WSURL is the realtime endpoint.
func (b *Broker) WSURL() string {
	return "ws" + strings.TrimPrefix(b.server.URL, "http") + "/ws/chat"
}

// Token mints an access token for userID.
func (b *Broker) Token(t *testing.T, userID domain.ID) string {
	t.Helper()
	tok, err := b.JWT.GenerateAccessToken(userID.String(), "user-"+userID.String())
	if err != nil {
		t.Fatalf("failed to mint token: %v", err)
	}
	return tok
}

// AddRoom creates a room shared by members.
func (b *Broker) AddRoom(id domain.ID, name string, members ...domain.ID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rm := &room{id: id, name: name, members: make(map[domain.ID]bool)}
	for _, m := range members {
		rm.members[m] = true
	}
	b.rooms[id] = rm
}

// Seed stores a message without broadcasting it.
func (b *Broker) Seed(roomID, userID domain.ID, text string, at time.Time) domain.ChatMessageEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.storeLocked(roomID, userID, text, "", at)
}

// EchoClientID controls whether echoes carry the sender's client id.
func (b *Broker) EchoClientID(on bool) {
	b.mu.Lock()
	b.echoClientID = on
	b.mu.Unlock()
}

// MuteHistory stops the broker from answering joinRoom.
func (b *Broker) MuteHistory(on bool) {
	b.mu.Lock()
	b.muteHistory = on
	b.mu.Unlock()
}

// Commands returns every frame received so far.
func (b *Broker) Commands() []Command {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Command(nil), b.commands...)
}

// CommandsFor filters Commands by event name.
func (b *Broker) CommandsFor(event string) []Command {
	var out []Command
	for _, c := range b.Commands() {
		if c.Event == event {
			out = append(out, c)
		}
	}
	return out
}

// Connections counts open websocket clients.
func (b *Broker) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Push sends an event to every connected client.
func (b *Broker) Push(event string, data any) {
	for _, c := range b.snapshotClients(func(*client) bool { return true }) {
		c.send(event, data)
	}
}

// Post stores a message from userID and broadcasts it as if that user had
// sent it over the socket.
func (b *Broker) Post(roomID, userID domain.ID, text string) domain.ChatMessageEvent {
	b.mu.Lock()
	evt := b.storeLocked(roomID, userID, text, "", time.Now().UTC())
	b.mu.Unlock()
	b.broadcastMessage(evt)
	return evt
}

// DropConnections closes every websocket from the server side.
func (b *Broker) DropConnections() {
	b.mu.Lock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.clients = make(map[*client]struct{})
	b.mu.Unlock()

	for _, c := range clients {
		c.conn.Close()
	}
}

func (b *Broker) storeLocked(roomID, userID domain.ID, text, clientID string, at time.Time) domain.ChatMessageEvent {
	b.nextID++
	evt := domain.ChatMessageEvent{
		ID:        domain.ID(strconv.Itoa(b.nextID)),
		RoomID:    roomID,
		UserID:    userID,
		Text:      text,
		Timestamp: domain.Timestamp{Time: at},
		ClientID:  clientID,
	}
	if rm, ok := b.rooms[roomID]; ok {
		rm.messages = append(rm.messages, evt)
		for member := range rm.members {
			if member == userID {
				continue
			}
			if b.unread[member] == nil {
				b.unread[member] = make(map[domain.ID]int)
			}
			b.unread[member][roomID]++
		}
	}
	return evt
}

func (b *Broker) snapshotClients(keep func(*client) bool) []*client {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}

func (b *Broker) broadcastMessage(evt domain.ChatMessageEvent) {
	b.mu.Lock()
	rm := b.rooms[evt.RoomID]
	b.mu.Unlock()

	for _, c := range b.snapshotClients(func(c *client) bool {
		return rm == nil || rm.members[c.userID]
	}) {
		c.send(domain.EventMessage, evt)
	}
}

func (b *Broker) listRooms(c *gin.Context) {
	userID := domain.ID(middleware.GetUserID(c))

	b.mu.Lock()
	type roomOut struct {
		ID              domain.ID  `json:"id"`
		Name            string     `json:"name"`
		LastMessageText *string    `json:"lastMessageText"`
		LastMessageTime *time.Time `json:"lastMessageTime"`
		UnreadCount     int        `json:"unreadCount"`
	}
	out := make([]roomOut, 0, len(b.rooms))
	for _, rm := range b.rooms {
		if !rm.members[userID] {
			continue
		}
		ro := roomOut{ID: rm.id, Name: rm.name, UnreadCount: b.unread[userID][rm.id]}
		if n := len(rm.messages); n > 0 {
			last := rm.messages[n-1]
			text, ts := last.Text, last.Timestamp.Time
			ro.LastMessageText, ro.LastMessageTime = &text, &ts
		}
		out = append(out, ro)
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	response.Success(c, out)
}

// listMessages pages backwards from the newest message; each page is
// returned oldest first.
func (b *Broker) listMessages(c *gin.Context) {
	roomID := domain.ID(c.Param("room_id"))

	limit := defaultLimit
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			response.BadRequest(c, "limit must be a positive integer")
			return
		}
		limit = min(n, maxLimit)
	}
	page := 1
	if s := c.Query("page"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			response.BadRequest(c, "page must be a positive integer")
			return
		}
		page = n
	}

	b.mu.Lock()
	rm, ok := b.rooms[roomID]
	var msgs []domain.ChatMessageEvent
	if ok {
		end := len(rm.messages) - (page-1)*limit
		start := max(end-limit, 0)
		if end > 0 {
			msgs = append(msgs, rm.messages[start:end]...)
		}
	}
	b.mu.Unlock()

	if !ok {
		response.NotFound(c, "room not found")
		return
	}
	if msgs == nil {
		msgs = []domain.ChatMessageEvent{}
	}
	response.Success(c, msgs)
}

func (b *Broker) serveWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	cl := &client{userID: domain.ID(middleware.GetUserID(c)), conn: conn}
	l := log.FromContext(c.Request.Context())
	l.Debug().Str(log.FieldUserID, cl.userID.String()).Msg("websocket attached")
	b.mu.Lock()
	b.clients[cl] = struct{}{}
	b.mu.Unlock()

	go b.readLoop(cl)
}

func (b *Broker) readLoop(cl *client) {
	defer func() {
		b.mu.Lock()
		delete(b.clients, cl)
		b.mu.Unlock()
		cl.conn.Close()
	}()

	for {
		_, raw, err := cl.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(raw, &frame); err != nil {
			cl.send(domain.EventError, domain.ErrorEvent{Code: "BAD_REQUEST", Message: "invalid frame"})
			continue
		}

		b.mu.Lock()
		b.commands = append(b.commands, Command{UserID: cl.userID, Event: frame.Event, Data: frame.Data})
		b.mu.Unlock()

		switch frame.Event {
		case domain.CmdJoinRoom:
			b.handleJoin(cl, frame.Data)
		case domain.CmdMessage:
			b.handleMessage(cl, frame.Data)
		case domain.CmdTyping:
			b.handleTyping(cl, frame.Data)
		default:
			cl.send(domain.EventError, domain.ErrorEvent{Code: "BAD_REQUEST", Message: "unknown event " + frame.Event})
		}
	}
}

func (b *Broker) handleJoin(cl *client, data json.RawMessage) {
	var cmd domain.JoinRoomCommand
	if err := json.Unmarshal(data, &cmd); err != nil || cmd.RoomID.Empty() {
		cl.send(domain.EventError, domain.ErrorEvent{Code: "BAD_REQUEST", Message: "roomId required"})
		return
	}

	b.mu.Lock()
	rm, ok := b.rooms[cmd.RoomID]
	if !ok || !rm.members[cl.userID] {
		b.mu.Unlock()
		cl.send(domain.EventError, domain.ErrorEvent{Code: "NOT_IN_ROOM", Message: "cannot join room"})
		return
	}
	cl.roomID = cmd.RoomID
	if b.unread[cl.userID] != nil {
		delete(b.unread[cl.userID], cmd.RoomID)
	}
	history := domain.HistoryEvent{
		RoomID:   cmd.RoomID,
		Messages: append([]domain.ChatMessageEvent{}, rm.messages...),
	}
	mute := b.muteHistory
	b.mu.Unlock()

	if !mute {
		cl.send(domain.EventHistory, history)
	}
}

func (b *Broker) handleMessage(cl *client, data json.RawMessage) {
	var cmd domain.SendMessageCommand
	if err := json.Unmarshal(data, &cmd); err != nil || cmd.RoomID.Empty() || cmd.Message == "" {
		cl.send(domain.EventError, domain.ErrorEvent{Code: "BAD_REQUEST", Message: "roomId and message required"})
		return
	}

	b.mu.Lock()
	clientID := ""
	if b.echoClientID {
		clientID = cmd.ClientID
	}
	evt := b.storeLocked(cmd.RoomID, cl.userID, cmd.Message, clientID, time.Now().UTC())
	b.mu.Unlock()

	b.broadcastMessage(evt)
}

func (b *Broker) handleTyping(cl *client, data json.RawMessage) {
	var cmd domain.TypingCommand
	if err := json.Unmarshal(data, &cmd); err != nil || cmd.RoomID.Empty() {
		return
	}
	evt := domain.TypingEvent{RoomID: cmd.RoomID, UserID: cl.userID, Typing: cmd.Typing}

	for _, c := range b.snapshotClients(func(c *client) bool {
		return c != cl && c.roomID == cmd.RoomID
	}) {
		c.send(domain.EventTyping, evt)
	}
}
