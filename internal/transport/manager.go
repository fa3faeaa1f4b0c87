package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Meyliana22/influent-app-sub001/internal/credential"
	"github.com/Meyliana22/influent-app-sub001/internal/domain"
	"github.com/Meyliana22/influent-app-sub001/pkg/log"
)

// Config configures the websocket channel.
type Config struct {
	URL              string
	PingInterval     time.Duration
	PongWait         time.Duration
	WriteWait        time.Duration
	HandshakeTimeout time.Duration
	MaxMessageSize   int64
	SendBuffer       int
	Reconnect        ReconnectConfig
}

// ReconnectConfig bounds the automatic redial after an unexpected drop.
// MaxAttempts of zero retries until Disconnect.
type ReconnectConfig struct {
	Enabled             bool
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
	MaxAttempts         int
}

type listener struct {
	id ListenerID
	h  Handler
}

// Manager owns the single authenticated websocket of a chat session.
type Manager struct {
	cfg    Config
	dialer *websocket.Dialer
	logger zerolog.Logger

	mu           sync.Mutex
	state        State
	lastErr      error
	conn         *websocket.Conn
	send         chan []byte
	done         chan struct{}
	provider     credential.Provider
	closed       bool
	reconnecting bool
	runCtx       context.Context
	cancel       context.CancelFunc

	listenersMu sync.RWMutex
	listeners   map[string][]listener
	nextID      atomic.Uint64

	// dispatchMu keeps handlers from running concurrently with each other.
	dispatchMu sync.Mutex
}

// NewManager creates a disconnected Manager.
func NewManager(cfg Config, logger zerolog.Logger) *Manager {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.PongWait {
		cfg.PingInterval = cfg.PongWait * 9 / 10
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}

	return &Manager{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		logger:    logger,
		listeners: make(map[string][]listener),
	}
}

// On subscribes h to event.
func (m *Manager) On(event string, h Handler) ListenerID {
	id := ListenerID(m.nextID.Add(1))
	m.listenersMu.Lock()
	m.listeners[event] = append(m.listeners[event], listener{id: id, h: h})
	m.listenersMu.Unlock()
	return id
}

// Off removes a subscription. Unknown ids are ignored.
func (m *Manager) Off(event string, id ListenerID) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()

	ls := m.listeners[event]
	for i, l := range ls {
		if l.id == id {
			m.listeners[event] = append(ls[:i:i], ls[i+1:]...)
			break
		}
	}
	if len(m.listeners[event]) == 0 {
		delete(m.listeners, event)
	}
}

func (m *Manager) removeAllListeners() {
	m.listenersMu.Lock()
	m.listeners = make(map[string][]listener)
	m.listenersMu.Unlock()
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastError returns the error behind the most recent failure, if any.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Connected reports whether commands can be emitted.
func (m *Manager) Connected() bool {
	return m.State() == StateConnected
}

// Connect opens the channel using a token read from provider. Without a
// credential no dial is attempted and the manager stays disconnected.
// Dial failures leave a reconnect loop running when reconnection is enabled.
func (m *Manager) Connect(ctx context.Context, provider credential.Provider) error {
	m.mu.Lock()
	switch m.state {
	case StateConnected, StateConnecting, StateReconnecting:
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.provider = provider
	m.closed = false
	m.runCtx, m.cancel = context.WithCancel(context.Background())
	m.state = StateConnecting
	m.mu.Unlock()

	err := m.dial(ctx, 0)
	if err == nil {
		return nil
	}
	if !errors.Is(err, credential.ErrNoCredential) && !errors.Is(err, ErrClosed) {
		m.startReconnect()
	}
	return err
}

// Disconnect closes the channel, stops reconnection and drops every
// listener. Safe to call more than once.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.closed = true
	if m.cancel != nil {
		m.cancel()
	}
	wasConnected := m.conn != nil
	m.conn = nil
	if m.done != nil {
		close(m.done)
		m.done = nil
	}
	m.send = nil
	m.state = StateDisconnected
	m.mu.Unlock()

	m.removeAllListeners()

	if wasConnected {
		m.logger.Info().Msg("channel closed")
	}
}

// Emit sends one command. It never waits for the server.
func (m *Manager) Emit(event string, payload any) error {
	data, err := json.Marshal(domain.Envelope{Event: event, Data: payload})
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", event, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateConnected || m.send == nil {
		return ErrNotConnected
	}

	select {
	case m.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (m *Manager) dial(ctx context.Context, attempt int) error {
	m.mu.Lock()
	provider := m.provider
	m.mu.Unlock()

	if provider == nil {
		return m.fail(credential.ErrNoCredential, attempt)
	}

	token, err := provider.Token(ctx)
	if err != nil {
		if errors.Is(err, credential.ErrNoCredential) {
			return m.fail(err, attempt)
		}
		return m.fail(fmt.Errorf("failed to read credential: %w", err), attempt)
	}
	if token == "" {
		return m.fail(credential.ErrNoCredential, attempt)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := m.dialer.DialContext(ctx, m.cfg.URL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			err = fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return m.fail(err, attempt)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	send := make(chan []byte, m.cfg.SendBuffer)
	done := make(chan struct{})
	m.conn = conn
	m.send = send
	m.done = done
	m.state = StateConnected
	m.lastErr = nil
	m.reconnecting = false
	m.mu.Unlock()

	m.logger.Info().Str(log.FieldState, StateConnected.String()).Int(log.FieldAttempt, attempt).Msg("channel connected")

	go m.writePump(conn, send, done)
	m.dispatch(domain.EventConnect, nil)
	go m.readPump(conn)

	return nil
}

// fail records err as the observable state and raises connect_error.
func (m *Manager) fail(err error, attempt int) error {
	m.mu.Lock()
	m.lastErr = err
	if !m.reconnecting {
		m.state = StateDisconnected
	}
	m.mu.Unlock()

	m.logger.Warn().Err(err).Int(log.FieldAttempt, attempt).Msg("channel connect failed")
	m.dispatch(domain.EventConnectError, domain.ConnectErrorEvent{Attempt: attempt, Message: err.Error()})
	return err
}

func (m *Manager) readPump(conn *websocket.Conn) {
	if m.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(m.cfg.MaxMessageSize)
	}
	conn.SetReadDeadline(time.Now().Add(m.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(m.cfg.PongWait))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			m.handleDrop(conn, err)
			return
		}
		conn.SetReadDeadline(time.Now().Add(m.cfg.PongWait))

		frame, err := decodeFrame(raw)
		if err != nil {
			m.logger.Warn().Int("bytes", len(raw)).Msg("dropping malformed frame")
			continue
		}
		m.dispatchRaw(frame.Event, frame.Data)
	}
}

func (m *Manager) writePump(conn *websocket.Conn, send <-chan []byte, done <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message := <-send:
			conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				m.logger.Debug().Err(err).Msg("write failed")
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-done:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(m.cfg.WriteWait))
			return
		}
	}
}

// handleDrop tears down a connection the read pump lost. Drops of a
// connection already replaced or closed by Disconnect are ignored.
func (m *Manager) handleDrop(conn *websocket.Conn, err error) {
	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.send = nil
	if m.done != nil {
		close(m.done)
		m.done = nil
	}
	m.state = StateDisconnected
	m.lastErr = err
	closed := m.closed
	m.mu.Unlock()

	if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
		m.logger.Warn().Err(err).Msg("channel dropped")
	} else {
		m.logger.Info().Err(err).Msg("channel closed by server")
	}

	m.dispatch(domain.EventDisconnect, domain.ErrorEvent{Message: err.Error()})

	if !closed {
		m.startReconnect()
	}
}

func (m *Manager) startReconnect() {
	if !m.cfg.Reconnect.Enabled {
		return
	}

	m.mu.Lock()
	if m.reconnecting || m.closed {
		m.mu.Unlock()
		return
	}
	m.reconnecting = true
	m.state = StateReconnecting
	ctx := m.runCtx
	m.mu.Unlock()

	go m.reconnectLoop(ctx)
}

func (m *Manager) reconnectLoop(ctx context.Context) {
	succeeded := false
	defer func() {
		if succeeded {
			return
		}
		m.mu.Lock()
		m.reconnecting = false
		if m.state == StateReconnecting {
			m.state = StateDisconnected
		}
		m.mu.Unlock()
	}()

	rc := m.cfg.Reconnect
	b := backoff.NewExponentialBackOff()
	if rc.InitialInterval > 0 {
		b.InitialInterval = rc.InitialInterval
	}
	if rc.MaxInterval > 0 {
		b.MaxInterval = rc.MaxInterval
	}
	if rc.Multiplier > 0 {
		b.Multiplier = rc.Multiplier
	}
	if rc.RandomizationFactor >= 0 {
		b.RandomizationFactor = rc.RandomizationFactor
	}
	b.Reset()

	for attempt := 1; rc.MaxAttempts <= 0 || attempt <= rc.MaxAttempts; attempt++ {
		wait := b.NextBackOff()
		m.logger.Debug().Int(log.FieldAttempt, attempt).Int64(log.FieldBackoff, wait.Milliseconds()).Msg("scheduling reconnect")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		err := m.dial(ctx, attempt)
		if err == nil {
			succeeded = true
			return
		}
		if errors.Is(err, ErrClosed) || ctx.Err() != nil {
			return
		}
	}

	m.logger.Error().Int(log.FieldAttempt, rc.MaxAttempts).Msg("giving up reconnecting")
}

func (m *Manager) dispatch(event string, payload any) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			m.logger.Error().Err(err).Str(log.FieldEvent, event).Msg("failed to encode local event")
			return
		}
		raw = data
	}
	m.dispatchRaw(event, raw)
}

func (m *Manager) dispatchRaw(event string, data json.RawMessage) {
	m.listenersMu.RLock()
	ls := append([]listener(nil), m.listeners[event]...)
	m.listenersMu.RUnlock()

	if len(ls) == 0 {
		m.logger.Debug().Str(log.FieldEvent, event).Msg("no listener for event")
		return
	}

	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()
	for _, l := range ls {
		l.h(data)
	}
}
