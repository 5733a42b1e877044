package suuq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire format
// ============================================================================

// Event names recognized on the socket.
const (
	EventConnectionEstablished = "connection-established"
	EventConnectionLost        = "connection-lost"
	EventReconnected           = "reconnected"
	EventMessageCreated        = "message-created"
	EventJoinConversation      = "join-conversation-channel"
)

// ErrNotConnected is returned by Emit when the socket is not connected.
var ErrNotConnected = errors.New("suuq: socket not connected")

// Envelope is the wire format for all socket events, both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type joinPayload struct {
	ConversationID string `json:"conversationId"`
}

// ============================================================================
// Configuration
// ============================================================================

// SocketConfig configures a Socket.
type SocketConfig struct {
	// MaxReconnectAttempts bounds consecutive reconnect attempts; 0 retries
	// forever. The counter resets after a connection survives for a minute.
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	DialTimeout          time.Duration
	HTTPClient           *http.Client
	Logger               *zerolog.Logger
}

func (c *SocketConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 15 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// SocketState represents the connection state.
type SocketState string

const (
	StateDisconnected SocketState = "disconnected"
	StateConnecting   SocketState = "connecting"
	StateConnected    SocketState = "connected"
	StateReconnecting SocketState = "reconnecting"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

// EventHandler is the generic socket event callback type.
type EventHandler func(event string, payload json.RawMessage)

type subscription struct {
	id int
	fn EventHandler
}

type stateSubscription struct {
	id int
	fn func(SocketState)
}

// dispatcher fans events out to handlers in registration order. The gate is
// held shared during fan-out and exclusively by close, so that once close
// returns no further callbacks fire.
type dispatcher struct {
	gate   sync.RWMutex
	closed bool

	regMu    sync.Mutex
	nextID   int
	handlers map[string][]subscription
	state    []stateSubscription
}

func newDispatcher() *dispatcher {
	return &dispatcher{handlers: make(map[string][]subscription)}
}

func (d *dispatcher) on(event string, fn EventHandler) (off func()) {
	d.regMu.Lock()
	d.nextID++
	id := d.nextID
	d.handlers[event] = append(d.handlers[event], subscription{id: id, fn: fn})
	d.regMu.Unlock()
	return func() {
		d.regMu.Lock()
		subs := d.handlers[event]
		for i, sub := range subs {
			if sub.id == id {
				d.handlers[event] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		d.regMu.Unlock()
	}
}

func (d *dispatcher) onState(fn func(SocketState)) (off func()) {
	d.regMu.Lock()
	d.nextID++
	id := d.nextID
	d.state = append(d.state, stateSubscription{id: id, fn: fn})
	d.regMu.Unlock()
	return func() {
		d.regMu.Lock()
		for i, sub := range d.state {
			if sub.id == id {
				d.state = append(d.state[:i:i], d.state[i+1:]...)
				break
			}
		}
		d.regMu.Unlock()
	}
}

func (d *dispatcher) dispatch(event string, payload json.RawMessage) {
	d.gate.RLock()
	defer d.gate.RUnlock()
	if d.closed {
		return
	}
	d.regMu.Lock()
	subs := append([]subscription(nil), d.handlers[event]...)
	d.regMu.Unlock()
	for _, sub := range subs {
		sub.fn(event, payload)
	}
}

func (d *dispatcher) dispatchState(st SocketState) {
	d.gate.RLock()
	defer d.gate.RUnlock()
	if d.closed {
		return
	}
	d.regMu.Lock()
	subs := append([]stateSubscription(nil), d.state...)
	d.regMu.Unlock()
	for _, sub := range subs {
		sub.fn(st)
	}
}

func (d *dispatcher) close() {
	d.gate.Lock()
	d.closed = true
	d.gate.Unlock()
	d.regMu.Lock()
	d.handlers = make(map[string][]subscription)
	d.state = nil
	d.regMu.Unlock()
}

func (d *dispatcher) reopen() {
	d.gate.Lock()
	d.closed = false
	d.gate.Unlock()
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	mu          sync.Mutex
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *SocketConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) exhausted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxAttempts > 0 && r.attempt >= r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.mu.Lock()
	r.connectedAt = time.Now()
	r.mu.Unlock()
}

func (r *reconnector) nextDelay() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.mu.Lock()
	r.attempt = 0
	r.connectedAt = time.Time{}
	r.mu.Unlock()
}

// ============================================================================
// Socket
// ============================================================================

// Socket maintains at most one live transport per identity and exposes its
// lifecycle as an observable state plus a publish/subscribe event surface.
//
// Handlers run synchronously on the socket's read goroutine in registration
// order, so they must be quick and must not call Disconnect directly (spawn a
// goroutine for teardown from inside a handler).
type Socket struct {
	baseURL string
	config  *SocketConfig
	logger  zerolog.Logger

	dispatcher *dispatcher
	recon      *reconnector

	mu            sync.Mutex
	state         SocketState
	identity      string
	conn          *websocket.Conn
	cancelFn      context.CancelFunc
	lastConnected time.Time
}

func newSocket(baseURL string, cfg *SocketConfig) *Socket {
	return &Socket{
		baseURL:    baseURL,
		config:     cfg,
		logger:     *cfg.Logger,
		dispatcher: newDispatcher(),
		recon:      newReconnector(cfg),
		state:      StateDisconnected,
	}
}

// State returns the current connection state.
func (s *Socket) State() SocketState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Identity returns the identity the socket was last connected for.
func (s *Socket) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// LastConnected returns the time the transport last reached StateConnected.
func (s *Socket) LastConnected() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastConnected
}

// On registers a handler for a named event and returns its unregister func.
func (s *Socket) On(event string, h EventHandler) (off func()) {
	return s.dispatcher.on(event, h)
}

// OnMessageCreated registers a typed handler for message-created events.
func (s *Socket) OnMessageCreated(h func(Message)) (off func()) {
	return s.dispatcher.on(EventMessageCreated, func(_ string, payload json.RawMessage) {
		var m Message
		if json.Unmarshal(payload, &m) == nil {
			h(m)
		}
	})
}

// OnStateChange registers a handler invoked on every state transition.
func (s *Socket) OnStateChange(h func(SocketState)) (off func()) {
	return s.dispatcher.onState(h)
}

// Connect establishes the transport for identity. Calling it while already
// connected (or connecting) for the same identity is a no-op; a different
// identity closes the prior transport first. Transport failures are not
// returned: the socket enters StateReconnecting and retries with backoff, and
// state transitions are the only observable signal.
func (s *Socket) Connect(ctx context.Context, identity string) error {
	if identity == "" {
		return errors.New("suuq: identity is required")
	}

	s.mu.Lock()
	if s.identity == identity && s.state != StateDisconnected {
		s.mu.Unlock()
		return nil
	}
	if s.cancelFn != nil {
		s.cancelFn()
		s.cancelFn = nil
	}
	prior := s.conn
	s.conn = nil
	s.identity = identity
	s.state = StateConnecting
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelFn = cancel
	s.mu.Unlock()

	if prior != nil {
		prior.Close(websocket.StatusNormalClosure, "identity changed")
	}
	s.dispatcher.reopen()
	s.recon.reset()
	s.dispatcher.dispatchState(StateConnecting)

	go s.run(runCtx, identity)
	return nil
}

// Disconnect releases the transport deterministically. Upon return the socket
// is StateDisconnected and all subscriptions are inert: no further callbacks
// fire. A later Connect starts with a clean subscription surface.
func (s *Socket) Disconnect() error {
	s.mu.Lock()
	if s.cancelFn != nil {
		s.cancelFn()
		s.cancelFn = nil
	}
	conn := s.conn
	s.conn = nil
	prev := s.state
	s.state = StateDisconnected
	s.mu.Unlock()

	if prev != StateDisconnected {
		s.dispatcher.dispatchState(StateDisconnected)
	}
	s.dispatcher.close()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Emit sends a named event to the server side of the connection. It fails
// with ErrNotConnected when the socket is not currently connected.
func (s *Socket) Emit(ctx context.Context, event string, payload any) error {
	s.mu.Lock()
	conn := s.conn
	st := s.state
	s.mu.Unlock()
	if st != StateConnected || conn == nil {
		return ErrNotConnected
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	data, err := json.Marshal(Envelope{Type: event, Payload: raw})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// JoinConversation subscribes this connection to a conversation's live
// channel. internalID is the server-resolved channel key, not the external
// reference.
func (s *Socket) JoinConversation(ctx context.Context, internalID string) error {
	return s.Emit(ctx, EventJoinConversation, joinPayload{ConversationID: internalID})
}

// ── connection loop ──────────────────────────────────────

func (s *Socket) run(ctx context.Context, identity string) {
	for {
		conn, err := s.dial(ctx, identity)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if s.recon.exhausted() {
				s.setState(StateDisconnected)
				return
			}
			delay := s.recon.nextDelay()
			s.logger.Debug().Err(err).Dur("retryIn", delay).Msg("socket dial failed")
			s.setState(StateReconnecting)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		s.mu.Lock()
		if ctx.Err() != nil {
			s.mu.Unlock()
			conn.Close(websocket.StatusNormalClosure, "")
			return
		}
		s.conn = conn
		s.state = StateConnected
		s.lastConnected = time.Now()
		s.mu.Unlock()
		s.recon.markConnected()
		s.dispatcher.dispatchState(StateConnected)

		err = s.readLoop(ctx, conn)

		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
		if ctx.Err() != nil {
			return
		}

		s.logger.Debug().Err(err).Msg("socket transport dropped")
		s.dispatcher.dispatch(EventConnectionLost, nil)

		if s.recon.exhausted() {
			s.setState(StateDisconnected)
			return
		}
		delay := s.recon.nextDelay()
		s.setState(StateReconnecting)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (s *Socket) dial(ctx context.Context, identity string) (*websocket.Conn, error) {
	wsURL := strings.Replace(s.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/socket?identity=" + url.QueryEscape(identity)

	dialCtx, cancel := context.WithTimeout(ctx, s.config.DialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPClient: s.config.HTTPClient,
	})
	if err != nil {
		return nil, fmt.Errorf("socket dial: %w", err)
	}
	return conn, nil
}

func (s *Socket) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var env Envelope
		if json.Unmarshal(data, &env) != nil || env.Type == "" {
			continue
		}
		s.dispatcher.dispatch(env.Type, env.Payload)
	}
}

func (s *Socket) setState(st SocketState) {
	s.mu.Lock()
	if s.state == st {
		s.mu.Unlock()
		return
	}
	s.state = st
	s.mu.Unlock()
	s.dispatcher.dispatchState(st)
}
