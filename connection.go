package qsocket

import (
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Connection state
// ============================================================================

// ConnectionState is the state of a Connection.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnecting

	// StateAll is a binding wildcard. A connection is never in this state.
	StateAll
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateAll:
		return "all"
	default:
		return "unknown"
	}
}

func (s ConnectionState) valid() bool {
	return s >= StateDisconnected && s <= StateAll
}

// ConnectionStateChange is an immutable (previous, current) pair.
type ConnectionStateChange struct {
	previous ConnectionState
	current  ConnectionState
}

// NewConnectionStateChange fails with ErrSameState when previous == current.
func NewConnectionStateChange(previous, current ConnectionState) (ConnectionStateChange, error) {
	if previous == current {
		return ConnectionStateChange{}, fmt.Errorf("state change to %s: %w", current, ErrSameState)
	}
	return ConnectionStateChange{previous: previous, current: current}, nil
}

// Previous is the state transitioned from.
func (c ConnectionStateChange) Previous() ConnectionState { return c.previous }

// Current is the state transitioned to.
func (c ConnectionStateChange) Current() ConnectionState { return c.current }

func (c ConnectionStateChange) String() string {
	return c.previous.String() + " -> " + c.current.String()
}

// ============================================================================
// Listeners
// ============================================================================

// StateChangeListener is notified of transitions into the states it is bound to.
type StateChangeListener interface {
	OnConnectionStateChange(change ConnectionStateChange)
}

// ErrorListener receives asynchronous errors: server 102 envelopes, send
// failures and transport errors. code is empty unless the server sent one.
type ErrorListener interface {
	OnError(message, code string, err error)
}

// ConnectionEventListener is what Connection.Bind accepts. Every bound
// listener receives every error, whatever state it is bound to.
type ConnectionEventListener interface {
	StateChangeListener
	ErrorListener
}

// ConnectionListener adapts plain functions. Bind a *ConnectionListener so
// the same value can later be unbound.
type ConnectionListener struct {
	StateChange func(change ConnectionStateChange)
	Error       func(message, code string, err error)
}

func (l *ConnectionListener) OnConnectionStateChange(change ConnectionStateChange) {
	if l.StateChange != nil {
		l.StateChange(change)
	}
}

func (l *ConnectionListener) OnError(message, code string, err error) {
	if l.Error != nil {
		l.Error(message, code, err)
	}
}

// listenerRegistry maps states to listener sets. It is safe for concurrent
// use so Bind and Unbind can be called from any goroutine.
type listenerRegistry struct {
	mu      sync.RWMutex
	byState map[ConnectionState]map[ConnectionEventListener]struct{}
}

func newListenerRegistry() *listenerRegistry {
	r := &listenerRegistry{byState: make(map[ConnectionState]map[ConnectionEventListener]struct{})}
	for s := StateDisconnected; s <= StateAll; s++ {
		r.byState[s] = make(map[ConnectionEventListener]struct{})
	}
	return r
}

func (r *listenerRegistry) bind(state ConnectionState, l ConnectionEventListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byState[state][l] = struct{}{}
}

func (r *listenerRegistry) unbind(state ConnectionState, l ConnectionEventListener) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byState[state][l]; !ok {
		return false
	}
	delete(r.byState[state], l)
	return true
}

// interested returns the listeners bound to state or to StateAll, once each.
func (r *listenerRegistry) interested(state ConnectionState) []ConnectionEventListener {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return collect(r.byState[StateAll], r.byState[state])
}

func (r *listenerRegistry) all() []ConnectionEventListener {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sets := make([]map[ConnectionEventListener]struct{}, 0, len(r.byState))
	for _, set := range r.byState {
		sets = append(sets, set)
	}
	return collect(sets...)
}

func collect(sets ...map[ConnectionEventListener]struct{}) []ConnectionEventListener {
	seen := make(map[ConnectionEventListener]struct{})
	var out []ConnectionEventListener
	for _, set := range sets {
		for l := range set {
			if _, dup := seen[l]; dup {
				continue
			}
			seen[l] = struct{}{}
			out = append(out, l)
		}
	}
	return out
}

// isComparable reports whether v can be used as a map key without panicking.
func isComparable(v any) bool {
	return v != nil && reflect.TypeOf(v).Comparable()
}

// ============================================================================
// Connection
// ============================================================================

type connectionConfig struct {
	transport       TransportConfig
	newTransport    TransportFactory
	executor        Executor
	scheduler       Scheduler
	logger          *slog.Logger
	metrics         *metrics
	activityTimeout time.Duration
	pongTimeout     time.Duration
	reconnect       *reconnector
}

// Connection owns the transport and the connection state machine:
//
//	DISCONNECTED -> CONNECTING -> CONNECTED -> DISCONNECTING -> DISCONNECTED
//
// A transport close from any state forces DISCONNECTED. Connections are
// reusable across connect/disconnect cycles.
type Connection struct {
	cfg       connectionConfig
	exec      Executor
	logger    *slog.Logger
	metrics   *metrics
	activity  *activityTimer
	listeners *listenerRegistry
	state     atomic.Int32

	// Everything below is owned by the event queue.
	transport      Transport
	generation     uint64
	session        *slog.Logger
	userDisconnect bool
	reconnect      *reconnector
	reconnectTask  Timer
	onChannelEvent func(eventType, raw string)
}

func newConnection(cfg connectionConfig) *Connection {
	c := &Connection{
		cfg:       cfg,
		exec:      cfg.executor,
		logger:    cfg.logger.With("component", "connection"),
		metrics:   cfg.metrics,
		listeners: newListenerRegistry(),
		reconnect: cfg.reconnect,
	}
	c.session = c.logger
	c.state.Store(int32(StateDisconnected))
	c.activity = newActivityTimer(cfg.activityTimeout, cfg.pongTimeout, cfg.scheduler, c, c.logger, cfg.metrics)
	return c
}

// State returns the current state. It is safe to call from any goroutine.
func (c *Connection) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// Bind registers l for transitions into state, or into every state for
// StateAll. A listener may be bound under several states.
func (c *Connection) Bind(state ConnectionState, l ConnectionEventListener) error {
	if err := validateBinding(state, l); err != nil {
		return err
	}
	c.listeners.bind(state, l)
	return nil
}

// Unbind removes l from state and reports whether it was bound there.
func (c *Connection) Unbind(state ConnectionState, l ConnectionEventListener) bool {
	if validateBinding(state, l) != nil {
		return false
	}
	return c.listeners.unbind(state, l)
}

func validateBinding(state ConnectionState, l ConnectionEventListener) error {
	if !state.valid() {
		return fmt.Errorf("bind to state %d: %w", state, ErrInvalidOptions)
	}
	if l == nil {
		return fmt.Errorf("bind to %s: %w", state, ErrNilListener)
	}
	if !isComparable(l) {
		return fmt.Errorf("bind to %s: listener of type %T is not comparable, pass a pointer: %w", state, l, ErrInvalidOptions)
	}
	return nil
}

// Connect opens a transport. It is ignored unless the connection is
// DISCONNECTED.
func (c *Connection) Connect() {
	c.exec.Post(c.connect)
}

// Disconnect closes the transport. It is ignored unless the connection is
// CONNECTED. Any pending automatic reconnect is cancelled.
func (c *Connection) Disconnect() {
	c.exec.Post(func() {
		c.cancelReconnect()
		// A handshake still in flight must not trigger a reconnect once it ends.
		c.userDisconnect = true
		c.disconnect(true)
	})
}

// SendMessage writes message to the transport. Failures, including sending
// outside CONNECTED, are reported to listeners through OnError.
func (c *Connection) SendMessage(message string) {
	c.exec.Post(func() { c.sendMessage(message) })
}

func (c *Connection) connect() {
	if c.State() != StateDisconnected {
		return
	}
	c.cancelReconnect()

	c.generation++
	c.session = c.logger.With("session", uuid.NewString())

	cfg := c.cfg.transport
	cfg.Logger = c.session
	t, err := c.cfg.newTransport(cfg, &transportEvents{c: c, generation: c.generation})
	if err != nil {
		c.session.Error("cannot create transport", "error", err)
		c.sendErrorToAllListeners("transport", "Error creating transport for "+cfg.URL, "", err)
		return
	}
	c.transport = t
	c.userDisconnect = false
	c.session.Info("connecting", "url", cfg.URL)
	c.updateState(StateConnecting)

	if err := t.Connect(); err != nil {
		c.session.Error("cannot start transport", "error", err)
		c.transport = nil
		c.sendErrorToAllListeners("transport", "Error connecting to "+cfg.URL, "", err)
		c.updateState(StateDisconnected)
	}
}

func (c *Connection) disconnect(requested bool) {
	if c.State() != StateConnected {
		return
	}
	c.userDisconnect = requested
	c.session.Info("disconnecting", "requested", requested)
	c.updateState(StateDisconnecting)
	c.transport.Close()
}

// shutdown closes the transport whatever the state and stops heartbeats and
// reconnects. It must run on the event queue.
func (c *Connection) shutdown() {
	c.cancelReconnect()
	c.userDisconnect = true
	c.activity.cancelTimeouts()
	if c.transport != nil {
		c.transport.Close()
	}
}

// sendMessage must run on the event queue.
func (c *Connection) sendMessage(message string) bool {
	state := c.State()
	if state != StateConnected || c.transport == nil {
		c.sendErrorToAllListeners("send", fmt.Sprintf("Cannot send a message while in %s state", state), "", ErrNotConnected)
		return false
	}
	if err := c.transport.Send(message); err != nil {
		c.session.Warn("send failed", "error", err)
		c.sendErrorToAllListeners("send", fmt.Sprintf("An exception occurred while sending message [%s]", message), "", err)
		return false
	}
	c.metrics.sent()
	return true
}

// updateState must run on the event queue. Listener notifications are posted
// behind the transition so they observe transitions in order.
func (c *Connection) updateState(next ConnectionState) {
	change, err := NewConnectionStateChange(c.State(), next)
	if err != nil {
		c.session.Debug("ignoring state transition", "error", err)
		return
	}
	c.session.Debug("state transition", "previous", change.Previous(), "current", change.Current())
	c.state.Store(int32(next))
	c.metrics.transition(next)

	for _, l := range c.listeners.interested(next) {
		l := l
		c.exec.Post(func() { l.OnConnectionStateChange(change) })
	}
}

func (c *Connection) sendErrorToAllListeners(kind, message, code string, err error) {
	c.metrics.recordError(kind)
	for _, l := range c.listeners.all() {
		l := l
		c.exec.Post(func() { l.OnError(message, code, err) })
	}
}

// handleMessage dispatches one inbound frame. It must run on the event queue.
func (c *Connection) handleMessage(raw string) {
	env, err := decodeEnvelope(raw)
	if err != nil {
		c.session.Warn("malformed frame", "error", err)
		c.sendErrorToAllListeners("decode", "Unable to parse message from server", "", err)
		return
	}

	switch env.EventType {
	case "":
		c.session.Debug("dropping frame without event type", "frame", raw)
	case EventConnectionEstablished:
		if c.State() != StateConnecting {
			c.session.Debug("connection established outside connecting", "state", c.State())
			return
		}
		if c.reconnect != nil {
			c.reconnect.markConnected()
		}
		// A Disconnect issued during the handshake was ignored; drops of this
		// connection are unrequested.
		c.userDisconnect = false
		c.updateState(StateConnected)
	case EventError:
		code := string(env.Code)
		if code == "" {
			code = env.EventType
		}
		c.sendErrorToAllListeners("server", env.Message, code, nil)
	default:
		if c.onChannelEvent != nil {
			c.onChannelEvent(env.EventType, raw)
		}
	}
}

// ── Heartbeat ────────────────────────────────────────────

// sessionGeneration identifies the current transport. It must be read on the
// event queue.
func (c *Connection) sessionGeneration() uint64 {
	return c.generation
}

func (c *Connection) sendHeartbeat() {
	c.exec.Post(func() { c.sendMessage(pingMessage) })
}

func (c *Connection) heartbeatExpired() {
	c.exec.Post(func() { c.disconnect(false) })
}

// ── Reconnect ────────────────────────────────────────────

func (c *Connection) scheduleReconnect() {
	if c.reconnect == nil || c.userDisconnect {
		return
	}
	if !c.reconnect.shouldReconnect() {
		c.session.Warn("giving up reconnecting", "attempts", c.reconnect.attempt)
		return
	}
	delay := c.reconnect.nextDelay()
	c.session.Info("reconnecting", "attempt", c.reconnect.attempt, "delay", delay)
	c.reconnectTask = c.cfg.scheduler.AfterFunc(delay, c.Connect)
}

func (c *Connection) cancelReconnect() {
	if c.reconnectTask != nil {
		c.reconnectTask.Stop()
		c.reconnectTask = nil
	}
}

// ============================================================================
// Transport callbacks
// ============================================================================

// transportEvents re-posts transport notifications onto the event queue and
// drops those coming from a superseded transport.
type transportEvents struct {
	c          *Connection
	generation uint64
}

func (e *transportEvents) stale() bool {
	return e.generation != e.c.generation
}

func (e *transportEvents) OnOpen() {
	e.c.exec.Post(func() {
		if e.stale() {
			return
		}
		e.c.session.Debug("transport open")
	})
}

func (e *transportEvents) OnMessage(message string) {
	e.c.exec.Post(func() {
		if e.stale() {
			return
		}
		e.c.metrics.received()
		e.c.activity.activity()
		e.c.handleMessage(message)
	})
}

func (e *transportEvents) OnClose(code int, reason string, remote bool) {
	e.c.exec.Post(func() {
		if e.stale() {
			return
		}
		c := e.c
		c.activity.cancelTimeouts()
		c.transport = nil
		if c.State() == StateDisconnected {
			c.session.Error("close from transport when already disconnected", "code", code, "reason", reason, "remote", remote)
			return
		}
		c.session.Info("transport closed", "code", code, "reason", reason, "remote", remote)
		c.updateState(StateDisconnected)
		c.scheduleReconnect()
	})
}

func (e *transportEvents) OnError(err error) {
	e.c.exec.Post(func() {
		if e.stale() {
			return
		}
		// State is left alone: the transport follows up with OnClose.
		e.c.sendErrorToAllListeners("transport", "An exception was thrown by the websocket", "", err)
	})
}
