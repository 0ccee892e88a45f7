// Package devserver is a local QSocket server for development and tests.
//
// It accepts WebSocket connections, answers subscribe and unsubscribe
// commands, replies to heartbeats and fans published events out to every
// connection subscribed to the event's channel.
package devserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/cskr/pubsub"
	"github.com/gorilla/websocket"
)

// Wire codes. They mirror the client's reserved event types.
const (
	eventConnectionEstablished = "101"
	eventError                 = "102"
	eventSubscriptionSucceeded = "103"
	eventUnsubscribed          = "104"

	eventPing = "qsocket:ping"
	eventPong = "qsocket:pong"

	// CodeUnauthorized is sent in the 102 envelope when the Authorization
	// header does not match.
	CodeUnauthorized = "4001"
)

var (
	ErrReservedEvent = errors.New("devserver: event name is reserved")
	ErrEmptyChannel  = errors.New("devserver: channel must not be empty")
	ErrEmptyEvent    = errors.New("devserver: event must not be empty")
	ErrClosed        = errors.New("devserver: server closed")
)

var reserved = map[string]bool{
	eventConnectionEstablished: true,
	eventError:                 true,
	eventSubscriptionSucceeded: true,
	eventUnsubscribed:          true,
}

type Config struct {
	// Token, when set, must equal the Authorization header of every
	// connection.
	Token string

	// QueueLength is the buffer of the fan-out bus and of each connection's
	// outbound queue (default: 64).
	QueueLength int

	Logger *slog.Logger
}

type envelope struct {
	EventType string `json:"eventType"`
	Channel   string `json:"channel,omitempty"`
	Message   string `json:"message,omitempty"`
	Code      string `json:"code,omitempty"`
}

// inbound covers both client frame shapes: commands and the heartbeat.
type inbound struct {
	Command string `json:"command"`
	Channel string `json:"channel"`
	Event   string `json:"event"`
}

// PublishRequest is the body of POST /publish.
type PublishRequest struct {
	Channel string `json:"channel"`
	Event   string `json:"event"`
	Message string `json:"message"`
}

type Server struct {
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader
	bus      *pubsub.PubSub

	mu      sync.RWMutex
	conns   map[*conn]struct{}
	closing bool

	handlers   sync.WaitGroup
	forwarders sync.WaitGroup
}

func New(cfg Config) *Server {
	if cfg.QueueLength <= 0 {
		cfg.QueueLength = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "devserver"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		bus:   pubsub.New(cfg.QueueLength),
		conns: make(map[*conn]struct{}),
	}
}

// Handler serves WebSocket upgrades on / and POST /publish. Both require
// the configured token, if any.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/publish", s.handlePublish)
	mux.HandleFunc("/", s.handleWS)
	return mux
}

// Publish sends event with message to every connection subscribed to
// channel.
func (s *Server) Publish(channel, event, message string) error {
	switch {
	case channel == "":
		return ErrEmptyChannel
	case event == "":
		return ErrEmptyEvent
	case reserved[event]:
		return fmt.Errorf("publish %q: %w", event, ErrReservedEvent)
	}

	frame, err := json.Marshal(envelope{EventType: event, Channel: channel, Message: message})
	if err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closing {
		return ErrClosed
	}
	s.logger.Debug("publish", "channel", channel, "event", event)
	s.bus.Pub(frame, channel)
	return nil
}

// Connections returns the number of open client connections.
func (s *Server) Connections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Close drops every connection and stops the fan-out bus. It does not stop
// the http.Server the handler is mounted on.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.closing = true
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.ws.Close()
	}
	s.handlers.Wait()
	s.bus.Shutdown()
	s.forwarders.Wait()
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.Token != "" && r.Header.Get("Authorization") != s.cfg.Token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.Publish(req.Channel, req.Event, req.Message); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ErrClosed) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]bool{"ok": true})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	}
	s.handlers.Add(1)
	s.mu.Unlock()
	defer s.handlers.Done()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := newConn(s, ws, r.RemoteAddr)
	defer c.close()

	if s.cfg.Token != "" && r.Header.Get("Authorization") != s.cfg.Token {
		s.logger.Warn("rejecting connection", "remote", r.RemoteAddr)
		c.sendEnvelope(envelope{EventType: eventError, Message: "Unauthorized", Code: CodeUnauthorized})
		c.closeWith(websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized"))
		return
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
	}()

	s.logger.Info("client connected", "remote", r.RemoteAddr)
	c.sendEnvelope(envelope{EventType: eventConnectionEstablished, Message: "ok"})
	c.readLoop()
	s.logger.Info("client disconnected", "remote", r.RemoteAddr)
}
