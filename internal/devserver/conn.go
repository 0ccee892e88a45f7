package devserver

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait    = 5 * time.Second
	maxFrameSize = 1 << 20

	codeBadFrame = "4002"
)

type conn struct {
	s      *Server
	ws     *websocket.Conn
	remote string

	send       chan []byte
	writerDone chan struct{}
	mu         sync.Mutex
	closed     bool

	// Owned by the handler goroutine.
	subs map[string]chan interface{}
}

func newConn(s *Server, ws *websocket.Conn, remote string) *conn {
	c := &conn{
		s:          s,
		ws:         ws,
		remote:     remote,
		send:       make(chan []byte, s.cfg.QueueLength),
		writerDone: make(chan struct{}),
		subs:       make(map[string]chan interface{}),
	}
	go c.writePump()
	return c
}

func (c *conn) writePump() {
	defer close(c.writerDone)
	for msg := range c.send {
		c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.s.logger.Debug("write failed", "remote", c.remote, "error", err)
			// Keep draining so enqueue never blocks.
			for range c.send {
			}
			return
		}
	}
}

// enqueue drops the frame when the connection is closed or too slow.
func (c *conn) enqueue(frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- frame:
	default:
		c.s.logger.Warn("outbound queue full, dropping frame", "remote", c.remote)
	}
}

func (c *conn) sendEnvelope(env envelope) {
	frame, err := json.Marshal(env)
	if err != nil {
		c.s.logger.Error("encode envelope", "error", err)
		return
	}
	c.enqueue(frame)
}

// stopWriter flushes queued frames and stops the write pump.
func (c *conn) stopWriter() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()
	<-c.writerDone
}

// closeWith flushes queued frames, then starts the closing handshake.
func (c *conn) closeWith(closeMessage []byte) {
	c.stopWriter()
	if err := c.ws.WriteControl(websocket.CloseMessage, closeMessage, time.Now().Add(writeWait)); err != nil {
		c.s.logger.Debug("write close frame", "remote", c.remote, "error", err)
	}
}

func (c *conn) close() {
	for channel, ch := range c.subs {
		c.s.bus.Unsub(ch, channel)
		delete(c.subs, channel)
	}
	c.stopWriter()
	c.ws.Close()
}

func (c *conn) readLoop() {
	c.ws.SetReadLimit(maxFrameSize)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.s.logger.Debug("read failed", "remote", c.remote, "error", err)
			}
			return
		}

		var in inbound
		if err := json.Unmarshal(data, &in); err != nil {
			c.sendEnvelope(envelope{EventType: eventError, Message: "invalid frame: " + err.Error(), Code: codeBadFrame})
			continue
		}

		switch {
		case in.Event == eventPing:
			c.sendEnvelope(envelope{EventType: eventPong})
		case in.Command == "subscribe":
			c.subscribe(in.Channel)
		case in.Command == "unsubscribe":
			c.unsubscribe(in.Channel)
		default:
			c.s.logger.Debug("ignoring frame", "remote", c.remote, "frame", string(data))
		}
	}
}

func (c *conn) subscribe(channel string) {
	if channel == "" {
		c.sendEnvelope(envelope{EventType: eventError, Message: "subscribe without channel", Code: codeBadFrame})
		return
	}
	if _, ok := c.subs[channel]; !ok {
		ch := c.s.bus.Sub(channel)
		c.subs[channel] = ch
		c.s.forwarders.Add(1)
		go c.forward(ch)
		c.s.logger.Debug("subscribed", "remote", c.remote, "channel", channel)
	}
	c.sendEnvelope(envelope{EventType: eventSubscriptionSucceeded, Channel: channel})
}

func (c *conn) unsubscribe(channel string) {
	if ch, ok := c.subs[channel]; ok {
		c.s.bus.Unsub(ch, channel)
		delete(c.subs, channel)
		c.s.logger.Debug("unsubscribed", "remote", c.remote, "channel", channel)
	}
	c.sendEnvelope(envelope{EventType: eventUnsubscribed, Channel: channel})
}

// forward copies published frames into the outbound queue until the bus
// closes ch.
func (c *conn) forward(ch chan interface{}) {
	defer c.s.forwarders.Done()
	for msg := range ch {
		if frame, ok := msg.([]byte); ok {
			c.enqueue(frame)
		}
	}
}
