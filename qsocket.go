// Package qsocket is a client for QSocket real-time publish/subscribe servers.
//
// One persistent WebSocket connection carries any number of named channels.
// Subscriptions are remembered by the client and replayed every time the
// connection is (re)established.
//
// Example:
//
//	client, _ := qsocket.NewClient(&qsocket.Options{
//		Host:               "ws.example.com",
//		AuthorizationToken: "token",
//	})
//	defer client.Close()
//
//	client.Connect(&qsocket.ConnectionListener{
//		StateChange: func(change qsocket.ConnectionStateChange) {
//			log.Println("state", change)
//		},
//	})
//
//	client.Subscribe("room1", &qsocket.ChannelListener{
//		Event: func(channel, event, data string) {
//			log.Println(channel, event, data)
//		},
//	}, "msg")
//
// All listener callbacks run one at a time on the client's event queue.
package qsocket

import (
	"fmt"
	"log/slog"
	"sync"
)

// ============================================================================
// Client
// ============================================================================

type Client struct {
	opts   Options
	logger *slog.Logger

	transportFactory TransportFactory
	scheduler        Scheduler
	exec             Executor
	queue            *EventQueue // nil when the executor was supplied
	metricsConfig    *MetricsConfig
	connectivity     ConnectivitySignal

	conn     *Connection
	channels *ChannelManager

	mu              sync.Mutex
	watchingNetwork bool
	closed          bool
}

// NewClient validates opts and builds a disconnected client. opts may be
// nil for defaults; it is copied.
func NewClient(opts *Options, options ...ClientOption) (*Client, error) {
	c := &Client{}
	if opts != nil {
		c.opts = *opts
	}
	c.opts.defaults()
	if err := c.opts.validate(); err != nil {
		return nil, err
	}

	for _, opt := range options {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.transportFactory == nil {
		c.transportFactory = NewWebSocketTransport
	}
	if c.scheduler == nil {
		c.scheduler = systemScheduler{}
	}
	if c.exec == nil {
		c.queue = NewEventQueue(c.logger.With("component", "events"))
		c.exec = c.queue
	}

	var m *metrics
	if c.metricsConfig != nil {
		var err error
		if m, err = newMetrics(*c.metricsConfig); err != nil {
			c.stopQueue()
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	var recon *reconnector
	if c.opts.AutoReconnect {
		recon = newReconnector(&c.opts)
	}

	c.conn = newConnection(connectionConfig{
		transport:       c.opts.transportConfig(),
		newTransport:    c.transportFactory,
		executor:        c.exec,
		scheduler:       c.scheduler,
		logger:          c.logger,
		metrics:         m,
		activityTimeout: c.opts.ActivityTimeout,
		pongTimeout:     c.opts.PongTimeout,
		reconnect:       recon,
	})
	c.channels = newChannelManager(c.conn, c.exec, c.logger, m)
	c.conn.onChannelEvent = c.channels.onMessage
	if err := c.conn.Bind(StateConnected, c.channels); err != nil {
		c.stopQueue()
		return nil, err
	}
	return c, nil
}

// Connection exposes the underlying connection for state queries and
// listener binding.
func (c *Client) Connection() *Connection {
	return c.conn
}

// Connect binds listener to states (every state when none are given) and
// starts connecting. Calling it while not DISCONNECTED only binds.
func (c *Client) Connect(listener ConnectionEventListener, states ...ConnectionState) error {
	if listener != nil {
		if len(states) == 0 {
			states = []ConnectionState{StateAll}
		}
		for _, state := range states {
			if err := c.conn.Bind(state, listener); err != nil {
				return err
			}
		}
	} else if len(states) > 0 {
		return fmt.Errorf("connect: states given without a listener: %w", ErrNilListener)
	}

	if err := c.watchNetwork(); err != nil {
		c.logger.Warn("connectivity signal unavailable", "error", err)
	}
	c.conn.Connect()
	return nil
}

// Disconnect closes the connection if it is CONNECTED, cancels any pending
// automatic reconnect and stops listening for network availability.
func (c *Client) Disconnect() {
	c.conn.Disconnect()
	c.unwatchNetwork()
}

// OnNetworkAvailable connects if the client is DISCONNECTED.
func (c *Client) OnNetworkAvailable() {
	c.conn.Connect()
}

// Subscribe creates the channel name and binds listener to eventNames on it.
// listener also receives the subscription acknowledgement.
func (c *Client) Subscribe(name string, listener ChannelEventListener, eventNames ...string) (*Channel, error) {
	ch, err := newChannel(name, c.exec, c.logger)
	if err != nil {
		return nil, err
	}
	if err := c.channels.SubscribeTo(ch, listener, eventNames...); err != nil {
		return nil, err
	}
	return ch, nil
}

// Unsubscribe drops the channel name. listener, which may be nil, hears the
// server acknowledgement when the connection was CONNECTED.
func (c *Client) Unsubscribe(name string, listener ChannelUnsubscriptionListener) error {
	return c.channels.UnsubscribeFrom(name, listener)
}

// Channel returns the subscribed channel name.
func (c *Client) Channel(name string) (*Channel, bool) {
	return c.channels.GetChannel(name)
}

// Channels returns every subscribed channel ordered by name.
func (c *Client) Channels() []*Channel {
	return c.channels.Channels()
}

// Close tears the connection down in any state and stops the client's own
// event queue. The client cannot be used afterwards. Close must not be
// called from a listener.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.exec.Post(c.conn.shutdown)
	c.unwatchNetwork()
	c.stopQueue()
	return nil
}

func (c *Client) stopQueue() {
	if c.queue != nil {
		c.queue.Close()
	}
}

func (c *Client) watchNetwork() error {
	if c.connectivity == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.watchingNetwork || c.closed {
		return nil
	}
	if err := c.connectivity.Start(c.OnNetworkAvailable); err != nil {
		return err
	}
	c.watchingNetwork = true
	return nil
}

func (c *Client) unwatchNetwork() {
	if c.connectivity == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.watchingNetwork {
		return
	}
	c.watchingNetwork = false
	if err := c.connectivity.Stop(); err != nil {
		c.logger.Warn("stopping connectivity signal", "error", err)
	}
}
