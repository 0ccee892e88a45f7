package qsocket

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// channelConnection is the part of Connection the channel manager drives.
type channelConnection interface {
	State() ConnectionState
	sessionGeneration() uint64
	sendMessage(message string) bool
}

// ChannelManager owns the name to Channel registry. It resubscribes every
// registered channel each time the connection reaches CONNECTED, so the
// registry, not the server, is the source of truth for subscriptions.
type ChannelManager struct {
	conn    channelConnection
	exec    Executor
	logger  *slog.Logger
	metrics *metrics

	mu       sync.Mutex
	channels map[string]*Channel
	// leaving holds channels whose unsubscribe was sent, until the server
	// acknowledges it or the connection drops.
	leaving map[string]*Channel
}

func newChannelManager(conn channelConnection, exec Executor, logger *slog.Logger, m *metrics) *ChannelManager {
	return &ChannelManager{
		conn:     conn,
		exec:     exec,
		logger:   logger.With("component", "channels"),
		metrics:  m,
		channels: make(map[string]*Channel),
		leaving:  make(map[string]*Channel),
	}
}

// SubscribeTo registers ch and binds listener to each of eventNames. The
// subscribe command goes out now if the connection is CONNECTED, otherwise
// on the next CONNECTED transition. Rejected subscriptions are logged and
// returned; nothing is registered for them.
func (m *ChannelManager) SubscribeTo(ch *Channel, listener ChannelEventListener, eventNames ...string) error {
	if err := m.validateAndBind(ch, listener, eventNames); err != nil {
		m.logger.Warn("subscription rejected", "error", err)
		return err
	}
	m.sendOrQueueSubscribe(ch)
	return nil
}

func (m *ChannelManager) validateAndBind(ch *Channel, listener ChannelEventListener, eventNames []string) error {
	if ch == nil {
		return ErrNilChannel
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.channels[ch.Name()]; ok {
		return fmt.Errorf("subscribe to %q: %w", ch.Name(), ErrAlreadySubscribed)
	}
	for _, name := range eventNames {
		if err := ch.validateBinding(name, listener); err != nil {
			return err
		}
	}
	for _, name := range eventNames {
		if err := ch.Bind(name, listener); err != nil {
			return err
		}
	}
	ch.setEventListener(listener)
	m.channels[ch.Name()] = ch
	m.metrics.trackedChannels(len(m.channels))
	return nil
}

func (m *ChannelManager) sendOrQueueSubscribe(ch *Channel) {
	m.exec.Post(func() {
		if m.conn.State() != StateConnected {
			return
		}
		// Unsubscribed before the task ran.
		if current, ok := m.GetChannel(ch.Name()); !ok || current != ch {
			return
		}
		// A subscribe queued just before CONNECTED already covered this
		// connection.
		gen := m.conn.sessionGeneration()
		if ch.sentOn == gen {
			return
		}
		if m.conn.sendMessage(ch.toSubscribeMessage()) {
			ch.sentOn = gen
			ch.updateState(ChannelSubscribeSent)
		} else {
			ch.updateState(ChannelFailed)
		}
	})
}

// UnsubscribeFrom drops the channel named name from the registry at once. If
// the connection is CONNECTED when the event queue gets to it, an unsubscribe
// command is sent and listener hears the acknowledgement; otherwise the
// channel is dropped locally and listener is never called.
func (m *ChannelManager) UnsubscribeFrom(name string, listener ChannelUnsubscriptionListener) error {
	if name == "" {
		return fmt.Errorf("unsubscribe: %w", ErrEmptyChannelName)
	}
	m.mu.Lock()
	ch, ok := m.channels[name]
	delete(m.channels, name)
	m.metrics.trackedChannels(len(m.channels))
	m.mu.Unlock()
	if !ok {
		return nil
	}

	m.exec.Post(func() {
		if m.conn.State() != StateConnected {
			ch.updateState(ChannelUnsubscribed)
			return
		}
		ch.setUnsubscriptionListener(listener)
		if m.conn.sendMessage(ch.toUnsubscribeMessage()) {
			m.mu.Lock()
			m.leaving[name] = ch
			m.mu.Unlock()
		}
		ch.updateState(ChannelUnsubscribed)
	})
	return nil
}

// GetChannel looks up a registered channel.
func (m *ChannelManager) GetChannel(name string) (*Channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// Channels returns the registered channels ordered by name.
func (m *ChannelManager) Channels() []*Channel {
	m.mu.Lock()
	out := make([]*Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		out = append(out, ch)
	}
	m.mu.Unlock()
	slices.SortFunc(out, (*Channel).Compare)
	return out
}

// OnConnectionStateChange resends subscribe for every registered channel,
// whatever its state, on each transition into CONNECTED.
func (m *ChannelManager) OnConnectionStateChange(change ConnectionStateChange) {
	if change.Current() != StateConnected {
		return
	}
	m.mu.Lock()
	clear(m.leaving)
	m.mu.Unlock()

	channels := m.Channels()
	m.logger.Debug("resubscribing", "channels", len(channels))
	for _, ch := range channels {
		m.sendOrQueueSubscribe(ch)
	}
}

func (m *ChannelManager) OnError(message, code string, err error) {
	m.logger.Debug("connection error", "message", message, "code", code, "error", err)
}

// onMessage routes a channel-scoped frame to its channel. Frames for unknown
// channels are dropped. It must run on the event queue.
func (m *ChannelManager) onMessage(eventType, raw string) {
	env, err := decodeEnvelope(raw)
	if err != nil || env.Channel == "" {
		m.logger.Debug("dropping frame without channel", "event", eventType)
		return
	}

	m.mu.Lock()
	ch, ok := m.channels[env.Channel]
	if eventType == EventUnsubscribed {
		if leaving, found := m.leaving[env.Channel]; found {
			delete(m.leaving, env.Channel)
			ch, ok = leaving, true
		}
	}
	m.mu.Unlock()

	if !ok {
		m.logger.Debug("dropping frame for unknown channel", "channel", env.Channel, "event", eventType)
		return
	}
	ch.onMessage(eventType, env)
}
