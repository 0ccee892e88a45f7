package qsocket

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
)

// ============================================================================
// Channel state
// ============================================================================

// ChannelState is the subscription state of a Channel.
type ChannelState int32

const (
	ChannelInitial ChannelState = iota
	ChannelSubscribeSent
	ChannelSubscribed
	// ChannelUnsubscribed is terminal.
	ChannelUnsubscribed
	ChannelFailed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelInitial:
		return "initial"
	case ChannelSubscribeSent:
		return "subscribe_sent"
	case ChannelSubscribed:
		return "subscribed"
	case ChannelUnsubscribed:
		return "unsubscribed"
	case ChannelFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ── Listeners ────────────────────────────────────────────

// SubscriptionEventListener receives channel events.
type SubscriptionEventListener interface {
	OnEvent(channelName, eventName, data string)
}

// ChannelEventListener is the subscription listener of a channel: it also
// hears the subscribe acknowledgement.
type ChannelEventListener interface {
	SubscriptionEventListener
	OnSubscriptionSucceeded(channelName string)
}

// ChannelUnsubscriptionListener hears the unsubscribe acknowledgement.
type ChannelUnsubscriptionListener interface {
	OnUnsubscribed(channelName string)
}

// ChannelListener adapts plain functions to ChannelEventListener. Use it by
// pointer.
type ChannelListener struct {
	Event                 func(channelName, eventName, data string)
	SubscriptionSucceeded func(channelName string)
}

func (l *ChannelListener) OnEvent(channelName, eventName, data string) {
	if l.Event != nil {
		l.Event(channelName, eventName, data)
	}
}

func (l *ChannelListener) OnSubscriptionSucceeded(channelName string) {
	if l.SubscriptionSucceeded != nil {
		l.SubscriptionSucceeded(channelName)
	}
}

// UnsubscribedFunc adapts a function to ChannelUnsubscriptionListener.
type UnsubscribedFunc func(channelName string)

func (f UnsubscribedFunc) OnUnsubscribed(channelName string) { f(channelName) }

// ============================================================================
// Channel
// ============================================================================

// Channel is one named subscription multiplexed over the connection.
type Channel struct {
	name   string
	exec   Executor
	logger *slog.Logger
	state  atomic.Int32

	// sentOn is the connection generation the last subscribe went out on.
	// Owned by the event queue.
	sentOn uint64

	mu             sync.Mutex
	eventListeners map[string]map[SubscriptionEventListener]struct{}
	eventListener  ChannelEventListener
	unsubListener  ChannelUnsubscriptionListener
}

func newChannel(name string, exec Executor, logger *slog.Logger) (*Channel, error) {
	if name == "" {
		return nil, ErrEmptyChannelName
	}
	return &Channel{
		name:           name,
		exec:           exec,
		logger:         logger.With("channel", name),
		eventListeners: make(map[string]map[SubscriptionEventListener]struct{}),
	}, nil
}

func (c *Channel) Name() string { return c.name }

func (c *Channel) State() ChannelState { return ChannelState(c.state.Load()) }

// IsSubscribed reports whether the server has acknowledged the subscription.
func (c *Channel) IsSubscribed() bool { return c.State() == ChannelSubscribed }

// Compare orders channels by name.
func (c *Channel) Compare(other *Channel) int {
	return strings.Compare(c.name, other.name)
}

func (c *Channel) String() string {
	return fmt.Sprintf("[Public Channel: name=%s]", c.name)
}

// Bind adds l to the listeners of eventName.
func (c *Channel) Bind(eventName string, l SubscriptionEventListener) error {
	if err := c.validateBinding(eventName, l); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.eventListeners[eventName]
	if !ok {
		set = make(map[SubscriptionEventListener]struct{})
		c.eventListeners[eventName] = set
	}
	set[l] = struct{}{}
	return nil
}

// Unbind removes l from the listeners of eventName.
func (c *Channel) Unbind(eventName string, l SubscriptionEventListener) error {
	if err := c.validateBinding(eventName, l); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if set, ok := c.eventListeners[eventName]; ok {
		delete(set, l)
		if len(set) == 0 {
			delete(c.eventListeners, eventName)
		}
	}
	return nil
}

func (c *Channel) validateBinding(eventName string, l SubscriptionEventListener) error {
	if eventName == "" {
		return fmt.Errorf("bind on %s: %w", c.name, ErrEmptyEventName)
	}
	if l == nil {
		return fmt.Errorf("bind %q on %s: %w", eventName, c.name, ErrNilListener)
	}
	if !isComparable(l) {
		return fmt.Errorf("bind %q on %s: listener of type %T is not comparable, pass a pointer: %w", eventName, c.name, l, ErrInvalidOptions)
	}
	if strings.HasPrefix(eventName, internalEventPrefix) {
		return fmt.Errorf("bind %q on %s: %w", eventName, c.name, ErrInternalEventName)
	}
	if c.State() == ChannelUnsubscribed {
		return fmt.Errorf("bind %q on %s: %w", eventName, c.name, ErrChannelUnsubscribed)
	}
	return nil
}

func (c *Channel) setEventListener(l ChannelEventListener) {
	c.mu.Lock()
	c.eventListener = l
	c.mu.Unlock()
}

func (c *Channel) setUnsubscriptionListener(l ChannelUnsubscriptionListener) {
	c.mu.Lock()
	c.unsubListener = l
	c.mu.Unlock()
}

// bound reports the listeners for eventName, once each, subscription
// listener included.
func (c *Channel) bound(eventName string) []SubscriptionEventListener {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []SubscriptionEventListener
	if c.eventListener != nil {
		out = append(out, c.eventListener)
	}
	for l := range c.eventListeners[eventName] {
		if c.eventListener != nil && l == SubscriptionEventListener(c.eventListener) {
			continue
		}
		out = append(out, l)
	}
	return out
}

// onMessage handles one frame routed to this channel. It must run on the
// event queue.
func (c *Channel) onMessage(eventType string, env *Envelope) {
	switch eventType {
	case EventSubscriptionSucceeded:
		c.updateState(ChannelSubscribed)
		c.mu.Lock()
		l := c.eventListener
		c.mu.Unlock()
		if l != nil {
			c.exec.Post(func() { l.OnSubscriptionSucceeded(c.name) })
		}
	case EventUnsubscribed:
		c.updateState(ChannelUnsubscribed)
		c.mu.Lock()
		l := c.unsubListener
		c.mu.Unlock()
		if l != nil {
			c.exec.Post(func() { l.OnUnsubscribed(c.name) })
		}
	default:
		data := env.Message
		for _, l := range c.bound(eventType) {
			l := l
			c.exec.Post(func() { l.OnEvent(c.name, eventType, data) })
		}
	}
}

// updateState must run on the event queue. Nothing moves a channel out of
// ChannelUnsubscribed.
func (c *Channel) updateState(next ChannelState) {
	prev := c.State()
	if prev == ChannelUnsubscribed {
		return
	}
	c.state.Store(int32(next))
	if prev != next {
		c.logger.Debug("channel state", "previous", prev, "current", next)
	}
}

func (c *Channel) toSubscribeMessage() string {
	return encodeCommand(commandSubscribe, c.name)
}

func (c *Channel) toUnsubscribeMessage() string {
	return encodeCommand(commandUnsubscribe, c.name)
}
