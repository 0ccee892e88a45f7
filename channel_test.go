package qsocket

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChannel(t *testing.T, name string) (*Channel, *manualExecutor) {
	t.Helper()
	exec := &manualExecutor{}
	ch, err := newChannel(name, exec, discardLogger())
	require.NoError(t, err)
	return ch, exec
}

type sliceEventListener []string

func (sliceEventListener) OnEvent(string, string, string) {}

func TestNewChannelRequiresName(t *testing.T) {
	_, err := newChannel("", &manualExecutor{}, discardLogger())
	assert.ErrorIs(t, err, ErrEmptyChannelName)
}

func TestChannelIdentity(t *testing.T) {
	a, _ := newTestChannel(t, "alpha")
	b, _ := newTestChannel(t, "beta")

	assert.Equal(t, "[Public Channel: name=alpha]", a.String())
	assert.Equal(t, ChannelInitial, a.State())
	assert.False(t, a.IsSubscribed())
	assert.Negative(t, a.Compare(b))
	assert.Positive(t, b.Compare(a))
	assert.Zero(t, a.Compare(a))
}

func TestChannelBindValidation(t *testing.T) {
	ch, _ := newTestChannel(t, "room1")
	l := &recordingChannelListener{}

	assert.ErrorIs(t, ch.Bind("", l), ErrEmptyEventName)
	assert.ErrorIs(t, ch.Bind("msg", nil), ErrNilListener)
	assert.ErrorIs(t, ch.Bind("qsocket_internal:subscribed", l), ErrInternalEventName)
	assert.ErrorIs(t, ch.Bind("msg", sliceEventListener{"x"}), ErrInvalidOptions)
	assert.ErrorIs(t, ch.Unbind("", l), ErrEmptyEventName)

	ch.updateState(ChannelUnsubscribed)
	assert.ErrorIs(t, ch.Bind("msg", l), ErrChannelUnsubscribed)
}

func TestChannelDeliversEventToEachListenerOnce(t *testing.T) {
	ch, exec := newTestChannel(t, "room1")
	subscriber := &recordingChannelListener{}
	other := &recordingChannelListener{}

	ch.setEventListener(subscriber)
	require.NoError(t, ch.Bind("msg", subscriber))
	require.NoError(t, ch.Bind("msg", other))
	require.NoError(t, ch.Bind("msg", other))

	ch.onMessage("msg", &Envelope{EventType: "msg", Channel: "room1", Message: "hi"})
	exec.drain()

	want := []receivedEvent{{channel: "room1", event: "msg", data: "hi"}}
	assert.Equal(t, want, subscriber.receivedEvents())
	assert.Equal(t, want, other.receivedEvents())
}

func TestChannelUnbindStopsDelivery(t *testing.T) {
	ch, exec := newTestChannel(t, "room1")
	l := &recordingChannelListener{}
	require.NoError(t, ch.Bind("msg", l))
	require.NoError(t, ch.Unbind("msg", l))
	require.NoError(t, ch.Unbind("msg", l))

	ch.onMessage("msg", &Envelope{EventType: "msg", Channel: "room1", Message: "hi"})
	exec.drain()
	assert.Empty(t, l.receivedEvents())
}

func TestChannelEventWithoutListenersIsDropped(t *testing.T) {
	ch, exec := newTestChannel(t, "room1")
	l := &recordingChannelListener{}
	require.NoError(t, ch.Bind("msg", l))

	ch.onMessage("other", &Envelope{EventType: "other", Channel: "room1"})
	exec.drain()
	assert.Empty(t, l.receivedEvents())
}

func TestChannelAcknowledgements(t *testing.T) {
	ch, exec := newTestChannel(t, "room1")
	l := &recordingChannelListener{}
	ch.setEventListener(l)
	ch.setUnsubscriptionListener(l)

	ch.updateState(ChannelSubscribeSent)
	ch.onMessage(EventSubscriptionSucceeded, &Envelope{EventType: EventSubscriptionSucceeded, Channel: "room1"})
	exec.drain()
	assert.True(t, ch.IsSubscribed())
	assert.Equal(t, []string{"room1"}, l.subscriptionAcks())

	ch.onMessage(EventUnsubscribed, &Envelope{EventType: EventUnsubscribed, Channel: "room1"})
	exec.drain()
	assert.Equal(t, ChannelUnsubscribed, ch.State())
	assert.Equal(t, []string{"room1"}, l.unsubscriptionAcks())

	// Terminal.
	ch.updateState(ChannelSubscribeSent)
	assert.Equal(t, ChannelUnsubscribed, ch.State())
}

func TestChannelCommands(t *testing.T) {
	ch, _ := newTestChannel(t, "room1")
	assert.JSONEq(t, `{"command":"subscribe","channel":"room1"}`, ch.toSubscribeMessage())
	assert.JSONEq(t, `{"command":"unsubscribe","channel":"room1"}`, ch.toUnsubscribeMessage())
}

func TestFunctionAdapters(t *testing.T) {
	var events, acks, unsubs []string
	l := &ChannelListener{
		Event:                 func(channel, event, data string) { events = append(events, channel+"/"+event+"/"+data) },
		SubscriptionSucceeded: func(channel string) { acks = append(acks, channel) },
	}
	l.OnEvent("room1", "msg", "hi")
	l.OnSubscriptionSucceeded("room1")
	UnsubscribedFunc(func(channel string) { unsubs = append(unsubs, channel) }).OnUnsubscribed("room1")

	assert.Equal(t, []string{"room1/msg/hi"}, events)
	assert.Equal(t, []string{"room1"}, acks)
	assert.Equal(t, []string{"room1"}, unsubs)

	// Unset fields are no-ops.
	(&ChannelListener{}).OnEvent("room1", "msg", "hi")
	(&ConnectionListener{}).OnError("m", "c", nil)
}
