package qsocket

import "errors"

// Usage errors returned synchronously to callers.
var (
	ErrNilChannel          = errors.New("qsocket: cannot subscribe to a nil channel")
	ErrEmptyChannelName    = errors.New("qsocket: channel name must not be empty")
	ErrAlreadySubscribed   = errors.New("qsocket: already subscribed to channel")
	ErrEmptyEventName      = errors.New("qsocket: event name must not be empty")
	ErrNilListener         = errors.New("qsocket: listener must not be nil")
	ErrInternalEventName   = errors.New("qsocket: event name is reserved for internal use")
	ErrChannelUnsubscribed = errors.New("qsocket: channel has been unsubscribed")
	ErrSameState           = errors.New("qsocket: previous and current state are equal")
	ErrInvalidOptions      = errors.New("qsocket: invalid options")
)

// ErrNotConnected is reported through OnError when a send is attempted outside CONNECTED.
var ErrNotConnected = errors.New("qsocket: not connected")
