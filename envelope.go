package qsocket

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ============================================================================
// Wire format
// ============================================================================

// Reserved inbound event types. Anything else is channel scoped.
const (
	EventConnectionEstablished = "101"
	EventError                 = "102"
	EventSubscriptionSucceeded = "103"
	EventUnsubscribed          = "104"
)

const (
	commandSubscribe   = "subscribe"
	commandUnsubscribe = "unsubscribe"

	// internalEventPrefix marks event names reserved for the library.
	internalEventPrefix = "qsocket_internal:"
)

// pingMessage is the heartbeat frame sent after an idle period.
const pingMessage = `{"event": "qsocket:ping"}`

// Envelope is the inbound wire format: one JSON object per text frame.
type Envelope struct {
	EventType string    `json:"eventType"`
	Channel   string    `json:"channel,omitempty"`
	Message   string    `json:"message,omitempty"`
	Code      ErrorCode `json:"code,omitempty"`
}

// ErrorCode is the code of a 102 envelope. Servers send it as a string or a
// number; a non-string value keeps its JSON text.
type ErrorCode string

func (c *ErrorCode) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*c = ""
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = ErrorCode(s)
	default:
		*c = ErrorCode(data)
	}
	return nil
}

// Command is the outbound subscribe/unsubscribe envelope.
type Command struct {
	Command string `json:"command"`
	Channel string `json:"channel"`
}

func decodeEnvelope(raw string) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &env, nil
}

func encodeCommand(command, channel string) string {
	// Marshalling a struct of two strings cannot fail.
	data, _ := json.Marshal(Command{Command: command, Channel: channel})
	return string(data)
}
