package qsocket

import (
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// TransportListener receives raw transport notifications. Implementations
// are called from the transport's own goroutines.
type TransportListener interface {
	OnOpen()
	OnMessage(message string)
	OnClose(code int, reason string, remote bool)
	OnError(err error)
}

// Transport is one duplex text-frame connection.
//
// Connect starts the handshake and returns without waiting for it. Exactly
// one OnClose follows every successful Connect, whether the handshake fails,
// the peer goes away or Close is called.
type Transport interface {
	Connect() error
	Send(message string) error
	Close()
}

// TransportConfig is what a TransportFactory needs to open a connection.
type TransportConfig struct {
	URL          string
	Header       http.Header
	ProxyURL     *url.URL
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// TransportFactory builds a fresh Transport for each connection attempt.
type TransportFactory func(cfg TransportConfig, listener TransportListener) (Transport, error)
