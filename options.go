package qsocket

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	DefaultHost            = "localhost"
	DefaultWSPort          = 4444
	DefaultWSSPort         = 4444
	DefaultActivityTimeout = 120 * time.Second
	DefaultPongTimeout     = 30 * time.Second

	// MinTimeout bounds ActivityTimeout and PongTimeout from below.
	MinTimeout = time.Second

	clusterDomain = "qsocket.com"
)

// Options configures a Client. Zero fields take their defaults.
type Options struct {
	Host      string
	WSPort    int
	WSSPort   int
	Encrypted bool

	// ActivityTimeout is how long the connection may stay silent before a
	// ping is sent (default: 120s).
	ActivityTimeout time.Duration
	// PongTimeout is how long to wait for traffic after a ping before
	// disconnecting (default: 30s).
	PongTimeout time.Duration

	ProxyURL           *url.URL
	AuthorizationToken string
	WriteTimeout       time.Duration

	// AutoReconnect schedules a connect with exponential backoff after every
	// disconnect that was not requested through Disconnect.
	AutoReconnect        bool
	MaxReconnectAttempts int // 0: 10, negative: unlimited
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
}

// SetCluster points the options at the hosted cluster name and resets the
// ports.
func (o *Options) SetCluster(cluster string) *Options {
	o.Host = "ws-" + cluster + "." + clusterDomain
	o.WSPort = DefaultWSPort
	o.WSSPort = DefaultWSSPort
	return o
}

func (o *Options) defaults() {
	if o.Host == "" {
		o.Host = DefaultHost
	}
	if o.WSPort == 0 {
		o.WSPort = DefaultWSPort
	}
	if o.WSSPort == 0 {
		o.WSSPort = DefaultWSSPort
	}
	if o.ActivityTimeout == 0 {
		o.ActivityTimeout = DefaultActivityTimeout
	}
	if o.PongTimeout == 0 {
		o.PongTimeout = DefaultPongTimeout
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.ReconnectBaseDelay == 0 {
		o.ReconnectBaseDelay = 1 * time.Second
	}
	if o.ReconnectMaxDelay == 0 {
		o.ReconnectMaxDelay = 30 * time.Second
	}
	if o.MaxReconnectAttempts == 0 {
		o.MaxReconnectAttempts = 10
	}
}

// Validate reports whether NewClient would accept o.
func (o *Options) Validate() error {
	cp := *o
	cp.defaults()
	return cp.validate()
}

func (o *Options) validate() error {
	if o.ActivityTimeout < MinTimeout {
		return fmt.Errorf("activity timeout %s is below %s: %w", o.ActivityTimeout, MinTimeout, ErrInvalidOptions)
	}
	if o.PongTimeout < MinTimeout {
		return fmt.Errorf("pong timeout %s is below %s: %w", o.PongTimeout, MinTimeout, ErrInvalidOptions)
	}
	for _, port := range []int{o.WSPort, o.WSSPort} {
		if port < 1 || port > 65535 {
			return fmt.Errorf("port %d out of range: %w", port, ErrInvalidOptions)
		}
	}
	if o.ReconnectMaxDelay < o.ReconnectBaseDelay {
		return fmt.Errorf("reconnect max delay %s is below base delay %s: %w", o.ReconnectMaxDelay, o.ReconnectBaseDelay, ErrInvalidOptions)
	}
	return nil
}

// BuildURL returns ws://host:port, or wss://host:wssPort when Encrypted.
func (o *Options) BuildURL() string {
	scheme, port := "ws", o.WSPort
	if o.Encrypted {
		scheme, port = "wss", o.WSSPort
	}
	return scheme + "://" + net.JoinHostPort(o.Host, strconv.Itoa(port))
}

// Header returns the handshake headers.
func (o *Options) Header() http.Header {
	h := http.Header{}
	if o.AuthorizationToken != "" {
		h.Set("Authorization", o.AuthorizationToken)
	}
	return h
}

func (o *Options) transportConfig() TransportConfig {
	return TransportConfig{
		URL:          o.BuildURL(),
		Header:       o.Header(),
		ProxyURL:     o.ProxyURL,
		WriteTimeout: o.WriteTimeout,
	}
}

// ============================================================================
// Client options
// ============================================================================

type ClientOption func(*Client)

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithTransportFactory replaces the nhooyr.io/websocket transport.
func WithTransportFactory(factory TransportFactory) ClientOption {
	return func(c *Client) { c.transportFactory = factory }
}

func WithScheduler(scheduler Scheduler) ClientOption {
	return func(c *Client) { c.scheduler = scheduler }
}

// WithExecutor replaces the client's own EventQueue. The caller owns exec
// and Close does not stop it.
func WithExecutor(exec Executor) ClientOption {
	return func(c *Client) { c.exec = exec }
}

// WithMetrics registers Prometheus collectors for the client.
func WithMetrics(cfg MetricsConfig) ClientOption {
	return func(c *Client) { c.metricsConfig = &cfg }
}

// WithConnectivity connects whenever signal reports the network available,
// from Connect until Disconnect.
func WithConnectivity(signal ConnectivitySignal) ClientOption {
	return func(c *Client) { c.connectivity = signal }
}
