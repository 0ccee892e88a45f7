package qsocket

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsConfig configures the Prometheus collectors registered by WithMetrics.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "qsocket").
	Namespace string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// metrics is nil-safe: a client built without WithMetrics records nothing.
type metrics struct {
	transitions       *prometheus.CounterVec
	framesSent        prometheus.Counter
	framesReceived    prometheus.Counter
	errors            *prometheus.CounterVec
	heartbeatTimeouts prometheus.Counter
	channels          prometheus.Gauge
}

func newMetrics(cfg MetricsConfig) (*metrics, error) {
	if cfg.Namespace == "" {
		cfg.Namespace = "qsocket"
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.DefaultRegisterer
	}

	m := &metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "connection_state_transitions_total",
			Help:        "Connection state transitions, by new state.",
			ConstLabels: cfg.ConstLabels,
		}, []string{"state"}),
		framesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "frames_sent_total",
			Help:        "Text frames written to the transport.",
			ConstLabels: cfg.ConstLabels,
		}),
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "frames_received_total",
			Help:        "Text frames read from the transport.",
			ConstLabels: cfg.ConstLabels,
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "errors_total",
			Help:        "Errors reported to connection listeners, by kind.",
			ConstLabels: cfg.ConstLabels,
		}, []string{"kind"}),
		heartbeatTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "heartbeat_timeouts_total",
			Help:        "Pong deadlines that expired and forced a disconnect.",
			ConstLabels: cfg.ConstLabels,
		}),
		channels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Name:        "channels",
			Help:        "Channels currently tracked by the channel manager.",
			ConstLabels: cfg.ConstLabels,
		}),
	}

	var err error
	if m.transitions, err = register(cfg.Registry, m.transitions); err != nil {
		return nil, err
	}
	if m.framesSent, err = register(cfg.Registry, m.framesSent); err != nil {
		return nil, err
	}
	if m.framesReceived, err = register(cfg.Registry, m.framesReceived); err != nil {
		return nil, err
	}
	if m.errors, err = register(cfg.Registry, m.errors); err != nil {
		return nil, err
	}
	if m.heartbeatTimeouts, err = register(cfg.Registry, m.heartbeatTimeouts); err != nil {
		return nil, err
	}
	if m.channels, err = register(cfg.Registry, m.channels); err != nil {
		return nil, err
	}
	return m, nil
}

// register reuses an identical collector registered by an earlier client.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *metrics) transition(state ConnectionState) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(state.String()).Inc()
}

func (m *metrics) sent() {
	if m == nil {
		return
	}
	m.framesSent.Inc()
}

func (m *metrics) received() {
	if m == nil {
		return
	}
	m.framesReceived.Inc()
}

func (m *metrics) recordError(kind string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(kind).Inc()
}

func (m *metrics) heartbeatTimeout() {
	if m == nil {
		return
	}
	m.heartbeatTimeouts.Inc()
}

func (m *metrics) trackedChannels(n int) {
	if m == nil {
		return
	}
	m.channels.Set(float64(n))
}
