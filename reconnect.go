package qsocket

import (
	"math"
	"math/rand"
	"time"
)

// ============================================================================
// Reconnect backoff
// ============================================================================

// stableConnection is how long a connection must stay up before the attempt
// counter starts over.
const stableConnection = 60 * time.Second

// reconnector computes exponential backoff with jitter for automatic
// reconnects. It is owned by the event queue.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int // negative: unlimited
	attempt     int
	connectedAt time.Time
	now         func() time.Time
}

func newReconnector(opts *Options) *reconnector {
	return &reconnector{
		baseDelay:   opts.ReconnectBaseDelay,
		maxDelay:    opts.ReconnectMaxDelay,
		maxAttempts: opts.MaxReconnectAttempts,
		now:         time.Now,
	}
}

func (r *reconnector) shouldReconnect() bool {
	if !r.connectedAt.IsZero() && r.now().Sub(r.connectedAt) > stableConnection {
		r.reset()
	}
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = r.now()
}

func (r *reconnector) nextDelay() time.Duration {
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}
