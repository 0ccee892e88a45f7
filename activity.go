package qsocket

import (
	"log/slog"
	"sync"
	"time"
)

// heartbeatTarget is what the activity timer drives.
type heartbeatTarget interface {
	sendHeartbeat()
	heartbeatExpired()
}

// activityTimer detects a dead connection: after activityTimeout without
// inbound traffic it sends a ping, and if nothing arrives within pongTimeout
// it disconnects.
type activityTimer struct {
	activityTimeout time.Duration
	pongTimeout     time.Duration
	scheduler       Scheduler
	target          heartbeatTarget
	logger          *slog.Logger
	metrics         *metrics

	mu       sync.Mutex
	pingTask Timer
	pongTask Timer
	// Bumped whenever a task is replaced so a callback that already fired
	// can tell it has been superseded.
	pingGen uint64
	pongGen uint64
}

func newActivityTimer(activityTimeout, pongTimeout time.Duration, scheduler Scheduler, target heartbeatTarget, logger *slog.Logger, m *metrics) *activityTimer {
	return &activityTimer{
		activityTimeout: activityTimeout,
		pongTimeout:     pongTimeout,
		scheduler:       scheduler,
		target:          target,
		logger:          logger,
		metrics:         m,
	}
}

// activity records inbound traffic: the pong deadline is cancelled and the
// ping is rescheduled.
func (a *activityTimer) activity() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.stopPong()
	a.stopPing()

	gen := a.pingGen
	a.pingTask = a.scheduler.AfterFunc(a.activityTimeout, func() { a.firePing(gen) })
}

// cancelTimeouts drops both pending tasks, e.g. once the transport is closed.
func (a *activityTimer) cancelTimeouts() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopPing()
	a.stopPong()
}

func (a *activityTimer) firePing(gen uint64) {
	a.mu.Lock()
	if gen != a.pingGen {
		a.mu.Unlock()
		return
	}
	a.pingTask = nil
	a.pingGen++
	fired := a.pingGen
	a.mu.Unlock()

	a.logger.Debug("sending ping")
	a.target.sendHeartbeat()

	a.mu.Lock()
	defer a.mu.Unlock()
	// Traffic that arrived while the ping was going out already proved the
	// connection alive.
	if fired != a.pingGen {
		return
	}
	a.schedulePongCheck()
}

// schedulePongCheck must be called with mu held.
func (a *activityTimer) schedulePongCheck() {
	a.stopPong()
	gen := a.pongGen
	a.pongTask = a.scheduler.AfterFunc(a.pongTimeout, func() { a.firePong(gen) })
}

func (a *activityTimer) firePong(gen uint64) {
	a.mu.Lock()
	if gen != a.pongGen {
		a.mu.Unlock()
		return
	}
	a.pongTask = nil
	a.pongGen++
	a.mu.Unlock()

	a.logger.Debug("timed out awaiting pong from server, disconnecting")
	a.metrics.heartbeatTimeout()
	a.target.heartbeatExpired()
}

// stopPing and stopPong must be called with mu held.
func (a *activityTimer) stopPing() {
	if a.pingTask != nil {
		a.pingTask.Stop()
		a.pingTask = nil
	}
	a.pingGen++
}

func (a *activityTimer) stopPong() {
	if a.pongTask != nil {
		a.pongTask.Stop()
		a.pongTask = nil
	}
	a.pongGen++
}
