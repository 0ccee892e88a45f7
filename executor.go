package qsocket

import (
	"context"
	"log/slog"
	"sync"
)

// ============================================================================
// Event queue
// ============================================================================

// Executor runs posted tasks one at a time, in submission order.
//
// Every state mutation and every listener callback in this package runs on
// the client's Executor, so none of them ever execute concurrently.
type Executor interface {
	Post(task func())
}

// EventQueue is the default Executor: a single goroutine draining an
// unbounded FIFO. Post never blocks.
type EventQueue struct {
	logger *slog.Logger

	mu     sync.Mutex
	tasks  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

// NewEventQueue starts the event goroutine.
func NewEventQueue(logger *slog.Logger) *EventQueue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &EventQueue{
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

// Post enqueues task. Tasks posted after Close are dropped.
func (q *EventQueue) Post(task func()) {
	if task == nil {
		return
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.logger.Debug("event queue closed, dropping task")
		return
	}
	q.tasks = append(q.tasks, task)
	select {
	case q.wake <- struct{}{}:
	default:
	}
	q.mu.Unlock()
}

// Flush blocks until every task posted before the call has run.
func (q *EventQueue) Flush(ctx context.Context) error {
	marker := make(chan struct{})
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return nil
	}
	q.mu.Unlock()

	q.Post(func() { close(marker) })
	select {
	case <-marker:
		return nil
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting tasks, runs whatever is already queued and waits for
// the event goroutine to exit. It must not be called from a task.
func (q *EventQueue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.wake)
	}
	q.mu.Unlock()
	<-q.done
}

func (q *EventQueue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		batch := q.tasks
		q.tasks = nil
		closed := q.closed
		q.mu.Unlock()

		for _, task := range batch {
			q.runTask(task)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-q.wake
	}
}

func (q *EventQueue) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("panic in event task", "panic", r)
		}
	}()
	task()
}
