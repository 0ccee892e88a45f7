package qsocket

import (
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ── Manual executor ──────────────────────────────────────

// manualExecutor queues tasks until drain runs them.
type manualExecutor struct {
	mu    sync.Mutex
	tasks []func()
}

func (e *manualExecutor) Post(task func()) {
	e.mu.Lock()
	e.tasks = append(e.tasks, task)
	e.mu.Unlock()
}

// drain runs tasks, including those posted while draining, until none are
// left.
func (e *manualExecutor) drain() {
	for {
		e.mu.Lock()
		if len(e.tasks) == 0 {
			e.mu.Unlock()
			return
		}
		task := e.tasks[0]
		e.tasks = e.tasks[1:]
		e.mu.Unlock()
		task()
	}
}

// ── Manual scheduler ─────────────────────────────────────

type manualScheduler struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*manualTimer
}

type manualTimer struct {
	s       *manualScheduler
	at      time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

func (s *manualScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &manualTimer{s: s, at: s.now + d, f: f}
	s.timers = append(s.timers, t)
	return t
}

// Advance moves the clock forward and fires every timer that came due, in
// deadline order.
func (s *manualScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now + d
	s.mu.Unlock()

	for {
		s.mu.Lock()
		var due []*manualTimer
		for _, t := range s.timers {
			if !t.stopped && !t.fired && t.at <= target {
				due = append(due, t)
			}
		}
		if len(due) == 0 {
			s.now = target
			s.mu.Unlock()
			return
		}
		sort.SliceStable(due, func(i, j int) bool { return due[i].at < due[j].at })
		next := due[0]
		next.fired = true
		s.now = next.at
		s.mu.Unlock()
		next.f()
	}
}

// pending counts timers that have neither fired nor been stopped.
func (s *manualScheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// ── Fake transport ───────────────────────────────────────

var errSendFailed = errors.New("send failed")

type fakeTransport struct {
	cfg      TransportConfig
	listener TransportListener

	mu         sync.Mutex
	sent       []string
	connected  bool
	closed     bool
	failSends  bool
	connectErr error
}

func (t *fakeTransport) Connect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = true
	return t.connectErr
}

func (t *fakeTransport) Send(message string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failSends {
		return errSendFailed
	}
	t.sent = append(t.sent, message)
	return nil
}

func (t *fakeTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
}

func (t *fakeTransport) sentMessages() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.sent...)
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) setFailSends(fail bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failSends = fail
}

// Server side of the fake.
func (t *fakeTransport) receive(message string) { t.listener.OnMessage(message) }
func (t *fakeTransport) remoteClose()           { t.listener.OnClose(1006, "gone", true) }

type fakeFactory struct {
	mu         sync.Mutex
	transports []*fakeTransport
	connectErr error
}

func (f *fakeFactory) New(cfg TransportConfig, listener TransportListener) (Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTransport{cfg: cfg, listener: listener, connectErr: f.connectErr}
	f.transports = append(f.transports, t)
	return t, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transports)
}

func (f *fakeFactory) last() *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.transports) == 0 {
		return nil
	}
	return f.transports[len(f.transports)-1]
}

// ── Recording listeners ──────────────────────────────────

type recordedError struct {
	message string
	code    string
	err     error
}

type recordingListener struct {
	mu      sync.Mutex
	changes []ConnectionStateChange
	errors  []recordedError
}

func (l *recordingListener) OnConnectionStateChange(change ConnectionStateChange) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changes = append(l.changes, change)
}

func (l *recordingListener) OnError(message, code string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, recordedError{message: message, code: code, err: err})
}

func (l *recordingListener) states() []ConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []ConnectionState
	for _, c := range l.changes {
		out = append(out, c.Current())
	}
	return out
}

func (l *recordingListener) count(state ConnectionState) int {
	n := 0
	for _, s := range l.states() {
		if s == state {
			n++
		}
	}
	return n
}

func (l *recordingListener) recordedErrors() []recordedError {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]recordedError(nil), l.errors...)
}

type receivedEvent struct {
	channel string
	event   string
	data    string
}

type recordingChannelListener struct {
	mu           sync.Mutex
	events       []receivedEvent
	succeeded    []string
	unsubscribed []string
}

func (l *recordingChannelListener) OnEvent(channelName, eventName, data string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, receivedEvent{channel: channelName, event: eventName, data: data})
}

func (l *recordingChannelListener) OnSubscriptionSucceeded(channelName string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.succeeded = append(l.succeeded, channelName)
}

func (l *recordingChannelListener) OnUnsubscribed(channelName string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unsubscribed = append(l.unsubscribed, channelName)
}

func (l *recordingChannelListener) receivedEvents() []receivedEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]receivedEvent(nil), l.events...)
}

func (l *recordingChannelListener) subscriptionAcks() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.succeeded...)
}

func (l *recordingChannelListener) unsubscriptionAcks() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.unsubscribed...)
}

// ── Client harness ───────────────────────────────────────

const connectedFrame = `{"eventType":"101","message":"ok"}`

type harness struct {
	t       *testing.T
	exec    *manualExecutor
	sched   *manualScheduler
	factory *fakeFactory
	client  *Client
}

func newHarness(t *testing.T, opts *Options, extra ...ClientOption) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		exec:    &manualExecutor{},
		sched:   &manualScheduler{},
		factory: &fakeFactory{},
	}
	options := append([]ClientOption{
		WithExecutor(h.exec),
		WithScheduler(h.sched),
		WithTransportFactory(h.factory.New),
		WithLogger(discardLogger()),
	}, extra...)
	client, err := NewClient(opts, options...)
	require.NoError(t, err)
	h.client = client
	t.Cleanup(func() {
		client.Close()
		h.exec.drain()
	})
	return h
}

// connect drives the client to CONNECTED through a fresh fake transport.
func (h *harness) connect(listener ConnectionEventListener) *fakeTransport {
	h.t.Helper()
	require.NoError(h.t, h.client.Connect(listener))
	h.exec.drain()
	transport := h.factory.last()
	require.NotNil(h.t, transport)
	transport.receive(connectedFrame)
	h.exec.drain()
	require.Equal(h.t, StateConnected, h.client.Connection().State())
	return transport
}

func (h *harness) state() ConnectionState {
	return h.client.Connection().State()
}
