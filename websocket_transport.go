package qsocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

const (
	defaultWriteTimeout = 5 * time.Second
	maxFrameSize        = 1 << 20
)

// websocketTransport is the default Transport, backed by nhooyr.io/websocket.
type websocketTransport struct {
	cfg      TransportConfig
	listener TransportListener
	logger   *slog.Logger
	client   *http.Client

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	conn    *websocket.Conn
	started bool
	closing bool
}

// NewWebSocketTransport is the default TransportFactory.
func NewWebSocketTransport(cfg TransportConfig, listener TransportListener) (Transport, error) {
	if listener == nil {
		return nil, fmt.Errorf("websocket transport: %w", ErrNilListener)
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("websocket transport: invalid url %q: %w", cfg.URL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("websocket transport: unsupported scheme %q", u.Scheme)
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := http.DefaultClient
	if cfg.ProxyURL != nil {
		client = &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(cfg.ProxyURL)}}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &websocketTransport{
		cfg:      cfg,
		listener: listener,
		logger:   logger,
		client:   client,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

func (t *websocketTransport) Connect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return errors.New("websocket transport: already connected")
	}
	t.started = true
	go t.run()
	return nil
}

func (t *websocketTransport) Send(message string) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return errors.New("websocket transport: not open")
	}

	ctx, cancel := context.WithTimeout(t.ctx, t.cfg.WriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, []byte(message))
}

// Close starts the closing handshake without waiting for it; OnClose reports
// the outcome.
func (t *websocketTransport) Close() {
	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		return
	}
	t.closing = true
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		// Still dialing: abandon the handshake.
		t.cancel()
		return
	}
	go func() {
		if err := conn.Close(websocket.StatusNormalClosure, "client disconnect"); err != nil {
			t.logger.Debug("websocket close handshake", "error", err)
		}
		t.cancel()
	}()
}

func (t *websocketTransport) run() {
	defer t.cancel()

	conn, _, err := websocket.Dial(t.ctx, t.cfg.URL, &websocket.DialOptions{
		HTTPClient: t.client,
		HTTPHeader: t.cfg.Header,
	})
	if err != nil {
		if t.ctx.Err() == nil {
			t.listener.OnError(fmt.Errorf("websocket dial: %w", err))
		}
		t.listener.OnClose(int(websocket.StatusAbnormalClosure), err.Error(), false)
		return
	}
	conn.SetReadLimit(maxFrameSize)

	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		t.listener.OnClose(int(websocket.StatusNormalClosure), "closed during handshake", false)
		return
	}
	t.conn = conn
	t.mu.Unlock()

	t.listener.OnOpen()

	for {
		typ, data, err := conn.Read(t.ctx)
		if err != nil {
			t.finish(err)
			return
		}
		if typ != websocket.MessageText {
			t.logger.Debug("ignoring non-text frame", "type", typ)
			continue
		}
		t.listener.OnMessage(string(data))
	}
}

func (t *websocketTransport) finish(err error) {
	t.mu.Lock()
	requested := t.closing
	t.conn = nil
	t.mu.Unlock()

	code := websocket.CloseStatus(err)
	reason := err.Error()
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		reason = ce.Reason
	}
	if code == -1 {
		code = websocket.StatusAbnormalClosure
		if !requested {
			t.listener.OnError(fmt.Errorf("websocket read: %w", err))
		}
	}
	t.listener.OnClose(int(code), reason, !requested)
}
