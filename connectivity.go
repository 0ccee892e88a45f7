package qsocket

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// ConnectivitySignal reports that the network became available. The client
// starts it on Connect and stops it on Disconnect.
type ConnectivitySignal interface {
	Start(onAvailable func()) error
	Stop() error
}

// DefaultNetworkStateFile is systemd-networkd's summary of the host's links.
const DefaultNetworkStateFile = "/run/systemd/netif/state"

// NetworkStateWatcher is a ConnectivitySignal that watches a state file and
// fires each time its content goes from offline to online.
type NetworkStateWatcher struct {
	path   string
	logger *slog.Logger

	// Online decides whether the file content means the network is up.
	// Default: it contains OPER_STATE=routable.
	Online func(content []byte) bool

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
	online  bool
}

func NewNetworkStateWatcher(path string, logger *slog.Logger) *NetworkStateWatcher {
	if path == "" {
		path = DefaultNetworkStateFile
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NetworkStateWatcher{
		path:   filepath.Clean(path),
		logger: logger.With("component", "connectivity", "file", path),
		Online: func(content []byte) bool {
			return bytes.Contains(content, []byte("OPER_STATE=routable"))
		},
	}
}

// Start watches the file's directory, so the file may be replaced or
// created later.
func (w *NetworkStateWatcher) Start(onAvailable func()) error {
	if onAvailable == nil {
		return ErrNilListener
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher != nil {
		return errors.New("qsocket: network state watcher already started")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return err
	}
	w.watcher = watcher
	w.done = make(chan struct{})
	w.online = w.readOnline()
	w.logger.Debug("watching network state", "online", w.online)

	w.wg.Add(1)
	go w.watchLoop(watcher, w.done, onAvailable)
	return nil
}

// Stop is a no-op when not started.
func (w *NetworkStateWatcher) Stop() error {
	w.mu.Lock()
	watcher := w.watcher
	if watcher == nil {
		w.mu.Unlock()
		return nil
	}
	w.watcher = nil
	close(w.done)
	w.mu.Unlock()

	err := watcher.Close()
	w.wg.Wait()
	return err
}

func (w *NetworkStateWatcher) watchLoop(watcher *fsnotify.Watcher, done chan struct{}, onAvailable func()) {
	defer w.wg.Done()
	for {
		select {
		case <-done:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			if w.transitionedOnline() {
				w.logger.Info("network available")
				onAvailable()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("watcher error", "error", err)
		}
	}
}

func (w *NetworkStateWatcher) transitionedOnline() bool {
	online := w.readOnline()
	w.mu.Lock()
	defer w.mu.Unlock()
	was := w.online
	w.online = online
	return online && !was
}

func (w *NetworkStateWatcher) readOnline() bool {
	content, err := os.ReadFile(w.path)
	if err != nil {
		return false
	}
	return w.Online(content)
}
