package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lorekeep/loresync/internal/events"
)

// Watcher maintains a lightweight WebSocket presence connection to the
// backend and tracks connectivity. When the connection comes up after
// being down it invokes the reconnect hook, which the sync service uses
// to drain the queue without waiting for the next timer tick.
type Watcher struct {
	url          string
	token        string
	pingInterval time.Duration
	logger       *events.Logger

	mu        sync.Mutex
	online    bool
	conn      *websocket.Conn
	onOnline  func()
	onOffline func()
}

// NewWatcher creates a connectivity watcher. presenceURL may be an
// http(s) URL; it is converted to the ws(s) scheme.
func NewWatcher(presenceURL, token string, pingInterval time.Duration, logger *events.Logger) *Watcher {
	if len(presenceURL) > 4 && presenceURL[:4] == "http" {
		presenceURL = "ws" + presenceURL[4:]
	}
	if pingInterval <= 0 {
		pingInterval = 15 * time.Second
	}

	return &Watcher{
		url:          presenceURL,
		token:        token,
		pingInterval: pingInterval,
		logger:       logger.WithField("component", "watcher"),
	}
}

// OnOnline registers the hook invoked on offline-to-online transitions.
// Must be called before Run.
func (w *Watcher) OnOnline(fn func()) { w.onOnline = fn }

// OnOffline registers the hook invoked on online-to-offline
// transitions. Must be called before Run.
func (w *Watcher) OnOffline(fn func()) { w.onOffline = fn }

// Online reports the last observed connectivity state.
func (w *Watcher) Online() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.online
}

// Run connects and monitors the presence endpoint until ctx is
// cancelled, reconnecting with capped exponential backoff.
func (w *Watcher) Run(ctx context.Context) error {
	backoff := time.Second
	const maxBackoff = 60 * time.Second

	for {
		if err := w.connect(ctx); err != nil {
			w.setOnline(false)
			w.logger.WithError(err).Debug("Presence connect failed")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		backoff = time.Second
		w.setOnline(true)

		err := w.pingLoop(ctx)
		w.setOnline(false)
		w.closeConn()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.logger.WithError(err).Debug("Presence connection lost")
	}
}

// connect dials the presence endpoint.
func (w *Watcher) connect(ctx context.Context) error {
	headers := http.Header{}
	if w.token != "" {
		headers.Set("Authorization", "Bearer "+w.token)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, w.url, headers)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
	return nil
}

// pingLoop sends pings and waits for pongs until the connection dies
// or ctx is cancelled. Returns the error that ended the connection.
func (w *Watcher) pingLoop(ctx context.Context) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()

	pongTimeout := w.pingInterval * 2
	_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	// The read loop only exists to process pongs and detect closure;
	// presence carries no application messages.
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				readErr <- err
				return
			}
		}
	}()

	ticker := time.NewTicker(w.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case <-ticker.C:
			deadline := time.Now().Add(5 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return err
			}
		}
	}
}

func (w *Watcher) setOnline(online bool) {
	w.mu.Lock()
	changed := w.online != online
	w.online = online
	w.mu.Unlock()

	if !changed {
		return
	}

	if online {
		w.logger.Info("Connectivity restored")
		if w.onOnline != nil {
			w.onOnline()
		}
	} else {
		w.logger.Info("Connectivity lost")
		if w.onOffline != nil {
			w.onOffline()
		}
	}
}

func (w *Watcher) closeConn() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn != nil {
		_ = w.conn.Close()
		w.conn = nil
	}
}
