package directory

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"grimm.is/privacyd/internal/brand"
	"grimm.is/privacyd/internal/logging"
	"grimm.is/privacyd/internal/metrics"
)

// MessageHandler receives each raw stream message.
type MessageHandler func(msg []byte)

// Listener keeps a websocket connection to the store's notification stream
// open, reconnecting with exponential backoff.
type Listener struct {
	url     string
	handler MessageHandler
	backoff *Backoff
	dialer  *websocket.Dialer
	logger  *logging.Logger
	metrics *metrics.Registry

	connected atomic.Bool
}

// ListenerConfig configures a Listener.
type ListenerConfig struct {
	Host           string
	Port           int
	Path           string
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// StreamURL builds the websocket URL for host:port and path.
func StreamURL(host string, port int, path string) string {
	if path == "" {
		path = "/ws"
	}
	u := url.URL{Scheme: "ws", Host: host + ":" + strconv.Itoa(port), Path: path}
	return u.String()
}

// NewListener creates a listener delivering messages to handler.
func NewListener(cfg ListenerConfig, handler MessageHandler) *Listener {
	return NewListenerURL(StreamURL(cfg.Host, cfg.Port, cfg.Path), cfg.InitialBackoff, cfg.MaxBackoff, handler)
}

// NewListenerURL creates a listener for an explicit websocket URL.
func NewListenerURL(wsURL string, initial, max time.Duration, handler MessageHandler) *Listener {
	return &Listener{
		url:     wsURL,
		handler: handler,
		backoff: NewBackoff(initial, max),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		logger:  logging.WithComponent("stream"),
		metrics: metrics.Get(),
	}
}

// Connected reports whether the stream is currently open.
func (l *Listener) Connected() bool {
	return l.connected.Load()
}

// URL returns the stream address.
func (l *Listener) URL() string {
	return l.url
}

// Run connects and reads until ctx is cancelled. Connection failures are
// never fatal; the listener waits out the current backoff and retries.
func (l *Listener) Run(ctx context.Context) error {
	for {
		err := l.session(ctx)
		if ctx.Err() != nil {
			l.logger.Debug("stream listener cancelled")
			return nil
		}

		delay := l.backoff.Next()
		l.metrics.StreamReconnects.Inc()
		l.logger.Debug("stream connection error, retrying", "error", err, "retry_in", delay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// session runs one connection until it fails.
func (l *Listener) session(ctx context.Context) error {
	headers := http.Header{}
	headers.Set("User-Agent", brand.UserAgent())

	conn, _, err := l.dialer.DialContext(ctx, l.url, headers)
	if err != nil {
		return fmt.Errorf("failed to dial websocket: %w", err)
	}
	defer conn.Close()

	l.logger.Info("connected to notification stream", "url", l.url)
	l.backoff.Reset()
	l.setConnected(true)
	defer l.setConnected(false)

	// Unblock ReadMessage on cancellation.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read error: %w", err)
		}
		if l.handler != nil {
			l.handler(message)
		}
	}
}

func (l *Listener) setConnected(v bool) {
	l.connected.Store(v)
	l.metrics.SetStreamConnected(v)
}
