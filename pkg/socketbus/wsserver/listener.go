// Package wsserver serves socketbus clients over WebSocket.
package wsserver

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tsarna/socketbus/pkg/socketbus/router"
	"go.uber.org/zap"
)

// Listener upgrades HTTP requests to WebSocket connections and hands them to
// the Router. It implements http.Handler, so it can be mounted on any mux.
type Listener struct {
	router *router.Router
	logger *zap.Logger
	config *ListenerConfig

	// Connection tracking for graceful shutdown
	connections  map[*Connection]struct{}
	connMutex    sync.RWMutex
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

func newListener(config *ListenerConfig) *Listener {
	return &Listener{
		router:      config.router,
		logger:      config.logger.With(zap.String("component", "wsserver")),
		config:      config,
		connections: make(map[*Connection]struct{}),
		shutdown:    make(chan struct{}),
	}
}

func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	l.ServeWebsocket(w, r)
}

// ServeWebsocket upgrades the request and runs the connection until the
// client goes away or the listener shuts down.
func (l *Listener) ServeWebsocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-l.shutdown:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
		OriginPatterns:  l.config.originPatterns,
	})
	if err != nil {
		l.logger.Warn("Failed to accept WebSocket connection",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr),
			zap.String("user_agent", r.UserAgent()),
		)
		return
	}

	connection := newConnection(r.Context(), conn, r.RemoteAddr, l)

	l.connMutex.Lock()
	l.connections[connection] = struct{}{}
	connCount := len(l.connections)
	l.connMutex.Unlock()

	l.logger.Debug("WebSocket connection established",
		zap.String("id", connection.ID()),
		zap.String("remote_addr", r.RemoteAddr),
		zap.Int("active_connections", connCount),
	)

	connection.run()

	l.connMutex.Lock()
	delete(l.connections, connection)
	connCount = len(l.connections)
	l.connMutex.Unlock()

	l.logger.Debug("WebSocket connection removed from tracking",
		zap.String("id", connection.ID()),
		zap.Int("active_connections", connCount),
	)
}

// Shutdown stops accepting new connections, closes the active ones with
// StatusGoingAway and waits until they have run their disconnect sequence
// or ctx is done.
func (l *Listener) Shutdown(ctx context.Context) error {
	l.shutdownOnce.Do(func() {
		close(l.shutdown)

		l.connMutex.RLock()
		connections := make([]*Connection, 0, len(l.connections))
		for conn := range l.connections {
			connections = append(connections, conn)
		}
		l.connMutex.RUnlock()

		if len(connections) == 0 {
			return
		}

		l.logger.Info("Closing active WebSocket connections",
			zap.Int("connection_count", len(connections)),
		)

		for _, conn := range connections {
			go conn.closeWith(websocket.StatusGoingAway, "Server shutting down")
		}
	})

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		remaining := l.ConnectionCount()
		if remaining == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			l.logger.Warn("Shutdown timeout reached with active connections",
				zap.Int("remaining_connections", remaining),
			)
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ConnectionCount returns the number of connections this listener is
// currently serving.
func (l *Listener) ConnectionCount() int {
	l.connMutex.RLock()
	defer l.connMutex.RUnlock()
	return len(l.connections)
}
