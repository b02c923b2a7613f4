// Package tcpserver serves socketbus clients over raw TCP streams carrying
// newline-delimited JSON envelopes.
package tcpserver

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/tsarna/socketbus/pkg/socketbus/router"
	"go.uber.org/zap"
)

// ErrListenerClosed is returned by Serve after Shutdown.
var ErrListenerClosed = errors.New("tcp listener closed")

// Listener accepts TCP connections and hands them to the Router. It mirrors
// http.Server: Serve blocks on a net.Listener, Shutdown stops it.
type Listener struct {
	router *router.Router
	logger *zap.Logger
	config *ListenerConfig

	mu          sync.Mutex
	ln          net.Listener
	connections map[*Connection]struct{}
	wg          sync.WaitGroup

	shutdown     chan struct{}
	shutdownOnce sync.Once
}

func newListener(config *ListenerConfig) *Listener {
	return &Listener{
		router:      config.router,
		logger:      config.logger.With(zap.String("component", "tcpserver")),
		config:      config,
		connections: make(map[*Connection]struct{}),
		shutdown:    make(chan struct{}),
	}
}

// Addr returns the bound address, or nil before Serve has been called.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Serve accepts connections on ln until Shutdown is called or ln fails.
// It always closes ln before returning.
func (l *Listener) Serve(ln net.Listener) error {
	l.mu.Lock()
	select {
	case <-l.shutdown:
		l.mu.Unlock()
		_ = ln.Close()
		return ErrListenerClosed
	default:
	}
	l.ln = ln
	l.mu.Unlock()
	defer ln.Close()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-l.shutdown:
				return ErrListenerClosed
			default:
			}

			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if backoff == 0 {
					backoff = 5 * time.Millisecond
				} else {
					backoff = min(backoff*2, time.Second)
				}
				l.logger.Warn("Accept error, retrying", zap.Error(err), zap.Duration("backoff", backoff))
				time.Sleep(backoff)
				continue
			}
			return err
		}
		backoff = 0

		l.serveConn(conn)
	}
}

func (l *Listener) serveConn(nc net.Conn) {
	c := newConnection(nc, l)

	l.mu.Lock()
	select {
	case <-l.shutdown:
		l.mu.Unlock()
		_ = nc.Close()
		return
	default:
	}
	l.connections[c] = struct{}{}
	l.wg.Add(1)
	l.mu.Unlock()

	l.logger.Debug("TCP connection established",
		zap.String("id", c.ID()),
		zap.String("remote_addr", c.RemoteAddr()),
	)

	go func() {
		defer l.wg.Done()
		c.run()

		l.mu.Lock()
		delete(l.connections, c)
		l.mu.Unlock()
	}()
}

// Shutdown closes the listening socket and every connection, then waits for
// all connections to finish their disconnect sequence or for ctx to end.
func (l *Listener) Shutdown(ctx context.Context) error {
	l.shutdownOnce.Do(func() {
		l.mu.Lock()
		close(l.shutdown)
		if l.ln != nil {
			_ = l.ln.Close()
		}
		connections := make([]*Connection, 0, len(l.connections))
		for c := range l.connections {
			connections = append(connections, c)
		}
		l.mu.Unlock()

		if len(connections) > 0 {
			l.logger.Info("Closing active TCP connections", zap.Int("connection_count", len(connections)))
		}
		for _, c := range connections {
			_ = c.Close()
		}
	})

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		l.logger.Warn("Shutdown timeout reached with active connections",
			zap.Int("remaining_connections", l.ConnectionCount()),
		)
		return ctx.Err()
	}
}

func (l *Listener) ConnectionCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.connections)
}
