// Package server ties the transports, the router and the event bus together
// into a SocketServer that listens on any number of WebSocket and TCP ports.
package server

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/tsarna/socketbus/pkg/socketbus/hub"
	"github.com/tsarna/socketbus/pkg/socketbus/router"
	"github.com/tsarna/socketbus/pkg/socketbus/tcpserver"
	"github.com/tsarna/socketbus/pkg/socketbus/wsserver"
	"go.uber.org/zap"
)

const (
	EventCreateWebSocket = "create-ws"
	EventCreateTCP       = "create-tcp"
)

// AddressPollInterval is how often a listener without an address yet is
// checked again.
const AddressPollInterval = 500 * time.Millisecond

// ErrServerClosed is returned for listeners requested after Shutdown.
var ErrServerClosed = errors.New("server closed")

// HTTPServer is an existing HTTP server the WebSocket endpoint can be
// mounted on. Addr returns nil until the server is bound.
type HTTPServer interface {
	Handle(pattern string, handler http.Handler)
	Addr() net.Addr
}

type wsEndpoint struct {
	listener *wsserver.Listener
	http     *http.Server // nil when attached to an outside server
}

// Server is the socket server: it owns the router and every listener.
type Server struct {
	config *ServerConfig
	router *router.Router
	logger *zap.Logger

	mu      sync.Mutex
	closed  bool
	ws      []wsEndpoint
	tcp     []*tcpserver.Listener
	pollers map[*time.Timer]struct{}
	ports   map[router.Kind][]int
	wg      sync.WaitGroup
}

func newServer(config *ServerConfig, r *router.Router) *Server {
	return &Server{
		config:  config,
		router:  r,
		logger:  config.logger.With(zap.String("component", "server")),
		pollers: make(map[*time.Timer]struct{}),
		ports:   make(map[router.Kind][]int),
	}
}

func (s *Server) Router() *router.Router {
	return s.router
}

// Ports returns the bound ports of one transport kind in creation order.
func (s *Server) Ports(kind router.Kind) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.ports[kind]...)
}

// Init registers the create-ws and create-tcp handlers, then opens every
// configured listener. A listener that fails to bind is logged and reported
// through a status event; the others still start. The returned error joins
// all bind failures.
func (s *Server) Init(ctx context.Context) error {
	handlers := hub.Handlers{
		EventCreateWebSocket: router.RequestHandler(s.handleCreate(router.KindWebSocket)),
		EventCreateTCP:       router.RequestHandler(s.handleCreate(router.KindTCP)),
	}
	if err := s.config.eventBus.EmitBlocking(ctx, router.EventSubscribe, handlers); err != nil {
		return fmt.Errorf("registering create handlers: %w", err)
	}

	var errs []error
	for _, port := range s.config.wsPorts {
		if _, err := s.CreateWebSocket(ctx, port); err != nil {
			errs = append(errs, err)
		}
	}
	for _, port := range s.config.tcpPorts {
		if _, err := s.CreateTCP(ctx, port); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Server) bind(ctx context.Context, label string, port int) (net.Listener, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrServerClosed
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(s.config.host, strconv.Itoa(port)))
	if err != nil {
		s.logger.Error("Failed to bind listener", zap.String("listener", label), zap.Int("port", port), zap.Error(err))
		s.status(ctx, label+" failed on port:", port, err.Error())
		return nil, fmt.Errorf("%s port %d: %w", label, port, err)
	}
	return ln, nil
}

// CreateWebSocket serves WebSocket clients on port and returns the bound
// port, which differs from port when port is 0.
func (s *Server) CreateWebSocket(ctx context.Context, port int) (int, error) {
	ln, err := s.bind(ctx, "WebSocket", port)
	if err != nil {
		return 0, err
	}

	listener, err := s.config.wsListenerConfig(s.router, s.logger).Build()
	if err != nil {
		_ = ln.Close()
		return 0, err
	}

	mux := http.NewServeMux()
	mux.Handle(s.config.wsPath, listener)
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.ws = append(s.ws, wsEndpoint{listener: listener, http: srv})
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("WebSocket server stopped", zap.Error(err))
		}
	}()

	bound := portOf(ln.Addr())
	s.waitForAddress(ctx, router.KindWebSocket, "WebSocket", ln.Addr)
	return bound, nil
}

// AttachWebSocket mounts the WebSocket endpoint on target. The listening
// status is emitted once target reports an address.
func (s *Server) AttachWebSocket(ctx context.Context, target HTTPServer) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrServerClosed
	}

	listener, err := s.config.wsListenerConfig(s.router, s.logger).Build()
	if err != nil {
		return err
	}
	target.Handle(s.config.wsPath, listener)

	s.mu.Lock()
	s.ws = append(s.ws, wsEndpoint{listener: listener})
	s.mu.Unlock()

	s.waitForAddress(ctx, router.KindWebSocket, "WebSocket", target.Addr)
	return nil
}

// CreateTCP serves newline-delimited JSON clients on port and returns the
// bound port.
func (s *Server) CreateTCP(ctx context.Context, port int) (int, error) {
	ln, err := s.bind(ctx, "TCP Socket", port)
	if err != nil {
		return 0, err
	}

	listener, err := s.config.tcpListenerConfig(s.router, s.logger).Build()
	if err != nil {
		_ = ln.Close()
		return 0, err
	}

	s.mu.Lock()
	s.tcp = append(s.tcp, listener)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := listener.Serve(ln); err != nil && !errors.Is(err, tcpserver.ErrListenerClosed) {
			s.logger.Error("TCP server stopped", zap.Error(err))
		}
	}()

	// Serve publishes the address once it runs.
	s.waitForAddress(ctx, router.KindTCP, "TCP Socket", listener.Addr)
	return portOf(ln.Addr()), nil
}

// waitForAddress emits the listening status as soon as addr reports an
// address, checking again every AddressPollInterval until it does. It never
// blocks the caller.
func (s *Server) waitForAddress(ctx context.Context, kind router.Kind, label string, addr func() net.Addr) {
	ctx = context.WithoutCancel(ctx)

	var check func()
	check = func() {
		if a := addr(); a != nil {
			port := portOf(a)
			s.mu.Lock()
			s.ports[kind] = append(s.ports[kind], port)
			s.mu.Unlock()

			s.logger.Info("Listening", zap.String("listener", label), zap.Int("port", port))
			s.status(ctx, label+" listening on port:", port)
			return
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return
		}
		var t *time.Timer
		t = time.AfterFunc(AddressPollInterval, func() {
			s.mu.Lock()
			delete(s.pollers, t)
			s.mu.Unlock()
			check()
		})
		s.pollers[t] = struct{}{}
	}

	check()
}

func (s *Server) status(ctx context.Context, message string, args ...any) {
	if err := s.config.eventBus.Emit(ctx, router.EventStatus, append([]any{message}, args...)...); err != nil {
		s.logger.Debug("Status not emitted", zap.String("message", message), zap.Error(err))
	}
}

// handleCreate answers create-ws and create-tcp. The data is a port number,
// or for create-ws an HTTPServer to attach to.
func (s *Server) handleCreate(kind router.Kind) func(context.Context, router.Payload, router.ReplyFunc) error {
	return func(ctx context.Context, p router.Payload, reply router.ReplyFunc) error {
		if target, ok := p.Value().(HTTPServer); ok && kind == router.KindWebSocket {
			if err := s.AttachWebSocket(ctx, target); err != nil {
				reply(err, map[string]any{"error": err.Error()})
				return nil
			}
			reply(nil, map[string]any{"attached": true})
			return nil
		}

		port, err := portFrom(p.Value())
		if err != nil {
			reply(err, map[string]any{"error": err.Error()})
			return nil
		}

		var bound int
		if kind == router.KindWebSocket {
			bound, err = s.CreateWebSocket(ctx, port)
		} else {
			bound, err = s.CreateTCP(ctx, port)
		}
		if err != nil {
			reply(err, map[string]any{"error": err.Error()})
			return nil
		}

		reply(nil, map[string]any{"port": bound})
		return nil
	}
}

// Shutdown stops address polling, closes every listener and waits for all
// connections to finish their disconnect sequence or for ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for t := range s.pollers {
		t.Stop()
	}
	clear(s.pollers)
	ws := append([]wsEndpoint(nil), s.ws...)
	tcp := append([]*tcpserver.Listener(nil), s.tcp...)
	s.mu.Unlock()

	var errs []error
	for _, ep := range ws {
		if ep.http != nil {
			// Stop accepting before hijacked WebSocket connections are closed.
			if err := ep.http.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if err := ep.listener.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for _, l := range tcp {
		if err := l.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}

	return errors.Join(errs...)
}

func portOf(addr net.Addr) int {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.Port
	}
	_, p, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0
	}
	port, _ := strconv.Atoi(p)
	return port
}

// portFrom accepts the port forms a create request can carry: JSON numbers,
// Go integers and numeric strings.
func portFrom(v any) (int, error) {
	var port int
	switch t := v.(type) {
	case int:
		port = t
	case int64:
		port = int(t)
	case float64:
		if t != math.Trunc(t) {
			return 0, fmt.Errorf("port must be an integer, got %v", t)
		}
		port = int(t)
	case string:
		p, err := strconv.Atoi(t)
		if err != nil {
			return 0, fmt.Errorf("invalid port %q", t)
		}
		port = p
	default:
		return 0, fmt.Errorf("port must be a number, got %T", v)
	}

	if port < 0 || port > 65535 {
		return 0, fmt.Errorf("port %d out of range", port)
	}
	return port, nil
}
