package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsarna/socketbus/pkg/socketbus/bus"
	"github.com/tsarna/socketbus/pkg/socketbus/hub"
	"github.com/tsarna/socketbus/pkg/socketbus/router"
	"go.uber.org/zap/zaptest"
)

type statusLog struct {
	mu    sync.Mutex
	lines []string
}

func (s *statusLog) HandleEvent(ctx context.Context, ev bus.Event) error {
	parts := make([]string, len(ev.Args))
	for i, a := range ev.Args {
		parts[i] = fmt.Sprint(a)
	}
	s.mu.Lock()
	s.lines = append(s.lines, strings.Join(parts, " "))
	s.mu.Unlock()
	return nil
}

func (s *statusLog) has(prefix string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.lines {
		if strings.HasPrefix(l, prefix) {
			return true
		}
	}
	return false
}

func newTestServer(t *testing.T, configure func(*ServerConfig)) (*Server, *statusLog) {
	t.Helper()
	logger := zaptest.NewLogger(t)

	eb, err := bus.NewEventBus().WithLogger(logger).Build()
	require.NoError(t, err)
	require.NoError(t, eb.Start())
	t.Cleanup(func() { _ = eb.Stop() })

	h := hub.New(eb, logger)
	h.Register()

	status := &statusLog{}
	eb.On(router.EventStatus, status)

	cfg := NewServerConfig().WithEventBus(eb).WithLogger(logger).WithHost("127.0.0.1").WithPingInterval(0)
	if configure != nil {
		configure(cfg)
	}
	s, err := cfg.Build()
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s, status
}

func waitForPort(t *testing.T, s *Server, kind router.Kind) int {
	t.Helper()
	require.Eventually(t, func() bool { return len(s.Ports(kind)) > 0 }, 5*time.Second, 10*time.Millisecond)
	return s.Ports(kind)[0]
}

func dialTCP(t *testing.T, port int) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn, bufio.NewReader(conn)
}

func readLine(t *testing.T, conn net.Conn, r *bufio.Reader) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	var env map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &env))
	return env
}

func TestServerConfigValidation(t *testing.T) {
	_, err := NewServerConfig().Build()
	assert.Error(t, err)

	eb, err := bus.NewEventBus().Build()
	require.NoError(t, err)
	_, err = NewServerConfig().WithEventBus(eb).WithLogger(zaptest.NewLogger(t)).WithTCPPorts(70000).Build()
	assert.Error(t, err)
}

func TestInitOpensConfiguredListeners(t *testing.T) {
	s, status := newTestServer(t, func(c *ServerConfig) {
		c.WithWebSocketPorts(0).WithTCPPorts(0)
	})
	require.NoError(t, s.Init(context.Background()))

	wsPort := waitForPort(t, s, router.KindWebSocket)
	tcpPort := waitForPort(t, s, router.KindTCP)
	assert.NotZero(t, wsPort)
	assert.NotZero(t, tcpPort)

	assert.Eventually(t, func() bool {
		return status.has(fmt.Sprintf("WebSocket listening on port: %d", wsPort)) &&
			status.has(fmt.Sprintf("TCP Socket listening on port: %d", tcpPort))
	}, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, fmt.Sprintf("ws://127.0.0.1:%d/", wsPort), nil)
	require.NoError(t, err)
	defer ws.CloseNow()

	_, data, err := ws.Read(ctx)
	require.NoError(t, err)
	var env map[string]any
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, "available-events", env["type"])
	assert.ElementsMatch(t, []any{"create-tcp", "create-ws"}, env["data"])
}

func TestBindFailureIsPerListener(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()
	takenPort := taken.Addr().(*net.TCPAddr).Port

	s, status := newTestServer(t, func(c *ServerConfig) {
		c.WithTCPPorts(takenPort).WithWebSocketPorts(0)
	})

	err = s.Init(context.Background())
	assert.Error(t, err)

	waitForPort(t, s, router.KindWebSocket)
	assert.Empty(t, s.Ports(router.KindTCP))
	assert.Eventually(t, func() bool {
		return status.has(fmt.Sprintf("TCP Socket failed on port: %d", takenPort))
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCreateTCPFromClient(t *testing.T) {
	s, _ := newTestServer(t, func(c *ServerConfig) { c.WithTCPPorts(0) })
	require.NoError(t, s.Init(context.Background()))
	port := waitForPort(t, s, router.KindTCP)

	conn, r := dialTCP(t, port)
	readLine(t, conn, r)

	_, err := conn.Write([]byte("{\"type\":\"create-tcp\",\"data\":0}\n"))
	require.NoError(t, err)

	env := readLine(t, conn, r)
	assert.Equal(t, "create-tcp", env["type"])
	data, ok := env["data"].(map[string]any)
	require.True(t, ok)
	newPort := int(data["port"].(float64))
	assert.NotEqual(t, port, newPort)

	conn2, r2 := dialTCP(t, newPort)
	assert.Equal(t, "available-events", readLine(t, conn2, r2)["type"])
}

func TestCreateWithBadPortReplies(t *testing.T) {
	s, _ := newTestServer(t, func(c *ServerConfig) { c.WithTCPPorts(0) })
	require.NoError(t, s.Init(context.Background()))
	port := waitForPort(t, s, router.KindTCP)

	conn, r := dialTCP(t, port)
	readLine(t, conn, r)

	_, err := conn.Write([]byte("{\"type\":\"create-ws\",\"data\":\"nope\"}\n"))
	require.NoError(t, err)

	env := readLine(t, conn, r)
	assert.Equal(t, "create-ws", env["type"])
	data, ok := env["data"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, data["error"], "invalid port")
}

type lateServer struct {
	mux  *http.ServeMux
	addr atomic.Pointer[net.TCPAddr]
}

func (l *lateServer) Handle(pattern string, handler http.Handler) { l.mux.Handle(pattern, handler) }

func (l *lateServer) Addr() net.Addr {
	if a := l.addr.Load(); a != nil {
		return a
	}
	return nil
}

func TestAttachWebSocketPollsForAddress(t *testing.T) {
	s, status := newTestServer(t, nil)

	target := &lateServer{mux: http.NewServeMux()}
	require.NoError(t, s.AttachWebSocket(context.Background(), target))
	assert.Empty(t, s.Ports(router.KindWebSocket))

	srv := httptest.NewServer(target.mux)
	defer srv.Close()
	target.addr.Store(srv.Listener.Addr().(*net.TCPAddr))

	port := waitForPort(t, s, router.KindWebSocket)
	assert.Equal(t, srv.Listener.Addr().(*net.TCPAddr).Port, port)
	assert.Eventually(t, func() bool {
		return status.has(fmt.Sprintf("WebSocket listening on port: %d", port))
	}, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer ws.CloseNow()

	_, data, err := ws.Read(ctx)
	require.NoError(t, err)
	assert.Contains(t, string(data), "available-events")
}

func TestShutdownClosesEverything(t *testing.T) {
	s, _ := newTestServer(t, func(c *ServerConfig) { c.WithTCPPorts(0) })
	require.NoError(t, s.Init(context.Background()))
	port := waitForPort(t, s, router.KindTCP)

	conn, r := dialTCP(t, port)
	readLine(t, conn, r)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	assert.Equal(t, 0, s.Router().ConnectionCount(router.KindTCP))

	_, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), time.Second)
	assert.Error(t, err)

	_, err = s.CreateTCP(context.Background(), 0)
	assert.ErrorIs(t, err, ErrServerClosed)
}

func TestPortFrom(t *testing.T) {
	for in, want := range map[any]int{8080: 8080, float64(9000): 9000, "7000": 7000, int64(1): 1} {
		got, err := portFrom(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	for _, bad := range []any{nil, 1.5, "x", -1, 70000, []any{}} {
		_, err := portFrom(bad)
		assert.Error(t, err, bad)
	}
}
