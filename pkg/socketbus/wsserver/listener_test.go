package wsserver

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsarna/socketbus/pkg/socketbus/bus"
	"github.com/tsarna/socketbus/pkg/socketbus/router"
	"go.uber.org/zap/zaptest"
)

type fixture struct {
	bus      bus.EventBus
	router   *router.Router
	listener *Listener
	server   *httptest.Server
}

func newFixture(t *testing.T, configure func(*ListenerConfig)) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	eb, err := bus.NewEventBus().WithLogger(logger).Build()
	require.NoError(t, err)
	require.NoError(t, eb.Start())
	t.Cleanup(func() { _ = eb.Stop() })

	// Answers the directory request every new connection makes.
	eb.On(router.EventGetEvents, bus.HandlerFunc(func(ctx context.Context, ev bus.Event) error {
		if reply, ok := ev.Arg(0).(router.ReplyFunc); ok {
			reply(nil, eb.Events())
		}
		return nil
	}))

	r, err := router.NewRouterConfig().WithEventBus(eb).WithLogger(logger).Build()
	require.NoError(t, err)

	cfg := NewListenerConfig().WithRouter(r).WithLogger(logger).WithPingInterval(0)
	if configure != nil {
		configure(cfg)
	}
	l, err := cfg.Build()
	require.NoError(t, err)

	srv := httptest.NewServer(l)
	t.Cleanup(srv.Close)

	return &fixture{bus: eb, router: r, listener: l, server: srv}
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	typ, data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, websocket.MessageText, typ)

	var env map[string]any
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func writeText(t *testing.T, conn *websocket.Conn, text string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(text)))
}

func TestListenerConfigValidation(t *testing.T) {
	_, err := NewListenerConfig().Build()
	assert.Error(t, err)
}

func TestAvailableEventsIsFirst(t *testing.T) {
	f := newFixture(t, nil)
	f.bus.On("chat.get-update", router.RequestHandler(func(ctx context.Context, p router.Payload, reply router.ReplyFunc) error {
		return nil
	}))

	conn := f.dial(t)
	env := readEnvelope(t, conn)

	assert.Equal(t, "available-events", env["type"])
	assert.Contains(t, env["data"], "chat.get-update")
}

func TestGetUpdateRoundTrip(t *testing.T) {
	f := newFixture(t, nil)
	f.bus.On("chat.get-update", router.RequestHandler(func(ctx context.Context, p router.Payload, reply router.ReplyFunc) error {
		reply(nil, map[string]any{"count": 3})
		return nil
	}))

	conn := f.dial(t)
	readEnvelope(t, conn)

	writeText(t, conn, `{"type":"chat.get-update"}`)
	env := readEnvelope(t, conn)

	assert.Equal(t, "chat.update", env["type"])
	assert.Equal(t, map[string]any{"count": float64(3)}, env["data"])
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	f := newFixture(t, nil)
	f.bus.On("room.create", router.RequestHandler(func(ctx context.Context, p router.Payload, reply router.ReplyFunc) error {
		reply(nil, map[string]any{"id": 1})
		return nil
	}))

	conn := f.dial(t)
	readEnvelope(t, conn)

	writeText(t, conn, `not json`)
	writeText(t, conn, `{"type":"room.create","data":{"name":"x"}}`)

	env := readEnvelope(t, conn)
	assert.Equal(t, "room.create", env["type"])
	assert.Equal(t, map[string]any{"id": float64(1)}, env["data"])
}

func TestConnectAndDisconnectEvents(t *testing.T) {
	f := newFixture(t, nil)

	var connects, disconnects atomic.Int32
	f.bus.On(router.EventConnect, router.ConnectionHandler(func(ctx context.Context, conn router.Connection) error {
		assert.Equal(t, router.KindWebSocket, conn.Kind())
		connects.Add(1)
		return nil
	}))
	f.bus.On(router.EventDisconnect, router.ConnectionHandler(func(ctx context.Context, conn router.Connection) error {
		disconnects.Add(1)
		return nil
	}))

	conn := f.dial(t)
	readEnvelope(t, conn)
	assert.Equal(t, 1, f.router.ConnectionCount(router.KindWebSocket))

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))

	assert.Eventually(t, func() bool {
		return disconnects.Load() == 1 && f.listener.ConnectionCount() == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), connects.Load())
	assert.Equal(t, 0, f.router.ConnectionCount(router.KindWebSocket))
}

func TestOneClientDisconnectDoesNotAffectAnother(t *testing.T) {
	f := newFixture(t, nil)
	f.bus.On("ping.get-update", router.RequestHandler(func(ctx context.Context, p router.Payload, reply router.ReplyFunc) error {
		reply(nil, "pong")
		return nil
	}))

	a := f.dial(t)
	b := f.dial(t)
	readEnvelope(t, a)
	readEnvelope(t, b)

	require.NoError(t, a.Close(websocket.StatusNormalClosure, ""))
	assert.Eventually(t, func() bool {
		return f.router.ConnectionCount(router.KindWebSocket) == 1
	}, 5*time.Second, 10*time.Millisecond)

	writeText(t, b, `{"type":"ping.get-update"}`)
	env := readEnvelope(t, b)
	assert.Equal(t, "ping.update", env["type"])
	assert.Equal(t, "pong", env["data"])
}

func TestShutdownClosesConnections(t *testing.T) {
	f := newFixture(t, nil)

	conn := f.dial(t)
	readEnvelope(t, conn)

	// The client has to keep reading to answer the close handshake.
	readErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _, err := conn.Read(ctx)
		readErr <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.listener.Shutdown(ctx))

	assert.Equal(t, 0, f.listener.ConnectionCount())
	assert.Equal(t, 0, f.router.ConnectionCount(router.KindWebSocket))
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(<-readErr))
}

func TestSendAfterCloseFails(t *testing.T) {
	f := newFixture(t, nil)

	var captured atomic.Pointer[router.Connection]
	f.bus.On(router.EventConnect, router.ConnectionHandler(func(ctx context.Context, conn router.Connection) error {
		captured.Store(&conn)
		return nil
	}))

	conn := f.dial(t)
	readEnvelope(t, conn)
	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))

	assert.Eventually(t, func() bool { return f.listener.ConnectionCount() == 0 }, 5*time.Second, 10*time.Millisecond)

	server := *captured.Load()
	err := server.SendEnvelope(context.Background(), router.Envelope{Type: "late"})
	assert.ErrorIs(t, err, router.ErrConnectionClosed)
}

func TestRateLimitedConnectionStillDelivers(t *testing.T) {
	f := newFixture(t, func(c *ListenerConfig) {
		c.WithRateLimit(100, 1).WithMaxMessageSize(4096)
	})

	var count atomic.Int32
	f.bus.On("tick", router.RequestHandler(func(ctx context.Context, p router.Payload, reply router.ReplyFunc) error {
		count.Add(1)
		return nil
	}))

	conn := f.dial(t)
	readEnvelope(t, conn)

	for i := 0; i < 5; i++ {
		writeText(t, conn, `{"type":"tick","data":1}`)
	}

	assert.Eventually(t, func() bool { return count.Load() == 5 }, 5*time.Second, 10*time.Millisecond)
}
