package hub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsarna/socketbus/pkg/socketbus/bus"
	"github.com/tsarna/socketbus/pkg/socketbus/router"
	"github.com/tsarna/socketbus/pkg/socketbus/router/routertest"
	"go.uber.org/zap/zaptest"
)

func newHub(t *testing.T) (*Hub, bus.EventBus) {
	t.Helper()
	eb, err := bus.NewEventBus().WithLogger(zaptest.NewLogger(t)).Build()
	require.NoError(t, err)
	require.NoError(t, eb.Start())
	t.Cleanup(func() { _ = eb.Stop() })

	h := New(eb, zaptest.NewLogger(t))
	h.Register()
	t.Cleanup(h.Close)
	return h, eb
}

func noop() bus.Handler {
	return router.RequestHandler(func(ctx context.Context, p router.Payload, reply router.ReplyFunc) error {
		return nil
	})
}

func TestSubscribeRegistersHandlers(t *testing.T) {
	h, eb := newHub(t)

	called := false
	handlers := Handlers{
		"room.create": router.RequestHandler(func(ctx context.Context, p router.Payload, reply router.ReplyFunc) error {
			called = true
			return nil
		}),
		"chat.get-update": noop(),
	}
	require.NoError(t, eb.EmitSync(context.Background(), router.EventSubscribe, handlers))

	assert.Equal(t, []string{"chat.get-update", "room.create"}, h.Directory())

	require.NoError(t, eb.EmitSync(context.Background(), "room.create", router.ValuePayload(nil)))
	assert.True(t, called)
}

func TestDirectoryExcludesInternalEvents(t *testing.T) {
	h, eb := newHub(t)
	eb.On("connect", noop())
	eb.On("status", noop())
	eb.On("chat.#", noop())
	eb.On("z.last", noop())
	eb.On("a.first", noop())

	assert.Equal(t, []string{"a.first", "z.last"}, h.Directory())
}

func TestGetEventsWithCallback(t *testing.T) {
	_, eb := newHub(t)
	eb.On("room.create", noop())

	var got any
	reply := router.ReplyFunc(func(err error, data any) {
		assert.NoError(t, err)
		got = data
	})
	require.NoError(t, eb.EmitSync(context.Background(), router.EventGetEvents, reply))
	assert.Equal(t, []string{"room.create"}, got)
}

func TestGetEventsWithConnection(t *testing.T) {
	_, eb := newHub(t)
	eb.On("room.create", noop())

	c := routertest.NewConn(router.KindWebSocket)
	require.NoError(t, eb.EmitSync(context.Background(), router.EventGetEvents, nil, c))

	sent := c.SentOfType(router.TypeAvailableEvents)
	require.Len(t, sent, 1)
	assert.Equal(t, []string{"room.create"}, sent[0].Data)
}

func TestClientSubscribeAndBroadcast(t *testing.T) {
	h, eb := newHub(t)
	ctx := context.Background()

	a := routertest.NewConn(router.KindWebSocket)
	b := routertest.NewConn(router.KindTCP)

	require.NoError(t, eb.EmitSync(ctx, router.EventSubscribe, "room1", a))
	require.NoError(t, eb.EmitSync(ctx, router.EventSubscribe, []any{"chat.#", "room1"}, b))

	assert.Equal(t, []string{"room1"}, h.Subscriptions(a))
	assert.Equal(t, []string{"chat.#", "room1"}, h.Subscriptions(b))

	assert.Equal(t, 2, h.Broadcast(ctx, "room1", "hello"))
	assert.Equal(t, 1, h.Broadcast(ctx, "chat.lobby", map[string]any{"text": "hi"}))
	assert.Equal(t, 0, h.Broadcast(ctx, "room2", nil))

	assert.Equal(t, []router.Envelope{{Type: "room1", Data: "hello"}}, a.Sent())
	assert.Equal(t, []router.Envelope{
		{Type: "room1", Data: "hello"},
		{Type: "chat.lobby", Data: map[string]any{"text": "hi"}},
	}, b.Sent())
}

func TestBroadcastEvent(t *testing.T) {
	h, eb := newHub(t)
	ctx := context.Background()

	c := routertest.NewConn(router.KindTCP)
	h.Subscribe(c, "+room.news")

	require.NoError(t, eb.EmitSync(ctx, EventBroadcast, "lobby.news", 7))
	assert.Equal(t, []router.Envelope{{Type: "lobby.news", Data: 7}}, c.Sent())

	assert.Error(t, eb.EmitSync(ctx, EventBroadcast, 42, "x"))
}

func TestBroadcastMatchesOncePerConnection(t *testing.T) {
	h, _ := newHub(t)
	c := routertest.NewConn(router.KindWebSocket)
	h.Subscribe(c, "a.#", "a.b", "#")

	assert.Equal(t, 1, h.Broadcast(context.Background(), "a.b", nil))
	assert.Len(t, c.Sent(), 1)
}

func TestUnsubscribe(t *testing.T) {
	h, eb := newHub(t)
	ctx := context.Background()

	c := routertest.NewConn(router.KindWebSocket)
	h.Subscribe(c, "a", "b", "c")

	require.NoError(t, eb.EmitSync(ctx, router.EventUnsubscribe, "b", c))
	assert.Equal(t, []string{"a", "c"}, h.Subscriptions(c))

	require.NoError(t, eb.EmitSync(ctx, router.EventUnsubscribe, []any{"a", "c"}, c))
	assert.Nil(t, h.Subscriptions(c))
	assert.Equal(t, 0, h.SubscriberCount())
}

func TestUnsubscribeWildcard(t *testing.T) {
	h, eb := newHub(t)
	ctx := context.Background()

	a := routertest.NewConn(router.KindWebSocket)
	b := routertest.NewConn(router.KindWebSocket)
	h.Subscribe(a, "x", "y")
	h.Subscribe(b, "x")

	require.NoError(t, eb.EmitSync(ctx, router.EventUnsubscribe, router.WildcardTopic, a))
	assert.Nil(t, h.Subscriptions(a))
	assert.Equal(t, []string{"x"}, h.Subscriptions(b))

	// Unknown connections are a no-op.
	require.NoError(t, eb.EmitSync(ctx, router.EventUnsubscribe, router.WildcardTopic, a))
	assert.Equal(t, 1, h.SubscriberCount())
}

func TestSubscribeIgnoresDuplicates(t *testing.T) {
	h, _ := newHub(t)
	c := routertest.NewConn(router.KindTCP)
	h.Subscribe(c, "a", "a")
	h.Subscribe(c, "a")
	assert.Equal(t, []string{"a"}, h.Subscriptions(c))
}

func TestSubscribeRejectsBadTopics(t *testing.T) {
	_, eb := newHub(t)
	ctx := context.Background()
	c := routertest.NewConn(router.KindTCP)

	assert.Error(t, eb.EmitSync(ctx, router.EventSubscribe, 5, c))
	assert.Error(t, eb.EmitSync(ctx, router.EventSubscribe, []any{"ok", 1}, c))
	assert.Error(t, eb.EmitSync(ctx, router.EventSubscribe, "", c))
	assert.Error(t, eb.EmitSync(ctx, router.EventSubscribe, "room1"))
}

func TestCloseRemovesHandlers(t *testing.T) {
	h, eb := newHub(t)
	require.NoError(t, eb.EmitSync(context.Background(), router.EventSubscribe, Handlers{"x.y": noop()}))
	assert.Equal(t, 1, eb.HandlerCount("x.y"))

	h.Close()
	assert.Equal(t, 0, eb.HandlerCount("x.y"))
	assert.Equal(t, 0, eb.HandlerCount(router.EventSubscribe))
}

func TestDisconnectCleansSubscriptionsThroughRouter(t *testing.T) {
	h, eb := newHub(t)

	r, err := router.NewRouterConfig().WithEventBus(eb).WithLogger(zaptest.NewLogger(t)).Build()
	require.NoError(t, err)

	c := routertest.NewConn(router.KindWebSocket)
	require.NoError(t, r.Accept(context.Background(), c))
	require.NoError(t, r.HandleRaw(context.Background(), c, []byte(`{"type":"subscribe","data":["a","b"]}`)))
	require.NoError(t, eb.EmitSync(context.Background(), "test.flush"))
	assert.Equal(t, []string{"a", "b"}, h.Subscriptions(c))

	r.Drop(context.Background(), c)
	assert.Nil(t, h.Subscriptions(c))

	sent := c.SentOfType(router.TypeAvailableEvents)
	require.Len(t, sent, 1)
}
