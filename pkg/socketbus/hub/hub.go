// Package hub provides the standard handlers for the reserved socketbus
// events: handler registration through subscribe, per-connection topic
// subscriptions, the event directory, and broadcast.
package hub

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/tsarna/socketbus/pkg/socketbus/bus"
	"github.com/tsarna/socketbus/pkg/socketbus/router"
	"go.uber.org/zap"
)

// EventBroadcast is handled as broadcast(topic, data).
const EventBroadcast = "broadcast"

// Handlers is the argument of a handler-registering subscribe emission.
type Handlers map[string]bus.Handler

// InternalEvents are never listed in the event directory.
var InternalEvents = []string{
	router.EventConnect,
	router.EventDisconnect,
	router.EventSubscribe,
	router.EventUnsubscribe,
	router.EventGetEvents,
	router.EventStatus,
	EventBroadcast,
}

type subscriber struct {
	conn   router.Connection
	topics []string
}

// Hub tracks which connections are subscribed to which topics and answers
// the reserved events on an EventBus.
type Hub struct {
	eventBus bus.EventBus
	logger   *zap.Logger
	internal map[string]struct{}

	mu          sync.Mutex
	subscribers []*subscriber
	cancels     []func()
}

func New(eventBus bus.EventBus, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}

	internal := make(map[string]struct{}, len(InternalEvents))
	for _, name := range InternalEvents {
		internal[name] = struct{}{}
	}

	return &Hub{
		eventBus: eventBus,
		logger:   logger.With(zap.String("component", "hub")),
		internal: internal,
	}
}

// Register installs the hub's handlers on its bus. Close removes them along
// with every handler registered through subscribe.
func (h *Hub) Register() {
	h.on(router.EventSubscribe, bus.HandlerFunc(h.handleSubscribe))
	h.on(router.EventUnsubscribe, router.SystemHandler(h.handleUnsubscribe))
	h.on(router.EventGetEvents, bus.HandlerFunc(h.handleGetEvents))
	h.on(EventBroadcast, bus.HandlerFunc(h.handleBroadcast))
}

func (h *Hub) Close() {
	h.mu.Lock()
	cancels := h.cancels
	h.cancels = nil
	h.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

func (h *Hub) on(name string, handler bus.Handler) {
	cancel := h.eventBus.On(name, handler)
	h.mu.Lock()
	h.cancels = append(h.cancels, cancel)
	h.mu.Unlock()
}

// subscribe has two forms: subscribe(Handlers) registers application
// handlers, subscribe(topics, conn) subscribes a client.
func (h *Hub) handleSubscribe(ctx context.Context, ev bus.Event) error {
	if handlers, ok := ev.Arg(0).(Handlers); ok {
		for name, handler := range handlers {
			if handler == nil {
				continue
			}
			h.on(name, handler)
			h.logger.Debug("Registered handler", zap.String("event", name))
		}
		return nil
	}

	conn, ok := ev.Arg(1).(router.Connection)
	if !ok {
		return fmt.Errorf("subscribe: expected handlers or (topics, connection), got %T, %T", ev.Arg(0), ev.Arg(1))
	}

	topics, err := topicList(ev.Arg(0))
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	h.Subscribe(conn, topics...)
	return nil
}

func (h *Hub) handleUnsubscribe(ctx context.Context, data any, conn router.Connection) error {
	if data == router.WildcardTopic {
		h.UnsubscribeAll(conn)
		return nil
	}

	topics, err := topicList(data)
	if err != nil {
		return fmt.Errorf("unsubscribe: %w", err)
	}
	h.Unsubscribe(conn, topics...)
	return nil
}

// get-events is emitted with a callback by the router on accept, and as
// (data, conn) when a client asks again.
func (h *Hub) handleGetEvents(ctx context.Context, ev bus.Event) error {
	if reply, ok := ev.Arg(0).(router.ReplyFunc); ok {
		reply(nil, h.Directory())
		return nil
	}
	if conn, ok := ev.Arg(1).(router.Connection); ok {
		return conn.SendEnvelope(ctx, router.Envelope{Type: router.TypeAvailableEvents, Data: h.Directory()})
	}
	return fmt.Errorf("get-events: no callback or connection")
}

func (h *Hub) handleBroadcast(ctx context.Context, ev bus.Event) error {
	topic, ok := ev.Arg(0).(string)
	if !ok || topic == "" {
		return fmt.Errorf("broadcast: topic must be a non-empty string, got %T", ev.Arg(0))
	}
	h.Broadcast(ctx, topic, ev.Arg(1))
	return nil
}

// Directory lists the events a client may emit: every exact event name with
// a handler on the bus, minus the internal ones, sorted.
func (h *Hub) Directory() []string {
	events := h.eventBus.Events()
	out := make([]string, 0, len(events))
	for _, name := range events {
		if _, ok := h.internal[name]; !ok {
			out = append(out, name)
		}
	}
	return out
}

// Subscribe adds topic patterns for conn. Patterns already held are ignored.
func (h *Hub) Subscribe(conn router.Connection, topics ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub := h.find(conn)
	if sub == nil {
		sub = &subscriber{conn: conn}
		h.subscribers = append(h.subscribers, sub)
	}
	for _, topic := range topics {
		if !slices.Contains(sub.topics, topic) {
			sub.topics = append(sub.topics, topic)
		}
	}

	h.logger.Debug("Subscribed", zap.String("conn_id", conn.ID()), zap.Strings("topics", topics))
}

func (h *Hub) Unsubscribe(conn router.Connection, topics ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub := h.find(conn)
	if sub == nil {
		return
	}
	sub.topics = slices.DeleteFunc(sub.topics, func(t string) bool {
		return slices.Contains(topics, t)
	})
	if len(sub.topics) == 0 {
		h.remove(sub)
	}
}

func (h *Hub) UnsubscribeAll(conn router.Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if sub := h.find(conn); sub != nil {
		h.remove(sub)
		h.logger.Debug("Unsubscribed from all topics", zap.String("conn_id", conn.ID()))
	}
}

// Subscriptions returns conn's topic patterns in subscription order.
func (h *Hub) Subscriptions(conn router.Connection) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if sub := h.find(conn); sub != nil {
		return slices.Clone(sub.topics)
	}
	return nil
}

func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Broadcast sends {type: topic, data} to every connection holding a pattern
// that matches topic, once per connection, and returns how many were queued.
func (h *Hub) Broadcast(ctx context.Context, topic string, data any) int {
	h.mu.Lock()
	var targets []router.Connection
	for _, sub := range h.subscribers {
		for _, pattern := range sub.topics {
			if bus.Matches(pattern, topic) {
				targets = append(targets, sub.conn)
				break
			}
		}
	}
	h.mu.Unlock()

	sent := 0
	env := router.Envelope{Type: topic, Data: data}
	for _, conn := range targets {
		if err := conn.SendEnvelope(ctx, env); err != nil {
			h.logger.Debug("Broadcast send failed",
				zap.String("conn_id", conn.ID()),
				zap.String("topic", topic),
				zap.Error(err),
			)
			continue
		}
		sent++
	}
	return sent
}

func (h *Hub) find(conn router.Connection) *subscriber {
	for _, sub := range h.subscribers {
		if sub.conn == conn {
			return sub
		}
	}
	return nil
}

func (h *Hub) remove(target *subscriber) {
	h.subscribers = slices.DeleteFunc(h.subscribers, func(s *subscriber) bool {
		return s == target
	})
}

// topicList accepts a topic string or a JSON list of topic strings.
func topicList(v any) ([]string, error) {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil, fmt.Errorf("empty topic")
		}
		return []string{t}, nil
	case []string:
		return t, nil
	case []any:
		topics := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok || s == "" {
				return nil, fmt.Errorf("topic list must hold non-empty strings, got %T", item)
			}
			topics = append(topics, s)
		}
		return topics, nil
	default:
		return nil, fmt.Errorf("topic must be a string or list of strings, got %T", v)
	}
}
