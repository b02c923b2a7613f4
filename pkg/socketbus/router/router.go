// Package router is the dispatch core of socketbus. It turns inbound
// envelopes from any transport into bus events, and turns handler replies
// back into writes on the connection the request came from.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/tsarna/socketbus/pkg/socketbus/bus"
	"github.com/tsarna/socketbus/pkg/socketbus/o11y"
	"github.com/tsarna/socketbus/pkg/socketbus/registry"
	"go.uber.org/zap"
)

// Router classifies inbound messages, emits them on the event bus and owns
// the connection registry.
type Router struct {
	eventBus     bus.EventBus
	logger       *zap.Logger
	systemEvents map[string]struct{}
	connections  *registry.Registry[Kind, Connection]
	metrics      *Metrics
}

// RouterConfig builds a Router.
type RouterConfig struct {
	eventBus        bus.EventBus
	logger          *zap.Logger
	systemEvents    []string
	metricsProvider o11y.MetricsProvider
}

func NewRouterConfig() *RouterConfig {
	return &RouterConfig{
		systemEvents: DefaultSystemEvents,
	}
}

func (c *RouterConfig) WithEventBus(eventBus bus.EventBus) *RouterConfig {
	c.eventBus = eventBus
	return c
}

func (c *RouterConfig) WithLogger(logger *zap.Logger) *RouterConfig {
	c.logger = logger
	return c
}

// WithSystemEvents replaces the set of event types that are dispatched with
// the raw connection rather than a reply callback.
func (c *RouterConfig) WithSystemEvents(events ...string) *RouterConfig {
	c.systemEvents = make([]string, len(events))
	copy(c.systemEvents, events)
	return c
}

func (c *RouterConfig) WithMetrics(provider o11y.MetricsProvider) *RouterConfig {
	c.metricsProvider = provider
	return c
}

func (c *RouterConfig) IsValid() error {
	var missing []string
	if c.eventBus == nil {
		missing = append(missing, "EventBus")
	}
	if c.logger == nil {
		missing = append(missing, "Logger")
	}
	if len(missing) > 0 {
		return fmt.Errorf("invalid router configuration, missing: %v", missing)
	}
	return nil
}

func (c *RouterConfig) Build() (*Router, error) {
	if err := c.IsValid(); err != nil {
		return nil, err
	}

	systemEvents := make(map[string]struct{}, len(c.systemEvents))
	for _, e := range c.systemEvents {
		systemEvents[e] = struct{}{}
	}

	return &Router{
		eventBus:     c.eventBus,
		logger:       c.logger.With(zap.String("component", "router")),
		systemEvents: systemEvents,
		connections:  registry.New[Kind, Connection](),
		metrics:      NewMetrics(c.metricsProvider),
	}, nil
}

func (r *Router) EventBus() bus.EventBus {
	return r.eventBus
}

// IsSystemEvent reports whether eventType is in the configured system set.
func (r *Router) IsSystemEvent(eventType string) bool {
	_, ok := r.systemEvents[eventType]
	return ok
}

// Connections returns the open connections of one kind in accept order.
func (r *Router) Connections(kind Kind) []Connection {
	return r.connections.Snapshot(kind)
}

func (r *Router) ConnectionCount(kind Kind) int {
	return r.connections.Len(kind)
}

// Accept opens conn, registers it, emits connect, and asks the event
// directory for the available-events message that must be the first thing
// the client receives.
func (r *Router) Accept(ctx context.Context, conn Connection) error {
	if !conn.Lifecycle().Transition(StateConnecting, StateOpen) {
		return ErrAlreadyAccepted
	}

	kind := conn.Kind()
	r.connections.Add(kind, conn)
	r.metrics.RecordConnectionOpen(ctx, kind, r.connections.Len(kind))

	r.logger.Debug("Connection accepted",
		zap.String("id", conn.ID()),
		zap.Stringer("kind", kind),
		zap.String("remote_addr", conn.RemoteAddr()),
	)

	// connect must pair with the disconnect Drop always emits, so it waits
	// for queue room even if the transport is already going away.
	ctx = context.WithoutCancel(ctx)

	if err := r.eventBus.EmitBlocking(ctx, EventConnect, conn); err != nil {
		r.logger.Warn("Failed to emit connect", zap.String("id", conn.ID()), zap.Error(err))
	}

	if err := r.eventBus.EmitBlocking(ctx, EventGetEvents, r.directoryReply(ctx, conn)); err != nil {
		r.logger.Warn("Failed to request event directory", zap.String("id", conn.ID()), zap.Error(err))
	}

	return nil
}

func (r *Router) directoryReply(ctx context.Context, conn Connection) ReplyFunc {
	var sent atomic.Bool
	return func(err error, results any) {
		if !sent.CompareAndSwap(false, true) {
			r.logger.Warn("Event directory answered more than once", zap.String("id", conn.ID()))
			return
		}
		if err != nil {
			r.logger.Warn("Event directory returned an error", zap.String("id", conn.ID()), zap.Error(err))
		}
		r.send(ctx, conn, Envelope{Type: TypeAvailableEvents, Data: results})
	}
}

// Drop runs the disconnect sequence once per connection: disconnect and
// then unsubscribe("*") are fully handled, then the connection leaves the
// registry. Later calls are ignored. Both events wait for queue room, and
// both run inline when Drop is called from a handler, so their order holds
// either way.
func (r *Router) Drop(ctx context.Context, conn Connection) {
	lc := conn.Lifecycle()
	if !lc.Transition(StateOpen, StateClosing) {
		// Never accepted: nothing was announced, just mark it dead.
		lc.Transition(StateConnecting, StateClosed)
		return
	}

	// The transport context is usually already cancelled at this point.
	ctx = context.WithoutCancel(ctx)

	if err := r.eventBus.EmitSync(ctx, EventDisconnect, conn); err != nil {
		r.logger.Warn("Failed to emit disconnect", zap.String("id", conn.ID()), zap.Error(err))
	}
	if err := r.eventBus.EmitSync(ctx, EventUnsubscribe, WildcardTopic, conn); err != nil {
		r.logger.Warn("Wildcard unsubscribe failed", zap.String("id", conn.ID()), zap.Error(err))
	}

	kind := conn.Kind()
	r.connections.Remove(kind, conn)
	lc.Transition(StateClosing, StateClosed)
	r.metrics.RecordConnectionClosed(ctx, kind, r.connections.Len(kind), lc.OpenFor())

	r.logger.Debug("Connection dropped",
		zap.String("id", conn.ID()),
		zap.Stringer("kind", kind),
	)
}

// HandleRaw decodes one inbound JSON document from conn and dispatches it.
// Malformed documents are logged and dropped; the error is returned so the
// transport can count it, but the connection stays usable.
func (r *Router) HandleRaw(ctx context.Context, conn Connection, raw []byte) error {
	if conn.Lifecycle().State() != StateOpen {
		return ErrConnectionClosed
	}

	msg, err := Decode(raw)
	if err != nil {
		r.metrics.RecordMalformed(ctx, conn.Kind())
		r.logger.Warn("Dropping malformed message",
			zap.String("id", conn.ID()),
			zap.Stringer("kind", conn.Kind()),
			zap.Int("length", len(raw)),
			zap.Error(err),
		)
		return err
	}

	return r.HandleMessage(ctx, msg, conn)
}

// HandleMessage emits msg on the bus.
//
// System events are emitted as (data, conn). Everything else is emitted as
// (payload, reply), where payload is the data, or the reply itself when the
// message had none.
func (r *Router) HandleMessage(ctx context.Context, msg Message, conn Connection) error {
	if conn.Lifecycle().State() != StateOpen {
		return ErrConnectionClosed
	}

	system := r.IsSystemEvent(msg.Type)
	r.metrics.RecordMessage(ctx, conn.Kind(), system)

	if system {
		return r.eventBus.EmitBlocking(ctx, msg.Type, msg.Data, conn)
	}

	reply := r.NewReply(ctx, conn, msg.Type)
	payload := ValuePayload(msg.Data)
	if !msg.HasData {
		payload = ReplyPayload(reply)
	}

	return r.eventBus.EmitBlocking(ctx, msg.Type, payload, reply)
}

// NewReply builds the reply callback for a request of requestType received
// on conn. The first call sends {type: ReplyType(requestType), data}; later
// calls are logged and dropped. A non-nil err is logged but does not change
// the envelope.
func (r *Router) NewReply(ctx context.Context, conn Connection, requestType string) ReplyFunc {
	replyType := ReplyType(requestType)
	var sent atomic.Bool

	return func(err error, data any) {
		if !sent.CompareAndSwap(false, true) {
			r.metrics.RecordDuplicateReply(ctx, conn.Kind())
			r.logger.Warn("Reply already sent, dropping duplicate",
				zap.String("id", conn.ID()),
				zap.String("type", replyType),
			)
			return
		}

		if err != nil {
			r.logger.Warn("Handler replied with error",
				zap.String("id", conn.ID()),
				zap.String("type", requestType),
				zap.Error(err),
			)
		}

		sendErr := r.send(ctx, conn, Envelope{Type: replyType, Data: data})
		r.metrics.RecordReply(ctx, conn.Kind(), err, sendErr)
	}
}

func (r *Router) send(ctx context.Context, conn Connection, env Envelope) error {
	err := conn.SendEnvelope(ctx, env)
	switch {
	case err == nil:
	case errors.Is(err, ErrConnectionClosed):
		r.logger.Debug("Send on closed connection ignored",
			zap.String("id", conn.ID()),
			zap.String("type", env.Type),
		)
	default:
		r.logger.Warn("Failed to send envelope",
			zap.String("id", conn.ID()),
			zap.String("type", env.Type),
			zap.Error(err),
		)
	}
	return err
}
