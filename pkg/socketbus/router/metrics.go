package router

import (
	"context"
	"time"

	"github.com/tsarna/socketbus/pkg/socketbus/o11y"
)

// Metrics holds the instruments the router records to. A nil *Metrics
// records nothing.
type Metrics struct {
	activeConnections  o11y.Gauge
	totalConnections   o11y.Counter
	connectionDuration o11y.Histogram

	messagesReceived  o11y.Counter
	malformedMessages o11y.Counter
	repliesSent       o11y.Counter
	replyErrors       o11y.Counter
	duplicateReplies  o11y.Counter
	sendFailures      o11y.Counter
}

// NewMetrics returns nil when provider is nil.
func NewMetrics(provider o11y.MetricsProvider) *Metrics {
	if provider == nil {
		return nil
	}

	return &Metrics{
		activeConnections:  provider.Gauge("socketbus_active_connections"),
		totalConnections:   provider.Counter("socketbus_connections_total"),
		connectionDuration: provider.Histogram("socketbus_connection_duration_seconds"),

		messagesReceived:  provider.Counter("socketbus_messages_received_total"),
		malformedMessages: provider.Counter("socketbus_malformed_messages_total"),
		repliesSent:       provider.Counter("socketbus_replies_sent_total"),
		replyErrors:       provider.Counter("socketbus_reply_errors_total"),
		duplicateReplies:  provider.Counter("socketbus_duplicate_replies_total"),
		sendFailures:      provider.Counter("socketbus_send_failures_total"),
	}
}

func kindLabel(kind Kind) o11y.Label {
	return o11y.Label{Key: "kind", Value: kind.String()}
}

func (m *Metrics) RecordConnectionOpen(ctx context.Context, kind Kind, active int) {
	if m == nil {
		return
	}
	m.totalConnections.Add(ctx, 1, kindLabel(kind))
	m.activeConnections.Set(ctx, float64(active), kindLabel(kind))
}

func (m *Metrics) RecordConnectionClosed(ctx context.Context, kind Kind, active int, lifetime time.Duration) {
	if m == nil {
		return
	}
	m.activeConnections.Set(ctx, float64(active), kindLabel(kind))
	m.connectionDuration.Record(ctx, lifetime.Seconds(), kindLabel(kind))
}

func (m *Metrics) RecordMessage(ctx context.Context, kind Kind, system bool) {
	if m == nil {
		return
	}
	class := "application"
	if system {
		class = "system"
	}
	m.messagesReceived.Add(ctx, 1, kindLabel(kind), o11y.Label{Key: "class", Value: class})
}

func (m *Metrics) RecordMalformed(ctx context.Context, kind Kind) {
	if m == nil {
		return
	}
	m.malformedMessages.Add(ctx, 1, kindLabel(kind))
}

// RecordReply records one reply send attempt. handlerErr is the error the
// handler passed to the reply callback.
func (m *Metrics) RecordReply(ctx context.Context, kind Kind, handlerErr, sendErr error) {
	if m == nil {
		return
	}
	if handlerErr != nil {
		m.replyErrors.Add(ctx, 1, kindLabel(kind))
	}
	if sendErr != nil {
		m.sendFailures.Add(ctx, 1, kindLabel(kind))
		return
	}
	m.repliesSent.Add(ctx, 1, kindLabel(kind))
}

func (m *Metrics) RecordDuplicateReply(ctx context.Context, kind Kind) {
	if m == nil {
		return
	}
	m.duplicateReplies.Add(ctx, 1, kindLabel(kind))
}
