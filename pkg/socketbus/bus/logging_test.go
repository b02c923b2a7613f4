package bus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoggingHandlerWrapsAndLogs(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)

	wrapped := &recorder{}
	h := NewNamedLoggingHandler(wrapped, logger, zap.DebugLevel, "test")

	ev := Event{Name: "room.create", Args: []any{"x", []byte("y"), nil, 3}}
	require.NoError(t, h.HandleEvent(context.Background(), ev))

	assert.Len(t, wrapped.Events(), 1)
	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "Event dispatched", entry.Message)
	assert.Equal(t, "room.create", entry.ContextMap()["event"])
	assert.Equal(t, "test", entry.ContextMap()["handler"])
}

func TestStatusLoggerJoinsArgs(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	s := NewStatusLogger(zap.New(core))

	err := s.HandleEvent(context.Background(), Event{
		Name: "status",
		Args: []any{"TCP Socket listening on port:", 9000},
	})
	require.NoError(t, err)

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "TCP Socket listening on port: 9000", logs.All()[0].Message)
}
