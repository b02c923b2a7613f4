package bus

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggingHandler wraps another handler and logs every event it sees.
// If the wrapped handler is nil, it acts as a standalone logging handler.
type LoggingHandler struct {
	wrapped  Handler
	logger   *zap.Logger
	logLevel zapcore.Level
	name     string
}

// NewLoggingHandler creates a LoggingHandler. wrapped may be nil.
func NewLoggingHandler(wrapped Handler, logger *zap.Logger, logLevel zapcore.Level) *LoggingHandler {
	return NewNamedLoggingHandler(wrapped, logger, logLevel, "LoggingHandler")
}

// NewNamedLoggingHandler creates a LoggingHandler with a custom name for identification in logs.
func NewNamedLoggingHandler(wrapped Handler, logger *zap.Logger, logLevel zapcore.Level, name string) *LoggingHandler {
	return &LoggingHandler{
		wrapped:  wrapped,
		logger:   logger,
		logLevel: logLevel,
		name:     name,
	}
}

func (l *LoggingHandler) HandleEvent(ctx context.Context, ev Event) error {
	args := make([]string, len(ev.Args))
	for i, arg := range ev.Args {
		args[i] = describe(arg)
	}

	l.logger.Log(l.logLevel, "Event dispatched",
		zap.String("handler", l.name),
		zap.String("event", ev.Name),
		zap.Strings("args", args),
		zap.Any("fields", ev.Fields),
		zap.Bool("hasWrapped", l.wrapped != nil),
	)

	if l.wrapped != nil {
		return l.wrapped.HandleEvent(ctx, ev)
	}
	return nil
}

// StatusLogger renders status(message, args...) events as one Info line
// with the arguments joined by spaces.
type StatusLogger struct {
	logger *zap.Logger
}

func NewStatusLogger(logger *zap.Logger) *StatusLogger {
	return &StatusLogger{logger: logger}
}

func (s *StatusLogger) HandleEvent(ctx context.Context, ev Event) error {
	parts := make([]string, len(ev.Args))
	for i, arg := range ev.Args {
		parts[i] = describe(arg)
	}
	s.logger.Info(strings.Join(parts, " "))
	return nil
}

func describe(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return "<nil>"
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}
