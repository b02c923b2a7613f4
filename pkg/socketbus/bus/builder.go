package bus

import (
	"context"
	"fmt"

	"github.com/tsarna/socketbus/pkg/socketbus/o11y"
	"go.uber.org/zap"
)

// DefaultBufferSize is the number of queued emissions a bus holds before
// Emit starts dropping.
const DefaultBufferSize = 1000

// EventBusBuilder provides a fluent interface for creating EventBus instances
type EventBusBuilder struct {
	logger          *zap.Logger
	bufferSize      int
	busName         string
	metricsProvider o11y.MetricsProvider
	tracingProvider o11y.TracingProvider
}

// NewEventBus creates a new EventBusBuilder
func NewEventBus() *EventBusBuilder {
	return &EventBusBuilder{
		bufferSize: DefaultBufferSize,
		busName:    "main",
	}
}

func (b *EventBusBuilder) WithLogger(logger *zap.Logger) *EventBusBuilder {
	b.logger = logger
	return b
}

func (b *EventBusBuilder) WithName(name string) *EventBusBuilder {
	b.busName = name
	return b
}

// WithBufferSize sets the capacity of the emission queue.
func (b *EventBusBuilder) WithBufferSize(size int) *EventBusBuilder {
	b.bufferSize = size
	return b
}

func (b *EventBusBuilder) WithMetrics(provider o11y.MetricsProvider) *EventBusBuilder {
	b.metricsProvider = provider
	return b
}

func (b *EventBusBuilder) WithTracing(provider o11y.TracingProvider) *EventBusBuilder {
	b.tracingProvider = provider
	return b
}

// IsValid validates the builder configuration and returns an error if invalid
func (b *EventBusBuilder) IsValid() error {
	if b.bufferSize <= 0 {
		return fmt.Errorf("buffer size must be positive, got %d", b.bufferSize)
	}
	if b.busName == "" {
		return fmt.Errorf("bus name must not be empty")
	}
	return nil
}

// Build creates the EventBus. The bus must still be started with Start.
func (b *EventBusBuilder) Build() (EventBus, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	eb := &basicEventBus{
		ch:              make(chan emission, b.bufferSize),
		ctx:             ctx,
		cancel:          cancel,
		logger:          logger.With(zap.String("component", "bus")),
		busName:         b.busName,
		tracingProvider: b.tracingProvider,
	}
	eb.setupObservability(b.metricsProvider)

	return eb, nil
}
