package bus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tsarna/socketbus/pkg/socketbus/o11y"
	"go.uber.org/zap"
)

var (
	ErrNotStarted = errors.New("event bus not started")
	ErrStopped    = errors.New("event bus stopped")
	ErrBusFull    = errors.New("event bus channel full")
)

// EventBus is a named-event emitter. Emissions are queued on a single FIFO
// channel and delivered to handlers by one dispatch goroutine, so handlers
// never run concurrently with each other.
type EventBus interface {
	Start() error
	Stop() error

	// On registers handler for every event whose name matches pattern and
	// returns a function that removes the registration.
	On(pattern string, handler Handler) (cancel func())

	// Emit queues an event and returns immediately. A full queue drops the
	// event with ErrBusFull.
	Emit(ctx context.Context, name string, args ...any) error

	// EmitBlocking queues an event, waiting for room while the queue is
	// full. It does not wait for handlers.
	EmitBlocking(ctx context.Context, name string, args ...any) error

	// EmitSync queues an event and waits until every matching handler has
	// run. Called from inside a handler it dispatches inline.
	EmitSync(ctx context.Context, name string, args ...any) error

	// Events lists the exact (non-wildcard) names that have handlers.
	Events() []string
	HandlerCount(name string) int
}

type emission struct {
	ctx  context.Context
	name string
	args []any
	done chan error // nil for async emissions
}

type registration struct {
	pattern string
	match   matcher
	handler Handler
}

type dispatchKey struct{}

type basicEventBus struct {
	ch      chan emission
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started int32
	logger  *zap.Logger
	busName string

	mu            sync.RWMutex
	registrations []*registration

	tracingProvider o11y.TracingProvider

	emitCounter      o11y.Counter
	dropCounter      o11y.Counter
	errorCounter     o11y.Counter
	latencyHistogram o11y.Histogram
}

func (b *basicEventBus) setupObservability(metrics o11y.MetricsProvider) {
	if metrics == nil {
		return
	}
	b.emitCounter = metrics.Counter("socketbus_events_emitted_total")
	b.dropCounter = metrics.Counter("socketbus_events_dropped_total")
	b.errorCounter = metrics.Counter("socketbus_handler_errors_total")
	b.latencyHistogram = metrics.Histogram("socketbus_dispatch_duration_seconds")
}

// Start begins the dispatch goroutine.
func (b *basicEventBus) Start() error {
	if !atomic.CompareAndSwapInt32(&b.started, 0, 1) {
		return fmt.Errorf("event bus already started")
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.logger.Info("EventBus started", zap.String("bus", b.busName))

		for {
			select {
			case msg := <-b.ch:
				err := b.dispatch(msg)
				if msg.done != nil {
					msg.done <- err
				}
			case <-b.ctx.Done():
				b.drain()
				b.logger.Info("EventBus stopping", zap.String("bus", b.busName))
				return
			}
		}
	}()

	return nil
}

// drain fails any queued synchronous emissions so their callers return.
func (b *basicEventBus) drain() {
	for {
		select {
		case msg := <-b.ch:
			if msg.done != nil {
				msg.done <- ErrStopped
			}
		default:
			return
		}
	}
}

// Stop shuts down the dispatch goroutine. Queued async emissions are discarded.
func (b *basicEventBus) Stop() error {
	if !atomic.CompareAndSwapInt32(&b.started, 1, 2) {
		return ErrNotStarted
	}

	b.cancel()
	b.wg.Wait()

	b.logger.Info("EventBus stopped", zap.String("bus", b.busName))
	return nil
}

func (b *basicEventBus) On(pattern string, handler Handler) func() {
	reg := &registration{
		pattern: pattern,
		match:   makeMatcher(pattern),
		handler: handler,
	}

	b.mu.Lock()
	b.registrations = append(b.registrations, reg)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, r := range b.registrations {
				if r == reg {
					b.registrations = append(b.registrations[:i:i], b.registrations[i+1:]...)
					return
				}
			}
		})
	}
}

func (b *basicEventBus) Events() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	seen := make(map[string]struct{}, len(b.registrations))
	names := make([]string, 0, len(b.registrations))
	for _, r := range b.registrations {
		if IsPattern(r.pattern) {
			continue
		}
		if _, ok := seen[r.pattern]; ok {
			continue
		}
		seen[r.pattern] = struct{}{}
		names = append(names, r.pattern)
	}
	sort.Strings(names)
	return names
}

func (b *basicEventBus) HandlerCount(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := 0
	for _, r := range b.registrations {
		if ok, _ := r.match(name); ok {
			count++
		}
	}
	return count
}

func (b *basicEventBus) Emit(ctx context.Context, name string, args ...any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return b.accept(emission{ctx: ctx, name: name, args: args})
}

func (b *basicEventBus) EmitBlocking(ctx context.Context, name string, args ...any) error {
	if ctx == nil {
		ctx = context.Background()
	}

	msg := emission{ctx: ctx, name: name, args: args}
	if ctx.Value(dispatchKey{}) == b {
		// The queue only drains on this goroutine, so waiting would deadlock.
		err := b.accept(msg)
		if errors.Is(err, ErrBusFull) {
			return b.dispatch(msg)
		}
		return err
	}
	return b.enqueue(msg)
}

func (b *basicEventBus) EmitSync(ctx context.Context, name string, args ...any) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var span o11y.Span
	if b.tracingProvider != nil {
		ctx, span = b.tracingProvider.StartSpan(ctx, "eventbus.emit_sync")
		defer span.End()
		span.SetAttributes(o11y.Label{Key: "event", Value: name})
	}

	var err error
	if ctx.Value(dispatchKey{}) == b {
		// Already on the dispatch goroutine; queueing would deadlock.
		err = b.dispatch(emission{ctx: ctx, name: name, args: args})
	} else {
		done := make(chan error, 1)
		if err = b.enqueue(emission{ctx: ctx, name: name, args: args, done: done}); err == nil {
			select {
			case err = <-done:
			case <-ctx.Done():
				err = ctx.Err()
			case <-b.ctx.Done():
				err = ErrStopped
			}
		}
	}

	if span != nil {
		if err != nil {
			span.SetStatus(o11y.SpanStatusError, err.Error())
		} else {
			span.SetStatus(o11y.SpanStatusOK, "")
		}
	}

	return err
}

// enqueue is accept without the drop: it waits for room until the caller's
// context or the bus is done.
func (b *basicEventBus) enqueue(msg emission) error {
	if atomic.LoadInt32(&b.started) != 1 {
		b.logger.Warn("Event bus not running, event ignored", zap.String("event", msg.name))
		return ErrNotStarted
	}

	if b.emitCounter != nil {
		b.emitCounter.Add(msg.ctx, 1, o11y.Label{Key: "event", Value: msg.name})
	}

	select {
	case b.ch <- msg:
		return nil
	case <-msg.ctx.Done():
		return msg.ctx.Err()
	case <-b.ctx.Done():
		return ErrStopped
	}
}

func (b *basicEventBus) accept(msg emission) error {
	if atomic.LoadInt32(&b.started) != 1 {
		b.logger.Warn("Event bus not running, event ignored", zap.String("event", msg.name))
		return ErrNotStarted
	}

	if b.emitCounter != nil {
		b.emitCounter.Add(msg.ctx, 1, o11y.Label{Key: "event", Value: msg.name})
	}

	select {
	case b.ch <- msg:
		return nil
	case <-b.ctx.Done():
		return ErrStopped
	default:
		b.logger.Warn("Event bus channel full, event dropped", zap.String("event", msg.name))
		if b.dropCounter != nil {
			b.dropCounter.Add(msg.ctx, 1, o11y.Label{Key: "event", Value: msg.name})
		}
		return ErrBusFull
	}
}

// dispatch runs every handler matching msg.name in registration order and
// returns the first handler error.
func (b *basicEventBus) dispatch(msg emission) error {
	start := time.Now()

	b.mu.RLock()
	regs := make([]*registration, len(b.registrations))
	copy(regs, b.registrations)
	b.mu.RUnlock()

	ctx := context.WithValue(msg.ctx, dispatchKey{}, b)

	var first error
	delivered := 0
	for _, r := range regs {
		ok, fields := r.match(msg.name)
		if !ok {
			continue
		}
		delivered++

		err := b.invoke(ctx, r.handler, Event{Name: msg.name, Args: msg.args, Fields: fields})
		if err != nil {
			b.logger.Error("Error in event handler",
				zap.String("event", msg.name),
				zap.String("pattern", r.pattern),
				zap.Error(err),
			)
			if b.errorCounter != nil {
				b.errorCounter.Add(ctx, 1, o11y.Label{Key: "event", Value: msg.name})
			}
			if first == nil {
				first = err
			}
		}
	}

	if delivered == 0 {
		b.logger.Debug("No handlers for event", zap.String("event", msg.name))
	}

	if b.latencyHistogram != nil {
		b.latencyHistogram.Record(ctx, time.Since(start).Seconds(), o11y.Label{Key: "event", Value: msg.name})
	}

	return first
}

func (b *basicEventBus) invoke(ctx context.Context, h Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler for %q panicked: %v", ev.Name, r)
		}
	}()
	return h.HandleEvent(ctx, ev)
}
