package wsserver

import (
	"fmt"
	"time"

	"github.com/tsarna/socketbus/pkg/socketbus/router"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ListenerConfig holds the configuration for creating a WebSocket Listener.
// Use NewListenerConfig() to create a new configuration and chain methods
// to set the required parameters before calling Build().
type ListenerConfig struct {
	router         *router.Router
	logger         *zap.Logger
	queueSize      int
	pingInterval   time.Duration
	readTimeout    time.Duration
	writeTimeout   time.Duration
	maxMessageSize int64
	rateLimit      rate.Limit
	rateBurst      int
	originPatterns []string
}

const (
	// DefaultQueueSize is the number of outbound envelopes buffered per
	// connection before sends fail with router.ErrQueueFull.
	DefaultQueueSize = 256

	// DefaultPingInterval is the interval between WebSocket ping frames.
	// A ping that is not answered within the write timeout closes the
	// connection.
	DefaultPingInterval = 30 * time.Second

	// DefaultWriteTimeout bounds each frame write.
	DefaultWriteTimeout = 10 * time.Second

	// DefaultMaxMessageSize is the largest inbound frame accepted.
	DefaultMaxMessageSize = 1 << 20
)

// NewListenerConfig creates a new ListenerConfig for building a WebSocket Listener.
//
// Example:
//
//	listener, err := wsserver.NewListenerConfig().
//	    WithRouter(r).
//	    WithLogger(logger).
//	    WithQueueSize(512).
//	    WithPingInterval(45 * time.Second).
//	    Build()
func NewListenerConfig() *ListenerConfig {
	return &ListenerConfig{
		queueSize:      DefaultQueueSize,
		pingInterval:   DefaultPingInterval,
		writeTimeout:   DefaultWriteTimeout,
		maxMessageSize: DefaultMaxMessageSize,
		rateLimit:      rate.Inf,
	}
}

// WithRouter sets the Router that inbound messages are handed to. Required.
func (c *ListenerConfig) WithRouter(r *router.Router) *ListenerConfig {
	c.router = r
	return c
}

// WithLogger sets the Logger for the WebSocket Listener. Required.
func (c *ListenerConfig) WithLogger(logger *zap.Logger) *ListenerConfig {
	c.logger = logger
	return c
}

// WithQueueSize sets the per-connection outbound queue size. Must be positive.
//
// Default: 256 envelopes per connection
func (c *ListenerConfig) WithQueueSize(size int) *ListenerConfig {
	if size > 0 {
		c.queueSize = size
	}
	return c
}

// WithPingInterval sets the interval for sending WebSocket ping frames.
// Set to 0 to disable ping/pong health monitoring.
//
// Default: 30 seconds
func (c *ListenerConfig) WithPingInterval(interval time.Duration) *ListenerConfig {
	if interval >= 0 {
		c.pingInterval = interval
	}
	return c
}

// WithReadTimeout closes connections that send nothing for the given time.
// Pongs do not count as traffic. Zero disables the timeout.
//
// Default: disabled
func (c *ListenerConfig) WithReadTimeout(timeout time.Duration) *ListenerConfig {
	if timeout >= 0 {
		c.readTimeout = timeout
	}
	return c
}

// WithWriteTimeout sets the timeout for each write to a client.
//
// Default: 10 seconds
func (c *ListenerConfig) WithWriteTimeout(timeout time.Duration) *ListenerConfig {
	if timeout > 0 {
		c.writeTimeout = timeout
	}
	return c
}

// WithMaxMessageSize sets the read limit for inbound frames in bytes.
//
// Default: 1 MiB
func (c *ListenerConfig) WithMaxMessageSize(size int64) *ListenerConfig {
	if size > 0 {
		c.maxMessageSize = size
	}
	return c
}

// WithRateLimit limits each connection to perSecond inbound messages with
// the given burst. Readers wait rather than drop when over the limit.
// A non-positive perSecond removes the limit.
//
// Default: unlimited
func (c *ListenerConfig) WithRateLimit(perSecond float64, burst int) *ListenerConfig {
	if perSecond <= 0 {
		c.rateLimit = rate.Inf
		c.rateBurst = 0
		return c
	}
	if burst < 1 {
		burst = 1
	}
	c.rateLimit = rate.Limit(perSecond)
	c.rateBurst = burst
	return c
}

// WithOriginPatterns sets the host patterns accepted in the Origin header
// of browser clients, in addition to the request's own host.
func (c *ListenerConfig) WithOriginPatterns(patterns ...string) *ListenerConfig {
	c.originPatterns = make([]string, len(patterns))
	copy(c.originPatterns, patterns)
	return c
}

// IsValid checks if the configuration has all required parameters set.
func (c *ListenerConfig) IsValid() error {
	var missing []string
	if c.router == nil {
		missing = append(missing, "Router")
	}
	if c.logger == nil {
		missing = append(missing, "Logger")
	}

	if len(missing) > 0 {
		return fmt.Errorf("invalid listener configuration, missing: %v", missing)
	}

	return nil
}

// Build creates a new WebSocket Listener from the configuration.
func (c *ListenerConfig) Build() (*Listener, error) {
	if err := c.IsValid(); err != nil {
		return nil, err
	}

	return newListener(c), nil
}
