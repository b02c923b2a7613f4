package tcpserver

import (
	"fmt"
	"time"

	"github.com/tsarna/socketbus/pkg/socketbus/router"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultQueueSize    = 256
	DefaultWriteTimeout = 10 * time.Second

	// DefaultMaxMessageSize caps one inbound JSON document. A larger one
	// closes the connection since the stream cannot be resynchronized.
	DefaultMaxMessageSize = 1 << 20
)

// ListenerConfig configures a TCP Listener.
type ListenerConfig struct {
	router         *router.Router
	logger         *zap.Logger
	queueSize      int
	readTimeout    time.Duration
	writeTimeout   time.Duration
	maxMessageSize int
	rateLimit      rate.Limit
	rateBurst      int
}

func NewListenerConfig() *ListenerConfig {
	return &ListenerConfig{
		queueSize:      DefaultQueueSize,
		writeTimeout:   DefaultWriteTimeout,
		maxMessageSize: DefaultMaxMessageSize,
		rateLimit:      rate.Inf,
	}
}

func (c *ListenerConfig) WithRouter(r *router.Router) *ListenerConfig {
	c.router = r
	return c
}

func (c *ListenerConfig) WithLogger(logger *zap.Logger) *ListenerConfig {
	c.logger = logger
	return c
}

func (c *ListenerConfig) WithQueueSize(size int) *ListenerConfig {
	if size > 0 {
		c.queueSize = size
	}
	return c
}

// WithReadTimeout closes connections idle for longer than timeout. Zero,
// the default, keeps idle connections open.
func (c *ListenerConfig) WithReadTimeout(timeout time.Duration) *ListenerConfig {
	if timeout >= 0 {
		c.readTimeout = timeout
	}
	return c
}

func (c *ListenerConfig) WithWriteTimeout(timeout time.Duration) *ListenerConfig {
	if timeout > 0 {
		c.writeTimeout = timeout
	}
	return c
}

func (c *ListenerConfig) WithMaxMessageSize(size int) *ListenerConfig {
	if size > 0 {
		c.maxMessageSize = size
	}
	return c
}

// WithRateLimit limits each connection to perSecond inbound messages with
// the given burst. A non-positive perSecond removes the limit.
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

func (c *ListenerConfig) Build() (*Listener, error) {
	if err := c.IsValid(); err != nil {
		return nil, err
	}

	return newListener(c), nil
}
