package server

import (
	"fmt"
	"time"

	"github.com/tsarna/socketbus/pkg/socketbus/bus"
	"github.com/tsarna/socketbus/pkg/socketbus/o11y"
	"github.com/tsarna/socketbus/pkg/socketbus/router"
	"github.com/tsarna/socketbus/pkg/socketbus/tcpserver"
	"github.com/tsarna/socketbus/pkg/socketbus/wsserver"
	"go.uber.org/zap"
)

// DefaultWebSocketPath is where WebSocket upgrades are served.
const DefaultWebSocketPath = "/"

// ServerConfig builds a Server. Only the event bus and logger are required;
// a server with no ports configured can still create them later through
// create-ws and create-tcp.
type ServerConfig struct {
	eventBus        bus.EventBus
	logger          *zap.Logger
	metricsProvider o11y.MetricsProvider
	systemEvents    []string

	host     string
	wsPorts  []int
	tcpPorts []int
	wsPath   string

	queueSize      int
	pingInterval   time.Duration
	readTimeout    time.Duration
	writeTimeout   time.Duration
	maxMessageSize int
	rateLimit      float64
	rateBurst      int
	originPatterns []string
}

func NewServerConfig() *ServerConfig {
	return &ServerConfig{
		systemEvents:   router.DefaultSystemEvents,
		wsPath:         DefaultWebSocketPath,
		queueSize:      wsserver.DefaultQueueSize,
		pingInterval:   wsserver.DefaultPingInterval,
		writeTimeout:   wsserver.DefaultWriteTimeout,
		maxMessageSize: tcpserver.DefaultMaxMessageSize,
	}
}

func (c *ServerConfig) WithEventBus(eventBus bus.EventBus) *ServerConfig {
	c.eventBus = eventBus
	return c
}

func (c *ServerConfig) WithLogger(logger *zap.Logger) *ServerConfig {
	c.logger = logger
	return c
}

func (c *ServerConfig) WithMetrics(provider o11y.MetricsProvider) *ServerConfig {
	c.metricsProvider = provider
	return c
}

// WithSystemEvents replaces the event types dispatched with the connection
// instead of a reply callback.
func (c *ServerConfig) WithSystemEvents(events ...string) *ServerConfig {
	c.systemEvents = make([]string, len(events))
	copy(c.systemEvents, events)
	return c
}

// WithHost sets the interface listeners bind to. Empty means all.
func (c *ServerConfig) WithHost(host string) *ServerConfig {
	c.host = host
	return c
}

// WithWebSocketPorts sets the ports Init opens WebSocket listeners on.
func (c *ServerConfig) WithWebSocketPorts(ports ...int) *ServerConfig {
	c.wsPorts = append([]int(nil), ports...)
	return c
}

// WithTCPPorts sets the ports Init opens TCP listeners on.
func (c *ServerConfig) WithTCPPorts(ports ...int) *ServerConfig {
	c.tcpPorts = append([]int(nil), ports...)
	return c
}

func (c *ServerConfig) WithWebSocketPath(path string) *ServerConfig {
	if path != "" {
		c.wsPath = path
	}
	return c
}

func (c *ServerConfig) WithQueueSize(size int) *ServerConfig {
	if size > 0 {
		c.queueSize = size
	}
	return c
}

func (c *ServerConfig) WithPingInterval(interval time.Duration) *ServerConfig {
	if interval >= 0 {
		c.pingInterval = interval
	}
	return c
}

func (c *ServerConfig) WithReadTimeout(timeout time.Duration) *ServerConfig {
	if timeout >= 0 {
		c.readTimeout = timeout
	}
	return c
}

func (c *ServerConfig) WithWriteTimeout(timeout time.Duration) *ServerConfig {
	if timeout > 0 {
		c.writeTimeout = timeout
	}
	return c
}

// WithMaxMessageSize limits inbound WebSocket frames and TCP lines.
func (c *ServerConfig) WithMaxMessageSize(size int) *ServerConfig {
	if size > 0 {
		c.maxMessageSize = size
	}
	return c
}

func (c *ServerConfig) WithRateLimit(perSecond float64, burst int) *ServerConfig {
	c.rateLimit = perSecond
	c.rateBurst = burst
	return c
}

func (c *ServerConfig) WithOriginPatterns(patterns ...string) *ServerConfig {
	c.originPatterns = append([]string(nil), patterns...)
	return c
}

func (c *ServerConfig) IsValid() error {
	var missing []string
	if c.eventBus == nil {
		missing = append(missing, "EventBus")
	}
	if c.logger == nil {
		missing = append(missing, "Logger")
	}
	if len(missing) > 0 {
		return fmt.Errorf("invalid server configuration, missing: %v", missing)
	}

	for _, p := range append(append([]int(nil), c.wsPorts...), c.tcpPorts...) {
		if p < 0 || p > 65535 {
			return fmt.Errorf("invalid server configuration, port %d out of range", p)
		}
	}
	return nil
}

func (c *ServerConfig) Build() (*Server, error) {
	if err := c.IsValid(); err != nil {
		return nil, err
	}

	r, err := router.NewRouterConfig().
		WithEventBus(c.eventBus).
		WithLogger(c.logger).
		WithSystemEvents(c.systemEvents...).
		WithMetrics(c.metricsProvider).
		Build()
	if err != nil {
		return nil, err
	}

	return newServer(c, r), nil
}

func (c *ServerConfig) wsListenerConfig(r *router.Router, logger *zap.Logger) *wsserver.ListenerConfig {
	return wsserver.NewListenerConfig().
		WithRouter(r).
		WithLogger(logger).
		WithQueueSize(c.queueSize).
		WithPingInterval(c.pingInterval).
		WithReadTimeout(c.readTimeout).
		WithWriteTimeout(c.writeTimeout).
		WithMaxMessageSize(int64(c.maxMessageSize)).
		WithRateLimit(c.rateLimit, c.rateBurst).
		WithOriginPatterns(c.originPatterns...)
}

func (c *ServerConfig) tcpListenerConfig(r *router.Router, logger *zap.Logger) *tcpserver.ListenerConfig {
	return tcpserver.NewListenerConfig().
		WithRouter(r).
		WithLogger(logger).
		WithQueueSize(c.queueSize).
		WithReadTimeout(c.readTimeout).
		WithWriteTimeout(c.writeTimeout).
		WithMaxMessageSize(c.maxMessageSize).
		WithRateLimit(c.rateLimit, c.rateBurst)
}
