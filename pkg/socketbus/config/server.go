package config

import (
	"fmt"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/tsarna/socketbus/pkg/socketbus/server"
)

type ServerDefinition struct {
	Host           *string        `hcl:"host,optional"`
	WebSocketPorts []int          `hcl:"ws_ports,optional"`
	TCPPorts       []int          `hcl:"tcp_ports,optional"`
	WebSocketPath  *string        `hcl:"ws_path,optional"`
	QueueSize      *int           `hcl:"queue_size,optional"`
	PingInterval   hcl.Expression `hcl:"ping_interval,optional"`
	ReadTimeout    hcl.Expression `hcl:"read_timeout,optional"`
	WriteTimeout   hcl.Expression `hcl:"write_timeout,optional"`
	MaxMessageSize *int           `hcl:"max_message_size,optional"`
	RateLimit      *float64       `hcl:"rate_limit,optional"`
	RateBurst      *int           `hcl:"rate_burst,optional"`
	SystemEvents   []string       `hcl:"system_events,optional"`
	OriginPatterns []string       `hcl:"origin_patterns,optional"`
}

// ServerSettings holds what the server block set. Nil and empty fields
// leave the server defaults in place.
type ServerSettings struct {
	Host           *string
	WebSocketPorts []int
	TCPPorts       []int
	WebSocketPath  *string
	QueueSize      *int
	PingInterval   *time.Duration
	ReadTimeout    *time.Duration
	WriteTimeout   *time.Duration
	MaxMessageSize *int
	RateLimit      *float64
	RateBurst      *int
	SystemEvents   []string
	OriginPatterns []string
}

// Apply copies the settings onto a server builder.
func (s *ServerSettings) Apply(c *server.ServerConfig) *server.ServerConfig {
	if s == nil {
		return c
	}
	if s.Host != nil {
		c.WithHost(*s.Host)
	}
	if len(s.WebSocketPorts) > 0 {
		c.WithWebSocketPorts(s.WebSocketPorts...)
	}
	if len(s.TCPPorts) > 0 {
		c.WithTCPPorts(s.TCPPorts...)
	}
	if s.WebSocketPath != nil {
		c.WithWebSocketPath(*s.WebSocketPath)
	}
	if s.QueueSize != nil {
		c.WithQueueSize(*s.QueueSize)
	}
	if s.PingInterval != nil {
		c.WithPingInterval(*s.PingInterval)
	}
	if s.ReadTimeout != nil {
		c.WithReadTimeout(*s.ReadTimeout)
	}
	if s.WriteTimeout != nil {
		c.WithWriteTimeout(*s.WriteTimeout)
	}
	if s.MaxMessageSize != nil {
		c.WithMaxMessageSize(*s.MaxMessageSize)
	}
	if s.RateLimit != nil {
		burst := 0
		if s.RateBurst != nil {
			burst = *s.RateBurst
		}
		c.WithRateLimit(*s.RateLimit, burst)
	}
	if len(s.SystemEvents) > 0 {
		c.WithSystemEvents(s.SystemEvents...)
	}
	if len(s.OriginPatterns) > 0 {
		c.WithOriginPatterns(s.OriginPatterns...)
	}
	return c
}

type ServerBlockHandler struct {
	BlockHandlerBase

	first *hcl.Range
}

func NewServerBlockHandler() *ServerBlockHandler {
	return &ServerBlockHandler{}
}

func (h *ServerBlockHandler) Preprocess(block *hcl.Block) hcl.Diagnostics {
	if h.first != nil {
		return hcl.Diagnostics{duplicateBlock(block, *h.first)}
	}
	h.first = &block.DefRange
	return nil
}

func (h *ServerBlockHandler) Process(config *Config, block *hcl.Block) hcl.Diagnostics {
	serverDef := ServerDefinition{}
	diags := gohcl.DecodeBody(block.Body, config.evalCtx, &serverDef)
	if diags.HasErrors() {
		return diags
	}

	settings := &ServerSettings{
		Host:           serverDef.Host,
		WebSocketPorts: serverDef.WebSocketPorts,
		TCPPorts:       serverDef.TCPPorts,
		WebSocketPath:  serverDef.WebSocketPath,
		QueueSize:      serverDef.QueueSize,
		MaxMessageSize: serverDef.MaxMessageSize,
		RateLimit:      serverDef.RateLimit,
		RateBurst:      serverDef.RateBurst,
		SystemEvents:   serverDef.SystemEvents,
		OriginPatterns: serverDef.OriginPatterns,
	}

	diags = diags.Extend(config.optionalDuration(serverDef.PingInterval, &settings.PingInterval))
	diags = diags.Extend(config.optionalDuration(serverDef.ReadTimeout, &settings.ReadTimeout))
	diags = diags.Extend(config.optionalDuration(serverDef.WriteTimeout, &settings.WriteTimeout))

	for _, port := range append(append([]int(nil), settings.WebSocketPorts...), settings.TCPPorts...) {
		if port < 0 || port > 65535 {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid port",
				Detail:   fmt.Sprintf("Port %d is out of range", port),
				Subject:  &block.DefRange,
			})
		}
	}
	if settings.RateBurst != nil && settings.RateLimit == nil {
		diags = diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagWarning,
			Summary:  "rate_burst without rate_limit",
			Detail:   "rate_burst has no effect unless rate_limit is set",
			Subject:  &block.DefRange,
		})
	}

	if diags.HasErrors() {
		return diags
	}

	config.Server = settings
	return diags
}
