// Package routertest provides an in-memory router.Connection for tests.
package routertest

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/tsarna/socketbus/pkg/socketbus/router"
)

// Conn records every envelope sent to it.
type Conn struct {
	id        string
	kind      router.Kind
	lifecycle router.Lifecycle

	mu     sync.Mutex
	sent   []router.Envelope
	closed bool
}

func NewConn(kind router.Kind) *Conn {
	return &Conn{id: uuid.NewString(), kind: kind}
}

func (c *Conn) ID() string                   { return c.id }
func (c *Conn) Kind() router.Kind            { return c.kind }
func (c *Conn) RemoteAddr() string           { return "pipe" }
func (c *Conn) Lifecycle() *router.Lifecycle { return &c.lifecycle }

func (c *Conn) SendEnvelope(_ context.Context, env router.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return router.ErrConnectionClosed
	}
	c.sent = append(c.sent, env)
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Sent returns a copy of what has been sent so far.
func (c *Conn) Sent() []router.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]router.Envelope, len(c.sent))
	copy(out, c.sent)
	return out
}

// SentOfType returns the sent envelopes whose type is t.
func (c *Conn) SentOfType(t string) []router.Envelope {
	var out []router.Envelope
	for _, env := range c.Sent() {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}
