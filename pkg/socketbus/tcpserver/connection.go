package tcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tsarna/socketbus/pkg/socketbus/router"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Connection is one TCP client. Outbound envelopes are encoded as one JSON
// document followed by a newline.
type Connection struct {
	id        string
	lifecycle router.Lifecycle

	ctx    context.Context
	cancel context.CancelFunc
	conn   net.Conn
	router *router.Router
	logger *zap.Logger
	config *ListenerConfig

	limiter  *rate.Limiter
	outbound chan router.Envelope
	done     chan struct{}

	senderDone  chan struct{}
	cleanupOnce sync.Once
}

var _ router.Connection = (*Connection)(nil)

func newConnection(nc net.Conn, l *Listener) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()

	return &Connection{
		id:         id,
		ctx:        ctx,
		cancel:     cancel,
		conn:       nc,
		router:     l.router,
		logger:     l.logger.With(zap.String("conn_id", id)),
		config:     l.config,
		limiter:    rate.NewLimiter(l.config.rateLimit, l.config.rateBurst),
		outbound:   make(chan router.Envelope, l.config.queueSize),
		done:       make(chan struct{}),
		senderDone: make(chan struct{}),
	}
}

func (c *Connection) ID() string                   { return c.id }
func (c *Connection) Kind() router.Kind            { return router.KindTCP }
func (c *Connection) RemoteAddr() string           { return c.conn.RemoteAddr().String() }
func (c *Connection) Lifecycle() *router.Lifecycle { return &c.lifecycle }

// SendEnvelope queues env for the sender goroutine. It never blocks.
func (c *Connection) SendEnvelope(ctx context.Context, env router.Envelope) error {
	select {
	case <-c.done:
		return router.ErrConnectionClosed
	default:
	}

	select {
	case c.outbound <- env:
		return nil
	case <-c.done:
		return router.ErrConnectionClosed
	default:
		c.logger.Warn("Outbound queue full, dropping envelope", zap.String("type", env.Type))
		return router.ErrQueueFull
	}
}

// Close closes the socket; the reader then runs the disconnect sequence.
func (c *Connection) Close() error {
	c.cancel()
	return c.conn.Close()
}

func (c *Connection) run() {
	go c.messageSender()

	if err := c.router.Accept(c.ctx, c); err != nil {
		c.logger.Error("Router refused connection", zap.Error(err))
		c.cleanup()
		return
	}

	c.messageReader()

	c.router.Drop(c.ctx, c)
	c.cleanup()
}

func (c *Connection) messageSender() {
	defer close(c.senderDone)

	enc := json.NewEncoder(c.conn)
	enc.SetEscapeHTML(false)

	for {
		select {
		case env := <-c.outbound:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.config.writeTimeout))
			// Encode terminates each document with a newline.
			if err := enc.Encode(env); err != nil {
				var ue *json.UnsupportedTypeError
				var uv *json.UnsupportedValueError
				var me *json.MarshalerError
				if errors.As(err, &ue) || errors.As(err, &uv) || errors.As(err, &me) {
					c.logger.Warn("Failed to encode envelope", zap.String("type", env.Type), zap.Error(err))
					continue
				}
				c.logger.Debug("TCP write failed, stopping sender", zap.Error(err))
				_ = c.Close()
				return
			}

		case <-c.done:
			return
		}
	}
}

// messageReader decodes JSON documents straight off the stream. Documents
// need no terminator; whitespace or newlines between them are skipped. After
// malformed input the rest of that line is discarded and decoding resumes.
func (c *Connection) messageReader() {
	defer c.logger.Debug("Message reader stopped")

	stream := &limitedStream{r: c.conn, max: int64(c.config.maxMessageSize)}
	dec := stream.decoder(nil)

	for {
		if c.config.readTimeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.config.readTimeout))
		}

		var raw json.RawMessage
		err := dec.Decode(&raw)

		var syntaxErr *json.SyntaxError
		switch {
		case err == nil:
			if len(raw) > c.config.maxMessageSize {
				c.logTooLarge()
				return
			}
			if !c.dispatch(raw) {
				return
			}

		case errors.As(err, &syntaxErr):
			pending, _ := io.ReadAll(dec.Buffered())
			bad, rest := splitLine(pending)
			if bad = bytes.TrimSpace(bad); len(bad) > 0 && !c.dispatch(bad) {
				return
			}
			dec = stream.decoder(rest)

		default:
			c.logReadError(err)
			return
		}

		if c.ctx.Err() != nil {
			return
		}
	}
}

// dispatch hands one document to the router, waiting on the rate limiter
// first. It reports false once the connection is shutting down.
func (c *Connection) dispatch(raw []byte) bool {
	if err := c.limiter.Wait(c.ctx); err != nil {
		return false
	}
	// Malformed input is logged and counted by the router.
	_ = c.router.HandleRaw(c.ctx, c, raw)
	return true
}

func (c *Connection) logTooLarge() {
	c.logger.Warn("Message exceeds maximum size, closing connection",
		zap.Int("max_message_size", c.config.maxMessageSize),
	)
}

func (c *Connection) logReadError(err error) {
	var ne net.Error
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		c.logger.Debug("TCP connection closed")
	case errors.Is(err, errMessageTooLarge):
		c.logTooLarge()
	case errors.Is(err, io.ErrUnexpectedEOF):
		c.logger.Debug("TCP connection closed mid-message")
	case errors.As(err, &ne) && ne.Timeout():
		c.logger.Debug("TCP read timeout")
	default:
		c.logger.Debug("TCP read failed", zap.Error(err))
	}
}

// splitLine splits b after its first newline. Without a newline all of b
// is the line.
func splitLine(b []byte) (line, rest []byte) {
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		return b[:i], b[i+1:]
	}
	return b, nil
}

var errMessageTooLarge = errors.New("message exceeds maximum size")

// limitedStream fails reads once the decoder holds more than max bytes it
// has not yet turned into a document.
type limitedStream struct {
	r    io.Reader
	max  int64
	read int64
	dec  *json.Decoder
}

func (s *limitedStream) Read(p []byte) (int, error) {
	if s.read-s.dec.InputOffset() > s.max {
		return 0, errMessageTooLarge
	}
	n, err := s.r.Read(p)
	s.read += int64(n)
	return n, err
}

// decoder starts a fresh decoder over prefix followed by the rest of the
// stream. A json.Decoder cannot continue past a syntax error.
func (s *limitedStream) decoder(prefix []byte) *json.Decoder {
	s.read = int64(len(prefix))
	s.dec = json.NewDecoder(io.MultiReader(bytes.NewReader(prefix), s))
	return s.dec
}

func (c *Connection) cleanup() {
	c.cleanupOnce.Do(func() {
		close(c.done)
		<-c.senderDone
		c.cancel()
		_ = c.conn.Close()
	})
}
