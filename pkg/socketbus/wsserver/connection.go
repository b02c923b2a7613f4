package wsserver

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/tsarna/socketbus/pkg/socketbus/router"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Connection is one WebSocket client. Every envelope is written by a single
// sender goroutine, so handlers only ever enqueue.
type Connection struct {
	id         string
	remoteAddr string
	lifecycle  router.Lifecycle

	ctx    context.Context
	cancel context.CancelFunc
	conn   *websocket.Conn
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

func newConnection(parent context.Context, conn *websocket.Conn, remoteAddr string, l *Listener) *Connection {
	ctx, cancel := context.WithCancel(parent)
	id := uuid.NewString()

	return &Connection{
		id:         id,
		remoteAddr: remoteAddr,
		ctx:        ctx,
		cancel:     cancel,
		conn:       conn,
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
func (c *Connection) Kind() router.Kind            { return router.KindWebSocket }
func (c *Connection) RemoteAddr() string           { return c.remoteAddr }
func (c *Connection) Lifecycle() *router.Lifecycle { return &c.lifecycle }

// SendEnvelope queues env to be written as one text frame. It never blocks.
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

// Close closes the socket with a normal closure. The disconnect sequence
// runs once the reader notices.
func (c *Connection) Close() error {
	c.closeWith(websocket.StatusNormalClosure, "")
	return nil
}

func (c *Connection) closeWith(code websocket.StatusCode, reason string) {
	if err := c.conn.Close(code, reason); err != nil {
		c.logger.Debug("WebSocket close error (may be expected)", zap.Error(err))
	}
	c.cancel()
}

// run accepts the connection into the router, serves it until it closes and
// then runs the disconnect sequence. It blocks for the connection's lifetime.
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
	defer c.logger.Debug("Message sender goroutine stopped")

	var pingChan <-chan time.Time
	if c.config.pingInterval > 0 {
		pingTicker := time.NewTicker(c.config.pingInterval)
		defer pingTicker.Stop()
		pingChan = pingTicker.C
	}

	for {
		select {
		case env := <-c.outbound:
			if err := c.write(env); err != nil {
				if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
					c.logger.Debug("WebSocket closed, stopping sender", zap.Error(err))
					c.cancel()
					return
				}
				c.logger.Warn("Failed to send WebSocket message",
					zap.Error(err),
					zap.String("type", env.Type),
				)
			}

		case <-pingChan:
			pingCtx, cancel := context.WithTimeout(c.ctx, c.config.writeTimeout)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				c.logger.Debug("Ping failed, closing connection", zap.Error(err))
				c.closeWith(websocket.StatusGoingAway, "ping timeout")
				return
			}

		case <-c.done:
			return

		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) write(env router.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(c.ctx, c.config.writeTimeout)
	defer cancel()

	return c.conn.Write(writeCtx, websocket.MessageText, data)
}

func (c *Connection) messageReader() {
	defer c.logger.Debug("Message reader stopped")

	c.conn.SetReadLimit(c.config.maxMessageSize)

	for {
		readCtx, cancel := c.ctx, context.CancelFunc(func() {})
		if c.config.readTimeout > 0 {
			readCtx, cancel = context.WithTimeout(c.ctx, c.config.readTimeout)
		}

		_, data, err := c.conn.Read(readCtx)
		cancel()
		if err != nil {
			if status := websocket.CloseStatus(err); status != -1 {
				c.logger.Debug("WebSocket connection closed by client",
					zap.Int("close_status", int(status)),
				)
			} else if c.ctx.Err() == nil {
				c.logger.Debug("WebSocket read failed", zap.Error(err))
			}
			return
		}

		if len(data) == 0 {
			continue
		}

		if err := c.limiter.Wait(c.ctx); err != nil {
			return
		}

		// Malformed input is logged and counted by the router.
		_ = c.router.HandleRaw(c.ctx, c, data)
	}
}

func (c *Connection) cleanup() {
	c.cleanupOnce.Do(func() {
		close(c.done)
		<-c.senderDone

		if err := c.conn.Close(websocket.StatusNormalClosure, ""); err != nil {
			c.logger.Debug("WebSocket close error (may be expected)", zap.Error(err))
		}
		c.cancel()
	})
}
