package router

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

var (
	// ErrConnectionClosed is returned when sending on, or dispatching for, a
	// connection that is no longer open.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrQueueFull is returned when a connection's outbound queue is full.
	ErrQueueFull = errors.New("outbound queue full")
	// ErrAlreadyAccepted is returned by Accept for a connection that has left
	// the Connecting state.
	ErrAlreadyAccepted = errors.New("connection already accepted")
)

// Kind is the transport a connection arrived on.
type Kind int

const (
	KindWebSocket Kind = iota
	KindTCP
)

func (k Kind) String() string {
	switch k {
	case KindWebSocket:
		return "websocket"
	case KindTCP:
		return "tcp"
	default:
		return "unknown"
	}
}

// Kinds lists every transport kind.
var Kinds = []Kind{KindWebSocket, KindTCP}

// State is a connection's position in its lifecycle:
// Connecting → Open → Closing → Closed.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Lifecycle holds a connection's state. The zero value is Connecting.
// Transitions are compare-and-swap, so each one happens at most once.
type Lifecycle struct {
	state    atomic.Int32
	openedAt atomic.Int64
}

func (l *Lifecycle) State() State {
	return State(l.state.Load())
}

// Transition moves from one state to another and reports whether this call
// made the move.
func (l *Lifecycle) Transition(from, to State) bool {
	if !l.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	if to == StateOpen {
		l.openedAt.Store(time.Now().UnixNano())
	}
	return true
}

// OpenFor returns how long the connection has been open, or zero if it
// never opened.
func (l *Lifecycle) OpenFor() time.Duration {
	opened := l.openedAt.Load()
	if opened == 0 {
		return 0
	}
	return time.Since(time.Unix(0, opened))
}

// Connection is one client session, whatever the transport.
//
// SendEnvelope is the only write primitive the router needs: a WebSocket
// connection sends the envelope as one text frame, a TCP connection
// serializes it onto the byte stream.
type Connection interface {
	ID() string
	Kind() Kind
	RemoteAddr() string
	Lifecycle() *Lifecycle

	SendEnvelope(ctx context.Context, env Envelope) error
	Close() error
}
