package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/coder/websocket"
	"github.com/tsarna/socketbus/pkg/socketbus/router"
	"github.com/tsarna/socketbus/pkg/socketbus/tcpserver"
)

// received is an inbound envelope with its data left encoded for printing.
type received struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// busClient speaks the envelope protocol over either transport.
type busClient interface {
	Send(ctx context.Context, env router.Envelope) error
	Receive(ctx context.Context) (received, error)
	Close() error
}

// dial connects to ws://, wss:// or tcp:// addresses.
func dial(ctx context.Context, rawURL string) (busClient, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", rawURL, err)
	}

	switch u.Scheme {
	case "ws", "wss":
		conn, _, err := websocket.Dial(ctx, rawURL, nil)
		if err != nil {
			return nil, err
		}
		conn.SetReadLimit(tcpserver.DefaultMaxMessageSize)
		return &wsClient{conn: conn}, nil
	case "tcp":
		if u.Host == "" {
			return nil, fmt.Errorf("invalid address %q: missing host:port", rawURL)
		}
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", u.Host)
		if err != nil {
			return nil, err
		}
		scanner := bufio.NewScanner(conn)
		scanner.Buffer(make([]byte, 0, 64*1024), tcpserver.DefaultMaxMessageSize)
		return &tcpClient{conn: conn, enc: json.NewEncoder(conn), scanner: scanner}, nil
	default:
		return nil, fmt.Errorf("unsupported scheme %q, expected ws, wss or tcp", u.Scheme)
	}
}

type wsClient struct {
	conn *websocket.Conn
}

func (c *wsClient) Send(ctx context.Context, env router.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.conn.Write(ctx, websocket.MessageText, b)
}

func (c *wsClient) Receive(ctx context.Context) (received, error) {
	var r received
	_, b, err := c.conn.Read(ctx)
	if err != nil {
		return r, err
	}
	err = json.Unmarshal(b, &r)
	return r, err
}

func (c *wsClient) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

type tcpClient struct {
	conn    net.Conn
	enc     *json.Encoder
	scanner *bufio.Scanner
}

func (c *tcpClient) Send(ctx context.Context, env router.Envelope) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	}
	return c.enc.Encode(env)
}

// Receive reads one line. A cancelled ctx interrupts the read through the
// connection deadline.
func (c *tcpClient) Receive(ctx context.Context) (received, error) {
	var r received
	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetReadDeadline(time.Now()) })
	defer stop()

	if !c.scanner.Scan() {
		if ctx.Err() != nil {
			return r, ctx.Err()
		}
		if err := c.scanner.Err(); err != nil {
			return r, err
		}
		return r, errors.New("connection closed by server")
	}
	err := json.Unmarshal(c.scanner.Bytes(), &r)
	return r, err
}

func (c *tcpClient) Close() error {
	return c.conn.Close()
}

// parseData reads a command line payload as JSON, falling back to a plain
// string when it is not valid JSON.
func parseData(arg string) any {
	var v any
	if err := json.Unmarshal([]byte(arg), &v); err != nil {
		return arg
	}
	return v
}

func printEnvelope(r received) {
	if len(r.Data) == 0 {
		fmt.Printf("%s\n", r.Type)
		return
	}
	fmt.Printf("%s\t%s\n", r.Type, r.Data)
}
