package router

import (
	"context"
	"fmt"

	"github.com/tsarna/socketbus/pkg/socketbus/bus"
)

// RequestHandler adapts a function taking the arguments of an application
// event, as emitted by HandleMessage, to a bus.Handler. Events emitted with
// a plain value and no reply (for example by a cron block or Hub.Broadcast)
// are delivered with a no-op reply.
func RequestHandler(fn func(ctx context.Context, payload Payload, reply ReplyFunc) error) bus.Handler {
	return bus.HandlerFunc(func(ctx context.Context, ev bus.Event) error {
		var payload Payload
		switch v := ev.Arg(0).(type) {
		case Payload:
			payload = v
		case ReplyFunc:
			payload = ReplyPayload(v)
		default:
			payload = ValuePayload(v)
		}

		reply, _ := ev.Arg(1).(ReplyFunc)
		if reply == nil {
			reply = payload.Reply()
		}
		if reply == nil {
			reply = func(error, any) {}
		}

		return fn(ctx, payload, reply)
	})
}

// SystemHandler adapts a function taking (data, conn) to a bus.Handler.
func SystemHandler(fn func(ctx context.Context, data any, conn Connection) error) bus.Handler {
	return bus.HandlerFunc(func(ctx context.Context, ev bus.Event) error {
		conn, ok := ev.Arg(1).(Connection)
		if !ok {
			return fmt.Errorf("%s: expected connection as second argument, got %T", ev.Name, ev.Arg(1))
		}
		return fn(ctx, ev.Arg(0), conn)
	})
}

// ConnectionHandler adapts a function taking a connection to a bus.Handler,
// for the connect and disconnect events.
func ConnectionHandler(fn func(ctx context.Context, conn Connection) error) bus.Handler {
	return bus.HandlerFunc(func(ctx context.Context, ev bus.Event) error {
		conn, ok := ev.Arg(0).(Connection)
		if !ok {
			return fmt.Errorf("%s: expected connection argument, got %T", ev.Name, ev.Arg(0))
		}
		return fn(ctx, conn)
	})
}
