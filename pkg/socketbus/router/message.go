package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Reserved event and message names.
const (
	EventConnect     = "connect"
	EventDisconnect  = "disconnect"
	EventSubscribe   = "subscribe"
	EventUnsubscribe = "unsubscribe"
	EventGetEvents   = "get-events"
	EventStatus      = "status"

	// TypeAvailableEvents is sent once to every client right after accept.
	TypeAvailableEvents = "available-events"

	// WildcardTopic as the unsubscribe target means every topic.
	WildcardTopic = "*"
)

// DefaultSystemEvents are dispatched with the connection instead of a reply callback.
var DefaultSystemEvents = []string{EventSubscribe, EventUnsubscribe, EventGetEvents}

// ErrMalformedMessage wraps every inbound decoding failure.
var ErrMalformedMessage = errors.New("malformed message")

// Envelope is the wire format in both directions.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Message is a decoded inbound envelope. HasData distinguishes an absent
// "data" member from an explicit null.
type Message struct {
	Type    string
	Data    any
	HasData bool
}

// Decode parses one inbound JSON document.
func Decode(raw []byte) (Message, error) {
	var wire struct {
		Type *string         `json:"type"`
		Data json.RawMessage `json:"data"`
	}

	if err := json.Unmarshal(raw, &wire); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if wire.Type == nil || *wire.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}

	msg := Message{Type: *wire.Type}
	if len(wire.Data) > 0 {
		if err := json.Unmarshal(wire.Data, &msg.Data); err != nil {
			return Message{}, fmt.Errorf("%w: data: %v", ErrMalformedMessage, err)
		}
		msg.HasData = true
	}

	return msg, nil
}

// ReplyType returns the type a reply to requestType is sent with: a second
// dotted segment of exactly "get-update" becomes "update", so
// "chat.get-update" is answered as "chat.update".
func ReplyType(requestType string) string {
	chunks := strings.Split(requestType, ".")
	if len(chunks) > 1 && chunks[1] == "get-update" {
		chunks[1] = "update"
		return strings.Join(chunks, ".")
	}
	return requestType
}

// ReplyFunc sends the reply to one inbound message. Only the first call
// sends anything.
type ReplyFunc func(err error, data any)

// Payload is what an application handler receives as its first argument:
// either the message's data, or, when the message had no data, the reply
// handle itself.
type Payload struct {
	value any
	reply ReplyFunc
}

func ValuePayload(v any) Payload {
	return Payload{value: v}
}

func ReplyPayload(reply ReplyFunc) Payload {
	return Payload{reply: reply}
}

// Value returns the message data. It is nil for reply payloads.
func (p Payload) Value() any {
	return p.value
}

// IsReply reports whether the message carried no data and the payload is
// the reply handle.
func (p Payload) IsReply() bool {
	return p.reply != nil
}

func (p Payload) Reply() ReplyFunc {
	return p.reply
}
