package bus

import (
	"context"
	"strings"

	"github.com/amir-yaghoubi/mqttpattern"
)

// Event is one emission as seen by a handler.
type Event struct {
	Name string
	Args []any

	// Fields holds values extracted by "+name" wildcards in the pattern the
	// handler was registered with. Nil for exact registrations.
	Fields map[string]string
}

// Arg returns the i'th argument, or nil if there are fewer arguments.
func (e Event) Arg(i int) any {
	if i < 0 || i >= len(e.Args) {
		return nil
	}
	return e.Args[i]
}

// Handler receives events from an EventBus. All handlers of a bus run on the
// bus's single dispatch goroutine.
type Handler interface {
	HandleEvent(ctx context.Context, ev Event) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, ev Event) error

func (f HandlerFunc) HandleEvent(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

type matcher func(name string) (bool, map[string]string)

// IsPattern reports whether name contains MQTT-style wildcards.
func IsPattern(name string) bool {
	return strings.ContainsAny(name, "#+")
}

// toLevels maps dotted event names onto MQTT topic levels so that "chat.#"
// and "+ns.get-update" behave the way they would for "chat/#".
func toLevels(name string) string {
	return strings.ReplaceAll(name, ".", "/")
}

func makeMatcher(pattern string) matcher {
	if !IsPattern(pattern) {
		return func(name string) (bool, map[string]string) {
			return name == pattern, nil
		}
	}

	levels := toLevels(pattern)

	if mqttpattern.HasExtractions(levels) {
		return func(name string) (bool, map[string]string) {
			topic := toLevels(name)
			if mqttpattern.Matches(levels, topic) {
				return true, mqttpattern.Extract(levels, topic)
			}
			return false, nil
		}
	}

	return func(name string) (bool, map[string]string) {
		return mqttpattern.Matches(levels, toLevels(name)), nil
	}
}

// Matches reports whether the dotted event name matches pattern, using the
// same rules as handler registration.
func Matches(pattern, name string) bool {
	ok, _ := makeMatcher(pattern)(name)
	return ok
}
