// Package realtime provides the change-feed used to keep conversation
// state live: message inserts, participant additions, typing signals, and
// notification events. Delivery is at-least-once and unordered; consumers
// recompute state wholesale instead of patching incrementally.
package realtime

import "encoding/json"

const (
	// ResourceMessages carries message insert events.
	ResourceMessages = "messages"
	// ResourceParticipants carries viewer-added-to-conversation events.
	ResourceParticipants = "participants"
	// ResourceTyping carries ephemeral typing signals.
	ResourceTyping = "typing"
	// ResourceNotifications carries fire-and-forget notification events.
	ResourceNotifications = "notifications"
)

const (
	ActionInsert = "insert"
	ActionUpdate = "update"
)

// Event is one change-feed delivery. Filter is a scoping key, usually a
// conversation ID or a target user ID depending on the resource.
type Event struct {
	Resource string          `json:"resource"`
	Action   string          `json:"action"`
	Filter   string          `json:"filter,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Handler consumes one event. Handlers run on the feed's dispatch
// goroutine and must not block for long.
type Handler func(Event)

// Feed is the realtime change-feed contract. Subscribe registers a handler
// for a resource, optionally narrowed by filter (empty matches all); the
// returned Subscription must be closed when its owning view goes away.
type Feed interface {
	Subscribe(resource, filter string, handler Handler) *Subscription
	Publish(event Event) error
}
