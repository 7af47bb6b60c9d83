package bus

import "time"

// Event represents a runtime notification published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the realtime runtime. Subscribers filter by prefix,
// so "conn." receives every connection event.
const (
	KindConnStateChanged = "conn.state_changed"

	KindMessageRendered     = "message.rendered"
	KindMessageSent         = "message.sent"
	KindMessageFailed       = "message.failed"
	KindMessageSeen         = "message.seen"
	KindMessageRecalled     = "message.recalled"
	KindMessageReactUpdated = "message.react_updated"

	KindConversationThemeUpdated = "conversation.theme_updated"
	KindConversationInfoUpdated  = "conversation.info_updated"

	KindTypingShown  = "typing.shown"
	KindTypingHidden = "typing.hidden"

	KindPresenceUpdated = "presence.updated"
	KindPresenceCleared = "presence.cleared"
)
