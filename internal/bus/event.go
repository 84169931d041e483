package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds. Subscribers filter on the prefix before the dot.
const (
	SyncStateChanged   = "sync.state_changed"
	SyncOnlineChanged  = "sync.online_changed"
	SyncServerStatus   = "sync.server_status"
	SyncPollCompleted  = "sync.poll_completed"
	StoreThreads       = "store.threads_changed"
	StoreMessages      = "store.messages_changed"
	StoreUnread        = "store.unread_changed"
	StoreTyping        = "store.typing_changed"
	OutboxQueued       = "outbox.queued"
	OutboxSent         = "outbox.sent"
	OutboxSendFailed   = "outbox.send_failed"
	TransportConnected = "transport.open"
	TransportClosed    = "transport.closed"
)

// NewEvent builds an event stamped with the current time.
func NewEvent(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
