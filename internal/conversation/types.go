package conversation

import "time"

// Status is a message's delivery state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// Thread is a conversation as listed by the server.
type Thread struct {
	ID           string
	Title        string
	Participants []string
	LastMessage  Preview
	UnreadCount  int
	UpdatedAt    time.Time
}

// Preview is the last-message summary shown in thread lists.
type Preview struct {
	Body      string
	CreatedAt time.Time
}

// Message is a single chat message. ID may be a client-generated
// temporary id until the server confirms the send.
type Message struct {
	ID       string
	ThreadID string
	// ClientID echoes the temporary id of a locally composed message, when
	// the server reports it back.
	ClientID  string
	SenderID  string
	Body      string
	Type      string
	Metadata  map[string]any
	CreatedAt time.Time
	Status    Status
}

// Typing is the ephemeral typing indicator of one thread.
type Typing struct {
	Who    string
	Typing bool
}

// AppendResult reports what AppendMessage did.
type AppendResult struct {
	// Inserted is false for idempotent replays.
	Inserted bool
	// Own is true when the sender is the session user.
	Own bool
	// UnreadChanged is true when the thread counter moved.
	UnreadChanged bool
}
