package store

// OutboxEntry is a durable outbound message awaiting submission.
type OutboxEntry struct {
	ID          int64
	ClientMsgID string
	ThreadID    string
	Body        string
	Status      string // queued, sending, failed
	Attempts    int
	LastError   string
	CreatedAt   int64
}

// Outbox statuses.
const (
	OutboxQueued  = "queued"
	OutboxSending = "sending"
	OutboxFailed  = "failed"
)

// Thread is a cached thread summary. Timestamps are unix milliseconds.
type Thread struct {
	ID                 string
	Title              string
	Participants       []string
	UnreadCount        int
	LastMessageAt      int64
	LastMessagePreview string
	UpdatedAt          int64
}

// Message is a cached message row.
type Message struct {
	ThreadID    string
	MsgID       string
	ClientID    string
	SenderID    string
	Body        string
	MessageType string
	Metadata    string // JSON object, or empty
	Status      string
	CreatedAt   int64
}
