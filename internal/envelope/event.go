// Package envelope turns raw inbound payloads, from the realtime socket or
// from a poll response, into canonical events. It is the only place in
// the module that inspects raw JSON frames.
package envelope

import "github.com/matheus3301/chatsync/internal/conversation"

// Event is the closed set of canonical events. The concrete types are
// MessageEvent, TypingEvent, StatusEvent, ReceiptEvent and Unrecognized.
type Event interface {
	event()
}

// MessageEvent carries one message for a resolved thread.
type MessageEvent struct {
	ThreadID string
	Message  conversation.Message
}

// TypingEvent reports a participant starting or stopping typing.
type TypingEvent struct {
	ThreadID string
	Who      string
	Typing   bool
}

// StatusEvent is a server-side presence or connection status push.
type StatusEvent struct {
	State string
}

// ReceiptEvent upgrades the delivery status of a message already sent.
// ThreadID may be empty when the server omits it.
type ReceiptEvent struct {
	ThreadID  string
	MessageID string
	Status    conversation.Status
}

// Unrecognized is anything that could not be normalized. Callers log and
// drop it.
type Unrecognized struct {
	Reason string
}

// Reasons reported by Unrecognized.
const (
	ReasonInvalidJSON     = "invalid json"
	ReasonNotObject       = "payload is not an object"
	ReasonKeepalive       = "keepalive"
	ReasonNoThread        = "no thread id"
	ReasonNoMessageID     = "no message id"
	ReasonUnknownType     = "unknown type"
	ReasonUnknownShape    = "unknown shape"
	ReasonReceiptNoStatus = "receipt without status"
)

// Keepalive reports whether the frame was a heartbeat echo, which callers
// drop without logging.
func (u Unrecognized) Keepalive() bool {
	return u.Reason == ReasonKeepalive
}

func (MessageEvent) event() {}
func (TypingEvent) event()  {}
func (StatusEvent) event()  {}
func (ReceiptEvent) event() {}
func (Unrecognized) event() {}
