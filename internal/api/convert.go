package api

import (
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/conversation"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/tidwall/gjson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Status is the decoded GetStatus response.
type Status struct {
	Account      string
	State        string
	Online       bool
	Foreground   bool
	SignedIn     bool
	UserID       string
	ActiveThread string
	TotalUnread  int
	Outbox       int
	LastPoll     time.Time
}

// Event is one bus event as streamed by WatchEvents.
type Event struct {
	ID         string
	Account    string
	Kind       string
	OccurredAt time.Time
	Payload    any
}

// Timestamps travel as unix milliseconds; zero means unset.
func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func anyList(list []string) []any {
	out := make([]any, len(list))
	for i, s := range list {
		out[i] = s
	}
	return out
}

func statusValue(account string, snap intsync.Snapshot, active string) map[string]any {
	return map[string]any{
		"account":       account,
		"state":         string(snap.State),
		"online":        snap.Online,
		"foreground":    snap.Foreground,
		"signed_in":     snap.SignedIn,
		"user_id":       snap.UserID,
		"active_thread": active,
		"total_unread":  snap.TotalUnread,
		"outbox":        snap.Outbox,
		"last_poll_ms":  millis(snap.LastPoll),
	}
}

func threadValue(t conversation.Thread, typing *conversation.Typing) map[string]any {
	v := map[string]any{
		"id":                 t.ID,
		"title":              t.Title,
		"participants":       anyList(t.Participants),
		"unread_count":       t.UnreadCount,
		"last_message":       t.LastMessage.Body,
		"last_message_at_ms": millis(t.LastMessage.CreatedAt),
		"updated_at_ms":      millis(t.UpdatedAt),
	}
	if typing != nil && typing.Typing {
		v["typing"] = typing.Who
	}
	return v
}

func messageValue(m conversation.Message) map[string]any {
	v := map[string]any{
		"id":            m.ID,
		"thread_id":     m.ThreadID,
		"client_msg_id": m.ClientID,
		"sender_id":     m.SenderID,
		"body":          m.Body,
		"type":          m.Type,
		"status":        string(m.Status),
		"created_at_ms": millis(m.CreatedAt),
	}
	if len(m.Metadata) > 0 {
		// Only attach metadata that structpb can represent.
		if _, err := structpb.NewStruct(m.Metadata); err == nil {
			v["metadata"] = m.Metadata
		}
	}
	return v
}

func cachedMessageValue(m store.Message) map[string]any {
	msg := conversation.Message{
		ID:        m.MsgID,
		ThreadID:  m.ThreadID,
		ClientID:  m.ClientID,
		SenderID:  m.SenderID,
		Body:      m.Body,
		Type:      m.MessageType,
		Status:    conversation.Status(m.Status),
		CreatedAt: fromMillis(m.CreatedAt),
	}
	if meta, ok := gjson.Parse(m.Metadata).Value().(map[string]any); ok {
		msg.Metadata = meta
	}
	return messageValue(msg)
}

func outboxEntryValue(e store.OutboxEntry) map[string]any {
	return map[string]any{
		"client_msg_id": e.ClientMsgID,
		"thread_id":     e.ThreadID,
		"body":          e.Body,
		"status":        e.Status,
		"attempts":      e.Attempts,
		"last_error":    e.LastError,
		"created_at_ms": e.CreatedAt,
	}
}

// eventPayload converts a bus payload to something structpb accepts.
func eventPayload(p any) any {
	switch v := p.(type) {
	case nil, string, bool, int:
		return v
	case status.StatusChange:
		return map[string]any{"from": string(v.From), "to": string(v.To)}
	case intsync.PollSummary:
		return map[string]any{"threads": v.Threads, "messages": v.Messages, "thread_id": v.ThreadID}
	case store.OutboxEntry:
		return outboxEntryValue(v)
	case outbox.Result:
		out := map[string]any{
			"entry":   outboxEntryValue(v.Entry),
			"network": v.Network,
		}
		if v.Err != nil {
			out["error"] = v.Err.Error()
		}
		if v.Message.ID != "" {
			out["message"] = messageValue(v.Message)
		}
		return out
	default:
		return fmt.Sprint(v)
	}
}

func listValue(items []map[string]any) []any {
	out := make([]any, len(items))
	for i, it := range items {
		out[i] = it
	}
	return out
}

// Decoding helpers used by the client.

func field(s *structpb.Struct, key string) *structpb.Value {
	return s.GetFields()[key]
}

func str(s *structpb.Struct, key string) string {
	return field(s, key).GetStringValue()
}

func num(s *structpb.Struct, key string) int64 {
	return int64(field(s, key).GetNumberValue())
}

func flag(s *structpb.Struct, key string) bool {
	return field(s, key).GetBoolValue()
}

func has(s *structpb.Struct, key string) bool {
	_, ok := s.GetFields()[key]
	return ok
}

func decodeStatus(s *structpb.Struct) Status {
	return Status{
		Account:      str(s, "account"),
		State:        str(s, "state"),
		Online:       flag(s, "online"),
		Foreground:   flag(s, "foreground"),
		SignedIn:     flag(s, "signed_in"),
		UserID:       str(s, "user_id"),
		ActiveThread: str(s, "active_thread"),
		TotalUnread:  int(num(s, "total_unread")),
		Outbox:       int(num(s, "outbox")),
		LastPoll:     fromMillis(num(s, "last_poll_ms")),
	}
}

func decodeThread(s *structpb.Struct) conversation.Thread {
	t := conversation.Thread{
		ID:          str(s, "id"),
		Title:       str(s, "title"),
		UnreadCount: int(num(s, "unread_count")),
		LastMessage: conversation.Preview{
			Body:      str(s, "last_message"),
			CreatedAt: fromMillis(num(s, "last_message_at_ms")),
		},
		UpdatedAt: fromMillis(num(s, "updated_at_ms")),
	}
	for _, p := range field(s, "participants").GetListValue().GetValues() {
		t.Participants = append(t.Participants, p.GetStringValue())
	}
	return t
}

func decodeMessage(s *structpb.Struct) conversation.Message {
	m := conversation.Message{
		ID:        str(s, "id"),
		ThreadID:  str(s, "thread_id"),
		ClientID:  str(s, "client_msg_id"),
		SenderID:  str(s, "sender_id"),
		Body:      str(s, "body"),
		Type:      str(s, "type"),
		Status:    conversation.Status(str(s, "status")),
		CreatedAt: fromMillis(num(s, "created_at_ms")),
	}
	if meta := field(s, "metadata").GetStructValue(); meta != nil {
		m.Metadata = meta.AsMap()
	}
	return m
}

func decodeMessages(s *structpb.Struct, key string) []conversation.Message {
	var out []conversation.Message
	for _, v := range field(s, key).GetListValue().GetValues() {
		out = append(out, decodeMessage(v.GetStructValue()))
	}
	return out
}

func decodeEvent(s *structpb.Struct) Event {
	return Event{
		ID:         str(s, "id"),
		Account:    str(s, "account"),
		Kind:       str(s, "kind"),
		OccurredAt: fromMillis(num(s, "occurred_at_ms")),
		Payload:    field(s, "payload").AsInterface(),
	}
}
