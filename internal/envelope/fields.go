package envelope

import (
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/conversation"
	"github.com/tidwall/gjson"
)

var (
	idKeys        = []string{"id", "message_id", "messageId", "_id"}
	clientIDKeys  = []string{"client_id", "client_msg_id", "clientId", "temp_id"}
	bodyKeys      = []string{"body", "text", "content"}
	senderKeys    = []string{"sender_id", "senderId", "sender.id", "sender", "user_id", "from.id", "from"}
	createdAtKeys = []string{"created_at", "createdAt", "timestamp", "sent_at"}
	threadKeys    = []string{"thread", "thread_id", "threadId"}
)

// Frame discriminators that must not be mistaken for a message type.
var discriminators = map[string]bool{
	"message": true, "message:new": true, "message:created": true,
}

// ParseMessage reads a message object. ok is false when the object has no
// usable id. ThreadID is filled from the object's own thread field, if
// any. A missing status defaults to sent, since anything the server
// returns has been accepted by it.
func ParseMessage(node gjson.Result) (msg conversation.Message, ok bool) {
	nodes := []gjson.Result{node}
	msg.ID = canonicalID(first(nodes, idKeys...))
	if msg.ID == "" {
		return msg, false
	}
	msg.ThreadID = resolveThread(node)
	msg.ClientID = canonicalID(first(nodes, clientIDKeys...))
	msg.Body = first(nodes, bodyKeys...).String()
	msg.SenderID = canonicalID(first(nodes, senderKeys...))

	msg.Type = node.Get("message_type").String()
	if t := node.Get("type").String(); msg.Type == "" && !discriminators[t] {
		msg.Type = t
	}
	if msg.Type == "" {
		msg.Type = "text"
	}

	if md, isMap := node.Get("metadata").Value().(map[string]any); isMap {
		msg.Metadata = md
	}
	msg.CreatedAt = parseTime(first(nodes, createdAtKeys...))
	msg.Status = parseStatus(node.Get("status").String())
	if msg.Status == "" {
		msg.Status = conversation.StatusSent
	}
	return msg, true
}

// ParseThread reads a thread summary object. ok is false without an id.
func ParseThread(node gjson.Result) (t conversation.Thread, ok bool) {
	nodes := []gjson.Result{node}
	t.ID = canonicalID(first(nodes, "id", "thread_id", "threadId"))
	if t.ID == "" {
		return t, false
	}
	t.Title = first(nodes, "title", "name", "subject").String()

	for _, p := range first(nodes, "participants", "members").Array() {
		if p.IsObject() {
			p = first([]gjson.Result{p}, "id", "user_id")
		}
		if id := canonicalID(p); id != "" {
			t.Participants = append(t.Participants, id)
		}
	}

	lm := first(nodes, "last_message", "lastMessage")
	switch {
	case lm.IsObject():
		t.LastMessage.Body = first([]gjson.Result{lm}, bodyKeys...).String()
		t.LastMessage.CreatedAt = parseTime(first([]gjson.Result{lm}, createdAtKeys...))
	case lm.Type == gjson.String:
		t.LastMessage.Body = lm.Str
		t.LastMessage.CreatedAt = parseTime(first(nodes, "last_message_at", "lastMessageAt"))
	}

	t.UnreadCount = int(first(nodes, "unread_count", "unreadCount", "unread").Int())
	t.UpdatedAt = parseTime(first(nodes, "updated_at", "updatedAt", "last_activity_at", "last_message_at"))
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.LastMessage.CreatedAt
	}
	return t, true
}

// first returns the first present, non-null value among paths, searching
// each node in turn.
func first(nodes []gjson.Result, paths ...string) gjson.Result {
	for _, n := range nodes {
		if !n.Exists() {
			continue
		}
		for _, p := range paths {
			if r := n.Get(p); r.Exists() && r.Type != gjson.Null {
				return r
			}
		}
	}
	return gjson.Result{}
}

// canonicalID renders an id as a string. Numbers are taken from their raw
// token so large ids never pass through float64.
func canonicalID(r gjson.Result) string {
	switch r.Type {
	case gjson.String:
		return strings.TrimSpace(r.Str)
	case gjson.Number:
		return canonicalNumber(r.Raw)
	}
	return ""
}

func canonicalNumber(raw string) string {
	if _, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return raw
	}
	if !strings.ContainsAny(raw, ".eE") {
		// Integer beyond int64; the raw digits are already canonical.
		return raw
	}
	f, _, err := big.ParseFloat(raw, 10, 256, big.ToNearestEven)
	if err != nil || !f.IsInt() {
		return raw
	}
	i, _ := f.Int(nil)
	return i.String()
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05",
}

// parseTime accepts ISO-8601 strings and epoch numbers. Epoch values
// below 1e12 are seconds, anything larger is milliseconds.
func parseTime(r gjson.Result) time.Time {
	switch r.Type {
	case gjson.Number:
		return fromEpoch(r.Num)
	case gjson.String:
		s := strings.TrimSpace(r.Str)
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return fromEpoch(n)
		}
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC()
			}
		}
	}
	return time.Time{}
}

func fromEpoch(n float64) time.Time {
	if n <= 0 {
		return time.Time{}
	}
	if n < 1e12 {
		n *= 1000
	}
	return time.UnixMilli(int64(n)).UTC()
}
