package envelope

import (
	"strings"

	"github.com/matheus3301/chatsync/internal/conversation"
	"github.com/tidwall/gjson"
)

// Normalize converts one raw envelope into a canonical event. It accepts
// three historical shapes:
//
//   - a flat object that already looks like a message
//   - an object whose real fields sit in a nested "payload" object
//   - an object with an explicit "type" discriminator
//
// Normalize never fails; anything it cannot interpret comes back as
// Unrecognized with a reason.
func Normalize(raw []byte) Event {
	if !gjson.ValidBytes(raw) {
		return Unrecognized{Reason: ReasonInvalidJSON}
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return Unrecognized{Reason: ReasonNotObject}
	}
	payload := root.Get("payload")
	if !payload.IsObject() {
		payload = gjson.Result{}
	}

	typ := root.Get("type").String()
	switch typ {
	case "ping", "pong", "heartbeat":
		return Unrecognized{Reason: ReasonKeepalive}
	case "message", "message:new", "message:created":
		return normalizeMessage(root, payload)
	case "typing", "typing:start", "typing:stop":
		return normalizeTyping(root, payload, typ)
	case "status", "presence":
		return StatusEvent{State: first([]gjson.Result{root, payload}, "state", "status").String()}
	case "receipt", "message:status", "message:delivered", "message:read":
		return normalizeReceipt(root, payload, typ)
	}

	// Untyped (or typed with a message type such as "text"): accept it
	// only when it looks like a message.
	if looksLikeMessage(messageNode(root, payload)) {
		return normalizeMessage(root, payload)
	}
	if typ != "" {
		return Unrecognized{Reason: ReasonUnknownType + " " + typ}
	}
	return Unrecognized{Reason: ReasonUnknownShape}
}

// messageNode picks the object carrying the message fields: an explicit
// "message" member, then "payload.message", then the payload itself, then
// the root.
func messageNode(root, payload gjson.Result) gjson.Result {
	if m := root.Get("message"); m.IsObject() {
		return m
	}
	if payload.Exists() {
		if m := payload.Get("message"); m.IsObject() {
			return m
		}
		return payload
	}
	return root
}

func looksLikeMessage(node gjson.Result) bool {
	return first([]gjson.Result{node}, idKeys...).Exists() &&
		first([]gjson.Result{node}, bodyKeys...).Exists()
}

func normalizeMessage(root, payload gjson.Result) Event {
	node := messageNode(root, payload)
	msg, ok := ParseMessage(node)
	if !ok {
		return Unrecognized{Reason: ReasonNoMessageID}
	}
	threadID := resolveThread(node, root, payload)
	if threadID == "" {
		return Unrecognized{Reason: ReasonNoThread}
	}
	msg.ThreadID = threadID
	return MessageEvent{ThreadID: threadID, Message: msg}
}

func normalizeTyping(root, payload gjson.Result, typ string) Event {
	threadID := resolveThread(root, payload)
	if threadID == "" {
		return Unrecognized{Reason: ReasonNoThread}
	}
	nodes := []gjson.Result{root, payload}
	who := first(nodes, "user_id", "who", "sender_id", "user.id", "from")
	if who.IsObject() {
		who = who.Get("id")
	}

	typing := typ != "typing:stop"
	if v := first(nodes, "typing", "is_typing", "isTyping"); v.Exists() {
		typing = v.Bool()
	}
	return TypingEvent{ThreadID: threadID, Who: canonicalID(who), Typing: typing}
}

func normalizeReceipt(root, payload gjson.Result, typ string) Event {
	node := messageNode(root, payload)
	nodes := []gjson.Result{node, payload, root}

	id := canonicalID(first(nodes, "message_id", "messageId"))
	if id == "" {
		id = canonicalID(node.Get("id"))
	}
	if id == "" {
		return Unrecognized{Reason: ReasonNoMessageID}
	}

	st := parseStatus(first(nodes, "status", "state").String())
	if st == "" {
		st = parseStatus(strings.TrimPrefix(typ, "message:"))
	}
	if st == "" {
		return Unrecognized{Reason: ReasonReceiptNoStatus}
	}
	return ReceiptEvent{
		ThreadID:  resolveThread(node, root, payload),
		MessageID: id,
		Status:    st,
	}
}

// resolveThread returns the first non-null thread id found, checking each
// candidate object in order.
func resolveThread(candidates ...gjson.Result) string {
	for _, c := range candidates {
		if !c.Exists() {
			continue
		}
		for _, key := range threadKeys {
			r := c.Get(key)
			if r.IsObject() {
				r = r.Get("id")
			}
			if id := canonicalID(r); id != "" {
				return id
			}
		}
	}
	return ""
}

func parseStatus(s string) conversation.Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sent":
		return conversation.StatusSent
	case "delivered":
		return conversation.StatusDelivered
	case "read", "seen":
		return conversation.StatusRead
	case "failed", "error":
		return conversation.StatusFailed
	}
	return ""
}
