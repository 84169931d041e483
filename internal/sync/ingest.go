package sync

import (
	"context"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/conversation"
	"github.com/matheus3301/chatsync/internal/envelope"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

// hydrate fills the store from the cache and the persisted outbox. It
// runs before the loop starts.
func (c *Coordinator) hydrate() error {
	threads, msgs, err := c.reconciler.Load()
	if err != nil {
		return err
	}
	entries, err := c.queue.Hydrate()
	if err != nil {
		return err
	}

	// Messages first: appending creates stub threads and moves counters,
	// and SetThreads then restores the cached list and unread counts.
	for threadID, list := range msgs {
		for _, m := range list {
			c.store.AppendMessage(threadID, m)
		}
	}
	for _, e := range entries {
		c.store.AppendMessage(e.ThreadID, pendingMessage(e, c.store.UserID()))
	}
	if len(threads) > 0 {
		c.store.SetThreads(threads)
	}
	c.logger.Info("coordinator hydrated",
		zap.Int("threads", len(threads)),
		zap.Int("outbox", len(entries)))
	return nil
}

// pendingMessage is the local copy shown for an outbox entry until the
// server confirms it.
func pendingMessage(e store.OutboxEntry, userID string) conversation.Message {
	st := conversation.StatusQueued
	if e.Status == store.OutboxFailed {
		st = conversation.StatusFailed
	}
	return conversation.Message{
		ID:        e.ClientMsgID,
		ThreadID:  e.ThreadID,
		ClientID:  e.ClientMsgID,
		SenderID:  userID,
		Body:      e.Body,
		Type:      "text",
		CreatedAt: time.UnixMilli(e.CreatedAt),
		Status:    st,
	}
}

// ingest normalizes one socket data frame and applies it.
func (c *Coordinator) ingest(raw []byte) {
	switch ev := envelope.Normalize(raw).(type) {
	case envelope.MessageEvent:
		m := c.applyMessage(ev.ThreadID, ev.Message)
		c.reconciler.SaveMessages(m)
	case envelope.TypingEvent:
		c.store.SetTyping(ev.ThreadID, ev.Who, ev.Typing)
	case envelope.StatusEvent:
		c.bus.Publish(bus.NewEvent(bus.SyncServerStatus, ev.State))
	case envelope.ReceiptEvent:
		if c.store.UpdateMessageStatus(ev.ThreadID, ev.MessageID, ev.Status) {
			c.reconciler.SaveStatus(ev.ThreadID, ev.MessageID, ev.Status)
		}
	case envelope.Unrecognized:
		switch {
		case ev.Keepalive():
		case ev.Reason == envelope.ReasonNoThread || ev.Reason == envelope.ReasonNoMessageID:
			c.logger.Warn("dropping message envelope", zap.String("reason", ev.Reason))
		default:
			c.logger.Debug("dropping envelope", zap.String("reason", ev.Reason), zap.Int("size", len(raw)))
		}
	}
}

// applyMessage appends a message from either transport and acknowledges
// it when it came from someone else. Must run on the loop.
func (c *Coordinator) applyMessage(threadID string, m conversation.Message) conversation.Message {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = c.clock.Now()
	}
	m.ThreadID = threadID
	res := c.store.AppendMessage(threadID, m)
	if !res.Own {
		c.ack(m.ID)
	}
	return m
}

// ack sends exactly one delivery acknowledgment per message id for the
// life of the process. A failed ack forgets the id so a later replay
// retries it.
func (c *Coordinator) ack(msgID string) {
	if msgID == "" {
		return
	}
	if _, done := c.acked[msgID]; done {
		return
	}
	c.acked[msgID] = struct{}{}
	c.spawn(func(ctx context.Context) {
		err := c.remote.AckMessage(ctx, msgID, conversation.StatusDelivered)
		if err == nil {
			return
		}
		c.absorb(err, "delivery ack failed", zap.String("msg_id", msgID))
		_ = c.post(func() { delete(c.acked, msgID) })
	})
}
