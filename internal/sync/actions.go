package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/matheus3301/chatsync/internal/conversation"
	"go.uber.org/zap"
)

// ErrEmptyBody is returned when sending a blank message.
var ErrEmptyBody = errors.New("message body is empty")

// SendMessage queues a message durably and shows it in the thread at
// once with status queued. When the network is known to be reachable the
// outbox is flushed right away; otherwise the message waits for the next
// socket open or poll pass. Only a server rejection of this message is
// returned as an error.
func (c *Coordinator) SendMessage(ctx context.Context, threadID, body string) (conversation.Message, error) {
	if strings.TrimSpace(body) == "" {
		return conversation.Message{}, ErrEmptyBody
	}
	if !c.signedIn.Load() {
		return conversation.Message{}, ErrSignedOut
	}

	// Enqueue and append in one loop step: a flush that picks the entry
	// up applies its result on the loop, after the local copy exists.
	var (
		msg   conversation.Message
		qerr  error
		epoch uint64
	)
	err := c.exec(ctx, func() {
		entry, err := c.queue.Enqueue(threadID, body)
		if err != nil {
			qerr = fmt.Errorf("enqueue: %w", err)
			return
		}
		msg = pendingMessage(entry, c.store.UserID())
		msg.CreatedAt = c.clock.Now()
		epoch = c.epoch.Load()
		c.store.AppendMessage(threadID, msg)
	})
	if err != nil {
		return conversation.Message{}, err
	}
	if qerr != nil {
		return conversation.Message{}, qerr
	}
	c.logger.Info("message queued", zap.String("thread_id", threadID), zap.String("client_msg_id", msg.ClientID))
	return c.submit(ctx, epoch, msg)
}

// RetryMessage re-queues a message the server rejected and submits it
// again when online.
func (c *Coordinator) RetryMessage(ctx context.Context, threadID, clientID string) (conversation.Message, error) {
	if !c.signedIn.Load() {
		return conversation.Message{}, ErrSignedOut
	}
	var (
		msg   conversation.Message
		qerr  error
		epoch uint64
	)
	err := c.exec(ctx, func() {
		entry, err := c.queue.Requeue(clientID)
		if err != nil {
			qerr = err
			return
		}
		if threadID == "" {
			threadID = entry.ThreadID
		}
		msg = pendingMessage(entry, c.store.UserID())
		epoch = c.epoch.Load()
		if !c.store.UpdateMessageStatus(threadID, clientID, conversation.StatusQueued) {
			c.store.AppendMessage(threadID, msg)
		}
	})
	if err != nil {
		return conversation.Message{}, err
	}
	if qerr != nil {
		return conversation.Message{}, qerr
	}
	return c.submit(ctx, epoch, msg)
}

func (c *Coordinator) submit(ctx context.Context, epoch uint64, msg conversation.Message) (conversation.Message, error) {
	if !c.online.Load() {
		return msg, nil
	}
	for _, r := range c.flush(ctx, epoch) {
		if r.Entry.ClientMsgID != msg.ClientID {
			continue
		}
		switch {
		case r.Err == nil:
			return c.confirmed(msg), nil
		case r.Network:
			return msg, nil
		default:
			msg.Status = conversation.StatusFailed
			return msg, r.Err
		}
	}
	return msg, nil
}

// confirmed returns the store's copy of a sent message.
func (c *Coordinator) confirmed(local conversation.Message) conversation.Message {
	for _, m := range c.store.Messages(local.ThreadID) {
		if m.ClientID == local.ClientID || m.ID == local.ClientID {
			return m
		}
	}
	return local
}

// MarkRead zeroes the thread's unread counter and confirms the read with
// the server. Connectivity failures are absorbed.
func (c *Coordinator) MarkRead(ctx context.Context, threadID string) error {
	err := c.store.MarkThreadRead(ctx, threadID, c.signedIn.Load())
	if err == nil {
		return nil
	}
	if c.absorb(err, "mark read failed", zap.String("thread_id", threadID)) {
		return nil
	}
	return fmt.Errorf("mark read %s: %w", threadID, err)
}

// FocusThread moves the active-thread pointer. Focusing a new thread
// loads its history when none is cached and marks it read. An empty id
// clears the focus.
func (c *Coordinator) FocusThread(ctx context.Context, threadID string) error {
	moved := false
	if err := c.exec(ctx, func() { moved = c.store.SetActiveThread(threadID) }); err != nil {
		return err
	}
	if !moved || threadID == "" {
		return nil
	}
	if len(c.store.Messages(threadID)) == 0 && c.signedIn.Load() {
		if err := c.loadHistory(ctx, threadID); err != nil {
			return err
		}
	}
	return c.MarkRead(ctx, threadID)
}

func (c *Coordinator) loadHistory(ctx context.Context, threadID string) error {
	msgs, err := c.remote.FetchThreadMessages(ctx, threadID)
	if err != nil {
		if c.absorb(err, "history fetch failed", zap.String("thread_id", threadID)) {
			return nil
		}
		return fmt.Errorf("fetch messages %s: %w", threadID, err)
	}
	c.setOnline(true)
	epoch := c.epoch.Load()
	err = c.exec(ctx, func() {
		if c.epoch.Load() != epoch {
			return
		}
		for i, m := range msgs {
			msgs[i] = c.applyMessage(threadID, m)
		}
	})
	if err != nil {
		return err
	}
	c.reconciler.SaveMessages(msgs...)
	return nil
}

// SendTyping signals the local user's typing state in a thread.
func (c *Coordinator) SendTyping(ctx context.Context, threadID string, typing bool) error {
	err := c.remote.SendTypingSignal(ctx, threadID, typing)
	if err == nil || c.absorb(err, "typing signal failed", zap.String("thread_id", threadID)) {
		return nil
	}
	return fmt.Errorf("typing signal %s: %w", threadID, err)
}
