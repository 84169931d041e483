package sync

import (
	"context"
	"fmt"
	"strconv"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/conversation"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// PollSummary is the payload of sync.poll_completed.
type PollSummary struct {
	Threads  int
	Messages int
	ThreadID string // active thread that was delta-fetched, if any
}

// pollOnce fetches the thread list and, when a thread is focused and has
// a known cursor, its new messages. Results are applied on the loop; a
// pass that belongs to an ended session is discarded. A successful pass
// flushes the outbox.
func (c *Coordinator) pollOnce(ctx context.Context, epoch uint64) error {
	active := c.store.ActiveThread()
	cursor := ""
	if active != "" {
		cursor = c.store.LatestMessageID(active)
	}

	var (
		threads []conversation.Thread
		msgs    []conversation.Message
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		t, err := c.remote.FetchThreads(gctx)
		if err != nil {
			return fmt.Errorf("fetch threads: %w", err)
		}
		threads = t
		return nil
	})
	if cursor != "" {
		g.Go(func() error {
			m, err := c.fetchDelta(gctx, active, cursor)
			msgs = m
			return err
		})
	}
	if err := g.Wait(); err != nil {
		c.absorb(err, "poll pass failed")
		return err
	}
	c.setOnline(true)

	applied := false
	err := c.exec(ctx, func() {
		if c.epoch.Load() != epoch {
			return
		}
		applied = true
		c.store.SetThreads(threads)
		for i, m := range msgs {
			msgs[i] = c.applyMessage(active, m)
		}
	})
	if err != nil {
		return err
	}
	if !applied {
		c.logger.Debug("discarding poll pass from ended session")
		return nil
	}

	c.reconciler.SaveThreads(threads)
	c.reconciler.SaveMessages(msgs...)
	now := c.clock.Now()
	if err := c.reconciler.UpdateCheckpoint(CheckpointLastPoll, strconv.FormatInt(now.UnixMilli(), 10)); err != nil {
		c.logger.Error("failed to record poll checkpoint", zap.Error(err))
	}
	if cursor != "" {
		if err := c.reconciler.UpdateCheckpoint(CheckpointLastCursor, active+":"+cursor); err != nil {
			c.logger.Error("failed to record cursor checkpoint", zap.Error(err))
		}
	}

	c.flush(ctx, epoch)
	c.bus.Publish(bus.NewEvent(bus.SyncPollCompleted, PollSummary{
		Threads:  len(threads),
		Messages: len(msgs),
		ThreadID: active,
	}))
	return nil
}

// fetchDelta fetches messages after cursor, falling back to the full list
// when the delta call fails for a reason other than connectivity.
func (c *Coordinator) fetchDelta(ctx context.Context, threadID, cursor string) ([]conversation.Message, error) {
	msgs, err := c.remote.FetchThreadMessagesSince(ctx, threadID, cursor)
	if err == nil {
		return msgs, nil
	}
	if remote.IsNetworkError(err) {
		return nil, fmt.Errorf("fetch delta: %w", err)
	}
	c.logger.Warn("delta fetch failed, fetching full thread",
		zap.String("thread_id", threadID), zap.String("cursor", cursor), zap.Error(err))
	msgs, err = c.remote.FetchThreadMessages(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	return msgs, nil
}

// flush submits the outbox and applies the outcomes to the store. Each
// local copy shows pending while its submission is in flight.
func (c *Coordinator) flush(ctx context.Context, epoch uint64) []outbox.Result {
	results := c.queue.Flush(ctx, func(e store.OutboxEntry) {
		_ = c.exec(ctx, func() {
			if c.epoch.Load() == epoch {
				c.store.UpdateMessageStatus(e.ThreadID, e.ClientMsgID, conversation.StatusPending)
			}
		})
	})
	if len(results) == 0 {
		return nil
	}
	var confirmed []conversation.Message
	err := c.exec(ctx, func() {
		if c.epoch.Load() != epoch {
			return
		}
		for _, r := range results {
			if m, ok := c.applySendResult(r); ok {
				confirmed = append(confirmed, m)
			}
		}
	})
	if err != nil {
		c.logger.Debug("flush results not applied", zap.Error(err))
		return results
	}
	c.reconciler.SaveMessages(confirmed...)
	return results
}

// applySendResult moves the local copy of an outbox entry to its new
// state. Must run on the loop.
func (c *Coordinator) applySendResult(r outbox.Result) (conversation.Message, bool) {
	clientID := r.Entry.ClientMsgID
	switch {
	case r.Err == nil:
		m := r.Message
		if m.ID == "" {
			m.ID = clientID
		}
		m.ClientID = clientID
		if m.SenderID == "" {
			m.SenderID = c.store.UserID()
		}
		if m.Body == "" {
			m.Body = r.Entry.Body
		}
		if m.Type == "" {
			m.Type = "text"
		}
		if m.Status == "" || m.Status == conversation.StatusQueued || m.Status == conversation.StatusPending {
			m.Status = conversation.StatusSent
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = c.clock.Now()
		}
		c.store.ReplaceMessage(r.Entry.ThreadID, clientID, m)
		c.setOnline(true)
		return m, true
	case r.Network:
		c.store.UpdateMessageStatus(r.Entry.ThreadID, clientID, conversation.StatusQueued)
		c.setOnline(false)
	default:
		c.store.UpdateMessageStatus(r.Entry.ThreadID, clientID, conversation.StatusFailed)
	}
	return conversation.Message{}, false
}
