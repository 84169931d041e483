// Package outbox is the durable outbound message queue. Entries survive
// restarts in sqlite and are submitted opportunistically, whenever the
// sync coordinator has just confirmed connectivity.
package outbox

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/conversation"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

// Sender submits one message to the server.
type Sender interface {
	SendMessage(ctx context.Context, threadID, body, clientID string) (conversation.Message, error)
}

// Result is the outcome of one submission during a flush. It is also the
// payload of the outbox.sent and outbox.send_failed events.
type Result struct {
	Entry   store.OutboxEntry
	Message conversation.Message // server copy, on success
	Err     error
	Network bool // Err was a connectivity failure; the entry stays queued
}

// Queue keeps the outbound entries in memory, mirrored to the database.
type Queue struct {
	db     *store.DB
	sender Sender
	bus    *bus.Bus
	logger *zap.Logger

	flushMu sync.Mutex

	mu      sync.Mutex
	entries []store.OutboxEntry
}

// NewQueue creates an empty queue. Call Hydrate to load persisted entries.
func NewQueue(db *store.DB, sender Sender, b *bus.Bus, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{db: db, sender: sender, bus: b, logger: logger}
}

// Hydrate loads queued and failed entries from the database, replacing
// the in-memory list. It returns the loaded entries, oldest first.
func (q *Queue) Hydrate() ([]store.OutboxEntry, error) {
	queued, err := q.db.PendingOutbox()
	if err != nil {
		return nil, fmt.Errorf("load queued: %w", err)
	}
	failed, err := q.db.FailedOutbox()
	if err != nil {
		return nil, fmt.Errorf("load failed: %w", err)
	}
	for i := range queued {
		// A submission interrupted by a restart is retried.
		queued[i].Status = store.OutboxQueued
	}
	all := append(queued, failed...)
	slices.SortStableFunc(all, func(a, b store.OutboxEntry) int {
		switch {
		case a.CreatedAt < b.CreatedAt:
			return -1
		case a.CreatedAt > b.CreatedAt:
			return 1
		}
		return 0
	})

	q.mu.Lock()
	q.entries = slices.Clone(all)
	q.mu.Unlock()

	q.logger.Info("outbox hydrated", zap.Int("queued", len(queued)), zap.Int("failed", len(failed)))
	return all, nil
}

// Enqueue persists a new message under a fresh client id.
func (q *Queue) Enqueue(threadID, body string) (store.OutboxEntry, error) {
	clientID := "local-" + uuid.NewString()
	if err := q.db.QueueOutbox(clientID, threadID, body); err != nil {
		return store.OutboxEntry{}, fmt.Errorf("queue outbox: %w", err)
	}
	e, err := q.db.GetOutbox(clientID)
	if err == nil && e == nil {
		err = ErrNotFound
	}
	if err != nil {
		return store.OutboxEntry{}, fmt.Errorf("read back outbox entry %s: %w", clientID, err)
	}

	q.mu.Lock()
	q.entries = append(q.entries, *e)
	q.mu.Unlock()

	q.bus.Publish(bus.NewEvent(bus.OutboxQueued, *e))
	return *e, nil
}

// Requeue makes a failed entry eligible for the next flush.
func (q *Queue) Requeue(clientID string) (store.OutboxEntry, error) {
	ok, err := q.db.RequeueOutbox(clientID)
	if err != nil {
		return store.OutboxEntry{}, fmt.Errorf("requeue %s: %w", clientID, err)
	}
	if !ok {
		return store.OutboxEntry{}, fmt.Errorf("requeue %s: %w", clientID, ErrNotFound)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexLocked(clientID)
	if i < 0 {
		e, err := q.db.GetOutbox(clientID)
		if err == nil && e == nil {
			err = ErrNotFound
		}
		if err != nil {
			return store.OutboxEntry{}, fmt.Errorf("read back %s: %w", clientID, err)
		}
		q.entries = append(q.entries, *e)
		i = len(q.entries) - 1
	}
	q.entries[i].Status = store.OutboxQueued
	q.entries[i].LastError = ""
	return q.entries[i], nil
}

// Get returns an entry by client id.
func (q *Queue) Get(clientID string) (store.OutboxEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if i := q.indexLocked(clientID); i >= 0 {
		return q.entries[i], true
	}
	return store.OutboxEntry{}, false
}

// Pending returns the entries eligible for flushing, oldest first.
func (q *Queue) Pending() []store.OutboxEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []store.OutboxEntry
	for _, e := range q.entries {
		if e.Status == store.OutboxQueued {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of entries held, queued or failed.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Flush submits every queued entry once. Each entry is marked sending and
// passed to onSubmit, when set, right before it goes to the server.
// Accepted entries are removed from memory and from the database;
// connectivity failures go back to queued for the next flush; rejected
// entries are parked as failed. A flush that starts while another is
// running returns nil immediately.
func (q *Queue) Flush(ctx context.Context, onSubmit func(store.OutboxEntry)) []Result {
	if !q.flushMu.TryLock() {
		q.logger.Debug("outbox flush already running")
		return nil
	}
	defer q.flushMu.Unlock()

	var results []Result
	for _, e := range q.Pending() {
		if ctx.Err() != nil {
			break
		}
		results = append(results, q.submit(ctx, e, onSubmit))
	}
	return results
}

func (q *Queue) submit(ctx context.Context, e store.OutboxEntry, onSubmit func(store.OutboxEntry)) Result {
	if err := q.db.MarkOutboxSending(e.ClientMsgID); err != nil {
		q.logger.Error("failed to mark sending", zap.Error(err), zap.String("client_msg_id", e.ClientMsgID))
	}
	e.Status = store.OutboxSending
	q.update(e.ClientMsgID, func(x *store.OutboxEntry) { x.Status = store.OutboxSending })
	if onSubmit != nil {
		onSubmit(e)
	}

	msg, err := q.sender.SendMessage(ctx, e.ThreadID, e.Body, e.ClientMsgID)
	if err == nil {
		if derr := q.db.DeleteOutbox(e.ClientMsgID); derr != nil {
			q.logger.Error("failed to delete sent outbox entry", zap.Error(derr), zap.String("client_msg_id", e.ClientMsgID))
		}
		q.remove(e.ClientMsgID)
		q.logger.Info("message sent", zap.String("client_msg_id", e.ClientMsgID), zap.String("msg_id", msg.ID))
		res := Result{Entry: e, Message: msg}
		q.bus.Publish(bus.NewEvent(bus.OutboxSent, res))
		return res
	}

	res := Result{Entry: e, Err: err, Network: remote.IsNetworkError(err)}
	if res.Network {
		if merr := q.db.MarkOutboxAttempt(e.ClientMsgID, err.Error()); merr != nil {
			q.logger.Error("failed to record outbox attempt", zap.Error(merr))
		}
		q.update(e.ClientMsgID, func(x *store.OutboxEntry) {
			x.Attempts++
			x.LastError = err.Error()
			x.Status = store.OutboxQueued
		})
		q.logger.Debug("send deferred, offline", zap.String("client_msg_id", e.ClientMsgID), zap.Error(err))
	} else {
		if merr := q.db.MarkOutboxFailed(e.ClientMsgID, err.Error()); merr != nil {
			q.logger.Error("failed to park rejected outbox entry", zap.Error(merr))
		}
		q.update(e.ClientMsgID, func(x *store.OutboxEntry) {
			x.Attempts++
			x.LastError = err.Error()
			x.Status = store.OutboxFailed
		})
		q.logger.Warn("send rejected", zap.String("client_msg_id", e.ClientMsgID), zap.Error(err))
	}
	res.Entry, _ = q.Get(e.ClientMsgID)
	q.bus.Publish(bus.NewEvent(bus.OutboxSendFailed, res))
	return res
}

func (q *Queue) remove(clientID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if i := q.indexLocked(clientID); i >= 0 {
		q.entries = slices.Delete(q.entries, i, i+1)
	}
}

func (q *Queue) update(clientID string, fn func(*store.OutboxEntry)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if i := q.indexLocked(clientID); i >= 0 {
		fn(&q.entries[i])
	}
}

func (q *Queue) indexLocked(clientID string) int {
	return slices.IndexFunc(q.entries, func(e store.OutboxEntry) bool { return e.ClientMsgID == clientID })
}
