package sync

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/matheus3301/chatsync/internal/conversation"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// Checkpoint keys in the sync_state table.
const (
	CheckpointLastPoll   = "last_poll_at"
	CheckpointLastCursor = "last_cursor"
)

// cachedMessagesPerThread bounds how much history is loaded at startup.
const cachedMessagesPerThread = 200

// Reconciler persists sync checkpoints and mirrors the conversation store
// into the local cache. A nil database turns every method into a no-op.
type Reconciler struct {
	db     *store.DB
	logger *zap.Logger
}

// NewReconciler creates a new reconciler.
func NewReconciler(db *store.DB, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{db: db, logger: logger}
}

// UpdateCheckpoint updates a sync checkpoint value.
func (r *Reconciler) UpdateCheckpoint(key, value string) error {
	if r.db == nil {
		return nil
	}
	return r.db.SetSyncState(key, value)
}

// GetCheckpoint retrieves a sync checkpoint value, "" when unset.
func (r *Reconciler) GetCheckpoint(key string) (string, error) {
	if r.db == nil {
		return "", nil
	}
	return r.db.GetSyncState(key)
}

// LastPoll returns the time of the last successful poll pass.
func (r *Reconciler) LastPoll() time.Time {
	v, err := r.GetCheckpoint(CheckpointLastPoll)
	if err != nil || v == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Load reads the cached threads and their recent messages.
func (r *Reconciler) Load() ([]conversation.Thread, map[string][]conversation.Message, error) {
	if r.db == nil {
		return nil, nil, nil
	}
	rows, err := r.db.ListThreads(0)
	if err != nil {
		return nil, nil, err
	}
	threads := make([]conversation.Thread, 0, len(rows))
	msgs := make(map[string][]conversation.Message, len(rows))
	for _, row := range rows {
		threads = append(threads, threadFromRow(row))
		cached, err := r.db.ListMessages(row.ID, cachedMessagesPerThread)
		if err != nil {
			return nil, nil, err
		}
		for _, m := range cached {
			msgs[row.ID] = append(msgs[row.ID], messageFromRow(m))
		}
	}
	return threads, msgs, nil
}

// SaveThreads replaces the cached thread list.
func (r *Reconciler) SaveThreads(threads []conversation.Thread) {
	if r.db == nil {
		return
	}
	rows := make([]store.Thread, 0, len(threads))
	for _, t := range threads {
		rows = append(rows, threadToRow(t))
	}
	if err := r.db.ReplaceThreads(rows); err != nil {
		r.logger.Error("failed to cache threads", zap.Error(err), zap.Int("count", len(rows)))
	}
}

// SaveMessages upserts messages into the cache.
func (r *Reconciler) SaveMessages(msgs ...conversation.Message) {
	if r.db == nil {
		return
	}
	for _, m := range msgs {
		if err := r.db.UpsertMessage(messageToRow(m)); err != nil {
			r.logger.Error("failed to cache message", zap.Error(err),
				zap.String("thread_id", m.ThreadID), zap.String("msg_id", m.ID))
		}
	}
}

// SaveStatus records a receipt for a cached message.
func (r *Reconciler) SaveStatus(threadID, msgID string, st conversation.Status) {
	if r.db == nil || threadID == "" {
		return
	}
	if err := r.db.UpdateMessageStatus(threadID, msgID, string(st)); err != nil {
		r.logger.Error("failed to cache receipt", zap.Error(err), zap.String("msg_id", msgID))
	}
}

// Clear drops the cached conversations. The outbox is kept.
func (r *Reconciler) Clear() {
	if r.db == nil {
		return
	}
	if err := r.db.ClearCache(); err != nil {
		r.logger.Error("failed to clear cache", zap.Error(err))
	}
}

func threadToRow(t conversation.Thread) store.Thread {
	return store.Thread{
		ID:                 t.ID,
		Title:              t.Title,
		Participants:       t.Participants,
		UnreadCount:        t.UnreadCount,
		LastMessageAt:      millis(t.LastMessage.CreatedAt),
		LastMessagePreview: truncate(t.LastMessage.Body, 100),
		UpdatedAt:          millis(t.UpdatedAt),
	}
}

func threadFromRow(row store.Thread) conversation.Thread {
	return conversation.Thread{
		ID:           row.ID,
		Title:        row.Title,
		Participants: row.Participants,
		UnreadCount:  row.UnreadCount,
		LastMessage: conversation.Preview{
			Body:      row.LastMessagePreview,
			CreatedAt: fromMillis(row.LastMessageAt),
		},
		UpdatedAt: fromMillis(row.UpdatedAt),
	}
}

func messageToRow(m conversation.Message) *store.Message {
	var meta string
	if len(m.Metadata) > 0 {
		if b, err := json.Marshal(m.Metadata); err == nil {
			meta = string(b)
		}
	}
	return &store.Message{
		ThreadID:    m.ThreadID,
		MsgID:       m.ID,
		ClientID:    m.ClientID,
		SenderID:    m.SenderID,
		Body:        m.Body,
		MessageType: m.Type,
		Metadata:    meta,
		Status:      string(m.Status),
		CreatedAt:   millis(m.CreatedAt),
	}
}

func messageFromRow(row store.Message) conversation.Message {
	m := conversation.Message{
		ID:        row.MsgID,
		ThreadID:  row.ThreadID,
		ClientID:  row.ClientID,
		SenderID:  row.SenderID,
		Body:      row.Body,
		Type:      row.MessageType,
		CreatedAt: fromMillis(row.CreatedAt),
		Status:    conversation.Status(row.Status),
	}
	if row.Metadata != "" {
		if meta, ok := gjson.Parse(row.Metadata).Value().(map[string]any); ok {
			m.Metadata = meta
		}
	}
	return m
}

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

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen])
}
