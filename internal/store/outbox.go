package store

import (
	"database/sql"
	"errors"
	"strings"
	"time"
)

const outboxColumns = `id, client_msg_id, thread_id, body, status, attempts, last_error, created_at`

// QueueOutbox persists a new outbound message keyed by its client id.
func (db *DB) QueueOutbox(clientMsgID, threadID, body string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (client_msg_id, thread_id, body, status, created_at, updated_at)
		VALUES (?, ?, ?, 'queued', ?, ?)`,
		clientMsgID, threadID, body, now, now)
	return err
}

// DeleteOutbox removes an entry once the server has accepted it.
func (db *DB) DeleteOutbox(clientMsgID string) error {
	_, err := db.Exec(`DELETE FROM outbox WHERE client_msg_id = ?`, clientMsgID)
	return err
}

// MarkOutboxSending records that an entry has been handed to the server.
func (db *DB) MarkOutboxSending(clientMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sending', updated_at = ? WHERE client_msg_id = ?`, now, clientMsgID)
	return err
}

// MarkOutboxAttempt records a failed submission and puts the entry back
// in the queue.
func (db *DB) MarkOutboxAttempt(clientMsgID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET status = 'queued', attempts = attempts + 1, last_error = ?, updated_at = ?
		WHERE client_msg_id = ?`, errMsg, now, clientMsgID)
	return err
}

// MarkOutboxFailed parks an entry the server rejected. It is not flushed
// again until RequeueOutbox.
func (db *DB) MarkOutboxFailed(clientMsgID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET status = 'failed', attempts = attempts + 1, last_error = ?, updated_at = ?
		WHERE client_msg_id = ?`, errMsg, now, clientMsgID)
	return err
}

// RequeueOutbox makes a failed entry eligible for flushing again.
// Returns false if no such entry exists.
func (db *DB) RequeueOutbox(clientMsgID string) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE outbox SET status = 'queued', last_error = '', updated_at = ?
		WHERE client_msg_id = ?`, now, clientMsgID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// GetOutbox returns one entry, or nil if it does not exist.
func (db *DB) GetOutbox(clientMsgID string) (*OutboxEntry, error) {
	var e OutboxEntry
	err := db.QueryRow(`SELECT `+outboxColumns+` FROM outbox WHERE client_msg_id = ?`, clientMsgID).
		Scan(&e.ID, &e.ClientMsgID, &e.ThreadID, &e.Body, &e.Status, &e.Attempts, &e.LastError, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// PendingOutbox returns queued entries, oldest first. Entries left in
// 'sending' by an interrupted submission are included.
func (db *DB) PendingOutbox() ([]OutboxEntry, error) {
	return db.listOutbox(OutboxQueued, OutboxSending)
}

// FailedOutbox returns entries parked after a rejection, oldest first.
func (db *DB) FailedOutbox() ([]OutboxEntry, error) {
	return db.listOutbox(OutboxFailed)
}

func (db *DB) listOutbox(statuses ...string) ([]OutboxEntry, error) {
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = st
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	rows, err := db.Query(`SELECT `+outboxColumns+` FROM outbox WHERE status IN (`+placeholders+`) ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.ClientMsgID, &e.ThreadID, &e.Body, &e.Status, &e.Attempts, &e.LastError, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
