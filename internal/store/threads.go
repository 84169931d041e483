package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

const threadColumns = `id, title, participants, unread_count, last_message_at, last_message_preview, updated_at`

// UpsertThread inserts or updates a cached thread summary.
func (db *DB) UpsertThread(t *Thread) error {
	return upsertThread(db.DB, t)
}

// ReplaceThreads swaps the whole cached thread list in one transaction.
// Messages of threads that disappeared are dropped too.
func (db *DB) ReplaceThreads(threads []Thread) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM threads`); err != nil {
		return fmt.Errorf("clear threads: %w", err)
	}
	for i := range threads {
		if err := upsertThread(tx, &threads[i]); err != nil {
			return fmt.Errorf("upsert thread %s: %w", threads[i].ID, err)
		}
	}
	if _, err := tx.Exec(`DELETE FROM messages WHERE thread_id NOT IN (SELECT id FROM threads)`); err != nil {
		return fmt.Errorf("prune messages: %w", err)
	}
	return tx.Commit()
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func upsertThread(ex execer, t *Thread) error {
	participants, err := json.Marshal(t.Participants)
	if err != nil {
		return err
	}
	_, err = ex.Exec(`
		INSERT INTO threads (`+threadColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			participants = excluded.participants,
			unread_count = excluded.unread_count,
			last_message_at = excluded.last_message_at,
			last_message_preview = excluded.last_message_preview,
			updated_at = excluded.updated_at`,
		t.ID, t.Title, string(participants), t.UnreadCount, t.LastMessageAt, t.LastMessagePreview, t.UpdatedAt)
	return err
}

// ListThreads returns cached threads, most recently updated first.
func (db *DB) ListThreads(limit int) ([]Thread, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := db.Query(`SELECT `+threadColumns+` FROM threads ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var threads []Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		threads = append(threads, *t)
	}
	return threads, rows.Err()
}

// GetThread returns a cached thread, or nil if unknown.
func (db *DB) GetThread(id string) (*Thread, error) {
	t, err := scanThread(db.QueryRow(`SELECT `+threadColumns+` FROM threads WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

// ClearCache drops every cached thread and message. The outbox and sync
// checkpoints are kept.
func (db *DB) ClearCache() error {
	if _, err := db.Exec(`DELETE FROM messages`); err != nil {
		return err
	}
	_, err := db.Exec(`DELETE FROM threads`)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanThread(s scanner) (*Thread, error) {
	var t Thread
	var participants string
	if err := s.Scan(&t.ID, &t.Title, &participants, &t.UnreadCount, &t.LastMessageAt, &t.LastMessagePreview, &t.UpdatedAt); err != nil {
		return nil, err
	}
	if participants != "" {
		if err := json.Unmarshal([]byte(participants), &t.Participants); err != nil {
			return nil, fmt.Errorf("thread %s participants: %w", t.ID, err)
		}
	}
	return &t, nil
}
