package store

// UpsertMessage inserts or updates a cached message (idempotent on
// thread_id + msg_id).
func (db *DB) UpsertMessage(m *Message) error {
	if m.MessageType == "" {
		m.MessageType = "text"
	}
	_, err := db.Exec(`
		INSERT INTO messages (thread_id, msg_id, client_id, sender_id, body, message_type, metadata, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(thread_id, msg_id) DO UPDATE SET
			body = excluded.body,
			metadata = excluded.metadata,
			status = excluded.status`,
		m.ThreadID, m.MsgID, m.ClientID, m.SenderID, m.Body, m.MessageType, m.Metadata, m.Status, m.CreatedAt)
	return err
}

// UpdateMessageStatus changes the status of a cached message.
func (db *DB) UpdateMessageStatus(threadID, msgID, status string) error {
	_, err := db.Exec(`UPDATE messages SET status = ? WHERE thread_id = ? AND msg_id = ?`, status, threadID, msgID)
	return err
}

// ListMessages returns the newest limit messages of a thread in
// chronological order.
func (db *DB) ListMessages(threadID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := db.Query(`
		SELECT thread_id, msg_id, client_id, sender_id, body, message_type, metadata, status, created_at
		FROM (
			SELECT * FROM messages WHERE thread_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		)
		ORDER BY created_at ASC, id ASC`, threadID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ThreadID, &m.MsgID, &m.ClientID, &m.SenderID, &m.Body, &m.MessageType, &m.Metadata, &m.Status, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
