package store

import "strings"

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// SearchMessages finds cached messages whose body contains query,
// case-insensitively (ASCII), newest first. An empty threadID searches
// every thread.
func (db *DB) SearchMessages(query, threadID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}

	q := `
		SELECT thread_id, msg_id, client_id, sender_id, body, message_type, metadata, status, created_at
		FROM messages
		WHERE body LIKE ? ESCAPE '\'`
	args := []any{"%" + likeEscaper.Replace(query) + "%"}
	if threadID != "" {
		q += " AND thread_id = ?"
		args = append(args, threadID)
	}
	q += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ThreadID, &m.MsgID, &m.ClientID, &m.SenderID, &m.Body, &m.MessageType, &m.Metadata, &m.Status, &m.CreatedAt); err != nil {
			return nil, err
		}
		results = append(results, m)
	}
	return results, rows.Err()
}
