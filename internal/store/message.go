package store

import (
	"strings"
	"time"
)

// UpsertMessage inserts or updates a message (idempotent on conversation_id + msg_id).
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (conversation_id, msg_id, sender_id, sender_username, content, message_type, file, reply_to_id, is_read, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
			sender_username = excluded.sender_username,
			content = excluded.content,
			file = excluded.file,
			is_read = excluded.is_read OR messages.is_read`,
		m.ConversationID, m.MsgID, m.SenderID, m.SenderUsername, m.Content, m.MessageType, m.File, m.ReplyToID, m.IsRead, m.Timestamp, now)
	return err
}

// ListMessages returns messages of a conversation using keyset pagination by
// timestamp, newest first.
func (db *DB) ListMessages(conversationID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, conversation_id, msg_id, sender_id, sender_username, content, message_type, file, reply_to_id, is_read, timestamp
		FROM messages
		WHERE conversation_id = ? AND timestamp < ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`, conversationID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// DeleteMessages removes messages of a conversation and returns how many were deleted.
func (db *DB) DeleteMessages(conversationID string, msgIDs []string) (int64, error) {
	if len(msgIDs) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(msgIDs)+1)
	args = append(args, conversationID)
	for _, id := range msgIDs {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(msgIDs)), ",")
	res, err := db.Exec(`DELETE FROM messages WHERE conversation_id = ? AND msg_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// MarkConversationRead flags every cached message of a conversation as read.
func (db *DB) MarkConversationRead(conversationID string) error {
	_, err := db.Exec(`UPDATE messages SET is_read = 1 WHERE conversation_id = ?`, conversationID)
	return err
}

// SearchMessages returns messages whose content contains query, newest first.
func (db *DB) SearchMessages(query, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `
		SELECT id, conversation_id, msg_id, sender_id, sender_username, content, message_type, file, reply_to_id, is_read, timestamp
		FROM messages
		WHERE content LIKE ? ESCAPE '\'`
	args := []any{"%" + escapeLike(query) + "%"}
	if conversationID != "" {
		q += " AND conversation_id = ?"
		args = append(args, conversationID)
	}
	q += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

func scanMessages(rows rowScanner) ([]Message, error) {
	defer func() { _ = rows.Close() }()
	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.MsgID, &m.SenderID, &m.SenderUsername, &m.Content,
			&m.MessageType, &m.File, &m.ReplyToID, &m.IsRead, &m.Timestamp); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
