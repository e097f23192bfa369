package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// InsertMessage stores a new message and returns the authoritative row.
// A missing message ID or timestamp is assigned here, so callers that
// appended an optimistic entry can reconcile it with the returned IDs.
func (s *Store) InsertMessage(message Message) (*Message, error) {
	if message.ConversationID == "" {
		return nil, errors.New("conversation_id is required")
	}
	if message.SenderID == "" {
		return nil, errors.New("sender_id is required")
	}
	if message.Content == "" {
		return nil, errors.New("content is required")
	}
	if message.Kind == "" {
		message.Kind = KindText
	}
	if err := validateKind(message.Kind); err != nil {
		return nil, err
	}
	if message.MessageID == "" {
		message.MessageID = uuid.NewString()
	}
	if message.CreatedAt == 0 {
		message.CreatedAt = nowUnixMilli()
	}

	isRead := 0
	if message.IsRead {
		isRead = 1
	}

	_, err := s.db.Exec(
		`INSERT INTO messages (
			message_id,
			conversation_id,
			sender_id,
			kind,
			content,
			created_at,
			is_read
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		message.MessageID,
		message.ConversationID,
		message.SenderID,
		message.Kind,
		message.Content,
		message.CreatedAt,
		isRead,
	)
	if err != nil {
		return nil, fmt.Errorf("insert message %q: %w", message.MessageID, err)
	}

	return &message, nil
}

// GetMessages returns conversation messages ordered by created_at ascending.
// A limit of zero or less returns the whole conversation.
func (s *Store) GetMessages(conversationID string, limit, offset int) ([]Message, error) {
	if conversationID == "" {
		return nil, errors.New("conversation_id is required")
	}
	if limit <= 0 {
		// SQLite treats a negative LIMIT as unbounded.
		limit = -1
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(
		`SELECT
			message_id,
			conversation_id,
			sender_id,
			kind,
			content,
			created_at,
			is_read
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, message_id ASC
		LIMIT ? OFFSET ?`,
		conversationID,
		limit,
		offset,
	)
	if err != nil {
		return nil, fmt.Errorf("get messages for conversation %q: %w", conversationID, err)
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, *message)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	return messages, nil
}

// GetMessageByID fetches one message by message ID.
func (s *Store) GetMessageByID(messageID string) (*Message, error) {
	if messageID == "" {
		return nil, errors.New("message_id is required")
	}

	row := s.db.QueryRow(
		`SELECT
			message_id,
			conversation_id,
			sender_id,
			kind,
			content,
			created_at,
			is_read
		FROM messages
		WHERE message_id = ?`,
		messageID,
	)

	message, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message %q: %w", messageID, err)
	}
	return message, nil
}

// MarkConversationRead flips every unread message authored by someone other
// than the viewer to read. The read flag only moves unread to read, so
// repeated calls are no-ops, not errors.
func (s *Store) MarkConversationRead(conversationID, viewerID string) (int64, error) {
	if conversationID == "" {
		return 0, errors.New("conversation_id is required")
	}
	if viewerID == "" {
		return 0, errors.New("viewer_id is required")
	}

	res, err := s.db.Exec(
		`UPDATE messages
		SET is_read = 1
		WHERE conversation_id = ? AND sender_id != ? AND is_read = 0`,
		conversationID,
		viewerID,
	)
	if err != nil {
		return 0, fmt.Errorf("mark conversation %q read: %w", conversationID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for mark read %q: %w", conversationID, err)
	}

	return rowsAffected, nil
}

// UnreadCount returns the viewer's unread message count in one conversation.
func (s *Store) UnreadCount(conversationID, viewerID string) (int, error) {
	if conversationID == "" {
		return 0, errors.New("conversation_id is required")
	}
	if viewerID == "" {
		return 0, errors.New("viewer_id is required")
	}

	var count int
	if err := s.db.QueryRow(
		`SELECT COUNT(*)
		FROM messages
		WHERE conversation_id = ? AND sender_id != ? AND is_read = 0`,
		conversationID,
		viewerID,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("count unread for conversation %q: %w", conversationID, err)
	}

	return count, nil
}

// DeleteMessage replaces a message's content with the deleted marker.
// Only the sender may delete; the row stays so history ordering holds.
func (s *Store) DeleteMessage(messageID, senderID string) error {
	if messageID == "" {
		return errors.New("message_id is required")
	}
	if senderID == "" {
		return errors.New("sender_id is required")
	}

	res, err := s.db.Exec(
		`UPDATE messages
		SET kind = ?, content = ?
		WHERE message_id = ? AND sender_id = ?`,
		KindDeleted,
		KindDeleted,
		messageID,
		senderID,
	)
	if err != nil {
		return fmt.Errorf("delete message %q: %w", messageID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for delete message %q: %w", messageID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

func scanMessage(row scanner) (*Message, error) {
	var (
		message Message
		isRead  int
	)

	if err := row.Scan(
		&message.MessageID,
		&message.ConversationID,
		&message.SenderID,
		&message.Kind,
		&message.Content,
		&message.CreatedAt,
		&isRead,
	); err != nil {
		return nil, err
	}

	message.IsRead = isRead == 1
	return &message, nil
}
