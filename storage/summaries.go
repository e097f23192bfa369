package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// ConversationSummaries returns one aggregate row per conversation the
// viewer participates in: the other participant, the latest message, and
// the unread count, ordered by most recent activity descending. Everything
// comes back in a single query, so the cost is one round trip regardless
// of how many messages each conversation holds.
func (s *Store) ConversationSummaries(viewerID string) ([]ConversationSummary, error) {
	if viewerID == "" {
		return nil, errors.New("viewer_id is required")
	}

	rows, err := s.db.Query(
		`SELECT
			c.conversation_id,
			c.is_group,
			c.title,
			c.created_at,
			m.message_id,
			m.sender_id,
			m.kind,
			m.content,
			m.created_at,
			m.is_read,
			(SELECT COUNT(*)
				FROM messages u
				WHERE u.conversation_id = c.conversation_id
					AND u.sender_id != ?
					AND u.is_read = 0) AS unread_count,
			o.user_id,
			o.username,
			o.avatar_url,
			o.public_key,
			o.created_at
		FROM conversations c
		JOIN conversation_participants p
			ON p.conversation_id = c.conversation_id AND p.user_id = ?
		LEFT JOIN messages m
			ON m.message_id = (
				SELECT m2.message_id
				FROM messages m2
				WHERE m2.conversation_id = c.conversation_id
				ORDER BY m2.created_at DESC, m2.message_id DESC
				LIMIT 1)
		LEFT JOIN users o
			ON o.user_id = (
				SELECT p2.user_id
				FROM conversation_participants p2
				WHERE p2.conversation_id = c.conversation_id AND p2.user_id != ?
				ORDER BY p2.joined_at ASC, p2.user_id ASC
				LIMIT 1)
		ORDER BY COALESCE(m.created_at, c.created_at) DESC, c.conversation_id ASC`,
		viewerID,
		viewerID,
		viewerID,
	)
	if err != nil {
		return nil, fmt.Errorf("get conversation summaries for %q: %w", viewerID, err)
	}
	defer rows.Close()

	summaries := make([]ConversationSummary, 0)
	for rows.Next() {
		summary, err := scanSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("scan summary row: %w", err)
		}
		summaries = append(summaries, *summary)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate summary rows: %w", err)
	}

	return summaries, nil
}

func scanSummary(row scanner) (*ConversationSummary, error) {
	var (
		summary ConversationSummary
		isGroup int

		messageID sql.NullString
		senderID  sql.NullString
		kind      sql.NullString
		content   sql.NullString
		createdAt sql.NullInt64
		isRead    sql.NullInt64

		otherID        sql.NullString
		otherUsername  sql.NullString
		otherAvatarURL sql.NullString
		otherPublicKey sql.NullString
		otherCreatedAt sql.NullInt64
	)

	if err := row.Scan(
		&summary.Conversation.ConversationID,
		&isGroup,
		&summary.Conversation.Title,
		&summary.Conversation.CreatedAt,
		&messageID,
		&senderID,
		&kind,
		&content,
		&createdAt,
		&isRead,
		&summary.UnreadCount,
		&otherID,
		&otherUsername,
		&otherAvatarURL,
		&otherPublicKey,
		&otherCreatedAt,
	); err != nil {
		return nil, err
	}

	summary.Conversation.IsGroup = isGroup == 1
	summary.LastActivity = summary.Conversation.CreatedAt

	if messageID.Valid {
		summary.LastMessage = &Message{
			MessageID:      messageID.String,
			ConversationID: summary.Conversation.ConversationID,
			SenderID:       senderID.String,
			Kind:           kind.String,
			Content:        content.String,
			CreatedAt:      createdAt.Int64,
			IsRead:         isRead.Int64 == 1,
		}
		summary.LastActivity = createdAt.Int64
	}

	if otherID.Valid {
		summary.Other = &User{
			UserID:    otherID.String,
			Username:  otherUsername.String,
			AvatarURL: otherAvatarURL.String,
			PublicKey: otherPublicKey.String,
			CreatedAt: otherCreatedAt.Int64,
		}
	}

	return &summary, nil
}
