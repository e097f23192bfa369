package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// GetOrCreateDirectConversation returns the direct conversation between two
// users, creating it on first contact. A direct pair is never duplicated:
// a second call with the same users in either order returns the same row.
func (s *Store) GetOrCreateDirectConversation(userA, userB string) (*Conversation, error) {
	if userA == "" || userB == "" {
		return nil, errors.New("both user IDs are required")
	}
	if userA == userB {
		return nil, errors.New("direct conversation requires two distinct users")
	}

	existing, err := s.findDirectConversation(userA, userB)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if err == nil {
		return existing, nil
	}

	conversation := Conversation{
		ConversationID: uuid.NewString(),
		CreatedAt:      nowUnixMilli(),
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin conversation transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.Exec(
		`INSERT INTO conversations (conversation_id, is_group, title, created_at)
		VALUES (?, 0, '', ?)`,
		conversation.ConversationID,
		conversation.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}

	for _, userID := range []string{userA, userB} {
		if _, err := tx.Exec(
			`INSERT INTO conversation_participants (conversation_id, user_id, joined_at)
			VALUES (?, ?, ?)`,
			conversation.ConversationID,
			userID,
			conversation.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("insert participant %q: %w", userID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit conversation transaction: %w", err)
	}

	return &conversation, nil
}

func (s *Store) findDirectConversation(userA, userB string) (*Conversation, error) {
	row := s.db.QueryRow(
		`SELECT c.conversation_id, c.is_group, c.title, c.created_at
		FROM conversations c
		JOIN conversation_participants pa
			ON pa.conversation_id = c.conversation_id AND pa.user_id = ?
		JOIN conversation_participants pb
			ON pb.conversation_id = c.conversation_id AND pb.user_id = ?
		WHERE c.is_group = 0
		LIMIT 1`,
		userA,
		userB,
	)

	conversation, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find direct conversation: %w", err)
	}

	return conversation, nil
}

// GetConversation fetches one conversation by ID.
func (s *Store) GetConversation(conversationID string) (*Conversation, error) {
	if conversationID == "" {
		return nil, errors.New("conversation_id is required")
	}

	row := s.db.QueryRow(
		`SELECT conversation_id, is_group, title, created_at
		FROM conversations
		WHERE conversation_id = ?`,
		conversationID,
	)

	conversation, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get conversation %q: %w", conversationID, err)
	}

	return conversation, nil
}

// GetParticipants returns all participant user IDs of a conversation.
func (s *Store) GetParticipants(conversationID string) ([]string, error) {
	if conversationID == "" {
		return nil, errors.New("conversation_id is required")
	}

	rows, err := s.db.Query(
		`SELECT user_id
		FROM conversation_participants
		WHERE conversation_id = ?
		ORDER BY joined_at ASC, user_id ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("get participants for %q: %w", conversationID, err)
	}
	defer rows.Close()

	participants := make([]string, 0)
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("scan participant row: %w", err)
		}
		participants = append(participants, userID)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participant rows: %w", err)
	}

	return participants, nil
}

// AddParticipant adds a user to a conversation; re-adding is a no-op.
func (s *Store) AddParticipant(conversationID, userID string) error {
	if conversationID == "" {
		return errors.New("conversation_id is required")
	}
	if userID == "" {
		return errors.New("user_id is required")
	}

	_, err := s.db.Exec(
		`INSERT INTO conversation_participants (conversation_id, user_id, joined_at)
		VALUES (?, ?, ?)
		ON CONFLICT(conversation_id, user_id) DO NOTHING`,
		conversationID,
		userID,
		nowUnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("add participant %q to %q: %w", userID, conversationID, err)
	}

	return nil
}

func scanConversation(row scanner) (*Conversation, error) {
	var (
		conversation Conversation
		isGroup      int
	)

	if err := row.Scan(
		&conversation.ConversationID,
		&isGroup,
		&conversation.Title,
		&conversation.CreatedAt,
	); err != nil {
		return nil, err
	}

	conversation.IsGroup = isGroup == 1
	return &conversation, nil
}
