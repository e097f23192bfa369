package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// UpsertUser inserts or refreshes an account snapshot.
func (s *Store) UpsertUser(user User) error {
	if user.UserID == "" {
		return errors.New("user_id is required")
	}
	if user.Username == "" {
		return errors.New("username is required")
	}
	if user.CreatedAt == 0 {
		user.CreatedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO users (user_id, username, avatar_url, public_key, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			username = excluded.username,
			avatar_url = excluded.avatar_url,
			public_key = excluded.public_key`,
		user.UserID,
		user.Username,
		user.AvatarURL,
		user.PublicKey,
		user.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert user %q: %w", user.UserID, err)
	}

	return nil
}

// GetUser fetches one account snapshot by user ID.
func (s *Store) GetUser(userID string) (*User, error) {
	if userID == "" {
		return nil, errors.New("user_id is required")
	}

	row := s.db.QueryRow(
		`SELECT user_id, username, avatar_url, public_key, created_at
		FROM users
		WHERE user_id = ?`,
		userID,
	)

	var user User
	if err := row.Scan(&user.UserID, &user.Username, &user.AvatarURL, &user.PublicKey, &user.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user %q: %w", userID, err)
	}

	return &user, nil
}

// SetUserPublicKey publishes a user's encryption public key.
func (s *Store) SetUserPublicKey(userID, publicKey string) error {
	if userID == "" {
		return errors.New("user_id is required")
	}

	res, err := s.db.Exec(
		`UPDATE users SET public_key = ? WHERE user_id = ?`,
		publicKey,
		userID,
	)
	if err != nil {
		return fmt.Errorf("set public key for user %q: %w", userID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for set public key %q: %w", userID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}
