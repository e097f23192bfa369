package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// PutKeyBackup stores (or refreshes) a user's key backup secret.
func (s *Store) PutKeyBackup(userID, secret string) error {
	if userID == "" {
		return errors.New("user_id is required")
	}
	if secret == "" {
		return errors.New("secret is required")
	}

	_, err := s.db.Exec(
		`INSERT INTO key_backups (user_id, secret, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			secret = excluded.secret,
			updated_at = excluded.updated_at`,
		userID,
		secret,
		nowUnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("put key backup for user %q: %w", userID, err)
	}

	return nil
}

// GetKeyBackup fetches a user's key backup secret.
func (s *Store) GetKeyBackup(userID string) (string, error) {
	if userID == "" {
		return "", errors.New("user_id is required")
	}

	var secret string
	if err := s.db.QueryRow(
		`SELECT secret FROM key_backups WHERE user_id = ?`,
		userID,
	).Scan(&secret); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get key backup for user %q: %w", userID, err)
	}

	return secret, nil
}
