// Package keystore owns a user's private key material across its two
// locations: the local cache on disk and the remote backup. Reconcile
// converges both to the same value on every session start without ever
// fabricating a key or clobbering an existing one with nothing.
package keystore

import (
	"crypto/ecdh"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"glimpse/crypto"
)

// BlobStore is the remote backup location: get/put of an opaque secret
// string keyed by user ID. storage.Store satisfies it directly.
type BlobStore interface {
	GetKeyBackup(userID string) (string, error)
	PutKeyBackup(userID, secret string) error
}

// KeyStore reconciles a user's key material between the local cache
// directory and the remote backup store.
type KeyStore struct {
	dir    string
	remote BlobStore
}

// New creates a KeyStore caching keys under dir.
func New(dir string, remote BlobStore) *KeyStore {
	return &KeyStore{dir: dir, remote: remote}
}

// LocalKey loads the user's key from the local cache. Returns
// crypto.ErrNoKey when the cache has no key for this user.
func (k *KeyStore) LocalKey(userID string) (*ecdh.PrivateKey, error) {
	return crypto.LoadPrivateKey(k.localPath(userID))
}

// RemoteKey loads the user's key from the remote backup. Returns
// crypto.ErrNoKey when no backup exists.
func (k *KeyStore) RemoteKey(userID string) (*ecdh.PrivateKey, error) {
	secret, err := k.remote.GetKeyBackup(userID)
	if err != nil {
		return nil, crypto.ErrNoKey
	}

	key, err := crypto.DecodeSecret(secret)
	if err != nil {
		return nil, fmt.Errorf("decode remote key backup: %w", err)
	}

	return key, nil
}

// Reconcile converges the local cache and the remote backup. It backs up a
// local-only key, restores a remote-only key into the cache, and leaves
// matching copies alone. It is idempotent and safe to run on every session
// start. Write failures are logged and non-fatal: the read path still
// returns whatever key was available. Reconcile never generates a key; when
// neither location has one it returns crypto.ErrNoKey and the caller treats
// the account as unable to decrypt.
func (k *KeyStore) Reconcile(userID string) (*ecdh.PrivateKey, error) {
	local, localErr := k.LocalKey(userID)
	if localErr != nil && !errors.Is(localErr, crypto.ErrNoKey) {
		logrus.WithFields(logrus.Fields{
			"user_id": userID,
		}).WithError(localErr).Warn("local key cache unreadable, treating as absent")
		local = nil
	}

	remote, remoteErr := k.RemoteKey(userID)
	if remoteErr != nil && !errors.Is(remoteErr, crypto.ErrNoKey) {
		logrus.WithFields(logrus.Fields{
			"user_id": userID,
		}).WithError(remoteErr).Warn("remote key backup unreadable, treating as absent")
		remote = nil
	}

	switch {
	case local != nil && remote == nil:
		if err := k.remote.PutKeyBackup(userID, crypto.EncodeSecret(local)); err != nil {
			logrus.WithFields(logrus.Fields{
				"user_id": userID,
			}).WithError(err).Warn("key backup write failed, will retry next session")
		}
		return local, nil

	case local == nil && remote != nil:
		if err := k.StoreLocal(userID, remote); err != nil {
			logrus.WithFields(logrus.Fields{
				"user_id": userID,
			}).WithError(err).Warn("key restore into local cache failed, will retry next session")
		}
		return remote, nil

	case local != nil && remote != nil:
		// The key in use on this device wins; push it back out so both
		// locations converge without the user re-entering anything.
		if crypto.EncodeSecret(local) != crypto.EncodeSecret(remote) {
			logrus.WithFields(logrus.Fields{
				"user_id": userID,
			}).Warn("local and remote key material diverged, backing up local copy")
			if err := k.remote.PutKeyBackup(userID, crypto.EncodeSecret(local)); err != nil {
				logrus.WithFields(logrus.Fields{
					"user_id": userID,
				}).WithError(err).Warn("key backup write failed, will retry next session")
			}
		}
		return local, nil

	default:
		return nil, crypto.ErrNoKey
	}
}

// StoreLocal writes a key into the local cache.
func (k *KeyStore) StoreLocal(userID string, key *ecdh.PrivateKey) error {
	if err := os.MkdirAll(k.dir, 0o700); err != nil {
		return fmt.Errorf("create key cache directory: %w", err)
	}
	return crypto.SavePrivateKey(k.localPath(userID), key)
}

// Generate creates brand-new key material for a user and writes it to both
// locations. This is a registration-time operation, deliberately separate
// from Reconcile, which never creates keys.
func (k *KeyStore) Generate(userID string) (*ecdh.PrivateKey, error) {
	key, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	if err := k.StoreLocal(userID, key); err != nil {
		return nil, err
	}
	if err := k.remote.PutKeyBackup(userID, crypto.EncodeSecret(key)); err != nil {
		logrus.WithFields(logrus.Fields{
			"user_id": userID,
		}).WithError(err).Warn("key backup write failed, will retry next session")
	}

	return key, nil
}

func (k *KeyStore) localPath(userID string) string {
	return filepath.Join(k.dir, userID+".pem")
}
