// Package session owns the lifetime of a signed-in user: the private key
// reconciled between the local cache and the remote backup, the inbox
// syncer, and every open message channel. A session is created at sign-in
// and closed at sign-out.
package session

import (
	"crypto/ecdh"
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"glimpse/channel"
	"glimpse/config"
	"glimpse/crypto"
	"glimpse/inbox"
	"glimpse/keystore"
	"glimpse/notify"
	"glimpse/presence"
	"glimpse/realtime"
	"glimpse/storage"
)

// ErrClosed is returned by operations on a session after Close.
var ErrClosed = errors.New("session is closed")

// Session is the per-user runtime assembled at sign-in.
type Session struct {
	userID   string
	store    *storage.Store
	feed     realtime.Feed
	keys     *keystore.KeyStore
	sink     notify.Sink
	inbox    *inbox.Syncer
	presence *presence.Tracker

	// reconciled is closed once the initial key reconciliation attempt
	// finishes, whether or not it produced a key.
	reconciled chan struct{}

	mu       sync.Mutex
	key      *ecdh.PrivateKey
	channels map[string]*channel.Channel
	closed   bool
}

// Start signs a user in. The inbox begins syncing immediately; key
// reconciliation runs in the background and upgrades the inbox and any
// open channels when it completes.
func Start(userID string, cfg *config.ClientConfig, store *storage.Store, feed realtime.Feed) (*Session, error) {
	if userID == "" {
		return nil, errors.New("user_id is required")
	}
	if cfg == nil {
		return nil, errors.New("config is required")
	}

	var sink notify.Sink = notify.NewFeedSink(feed)
	if cfg.DisableNotifications {
		sink = notify.Discard{}
	}

	s := &Session{
		userID:     userID,
		store:      store,
		feed:       feed,
		keys:       keystore.New(cfg.KeyCacheDir, store),
		sink:       sink,
		presence:   presence.NewTracker(feed, cfg.TypingStale()),
		reconciled: make(chan struct{}),
		channels:   make(map[string]*channel.Channel),
	}

	s.inbox = inbox.New(userID, nil, store, feed)
	if err := s.inbox.Start(); err != nil {
		return nil, fmt.Errorf("start inbox sync: %w", err)
	}

	go s.reconcileKey()

	return s, nil
}

// UserID returns the signed-in user.
func (s *Session) UserID() string {
	return s.userID
}

// Inbox returns the conversation list syncer for this session.
func (s *Session) Inbox() *inbox.Syncer {
	return s.inbox
}

// Presence returns the typing-signal tracker for this session.
func (s *Session) Presence() *presence.Tracker {
	return s.presence
}

// Key returns the reconciled private key, or nil while reconciliation is
// still running or when no key exists anywhere.
func (s *Session) Key() *ecdh.PrivateKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key
}

// WaitReconcile blocks until the initial key reconciliation attempt has
// finished. Callers that must know whether history will decrypt, such as
// a first-run screen, wait on this before inspecting Key.
func (s *Session) WaitReconcile() {
	<-s.reconciled
}

// OpenChannel opens, or returns the already-open, message channel for a
// conversation. Channels opened here are upgraded automatically when the
// key arrives and are closed with the session.
func (s *Session) OpenChannel(conversationID string) (*channel.Channel, error) {
	if conversationID == "" {
		return nil, errors.New("conversation_id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if existing, ok := s.channels[conversationID]; ok {
		return existing, nil
	}

	ch, err := channel.Open(conversationID, s.userID, s.key, s.store, s.feed, s.sink)
	if err != nil {
		return nil, err
	}
	s.channels[conversationID] = ch
	return ch, nil
}

// ReleaseChannel closes the channel for a conversation and forgets it.
// Releasing a conversation that is not open is a no-op.
func (s *Session) ReleaseChannel(conversationID string) {
	s.mu.Lock()
	ch, ok := s.channels[conversationID]
	delete(s.channels, conversationID)
	s.mu.Unlock()

	if ok {
		ch.Close()
	}
}

// GenerateKeys creates a fresh keypair for a user with no key anywhere,
// caches it, backs it up remotely, and publishes the public half so peers
// can encrypt to this user. It is a registration-time operation; signing
// in never generates keys.
func (s *Session) GenerateKeys() (*ecdh.PrivateKey, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if s.key != nil {
		key := s.key
		s.mu.Unlock()
		return key, nil
	}
	s.mu.Unlock()

	key, err := s.keys.Generate(s.userID)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetUserPublicKey(s.userID, crypto.EncodePublicKey(key.PublicKey())); err != nil {
		return nil, fmt.Errorf("publish public key: %w", err)
	}

	s.deliverKey(key)
	return key, nil
}

// Close signs the user out: every open channel, the inbox syncer, and
// future session operations are shut down. Close is idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.key = nil
	channels := make([]*channel.Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		channels = append(channels, ch)
	}
	s.channels = nil
	s.mu.Unlock()

	for _, ch := range channels {
		ch.Close()
	}
	s.inbox.Close()
}

// reconcileKey runs the local-versus-remote key reconciliation once and
// fans the result out. A user without a key anywhere stays locked until
// GenerateKeys runs.
func (s *Session) reconcileKey() {
	defer close(s.reconciled)

	key, err := s.keys.Reconcile(s.userID)
	if err != nil {
		if errors.Is(err, crypto.ErrNoKey) {
			log.WithField("user_id", s.userID).Info("no private key anywhere, messages stay locked")
		} else {
			log.WithFields(log.Fields{"user_id": s.userID, "error": err}).Warn("key reconciliation failed")
		}
		return
	}

	s.deliverKey(key)
}

// deliverKey installs the key and upgrades the inbox and all open
// channels. Refresh failures are logged; the key itself always lands.
func (s *Session) deliverKey(key *ecdh.PrivateKey) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.key = key
	channels := make([]*channel.Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		channels = append(channels, ch)
	}
	s.mu.Unlock()

	if err := s.inbox.SetKey(key); err != nil {
		log.WithFields(log.Fields{"user_id": s.userID, "error": err}).Warn("inbox key upgrade failed")
	}
	for _, ch := range channels {
		if err := ch.SetKey(key); err != nil {
			log.WithFields(log.Fields{"user_id": s.userID, "error": err}).Warn("channel key upgrade failed")
		}
	}
}
