// Package channel implements per-conversation message history and the send
// pipeline: encrypt, optimistic append, remote insert, confirm or roll
// back. Snapshots are always replaced wholesale so out-of-order realtime
// events cannot corrupt ordering.
package channel

import (
	"crypto/ecdh"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"glimpse/crypto"
	"glimpse/models"
	"glimpse/notify"
	"glimpse/realtime"
	"glimpse/storage"
)

// ErrKeyUnavailable means the viewer has no key material; sending is
// refused until key reconciliation produces one.
var ErrKeyUnavailable = errors.New("channel: key material unavailable")

// ErrGroupSendUnsupported means the conversation has more than two
// participants; the pairwise envelope cannot address it.
var ErrGroupSendUnsupported = errors.New("channel: group conversations are read-only")

// SendError reports a failed send. The optimistic entry has already been
// rolled back; Plaintext carries the original text so the composer can
// resubmit it unchanged.
type SendError struct {
	Plaintext string
	Err       error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("channel: send failed: %v", e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// Store is the subset of the persistent store the channel needs.
type Store interface {
	GetMessages(conversationID string, limit, offset int) ([]storage.Message, error)
	InsertMessage(message storage.Message) (*storage.Message, error)
	MarkConversationRead(conversationID, viewerID string) (int64, error)
	GetParticipants(conversationID string) ([]string, error)
	GetUser(userID string) (*storage.User, error)
}

// Channel is one open conversation. The zero value is not usable; call
// Open.
type Channel struct {
	conversationID string
	viewerID       string
	store          Store
	feed           realtime.Feed
	sink           notify.Sink

	mu       sync.Mutex
	key      *ecdh.PrivateKey
	messages []models.Message
	onUpdate func([]models.Message)
	sub      *realtime.Subscription
	closed   bool
	gen      uint64
}

// Open creates a channel for one conversation, loads the initial history,
// and subscribes to message events so the history stays live. key may be
// nil: history then shows the locked sentinel for every text message and
// Send is refused until SetKey delivers key material.
func Open(conversationID, viewerID string, key *ecdh.PrivateKey, store Store, feed realtime.Feed, sink notify.Sink) (*Channel, error) {
	c := &Channel{
		conversationID: conversationID,
		viewerID:       viewerID,
		store:          store,
		feed:           feed,
		sink:           sink,
		key:            key,
	}

	if err := c.Refresh(); err != nil {
		return nil, err
	}

	c.sub = feed.Subscribe(realtime.ResourceMessages, conversationID, func(realtime.Event) {
		if err := c.Refresh(); err != nil {
			logrus.WithFields(logrus.Fields{
				"conversation_id": conversationID,
			}).WithError(err).Warn("history refresh after realtime event failed")
		}
	})

	return c, nil
}

// OnUpdate registers the listener that receives each new history snapshot.
// Only one listener is supported; the owning view registers itself.
func (c *Channel) OnUpdate(fn func([]models.Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onUpdate = fn
}

// SetKey installs key material that became available after Open, then
// re-decrypts the history so locked entries upgrade to plaintext.
func (c *Channel) SetKey(key *ecdh.PrivateKey) error {
	c.mu.Lock()
	c.key = key
	c.mu.Unlock()
	return c.Refresh()
}

// History returns the current decrypted snapshot, ascending by creation
// time. The slice is a copy; callers may keep it.
func (c *Channel) History() []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Message(nil), c.messages...)
}

// Refresh refetches the conversation from the store, decrypts it, and
// replaces the snapshot wholesale. Overlapping refreshes are resolved by
// start order: the one claimed last wins regardless of which fetch
// returns first.
func (c *Channel) Refresh() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	rows, err := c.store.GetMessages(c.conversationID, 0, 0)
	if err != nil {
		return fmt.Errorf("refresh history: %w", err)
	}

	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return nil
	}
	decrypted := make([]models.Message, 0, len(rows))
	for _, row := range rows {
		decrypted = append(decrypted, c.decryptRow(row))
	}
	c.messages = decrypted
	c.mu.Unlock()

	c.publishSnapshot()
	return nil
}

// Send encrypts text for the other participant, appends an optimistic
// entry, and inserts the message remotely. On success the provisional
// entry is reconciled with the authoritative row and the recipient is
// notified; on failure the entry is removed and a SendError hands the
// plaintext back for retry.
func (c *Channel) Send(text string) (*models.Message, error) {
	if text == "" {
		return nil, errors.New("channel: message text is required")
	}

	c.mu.Lock()
	key := c.key
	c.mu.Unlock()
	if key == nil {
		return nil, ErrKeyUnavailable
	}

	recipient, err := c.otherParticipant()
	if err != nil {
		return nil, err
	}
	recipientPub, err := crypto.DecodePublicKey(recipient.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("recipient key for %q: %w", recipient.UserID, err)
	}

	envelope, err := crypto.Encrypt(text, key.PublicKey(), recipientPub)
	if err != nil {
		return nil, fmt.Errorf("encrypt message: %w", err)
	}

	provisional := models.Message{
		MessageID:      "local-" + uuid.NewString(),
		ConversationID: c.conversationID,
		SenderID:       c.viewerID,
		Kind:           models.KindText,
		Content:        text,
		CreatedAt:      time.Now().UnixMilli(),
	}
	c.applyOptimistic(provisional)

	stored, err := c.store.InsertMessage(storage.Message{
		ConversationID: c.conversationID,
		SenderID:       c.viewerID,
		Kind:           storage.KindText,
		Content:        envelope,
		CreatedAt:      provisional.CreatedAt,
	})
	if err != nil {
		c.compensateOptimistic(provisional.MessageID)
		return nil, &SendError{Plaintext: text, Err: err}
	}

	confirmed := c.confirmOptimistic(provisional.MessageID, text, stored)

	c.announceInsert(stored.MessageID)
	c.sink.Notify(recipient.UserID, notify.KindMessage, map[string]string{
		"conversation_id": c.conversationID,
		"sender_id":       c.viewerID,
	})

	return &confirmed, nil
}

// MarkRead flips every unread message from the other participant to read.
// Safe to call repeatedly; duplicate deliveries are no-ops.
func (c *Channel) MarkRead() error {
	flipped, err := c.store.MarkConversationRead(c.conversationID, c.viewerID)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if flipped == 0 {
		return nil
	}

	if err := c.feed.Publish(realtime.Event{
		Resource: realtime.ResourceMessages,
		Action:   realtime.ActionUpdate,
		Filter:   c.conversationID,
	}); err != nil {
		logrus.WithFields(logrus.Fields{
			"conversation_id": c.conversationID,
		}).WithError(err).Debug("read receipt event publish failed")
	}

	return c.Refresh()
}

// Close tears the channel down. In-flight sends may still complete against
// the store, but no snapshot update reaches the listener afterwards.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.onUpdate = nil
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
}

func (c *Channel) decryptRow(row storage.Message) models.Message {
	message := models.Message{
		MessageID:      row.MessageID,
		ConversationID: row.ConversationID,
		SenderID:       row.SenderID,
		Kind:           models.MessageKind(row.Kind),
		Content:        row.Content,
		CreatedAt:      row.CreatedAt,
		IsRead:         row.IsRead,
	}

	// Media and deleted messages carry references, not ciphertext.
	if message.Kind != models.KindText {
		return message
	}

	message.Content = crypto.Decrypt(row.Content, c.key, row.SenderID == c.viewerID)
	return message
}

func (c *Channel) otherParticipant() (*storage.User, error) {
	participants, err := c.store.GetParticipants(c.conversationID)
	if err != nil {
		return nil, fmt.Errorf("load participants: %w", err)
	}

	others := make([]string, 0, len(participants))
	for _, userID := range participants {
		if userID != c.viewerID {
			others = append(others, userID)
		}
	}
	if len(others) != 1 {
		return nil, ErrGroupSendUnsupported
	}

	user, err := c.store.GetUser(others[0])
	if err != nil {
		return nil, fmt.Errorf("load recipient %q: %w", others[0], err)
	}
	return user, nil
}

func (c *Channel) applyOptimistic(message models.Message) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.messages = append(c.messages, message)
	c.mu.Unlock()

	c.publishSnapshot()
}

func (c *Channel) compensateOptimistic(provisionalID string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	kept := make([]models.Message, 0, len(c.messages))
	for _, message := range c.messages {
		if message.MessageID != provisionalID {
			kept = append(kept, message)
		}
	}
	c.messages = kept
	c.mu.Unlock()

	c.publishSnapshot()
}

func (c *Channel) confirmOptimistic(provisionalID, plaintext string, stored *storage.Message) models.Message {
	confirmed := models.Message{
		MessageID:      stored.MessageID,
		ConversationID: stored.ConversationID,
		SenderID:       stored.SenderID,
		Kind:           models.MessageKind(stored.Kind),
		Content:        plaintext,
		CreatedAt:      stored.CreatedAt,
		IsRead:         stored.IsRead,
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return confirmed
	}
	for i := range c.messages {
		if c.messages[i].MessageID == provisionalID {
			c.messages[i] = confirmed
			break
		}
	}
	c.mu.Unlock()

	c.publishSnapshot()
	return confirmed
}

func (c *Channel) publishSnapshot() {
	c.mu.Lock()
	fn := c.onUpdate
	snapshot := append([]models.Message(nil), c.messages...)
	c.mu.Unlock()

	if fn != nil {
		fn(snapshot)
	}
}

func (c *Channel) announceInsert(messageID string) {
	if err := c.feed.Publish(realtime.Event{
		Resource: realtime.ResourceMessages,
		Action:   realtime.ActionInsert,
		Filter:   c.conversationID,
		Payload:  []byte(fmt.Sprintf(`{"message_id":%q}`, messageID)),
	}); err != nil {
		logrus.WithFields(logrus.Fields{
			"conversation_id": c.conversationID,
			"message_id":      messageID,
		}).WithError(err).Debug("message insert event publish failed")
	}
}
