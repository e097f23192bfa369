// Package inbox aggregates one preview row per conversation: the other
// participant, the decrypted last message, and the unread count. Previews
// are recomputed wholesale on every change event and the list is only
// published once every row has resolved, so callers never see a
// half-decrypted list.
package inbox

import (
	"crypto/ecdh"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"glimpse/crypto"
	"glimpse/models"
	"glimpse/realtime"
	"glimpse/storage"
)

// LockedLabel is the human-readable preview for a message that cannot be
// decrypted yet. The raw ciphertext is never shown.
const LockedLabel = "Encrypted message"

// kindLabels maps media and deleted kinds to their preview labels. These
// rows skip decryption entirely.
var kindLabels = map[models.MessageKind]string{
	models.KindPhoto:      "Photo",
	models.KindVoice:      "Voice message",
	models.KindVideo:      "Video",
	models.KindAttachment: "Attachment",
	models.KindDeleted:    "Message deleted",
}

// Store is the subset of the persistent store the syncer needs.
type Store interface {
	ConversationSummaries(viewerID string) ([]storage.ConversationSummary, error)
}

// Syncer keeps the viewer's conversation list live.
type Syncer struct {
	viewerID string
	store    Store
	feed     realtime.Feed

	// decrypt is swappable for tests; it defaults to crypto.Decrypt.
	decrypt func(payload string, key *ecdh.PrivateKey, isSender bool) string

	mu       sync.Mutex
	key      *ecdh.PrivateKey
	previews []models.ConversationPreview
	onUpdate func([]models.ConversationPreview)
	subs     []*realtime.Subscription
	closed   bool
	gen      uint64
}

// New creates a Syncer for one viewer. key may be nil; previews then show
// the locked label until SetKey upgrades them.
func New(viewerID string, key *ecdh.PrivateKey, store Store, feed realtime.Feed) *Syncer {
	return &Syncer{
		viewerID: viewerID,
		store:    store,
		feed:     feed,
		key:      key,
		decrypt:  crypto.Decrypt,
	}
}

// Start computes the initial list and subscribes to the change feed:
// message inserts anywhere and viewer-added-to-conversation events both
// trigger a full recompute.
func (s *Syncer) Start() error {
	if err := s.Refresh(); err != nil {
		return err
	}

	onEvent := func(realtime.Event) {
		if err := s.Refresh(); err != nil {
			logrus.WithFields(logrus.Fields{
				"viewer_id": s.viewerID,
			}).WithError(err).Warn("conversation list refresh after realtime event failed")
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.subs = append(s.subs,
		s.feed.Subscribe(realtime.ResourceMessages, "", onEvent),
		s.feed.Subscribe(realtime.ResourceParticipants, s.viewerID, onEvent),
	)
	s.mu.Unlock()

	return nil
}

// OnUpdate registers the listener receiving each complete preview list.
func (s *Syncer) OnUpdate(fn func([]models.ConversationPreview)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onUpdate = fn
}

// SetKey installs key material that arrived after the initial fetch
// (asynchronous reconciliation) and recomputes so locked previews upgrade
// to plaintext without a manual refresh.
func (s *Syncer) SetKey(key *ecdh.PrivateKey) error {
	s.mu.Lock()
	s.key = key
	s.mu.Unlock()
	return s.Refresh()
}

// List returns the current preview list, most recent activity first. The
// slice is a copy.
func (s *Syncer) List() []models.ConversationPreview {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ConversationPreview(nil), s.previews...)
}

// Refresh refetches every summary row and decrypts all previews in
// parallel. The combined result replaces the published list only after
// every row has resolved; a newer recompute racing an older one wins.
func (s *Syncer) Refresh() error {
	// The generation is claimed before the fetch: a refresh that started
	// later always invalidates this one, even if this fetch returns last.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.gen++
	gen := s.gen
	key := s.key
	s.mu.Unlock()

	summaries, err := s.store.ConversationSummaries(s.viewerID)
	if err != nil {
		return fmt.Errorf("fetch conversation summaries: %w", err)
	}

	previews := make([]models.ConversationPreview, len(summaries))
	var wg sync.WaitGroup
	for i, summary := range summaries {
		wg.Add(1)
		go func(i int, summary storage.ConversationSummary) {
			defer wg.Done()
			previews[i] = s.buildPreview(summary, key)
		}(i, summary)
	}
	wg.Wait()

	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		return nil
	}
	s.previews = previews
	fn := s.onUpdate
	snapshot := append([]models.ConversationPreview(nil), previews...)
	s.mu.Unlock()

	if fn != nil {
		fn(snapshot)
	}
	return nil
}

// Close tears down the feed subscriptions. Recomputes in flight complete
// in the background but no longer publish.
func (s *Syncer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.onUpdate = nil
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}

func (s *Syncer) buildPreview(summary storage.ConversationSummary, key *ecdh.PrivateKey) models.ConversationPreview {
	preview := models.ConversationPreview{
		Conversation: models.Conversation{
			ConversationID: summary.Conversation.ConversationID,
			IsGroup:        summary.Conversation.IsGroup,
			Title:          summary.Conversation.Title,
			CreatedAt:      summary.Conversation.CreatedAt,
		},
		UnreadCount:  summary.UnreadCount,
		LastActivity: summary.LastActivity,
	}

	if summary.Other != nil {
		preview.Other = models.User{
			UserID:    summary.Other.UserID,
			Username:  summary.Other.Username,
			AvatarURL: summary.Other.AvatarURL,
		}
	}

	if summary.LastMessage == nil {
		return preview
	}

	last := models.Message{
		MessageID:      summary.LastMessage.MessageID,
		ConversationID: summary.LastMessage.ConversationID,
		SenderID:       summary.LastMessage.SenderID,
		Kind:           models.MessageKind(summary.LastMessage.Kind),
		Content:        summary.LastMessage.Content,
		CreatedAt:      summary.LastMessage.CreatedAt,
		IsRead:         summary.LastMessage.IsRead,
	}
	preview.LastMessage = &last

	if label, ok := kindLabels[last.Kind]; ok {
		preview.PreviewText = label
		return preview
	}

	text := s.decrypt(last.Content, key, last.SenderID == s.viewerID)
	if text == crypto.LockedSentinel {
		text = LockedLabel
	}
	preview.PreviewText = text

	return preview
}
