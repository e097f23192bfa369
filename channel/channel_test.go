package channel

import (
	"crypto/ecdh"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"glimpse/crypto"
	"glimpse/models"
	"glimpse/realtime"
	"glimpse/storage"
)

// testStore wraps the SQLite store so tests can fail the remote insert.
type testStore struct {
	*storage.Store
	failInsert bool
}

func (s *testStore) InsertMessage(message storage.Message) (*storage.Message, error) {
	if s.failInsert {
		return nil, errors.New("network unreachable")
	}
	return s.Store.InsertMessage(message)
}

type notice struct {
	target  string
	kind    string
	context map[string]string
}

type recordingSink struct {
	mu      sync.Mutex
	notices []notice
}

func (r *recordingSink) Notify(target, kind string, context map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, notice{target: target, kind: kind, context: context})
}

func (r *recordingSink) snapshot() []notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notice(nil), r.notices...)
}

type fixture struct {
	store    *testStore
	feed     *realtime.Broker
	sink     *recordingSink
	aliceKey *ecdh.PrivateKey
	bobKey   *ecdh.PrivateKey
	conv     *storage.Conversation
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, _, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})

	aliceKey, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate alice key: %v", err)
	}
	bobKey, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate bob key: %v", err)
	}

	for userID, key := range map[string]*ecdh.PrivateKey{"alice": aliceKey, "bob": bobKey} {
		if err := store.UpsertUser(storage.User{
			UserID:    userID,
			Username:  userID,
			PublicKey: crypto.EncodePublicKey(key.PublicKey()),
		}); err != nil {
			t.Fatalf("upsert user %q: %v", userID, err)
		}
	}

	conv, err := store.GetOrCreateDirectConversation("alice", "bob")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	return &fixture{
		store:    &testStore{Store: store},
		feed:     realtime.NewBroker(),
		sink:     &recordingSink{},
		aliceKey: aliceKey,
		bobKey:   bobKey,
		conv:     conv,
	}
}

func TestSendConfirmsOptimisticEntry(t *testing.T) {
	f := newFixture(t)

	alice, err := Open(f.conv.ConversationID, "alice", f.aliceKey, f.store, f.feed, f.sink)
	if err != nil {
		t.Fatalf("open channel: %v", err)
	}
	defer alice.Close()

	sent, err := alice.Send("hello")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if strings.HasPrefix(sent.MessageID, "local-") {
		t.Fatalf("confirmed message still carries provisional ID %q", sent.MessageID)
	}
	if sent.Content != "hello" {
		t.Fatalf("expected plaintext content, got %q", sent.Content)
	}

	history := alice.History()
	if len(history) != 1 {
		t.Fatalf("expected 1 message, got %d", len(history))
	}
	if history[0].MessageID != sent.MessageID {
		t.Fatalf("history entry was not reconciled with authoritative ID")
	}

	// The stored row holds the envelope, never the plaintext.
	stored, err := f.store.GetMessageByID(sent.MessageID)
	if err != nil {
		t.Fatalf("load stored message: %v", err)
	}
	if !crypto.IsEnvelope(stored.Content) {
		t.Fatalf("stored content is not an envelope: %q", stored.Content)
	}
	if strings.Contains(stored.Content, "hello") {
		t.Fatalf("stored content leaks plaintext")
	}

	notices := f.sink.snapshot()
	if len(notices) != 1 || notices[0].target != "bob" {
		t.Fatalf("expected notification to bob, got %+v", notices)
	}
}

func TestRecipientDecryptsSentMessage(t *testing.T) {
	f := newFixture(t)

	alice, err := Open(f.conv.ConversationID, "alice", f.aliceKey, f.store, f.feed, f.sink)
	if err != nil {
		t.Fatalf("open alice channel: %v", err)
	}
	defer alice.Close()

	if _, err := alice.Send("hello"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	bob, err := Open(f.conv.ConversationID, "bob", f.bobKey, f.store, f.feed, f.sink)
	if err != nil {
		t.Fatalf("open bob channel: %v", err)
	}
	defer bob.Close()

	history := bob.History()
	if len(history) != 1 {
		t.Fatalf("expected 1 message for bob, got %d", len(history))
	}
	if history[0].Content != "hello" {
		t.Fatalf("bob expected %q, got %q", "hello", history[0].Content)
	}
}

func TestSendFailureRollsBackAndReturnsPlaintext(t *testing.T) {
	f := newFixture(t)

	alice, err := Open(f.conv.ConversationID, "alice", f.aliceKey, f.store, f.feed, f.sink)
	if err != nil {
		t.Fatalf("open channel: %v", err)
	}
	defer alice.Close()

	var sawOptimistic bool
	alice.OnUpdate(func(snapshot []models.Message) {
		if len(snapshot) == 1 {
			sawOptimistic = true
		}
	})

	f.store.failInsert = true
	_, err = alice.Send("hi")

	var sendErr *SendError
	if !errors.As(err, &sendErr) {
		t.Fatalf("expected SendError, got %v", err)
	}
	if sendErr.Plaintext != "hi" {
		t.Fatalf("expected plaintext %q back, got %q", "hi", sendErr.Plaintext)
	}
	if !sawOptimistic {
		t.Fatalf("optimistic entry never became visible")
	}
	if len(alice.History()) != 0 {
		t.Fatalf("optimistic entry was not rolled back")
	}
	if len(f.sink.snapshot()) != 0 {
		t.Fatalf("failed send must not notify the recipient")
	}

	// Resubmitting the returned plaintext succeeds once the store recovers.
	f.store.failInsert = false
	if _, err := alice.Send(sendErr.Plaintext); err != nil {
		t.Fatalf("retry Send failed: %v", err)
	}
}

func TestSendWithoutKeyIsRefused(t *testing.T) {
	f := newFixture(t)

	alice, err := Open(f.conv.ConversationID, "alice", nil, f.store, f.feed, f.sink)
	if err != nil {
		t.Fatalf("open channel: %v", err)
	}
	defer alice.Close()

	if _, err := alice.Send("hello"); !errors.Is(err, ErrKeyUnavailable) {
		t.Fatalf("expected ErrKeyUnavailable, got %v", err)
	}
}

func TestLateKeyUpgradesLockedHistory(t *testing.T) {
	f := newFixture(t)

	alice, err := Open(f.conv.ConversationID, "alice", f.aliceKey, f.store, f.feed, f.sink)
	if err != nil {
		t.Fatalf("open alice channel: %v", err)
	}
	defer alice.Close()
	if _, err := alice.Send("early"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	bob, err := Open(f.conv.ConversationID, "bob", nil, f.store, f.feed, f.sink)
	if err != nil {
		t.Fatalf("open bob channel: %v", err)
	}
	defer bob.Close()

	if bob.History()[0].Content != crypto.LockedSentinel {
		t.Fatalf("expected locked sentinel before key arrives")
	}

	if err := bob.SetKey(f.bobKey); err != nil {
		t.Fatalf("SetKey failed: %v", err)
	}
	if bob.History()[0].Content != "early" {
		t.Fatalf("expected decrypted history after late key, got %q", bob.History()[0].Content)
	}
}

func TestMarkReadIsIdempotent(t *testing.T) {
	f := newFixture(t)

	bob, err := Open(f.conv.ConversationID, "bob", f.bobKey, f.store, f.feed, f.sink)
	if err != nil {
		t.Fatalf("open bob channel: %v", err)
	}
	defer bob.Close()
	if _, err := bob.Send("one"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if _, err := bob.Send("two"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	alice, err := Open(f.conv.ConversationID, "alice", f.aliceKey, f.store, f.feed, f.sink)
	if err != nil {
		t.Fatalf("open alice channel: %v", err)
	}
	defer alice.Close()

	if err := alice.MarkRead(); err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}
	unread, err := f.store.UnreadCount(f.conv.ConversationID, "alice")
	if err != nil {
		t.Fatalf("UnreadCount failed: %v", err)
	}
	if unread != 0 {
		t.Fatalf("expected 0 unread after MarkRead, got %d", unread)
	}

	if err := alice.MarkRead(); err != nil {
		t.Fatalf("repeated MarkRead failed: %v", err)
	}
}

func TestRealtimeInsertRefreshesHistory(t *testing.T) {
	f := newFixture(t)

	alice, err := Open(f.conv.ConversationID, "alice", f.aliceKey, f.store, f.feed, f.sink)
	if err != nil {
		t.Fatalf("open alice channel: %v", err)
	}
	defer alice.Close()

	bob, err := Open(f.conv.ConversationID, "bob", f.bobKey, f.store, f.feed, f.sink)
	if err != nil {
		t.Fatalf("open bob channel: %v", err)
	}
	defer bob.Close()

	if _, err := bob.Send("ping"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	history := alice.History()
	if len(history) != 1 {
		t.Fatalf("expected alice's history to refresh via realtime event, got %d messages", len(history))
	}
	if history[0].Content != "ping" {
		t.Fatalf("expected decrypted incoming message, got %q", history[0].Content)
	}
}

func TestLongHistoryStaysComplete(t *testing.T) {
	f := newFixture(t)

	const total = 105
	for i := 0; i < total; i++ {
		if _, err := f.store.InsertMessage(storage.Message{
			ConversationID: f.conv.ConversationID,
			SenderID:       "bob",
			Kind:           storage.KindPhoto,
			Content:        fmt.Sprintf("blob://photos/%03d", i),
			CreatedAt:      int64(i + 1),
		}); err != nil {
			t.Fatalf("insert message %d: %v", i, err)
		}
	}

	alice, err := Open(f.conv.ConversationID, "alice", f.aliceKey, f.store, f.feed, f.sink)
	if err != nil {
		t.Fatalf("open channel: %v", err)
	}
	defer alice.Close()

	history := alice.History()
	if len(history) != total {
		t.Fatalf("expected %d messages, got %d", total, len(history))
	}
	if got := history[total-1].Content; got != fmt.Sprintf("blob://photos/%03d", total-1) {
		t.Fatalf("expected newest message last, got %q", got)
	}

	// A message arriving past the hundredth still reaches the snapshot.
	if _, err := f.store.InsertMessage(storage.Message{
		ConversationID: f.conv.ConversationID,
		SenderID:       "bob",
		Kind:           storage.KindPhoto,
		Content:        "blob://photos/new",
		CreatedAt:      int64(total + 1),
	}); err != nil {
		t.Fatalf("insert new message: %v", err)
	}
	if err := f.feed.Publish(realtime.Event{
		Resource: realtime.ResourceMessages,
		Action:   realtime.ActionInsert,
		Filter:   f.conv.ConversationID,
	}); err != nil {
		t.Fatalf("publish insert event: %v", err)
	}

	history = alice.History()
	if len(history) != total+1 {
		t.Fatalf("expected %d messages after realtime insert, got %d", total+1, len(history))
	}
	if history[total].Content != "blob://photos/new" {
		t.Fatalf("newest message missing: history ends at %q", history[total].Content)
	}
}

// gatedHistoryStore lets a test hold one fetched result back until a
// later refresh has completed.
type gatedHistoryStore struct {
	*storage.Store
	mu      sync.Mutex
	calls   int
	fetched chan struct{}
	gate    chan struct{}
}

func (s *gatedHistoryStore) GetMessages(conversationID string, limit, offset int) ([]storage.Message, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()

	rows, err := s.Store.GetMessages(conversationID, limit, offset)
	if call == 2 {
		close(s.fetched)
		<-s.gate
	}
	return rows, err
}

func TestStaleRefreshCannotOverwriteNewerHistory(t *testing.T) {
	f := newFixture(t)
	gated := &gatedHistoryStore{
		Store:   f.store.Store,
		fetched: make(chan struct{}),
		gate:    make(chan struct{}),
	}

	if _, err := gated.InsertMessage(storage.Message{
		ConversationID: f.conv.ConversationID,
		SenderID:       "bob",
		Kind:           storage.KindPhoto,
		Content:        "blob://photos/first",
		CreatedAt:      1,
	}); err != nil {
		t.Fatalf("insert first message: %v", err)
	}

	alice, err := Open(f.conv.ConversationID, "alice", f.aliceKey, gated, f.feed, f.sink)
	if err != nil {
		t.Fatalf("open channel: %v", err)
	}
	defer alice.Close()

	// The second refresh fetches the single-message history and stalls.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := alice.Refresh(); err != nil {
			t.Errorf("stalled Refresh failed: %v", err)
		}
	}()
	<-gated.fetched

	// A newer refresh sees two messages and commits first.
	if _, err := gated.InsertMessage(storage.Message{
		ConversationID: f.conv.ConversationID,
		SenderID:       "bob",
		Kind:           storage.KindPhoto,
		Content:        "blob://photos/second",
		CreatedAt:      2,
	}); err != nil {
		t.Fatalf("insert second message: %v", err)
	}
	if err := alice.Refresh(); err != nil {
		t.Fatalf("newer Refresh failed: %v", err)
	}

	close(gated.gate)
	wg.Wait()

	history := alice.History()
	if len(history) != 2 {
		t.Fatalf("stale refresh overwrote newer history: %d messages, want 2", len(history))
	}
}

func TestClosedChannelStopsUpdating(t *testing.T) {
	f := newFixture(t)

	alice, err := Open(f.conv.ConversationID, "alice", f.aliceKey, f.store, f.feed, f.sink)
	if err != nil {
		t.Fatalf("open alice channel: %v", err)
	}

	var updates int
	alice.OnUpdate(func([]models.Message) { updates++ })
	alice.Close()

	bob, err := Open(f.conv.ConversationID, "bob", f.bobKey, f.store, f.feed, f.sink)
	if err != nil {
		t.Fatalf("open bob channel: %v", err)
	}
	defer bob.Close()
	if _, err := bob.Send("after close"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if updates != 0 {
		t.Fatalf("closed channel must not update its listener, got %d updates", updates)
	}

	// Close twice is safe.
	alice.Close()
}
