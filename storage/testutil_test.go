package storage

import (
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustAddUser(t *testing.T, store *Store, userID, username string) {
	t.Helper()

	err := store.UpsertUser(User{
		UserID:    userID,
		Username:  username,
		PublicKey: "public-key-" + userID,
		CreatedAt: nowUnixMilli(),
	})
	if err != nil {
		t.Fatalf("upsert user %q: %v", userID, err)
	}
}

func mustDirectConversation(t *testing.T, store *Store, userA, userB string) *Conversation {
	t.Helper()

	conversation, err := store.GetOrCreateDirectConversation(userA, userB)
	if err != nil {
		t.Fatalf("get or create conversation %q/%q: %v", userA, userB, err)
	}
	return conversation
}

func mustInsertMessage(t *testing.T, store *Store, message Message) *Message {
	t.Helper()

	stored, err := store.InsertMessage(message)
	if err != nil {
		t.Fatalf("insert message in %q: %v", message.ConversationID, err)
	}
	return stored
}
