package storage

import (
	"errors"
	"fmt"
	"testing"
)

func TestMessageInsertAndHistory(t *testing.T) {
	store := newTestStore(t)
	mustAddUser(t, store, "alice", "Alice")
	mustAddUser(t, store, "bob", "Bob")
	conversation := mustDirectConversation(t, store, "alice", "bob")

	base := nowUnixMilli()
	first := mustInsertMessage(t, store, Message{
		ConversationID: conversation.ConversationID,
		SenderID:       "alice",
		Content:        "ciphertext-1",
		CreatedAt:      base,
	})
	if first.MessageID == "" {
		t.Fatalf("expected assigned message ID")
	}
	if first.Kind != KindText {
		t.Fatalf("expected default kind %q, got %q", KindText, first.Kind)
	}

	mustInsertMessage(t, store, Message{
		ConversationID: conversation.ConversationID,
		SenderID:       "bob",
		Kind:           KindPhoto,
		Content:        "blob://photos/abc",
		CreatedAt:      base + 1,
	})
	mustInsertMessage(t, store, Message{
		ConversationID: conversation.ConversationID,
		SenderID:       "bob",
		Content:        "ciphertext-2",
		CreatedAt:      base + 2,
	})

	history, err := store.GetMessages(conversation.ConversationID, 10, 0)
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(history))
	}
	for i := 1; i < len(history); i++ {
		if history[i].CreatedAt < history[i-1].CreatedAt {
			t.Fatalf("history is not ordered by created_at ascending")
		}
	}
	if history[1].Kind != KindPhoto {
		t.Fatalf("expected photo kind preserved, got %q", history[1].Kind)
	}
}

func TestGetMessagesZeroLimitReturnsWholeConversation(t *testing.T) {
	store := newTestStore(t)
	mustAddUser(t, store, "alice", "Alice")
	mustAddUser(t, store, "bob", "Bob")
	conversation := mustDirectConversation(t, store, "alice", "bob")

	const total = 105
	base := nowUnixMilli()
	for i := 0; i < total; i++ {
		mustInsertMessage(t, store, Message{
			ConversationID: conversation.ConversationID,
			SenderID:       "bob",
			Content:        fmt.Sprintf("ciphertext-%03d", i),
			CreatedAt:      base + int64(i),
		})
	}

	history, err := store.GetMessages(conversation.ConversationID, 0, 0)
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(history) != total {
		t.Fatalf("expected all %d messages, got %d", total, len(history))
	}
	if got := history[total-1].Content; got != fmt.Sprintf("ciphertext-%03d", total-1) {
		t.Fatalf("expected newest message last, got %q", got)
	}

	// An explicit limit still pages.
	page, err := store.GetMessages(conversation.ConversationID, 10, 0)
	if err != nil {
		t.Fatalf("GetMessages with limit failed: %v", err)
	}
	if len(page) != 10 {
		t.Fatalf("expected 10 messages, got %d", len(page))
	}
}

func TestInsertMessageRejectsInvalidKind(t *testing.T) {
	store := newTestStore(t)
	mustAddUser(t, store, "alice", "Alice")
	mustAddUser(t, store, "bob", "Bob")
	conversation := mustDirectConversation(t, store, "alice", "bob")

	_, err := store.InsertMessage(Message{
		ConversationID: conversation.ConversationID,
		SenderID:       "alice",
		Kind:           "sticker",
		Content:        "x",
	})
	if err == nil {
		t.Fatalf("expected error for invalid kind")
	}
}

func TestMarkConversationReadIsMonotonicAndIdempotent(t *testing.T) {
	store := newTestStore(t)
	mustAddUser(t, store, "alice", "Alice")
	mustAddUser(t, store, "bob", "Bob")
	conversation := mustDirectConversation(t, store, "alice", "bob")

	base := nowUnixMilli()
	mustInsertMessage(t, store, Message{
		ConversationID: conversation.ConversationID,
		SenderID:       "bob",
		Content:        "ciphertext-1",
		CreatedAt:      base,
	})
	mustInsertMessage(t, store, Message{
		ConversationID: conversation.ConversationID,
		SenderID:       "bob",
		Content:        "ciphertext-2",
		CreatedAt:      base + 1,
	})
	outgoing := mustInsertMessage(t, store, Message{
		ConversationID: conversation.ConversationID,
		SenderID:       "alice",
		Content:        "ciphertext-3",
		CreatedAt:      base + 2,
	})

	unread, err := store.UnreadCount(conversation.ConversationID, "alice")
	if err != nil {
		t.Fatalf("UnreadCount failed: %v", err)
	}
	if unread != 2 {
		t.Fatalf("expected 2 unread, got %d", unread)
	}

	flipped, err := store.MarkConversationRead(conversation.ConversationID, "alice")
	if err != nil {
		t.Fatalf("MarkConversationRead failed: %v", err)
	}
	if flipped != 2 {
		t.Fatalf("expected 2 rows flipped, got %d", flipped)
	}

	unread, err = store.UnreadCount(conversation.ConversationID, "alice")
	if err != nil {
		t.Fatalf("UnreadCount after mark failed: %v", err)
	}
	if unread != 0 {
		t.Fatalf("expected 0 unread after mark, got %d", unread)
	}

	// Duplicate delivery of a read receipt must be a no-op.
	flipped, err = store.MarkConversationRead(conversation.ConversationID, "alice")
	if err != nil {
		t.Fatalf("repeated MarkConversationRead failed: %v", err)
	}
	if flipped != 0 {
		t.Fatalf("expected idempotent mark read, flipped %d", flipped)
	}

	// Alice's own outgoing message is bob's to mark, not hers.
	stored, err := store.GetMessageByID(outgoing.MessageID)
	if err != nil {
		t.Fatalf("GetMessageByID failed: %v", err)
	}
	if stored.IsRead {
		t.Fatalf("viewer's own message must not be marked read by viewer")
	}
}

func TestDeleteMessageRequiresSender(t *testing.T) {
	store := newTestStore(t)
	mustAddUser(t, store, "alice", "Alice")
	mustAddUser(t, store, "bob", "Bob")
	conversation := mustDirectConversation(t, store, "alice", "bob")

	message := mustInsertMessage(t, store, Message{
		ConversationID: conversation.ConversationID,
		SenderID:       "alice",
		Content:        "ciphertext",
	})

	if err := store.DeleteMessage(message.MessageID, "bob"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for non-sender delete, got %v", err)
	}

	if err := store.DeleteMessage(message.MessageID, "alice"); err != nil {
		t.Fatalf("DeleteMessage failed: %v", err)
	}

	stored, err := store.GetMessageByID(message.MessageID)
	if err != nil {
		t.Fatalf("GetMessageByID failed: %v", err)
	}
	if stored.Kind != KindDeleted {
		t.Fatalf("expected deleted kind, got %q", stored.Kind)
	}
}
