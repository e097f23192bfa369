package storage

import (
	"errors"
	"testing"
)

func TestDirectConversationIsNotDuplicated(t *testing.T) {
	store := newTestStore(t)
	mustAddUser(t, store, "alice", "Alice")
	mustAddUser(t, store, "bob", "Bob")

	first := mustDirectConversation(t, store, "alice", "bob")
	same := mustDirectConversation(t, store, "alice", "bob")
	reversed := mustDirectConversation(t, store, "bob", "alice")

	if first.ConversationID != same.ConversationID {
		t.Fatalf("repeated lookup created a duplicate conversation")
	}
	if first.ConversationID != reversed.ConversationID {
		t.Fatalf("reversed pair created a duplicate conversation")
	}

	participants, err := store.GetParticipants(first.ConversationID)
	if err != nil {
		t.Fatalf("GetParticipants failed: %v", err)
	}
	if len(participants) != 2 {
		t.Fatalf("expected 2 participants, got %d", len(participants))
	}
}

func TestGetOrCreateDirectConversationRejectsSelf(t *testing.T) {
	store := newTestStore(t)
	mustAddUser(t, store, "alice", "Alice")

	if _, err := store.GetOrCreateDirectConversation("alice", "alice"); err == nil {
		t.Fatalf("expected error for self conversation")
	}
}

func TestAddParticipantToleratesDuplicates(t *testing.T) {
	store := newTestStore(t)
	mustAddUser(t, store, "alice", "Alice")
	mustAddUser(t, store, "bob", "Bob")
	mustAddUser(t, store, "carol", "Carol")
	conversation := mustDirectConversation(t, store, "alice", "bob")

	if err := store.AddParticipant(conversation.ConversationID, "carol"); err != nil {
		t.Fatalf("AddParticipant failed: %v", err)
	}
	if err := store.AddParticipant(conversation.ConversationID, "carol"); err != nil {
		t.Fatalf("duplicate AddParticipant failed: %v", err)
	}

	participants, err := store.GetParticipants(conversation.ConversationID)
	if err != nil {
		t.Fatalf("GetParticipants failed: %v", err)
	}
	if len(participants) != 3 {
		t.Fatalf("expected 3 participants, got %d", len(participants))
	}
}

func TestGetConversationNotFound(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.GetConversation("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
