package storage

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	// KindText is an encrypted text message.
	KindText = "text"
	// KindPhoto marks a photo message; content holds a storage reference.
	KindPhoto = "photo"
	// KindVoice marks a voice message.
	KindVoice = "voice"
	// KindVideo marks a video message.
	KindVideo = "video"
	// KindAttachment marks a generic attachment.
	KindAttachment = "attachment"
	// KindDeleted marks a message removed by its sender.
	KindDeleted = "deleted"
)

// User is the SQLite representation of an account snapshot.
type User struct {
	UserID    string
	Username  string
	AvatarURL string
	PublicKey string
	CreatedAt int64
}

// Conversation is the SQLite representation of a message thread.
type Conversation struct {
	ConversationID string
	IsGroup        bool
	Title          string
	CreatedAt      int64
}

// Message is the SQLite representation of one conversation message.
// Content holds ciphertext for text messages and a storage reference
// for media kinds.
type Message struct {
	MessageID      string
	ConversationID string
	SenderID       string
	Kind           string
	Content        string
	CreatedAt      int64
	IsRead         bool
}

// ConversationSummary is one aggregate row for the conversation list:
// the conversation, the other participant, the latest message, and the
// viewer's unread count, all fetched in a single round trip.
type ConversationSummary struct {
	Conversation Conversation
	Other        *User
	LastMessage  *Message
	UnreadCount  int
	LastActivity int64
}

func validateKind(kind string) error {
	switch kind {
	case KindText, KindPhoto, KindVoice, KindVideo, KindAttachment, KindDeleted:
		return nil
	default:
		return fmt.Errorf("invalid message kind %q", kind)
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
