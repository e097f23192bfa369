package models

// MessageKind classifies message content. Media and deleted messages carry a
// structured kind instead of being sniffed out of the content text, so a user
// message that happens to start with a marker glyph can never be misread.
type MessageKind string

const (
	KindText       MessageKind = "text"
	KindPhoto      MessageKind = "photo"
	KindVoice      MessageKind = "voice"
	KindVideo      MessageKind = "video"
	KindAttachment MessageKind = "attachment"
	KindDeleted    MessageKind = "deleted"
)

// Message represents one conversation message. Content holds ciphertext for
// text messages and a storage reference for media kinds.
type Message struct {
	MessageID      string      `json:"message_id"`
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	Kind           MessageKind `json:"kind"`
	Content        string      `json:"content"`
	CreatedAt      int64       `json:"created_at"`
	IsRead         bool        `json:"is_read"`
}
