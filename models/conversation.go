package models

// Conversation represents a message thread between two or more users.
type Conversation struct {
	ConversationID string   `json:"conversation_id"`
	ParticipantIDs []string `json:"participant_ids"`
	IsGroup        bool     `json:"is_group"`
	Title          string   `json:"title"`
	CreatedAt      int64    `json:"created_at"`
}

// ConversationPreview is a derived summary row for the conversation list.
// It is never persisted; PreviewText is the decrypted last-message text, a
// media label, or the locked sentinel when decryption is not possible.
type ConversationPreview struct {
	Conversation Conversation `json:"conversation"`
	Other        User         `json:"other"`
	LastMessage  *Message     `json:"last_message"`
	PreviewText  string       `json:"preview_text"`
	UnreadCount  int          `json:"unread_count"`
	LastActivity int64        `json:"last_activity"`
}
