package models

// TypingSignal is an ephemeral typing indicator. It is broadcast over the
// realtime feed and never persisted; consumers expire stale active signals
// locally since a closing false signal is not guaranteed to arrive.
type TypingSignal struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Active         bool   `json:"active"`
	SentAt         int64  `json:"sent_at"`
}
