package models

// User is a minimal snapshot of an account, as much as the messaging
// core needs for rendering a conversation participant.
type User struct {
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url"`
}
