package types

import "time"

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Conversation statuses.
const (
	ConversationActive = "active"
	ConversationPaused = "paused"
	ConversationEnded  = "ended"
)

// Conversation is a bounded dialogue session.
type Conversation struct {
	ID                    uint       `json:"id"`
	UserID                uint       `json:"user_id"`
	SessionID             string     `json:"session_id"`
	Status                string     `json:"status"`
	Mood                  string     `json:"mood,omitempty"`
	MessageCount          int        `json:"message_count"`
	UserMessageCount      int        `json:"user_message_count"`
	AssistantMessageCount int        `json:"assistant_message_count"`
	StartedAt             time.Time  `json:"started_at"`
	LastMessageAt         time.Time  `json:"last_message_at"`
	EndedAt               *time.Time `json:"ended_at,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
}

// Message is an immutable turn record.
type Message struct {
	ID               uint      `json:"id"`
	ConversationID   uint      `json:"conversation_id"`
	UserID           uint      `json:"user_id"`
	Role             string    `json:"role"`
	MessageType      string    `json:"message_type"`
	Content          string    `json:"content"`
	Emotion          string    `json:"emotion,omitempty"`
	EmotionIntensity float64   `json:"emotion_intensity,omitempty"`
	Intent           string    `json:"intent,omitempty"`
	ModelUsed        string    `json:"model_used,omitempty"`
	TokensUsed       int       `json:"tokens_used,omitempty"`
	ResponseTimeMS   int64     `json:"response_time_ms,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}
