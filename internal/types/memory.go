package types

import "time"

// Long-term memory types.
const (
	MemoryTypeFact         = "fact"
	MemoryTypePreference   = "preference"
	MemoryTypeEvent        = "event"
	MemoryTypeEmotion      = "emotion"
	MemoryTypeRelationship = "relationship"
	MemoryTypeHabit        = "habit"
	MemoryTypeGoal         = "goal"
	MemoryTypeContext      = "context"
)

// ShortTermMemory is an observation extracted from one turn, waiting for
// consolidation.
type ShortTermMemory struct {
	ID             uint   `json:"id"`
	UserID         uint   `json:"user_id"`
	ConversationID uint   `json:"conversation_id"`
	Content        string `json:"content"`
	MemoryType     string `json:"memory_type"`
	// ExtractedInfo is the raw item returned by the extraction model.
	ExtractedInfo      map[string]any `json:"extracted_info"`
	EmotionState       string         `json:"emotion_state,omitempty"`
	ConsolidationScore float64        `json:"consolidation_score"`
	ShouldConsolidate  bool           `json:"should_consolidate"`
	CreatedAt          time.Time      `json:"created_at"`
}

// LongTermMemory is a durable, reinforceable fact about a user.
type LongTermMemory struct {
	ID                  uint           `json:"id"`
	UserID              uint           `json:"user_id"`
	MemoryType          string         `json:"memory_type"`
	Category            string         `json:"category"`
	Key                 string         `json:"key"`
	Value               string         `json:"value"`
	Context             map[string]any `json:"context,omitempty"`
	Keywords            []string       `json:"keywords"`
	Importance          float64        `json:"importance"`
	Confidence          float64        `json:"confidence"`
	ReinforcementCount  int            `json:"reinforcement_count"`
	AccessCount         int            `json:"access_count"`
	SourceShortTermIDs  []uint         `json:"source_short_term_ids,omitempty"`
	SourceConversations []uint         `json:"source_conversation_ids,omitempty"`
	Active              bool           `json:"active"`
	FirstMentionedAt    time.Time      `json:"first_mentioned_at"`
	LastReinforcedAt    time.Time      `json:"last_reinforced_at"`
	LastAccessedAt      *time.Time     `json:"last_accessed_at,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// ExtractedItem is one entry of the extraction model's output.
type ExtractedItem struct {
	Type       string  `json:"type"`
	Content    string  `json:"content"`
	Importance float64 `json:"importance"`
	Confidence float64 `json:"confidence"`
	// Raw keeps every field the model returned for this item.
	Raw map[string]any `json:"-"`
}

// ExtractionResult is the structured output of memory extraction.
type ExtractionResult struct {
	ExtractedInfo  []ExtractedItem `json:"extracted_info"`
	EmotionalState string          `json:"emotional_state"`
}
