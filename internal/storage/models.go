package storage

import (
	"time"

	"gorm.io/datatypes"
)

// userModel maps to the users table.
type userModel struct {
	ID                uint   `gorm:"primaryKey"`
	PlatformID        string `gorm:"size:64;uniqueIndex;not null"`
	Nickname          string `gorm:"size:128"`
	Status            string `gorm:"size:20;default:active"`
	IntimacyLevel     float64
	TrustLevel        float64
	Understanding     float64
	SharedExperiences int
	ConsecutiveDays   int
	InteractionCount  int
	FirstContactAt    time.Time
	LastActiveAt      *time.Time `gorm:"index"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (userModel) TableName() string {
	return "users"
}

// conversationModel maps to the conversations table.
type conversationModel struct {
	ID                    uint   `gorm:"primaryKey"`
	UserID                uint   `gorm:"index;not null"`
	SessionID             string `gorm:"size:64;uniqueIndex;not null"`
	Status                string `gorm:"size:20;index;default:active"`
	Mood                  string `gorm:"size:32"`
	MessageCount          int
	UserMessageCount      int
	AssistantMessageCount int
	StartedAt             time.Time
	LastMessageAt         time.Time
	EndedAt               *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

func (conversationModel) TableName() string {
	return "conversations"
}

// messageModel maps to the append-only messages table.
type messageModel struct {
	ID               uint   `gorm:"primaryKey"`
	ConversationID   uint   `gorm:"index;not null"`
	UserID           uint   `gorm:"index;not null"`
	Role             string `gorm:"size:20;not null"`
	MessageType      string `gorm:"size:20;default:text"`
	Content          string `gorm:"type:text;not null"`
	EmotionDetected  string `gorm:"size:32"`
	EmotionIntensity float64
	Intent           string `gorm:"size:64"`
	ModelUsed        string `gorm:"size:64"`
	TokensUsed       int
	ResponseTimeMS   int64
	CreatedAt        time.Time `gorm:"index"`
}

func (messageModel) TableName() string {
	return "messages"
}

// shortTermMemoryModel maps to the short_term_memories table.
type shortTermMemoryModel struct {
	ID                 uint   `gorm:"primaryKey"`
	UserID             uint   `gorm:"index;not null"`
	ConversationID     uint   `gorm:"index"`
	Content            string `gorm:"type:text;not null"`
	MemoryType         string `gorm:"size:32;default:context"`
	ExtractedInfo      datatypes.JSONMap
	EmotionState       string `gorm:"size:64"`
	ConsolidationScore float64
	ShouldConsolidate  bool      `gorm:"index"`
	CreatedAt          time.Time `gorm:"index"`
}

func (shortTermMemoryModel) TableName() string {
	return "short_term_memories"
}

// longTermMemoryModel maps to the long_term_memories table.
type longTermMemoryModel struct {
	ID                 uint   `gorm:"primaryKey"`
	UserID             uint   `gorm:"index;not null"`
	MemoryType         string `gorm:"size:32;index;not null"`
	Category           string `gorm:"size:64;index"`
	Key                string `gorm:"size:256;not null"`
	Value              string `gorm:"type:text;not null"`
	Context            datatypes.JSONMap
	Keywords           datatypes.JSONSlice[string]
	Importance         float64
	Confidence         float64
	ReinforcementCount int
	AccessCount        int
	LastAccessedAt     *time.Time
	SourceShortTermIDs datatypes.JSONSlice[uint]
	SourceConversation datatypes.JSONSlice[uint]
	FirstMentionedAt   time.Time
	LastReinforcedAt   time.Time
	Status             string `gorm:"size:20;index;default:active"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (longTermMemoryModel) TableName() string {
	return "long_term_memories"
}

// adaptationModel maps to the personality_adaptations table.
type adaptationModel struct {
	UserID    uint    `gorm:"primaryKey;autoIncrement:false"`
	Trait     string  `gorm:"primaryKey;size:32"`
	Offset    float64 `gorm:"column:trait_offset"`
	UpdatedAt time.Time
}

func (adaptationModel) TableName() string {
	return "personality_adaptations"
}

// Models lists every table managed by AutoMigrate.
func Models() []any {
	return []any{
		&userModel{},
		&conversationModel{},
		&messageModel{},
		&shortTermMemoryModel{},
		&longTermMemoryModel{},
		&adaptationModel{},
	}
}
