package types

import "time"

// User is a companion user and their relationship scalars.
type User struct {
	ID                uint      `json:"id"`
	PlatformID        string    `json:"platform_id"`
	Nickname          string    `json:"nickname"`
	Status            string    `json:"status"`
	Intimacy          float64   `json:"intimacy"`
	Trust             float64   `json:"trust"`
	Understanding     float64   `json:"understanding"`
	SharedExperiences int       `json:"shared_experiences"`
	ConsecutiveDays   int       `json:"consecutive_days"`
	InteractionCount  int       `json:"interaction_count"`
	FirstContactAt    time.Time `json:"first_contact_at"`
	// LastActiveAt is zero until the first recorded interaction.
	LastActiveAt time.Time `json:"last_active_at"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

const (
	UserStatusActive   = "active"
	UserStatusInactive = "inactive"
	UserStatusBlocked  = "blocked"
)

// DisplayName returns the nickname, falling back to the platform ID.
func (u *User) DisplayName() string {
	if u == nil {
		return ""
	}
	if u.Nickname != "" {
		return u.Nickname
	}
	return u.PlatformID
}

// PersonalityAdaptation is a persisted per-user trait offset.
type PersonalityAdaptation struct {
	UserID    uint      `json:"user_id"`
	Trait     string    `json:"trait"`
	Offset    float64   `json:"offset"`
	UpdatedAt time.Time `json:"updated_at"`
}
