package emotion

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// MoodStats summarizes a user's mood history for monitoring.
type MoodStats struct {
	UserID           uint         `json:"user_id"`
	CurrentMood      Mood         `json:"current_mood"`
	MoodIntensity    float64      `json:"mood_intensity"`
	LastUpdated      time.Time    `json:"last_updated"`
	HistoryCount     int          `json:"history_count"`
	Distribution     map[Mood]int `json:"mood_distribution"`
	AverageIntensity float64      `json:"average_intensity"`
}

// Service keeps the companion mood per user.
type Service struct {
	mu           sync.Mutex
	stateMachine *StateMachine
	states       *expirable.LRU[uint, MoodState]
	now          func() time.Time
}

// NewService returns a new mood service bounded to capacity users.
func NewService(stateMachine *StateMachine, capacity int, ttl time.Duration) *Service {
	return &Service{
		stateMachine: stateMachine,
		states:       expirable.NewLRU[uint, MoodState](capacity, nil, ttl),
		now:          stateMachine.now,
	}
}

// State returns the user's current mood state.
func (s *Service) State(userID uint) MoodState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(userID)
}

// UpdateFromEmotion reacts to the user's detected emotion.
func (s *Service) UpdateFromEmotion(userID uint, r Result) MoodState {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.stateMachine.Update(s.loadLocked(userID), r, "")
	s.states.Add(userID, next)
	return next
}

// SetMood forces a mood for the user.
func (s *Service) SetMood(userID uint, mood Mood, intensity float64, trigger string) MoodState {
	if trigger == "" {
		trigger = "手动设置"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.stateMachine.Set(s.loadLocked(userID), mood, intensity, trigger)
	s.states.Add(userID, next)
	return next
}

// Decay relaxes every tracked user's mood one step.
func (s *Service) Decay() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, userID := range s.states.Keys() {
		state, ok := s.states.Peek(userID)
		if !ok {
			continue
		}
		s.states.Add(userID, s.stateMachine.Decay(state))
	}
}

// Instruction returns the mood prompt line for the user.
func (s *Service) Instruction(userID uint) string {
	return MoodInstruction(s.State(userID))
}

// Stats reports mood statistics for the user.
func (s *Service) Stats(userID uint) MoodStats {
	state := s.State(userID)
	stats := MoodStats{
		UserID:           userID,
		CurrentMood:      state.Current,
		MoodIntensity:    state.Intensity,
		LastUpdated:      state.LastUpdated,
		HistoryCount:     len(state.History),
		Distribution:     make(map[Mood]int),
		AverageIntensity: 0.5,
	}
	if len(state.History) == 0 {
		return stats
	}
	total := 0.0
	for _, entry := range state.History {
		stats.Distribution[entry.Mood]++
		total += entry.Intensity
	}
	stats.AverageIntensity = round2(total / float64(len(state.History)))
	return stats
}

func (s *Service) loadLocked(userID uint) MoodState {
	if state, ok := s.states.Get(userID); ok {
		return state
	}
	state := NewMoodState(s.now())
	s.states.Add(userID, state)
	return state
}
