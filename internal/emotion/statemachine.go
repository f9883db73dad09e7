package emotion

import (
	"fmt"
	"time"
)

// Mood is the companion's own emotional state.
type Mood string

const (
	MoodHappy   Mood = "happy"
	MoodContent Mood = "content"
	MoodCaring  Mood = "caring"
	MoodPlayful Mood = "playful"
	MoodWorried Mood = "worried"
	MoodSad     Mood = "sad"
	MoodAnnoyed Mood = "annoyed"
	MoodShy     Mood = "shy"
	MoodExcited Mood = "excited"
)

const (
	baselineMood   = MoodContent
	moodDecayRate  = 0.1
	defaultMoodCap = 100
)

type transition struct {
	mood     Mood
	modifier float64
}

var moodTransitions = map[EmotionType]transition{
	EmotionHappy:     {MoodHappy, 0.8},
	EmotionSad:       {MoodCaring, 0.7},
	EmotionAngry:     {MoodCaring, 0.6},
	EmotionAnxious:   {MoodCaring, 0.7},
	EmotionSurprised: {MoodPlayful, 0.6},
	EmotionLoving:    {MoodShy, 0.8},
	EmotionExcited:   {MoodExcited, 0.8},
	EmotionTired:     {MoodCaring, 0.6},
	EmotionConfused:  {MoodCaring, 0.5},
	EmotionNeutral:   {MoodContent, 0.5},
}

// MoodEntry records one mood change.
type MoodEntry struct {
	Mood        Mood        `json:"mood"`
	Intensity   float64     `json:"intensity"`
	Trigger     string      `json:"trigger"`
	UserEmotion EmotionType `json:"user_emotion,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
}

// MoodState is the current mood plus its bounded history.
type MoodState struct {
	Current     Mood        `json:"current_mood"`
	Intensity   float64     `json:"mood_intensity"`
	History     []MoodEntry `json:"history"`
	LastUpdated time.Time   `json:"last_updated"`
}

// NewMoodState returns the baseline state.
func NewMoodState(now time.Time) MoodState {
	return MoodState{Current: baselineMood, Intensity: 0.5, LastUpdated: now}
}

// StateMachine moves the companion mood in response to user emotions.
type StateMachine struct {
	historyLimit int
	now          func() time.Time
}

// NewStateMachine returns a StateMachine.
func NewStateMachine(historyLimit int, now func() time.Time) *StateMachine {
	if historyLimit <= 0 {
		historyLimit = defaultMoodCap
	}
	if now == nil {
		now = time.Now
	}
	return &StateMachine{historyLimit: historyLimit, now: now}
}

// Update returns the state after reacting to the user's emotion.
func (s *StateMachine) Update(state MoodState, user Result, trigger string) MoodState {
	next, ok := moodTransitions[user.Primary]
	if !ok {
		next = transition{MoodContent, 0.5}
	}

	intensity := min(user.Intensity*next.modifier+0.2, 1.0)
	if next.mood == state.Current {
		// 同一心情持续时逐步加强
		intensity = min(state.Intensity+0.1, 1.0)
	}
	if trigger == "" {
		trigger = fmt.Sprintf("用户情绪: %s", user.Primary)
	}

	now := s.now()
	state.History = s.appendHistory(state.History, MoodEntry{
		Mood:        next.mood,
		Intensity:   intensity,
		Trigger:     trigger,
		UserEmotion: user.Primary,
		Timestamp:   now,
	})
	state.Current = next.mood
	state.Intensity = round2(intensity)
	state.LastUpdated = now
	return state
}

// Set forces a mood, used by operators and tests.
func (s *StateMachine) Set(state MoodState, mood Mood, intensity float64, trigger string) MoodState {
	now := s.now()
	state.History = s.appendHistory(state.History, MoodEntry{
		Mood:      mood,
		Intensity: intensity,
		Trigger:   trigger,
		Timestamp: now,
	})
	state.Current = mood
	state.Intensity = ClampUnit(intensity)
	state.LastUpdated = now
	return state
}

// Decay moves intensity towards 0.5 and returns to the baseline mood once it
// gets there.
func (s *StateMachine) Decay(state MoodState) MoodState {
	switch {
	case state.Intensity > 0.5:
		state.Intensity = round2(max(state.Intensity-moodDecayRate, 0.5))
	case state.Intensity < 0.5:
		state.Intensity = round2(min(state.Intensity+moodDecayRate, 0.5))
	}
	if state.Intensity <= 0.5 && state.Current != baselineMood {
		state.Current = baselineMood
	}
	return state
}

func (s *StateMachine) appendHistory(history []MoodEntry, entry MoodEntry) []MoodEntry {
	history = append(history, entry)
	if len(history) > s.historyLimit {
		history = append([]MoodEntry(nil), history[len(history)-s.historyLimit:]...)
	}
	return history
}
