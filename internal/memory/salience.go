package memory

import (
	"unicode/utf8"

	"github.com/easeaico/her-companion/internal/types"
)

// ComputeSalience scores an extracted item in [0,1] for consolidation
// ranking. Importance dominates; confidence, detail and the user's emotional
// state nudge it.
func ComputeSalience(item types.ExtractedItem, emotionalState string) float64 {
	score := item.Importance*0.6 + item.Confidence*0.2

	switch memoryTypeFor(item.Type) {
	case types.MemoryTypeEvent, types.MemoryTypeGoal:
		score += 0.10
	case types.MemoryTypeFact, types.MemoryTypePreference:
		score += 0.05
	}

	contentLen := utf8.RuneCountInString(item.Content)
	if contentLen >= 30 {
		score += 0.05
	} else if contentLen < 4 {
		score -= 0.05
	}

	switch emotionalState {
	case "sad", "angry", "anxious", "难过", "生气", "焦虑":
		score += 0.05
	}

	return clampScore(score)
}

func clampScore(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
