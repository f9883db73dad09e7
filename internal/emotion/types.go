package emotion

import "math"

// EmotionType is a detected user emotion category.
type EmotionType string

const (
	EmotionHappy     EmotionType = "happy"
	EmotionSad       EmotionType = "sad"
	EmotionAngry     EmotionType = "angry"
	EmotionAnxious   EmotionType = "anxious"
	EmotionSurprised EmotionType = "surprised"
	EmotionFearful   EmotionType = "fearful"
	EmotionDisgusted EmotionType = "disgusted"
	EmotionNeutral   EmotionType = "neutral"
	EmotionLoving    EmotionType = "loving"
	EmotionExcited   EmotionType = "excited"
	EmotionTired     EmotionType = "tired"
	EmotionConfused  EmotionType = "confused"
)

// IsPositive reports whether the emotion counts as a positive signal.
func (e EmotionType) IsPositive() bool {
	switch e {
	case EmotionHappy, EmotionLoving, EmotionExcited:
		return true
	default:
		return false
	}
}

// IsNegative reports whether the emotion usually calls for comfort.
func (e EmotionType) IsNegative() bool {
	switch e {
	case EmotionSad, EmotionAngry, EmotionAnxious, EmotionFearful, EmotionTired:
		return true
	default:
		return false
	}
}

// Result is the outcome of analyzing one message.
type Result struct {
	Primary       EmotionType  `json:"primary_emotion"`
	Intensity     float64      `json:"intensity"`
	Secondary     *EmotionType `json:"secondary_emotion,omitempty"`
	Confidence    float64      `json:"confidence"`
	KeywordsFound []string     `json:"keywords_found"`
}

// NeutralResult is returned for empty input.
func NeutralResult() Result {
	return Result{
		Primary:       EmotionNeutral,
		Intensity:     0.3,
		Confidence:    0.5,
		KeywordsFound: []string{},
	}
}

// ClampUnit bounds v to [0, 1].
func ClampUnit(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
