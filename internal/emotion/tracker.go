package emotion

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	TrendIncreasing       = "increasing"
	TrendDecreasing       = "decreasing"
	TrendStable           = "stable"
	TrendInsufficientData = "insufficient_data"
	TrendUnknown          = "unknown"
)

// Trend summarizes a user's recent emotions.
type Trend struct {
	Trend            string      `json:"trend"`
	DominantEmotion  EmotionType `json:"dominant_emotion,omitempty"`
	DominantCount    int         `json:"dominant_count"`
	AverageIntensity float64     `json:"average_intensity"`
	SampleSize       int         `json:"sample_size"`
}

// Tracker keeps a bounded emotion history per user.
type Tracker struct {
	mu      sync.Mutex
	limit   int
	history *expirable.LRU[uint, []Result]
}

// NewTracker returns a Tracker keeping up to limit entries for at most
// capacity users. Idle users are evicted after ttl.
func NewTracker(limit, capacity int, ttl time.Duration) *Tracker {
	if limit <= 0 {
		limit = 50
	}
	return &Tracker{
		limit:   limit,
		history: expirable.NewLRU[uint, []Result](capacity, nil, ttl),
	}
}

// Record appends an emotion to the user's history.
func (t *Tracker) Record(userID uint, r Result) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries, _ := t.history.Get(userID)
	entries = append(entries, r)
	if len(entries) > t.limit {
		entries = append([]Result(nil), entries[len(entries)-t.limit:]...)
	}
	t.history.Add(userID, entries)
}

// History returns a copy of the recorded emotions, oldest first.
func (t *Tracker) History(userID uint) []Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	entries, _ := t.history.Peek(userID)
	return append([]Result(nil), entries...)
}

// GetTrend reports the trend over the last window entries.
func (t *Tracker) GetTrend(userID uint, window int) Trend {
	history := t.History(userID)
	if len(history) == 0 {
		return Trend{Trend: TrendUnknown}
	}
	if window <= 0 {
		window = 10
	}
	recent := history
	if len(recent) > window {
		recent = recent[len(recent)-window:]
	}

	dominant, count := dominantEmotion(recent)
	total := 0.0
	for _, r := range recent {
		total += r.Intensity
	}

	trend := TrendInsufficientData
	if len(recent) >= 3 {
		last := recent[len(recent)-3:]
		a, b, c := last[0].Intensity, last[1].Intensity, last[2].Intensity
		switch {
		case a < b && b < c:
			trend = TrendIncreasing
		case a > b && b > c:
			trend = TrendDecreasing
		default:
			trend = TrendStable
		}
	}

	return Trend{
		Trend:            trend,
		DominantEmotion:  dominant,
		DominantCount:    count,
		AverageIntensity: round2(total / float64(len(recent))),
		SampleSize:       len(recent),
	}
}

// Baseline returns the most common emotion over the full history, or false
// when fewer than ten entries were recorded.
func (t *Tracker) Baseline(userID uint) (EmotionType, bool) {
	history := t.History(userID)
	if len(history) < 10 {
		return "", false
	}
	dominant, _ := dominantEmotion(history)
	return dominant, true
}

// Reset drops the user's history.
func (t *Tracker) Reset(userID uint) {
	t.history.Remove(userID)
}

func dominantEmotion(entries []Result) (EmotionType, int) {
	counts := make(map[EmotionType]int)
	var order []EmotionType
	for _, r := range entries {
		if _, seen := counts[r.Primary]; !seen {
			order = append(order, r.Primary)
		}
		counts[r.Primary]++
	}
	var best EmotionType
	bestCount := 0
	for _, e := range order {
		if counts[e] > bestCount {
			best, bestCount = e, counts[e]
		}
	}
	return best, bestCount
}
