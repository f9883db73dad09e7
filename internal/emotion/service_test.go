package emotion

import (
	"testing"
	"time"
)

func fixedClock() func() time.Time {
	t := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	return func() time.Time { return t }
}

func TestAnalyzeEmptyIsNeutral(t *testing.T) {
	r := NewAnalyzer().Analyze("")
	if r.Primary != EmotionNeutral || r.Intensity != 0.3 {
		t.Fatalf("unexpected result: %#v", r)
	}
	if len(r.KeywordsFound) != 0 {
		t.Fatalf("expected no keywords, got %v", r.KeywordsFound)
	}
}

func TestAnalyzeBoostsExclamationAndRepetition(t *testing.T) {
	a := NewAnalyzer()
	strong := a.Analyze("太开心了！！！哈哈哈")
	plain := a.Analyze("开心")

	if strong.Primary != EmotionHappy || plain.Primary != EmotionHappy {
		t.Fatalf("expected happy, got %s / %s", strong.Primary, plain.Primary)
	}
	if strong.Intensity <= plain.Intensity {
		t.Fatalf("expected boosted intensity, got %.2f <= %.2f", strong.Intensity, plain.Intensity)
	}
	if plain.Intensity != 0.6 {
		t.Fatalf("expected base intensity 0.6, got %.2f", plain.Intensity)
	}
}

func TestAnalyzeReducerAndSecondary(t *testing.T) {
	r := NewAnalyzer().Analyze("有点难过，也有点累")
	if r.Primary != EmotionSad {
		t.Fatalf("expected sad, got %s", r.Primary)
	}
	if r.Secondary == nil || *r.Secondary != EmotionTired {
		t.Fatalf("expected tired secondary, got %v", r.Secondary)
	}
	if r.Intensity != 0.45 {
		t.Fatalf("expected reduced intensity 0.45, got %.2f", r.Intensity)
	}
}

func TestAnalyzeNoHits(t *testing.T) {
	r := NewAnalyzer().Analyze("今天去了趟超市")
	if r.Primary != EmotionNeutral || r.Intensity != 0.3 {
		t.Fatalf("unexpected result: %#v", r)
	}
}

func TestTrackerTrendAndLimit(t *testing.T) {
	tracker := NewTracker(3, 10, 0)
	for _, v := range []float64{0.2, 0.3, 0.5, 0.7} {
		tracker.Record(1, Result{Primary: EmotionHappy, Intensity: v})
	}

	if got := len(tracker.History(1)); got != 3 {
		t.Fatalf("expected history capped at 3, got %d", got)
	}
	trend := tracker.GetTrend(1, 10)
	if trend.Trend != TrendIncreasing || trend.DominantEmotion != EmotionHappy {
		t.Fatalf("unexpected trend: %#v", trend)
	}
	if trend.AverageIntensity != 0.5 {
		t.Fatalf("expected average 0.5, got %.2f", trend.AverageIntensity)
	}
}

func TestTrackerInsufficientData(t *testing.T) {
	tracker := NewTracker(50, 10, 0)
	if got := tracker.GetTrend(7, 10).Trend; got != TrendUnknown {
		t.Fatalf("expected unknown, got %s", got)
	}
	tracker.Record(7, Result{Primary: EmotionSad, Intensity: 0.6})
	if got := tracker.GetTrend(7, 10).Trend; got != TrendInsufficientData {
		t.Fatalf("expected insufficient_data, got %s", got)
	}
	if _, ok := tracker.Baseline(7); ok {
		t.Fatalf("expected no baseline with one entry")
	}
}

func TestStateMachineTransitions(t *testing.T) {
	sm := NewStateMachine(100, fixedClock())
	state := NewMoodState(time.Time{})

	state = sm.Update(state, Result{Primary: EmotionSad, Intensity: 0.8}, "")
	if state.Current != MoodCaring || state.Intensity != 0.76 {
		t.Fatalf("unexpected state after sad: %s %.2f", state.Current, state.Intensity)
	}

	state = sm.Update(state, Result{Primary: EmotionTired, Intensity: 0.5}, "")
	if state.Current != MoodCaring || state.Intensity != 0.86 {
		t.Fatalf("expected reinforced caring mood, got %s %.2f", state.Current, state.Intensity)
	}
	if len(state.History) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(state.History))
	}
}

func TestStateMachineDecayReturnsToBaseline(t *testing.T) {
	sm := NewStateMachine(100, fixedClock())
	state := MoodState{Current: MoodExcited, Intensity: 0.6}

	state = sm.Decay(state)
	if state.Intensity != 0.5 || state.Current != MoodContent {
		t.Fatalf("unexpected decayed state: %#v", state)
	}
}

func TestServiceInstruction(t *testing.T) {
	svc := NewService(NewStateMachine(100, fixedClock()), 10, 0)
	if got := svc.Instruction(1); got != "【当前心情】你现在心情平静满足，说话温和自然" {
		t.Fatalf("unexpected baseline instruction: %s", got)
	}

	svc.UpdateFromEmotion(1, Result{Primary: EmotionLoving, Intensity: 0.9})
	got := svc.Instruction(1)
	if got != "【当前心情】你现在有点害羞，说话会比较含蓄，可能会有点脸红的感觉（情绪比较强烈）" {
		t.Fatalf("unexpected instruction: %s", got)
	}

	stats := svc.Stats(1)
	if stats.HistoryCount != 1 || stats.Distribution[MoodShy] != 1 {
		t.Fatalf("unexpected stats: %#v", stats)
	}
}

func TestResponseSuggestion(t *testing.T) {
	s := ResponseSuggestion(Result{Primary: EmotionSad, Intensity: 0.8})
	if s.Approach != "comfort" || s.IntensityResponse != "high" {
		t.Fatalf("unexpected suggestion: %#v", s)
	}
}
