package emotion

import (
	"regexp"
	"sort"
	"strings"
)

// emotionKeywords 按优先级排列，命中数相同时靠前的情绪胜出。
var emotionKeywords = []struct {
	emotion  EmotionType
	keywords []string
}{
	{EmotionHappy, []string{"开心", "高兴", "快乐", "幸福", "太好了", "棒", "赞", "哈哈", "嘻嘻", "耶", "好开心", "真好", "太棒了", "爽", "美滋滋", "笑死", "乐", "喜欢", "爱", "感谢", "谢谢"}},
	{EmotionSad, []string{"难过", "伤心", "悲伤", "哭", "泪", "痛苦", "失落", "沮丧", "郁闷", "心痛", "难受", "不开心", "唉", "呜呜", "委屈", "失望", "遗憾", "可惜", "心酸", "想哭"}},
	{EmotionAngry, []string{"生气", "愤怒", "气死", "烦", "讨厌", "恨", "火大", "怒", "可恶", "混蛋", "该死", "受不了", "忍无可忍", "气愤", "恼火", "暴躁", "发火", "不爽"}},
	{EmotionAnxious, []string{"焦虑", "担心", "紧张", "害怕", "不安", "忐忑", "慌", "着急", "急", "压力", "崩溃", "受不了", "怎么办", "完蛋", "糟糕", "惨了", "烦躁"}},
	{EmotionSurprised, []string{"惊讶", "震惊", "天哪", "我靠", "卧槽", "啊", "哇", "不敢相信", "真的吗", "居然", "竟然", "没想到", "意外"}},
	{EmotionFearful, []string{"恐怖", "吓人", "吓死", "好怕", "毛骨悚然", "做噩梦", "不敢"}},
	{EmotionDisgusted, []string{"恶心", "反胃", "嫌弃", "作呕", "膈应", "辣眼睛"}},
	{EmotionLoving, []string{"爱你", "想你", "喜欢你", "亲爱的", "宝贝", "甜蜜", "温暖", "幸福", "心动", "暖心", "感动", "珍惜"}},
	{EmotionExcited, []string{"兴奋", "激动", "期待", "迫不及待", "太刺激", "好期待", "终于", "等不及", "超级", "特别", "非常"}},
	{EmotionTired, []string{"累", "疲惫", "困", "乏", "没精神", "好累", "累死", "筋疲力尽", "撑不住", "想睡", "休息", "歇歇"}},
	{EmotionConfused, []string{"迷茫", "困惑", "不懂", "不明白", "为什么", "怎么回事", "搞不懂", "纠结", "犹豫", "不知道", "不确定"}},
}

var (
	intensityBoosters = []string{"很", "非常", "特别", "超级", "太", "极其", "真的", "好"}
	intensityReducers = []string{"有点", "稍微", "略微", "一点点", "些许"}
)

type emotionPattern struct {
	emotion EmotionType
	re      *regexp.Regexp
}

// Analyzer classifies message sentiment with keyword patterns.
type Analyzer struct {
	patterns []emotionPattern
}

// NewAnalyzer returns an Analyzer.
func NewAnalyzer() *Analyzer {
	patterns := make([]emotionPattern, 0, len(emotionKeywords))
	for _, entry := range emotionKeywords {
		quoted := make([]string, 0, len(entry.keywords))
		for _, kw := range entry.keywords {
			quoted = append(quoted, regexp.QuoteMeta(kw))
		}
		patterns = append(patterns, emotionPattern{
			emotion: entry.emotion,
			re:      regexp.MustCompile(strings.Join(quoted, "|")),
		})
	}
	return &Analyzer{patterns: patterns}
}

// Analyze returns the detected emotion for text.
func (a *Analyzer) Analyze(text string) Result {
	if strings.TrimSpace(text) == "" {
		return NeutralResult()
	}
	lower := strings.ToLower(text)

	type hit struct {
		emotion EmotionType
		matches []string
	}
	var hits []hit
	for _, p := range a.patterns {
		if matches := p.re.FindAllString(lower, -1); len(matches) > 0 {
			hits = append(hits, hit{emotion: p.emotion, matches: matches})
		}
	}
	if len(hits) == 0 {
		return NeutralResult()
	}

	sort.SliceStable(hits, func(i, j int) bool {
		return len(hits[i].matches) > len(hits[j].matches)
	})

	primary := hits[0]
	count := float64(len(primary.matches))
	base := min(0.5+count*0.1, 0.9)

	result := Result{
		Primary:       primary.emotion,
		Intensity:     adjustIntensity(lower, base),
		Confidence:    round2(min(0.5+count*0.15, 0.95)),
		KeywordsFound: primary.matches,
	}
	if len(hits) > 1 {
		secondary := hits[1].emotion
		result.Secondary = &secondary
	}
	return result
}

func adjustIntensity(text string, intensity float64) float64 {
	for _, b := range intensityBoosters {
		if strings.Contains(text, b) {
			intensity = min(intensity+0.1, 1.0)
			break
		}
	}
	for _, r := range intensityReducers {
		if strings.Contains(text, r) {
			intensity = max(intensity-0.15, 0.2)
			break
		}
	}

	if n := strings.Count(text, "!") + strings.Count(text, "！"); n > 0 {
		intensity = min(intensity+float64(n)*0.05, 1.0)
	}
	if hasRepeatedRun(text, 3) {
		intensity = min(intensity+0.1, 1.0)
	}
	return round2(ClampUnit(intensity))
}

// hasRepeatedRun reports whether text contains n identical runes in a row.
func hasRepeatedRun(text string, n int) bool {
	var prev rune
	run := 0
	for _, r := range text {
		if run > 0 && r == prev {
			run++
		} else {
			prev = r
			run = 1
		}
		if run >= n {
			return true
		}
	}
	return false
}

// Suggestion is per-emotion reply guidance.
type Suggestion struct {
	Tone              string `json:"tone"`
	Approach          string `json:"approach"`
	EmojiBoost        bool   `json:"emoji_boost"`
	IntensityResponse string `json:"intensity_response"`
}

var suggestions = map[EmotionType]Suggestion{
	EmotionHappy:     {Tone: "enthusiastic", Approach: "share_joy", EmojiBoost: true},
	EmotionSad:       {Tone: "gentle", Approach: "comfort"},
	EmotionAngry:     {Tone: "calm", Approach: "validate_then_calm"},
	EmotionAnxious:   {Tone: "reassuring", Approach: "support_and_rationalize"},
	EmotionSurprised: {Tone: "curious", Approach: "engage", EmojiBoost: true},
	EmotionFearful:   {Tone: "reassuring", Approach: "comfort"},
	EmotionDisgusted: {Tone: "calm", Approach: "validate_then_calm"},
	EmotionLoving:    {Tone: "warm", Approach: "reciprocate", EmojiBoost: true},
	EmotionExcited:   {Tone: "enthusiastic", Approach: "match_energy", EmojiBoost: true},
	EmotionTired:     {Tone: "caring", Approach: "encourage_rest"},
	EmotionConfused:  {Tone: "patient", Approach: "clarify_and_help"},
	EmotionNeutral:   {Tone: "friendly", Approach: "engage", EmojiBoost: true},
}

// ResponseSuggestion returns reply guidance for a detected emotion.
func ResponseSuggestion(r Result) Suggestion {
	s, ok := suggestions[r.Primary]
	if !ok {
		s = suggestions[EmotionNeutral]
	}
	switch {
	case r.Intensity > 0.7:
		s.IntensityResponse = "high"
	case r.Intensity < 0.4:
		s.IntensityResponse = "low"
	default:
		s.IntensityResponse = "moderate"
	}
	return s
}
