// Package security 提供输入输出内容过滤与频率限制。
package security

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

//go:embed filters.yaml
var defaultRules []byte

// Filter actions.
const (
	ActionAllow    = "allow"
	ActionWarn     = "warn"
	ActionBlock    = "block"
	ActionRedirect = "redirect"
)

const defaultRedirectMessage = "这个话题我不太方便讨论，我们聊点别的好吗？"

// Rules is the filter and rate limit rule table.
type Rules struct {
	InputValidation struct {
		MaxLength int `yaml:"max_length"`
		MinLength int `yaml:"min_length"`
	} `yaml:"input_validation"`
	MentalHealth struct {
		CrisisKeywords []string `yaml:"crisis_keywords"`
		CrisisResponse string   `yaml:"crisis_response"`
	} `yaml:"mental_health"`
	TopicRestrictions struct {
		BlockedTopics   []string `yaml:"blocked_topics"`
		WarningTopics   []string `yaml:"warning_topics"`
		RedirectMessage string   `yaml:"redirect_message"`
	} `yaml:"topic_restrictions"`
	OutputFiltering struct {
		MaxResponseLength  int   `yaml:"max_response_length"`
		RemovePersonalInfo *bool `yaml:"remove_personal_info"`
	} `yaml:"output_filtering"`
	MessageRate RateRules `yaml:"message_rate"`
}

// RateRules configures RateLimiter.
type RateRules struct {
	Enabled              *bool  `yaml:"enabled"`
	PerMinute            int    `yaml:"per_minute"`
	PerHour              int    `yaml:"per_hour"`
	PerDay               int    `yaml:"per_day"`
	ExceededResponse     string `yaml:"exceeded_response"`
	HourExceededResponse string `yaml:"hour_exceeded_response"`
	DayExceededResponse  string `yaml:"day_exceeded_response"`
}

// LoadRules reads the rule table from path, or the embedded defaults when
// path is empty.
func LoadRules(path string) (Rules, error) {
	data := defaultRules
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Rules{}, fmt.Errorf("failed to read filter rules: %w", err)
		}
		data = b
	}
	var rules Rules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return Rules{}, fmt.Errorf("failed to parse filter rules: %w", err)
	}
	return rules, nil
}

// FilterResult is the verdict for one piece of content.
type FilterResult struct {
	IsSafe          bool     `json:"is_safe"`
	Action          string   `json:"action"`
	Reason          string   `json:"reason,omitempty"`
	MatchedPatterns []string `json:"matched_patterns,omitempty"`
	ModifiedContent string   `json:"modified_content,omitempty"`
}

func allow() FilterResult {
	return FilterResult{IsSafe: true, Action: ActionAllow}
}

var (
	idNumberPattern = regexp.MustCompile(`\d{17}[\dXx]`)
	phonePattern    = regexp.MustCompile(`1[3-9]\d{9}`)
	emailPattern    = regexp.MustCompile(`[\w.-]+@[\w.-]+\.\w+`)
)

// ContentFilter gates user input and model output.
type ContentFilter struct {
	rules   Rules
	enabled bool
}

// NewContentFilter returns a ContentFilter. A disabled filter allows all input
// but still sanitizes output.
func NewContentFilter(rules Rules, enabled bool) *ContentFilter {
	if rules.InputValidation.MaxLength <= 0 {
		rules.InputValidation.MaxLength = 2000
	}
	if rules.InputValidation.MinLength <= 0 {
		rules.InputValidation.MinLength = 1
	}
	if rules.OutputFiltering.MaxResponseLength <= 0 {
		rules.OutputFiltering.MaxResponseLength = 1000
	}
	if rules.TopicRestrictions.RedirectMessage == "" {
		rules.TopicRestrictions.RedirectMessage = defaultRedirectMessage
	}
	return &ContentFilter{rules: rules, enabled: enabled}
}

// CrisisResponse returns the configured crisis redirect text.
func (f *ContentFilter) CrisisResponse() string {
	return f.rules.MentalHealth.CrisisResponse
}

// FilterInput checks user input. Crisis keywords take priority over topic
// restrictions.
func (f *ContentFilter) FilterInput(content string) FilterResult {
	if !f.enabled || content == "" {
		return allow()
	}

	length := utf8.RuneCountInString(content)
	if limit := f.rules.InputValidation.MaxLength; length > limit {
		return FilterResult{
			Action: ActionBlock,
			Reason: fmt.Sprintf("消息太长了，最多%d个字符哦", limit),
		}
	}
	if length < f.rules.InputValidation.MinLength {
		return FilterResult{Action: ActionBlock, Reason: "消息不能为空"}
	}

	lower := strings.ToLower(content)
	if res, ok := f.checkCrisis(lower); ok {
		return res
	}
	if res, ok := f.checkTopics(lower); ok {
		return res
	}
	return allow()
}

func (f *ContentFilter) checkCrisis(lower string) (FilterResult, bool) {
	var matched []string
	for _, kw := range f.rules.MentalHealth.CrisisKeywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			matched = append(matched, kw)
		}
	}
	if len(matched) == 0 {
		return FilterResult{}, false
	}
	return FilterResult{
		Action:          ActionRedirect,
		Reason:          "crisis_detected",
		MatchedPatterns: matched,
		ModifiedContent: f.rules.MentalHealth.CrisisResponse,
	}, true
}

func (f *ContentFilter) checkTopics(lower string) (FilterResult, bool) {
	for _, topic := range f.rules.TopicRestrictions.BlockedTopics {
		if topic != "" && strings.Contains(lower, strings.ToLower(topic)) {
			return FilterResult{
				Action:          ActionRedirect,
				Reason:          "blocked_topic:" + topic,
				MatchedPatterns: []string{topic},
				ModifiedContent: f.rules.TopicRestrictions.RedirectMessage,
			}, true
		}
	}
	for _, topic := range f.rules.TopicRestrictions.WarningTopics {
		if topic != "" && strings.Contains(lower, strings.ToLower(topic)) {
			return FilterResult{
				IsSafe:          true,
				Action:          ActionWarn,
				Reason:          "warning_topic:" + topic,
				MatchedPatterns: []string{topic},
			}, true
		}
	}
	return FilterResult{}, false
}

// FilterOutput truncates over-length replies and masks personal identifiers.
// ModifiedContent is set only when the text changed.
func (f *ContentFilter) FilterOutput(content string) FilterResult {
	if content == "" {
		return allow()
	}
	out := content
	if limit := f.rules.OutputFiltering.MaxResponseLength; utf8.RuneCountInString(out) > limit {
		out = string([]rune(out)[:limit]) + "..."
	}
	if remove := f.rules.OutputFiltering.RemovePersonalInfo; remove == nil || *remove {
		out = MaskPersonalInfo(out)
	}

	res := allow()
	if out != content {
		res.ModifiedContent = out
	}
	return res
}

// MaskPersonalInfo masks ID numbers, mobile numbers and email addresses.
// ID numbers go first so their digits are not half-masked as phone numbers.
func MaskPersonalInfo(content string) string {
	content = idNumberPattern.ReplaceAllString(content, "******************")
	content = phonePattern.ReplaceAllString(content, "1**********")
	content = emailPattern.ReplaceAllString(content, "***@***.***")
	return content
}
