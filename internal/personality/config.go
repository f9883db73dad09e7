// Package personality 管理人设配置以及针对每个用户的性格微调。
package personality

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Trait names accepted by Traits.Get and Traits.With.
const (
	TraitWarmth          = "warmth"
	TraitEmpathy         = "empathy"
	TraitPatience        = "patience"
	TraitPlayfulness     = "playfulness"
	TraitIntellectuality = "intellectuality"
	TraitAssertiveness   = "assertiveness"
	TraitSensitivity     = "sensitivity"
	TraitHumor           = "humor"
)

// TraitNames lists every trait in a stable order.
var TraitNames = []string{
	TraitWarmth, TraitEmpathy, TraitPatience, TraitPlayfulness,
	TraitIntellectuality, TraitAssertiveness, TraitSensitivity, TraitHumor,
}

// Traits are the eight weighted character traits, each in [0,1].
type Traits struct {
	Warmth          float64 `yaml:"warmth" json:"warmth"`
	Empathy         float64 `yaml:"empathy" json:"empathy"`
	Patience        float64 `yaml:"patience" json:"patience"`
	Playfulness     float64 `yaml:"playfulness" json:"playfulness"`
	Intellectuality float64 `yaml:"intellectuality" json:"intellectuality"`
	Assertiveness   float64 `yaml:"assertiveness" json:"assertiveness"`
	Sensitivity     float64 `yaml:"sensitivity" json:"sensitivity"`
	Humor           float64 `yaml:"humor" json:"humor"`
}

// DefaultTraits mirrors the values used when a file omits a trait.
func DefaultTraits() Traits {
	return Traits{
		Warmth:          0.7,
		Empathy:         0.7,
		Patience:        0.7,
		Playfulness:     0.5,
		Intellectuality: 0.5,
		Assertiveness:   0.5,
		Sensitivity:     0.7,
		Humor:           0.5,
	}
}

func (t *Traits) field(name string) *float64 {
	switch name {
	case TraitWarmth:
		return &t.Warmth
	case TraitEmpathy:
		return &t.Empathy
	case TraitPatience:
		return &t.Patience
	case TraitPlayfulness:
		return &t.Playfulness
	case TraitIntellectuality:
		return &t.Intellectuality
	case TraitAssertiveness:
		return &t.Assertiveness
	case TraitSensitivity:
		return &t.Sensitivity
	case TraitHumor:
		return &t.Humor
	}
	return nil
}

// Get returns the named trait.
func (t Traits) Get(name string) (float64, bool) {
	p := t.field(name)
	if p == nil {
		return 0, false
	}
	return *p, true
}

// With returns a copy with the named trait set to v, clamped to [0,1].
// Unknown names leave the traits unchanged.
func (t Traits) With(name string, v float64) Traits {
	if p := t.field(name); p != nil {
		*p = clampUnit(v)
	}
	return t
}

// Adjust returns a copy with delta added to the named trait.
func (t Traits) Adjust(name string, delta float64) Traits {
	v, ok := t.Get(name)
	if !ok {
		return t
	}
	return t.With(name, v+delta)
}

func (t Traits) validate() error {
	for _, name := range TraitNames {
		v, _ := t.Get(name)
		if v < 0 || v > 1 {
			return fmt.Errorf("trait %s out of range: %v", name, v)
		}
	}
	return nil
}

// LanguageStyle controls how the companion phrases replies.
type LanguageStyle struct {
	Formality  float64 `yaml:"formality" json:"formality"`
	Verbosity  float64 `yaml:"verbosity" json:"verbosity"`
	EmojiUsage float64 `yaml:"emoji_usage" json:"emoji_usage"`
	PetNames   bool    `yaml:"pet_names" json:"pet_names"`
}

// DefaultLanguageStyle is used when a file omits language_style.
func DefaultLanguageStyle() LanguageStyle {
	return LanguageStyle{Formality: 0.4, Verbosity: 0.6, EmojiUsage: 0.6, PetNames: true}
}

// EmotionalResponse is the configured reaction to a user emotion.
type EmotionalResponse struct {
	IntensityMultiplier float64 `yaml:"intensity_multiplier" json:"intensity_multiplier"`
	ResponseStyle       string  `yaml:"response_style" json:"response_style"`
}

// DefaultEmotionalResponse is returned for emotions without a configured entry.
func DefaultEmotionalResponse() EmotionalResponse {
	return EmotionalResponse{IntensityMultiplier: 1.0, ResponseStyle: "default"}
}

// Config is a complete personality. Values are copied on every accessor, so
// callers may adjust them freely for a single turn.
type Config struct {
	Name               string                       `yaml:"name" json:"name"`
	DisplayName        string                       `yaml:"display_name" json:"display_name"`
	Description        string                       `yaml:"description" json:"description"`
	Traits             Traits                       `yaml:"traits" json:"traits"`
	LanguageStyle      LanguageStyle                `yaml:"language_style" json:"language_style"`
	Expressions        map[string][]string          `yaml:"expressions" json:"expressions"`
	EmotionalResponses map[string]EmotionalResponse `yaml:"emotional_responses" json:"emotional_responses"`
	TopicPreferences   map[string][]string          `yaml:"topic_preferences" json:"topic_preferences"`
	BehaviorPatterns   map[string]bool              `yaml:"behavior_patterns" json:"behavior_patterns"`
}

// Clone returns a deep copy.
func (c Config) Clone() Config {
	out := c
	out.Expressions = make(map[string][]string, len(c.Expressions))
	for k, v := range c.Expressions {
		out.Expressions[k] = slices.Clone(v)
	}
	out.EmotionalResponses = maps.Clone(c.EmotionalResponses)
	out.TopicPreferences = make(map[string][]string, len(c.TopicPreferences))
	for k, v := range c.TopicPreferences {
		out.TopicPreferences[k] = slices.Clone(v)
	}
	out.BehaviorPatterns = maps.Clone(c.BehaviorPatterns)
	return out
}

// WithTrait returns a copy with delta added to the named trait.
func (c Config) WithTrait(name string, delta float64) Config {
	out := c.Clone()
	out.Traits = out.Traits.Adjust(name, delta)
	return out
}

// WithStageStyle returns a copy using the given formality and pet-name rule.
func (c Config) WithStageStyle(formality float64, petNames bool) Config {
	out := c.Clone()
	out.LanguageStyle.Formality = clampUnit(formality)
	out.LanguageStyle.PetNames = petNames
	return out
}

// IsZero reports whether c carries no personality.
func (c Config) IsZero() bool {
	return c.Name == ""
}

// PromptSummary renders the traits block appended to the system prompt.
func (c Config) PromptSummary() string {
	if c.IsZero() {
		return ""
	}
	var b strings.Builder
	b.WriteString("【人格特质】\n")
	fmt.Fprintf(&b, "- 温暖程度: %.2f\n", c.Traits.Warmth)
	fmt.Fprintf(&b, "- 共情程度: %.2f\n", c.Traits.Empathy)
	fmt.Fprintf(&b, "- 耐心程度: %.2f\n", c.Traits.Patience)
	fmt.Fprintf(&b, "- 活泼程度: %.2f\n", c.Traits.Playfulness)
	fmt.Fprintf(&b, "- 幽默程度: %.2f\n", c.Traits.Humor)
	if c.LanguageStyle.EmojiUsage > 0.5 {
		b.WriteString("- 表情使用: 多\n")
	} else {
		b.WriteString("- 表情使用: 少\n")
	}
	switch {
	case c.LanguageStyle.Formality >= 0.6:
		b.WriteString("- 说话方式: 礼貌客气，保持分寸\n")
	case c.LanguageStyle.Formality >= 0.3:
		b.WriteString("- 说话方式: 自然随和\n")
	default:
		b.WriteString("- 说话方式: 亲昵随意\n")
	}
	if c.LanguageStyle.PetNames {
		b.WriteString("- 可以使用亲昵的称呼\n")
	} else {
		b.WriteString("- 暂时不要使用亲昵的称呼\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (c *Config) applyDefaults() {
	if c.DisplayName == "" {
		c.DisplayName = c.Name
	}
	if c.Expressions == nil {
		c.Expressions = map[string][]string{}
	}
	if c.EmotionalResponses == nil {
		c.EmotionalResponses = map[string]EmotionalResponse{}
	}
	for k, v := range c.EmotionalResponses {
		if v.IntensityMultiplier == 0 {
			v.IntensityMultiplier = 1.0
		}
		if v.ResponseStyle == "" {
			v.ResponseStyle = "default"
		}
		c.EmotionalResponses[k] = v
	}
	if c.TopicPreferences == nil {
		c.TopicPreferences = map[string][]string{}
	}
	if c.BehaviorPatterns == nil {
		c.BehaviorPatterns = map[string]bool{}
	}
}

func clampUnit(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
