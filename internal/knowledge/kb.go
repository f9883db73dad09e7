// Package knowledge 提供基于关键词的对话示例库，用于生成 few-shot 提示。
package knowledge

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

//go:embed data/dialogue_examples.yaml
var defaultExamples []byte

const (
	EnergyHigh = "high_energy"
	EnergyLow  = "low_energy"

	fallbackCategory  = "被敷衍时"
	maxForbiddenShown = 4
)

// Scenario is one example situation with model replies.
type Scenario struct {
	User      string   `yaml:"user"`
	Context   string   `yaml:"context"`
	Responses []string `yaml:"responses"`
}

// Category groups scenarios under trigger keywords.
type Category struct {
	Name      string     `yaml:"name"`
	Keywords  []string   `yaml:"keywords"`
	Exact     bool       `yaml:"exact"`
	Scenarios []Scenario `yaml:"scenarios"`
}

type responsePattern struct {
	Characteristics []string `yaml:"characteristics"`
}

type examplesFile struct {
	Categories         []Category                 `yaml:"categories"`
	ShortReplies       []string                   `yaml:"short_replies"`
	HighEnergyTriggers []string                   `yaml:"high_energy_triggers"`
	ResponsePatterns   map[string]responsePattern `yaml:"response_patterns"`
	ForbiddenPatterns  []string                   `yaml:"forbidden_patterns"`
}

// Guidance is the reply guidance for a message.
type Guidance struct {
	Category          string
	ExampleResponses  []string
	Context           string
	EnergyMode        string
	Characteristics   []string
	ForbiddenPatterns []string
}

// KnowledgeBase matches messages to example scenarios.
type KnowledgeBase struct {
	data examplesFile
}

// New loads the knowledge base from path, or the embedded examples when path
// is empty.
func New(path string) (*KnowledgeBase, error) {
	raw := defaultExamples
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read dialogue examples: %w", err)
		}
		raw = data
	}
	var file examplesFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse dialogue examples: %w", err)
	}
	slog.Info("dialogue knowledge loaded", "categories", len(file.Categories))
	return &KnowledgeBase{data: file}, nil
}

// Categories returns the category names in priority order.
func (kb *KnowledgeBase) Categories() []string {
	names := make([]string, 0, len(kb.data.Categories))
	for _, c := range kb.data.Categories {
		names = append(names, c.Name)
	}
	return names
}

// MatchCategory returns the first category, in priority order, with a keyword
// in message.
func (kb *KnowledgeBase) MatchCategory(message string) (*Category, bool) {
	msg := strings.ToLower(strings.TrimSpace(message))
	if msg == "" {
		return nil, false
	}
	for i := range kb.data.Categories {
		c := &kb.data.Categories[i]
		for _, kw := range c.Keywords {
			if c.Exact && msg == kw || !c.Exact && strings.Contains(msg, kw) {
				return c, true
			}
		}
	}
	// 很短的回复多半是敷衍
	if utf8.RuneCountInString(msg) <= 2 {
		for _, short := range kb.data.ShortReplies {
			if msg == short {
				return kb.category(fallbackCategory)
			}
		}
	}
	return nil, false
}

func (kb *KnowledgeBase) category(name string) (*Category, bool) {
	for i := range kb.data.Categories {
		if kb.data.Categories[i].Name == name {
			return &kb.data.Categories[i], true
		}
	}
	return nil, false
}

// FindSimilarScenario returns the best scenario of the matched category:
// an exact match scores 100, containment either way 50, and otherwise ten
// points per shared character.
func (kb *KnowledgeBase) FindSimilarScenario(message string) (*Scenario, string, bool) {
	c, ok := kb.MatchCategory(message)
	if !ok || len(c.Scenarios) == 0 {
		return nil, "", false
	}
	msg := strings.ToLower(strings.TrimSpace(message))
	msgChars := charSet(msg)

	var best *Scenario
	bestScore := 0
	for i := range c.Scenarios {
		s := &c.Scenarios[i]
		pattern := strings.ToLower(s.User)
		score := 0
		switch {
		case pattern == msg:
			score = 100
		case strings.Contains(msg, pattern) || strings.Contains(pattern, msg):
			score = 50
		default:
			for r := range charSet(pattern) {
				if _, ok := msgChars[r]; ok {
					score += 10
				}
			}
		}
		if score > bestScore {
			best, bestScore = s, score
		}
	}
	if best == nil {
		return nil, "", false
	}
	return best, c.Name, true
}

func charSet(s string) map[rune]struct{} {
	set := make(map[rune]struct{}, len(s))
	for _, r := range s {
		set[r] = struct{}{}
	}
	return set
}

// EnergyMode reports high energy when message mentions something she loves.
func (kb *KnowledgeBase) EnergyMode(message string) string {
	for _, trigger := range kb.data.HighEnergyTriggers {
		if strings.Contains(message, trigger) {
			return EnergyHigh
		}
	}
	return EnergyLow
}

// Guidance collects examples, style notes and forbidden phrasings for message.
func (kb *KnowledgeBase) Guidance(message string) Guidance {
	g := Guidance{
		EnergyMode:        kb.EnergyMode(message),
		ForbiddenPatterns: kb.data.ForbiddenPatterns,
	}
	if scenario, category, ok := kb.FindSimilarScenario(message); ok {
		g.Category = category
		g.ExampleResponses = scenario.Responses
		g.Context = scenario.Context
	}
	g.Characteristics = kb.data.ResponsePatterns[g.EnergyMode].Characteristics
	return g
}

// BuildFewShotPrompt renders the guidance for message as a prompt block with
// at most numExamples example replies.
func (kb *KnowledgeBase) BuildFewShotPrompt(message string, numExamples int) string {
	if numExamples <= 0 {
		numExamples = 3
	}
	g := kb.Guidance(message)

	var sb strings.Builder
	sb.WriteString("## 回复风格参考\n\n")
	if g.EnergyMode == EnergyHigh {
		sb.WriteString("【当前状态：遇到喜欢的东西，可以稍微兴奋一点】\n\n")
	} else {
		sb.WriteString("【当前状态：低功耗模式，回复简短自然】\n\n")
	}

	if len(g.ExampleResponses) > 0 {
		sb.WriteString("类似情况的回复示例：\n")
		for i, resp := range g.ExampleResponses {
			if i >= numExamples {
				break
			}
			fmt.Fprintf(&sb, "- \"%s\"\n", resp)
		}
		sb.WriteString("\n")
	}

	if len(g.Characteristics) > 0 {
		sb.WriteString("回复特点：\n")
		for _, c := range g.Characteristics {
			fmt.Fprintf(&sb, "- %s\n", c)
		}
		sb.WriteString("\n")
	}

	if len(g.ForbiddenPatterns) > 0 {
		sb.WriteString("绝对不要说这种话：\n")
		for i, f := range g.ForbiddenPatterns {
			if i >= maxForbiddenShown {
				break
			}
			fmt.Fprintf(&sb, "- \"%s\"\n", f)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
