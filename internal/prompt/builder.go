// Package prompt 负责组装发给语言模型的系统提示词。
package prompt

import (
	"bytes"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/easeaico/her-companion/internal/types"
)

const (
	defaultName       = "小爱"
	maxMemoryLines    = 5
	maxSummaryTurns   = 5
	maxSummaryRunes   = 100
	toolInfoHeader    = "【实时信息】"
	defaultTimeLayout = "2006年01月02日 15:04"
)

var weekdays = [...]string{"日", "一", "二", "三", "四", "五", "六"}

// Input contains every block of one system prompt. Empty blocks are skipped.
type Input struct {
	Name        string
	UserProfile string
	Memories    []types.LongTermMemory
	History     []types.Message
	FewShot     string
	RAG         string
	ToolInfo    string
	Personality string
	Mood        string
}

// Builder assembles layered system prompts.
type Builder struct {
	loc     *time.Location
	nowFunc func() time.Time
}

// NewBuilder creates a Builder rendering times in loc (local time when nil).
func NewBuilder(loc *time.Location) *Builder {
	if loc == nil {
		loc = time.Local
	}
	return &Builder{loc: loc, nowFunc: time.Now}
}

// WithClock returns b using now as its clock.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	out := *b
	out.nowFunc = now
	return &out
}

// Now returns the current time in the builder's location.
func (b *Builder) Now() time.Time {
	return b.nowFunc().In(b.loc)
}

// Build renders the base prompt and appends the extra blocks in order:
// few-shot guidance, similar dialogues, live info, personality, mood.
func (b *Builder) Build(in Input) (string, error) {
	name := in.Name
	if name == "" {
		name = defaultName
	}
	data := struct {
		Name         string
		Now          string
		UserProfile  string
		Memories     string
		Conversation string
	}{
		Name:         name,
		Now:          FormatTime(b.Now()),
		UserProfile:  orDefault(in.UserProfile, emptyProfile),
		Memories:     orDefault(formatMemories(in.Memories), emptyMemories),
		Conversation: orDefault(summarize(in.History), emptyConversation),
	}

	var buf bytes.Buffer
	if err := basePromptTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to build prompt: %w", err)
	}

	blocks := []string{in.FewShot, in.RAG}
	if info := strings.TrimSpace(in.ToolInfo); info != "" {
		blocks = append(blocks, toolInfoHeader+"\n"+info)
	}
	blocks = append(blocks, in.Personality, in.Mood)
	for _, block := range blocks {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		buf.WriteString("\n\n")
		buf.WriteString(block)
	}
	return buf.String(), nil
}

// FormatTime renders t like "2024年04月01日 09:30 星期一".
func FormatTime(t time.Time) string {
	return t.Format(defaultTimeLayout) + " 星期" + weekdays[t.Weekday()]
}

// TimeGreeting returns the greeting for the hour of t.
func TimeGreeting(t time.Time) string {
	switch h := t.Hour(); {
	case h >= 5 && h < 9:
		return "早上好"
	case h >= 9 && h < 12:
		return "上午好"
	case h >= 12 && h < 14:
		return "中午好"
	case h >= 14 && h < 18:
		return "下午好"
	case h >= 18 && h < 22:
		return "晚上好"
	default:
		return "夜深了"
	}
}

func formatMemories(memories []types.LongTermMemory) string {
	if len(memories) > maxMemoryLines {
		memories = memories[:maxMemoryLines]
	}
	lines := make([]string, 0, len(memories))
	for _, m := range memories {
		lines = append(lines, fmt.Sprintf("- %s: %s", m.Key, m.Value))
	}
	return strings.Join(lines, "\n")
}

func summarize(history []types.Message) string {
	if len(history) > maxSummaryTurns {
		history = history[len(history)-maxSummaryTurns:]
	}
	lines := make([]string, 0, len(history))
	for _, m := range history {
		lines = append(lines, fmt.Sprintf("%s: %s", m.Role, clip(m.Content, maxSummaryRunes)))
	}
	return strings.Join(lines, "\n")
}

func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
