package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/template"
	"time"

	"github.com/easeaico/her-companion/internal/app"
	"github.com/easeaico/her-companion/internal/coordinator"
	"github.com/easeaico/her-companion/internal/emotion"
	"github.com/easeaico/her-companion/internal/relationship"
)

const (
	tplBanner   = "banner"
	tplStatus   = "status"
	tplMemories = "memories"

	pendingPollInterval = 15 * time.Second
	memoryListLimit     = 10
)

var shellTemplatesText = `
{{define "banner"}}==================================================
{{.Name}} · 命令行聊天
==================================================
输入消息开始聊天，/quit 退出
/status 查看关系状态，/memories 查看记忆，/greeting 打个招呼
==================================================
{{end}}
{{define "status"}}------------------------------
系统状态
------------------------------
用户ID: {{.UserID}}
亲密度: {{printf "%.1f" .Metrics.Intimacy}}/100
信任度: {{printf "%.1f" .Metrics.Trust}}/100
理解度: {{printf "%.1f" .Metrics.Understanding}}/100
关系阶段: {{.Metrics.Stage}}
互动次数: {{.Metrics.TotalInteractions}}
连续天数: {{.Metrics.ConsecutiveDays}}
{{- if .Trend.DominantEmotion}}
主要情绪: {{.Trend.DominantEmotion}} ({{.Trend.Trend}})
{{- end}}
她的心情: {{.Mood.CurrentMood}} {{printf "%.2f" .Mood.MoodIntensity}}
长期记忆: {{.MemoryCount}} 条
------------------------------
{{end}}
{{define "memories"}}{{if not .}}还没有记住什么呢~
{{else}}{{range .}}[{{.MemoryType}}] {{.Key}}: {{.Value}} (重要度 {{printf "%.2f" .Importance}})
{{end}}{{end}}{{end}}
`

var shellTemplates = template.Must(template.New("shell").Parse(shellTemplatesText))

type statusView struct {
	UserID      uint
	Metrics     relationship.Metrics
	Trend       emotion.Trend
	Mood        emotion.MoodStats
	MemoryCount int64
}

// shell is a line-based chat front-end bound to one user.
type shell struct {
	app        *app.App
	userID     uint
	platformID string
	nickname   string
	name       string
	in         io.Reader
	out        io.Writer
	seq        int
	started    time.Time
}

func newShell(ctx context.Context, a *app.App, platformID, nickname string, in io.Reader, out io.Writer) (*shell, error) {
	user, _, err := a.Store.Users.GetOrCreate(ctx, platformID, nickname)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve cli user: %w", err)
	}
	name := a.Personalities.Current().DisplayName
	if name == "" {
		name = a.Personalities.Current().Name
	}
	return &shell{
		app:        a,
		userID:     user.ID,
		platformID: platformID,
		nickname:   nickname,
		name:       name,
		in:         in,
		out:        out,
		started:    time.Now(),
	}, nil
}

// Run reads lines until EOF, /quit or ctx is done.
func (s *shell) Run(ctx context.Context) error {
	s.render(tplBanner, map[string]string{"Name": s.name})
	s.greet(ctx)

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(s.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
		close(lines)
	}()

	poll := time.NewTicker(pendingPollInterval)
	defer poll.Stop()

	s.prompt()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-poll.C:
			if s.flushPending() {
				s.prompt()
			}
		case line, ok := <-lines:
			if !ok {
				return <-scanErr
			}
			if quit := s.handle(ctx, strings.TrimSpace(line)); quit {
				return nil
			}
			s.prompt()
		}
	}
}

func (s *shell) handle(ctx context.Context, input string) bool {
	switch strings.ToLower(input) {
	case "":
		return false
	case "/quit", "/exit", "quit", "exit", "退出":
		fmt.Fprintln(s.out, "\n再见，下次再聊哦~")
		return true
	case "/status":
		s.status(ctx)
		return false
	case "/memories":
		s.memories(ctx)
		return false
	case "/greeting":
		s.greet(ctx)
		return false
	}

	s.seq++
	msg := s.app.Coordinator.ProcessMessage(ctx, &coordinator.MessageContext{
		UserID:      s.userID,
		PlatformID:  s.platformID,
		Nickname:    s.nickname,
		Content:     input,
		MessageType: "text",
		MessageID:   fmt.Sprintf("cli-%d-%d", s.started.UnixNano(), s.seq),
		Timestamp:   time.Now(),
	})
	if msg.Blocked() {
		slog.Debug("message blocked", "user_id", s.userID, "reason", msg.BlockedBy)
	}
	if msg.TypingDelay > 0 {
		select {
		case <-time.After(time.Duration(msg.TypingDelay * float64(time.Second))):
		case <-ctx.Done():
		}
	}
	fmt.Fprintf(s.out, "%s: %s\n", s.name, msg.Response)
	s.flushPending()
	return false
}

func (s *shell) greet(ctx context.Context) {
	persona, err := s.app.Personalities.ForUser(ctx, s.userID, s.app.Config.PersonalityName)
	if err != nil {
		slog.Warn("failed to load personality", "user_id", s.userID, "error", err)
		persona = s.app.Personalities.Current()
	}
	greeting, err := s.app.Engine.GetGreeting(ctx, s.userID, persona)
	if err != nil {
		slog.Warn("failed to build greeting", "user_id", s.userID, "error", err)
		return
	}
	fmt.Fprintf(s.out, "%s: %s\n", s.name, greeting)
}

func (s *shell) status(ctx context.Context) {
	metrics, err := s.app.Relationships.GetMetrics(ctx, s.userID)
	if err != nil {
		fmt.Fprintf(s.out, "查询关系状态失败: %v\n", err)
		return
	}
	count, err := s.app.Memory.CountLongTerm(ctx, s.userID)
	if err != nil {
		slog.Warn("failed to count memories", "user_id", s.userID, "error", err)
	}
	s.render(tplStatus, statusView{
		UserID:      s.userID,
		Metrics:     metrics,
		Trend:       s.app.Tracker.GetTrend(s.userID, 10),
		Mood:        s.app.Moods.Stats(s.userID),
		MemoryCount: count,
	})
}

func (s *shell) memories(ctx context.Context) {
	items, err := s.app.Memory.GetUserMemories(ctx, s.userID, nil, memoryListLimit)
	if err != nil {
		fmt.Fprintf(s.out, "查询记忆失败: %v\n", err)
		return
	}
	s.render(tplMemories, items)
}

// flushPending prints queued proactive messages and reports whether any were
// printed.
func (s *shell) flushPending() bool {
	pending := s.app.Proactive.PendingMessages(s.userID)
	for _, m := range pending {
		fmt.Fprintf(s.out, "\n%s: %s\n", s.name, m.Content)
	}
	return len(pending) > 0
}

func (s *shell) prompt() {
	fmt.Fprint(s.out, "你: ")
}

func (s *shell) render(name string, data any) {
	var buf bytes.Buffer
	if err := shellTemplates.ExecuteTemplate(&buf, name, data); err != nil {
		slog.Error("failed to render template", "template", name, "error", err)
		return
	}
	fmt.Fprint(s.out, buf.String())
}
