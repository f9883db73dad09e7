// Package conversation generates companion replies and records the dialogue.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/singleflight"

	"github.com/easeaico/her-companion/internal/memory"
	"github.com/easeaico/her-companion/internal/metrics"
	"github.com/easeaico/her-companion/internal/models"
	"github.com/easeaico/her-companion/internal/personality"
	"github.com/easeaico/her-companion/internal/prompt"
	"github.com/easeaico/her-companion/internal/rag"
	"github.com/easeaico/her-companion/internal/types"
)

// Fallback replies used when the language model cannot answer.
const (
	FallbackTimeout = "抱歉，我思考得太久了，能再说一遍吗？"
	FallbackError   = "哎呀，我好像走神了，你刚才说什么？"
)

const (
	defaultMaxContext   = 10
	defaultTimeout      = 30 * time.Second
	defaultToolTimeout  = 10 * time.Second
	defaultTypingMin    = 0.5
	defaultTypingMax    = 2.0
	ragTopK             = 3
	ragThreshold        = 0.5
	relevantMemoryLimit = 5
	fewShotExamples     = 3
	replyTemperature    = 0.8
	replyMaxTokens      = 500
	typingRunesPerSec   = 50.0
)

// ConversationStore persists conversations and messages.
type ConversationStore interface {
	GetActive(ctx context.Context, userID uint) (*types.Conversation, error)
	Create(ctx context.Context, userID uint) (*types.Conversation, error)
	End(ctx context.Context, id uint) error
	AppendMessage(ctx context.Context, msg *types.Message) error
	RecentMessages(ctx context.Context, conversationID uint, limit int) ([]types.Message, error)
}

// Chatter is the language model capability.
type Chatter interface {
	Name() string
	Chat(ctx context.Context, messages []models.Message, opts models.ChatOptions) (*models.ChatResult, error)
}

// MemorySource supplies the user profile and relevant memories.
type MemorySource interface {
	ProfileContext(ctx context.Context, userID uint) (string, error)
	BuildProfile(ctx context.Context, userID uint) (*memory.Profile, error)
	Search(ctx context.Context, userID uint, query string, limit int) ([]types.LongTermMemory, error)
}

// DialogueSearcher finds similar example dialogues.
type DialogueSearcher interface {
	Initialized() bool
	Search(ctx context.Context, query string, topK int, threshold float64, filter rag.Payload) ([]rag.Match, error)
}

// FewShotSource renders style guidance for a message.
type FewShotSource interface {
	BuildFewShotPrompt(message string, numExamples int) string
}

// InfoTool looks up live information a message asks about. It returns ""
// when the message does not concern it or the lookup failed.
type InfoTool interface {
	Name() string
	Lookup(ctx context.Context, message string) string
}

// ExtractionQueue accepts background memory extraction jobs.
type ExtractionQueue interface {
	Enqueue(job memory.Job) bool
}

// Options configures an Engine. Knowledge, RAG, Tools and Queue are optional.
type Options struct {
	Store     ConversationStore
	LLM       Chatter
	Memory    MemorySource
	Knowledge FewShotSource
	RAG       DialogueSearcher
	Tools     []InfoTool
	Queue     ExtractionQueue
	Prompts   *prompt.Builder

	MaxContextMessages int
	ResponseTimeout    time.Duration
	ToolTimeout        time.Duration
	TypingDelayMin     float64
	TypingDelayMax     float64
}

// Engine builds prompts, calls the model and records both sides of a turn.
type Engine struct {
	store     ConversationStore
	llm       Chatter
	memory    MemorySource
	knowledge FewShotSource
	rag       DialogueSearcher
	tools     []InfoTool
	queue     ExtractionQueue
	prompts   *prompt.Builder

	maxContext  int
	timeout     time.Duration
	toolTimeout time.Duration
	typingMin   float64
	typingMax   float64

	// 同一用户并发创建会话时只创建一次
	creating singleflight.Group
}

// NewEngine validates opts and returns an Engine.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("conversation store is required")
	}
	if opts.LLM == nil {
		return nil, errors.New("language model is required")
	}
	if opts.Memory == nil {
		return nil, errors.New("memory source is required")
	}
	e := &Engine{
		store:       opts.Store,
		llm:         opts.LLM,
		memory:      opts.Memory,
		knowledge:   opts.Knowledge,
		rag:         opts.RAG,
		tools:       opts.Tools,
		queue:       opts.Queue,
		prompts:     opts.Prompts,
		maxContext:  opts.MaxContextMessages,
		timeout:     opts.ResponseTimeout,
		toolTimeout: opts.ToolTimeout,
		typingMin:   opts.TypingDelayMin,
		typingMax:   opts.TypingDelayMax,
	}
	if e.prompts == nil {
		e.prompts = prompt.NewBuilder(nil)
	}
	if e.maxContext <= 0 {
		e.maxContext = defaultMaxContext
	}
	if e.timeout <= 0 {
		e.timeout = defaultTimeout
	}
	if e.toolTimeout <= 0 {
		e.toolTimeout = defaultToolTimeout
	}
	if e.typingMin <= 0 {
		e.typingMin = defaultTypingMin
	}
	if e.typingMax < e.typingMin {
		e.typingMax = max(defaultTypingMax, e.typingMin)
	}
	return e, nil
}

// TurnOptions carries the per-turn inputs decided by the caller.
type TurnOptions struct {
	Personality      personality.Config
	MoodInstruction  string
	Emotion          string
	EmotionIntensity float64
	Intent           string
	MessageType      string
}

// Result is the outcome of ProcessMessage.
type Result struct {
	Response       string  `json:"response"`
	ConversationID uint    `json:"conversation_id"`
	SessionID      string  `json:"session_id"`
	MessageID      uint    `json:"message_id"`
	TypingDelay    float64 `json:"typing_delay"`
	Fallback       bool    `json:"fallback,omitempty"`
}

// Reply is a generated response.
type Reply struct {
	Content  string
	Model    string
	Tokens   int
	Duration time.Duration
	// Fallback is set when Content is a canned text.
	Fallback bool
}

// GetOrCreateConversation returns the user's active conversation or starts a
// new one. Concurrent calls for the same user share one creation.
func (e *Engine) GetOrCreateConversation(ctx context.Context, userID uint) (*types.Conversation, error) {
	v, err, _ := e.creating.Do(strconv.FormatUint(uint64(userID), 10), func() (any, error) {
		conv, err := e.store.GetActive(ctx, userID)
		if err != nil {
			return nil, err
		}
		if conv != nil {
			return conv, nil
		}
		conv, err = e.store.Create(ctx, userID)
		if err != nil {
			return nil, err
		}
		slog.Info("created conversation", "user_id", userID, "session_id", conv.SessionID)
		return conv, nil
	})
	if err != nil {
		return nil, err
	}
	conv := *v.(*types.Conversation)
	return &conv, nil
}

// GenerateResponse answers userMessage within conv. Model failures become a
// fallback reply; only persistence errors are returned.
func (e *Engine) GenerateResponse(ctx context.Context, conv *types.Conversation, userMessage string, opts TurnOptions) (Reply, error) {
	toolInfo, callable := e.lookupTools(ctx, userMessage)
	ragBlock := e.searchDialogues(ctx, userMessage)

	history, err := e.store.RecentMessages(ctx, conv.ID, e.maxContext+1)
	if err != nil {
		return Reply{}, err
	}
	// 当前消息已经入库，从历史里去掉
	if n := len(history); n > 0 && history[n-1].Role == types.RoleUser && history[n-1].Content == userMessage {
		history = history[:n-1]
	}
	if len(history) > e.maxContext {
		history = history[len(history)-e.maxContext:]
	}

	profile, err := e.memory.ProfileContext(ctx, conv.UserID)
	if err != nil {
		return Reply{}, err
	}
	memories, err := e.memory.Search(ctx, conv.UserID, userMessage, relevantMemoryLimit)
	if err != nil {
		return Reply{}, err
	}

	var fewShot string
	if e.knowledge != nil {
		fewShot = e.knowledge.BuildFewShotPrompt(userMessage, fewShotExamples)
	}

	system, err := e.prompts.Build(prompt.Input{
		Name:        opts.Personality.DisplayName,
		UserProfile: profile,
		Memories:    memories,
		History:     history,
		FewShot:     fewShot,
		RAG:         ragBlock,
		ToolInfo:    toolInfo,
		Personality: opts.Personality.PromptSummary(),
		Mood:        opts.MoodInstruction,
	})
	if err != nil {
		return Reply{}, err
	}

	messages := make([]models.Message, 0, len(history)+2)
	messages = append(messages, models.Message{Role: models.RoleSystem, Content: system})
	for _, m := range history {
		role := models.RoleAssistant
		if m.Role == types.RoleUser {
			role = models.RoleUser
		}
		messages = append(messages, models.Message{Role: role, Content: m.Content})
	}
	messages = append(messages, models.Message{Role: models.RoleUser, Content: userMessage})

	return e.callModel(ctx, conv.UserID, messages, callable), nil
}

func (e *Engine) callModel(ctx context.Context, userID uint, messages []models.Message, tools []models.FunctionTool) Reply {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	res, err := e.llm.Chat(callCtx, messages, models.ChatOptions{
		Temperature: replyTemperature,
		MaxTokens:   replyMaxTokens,
		Tools:       tools,
	})
	elapsed := time.Since(start)
	metrics.LLMLatency.WithLabelValues(e.llm.Name()).Observe(elapsed.Seconds())

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			slog.Error("response generation timeout", "user_id", userID, "timeout", e.timeout)
			metrics.LLMFallbacks.WithLabelValues("timeout").Inc()
			return Reply{Content: FallbackTimeout, Duration: elapsed, Fallback: true}
		}
		slog.Error("response generation failed", "user_id", userID, "error", err)
		metrics.LLMFallbacks.WithLabelValues("error").Inc()
		return Reply{Content: FallbackError, Duration: elapsed, Fallback: true}
	}

	content := FilterResponse(res.Content)
	if content == "" {
		// 过滤后什么都不剩
		metrics.LLMFallbacks.WithLabelValues("empty").Inc()
		return Reply{Content: FallbackError, Model: res.Model, Duration: elapsed, Fallback: true}
	}
	slog.Info("generated response",
		"user_id", userID,
		"model", res.Model,
		"duration_ms", elapsed.Milliseconds(),
		"tokens", res.Usage.TotalTokens,
		"tool_calls", res.ToolCalls,
	)
	return Reply{
		Content:  content,
		Model:    res.Model,
		Tokens:   res.Usage.TotalTokens,
		Duration: elapsed,
	}
}

// lookupTools injects info from tools that recognise the message. Tools that
// did not answer but support function calling are returned for the model to
// call itself.
func (e *Engine) lookupTools(ctx context.Context, message string) (string, []models.FunctionTool) {
	var (
		infos    []string
		callable []models.FunctionTool
	)
	for _, t := range e.tools {
		toolCtx, cancel := context.WithTimeout(ctx, e.toolTimeout)
		info := t.Lookup(toolCtx, message)
		cancel()
		if info != "" {
			metrics.ToolCalls.WithLabelValues(t.Name(), metrics.OutcomeOK).Inc()
			infos = append(infos, info)
			continue
		}
		if ft, ok := t.(models.FunctionTool); ok {
			callable = append(callable, meteredTool{FunctionTool: ft, name: t.Name(), timeout: e.toolTimeout})
		}
	}
	return strings.Join(infos, "\n"), callable
}

// meteredTool bounds a model-initiated call and records its outcome.
type meteredTool struct {
	models.FunctionTool
	name    string
	timeout time.Duration
}

func (m meteredTool) Call(ctx context.Context, args map[string]any) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	out, err := m.FunctionTool.Call(ctx, args)
	outcome := metrics.OutcomeOK
	if err != nil || out["error"] != nil {
		outcome = metrics.OutcomeError
	}
	metrics.ToolCalls.WithLabelValues(m.name, outcome).Inc()
	return out, err
}

func (e *Engine) searchDialogues(ctx context.Context, message string) string {
	if e.rag == nil || !e.rag.Initialized() {
		return ""
	}
	matches, err := e.rag.Search(ctx, message, ragTopK, ragThreshold, nil)
	if err != nil {
		slog.Warn("rag search failed", "error", err)
		metrics.RAGSearches.WithLabelValues(metrics.OutcomeError).Inc()
		return ""
	}
	if len(matches) == 0 {
		metrics.RAGSearches.WithLabelValues(metrics.OutcomeEmpty).Inc()
		return ""
	}
	metrics.RAGSearches.WithLabelValues(metrics.OutcomeOK).Inc()
	slog.Debug("rag found similar dialogues", "count", len(matches))
	return rag.BuildContextPrompt(matches, ragTopK)
}

// ProcessMessage records the user message, generates and records the reply,
// and queues memory extraction for the turn.
func (e *Engine) ProcessMessage(ctx context.Context, userID uint, content string, opts TurnOptions) (*Result, error) {
	conv, err := e.GetOrCreateConversation(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	userMsg := &types.Message{
		ConversationID:   conv.ID,
		UserID:           userID,
		Role:             types.RoleUser,
		MessageType:      opts.MessageType,
		Content:          content,
		Emotion:          opts.Emotion,
		EmotionIntensity: opts.EmotionIntensity,
		Intent:           opts.Intent,
	}
	if err := e.store.AppendMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("failed to save user message: %w", err)
	}

	reply, err := e.GenerateResponse(ctx, conv, content, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to generate response: %w", err)
	}

	assistantMsg := &types.Message{
		ConversationID: conv.ID,
		UserID:         userID,
		Role:           types.RoleAssistant,
		Content:        reply.Content,
		ModelUsed:      reply.Model,
		TokensUsed:     reply.Tokens,
		ResponseTimeMS: reply.Duration.Milliseconds(),
	}
	if err := e.store.AppendMessage(ctx, assistantMsg); err != nil {
		return nil, fmt.Errorf("failed to save assistant message: %w", err)
	}

	if e.queue != nil {
		job := memory.Job{
			UserID:         userID,
			ConversationID: conv.ID,
			Messages:       []types.Message{*userMsg, *assistantMsg},
		}
		if !e.queue.Enqueue(job) {
			slog.Debug("memory extraction skipped", "user_id", userID, "reason", "queue unavailable")
		}
	}

	return &Result{
		Response:       reply.Content,
		ConversationID: conv.ID,
		SessionID:      conv.SessionID,
		MessageID:      assistantMsg.ID,
		TypingDelay:    e.TypingDelay(reply.Content),
		Fallback:       reply.Fallback,
	}, nil
}

// EndConversation marks the conversation ended.
func (e *Engine) EndConversation(ctx context.Context, conversationID uint) error {
	if err := e.store.End(ctx, conversationID); err != nil {
		return fmt.Errorf("failed to end conversation: %w", err)
	}
	slog.Info("ended conversation", "conversation_id", conversationID)
	return nil
}

// History returns up to limit messages of a conversation, oldest first. A
// non-positive limit uses the context size.
func (e *Engine) History(ctx context.Context, conversationID uint, limit int) ([]types.Message, error) {
	if limit <= 0 {
		limit = e.maxContext
	}
	return e.store.RecentMessages(ctx, conversationID, limit)
}

// GetGreeting returns a time-of-day greeting, personalised with the user's
// name or replaced by one of the personality's greetings.
func (e *Engine) GetGreeting(ctx context.Context, userID uint, p personality.Config) (string, error) {
	if g := personality.PickExpression(p, "greetings"); g != "" {
		return g, nil
	}
	greeting := prompt.TimeGreeting(e.prompts.Now())
	profile, err := e.memory.BuildProfile(ctx, userID)
	if err != nil {
		return "", err
	}
	if name := profile.Name(); name != "" {
		return greeting + "，" + name + "~", nil
	}
	return greeting + "~", nil
}

// TypingDelay returns the simulated typing time in seconds for text.
func (e *Engine) TypingDelay(text string) float64 {
	d := float64(utf8.RuneCountInString(text)) / typingRunesPerSec
	d = max(e.typingMin, min(d, e.typingMax))
	return math.Round(d*100) / 100
}
