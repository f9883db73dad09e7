package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/easeaico/her-companion/internal/knowledge"
	"github.com/easeaico/her-companion/internal/memory"
	"github.com/easeaico/her-companion/internal/models"
	"github.com/easeaico/her-companion/internal/personality"
	"github.com/easeaico/her-companion/internal/prompt"
	"github.com/easeaico/her-companion/internal/storage"
	"github.com/easeaico/her-companion/internal/types"
)

type fakeChat struct {
	mu    sync.Mutex
	reply string
	err   error
	delay time.Duration
	last  []models.Message
	opts  models.ChatOptions
}

func (f *fakeChat) Name() string { return "fake-model" }

func (f *fakeChat) Chat(ctx context.Context, messages []models.Message, opts models.ChatOptions) (*models.ChatResult, error) {
	f.mu.Lock()
	f.last = messages
	f.opts = opts
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &models.ChatResult{Content: f.reply, Model: "fake-model", Usage: models.Usage{TotalTokens: 7}}, nil
}

func (f *fakeChat) system() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.last) == 0 {
		return ""
	}
	return f.last[0].Content
}

type fakeTool struct{ info string }

func (f fakeTool) Name() string { return "fake_tool" }

func (f fakeTool) Lookup(context.Context, string) string { return f.info }

// callableTool never recognises a message itself but can be called by the model.
type callableTool struct {
	fakeTool
	calls int
}

func (c *callableTool) Declaration() *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{Name: "fake_tool"}
}

func (c *callableTool) Call(context.Context, map[string]any) (map[string]any, error) {
	c.calls++
	return map[string]any{"summary": "晴"}, nil
}

type fakeQueue struct {
	jobs []memory.Job
}

func (q *fakeQueue) Enqueue(job memory.Job) bool {
	q.jobs = append(q.jobs, job)
	return true
}

type testEnv struct {
	engine *Engine
	store  *storage.Store
	llm    *fakeChat
	queue  *fakeQueue
	user   *types.User
}

func newTestEnv(t *testing.T, llm *fakeChat, tools ...InfoTool) *testEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	store := storage.NewStoreWithDB(db)
	require.NoError(t, store.AutoMigrate(context.Background()))
	t.Cleanup(store.Close)

	mgr, err := memory.NewManager(memory.Options{Store: store.Memories})
	require.NoError(t, err)
	kb, err := knowledge.New("")
	require.NoError(t, err)

	queue := &fakeQueue{}
	now := time.Date(2024, 4, 1, 9, 30, 0, 0, time.UTC)
	engine, err := NewEngine(Options{
		Store:           store.Conversations,
		LLM:             llm,
		Memory:          mgr,
		Knowledge:       kb,
		Tools:           tools,
		Queue:           queue,
		Prompts:         prompt.NewBuilder(time.UTC).WithClock(func() time.Time { return now }),
		ResponseTimeout: 200 * time.Millisecond,
		TypingDelayMin:  0.5,
		TypingDelayMax:  2.0,
	})
	require.NoError(t, err)

	user, _, err := store.Users.GetOrCreate(context.Background(), "wx_1", "小明")
	require.NoError(t, err)
	return &testEnv{engine: engine, store: store, llm: llm, queue: queue, user: user}
}

func TestProcessMessageRecordsTurn(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &fakeChat{reply: "在呢在呢~ (≧▽≦)"}, fakeTool{info: "昆山现在18度，小雨"})

	res, err := env.engine.ProcessMessage(ctx, env.user.ID, "在吗", TurnOptions{Emotion: "neutral", EmotionIntensity: 0.3})
	require.NoError(t, err)
	assert.Equal(t, "在呢在呢", res.Response)
	assert.NotZero(t, res.ConversationID)
	assert.NotEmpty(t, res.SessionID)
	assert.NotZero(t, res.MessageID)
	assert.Equal(t, 0.5, res.TypingDelay)
	assert.False(t, res.Fallback)

	system := env.llm.system()
	assert.Contains(t, system, "2024年04月01日 09:30 星期一")
	assert.Contains(t, system, "## 回复风格参考")
	assert.Contains(t, system, "【实时信息】\n昆山现在18度，小雨")

	history, err := env.engine.History(ctx, res.ConversationID, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, types.RoleUser, history[0].Role)
	assert.Equal(t, "neutral", history[0].Emotion)
	assert.Equal(t, "fake-model", history[1].ModelUsed)

	require.Len(t, env.queue.jobs, 1)
	assert.Len(t, env.queue.jobs[0].Messages, 2)

	// the same conversation is reused and the current message is not duplicated
	_, err = env.engine.ProcessMessage(ctx, env.user.ID, "今天好累", TurnOptions{})
	require.NoError(t, err)
	env.llm.mu.Lock()
	last := env.llm.last
	env.llm.mu.Unlock()
	require.Len(t, last, 4)
	assert.Equal(t, "在吗", last[1].Content)
	assert.Equal(t, "在呢在呢", last[2].Content)
	assert.Equal(t, "今天好累", last[3].Content)

	conv, err := env.store.Conversations.GetByID(ctx, res.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, 4, conv.MessageCount)
	assert.Equal(t, 2, conv.UserMessageCount)
}

func TestGenerateResponseFallbacks(t *testing.T) {
	ctx := context.Background()

	slow := newTestEnv(t, &fakeChat{reply: "迟到的回复", delay: time.Second})
	res, err := slow.engine.ProcessMessage(ctx, slow.user.ID, "你好", TurnOptions{})
	require.NoError(t, err)
	assert.Equal(t, FallbackTimeout, res.Response)
	assert.True(t, res.Fallback)

	broken := newTestEnv(t, &fakeChat{err: errors.New("boom")})
	res, err = broken.engine.ProcessMessage(ctx, broken.user.ID, "你好", TurnOptions{})
	require.NoError(t, err)
	assert.Equal(t, FallbackError, res.Response)

	empty := newTestEnv(t, &fakeChat{reply: "(・ω・)"})
	res, err = empty.engine.ProcessMessage(ctx, empty.user.ID, "你好", TurnOptions{})
	require.NoError(t, err)
	assert.Equal(t, FallbackError, res.Response)
}

func TestGetOrCreateConversationAndEnd(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &fakeChat{reply: "嗯嗯"})

	var wg sync.WaitGroup
	ids := make([]uint, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conv, err := env.engine.GetOrCreateConversation(ctx, env.user.ID)
			if err == nil {
				ids[i] = conv.ID
			}
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}

	require.NoError(t, env.engine.EndConversation(ctx, ids[0]))
	conv, err := env.engine.GetOrCreateConversation(ctx, env.user.ID)
	require.NoError(t, err)
	assert.NotEqual(t, ids[0], conv.ID)

	assert.ErrorIs(t, env.engine.EndConversation(ctx, 9999), storage.ErrNotFound)
}

func TestGetGreeting(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &fakeChat{})

	greeting, err := env.engine.GetGreeting(ctx, env.user.ID, personality.Config{})
	require.NoError(t, err)
	assert.Equal(t, "上午好~", greeting)

	require.NoError(t, env.store.Memories.CreateLongTerm(ctx, &types.LongTermMemory{
		UserID: env.user.ID, MemoryType: types.MemoryTypeFact, Key: "name", Value: "小明", Importance: 0.9, Confidence: 0.9, Active: true,
	}))
	greeting, err = env.engine.GetGreeting(ctx, env.user.ID, personality.Config{})
	require.NoError(t, err)
	assert.Equal(t, "上午好，小明~", greeting)

	p := personality.Config{Name: "tsundere", Expressions: map[string][]string{"greetings": {"哼，你终于来了"}}}
	greeting, err = env.engine.GetGreeting(ctx, env.user.ID, p)
	require.NoError(t, err)
	assert.Equal(t, "哼，你终于来了", greeting)
}

func TestTypingDelay(t *testing.T) {
	env := newTestEnv(t, &fakeChat{})
	assert.Equal(t, 0.5, env.engine.TypingDelay("好"))
	assert.Equal(t, 1.2, env.engine.TypingDelay(strings.Repeat("字", 60)))
	assert.Equal(t, 2.0, env.engine.TypingDelay(strings.Repeat("字", 500)))
}

func TestFilterResponse(t *testing.T) {
	cases := []struct{ in, want string }{
		{"好呀~(｡・ω-)✧", "好呀"},
		{"我也想你 (≧▽≦) 嘿嘿~~", "我也想你 嘿嘿"},
		{"哈哈😀😂🎉 太好了", "哈哈😀 太好了"},
		{"10:30 见 :)", "10:30 见"},
		{"哭了T_T 别这样^_^", "哭了 别这样"},
		{"好的   知道了", "好的 知道了"},
		{"(括号里的正常内容)", "(括号里的正常内容)"},
		{"google.com 上查到的", "google.com 上查到的"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, FilterResponse(tc.in), tc.in)
	}
}

func TestUnansweredToolsOfferedToModel(t *testing.T) {
	ctx := context.Background()
	callable := &callableTool{}
	llm := &fakeChat{reply: "外面晴天哦"}
	env := newTestEnv(t, llm, fakeTool{info: "昆山现在18度，小雨"}, callable)

	_, err := env.engine.ProcessMessage(ctx, env.user.ID, "在干嘛", TurnOptions{})
	require.NoError(t, err)

	llm.mu.Lock()
	tools := llm.opts.Tools
	llm.mu.Unlock()
	require.Len(t, tools, 1)
	assert.Equal(t, "fake_tool", tools[0].Declaration().Name)

	out, err := tools[0].Call(ctx, map[string]any{"city": "北京"})
	require.NoError(t, err)
	assert.Equal(t, "晴", out["summary"])
	assert.Equal(t, 1, callable.calls)

	// a tool that already answered through Lookup is not offered again
	answered := &callableTool{fakeTool: fakeTool{info: "北京现在25度"}}
	env = newTestEnv(t, llm, answered)
	_, err = env.engine.ProcessMessage(ctx, env.user.ID, "北京天气", TurnOptions{})
	require.NoError(t, err)
	llm.mu.Lock()
	assert.Empty(t, llm.opts.Tools)
	llm.mu.Unlock()
}
