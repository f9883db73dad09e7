package coordinator

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
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/easeaico/her-companion/internal/conversation"
	"github.com/easeaico/her-companion/internal/emotion"
	"github.com/easeaico/her-companion/internal/knowledge"
	"github.com/easeaico/her-companion/internal/memory"
	"github.com/easeaico/her-companion/internal/models"
	"github.com/easeaico/her-companion/internal/personality"
	"github.com/easeaico/her-companion/internal/prompt"
	"github.com/easeaico/her-companion/internal/relationship"
	"github.com/easeaico/her-companion/internal/security"
	"github.com/easeaico/her-companion/internal/storage"
)

type fakeChat struct {
	mu    sync.Mutex
	reply string
	calls int
}

func (f *fakeChat) Name() string { return "fake-model" }

func (f *fakeChat) Chat(_ context.Context, _ []models.Message, _ models.ChatOptions) (*models.ChatResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return &models.ChatResult{Content: f.reply, Model: "fake-model"}, nil
}

func (f *fakeChat) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeActivity struct {
	mu   sync.Mutex
	seen map[uint]time.Time
}

func (f *fakeActivity) RecordActivity(userID uint, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen == nil {
		f.seen = map[uint]time.Time{}
	}
	f.seen[userID] = at
}

type failingEngine struct {
	err   error
	panic bool
}

func (f failingEngine) ProcessMessage(context.Context, uint, string, conversation.TurnOptions) (*conversation.Result, error) {
	if f.panic {
		panic("nil map")
	}
	return nil, f.err
}

type testEnv struct {
	coord         *Coordinator
	store         *storage.Store
	llm           *fakeChat
	filter        *security.ContentFilter
	relationships *relationship.Builder
	personalities *personality.System
	activity      *fakeActivity
}

type envOption func(*Options)

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
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

	llm := &fakeChat{reply: "你好呀，很高兴认识你"}
	engine, err := conversation.NewEngine(conversation.Options{
		Store:     store.Conversations,
		LLM:       llm,
		Memory:    mgr,
		Knowledge: kb,
		Prompts:   prompt.NewBuilder(time.UTC),
	})
	require.NoError(t, err)

	rules, err := security.LoadRules("")
	require.NoError(t, err)
	filter := security.NewContentFilter(rules, true)
	relationships := relationship.NewBuilder(store.Users, nil, 100, time.Minute, nil)
	personalities, err := personality.NewSystem(personality.Options{Store: store.Adaptations})
	require.NoError(t, err)
	activity := &fakeActivity{}

	o := Options{
		Users:         store.Users,
		Engine:        engine,
		Filter:        filter,
		Limiter:       security.NewRateLimiter(rules.MessageRate, 100, nil),
		Analyzer:      emotion.NewAnalyzer(),
		Relationships: relationships,
		Personalities: personalities,
		Activity:      activity,
	}
	for _, opt := range opts {
		opt(&o)
	}
	coord, err := New(o)
	require.NoError(t, err)

	return &testEnv{
		coord:         coord,
		store:         store,
		llm:           llm,
		filter:        filter,
		relationships: relationships,
		personalities: personalities,
		activity:      activity,
	}
}

func TestNewUserFirstMessage(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	msg := env.coord.ProcessMessage(ctx, &MessageContext{PlatformID: "wx_new", Nickname: "小明", Content: "你好"})
	require.NoError(t, msg.Err)
	assert.NotEmpty(t, msg.Response)
	assert.False(t, msg.Blocked())
	assert.NotZero(t, msg.UserID)
	assert.NotZero(t, msg.ConversationID)
	assert.Equal(t, relationship.StageStranger, msg.Stage)
	assert.Equal(t, relationship.EventMessageReceived, msg.Event)

	m, err := env.relationships.GetMetrics(ctx, msg.UserID)
	require.NoError(t, err)
	assert.Equal(t, 1, m.TotalInteractions)
	assert.Equal(t, relationship.StageStranger, m.Stage())

	_, ok := env.activity.seen[msg.UserID]
	assert.True(t, ok)
}

func TestCrisisMessageShortCircuits(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	msg := env.coord.ProcessMessage(ctx, &MessageContext{PlatformID: "wx_crisis", Content: "我真的不想活了"})
	assert.Equal(t, env.filter.CrisisResponse(), msg.Response)
	assert.Equal(t, BlockedContentFilter, msg.BlockedBy)
	require.NotNil(t, msg.Filter)
	assert.Equal(t, security.ActionRedirect, msg.Filter.Action)
	assert.Nil(t, msg.Emotion)
	assert.Zero(t, env.llm.count())

	user, err := env.store.Users.GetByPlatformID(ctx, "wx_crisis")
	require.NoError(t, err)
	assert.Nil(t, user)
}

func TestBlockedTopicUsesRedirect(t *testing.T) {
	env := newTestEnv(t)
	msg := env.coord.ProcessMessage(context.Background(), &MessageContext{PlatformID: "wx_1", Content: "哪里能买到毒品"})
	assert.Equal(t, BlockedContentFilter, msg.BlockedBy)
	assert.Equal(t, "这个话题我不太方便讨论，我们聊点别的好吗？", msg.Response)
}

func TestDuplicateMessageDropped(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	first := env.coord.ProcessMessage(ctx, &MessageContext{PlatformID: "wx_1", Content: "在吗", MessageID: "m-1"})
	require.False(t, first.Blocked())

	again := env.coord.ProcessMessage(ctx, &MessageContext{PlatformID: "wx_1", Content: "在吗", MessageID: "m-1"})
	assert.Equal(t, BlockedDuplicate, again.BlockedBy)
	assert.Empty(t, again.Response)
	assert.Equal(t, 1, env.llm.count())

	other := env.coord.ProcessMessage(ctx, &MessageContext{PlatformID: "wx_1", Content: "在吗", MessageID: "m-2"})
	assert.False(t, other.Blocked())
}

type countingEngine struct {
	mu    sync.Mutex
	calls int
}

func (c *countingEngine) ProcessMessage(context.Context, uint, string, conversation.TurnOptions) (*conversation.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return nil, errors.New("llm unavailable")
}

func TestFailedMessageCanBeRedelivered(t *testing.T) {
	ctx := context.Background()
	engine := &countingEngine{}
	env := newTestEnv(t, func(o *Options) { o.Engine = engine })

	first := env.coord.ProcessMessage(ctx, &MessageContext{PlatformID: "wx_1", Content: "在吗", MessageID: "m-9"})
	require.Equal(t, ApologyMessage, first.Response)

	retry := env.coord.ProcessMessage(ctx, &MessageContext{PlatformID: "wx_1", Content: "在吗", MessageID: "m-9"})
	assert.Empty(t, retry.BlockedBy)
	assert.Equal(t, ApologyMessage, retry.Response)
	assert.Equal(t, 2, engine.calls)
}

func TestRateLimitedMessageCanBeRedelivered(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	env := newTestEnv(t, func(o *Options) {
		o.Limiter = security.NewRateLimiter(security.RateRules{PerMinute: 1}, 10, clock)
	})

	require.False(t, env.coord.ProcessMessage(ctx, &MessageContext{PlatformID: "wx_2", Content: "嗨", MessageID: "a"}).Blocked())
	limited := env.coord.ProcessMessage(ctx, &MessageContext{PlatformID: "wx_2", Content: "嗨", MessageID: "b"})
	require.Equal(t, BlockedRateLimit, limited.BlockedBy)

	now = now.Add(2 * time.Minute)
	retry := env.coord.ProcessMessage(ctx, &MessageContext{PlatformID: "wx_2", Content: "嗨", MessageID: "b"})
	assert.False(t, retry.Blocked())
	assert.Equal(t, 2, env.llm.count())
}

func TestConcurrentRedeliveryProcessedOnce(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		blocked int
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg := env.coord.ProcessMessage(ctx, &MessageContext{PlatformID: "wx_3", Content: "早安", MessageID: "same"})
			if msg.BlockedBy == BlockedDuplicate {
				mu.Lock()
				blocked++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 7, blocked)
	assert.Equal(t, 1, env.llm.count())
}

func TestRateLimitShortCircuits(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, func(o *Options) {
		o.Limiter = security.NewRateLimiter(security.RateRules{PerMinute: 2}, 10, nil)
	})

	for range 2 {
		msg := env.coord.ProcessMessage(ctx, &MessageContext{PlatformID: "wx_fast", Content: "嗨"})
		require.False(t, msg.Blocked())
	}
	msg := env.coord.ProcessMessage(ctx, &MessageContext{PlatformID: "wx_fast", Content: "嗨"})
	assert.Equal(t, BlockedRateLimit, msg.BlockedBy)
	assert.Equal(t, "你发消息太快啦，让我喘口气~", msg.Response)
	assert.Equal(t, 2, env.llm.count())
}

func TestFailuresBecomeApology(t *testing.T) {
	ctx := context.Background()

	broken := newTestEnv(t, func(o *Options) {
		o.Engine = failingEngine{err: errors.New("database is locked")}
	})
	msg := broken.coord.ProcessMessage(ctx, &MessageContext{PlatformID: "wx_1", Content: "你好"})
	assert.Equal(t, ApologyMessage, msg.Response)
	assert.ErrorContains(t, msg.Err, "database is locked")

	panicky := newTestEnv(t, func(o *Options) {
		o.Engine = failingEngine{panic: true}
	})
	msg = panicky.coord.ProcessMessage(ctx, &MessageContext{PlatformID: "wx_1", Content: "你好"})
	assert.Equal(t, ApologyMessage, msg.Response)
	assert.ErrorContains(t, msg.Err, "panic")
}

func TestSadMessageAdjustsPersonalityForTurn(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	msg := env.coord.ProcessMessage(ctx, &MessageContext{PlatformID: "wx_sad", Content: "今天好难过"})
	require.NoError(t, msg.Err)
	require.NotNil(t, msg.Emotion)
	assert.Equal(t, emotion.EmotionSad, msg.Emotion.Primary)
	assert.Equal(t, relationship.EventEmotionalSupport, msg.Event)

	assert.InDelta(t, 1.0, msg.Personality.Traits.Empathy, 1e-9)
	assert.InDelta(t, 0.7, msg.Personality.LanguageStyle.Formality, 1e-9)
	assert.False(t, msg.Personality.LanguageStyle.PetNames)

	// 持久化的只有演化结果，不包含本轮的临时调整
	cfg, err := env.personalities.ForUser(ctx, msg.UserID, "")
	require.NoError(t, err)
	assert.Greater(t, cfg.Traits.Empathy, 0.8)
	assert.Less(t, cfg.Traits.Empathy, 1.0)
	assert.True(t, cfg.LanguageStyle.PetNames)
}

func TestMilestoneAppended(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	user, _, err := env.store.Users.GetOrCreate(ctx, "wx_close", "阿杰")
	require.NoError(t, err)
	user.Intimacy = 9.9
	require.NoError(t, env.store.Users.UpdateRelationship(ctx, user))

	msg := env.coord.ProcessMessage(ctx, &MessageContext{UserID: user.ID, Content: "你好"})
	require.NoError(t, msg.Err)
	assert.Equal(t, relationship.StageAcquaintance, msg.Stage)
	assert.Equal(t, "感觉我们越来越熟悉了呢~", msg.Milestone)
	assert.True(t, strings.HasSuffix(msg.Response, "\n\n感觉我们越来越熟悉了呢~"))
}

func TestOutputFilterMasksReply(t *testing.T) {
	env := newTestEnv(t)
	env.llm.reply = "我的手机号是13812345678哦"

	msg := env.coord.ProcessMessage(context.Background(), &MessageContext{PlatformID: "wx_1", Content: "留个电话"})
	require.NoError(t, msg.Err)
	assert.Equal(t, "我的手机号是1**********哦", msg.Response)
}

func TestClassifyInteraction(t *testing.T) {
	cases := []struct {
		primary emotion.EmotionType
		content string
		want    string
	}{
		{emotion.EmotionHappy, "好开心", relationship.EventPositiveEmotion},
		{emotion.EmotionLoving, "想你", relationship.EventPositiveEmotion},
		{emotion.EmotionAnxious, "好紧张", relationship.EventEmotionalSupport},
		{emotion.EmotionNeutral, strings.Repeat("说", 101), relationship.EventDeepConversation},
		{emotion.EmotionNeutral, strings.Repeat("说", 100), relationship.EventMessageReceived},
		{emotion.EmotionAngry, "气死了", relationship.EventMessageReceived},
	}
	for _, tc := range cases {
		got := classifyInteraction(emotion.Result{Primary: tc.primary}, tc.content)
		assert.Equal(t, tc.want, got, tc.content)
	}
}

func TestNewRequiresCoreComponents(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}
