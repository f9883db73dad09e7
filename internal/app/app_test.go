package app

import (
	"context"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/adk/model"
	"google.golang.org/genai"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/easeaico/her-companion/internal/config"
	"github.com/easeaico/her-companion/internal/coordinator"
	"github.com/easeaico/her-companion/internal/storage"
)

type fakeLLM struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeLLM) Name() string { return "fake-model" }

func (f *fakeLLM) GenerateContent(context.Context, *model.LLMRequest, bool) iter.Seq2[*model.LLMResponse, error] {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return func(yield func(*model.LLMResponse, error) bool) {
		yield(&model.LLMResponse{Content: genai.NewContentFromText("嗯嗯，我在听呢", genai.RoleModel)}, nil)
	}
}

func testConfig() config.Config {
	return config.Config{
		AIProvider:                  "openai",
		APIKey:                      "sk-test",
		DatabaseURL:                 "sqlite://memory",
		ShortTermMemoryLimit:        20,
		LongTermMemoryThreshold:     0.7,
		MemoryConsolidationInterval: 30 * time.Minute,
		ExtractionWorkers:           1,
		MaxContextMessages:          10,
		ResponseTimeout:             5 * time.Second,
		ToolTimeout:                 time.Second,
		RateLimitPerMinute:          30,
		RateLimitPerHour:            200,
		RateLimitPerDay:             1000,
		ContentFilterEnabled:        true,
		MaxMessageLength:            2000,
		EmbeddingDimension:          768,
		RAGBackend:                  "flat",
		Timezone:                    "Asia/Shanghai",
		MorningGreetingHour:         8,
		NoonGreetingHour:            12,
		AfternoonNapHour:            14,
		DinnerGreetingHour:          18,
		NightGreetingHour:           22,
		IdleThreshold:               30 * time.Minute,
	}
}

func newTestStore(t *testing.T) *storage.Store {
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
	return store
}

func TestAssembleWiresComponents(t *testing.T) {
	a, err := Assemble(testConfig(), Deps{Store: newTestStore(t), LLM: &fakeLLM{}})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close(context.Background()) })

	assert.NotNil(t, a.Coordinator)
	assert.NotNil(t, a.Proactive)
	assert.NotNil(t, a.Cache)
	assert.Nil(t, a.RAG)
	assert.Nil(t, a.Weather)

	tasks := a.Scheduler.List()
	require.Len(t, tasks, 3)
	assert.Equal(t, TaskConsolidation, tasks[0].Name)
	assert.Equal(t, "@every 30m0s", tasks[0].Spec)
	assert.Equal(t, TaskMoodDecay, tasks[1].Name)
	assert.Equal(t, TaskProactive, tasks[2].Name)
}

func TestAssembleRequiresStoreAndModel(t *testing.T) {
	_, err := Assemble(testConfig(), Deps{LLM: &fakeLLM{}})
	assert.Error(t, err)
	_, err = Assemble(testConfig(), Deps{Store: newTestStore(t)})
	assert.Error(t, err)
}

func TestAssembledTurn(t *testing.T) {
	llm := &fakeLLM{}
	a, err := Assemble(testConfig(), Deps{Store: newTestStore(t), LLM: llm})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close(context.Background()) })

	ctx := context.Background()
	msg := a.Coordinator.ProcessMessage(ctx, &coordinator.MessageContext{
		PlatformID: "cli:alice",
		Nickname:   "alice",
		Content:    "今天好开心呀",
		MessageID:  "m-1",
	})
	require.NoError(t, msg.Err)
	assert.False(t, msg.Blocked())
	assert.Equal(t, "嗯嗯，我在听呢", msg.Response)
	assert.NotZero(t, msg.UserID)
	assert.NotZero(t, msg.ConversationID)

	// 重复投递不会再次调用模型
	before := llm.calls
	dup := a.Coordinator.ProcessMessage(ctx, &coordinator.MessageContext{
		PlatformID: "cli:alice",
		Content:    "今天好开心呀",
		MessageID:  "m-1",
	})
	assert.Equal(t, coordinator.BlockedDuplicate, dup.BlockedBy)
	assert.Equal(t, before, llm.calls)

	assert.NoError(t, a.Scheduler.Run(TaskMoodDecay))
	assert.NoError(t, a.Scheduler.Run(TaskConsolidation))
}
