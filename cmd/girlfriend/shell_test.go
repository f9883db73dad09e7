package main

import (
	"bytes"
	"context"
	"iter"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/adk/model"
	"google.golang.org/genai"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/easeaico/her-companion/internal/app"
	"github.com/easeaico/her-companion/internal/config"
	"github.com/easeaico/her-companion/internal/storage"
)

type cannedLLM struct{ reply string }

func (c cannedLLM) Name() string { return "canned" }

func (c cannedLLM) GenerateContent(context.Context, *model.LLMRequest, bool) iter.Seq2[*model.LLMResponse, error] {
	return func(yield func(*model.LLMResponse, error) bool) {
		yield(&model.LLMResponse{Content: genai.NewContentFromText(c.reply, genai.RoleModel)}, nil)
	}
}

func newTestApp(t *testing.T) *app.App {
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

	cfg := config.Config{
		AIProvider:           "openai",
		APIKey:               "sk-test",
		ShortTermMemoryLimit: 20,
		ExtractionWorkers:    1,
		ResponseTimeout:      5 * time.Second,
		RateLimitPerMinute:   30,
		RateLimitPerHour:     200,
		RateLimitPerDay:      1000,
		ContentFilterEnabled: true,
		EmbeddingDimension:   768,
		RAGBackend:           "flat",
		Timezone:             "Asia/Shanghai",
		IdleThreshold:        30 * time.Minute,
	}
	a, err := app.Assemble(cfg, app.Deps{Store: store, LLM: cannedLLM{reply: "今天也要开心哦"}})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close(context.Background()) })
	return a
}

func TestShellSession(t *testing.T) {
	a := newTestApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in := strings.NewReader("你好\n/status\n/memories\n\n/quit\n")
	var out bytes.Buffer
	sh, err := newShell(ctx, a, "cli_test_user", "测试用户", in, &out)
	require.NoError(t, err)

	require.NoError(t, sh.Run(ctx))

	got := out.String()
	assert.Contains(t, got, "命令行聊天")
	assert.Contains(t, got, "今天也要开心哦")
	assert.Contains(t, got, "系统状态")
	assert.Contains(t, got, "互动次数: 1")
	assert.Contains(t, got, "还没有记住什么呢~")
	assert.Contains(t, got, "再见，下次再聊哦~")
}

func TestShellStopsAtEOF(t *testing.T) {
	a := newTestApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var out bytes.Buffer
	sh, err := newShell(ctx, a, "cli_eof", "", strings.NewReader(""), &out)
	require.NoError(t, err)
	assert.NoError(t, sh.Run(ctx))
}
