package memory

import (
	"context"
	"encoding/json"
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

	"github.com/easeaico/her-companion/internal/cache"
	"github.com/easeaico/her-companion/internal/storage"
	"github.com/easeaico/her-companion/internal/types"
)

type fakeExtractor struct {
	reply      string
	err        error
	transcript string
}

func (f *fakeExtractor) Extract(_ context.Context, transcript string) (string, error) {
	f.transcript = transcript
	return f.reply, f.err
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
	t.Cleanup(store.Close)
	return store
}

func newTestManager(t *testing.T, extractor Extractor, c cache.Cache) (*Manager, *storage.Store) {
	t.Helper()
	store := newTestStore(t)
	m, err := NewManager(Options{
		Store:     store.Memories,
		Extractor: extractor,
		WithinTx: func(ctx context.Context, fn func(Store) error) error {
			return store.Transaction(ctx, func(tx *storage.Store) error {
				return fn(tx.Memories)
			})
		},
		Cache:          c,
		ShortTermLimit: 20,
	})
	require.NoError(t, err)
	return m, store
}

func TestParseExtractionResponse(t *testing.T) {
	assert.Nil(t, parseExtractionResponse("not json"))
	assert.Nil(t, parseExtractionResponse("{broken"))

	raw := "好的，结果如下：\n```json\n" + `{
		"extracted_info": [
			{"type": "用户偏好", "content": "用户喜欢喝奶茶", "importance": 0.8, "confidence": 0.9,},
			{"type": "重要事件", "content": "  ", "importance": 0.9},
			{"type": "目标计划", "content": "用户想去日本旅行", "importance": 3}
		],
		"emotional_state": {"emotion": "happy", "intensity": 0.6},
	}` + "\n```"
	result := parseExtractionResponse(raw)
	require.NotNil(t, result)
	assert.Equal(t, "happy", result.EmotionalState)
	require.Len(t, result.ExtractedInfo, 2)
	assert.Equal(t, "用户喜欢喝奶茶", result.ExtractedInfo[0].Content)
	assert.Equal(t, 0.9, result.ExtractedInfo[0].Confidence)
	assert.Equal(t, 1.0, result.ExtractedInfo[1].Importance)
	assert.Equal(t, 0.8, result.ExtractedInfo[1].Confidence)
	assert.Equal(t, "目标计划", result.ExtractedInfo[1].Raw["type"])

	plain := parseExtractionResponse(`{"extracted_info": [], "emotional_state": "平静"}`)
	require.NotNil(t, plain)
	assert.Empty(t, plain.ExtractedInfo)
	assert.Equal(t, "平静", plain.EmotionalState)
}

func TestUnitFieldReadsStoredNumbers(t *testing.T) {
	obj := map[string]any{
		"a": json.Number("0.6"),
		"b": 0.3,
		"c": json.Number("1.7"),
		"d": "oops",
		"e": 1,
	}
	assert.InDelta(t, 0.6, unitField(obj, "a", 0.8), 1e-9)
	assert.InDelta(t, 0.3, unitField(obj, "b", 0.8), 1e-9)
	assert.InDelta(t, 1, unitField(obj, "c", 0.8), 1e-9)
	assert.InDelta(t, 0.8, unitField(obj, "d", 0.8), 1e-9)
	assert.InDelta(t, 1, unitField(obj, "e", 0.8), 1e-9)
	assert.InDelta(t, 0.5, unitField(obj, "missing", 0.5), 1e-9)
}

func TestMemoryTypeMapping(t *testing.T) {
	cases := map[string]string{
		"用户基本信息": types.MemoryTypeFact,
		"用户厌恶":   types.MemoryTypePreference,
		"价值观":    types.MemoryTypeFact,
		"目标计划":   types.MemoryTypeGoal,
		"habit":  types.MemoryTypeHabit,
		"随便什么":   types.MemoryTypeContext,
	}
	for label, want := range cases {
		assert.Equal(t, want, memoryTypeFor(label), label)
	}
}

func TestExtractKeywords(t *testing.T) {
	assert.Equal(t, []string{"奶茶"}, extractKeywords("用户喜欢奶茶"))
	assert.Equal(t, []string{"golang", "写代"}, extractKeywords("Golang 写代"))

	kws := extractKeywords("我的猫叫团子，团子很胖")
	assert.Equal(t, "团子", kws[0])
	assert.LessOrEqual(t, len(extractKeywords(strings.Repeat("春夏秋冬东南西北", 3))), maxKeywords)
	assert.Empty(t, extractKeywords("的了吗！！"))
}

func TestExtractStoresShortTermMemories(t *testing.T) {
	ctx := context.Background()
	extractor := &fakeExtractor{reply: `{"extracted_info": [
		{"type": "用户基本信息", "key": "name", "content": "用户叫小明", "importance": 0.9, "confidence": 0.95},
		{"type": "情感状态", "content": "用户今天有点累", "importance": 0.4, "confidence": 0.7}
	], "emotional_state": "tired"}`}
	m, _ := newTestManager(t, extractor, nil)

	created, err := m.Extract(ctx, 1, 10, []types.Message{
		{Role: types.RoleUser, Content: "我叫小明，今天好累"},
		{Role: types.RoleAssistant, Content: "辛苦啦小明"},
		{Role: types.RoleSystem, Content: "ignored"},
	})
	require.NoError(t, err)
	require.Len(t, created, 2)
	assert.Contains(t, extractor.transcript, "用户: 我叫小明，今天好累")
	assert.Contains(t, extractor.transcript, "助手: 辛苦啦小明")
	assert.NotContains(t, extractor.transcript, "ignored")

	assert.Equal(t, types.MemoryTypeFact, created[0].MemoryType)
	assert.True(t, created[0].ShouldConsolidate)
	assert.False(t, created[1].ShouldConsolidate)
	assert.Equal(t, "tired", created[1].EmotionState)
	assert.Greater(t, created[0].ConsolidationScore, created[1].ConsolidationScore)

	recent, err := m.RecentContext(ctx, 1, 5)
	require.NoError(t, err)
	assert.Len(t, recent, 2)
}

func TestExtractFailsSoftOnGarbage(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, &fakeExtractor{reply: "抱歉我无法完成"}, nil)
	created, err := m.Extract(ctx, 1, 1, []types.Message{{Role: types.RoleUser, Content: "hi"}})
	require.NoError(t, err)
	assert.Empty(t, created)

	boom := errors.New("model down")
	m, _ = newTestManager(t, &fakeExtractor{err: boom}, nil)
	_, err = m.Extract(ctx, 1, 1, []types.Message{{Role: types.RoleUser, Content: "hi"}})
	assert.ErrorIs(t, err, boom)
}

func TestShortTermLimitIsEnforced(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, nil, nil)
	m.shortTermLimit = 3
	for i := 0; i < 5; i++ {
		require.NoError(t, m.AddShortTerm(ctx, &types.ShortTermMemory{UserID: 1, Content: "第" + string(rune('一'+i)) + "条"}))
	}
	recent, err := m.RecentContext(ctx, 1, 10)
	require.NoError(t, err)
	assert.Len(t, recent, 3)
}

func TestConsolidateIsIdempotentAndReinforces(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, nil, nil)

	add := func(content, memType string) {
		require.NoError(t, m.AddShortTerm(ctx, &types.ShortTermMemory{
			UserID:            1,
			ConversationID:    3,
			Content:           content,
			MemoryType:        memType,
			ExtractedInfo:     map[string]any{"importance": 0.8, "confidence": 0.6},
			ShouldConsolidate: true,
		}))
	}
	add("用户喜欢喝奶茶", types.MemoryTypePreference)
	add("用户养了一只猫叫团子", types.MemoryTypeFact)
	add("用户最爱奶茶店的杨枝甘露", types.MemoryTypePreference)

	stats, err := m.Consolidate(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, ConsolidationStats{Processed: 3, Created: 2, Reinforced: 1}, stats)

	count, err := m.CountLongTerm(ctx, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	// created with the extracted confidence, reinforced once by the second mention
	facts, err := m.GetUserMemories(ctx, 1, []string{types.MemoryTypeFact}, 10)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.InDelta(t, 0.6, facts[0].Confidence, 1e-9)
	assert.InDelta(t, 0.8, facts[0].Importance, 1e-9)
	prefs, err := m.GetUserMemories(ctx, 1, []string{types.MemoryTypePreference}, 10)
	require.NoError(t, err)
	require.Len(t, prefs, 1)
	assert.InDelta(t, 0.7, prefs[0].Confidence, 1e-9)

	again, err := m.Consolidate(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, again.Processed)
	count, _ = m.CountLongTerm(ctx, 1)
	assert.EqualValues(t, 2, count)

	// the same fact mentioned again reinforces rather than duplicates
	add("用户喜欢喝奶茶", types.MemoryTypePreference)
	stats, err = m.Consolidate(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Reinforced)
	count, _ = m.CountLongTerm(ctx, 1)
	assert.EqualValues(t, 2, count)

	prefs, err = m.GetUserMemories(ctx, 1, []string{types.MemoryTypePreference}, 10)
	require.NoError(t, err)
	require.Len(t, prefs, 1)
	assert.Equal(t, 3, prefs[0].ReinforcementCount)
	assert.InDelta(t, 0.8, prefs[0].Confidence, 1e-9)
	assert.Equal(t, []string{"喝奶", "奶茶"}, prefs[0].Keywords)
	assert.True(t, strings.HasPrefix(prefs[0].Key, "preference_"))

	users, err := m.ConsolidateAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, users)
}

func TestSearchScoresKeywordAndSubstringHits(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t, nil, nil)
	for _, mem := range []types.LongTermMemory{
		{UserID: 1, MemoryType: types.MemoryTypeFact, Key: "a", Value: "用户养了一只猫叫团子", Keywords: []string{"团子"}, Importance: 0.5},
		{UserID: 1, MemoryType: types.MemoryTypeFact, Key: "b", Value: "团子最近生病了", Keywords: []string{"生病"}, Importance: 0.9},
		{UserID: 1, MemoryType: types.MemoryTypePreference, Key: "c", Value: "用户喜欢跑步", Keywords: []string{"跑步"}, Importance: 0.7},
		{UserID: 2, MemoryType: types.MemoryTypeFact, Key: "d", Value: "团子", Keywords: []string{"团子"}, Importance: 1},
	} {
		mem := mem
		require.NoError(t, store.Memories.CreateLongTerm(ctx, &mem))
	}

	results, err := m.Search(ctx, 1, "团子", 5)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].Key) // keyword + substring = 3
	assert.Equal(t, "b", results[1].Key) // substring only = 1

	top, err := m.Search(ctx, 1, "团子", 1)
	require.NoError(t, err)
	assert.Len(t, top, 1)

	none, err := m.Search(ctx, 1, "！！", 5)
	require.NoError(t, err)
	assert.Empty(t, none)

	require.NoError(t, m.UpdateAccess(ctx, results[0].ID))
	facts, err := m.GetUserMemories(ctx, 1, []string{types.MemoryTypeFact}, 0)
	require.NoError(t, err)
	for _, f := range facts {
		if f.ID == results[0].ID {
			assert.Equal(t, 1, f.AccessCount)
			assert.NotNil(t, f.LastAccessedAt)
		}
	}
	assert.ErrorIs(t, m.UpdateAccess(ctx, 9999), storage.ErrNotFound)
}

func TestProfileContextSectionsAndCache(t *testing.T) {
	ctx := context.Background()
	mc, err := cache.NewMemoryCache(10)
	require.NoError(t, err)
	m, store := newTestManager(t, nil, mc)

	empty, err := m.ProfileContext(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, empty)

	for _, mem := range []types.LongTermMemory{
		{UserID: 1, MemoryType: types.MemoryTypeFact, Key: "name", Value: "用户叫小明", Importance: 0.9},
		{UserID: 1, MemoryType: types.MemoryTypePreference, Key: "p", Value: "用户喜欢奶茶", Importance: 0.8},
	} {
		mem := mem
		require.NoError(t, store.Memories.CreateLongTerm(ctx, &mem))
	}
	for i := 0; i < 7; i++ {
		mem := types.LongTermMemory{UserID: 1, MemoryType: types.MemoryTypeEvent, Key: "e" + string(rune('0'+i)), Value: "事件" + string(rune('0'+i)), Importance: 0.5}
		require.NoError(t, store.Memories.CreateLongTerm(ctx, &mem))
	}

	// still cached
	stale, err := m.ProfileContext(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, stale)

	// a new short-term memory invalidates the cached profile
	require.NoError(t, m.AddShortTerm(ctx, &types.ShortTermMemory{UserID: 1, Content: "用户在准备考试"}))
	text, err := m.ProfileContext(ctx, 1)
	require.NoError(t, err)
	assert.Contains(t, text, "【关于用户】\n- 用户叫小明")
	assert.Contains(t, text, "【用户喜好】\n- 用户喜欢奶茶")
	assert.Contains(t, text, "【最近聊到】\n- 用户在准备考试")
	assert.NotContains(t, text, "【我们的关系】")
	assert.Equal(t, 5, strings.Count(text, "- 事件"))

	profile, err := m.BuildProfile(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "用户叫小明", profile.Name())
}

type blockingHandler struct {
	mu      sync.Mutex
	release chan struct{}
	seen    []uint
}

func (b *blockingHandler) handle(_ context.Context, userID, _ uint, _ []types.Message) ([]types.ShortTermMemory, error) {
	<-b.release
	b.mu.Lock()
	b.seen = append(b.seen, userID)
	b.mu.Unlock()
	if userID == 99 {
		panic("boom")
	}
	return nil, nil
}

func TestExtractionQueueDropsWhenFullAndRecovers(t *testing.T) {
	h := &blockingHandler{release: make(chan struct{})}
	drops := 0
	var done sync.WaitGroup
	q := NewExtractionQueue(h.handle, QueueOptions{
		Workers: 1,
		Size:    1,
		Timeout: time.Second,
		OnDrop:  func() { drops++ },
		OnDone:  func(error) { done.Done() },
	})
	q.Start(context.Background())

	done.Add(2)
	require.True(t, q.Enqueue(Job{UserID: 99}))
	// wait for the worker to pick the first job so the buffer is free
	require.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, time.Millisecond)
	require.True(t, q.Enqueue(Job{UserID: 2}))
	assert.False(t, q.Enqueue(Job{UserID: 3}))
	assert.Equal(t, 1, drops)

	close(h.release)
	done.Wait()
	q.Close()
	assert.False(t, q.Enqueue(Job{UserID: 4}))

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, []uint{99, 2}, h.seen)
}
