package memory

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/easeaico/her-companion/internal/cache"
	"github.com/easeaico/her-companion/internal/types"
)

const (
	defaultShortTermLimit         = 20
	defaultConsolidationThreshold = 0.7
	defaultProfileTTL             = 5 * time.Minute
	profileMemoryLimit            = 100
	profileRecentLimit            = 5
	profileEventLimit             = 5
)

// Store is the persistence the manager needs; *storage.MemoryRepo satisfies it.
type Store interface {
	AddShortTerm(ctx context.Context, mem *types.ShortTermMemory) error
	TrimShortTerm(ctx context.Context, userID uint, limit int) (int64, error)
	PendingShortTerm(ctx context.Context, userID uint) ([]types.ShortTermMemory, error)
	MarkConsolidated(ctx context.Context, ids ...uint) error
	UsersWithPending(ctx context.Context) ([]uint, error)
	RecentShortTerm(ctx context.Context, userID uint, limit int) ([]types.ShortTermMemory, error)
	ListLongTerm(ctx context.Context, userID uint, memoryTypes []string, limit int) ([]types.LongTermMemory, error)
	CreateLongTerm(ctx context.Context, mem *types.LongTermMemory) error
	Reinforce(ctx context.Context, id uint, confidence float64, at time.Time) error
	TouchLongTerm(ctx context.Context, id uint, at time.Time) error
	CountLongTerm(ctx context.Context, userID uint) (int64, error)
}

// Options configures a Manager.
type Options struct {
	Store     Store
	Extractor Extractor
	// WithinTx runs fn in a transaction. Nil runs fn directly on Store.
	WithinTx               func(ctx context.Context, fn func(Store) error) error
	Cache                  cache.Cache
	ShortTermLimit         int
	ConsolidationThreshold float64
	ProfileTTL             time.Duration
	Now                    func() time.Time
}

// Manager captures, consolidates and retrieves user memories.
type Manager struct {
	store     Store
	extractor Extractor
	withinTx  func(ctx context.Context, fn func(Store) error) error
	cache     cache.Cache

	shortTermLimit int
	threshold      float64
	profileTTL     time.Duration
	now            func() time.Time
}

// ConsolidationStats summarizes one consolidation run.
type ConsolidationStats struct {
	Processed  int
	Created    int
	Reinforced int
}

// NewManager returns a Manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("memory store is required")
	}
	m := &Manager{
		store:          opts.Store,
		extractor:      opts.Extractor,
		withinTx:       opts.WithinTx,
		cache:          opts.Cache,
		shortTermLimit: opts.ShortTermLimit,
		threshold:      opts.ConsolidationThreshold,
		profileTTL:     opts.ProfileTTL,
		now:            opts.Now,
	}
	if m.shortTermLimit <= 0 {
		m.shortTermLimit = defaultShortTermLimit
	}
	if m.threshold <= 0 {
		m.threshold = defaultConsolidationThreshold
	}
	if m.profileTTL <= 0 {
		m.profileTTL = defaultProfileTTL
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.withinTx == nil {
		m.withinTx = func(ctx context.Context, fn func(Store) error) error {
			return fn(m.store)
		}
	}
	return m, nil
}

// Extract asks the model for memorable facts in messages and stores each as a
// short-term memory. A reply that cannot be parsed yields no memories and no
// error.
func (m *Manager) Extract(ctx context.Context, userID, conversationID uint, messages []types.Message) ([]types.ShortTermMemory, error) {
	if m.extractor == nil || len(messages) == 0 {
		return nil, nil
	}
	raw, err := m.extractor.Extract(ctx, formatTranscript(messages))
	if err != nil {
		return nil, fmt.Errorf("failed to extract memories: %w", err)
	}
	result := parseExtractionResponse(raw)
	if result == nil || len(result.ExtractedInfo) == 0 {
		return nil, nil
	}

	created := make([]types.ShortTermMemory, 0, len(result.ExtractedInfo))
	for _, item := range result.ExtractedInfo {
		info := item.Raw
		if info == nil {
			info = map[string]any{}
		}
		info["importance"] = item.Importance
		info["confidence"] = item.Confidence
		mem := types.ShortTermMemory{
			UserID:             userID,
			ConversationID:     conversationID,
			Content:            item.Content,
			MemoryType:         memoryTypeFor(item.Type),
			ExtractedInfo:      info,
			EmotionState:       result.EmotionalState,
			ConsolidationScore: ComputeSalience(item, result.EmotionalState),
			ShouldConsolidate:  item.Importance >= m.threshold,
		}
		if err := m.AddShortTerm(ctx, &mem); err != nil {
			return created, err
		}
		created = append(created, mem)
	}
	slog.Debug("memories extracted", "user_id", userID, "count", len(created))
	return created, nil
}

// AddShortTerm stores mem and evicts the user's oldest short-term memories
// beyond the configured limit.
func (m *Manager) AddShortTerm(ctx context.Context, mem *types.ShortTermMemory) error {
	if err := m.store.AddShortTerm(ctx, mem); err != nil {
		return err
	}
	if _, err := m.store.TrimShortTerm(ctx, mem.UserID, m.shortTermLimit); err != nil {
		return err
	}
	m.invalidateProfile(ctx, mem.UserID)
	return nil
}

// Consolidate promotes the user's pending short-term memories. A memory whose
// keywords overlap an existing long-term memory of the same type reinforces
// it; otherwise a new long-term memory is created. Every processed short-term
// memory is marked consolidated.
func (m *Manager) Consolidate(ctx context.Context, userID uint) (ConsolidationStats, error) {
	var stats ConsolidationStats
	err := m.withinTx(ctx, func(store Store) error {
		stats = ConsolidationStats{}
		pending, err := store.PendingShortTerm(ctx, userID)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			return nil
		}

		existing := map[string][]types.LongTermMemory{}
		ids := make([]uint, 0, len(pending))
		for _, st := range pending {
			ids = append(ids, st.ID)
			memType := st.MemoryType
			if memType == "" {
				memType = types.MemoryTypeContext
			}
			if _, loaded := existing[memType]; !loaded {
				list, err := store.ListLongTerm(ctx, userID, []string{memType}, 0)
				if err != nil {
					return err
				}
				existing[memType] = list
			}

			keywords := extractKeywords(st.Content)
			if idx := findSimilar(existing[memType], keywords); idx >= 0 {
				match := &existing[memType][idx]
				confidence := min(1, match.Confidence+0.1)
				if err := store.Reinforce(ctx, match.ID, confidence, m.now()); err != nil {
					return err
				}
				match.Confidence = confidence
				match.ReinforcementCount++
				stats.Reinforced++
				continue
			}

			mem := m.longTermFrom(st, memType, keywords)
			if err := store.CreateLongTerm(ctx, &mem); err != nil {
				return err
			}
			existing[memType] = append(existing[memType], mem)
			stats.Created++
		}
		stats.Processed = len(ids)
		return store.MarkConsolidated(ctx, ids...)
	})
	if err != nil {
		return ConsolidationStats{}, fmt.Errorf("failed to consolidate memories: %w", err)
	}
	if stats.Processed > 0 {
		m.invalidateProfile(ctx, userID)
		slog.Info("memories consolidated", "user_id", userID,
			"processed", stats.Processed, "created", stats.Created, "reinforced", stats.Reinforced)
	}
	return stats, nil
}

// ConsolidateAll consolidates every user with pending memories and returns
// how many users were processed. A failing user is logged and skipped.
func (m *Manager) ConsolidateAll(ctx context.Context) (int, error) {
	users, err := m.store.UsersWithPending(ctx)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, userID := range users {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		if _, err := m.Consolidate(ctx, userID); err != nil {
			slog.Error("consolidation failed", "user_id", userID, "error", err)
			continue
		}
		done++
	}
	return done, nil
}

func (m *Manager) longTermFrom(st types.ShortTermMemory, memType string, keywords []string) types.LongTermMemory {
	key, _ := st.ExtractedInfo["key"].(string)
	if key == "" {
		key = memoryKey(memType, st.Content)
	}
	category, _ := st.ExtractedInfo["type"].(string)
	ctxInfo := map[string]any{}
	if st.EmotionState != "" {
		ctxInfo["emotion_state"] = st.EmotionState
	}
	if st.ConsolidationScore > 0 {
		ctxInfo["consolidation_score"] = st.ConsolidationScore
	}
	mem := types.LongTermMemory{
		UserID:             st.UserID,
		MemoryType:         memType,
		Category:           category,
		Key:                key,
		Value:              st.Content,
		Context:            ctxInfo,
		Keywords:           keywords,
		Importance:         unitField(st.ExtractedInfo, "importance", st.ConsolidationScore),
		Confidence:         unitField(st.ExtractedInfo, "confidence", 0.8),
		ReinforcementCount: 1,
		SourceShortTermIDs: []uint{st.ID},
	}
	if st.ConversationID != 0 {
		mem.SourceConversations = []uint{st.ConversationID}
	}
	return mem
}

func findSimilar(candidates []types.LongTermMemory, keywords []string) int {
	for i := range candidates {
		if overlaps(candidates[i].Keywords, keywords) {
			return i
		}
	}
	return -1
}

// Search scores the user's long-term memories against query: two points per
// keyword found in a memory's keyword set, one point per keyword found in its
// value.
func (m *Manager) Search(ctx context.Context, userID uint, query string, limit int) ([]types.LongTermMemory, error) {
	queryKeywords := extractKeywords(query)
	if len(queryKeywords) == 0 {
		return nil, nil
	}
	all, err := m.store.ListLongTerm(ctx, userID, nil, 0)
	if err != nil {
		return nil, err
	}

	type scored struct {
		mem   types.LongTermMemory
		score int
	}
	var hits []scored
	for _, mem := range all {
		set := make(map[string]struct{}, len(mem.Keywords))
		for _, k := range mem.Keywords {
			set[k] = struct{}{}
		}
		value := strings.ToLower(mem.Value)
		score := 0
		for _, k := range queryKeywords {
			if _, ok := set[k]; ok {
				score += 2
			}
			if strings.Contains(value, k) {
				score++
			}
		}
		if score > 0 {
			hits = append(hits, scored{mem: mem, score: score})
		}
	}
	// ListLongTerm 已按重要度排序，稳定排序保留这个次序
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	results := make([]types.LongTermMemory, 0, len(hits))
	for _, h := range hits {
		results = append(results, h.mem)
	}
	return results, nil
}

// GetUserMemories lists active long-term memories by importance.
func (m *Manager) GetUserMemories(ctx context.Context, userID uint, memoryTypes []string, limit int) ([]types.LongTermMemory, error) {
	return m.store.ListLongTerm(ctx, userID, memoryTypes, limit)
}

// RecentContext returns the newest short-term memories.
func (m *Manager) RecentContext(ctx context.Context, userID uint, limit int) ([]types.ShortTermMemory, error) {
	return m.store.RecentShortTerm(ctx, userID, limit)
}

// UpdateAccess records that a long-term memory was used.
func (m *Manager) UpdateAccess(ctx context.Context, memoryID uint) error {
	return m.store.TouchLongTerm(ctx, memoryID, m.now())
}

// CountLongTerm returns the number of active long-term memories of a user.
func (m *Manager) CountLongTerm(ctx context.Context, userID uint) (int64, error) {
	return m.store.CountLongTerm(ctx, userID)
}

func profileCacheKey(userID uint) string {
	return fmt.Sprintf("memory_profile:%d", userID)
}

func (m *Manager) invalidateProfile(ctx context.Context, userID uint) {
	if m.cache == nil {
		return
	}
	if err := m.cache.Delete(ctx, profileCacheKey(userID)); err != nil {
		slog.Debug("failed to invalidate profile cache", "user_id", userID, "error", err)
	}
}

// memoryKey 生成 <type>_<hash> 形式的记忆键。
func memoryKey(memType, content string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(content))
	return fmt.Sprintf("%s_%d", memType, h.Sum32()%10000)
}

var typeLabels = map[string]string{
	"用户基本信息": types.MemoryTypeFact,
	"用户偏好":   types.MemoryTypePreference,
	"用户厌恶":   types.MemoryTypePreference,
	"重要事件":   types.MemoryTypeEvent,
	"情感状态":   types.MemoryTypeEmotion,
	"关系信息":   types.MemoryTypeRelationship,
	"生活习惯":   types.MemoryTypeHabit,
	"价值观":    types.MemoryTypeFact,
	"目标计划":   types.MemoryTypeGoal,
}

// memoryTypeFor maps an extraction label (Chinese or an English memory type)
// to a memory type.
func memoryTypeFor(label string) string {
	label = strings.TrimSpace(label)
	if t, ok := typeLabels[label]; ok {
		return t
	}
	switch strings.ToLower(label) {
	case types.MemoryTypeFact, types.MemoryTypePreference, types.MemoryTypeEvent,
		types.MemoryTypeEmotion, types.MemoryTypeRelationship, types.MemoryTypeHabit,
		types.MemoryTypeGoal:
		return strings.ToLower(label)
	}
	return types.MemoryTypeContext
}

func formatTranscript(messages []types.Message) string {
	var sb strings.Builder
	sb.WriteString("请从以下对话中提取关于用户的重要信息：\n\n")
	for _, msg := range messages {
		switch msg.Role {
		case types.RoleUser:
			sb.WriteString("用户: ")
		case types.RoleAssistant:
			sb.WriteString("助手: ")
		default:
			continue
		}
		sb.WriteString(strings.TrimSpace(msg.Content))
		sb.WriteString("\n")
	}
	return sb.String()
}
