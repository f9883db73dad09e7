package storage

import (
	"context"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/easeaico/her-companion/internal/types"
)

const memoryStatusActive = "active"

// MemoryRepo accesses short-term and long-term memories.
type MemoryRepo struct {
	db *gorm.DB
}

// NewMemoryRepo returns a MemoryRepo.
func NewMemoryRepo(db *gorm.DB) *MemoryRepo {
	return &MemoryRepo{db: db}
}

// AddShortTerm inserts a short-term memory and fills in its ID.
func (r *MemoryRepo) AddShortTerm(ctx context.Context, mem *types.ShortTermMemory) error {
	record := shortTermMemoryModel{
		UserID:             mem.UserID,
		ConversationID:     mem.ConversationID,
		Content:            mem.Content,
		MemoryType:         mem.MemoryType,
		ExtractedInfo:      datatypes.JSONMap(mem.ExtractedInfo),
		EmotionState:       mem.EmotionState,
		ConsolidationScore: mem.ConsolidationScore,
		ShouldConsolidate:  mem.ShouldConsolidate,
	}
	if record.MemoryType == "" {
		record.MemoryType = types.MemoryTypeContext
	}
	if err := r.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("failed to insert short-term memory: %w", err)
	}
	mem.ID = record.ID
	mem.CreatedAt = record.CreatedAt
	return nil
}

// TrimShortTerm deletes the user's oldest short-term memories beyond limit.
func (r *MemoryRepo) TrimShortTerm(ctx context.Context, userID uint, limit int) (int64, error) {
	if limit <= 0 {
		return 0, nil
	}
	var keep []uint
	if err := r.db.WithContext(ctx).Model(&shortTermMemoryModel{}).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Pluck("id", &keep).Error; err != nil {
		return 0, fmt.Errorf("failed to query short-term memories: %w", err)
	}
	if len(keep) < limit {
		return 0, nil
	}
	res := r.db.WithContext(ctx).
		Where("user_id = ? AND id NOT IN ?", userID, keep).
		Delete(&shortTermMemoryModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to trim short-term memories: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// PendingShortTerm returns short-term memories waiting for consolidation,
// oldest first.
func (r *MemoryRepo) PendingShortTerm(ctx context.Context, userID uint) ([]types.ShortTermMemory, error) {
	var records []shortTermMemoryModel
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND should_consolidate = ?", userID, true).
		Order("created_at ASC").
		Order("id ASC").
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to query pending short-term memories: %w", err)
	}
	return shortTermFromModels(records), nil
}

// MarkConsolidated clears the consolidation flag.
func (r *MemoryRepo) MarkConsolidated(ctx context.Context, ids ...uint) error {
	if len(ids) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Model(&shortTermMemoryModel{}).
		Where("id IN ?", ids).
		Update("should_consolidate", false).Error; err != nil {
		return fmt.Errorf("failed to mark short-term memories consolidated: %w", err)
	}
	return nil
}

// UsersWithPending returns user IDs that have memories to consolidate.
func (r *MemoryRepo) UsersWithPending(ctx context.Context) ([]uint, error) {
	var ids []uint
	if err := r.db.WithContext(ctx).Model(&shortTermMemoryModel{}).
		Where("should_consolidate = ?", true).
		Distinct().
		Pluck("user_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to query users with pending memories: %w", err)
	}
	return ids, nil
}

// RecentShortTerm returns the newest short-term memories, newest first.
func (r *MemoryRepo) RecentShortTerm(ctx context.Context, userID uint, limit int) ([]types.ShortTermMemory, error) {
	var records []shortTermMemoryModel
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to query recent short-term memories: %w", err)
	}
	return shortTermFromModels(records), nil
}

// ListLongTerm returns active long-term memories by importance, optionally
// restricted to memoryTypes.
func (r *MemoryRepo) ListLongTerm(ctx context.Context, userID uint, memoryTypes []string, limit int) ([]types.LongTermMemory, error) {
	query := r.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, memoryStatusActive).
		Order("importance DESC").
		Order("id ASC")
	if len(memoryTypes) > 0 {
		query = query.Where("memory_type IN ?", memoryTypes)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var records []longTermMemoryModel
	if err := query.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to query long-term memories: %w", err)
	}
	return longTermFromModels(records), nil
}

// CreateLongTerm inserts a long-term memory and fills in its ID.
func (r *MemoryRepo) CreateLongTerm(ctx context.Context, mem *types.LongTermMemory) error {
	now := time.Now()
	record := longTermMemoryModel{
		UserID:             mem.UserID,
		MemoryType:         mem.MemoryType,
		Category:           mem.Category,
		Key:                mem.Key,
		Value:              mem.Value,
		Context:            datatypes.JSONMap(mem.Context),
		Keywords:           datatypes.NewJSONSlice(mem.Keywords),
		Importance:         mem.Importance,
		Confidence:         mem.Confidence,
		ReinforcementCount: mem.ReinforcementCount,
		SourceShortTermIDs: datatypes.NewJSONSlice(mem.SourceShortTermIDs),
		SourceConversation: datatypes.NewJSONSlice(mem.SourceConversations),
		FirstMentionedAt:   now,
		LastReinforcedAt:   now,
		Status:             memoryStatusActive,
	}
	if record.ReinforcementCount == 0 {
		record.ReinforcementCount = 1
	}
	if err := r.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("failed to insert long-term memory: %w", err)
	}
	*mem = longTermFromModel(record)
	return nil
}

// Reinforce bumps a long-term memory's reinforcement count and confidence.
func (r *MemoryRepo) Reinforce(ctx context.Context, id uint, confidence float64, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&longTermMemoryModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"reinforcement_count": gorm.Expr("reinforcement_count + 1"),
			"confidence":          confidence,
			"last_reinforced_at":  at,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to reinforce long-term memory: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchLongTerm records an access to a long-term memory.
func (r *MemoryRepo) TouchLongTerm(ctx context.Context, id uint, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&longTermMemoryModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"access_count":     gorm.Expr("access_count + 1"),
			"last_accessed_at": at,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update memory access: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CountLongTerm returns the number of active long-term memories of a user.
func (r *MemoryRepo) CountLongTerm(ctx context.Context, userID uint) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&longTermMemoryModel{}).
		Where("user_id = ? AND status = ?", userID, memoryStatusActive).
		Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count long-term memories: %w", err)
	}
	return n, nil
}

func shortTermFromModels(records []shortTermMemoryModel) []types.ShortTermMemory {
	results := make([]types.ShortTermMemory, 0, len(records))
	for _, model := range records {
		results = append(results, types.ShortTermMemory{
			ID:                 model.ID,
			UserID:             model.UserID,
			ConversationID:     model.ConversationID,
			Content:            model.Content,
			MemoryType:         model.MemoryType,
			ExtractedInfo:      map[string]any(model.ExtractedInfo),
			EmotionState:       model.EmotionState,
			ConsolidationScore: model.ConsolidationScore,
			ShouldConsolidate:  model.ShouldConsolidate,
			CreatedAt:          model.CreatedAt,
		})
	}
	return results
}

func longTermFromModels(records []longTermMemoryModel) []types.LongTermMemory {
	results := make([]types.LongTermMemory, 0, len(records))
	for _, record := range records {
		results = append(results, longTermFromModel(record))
	}
	return results
}

func longTermFromModel(model longTermMemoryModel) types.LongTermMemory {
	return types.LongTermMemory{
		ID:                  model.ID,
		UserID:              model.UserID,
		MemoryType:          model.MemoryType,
		Category:            model.Category,
		Key:                 model.Key,
		Value:               model.Value,
		Context:             map[string]any(model.Context),
		Keywords:            []string(model.Keywords),
		Importance:          model.Importance,
		Confidence:          model.Confidence,
		ReinforcementCount:  model.ReinforcementCount,
		AccessCount:         model.AccessCount,
		SourceShortTermIDs:  []uint(model.SourceShortTermIDs),
		SourceConversations: []uint(model.SourceConversation),
		Active:              model.Status == memoryStatusActive,
		FirstMentionedAt:    model.FirstMentionedAt,
		LastReinforcedAt:    model.LastReinforcedAt,
		LastAccessedAt:      model.LastAccessedAt,
		CreatedAt:           model.CreatedAt,
		UpdatedAt:           model.UpdatedAt,
	}
}
