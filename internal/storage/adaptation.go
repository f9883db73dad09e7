package storage

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/easeaico/her-companion/internal/types"
)

// AdaptationRepo persists per-user personality offsets.
type AdaptationRepo struct {
	db *gorm.DB
}

// NewAdaptationRepo returns an AdaptationRepo.
func NewAdaptationRepo(db *gorm.DB) *AdaptationRepo {
	return &AdaptationRepo{db: db}
}

// Load returns the user's trait offsets.
func (r *AdaptationRepo) Load(ctx context.Context, userID uint) (map[string]float64, error) {
	var records []adaptationModel
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to load personality adaptations: %w", err)
	}
	offsets := make(map[string]float64, len(records))
	for _, record := range records {
		offsets[record.Trait] = record.Offset
	}
	return offsets, nil
}

// Save upserts the given offsets.
func (r *AdaptationRepo) Save(ctx context.Context, items []types.PersonalityAdaptation) error {
	if len(items) == 0 {
		return nil
	}
	records := make([]adaptationModel, 0, len(items))
	for _, item := range items {
		updatedAt := item.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = time.Now()
		}
		records = append(records, adaptationModel{
			UserID:    item.UserID,
			Trait:     item.Trait,
			Offset:    item.Offset,
			UpdatedAt: updatedAt,
		})
	}
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "trait"}},
			DoUpdates: clause.AssignmentColumns([]string{"trait_offset", "updated_at"}),
		}).
		Create(&records).Error; err != nil {
		return fmt.Errorf("failed to save personality adaptations: %w", err)
	}
	return nil
}
