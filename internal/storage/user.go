package storage

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/easeaico/her-companion/internal/types"
)

// UserRepo accesses user rows.
type UserRepo struct {
	db *gorm.DB
}

// NewUserRepo returns a UserRepo.
func NewUserRepo(db *gorm.DB) *UserRepo {
	return &UserRepo{db: db}
}

// GetByID returns the user, or nil when absent.
func (r *UserRepo) GetByID(ctx context.Context, id uint) (*types.User, error) {
	var record userModel
	if err := r.db.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&record).Error; err != nil {
		return nil, fmt.Errorf("failed to get user by id: %w", err)
	}
	if record.ID == 0 {
		return nil, nil
	}
	user := userFromModel(record)
	return &user, nil
}

// GetByPlatformID returns the user with the external platform ID, or nil.
func (r *UserRepo) GetByPlatformID(ctx context.Context, platformID string) (*types.User, error) {
	var record userModel
	if err := r.db.WithContext(ctx).Where("platform_id = ?", platformID).Limit(1).Find(&record).Error; err != nil {
		return nil, fmt.Errorf("failed to get user by platform id: %w", err)
	}
	if record.ID == 0 {
		return nil, nil
	}
	user := userFromModel(record)
	return &user, nil
}

// GetOrCreate returns the user for platformID, creating it on first contact.
func (r *UserRepo) GetOrCreate(ctx context.Context, platformID, nickname string) (*types.User, bool, error) {
	existing, err := r.GetByPlatformID(ctx, platformID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		if nickname != "" && existing.Nickname != nickname {
			if err := r.db.WithContext(ctx).Model(&userModel{}).
				Where("id = ?", existing.ID).
				Update("nickname", nickname).Error; err != nil {
				return nil, false, fmt.Errorf("failed to update nickname: %w", err)
			}
			existing.Nickname = nickname
		}
		return existing, false, nil
	}

	now := time.Now()
	record := userModel{
		PlatformID:     platformID,
		Nickname:       nickname,
		Status:         types.UserStatusActive,
		FirstContactAt: now,
	}
	// a concurrent first contact may have inserted the row already
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "platform_id"}}, DoNothing: true}).
		Create(&record).Error; err != nil {
		return nil, false, fmt.Errorf("failed to create user: %w", err)
	}
	if record.ID == 0 {
		user, err := r.GetByPlatformID(ctx, platformID)
		return user, false, err
	}
	user := userFromModel(record)
	return &user, true, nil
}

// UpdateRelationship writes the relationship scalars of user.
func (r *UserRepo) UpdateRelationship(ctx context.Context, user *types.User) error {
	updates := map[string]any{
		"intimacy_level":     user.Intimacy,
		"trust_level":        user.Trust,
		"understanding":      user.Understanding,
		"shared_experiences": user.SharedExperiences,
		"consecutive_days":   user.ConsecutiveDays,
		"interaction_count":  user.InteractionCount,
	}
	if !user.LastActiveAt.IsZero() {
		updates["last_active_at"] = user.LastActiveAt
	}
	res := r.db.WithContext(ctx).Model(&userModel{}).Where("id = ?", user.ID).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update user relationship: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListActiveSince returns users active at or after since.
func (r *UserRepo) ListActiveSince(ctx context.Context, since time.Time) ([]types.User, error) {
	var records []userModel
	if err := r.db.WithContext(ctx).
		Where("last_active_at >= ?", since).
		Order("last_active_at DESC").
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list active users: %w", err)
	}
	users := make([]types.User, 0, len(records))
	for _, record := range records {
		users = append(users, userFromModel(record))
	}
	return users, nil
}

func userFromModel(model userModel) types.User {
	user := types.User{
		ID:                model.ID,
		PlatformID:        model.PlatformID,
		Nickname:          model.Nickname,
		Status:            model.Status,
		Intimacy:          model.IntimacyLevel,
		Trust:             model.TrustLevel,
		Understanding:     model.Understanding,
		SharedExperiences: model.SharedExperiences,
		ConsecutiveDays:   model.ConsecutiveDays,
		InteractionCount:  model.InteractionCount,
		FirstContactAt:    model.FirstContactAt,
		CreatedAt:         model.CreatedAt,
		UpdatedAt:         model.UpdatedAt,
	}
	if model.LastActiveAt != nil {
		user.LastActiveAt = *model.LastActiveAt
	}
	return user
}
