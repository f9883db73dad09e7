package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/easeaico/her-companion/internal/types"
)

// ConversationRepo accesses conversations and their messages.
type ConversationRepo struct {
	db *gorm.DB
}

// NewConversationRepo returns a ConversationRepo.
func NewConversationRepo(db *gorm.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

// GetActive returns the user's most recently active conversation, or nil.
func (r *ConversationRepo) GetActive(ctx context.Context, userID uint) (*types.Conversation, error) {
	var record conversationModel
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, types.ConversationActive).
		Order("last_message_at DESC").
		Limit(1).
		Find(&record).Error; err != nil {
		return nil, fmt.Errorf("failed to query active conversation: %w", err)
	}
	if record.ID == 0 {
		return nil, nil
	}
	conv := conversationFromModel(record)
	return &conv, nil
}

// GetByID returns a conversation by ID.
func (r *ConversationRepo) GetByID(ctx context.Context, id uint) (*types.Conversation, error) {
	var record conversationModel
	if err := r.db.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&record).Error; err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	if record.ID == 0 {
		return nil, ErrNotFound
	}
	conv := conversationFromModel(record)
	return &conv, nil
}

// Create starts a new active conversation with a fresh session token.
func (r *ConversationRepo) Create(ctx context.Context, userID uint) (*types.Conversation, error) {
	now := time.Now()
	record := conversationModel{
		UserID:        userID,
		SessionID:     uuid.NewString(),
		Status:        types.ConversationActive,
		StartedAt:     now,
		LastMessageAt: now,
	}
	if err := r.db.WithContext(ctx).Create(&record).Error; err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	conv := conversationFromModel(record)
	return &conv, nil
}

// End marks a conversation ended.
func (r *ConversationRepo) End(ctx context.Context, id uint) error {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&conversationModel{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": types.ConversationEnded, "ended_at": now})
	if res.Error != nil {
		return fmt.Errorf("failed to end conversation: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendMessage inserts msg and bumps the conversation counters in one
// transaction. msg.ID and msg.CreatedAt are filled in.
func (r *ConversationRepo) AppendMessage(ctx context.Context, msg *types.Message) error {
	if msg == nil {
		return fmt.Errorf("message cannot be nil")
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record := messageModel{
			ConversationID:   msg.ConversationID,
			UserID:           msg.UserID,
			Role:             msg.Role,
			MessageType:      msg.MessageType,
			Content:          msg.Content,
			EmotionDetected:  msg.Emotion,
			EmotionIntensity: msg.EmotionIntensity,
			Intent:           msg.Intent,
			ModelUsed:        msg.ModelUsed,
			TokensUsed:       msg.TokensUsed,
			ResponseTimeMS:   msg.ResponseTimeMS,
		}
		if record.MessageType == "" {
			record.MessageType = "text"
		}
		if err := tx.Create(&record).Error; err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}

		updates := map[string]any{
			"message_count":   gorm.Expr("message_count + 1"),
			"last_message_at": record.CreatedAt,
		}
		switch msg.Role {
		case types.RoleUser:
			updates["user_message_count"] = gorm.Expr("user_message_count + 1")
		case types.RoleAssistant:
			updates["assistant_message_count"] = gorm.Expr("assistant_message_count + 1")
		}
		res := tx.Model(&conversationModel{}).Where("id = ?", msg.ConversationID).Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("failed to update conversation counters: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}

		msg.ID = record.ID
		msg.CreatedAt = record.CreatedAt
		return nil
	})
}

// RecentMessages returns up to limit messages of a conversation, oldest first.
func (r *ConversationRepo) RecentMessages(ctx context.Context, conversationID uint, limit int) ([]types.Message, error) {
	var records []messageModel
	if err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}

	results := make([]types.Message, 0, len(records))
	for _, record := range records {
		results = append(results, messageFromModel(record))
	}

	// Oldest -> newest
	for i, j := 0, len(results)-1; i < j; i, j = i+1, j-1 {
		results[i], results[j] = results[j], results[i]
	}
	return results, nil
}

func conversationFromModel(model conversationModel) types.Conversation {
	return types.Conversation{
		ID:                    model.ID,
		UserID:                model.UserID,
		SessionID:             model.SessionID,
		Status:                model.Status,
		Mood:                  model.Mood,
		MessageCount:          model.MessageCount,
		UserMessageCount:      model.UserMessageCount,
		AssistantMessageCount: model.AssistantMessageCount,
		StartedAt:             model.StartedAt,
		LastMessageAt:         model.LastMessageAt,
		EndedAt:               model.EndedAt,
		CreatedAt:             model.CreatedAt,
	}
}

func messageFromModel(model messageModel) types.Message {
	return types.Message{
		ID:               model.ID,
		ConversationID:   model.ConversationID,
		UserID:           model.UserID,
		Role:             model.Role,
		MessageType:      model.MessageType,
		Content:          model.Content,
		Emotion:          model.EmotionDetected,
		EmotionIntensity: model.EmotionIntensity,
		Intent:           model.Intent,
		ModelUsed:        model.ModelUsed,
		TokensUsed:       model.TokensUsed,
		ResponseTimeMS:   model.ResponseTimeMS,
		CreatedAt:        model.CreatedAt,
	}
}
