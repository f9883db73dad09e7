package relationship

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/easeaico/her-companion/internal/cache"
	"github.com/easeaico/her-companion/internal/types"
)

// Relationship events.
const (
	EventMessageSent         = "message_sent"
	EventMessageReceived     = "message_received"
	EventPositiveEmotion     = "positive_emotion"
	EventSharedMemory        = "shared_memory"
	EventDailyGreeting       = "daily_greeting"
	EventDeepConversation    = "deep_conversation"
	EventEmotionalSupport    = "emotional_support"
	EventConsecutiveDayBonus = "consecutive_day_bonus"

	EventDayWithoutContact   = "day_without_contact"
	EventNegativeInteraction = "negative_interaction"
	EventIgnoredMessage      = "ignored_message"
)

var intimacyGains = map[string]float64{
	EventMessageSent:         0.1,
	EventMessageReceived:     0.15,
	EventPositiveEmotion:     0.3,
	EventSharedMemory:        0.5,
	EventDailyGreeting:       0.2,
	EventDeepConversation:    0.8,
	EventEmotionalSupport:    1.0,
	EventConsecutiveDayBonus: 0.5,
}

var intimacyLosses = map[string]float64{
	EventDayWithoutContact:   -0.5,
	EventNegativeInteraction: -0.3,
	EventIgnoredMessage:      -0.2,
}

const sharedCacheTTL = 10 * time.Minute

// UserStore is the persisted source of truth for relationship scalars.
type UserStore interface {
	GetByID(ctx context.Context, id uint) (*types.User, error)
	UpdateRelationship(ctx context.Context, user *types.User) error
}

// Builder reads and evolves relationship metrics. The local cache is bounded
// and expires entries after ttl; writes always go to the store first.
type Builder struct {
	users  UserStore
	shared cache.Cache
	local  *expirable.LRU[uint, Metrics]
	group  singleflight.Group
	now    func() time.Time
}

// NewBuilder returns a Builder. shared may be nil.
func NewBuilder(users UserStore, shared cache.Cache, capacity int, ttl time.Duration, now func() time.Time) *Builder {
	if now == nil {
		now = time.Now
	}
	return &Builder{
		users:  users,
		shared: shared,
		local:  expirable.NewLRU[uint, Metrics](capacity, nil, ttl),
		now:    now,
	}
}

func sharedKey(userID uint) string {
	return "relationship:" + strconv.FormatUint(uint64(userID), 10)
}

// GetMetrics returns the user's metrics, zeroed when the user is unknown.
func (b *Builder) GetMetrics(ctx context.Context, userID uint) (Metrics, error) {
	if m, ok := b.local.Get(userID); ok {
		return m, nil
	}

	v, err, _ := b.group.Do(sharedKey(userID), func() (any, error) {
		if b.shared != nil {
			var m Metrics
			err := b.shared.Get(ctx, sharedKey(userID), &m)
			if err == nil {
				b.local.Add(userID, m)
				return m, nil
			}
			if !errors.Is(err, cache.ErrMiss) {
				slog.Debug("relationship cache read failed", "user_id", userID, "error", err)
			}
		}
		m, err := b.load(ctx, userID)
		if err != nil {
			return Metrics{}, err
		}
		b.store(ctx, userID, m)
		return m, nil
	})
	if err != nil {
		return Metrics{}, err
	}
	return v.(Metrics), nil
}

func (b *Builder) load(ctx context.Context, userID uint) (Metrics, error) {
	user, err := b.users.GetByID(ctx, userID)
	if err != nil {
		return Metrics{}, fmt.Errorf("failed to load relationship metrics: %w", err)
	}
	if user == nil {
		return Metrics{}, nil
	}
	return metricsFromUser(user), nil
}

// UpdateMetrics applies an event to the user's relationship. A non-nil value
// overrides the event table.
func (b *Builder) UpdateMetrics(ctx context.Context, userID uint, event string, value *float64) (Metrics, error) {
	user, err := b.users.GetByID(ctx, userID)
	if err != nil {
		return Metrics{}, fmt.Errorf("failed to load user for relationship update: %w", err)
	}
	var m Metrics
	if user != nil {
		m = metricsFromUser(user)
	}

	now := b.now()
	m = Apply(m, event, value, now)

	if user != nil {
		applyToUser(user, m)
		if err := b.users.UpdateRelationship(ctx, user); err != nil {
			b.Invalidate(ctx, userID)
			return Metrics{}, fmt.Errorf("failed to persist relationship metrics: %w", err)
		}
	}
	b.store(ctx, userID, m)

	slog.Debug("relationship updated", "user_id", userID, "event", event, "intimacy", m.Intimacy, "stage", m.Stage())
	return m, nil
}

// Apply is the pure state transition used by UpdateMetrics.
func Apply(m Metrics, event string, value *float64, now time.Time) Metrics {
	change := 0.0
	switch {
	case value != nil:
		change = *value
	default:
		if gain, ok := intimacyGains[event]; ok {
			change = gain
		} else if loss, ok := intimacyLosses[event]; ok {
			change = loss
		}
	}

	if change > 0 && m.Intimacy > 80 {
		change *= 0.5
	}
	m.Intimacy = clamp100(m.Intimacy + change)
	if change > 0 {
		m.Trust = clamp100(m.Trust + change*0.5)
	}

	switch event {
	case EventSharedMemory:
		m.SharedExperiences++
	case EventDeepConversation, EventEmotionalSupport:
		if change > 0 {
			m.Understanding = clamp100(m.Understanding + change*0.5)
		}
	}

	m.TotalInteractions++

	if !m.LastInteraction.IsZero() {
		days := int(now.Sub(m.LastInteraction) / (24 * time.Hour))
		switch {
		case days == 1:
			m.ConsecutiveDays++
			m.Intimacy = clamp100(m.Intimacy + min(float64(m.ConsecutiveDays)*0.1, 1.0))
		case days > 1:
			m.ConsecutiveDays = 0
			m.Intimacy = clamp100(m.Intimacy - min(float64(days)*0.5, 5.0))
		}
	}
	m.LastInteraction = now
	return m
}

// CheckMilestone compares before with the current metrics and returns the
// milestone message when the stage moved up.
func (b *Builder) CheckMilestone(ctx context.Context, userID uint, before Metrics) (string, error) {
	after, err := b.GetMetrics(ctx, userID)
	if err != nil {
		return "", err
	}
	if before.Stage() == after.Stage() {
		return "", nil
	}
	slog.Info("relationship stage changed", "user_id", userID, "from", before.Stage(), "to", after.Stage())
	return MilestoneMessage(before.Stage(), after.Stage()), nil
}

// Invalidate drops cached metrics for the user.
func (b *Builder) Invalidate(ctx context.Context, userID uint) {
	b.local.Remove(userID)
	if b.shared != nil {
		if err := b.shared.Delete(ctx, sharedKey(userID)); err != nil {
			slog.Debug("relationship cache delete failed", "user_id", userID, "error", err)
		}
	}
}

func (b *Builder) store(ctx context.Context, userID uint, m Metrics) {
	b.local.Add(userID, m)
	if b.shared == nil {
		return
	}
	if err := b.shared.Set(ctx, sharedKey(userID), m, sharedCacheTTL); err != nil {
		slog.Debug("relationship cache write failed", "user_id", userID, "error", err)
	}
}

func metricsFromUser(u *types.User) Metrics {
	return Metrics{
		Intimacy:          u.Intimacy,
		Trust:             u.Trust,
		Understanding:     u.Understanding,
		SharedExperiences: u.SharedExperiences,
		ConsecutiveDays:   u.ConsecutiveDays,
		TotalInteractions: u.InteractionCount,
		LastInteraction:   u.LastActiveAt,
	}
}

func applyToUser(u *types.User, m Metrics) {
	u.Intimacy = m.Intimacy
	u.Trust = m.Trust
	u.Understanding = m.Understanding
	u.SharedExperiences = m.SharedExperiences
	u.ConsecutiveDays = m.ConsecutiveDays
	u.InteractionCount = m.TotalInteractions
	u.LastActiveAt = m.LastInteraction
}

func clamp100(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}
