package memory

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/easeaico/her-companion/internal/cache"
	"github.com/easeaico/her-companion/internal/types"
)

// Profile aggregates what is known about a user.
type Profile struct {
	UserID        uint
	Facts         []types.LongTermMemory
	Preferences   []types.LongTermMemory
	Events        []types.LongTermMemory
	Relationships []types.LongTermMemory
	Habits        []types.LongTermMemory
	Goals         []types.LongTermMemory
	Recent        []types.ShortTermMemory
}

// BuildProfile loads up to 100 long-term memories bucketed by type plus the
// five newest short-term memories.
func (m *Manager) BuildProfile(ctx context.Context, userID uint) (*Profile, error) {
	memories, err := m.store.ListLongTerm(ctx, userID, nil, profileMemoryLimit)
	if err != nil {
		return nil, err
	}
	profile := &Profile{UserID: userID}
	for _, mem := range memories {
		switch mem.MemoryType {
		case types.MemoryTypeFact:
			profile.Facts = append(profile.Facts, mem)
		case types.MemoryTypePreference:
			profile.Preferences = append(profile.Preferences, mem)
		case types.MemoryTypeEvent:
			profile.Events = append(profile.Events, mem)
		case types.MemoryTypeRelationship:
			profile.Relationships = append(profile.Relationships, mem)
		case types.MemoryTypeHabit:
			profile.Habits = append(profile.Habits, mem)
		case types.MemoryTypeGoal:
			profile.Goals = append(profile.Goals, mem)
		}
	}
	profile.Recent, err = m.store.RecentShortTerm(ctx, userID, profileRecentLimit)
	if err != nil {
		return nil, err
	}
	return profile, nil
}

// PromptContext renders the profile as bullet sections. Empty sections are
// omitted.
func (p *Profile) PromptContext() string {
	if p == nil {
		return ""
	}
	var sb strings.Builder
	section := func(title string, items []string) {
		if len(items) == 0 {
			return
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(title)
		sb.WriteString("\n")
		for _, item := range items {
			sb.WriteString("- ")
			sb.WriteString(item)
			sb.WriteString("\n")
		}
	}

	section("【关于用户】", values(p.Facts, 0))
	section("【用户喜好】", values(p.Preferences, 0))
	section("【重要事件】", values(p.Events, profileEventLimit))
	section("【我们的关系】", values(p.Relationships, 0))
	section("【生活习惯】", values(p.Habits, 0))
	section("【用户的目标】", values(p.Goals, 0))

	recent := make([]string, 0, len(p.Recent))
	for _, st := range p.Recent {
		recent = append(recent, st.Content)
	}
	section("【最近聊到】", recent)
	return strings.TrimRight(sb.String(), "\n")
}

// Name returns the user's name from facts keyed real_name, name or 姓名.
func (p *Profile) Name() string {
	if p == nil {
		return ""
	}
	for _, key := range []string{"real_name", "name", "姓名"} {
		for _, fact := range p.Facts {
			if fact.Key == key {
				return fact.Value
			}
		}
	}
	return ""
}

func values(memories []types.LongTermMemory, limit int) []string {
	out := make([]string, 0, len(memories))
	for _, mem := range memories {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, mem.Value)
	}
	return out
}

// ProfileContext returns the rendered profile, served from the cache when
// possible.
func (m *Manager) ProfileContext(ctx context.Context, userID uint) (string, error) {
	key := profileCacheKey(userID)
	if m.cache != nil {
		var cached string
		err := m.cache.Get(ctx, key, &cached)
		if err == nil {
			return cached, nil
		}
		if !errors.Is(err, cache.ErrMiss) {
			slog.Debug("profile cache read failed", "user_id", userID, "error", err)
		}
	}

	profile, err := m.BuildProfile(ctx, userID)
	if err != nil {
		return "", err
	}
	text := profile.PromptContext()
	if m.cache != nil {
		if err := m.cache.Set(ctx, key, text, m.profileTTL); err != nil {
			slog.Debug("profile cache write failed", "user_id", userID, "error", err)
		}
	}
	return text, nil
}
