// Package proactive queues companion-initiated messages: scheduled greetings,
// idle reminders and the occasional random chat.
package proactive

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/easeaico/her-companion/internal/metrics"
	"github.com/easeaico/her-companion/internal/relationship"
)

// Message kinds.
const (
	KindGreetingMorning   = "greeting_morning"
	KindGreetingNoon      = "greeting_noon"
	KindGreetingAfternoon = "greeting_afternoon"
	KindGreetingDinner    = "greeting_dinner"
	KindGreetingNight     = "greeting_night"
	KindIdleReminder      = "idle_reminder"
	KindRandomChat        = "random_chat"
)

const (
	greetingInterval   = 60 * time.Minute
	idleInterval       = 30 * time.Minute
	randomChatInterval = 90 * time.Minute
	// 随机聊天只发给最近两小时内活跃过的用户
	randomChatActiveWindow = 2 * time.Hour
	randomChatProbability  = 0.02
	randomChatStartHour    = 9
	randomChatEndHour      = 23

	defaultIdleThreshold = 30 * time.Minute
	defaultCapacity      = 10000
)

// Message is one queued proactive message. Sequence orders the parts of a
// multi-part send.
type Message struct {
	Content   string    `json:"content"`
	Kind      string    `json:"type"`
	Sequence  int       `json:"sequence"`
	CreatedAt time.Time `json:"timestamp"`
}

// GreetingHours are the local hours of the five daily greetings.
type GreetingHours struct {
	Morning   int
	Noon      int
	Afternoon int
	Dinner    int
	Night     int
}

// DefaultGreetingHours returns 8, 12, 14, 18 and 22 o'clock.
func DefaultGreetingHours() GreetingHours {
	return GreetingHours{Morning: 8, Noon: 12, Afternoon: 14, Dinner: 18, Night: 22}
}

func (h GreetingHours) kind(hour int) (string, bool) {
	switch hour {
	case h.Morning:
		return KindGreetingMorning, true
	case h.Noon:
		return KindGreetingNoon, true
	case h.Afternoon:
		return KindGreetingAfternoon, true
	case h.Dinner:
		return KindGreetingDinner, true
	case h.Night:
		return KindGreetingNight, true
	}
	return "", false
}

// MetricsSource provides relationship metrics for gating random chat.
type MetricsSource interface {
	GetMetrics(ctx context.Context, userID uint) (relationship.Metrics, error)
}

// Options configures a Service.
type Options struct {
	Location      *time.Location
	Hours         GreetingHours
	IdleThreshold time.Duration
	// Capacity bounds the number of tracked users.
	Capacity int
	// Relationships gates random chat by stage when set.
	Relationships MetricsSource
	// ShouldChat decides per user whether a random chat goes out. It
	// defaults to relationship.ShouldSendProactive.
	ShouldChat func(relationship.Metrics) bool
	Rand       func() float64
	Now        func() time.Time
}

type userState struct {
	lastActivity  time.Time
	lastProactive time.Time
	pending       []Message
}

// Service tracks user activity and fills per-user pending queues.
type Service struct {
	mu            sync.Mutex
	users         *lru.Cache[uint, *userState]
	loc           *time.Location
	hours         GreetingHours
	idleThreshold time.Duration
	relationships MetricsSource
	shouldChat    func(relationship.Metrics) bool
	rand          func() float64
	now           func() time.Time
}

// NewService returns a Service.
func NewService(opts Options) (*Service, error) {
	if opts.Capacity <= 0 {
		opts.Capacity = defaultCapacity
	}
	users, err := lru.New[uint, *userState](opts.Capacity)
	if err != nil {
		return nil, err
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Hours == (GreetingHours{}) {
		opts.Hours = DefaultGreetingHours()
	}
	if opts.IdleThreshold <= 0 {
		opts.IdleThreshold = defaultIdleThreshold
	}
	if opts.ShouldChat == nil {
		opts.ShouldChat = relationship.ShouldSendProactive
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		users:         users,
		loc:           opts.Location,
		hours:         opts.Hours,
		idleThreshold: opts.IdleThreshold,
		relationships: opts.Relationships,
		shouldChat:    opts.ShouldChat,
		rand:          opts.Rand,
		now:           opts.Now,
	}, nil
}

// RecordActivity marks the user as active at the given time.
func (s *Service) RecordActivity(userID uint, at time.Time) {
	if at.IsZero() {
		at = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateLocked(userID).lastActivity = at
}

// PendingMessages returns and clears the user's queued messages.
func (s *Service) PendingMessages(userID uint) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.users.Peek(userID)
	if !ok || len(st.pending) == 0 {
		return nil
	}
	out := st.pending
	st.pending = nil
	return out
}

func (s *Service) stateLocked(userID uint) *userState {
	st, ok := s.users.Get(userID)
	if !ok {
		st = &userState{}
		s.users.Add(userID, st)
	}
	return st
}

// Tick runs one round of checks. It is meant to be called once a minute.
func (s *Service) Tick(ctx context.Context) {
	now := s.now().In(s.loc)
	s.checkGreetings(now)
	s.checkIdle(now)
	s.checkRandomChat(ctx, now)
}

func (s *Service) checkGreetings(now time.Time) {
	kind, ok := s.hours.kind(now.Hour())
	if !ok || now.Minute() != 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.users.Keys() {
		st, _ := s.users.Peek(id)
		if st.lastActivity.IsZero() || !due(st, now, greetingInterval) {
			continue
		}
		s.enqueueLocked(id, st, pick(greetingTemplates[kind]), kind, now)
	}
}

func (s *Service) checkIdle(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.users.Keys() {
		st, _ := s.users.Peek(id)
		if st.lastActivity.IsZero() || now.Sub(st.lastActivity) < s.idleThreshold {
			continue
		}
		if !due(st, now, idleInterval) {
			continue
		}
		s.enqueueLocked(id, st, pick(idleTemplates), KindIdleReminder, now)
	}
}

func (s *Service) checkRandomChat(ctx context.Context, now time.Time) {
	if now.Hour() < randomChatStartHour || now.Hour() >= randomChatEndHour {
		return
	}
	if s.rand() > randomChatProbability {
		return
	}

	s.mu.Lock()
	var candidates []uint
	for _, id := range s.users.Keys() {
		st, _ := s.users.Peek(id)
		if st.lastActivity.IsZero() || now.Sub(st.lastActivity) > randomChatActiveWindow {
			continue
		}
		if due(st, now, randomChatInterval) {
			candidates = append(candidates, id)
		}
	}
	s.mu.Unlock()

	for _, id := range candidates {
		if s.relationships != nil {
			m, err := s.relationships.GetMetrics(ctx, id)
			if err != nil {
				slog.Warn("failed to load relationship for proactive chat", "user_id", id, "error", err)
				continue
			}
			if !s.shouldChat(m) {
				continue
			}
		}
		s.mu.Lock()
		if st, ok := s.users.Peek(id); ok && due(st, now, randomChatInterval) {
			s.enqueueLocked(id, st, pick(chatTemplates), KindRandomChat, now)
		}
		s.mu.Unlock()
	}
}

func due(st *userState, now time.Time, interval time.Duration) bool {
	return st.lastProactive.IsZero() || now.Sub(st.lastProactive) >= interval
}

func (s *Service) enqueueLocked(userID uint, st *userState, parts []string, kind string, now time.Time) {
	for i, content := range parts {
		st.pending = append(st.pending, Message{Content: content, Kind: kind, Sequence: i, CreatedAt: now})
	}
	st.lastProactive = now
	metrics.ProactiveMessages.WithLabelValues(kind).Inc()
	slog.Info("proactive message queued", "user_id", userID, "kind", kind, "parts", len(parts))
}

func pick(templates [][]string) []string {
	return templates[rand.IntN(len(templates))]
}
