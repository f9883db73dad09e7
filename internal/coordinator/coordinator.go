// Package coordinator runs an inbound message through safety checks, emotion
// and relationship tracking, and reply generation.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/easeaico/her-companion/internal/conversation"
	"github.com/easeaico/her-companion/internal/emotion"
	"github.com/easeaico/her-companion/internal/metrics"
	"github.com/easeaico/her-companion/internal/personality"
	"github.com/easeaico/her-companion/internal/relationship"
	"github.com/easeaico/her-companion/internal/security"
	"github.com/easeaico/her-companion/internal/types"
)

// ApologyMessage is the only reply a user sees when a turn fails.
const ApologyMessage = "抱歉，我好像遇到了一点问题，稍后再聊好吗？"

// Reasons a message was answered without generating a reply.
const (
	BlockedRateLimit     = "rate_limit"
	BlockedContentFilter = "content_filter"
	BlockedDuplicate     = "duplicate"
)

const (
	defaultDedupeWindow   = 10 * time.Minute
	defaultDedupeCapacity = 10000
	// 超过这个长度视为深入交流
	deepConversationRunes = 100
	transientTraitBoost   = 0.2
)

// MessageContext carries one inbound message and everything learned while
// processing it.
type MessageContext struct {
	UserID      uint
	PlatformID  string
	Nickname    string
	Content     string
	MessageType string
	// MessageID is the transport delivery ID used for duplicate suppression.
	MessageID string
	Timestamp time.Time

	Response  string
	BlockedBy string
	Err       error

	Emotion      *emotion.Result
	Filter       *security.FilterResult
	Relationship relationship.Metrics
	Stage        relationship.Stage
	Milestone    string
	Personality  personality.Config
	Event        string

	ConversationID uint
	SessionID      string
	ReplyID        uint
	TypingDelay    float64
	Fallback       bool
}

// Blocked reports whether the message short-circuited before reply generation.
func (m *MessageContext) Blocked() bool {
	return m.BlockedBy != ""
}

func (m *MessageContext) rateKey() string {
	if m.PlatformID != "" {
		return m.PlatformID
	}
	return "user:" + strconv.FormatUint(uint64(m.UserID), 10)
}

// UserStore resolves transport identities to users.
type UserStore interface {
	GetOrCreate(ctx context.Context, platformID, nickname string) (*types.User, bool, error)
}

// Responder generates and records replies.
type Responder interface {
	ProcessMessage(ctx context.Context, userID uint, content string, opts conversation.TurnOptions) (*conversation.Result, error)
}

// ActivityRecorder is told about every processed turn.
type ActivityRecorder interface {
	RecordActivity(userID uint, at time.Time)
}

// Options wires a Coordinator.
type Options struct {
	Users         UserStore
	Engine        Responder
	Filter        *security.ContentFilter
	Limiter       *security.RateLimiter
	Analyzer      *emotion.Analyzer
	Tracker       *emotion.Tracker
	Moods         *emotion.Service
	Relationships *relationship.Builder
	Personalities *personality.System
	// Personality names the base personality; empty uses the current one.
	Personality string
	Activity    ActivityRecorder

	DedupeWindow   time.Duration
	DedupeCapacity int
	Now            func() time.Time
}

// Coordinator is the single entry point for inbound messages.
type Coordinator struct {
	users         UserStore
	engine        Responder
	filter        *security.ContentFilter
	limiter       *security.RateLimiter
	analyzer      *emotion.Analyzer
	tracker       *emotion.Tracker
	moods         *emotion.Service
	relationships *relationship.Builder
	personalities *personality.System
	personality   string
	activity      ActivityRecorder
	now           func() time.Time

	seenMu sync.Mutex
	seen   *expirable.LRU[string, struct{}]
}

// New returns a Coordinator. Engine, Relationships and Personalities are
// required; safety and emotion components fall back to defaults.
func New(opts Options) (*Coordinator, error) {
	if opts.Engine == nil {
		return nil, errors.New("coordinator: engine is required")
	}
	if opts.Relationships == nil {
		return nil, errors.New("coordinator: relationship builder is required")
	}
	if opts.Personalities == nil {
		return nil, errors.New("coordinator: personality system is required")
	}

	if opts.Filter == nil || opts.Limiter == nil {
		rules, err := security.LoadRules("")
		if err != nil {
			return nil, err
		}
		if opts.Filter == nil {
			opts.Filter = security.NewContentFilter(rules, true)
		}
		if opts.Limiter == nil {
			opts.Limiter = security.NewRateLimiter(rules.MessageRate, defaultDedupeCapacity, opts.Now)
		}
	}
	if opts.Analyzer == nil {
		opts.Analyzer = emotion.NewAnalyzer()
	}
	if opts.Tracker == nil {
		opts.Tracker = emotion.NewTracker(0, defaultDedupeCapacity, 24*time.Hour)
	}
	if opts.Moods == nil {
		opts.Moods = emotion.NewService(emotion.NewStateMachine(0, opts.Now), defaultDedupeCapacity, 24*time.Hour)
	}
	if opts.DedupeWindow <= 0 {
		opts.DedupeWindow = defaultDedupeWindow
	}
	if opts.DedupeCapacity <= 0 {
		opts.DedupeCapacity = defaultDedupeCapacity
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Coordinator{
		users:         opts.Users,
		engine:        opts.Engine,
		filter:        opts.Filter,
		limiter:       opts.Limiter,
		analyzer:      opts.Analyzer,
		tracker:       opts.Tracker,
		moods:         opts.Moods,
		relationships: opts.Relationships,
		personalities: opts.Personalities,
		personality:   opts.Personality,
		activity:      opts.Activity,
		seen:          expirable.NewLRU[string, struct{}](opts.DedupeCapacity, nil, opts.DedupeWindow),
		now:           opts.Now,
	}, nil
}

// ProcessMessage runs msg through the pipeline and returns it with Response
// set. It never returns an error; failures become ApologyMessage.
func (c *Coordinator) ProcessMessage(ctx context.Context, msg *MessageContext) *MessageContext {
	start := time.Now()
	defer func() {
		metrics.TurnDuration.Observe(time.Since(start).Seconds())
	}()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = c.now()
	}

	if c.duplicate(msg.MessageID) {
		slog.Debug("duplicate message dropped", "message_id", msg.MessageID, "platform_id", msg.PlatformID)
		return c.block(msg, BlockedDuplicate, "")
	}

	if ok, reason := c.limiter.Check(msg.rateKey()); !ok {
		// 被限流的消息允许平台重投
		c.forget(msg.MessageID)
		return c.block(msg, BlockedRateLimit, reason)
	}

	verdict := c.filter.FilterInput(msg.Content)
	msg.Filter = &verdict
	if !verdict.IsSafe {
		response := verdict.Reason
		if verdict.Action == security.ActionRedirect {
			response = verdict.ModifiedContent
		}
		slog.Info("message blocked by content filter", "platform_id", msg.PlatformID, "action", verdict.Action, "reason", verdict.Reason)
		return c.block(msg, BlockedContentFilter, response)
	}

	if err := c.respond(ctx, msg); err != nil {
		slog.Error("failed to process message", "user_id", msg.UserID, "platform_id", msg.PlatformID, "error", err)
		metrics.TurnErrors.Inc()
		c.forget(msg.MessageID)
		msg.Response = ApologyMessage
		msg.Err = err
		return msg
	}
	metrics.TurnsProcessed.Inc()
	return msg
}

func (c *Coordinator) block(msg *MessageContext, reason, response string) *MessageContext {
	metrics.TurnsBlocked.WithLabelValues(reason).Inc()
	msg.BlockedBy = reason
	msg.Response = response
	return msg
}

// duplicate records id and reports whether it was already seen. The check
// and the insert happen under one lock so concurrent redeliveries of the same
// id cannot both pass.
func (c *Coordinator) duplicate(id string) bool {
	if id == "" {
		return false
	}
	c.seenMu.Lock()
	defer c.seenMu.Unlock()
	if c.seen.Contains(id) {
		return true
	}
	c.seen.Add(id, struct{}{})
	return false
}

// forget releases id so a redelivery is processed again.
func (c *Coordinator) forget(id string) {
	if id == "" {
		return
	}
	c.seenMu.Lock()
	c.seen.Remove(id)
	c.seenMu.Unlock()
}

func (c *Coordinator) respond(ctx context.Context, msg *MessageContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while processing message: %v", r)
		}
	}()

	if msg.UserID == 0 {
		if c.users == nil || msg.PlatformID == "" {
			return errors.New("message has no user")
		}
		user, created, err := c.users.GetOrCreate(ctx, msg.PlatformID, msg.Nickname)
		if err != nil {
			return fmt.Errorf("failed to resolve user: %w", err)
		}
		if created {
			slog.Info("new user", "user_id", user.ID, "platform_id", msg.PlatformID)
		}
		msg.UserID = user.ID
	}

	emo := c.analyzer.Analyze(msg.Content)
	msg.Emotion = &emo
	c.tracker.Record(msg.UserID, emo)
	mood := c.moods.UpdateFromEmotion(msg.UserID, emo)

	before, err := c.relationships.GetMetrics(ctx, msg.UserID)
	if err != nil {
		return err
	}

	cfg, err := c.personalities.ForUser(ctx, msg.UserID, c.personality)
	if err != nil {
		return fmt.Errorf("failed to resolve personality: %w", err)
	}
	msg.Personality = adjustPersonality(cfg, emo, before)

	messageType := msg.MessageType
	if messageType == "" {
		messageType = "text"
	}
	result, err := c.engine.ProcessMessage(ctx, msg.UserID, msg.Content, conversation.TurnOptions{
		Personality:      msg.Personality,
		MoodInstruction:  emotion.MoodInstruction(mood),
		Emotion:          string(emo.Primary),
		EmotionIntensity: emo.Intensity,
		MessageType:      messageType,
	})
	if err != nil {
		return err
	}
	msg.ConversationID = result.ConversationID
	msg.SessionID = result.SessionID
	msg.ReplyID = result.MessageID
	msg.TypingDelay = result.TypingDelay
	msg.Fallback = result.Fallback

	response := result.Response
	if out := c.filter.FilterOutput(response); out.ModifiedContent != "" {
		response = out.ModifiedContent
	}

	msg.Event = classifyInteraction(emo, msg.Content)
	after, err := c.relationships.UpdateMetrics(ctx, msg.UserID, msg.Event, nil)
	if err != nil {
		return err
	}
	msg.Relationship = after
	msg.Stage = after.Stage()

	milestone, err := c.relationships.CheckMilestone(ctx, msg.UserID, before)
	if err != nil {
		return err
	}
	if milestone != "" {
		msg.Milestone = milestone
		response += "\n\n" + milestone
	}
	msg.Response = response

	if err := c.personalities.Evolve(ctx, msg.UserID, personality.Interaction{
		UserEmotion:      string(emo.Primary),
		Intensity:        emo.Intensity,
		PositiveFeedback: emo.Primary.IsPositive(),
	}); err != nil {
		return err
	}

	if c.activity != nil {
		c.activity.RecordActivity(msg.UserID, msg.Timestamp)
	}
	return nil
}

// adjustPersonality applies the per-turn tweaks. The result is used for this
// prompt only and never persisted.
func adjustPersonality(cfg personality.Config, emo emotion.Result, m relationship.Metrics) personality.Config {
	switch emo.Primary {
	case emotion.EmotionSad:
		cfg = cfg.WithTrait(personality.TraitEmpathy, transientTraitBoost)
	case emotion.EmotionAngry:
		cfg = cfg.WithTrait(personality.TraitPatience, transientTraitBoost)
	}
	b := relationship.StageBehaviors(m)
	return cfg.WithStageStyle(b.Formality, b.PetNames)
}

func classifyInteraction(emo emotion.Result, content string) string {
	switch emo.Primary {
	case emotion.EmotionHappy, emotion.EmotionLoving, emotion.EmotionExcited:
		return relationship.EventPositiveEmotion
	case emotion.EmotionSad, emotion.EmotionAnxious, emotion.EmotionFearful:
		return relationship.EventEmotionalSupport
	}
	if utf8.RuneCountInString(content) > deepConversationRunes {
		return relationship.EventDeepConversation
	}
	return relationship.EventMessageReceived
}
