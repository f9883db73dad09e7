// Package app wires every companion component from a Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/adk/model"

	"github.com/easeaico/her-companion/internal/cache"
	"github.com/easeaico/her-companion/internal/config"
	"github.com/easeaico/her-companion/internal/conversation"
	"github.com/easeaico/her-companion/internal/coordinator"
	"github.com/easeaico/her-companion/internal/emotion"
	"github.com/easeaico/her-companion/internal/knowledge"
	"github.com/easeaico/her-companion/internal/memory"
	"github.com/easeaico/her-companion/internal/metrics"
	"github.com/easeaico/her-companion/internal/models"
	"github.com/easeaico/her-companion/internal/personality"
	"github.com/easeaico/her-companion/internal/proactive"
	"github.com/easeaico/her-companion/internal/prompt"
	"github.com/easeaico/her-companion/internal/rag"
	"github.com/easeaico/her-companion/internal/relationship"
	"github.com/easeaico/her-companion/internal/scheduler"
	"github.com/easeaico/her-companion/internal/security"
	"github.com/easeaico/her-companion/internal/storage"
	"github.com/easeaico/her-companion/internal/tool"
)

// Scheduled task names.
const (
	TaskConsolidation = "memory_consolidation"
	TaskProactive     = "proactive_tick"
	TaskMoodDecay     = "mood_decay"
)

const (
	defaultCapacity   = 10000
	stateTTL          = 24 * time.Hour
	relationshipTTL   = 10 * time.Minute
	moodDecayInterval = 10 * time.Minute
	extractionTimeout = 60 * time.Second
	ragInitTimeout    = 5 * time.Minute
)

// App holds every long-lived component. It is built once in main.
type App struct {
	Config config.Config

	Store *storage.Store
	Cache cache.Cache
	Chat  *models.Chat

	Memory     *memory.Manager
	Extraction *memory.ExtractionQueue
	Knowledge  *knowledge.KnowledgeBase
	// RAG is nil when no embedder is configured.
	RAG     *rag.DialogueRAG
	Weather *tool.WeatherTool

	Analyzer      *emotion.Analyzer
	Tracker       *emotion.Tracker
	Moods         *emotion.Service
	Relationships *relationship.Builder
	Personalities *personality.System
	Filter        *security.ContentFilter
	Limiter       *security.RateLimiter

	Engine      *conversation.Engine
	Coordinator *coordinator.Coordinator
	Proactive   *proactive.Service
	Scheduler   *scheduler.Scheduler
}

// Deps are the externally connected capabilities. Tests pass fakes.
type Deps struct {
	Store *storage.Store
	Cache cache.Cache
	// LLM answers the user; Extraction runs memory extraction and defaults
	// to LLM.
	LLM        model.LLM
	Extraction model.LLM
	// Embedder enables dialogue RAG when set.
	Embedder rag.Embedder
	Now      func() time.Time
}

// New connects to the database, cache and model providers named by cfg and
// assembles the App.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	store, err := storage.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	c, err := cache.New(ctx, cfg.RedisURL, cfg.CacheCapacity)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}

	providerCfg := models.ProviderConfig{
		Provider: models.Provider(cfg.AIProvider),
		Model:    cfg.LLMModel,
		APIKey:   cfg.APIKey,
		BaseURL:  cfg.BaseURL,
	}
	llm, err := models.NewLLM(ctx, providerCfg)
	if err != nil {
		store.Close()
		_ = c.Close()
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}
	extraction := llm
	if cfg.ExtractionModel != "" && cfg.ExtractionModel != cfg.LLMModel {
		providerCfg.Model = cfg.ExtractionModel
		if extraction, err = models.NewLLM(ctx, providerCfg); err != nil {
			store.Close()
			_ = c.Close()
			return nil, fmt.Errorf("failed to create extraction model: %w", err)
		}
	}

	var embedder rag.Embedder
	if cfg.EmbeddingEnabled() {
		embedder, err = rag.NewGenAIEmbedder(ctx, cfg.GoogleAPIKey, cfg.EmbeddingModel, cfg.EmbeddingDimension)
		if err != nil {
			slog.Warn("dialogue RAG disabled", "error", err)
			embedder = nil
		}
	}

	a, err := Assemble(cfg, Deps{Store: store, Cache: c, LLM: llm, Extraction: extraction, Embedder: embedder})
	if err != nil {
		store.Close()
		_ = c.Close()
		return nil, err
	}
	return a, nil
}

// Assemble builds the App from already connected dependencies.
func Assemble(cfg config.Config, deps Deps) (*App, error) {
	if deps.Store == nil || deps.LLM == nil {
		return nil, errors.New("store and language model are required")
	}
	if deps.Cache == nil {
		c, err := cache.NewMemoryCache(max(cfg.CacheCapacity, defaultCapacity))
		if err != nil {
			return nil, err
		}
		deps.Cache = c
	}
	if deps.Extraction == nil {
		deps.Extraction = deps.LLM
	}
	loc := cfg.Location()
	capacity := cfg.CacheCapacity
	if capacity <= 0 {
		capacity = defaultCapacity
	}

	a := &App{Config: cfg, Store: deps.Store, Cache: deps.Cache, Chat: models.NewChat(deps.LLM)}

	extractor, err := memory.NewAgentExtractor(deps.Extraction)
	if err != nil {
		return nil, err
	}
	store := deps.Store
	a.Memory, err = memory.NewManager(memory.Options{
		Store:     store.Memories,
		Extractor: extractor,
		WithinTx: func(ctx context.Context, fn func(memory.Store) error) error {
			return store.Transaction(ctx, func(tx *storage.Store) error {
				return fn(tx.Memories)
			})
		},
		Cache:                  deps.Cache,
		ShortTermLimit:         cfg.ShortTermMemoryLimit,
		ConsolidationThreshold: cfg.LongTermMemoryThreshold,
		Now:                    deps.Now,
	})
	if err != nil {
		return nil, err
	}
	a.Extraction = memory.NewExtractionQueue(a.Memory.Extract, memory.QueueOptions{
		Workers: cfg.ExtractionWorkers,
		Timeout: extractionTimeout,
		OnDrop:  metrics.ExtractionDropped.Inc,
		OnDone: func(err error) {
			metrics.ExtractionJobs.WithLabelValues(metrics.Outcome(err)).Inc()
		},
	})

	if a.Knowledge, err = knowledge.New(cfg.DialogueExamplesPath); err != nil {
		return nil, err
	}

	if deps.Embedder != nil {
		vectors, err := rag.NewVectorStore(rag.StoreConfig{
			Backend:    cfg.RAGBackend,
			Dimension:  cfg.EmbeddingDimension,
			IndexPath:  cfg.RAGIndexPath,
			Collection: cfg.RAGCollection,
			DB:         store.DB(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create vector store: %w", err)
		}
		embeddings := rag.NewEmbeddingService(deps.Embedder, rag.MaxBatchSize, cfg.EmbeddingTimeout)
		a.RAG = rag.NewDialogueRAG(embeddings, vectors, cfg.RAGDatasetPath)
	}

	var tools []conversation.InfoTool
	if cfg.AmapAPIKey != "" {
		a.Weather = tool.NewWeatherTool(cfg.AmapAPIKey, cfg.DefaultCity, cfg.ToolTimeout)
		tools = append(tools, a.Weather)
	}

	rules, err := security.LoadRules(cfg.FilterRulesPath)
	if err != nil {
		return nil, err
	}
	if cfg.MaxMessageLength > 0 {
		rules.InputValidation.MaxLength = cfg.MaxMessageLength
	}
	rules.MessageRate.PerMinute = cfg.RateLimitPerMinute
	rules.MessageRate.PerHour = cfg.RateLimitPerHour
	rules.MessageRate.PerDay = cfg.RateLimitPerDay
	a.Filter = security.NewContentFilter(rules, cfg.ContentFilterEnabled)
	a.Limiter = security.NewRateLimiter(rules.MessageRate, capacity, deps.Now)

	a.Analyzer = emotion.NewAnalyzer()
	a.Tracker = emotion.NewTracker(0, capacity, stateTTL)
	a.Moods = emotion.NewService(emotion.NewStateMachine(0, deps.Now), capacity, stateTTL)
	a.Relationships = relationship.NewBuilder(store.Users, deps.Cache, capacity, relationshipTTL, deps.Now)

	personalityOpts := personality.Options{
		Dir:      cfg.PersonalityDir,
		Current:  cfg.PersonalityName,
		Capacity: capacity,
		TTL:      stateTTL,
	}
	if cfg.PersistPersonalityAdaptation {
		personalityOpts.Store = store.Adaptations
	}
	if a.Personalities, err = personality.NewSystem(personalityOpts); err != nil {
		return nil, err
	}

	prompts := prompt.NewBuilder(loc)
	if deps.Now != nil {
		prompts = prompts.WithClock(deps.Now)
	}
	engineOpts := conversation.Options{
		Store:              store.Conversations,
		LLM:                a.Chat,
		Memory:             a.Memory,
		Knowledge:          a.Knowledge,
		Tools:              tools,
		Queue:              a.Extraction,
		Prompts:            prompts,
		MaxContextMessages: cfg.MaxContextMessages,
		ResponseTimeout:    cfg.ResponseTimeout,
		ToolTimeout:        cfg.ToolTimeout,
		TypingDelayMin:     cfg.TypingDelayMin,
		TypingDelayMax:     cfg.TypingDelayMax,
	}
	if a.RAG != nil {
		engineOpts.RAG = a.RAG
	}
	if a.Engine, err = conversation.NewEngine(engineOpts); err != nil {
		return nil, err
	}

	a.Proactive, err = proactive.NewService(proactive.Options{
		Location: loc,
		Hours: proactive.GreetingHours{
			Morning:   cfg.MorningGreetingHour,
			Noon:      cfg.NoonGreetingHour,
			Afternoon: cfg.AfternoonNapHour,
			Dinner:    cfg.DinnerGreetingHour,
			Night:     cfg.NightGreetingHour,
		},
		IdleThreshold: cfg.IdleThreshold,
		Capacity:      capacity,
		Relationships: a.Relationships,
		Now:           deps.Now,
	})
	if err != nil {
		return nil, err
	}

	a.Coordinator, err = coordinator.New(coordinator.Options{
		Users:          store.Users,
		Engine:         a.Engine,
		Filter:         a.Filter,
		Limiter:        a.Limiter,
		Analyzer:       a.Analyzer,
		Tracker:        a.Tracker,
		Moods:          a.Moods,
		Relationships:  a.Relationships,
		Personalities:  a.Personalities,
		Personality:    cfg.PersonalityName,
		Activity:       a.Proactive,
		DedupeCapacity: capacity,
		Now:            deps.Now,
	})
	if err != nil {
		return nil, err
	}

	a.Scheduler = scheduler.New(loc)
	if err := a.registerTasks(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) registerTasks() error {
	interval := a.Config.MemoryConsolidationInterval
	if interval <= 0 {
		interval = time.Hour
	}
	if err := a.Scheduler.AddEvery(TaskConsolidation, interval, func(ctx context.Context) error {
		n, err := a.Memory.ConsolidateAll(ctx)
		if err != nil {
			return err
		}
		slog.Info("memory consolidation sweep done", "users", n)
		return nil
	}); err != nil {
		return err
	}
	if err := a.Scheduler.AddEvery(TaskProactive, time.Minute, func(ctx context.Context) error {
		a.Proactive.Tick(ctx)
		return nil
	}); err != nil {
		return err
	}
	return a.Scheduler.AddEvery(TaskMoodDecay, moodDecayInterval, func(context.Context) error {
		a.Moods.Decay()
		return nil
	})
}

// Start launches the background workers and the scheduler. The dialogue
// index is built in the background; until it is ready turns run without it.
func (a *App) Start(ctx context.Context) {
	a.Extraction.Start(ctx)
	a.Scheduler.Start()

	if a.RAG != nil {
		go func() {
			initCtx, cancel := context.WithTimeout(ctx, ragInitTimeout)
			defer cancel()
			if err := a.RAG.Initialize(initCtx, false); err != nil {
				slog.Warn("dialogue RAG unavailable", "error", err)
			}
		}()
	}
}

// Close stops background work and releases connections.
func (a *App) Close(ctx context.Context) {
	a.Scheduler.Stop(ctx)
	a.Extraction.Close()
	if a.RAG != nil {
		if err := a.RAG.Save(); err != nil {
			slog.Warn("failed to save dialogue index", "error", err)
		}
	}
	if err := a.Cache.Close(); err != nil {
		slog.Warn("failed to close cache", "error", err)
	}
	a.Store.Close()
}
