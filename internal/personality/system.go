package personality

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"gopkg.in/yaml.v3"

	"github.com/easeaico/her-companion/internal/types"
)

//go:embed personalities/*.yaml
var embeddedPersonalities embed.FS

// ErrUnknownPersonality is returned when a named personality is not loaded.
var ErrUnknownPersonality = errors.New("unknown personality")

const (
	maxAdaptation   = 0.3
	adaptationDecay = 0.9
	adaptationGain  = 0.1
)

// AdaptationStore persists per-user trait offsets.
type AdaptationStore interface {
	Load(ctx context.Context, userID uint) (map[string]float64, error)
	Save(ctx context.Context, items []types.PersonalityAdaptation) error
}

// Options configures a System.
type Options struct {
	// Dir overrides the embedded personality files when set.
	Dir string
	// Current selects the active personality; empty picks the first by name.
	Current string
	// Store persists adaptations when non-nil.
	Store    AdaptationStore
	Capacity int
	TTL      time.Duration
}

// System holds the loaded personalities and per-user adaptations.
type System struct {
	mu            sync.RWMutex
	personalities map[string]Config
	current       string

	adaptMu     sync.Mutex
	adaptations *expirable.LRU[uint, map[string]float64]
	store       AdaptationStore
	rand        func() float64
}

// NewSystem loads personalities from opts.Dir or the embedded defaults.
func NewSystem(opts Options) (*System, error) {
	var (
		fsys fs.FS
		err  error
	)
	if opts.Dir != "" {
		fsys = os.DirFS(opts.Dir)
	} else {
		fsys, err = fs.Sub(embeddedPersonalities, "personalities")
		if err != nil {
			return nil, fmt.Errorf("failed to open embedded personalities: %w", err)
		}
	}

	loaded, err := loadPersonalities(fsys)
	if err != nil {
		return nil, err
	}
	if len(loaded) == 0 {
		return nil, fmt.Errorf("no personality files found")
	}

	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = 10000
	}
	s := &System{
		personalities: loaded,
		adaptations:   expirable.NewLRU[uint, map[string]float64](capacity, nil, opts.TTL),
		store:         opts.Store,
		rand:          rand.Float64,
	}

	if opts.Current != "" {
		if err := s.SetCurrent(opts.Current); err != nil {
			return nil, err
		}
	} else {
		s.current = s.List()[0]
	}
	return s, nil
}

func loadPersonalities(fsys fs.FS) (map[string]Config, error) {
	files, err := fs.Glob(fsys, "*.yaml")
	if err != nil {
		return nil, fmt.Errorf("failed to list personality files: %w", err)
	}
	out := make(map[string]Config, len(files))
	for _, name := range files {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("failed to read personality %s: %w", name, err)
		}
		cfg := Config{Traits: DefaultTraits(), LanguageStyle: DefaultLanguageStyle()}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse personality %s: %w", name, err)
		}
		if cfg.Name == "" {
			cfg.Name = strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
		}
		if err := cfg.Traits.validate(); err != nil {
			return nil, fmt.Errorf("invalid personality %s: %w", cfg.Name, err)
		}
		cfg.applyDefaults()
		out[cfg.Name] = cfg
		slog.Info("loaded personality", "name", cfg.Name, "display_name", cfg.DisplayName)
	}
	return out, nil
}

// List returns the loaded personality names, sorted.
func (s *System) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.personalities))
	for name := range s.personalities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns a copy of the named personality.
func (s *System) Get(name string) (Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.personalities[name]
	if !ok {
		return Config{}, fmt.Errorf("%w: %s", ErrUnknownPersonality, name)
	}
	return cfg.Clone(), nil
}

// SetCurrent switches the active personality.
func (s *System) SetCurrent(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.personalities[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPersonality, name)
	}
	s.current = name
	slog.Info("personality switched", "name", name)
	return nil
}

// Current returns a copy of the active personality.
func (s *System) Current() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.personalities[s.current].Clone()
}

func (s *System) resolve(name string) (Config, error) {
	if name == "" {
		return s.Current(), nil
	}
	return s.Get(name)
}

// ForUser returns the base personality with the user's adaptation offsets
// applied. An empty base selects the current personality.
func (s *System) ForUser(ctx context.Context, userID uint, base string) (Config, error) {
	cfg, err := s.resolve(base)
	if err != nil {
		return Config{}, err
	}
	offsets, err := s.Adaptations(ctx, userID)
	if err != nil {
		return Config{}, err
	}
	for trait, offset := range offsets {
		cfg.Traits = cfg.Traits.Adjust(trait, offset)
	}
	return cfg, nil
}

// Adaptations returns a copy of the user's trait offsets.
func (s *System) Adaptations(ctx context.Context, userID uint) (map[string]float64, error) {
	offsets, err := s.offsets(ctx, userID)
	if err != nil {
		return nil, err
	}
	return maps.Clone(offsets), nil
}

func (s *System) offsets(ctx context.Context, userID uint) (map[string]float64, error) {
	s.adaptMu.Lock()
	defer s.adaptMu.Unlock()
	return s.offsetsLocked(ctx, userID)
}

func (s *System) offsetsLocked(ctx context.Context, userID uint) (map[string]float64, error) {
	if offsets, ok := s.adaptations.Get(userID); ok {
		return offsets, nil
	}
	offsets := map[string]float64{}
	if s.store != nil {
		loaded, err := s.store.Load(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to load personality adaptation: %w", err)
		}
		maps.Copy(offsets, loaded)
	}
	s.adaptations.Add(userID, offsets)
	return offsets, nil
}

// AdaptToUser moves the user's offset for trait towards delta by
// exponential smoothing, bounded to ±0.3.
func (s *System) AdaptToUser(ctx context.Context, userID uint, trait string, delta float64) error {
	return s.adapt(ctx, userID, map[string]float64{trait: delta})
}

func (s *System) adapt(ctx context.Context, userID uint, deltas map[string]float64) error {
	if len(deltas) == 0 {
		return nil
	}
	s.adaptMu.Lock()
	offsets, err := s.offsetsLocked(ctx, userID)
	if err != nil {
		s.adaptMu.Unlock()
		return err
	}
	now := time.Now()
	items := make([]types.PersonalityAdaptation, 0, len(deltas))
	for _, trait := range slices.Sorted(maps.Keys(deltas)) {
		if !slices.Contains(TraitNames, trait) {
			continue
		}
		next := offsets[trait]*adaptationDecay + deltas[trait]*adaptationGain
		next = max(-maxAdaptation, min(maxAdaptation, next))
		offsets[trait] = next
		items = append(items, types.PersonalityAdaptation{UserID: userID, Trait: trait, Offset: next, UpdatedAt: now})
		slog.Debug("personality adapted", "user_id", userID, "trait", trait, "offset", next)
	}
	s.adaptations.Add(userID, offsets)
	s.adaptMu.Unlock()

	if s.store == nil || len(items) == 0 {
		return nil
	}
	if err := s.store.Save(ctx, items); err != nil {
		return fmt.Errorf("failed to save personality adaptation: %w", err)
	}
	return nil
}

// Interaction summarises one turn for Evolve.
type Interaction struct {
	UserEmotion      string
	Intensity        float64
	PositiveFeedback bool
	Topic            string
}

// Evolve applies the adaptation rules for one turn.
func (s *System) Evolve(ctx context.Context, userID uint, in Interaction) error {
	var deltas map[string]float64
	switch {
	case in.UserEmotion == "happy" && in.PositiveFeedback:
		// 当前风格被认可，保持不变
	case in.UserEmotion == "sad":
		deltas = map[string]float64{TraitEmpathy: 0.05, TraitWarmth: 0.03}
	case in.UserEmotion == "angry":
		deltas = map[string]float64{TraitPatience: 0.05, TraitAssertiveness: -0.03}
	}
	if err := s.adapt(ctx, userID, deltas); err != nil {
		return err
	}
	slog.Debug("personality evolved", "user_id", userID, "emotion", in.UserEmotion)
	return nil
}

// ResetUser drops the cached adaptation of a user.
func (s *System) ResetUser(userID uint) {
	s.adaptMu.Lock()
	defer s.adaptMu.Unlock()
	s.adaptations.Remove(userID)
}

// Expression picks a random phrase from category of the named (or current)
// personality. It returns "" when the category is empty.
func (s *System) Expression(category, name string) string {
	cfg, err := s.resolve(name)
	if err != nil {
		return ""
	}
	return PickExpression(cfg, category)
}

// PickExpression picks a random phrase from cfg.
func PickExpression(cfg Config, category string) string {
	phrases := cfg.Expressions[category]
	if len(phrases) == 0 {
		return ""
	}
	return phrases[rand.IntN(len(phrases))]
}

// EmotionalResponseStyle returns the configured reaction to emotion.
func (s *System) EmotionalResponseStyle(emotion, name string) EmotionalResponse {
	cfg, err := s.resolve(name)
	if err != nil {
		return DefaultEmotionalResponse()
	}
	if r, ok := cfg.EmotionalResponses[emotion]; ok {
		return r
	}
	return DefaultEmotionalResponse()
}

// ShouldUseEmoji draws with probability emoji_usage.
func (s *System) ShouldUseEmoji(name string) bool {
	cfg, err := s.resolve(name)
	if err != nil {
		return false
	}
	return s.rand() < cfg.LanguageStyle.EmojiUsage
}

// TopicPreference returns "preferred", "avoided" or "neutral".
func (s *System) TopicPreference(topic, name string) string {
	cfg, err := s.resolve(name)
	if err != nil {
		return "neutral"
	}
	switch {
	case slices.Contains(cfg.TopicPreferences["preferred"], topic):
		return "preferred"
	case slices.Contains(cfg.TopicPreferences["avoided"], topic):
		return "avoided"
	default:
		return "neutral"
	}
}
