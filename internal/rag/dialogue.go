package rag

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bytedance/sonic"
)

//go:embed data/dialogue_dataset.json
var sampleDataset []byte

// ErrNotInitialized is returned by operations that need an indexed corpus.
var ErrNotInitialized = errors.New("dialogue rag not initialized")

// Dialogue is one example exchange.
type Dialogue struct {
	ID       string `json:"id"`
	User     string `json:"user"`
	Response string `json:"response"`
	Category string `json:"category,omitempty"`
	Mood     string `json:"mood,omitempty"`
}

// Match is a dialogue found by Search.
type Match struct {
	Dialogue
	Score float64 `json:"score"`
}

type datasetFile struct {
	Dialogues []Dialogue `json:"dialogues"`
}

// DialogueRAG indexes example dialogues by their user utterance and finds the
// ones closest to a new message.
type DialogueRAG struct {
	embeddings  *EmbeddingService
	store       VectorStore
	datasetPath string
	// useIDs passes dialogue IDs to the store; FlatStore assigns its own.
	useIDs bool

	// buildMu serializes Initialize; readers only look at ready.
	buildMu sync.Mutex
	ready   atomic.Bool
}

// NewDialogueRAG returns a DialogueRAG. An empty datasetPath uses the
// embedded sample dataset.
func NewDialogueRAG(embeddings *EmbeddingService, store VectorStore, datasetPath string) *DialogueRAG {
	_, flat := store.(*FlatStore)
	return &DialogueRAG{
		embeddings:  embeddings,
		store:       store,
		datasetPath: datasetPath,
		useIDs:      !flat,
	}
}

// Initialized reports whether the index is ready for Search.
func (r *DialogueRAG) Initialized() bool {
	return r.ready.Load()
}

// Initialize reuses a non-empty index, or builds one from the dataset.
// forceRebuild clears the store first. It is safe to call repeatedly.
func (r *DialogueRAG) Initialize(ctx context.Context, forceRebuild bool) error {
	r.buildMu.Lock()
	defer r.buildMu.Unlock()
	if r.ready.Load() && !forceRebuild {
		return nil
	}

	if !forceRebuild {
		size, err := r.store.Size(ctx)
		if err != nil {
			return fmt.Errorf("failed to read vector store size: %w", err)
		}
		if size > 0 {
			slog.Info("using existing dialogue index", "vectors", size)
			r.ready.Store(true)
			return nil
		}
	}

	dialogues, err := LoadDataset(r.datasetPath)
	if err != nil {
		return err
	}
	if len(dialogues) == 0 {
		return errors.New("dialogue dataset is empty")
	}
	// 重建期间检索不可用，对话照常进行
	r.ready.Store(false)
	if err := r.store.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear vector store: %w", err)
	}
	added, err := r.addDialogues(ctx, dialogues)
	if err != nil {
		return err
	}
	if added == 0 {
		return errors.New("failed to embed dialogue dataset")
	}
	if saver, ok := r.store.(Saver); ok {
		if err := saver.Save(); err != nil {
			slog.Warn("failed to save dialogue index", "error", err)
		}
	}
	slog.Info("dialogue index built", "dialogues", added)
	r.ready.Store(true)
	return nil
}

// LoadDataset reads a {"dialogues": [...]} file, or the embedded sample when
// path is empty.
func LoadDataset(path string) ([]Dialogue, error) {
	data := sampleDataset
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read dialogue dataset: %w", err)
		}
		data = raw
	}
	var file datasetFile
	if err := sonic.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse dialogue dataset: %w", err)
	}
	out := file.Dialogues[:0]
	for i, d := range file.Dialogues {
		if strings.TrimSpace(d.User) == "" || strings.TrimSpace(d.Response) == "" {
			continue
		}
		if d.ID == "" {
			d.ID = fmt.Sprintf("dialogue_%d", i)
		}
		if d.Mood == "" {
			d.Mood = "neutral"
		}
		out = append(out, d)
	}
	return out, nil
}

// Search returns dialogues similar to query. Embedding or store failures
// yield an empty result.
func (r *DialogueRAG) Search(ctx context.Context, query string, topK int, threshold float64, filter Payload) ([]Match, error) {
	if !r.Initialized() {
		return nil, ErrNotInitialized
	}
	vec := r.embeddings.EmbedQuery(ctx, query)
	if vec == nil {
		return nil, nil
	}
	hits, err := r.store.Search(ctx, vec, topK, threshold, filter)
	if err != nil {
		slog.Warn("dialogue search failed", "error", err)
		return nil, nil
	}
	matches := make([]Match, 0, len(hits))
	for _, h := range hits {
		matches = append(matches, Match{Dialogue: dialogueFromPayload(h.Payload), Score: h.Score})
	}
	return matches, nil
}

// BuildContextPrompt renders matches as a reference block for the system
// prompt.
func BuildContextPrompt(matches []Match, maxExamples int) string {
	if len(matches) == 0 {
		return ""
	}
	if maxExamples <= 0 {
		maxExamples = 3
	}
	var sb strings.Builder
	sb.WriteString("## 相似对话参考（根据语义匹配）\n\n")
	for i, m := range matches {
		if i >= maxExamples {
			break
		}
		fmt.Fprintf(&sb, "【示例%d】相似度: %d%%\n", i+1, int(math.Round(m.Score*100)))
		fmt.Fprintf(&sb, "用户: %s\n", m.User)
		fmt.Fprintf(&sb, "回复: %s\n", m.Response)
		if m.Mood != "" && m.Mood != "neutral" {
			fmt.Fprintf(&sb, "情绪: %s\n", m.Mood)
		}
		sb.WriteString("\n")
	}
	sb.WriteString("请参考以上示例的回复风格，但不要完全照搬。根据实际情况自然回复。\n")
	return sb.String()
}

// AddDialogue embeds and indexes one dialogue. It reports false when the
// dialogue could not be embedded or stored.
func (r *DialogueRAG) AddDialogue(ctx context.Context, d Dialogue) bool {
	if d.ID == "" {
		size, _ := r.store.Size(ctx)
		d.ID = fmt.Sprintf("dynamic_%d", size)
	}
	n, err := r.addDialogues(ctx, []Dialogue{d})
	if err != nil {
		slog.Warn("failed to add dialogue", "id", d.ID, "error", err)
		return false
	}
	return n == 1
}

// AddDialogues indexes dialogues and returns how many were added.
func (r *DialogueRAG) AddDialogues(ctx context.Context, dialogues []Dialogue) int {
	n, err := r.addDialogues(ctx, dialogues)
	if err != nil {
		slog.Warn("failed to add dialogues", "count", len(dialogues), "error", err)
		return 0
	}
	return n
}

// Save persists the index when the backend supports it.
func (r *DialogueRAG) Save() error {
	if saver, ok := r.store.(Saver); ok {
		return saver.Save()
	}
	return nil
}

// Stats describes the index for operators.
type Stats struct {
	Initialized bool   `json:"initialized"`
	Backend     string `json:"backend"`
	Vectors     int    `json:"vectors"`
}

// Stats reports the index state.
func (r *DialogueRAG) Stats(ctx context.Context) (Stats, error) {
	size, err := r.store.Size(ctx)
	if err != nil {
		return Stats{}, err
	}
	backend := BackendPGVector
	if _, ok := r.store.(*FlatStore); ok {
		backend = BackendFlat
	}
	return Stats{Initialized: r.Initialized(), Backend: backend, Vectors: size}, nil
}

func (r *DialogueRAG) addDialogues(ctx context.Context, dialogues []Dialogue) (int, error) {
	if len(dialogues) == 0 {
		return 0, nil
	}
	texts := make([]string, 0, len(dialogues))
	payloads := make([]Payload, 0, len(dialogues))
	var ids []string
	for _, d := range dialogues {
		texts = append(texts, d.User)
		payloads = append(payloads, Payload{
			"id":       d.ID,
			"user":     d.User,
			"response": d.Response,
			"category": d.Category,
			"mood":     d.Mood,
		})
		if r.useIDs {
			ids = append(ids, d.ID)
		}
	}
	vectors := r.embeddings.EmbedTexts(ctx, texts)
	if vectors == nil {
		return 0, nil
	}
	if _, err := r.store.Add(ctx, vectors, payloads, ids); err != nil {
		return 0, fmt.Errorf("failed to add dialogue vectors: %w", err)
	}
	return len(vectors), nil
}

func dialogueFromPayload(p Payload) Dialogue {
	str := func(key string) string {
		s, _ := p[key].(string)
		return s
	}
	return Dialogue{
		ID:       str("id"),
		User:     str("user"),
		Response: str("response"),
		Category: str("category"),
		Mood:     str("mood"),
	}
}
