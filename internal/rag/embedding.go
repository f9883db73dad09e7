package rag

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// MaxBatchSize caps the texts sent in one embedding call.
const MaxBatchSize = 10

var errNoEmbedder = errors.New("no embedder configured")

// EmbeddingService batches texts through an Embedder. Failures are logged
// and reported as nil so callers treat retrieval as unavailable.
type EmbeddingService struct {
	embedder  Embedder
	batchSize int
	timeout   time.Duration
}

// NewEmbeddingService returns an EmbeddingService. A zero timeout means no
// per-call deadline.
func NewEmbeddingService(embedder Embedder, batchSize int, timeout time.Duration) *EmbeddingService {
	if batchSize <= 0 || batchSize > MaxBatchSize {
		batchSize = MaxBatchSize
	}
	return &EmbeddingService{embedder: embedder, batchSize: batchSize, timeout: timeout}
}

// EmbedTexts returns one vector per text, or nil if any batch failed.
func (s *EmbeddingService) EmbedTexts(ctx context.Context, texts []string) [][]float32 {
	if len(texts) == 0 {
		return [][]float32{}
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += s.batchSize {
		end := min(start+s.batchSize, len(texts))
		vecs, err := s.call(ctx, func(ctx context.Context) ([][]float32, error) {
			return s.embedder.EmbedDocuments(ctx, texts[start:end])
		})
		if err != nil || len(vecs) != end-start {
			slog.Warn("failed to embed batch", "batch", start/s.batchSize, "error", err)
			return nil
		}
		out = append(out, vecs...)
	}
	return out
}

// EmbedQuery embeds a single search query, or returns nil on failure.
func (s *EmbeddingService) EmbedQuery(ctx context.Context, text string) []float32 {
	vecs, err := s.call(ctx, func(ctx context.Context) ([][]float32, error) {
		vec, err := s.embedder.EmbedQuery(ctx, text)
		if err != nil {
			return nil, err
		}
		return [][]float32{vec}, nil
	})
	if err != nil || len(vecs) != 1 || len(vecs[0]) == 0 {
		slog.Warn("failed to embed query", "error", err)
		return nil
	}
	return vecs[0]
}

func (s *EmbeddingService) call(ctx context.Context, fn func(context.Context) ([][]float32, error)) ([][]float32, error) {
	if s.embedder == nil {
		return nil, errNoEmbedder
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	return fn(ctx)
}
