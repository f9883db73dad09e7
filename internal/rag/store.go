package rag

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gorm.io/gorm"
)

// Backend names accepted by NewVectorStore.
const (
	BackendFlat     = "flat"
	BackendPGVector = "pgvector"
)

// ErrDimensionMismatch is returned when a vector length differs from the
// store's dimension.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// Payload is the metadata stored with a vector.
type Payload map[string]any

// Result is one search hit.
type Result struct {
	ID      string
	Score   float64
	Payload Payload
}

// VectorStore is implemented by FlatStore and PGVectorStore.
type VectorStore interface {
	// Add stores vectors with their payloads and returns the assigned IDs.
	// ids may be nil; backends that assign their own IDs ignore it.
	Add(ctx context.Context, vectors [][]float32, payloads []Payload, ids []string) ([]string, error)
	// Search returns at most topK hits scoring at least threshold. A non-nil
	// filter keeps hits whose payload contains every filter entry.
	Search(ctx context.Context, query []float32, topK int, threshold float64, filter Payload) ([]Result, error)
	Delete(ctx context.Context, ids []string) error
	Clear(ctx context.Context) error
	Size(ctx context.Context) (int, error)
}

// Saver is implemented by stores that persist on explicit request.
type Saver interface {
	Save() error
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	if sum == 0 {
		return out
	}
	norm := math.Sqrt(sum)
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

func matches(payload, filter Payload) bool {
	for k, want := range filter {
		got, ok := payload[k]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

func checkBatch(vectors [][]float32, payloads []Payload, dim int) error {
	if payloads != nil && len(payloads) != len(vectors) {
		return fmt.Errorf("got %d payloads for %d vectors", len(payloads), len(vectors))
	}
	for _, v := range vectors {
		if len(v) != dim {
			return fmt.Errorf("%w: got %d want %d", ErrDimensionMismatch, len(v), dim)
		}
	}
	return nil
}

// StoreConfig selects and configures a VectorStore backend.
type StoreConfig struct {
	Backend    string
	Dimension  int
	IndexPath  string
	Collection string
	DB         *gorm.DB
}

// NewVectorStore builds the backend named by cfg.Backend.
func NewVectorStore(cfg StoreConfig) (VectorStore, error) {
	switch cfg.Backend {
	case "", BackendFlat:
		return NewFlatStore(cfg.Dimension, cfg.IndexPath)
	case BackendPGVector:
		if cfg.DB == nil {
			return nil, errors.New("pgvector backend requires a database handle")
		}
		return NewPGVectorStore(cfg.DB, cfg.Collection, cfg.Dimension)
	default:
		return nil, fmt.Errorf("unknown vector store backend %q", cfg.Backend)
	}
}
