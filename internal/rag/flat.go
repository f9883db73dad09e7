package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/bytedance/sonic"
)

const flatIndexType = "flat"

// FlatStore is an exact in-process index. Vectors are L2-normalized on insert
// so the inner product is the cosine similarity. It persists to <path>.index
// and <path>.meta on Save.
type FlatStore struct {
	mu        sync.RWMutex
	dimension int
	path      string

	ids       []int64
	vectors   map[int64][]float32
	metadata  map[int64]Payload
	idCounter int64
}

type flatIndexFile struct {
	IDs     []int64     `json:"ids"`
	Vectors [][]float32 `json:"vectors"`
}

type flatMetaFile struct {
	Metadata  map[string]Payload `json:"metadata"`
	IDCounter int64              `json:"id_counter"`
	Dimension int                `json:"dimension"`
	IndexType string             `json:"index_type"`
}

// NewFlatStore returns a FlatStore and loads an existing file pair at path.
// An empty path keeps the store in memory only.
func NewFlatStore(dimension int, path string) (*FlatStore, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("invalid vector dimension %d", dimension)
	}
	s := &FlatStore{
		dimension: dimension,
		path:      path,
		vectors:   map[int64][]float32{},
		metadata:  map[int64]Payload{},
	}
	if path != "" {
		loaded, err := s.load()
		if err != nil {
			return nil, err
		}
		if loaded {
			slog.Info("vector store loaded", "path", path, "vectors", len(s.ids))
		}
	}
	return s, nil
}

// Add ignores ids and assigns sequential integer IDs.
func (s *FlatStore) Add(_ context.Context, vectors [][]float32, payloads []Payload, _ []string) ([]string, error) {
	if len(vectors) == 0 {
		return nil, nil
	}
	if err := checkBatch(vectors, payloads, s.dimension); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(vectors))
	for i, v := range vectors {
		id := s.idCounter
		s.idCounter++
		s.ids = append(s.ids, id)
		s.vectors[id] = normalize(v)
		if payloads != nil && payloads[i] != nil {
			s.metadata[id] = payloads[i]
		}
		out = append(out, strconv.FormatInt(id, 10))
	}
	return out, nil
}

func (s *FlatStore) Search(_ context.Context, query []float32, topK int, threshold float64, filter Payload) ([]Result, error) {
	if len(query) != s.dimension {
		return nil, fmt.Errorf("%w: got %d want %d", ErrDimensionMismatch, len(query), s.dimension)
	}
	if topK <= 0 {
		return nil, nil
	}
	q := normalize(query)

	s.mu.RLock()
	defer s.mu.RUnlock()
	results := make([]Result, 0, min(topK, len(s.ids)))
	for _, id := range s.ids {
		meta := s.metadata[id]
		if len(filter) > 0 && !matches(meta, filter) {
			continue
		}
		score := dot(q, s.vectors[id])
		if score < threshold {
			continue
		}
		results = append(results, Result{ID: strconv.FormatInt(id, 10), Score: score, Payload: meta})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func (s *FlatStore) Delete(_ context.Context, ids []string) error {
	drop := make(map[int64]struct{}, len(ids))
	for _, raw := range ids {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid vector id %q: %w", raw, err)
		}
		drop[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.ids[:0]
	for _, id := range s.ids {
		if _, ok := drop[id]; ok {
			delete(s.vectors, id)
			delete(s.metadata, id)
			continue
		}
		kept = append(kept, id)
	}
	s.ids = kept
	return nil
}

func (s *FlatStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = nil
	s.vectors = map[int64][]float32{}
	s.metadata = map[int64]Payload{}
	s.idCounter = 0
	return nil
}

func (s *FlatStore) Size(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids), nil
}

// Save writes the index and metadata files. The two writes are not atomic
// as a pair.
func (s *FlatStore) Save() error {
	if s.path == "" {
		return errors.New("no storage path configured")
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create index directory: %w", err)
	}

	s.mu.RLock()
	index := flatIndexFile{IDs: append([]int64(nil), s.ids...)}
	meta := flatMetaFile{
		Metadata:  make(map[string]Payload, len(s.metadata)),
		IDCounter: s.idCounter,
		Dimension: s.dimension,
		IndexType: flatIndexType,
	}
	for _, id := range s.ids {
		index.Vectors = append(index.Vectors, s.vectors[id])
	}
	for id, payload := range s.metadata {
		meta.Metadata[strconv.FormatInt(id, 10)] = payload
	}
	s.mu.RUnlock()

	raw, err := sonic.Marshal(index)
	if err != nil {
		return fmt.Errorf("failed to encode index: %w", err)
	}
	if err := os.WriteFile(s.path+".index", raw, 0o644); err != nil {
		return fmt.Errorf("failed to write index file: %w", err)
	}

	data, err := sonic.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	if err := os.WriteFile(s.path+".meta", data, 0o644); err != nil {
		return fmt.Errorf("failed to write metadata file: %w", err)
	}
	slog.Info("vector store saved", "path", s.path, "vectors", len(index.IDs))
	return nil
}

func (s *FlatStore) load() (bool, error) {
	indexPath, metaPath := s.path+".index", s.path+".meta"
	if !fileExists(indexPath) || !fileExists(metaPath) {
		return false, nil
	}

	raw, err := os.ReadFile(indexPath)
	if err != nil {
		return false, fmt.Errorf("failed to read index file: %w", err)
	}
	var index flatIndexFile
	if err := sonic.Unmarshal(raw, &index); err != nil {
		return false, fmt.Errorf("failed to decode index file: %w", err)
	}
	if len(index.IDs) != len(index.Vectors) {
		return false, fmt.Errorf("corrupt index file: %d ids for %d vectors", len(index.IDs), len(index.Vectors))
	}

	data, err := os.ReadFile(metaPath)
	if err != nil {
		return false, fmt.Errorf("failed to read metadata file: %w", err)
	}
	var meta flatMetaFile
	if err := sonic.Unmarshal(data, &meta); err != nil {
		return false, fmt.Errorf("failed to decode metadata file: %w", err)
	}
	if meta.Dimension != s.dimension {
		return false, fmt.Errorf("%w: index has %d, configured %d", ErrDimensionMismatch, meta.Dimension, s.dimension)
	}

	s.ids = index.IDs
	for i, id := range index.IDs {
		s.vectors[id] = index.Vectors[i]
	}
	for raw, payload := range meta.Metadata {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		s.metadata[id] = payload
	}
	s.idCounter = meta.IDCounter
	return true, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
