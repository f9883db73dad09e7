package rag

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var collectionNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// PGVectorStore keeps vectors in a Postgres table using the pgvector
// extension. IDs are UUIDs; other strings are mapped to a deterministic UUID
// so re-adding the same logical ID overwrites it.
type PGVectorStore struct {
	db         *gorm.DB
	collection string
	dimension  int

	mu    sync.Mutex
	ready bool
}

type vectorRow struct {
	ID        string          `gorm:"primaryKey;type:uuid"`
	Embedding pgvector.Vector `gorm:"type:vector"`
	Payload   datatypes.JSON  `gorm:"type:jsonb"`
	CreatedAt time.Time
}

type vectorHit struct {
	ID      string
	Payload datatypes.JSON
	Score   float64
}

// NewPGVectorStore returns a store over the collection table. The table is
// created on first use.
func NewPGVectorStore(db *gorm.DB, collection string, dimension int) (*PGVectorStore, error) {
	if !collectionNamePattern.MatchString(collection) {
		return nil, fmt.Errorf("invalid collection name %q", collection)
	}
	if dimension <= 0 {
		return nil, fmt.Errorf("invalid vector dimension %d", dimension)
	}
	return &PGVectorStore{db: db, collection: collection, dimension: dimension}, nil
}

// PointID maps an external ID to a UUID.
func PointID(id string) string {
	if parsed, err := uuid.Parse(id); err == nil {
		return parsed.String()
	}
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(id)).String()
}

// EnsureCollection creates the vector extension, table and index if missing.
func (s *PGVectorStore) EnsureCollection(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return nil
	}
	db := s.db.WithContext(ctx)
	stmts := []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id uuid PRIMARY KEY,
			embedding vector(%d) NOT NULL,
			payload jsonb NOT NULL DEFAULT '{}'::jsonb,
			created_at timestamptz NOT NULL DEFAULT now()
		)`, s.collection, s.dimension),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_embedding_idx ON %s USING hnsw (embedding vector_cosine_ops)", s.collection, s.collection),
	}
	for _, stmt := range stmts {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("failed to prepare vector collection %s: %w", s.collection, err)
		}
	}
	s.ready = true
	slog.Info("vector collection ready", "collection", s.collection, "dimension", s.dimension)
	return nil
}

func (s *PGVectorStore) table(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Table(s.collection)
}

func (s *PGVectorStore) Add(ctx context.Context, vectors [][]float32, payloads []Payload, ids []string) ([]string, error) {
	if len(vectors) == 0 {
		return nil, nil
	}
	if err := checkBatch(vectors, payloads, s.dimension); err != nil {
		return nil, err
	}
	if ids != nil && len(ids) != len(vectors) {
		return nil, fmt.Errorf("got %d ids for %d vectors", len(ids), len(vectors))
	}
	if err := s.EnsureCollection(ctx); err != nil {
		return nil, err
	}

	rows := make([]vectorRow, 0, len(vectors))
	out := make([]string, 0, len(vectors))
	for i, v := range vectors {
		var id string
		if ids != nil {
			id = PointID(ids[i])
		} else {
			id = uuid.NewString()
		}
		payload := Payload{}
		if payloads != nil && payloads[i] != nil {
			payload = payloads[i]
		}
		raw, err := sonic.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode payload: %w", err)
		}
		rows = append(rows, vectorRow{ID: id, Embedding: pgvector.NewVector(v), Payload: datatypes.JSON(raw)})
		out = append(out, id)
	}

	if err := s.table(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"embedding", "payload"}),
	}).Create(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to upsert vectors: %w", err)
	}
	return out, nil
}

func (s *PGVectorStore) Search(ctx context.Context, query []float32, topK int, threshold float64, filter Payload) ([]Result, error) {
	if len(query) != s.dimension {
		return nil, fmt.Errorf("%w: got %d want %d", ErrDimensionMismatch, len(query), s.dimension)
	}
	if topK <= 0 {
		return nil, nil
	}
	if err := s.EnsureCollection(ctx); err != nil {
		return nil, err
	}

	vec := pgvector.NewVector(query)
	conditions := []string{"1 - (embedding <=> ?) >= ?"}
	args := []any{vec, threshold}
	if len(filter) > 0 {
		raw, err := sonic.Marshal(filter)
		if err != nil {
			return nil, fmt.Errorf("failed to encode filter: %w", err)
		}
		conditions = append(conditions, "payload @> ?::jsonb")
		args = append(args, string(raw))
	}
	sql := fmt.Sprintf(`
		SELECT id::text AS id, payload, 1 - (embedding <=> ?) AS score
		FROM %s
		WHERE %s
		ORDER BY embedding <=> ?
		LIMIT ?`, s.collection, strings.Join(conditions, " AND "))
	args = append([]any{vec}, args...)
	args = append(args, vec, topK)

	var hits []vectorHit
	if err := s.db.WithContext(ctx).Raw(sql, args...).Scan(&hits).Error; err != nil {
		return nil, fmt.Errorf("failed to search vectors: %w", err)
	}
	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		payload := Payload{}
		if len(h.Payload) > 0 {
			if err := sonic.Unmarshal(h.Payload, &payload); err != nil {
				slog.Warn("failed to decode vector payload", "id", h.ID, "error", err)
			}
		}
		results = append(results, Result{ID: h.ID, Score: h.Score, Payload: payload})
	}
	return results, nil
}

func (s *PGVectorStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.EnsureCollection(ctx); err != nil {
		return err
	}
	points := make([]string, 0, len(ids))
	for _, id := range ids {
		points = append(points, PointID(id))
	}
	if err := s.table(ctx).Where("id IN ?", points).Delete(&vectorRow{}).Error; err != nil {
		return fmt.Errorf("failed to delete vectors: %w", err)
	}
	return nil
}

func (s *PGVectorStore) Clear(ctx context.Context) error {
	if err := s.EnsureCollection(ctx); err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Exec(fmt.Sprintf("TRUNCATE TABLE %s", s.collection)).Error; err != nil {
		return fmt.Errorf("failed to clear vectors: %w", err)
	}
	return nil
}

func (s *PGVectorStore) Size(ctx context.Context) (int, error) {
	if err := s.EnsureCollection(ctx); err != nil {
		return 0, err
	}
	var n int64
	if err := s.table(ctx).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count vectors: %w", err)
	}
	return int(n), nil
}
