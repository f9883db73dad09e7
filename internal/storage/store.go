// Package storage 提供基于 gorm 的持久化仓储与事务边界。
package storage

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when an update or lookup targets a missing row.
var ErrNotFound = errors.New("record not found")

// Store holds the DB handle and repositories.
type Store struct {
	db            *gorm.DB
	Users         *UserRepo
	Conversations *ConversationRepo
	Memories      *MemoryRepo
	Adaptations   *AdaptationRepo
}

// NewStore opens the PostgreSQL database and wires the repositories.
func NewStore(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(databaseURL), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open gorm database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql db: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return NewStoreWithDB(db), nil
}

// NewStoreWithDB wires repositories around an existing gorm handle.
func NewStoreWithDB(db *gorm.DB) *Store {
	return &Store{
		db:            db,
		Users:         NewUserRepo(db),
		Conversations: NewConversationRepo(db),
		Memories:      NewMemoryRepo(db),
		Adaptations:   NewAdaptationRepo(db),
	}
}

// DB returns the underlying gorm handle.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Transaction runs fn inside a database transaction. The Store passed to fn
// is bound to the transaction; returning an error rolls it back.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewStoreWithDB(tx))
	})
}

// AutoMigrate creates or updates every core table.
func (s *Store) AutoMigrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("failed to migrate tables: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql db: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() {
	if s.db == nil {
		return
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return
	}
	_ = sqlDB.Close()
}
