package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// GormKV stores values in the kv_entries table of SQLite or Postgres.
type GormKV struct {
	db       *gorm.DB
	quota    Quota
	postgres bool
}

// NewGormKV opens the database and migrates the kv_entries table.
func NewGormKV(driver, dsn string, quota Quota) (*GormKV, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("database dsn is required")
	}
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	var dialector gorm.Dialector
	isPostgres := false
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
		isPostgres = true
	default:
		return nil, fmt.Errorf("unsupported sql driver: %s", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if !isPostgres {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// SQLite allows one writer; a single connection keeps transactions
		// from failing with SQLITE_BUSY.
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&KVEntry{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormKV{db: db, quota: quota, postgres: isPostgres}, nil
}

func (s *GormKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var entry KVEntry
	err := s.db.WithContext(ctx).Where(map[string]any{"key": key}).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []byte(entry.Value), true, nil
}

func (s *GormKV) Set(ctx context.Context, key string, value []byte) error {
	if err := s.quota.check(key, value); err != nil {
		return err
	}
	return upsert(s.db.WithContext(ctx), key, value)
}

func (s *GormKV) Delete(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Where(map[string]any{"key": key}).Delete(&KVEntry{}).Error
}

func (s *GormKV) Update(ctx context.Context, key string, fn func([]byte) ([]byte, error)) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Where(map[string]any{"key": key})
		if s.postgres {
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var entry KVEntry
		var current []byte
		err := q.Take(&entry).Error
		switch {
		case err == nil:
			current = []byte(entry.Value)
		case errors.Is(err, gorm.ErrRecordNotFound):
		default:
			return err
		}
		next, err := fn(current)
		if err != nil || next == nil {
			return err
		}
		if err := s.quota.check(key, next); err != nil {
			return err
		}
		return upsert(tx, key, next)
	})
}

func upsert(db *gorm.DB, key string, value []byte) error {
	entry := KVEntry{Key: key, Value: JSONValue(value), UpdatedAt: time.Now().UTC()}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&entry).Error
}

func (s *GormKV) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
