package cache

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CacheRecordRow is the database row behind GormStore
type CacheRecordRow struct {
	Key         string `gorm:"primaryKey;type:varchar(255)"`
	Value       string `gorm:"type:text;not null"`
	FetchedAtMs int64  `gorm:"not null"`
}

// TableName implements the GORM tabler interface.
func (CacheRecordRow) TableName() string { return "waitlist_cache_records" }

// GormStore persists records in a SQL table
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a GORM-backed store
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Migrate creates the backing table
func (s *GormStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&CacheRecordRow{}); err != nil {
		return fmt.Errorf("failed to migrate cache records: %w", err)
	}
	return nil
}

func (s *GormStore) Save(ctx context.Context, record PersistedRecord) error {
	row := CacheRecordRow{
		Key:         record.Key,
		Value:       string(record.Value),
		FetchedAtMs: record.FetchedAt.UnixMilli(),
	}

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "fetched_at_ms"}),
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to save cache record: %w", err)
	}
	return nil
}

func (s *GormStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	err := s.db.WithContext(ctx).
		Where("key IN ?", keys).
		Delete(&CacheRecordRow{}).Error
	if err != nil {
		return fmt.Errorf("failed to delete cache records: %w", err)
	}
	return nil
}

func (s *GormStore) Clear(ctx context.Context) error {
	err := s.db.WithContext(ctx).
		Session(&gorm.Session{AllowGlobalUpdate: true}).
		Delete(&CacheRecordRow{}).Error
	if err != nil {
		return fmt.Errorf("failed to clear cache records: %w", err)
	}
	return nil
}

func (s *GormStore) Load(ctx context.Context) ([]PersistedRecord, error) {
	var rows []CacheRecordRow
	if err := s.db.WithContext(ctx).Order("key ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load cache records: %w", err)
	}

	records := make([]PersistedRecord, 0, len(rows))
	for _, r := range rows {
		records = append(records, PersistedRecord{
			Key:       r.Key,
			Value:     []byte(r.Value),
			FetchedAt: time.UnixMilli(r.FetchedAtMs),
		})
	}
	return records, nil
}
