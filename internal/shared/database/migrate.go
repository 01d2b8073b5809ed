package database

import (
	"queuetrack/pkg/cache"

	"gorm.io/gorm"
)

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&cache.CacheRecordRow{},
	)
}
