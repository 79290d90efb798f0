package storage

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SQLHistory keeps check records in a SQLite database, for deployments that
// want to query history with ordinary SQL tooling.
type SQLHistory struct {
	db *gorm.DB
}

func OpenSQLHistory(path string) (*SQLHistory, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.AutoMigrate(&CheckRecord{}); err != nil {
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &SQLHistory{db: db}, nil
}

func (s *SQLHistory) Save(record CheckRecord) error {
	if record.ID == "" {
		return fmt.Errorf("record id is required")
	}
	return s.db.Create(&record).Error
}

func (s *SQLHistory) List(limit int) ([]CheckRecord, error) {
	records := []CheckRecord{}
	q := s.db.Order("finished_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return records, nil
}

func (s *SQLHistory) PruneOlderThan(cutoff time.Time) error {
	return s.db.Where("finished_at < ?", cutoff).Delete(&CheckRecord{}).Error
}

func (s *SQLHistory) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
