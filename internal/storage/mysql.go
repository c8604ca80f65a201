package storage

import (
	"context"
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"schoolbot/server/internal/config"
	"schoolbot/server/internal/models"
)

type MySQLStore struct {
	db *gorm.DB
}

func NewMySQLStore(cfg config.MySQLConfig) (*MySQLStore, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		cfg.Username,
		cfg.Password,
		cfg.Host,
		cfg.Port,
		cfg.Database,
	)

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return NewMySQLStoreFromDB(db), nil
}

// NewMySQLStoreFromDB wraps an open gorm handle.
func NewMySQLStoreFromDB(db *gorm.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

// AutoMigrate creates or updates the memory tables.
func (s *MySQLStore) AutoMigrate() error {
	return s.db.AutoMigrate(&models.MemoryRecord{}, &models.FeedbackRecord{})
}

func (s *MySQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// WithTx runs fn in a transaction bound to ctx.
func (s *MySQLStore) WithTx(ctx context.Context, fn func(*gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(fn)
}

// SaveLongTerm replaces the stored long-term tier with entries.
func (s *MySQLStore) SaveLongTerm(ctx context.Context, entries []*models.MemoryEntry) error {
	records := make([]models.MemoryRecord, 0, len(entries))
	for _, e := range entries {
		rec, err := ToMemoryRecord(e)
		if err != nil {
			return err
		}
		records = append(records, rec)
	}

	return s.WithTx(ctx, func(tx *gorm.DB) error {
		if err := tx.Where("memory_type = ?", string(models.MemoryLongTerm)).Delete(&models.MemoryRecord{}).Error; err != nil {
			return fmt.Errorf("failed to clear long-term memory: %w", err)
		}
		if len(records) == 0 {
			return nil
		}
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).CreateInBatches(records, 100).Error; err != nil {
			return fmt.Errorf("failed to save long-term memory: %w", err)
		}
		return nil
	})
}

// LoadLongTerm returns the stored long-term tier, oldest first.
func (s *MySQLStore) LoadLongTerm(ctx context.Context) ([]*models.MemoryEntry, error) {
	var records []models.MemoryRecord
	err := s.db.WithContext(ctx).
		Where("memory_type = ?", string(models.MemoryLongTerm)).
		Order("timestamp ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load long-term memory: %w", err)
	}

	entries := make([]*models.MemoryEntry, 0, len(records))
	for _, rec := range records {
		e, err := FromMemoryRecord(rec)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// SaveFeedback stores one feedback record.
func (s *MySQLStore) SaveFeedback(ctx context.Context, rec *models.FeedbackRecord) error {
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("failed to save feedback: %w", err)
	}
	return nil
}
