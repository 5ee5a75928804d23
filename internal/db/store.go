package db

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"

	"dataq-logger/internal/decoder"
	"dataq-logger/internal/model"
)

// Store mirrors persisted readings into SQLite, one row per channel value.
type Store struct {
	ORM     *gorm.DB
	timeout time.Duration
}

// openORM opens a GORM connection on the pure-Go "sqlite" driver.
func openORM(path string) (*gorm.DB, error) {
	return gorm.Open(sqlite.Dialector{DriverName: "sqlite", DSN: path}, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
}

func migrateORM(db *gorm.DB) error {
	return db.AutoMigrate(&model.Reading{})
}

// Open opens the SQLite database and runs migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	orm, err := openORM(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	sqlDB, err := orm.DB()
	if err != nil {
		return nil, err
	}
	// One connection serialises writers and avoids SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)
	if err := migrateORM(orm); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	return &Store{ORM: orm, timeout: 5 * time.Second}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.ORM.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Record inserts every value of r in one batch.
func (s *Store) Record(r decoder.Reading) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return s.Save(ctx, r)
}

func (s *Store) Save(ctx context.Context, r decoder.Reading) error {
	if len(r.Values) == 0 {
		return nil
	}
	rows := make([]model.Reading, len(r.Values))
	for i, v := range r.Values {
		label := strconv.Itoa(i)
		if i < len(r.Channels) {
			label = r.Channels[i]
		}
		rows[i] = model.Reading{
			Timestamp: r.Timestamp.UTC(),
			DeviceID:  r.DeviceID,
			Family:    r.Family,
			Port:      r.Port,
			Channel:   label,
			Value:     v,
		}
	}
	if err := s.ORM.WithContext(ctx).Create(&rows).Error; err != nil {
		return fmt.Errorf("insert reading: %w", err)
	}
	return nil
}
