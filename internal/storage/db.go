// Package storage opens the relational store shared by every flowlearn
// module and provides the JSON column types used by their models.
package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/flowlearn/internal/config"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open connects to the database selected by cfg.Driver.
//
// SQLite serializes writers, so the pool is pinned to a single connection
// unless MaxOpenConns says otherwise.
func Open(cfg config.DatabaseConfig, zl *zap.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN.Value())
	case "postgres":
		dialector = postgres.Open(cfg.DSN.Value())
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         newGormLogger(zl, cfg.LogQueries),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", cfg.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting sql.DB: %w", err)
	}
	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 10
		if cfg.Driver == "sqlite" {
			maxOpen = 1
		}
	}
	sqlDB.SetMaxOpenConns(maxOpen)

	return db, nil
}

// Migrate creates or updates the tables backing models.
func Migrate(db *gorm.DB, models ...interface{}) error {
	if err := db.AutoMigrate(models...); err != nil {
		return fmt.Errorf("migrating schema: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// IsDuplicateKey reports whether err is a unique-constraint violation.
func IsDuplicateKey(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

func newGormLogger(zl *zap.Logger, logQueries bool) logger.Interface {
	if zl == nil || !logQueries {
		return logger.Default.LogMode(logger.Silent)
	}
	return logger.New(
		zap.NewStdLog(zl.Named("gorm")),
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Info,
			IgnoreRecordNotFoundError: true,
		},
	)
}
