package storage

import (
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewTestDB returns an in-memory SQLite database migrated for models.
// The pool holds one connection so the in-memory database survives for the
// lifetime of the test.
func NewTestDB(tb testing.TB, models ...interface{}) *gorm.DB {
	tb.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		tb.Fatalf("opening test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		tb.Fatalf("getting sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetConnMaxLifetime(0)

	if err := Migrate(db, models...); err != nil {
		tb.Fatalf("migrating test database: %v", err)
	}
	tb.Cleanup(func() { _ = sqlDB.Close() })
	return db
}
