package database

import (
	"context"
	"fmt"
	"time"

	"github.com/mx-space/imagetag/internal/models"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Connect opens a MySQL connection and migrates the batch table.
func Connect(dsn string, debug bool, log *zap.Logger) (*gorm.DB, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := open(mysql.New(mysql.Config{
		DSN:               dsn,
		DefaultStringSize: 191,
	}), debug)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		closeDB(db, log)
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	return db, nil
}

func open(dialector gorm.Dialector, debug bool) (*gorm.DB, error) {
	level := logger.Warn
	if debug {
		level = logger.Info
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(level),
	})
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	return db, nil
}

// Migrate creates or updates the tables the service owns.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&models.BatchRecord{})
}

// Ping checks the underlying connection.
func Ping(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func closeDB(db *gorm.DB, log *zap.Logger) {
	if err := Close(db); err != nil {
		log.Warn("close database", zap.Error(err))
	}
}
