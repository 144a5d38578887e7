package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/models"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// DB bundles the read/write and read-only gorm handles. Extraction-side
// reads that tolerate replica lag use RO; everything else uses RW.
type DB struct {
	RW     *gorm.DB
	RO     *gorm.DB
	logger arbor.ILogger
}

// Open connects both endpoints and runs migrations on the RW side. When no
// read-only URL is configured the RW handle serves both roles.
func Open(config common.DatabaseConfig, logger arbor.ILogger) (*DB, error) {
	rw, err := open(config.URLRW, config)
	if err != nil {
		return nil, fmt.Errorf("open rw database: %w", err)
	}

	ro := rw
	if config.URLRO != "" && config.URLRO != config.URLRW {
		ro, err = open(config.URLRO, config)
		if err != nil {
			return nil, fmt.Errorf("open ro database: %w", err)
		}
	}

	db := &DB{RW: rw, RO: ro, logger: logger}
	if err := db.migrate(); err != nil {
		return nil, err
	}

	logger.Info().
		Bool("read_replica", ro != rw).
		Msg("Database connected")
	return db, nil
}

func open(url string, config common.DatabaseConfig) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(url), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if config.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	}
	sqlDB.SetConnMaxLifetime(time.Hour)

	if config.StatementTimeoutSeconds > 0 {
		timeout := fmt.Sprintf("%dms", config.StatementTimeoutSeconds*1000)
		if err := db.Exec("SET statement_timeout = ?", timeout).Error; err != nil {
			return nil, fmt.Errorf("set statement timeout: %w", err)
		}
	}
	return db, nil
}

func (d *DB) migrate() error {
	migrations := []interface{}{
		&models.Tenant{},
		&models.Integration{},
		&models.JobSchedule{},
		&models.JobCheckpoint{},
		&models.RawExtractionRecord{},
		&models.VectorBridge{},
		&models.VectorizationQueueItem{},
	}
	for _, table := range models.DomainTables {
		migrations = append(migrations, table)
	}
	if err := d.RW.AutoMigrate(migrations...); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Close closes the underlying connection pools.
func (d *DB) Close() error {
	if sqlDB, err := d.RW.DB(); err == nil {
		sqlDB.Close()
	}
	if d.RO != d.RW {
		if sqlDB, err := d.RO.DB(); err == nil {
			sqlDB.Close()
		}
	}
	return nil
}

// withTransientRetry retries fn up to three times on serialization
// conflicts and deadlocks before surfacing the error.
func withTransientRetry(ctx context.Context, logger arbor.ILogger, fn func() error) error {
	var err error
	for attempt := 1; attempt <= 3; attempt++ {
		err = fn()
		if err == nil || !isTransient(err) {
			return err
		}
		logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Msg("Transient database error, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt*attempt) * 50 * time.Millisecond):
		}
	}
	return models.TransientDB("database retries exhausted", err)
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "could not serialize") ||
		strings.Contains(msg, "deadlock detected") ||
		strings.Contains(msg, "SQLSTATE 40001") ||
		strings.Contains(msg, "SQLSTATE 40P01")
}
