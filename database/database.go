package database

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"fanbase/config"
	"fanbase/logging"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	TypeSQLite = "sqlite"
	TypeMySQL  = "mysql"
)

// Open connects to the configured database and tunes the pool. It does not
// migrate; call Migrate separately.
func Open(cfg config.DatabaseConfig, log *zap.Logger, debug bool) (*gorm.DB, error) {
	level := gormlogger.Warn
	if debug {
		level = gormlogger.Info
	}
	gcfg := &gorm.Config{Logger: logging.NewGormLogger(log, level)}

	var (
		db  *gorm.DB
		err error
	)
	switch cfg.Type {
	case TypeMySQL:
		log.Info("opening mysql database")
		db, err = gorm.Open(mysql.Open(cfg.DSN), gcfg)
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		log.Info("opening sqlite database", zap.String("path", cfg.Path))
		db, err = gorm.Open(sqlite.Open(cfg.Path), gcfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s database: %w", cfg.Type, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	if cfg.Type == TypeMySQL {
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(time.Hour)
		return db, nil
	}

	sqlDB.SetMaxOpenConns(5)
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetConnMaxLifetime(time.Hour)

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := sqlDB.Exec(pragma); err != nil {
			log.Warn("sqlite pragma failed", zap.String("pragma", pragma), zap.Error(err))
		}
	}

	var integrity string
	if err := sqlDB.QueryRow("PRAGMA integrity_check").Scan(&integrity); err == nil && integrity != "ok" {
		log.Warn("database integrity check failed", zap.String("result", integrity))
	}

	return db, nil
}

// Close checkpoints the sqlite WAL and closes the pool.
func Close(db *gorm.DB, dbType string, log *zap.Logger) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("error getting database connection: %w", err)
	}

	if dbType == TypeSQLite {
		if _, err := sqlDB.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			log.Warn("wal checkpoint failed", zap.Error(err))
		}
	}

	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("error closing database connection: %w", err)
	}
	log.Info("database connection closed")
	return nil
}
