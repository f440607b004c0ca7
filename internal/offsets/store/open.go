package store

import (
	"context"
	"fmt"

	"github.com/glebarez/sqlite"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"carbon-scribe/agri-credit/internal/config"
)

// Handles bundles the write-side gorm connection and the read-side sqlx connection
type Handles struct {
	Gorm *gorm.DB
	SQL  *sqlx.DB
}

// Close releases both connection pools
func (h *Handles) Close() error {
	sqlDB, err := h.Gorm.DB()
	if err != nil {
		return err
	}
	if h.SQL != nil && h.SQL.DB != sqlDB {
		_ = h.SQL.Close()
	}
	return sqlDB.Close()
}

// Open connects to the configured database. Postgres reads go through lib/pq; sqlite shares one pool.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*Handles, error) {
	gormCfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)}

	switch cfg.Driver {
	case "postgres":
		url := cfg.GetDatabaseURL()
		gdb, err := gorm.Open(postgres.Open(url), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get database handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(cfg.MaxConnections)
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		sqlDB.SetConnMaxLifetime(cfg.MaxLifetime)

		rdb, err := sqlx.ConnectContext(ctx, "postgres", url)
		if err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("failed to connect read pool: %w", err)
		}
		rdb.SetMaxOpenConns(cfg.MaxConnections)

		logger.Info("Connected to postgres",
			zap.String("host", cfg.Host),
			zap.Int("port", cfg.Port),
			zap.String("db_name", cfg.DBName))
		return &Handles{Gorm: gdb, SQL: rdb}, nil

	case "sqlite":
		gdb, err := gorm.Open(sqlite.Open(cfg.SQLitePath), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get database handle: %w", err)
		}
		// one writer at a time
		sqlDB.SetMaxOpenConns(1)

		logger.Info("Opened sqlite database", zap.String("path", cfg.SQLitePath))
		return &Handles{Gorm: gdb, SQL: sqlx.NewDb(sqlDB, "sqlite3")}, nil

	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}
