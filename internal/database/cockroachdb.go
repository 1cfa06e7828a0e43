package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"carelink-backend/pkg/logger"
)

// DBConfig contains database configuration
type DBConfig struct {
	MaxOpenConns       int
	MaxIdleConns       int
	ConnAcquireTimeout time.Duration
	ConnMaxLifetime    time.Duration
	ConnMaxIdleTime    time.Duration
	HealthCheckPeriod  time.Duration
}

// DefaultDBConfig returns pool defaults sized for the archive workload:
// short point reads and single-row idempotent inserts, never long scans
func DefaultDBConfig() *DBConfig {
	return &DBConfig{
		MaxOpenConns:       25,
		MaxIdleConns:       25,
		ConnAcquireTimeout: 5 * time.Second,
		ConnMaxLifetime:    1 * time.Hour,
		ConnMaxIdleTime:    5 * time.Minute,
		HealthCheckPeriod:  30 * time.Second,
	}
}

// DB wraps the pgxpool.Pool backing the session archive
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB creates a new database connection pool with configured limits
func NewDB(ctx context.Context, connString string, dbConfig *DBConfig) (*DB, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	if dbConfig == nil {
		dbConfig = DefaultDBConfig()
	}

	config.MaxConns = int32(dbConfig.MaxOpenConns)
	config.MaxConnLifetime = dbConfig.ConnMaxLifetime
	config.MaxConnIdleTime = dbConfig.ConnMaxIdleTime
	config.HealthCheckPeriod = dbConfig.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close() error {
	db.Pool.Close()
	logger.Info("Archive connection pool closed")
	return nil
}

// GetPool returns the underlying pgxpool.Pool for direct access if needed
func (db *DB) GetPool() *pgxpool.Pool {
	return db.Pool
}

// AcquireConn acquires a connection, honoring the caller's deadline
func (db *DB) AcquireConn(ctx context.Context) (*pgxpool.Conn, error) {
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire database connection: %w", err)
	}

	return conn, nil
}

// Stats returns connection pool statistics
func (db *DB) Stats() *pgxpool.Stat {
	return db.Pool.Stat()
}
