package db

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// QueryTimeout constants for different query types.
const (
	// DefaultQueryTimeout is the default timeout for regular queries.
	DefaultQueryTimeout = 5 * time.Second
	// FastQueryTimeout is for queries that should be very fast (health checks, etc).
	FastQueryTimeout = 1 * time.Second
	// SlowQueryTimeout is for bulk operations.
	SlowQueryTimeout = 30 * time.Second
)

// Store represents the GORM database connection over SQLite.
type Store struct {
	healthCacheTime time.Time
	DB              *gorm.DB
	sqlDB           *sql.DB
	cachedHealth    *HealthInfo
	healthCacheTTL  time.Duration
	healthCacheMu   sync.RWMutex
}

// Config holds database configuration.
type Config struct {
	Path     string          // SQLite file path, or ":memory:"
	MaxConns int             // Maximum number of open connections (default: 4)
	LogLevel logger.LogLevel // GORM log level (logger.Silent for production)
}

// NewStore opens the SQLite database, configures the pool, and runs
// migrations.
func NewStore(cfg Config) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=ON", cfg.Path)
	if cfg.Path == ":memory:" {
		// Shared cache so every pooled connection sees the same database.
		dsn = "file::memory:?cache=shared&_foreign_keys=ON"
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:      logger.Default.LogMode(cfg.LogLevel),
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open gorm sqlite: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}

	// SQLite serializes writers; a small pool is enough and keeps
	// busy_timeout contention down.
	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 4
	}
	sqlDB.SetMaxOpenConns(maxConns)
	sqlDB.SetMaxIdleConns(maxConns)
	sqlDB.SetConnMaxLifetime(1 * time.Hour)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	store := &Store{
		DB:             db,
		sqlDB:          sqlDB,
		healthCacheTTL: 5 * time.Second,
	}

	if err := runMigrations(db); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.sqlDB.Close()
}

// Ping verifies the database connection is alive.
func (s *Store) Ping() error {
	return s.sqlDB.Ping()
}

// Stats returns database connection pool statistics.
func (s *Store) Stats() sql.DBStats {
	return s.sqlDB.Stats()
}

// Optimize runs ANALYZE to update query planner statistics.
func (s *Store) Optimize(ctx context.Context) error {
	start := time.Now()
	if _, err := s.sqlDB.ExecContext(ctx, "ANALYZE"); err != nil {
		return fmt.Errorf("analyze: %w", err)
	}
	log.Debug().Dur("duration", time.Since(start)).Msg("Database optimization complete")
	return nil
}

// HealthInfo contains database health check results.
type HealthInfo struct {
	Timestamp    time.Time     `json:"timestamp"`
	Status       string        `json:"status"`
	Error        string        `json:"error,omitempty"`
	Warning      string        `json:"warning,omitempty"`
	QueryLatency time.Duration `json:"query_latency_ns"`
	OpenConns    int           `json:"open_connections"`
	InUse        int           `json:"in_use"`
}

// HealthCheck measures query latency against a simple SELECT. Results
// are cached for healthCacheTTL to keep frequent monitoring calls off
// the database.
func (s *Store) HealthCheck(ctx context.Context) *HealthInfo {
	s.healthCacheMu.RLock()
	if s.cachedHealth != nil && time.Since(s.healthCacheTime) < s.healthCacheTTL {
		cached := s.cachedHealth
		s.healthCacheMu.RUnlock()
		return cached
	}
	s.healthCacheMu.RUnlock()

	info := s.performHealthCheck(ctx)

	s.healthCacheMu.Lock()
	s.cachedHealth = info
	s.healthCacheTime = time.Now()
	s.healthCacheMu.Unlock()

	return info
}

func (s *Store) performHealthCheck(ctx context.Context) *HealthInfo {
	info := &HealthInfo{
		Status:    "healthy",
		Timestamp: time.Now(),
	}

	stats := s.Stats()
	info.OpenConns = stats.OpenConnections
	info.InUse = stats.InUse

	start := time.Now()
	var dummy int
	err := s.sqlDB.QueryRowContext(ctx, "SELECT 1").Scan(&dummy)
	info.QueryLatency = time.Since(start)

	if err != nil {
		info.Status = "unhealthy"
		info.Error = err.Error()
		return info
	}

	if info.QueryLatency > 10*time.Millisecond {
		info.Status = "degraded"
		info.Warning = fmt.Sprintf("Slow query latency: %v", info.QueryLatency)
	}

	return info
}

// WithTimeout wraps a context with the given timeout and logs slow
// operations on cancel.
func (s *Store) WithTimeout(ctx context.Context, timeout time.Duration, operation string) (context.Context, context.CancelFunc) {
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	start := time.Now()

	return timeoutCtx, func() {
		elapsed := time.Since(start)
		cancel()

		if elapsed > 100*time.Millisecond {
			log.Warn().
				Str("operation", operation).
				Dur("elapsed", elapsed).
				Dur("timeout", timeout).
				Msg("Slow database operation")
		}
	}
}

// TransactionWithTimeout wraps a transaction function with timeout
// handling. The transaction rolls back if the context times out.
func (s *Store) TransactionWithTimeout(ctx context.Context, timeout time.Duration, fn func(*gorm.DB) error) error {
	timeoutCtx, cancel := s.WithTimeout(ctx, timeout, "transaction")
	defer cancel()

	return s.DB.WithContext(timeoutCtx).Transaction(func(tx *gorm.DB) error {
		select {
		case <-timeoutCtx.Done():
			return timeoutCtx.Err()
		default:
		}
		return fn(tx)
	})
}
