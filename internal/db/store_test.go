package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// testStore creates a Store backed by a temp-dir SQLite file.
func testStore(t *testing.T) *Store {
	t.Helper()

	store, err := NewStore(Config{
		Path:     filepath.Join(t.TempDir(), "test.db"),
		MaxConns: 2,
		LogLevel: logger.Silent,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestNewStoreRunsMigrations(t *testing.T) {
	store := testStore(t)

	for _, table := range []string{"models", "chat_sessions", "messages", "mcp_servers", "settings"} {
		assert.True(t, store.DB.Migrator().HasTable(table), "missing table %s", table)
	}
}

func TestHealthCheck(t *testing.T) {
	store := testStore(t)

	info := store.HealthCheck(context.Background())
	require.NotNil(t, info)
	assert.NotEqual(t, "unhealthy", info.Status)
	assert.Greater(t, info.QueryLatency.Nanoseconds(), int64(0))

	// Second call inside the TTL returns the cached result.
	again := store.HealthCheck(context.Background())
	assert.Equal(t, info.Timestamp, again.Timestamp)
}

func TestOptimize(t *testing.T) {
	store := testStore(t)
	require.NoError(t, store.Optimize(context.Background()))
}

func TestStatsReportsPool(t *testing.T) {
	store := testStore(t)
	require.NoError(t, store.Ping())

	stats := store.Stats()
	assert.GreaterOrEqual(t, stats.OpenConnections, 1)
}

func TestTransactionWithTimeout(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	require.NoError(t, store.TransactionWithTimeout(ctx, DefaultQueryTimeout, func(tx *gorm.DB) error {
		return tx.Create(&Setting{Key: "tx-key", Value: "v"}).Error
	}))

	var setting Setting
	require.NoError(t, store.DB.Where("key = ?", "tx-key").First(&setting).Error)
	assert.Equal(t, "v", setting.Value)

	// A dead context never runs the transaction body.
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	err := store.TransactionWithTimeout(cancelled, DefaultQueryTimeout, func(tx *gorm.DB) error {
		t.Error("transaction body ran with a dead context")
		return nil
	})
	require.Error(t, err)
}

func TestMessageCascadeOnSessionDelete(t *testing.T) {
	store := testStore(t)
	sessions := NewSessionStore(store)
	ctx := context.Background()

	session, err := sessions.CreateSession(ctx, "t", "llama3.2", "")
	require.NoError(t, err)
	require.NoError(t, sessions.AppendMessage(ctx, session.UUID, &Message{Role: RoleUser, Content: "hi"}))
	require.NoError(t, sessions.DeleteSession(ctx, session.UUID))

	var count int64
	require.NoError(t, store.DB.Model(&Message{}).Where("session_id = ?", session.ID).Count(&count).Error)
	assert.Zero(t, count)
}
