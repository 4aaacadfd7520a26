package db

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// runMigrations runs all database migrations using gormigrate.
func runMigrations(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		// Migration 001: Core tables (Model, ChatSession, Message)
		{
			ID: "001_core_tables",
			Migrate: func(tx *gorm.DB) error {
				// AutoMigrate creates tables with all indexes from struct tags
				if err := tx.AutoMigrate(&Model{}); err != nil {
					return err
				}
				if err := tx.AutoMigrate(&ChatSession{}); err != nil {
					return err
				}
				return tx.AutoMigrate(&Message{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("models", "chat_sessions", "messages")
			},
		},

		// Migration 002: MCP server registry
		{
			ID: "002_mcp_servers",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&MCPServer{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("mcp_servers")
			},
		},

		// Migration 003: Settings key/value table
		{
			ID: "003_settings",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&Setting{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("settings")
			},
		},

		// Migration 004: message cascade on session delete. SQLite can't
		// add the constraint in place, so a trigger does the job.
		{
			ID: "004_message_cascade",
			Migrate: func(tx *gorm.DB) error {
				return tx.Exec(`CREATE TRIGGER IF NOT EXISTS messages_session_delete
					AFTER DELETE ON chat_sessions BEGIN
						DELETE FROM messages WHERE session_id = old.id;
					END`).Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Exec("DROP TRIGGER IF EXISTS messages_session_delete").Error
			},
		},
	})

	return m.Migrate()
}
