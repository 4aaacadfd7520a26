// Package db provides GORM-based database operations for wharf.
package db

import (
	"database/sql"
	"time"

	"gorm.io/gorm"
)

// Model status values. A row never leaves "removed" except through a
// fresh reconcile or pull observing the model again.
const (
	ModelStatusAvailable   = "available"
	ModelStatusDownloading = "downloading"
	ModelStatusError       = "error"
	ModelStatusRemoved     = "removed"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// Model mirrors one Ollama model as last observed by the reconciler.
type Model struct {
	Name              string         `gorm:"uniqueIndex;not null"`
	Digest            string         `gorm:"index"`
	Status            string         `gorm:"type:text;check:status IN ('available', 'downloading', 'error', 'removed');default:'available';index"`
	Family            sql.NullString `gorm:"type:text"`
	ParameterSize     sql.NullString `gorm:"type:text"`
	QuantizationLevel sql.NullString `gorm:"type:text"`
	LastError         sql.NullString `gorm:"type:text"`
	PullDigest        sql.NullString `gorm:"type:text"`
	ModifiedAt        sql.NullString
	ID                int64   `gorm:"primaryKey;autoIncrement"`
	Size              int64   `gorm:"default:0"`
	PullTotal         int64   `gorm:"default:0"`
	PullCompleted     int64   `gorm:"default:0"`
	Progress          float64 `gorm:"type:real;default:0"`
	CreatedAtEpoch    int64   `gorm:"not null"`
	UpdatedAtEpoch    int64   `gorm:"index:idx_models_updated,sort:desc;not null"`
}

func (Model) TableName() string { return "models" }

// BeforeCreate hook to ensure timestamps are set.
func (m *Model) BeforeCreate(tx *gorm.DB) error {
	now := time.Now().UnixMilli()
	if m.CreatedAtEpoch == 0 {
		m.CreatedAtEpoch = now
	}
	if m.UpdatedAtEpoch == 0 {
		m.UpdatedAtEpoch = now
	}
	if m.Status == "" {
		m.Status = ModelStatusAvailable
	}
	return nil
}

// ChatSession is one conversation thread.
type ChatSession struct {
	UUID           string         `gorm:"uniqueIndex;not null"`
	Title          string         `gorm:"type:text;not null"`
	ModelName      string         `gorm:"index;not null"`
	SystemPrompt   sql.NullString `gorm:"type:text"`
	ID             int64          `gorm:"primaryKey;autoIncrement"`
	MessageCount   int            `gorm:"default:0"`
	Archived       int            `gorm:"default:0;index"`
	CreatedAtEpoch int64          `gorm:"not null"`
	UpdatedAtEpoch int64          `gorm:"index:idx_sessions_updated,sort:desc;not null"`
}

func (ChatSession) TableName() string { return "chat_sessions" }

// BeforeCreate hook to ensure timestamps are set.
func (s *ChatSession) BeforeCreate(tx *gorm.DB) error {
	now := time.Now().UnixMilli()
	if s.CreatedAtEpoch == 0 {
		s.CreatedAtEpoch = now
	}
	if s.UpdatedAtEpoch == 0 {
		s.UpdatedAtEpoch = now
	}
	return nil
}

// Message is one turn of a chat session. Eval stats come from Ollama's
// final stream chunk and are zero for user turns.
type Message struct {
	Role           string `gorm:"type:text;check:role IN ('user', 'assistant', 'system', 'tool');not null"`
	Content        string `gorm:"type:text;not null"`
	ID             int64  `gorm:"primaryKey;autoIncrement"`
	SessionID      int64  `gorm:"index:idx_messages_session;index:idx_messages_session_created,priority:1;not null"`
	PromptTokens   int    `gorm:"default:0"`
	EvalTokens     int    `gorm:"default:0"`
	EvalDurationNs int64  `gorm:"default:0"`
	CreatedAtEpoch int64  `gorm:"index:idx_messages_session_created,priority:2;not null"`
}

func (Message) TableName() string { return "messages" }

// BeforeCreate hook to ensure timestamps are set.
func (m *Message) BeforeCreate(tx *gorm.DB) error {
	if m.CreatedAtEpoch == 0 {
		m.CreatedAtEpoch = time.Now().UnixMilli()
	}
	return nil
}

// MCPServer is a registered external MCP server definition.
type MCPServer struct {
	Name           string         `gorm:"uniqueIndex;not null"`
	Transport      string         `gorm:"type:text;check:transport IN ('stdio', 'sse');default:'stdio';not null"`
	Command        sql.NullString `gorm:"type:text"`
	URL            sql.NullString `gorm:"type:text"`
	Args           sql.NullString `gorm:"type:text"` // JSON array
	Env            sql.NullString `gorm:"type:text"` // JSON object
	ID             int64          `gorm:"primaryKey;autoIncrement"`
	Enabled        int            `gorm:"default:1;index"`
	CreatedAtEpoch int64          `gorm:"not null"`
	UpdatedAtEpoch int64          `gorm:"not null"`
}

func (MCPServer) TableName() string { return "mcp_servers" }

// BeforeCreate hook to ensure timestamps are set.
func (s *MCPServer) BeforeCreate(tx *gorm.DB) error {
	now := time.Now().UnixMilli()
	if s.CreatedAtEpoch == 0 {
		s.CreatedAtEpoch = now
	}
	if s.UpdatedAtEpoch == 0 {
		s.UpdatedAtEpoch = now
	}
	return nil
}

// Setting is one persisted key/value pair.
type Setting struct {
	Key            string `gorm:"primaryKey"`
	Value          string `gorm:"type:text;not null"`
	UpdatedAtEpoch int64  `gorm:"not null"`
}

func (Setting) TableName() string { return "settings" }

// BeforeSave hook to keep the update timestamp current.
func (s *Setting) BeforeSave(tx *gorm.DB) error {
	s.UpdatedAtEpoch = time.Now().UnixMilli()
	return nil
}
