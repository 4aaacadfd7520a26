package db

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ServerStore provides MCP server registry operations.
type ServerStore struct {
	db *gorm.DB
}

// NewServerStore creates a new server store.
func NewServerStore(store *Store) *ServerStore {
	return &ServerStore{db: store.DB}
}

// Create registers a new MCP server definition.
func (s *ServerStore) Create(ctx context.Context, server *MCPServer) error {
	if server.Name == "" {
		return fmt.Errorf("server name is required")
	}
	if server.Transport == "" {
		server.Transport = "stdio"
	}
	return s.db.WithContext(ctx).Create(server).Error
}

// Get returns a server by ID, or nil when absent.
func (s *ServerStore) Get(ctx context.Context, id int64) (*MCPServer, error) {
	var server MCPServer
	err := s.db.WithContext(ctx).First(&server, id).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &server, nil
}

// List returns all registered servers ordered by name.
func (s *ServerStore) List(ctx context.Context, enabledOnly bool) ([]MCPServer, error) {
	q := s.db.WithContext(ctx).Order("name ASC")
	if enabledOnly {
		q = q.Where("enabled = 1")
	}

	var servers []MCPServer
	if err := q.Find(&servers).Error; err != nil {
		return nil, err
	}
	return servers, nil
}

// Update applies field updates to a server.
func (s *ServerStore) Update(ctx context.Context, id int64, updates map[string]interface{}) error {
	if len(updates) == 0 {
		return nil
	}
	updates["updated_at_epoch"] = time.Now().UnixMilli()

	result := s.db.WithContext(ctx).
		Model(&MCPServer{}).
		Where("id = ?", id).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("server %d not found", id)
	}
	return nil
}

// Delete removes a server definition.
func (s *ServerStore) Delete(ctx context.Context, id int64) error {
	result := s.db.WithContext(ctx).Delete(&MCPServer{}, id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("server %d not found", id)
	}
	return nil
}
