package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SessionStore provides chat session and message operations.
type SessionStore struct {
	db    *gorm.DB
	store *Store
}

// NewSessionStore creates a new session store.
func NewSessionStore(store *Store) *SessionStore {
	return &SessionStore{db: store.DB, store: store}
}

// CreateSession starts a new conversation. An empty title is derived
// later from the first user message.
func (s *SessionStore) CreateSession(ctx context.Context, title, modelName, systemPrompt string) (*ChatSession, error) {
	if modelName == "" {
		return nil, fmt.Errorf("model name is required")
	}
	if title == "" {
		title = "New chat"
	}

	session := &ChatSession{
		UUID:         uuid.NewString(),
		Title:        title,
		ModelName:    modelName,
		SystemPrompt: nullString(systemPrompt),
	}
	if err := s.db.WithContext(ctx).Create(session).Error; err != nil {
		return nil, err
	}
	return session, nil
}

// GetSession returns a session by UUID, or nil when absent.
func (s *SessionStore) GetSession(ctx context.Context, id string) (*ChatSession, error) {
	var session ChatSession
	err := s.db.WithContext(ctx).Where("uuid = ?", id).First(&session).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// ListSessions returns sessions newest-first. Archived sessions are
// excluded unless includeArchived is set.
func (s *SessionStore) ListSessions(ctx context.Context, includeArchived bool, limit int) ([]ChatSession, error) {
	q := s.db.WithContext(ctx).Order("updated_at_epoch DESC")
	if !includeArchived {
		q = q.Where("archived = 0")
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	var sessions []ChatSession
	if err := q.Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

// UpdateSession applies the given field updates to a session.
func (s *SessionStore) UpdateSession(ctx context.Context, id string, updates map[string]interface{}) error {
	if len(updates) == 0 {
		return nil
	}
	updates["updated_at_epoch"] = time.Now().UnixMilli()

	result := s.db.WithContext(ctx).
		Model(&ChatSession{}).
		Where("uuid = ?", id).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("session %q not found", id)
	}
	return nil
}

// DeleteSession removes a session; its messages go with it via the
// cascade trigger.
func (s *SessionStore) DeleteSession(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Where("uuid = ?", id).Delete(&ChatSession{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("session %q not found", id)
	}
	return nil
}

// AppendMessage stores one turn and bumps the session counters. The
// first user message of an untitled session becomes its title.
func (s *SessionStore) AppendMessage(ctx context.Context, sessionUUID string, msg *Message) error {
	return s.store.TransactionWithTimeout(ctx, DefaultQueryTimeout, func(tx *gorm.DB) error {
		var session ChatSession
		if err := tx.Where("uuid = ?", sessionUUID).First(&session).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return fmt.Errorf("session %q not found", sessionUUID)
			}
			return err
		}

		msg.SessionID = session.ID
		if err := tx.Create(msg).Error; err != nil {
			return err
		}

		updates := map[string]interface{}{
			"message_count":    gorm.Expr("message_count + 1"),
			"updated_at_epoch": time.Now().UnixMilli(),
		}
		if session.Title == "New chat" && msg.Role == RoleUser {
			updates["title"] = titleFromContent(msg.Content)
		}
		return tx.Model(&ChatSession{}).
			Where("id = ?", session.ID).
			Updates(updates).Error
	})
}

// GetMessages returns a session's messages oldest-first.
func (s *SessionStore) GetMessages(ctx context.Context, sessionUUID string, limit int) ([]Message, error) {
	session, err := s.GetSession(ctx, sessionUUID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, fmt.Errorf("session %q not found", sessionUUID)
	}

	q := s.db.WithContext(ctx).
		Where("session_id = ?", session.ID).
		Order("created_at_epoch ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var messages []Message
	if err := q.Find(&messages).Error; err != nil {
		return nil, err
	}
	return messages, nil
}

// titleFromContent derives a short session title from the first line
// of a message.
func titleFromContent(content string) string {
	line := content
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	line = strings.TrimSpace(line)
	if len(line) > 60 {
		line = line[:57] + "..."
	}
	if line == "" {
		return "New chat"
	}
	return line
}
