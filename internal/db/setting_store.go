package db

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SettingStore provides persisted key/value settings.
type SettingStore struct {
	db *gorm.DB
}

// NewSettingStore creates a new setting store.
func NewSettingStore(store *Store) *SettingStore {
	return &SettingStore{db: store.DB}
}

// Get returns the value for key; found is false when absent.
func (s *SettingStore) Get(ctx context.Context, key string) (string, bool, error) {
	var setting Setting
	err := s.db.WithContext(ctx).Where("key = ?", key).First(&setting).Error
	if err == gorm.ErrRecordNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return setting.Value, true, nil
}

// Set writes a value, replacing any existing one.
func (s *SettingStore) Set(ctx context.Context, key, value string) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			UpdateAll: true,
		}).
		Create(&Setting{Key: key, Value: value}).Error
}

// All returns every stored setting as a map.
func (s *SettingStore) All(ctx context.Context) (map[string]string, error) {
	var settings []Setting
	if err := s.db.WithContext(ctx).Find(&settings).Error; err != nil {
		return nil, err
	}

	out := make(map[string]string, len(settings))
	for _, st := range settings {
		out[st.Key] = st.Value
	}
	return out, nil
}

// Delete removes a setting; absent keys are not an error.
func (s *SettingStore) Delete(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Where("key = ?", key).Delete(&Setting{}).Error
}
