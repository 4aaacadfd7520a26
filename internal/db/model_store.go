package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ObservedModel is what the reconciler saw for one model in Ollama's
// tag list.
type ObservedModel struct {
	Name              string
	Digest            string
	Size              int64
	ModifiedAt        string
	Family            string
	ParameterSize     string
	QuantizationLevel string
}

// ModelStore provides model-related database operations.
type ModelStore struct {
	db *gorm.DB
}

// NewModelStore creates a new model store.
func NewModelStore(store *Store) *ModelStore {
	return &ModelStore{db: store.DB}
}

// GetByName returns the model row, or nil when absent.
func (s *ModelStore) GetByName(ctx context.Context, name string) (*Model, error) {
	var m Model
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&m).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// List returns models ordered by name. Removed rows are excluded
// unless includeRemoved is set.
func (s *ModelStore) List(ctx context.Context, includeRemoved bool) ([]Model, error) {
	q := s.db.WithContext(ctx).Order("name ASC")
	if !includeRemoved {
		q = q.Where("status != ?", ModelStatusRemoved)
	}

	var models []Model
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	return models, nil
}

// ListByStatus returns models in the given status.
func (s *ModelStore) ListByStatus(ctx context.Context, status string) ([]Model, error) {
	var models []Model
	err := s.db.WithContext(ctx).
		Where("status = ?", status).
		Order("name ASC").
		Find(&models).Error
	return models, err
}

// UpsertObserved records one model from the tag list. Returns true
// when the row was created or changed; an unchanged row is left
// untouched so repeated reconciles are no-ops. A row mid-pull is never
// overwritten here.
func (s *ModelStore) UpsertObserved(ctx context.Context, obs ObservedModel) (bool, error) {
	existing, err := s.GetByName(ctx, obs.Name)
	if err != nil {
		return false, err
	}

	if existing == nil {
		m := &Model{
			Name:              obs.Name,
			Digest:            obs.Digest,
			Size:              obs.Size,
			Status:            ModelStatusAvailable,
			ModifiedAt:        nullString(obs.ModifiedAt),
			Family:            nullString(obs.Family),
			ParameterSize:     nullString(obs.ParameterSize),
			QuantizationLevel: nullString(obs.QuantizationLevel),
		}
		result := s.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "name"}},
				DoNothing: true,
			}).
			Create(m)
		if result.Error != nil {
			return false, result.Error
		}
		// A concurrent insert may have beaten us; either way the row
		// now reflects the observation.
		return result.RowsAffected > 0, nil
	}

	if existing.Status == ModelStatusDownloading {
		return false, nil
	}

	unchanged := existing.Status == ModelStatusAvailable &&
		existing.Digest == obs.Digest &&
		existing.Size == obs.Size
	if unchanged {
		return false, nil
	}

	updates := map[string]interface{}{
		"status":           ModelStatusAvailable,
		"digest":           obs.Digest,
		"size":             obs.Size,
		"last_error":       nil,
		"updated_at_epoch": time.Now().UnixMilli(),
	}
	if obs.ModifiedAt != "" {
		updates["modified_at"] = obs.ModifiedAt
	}
	if obs.Family != "" {
		updates["family"] = obs.Family
	}
	if obs.ParameterSize != "" {
		updates["parameter_size"] = obs.ParameterSize
	}
	if obs.QuantizationLevel != "" {
		updates["quantization_level"] = obs.QuantizationLevel
	}

	err = s.db.WithContext(ctx).
		Model(&Model{}).
		Where("name = ?", obs.Name).
		Updates(updates).Error
	if err != nil {
		return false, err
	}
	return true, nil
}

// MarkMissing flags available rows absent from the tag list as
// removed. Rows mid-pull are left alone: a partial download is
// invisible to /api/tags. Returns the names that changed.
func (s *ModelStore) MarkMissing(ctx context.Context, seen []string) ([]string, error) {
	q := s.db.WithContext(ctx).
		Model(&Model{}).
		Where("status = ?", ModelStatusAvailable)
	if len(seen) > 0 {
		q = q.Where("name NOT IN ?", seen)
	}

	var names []string
	if err := q.Pluck("name", &names).Error; err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, nil
	}

	err := s.db.WithContext(ctx).
		Model(&Model{}).
		Where("name IN ?", names).
		Updates(map[string]interface{}{
			"status":           ModelStatusRemoved,
			"updated_at_epoch": time.Now().UnixMilli(),
		}).Error
	if err != nil {
		return nil, err
	}
	return names, nil
}

// SetDownloading transitions a model into the downloading state,
// creating the row when the pull is for a model we've never seen.
func (s *ModelStore) SetDownloading(ctx context.Context, name string) error {
	existing, err := s.GetByName(ctx, name)
	if err != nil {
		return err
	}

	if existing == nil {
		return s.db.WithContext(ctx).Create(&Model{
			Name:   name,
			Status: ModelStatusDownloading,
		}).Error
	}

	return s.db.WithContext(ctx).
		Model(&Model{}).
		Where("name = ?", name).
		Updates(map[string]interface{}{
			"status":           ModelStatusDownloading,
			"last_error":       nil,
			"progress":         0,
			"pull_total":       0,
			"pull_completed":   0,
			"updated_at_epoch": time.Now().UnixMilli(),
		}).Error
}

// SetPullProgress records download progress on a downloading row.
func (s *ModelStore) SetPullProgress(ctx context.Context, name, digest string, total, completed int64, percent float64) error {
	return s.db.WithContext(ctx).
		Model(&Model{}).
		Where("name = ? AND status = ?", name, ModelStatusDownloading).
		Updates(map[string]interface{}{
			"pull_digest":      nullString(digest),
			"pull_total":       total,
			"pull_completed":   completed,
			"progress":         percent,
			"updated_at_epoch": time.Now().UnixMilli(),
		}).Error
}

// SetAvailable finalizes a row as available, overriding a downloading
// state. Used when a pull completes.
func (s *ModelStore) SetAvailable(ctx context.Context, obs ObservedModel) error {
	updates := map[string]interface{}{
		"status":           ModelStatusAvailable,
		"last_error":       nil,
		"progress":         100,
		"updated_at_epoch": time.Now().UnixMilli(),
	}
	if obs.Digest != "" {
		updates["digest"] = obs.Digest
	}
	if obs.Size > 0 {
		updates["size"] = obs.Size
	}
	if obs.ModifiedAt != "" {
		updates["modified_at"] = obs.ModifiedAt
	}
	if obs.Family != "" {
		updates["family"] = obs.Family
	}
	if obs.ParameterSize != "" {
		updates["parameter_size"] = obs.ParameterSize
	}
	if obs.QuantizationLevel != "" {
		updates["quantization_level"] = obs.QuantizationLevel
	}

	return s.db.WithContext(ctx).
		Model(&Model{}).
		Where("name = ?", obs.Name).
		Updates(updates).Error
}

// SetError records a failure on the row.
func (s *ModelStore) SetError(ctx context.Context, name, msg string) error {
	return s.db.WithContext(ctx).
		Model(&Model{}).
		Where("name = ?", name).
		Updates(map[string]interface{}{
			"status":           ModelStatusError,
			"last_error":       msg,
			"updated_at_epoch": time.Now().UnixMilli(),
		}).Error
}

// SetRemoved flags one model as removed.
func (s *ModelStore) SetRemoved(ctx context.Context, name string) error {
	result := s.db.WithContext(ctx).
		Model(&Model{}).
		Where("name = ?", name).
		Updates(map[string]interface{}{
			"status":           ModelStatusRemoved,
			"updated_at_epoch": time.Now().UnixMilli(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("model %q not found", name)
	}
	return nil
}

// CountByStatus returns a status -> count map for the status endpoint.
func (s *ModelStore) CountByStatus(ctx context.Context) (map[string]int64, error) {
	type row struct {
		Status string
		N      int64
	}
	var rows []row
	err := s.db.WithContext(ctx).
		Model(&Model{}).
		Select("status, COUNT(*) as n").
		Group("status").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
