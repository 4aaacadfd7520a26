// Package manager keeps the model catalog in sync with Ollama. It
// polls the tag list on an interval, reconciles it against the models
// table, and owns the lifecycle of pull jobs.
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/wharf-sh/wharf/internal/db"
	"github.com/wharf-sh/wharf/internal/ollama"
)

// Event names pushed to clients.
const (
	EventModelStatus  = "modelStatusUpdate"
	EventPullProgress = "pullProgress"
)

// Broadcaster delivers events to connected clients. The WebSocket hub
// implements it; tests use a recorder.
type Broadcaster interface {
	Broadcast(event string, payload interface{})
}

// NopBroadcaster discards events.
type NopBroadcaster struct{}

func (NopBroadcaster) Broadcast(string, interface{}) {}

// ollamaAPI is the slice of the Ollama client the manager needs.
type ollamaAPI interface {
	Heartbeat(ctx context.Context) error
	ListModels(ctx context.Context) ([]ollama.ModelInfo, error)
	Pull(ctx context.Context, name string, handler func(ollama.PullProgress) error) error
	DeleteModel(ctx context.Context, name string) error
}

// Config tunes the manager.
type Config struct {
	// ReconcileInterval between tag list polls.
	ReconcileInterval time.Duration

	// ProgressInterval throttles pull progress broadcasts.
	ProgressInterval time.Duration
}

// ModelStatusEvent is the payload of EventModelStatus.
type ModelStatusEvent struct {
	Name     string  `json:"name"`
	Status   string  `json:"status"`
	Digest   string  `json:"digest,omitempty"`
	Size     int64   `json:"size,omitempty"`
	Error    string  `json:"error,omitempty"`
	Progress float64 `json:"progress,omitempty"`
}

// PullProgressEvent is the payload of EventPullProgress.
type PullProgressEvent struct {
	Name      string  `json:"name"`
	Status    string  `json:"status"`
	Digest    string  `json:"digest,omitempty"`
	Total     int64   `json:"total,omitempty"`
	Completed int64   `json:"completed,omitempty"`
	Percent   float64 `json:"percent"`
}

type pullJob struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager reconciles the model table against Ollama and runs pulls.
type Manager struct {
	client      ollamaAPI
	models      *db.ModelStore
	broadcaster Broadcaster
	cfg         Config

	pullMu sync.Mutex
	pulls  map[string]*pullJob

	// Collapses concurrent reconciles (poll tick plus manual refresh)
	// into one tag list fetch.
	reconcileSF singleflight.Group

	wg sync.WaitGroup
}

// New creates a Manager. A nil broadcaster means events are dropped.
func New(client *ollama.Client, models *db.ModelStore, broadcaster Broadcaster, cfg Config) *Manager {
	return newManager(client, models, broadcaster, cfg)
}

func newManager(client ollamaAPI, models *db.ModelStore, broadcaster Broadcaster, cfg Config) *Manager {
	if broadcaster == nil {
		broadcaster = NopBroadcaster{}
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 15 * time.Second
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 250 * time.Millisecond
	}
	return &Manager{
		client:      client,
		models:      models,
		broadcaster: broadcaster,
		cfg:         cfg,
		pulls:       make(map[string]*pullJob),
	}
}

// Run polls until ctx is cancelled, then waits for in-flight pulls.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ReconcileInterval)
	defer ticker.Stop()

	// Initial sync before the first tick.
	if _, err := m.Reconcile(ctx); err != nil && !ollama.IsNotRunning(err) {
		log.Warn().Err(err).Msg("Initial model reconcile failed")
	}

	for {
		select {
		case <-ctx.Done():
			m.wg.Wait()
			return
		case <-ticker.C:
			if _, err := m.Reconcile(ctx); err != nil {
				if ollama.IsNotRunning(err) {
					log.Debug().Msg("Ollama offline, skipping reconcile")
				} else {
					log.Warn().Err(err).Msg("Model reconcile failed")
				}
			}
		}
	}
}

// Reconcile lists Ollama's tags and folds them into the models table.
// Returns the number of rows that changed. An unchanged catalog
// produces zero changes and zero events, so back-to-back reconciles
// are no-ops.
func (m *Manager) Reconcile(ctx context.Context) (int, error) {
	v, err, _ := m.reconcileSF.Do("reconcile", func() (interface{}, error) {
		return m.reconcile(ctx)
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (m *Manager) reconcile(ctx context.Context) (int, error) {
	tags, err := m.client.ListModels(ctx)
	if err != nil {
		return 0, fmt.Errorf("list ollama models: %w", err)
	}

	changed := 0
	seen := make([]string, 0, len(tags))
	for _, info := range tags {
		seen = append(seen, info.Name)

		didChange, err := m.models.UpsertObserved(ctx, db.ObservedModel{
			Name:              info.Name,
			Digest:            info.Digest,
			Size:              info.Size,
			ModifiedAt:        info.ModifiedAt.Format(time.RFC3339),
			Family:            info.Details.Family,
			ParameterSize:     info.Details.ParameterSize,
			QuantizationLevel: info.Details.QuantizationLevel,
		})
		if err != nil {
			return changed, fmt.Errorf("upsert model %s: %w", info.Name, err)
		}
		if didChange {
			changed++
			m.broadcaster.Broadcast(EventModelStatus, ModelStatusEvent{
				Name:   info.Name,
				Status: db.ModelStatusAvailable,
				Digest: info.Digest,
				Size:   info.Size,
			})
		}
	}

	gone, err := m.models.MarkMissing(ctx, seen)
	if err != nil {
		return changed, fmt.Errorf("mark missing models: %w", err)
	}
	for _, name := range gone {
		changed++
		m.broadcaster.Broadcast(EventModelStatus, ModelStatusEvent{
			Name:   name,
			Status: db.ModelStatusRemoved,
		})
	}

	if changed > 0 {
		log.Info().Int("changed", changed).Int("installed", len(tags)).Msg("Model catalog reconciled")
	}
	return changed, nil
}

// StartPull begins downloading a model in the background. At most one
// pull per model name can be in flight; a duplicate request returns
// ollama.ErrPullInProgress without touching the row.
func (m *Manager) StartPull(ctx context.Context, name string) error {
	if name == "" {
		return fmt.Errorf("model name is required")
	}

	// A downloading row with no job in this process means another
	// front end owns the pull. Refuse without touching the row.
	if row, err := m.models.GetByName(ctx, name); err != nil {
		return fmt.Errorf("check model status: %w", err)
	} else if row != nil && row.Status == db.ModelStatusDownloading && !m.PullInProgress(name) {
		return ollama.ErrPullInProgress
	}

	m.pullMu.Lock()
	if _, inFlight := m.pulls[name]; inFlight {
		m.pullMu.Unlock()
		return ollama.ErrPullInProgress
	}

	pullCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	job := &pullJob{cancel: cancel, done: make(chan struct{})}
	m.pulls[name] = job
	m.pullMu.Unlock()

	if err := m.models.SetDownloading(ctx, name); err != nil {
		m.finishPull(name, job)
		return fmt.Errorf("mark model downloading: %w", err)
	}
	m.broadcaster.Broadcast(EventModelStatus, ModelStatusEvent{
		Name:   name,
		Status: db.ModelStatusDownloading,
	})

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.finishPull(name, job)
		m.runPull(pullCtx, name)
	}()

	return nil
}

// CancelPull aborts an in-flight pull. Returns false when no pull for
// that name is running.
func (m *Manager) CancelPull(name string) bool {
	m.pullMu.Lock()
	job, ok := m.pulls[name]
	m.pullMu.Unlock()
	if !ok {
		return false
	}
	job.cancel()
	<-job.done
	return true
}

// PullInProgress reports whether a pull for name is running.
func (m *Manager) PullInProgress(name string) bool {
	m.pullMu.Lock()
	defer m.pullMu.Unlock()
	_, ok := m.pulls[name]
	return ok
}

// Delete removes a model from Ollama and flags its row removed.
func (m *Manager) Delete(ctx context.Context, name string) error {
	if m.PullInProgress(name) {
		return ollama.ErrPullInProgress
	}

	if err := m.client.DeleteModel(ctx, name); err != nil && !ollama.IsModelNotFound(err) {
		return err
	}
	if err := m.models.SetRemoved(ctx, name); err != nil {
		return err
	}

	m.broadcaster.Broadcast(EventModelStatus, ModelStatusEvent{
		Name:   name,
		Status: db.ModelStatusRemoved,
	})
	return nil
}

// Healthy reports whether Ollama is reachable.
func (m *Manager) Healthy(ctx context.Context) bool {
	return m.client.Heartbeat(ctx) == nil
}

func (m *Manager) finishPull(name string, job *pullJob) {
	m.pullMu.Lock()
	delete(m.pulls, name)
	m.pullMu.Unlock()
	job.cancel()
	close(job.done)
}

func (m *Manager) runPull(ctx context.Context, name string) {
	log.Info().Str("model", name).Msg("Model pull started")

	var lastBroadcast time.Time
	err := m.client.Pull(ctx, name, func(p ollama.PullProgress) error {
		// DB writes and broadcasts are throttled; progress lines can
		// arrive hundreds of times a second on a fast link.
		if time.Since(lastBroadcast) < m.cfg.ProgressInterval && p.Status != "success" {
			return nil
		}
		lastBroadcast = time.Now()

		if err := m.models.SetPullProgress(ctx, name, p.Digest, p.Total, p.Completed, p.Percent()); err != nil {
			log.Warn().Err(err).Str("model", name).Msg("Failed to record pull progress")
		}
		m.broadcaster.Broadcast(EventPullProgress, PullProgressEvent{
			Name:      name,
			Status:    p.Status,
			Digest:    p.Digest,
			Total:     p.Total,
			Completed: p.Completed,
			Percent:   p.Percent(),
		})
		return nil
	})

	if err != nil {
		log.Warn().Err(err).Str("model", name).Msg("Model pull failed")
		// Cancellation and failure both land in the error state; the
		// next reconcile clears it if the model actually made it.
		dbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), db.DefaultQueryTimeout)
		defer cancel()
		if dberr := m.models.SetError(dbCtx, name, err.Error()); dberr != nil {
			log.Error().Err(dberr).Str("model", name).Msg("Failed to record pull error")
		}
		m.broadcaster.Broadcast(EventModelStatus, ModelStatusEvent{
			Name:   name,
			Status: db.ModelStatusError,
			Error:  err.Error(),
		})
		return
	}

	log.Info().Str("model", name).Msg("Model pull complete")

	// Finalize with the real digest and size from the fresh tag list.
	// The reconciler never touches downloading rows, so this is the
	// only place the downloading -> available transition happens.
	finCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), db.SlowQueryTimeout)
	defer cancel()

	obs := db.ObservedModel{Name: name}
	if tags, terr := m.client.ListModels(finCtx); terr == nil {
		for _, info := range tags {
			if info.Name == name {
				obs.Digest = info.Digest
				obs.Size = info.Size
				obs.ModifiedAt = info.ModifiedAt.Format(time.RFC3339)
				obs.Family = info.Details.Family
				obs.ParameterSize = info.Details.ParameterSize
				obs.QuantizationLevel = info.Details.QuantizationLevel
				break
			}
		}
	}
	if err := m.models.SetAvailable(finCtx, obs); err != nil {
		log.Error().Err(err).Str("model", name).Msg("Failed to finalize pulled model")
		return
	}
	m.broadcaster.Broadcast(EventModelStatus, ModelStatusEvent{
		Name:   name,
		Status: db.ModelStatusAvailable,
		Digest: obs.Digest,
		Size:   obs.Size,
	})
}
