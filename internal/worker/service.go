package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm/logger"

	"github.com/wharf-sh/wharf/internal/config"
	"github.com/wharf-sh/wharf/internal/db"
	"github.com/wharf-sh/wharf/internal/hub"
	"github.com/wharf-sh/wharf/internal/manager"
	"github.com/wharf-sh/wharf/internal/mcp"
	"github.com/wharf-sh/wharf/internal/ollama"
	"github.com/wharf-sh/wharf/internal/watcher"
	"github.com/wharf-sh/wharf/internal/worker/sse"
)

const maxRequestBody = 4 * 1024 * 1024 // chat histories can get long

// fanout delivers manager events to every attached sink.
type fanout struct {
	mu    sync.RWMutex
	sinks []manager.Broadcaster
}

func (f *fanout) attach(b manager.Broadcaster) {
	f.mu.Lock()
	f.sinks = append(f.sinks, b)
	f.mu.Unlock()
}

func (f *fanout) Broadcast(event string, payload interface{}) {
	f.mu.RLock()
	sinks := f.sinks
	f.mu.RUnlock()
	for _, s := range sinks {
		s.Broadcast(event, payload)
	}
}

// Service is the wharf worker: HTTP API, WebSocket hub, SSE event
// feed, model manager, and the MCP endpoint, behind one listener.
type Service struct {
	cfg     *config.Config
	version string

	router *chi.Mux
	server *http.Server

	auth           *TokenAuth
	refreshLimiter *CooldownLimiter
	events         *sse.Broadcaster
	broadcast      *fanout

	// Populated by initializeAsync; guarded by ready/initMu.
	store    *db.Store
	models   *db.ModelStore
	sessions *db.SessionStore
	servers  *db.ServerStore
	settings *db.SettingStore
	client   *ollama.Client
	manager  *manager.Manager
	hub      *hub.Hub
	mcp      *mcp.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	ready     atomic.Bool
	initMu    sync.RWMutex
	initError error
}

// NewService builds the service and kicks off async initialization.
// The HTTP surface is routable immediately; DB-backed routes return
// 503 until initialization completes.
func NewService(cfg *config.Config, version string) (*Service, error) {
	auth, err := NewTokenAuth(cfg.AuthEnabled)
	if err != nil {
		return nil, fmt.Errorf("create token auth: %w", err)
	}
	if cfg.AuthEnabled {
		// Local clients read the token from the data dir.
		if err := os.WriteFile(config.TokenPath(), []byte(auth.Token()), 0600); err != nil {
			return nil, fmt.Errorf("write auth token: %w", err)
		}
		log.Info().Str("path", config.TokenPath()).Msg("Token auth enabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:            cfg,
		version:        version,
		router:         chi.NewRouter(),
		auth:           auth,
		refreshLimiter: NewCooldownLimiter(2),
		events:         sse.NewBroadcaster(),
		broadcast:      &fanout{},
		ctx:            ctx,
		cancel:         cancel,
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.initializeAsync()

	return s, nil
}

func (s *Service) setupMiddleware() {
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(RequestID)
	s.router.Use(chimiddleware.Logger)
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(SecurityHeaders)
	s.router.Use(MaxBodySize(maxRequestBody))
	s.router.Use(PerClientRateLimitMiddleware(
		NewPerClientRateLimiter(s.cfg.RateLimitRPS, s.cfg.RateLimitBurst)))
	s.router.Use(s.auth.Middleware)
}

func (s *Service) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/ready", s.handleReady)
		r.Get("/version", s.handleVersion)

		r.Group(func(r chi.Router) {
			r.Use(s.requireReady)

			r.Get("/events", s.handleEvents)

			// Model names carry slashes and colons, so item routes take
			// the name as a wildcard or in the body instead of a
			// single path segment.
			r.Route("/models", func(r chi.Router) {
				r.Get("/", s.handleListModels)
				r.Post("/refresh", s.handleRefreshModels)
				r.With(RequireJSONContentType).Post("/pull", s.handlePullModel)
				r.With(RequireJSONContentType).Post("/cancel", s.handleCancelPull)
				r.Get("/status", s.handleModelStatus)
				r.Get("/show/*", s.handleGetModel)
				r.Delete("/*", s.handleDeleteModel)
			})

			r.Route("/sessions", func(r chi.Router) {
				r.Get("/", s.handleListSessions)
				r.With(RequireJSONContentType).Post("/", s.handleCreateSession)
				r.Get("/{id}", s.handleGetSession)
				r.With(RequireJSONContentType).Patch("/{id}", s.handleUpdateSession)
				r.Delete("/{id}", s.handleDeleteSession)
				r.Get("/{id}/messages", s.handleGetMessages)
			})

			r.With(RequireJSONContentType).Post("/chat", s.handleChat)
			r.With(RequireJSONContentType).Post("/generate", s.handleGenerate)
			r.With(RequireJSONContentType).Post("/embeddings", s.handleEmbeddings)

			r.Route("/servers", func(r chi.Router) {
				r.Get("/", s.handleListServers)
				r.With(RequireJSONContentType).Post("/", s.handleCreateServer)
				r.With(RequireJSONContentType).Patch("/{id}", s.handleUpdateServer)
				r.Delete("/{id}", s.handleDeleteServer)
			})

			r.Get("/settings", s.handleGetSettings)
			r.With(RequireJSONContentType).Put("/settings/{key}", s.handlePutSetting)
		})
	})

	s.router.Group(func(r chi.Router) {
		r.Use(s.requireReady)
		r.Get("/ws", s.handleWS)
		r.Post("/mcp", s.handleMCP)
		r.Get("/mcp/sse", s.handleEvents)
	})
}

// initializeAsync opens the database and wires the Ollama client,
// model manager, WebSocket hub, and MCP server. Runs once in the
// background so the listener can come up instantly.
func (s *Service) initializeAsync() {
	start := time.Now()

	store, err := db.NewStore(db.Config{
		Path:     s.cfg.DBPath,
		MaxConns: s.cfg.MaxConns,
		LogLevel: logger.Silent,
	})
	if err != nil {
		s.failInit(fmt.Errorf("open database: %w", err))
		return
	}

	// Fresh planner statistics after migrations; stale ones from a
	// previous version can mislead the query planner.
	if err := store.Optimize(s.ctx); err != nil {
		log.Warn().Err(err).Msg("Database optimize failed")
	}

	s.initMu.Lock()
	s.store = store
	s.models = db.NewModelStore(store)
	s.sessions = db.NewSessionStore(store)
	s.servers = db.NewServerStore(store)
	s.settings = db.NewSettingStore(store)

	s.client = ollama.NewClient(ollama.ClientConfig{
		BaseURL:    s.cfg.OllamaURL,
		Timeout:    s.cfg.RequestTimeoutDuration(),
		MaxRetries: s.cfg.MaxRetries,
	})

	s.manager = manager.New(s.client, s.models, s.broadcast, manager.Config{
		ReconcileInterval: s.cfg.ReconcileIntervalDuration(),
		ProgressInterval:  s.cfg.PullProgressInterval(),
	})
	s.hub = hub.New(s.manager, s.models)
	s.mcp = mcp.NewServer(s.client, s.models, s.manager, s.version)

	// Events flow to WebSocket and SSE subscribers alike.
	s.broadcast.attach(s.hub)
	s.broadcast.attach(s.events)
	s.initMu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.manager.Run(s.ctx)
	}()

	s.watchSettings()

	s.ready.Store(true)
	log.Info().
		Dur("took", time.Since(start)).
		Str("db", s.cfg.DBPath).
		Str("ollama", s.cfg.OllamaURL).
		Msg("Worker initialized")
}

// watchSettings notifies subscribers when settings.json changes on
// disk. Settings are read at startup, so clients get an event telling
// them a restart is needed rather than a silent partial reload.
func (s *Service) watchSettings() {
	w, err := watcher.New(config.SettingsPath(), watcher.DefaultDebounce, func() {
		log.Info().Str("path", config.SettingsPath()).Msg("Settings file changed, restart to apply")
		s.broadcast.Broadcast("settingsChanged", map[string]interface{}{
			"path":            config.SettingsPath(),
			"restartRequired": true,
		})
	})
	if err != nil {
		log.Warn().Err(err).Msg("Settings watcher unavailable")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		w.Run(s.ctx)
	}()
}

func (s *Service) failInit(err error) {
	s.initMu.Lock()
	s.initError = err
	s.initMu.Unlock()
	log.Error().Err(err).Msg("Worker initialization failed")
}

// InitError returns the initialization error, if any.
func (s *Service) InitError() error {
	s.initMu.RLock()
	defer s.initMu.RUnlock()
	return s.initError
}

// Ready reports whether initialization has completed.
func (s *Service) Ready() bool {
	return s.ready.Load()
}

// requireReady gates routes that need the database and manager.
func (s *Service) requireReady(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			if err := s.InitError(); err != nil {
				writeError(w, http.StatusServiceUnavailable, "initialization failed: "+err.Error())
				return
			}
			writeError(w, http.StatusServiceUnavailable, "service is starting")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start runs the HTTP server until ctx is cancelled or the listener
// fails.
func (s *Service) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.server.Addr).Msg("Worker listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}

// Shutdown stops the server, background loops, and database.
func (s *Service) Shutdown(ctx context.Context) error {
	log.Info().Msg("Worker shutting down")

	s.cancel()

	var firstErr error
	if err := s.server.Shutdown(ctx); err != nil {
		firstErr = err
	}

	// Wait for the manager loop and in-flight pulls, bounded by ctx.
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Msg("Timed out waiting for background tasks")
	}

	if s.hub != nil {
		s.hub.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Router exposes the HTTP handler, mainly for tests.
func (s *Service) Router() http.Handler {
	return s.router
}
