// Package main provides the MCP server entry point for wharf.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm/logger"

	"github.com/wharf-sh/wharf/internal/config"
	"github.com/wharf-sh/wharf/internal/db"
	"github.com/wharf-sh/wharf/internal/manager"
	"github.com/wharf-sh/wharf/internal/mcp"
	"github.com/wharf-sh/wharf/internal/ollama"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	// MCP uses stdout for the protocol, so log to stderr.
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true})

	if err := config.EnsureAll(); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure data directories")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load settings, using defaults")
		cfg = config.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("Shutting down MCP server")
		cancel()
	}()

	store, err := db.NewStore(db.Config{
		Path:     cfg.DBPath,
		MaxConns: cfg.MaxConns,
		LogLevel: logger.Silent,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer store.Close()

	client := ollama.NewClient(ollama.ClientConfig{
		BaseURL:    cfg.OllamaURL,
		Timeout:    cfg.RequestTimeoutDuration(),
		MaxRetries: cfg.MaxRetries,
	})

	models := db.NewModelStore(store)

	// No reconcile loop here; the manager only runs pulls, sharing the
	// daemon's single-pull rule through the models table.
	mgr := manager.New(client, models, nil, manager.Config{
		ProgressInterval: cfg.PullProgressInterval(),
	})

	server := mcp.NewServer(client, models, mgr, Version)

	log.Info().
		Str("version", Version).
		Str("ollama", cfg.OllamaURL).
		Msg("MCP server listening on stdio")

	if err := server.Run(ctx); err != nil && err != context.Canceled {
		log.Fatal().Err(err).Msg("MCP server failed")
	}
}
