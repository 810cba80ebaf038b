// Package main is the entry point for the libsize server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/libsize/server/internal/api"
	"github.com/libsize/server/internal/cache"
	"github.com/libsize/server/internal/config"
	"github.com/libsize/server/internal/logging"
	"github.com/libsize/server/internal/metrics"
	"github.com/libsize/server/internal/render"
	"github.com/libsize/server/internal/resultstore"
	"github.com/libsize/server/internal/service"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Must(cfg.Log)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	logger.Info().Int("port", cfg.Server.Port).Msg("starting libsize server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Shared across all datasets
	cacheManager, err := cache.NewManager(cache.Config{
		MapCacheSizeMB: cfg.Cache.TileSizeMB,
		MapTTL:         time.Duration(cfg.Cache.TileTTLMinutes) * time.Minute,
		QueryCacheSize: cfg.Cache.QueryCacheSize,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize cache")
	}
	defer cacheManager.Close()

	mapRenderer := render.NewMapRenderer(render.Config{
		TileSize:        cfg.Render.TileSize,
		DefaultColormap: cfg.Render.DefaultColormap,
	})

	var store *resultstore.Store
	if cfg.Output.SQLitePath != "" {
		store, err = resultstore.NewStore(cfg.Output.SQLitePath)
		if err != nil {
			logger.Fatal().Err(err).Str("path", cfg.Output.SQLitePath).Msg("failed to open result store")
		}
		defer store.Close()
	}

	m := metrics.New()

	// Initialize dataset registry
	datasetIDs := cfg.Data.DatasetIDs()
	registry := api.NewDatasetRegistry(cfg.Data.DefaultDataset, datasetIDs, cfg.Server.Title)
	logger.Info().
		Int("datasets", len(datasetIDs)).
		Str("default", cfg.Data.DefaultDataset).
		Msg("initializing datasets")

	serviceLogger := logging.Component(logger, "service")
	for _, datasetID := range datasetIDs {
		ds := cfg.Data.Datasets[datasetID]
		svc := service.NewAnalysisService(service.Config{
			DatasetID:      datasetID,
			Title:          ds.Title,
			DetectionsPath: ds.DetectionsPath,
			S3:             cfg.S3.Transcripts(),
			Read:           cfg.ReadOptions(datasetID),
			Pipeline:       cfg.Pipeline(datasetID),
			MaxConcurrent:  cfg.Analysis.MaxConcurrent,
			Expected:       ds.Samples,
		}, service.Deps{
			Logger:   serviceLogger,
			Cache:    cacheManager,
			Renderer: mapRenderer,
			Store:    store,
			Observer: m.Observer(datasetID),
		})
		registry.Register(datasetID, svc)

		// A dataset that fails to load stays registered and reports not ready.
		if err := svc.Load(ctx); err != nil {
			logger.Error().Err(err).Str("dataset", datasetID).Msg("dataset not loaded")
			continue
		}
		if _, err := svc.Analyse(ctx, nil); err != nil {
			logger.Error().Err(err).Str("dataset", datasetID).Msg("initial analysis failed")
		}
	}
	if ctx.Err() != nil {
		logger.Info().Msg("interrupted during startup")
		return
	}

	jobManager := api.NewJobManager(registry, api.JobManagerConfig{
		MaxConcurrent: 1,
		Logger:        logger,
	})
	jobManager.Start()
	defer jobManager.Stop()

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Registry:    registry,
		CORSOrigins: cfg.Server.CORSOrigins,
		JobManager:  jobManager,
		Cache:       cacheManager,
		Metrics:     m.Handler(),
		Logger:      logger,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().Msgf("server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	// Wait for interrupt signal
	<-ctx.Done()
	logger.Info().Msg("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("server stopped")
}
