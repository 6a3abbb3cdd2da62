package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"casepilot/internal/api"
	"casepilot/internal/api/middleware"
	"casepilot/internal/config"
	"casepilot/internal/logger"
	"casepilot/internal/repository"
	"casepilot/internal/service"
	"casepilot/internal/storage"
)

func main() {
	// Load configuration
	// Support CONFIG_PATH environment variable for production deployments
	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	lg := logger.New(&logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		ServiceName: "casepilot",
		LogFile:     cfg.Log.File,
	})
	logger.SetDefaultLogger(lg)
	defer logger.Sync()

	// Initialize database
	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		lg.WithError(err).Fatal("Failed to initialize database")
	}

	// Initialize repositories
	taskRepo := repository.NewTaskRepository(db)
	caseRepo := repository.NewCaseRepository(db)

	// Initialize object storage for uploaded bundles
	objectStorage, err := storage.NewS3Storage(&storage.S3Config{
		Endpoint:  cfg.Storage.Endpoint,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		UseSSL:    cfg.Storage.UseSSL,
		Bucket:    cfg.Storage.Bucket,
		Region:    cfg.Storage.Region,
		PublicURL: cfg.Storage.PublicURL,
	})
	if err != nil {
		lg.WithError(err).Fatal("Failed to initialize storage")
	}
	if err := objectStorage.EnsureBucket(context.Background()); err != nil {
		lg.WithError(err).Fatal("Failed to ensure storage bucket")
	}

	// Initialize services
	gateway := service.NewAIGateway(&service.GatewayConfig{
		Model:          cfg.AI.Model,
		APIKey:         cfg.AI.APIKey,
		BaseURL:        cfg.AI.BaseURL,
		MaxDocSize:     cfg.AI.MaxDocSize,
		RetryCount:     cfg.AI.RetryCount,
		RetryBaseDelay: cfg.AI.RetryBaseDelay,
		BackoffFactor:  cfg.AI.BackoffFactor,
		AttemptTimeout: cfg.AI.AttemptTimeout,
	})
	merger := service.NewMerger(caseRepo)
	orchestrator := service.NewOrchestrator(taskRepo, caseRepo, objectStorage,
		service.NewExtractor(), gateway, merger, cfg.Analyze.Workers)

	svcs := &api.Services{
		Orchestrator: orchestrator,
		Mindmap:      service.NewMindmapProjector(taskRepo, caseRepo),
		Cases:        service.NewCaseService(caseRepo),
		Exporter:     service.NewCaseExporter(caseRepo),
		Dashboard:    service.NewDashboardService(taskRepo, caseRepo),
	}

	// Setup router
	router := api.SetupRouter(svcs, lg, middleware.CORSConfig{
		AllowedOrigins:  cfg.Server.CORS.AllowedOrigins,
		AllowAllOrigins: cfg.Server.CORS.AllowAllOrigins,
	}, cfg.Server.Mode)

	// Create HTTP server
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	// Start server in goroutine
	go func() {
		lg.WithField("port", cfg.Server.Port).WithField("mode", cfg.Server.Mode).
			Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			lg.WithError(err).Fatal("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	lg.Info("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.WithError(err).Fatal("Server forced to shutdown")
	}

	// Let in-flight analysis runs settle before the process exits.
	orchestrator.Wait()

	lg.Info("Server exited")
}
