package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/timmy/xbutler/internal/api"
	"github.com/timmy/xbutler/internal/api/middleware"
	"github.com/timmy/xbutler/internal/app"
	"github.com/timmy/xbutler/internal/config"
	"github.com/timmy/xbutler/internal/logger"
)

func main() {
	appLogger := logger.NewFromEnv(logger.LoadFromEnv("xbutler-api"))
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	// Support CONFIG_PATH environment variable for production deployments
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	ctx := context.Background()
	pipeline, err := app.New(ctx, cfg, appLogger)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize pipeline")
	}
	defer pipeline.Close()

	if n, err := pipeline.Ingest.RecoverUnfinished(ctx); err != nil {
		appLogger.WithError(err).Warn("Failed to recover unfinished ingest jobs")
	} else if n > 0 {
		appLogger.WithField(logger.FieldCount, n).Warn("Marked interrupted ingest jobs as failed")
	}
	pipeline.Ingest.Start()

	router := api.SetupRouter(&api.Services{
		Ingest:    pipeline.Ingest,
		Retrieval: pipeline.Retrieval,
		Sources:   pipeline.Sources,
		Health:    pipeline.Health,
	}, &api.RouterConfig{
		Mode:          cfg.Server.Mode,
		MaxUploadSize: cfg.Server.MaxUploadSize,
		CORS: middleware.CORSConfig{
			AllowedOrigins:  cfg.Server.CORS.AllowedOrigins,
			AllowAllOrigins: cfg.Server.CORS.AllowAllOrigins,
		},
	}, appLogger)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		appLogger.WithFields(logger.Fields{
			"port": cfg.Server.Port,
			"mode": cfg.Server.Mode,
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop accepting uploads first, then let queued ingestions finish.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Error("Server forced to shutdown")
	}
	if err := pipeline.Ingest.Stop(shutdownCtx); err != nil {
		appLogger.WithError(err).Error("Ingest workers did not drain before the deadline")
	}

	appLogger.Info("Server exited")
}
