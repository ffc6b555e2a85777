package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/timmy/playermarket/internal/api"
	"github.com/timmy/playermarket/internal/app"
	"github.com/timmy/playermarket/internal/config"
	"github.com/timmy/playermarket/internal/logger"
)

func main() {
	appLogger := logger.NewFromEnv()
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	// Support CONFIG_PATH environment variable for production deployments
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	a, err := app.New(cfg)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize application")
	}
	defer a.Close()

	deps := api.RouterDeps{
		Sync:           a.Orchestrator,
		Chunks:         a.Chunks,
		MarketValues:   a.MarketValues,
		Broadcaster:    a.Broadcaster,
		Ping:           a.Ping,
		Logger:         appLogger,
		Mode:           cfg.Server.Mode,
		CORS:           cfg.Server.CORS,
		StreamLifetime: cfg.Progress.MaxSubscriptionLifetime,
	}
	if cfg.Metrics.Enabled {
		deps.Gatherer = a.Registry
	}
	router := api.SetupRouter(deps)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		appLogger.WithFields(logger.Fields{
			"port":   cfg.Server.Port,
			"mode":   cfg.Server.Mode,
			"source": a.Source.GetDisplayName(),
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	// Progress streams would hold Shutdown open until their lifetime ends.
	a.Broadcaster.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Error("Server forced to shutdown")
	}

	appLogger.Info("Server exited")
}
