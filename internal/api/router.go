package api

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/timmy/playermarket/internal/api/handler"
	"github.com/timmy/playermarket/internal/api/middleware"
	"github.com/timmy/playermarket/internal/config"
	"github.com/timmy/playermarket/internal/logger"
	"github.com/timmy/playermarket/internal/progress"
)

// RouterDeps are the services the HTTP API exposes.
type RouterDeps struct {
	Sync         handler.SyncRunner
	Chunks       handler.ChunkRunner
	MarketValues handler.MarketValueRecomputer
	Broadcaster  *progress.Broadcaster
	Gatherer     prometheus.Gatherer // nil disables /metrics
	Ping         func(ctx context.Context) error
	Logger       *logger.Logger

	Mode           string
	CORS           config.CORSConfig
	StreamLifetime time.Duration
}

// SetupRouter configures the Gin router with all routes
func SetupRouter(deps RouterDeps) *gin.Engine {
	switch deps.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(deps.Logger))
	r.Use(middleware.CORS(deps.CORS))

	healthHandler := handler.NewHealthHandler(deps.Ping)
	syncHandler := handler.NewSyncHandler(deps.Sync, deps.Chunks)
	marketValueHandler := handler.NewMarketValueHandler(deps.MarketValues)
	progressHandler := handler.NewProgressHandler(deps.Broadcaster, deps.StreamLifetime)

	r.GET("/health", healthHandler.Health)
	if deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := r.Group("/api/v1")
	{
		// Sync pipeline
		v1.POST("/sync", syncHandler.Run)
		v1.POST("/sync/chunk", syncHandler.Chunk)
		v1.POST("/sync/stop", syncHandler.Stop)
		v1.GET("/sync/status", syncHandler.Status)
		v1.GET("/sync/progress/:executionId", progressHandler.Stream)

		// Market values
		v1.POST("/market-values/recompute", marketValueHandler.Recompute)
	}

	return r
}
