package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/timmy/xbutler/internal/api/handler"
	"github.com/timmy/xbutler/internal/api/middleware"
	"github.com/timmy/xbutler/internal/logger"
	"github.com/timmy/xbutler/internal/service"
	"github.com/timmy/xbutler/internal/source"
)

// IngestAPI is satisfied by *service.IngestService.
type IngestAPI interface {
	handler.Ingester
	handler.BulkIngester
}

// RetrievalAPI is satisfied by *service.RetrievalService.
type RetrievalAPI interface {
	handler.Retriever
	handler.ResourceOpener
}

var (
	_ IngestAPI    = (*service.IngestService)(nil)
	_ RetrievalAPI = (*service.RetrievalService)(nil)
)

// Services bundles what the HTTP layer calls into.
type Services struct {
	Ingest    IngestAPI
	Retrieval RetrievalAPI
	Sources   map[string]source.Source
	Health    map[string]handler.HealthCheck
}

// RouterConfig holds HTTP-level settings.
type RouterConfig struct {
	Mode          string
	MaxUploadSize int64
	CORS          middleware.CORSConfig
}

// SetupRouter configures the Gin router with all routes
func SetupRouter(svc *Services, cfg *RouterConfig, log *logger.Logger) *gin.Engine {
	// Set Gin mode
	switch cfg.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()
	if cfg.MaxUploadSize > 0 {
		r.MaxMultipartMemory = cfg.MaxUploadSize
	}

	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(log))
	r.Use(middleware.CORS(cfg.CORS))

	healthHandler := handler.NewHealthHandler(svc.Health)
	resourceHandler := handler.NewResourceHandler(svc.Ingest, svc.Retrieval, cfg.MaxUploadSize)
	retrievalHandler := handler.NewRetrievalHandler(svc.Retrieval, cfg.MaxUploadSize)
	adminHandler := handler.NewAdminHandler(svc.Ingest, svc.Sources)

	r.GET("/health", healthHandler.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	{
		// Resources
		v1.POST("/resource", resourceHandler.Upload)
		v1.GET("/resource/jobs/:id", resourceHandler.GetJob)
		v1.GET("/resource/:id", resourceHandler.Get)

		// Retrieval
		v1.POST("/retrieval/image", retrievalHandler.ByImage)
		v1.GET("/retrieval/text", retrievalHandler.ByText)
		v1.POST("/retrieval/keywords", retrievalHandler.ByKeywords)

		// Bulk ingestion
		v1.GET("/admin/ingest", adminHandler.GetIngestStatus)
		v1.POST("/admin/ingest", adminHandler.TriggerIngest)
	}

	return r
}
