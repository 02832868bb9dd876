package server

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/casaforge/casaforge-backend/internal/http/handlers"
	httpMW "github.com/casaforge/casaforge-backend/internal/http/middleware"
	"github.com/casaforge/casaforge-backend/internal/platform/logger"
)

type RouterConfig struct {
	Log            *logger.Logger
	AuthMiddleware *httpMW.AuthMiddleware

	SiteHandler   *httpH.SiteHandler
	JobHandler    *httpH.JobHandler
	DomainHandler *httpH.DomainHandler
	SSEHandler    *httpH.SSEHandler
	HealthHandler *httpH.HealthHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware("casaforge-backend"))
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(httpMW.CORS())

	if cfg.HealthHandler != nil {
		r.GET("/healthz", cfg.HealthHandler.HealthCheck)
	}

	api := r.Group("/api")
	if cfg.AuthMiddleware != nil {
		api.Use(cfg.AuthMiddleware.RequireAuth())
	}

	if cfg.SiteHandler != nil {
		api.POST("/sites", cfg.SiteHandler.CreateSite)
		api.GET("/sites", cfg.SiteHandler.ListSites)
		api.GET("/sites/:id", cfg.SiteHandler.GetSite)
		api.DELETE("/sites/:id", cfg.SiteHandler.DeleteSite)
	}

	if cfg.JobHandler != nil {
		api.GET("/jobs/:id", cfg.JobHandler.GetJob)
	}

	if cfg.DomainHandler != nil {
		api.GET("/domains/check", cfg.DomainHandler.CheckDomain)
		api.POST("/domains/purchase", cfg.DomainHandler.PurchaseDomain)
	}

	if cfg.SSEHandler != nil {
		api.GET("/sse", cfg.SSEHandler.Stream)
	}

	return r
}
