package app

import (
	"github.com/gin-gonic/gin"

	"github.com/casaforge/casaforge-backend/internal/platform/logger"
	"github.com/casaforge/casaforge-backend/internal/server"
)

func wireRouter(log *logger.Logger, handlerset Handlers, mw Middleware) *gin.Engine {
	log.Info("Wiring router...")
	return server.NewRouter(server.RouterConfig{
		Log:            log,
		AuthMiddleware: mw.Auth,
		SiteHandler:    handlerset.Site,
		JobHandler:     handlerset.Job,
		DomainHandler:  handlerset.Domain,
		SSEHandler:     handlerset.SSE,
		HealthHandler:  handlerset.Health,
	})
}
