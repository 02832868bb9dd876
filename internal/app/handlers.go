package app

import (
	"gorm.io/gorm"

	"github.com/casaforge/casaforge-backend/internal/http/handlers"
	"github.com/casaforge/casaforge-backend/internal/platform/logger"
	"github.com/casaforge/casaforge-backend/internal/sse"
)

type Handlers struct {
	Site   *handlers.SiteHandler
	Job    *handlers.JobHandler
	Domain *handlers.DomainHandler
	SSE    *handlers.SSEHandler
	Health *handlers.HealthHandler
}

func wireHandlers(db *gorm.DB, log *logger.Logger, serviceset Services, hub *sse.SSEHub) Handlers {
	log.Info("Wiring handlers...")
	return Handlers{
		Site:   handlers.NewSiteHandler(serviceset.Sites),
		Job:    handlers.NewJobHandler(serviceset.Jobs),
		Domain: handlers.NewDomainHandler(serviceset.Domains),
		SSE:    handlers.NewSSEHandler(log, hub),
		Health: handlers.NewHealthHandler(db),
	}
}
