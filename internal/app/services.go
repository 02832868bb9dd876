package app

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/casaforge/casaforge-backend/internal/jobs"
	"github.com/casaforge/casaforge-backend/internal/jobs/pipeline/site_provision"
	"github.com/casaforge/casaforge-backend/internal/jobs/runtime"
	"github.com/casaforge/casaforge-backend/internal/platform/logger"
	"github.com/casaforge/casaforge-backend/internal/provision"
	"github.com/casaforge/casaforge-backend/internal/services"
	"github.com/casaforge/casaforge-backend/internal/sitegen"
	"github.com/casaforge/casaforge-backend/internal/sse"
)

type Services struct {
	Notifier  services.JobNotifier
	Jobs      services.JobService
	Sites     services.SiteService
	Domains   services.DomainService
	JobWorker *jobs.Worker
}

func wireServices(db *gorm.DB, log *logger.Logger, cfg Config, reposet Repos, hub *sse.SSEHub) (Services, error) {
	log.Info("Wiring services...")

	adapters, err := wireAdapters(log)
	if err != nil {
		return Services{}, err
	}
	reservations, err := provision.NewReservationSetFromEnv(log)
	if err != nil {
		return Services{}, fmt.Errorf("init reservation set: %w", err)
	}
	generator, err := sitegen.NewFromEnv(log)
	if err != nil {
		return Services{}, fmt.Errorf("init site generator: %w", err)
	}

	notifier := services.NewSSEJobNotifier(hub)
	provisioner := provision.NewProvisioner(db, log, reposet.Sites, reservations, generator, adapters, cfg.Provision)
	deleter := provision.NewDeleter(db, log, reposet.Sites, adapters)

	registry := runtime.NewRegistry()
	if err := registry.Register(site_provision.New(db, log, reposet.Sites, provisioner)); err != nil {
		return Services{}, fmt.Errorf("register site_provision pipeline: %w", err)
	}
	worker := jobs.NewWorker(db, log, reposet.Jobs, registry, notifier)

	return Services{
		Notifier:  notifier,
		Jobs:      services.NewJobService(db, log, reposet.Jobs),
		Sites:     services.NewSiteService(db, log, reposet.Sites, reposet.Jobs, deleter, notifier, cfg.BaseDomain),
		Domains:   services.NewDomainService(db, log, reposet.Sites, adapters.DNS, cfg.BaseDomain),
		JobWorker: worker,
	}, nil
}
