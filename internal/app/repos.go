package app

import (
	"gorm.io/gorm"

	"github.com/casaforge/casaforge-backend/internal/data/repos"
	"github.com/casaforge/casaforge-backend/internal/platform/logger"
)

type Repos struct {
	Sites repos.TenantSiteRepo
	Jobs  repos.JobRunRepo
}

func wireRepos(db *gorm.DB, log *logger.Logger) Repos {
	log.Info("Wiring repos...")
	return Repos{
		Sites: repos.NewTenantSiteRepo(db, log),
		Jobs:  repos.NewJobRunRepo(db, log),
	}
}
