package site_provision

import (
	"gorm.io/gorm"

	"github.com/casaforge/casaforge-backend/internal/data/repos"
	"github.com/casaforge/casaforge-backend/internal/domain"
	"github.com/casaforge/casaforge-backend/internal/platform/logger"
	"github.com/casaforge/casaforge-backend/internal/provision"
)

// Pipeline is the site_provision job handler: it resolves the payload to
// its tenant site row and hands the request to the provisioner, mapping
// step transitions onto the job record.
type Pipeline struct {
	db          *gorm.DB
	log         *logger.Logger
	sites       repos.TenantSiteRepo
	provisioner *provision.Provisioner
}

func New(db *gorm.DB, baseLog *logger.Logger, sites repos.TenantSiteRepo, provisioner *provision.Provisioner) *Pipeline {
	return &Pipeline{
		db:          db,
		log:         baseLog.With("pipeline", "SiteProvision"),
		sites:       sites,
		provisioner: provisioner,
	}
}

func (p *Pipeline) Type() string { return domain.JobTypeSiteProvision }
