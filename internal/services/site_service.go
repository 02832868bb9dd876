package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/casaforge/casaforge-backend/internal/data/repos"
	"github.com/casaforge/casaforge-backend/internal/domain"
	"github.com/casaforge/casaforge-backend/internal/platform/apierr"
	"github.com/casaforge/casaforge-backend/internal/platform/ctxutil"
	"github.com/casaforge/casaforge-backend/internal/platform/logger"
	"github.com/casaforge/casaforge-backend/internal/provision"
)

// CreateSiteResult is what an accepted provisioning request returns: the
// queued job to poll and the id of the optimistic site row it will build.
type CreateSiteResult struct {
	Job    *domain.JobRun `json:"job"`
	SiteID uuid.UUID      `json:"site_id"`
}

// SiteService owns the tenant site lifecycle: accepting provisioning
// requests (validate, reserve the row, enqueue the job), the read surface,
// and synchronous deletion with a full teardown report.
type SiteService interface {
	CreateSite(ctx context.Context, req *provision.Request) (*CreateSiteResult, error)
	ListSites(ctx context.Context) ([]*domain.TenantSite, error)
	GetSite(ctx context.Context, id uuid.UUID) (*domain.TenantSite, error)
	DeleteSite(ctx context.Context, id uuid.UUID) (*provision.TeardownReport, error)
}

type siteService struct {
	db         *gorm.DB
	log        *logger.Logger
	sites      repos.TenantSiteRepo
	jobs       repos.JobRunRepo
	deleter    *provision.Deleter
	notify     JobNotifier
	baseDomain string
}

func NewSiteService(
	db *gorm.DB,
	baseLog *logger.Logger,
	sites repos.TenantSiteRepo,
	jobs repos.JobRunRepo,
	deleter *provision.Deleter,
	notify JobNotifier,
	baseDomain string,
) SiteService {
	return &siteService{
		db:         db,
		log:        baseLog.With("service", "SiteService"),
		sites:      sites,
		jobs:       jobs,
		deleter:    deleter,
		notify:     notify,
		baseDomain: baseDomain,
	}
}

func (s *siteService) requestUser(ctx context.Context) (*ctxutil.RequestData, error) {
	rd := ctxutil.GetRequestData(ctx)
	if rd == nil || rd.UserID == uuid.Nil {
		return nil, apierr.New(http.StatusUnauthorized, "unauthorized", fmt.Errorf("missing request identity"))
	}
	return rd, nil
}

/*
CreateSite accepts a provisioning request. Acceptance is cheap and
synchronous: validate, derive the deterministic tenant identity, insert the
optimistic creating row (which stakes the first claim on the domain), and
enqueue the site_provision job. All external work happens in the worker.
The response carries the queued job for polling plus the site id.
*/
func (s *siteService) CreateSite(ctx context.Context, req *provision.Request) (*CreateSiteResult, error) {
	rd, err := s.requestUser(ctx)
	if err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, apierr.New(http.StatusBadRequest, "invalid_request", err)
	}

	identity := provision.DeriveTenantIdentity(*req)
	if identity.Domain == "" {
		return nil, apierr.New(http.StatusBadRequest, "invalid_request", fmt.Errorf("no usable domain label in request"))
	}
	fqdn := identity.Domain + "." + s.baseDomain

	// Fast pre-check before inserting; the partial unique index on live
	// domains is the authoritative backstop for races.
	existing, err := s.sites.GetLiveByDomain(ctx, s.db, fqdn)
	if err != nil {
		return nil, apierr.New(http.StatusInternalServerError, "domain_lookup_failed", err)
	}
	if existing != nil {
		return nil, apierr.New(http.StatusConflict, "domain_conflict",
			fmt.Errorf("%w: %s", provision.ErrDomainConflict, fqdn))
	}

	site := &domain.TenantSite{
		OwnerUserID:    rd.UserID,
		WebsiteName:    req.WebsiteName,
		CompanyName:    req.CompanyName,
		ContactEmail:   req.ContactEmail,
		FullName:       req.FullName,
		Domain:         fqdn,
		ThemeID:        req.ThemeID,
		LayoutStyle:    req.LayoutStyle,
		BrandColors:    mustJSON(req.BrandColors),
		Tagline:        req.Tagline,
		AboutText:      req.AboutText,
		PropertyTypes:  mustJSON(req.PropertyTypes),
		IncludedPages:  mustJSON(req.IncludedPages),
		ContactMethods: mustJSON(req.ContactMethods),
		Status:         domain.SiteStatusCreating,
	}
	if _, err := s.sites.Create(ctx, s.db, site); err != nil {
		if isDuplicateKey(err) {
			return nil, apierr.New(http.StatusConflict, "domain_conflict",
				fmt.Errorf("%w: %s", provision.ErrDomainConflict, fqdn))
		}
		return nil, apierr.New(http.StatusInternalServerError, "site_create_failed", err)
	}

	payload, err := json.Marshal(map[string]any{
		"site_id": site.ID.String(),
		"request": req,
	})
	if err != nil {
		return nil, apierr.New(http.StatusInternalServerError, "job_payload_failed", err)
	}
	entityID := site.ID
	job := &domain.JobRun{
		OwnerUserID: rd.UserID,
		JobType:     domain.JobTypeSiteProvision,
		EntityType:  "tenant_site",
		EntityID:    &entityID,
		Status:      domain.JobStatusQueued,
		Stage:       "queued",
		Payload:     datatypes.JSON(payload),
	}
	if _, err := s.jobs.Create(ctx, s.db, job); err != nil {
		// The optimistic row must not survive without its job, or the domain
		// stays claimed by a site nothing will ever build.
		if mErr := s.sites.MarkDeleted(context.WithoutCancel(ctx), s.db, site.ID); mErr != nil {
			s.log.Warn("Failed to roll back orphan site row", "site_id", site.ID, "error", mErr)
		}
		return nil, apierr.New(http.StatusInternalServerError, "job_create_failed", err)
	}

	s.log.Info("Provisioning job accepted",
		"job_id", job.ID,
		"site_id", site.ID,
		"domain", fqdn,
		"owner_user_id", rd.UserID,
	)
	if s.notify != nil {
		s.notify.JobCreated(rd.UserID, job)
	}
	return &CreateSiteResult{Job: job, SiteID: site.ID}, nil
}

func (s *siteService) ListSites(ctx context.Context) ([]*domain.TenantSite, error) {
	rd, err := s.requestUser(ctx)
	if err != nil {
		return nil, err
	}
	sites, err := s.sites.ListByOwner(ctx, s.db, rd.UserID)
	if err != nil {
		return nil, apierr.New(http.StatusInternalServerError, "site_list_failed", err)
	}
	return sites, nil
}

func (s *siteService) GetSite(ctx context.Context, id uuid.UUID) (*domain.TenantSite, error) {
	rd, err := s.requestUser(ctx)
	if err != nil {
		return nil, err
	}
	site, err := s.sites.GetByIDForOwner(ctx, s.db, id, rd.UserID)
	if err != nil {
		return nil, apierr.New(http.StatusInternalServerError, "site_lookup_failed", err)
	}
	if site == nil {
		return nil, apierr.New(http.StatusNotFound, "site_not_found", fmt.Errorf("site %s not found", id))
	}
	return site, nil
}

/*
DeleteSite tears down the site synchronously and returns the per-resource
report. The local row is always marked deleted, even when some external
deletes fail; those failures are visible in the report, not hidden behind a
retry queue. Deleting an already-deleted site is a 404, same as an unknown
id.
*/
func (s *siteService) DeleteSite(ctx context.Context, id uuid.UUID) (*provision.TeardownReport, error) {
	rd, err := s.requestUser(ctx)
	if err != nil {
		return nil, err
	}
	site, err := s.sites.GetByIDForOwner(ctx, s.db, id, rd.UserID)
	if err != nil {
		return nil, apierr.New(http.StatusInternalServerError, "site_lookup_failed", err)
	}
	if site == nil || site.Status == domain.SiteStatusDeleted {
		return nil, apierr.New(http.StatusNotFound, "site_not_found", fmt.Errorf("site %s not found", id))
	}

	report, err := s.deleter.Teardown(ctx, site)
	if err != nil {
		return report, apierr.New(http.StatusInternalServerError, "site_delete_failed", err)
	}
	s.log.Info("Site deleted",
		"site_id", site.ID,
		"domain", site.Domain,
		"all_succeeded", report.AllSucceeded(),
	)
	if s.notify != nil {
		s.notify.SiteDeleted(rd.UserID, site.ID)
	}
	return report, nil
}

func mustJSON(v any) datatypes.JSON {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}

func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "duplicate key")
}
