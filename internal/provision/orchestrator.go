package provision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/casaforge/casaforge-backend/internal/data/repos"
	"github.com/casaforge/casaforge-backend/internal/domain"
	"github.com/casaforge/casaforge-backend/internal/platform/envutil"
	"github.com/casaforge/casaforge-backend/internal/platform/logger"
	"github.com/casaforge/casaforge-backend/internal/provider/atlas"
	"github.com/casaforge/casaforge-backend/internal/provider/github"
	"github.com/casaforge/casaforge-backend/internal/provider/godaddy"
	"github.com/casaforge/casaforge-backend/internal/provider/sendgrid"
	"github.com/casaforge/casaforge-backend/internal/provider/vercel"
	"github.com/casaforge/casaforge-backend/internal/sitegen"
)

// ProgressRecorder is how the orchestrator reports step transitions. The
// job runtime implements it against the job_run row; tests implement it
// in memory. Every call is persisted before the next step starts, so a
// concurrent status reader always sees a consistent snapshot.
type ProgressRecorder interface {
	StepStart(name string)
	StepComplete(name string, result map[string]any)
	StepFail(name string, err error)
}

// SiteGenerator materializes a theme working copy. Satisfied by
// *sitegen.Generator.
type SiteGenerator interface {
	Generate(in sitegen.Input) (*sitegen.Output, error)
}

// Adapters bundles one client per external system the pipeline touches.
type Adapters struct {
	Databases atlas.Client
	Repos     github.Client
	Hosting   vercel.Client
	DNS       godaddy.Client
	Mail      sendgrid.Client
}

type Config struct {
	// BaseDomain is the platform domain tenant subdomains live under.
	BaseDomain string
	// RepoOwner is the source-control org every tenant repo is created in.
	RepoOwner string
	// DeployTimeout bounds the hosting build wait (step 5).
	DeployTimeout time.Duration
	// BuildRetries is how many times a failed build is re-triggered before
	// the step is fatal. Only build failures retry; everything else is
	// surfaced immediately.
	BuildRetries int
	// WelcomeTemplateID is the transactional template for the ready email.
	WelcomeTemplateID string
}

func ConfigFromEnv() Config {
	return Config{
		BaseDomain:        envutil.String("PLATFORM_BASE_DOMAIN", ""),
		RepoOwner:         envutil.String("GITHUB_ORG", ""),
		DeployTimeout:     envutil.Seconds("DEPLOY_TIMEOUT_SECONDS", 10*time.Minute),
		BuildRetries:      envutil.Int("DEPLOY_BUILD_RETRIES", 2),
		WelcomeTemplateID: envutil.String("SENDGRID_WELCOME_TEMPLATE_ID", ""),
	}
}

// Provisioner drives the fixed seven-step pipeline for one request.
// Failure policy is forward-only: a failed step aborts the job and leaves
// every already-created resource in place, with its identifiers recorded
// in the step results so teardown (or an operator) can find them later.
type Provisioner struct {
	log          *logger.Logger
	db           *gorm.DB
	sites        repos.TenantSiteRepo
	reservations *ReservationSet
	generator    SiteGenerator
	adapters     Adapters
	cfg          Config
}

func NewProvisioner(
	db *gorm.DB,
	baseLog *logger.Logger,
	sites repos.TenantSiteRepo,
	reservations *ReservationSet,
	generator SiteGenerator,
	adapters Adapters,
	cfg Config,
) *Provisioner {
	return &Provisioner{
		log:          baseLog.With("component", "Provisioner"),
		db:           db,
		sites:        sites,
		reservations: reservations,
		generator:    generator,
		adapters:     adapters,
		cfg:          cfg,
	}
}

// Result references everything a successful run created.
type Result struct {
	SiteID           uuid.UUID `json:"site_id"`
	Domain           string    `json:"domain"`
	DBName           string    `json:"db_name"`
	RepoURL          string    `json:"repo_url"`
	DeploymentURL    string    `json:"deployment_url"`
	DNSRecordID      string    `json:"dns_record_id"`
	NotificationSent bool      `json:"notification_sent"`
}

// Run executes the pipeline for one accepted request against its
// optimistic TenantSite row. ownerToken identifies this attempt in the
// reservation set (the job id, so crash-and-retry passes its own
// reservation). On error the returned *StepError names the failing step;
// the site row is marked failed, never silently left in creating.
func (p *Provisioner) Run(ctx context.Context, req Request, site *domain.TenantSite, ownerToken string, rec ProgressRecorder) (*Result, *StepError) {
	identity := DeriveTenantIdentity(req)
	fqdn := identity.Domain + "." + p.cfg.BaseDomain

	result := &Result{SiteID: site.ID, Domain: fqdn, DBName: identity.DBName}

	// Step 1: reserve-domain. Purely local, cheapest failure first.
	rec.StepStart(StepReserveDomain)
	if err := p.reserveDomain(ctx, fqdn, ownerToken, site.ID); err != nil {
		rec.StepFail(StepReserveDomain, err)
		p.markSiteFailed(ctx, site.ID)
		return nil, stepErr(StepReserveDomain, err)
	}
	defer func() {
		// Reservation is released whichever terminal state the job reaches;
		// a confirmed site is protected by the tenant_site uniqueness check
		// from then on.
		if rErr := p.reservations.Release(context.WithoutCancel(ctx), fqdn, ownerToken); rErr != nil {
			p.log.Warn("Failed to release domain reservation", "domain", fqdn, "error", rErr)
		}
	}()
	rec.StepComplete(StepReserveDomain, map[string]any{"domain": fqdn})

	// Step 2: create-database.
	rec.StepStart(StepCreateDatabase)
	tenantDB, err := p.adapters.Databases.CreateTenantDatabase(ctx, identity.DBName)
	if err != nil {
		rec.StepFail(StepCreateDatabase, err)
		p.markSiteFailed(ctx, site.ID)
		// The database, if it was created, is left for inspection: an
		// isolated empty database is low-risk and diagnosable.
		return nil, stepErr(StepCreateDatabase, err)
	}
	rec.StepComplete(StepCreateDatabase, map[string]any{
		"db_name":     tenantDB.DBName,
		"db_uri":      tenantDB.ConnectionURI,
		"collections": tenantDB.Collections,
	})

	// Step 3: generate-template.
	rec.StepStart(StepGenerateSite)
	generated, err := p.generator.Generate(sitegen.Input{
		ThemeID:        req.ThemeID,
		WebsiteName:    req.WebsiteName,
		CompanyName:    req.CompanyName,
		Tagline:        req.Tagline,
		AboutText:      req.AboutText,
		LayoutStyle:    req.LayoutStyle,
		BrandColors:    req.BrandColors,
		IncludedPages:  req.IncludedPages,
		PropertyTypes:  req.PropertyTypes,
		ContactMethods: req.ContactMethods,
		ContactEmail:   req.ContactEmail,
		DatabaseName:   tenantDB.DBName,
		DatabaseURI:    tenantDB.ConnectionURI,
	})
	if err != nil {
		rec.StepFail(StepGenerateSite, err)
		p.markSiteFailed(ctx, site.ID)
		return nil, stepErr(StepGenerateSite, err)
	}
	rec.StepComplete(StepGenerateSite, map[string]any{
		"path":       generated.Path,
		"file_count": generated.FileCount,
	})

	// Step 4: create-repository.
	rec.StepStart(StepCreateRepo)
	repo, err := p.createRepository(ctx, identity, generated.Files)
	if err != nil {
		rec.StepFail(StepCreateRepo, err)
		p.markSiteFailed(ctx, site.ID)
		return nil, stepErr(StepCreateRepo, err)
	}
	result.RepoURL = repo.URL
	rec.StepComplete(StepCreateRepo, map[string]any{
		"repo_url":       repo.URL,
		"repo_owner":     repo.Owner,
		"repo_name":      repo.Name,
		"default_branch": repo.DefaultBranch,
	})

	// Step 5: create-hosting-deployment.
	rec.StepStart(StepCreateHosting)
	project, deployment, err := p.createHostingDeployment(ctx, identity, repo, tenantDB)
	if err != nil {
		if project != nil {
			// The project exists even though the build failed; record it so
			// teardown can delete it.
			rec.StepFail(StepCreateHosting, fmt.Errorf("project %s: %w", project.ProjectID, err))
		} else {
			rec.StepFail(StepCreateHosting, err)
		}
		p.markSiteFailed(ctx, site.ID)
		return nil, stepErr(StepCreateHosting, err)
	}
	result.DeploymentURL = deployment.DeploymentURL
	rec.StepComplete(StepCreateHosting, map[string]any{
		"project_id":     project.ProjectID,
		"deployment_url": deployment.DeploymentURL,
		"state":          deployment.State,
	})

	// Step 6: bind-subdomain.
	rec.StepStart(StepBindSubdomain)
	record, err := p.adapters.DNS.CreateRecord(ctx, identity.Domain, deployment.DeploymentURL)
	if err != nil {
		rec.StepFail(StepBindSubdomain, err)
		p.markSiteFailed(ctx, site.ID)
		return nil, stepErr(StepBindSubdomain, err)
	}
	result.DNSRecordID = record.RecordID
	rec.StepComplete(StepBindSubdomain, map[string]any{
		"record_id": record.RecordID,
		"fqdn":      record.FQDN,
	})

	// Step 7: finalize. Persist the durable record first, then notify.
	rec.StepStart(StepFinalize)
	updates := map[string]interface{}{
		"status":            domain.SiteStatusActive,
		"domain":            fqdn,
		"db_name":           tenantDB.DBName,
		"db_uri":            tenantDB.ConnectionURI,
		"repo_url":          repo.URL,
		"repo_owner":        repo.Owner,
		"repo_name":         repo.Name,
		"vercel_project_id": project.ProjectID,
		"deployment_url":    deployment.DeploymentURL,
		"dns_record_id":     record.RecordID,
	}
	if err := p.sites.UpdateFields(ctx, p.db, site.ID, updates); err != nil {
		rec.StepFail(StepFinalize, err)
		p.markSiteFailed(ctx, site.ID)
		return nil, stepErr(StepFinalize, err)
	}

	result.NotificationSent = p.sendWelcome(ctx, req, result)
	rec.StepComplete(StepFinalize, map[string]any{
		"tenant_site_id":    site.ID.String(),
		"notification_sent": result.NotificationSent,
	})

	return result, nil
}

// reserveDomain treats the reservation set and the confirmed tenant_site
// rows as one logical reservation. The optimistic row for this very job is
// excluded from the conflict check.
func (p *Provisioner) reserveDomain(ctx context.Context, fqdn, ownerToken string, selfSiteID uuid.UUID) error {
	existing, err := p.sites.GetLiveByDomain(ctx, p.db, fqdn)
	if err != nil {
		return err
	}
	if existing != nil && existing.ID != selfSiteID {
		return fmt.Errorf("%w: %s", ErrDomainConflict, fqdn)
	}
	ok, err := p.reservations.Reserve(ctx, fqdn, ownerToken)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrDomainConflict, fqdn)
	}
	return nil
}

// createRepository tolerates a name collision only when the existing repo
// is verifiably this attempt's own: it must live under the platform org
// with this attempt's deterministic name.
func (p *Provisioner) createRepository(ctx context.Context, identity TenantIdentity, files map[string][]byte) (*github.Repository, error) {
	repo, err := p.adapters.Repos.CreateRepository(ctx, identity.RepoName, files)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, github.ErrRepoExists) {
		return nil, err
	}
	p.log.Info("Repository already exists, resuming earlier attempt", "repo", identity.RepoName)
	existing, gErr := p.adapters.Repos.GetRepository(ctx, p.cfg.RepoOwner, identity.RepoName)
	if gErr != nil {
		return nil, fmt.Errorf("repo name taken and not readable as ours: %w", gErr)
	}
	return existing, nil
}

func (p *Provisioner) createHostingDeployment(ctx context.Context, identity TenantIdentity, repo *github.Repository, tenantDB *atlas.TenantDatabase) (*vercel.Project, *vercel.Deployment, error) {
	envVars := map[string]string{
		"DATABASE_NAME": tenantDB.DBName,
		"DATABASE_URL":  tenantDB.ConnectionURI,
		"SITE_DOMAIN":   identity.Domain + "." + p.cfg.BaseDomain,
	}
	project, err := p.adapters.Hosting.CreateProject(ctx, identity.ProjectName, repo.Owner+"/"+repo.Name, envVars)
	if err != nil {
		if !errors.Is(err, vercel.ErrProjectExists) {
			return nil, nil, err
		}
		p.log.Info("Hosting project already exists, resuming earlier attempt", "project", identity.ProjectName)
		project, err = p.adapters.Hosting.GetProjectByName(ctx, identity.ProjectName)
		if err != nil {
			return nil, nil, fmt.Errorf("project name taken and not readable as ours: %w", err)
		}
	}

	deployment, err := p.awaitBuild(ctx, project.ProjectID)
	if err != nil {
		return project, nil, err
	}
	return project, deployment, nil
}

// awaitBuild waits for the build with a bounded number of re-triggers on
// build failure. Timeouts are not retried: the build may still complete
// later, and retrying would stack another full wait on top.
func (p *Provisioner) awaitBuild(ctx context.Context, projectID string) (*vercel.Deployment, error) {
	var lastErr error
	for attempt := 0; attempt <= p.cfg.BuildRetries; attempt++ {
		deployment, err := p.adapters.Hosting.AwaitDeploymentReady(ctx, projectID, p.cfg.DeployTimeout)
		if err == nil {
			return deployment, nil
		}
		lastErr = err
		if errors.Is(err, vercel.ErrDeploymentTimeout) || ctx.Err() != nil {
			return nil, err
		}
		if attempt == p.cfg.BuildRetries {
			break
		}
		p.log.Warn("Build failed, re-triggering deploy",
			"project_id", projectID,
			"attempt", attempt+1,
			"error", err.Error(),
		)
		hook, hErr := p.adapters.Hosting.CreateDeployHook(ctx, projectID, "provision-retry")
		if hErr != nil {
			return nil, fmt.Errorf("build failed and redeploy hook unavailable: %w", lastErr)
		}
		if tErr := p.adapters.Hosting.TriggerDeployHook(ctx, hook.URL); tErr != nil {
			return nil, fmt.Errorf("build failed and redeploy trigger failed: %w", lastErr)
		}
	}
	return nil, lastErr
}

// sendWelcome never fails the pipeline. A tenant with a live site and a
// missing email is a support ticket, not a failed provisioning run.
func (p *Provisioner) sendWelcome(ctx context.Context, req Request, result *Result) bool {
	if p.adapters.Mail == nil || p.cfg.WelcomeTemplateID == "" {
		return false
	}
	_, err := p.adapters.Mail.SendTemplatedEmail(ctx, p.cfg.WelcomeTemplateID,
		sendgrid.EmailAddress{Email: req.ContactEmail, Name: req.FullName},
		map[string]any{
			"full_name":    req.FullName,
			"company_name": req.CompanyName,
			"site_url":     "https://" + result.Domain,
		},
	)
	if err != nil {
		p.log.Warn("Welcome email failed", "error", err.Error())
		return false
	}
	return true
}

func (p *Provisioner) markSiteFailed(ctx context.Context, siteID uuid.UUID) {
	// Only flip creating -> failed; a re-run against an already-active site
	// must not regress it.
	err := p.db.WithContext(context.WithoutCancel(ctx)).
		Model(&domain.TenantSite{}).
		Where("id = ? AND status = ?", siteID, domain.SiteStatusCreating).
		Update("status", domain.SiteStatusFailed).Error
	if err != nil {
		p.log.Warn("Failed to mark site failed", "site_id", siteID, "error", err)
	}
}
