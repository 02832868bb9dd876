package provision

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/casaforge/casaforge-backend/internal/data/repos"
	"github.com/casaforge/casaforge-backend/internal/domain"
	"github.com/casaforge/casaforge-backend/internal/platform/logger"
	"github.com/casaforge/casaforge-backend/internal/provider/atlas"
	"github.com/casaforge/casaforge-backend/internal/provider/github"
	"github.com/casaforge/casaforge-backend/internal/provider/godaddy"
	"github.com/casaforge/casaforge-backend/internal/provider/sendgrid"
	"github.com/casaforge/casaforge-backend/internal/provider/vercel"
	"github.com/casaforge/casaforge-backend/internal/sitegen"
)

const tenantSiteDDL = `CREATE TABLE tenant_site (
	id TEXT PRIMARY KEY,
	owner_user_id TEXT,
	website_name TEXT,
	company_name TEXT,
	contact_email TEXT,
	full_name TEXT,
	domain TEXT,
	db_name TEXT,
	db_uri TEXT,
	repo_url TEXT,
	repo_owner TEXT,
	repo_name TEXT,
	vercel_project_id TEXT,
	deployment_url TEXT,
	dns_record_id TEXT,
	theme_id TEXT,
	layout_style TEXT,
	brand_colors TEXT,
	tagline TEXT,
	about_text TEXT,
	property_types TEXT,
	included_pages TEXT,
	contact_methods TEXT,
	status TEXT,
	created_at DATETIME,
	updated_at DATETIME,
	deleted_at DATETIME
)`

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.Exec(tenantSiteDDL).Error; err != nil {
		t.Fatalf("create tenant_site: %v", err)
	}
	return db
}

func seedSite(t *testing.T, db *gorm.DB, sitesRepo repos.TenantSiteRepo, ownerID uuid.UUID, status string) *domain.TenantSite {
	t.Helper()
	site := &domain.TenantSite{
		ID:           uuid.New(),
		OwnerUserID:  ownerID,
		WebsiteName:  "Acme Realty",
		CompanyName:  "Acme Realty LLC",
		ContactEmail: "jane@acme.com",
		FullName:     "Jane Smith",
		Status:       status,
	}
	if _, err := sitesRepo.Create(context.Background(), db, site); err != nil {
		t.Fatalf("seed site: %v", err)
	}
	return site
}

func testRequest() Request {
	return Request{
		WebsiteName:    "Acme Realty",
		DomainSlug:     "acme-realty",
		CompanyName:    "Acme Realty LLC",
		ContactEmail:   "jane@acme.com",
		FullName:       "Jane Smith",
		ThemeID:        "modern",
		LayoutStyle:    "grid",
		BrandColors:    []string{"#102030", "#405060"},
		Tagline:        "Homes that fit",
		AboutText:      "A family-run brokerage serving the metro area.",
		PropertyTypes:  []string{"house", "condo"},
		IncludedPages:  []string{"home", "listings"},
		ContactMethods: []string{"email"},
	}
}

// --- fakes ---

type fakeGenerator struct {
	err   error
	calls int
}

func (g *fakeGenerator) Generate(in sitegen.Input) (*sitegen.Output, error) {
	g.calls++
	if g.err != nil {
		return nil, g.err
	}
	return &sitegen.Output{
		Path:      "/tmp/site-work",
		FileCount: 2,
		Files: map[string][]byte{
			"index.html":       []byte("<h1>" + in.CompanyName + "</h1>"),
			"site.config.json": []byte("{}"),
		},
	}, nil
}

type fakeAtlas struct {
	createErr error
	dropErr   error
	dropped   []string
}

func (a *fakeAtlas) CreateTenantDatabase(ctx context.Context, name string) (*atlas.TenantDatabase, error) {
	if a.createErr != nil {
		return nil, a.createErr
	}
	return &atlas.TenantDatabase{
		DBName:        name,
		ConnectionURI: "mongodb+srv://cluster/" + name,
		Collections:   []string{"properties"},
	}, nil
}

func (a *fakeAtlas) GetTenantDatabase(ctx context.Context, name string) (*atlas.TenantDatabase, error) {
	return &atlas.TenantDatabase{DBName: name, ConnectionURI: "mongodb+srv://cluster/" + name}, nil
}

func (a *fakeAtlas) DropTenantDatabase(ctx context.Context, name string) error {
	a.dropped = append(a.dropped, name)
	return a.dropErr
}

type fakeGithub struct {
	createErr   error
	deleteErr   error
	getErr      error
	createCalls int
	deleted     []string
}

func (g *fakeGithub) repo(name string) *github.Repository {
	return &github.Repository{
		URL:           "https://github.com/casaforge-sites/" + name,
		Owner:         "casaforge-sites",
		Name:          name,
		DefaultBranch: "main",
	}
}

func (g *fakeGithub) CreateRepository(ctx context.Context, name string, initialFiles map[string][]byte) (*github.Repository, error) {
	g.createCalls++
	if g.createErr != nil {
		return nil, g.createErr
	}
	return g.repo(name), nil
}

func (g *fakeGithub) GetRepository(ctx context.Context, owner, name string) (*github.Repository, error) {
	if g.getErr != nil {
		return nil, g.getErr
	}
	return g.repo(name), nil
}

func (g *fakeGithub) DeleteRepository(ctx context.Context, owner, name string) error {
	g.deleted = append(g.deleted, owner+"/"+name)
	return g.deleteErr
}

type fakeVercel struct {
	createErr     error
	awaitErrs     []error // consumed per AwaitDeploymentReady call
	deleteErr     error
	hookErr       error
	triggerErr    error
	awaitCalls    int
	triggerCalls  int
	deletedIDs    []string
}

func (v *fakeVercel) project(name string) *vercel.Project {
	return &vercel.Project{ProjectID: "prj_" + name, Name: name}
}

func (v *fakeVercel) CreateProject(ctx context.Context, name, repoFullName string, envVars map[string]string) (*vercel.Project, error) {
	if v.createErr != nil {
		return nil, v.createErr
	}
	return v.project(name), nil
}

func (v *fakeVercel) GetProjectByName(ctx context.Context, name string) (*vercel.Project, error) {
	return v.project(name), nil
}

func (v *fakeVercel) AwaitDeploymentReady(ctx context.Context, projectID string, timeout time.Duration) (*vercel.Deployment, error) {
	idx := v.awaitCalls
	v.awaitCalls++
	if idx < len(v.awaitErrs) && v.awaitErrs[idx] != nil {
		return nil, v.awaitErrs[idx]
	}
	return &vercel.Deployment{DeploymentURL: projectID + ".vercel.app", State: "READY"}, nil
}

func (v *fakeVercel) DeleteProject(ctx context.Context, projectID string) error {
	v.deletedIDs = append(v.deletedIDs, projectID)
	return v.deleteErr
}

func (v *fakeVercel) CreateDeployHook(ctx context.Context, projectID, hookName string) (*vercel.DeployHook, error) {
	if v.hookErr != nil {
		return nil, v.hookErr
	}
	return &vercel.DeployHook{ID: "hook_1", URL: "https://hooks.vercel.test/1"}, nil
}

func (v *fakeVercel) TriggerDeployHook(ctx context.Context, hookURL string) error {
	v.triggerCalls++
	return v.triggerErr
}

type fakeDNS struct {
	createErr error
	deleteErr error
	deleted   []string
}

func (d *fakeDNS) CheckAvailability(ctx context.Context, domainName string) (*godaddy.Availability, error) {
	return &godaddy.Availability{Domain: domainName, Available: true}, nil
}

func (d *fakeDNS) CreateRecord(ctx context.Context, subdomain, target string) (*godaddy.Record, error) {
	if d.createErr != nil {
		return nil, d.createErr
	}
	return &godaddy.Record{
		RecordID:  "CNAME:" + subdomain,
		Subdomain: subdomain,
		FQDN:      subdomain + ".casaforge.site",
		Target:    target,
	}, nil
}

func (d *fakeDNS) DeleteRecord(ctx context.Context, recordID string) error {
	d.deleted = append(d.deleted, recordID)
	return d.deleteErr
}

func (d *fakeDNS) PurchaseDomain(ctx context.Context, domainName string, registrant godaddy.Registrant) (*godaddy.Purchase, error) {
	return &godaddy.Purchase{Domain: domainName, OrderID: 1}, nil
}

type fakeMail struct {
	err  error
	sent int
}

func (m *fakeMail) SendTemplatedEmail(ctx context.Context, templateID string, recipient sendgrid.EmailAddress, variables map[string]any) (*sendgrid.SendEmailResult, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.sent++
	return &sendgrid.SendEmailResult{Sent: true, StatusCode: 202, MessageID: "msg-1"}, nil
}

type stepRecord struct {
	status string
	result map[string]any
	err    error
}

type fakeRecorder struct {
	order []string
	steps map[string]*stepRecord
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{steps: map[string]*stepRecord{}}
}

func (r *fakeRecorder) get(name string) *stepRecord {
	s, ok := r.steps[name]
	if !ok {
		s = &stepRecord{}
		r.steps[name] = s
		r.order = append(r.order, name)
	}
	return s
}

func (r *fakeRecorder) StepStart(name string) { r.get(name).status = "in_progress" }

func (r *fakeRecorder) StepComplete(name string, result map[string]any) {
	s := r.get(name)
	s.status = "completed"
	s.result = result
}

func (r *fakeRecorder) StepFail(name string, err error) {
	s := r.get(name)
	s.status = "failed"
	s.err = err
}

type testEnv struct {
	db       *gorm.DB
	log      *logger.Logger
	sites    repos.TenantSiteRepo
	rs       *ReservationSet
	gen      *fakeGenerator
	atlas    *fakeAtlas
	github   *fakeGithub
	vercel   *fakeVercel
	dns      *fakeDNS
	mail     *fakeMail
	adapters Adapters
	cfg      Config
	prov     *Provisioner
	deleter  *Deleter
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := testLogger(t)
	db := newTestDB(t)
	sites := repos.NewTenantSiteRepo(db, log)

	env := &testEnv{
		db:     db,
		log:    log,
		sites:  sites,
		rs:     testReservations(t),
		gen:    &fakeGenerator{},
		atlas:  &fakeAtlas{},
		github: &fakeGithub{},
		vercel: &fakeVercel{},
		dns:    &fakeDNS{},
		mail:   &fakeMail{},
	}
	env.adapters = Adapters{
		Databases: env.atlas,
		Repos:     env.github,
		Hosting:   env.vercel,
		DNS:       env.dns,
		Mail:      env.mail,
	}
	env.cfg = Config{
		BaseDomain:        "casaforge.site",
		RepoOwner:         "casaforge-sites",
		DeployTimeout:     time.Second,
		BuildRetries:      1,
		WelcomeTemplateID: "tmpl-welcome",
	}
	env.prov = NewProvisioner(db, log, sites, env.rs, env.gen, env.adapters, env.cfg)
	env.deleter = NewDeleter(db, log, sites, env.adapters)
	return env
}

// --- tests ---

func TestRunHappyPath(t *testing.T) {
	env := newTestEnv(t)
	owner := uuid.New()
	site := seedSite(t, env.db, env.sites, owner, domain.SiteStatusCreating)
	rec := newFakeRecorder()

	result, stepErr := env.prov.Run(context.Background(), testRequest(), site, "job-1", rec)
	if stepErr != nil {
		t.Fatalf("Run failed at %s: %v", stepErr.Step, stepErr.Err)
	}
	if result.Domain != "acme-realty.casaforge.site" {
		t.Fatalf("unexpected domain %q", result.Domain)
	}
	if result.DBName != "tenant_acme_realty" {
		t.Fatalf("unexpected db name %q", result.DBName)
	}
	if !result.NotificationSent {
		t.Fatalf("expected welcome notification to be sent")
	}

	for _, name := range StepOrder() {
		s, ok := rec.steps[name]
		if !ok || s.status != "completed" {
			t.Fatalf("step %s not completed: %+v", name, s)
		}
	}

	got, err := env.sites.GetByID(context.Background(), env.db, site.ID)
	if err != nil || got == nil {
		t.Fatalf("reload site: %v", err)
	}
	if got.Status != domain.SiteStatusActive {
		t.Fatalf("expected site active, got %q", got.Status)
	}
	if got.Domain != "acme-realty.casaforge.site" || got.VercelProjectID == "" || got.DNSRecordID == "" || got.RepoURL == "" {
		t.Fatalf("site row missing resource fields: %+v", got)
	}

	// Reservation must be released once the run is terminal.
	if ok, _ := env.rs.Reserve(context.Background(), "acme-realty.casaforge.site", "someone-else"); !ok {
		t.Fatalf("reservation should be released after a successful run")
	}
}

func TestRunDomainConflict(t *testing.T) {
	env := newTestEnv(t)
	owner := uuid.New()

	holder := seedSite(t, env.db, env.sites, uuid.New(), domain.SiteStatusActive)
	if err := env.sites.UpdateFields(context.Background(), env.db, holder.ID, map[string]interface{}{
		"domain": "acme-realty.casaforge.site",
	}); err != nil {
		t.Fatalf("set holder domain: %v", err)
	}

	site := seedSite(t, env.db, env.sites, owner, domain.SiteStatusCreating)
	rec := newFakeRecorder()
	_, stepErr := env.prov.Run(context.Background(), testRequest(), site, "job-2", rec)
	if stepErr == nil {
		t.Fatalf("expected conflict failure")
	}
	if stepErr.Step != StepReserveDomain {
		t.Fatalf("expected failure at %s, got %s", StepReserveDomain, stepErr.Step)
	}
	if !errors.Is(stepErr.Err, ErrDomainConflict) {
		t.Fatalf("expected ErrDomainConflict, got %v", stepErr.Err)
	}

	got, _ := env.sites.GetByID(context.Background(), env.db, site.ID)
	if got.Status != domain.SiteStatusFailed {
		t.Fatalf("expected site failed, got %q", got.Status)
	}
}

func TestRunReservationConflict(t *testing.T) {
	env := newTestEnv(t)
	site := seedSite(t, env.db, env.sites, uuid.New(), domain.SiteStatusCreating)

	if ok, _ := env.rs.Reserve(context.Background(), "acme-realty.casaforge.site", "other-job"); !ok {
		t.Fatalf("pre-reserve failed")
	}
	rec := newFakeRecorder()
	_, stepErr := env.prov.Run(context.Background(), testRequest(), site, "job-3", rec)
	if stepErr == nil || stepErr.Step != StepReserveDomain || !errors.Is(stepErr.Err, ErrDomainConflict) {
		t.Fatalf("expected reservation conflict at %s, got %v", StepReserveDomain, stepErr)
	}
}

func TestRunHostingFailureRecordsEarlierResources(t *testing.T) {
	env := newTestEnv(t)
	site := seedSite(t, env.db, env.sites, uuid.New(), domain.SiteStatusCreating)

	buildErr := fmt.Errorf("deployment entered state ERROR")
	// Both the first attempt and the single retry fail.
	env.vercel.awaitErrs = []error{buildErr, buildErr}

	rec := newFakeRecorder()
	_, stepErr := env.prov.Run(context.Background(), testRequest(), site, "job-4", rec)
	if stepErr == nil || stepErr.Step != StepCreateHosting {
		t.Fatalf("expected failure at %s, got %v", StepCreateHosting, stepErr)
	}
	if env.vercel.triggerCalls != 1 {
		t.Fatalf("expected exactly one redeploy trigger, got %d", env.vercel.triggerCalls)
	}

	// The completed steps keep the external identifiers for later teardown.
	repoStep := rec.steps[StepCreateRepo]
	if repoStep == nil || repoStep.status != "completed" || repoStep.result["repo_url"] == "" {
		t.Fatalf("repo step result missing: %+v", repoStep)
	}
	dbStep := rec.steps[StepCreateDatabase]
	if dbStep == nil || dbStep.result["db_name"] != "tenant_acme_realty" {
		t.Fatalf("database step result missing: %+v", dbStep)
	}

	got, _ := env.sites.GetByID(context.Background(), env.db, site.ID)
	if got.Status != domain.SiteStatusFailed {
		t.Fatalf("expected site failed, got %q", got.Status)
	}
	// Reservation released even on failure.
	if ok, _ := env.rs.Reserve(context.Background(), "acme-realty.casaforge.site", "someone-else"); !ok {
		t.Fatalf("reservation should be released after a failed run")
	}
}

func TestRunBuildRetrySucceeds(t *testing.T) {
	env := newTestEnv(t)
	site := seedSite(t, env.db, env.sites, uuid.New(), domain.SiteStatusCreating)

	env.vercel.awaitErrs = []error{fmt.Errorf("deployment entered state ERROR"), nil}

	rec := newFakeRecorder()
	result, stepErr := env.prov.Run(context.Background(), testRequest(), site, "job-5", rec)
	if stepErr != nil {
		t.Fatalf("expected retry to recover, failed at %s: %v", stepErr.Step, stepErr.Err)
	}
	if env.vercel.triggerCalls != 1 {
		t.Fatalf("expected one redeploy trigger, got %d", env.vercel.triggerCalls)
	}
	if result.DeploymentURL == "" {
		t.Fatalf("missing deployment url")
	}
}

func TestRunTimeoutIsNotRetried(t *testing.T) {
	env := newTestEnv(t)
	site := seedSite(t, env.db, env.sites, uuid.New(), domain.SiteStatusCreating)

	env.vercel.awaitErrs = []error{vercel.ErrDeploymentTimeout}

	rec := newFakeRecorder()
	_, stepErr := env.prov.Run(context.Background(), testRequest(), site, "job-6", rec)
	if stepErr == nil || stepErr.Step != StepCreateHosting {
		t.Fatalf("expected hosting failure, got %v", stepErr)
	}
	if env.vercel.triggerCalls != 0 {
		t.Fatalf("timeout must not trigger a redeploy, got %d triggers", env.vercel.triggerCalls)
	}
}

func TestRunNotificationFailureDoesNotFailJob(t *testing.T) {
	env := newTestEnv(t)
	site := seedSite(t, env.db, env.sites, uuid.New(), domain.SiteStatusCreating)
	env.mail.err = fmt.Errorf("sendgrid http 500: upstream busy")

	rec := newFakeRecorder()
	result, stepErr := env.prov.Run(context.Background(), testRequest(), site, "job-7", rec)
	if stepErr != nil {
		t.Fatalf("notification failure must not fail the run: %v", stepErr)
	}
	if result.NotificationSent {
		t.Fatalf("expected NotificationSent=false")
	}
	if s := rec.steps[StepFinalize]; s == nil || s.status != "completed" {
		t.Fatalf("finalize step should complete: %+v", s)
	}
	got, _ := env.sites.GetByID(context.Background(), env.db, site.ID)
	if got.Status != domain.SiteStatusActive {
		t.Fatalf("expected site active, got %q", got.Status)
	}
}

// brokenWriteSites simulates the durable store rejecting the final update
// while reads still work.
type brokenWriteSites struct {
	repos.TenantSiteRepo
	err error
}

func (s *brokenWriteSites) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
	return s.err
}

func TestRunFinalizePersistFailureMarksSiteFailed(t *testing.T) {
	env := newTestEnv(t)
	site := seedSite(t, env.db, env.sites, uuid.New(), domain.SiteStatusCreating)

	broken := &brokenWriteSites{TenantSiteRepo: env.sites, err: fmt.Errorf("connection reset by peer")}
	prov := NewProvisioner(env.db, env.log, broken, env.rs, env.gen, env.adapters, env.cfg)

	rec := newFakeRecorder()
	_, stepErr := prov.Run(context.Background(), testRequest(), site, "job-9", rec)
	if stepErr == nil || stepErr.Step != StepFinalize {
		t.Fatalf("expected failure at %s, got %v", StepFinalize, stepErr)
	}

	// The row must not be stranded in creating: it would keep the domain
	// blocked with no teardown path.
	got, _ := env.sites.GetByID(context.Background(), env.db, site.ID)
	if got.Status != domain.SiteStatusFailed {
		t.Fatalf("expected site failed, got %q", got.Status)
	}
	if s := rec.steps[StepFinalize]; s == nil || s.status != "failed" {
		t.Fatalf("finalize step should be failed: %+v", s)
	}
	if ok, _ := env.rs.Reserve(context.Background(), "acme-realty.casaforge.site", "someone-else"); !ok {
		t.Fatalf("reservation should be released after a failed run")
	}
}

func TestRunIdempotentRerunResolvesExistingResources(t *testing.T) {
	env := newTestEnv(t)
	site := seedSite(t, env.db, env.sites, uuid.New(), domain.SiteStatusCreating)

	// The earlier attempt already created the repo and the hosting project.
	env.github.createErr = github.ErrRepoExists
	env.vercel.createErr = vercel.ErrProjectExists

	// Its reservation is still held by the same job token.
	if ok, _ := env.rs.Reserve(context.Background(), "acme-realty.casaforge.site", "job-8"); !ok {
		t.Fatalf("pre-reserve failed")
	}

	rec := newFakeRecorder()
	result, stepErr := env.prov.Run(context.Background(), testRequest(), site, "job-8", rec)
	if stepErr != nil {
		t.Fatalf("re-run should resolve existing resources, failed at %s: %v", stepErr.Step, stepErr.Err)
	}
	if result.RepoURL != "https://github.com/casaforge-sites/site-acme-realty" {
		t.Fatalf("unexpected repo url %q", result.RepoURL)
	}
	got, _ := env.sites.GetByID(context.Background(), env.db, site.ID)
	if got.Status != domain.SiteStatusActive {
		t.Fatalf("expected site active, got %q", got.Status)
	}
}
