package provision

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/casaforge/casaforge-backend/internal/data/repos"
	"github.com/casaforge/casaforge-backend/internal/domain"
	"github.com/casaforge/casaforge-backend/internal/platform/httpx"
	"github.com/casaforge/casaforge-backend/internal/platform/logger"
)

// TeardownOutcome is one resource's result inside a teardown report.
// A resource that was already absent externally counts as succeeded.
type TeardownOutcome struct {
	Resource  string `json:"resource"`
	Attempted bool   `json:"attempted"`
	Succeeded bool   `json:"succeeded"`
	Note      string `json:"note,omitempty"`
	Error     string `json:"error,omitempty"`
}

// TeardownReport aggregates the per-resource outcomes of one deletion.
type TeardownReport struct {
	SiteID   string            `json:"site_id"`
	Deleted  bool              `json:"deleted"`
	Outcomes []TeardownOutcome `json:"outcomes"`
}

func (r *TeardownReport) AllSucceeded() bool {
	for _, o := range r.Outcomes {
		if o.Attempted && !o.Succeeded {
			return false
		}
	}
	return true
}

// Deleter tears down every external resource a provisioning run may have
// created, working only from the stored TenantSite record. Deletion is
// best-effort externally but always terminal locally: the row is marked
// deleted no matter how many external deletes failed, because a dangling
// external resource is an operational cost while a tenant stuck in limbo
// is a user-facing one.
type Deleter struct {
	log      *logger.Logger
	db       *gorm.DB
	sites    repos.TenantSiteRepo
	adapters Adapters
}

func NewDeleter(db *gorm.DB, baseLog *logger.Logger, sites repos.TenantSiteRepo, adapters Adapters) *Deleter {
	return &Deleter{
		log:      baseLog.With("component", "Deleter"),
		db:       db,
		sites:    sites,
		adapters: adapters,
	}
}

// Teardown deletes the site's external resources in parallel (they are
// independent of each other), then marks the local row deleted. The report
// lists every resource, including ones skipped because the record never
// held an identifier for them.
func (d *Deleter) Teardown(ctx context.Context, site *domain.TenantSite) (*TeardownReport, error) {
	if site == nil {
		return nil, fmt.Errorf("site required")
	}

	repoOwner, repoName := site.RepoOwner, site.RepoName
	if repoOwner == "" || repoName == "" {
		repoOwner, repoName = ParseRepoURL(site.RepoURL)
	}

	type target struct {
		resource string
		id       string
		del      func(ctx context.Context) error
	}
	targets := []target{
		{ResourceHosting, site.VercelProjectID, func(ctx context.Context) error {
			return d.adapters.Hosting.DeleteProject(ctx, site.VercelProjectID)
		}},
		{ResourceRepository, repoName, func(ctx context.Context) error {
			return d.adapters.Repos.DeleteRepository(ctx, repoOwner, repoName)
		}},
		{ResourceDNSRecord, site.DNSRecordID, func(ctx context.Context) error {
			return d.adapters.DNS.DeleteRecord(ctx, site.DNSRecordID)
		}},
		{ResourceDatabase, site.DBName, func(ctx context.Context) error {
			return d.adapters.Databases.DropTenantDatabase(ctx, site.DBName)
		}},
	}

	var mu sync.Mutex
	outcomes := make([]TeardownOutcome, len(targets))

	g, gctx := errgroup.WithContext(ctx)
	for i, t := range targets {
		i, t := i, t
		g.Go(func() error {
			outcome := TeardownOutcome{Resource: t.resource}
			if strings.TrimSpace(t.id) == "" {
				outcome.Note = "no identifier recorded"
				outcome.Succeeded = true
			} else {
				outcome.Attempted = true
				if err := t.del(gctx); err != nil && httpx.IsNotFoundError(err) {
					outcome.Succeeded = true
					outcome.Note = "already absent"
				} else if err != nil {
					outcome.Error = err.Error()
					d.log.Warn("Teardown failed for resource",
						"resource", t.resource,
						"id", t.id,
						"site_id", site.ID,
						"error", err.Error(),
					)
				} else {
					outcome.Succeeded = true
				}
			}
			mu.Lock()
			outcomes[i] = outcome
			mu.Unlock()
			// Individual failures are reported, never propagated: one failed
			// delete must not stop the others.
			return nil
		})
	}
	_ = g.Wait()

	report := &TeardownReport{SiteID: site.ID.String(), Outcomes: outcomes}

	// Local transition happens regardless of external outcomes, and its
	// failure is the only error this method can return.
	if err := d.sites.MarkDeleted(context.WithoutCancel(ctx), d.db, site.ID); err != nil {
		return report, fmt.Errorf("mark site deleted: %w", err)
	}
	report.Deleted = true

	if !report.AllSucceeded() {
		d.log.Warn("Site deleted locally with partial external teardown", "site_id", site.ID)
	}
	return report, nil
}

// ParseRepoURL recovers the owner/name pair from a stored repository URL,
// for records written before those were stored as separate columns.
func ParseRepoURL(repoURL string) (owner, name string) {
	u := strings.TrimSuffix(strings.TrimSpace(repoURL), "/")
	u = strings.TrimSuffix(u, ".git")
	for _, prefix := range []string{"https://", "http://", "git@"} {
		u = strings.TrimPrefix(u, prefix)
	}
	u = strings.Replace(u, ":", "/", 1)
	parts := strings.Split(u, "/")
	if len(parts) < 3 {
		return "", ""
	}
	return parts[len(parts)-2], parts[len(parts)-1]
}
