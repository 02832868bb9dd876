package provision

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"

	"github.com/casaforge/casaforge-backend/internal/domain"
)

type notFoundErr struct{}

func (notFoundErr) Error() string       { return "http 404: not found" }
func (notFoundErr) HTTPStatusCode() int { return 404 }

func seedProvisionedSite(t *testing.T, env *testEnv) *domain.TenantSite {
	t.Helper()
	site := seedSite(t, env.db, env.sites, uuid.New(), domain.SiteStatusActive)
	if err := env.sites.UpdateFields(context.Background(), env.db, site.ID, map[string]interface{}{
		"domain":            "acme-realty.casaforge.site",
		"db_name":           "tenant_acme_realty",
		"repo_url":          "https://github.com/casaforge-sites/site-acme-realty",
		"repo_owner":        "casaforge-sites",
		"repo_name":         "site-acme-realty",
		"vercel_project_id": "prj_site-acme-realty",
		"deployment_url":    "prj_site-acme-realty.vercel.app",
		"dns_record_id":     "CNAME:acme-realty",
	}); err != nil {
		t.Fatalf("seed provisioned site: %v", err)
	}
	got, err := env.sites.GetByID(context.Background(), env.db, site.ID)
	if err != nil || got == nil {
		t.Fatalf("reload seeded site: %v", err)
	}
	return got
}

func outcomeFor(t *testing.T, report *TeardownReport, resource string) TeardownOutcome {
	t.Helper()
	for _, o := range report.Outcomes {
		if o.Resource == resource {
			return o
		}
	}
	t.Fatalf("no outcome for resource %s in %+v", resource, report.Outcomes)
	return TeardownOutcome{}
}

func TestTeardownFullSuccess(t *testing.T) {
	env := newTestEnv(t)
	site := seedProvisionedSite(t, env)

	report, err := env.deleter.Teardown(context.Background(), site)
	if err != nil {
		t.Fatalf("teardown: %v", err)
	}
	if !report.Deleted || !report.AllSucceeded() {
		t.Fatalf("expected full success: %+v", report)
	}
	for _, resource := range []string{ResourceHosting, ResourceRepository, ResourceDNSRecord, ResourceDatabase} {
		o := outcomeFor(t, report, resource)
		if !o.Attempted || !o.Succeeded {
			t.Fatalf("resource %s: %+v", resource, o)
		}
	}
	if len(env.vercel.deletedIDs) != 1 || env.vercel.deletedIDs[0] != "prj_site-acme-realty" {
		t.Fatalf("hosting delete calls: %v", env.vercel.deletedIDs)
	}
	if len(env.github.deleted) != 1 || env.github.deleted[0] != "casaforge-sites/site-acme-realty" {
		t.Fatalf("repo delete calls: %v", env.github.deleted)
	}
	if len(env.dns.deleted) != 1 || env.dns.deleted[0] != "CNAME:acme-realty" {
		t.Fatalf("dns delete calls: %v", env.dns.deleted)
	}
	if len(env.atlas.dropped) != 1 || env.atlas.dropped[0] != "tenant_acme_realty" {
		t.Fatalf("db drop calls: %v", env.atlas.dropped)
	}

	got, _ := env.sites.GetByID(context.Background(), env.db, site.ID)
	if got.Status != domain.SiteStatusDeleted || got.DeletedAt == nil {
		t.Fatalf("expected soft-deleted row, got status=%q deleted_at=%v", got.Status, got.DeletedAt)
	}
}

func TestTeardownSkipsMissingIdentifiers(t *testing.T) {
	env := newTestEnv(t)
	// A site that failed before hosting/DNS ever existed.
	site := seedSite(t, env.db, env.sites, uuid.New(), domain.SiteStatusFailed)
	if err := env.sites.UpdateFields(context.Background(), env.db, site.ID, map[string]interface{}{
		"db_name": "tenant_acme_realty",
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	site, _ = env.sites.GetByID(context.Background(), env.db, site.ID)

	report, err := env.deleter.Teardown(context.Background(), site)
	if err != nil {
		t.Fatalf("teardown: %v", err)
	}
	for _, resource := range []string{ResourceHosting, ResourceRepository, ResourceDNSRecord} {
		o := outcomeFor(t, report, resource)
		if o.Attempted || !o.Succeeded || o.Note != "no identifier recorded" {
			t.Fatalf("resource %s: %+v", resource, o)
		}
	}
	dbOutcome := outcomeFor(t, report, ResourceDatabase)
	if !dbOutcome.Attempted || !dbOutcome.Succeeded {
		t.Fatalf("database outcome: %+v", dbOutcome)
	}
}

func TestTeardownTreatsNotFoundAsSuccess(t *testing.T) {
	env := newTestEnv(t)
	site := seedProvisionedSite(t, env)
	env.vercel.deleteErr = notFoundErr{}

	report, err := env.deleter.Teardown(context.Background(), site)
	if err != nil {
		t.Fatalf("teardown: %v", err)
	}
	o := outcomeFor(t, report, ResourceHosting)
	if !o.Attempted || !o.Succeeded || o.Note != "already absent" {
		t.Fatalf("hosting outcome: %+v", o)
	}
	if !report.AllSucceeded() {
		t.Fatalf("expected all succeeded: %+v", report)
	}
}

func TestTeardownPartialFailureStillDeletesRow(t *testing.T) {
	env := newTestEnv(t)
	site := seedProvisionedSite(t, env)
	env.github.deleteErr = fmt.Errorf("github http 500: internal error")

	report, err := env.deleter.Teardown(context.Background(), site)
	if err != nil {
		t.Fatalf("teardown returned error despite local delete: %v", err)
	}
	if !report.Deleted {
		t.Fatalf("row must be marked deleted regardless of external failures")
	}
	if report.AllSucceeded() {
		t.Fatalf("expected a failed outcome in %+v", report.Outcomes)
	}
	o := outcomeFor(t, report, ResourceRepository)
	if !o.Attempted || o.Succeeded || o.Error == "" {
		t.Fatalf("repository outcome: %+v", o)
	}
	// The other resources were still torn down.
	if len(env.vercel.deletedIDs) != 1 || len(env.dns.deleted) != 1 || len(env.atlas.dropped) != 1 {
		t.Fatalf("independent teardowns must proceed: vercel=%v dns=%v atlas=%v",
			env.vercel.deletedIDs, env.dns.deleted, env.atlas.dropped)
	}

	got, _ := env.sites.GetByID(context.Background(), env.db, site.ID)
	if got.Status != domain.SiteStatusDeleted {
		t.Fatalf("expected deleted status, got %q", got.Status)
	}
}

func TestParseRepoURL(t *testing.T) {
	cases := []struct {
		in        string
		owner, nm string
	}{
		{"https://github.com/casaforge-sites/site-acme", "casaforge-sites", "site-acme"},
		{"https://github.com/casaforge-sites/site-acme.git", "casaforge-sites", "site-acme"},
		{"git@github.com:casaforge-sites/site-acme.git", "casaforge-sites", "site-acme"},
		{"", "", ""},
		{"not-a-url", "", ""},
	}
	for _, c := range cases {
		owner, name := ParseRepoURL(c.in)
		if owner != c.owner || name != c.nm {
			t.Fatalf("ParseRepoURL(%q) = %q/%q, want %q/%q", c.in, owner, name, c.owner, c.nm)
		}
	}
}
