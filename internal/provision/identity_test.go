package provision

import "testing"

func TestDeriveTenantIdentityFromSlug(t *testing.T) {
	id := DeriveTenantIdentity(Request{
		DomainSlug:   "acme-realty",
		WebsiteName:  "Acme Realty Group",
		ContactEmail: "jane@acme.com",
	})
	if id.Domain != "acme-realty" {
		t.Fatalf("expected domain acme-realty, got %q", id.Domain)
	}
	if id.DBName != "tenant_acme_realty" {
		t.Fatalf("expected db tenant_acme_realty, got %q", id.DBName)
	}
	if id.RepoName != "site-acme-realty" {
		t.Fatalf("expected repo site-acme-realty, got %q", id.RepoName)
	}
	if id.ProjectName != "site-acme-realty" {
		t.Fatalf("expected project site-acme-realty, got %q", id.ProjectName)
	}
}

func TestDeriveTenantIdentityFallsBackToWebsiteName(t *testing.T) {
	id := DeriveTenantIdentity(Request{
		WebsiteName:  "Sunset Homes NYC",
		ContactEmail: "broker@sunset.com",
	})
	if id.Domain != "sunset-homes-nyc" {
		t.Fatalf("expected domain sunset-homes-nyc, got %q", id.Domain)
	}
}

func TestDeriveTenantIdentityFallsBackToEmailLocalPart(t *testing.T) {
	id := DeriveTenantIdentity(Request{
		WebsiteName:  "!!!",
		ContactEmail: "jane.doe@example.com",
	})
	if id.Domain != "jane-doe" {
		t.Fatalf("expected domain jane-doe, got %q", id.Domain)
	}
}

func TestDeriveTenantIdentityIsDeterministic(t *testing.T) {
	req := Request{DomainSlug: "foo-bar", WebsiteName: "Foo Bar", ContactEmail: "a@b.co"}
	first := DeriveTenantIdentity(req)
	second := DeriveTenantIdentity(req)
	if first != second {
		t.Fatalf("identity not deterministic: %+v vs %+v", first, second)
	}
}

func TestSlugify(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Acme Realty", "acme-realty"},
		{"  Spaced  Out  ", "spaced-out"},
		{"UPPER_case.mixed", "upper-case-mixed"},
		{"trailing-", "trailing"},
		{"--", ""},
		{"", ""},
	}
	for _, c := range cases {
		if got := slugify(c.in); got != c.want {
			t.Fatalf("slugify(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
