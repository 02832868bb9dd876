package provision

import (
	"strings"
)

// TenantIdentity is the set of deterministic resource names derived from
// one request. Determinism is what makes the pipeline safely re-runnable:
// replaying a request after a crash regenerates the same names, so
// "already exists" responses can be resolved to the earlier attempt's
// resources instead of creating duplicates.
type TenantIdentity struct {
	// Subdomain label under the platform base domain (no dots).
	Domain string
	// Logical tenant database name.
	DBName string
	// Source repository name under the platform org.
	RepoName string
	// Hosting project name.
	ProjectName string
}

// DeriveTenantIdentity is the single source of truth for tenant naming.
// Fallback chain for the domain label: explicit slug, then website name,
// then the local part of the contact email. Every component that needs to
// resolve "which tenant does this target" goes through here.
func DeriveTenantIdentity(req Request) TenantIdentity {
	label := slugify(req.DomainSlug)
	if label == "" {
		label = slugify(req.WebsiteName)
	}
	if label == "" {
		local, _, _ := strings.Cut(req.ContactEmail, "@")
		label = slugify(local)
	}
	return TenantIdentity{
		Domain:      label,
		DBName:      "tenant_" + strings.ReplaceAll(label, "-", "_"),
		RepoName:    "site-" + label,
		ProjectName: "site-" + label,
	}
}

func slugify(s string) string {
	var b strings.Builder
	lastDash := true // suppress leading dashes
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		case r == ' ', r == '-', r == '_', r == '.':
			if !lastDash {
				b.WriteRune('-')
				lastDash = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}
