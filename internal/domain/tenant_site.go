package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// TenantSite lifecycle. Rows are created in creating when a provisioning
// job is accepted, promoted to active on success, and only ever
// soft-deleted: status flips to deleted and DeletedAt is set while the row
// stays readable for audit. External teardown runs independently of this
// local transition.
const (
	SiteStatusCreating  = "creating"
	SiteStatusActive    = "active"
	SiteStatusSuspended = "suspended"
	SiteStatusFailed    = "failed"
	SiteStatusDeleted   = "deleted"
)

// TenantSite is the durable system-of-record for one provisioned website.
// Field/column names are a stable contract: dashboards, analytics and the
// teardown path all key off them directly.
type TenantSite struct {
	ID          uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	OwnerUserID uuid.UUID `gorm:"type:uuid;not null;index" json:"owner_user_id"`

	WebsiteName  string `gorm:"column:website_name;not null" json:"website_name"`
	CompanyName  string `gorm:"column:company_name" json:"company_name"`
	ContactEmail string `gorm:"column:contact_email;not null" json:"contact_email"`
	FullName     string `gorm:"column:full_name" json:"full_name"`

	// Domain is the full hostname (subdomain under the platform base domain,
	// or a purchased custom domain). Unique among non-deleted rows.
	Domain string `gorm:"column:domain;not null;index" json:"domain"`

	DBName string `gorm:"column:db_name" json:"db_name"`
	DBURI  string `gorm:"column:db_uri" json:"db_uri,omitempty"`

	RepoURL   string `gorm:"column:repo_url" json:"repo_url"`
	RepoOwner string `gorm:"column:repo_owner" json:"repo_owner"`
	RepoName  string `gorm:"column:repo_name" json:"repo_name"`

	VercelProjectID string `gorm:"column:vercel_project_id" json:"vercel_project_id"`
	DeploymentURL   string `gorm:"column:deployment_url" json:"deployment_url"`
	DNSRecordID     string `gorm:"column:dns_record_id" json:"dns_record_id"`

	ThemeID        string         `gorm:"column:theme_id" json:"theme_id"`
	LayoutStyle    string         `gorm:"column:layout_style" json:"layout_style"`
	BrandColors    datatypes.JSON `gorm:"column:brand_colors;type:jsonb" json:"brand_colors"`
	Tagline        string         `gorm:"column:tagline" json:"tagline"`
	AboutText      string         `gorm:"column:about_text" json:"about_text"`
	PropertyTypes  datatypes.JSON `gorm:"column:property_types;type:jsonb" json:"property_types"`
	IncludedPages  datatypes.JSON `gorm:"column:included_pages;type:jsonb" json:"included_pages"`
	ContactMethods datatypes.JSON `gorm:"column:contact_methods;type:jsonb" json:"contact_methods"`

	Status    string     `gorm:"column:status;not null;index" json:"status"`
	CreatedAt time.Time  `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt time.Time  `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt *time.Time `gorm:"column:deleted_at;index" json:"deleted_at,omitempty"`
}

func (TenantSite) TableName() string { return "tenant_site" }
