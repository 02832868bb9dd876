package provision

import (
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Request is the validated provisioning input. It is immutable once
// accepted: validation happens at the API boundary and the pipeline
// assumes every constraint below already holds.
type Request struct {
	WebsiteName    string   `json:"website_name" validate:"required,min=2,max=60"`
	DomainSlug     string   `json:"domain_slug" validate:"omitempty,max=60,slug"`
	CompanyName    string   `json:"company_name" validate:"required,min=2,max=120"`
	ContactEmail   string   `json:"contact_email" validate:"required,email"`
	FullName       string   `json:"full_name" validate:"required,min=2,max=120"`
	ThemeID        string   `json:"theme_id" validate:"required"`
	LayoutStyle    string   `json:"layout_style" validate:"required"`
	BrandColors    []string `json:"brand_colors" validate:"max=3,dive,hexcolor"`
	Tagline        string   `json:"tagline" validate:"max=200"`
	AboutText      string   `json:"about_text" validate:"required,min=10"`
	PropertyTypes  []string `json:"property_types" validate:"min=1,dive,required"`
	IncludedPages  []string `json:"included_pages" validate:"min=1,dive,required"`
	ContactMethods []string `json:"contact_methods" validate:"min=1,dive,required"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func requestValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("slug", func(fl validator.FieldLevel) bool {
			return isValidSlug(fl.Field().String())
		})
	})
	return validate
}

func isValidSlug(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		case r == '-':
			if i == 0 || i == len(s)-1 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// Validate normalizes and checks the request. A non-nil error means no job
// may be created for it.
func (r *Request) Validate() error {
	if r == nil {
		return fmt.Errorf("request required")
	}
	r.WebsiteName = strings.TrimSpace(r.WebsiteName)
	r.DomainSlug = strings.ToLower(strings.TrimSpace(r.DomainSlug))
	r.CompanyName = strings.TrimSpace(r.CompanyName)
	r.ContactEmail = strings.ToLower(strings.TrimSpace(r.ContactEmail))
	r.FullName = strings.TrimSpace(r.FullName)
	r.ThemeID = strings.TrimSpace(r.ThemeID)
	r.LayoutStyle = strings.TrimSpace(r.LayoutStyle)
	r.Tagline = strings.TrimSpace(r.Tagline)
	r.AboutText = strings.TrimSpace(r.AboutText)
	return requestValidator().Struct(r)
}
