package services

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/casaforge/casaforge-backend/internal/data/repos"
	"github.com/casaforge/casaforge-backend/internal/platform/apierr"
	"github.com/casaforge/casaforge-backend/internal/platform/ctxutil"
	"github.com/casaforge/casaforge-backend/internal/platform/logger"
	"github.com/casaforge/casaforge-backend/internal/provider/godaddy"
)

// DomainCheck is the availability answer for one candidate name: whether
// the subdomain under the platform base domain is free, and if the caller
// asked about an external domain, whether it can be purchased.
type DomainCheck struct {
	Domain     string  `json:"domain"`
	Available  bool    `json:"available"`
	IsExternal bool    `json:"is_external"`
	IsPremium  bool    `json:"is_premium,omitempty"`
	Price      float64 `json:"price,omitempty"`
	Currency   string  `json:"currency,omitempty"`
}

type PurchaseDomainRequest struct {
	Domain     string             `json:"domain"`
	Registrant godaddy.Registrant `json:"registrant"`
}

// DomainService answers domain questions ahead of provisioning: subdomain
// availability against the live tenant records, and the custom-domain
// check/purchase pass-through to the registrar.
type DomainService interface {
	CheckDomain(ctx context.Context, name string) (*DomainCheck, error)
	PurchaseDomain(ctx context.Context, req PurchaseDomainRequest) (*godaddy.Purchase, error)
}

type domainService struct {
	db         *gorm.DB
	log        *logger.Logger
	sites      repos.TenantSiteRepo
	registrar  godaddy.Client
	baseDomain string
}

func NewDomainService(db *gorm.DB, baseLog *logger.Logger, sites repos.TenantSiteRepo, registrar godaddy.Client, baseDomain string) DomainService {
	return &domainService{
		db:         db,
		log:        baseLog.With("service", "DomainService"),
		sites:      sites,
		registrar:  registrar,
		baseDomain: baseDomain,
	}
}

// CheckDomain decides by shape: a bare label is a subdomain request checked
// against live tenant rows, anything with a dot is an external domain
// checked against the registrar.
func (s *domainService) CheckDomain(ctx context.Context, name string) (*DomainCheck, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return nil, apierr.New(http.StatusBadRequest, "invalid_request", fmt.Errorf("domain required"))
	}

	if strings.Contains(name, ".") && !strings.HasSuffix(name, "."+s.baseDomain) {
		avail, err := s.registrar.CheckAvailability(ctx, name)
		if err != nil {
			return nil, apierr.New(http.StatusBadGateway, "registrar_unavailable", err)
		}
		return &DomainCheck{
			Domain:     avail.Domain,
			Available:  avail.Available,
			IsExternal: true,
			IsPremium:  avail.IsPremium,
			Price:      avail.Price,
			Currency:   avail.Currency,
		}, nil
	}

	label := strings.TrimSuffix(name, "."+s.baseDomain)
	fqdn := label + "." + s.baseDomain
	existing, err := s.sites.GetLiveByDomain(ctx, s.db, fqdn)
	if err != nil {
		return nil, apierr.New(http.StatusInternalServerError, "domain_lookup_failed", err)
	}
	return &DomainCheck{
		Domain:    fqdn,
		Available: existing == nil,
	}, nil
}

func (s *domainService) PurchaseDomain(ctx context.Context, req PurchaseDomainRequest) (*godaddy.Purchase, error) {
	rd := ctxutil.GetRequestData(ctx)
	if rd == nil || rd.UserID == uuid.Nil {
		return nil, apierr.New(http.StatusUnauthorized, "unauthorized", fmt.Errorf("missing request identity"))
	}
	if strings.TrimSpace(req.Domain) == "" {
		return nil, apierr.New(http.StatusBadRequest, "invalid_request", fmt.Errorf("domain required"))
	}
	if strings.TrimSpace(req.Registrant.Email) == "" {
		req.Registrant.Email = rd.Email
	}
	purchase, err := s.registrar.PurchaseDomain(ctx, req.Domain, req.Registrant)
	if err != nil {
		return nil, apierr.New(http.StatusBadGateway, "purchase_failed", err)
	}
	s.log.Info("Domain purchased", "domain", purchase.Domain, "owner_user_id", rd.UserID)
	return purchase, nil
}
