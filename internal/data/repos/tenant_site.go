package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/casaforge/casaforge-backend/internal/domain"
	"github.com/casaforge/casaforge-backend/internal/platform/logger"
)

type TenantSiteRepo interface {
	Create(ctx context.Context, tx *gorm.DB, site *domain.TenantSite) (*domain.TenantSite, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.TenantSite, error)
	GetByIDForOwner(ctx context.Context, tx *gorm.DB, id, ownerUserID uuid.UUID) (*domain.TenantSite, error)
	ListByOwner(ctx context.Context, tx *gorm.DB, ownerUserID uuid.UUID) ([]*domain.TenantSite, error)
	// GetLiveByDomain returns the non-deleted site holding the domain, nil if
	// the domain is free among confirmed rows.
	GetLiveByDomain(ctx context.Context, tx *gorm.DB, fullDomain string) (*domain.TenantSite, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error
	// MarkDeleted is the soft-delete transition: status=deleted + deleted_at.
	// The row itself stays in place for audit.
	MarkDeleted(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
}

type tenantSiteRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTenantSiteRepo(db *gorm.DB, baseLog *logger.Logger) TenantSiteRepo {
	return &tenantSiteRepo{
		db:  db,
		log: baseLog.With("repo", "TenantSiteRepo"),
	}
}

func (r *tenantSiteRepo) handle(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *tenantSiteRepo) Create(ctx context.Context, tx *gorm.DB, site *domain.TenantSite) (*domain.TenantSite, error) {
	if site == nil {
		return nil, nil
	}
	if err := r.handle(tx).WithContext(ctx).Create(site).Error; err != nil {
		return nil, err
	}
	return site, nil
}

func (r *tenantSiteRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.TenantSite, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var site domain.TenantSite
	err := r.handle(tx).WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&site).Error
	if err != nil {
		return nil, err
	}
	if site.ID == uuid.Nil {
		return nil, nil
	}
	return &site, nil
}

func (r *tenantSiteRepo) GetByIDForOwner(ctx context.Context, tx *gorm.DB, id, ownerUserID uuid.UUID) (*domain.TenantSite, error) {
	if id == uuid.Nil || ownerUserID == uuid.Nil {
		return nil, nil
	}
	var site domain.TenantSite
	err := r.handle(tx).WithContext(ctx).
		Where("id = ? AND owner_user_id = ?", id, ownerUserID).
		Limit(1).
		Find(&site).Error
	if err != nil {
		return nil, err
	}
	if site.ID == uuid.Nil {
		return nil, nil
	}
	return &site, nil
}

func (r *tenantSiteRepo) ListByOwner(ctx context.Context, tx *gorm.DB, ownerUserID uuid.UUID) ([]*domain.TenantSite, error) {
	var out []*domain.TenantSite
	if ownerUserID == uuid.Nil {
		return out, nil
	}
	err := r.handle(tx).WithContext(ctx).
		Where("owner_user_id = ?", ownerUserID).
		Order("created_at DESC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *tenantSiteRepo) GetLiveByDomain(ctx context.Context, tx *gorm.DB, fullDomain string) (*domain.TenantSite, error) {
	if fullDomain == "" {
		return nil, nil
	}
	var site domain.TenantSite
	err := r.handle(tx).WithContext(ctx).
		Where("domain = ? AND status <> ?", fullDomain, domain.SiteStatusDeleted).
		Limit(1).
		Find(&site).Error
	if err != nil {
		return nil, err
	}
	if site.ID == uuid.Nil {
		return nil, nil
	}
	return &site, nil
}

func (r *tenantSiteRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return r.handle(tx).WithContext(ctx).
		Model(&domain.TenantSite{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *tenantSiteRepo) MarkDeleted(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	if id == uuid.Nil {
		return nil
	}
	now := time.Now()
	return r.handle(tx).WithContext(ctx).
		Model(&domain.TenantSite{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     domain.SiteStatusDeleted,
			"deleted_at": now,
			"updated_at": now,
		}).Error
}
