package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/casaforge/casaforge-backend/internal/domain"
	"github.com/casaforge/casaforge-backend/internal/platform/logger"
)

type JobRunRepo interface {
	Create(ctx context.Context, tx *gorm.DB, job *domain.JobRun) (*domain.JobRun, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.JobRun, error)
	GetByIDForOwner(ctx context.Context, tx *gorm.DB, id, ownerUserID uuid.UUID) (*domain.JobRun, error)
	// ClaimNextRunnable claims one queued job, or one running job whose
	// heartbeat went stale (worker died mid-run). Failed and succeeded are
	// terminal; a terminal row is never claimed again.
	ClaimNextRunnable(ctx context.Context, tx *gorm.DB, maxAttempts int, staleRunning time.Duration) (*domain.JobRun, error)
	// UpdateFieldsUnlessStatus applies updates only while the row's status is
	// not in blockedStatuses. Returns false when the guard rejected the write,
	// which is how terminal immutability is enforced.
	UpdateFieldsUnlessStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, blockedStatuses []string, updates map[string]interface{}) (bool, error)
	Heartbeat(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
	// EvictTerminalOlderThan soft-deletes terminal jobs whose last update is
	// older than the retention window. Running/queued jobs are never touched.
	EvictTerminalOlderThan(ctx context.Context, tx *gorm.DB, retention time.Duration) (int64, error)
}

type jobRunRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewJobRunRepo(db *gorm.DB, baseLog *logger.Logger) JobRunRepo {
	return &jobRunRepo{
		db:  db,
		log: baseLog.With("repo", "JobRunRepo"),
	}
}

func (r *jobRunRepo) handle(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *jobRunRepo) Create(ctx context.Context, tx *gorm.DB, job *domain.JobRun) (*domain.JobRun, error) {
	if job == nil {
		return nil, nil
	}
	if err := r.handle(tx).WithContext(ctx).Create(job).Error; err != nil {
		return nil, err
	}
	return job, nil
}

func (r *jobRunRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.JobRun, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var job domain.JobRun
	err := r.handle(tx).WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == uuid.Nil {
		return nil, nil
	}
	return &job, nil
}

func (r *jobRunRepo) GetByIDForOwner(ctx context.Context, tx *gorm.DB, id, ownerUserID uuid.UUID) (*domain.JobRun, error) {
	if id == uuid.Nil || ownerUserID == uuid.Nil {
		return nil, nil
	}
	var job domain.JobRun
	err := r.handle(tx).WithContext(ctx).
		Where("id = ? AND owner_user_id = ?", id, ownerUserID).
		Limit(1).
		Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == uuid.Nil {
		return nil, nil
	}
	return &job, nil
}

func (r *jobRunRepo) ClaimNextRunnable(ctx context.Context, tx *gorm.DB, maxAttempts int, staleRunning time.Duration) (*domain.JobRun, error) {
	now := time.Now()
	staleCutoff := now.Add(-staleRunning)
	var claimed *domain.JobRun
	err := r.handle(tx).WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		// A stale running job that already burned its attempts goes terminal
		// instead of being reclaimed forever.
		if err := txx.Model(&domain.JobRun{}).
			Where("status = ? AND heartbeat_at IS NOT NULL AND heartbeat_at < ? AND attempts >= ?",
				domain.JobStatusRunning, staleCutoff, maxAttempts).
			Updates(map[string]interface{}{
				"status":        domain.JobStatusFailed,
				"error":         "worker lost and attempts exhausted",
				"last_error_at": now,
				"updated_at":    now,
			}).Error; err != nil {
			return err
		}

		var job domain.JobRun
		q := txx.Where(`
				(
					status = ?
					OR (
						status = ?
						AND attempts < ?
						AND heartbeat_at IS NOT NULL
						AND heartbeat_at < ?
					)
				)
			`, domain.JobStatusQueued, domain.JobStatusRunning, maxAttempts, staleCutoff).
			Order("created_at ASC")
		// SKIP LOCKED arbitrates concurrent workers on postgres; the sqlite
		// dialect used in tests has no row locks and rejects the clause.
		if txx.Dialector.Name() == "postgres" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		qErr := q.First(&job).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if qErr != nil {
			return qErr
		}
		uErr := txx.Model(&domain.JobRun{}).
			Where("id = ?", job.ID).
			Updates(map[string]interface{}{
				"status":       domain.JobStatusRunning,
				"attempts":     gorm.Expr("attempts + 1"),
				"locked_at":    now,
				"heartbeat_at": now,
				"updated_at":   now,
			}).Error
		if uErr != nil {
			return uErr
		}
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *jobRunRepo) UpdateFieldsUnlessStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, blockedStatuses []string, updates map[string]interface{}) (bool, error) {
	if id == uuid.Nil {
		return false, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	q := r.handle(tx).WithContext(ctx).
		Model(&domain.JobRun{}).
		Where("id = ?", id)
	if len(blockedStatuses) > 0 {
		q = q.Where("status NOT IN ?", blockedStatuses)
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *jobRunRepo) Heartbeat(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	if id == uuid.Nil {
		return nil
	}
	now := time.Now()
	return r.handle(tx).WithContext(ctx).
		Model(&domain.JobRun{}).
		Where("id = ? AND status = ?", id, domain.JobStatusRunning).
		Updates(map[string]interface{}{
			"heartbeat_at": now,
			"updated_at":   now,
		}).Error
}

func (r *jobRunRepo) EvictTerminalOlderThan(ctx context.Context, tx *gorm.DB, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-retention)
	res := r.handle(tx).WithContext(ctx).
		Where("status IN ? AND updated_at < ?", []string{domain.JobStatusSucceeded, domain.JobStatusFailed}, cutoff).
		Delete(&domain.JobRun{})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
