package services

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/casaforge/casaforge-backend/internal/data/repos"
	"github.com/casaforge/casaforge-backend/internal/domain"
	"github.com/casaforge/casaforge-backend/internal/platform/apierr"
	"github.com/casaforge/casaforge-backend/internal/platform/ctxutil"
	"github.com/casaforge/casaforge-backend/internal/platform/logger"
)

// JobService is the read surface for job status polling. Jobs are scoped to
// their owner: another user's job id behaves exactly like an unknown one.
type JobService interface {
	GetJob(ctx context.Context, id uuid.UUID) (*domain.JobRun, error)
}

type jobService struct {
	db   *gorm.DB
	log  *logger.Logger
	jobs repos.JobRunRepo
}

func NewJobService(db *gorm.DB, baseLog *logger.Logger, jobs repos.JobRunRepo) JobService {
	return &jobService{
		db:   db,
		log:  baseLog.With("service", "JobService"),
		jobs: jobs,
	}
}

func (s *jobService) GetJob(ctx context.Context, id uuid.UUID) (*domain.JobRun, error) {
	rd := ctxutil.GetRequestData(ctx)
	if rd == nil || rd.UserID == uuid.Nil {
		return nil, apierr.New(http.StatusUnauthorized, "unauthorized", fmt.Errorf("missing request identity"))
	}
	job, err := s.jobs.GetByIDForOwner(ctx, s.db, id, rd.UserID)
	if err != nil {
		return nil, apierr.New(http.StatusInternalServerError, "job_lookup_failed", err)
	}
	if job == nil {
		return nil, apierr.New(http.StatusNotFound, "job_not_found", fmt.Errorf("job %s not found", id))
	}
	return job, nil
}
