package jobs

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/casaforge/casaforge-backend/internal/data/repos"
	"github.com/casaforge/casaforge-backend/internal/domain"
	"github.com/casaforge/casaforge-backend/internal/jobs/runtime"
	"github.com/casaforge/casaforge-backend/internal/platform/envutil"
	"github.com/casaforge/casaforge-backend/internal/platform/logger"
	"github.com/casaforge/casaforge-backend/internal/services"
)

// Worker polls for runnable job rows, claims them one at a time
// (FOR UPDATE SKIP LOCKED arbitrates between concurrent workers) and
// dispatches by job_type through the registry. A side ticker evicts
// terminal jobs past the retention window; running jobs are never evicted.
type Worker struct {
	db        *gorm.DB
	log       *logger.Logger
	repo      repos.JobRunRepo
	registry  *runtime.Registry
	notify    services.JobNotifier
	retention time.Duration
}

func NewWorker(db *gorm.DB, baseLog *logger.Logger, repo repos.JobRunRepo, registry *runtime.Registry, notify services.JobNotifier) *Worker {
	return &Worker{
		db:        db,
		log:       baseLog.With("component", "JobWorker"),
		repo:      repo,
		registry:  registry,
		notify:    notify,
		retention: envutil.Seconds("JOB_RETENTION_SECONDS", 7*24*time.Hour),
	}
}

func (w *Worker) Start(ctx context.Context) {
	go w.claimLoop(ctx)
	go w.evictLoop(ctx)
}

func (w *Worker) claimLoop(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	maxAttempts := envutil.Int("JOB_MAX_ATTEMPTS", 3)
	staleRunning := envutil.Seconds("JOB_STALE_RUNNING_SECONDS", 15*time.Minute)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, err := w.repo.ClaimNextRunnable(ctx, w.db, maxAttempts, staleRunning)
			if err != nil {
				w.log.Warn("ClaimNextRunnable failed", "error", err)
				continue
			}
			if job == nil {
				continue
			}
			w.dispatch(ctx, job)
		}
	}
}

func (w *Worker) dispatch(ctx context.Context, job *domain.JobRun) {
	jc := runtime.NewContext(ctx, w.db, job, w.repo, w.notify)

	h, ok := w.registry.Get(job.JobType)
	if !ok {
		w.log.Warn("No handler registered for job_type", "job_type", job.JobType, "job_id", job.ID)
		jc.Fail("dispatch", fmt.Errorf("no handler registered for job_type=%s", job.JobType))
		return
	}

	// A panicking handler must still leave the job terminal.
	func() {
		defer func() {
			if r := recover(); r != nil {
				w.log.Error("Job handler panic", "job_id", job.ID, "job_type", job.JobType, "panic", r)
				jc.Fail("panic", fmt.Errorf("handler panic: %v", r))
			}
		}()
		if err := h.Run(jc); err != nil {
			w.log.Warn("Job handler returned error", "job_id", job.ID, "job_type", job.JobType, "error", err)
		}
	}()
}

func (w *Worker) evictLoop(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.repo.EvictTerminalOlderThan(ctx, w.db, w.retention)
			if err != nil {
				w.log.Warn("Job eviction failed", "error", err)
				continue
			}
			if n > 0 {
				w.log.Info("Evicted old terminal jobs", "count", n)
			}
		}
	}
}
