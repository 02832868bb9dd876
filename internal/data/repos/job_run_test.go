package repos

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/casaforge/casaforge-backend/internal/domain"
	"github.com/casaforge/casaforge-backend/internal/platform/logger"
)

const jobRunDDL = `CREATE TABLE job_run (
	id TEXT PRIMARY KEY,
	owner_user_id TEXT,
	job_type TEXT,
	entity_type TEXT,
	entity_id TEXT,
	status TEXT,
	stage TEXT,
	progress INTEGER,
	attempts INTEGER,
	error TEXT,
	locked_at DATETIME,
	heartbeat_at DATETIME,
	last_error_at DATETIME,
	steps TEXT,
	payload TEXT,
	result TEXT,
	created_at DATETIME,
	updated_at DATETIME,
	deleted_at DATETIME
)`

func newJobRunRepo(t *testing.T) (JobRunRepo, *gorm.DB) {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("init logger: %v", err)
	}
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.Exec(jobRunDDL).Error; err != nil {
		t.Fatalf("create job_run: %v", err)
	}
	return NewJobRunRepo(db, log), db
}

func seedJob(t *testing.T, db *gorm.DB, status string, attempts int, mutate func(*domain.JobRun)) *domain.JobRun {
	t.Helper()
	now := time.Now()
	job := &domain.JobRun{
		ID:          uuid.New(),
		OwnerUserID: uuid.New(),
		JobType:     domain.JobTypeSiteProvision,
		Status:      status,
		Stage:       "queued",
		Attempts:    attempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if mutate != nil {
		mutate(job)
	}
	if err := db.Create(job).Error; err != nil {
		t.Fatalf("seed job: %v", err)
	}
	return job
}

func reloadJob(t *testing.T, repo JobRunRepo, db *gorm.DB, id uuid.UUID) *domain.JobRun {
	t.Helper()
	job, err := repo.GetByID(context.Background(), db, id)
	if err != nil {
		t.Fatalf("reload job: %v", err)
	}
	return job
}

func TestClaimNextRunnableClaimsQueuedJob(t *testing.T) {
	repo, db := newJobRunRepo(t)
	seeded := seedJob(t, db, domain.JobStatusQueued, 0, nil)

	claimed, err := repo.ClaimNextRunnable(context.Background(), db, 3, time.Hour)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil || claimed.ID != seeded.ID {
		t.Fatalf("expected to claim %s, got %+v", seeded.ID, claimed)
	}

	got := reloadJob(t, repo, db, seeded.ID)
	if got.Status != domain.JobStatusRunning || got.Attempts != 1 {
		t.Fatalf("claimed row not running: status=%s attempts=%d", got.Status, got.Attempts)
	}
	if got.LockedAt == nil || got.HeartbeatAt == nil {
		t.Fatalf("claim must set locked_at and heartbeat_at: %+v", got)
	}
}

func TestClaimNextRunnableNeverReclaimsFailedJob(t *testing.T) {
	repo, db := newJobRunRepo(t)
	old := time.Now().Add(-time.Hour)
	seeded := seedJob(t, db, domain.JobStatusFailed, 1, func(j *domain.JobRun) {
		j.Error = "domain already taken"
		j.LastErrorAt = &old
		j.HeartbeatAt = &old
	})

	claimed, err := repo.ClaimNextRunnable(context.Background(), db, 3, 15*time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed != nil {
		t.Fatalf("failed job is terminal and must not be reclaimed, got %+v", claimed)
	}

	got := reloadJob(t, repo, db, seeded.ID)
	if got.Status != domain.JobStatusFailed || got.Attempts != 1 {
		t.Fatalf("terminal row mutated: status=%s attempts=%d", got.Status, got.Attempts)
	}
}

func TestClaimNextRunnableReclaimsStaleRunning(t *testing.T) {
	repo, db := newJobRunRepo(t)
	stale := time.Now().Add(-time.Hour)
	seeded := seedJob(t, db, domain.JobStatusRunning, 1, func(j *domain.JobRun) {
		j.HeartbeatAt = &stale
	})

	claimed, err := repo.ClaimNextRunnable(context.Background(), db, 3, 15*time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil || claimed.ID != seeded.ID {
		t.Fatalf("stale running job should be reclaimed, got %+v", claimed)
	}

	got := reloadJob(t, repo, db, seeded.ID)
	if got.Status != domain.JobStatusRunning || got.Attempts != 2 {
		t.Fatalf("reclaim should increment attempts: status=%s attempts=%d", got.Status, got.Attempts)
	}
}

func TestClaimNextRunnableLeavesFreshRunning(t *testing.T) {
	repo, db := newJobRunRepo(t)
	fresh := time.Now()
	seedJob(t, db, domain.JobStatusRunning, 1, func(j *domain.JobRun) {
		j.HeartbeatAt = &fresh
	})

	claimed, err := repo.ClaimNextRunnable(context.Background(), db, 3, 15*time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed != nil {
		t.Fatalf("running job with a live heartbeat must not be claimed, got %+v", claimed)
	}
}

func TestClaimNextRunnableFailsOutExhaustedStaleJob(t *testing.T) {
	repo, db := newJobRunRepo(t)
	stale := time.Now().Add(-time.Hour)
	seeded := seedJob(t, db, domain.JobStatusRunning, 3, func(j *domain.JobRun) {
		j.HeartbeatAt = &stale
	})

	claimed, err := repo.ClaimNextRunnable(context.Background(), db, 3, 15*time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed != nil {
		t.Fatalf("exhausted job must not be reclaimed, got %+v", claimed)
	}

	got := reloadJob(t, repo, db, seeded.ID)
	if got.Status != domain.JobStatusFailed {
		t.Fatalf("exhausted stale job should go terminal, got %s", got.Status)
	}
	if got.Error == "" || got.LastErrorAt == nil {
		t.Fatalf("exhausted job missing error fields: %+v", got)
	}
}

func TestUpdateFieldsUnlessStatusBlocksTerminal(t *testing.T) {
	repo, db := newJobRunRepo(t)
	terminal := []string{domain.JobStatusSucceeded, domain.JobStatusFailed}

	failed := seedJob(t, db, domain.JobStatusFailed, 1, nil)
	ok, err := repo.UpdateFieldsUnlessStatus(context.Background(), db, failed.ID, terminal, map[string]interface{}{
		"status": domain.JobStatusRunning,
		"stage":  "resurrected",
	})
	if err != nil {
		t.Fatalf("guarded update: %v", err)
	}
	if ok {
		t.Fatalf("guard must reject writes to a terminal row")
	}
	got := reloadJob(t, repo, db, failed.ID)
	if got.Status != domain.JobStatusFailed || got.Stage == "resurrected" {
		t.Fatalf("terminal row mutated: %+v", got)
	}

	running := seedJob(t, db, domain.JobStatusRunning, 1, nil)
	ok, err = repo.UpdateFieldsUnlessStatus(context.Background(), db, running.ID, terminal, map[string]interface{}{
		"stage": "bind-subdomain",
	})
	if err != nil || !ok {
		t.Fatalf("guard should pass for a running row: ok=%v err=%v", ok, err)
	}
}

func TestEvictTerminalOlderThan(t *testing.T) {
	repo, db := newJobRunRepo(t)
	old := time.Now().Add(-8 * 24 * time.Hour)

	evictable := seedJob(t, db, domain.JobStatusFailed, 3, func(j *domain.JobRun) {
		j.UpdatedAt = old
	})
	survivor := seedJob(t, db, domain.JobStatusRunning, 1, func(j *domain.JobRun) {
		j.UpdatedAt = old
	})

	n, err := repo.EvictTerminalOlderThan(context.Background(), db, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("evict: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}
	if got := reloadJob(t, repo, db, evictable.ID); got != nil {
		t.Fatalf("evicted job still readable: %+v", got)
	}
	if got := reloadJob(t, repo, db, survivor.ID); got == nil || got.Status != domain.JobStatusRunning {
		t.Fatalf("running job must survive eviction: %+v", got)
	}
}
