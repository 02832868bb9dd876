package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/casaforge/casaforge-backend/internal/domain"
)

// fakeJobRepo enforces the same status guard as the real repo, in memory.
type fakeJobRepo struct {
	status  string
	updates []map[string]interface{}
}

func (f *fakeJobRepo) Create(ctx context.Context, tx *gorm.DB, job *domain.JobRun) (*domain.JobRun, error) {
	return job, nil
}

func (f *fakeJobRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.JobRun, error) {
	return nil, nil
}

func (f *fakeJobRepo) GetByIDForOwner(ctx context.Context, tx *gorm.DB, id, ownerUserID uuid.UUID) (*domain.JobRun, error) {
	return nil, nil
}

func (f *fakeJobRepo) ClaimNextRunnable(ctx context.Context, tx *gorm.DB, maxAttempts int, staleRunning time.Duration) (*domain.JobRun, error) {
	return nil, nil
}

func (f *fakeJobRepo) UpdateFieldsUnlessStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, blockedStatuses []string, updates map[string]interface{}) (bool, error) {
	for _, b := range blockedStatuses {
		if f.status == b {
			return false, nil
		}
	}
	f.updates = append(f.updates, updates)
	if s, ok := updates["status"].(string); ok {
		f.status = s
	}
	return true, nil
}

func (f *fakeJobRepo) Heartbeat(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	return nil
}

func (f *fakeJobRepo) EvictTerminalOlderThan(ctx context.Context, tx *gorm.DB, retention time.Duration) (int64, error) {
	return 0, nil
}

type notifierEvent struct {
	kind  string
	stage string
	pct   int
}

type fakeNotifier struct {
	events []notifierEvent
}

func (n *fakeNotifier) JobCreated(userID uuid.UUID, job *domain.JobRun) {
	n.events = append(n.events, notifierEvent{kind: "created"})
}

func (n *fakeNotifier) JobProgress(userID uuid.UUID, job *domain.JobRun, stage string, pct int, msg string) {
	n.events = append(n.events, notifierEvent{kind: "progress", stage: stage, pct: pct})
}

func (n *fakeNotifier) JobFailed(userID uuid.UUID, job *domain.JobRun, stage, msg string) {
	n.events = append(n.events, notifierEvent{kind: "failed", stage: stage})
}

func (n *fakeNotifier) JobDone(userID uuid.UUID, job *domain.JobRun) {
	n.events = append(n.events, notifierEvent{kind: "done", pct: 100})
}

func (n *fakeNotifier) SiteDeleted(userID, siteID uuid.UUID) {
	n.events = append(n.events, notifierEvent{kind: "site_deleted"})
}

func (n *fakeNotifier) count(kind string) int {
	c := 0
	for _, e := range n.events {
		if e.kind == kind {
			c++
		}
	}
	return c
}

func newRunningJob(payload map[string]any) *domain.JobRun {
	var raw datatypes.JSON
	if payload != nil {
		b, _ := json.Marshal(payload)
		raw = datatypes.JSON(b)
	}
	return &domain.JobRun{
		ID:          uuid.New(),
		OwnerUserID: uuid.New(),
		JobType:     domain.JobTypeSiteProvision,
		Status:      domain.JobStatusRunning,
		Payload:     raw,
	}
}

func newTestContext(job *domain.JobRun) (*Context, *fakeJobRepo, *fakeNotifier) {
	repo := &fakeJobRepo{status: job.Status}
	notifier := &fakeNotifier{}
	return NewContext(context.Background(), nil, job, repo, notifier), repo, notifier
}

func TestInitStepsSeedsPendingSkeleton(t *testing.T) {
	jc, repo, _ := newTestContext(newRunningJob(nil))
	jc.InitSteps([]string{"a", "b", "c"})

	steps := jc.Job.DecodeSteps()
	if len(steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(steps))
	}
	for _, s := range steps {
		if s.Status != domain.StepStatusPending {
			t.Fatalf("step %s should be pending, got %s", s.Name, s.Status)
		}
	}
	if len(repo.updates) == 0 {
		t.Fatalf("InitSteps must persist the skeleton")
	}
}

func TestInitStepsKeepsPriorAttempt(t *testing.T) {
	job := newRunningJob(nil)
	job.Steps = domain.EncodeSteps([]domain.StepState{
		{Name: "a", Status: domain.StepStatusCompleted},
		{Name: "b", Status: domain.StepStatusFailed},
	})
	jc, _, _ := newTestContext(job)
	jc.InitSteps([]string{"a", "b", "c"})

	steps := jc.Job.DecodeSteps()
	if len(steps) != 2 {
		t.Fatalf("prior attempt's steps must be kept, got %d steps", len(steps))
	}
	if steps[0].Status != domain.StepStatusCompleted {
		t.Fatalf("completed step lost: %+v", steps[0])
	}
}

func TestStepTransitionsDriveProgress(t *testing.T) {
	jc, _, notifier := newTestContext(newRunningJob(nil))
	jc.InitSteps([]string{"a", "b", "c", "d"})

	jc.StepStart("a")
	jc.StepComplete("a", map[string]any{"id": "x-1"})
	if jc.Job.Progress != 25 {
		t.Fatalf("expected progress 25, got %d", jc.Job.Progress)
	}
	jc.StepStart("b")
	jc.StepComplete("b", nil)
	if jc.Job.Progress != 50 {
		t.Fatalf("expected progress 50, got %d", jc.Job.Progress)
	}

	steps := jc.Job.DecodeSteps()
	if steps[0].Result["id"] != "x-1" {
		t.Fatalf("step result not persisted: %+v", steps[0])
	}
	if steps[0].StartedAt == nil || steps[0].CompletedAt == nil {
		t.Fatalf("step timestamps not set: %+v", steps[0])
	}
	if notifier.count("progress") == 0 {
		t.Fatalf("step transitions should notify progress")
	}
}

func TestFailIsTerminalAndImmutable(t *testing.T) {
	jc, repo, notifier := newTestContext(newRunningJob(nil))
	jc.InitSteps([]string{"a", "b"})
	jc.StepStart("a")
	jc.StepFail("a", fmt.Errorf("boom"))
	jc.Fail("a", fmt.Errorf("boom"))

	if jc.Job.Status != domain.JobStatusFailed {
		t.Fatalf("expected failed, got %s", jc.Job.Status)
	}
	if repo.status != domain.JobStatusFailed {
		t.Fatalf("repo status %s", repo.status)
	}
	if notifier.count("failed") != 1 {
		t.Fatalf("expected one failed notification, got %d", notifier.count("failed"))
	}

	// Any further write is rejected by the guard and must not notify.
	jc.Succeed("done", map[string]any{"late": true})
	if jc.Job.Status != domain.JobStatusFailed || repo.status != domain.JobStatusFailed {
		t.Fatalf("terminal job mutated: job=%s repo=%s", jc.Job.Status, repo.status)
	}
	if notifier.count("done") != 0 {
		t.Fatalf("no done notification may follow a failed terminal state")
	}
	jc.Progress("late-stage", 10, "nope")
	if jc.Job.Stage == "late-stage" {
		t.Fatalf("progress applied after terminal state")
	}
}

func TestSucceedIsTerminalAndImmutable(t *testing.T) {
	jc, repo, notifier := newTestContext(newRunningJob(nil))
	jc.InitSteps([]string{"a"})
	jc.StepStart("a")
	jc.StepComplete("a", nil)
	jc.Succeed("done", map[string]any{"domain": "acme.casaforge.site"})

	if jc.Job.Status != domain.JobStatusSucceeded || jc.Job.Progress != 100 {
		t.Fatalf("unexpected terminal state: status=%s progress=%d", jc.Job.Status, jc.Job.Progress)
	}
	if len(jc.Job.Result) == 0 {
		t.Fatalf("result payload not serialized")
	}
	if notifier.count("done") != 1 {
		t.Fatalf("expected one done notification")
	}

	jc.Fail("late", fmt.Errorf("too late"))
	if jc.Job.Status != domain.JobStatusSucceeded || repo.status != domain.JobStatusSucceeded {
		t.Fatalf("succeeded job regressed: job=%s repo=%s", jc.Job.Status, repo.status)
	}
	if notifier.count("failed") != 0 {
		t.Fatalf("no failed notification may follow a succeeded terminal state")
	}
}

func TestPayloadDecoding(t *testing.T) {
	siteID := uuid.New()
	job := newRunningJob(map[string]any{"site_id": siteID.String(), "note": "hi"})
	jc, _, _ := newTestContext(job)

	got, ok := jc.PayloadUUID("site_id")
	if !ok || got != siteID {
		t.Fatalf("PayloadUUID = %v ok=%v", got, ok)
	}
	if _, ok := jc.PayloadUUID("missing"); ok {
		t.Fatalf("missing key must not resolve")
	}
	if _, ok := jc.PayloadUUID("note"); ok {
		t.Fatalf("non-uuid value must not resolve")
	}

	var typed struct {
		SiteID string `json:"site_id"`
	}
	if err := jc.DecodePayload(&typed); err != nil || typed.SiteID != siteID.String() {
		t.Fatalf("DecodePayload: %v %+v", err, typed)
	}
}
