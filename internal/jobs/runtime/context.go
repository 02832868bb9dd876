package runtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/casaforge/casaforge-backend/internal/data/repos"
	"github.com/casaforge/casaforge-backend/internal/domain"
	"github.com/casaforge/casaforge-backend/internal/services"
)

/*
Context is the execution contract between the job system and pipeline code.
It wraps:
	- the claimed job_run row,
	- the only sanctioned ways to report step transitions, progress, or
	  terminate execution,
	- the notification side channel (SSE).
Pipelines never touch job_run directly; every write goes through here and
is guarded so a terminal job is never mutated again. Each write persists
before the next step may start, so a concurrent status reader always
observes a consistent snapshot.
*/
type Context struct {
	Ctx    context.Context
	DB     *gorm.DB
	Job    *domain.JobRun
	Repo   repos.JobRunRepo
	Notify services.JobNotifier

	steps   []domain.StepState
	payload map[string]any
}

// Statuses that block any further write to the row. "Exactly once to a
// terminal state" is enforced here and in the repo guard together.
var terminalStatuses = []string{domain.JobStatusSucceeded, domain.JobStatusFailed}

func NewContext(ctx context.Context, db *gorm.DB, job *domain.JobRun, repo repos.JobRunRepo, notify services.JobNotifier) *Context {
	c := &Context{
		Ctx:    ctx,
		DB:     db,
		Job:    job,
		Repo:   repo,
		Notify: notify,
	}
	_ = c.decodePayload()
	if job != nil {
		c.steps = job.DecodeSteps()
	}
	return c
}

func (c *Context) decodePayload() error {
	if c.Job == nil || len(c.Job.Payload) == 0 {
		c.payload = map[string]any{}
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(c.Job.Payload, &m); err != nil {
		c.payload = map[string]any{}
		return err
	}
	c.payload = m
	return nil
}

// Payload returns the decoded payload map, never nil.
func (c *Context) Payload() map[string]any {
	if c.payload == nil {
		c.payload = map[string]any{}
	}
	return c.payload
}

// DecodePayload unmarshals the raw payload into a typed struct, for
// pipelines with a fixed input shape.
func (c *Context) DecodePayload(into any) error {
	if c.Job == nil || len(c.Job.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(c.Job.Payload, into)
}

func (c *Context) PayloadUUID(key string) (uuid.UUID, bool) {
	v, ok := c.Payload()[key]
	if !ok || v == nil {
		return uuid.Nil, false
	}
	s, ok := v.(string)
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

/*
InitSteps seeds the ordered step skeleton on the job row so a status
reader sees the full plan (all pending) from the moment execution starts.
Steps already recorded from an earlier attempt of this job are kept, which
preserves completed-step results across a crash-and-retry.
*/
func (c *Context) InitSteps(names []string) {
	if len(c.steps) > 0 {
		return
	}
	c.steps = make([]domain.StepState, 0, len(names))
	for _, n := range names {
		c.steps = append(c.steps, domain.StepState{Name: n, Status: domain.StepStatusPending})
	}
	c.persistSteps("", nil)
}

// StepStart marks one step in_progress and makes it the job's stage.
func (c *Context) StepStart(name string) {
	now := time.Now()
	c.mutateStep(name, func(s *domain.StepState) {
		s.Status = domain.StepStatusInProgress
		s.StartedAt = &now
	})
	c.persistSteps(name, nil)
	c.notifyProgress(name, "")
}

// StepComplete marks one step completed and stores the step result — for
// resource-creating steps that result carries the external identifiers
// teardown needs if a later step fails.
func (c *Context) StepComplete(name string, result map[string]any) {
	now := time.Now()
	c.mutateStep(name, func(s *domain.StepState) {
		s.Status = domain.StepStatusCompleted
		s.Result = result
		s.CompletedAt = &now
	})
	c.persistSteps(name, nil)
	c.notifyProgress(name, "")
}

// StepFail marks one step failed. The job's terminal transition is still
// the pipeline's call to Fail; this only records the step sub-state.
func (c *Context) StepFail(name string, err error) {
	now := time.Now()
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	c.mutateStep(name, func(s *domain.StepState) {
		s.Status = domain.StepStatusFailed
		s.Error = msg
		s.CompletedAt = &now
	})
	c.persistSteps(name, nil)
}

func (c *Context) mutateStep(name string, mutate func(*domain.StepState)) {
	for i := range c.steps {
		if c.steps[i].Name == name {
			mutate(&c.steps[i])
			return
		}
	}
	s := domain.StepState{Name: name}
	mutate(&s)
	c.steps = append(c.steps, s)
}

// progressPct derives the monotonic progress counter from completed steps.
func (c *Context) progressPct() int {
	if len(c.steps) == 0 {
		return 0
	}
	done := 0
	for _, s := range c.steps {
		if s.Status == domain.StepStatusCompleted {
			done++
		}
	}
	return (done * 100) / len(c.steps)
}

func (c *Context) persistSteps(stage string, extra map[string]interface{}) {
	if c == nil || c.Repo == nil || c.Job == nil || c.Job.ID == uuid.Nil {
		return
	}
	now := time.Now()
	pct := c.progressPct()
	updates := map[string]interface{}{
		"steps":        domain.EncodeSteps(c.steps),
		"progress":     pct,
		"heartbeat_at": now,
		"updated_at":   now,
	}
	if stage != "" {
		updates["stage"] = stage
	}
	for k, v := range extra {
		updates[k] = v
	}
	ok, _ := c.Repo.UpdateFieldsUnlessStatus(ctxOrBackground(c.Ctx), c.DB, c.Job.ID, terminalStatuses, updates)
	if !ok {
		return
	}
	c.Job.Steps = domain.EncodeSteps(c.steps)
	c.Job.Progress = pct
	if stage != "" {
		c.Job.Stage = stage
	}
	c.Job.HeartbeatAt = &now
	c.Job.UpdatedAt = now
}

func (c *Context) notifyProgress(stage, msg string) {
	if c.Notify != nil && c.Job != nil {
		c.Notify.JobProgress(c.Job.OwnerUserID, c.Job, stage, c.progressPct(), msg)
	}
}

// Progress publishes a non-terminal human-readable update without touching
// the step list.
func (c *Context) Progress(stage string, pct int, msg string) {
	if c == nil {
		return
	}
	now := time.Now()
	if c.Repo != nil && c.Job != nil && c.Job.ID != uuid.Nil {
		ok, _ := c.Repo.UpdateFieldsUnlessStatus(ctxOrBackground(c.Ctx), c.DB, c.Job.ID, terminalStatuses, map[string]interface{}{
			"stage":        stage,
			"progress":     pct,
			"heartbeat_at": now,
			"updated_at":   now,
		})
		if !ok {
			return
		}
		c.Job.Stage = stage
		c.Job.Progress = pct
		c.Job.HeartbeatAt = &now
		c.Job.UpdatedAt = now
	}
	if c.Notify != nil && c.Job != nil {
		c.Notify.JobProgress(c.Job.OwnerUserID, c.Job, stage, pct, msg)
	}
}

/*
Fail is the failed terminal transition. Guarded by the terminal statuses,
so calling it against an already-finished job is a no-op rather than an
overwrite; the in-memory row and notification are skipped too when the
guard rejects the write.
*/
func (c *Context) Fail(stage string, err error) {
	if c == nil {
		return
	}
	now := time.Now()
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	if c.Repo != nil && c.Job != nil && c.Job.ID != uuid.Nil {
		ok, _ := c.Repo.UpdateFieldsUnlessStatus(ctxOrBackground(c.Ctx), c.DB, c.Job.ID, terminalStatuses, map[string]interface{}{
			"status":        domain.JobStatusFailed,
			"stage":         stage,
			"steps":         domain.EncodeSteps(c.steps),
			"error":         msg,
			"last_error_at": now,
			"locked_at":     nil,
			"updated_at":    now,
		})
		if !ok {
			return
		}
	}
	if c.Job != nil {
		c.Job.Status = domain.JobStatusFailed
		c.Job.Stage = stage
		c.Job.Error = msg
		c.Job.Steps = domain.EncodeSteps(c.steps)
		c.Job.LastErrorAt = &now
		c.Job.LockedAt = nil
		c.Job.UpdatedAt = now
	}
	if c.Notify != nil && c.Job != nil {
		c.Notify.JobFailed(c.Job.OwnerUserID, c.Job, stage, msg)
	}
}

/*
Succeed is the successful terminal transition: status=succeeded,
progress=100, result payload serialized onto the row. Same guard and
no-op-on-terminal semantics as Fail.
*/
func (c *Context) Succeed(finalStage string, result any) {
	if c == nil {
		return
	}
	now := time.Now()
	var res datatypes.JSON
	if result != nil {
		if b, err := json.Marshal(result); err == nil {
			res = datatypes.JSON(b)
		}
	}
	if c.Repo != nil && c.Job != nil && c.Job.ID != uuid.Nil {
		ok, _ := c.Repo.UpdateFieldsUnlessStatus(ctxOrBackground(c.Ctx), c.DB, c.Job.ID, terminalStatuses, map[string]interface{}{
			"status":       domain.JobStatusSucceeded,
			"stage":        finalStage,
			"steps":        domain.EncodeSteps(c.steps),
			"progress":     100,
			"error":        "",
			"result":       res,
			"locked_at":    nil,
			"heartbeat_at": now,
			"updated_at":   now,
		})
		if !ok {
			return
		}
	}
	if c.Job != nil {
		c.Job.Status = domain.JobStatusSucceeded
		c.Job.Stage = finalStage
		c.Job.Progress = 100
		c.Job.Error = ""
		c.Job.Steps = domain.EncodeSteps(c.steps)
		c.Job.Result = res
		c.Job.LockedAt = nil
		c.Job.HeartbeatAt = &now
		c.Job.UpdatedAt = now
	}
	if c.Notify != nil && c.Job != nil {
		c.Notify.JobDone(c.Job.OwnerUserID, c.Job)
	}
}

func ctxOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
