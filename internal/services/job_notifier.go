package services

import (
	"github.com/google/uuid"

	"github.com/casaforge/casaforge-backend/internal/domain"
	"github.com/casaforge/casaforge-backend/internal/sse"
)

// JobNotifier pushes job lifecycle events to whoever is watching. The push
// channel is advisory: a failed or dropped notification never affects job
// execution, and clients reconcile through the job status endpoint.
type JobNotifier interface {
	JobCreated(userID uuid.UUID, job *domain.JobRun)
	JobProgress(userID uuid.UUID, job *domain.JobRun, stage string, pct int, msg string)
	JobFailed(userID uuid.UUID, job *domain.JobRun, stage, msg string)
	JobDone(userID uuid.UUID, job *domain.JobRun)
	SiteDeleted(userID, siteID uuid.UUID)
}

// UserChannel is the per-user SSE channel name.
func UserChannel(userID uuid.UUID) string {
	return "user:" + userID.String()
}

type jobEventPayload struct {
	JobID    string `json:"job_id"`
	JobType  string `json:"job_type"`
	EntityID string `json:"entity_id,omitempty"`
	Status   string `json:"status"`
	Stage    string `json:"stage,omitempty"`
	Progress int    `json:"progress"`
	Message  string `json:"message,omitempty"`
	Error    string `json:"error,omitempty"`
}

func jobPayload(job *domain.JobRun, stage string, pct int, msg, errMsg string) jobEventPayload {
	p := jobEventPayload{Message: msg, Error: errMsg, Stage: stage, Progress: pct}
	if job != nil {
		p.JobID = job.ID.String()
		p.JobType = job.JobType
		p.Status = job.Status
		if job.EntityID != nil {
			p.EntityID = job.EntityID.String()
		}
		if stage == "" {
			p.Stage = job.Stage
		}
	}
	return p
}

type sseJobNotifier struct {
	hub *sse.SSEHub
}

func NewSSEJobNotifier(hub *sse.SSEHub) JobNotifier {
	return &sseJobNotifier{hub: hub}
}

func (n *sseJobNotifier) send(userID uuid.UUID, event sse.SSEEvent, data any) {
	if n.hub == nil || userID == uuid.Nil {
		return
	}
	n.hub.Broadcast(sse.SSEMessage{
		Channel: UserChannel(userID),
		Event:   event,
		Data:    data,
	})
}

func (n *sseJobNotifier) JobCreated(userID uuid.UUID, job *domain.JobRun) {
	n.send(userID, sse.SSEEventJobCreated, jobPayload(job, "", 0, "", ""))
}

func (n *sseJobNotifier) JobProgress(userID uuid.UUID, job *domain.JobRun, stage string, pct int, msg string) {
	n.send(userID, sse.SSEEventJobProgress, jobPayload(job, stage, pct, msg, ""))
}

func (n *sseJobNotifier) JobFailed(userID uuid.UUID, job *domain.JobRun, stage, msg string) {
	n.send(userID, sse.SSEEventJobFailed, jobPayload(job, stage, 0, "", msg))
}

func (n *sseJobNotifier) JobDone(userID uuid.UUID, job *domain.JobRun) {
	n.send(userID, sse.SSEEventJobDone, jobPayload(job, "", 100, "", ""))
}

func (n *sseJobNotifier) SiteDeleted(userID, siteID uuid.UUID) {
	n.send(userID, sse.SSEEventSiteDeleted, map[string]any{"site_id": siteID.String()})
}

// NoopNotifier satisfies JobNotifier without a hub, for workers running in
// contexts with no connected clients.
type NoopNotifier struct{}

func (NoopNotifier) JobCreated(uuid.UUID, *domain.JobRun)                             {}
func (NoopNotifier) JobProgress(uuid.UUID, *domain.JobRun, string, int, string)       {}
func (NoopNotifier) JobFailed(uuid.UUID, *domain.JobRun, string, string)              {}
func (NoopNotifier) JobDone(uuid.UUID, *domain.JobRun)                                {}
func (NoopNotifier) SiteDeleted(uuid.UUID, uuid.UUID)                                 {}
