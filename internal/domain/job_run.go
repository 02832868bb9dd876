package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Job lifecycle. A row is created queued, claimed to running by a worker,
// and moves exactly once to succeeded or failed. Terminal rows are never
// mutated again; the repo layer enforces that with guarded updates.
const (
	JobStatusQueued    = "queued"
	JobStatusRunning   = "running"
	JobStatusSucceeded = "succeeded"
	JobStatusFailed    = "failed"
)

const (
	JobTypeSiteProvision = "site_provision"
)

// Per-step sub-states inside JobRun.Steps.
const (
	StepStatusPending    = "pending"
	StepStatusInProgress = "in_progress"
	StepStatusCompleted  = "completed"
	StepStatusFailed     = "failed"
)

// StepState is one entry of the ordered step list persisted on the job row.
// Result holds the identifiers of whatever external resource the step
// created, so a failed job still exposes everything teardown needs.
type StepState struct {
	Name        string         `json:"name"`
	Status      string         `json:"status"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

type JobRun struct {
	ID          uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	OwnerUserID uuid.UUID      `gorm:"type:uuid;not null;index" json:"owner_user_id"`
	JobType     string         `gorm:"column:job_type;not null;index" json:"job_type"`
	EntityType  string         `gorm:"column:entity_type;index" json:"entity_type,omitempty"`
	EntityID    *uuid.UUID     `gorm:"type:uuid;column:entity_id;index" json:"entity_id,omitempty"`
	Status      string         `gorm:"column:status;not null;index" json:"status"`
	Stage       string         `gorm:"column:stage;not null" json:"stage"`
	Progress    int            `gorm:"column:progress;not null;default:0" json:"progress"`
	Attempts    int            `gorm:"column:attempts;not null;default:0" json:"attempts"`
	Error       string         `gorm:"column:error" json:"error,omitempty"`
	LockedAt    *time.Time     `gorm:"column:locked_at;index" json:"locked_at,omitempty"`
	HeartbeatAt *time.Time     `gorm:"column:heartbeat_at;index" json:"heartbeat_at,omitempty"`
	LastErrorAt *time.Time     `gorm:"column:last_error_at" json:"last_error_at,omitempty"`
	Steps       datatypes.JSON `gorm:"column:steps;type:jsonb" json:"steps"`
	Payload     datatypes.JSON `gorm:"column:payload;type:jsonb" json:"payload"`
	Result      datatypes.JSON `gorm:"column:result;type:jsonb" json:"result"`
	CreatedAt   time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (JobRun) TableName() string { return "job_run" }

func (j *JobRun) IsTerminal() bool {
	return j != nil && (j.Status == JobStatusSucceeded || j.Status == JobStatusFailed)
}

// DecodeSteps parses the steps jsonb column. An unset or malformed column
// decodes to an empty slice rather than an error; the orchestrator always
// rewrites the full list on update.
func (j *JobRun) DecodeSteps() []StepState {
	if j == nil || len(j.Steps) == 0 {
		return nil
	}
	var out []StepState
	if err := json.Unmarshal(j.Steps, &out); err != nil {
		return nil
	}
	return out
}

func EncodeSteps(steps []StepState) datatypes.JSON {
	if len(steps) == 0 {
		return nil
	}
	b, err := json.Marshal(steps)
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}
