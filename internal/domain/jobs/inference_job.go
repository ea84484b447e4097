package jobs

import (
	"fmt"
	"time"

	"gorm.io/datatypes"

	"github.com/yungbote/inferbridge-backend/internal/domain/tokens"
)

type Status string

const (
	StatusPending   Status = "Pending"
	StatusRunning   Status = "Running"
	StatusCompleted Status = "Completed"
	StatusFailed    Status = "Failed"
	StatusAborted   Status = "Aborted"
)

func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusAborted:
		return true
	default:
		return false
	}
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusAborted:
		return true
	default:
		return false
	}
}

// InferenceJob is one admitted unit of inference work. Result is non-null iff
// Status is Completed. Rows are never deleted.
type InferenceJob struct {
	ID           string         `gorm:"column:id;primaryKey" json:"id"`
	OwnerEmail   string         `gorm:"column:owner_email;not null;index" json:"owner_email"`
	DatasetID    int64          `gorm:"column:dataset_id;not null;index" json:"dataset_id"`
	ModelID      string         `gorm:"column:model_id;not null" json:"model_id"`
	ModelVersion string         `gorm:"column:model_version;not null" json:"model_version"`
	Status       Status         `gorm:"column:status;not null;index" json:"status"`
	TokenCost    tokens.Amount  `gorm:"column:token_cost;not null" json:"token_cost"`
	Attempts     int            `gorm:"column:attempts;not null" json:"attempts"`
	Error        string         `gorm:"column:error" json:"error,omitempty"`
	Result       datatypes.JSON `gorm:"column:result" json:"result,omitempty"`
	CreatedAt    time.Time      `gorm:"column:created_at;not null;index" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"column:updated_at;not null" json:"updated_at"`
}

func (InferenceJob) TableName() string { return "inference_job" }

// ContentURI is where the annotated output files of a completed job live.
func (j *InferenceJob) ContentURI() string {
	return ContentURI(j.DatasetID, j.ID)
}

func ContentURI(datasetID int64, jobID string) string {
	return fmt.Sprintf("user/uploads/%d/annotated_files/%s", datasetID, jobID)
}
