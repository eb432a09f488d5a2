package domain

import (
	"encoding/json"
	"time"

	"github.com/smallbiznis/marketpulse/internal/engine"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusAborted    Status = "aborted"
)

func ParseStatus(raw string) (Status, bool) {
	s := Status(raw)
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusAborted:
		return s, true
	}
	return "", false
}

// Terminal statuses never transition again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAborted
}

func TerminalStatuses() []Status {
	return []Status{StatusCompleted, StatusFailed, StatusAborted}
}

// ResearchTask is one submitted research request. The table doubles as the
// work queue: workers claim rows in pending status.
type ResearchTask struct {
	ID                   string                      `gorm:"primaryKey;type:varchar(64)" json:"request_id"`
	UserID               string                      `gorm:"type:varchar(128);not null;index:ix_research_tasks_user_created" json:"user_id"`
	ProductIdea          string                      `gorm:"type:text;not null" json:"product_idea"`
	ResearchDepth        string                      `gorm:"type:varchar(16);not null" json:"research_depth"`
	MaxSources           int                         `gorm:"not null" json:"max_sources"`
	Status               Status                      `gorm:"type:varchar(16);not null;index:ix_research_tasks_status_created" json:"status"`
	Progress             int                         `gorm:"not null;default:0" json:"progress"`
	CurrentStep          string                      `gorm:"type:varchar(128)" json:"current_step"`
	CompletedCheckpoints int                         `gorm:"not null;default:0" json:"completed_checkpoints"`
	Checkpoints          datatypes.JSONSlice[string] `json:"checkpoints"`
	CreditsCharged       int64                       `gorm:"not null" json:"credits_charged"`
	BillingMonth         string                      `gorm:"type:varchar(7);not null" json:"billing_month"`
	Sector               string                      `gorm:"type:varchar(128)" json:"sector,omitempty"`
	Report               datatypes.JSON              `json:"-"`
	ErrorDetail          *string                     `gorm:"type:text" json:"error,omitempty"`
	RefundPending        bool                        `gorm:"not null;default:false;index" json:"refund_pending"`
	RefundedAt           *time.Time                  `json:"refunded_at,omitempty"`
	RerunOf              *string                     `gorm:"type:varchar(64)" json:"rerun_of,omitempty"`
	Attempts             int                         `gorm:"not null;default:0" json:"attempts"`
	WorkerID             *string                     `gorm:"type:varchar(64)" json:"-"`
	HeartbeatAt          *time.Time                  `json:"-"`
	StartedAt            time.Time                   `gorm:"not null" json:"started_at"`
	CompletedAt          *time.Time                  `json:"completed_at,omitempty"`
	CreatedAt            time.Time                   `gorm:"not null;index:ix_research_tasks_user_created;index:ix_research_tasks_status_created" json:"created_at"`
	UpdatedAt            time.Time                   `gorm:"not null" json:"updated_at"`
}

func (ResearchTask) TableName() string { return "research_tasks" }

// DecodeReport returns the stored report, nil when none was written yet.
func (t *ResearchTask) DecodeReport() (*engine.Report, error) {
	if t == nil || len(t.Report) == 0 || string(t.Report) == "null" {
		return nil, nil
	}
	var report engine.Report
	if err := json.Unmarshal(t.Report, &report); err != nil {
		return nil, err
	}
	return &report, nil
}
